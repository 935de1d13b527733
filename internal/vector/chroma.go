package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/llm"
	"ChainChat/pkg/retry"
)

// Embedder 是向量化文本所需的最小能力，由 LLM 客户端实现。
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ChromaConfig 描述 Chroma HTTP 服务的连接参数。
type ChromaConfig struct {
	BaseURL string
	Timeout time.Duration
}

// ChromaStore 通过 HTTP API 访问外部 Chroma 服务。
// 向量在客户端生成后随文档一并提交。
type ChromaStore struct {
	baseURL  string
	client   *http.Client
	embedder Embedder
	policy   retry.Policy

	mu          sync.Mutex
	collections map[string]string // 集合名 -> 集合 ID
}

// NewChromaStore 创建 Chroma 客户端。
func NewChromaStore(cfg ChromaConfig, embedder Embedder) (*ChromaStore, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置向量服务地址")
	}
	if embedder == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供向量化客户端")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &ChromaStore{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		client:      &http.Client{Timeout: timeout},
		embedder:    embedder,
		policy:      retry.DefaultPolicy(),
		collections: make(map[string]string),
	}, nil
}

// EnsureCollection 以 get-or-create 语义创建集合并缓存其 ID。
func (s *ChromaStore) EnsureCollection(ctx context.Context, collection string) error {
	_, err := s.collectionID(ctx, collection)
	return err
}

// Upsert 先在客户端生成向量，再将文档批量写入集合。
func (s *ChromaStore) Upsert(ctx context.Context, collection string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	id, err := s.collectionID(ctx, collection)
	if err != nil {
		return err
	}

	texts := make([]string, 0, len(docs))
	for _, doc := range docs {
		texts = append(texts, doc.Text)
	}
	embeddings, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeExternalService, err, "生成文档向量失败")
	}
	if len(embeddings) != len(docs) {
		return xerrors.New(xerrors.CodeExternalService, "向量数量与文档数量不一致")
	}

	payload := map[string]any{
		"ids":        make([]string, 0, len(docs)),
		"documents":  texts,
		"embeddings": embeddings,
		"metadatas":  make([]map[string]string, 0, len(docs)),
	}
	ids := payload["ids"].([]string)
	metadatas := payload["metadatas"].([]map[string]string)
	for _, doc := range docs {
		ids = append(ids, doc.ID)
		meta := doc.Metadata
		if meta == nil {
			meta = map[string]string{}
		}
		metadatas = append(metadatas, meta)
	}
	payload["ids"] = ids
	payload["metadatas"] = metadatas

	return s.doJSON(ctx, http.MethodPost, fmt.Sprintf("/api/v1/collections/%s/upsert", id), payload, nil)
}

// Query 生成查询向量并返回最相似的 topK 条文档。
func (s *ChromaStore) Query(ctx context.Context, collection, text string, topK int) ([]Hit, error) {
	if topK <= 0 {
		topK = 5
	}
	id, err := s.collectionID(ctx, collection)
	if err != nil {
		return nil, err
	}

	embeddings, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExternalService, err, "生成查询向量失败")
	}
	if len(embeddings) != 1 {
		return nil, xerrors.New(xerrors.CodeExternalService, "查询向量生成结果异常")
	}

	payload := map[string]any{
		"query_embeddings": embeddings,
		"n_results":        topK,
		"include":          []string{"documents", "metadatas", "distances"},
	}

	var resp struct {
		IDs       [][]string            `json:"ids"`
		Documents [][]string            `json:"documents"`
		Metadatas [][]map[string]string `json:"metadatas"`
		Distances [][]float64           `json:"distances"`
	}
	if err := s.doJSON(ctx, http.MethodPost, fmt.Sprintf("/api/v1/collections/%s/query", id), payload, &resp); err != nil {
		return nil, err
	}
	if len(resp.IDs) == 0 {
		return nil, nil
	}

	hits := make([]Hit, 0, len(resp.IDs[0]))
	for i, docID := range resp.IDs[0] {
		hit := Hit{ID: docID}
		if len(resp.Documents) > 0 && i < len(resp.Documents[0]) {
			hit.Text = resp.Documents[0][i]
		}
		if len(resp.Metadatas) > 0 && i < len(resp.Metadatas[0]) {
			hit.Metadata = resp.Metadatas[0][i]
		}
		if len(resp.Distances) > 0 && i < len(resp.Distances[0]) {
			// Chroma 返回余弦距离，换算为相似度。
			hit.Score = 1 - resp.Distances[0][i]
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// ListCollections 返回服务端当前的全部集合名，并顺手刷新 ID 缓存。
func (s *ChromaStore) ListCollections(ctx context.Context) ([]string, error) {
	var resp []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := s.doJSON(ctx, http.MethodGet, "/api/v1/collections", nil, &resp); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(resp))
	s.mu.Lock()
	for _, col := range resp {
		names = append(names, col.Name)
		if col.ID != "" {
			s.collections[col.Name] = col.ID
		}
	}
	s.mu.Unlock()
	return names, nil
}

// DeleteCollection 删除集合并清理本地缓存。
func (s *ChromaStore) DeleteCollection(ctx context.Context, collection string) error {
	if err := s.doJSON(ctx, http.MethodDelete, "/api/v1/collections/"+collection, nil, nil); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.collections, collection)
	s.mu.Unlock()
	return nil
}

// Close 实现 Store 接口，HTTP 客户端无需额外清理。
func (s *ChromaStore) Close() error { return nil }

func (s *ChromaStore) collectionID(ctx context.Context, collection string) (string, error) {
	s.mu.Lock()
	if id, ok := s.collections[collection]; ok {
		s.mu.Unlock()
		return id, nil
	}
	s.mu.Unlock()

	payload := map[string]any{
		"name":          collection,
		"get_or_create": true,
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := s.doJSON(ctx, http.MethodPost, "/api/v1/collections", payload, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", xerrors.New(xerrors.CodeExternalService, "向量服务未返回集合 ID")
	}

	s.mu.Lock()
	s.collections[collection] = resp.ID
	s.mu.Unlock()
	return resp.ID, nil
}

func (s *ChromaStore) doJSON(ctx context.Context, method, path string, payload, out any) error {
	return s.policy.Do(ctx, func(ctx context.Context) error {
		var body io.Reader
		if payload != nil {
			encoded, err := json.Marshal(payload)
			if err != nil {
				return xerrors.Wrap(xerrors.CodeUnknown, err, "序列化向量服务请求失败")
			}
			body = bytes.NewReader(encoded)
		}

		req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeUnknown, err, "构建向量服务请求失败")
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeExternalService, err, "请求向量服务失败")
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeExternalService, err, "读取向量服务响应失败")
		}
		if resp.StatusCode >= 500 {
			return xerrors.New(xerrors.CodeExternalService,
				fmt.Sprintf("向量服务返回 %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
		}
		if resp.StatusCode >= 400 {
			// 4xx 不重试。
			return xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("向量服务拒绝请求 %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
		}

		if out != nil && len(raw) > 0 {
			if err := json.Unmarshal(raw, out); err != nil {
				return xerrors.Wrap(xerrors.CodeExternalService, err, "解析向量服务响应失败")
			}
		}
		return nil
	})
}

var _ Store = (*ChromaStore)(nil)
var _ Embedder = (llm.Client)(nil)
