package vector

import (
	"context"
	"math"
	"sort"
	"sync"

	xerrors "ChainChat/internal/errors"
)

type memoryDoc struct {
	doc       Document
	embedding []float32
}

// MemoryStore 是进程内的向量索引，按余弦相似度做暴力检索。
// 适合单机部署与测试，数据不做持久化。
type MemoryStore struct {
	embedder Embedder

	mu          sync.RWMutex
	collections map[string]map[string]*memoryDoc
}

// NewMemoryStore 创建内存向量索引。
func NewMemoryStore(embedder Embedder) (*MemoryStore, error) {
	if embedder == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供向量化客户端")
	}
	return &MemoryStore{
		embedder:    embedder,
		collections: make(map[string]map[string]*memoryDoc),
	}, nil
}

func (s *MemoryStore) EnsureCollection(_ context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[collection]; !ok {
		s.collections[collection] = make(map[string]*memoryDoc)
	}
	return nil
}

func (s *MemoryStore) Upsert(ctx context.Context, collection string, docs []Document) error {
	if len(docs) == 0 {
		return nil
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

	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.collections[collection]
	if !ok {
		bucket = make(map[string]*memoryDoc)
		s.collections[collection] = bucket
	}
	for i, doc := range docs {
		bucket[doc.ID] = &memoryDoc{doc: doc, embedding: embeddings[i]}
	}
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, collection, text string, topK int) ([]Hit, error) {
	if topK <= 0 {
		topK = 5
	}
	embeddings, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExternalService, err, "生成查询向量失败")
	}
	if len(embeddings) != 1 {
		return nil, xerrors.New(xerrors.CodeExternalService, "查询向量生成结果异常")
	}
	query := embeddings[0]

	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket := s.collections[collection]

	hits := make([]Hit, 0, len(bucket))
	for _, entry := range bucket {
		hits = append(hits, Hit{
			ID:       entry.doc.ID,
			Text:     entry.doc.Text,
			Metadata: entry.doc.Metadata,
			Score:    cosineSimilarity(query, entry.embedding),
		})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (s *MemoryStore) ListCollections(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) DeleteCollection(_ context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, collection)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

var _ Store = (*MemoryStore)(nil)
