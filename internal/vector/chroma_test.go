package vector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestChromaStoreQueryParsesHits(t *testing.T) {
	var createCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/collections":
			atomic.AddInt32(&createCalls, 1)
			json.NewEncoder(w).Encode(map[string]string{"id": "col-123"})
		case "/api/v1/collections/col-123/query":
			json.NewEncoder(w).Encode(map[string]any{
				"ids":       [][]string{{"sol", "eth"}},
				"documents": [][]string{{"Token: Solana | Symbol: SOL | Address: So111", "Token: Ethereum | Symbol: ETH | Address: 0x0"}},
				"metadatas": [][]map[string]string{{{"symbol": "SOL"}, {"symbol": "ETH"}}},
				"distances": [][]float64{{0.1, 0.6}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	store, err := NewChromaStore(ChromaConfig{BaseURL: server.URL}, stubEmbedder{})
	if err != nil {
		t.Fatalf("创建 Chroma 客户端失败: %v", err)
	}

	hits, err := store.Query(context.Background(), "token-identity", "sol price", 2)
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("期望 2 条命中，实际 %d 条", len(hits))
	}
	if hits[0].ID != "sol" || hits[0].Metadata["symbol"] != "SOL" {
		t.Errorf("首条命中解析异常: %+v", hits[0])
	}
	if hits[0].Score != 0.9 {
		t.Errorf("期望距离 0.1 换算为相似度 0.9，实际 %f", hits[0].Score)
	}

	// 第二次查询应复用缓存的集合 ID。
	if _, err := store.Query(context.Background(), "token-identity", "eth price", 2); err != nil {
		t.Fatalf("第二次查询失败: %v", err)
	}
	if atomic.LoadInt32(&createCalls) != 1 {
		t.Errorf("期望集合创建仅调用一次，实际 %d 次", createCalls)
	}
}

func TestChromaStoreListCollections(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/collections" || r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode([]map[string]string{
			{"id": "col-1", "name": "token-identity"},
			{"id": "col-2", "name": "conversation-history-conv-1"},
		})
	}))
	defer server.Close()

	store, err := NewChromaStore(ChromaConfig{BaseURL: server.URL}, stubEmbedder{})
	if err != nil {
		t.Fatalf("创建 Chroma 客户端失败: %v", err)
	}

	names, err := store.ListCollections(context.Background())
	if err != nil {
		t.Fatalf("列举集合失败: %v", err)
	}
	if len(names) != 2 || names[0] != "token-identity" {
		t.Errorf("集合列表异常: %v", names)
	}
}

func TestChromaStoreRejectsEmptyBaseURL(t *testing.T) {
	if _, err := NewChromaStore(ChromaConfig{}, stubEmbedder{}); err == nil {
		t.Fatal("缺少服务地址时应返回错误")
	}
}

func TestChromaStoreUpsertSendsEmbeddings(t *testing.T) {
	var upsertBody struct {
		IDs        []string    `json:"ids"`
		Documents  []string    `json:"documents"`
		Embeddings [][]float32 `json:"embeddings"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/collections":
			json.NewEncoder(w).Encode(map[string]string{"id": "col-123"})
		case "/api/v1/collections/col-123/upsert":
			if err := json.NewDecoder(r.Body).Decode(&upsertBody); err != nil {
				t.Errorf("解析 upsert 请求失败: %v", err)
			}
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	store, err := NewChromaStore(ChromaConfig{BaseURL: server.URL}, stubEmbedder{})
	if err != nil {
		t.Fatalf("创建 Chroma 客户端失败: %v", err)
	}

	docs := []Document{
		{ID: "sol", Text: "solana", Metadata: map[string]string{"symbol": "SOL"}},
		{ID: "eth", Text: "ethereum"},
	}
	if err := store.Upsert(context.Background(), "token-identity", docs); err != nil {
		t.Fatalf("upsert 失败: %v", err)
	}

	if len(upsertBody.IDs) != 2 || upsertBody.IDs[0] != "sol" {
		t.Errorf("期望提交 2 个 ID，实际 %v", upsertBody.IDs)
	}
	if len(upsertBody.Embeddings) != 2 {
		t.Errorf("期望客户端生成 2 组向量，实际 %d 组", len(upsertBody.Embeddings))
	}
}
