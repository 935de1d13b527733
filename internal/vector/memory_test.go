package vector

import (
	"context"
	"strings"
	"testing"
)

// stubEmbedder 按关键词返回固定方向的向量，保证相似度可预期。
type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	result := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec := []float32{0.1, 0.1, 0.1}
		lower := strings.ToLower(text)
		if strings.Contains(lower, "solana") || strings.Contains(lower, "sol") {
			vec = []float32{1, 0, 0}
		}
		if strings.Contains(lower, "ethereum") || strings.Contains(lower, "eth") {
			vec = []float32{0, 1, 0}
		}
		result = append(result, vec)
	}
	return result, nil
}

func TestMemoryStoreQueryRanksBySimilarity(t *testing.T) {
	store, err := NewMemoryStore(stubEmbedder{})
	if err != nil {
		t.Fatalf("创建内存向量索引失败: %v", err)
	}
	ctx := context.Background()

	docs := []Document{
		{ID: "sol", Text: "Token: Solana | Symbol: SOL | Address: So11111111111111111111111111111111111111112"},
		{ID: "eth", Text: "Token: Ethereum | Symbol: ETH | Address: 0x0000000000000000000000000000000000000000"},
		{ID: "misc", Text: "Token: Unrelated | Symbol: MISC | Address: 0xdead"},
	}
	if err := store.Upsert(ctx, "token-identity", docs); err != nil {
		t.Fatalf("写入文档失败: %v", err)
	}

	hits, err := store.Query(ctx, "token-identity", "what is the price of sol", 2)
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("期望 2 条命中，实际 %d 条", len(hits))
	}
	if hits[0].ID != "sol" {
		t.Errorf("期望首位命中 sol，实际 %q", hits[0].ID)
	}
	if hits[0].Score <= hits[1].Score {
		t.Errorf("期望按相似度降序排列: %f <= %f", hits[0].Score, hits[1].Score)
	}
}

func TestMemoryStoreUpsertIsIdempotent(t *testing.T) {
	store, err := NewMemoryStore(stubEmbedder{})
	if err != nil {
		t.Fatalf("创建内存向量索引失败: %v", err)
	}
	ctx := context.Background()

	doc := Document{ID: "sol", Text: "solana v1"}
	if err := store.Upsert(ctx, "c", []Document{doc}); err != nil {
		t.Fatalf("首次写入失败: %v", err)
	}
	doc.Text = "solana v2"
	if err := store.Upsert(ctx, "c", []Document{doc}); err != nil {
		t.Fatalf("覆盖写入失败: %v", err)
	}

	hits, err := store.Query(ctx, "c", "solana", 10)
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("相同 ID 重复写入应只保留一条，实际 %d 条", len(hits))
	}
	if hits[0].Text != "solana v2" {
		t.Errorf("期望保留最新内容，实际 %q", hits[0].Text)
	}
}

func TestMemoryStoreListCollections(t *testing.T) {
	store, err := NewMemoryStore(stubEmbedder{})
	if err != nil {
		t.Fatalf("创建内存向量索引失败: %v", err)
	}
	ctx := context.Background()

	for _, name := range []string{"token-identity", "conversation-history-conv-1"} {
		if err := store.EnsureCollection(ctx, name); err != nil {
			t.Fatalf("创建集合失败: %v", err)
		}
	}

	names, err := store.ListCollections(ctx)
	if err != nil {
		t.Fatalf("列举集合失败: %v", err)
	}
	if len(names) != 2 || names[0] != "conversation-history-conv-1" || names[1] != "token-identity" {
		t.Errorf("集合列表应按名称排序: %v", names)
	}

	if err := store.DeleteCollection(ctx, "token-identity"); err != nil {
		t.Fatalf("删除集合失败: %v", err)
	}
	names, err = store.ListCollections(ctx)
	if err != nil {
		t.Fatalf("列举集合失败: %v", err)
	}
	if len(names) != 1 {
		t.Errorf("删除后应剩 1 个集合: %v", names)
	}
}

func TestMemoryStoreDeleteCollection(t *testing.T) {
	store, err := NewMemoryStore(stubEmbedder{})
	if err != nil {
		t.Fatalf("创建内存向量索引失败: %v", err)
	}
	ctx := context.Background()

	if err := store.Upsert(ctx, "c", []Document{{ID: "sol", Text: "solana"}}); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	if err := store.DeleteCollection(ctx, "c"); err != nil {
		t.Fatalf("删除集合失败: %v", err)
	}
	hits, err := store.Query(ctx, "c", "solana", 10)
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("删除集合后不应有命中，实际 %d 条", len(hits))
	}
}

func TestCosineSimilarity(t *testing.T) {
	if got := cosineSimilarity([]float32{1, 0}, []float32{1, 0}); got < 0.999 {
		t.Errorf("同向向量相似度应接近 1，实际 %f", got)
	}
	if got := cosineSimilarity([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Errorf("正交向量相似度应为 0，实际 %f", got)
	}
	if got := cosineSimilarity(nil, []float32{1}); got != 0 {
		t.Errorf("空向量相似度应为 0，实际 %f", got)
	}
}
