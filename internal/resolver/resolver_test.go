package resolver

import (
	"context"
	"testing"

	"ChainChat/internal/catalog"
	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/llm"
	"ChainChat/internal/market"
	"ChainChat/internal/storage/mysql"
	"ChainChat/internal/tools"
	"ChainChat/internal/vector"
)

// stubLLM 按调用顺序返回预置响应。
type stubLLM struct {
	responses []*llm.ChatResponse
	errs      []error
	calls     int
	requests  []llm.ChatRequest
}

func (s *stubLLM) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	s.requests = append(s.requests, req)
	idx := s.calls
	s.calls++
	if idx < len(s.errs) && s.errs[idx] != nil {
		return nil, s.errs[idx]
	}
	if idx < len(s.responses) {
		return s.responses[idx], nil
	}
	return &llm.ChatResponse{Content: "{}"}, nil
}

func (s *stubLLM) Embed(_ context.Context, texts []string) ([][]float32, error) {
	result := make([][]float32, len(texts))
	for i := range texts {
		result[i] = []float32{1, 0, 0}
	}
	return result, nil
}

type stubVector struct {
	hits []vector.Hit
	err  error
}

func (s *stubVector) EnsureCollection(context.Context, string) error { return nil }
func (s *stubVector) Upsert(context.Context, string, []vector.Document) error { return nil }
func (s *stubVector) Query(context.Context, string, string, int) ([]vector.Hit, error) {
	return s.hits, s.err
}
func (s *stubVector) ListCollections(context.Context) ([]string, error) { return nil, nil }
func (s *stubVector) DeleteCollection(context.Context, string) error { return nil }
func (s *stubVector) Close() error { return nil }

type stubMarket struct{}

func (stubMarket) FetchByIdentifier(context.Context, string) (*market.Quote, error) {
	return &market.Quote{Symbol: "SOL", PriceUSD: 150}, nil
}

func newTestHarness(t *testing.T, vec vector.Store) (*tools.Registry, *tools.Executor, mysql.Store) {
	t.Helper()
	store := mysql.NewMemoryStore()
	registry := tools.NewRegistry()
	deps := tools.Deps{
		Store:  store,
		Vector: vec,
		Market: stubMarket{},
		Catalog: catalog.New([]catalog.Token{
			{Name: "Solana", Symbol: "SOL", Address: "So111", Chain: "solana"},
			{Name: "Ethereum", Symbol: "ETH", Address: "0x0", Chain: "ethereum"},
		}, 5),
		Now: func() int64 { return 1000 },
	}
	if err := tools.RegisterAll(registry, deps); err != nil {
		t.Fatalf("注册工具失败: %v", err)
	}
	return registry, tools.NewExecutor(registry, store), store
}

func testRequest() tools.Request {
	return tools.Request{ConversationID: "conv-1", UserID: "user-1", MessageID: "msg-1"}
}

func TestMemoryResolverGathersContext(t *testing.T) {
	vec := &stubVector{hits: []vector.Hit{{ID: "m1", Text: "user: I bought SOL at 90", Score: 0.9}}}
	registry, executor, store := newTestHarness(t, vec)
	ctx := context.Background()

	if err := store.UpsertMemoryItem(ctx, &mysql.MemoryItem{
		ConversationID: "conv-1", Key: "risk_profile", Value: "low",
		ValueType: "string", Provenance: mysql.ProvenanceUserStated, Confidence: 1,
		CreatedAt: 1, UpdatedAt: 1,
	}); err != nil {
		t.Fatalf("准备记忆条目失败: %v", err)
	}

	client := &stubLLM{responses: []*llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: "search_conversation_memory", ArgumentsJSON: `{"query":"SOL purchase"}`},
		}},
	}}

	resolver := NewMemoryResolver(client, registry, executor, store)
	result := resolver.Resolve(ctx, testRequest(), "what was my SOL entry price?")

	if result.Degraded {
		t.Error("全部步骤成功时不应标记降级")
	}
	if len(result.Items) != 1 || result.Items[0].Key != "risk_profile" {
		t.Errorf("记忆条目未加载: %+v", result.Items)
	}
	if len(result.Hits) != 1 || result.Hits[0].ID != "m1" {
		t.Errorf("语义检索命中未收集: %+v", result.Hits)
	}

	// 子会话不产生会话消息。
	count, err := store.CountMessages(ctx, "conv-1")
	if err != nil {
		t.Fatalf("统计消息失败: %v", err)
	}
	if count != 0 {
		t.Errorf("记忆子会话不应写入消息，实际 %d 条", count)
	}

	// 工具调用记录仍然挂在当前消息上。
	invs, err := store.ListInvocationsByMessage(ctx, "msg-1")
	if err != nil {
		t.Fatalf("查询调用记录失败: %v", err)
	}
	if len(invs) != 1 || invs[0].ActionName != "search_conversation_memory" {
		t.Errorf("调用记录异常: %+v", invs)
	}
}

func TestMemoryResolverDegradesOnLLMFailure(t *testing.T) {
	registry, executor, store := newTestHarness(t, &stubVector{})
	ctx := context.Background()

	if err := store.UpsertMemoryItem(ctx, &mysql.MemoryItem{
		ConversationID: "conv-1", Key: "favorite_chain", Value: "solana",
		ValueType: "string", Provenance: mysql.ProvenanceUserStated, Confidence: 1,
		CreatedAt: 1, UpdatedAt: 1,
	}); err != nil {
		t.Fatalf("准备记忆条目失败: %v", err)
	}

	client := &stubLLM{errs: []error{xerrors.New(xerrors.CodeExternalService, "模型不可用")}}
	resolver := NewMemoryResolver(client, registry, executor, store)

	result := resolver.Resolve(ctx, testRequest(), "hello")
	if !result.Degraded {
		t.Error("模型失败时应标记降级")
	}
	if len(result.Items) != 1 {
		t.Errorf("结构化记忆应照常加载: %+v", result.Items)
	}
	if len(result.Hits) != 0 {
		t.Errorf("降级时不应有语义命中: %+v", result.Hits)
	}
}

func TestEntityResolverRunsResolutionSubSession(t *testing.T) {
	vec := &stubVector{hits: []vector.Hit{
		{ID: "sol", Text: "Token: Solana | Symbol: SOL | Address: So111", Score: 0.95},
	}}
	registry, executor, store := newTestHarness(t, vec)
	ctx := context.Background()

	client := &stubLLM{responses: []*llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: "resolve_token_entity", ArgumentsJSON: `{"phrase":"sol"}`},
		}},
	}}
	resolver := NewEntityResolver(client, registry, executor)

	candidates := resolver.Resolve(ctx, testRequest(), "price of sol?")
	if len(candidates) != 1 {
		t.Fatalf("期望 1 个候选，实际 %d 个", len(candidates))
	}
	if candidates[0].Symbol != "SOL" || candidates[0].Address != "So111" {
		t.Errorf("候选解析异常: %+v", candidates[0])
	}

	// 子会话只能看到解析视图的单个工具，由模型决定是否调用。
	if len(client.requests) != 1 {
		t.Fatalf("期望 1 次模型调用，实际 %d 次", len(client.requests))
	}
	subReq := client.requests[0]
	if len(subReq.Tools) != 1 || subReq.Tools[0].Name != "resolve_token_entity" {
		t.Errorf("子会话工具清单异常: %+v", subReq.Tools)
	}
	if subReq.ToolChoice != llm.ToolChoiceAuto {
		t.Errorf("子会话应由模型决定是否调用工具: %q", subReq.ToolChoice)
	}

	invs, err := store.ListInvocationsByMessage(ctx, "msg-1")
	if err != nil {
		t.Fatalf("查询调用记录失败: %v", err)
	}
	if len(invs) != 1 || invs[0].ActionName != "resolve_token_entity" {
		t.Errorf("实体解析应留下调用记录: %+v", invs)
	}
}

func TestEntityResolverFallsBackToCatalog(t *testing.T) {
	vec := &stubVector{err: xerrors.New(xerrors.CodeExternalService, "向量服务不可用")}
	registry, executor, _ := newTestHarness(t, vec)

	client := &stubLLM{responses: []*llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: "resolve_token_entity", ArgumentsJSON: `{"phrase":"eth"}`},
		}},
	}}
	resolver := NewEntityResolver(client, registry, executor)

	candidates := resolver.Resolve(context.Background(), testRequest(), "eth")
	if len(candidates) != 1 || candidates[0].Symbol != "ETH" {
		t.Fatalf("退回目录匹配失败: %+v", candidates)
	}
}

func TestEntityResolverNoMentions(t *testing.T) {
	registry, executor, _ := newTestHarness(t, &stubVector{})

	client := &stubLLM{responses: []*llm.ChatResponse{
		{Content: "no tokens here"},
	}}
	resolver := NewEntityResolver(client, registry, executor)

	if candidates := resolver.Resolve(context.Background(), testRequest(), "good morning"); candidates != nil {
		t.Errorf("无提及时应返回空: %+v", candidates)
	}
}

func TestEntityResolverDegradesOnLLMFailure(t *testing.T) {
	registry, executor, _ := newTestHarness(t, &stubVector{})

	client := &stubLLM{errs: []error{xerrors.New(xerrors.CodeExternalService, "模型不可用")}}
	resolver := NewEntityResolver(client, registry, executor)

	if candidates := resolver.Resolve(context.Background(), testRequest(), "price of sol?"); candidates != nil {
		t.Errorf("模型失败时应降级为空: %+v", candidates)
	}
}
