package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ChainChat/internal/auth"
	"ChainChat/internal/catalog"
	"ChainChat/internal/llm"
	"ChainChat/internal/market"
	"ChainChat/internal/orchestrator"
	"ChainChat/internal/resolver"
	"ChainChat/internal/storage/mysql"
	"ChainChat/internal/synthesis"
	"ChainChat/internal/tools"
	"ChainChat/internal/vector"
)

// stubLLM 按调用顺序返回预置响应。
type stubLLM struct {
	responses []*llm.ChatResponse
	calls     int
}

func (s *stubLLM) Chat(context.Context, llm.ChatRequest) (*llm.ChatResponse, error) {
	idx := s.calls
	s.calls++
	if idx < len(s.responses) && s.responses[idx] != nil {
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

type stubVector struct{}

func (stubVector) EnsureCollection(context.Context, string) error { return nil }
func (stubVector) Upsert(context.Context, string, []vector.Document) error { return nil }
func (stubVector) Query(context.Context, string, string, int) ([]vector.Hit, error) {
	return nil, nil
}
func (stubVector) ListCollections(context.Context) ([]string, error) { return nil, nil }
func (stubVector) DeleteCollection(context.Context, string) error { return nil }
func (stubVector) Close() error { return nil }

type stubMarket struct{}

func (stubMarket) FetchByIdentifier(context.Context, string) (*market.Quote, error) {
	return &market.Quote{Symbol: "SOL", Name: "Solana", PriceUSD: 150}, nil
}

func newTestServer(t *testing.T, client *stubLLM, authSvc *auth.Service) (*Server, mysql.Store) {
	t.Helper()
	store := mysql.NewMemoryStore()
	registry := tools.NewRegistry()
	deps := tools.Deps{
		Store:  store,
		Vector: stubVector{},
		Market: stubMarket{},
		Catalog: catalog.New([]catalog.Token{
			{Name: "Solana", Symbol: "SOL", Address: "So111", Chain: "solana"},
		}, 5),
		Now: func() int64 { return 1000 },
	}
	if err := tools.RegisterAll(registry, deps); err != nil {
		t.Fatalf("注册工具失败: %v", err)
	}
	executor := tools.NewExecutor(registry, store)
	orch := orchestrator.New(
		store,
		client,
		registry,
		executor,
		resolver.NewMemoryResolver(client, registry, executor, store),
		resolver.NewEntityResolver(client, registry, executor),
		synthesis.NewSynthesizer(client),
		orchestrator.Config{},
	)
	return NewServer("127.0.0.1:0", orch, store, authSvc), store
}

func TestChatEndpoint(t *testing.T) {
	client := &stubLLM{responses: []*llm.ChatResponse{
		{Content: ""},
		{Content: ""},
		{Content: "Hello from the assistant."},
	}}
	server, _ := newTestServer(t, client, nil)

	body := `{"user_id":"user-1","text":"hello"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("期望 200，实际 %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		ConversationID  string           `json:"conversation_id"`
		Reply           string           `json:"reply"`
		Source          string           `json:"source"`
		ExecutedActions []map[string]any `json:"executed_actions"`
		Memory          map[string]any   `json:"memory"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("响应解析失败: %v", err)
	}
	if resp.ConversationID == "" {
		t.Error("响应缺少会话 ID")
	}
	if resp.Reply != "Hello from the assistant." {
		t.Errorf("回复内容异常: %q", resp.Reply)
	}
	if resp.Source != "model" {
		t.Errorf("来源异常: %q", resp.Source)
	}
	if resp.Memory == nil {
		t.Error("响应缺少记忆快照")
	}
}

func TestChatEndpointRejectsBadBody(t *testing.T) {
	server, _ := newTestServer(t, &stubLLM{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("期望 400，实际 %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "INVALID_ARGUMENT") {
		t.Errorf("错误响应应包含错误码: %s", rec.Body.String())
	}
}

func TestChatEndpointRejectsEmptyText(t *testing.T) {
	server, _ := newTestServer(t, &stubLLM{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(`{"user_id":"u","text":"  "}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("期望 400，实际 %d: %s", rec.Code, rec.Body.String())
	}
}

func TestListConversationsAndMessages(t *testing.T) {
	server, store := newTestServer(t, &stubLLM{}, nil)
	ctx := context.Background()

	if err := store.CreateConversation(ctx, &mysql.Conversation{
		ID: "conv-1", UserID: "user-1", Status: mysql.ConversationActive,
		LastActivityAt: 1, CreatedAt: 1,
	}); err != nil {
		t.Fatalf("准备会话失败: %v", err)
	}
	if err := store.CreateMessage(ctx, &mysql.Message{
		ID: "m1", ConversationID: "conv-1", Role: mysql.RoleUser, Content: "hi", CreatedAt: 2,
	}); err != nil {
		t.Fatalf("准备消息失败: %v", err)
	}

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/conversations?user_id=user-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("期望 200，实际 %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "conv-1") {
		t.Errorf("会话列表缺少记录: %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("缺少 user_id 应返回 400: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/conversations/messages?conversation_id=conv-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("期望 200，实际 %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"content":"hi"`) {
		t.Errorf("消息列表异常: %s", rec.Body.String())
	}
}

func TestAuthGuardsEndpoints(t *testing.T) {
	authSvc, err := auth.NewService(auth.Config{Mode: "static", APIKeys: []string{"secret"}})
	if err != nil {
		t.Fatalf("构造认证服务失败: %v", err)
	}
	server, _ := newTestServer(t, &stubLLM{}, authSvc)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/conversations?user_id=u", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("缺少凭证应返回 401: %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations?user_id=u", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("合法凭证应放行: %d", rec.Code)
	}
}
