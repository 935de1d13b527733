package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"ChainChat/internal/auth"
	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/observability/metrics"
	"ChainChat/internal/orchestrator"
	"ChainChat/internal/storage/mysql"
)

// Server 负责暴露 REST 接口，供外部渠道驱动会话。
type Server struct {
	addr  string
	orch  *orchestrator.Orchestrator
	store mysql.Store
	auth  *auth.Service
}

// NewServer 构造 API 服务实例。auth 可以为 nil（等价于关闭认证）。
func NewServer(addr string, orch *orchestrator.Orchestrator, store mysql.Store, authSvc *auth.Service) *Server {
	return &Server{addr: addr, orch: orch, store: store, auth: authSvc}
}

// Handler 返回完整路由，测试与 Start 共用。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/chat", instrument("chat", s.handleChat))
	mux.HandleFunc("/api/v1/conversations", instrument("conversations", s.handleListConversations))
	mux.HandleFunc("/api/v1/conversations/messages", instrument("messages", s.handleListMessages))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if s.auth != nil {
		return s.auth.Middleware(mux)
	}
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// chatRequest 是聊天端点的请求体。
type chatRequest struct {
	UserID           string `json:"user_id"`
	ConversationID   string `json:"conversation_id,omitempty"`
	Text             string `json:"text"`
	ChannelSessionID string `json:"channel_session_id,omitempty"`
}

// chatResponse 是聊天端点的响应体。
type chatResponse struct {
	ConversationID  string           `json:"conversation_id"`
	Reply           string           `json:"reply"`
	Source          string           `json:"source"`
	StructuredData  map[string]any   `json:"structured_data,omitempty"`
	ExecutedActions []executedAction `json:"executed_actions"`
	Memory          map[string]any   `json:"memory"`
	Degraded        bool             `json:"degraded,omitempty"`
}

// executedAction 是动作执行记录的对外投影。
type executedAction struct {
	Name       string          `json:"name"`
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	DurationMs int64           `json:"duration_ms"`
	Chained    bool            `json:"chained,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}

	result, err := s.orch.HandleMessage(r.Context(), orchestrator.Request{
		UserID:           req.UserID,
		ConversationID:   req.ConversationID,
		Text:             req.Text,
		ChannelSessionID: req.ChannelSessionID,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	actions := make([]executedAction, 0, len(result.Actions))
	for _, action := range result.Actions {
		var data json.RawMessage
		if action.Success && action.Data != nil {
			if raw, marshalErr := json.Marshal(action.Data); marshalErr == nil {
				data = raw
			}
		}
		actions = append(actions, executedAction{
			Name:       action.Name,
			Success:    action.Success,
			Data:       data,
			Error:      action.Error,
			ErrorCode:  action.ErrorCode,
			DurationMs: action.DurationMs,
			Chained:    action.Chained,
		})
	}

	writeJSON(w, http.StatusOK, chatResponse{
		ConversationID:  result.ConversationID,
		Reply:           result.Reply,
		Source:          result.Source,
		StructuredData:  result.ActionData,
		ExecutedActions: actions,
		Memory: map[string]any{
			"items":    result.Memory.Items,
			"objects":  result.Memory.Objects,
			"hits":     result.Memory.Hits,
			"degraded": result.Memory.Degraded,
		},
		Degraded: result.Degraded,
	})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少 user_id 参数"))
		return
	}
	limit := parseLimit(r, 20)

	conversations, err := s.store.ListConversationsByUser(r.Context(), userID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": conversations})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少 conversation_id 参数"))
		return
	}
	limit := parseLimit(r, 50)

	messages, err := s.store.ListRecentMessages(r.Context(), conversationID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func parseLimit(r *http.Request, fallback int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

// errorBody 是错误响应的统一结构。
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case xerrors.CodeInvalidArgument, xerrors.CodeArgumentParse:
		status = http.StatusBadRequest
	case xerrors.CodeNotFound:
		status = http.StatusNotFound
	case xerrors.CodeConflict:
		status = http.StatusConflict
	case xerrors.CodeTimeout:
		status = http.StatusGatewayTimeout
	case xerrors.CodeExternalService, xerrors.CodeQueueFailure:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]any{"error": errorBody{Code: string(code), Message: err.Error()}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// instrument 为路由挂上 HTTP 指标采集。
func instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		handler(sw, r)
		metrics.ObserveHTTPRequest(name, r.Method, sw.status, time.Since(start))
	}
}

// statusWriter 捕获响应状态码。
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
