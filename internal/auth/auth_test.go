package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewServiceValidatesConfig(t *testing.T) {
	if _, err := NewService(Config{Mode: "static"}); err == nil {
		t.Error("静态模式缺少 Key 应报错")
	}
	if _, err := NewService(Config{Mode: "jwt"}); err == nil {
		t.Error("未知模式应报错")
	}
	svc, err := NewService(Config{})
	if err != nil {
		t.Fatalf("默认模式应可用: %v", err)
	}
	if svc.Enabled() {
		t.Error("默认模式应为关闭认证")
	}
}

func TestAuthenticateStaticKey(t *testing.T) {
	svc, err := NewService(Config{Mode: "static", APIKeys: []string{"secret-1", "secret-2"}})
	if err != nil {
		t.Fatalf("构造服务失败: %v", err)
	}

	caller, err := svc.Authenticate(context.Background(), "Bearer secret-2")
	if err != nil {
		t.Fatalf("合法 Key 应通过认证: %v", err)
	}
	if caller != "secret-2" {
		t.Errorf("调用方标识异常: %q", caller)
	}

	if _, err := svc.Authenticate(context.Background(), ""); err != ErrMissingToken {
		t.Errorf("缺少凭证应返回 ErrMissingToken: %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), "Bearer wrong"); err != ErrInvalidToken {
		t.Errorf("错误 Key 应返回 ErrInvalidToken: %v", err)
	}
}

func TestMiddlewareRejectsWithoutKey(t *testing.T) {
	svc, err := NewService(Config{Mode: "static", APIKeys: []string{"secret"}})
	if err != nil {
		t.Fatalf("构造服务失败: %v", err)
	}

	var caller string
	handler := svc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller = CallerFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/chat", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("缺少凭证应返回 401: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/chat", nil)
	req.Header.Set("Authorization", "Bearer secret")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("合法凭证应放行: %d", rec.Code)
	}
	if caller != "secret" {
		t.Errorf("上下文应携带调用方标识: %q", caller)
	}
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	svc, err := NewService(Config{Mode: "disabled"})
	if err != nil {
		t.Fatalf("构造服务失败: %v", err)
	}

	handler := svc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("关闭认证时应放行: %d", rec.Code)
	}
}
