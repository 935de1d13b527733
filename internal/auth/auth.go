// Package auth 提供 API 访问控制：支持关闭认证或静态 API Key 两种模式。
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
)

// Mode 表示认证模式。
type Mode string

const (
	// ModeDisabled 关闭认证，所有请求直接放行。
	ModeDisabled Mode = "disabled"
	// ModeStatic 使用配置中的静态 API Key 列表。
	ModeStatic Mode = "static"
)

// 认证子系统的公共错误。
var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Config 描述认证服务的配置。
type Config struct {
	Mode    string
	APIKeys []string
}

// Service 校验请求携带的凭证。
type Service struct {
	mode Mode
	keys []string
}

// NewService 构造认证服务。静态模式下必须配置至少一个 Key。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(cfg.Mode)))
	if mode == "" {
		mode = ModeDisabled
	}
	switch mode {
	case ModeDisabled:
		return &Service{mode: mode}, nil
	case ModeStatic:
		keys := make([]string, 0, len(cfg.APIKeys))
		for _, key := range cfg.APIKeys {
			if trimmed := strings.TrimSpace(key); trimmed != "" {
				keys = append(keys, trimmed)
			}
		}
		if len(keys) == 0 {
			return nil, errors.New("静态认证模式下必须配置至少一个 API Key")
		}
		return &Service{mode: mode, keys: keys}, nil
	default:
		return nil, errors.New("不支持的认证模式: " + string(mode))
	}
}

// Enabled 返回认证是否启用。
func (s *Service) Enabled() bool {
	return s != nil && s.mode != ModeDisabled
}

// Authenticate 校验 Authorization 头，返回通过校验的 Key。
func (s *Service) Authenticate(_ context.Context, authorization string) (string, error) {
	token, ok := strings.CutPrefix(strings.TrimSpace(authorization), "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	token = strings.TrimSpace(token)
	for _, key := range s.keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1 {
			return key, nil
		}
	}
	return "", ErrInvalidToken
}

// callerKey 是上下文中存储调用方标识的键类型。
type callerKey struct{}

// WithCaller 将通过认证的调用方标识写入上下文。
func WithCaller(ctx context.Context, caller string) context.Context {
	if caller == "" {
		return ctx
	}
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFromContext 从上下文提取调用方标识。
func CallerFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if caller, ok := ctx.Value(callerKey{}).(string); ok {
		return caller
	}
	return ""
}
