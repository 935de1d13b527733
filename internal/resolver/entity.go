package resolver

import (
	"context"
	"log/slog"
	"strings"

	"ChainChat/internal/catalog"
	"ChainChat/internal/llm"
	"ChainChat/internal/tools"
	"ChainChat/pkg/logger"
)

const entitySystemPrompt = `You identify cryptocurrency token mentions for a crypto assistant.
Call resolve_token_entity once per distinct token the user mentions,
passing the mention exactly as the user wrote it, e.g. "sol", "that dog coin", "0xA0b8...".
Call no tools when the message mentions no token. Do not answer the user.`

// maxMentions 限制单条消息解析的代币提及数量。
const maxMentions = 3

// EntityResolver 在独立的子会话里解析消息中的代币提及。
// 模型只看到解析视图的单个工具，由它决定是否发起解析。
type EntityResolver struct {
	client   llm.Client
	registry *tools.Registry
	executor *tools.Executor
}

// NewEntityResolver 创建实体解析器。
func NewEntityResolver(client llm.Client, registry *tools.Registry, executor *tools.Executor) *EntityResolver {
	return &EntityResolver{client: client, registry: registry, executor: executor}
}

// Resolve 返回消息中全部代币提及的候选身份，最佳匹配在前。
// 任何一步失败都只收窄结果，不向上返回错误。
func (r *EntityResolver) Resolve(ctx context.Context, req tools.Request, userMessage string) []catalog.Token {
	resp, err := r.client.Chat(ctx, llm.ChatRequest{
		System:     entitySystemPrompt,
		Prompt:     userMessage,
		Tools:      r.registry.Specs(tools.ViewResolution),
		ToolChoice: llm.ToolChoiceAuto,
	})
	if err != nil {
		logger.L().Warn("实体子会话调用失败，跳过实体解析",
			slog.Any("error", err),
			slog.String("conversation_id", req.ConversationID))
		return nil
	}
	if !resp.HasToolCalls() {
		return nil
	}
	calls := resp.ToolCalls
	if len(calls) > maxMentions {
		calls = calls[:maxMentions]
	}

	var candidates []catalog.Token
	seen := make(map[string]struct{})
	for _, result := range r.executor.Execute(ctx, req, calls) {
		if !result.Success {
			continue
		}
		data, ok := result.Data.(map[string]any)
		if !ok {
			continue
		}
		tokens, ok := data["candidates"].([]catalog.Token)
		if !ok {
			continue
		}
		for _, token := range tokens {
			key := strings.ToLower(token.Address)
			if key == "" {
				key = strings.ToLower(token.Symbol + "/" + token.Name)
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			candidates = append(candidates, token)
		}
	}
	return candidates
}
