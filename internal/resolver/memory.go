// Package resolver 实现主会话之前的两个准备阶段：
// 记忆解析与实体解析。两个解析器都只降级、从不报错，
// 失败时主会话拿到的只是更少的上下文。
package resolver

import (
	"context"
	"log/slog"

	"ChainChat/internal/llm"
	"ChainChat/internal/storage/mysql"
	"ChainChat/internal/tools"
	"ChainChat/internal/vector"
	"ChainChat/pkg/logger"
)

const memorySystemPrompt = `You prepare context for a crypto assistant.
Given the user's latest message, decide which memory lookups are useful.
Call search_conversation_memory when the message refers to something said earlier.
Do not answer the user. Only call tools.`

// MemoryContext 是记忆解析阶段的产出。
type MemoryContext struct {
	Items   []*mysql.MemoryItem   `json:"items,omitempty"`
	Objects []*mysql.MemoryObject `json:"objects,omitempty"`
	Hits    []vector.Hit          `json:"hits,omitempty"`
	// Degraded 表示解析过程中出现过失败，上下文可能不完整。
	Degraded bool `json:"degraded,omitempty"`
}

// MemoryResolver 在独立的子会话里检索会话记忆。
// 子会话的消息不落库，工具调用记录仍会挂到当前消息上。
type MemoryResolver struct {
	client   llm.Client
	registry *tools.Registry
	executor *tools.Executor
	store    mysql.Store
}

// NewMemoryResolver 创建记忆解析器。
func NewMemoryResolver(client llm.Client, registry *tools.Registry, executor *tools.Executor, store mysql.Store) *MemoryResolver {
	return &MemoryResolver{
		client:   client,
		registry: registry,
		executor: executor,
		store:    store,
	}
}

// Resolve 返回当前会话的记忆上下文。
// 结构化记忆直接读库，语义检索交给模型决定是否发起。
func (r *MemoryResolver) Resolve(ctx context.Context, req tools.Request, userMessage string) MemoryContext {
	var result MemoryContext

	items, err := r.store.ListMemoryItems(ctx, req.ConversationID)
	if err != nil {
		logger.L().Warn("读取记忆条目失败，降级为空",
			slog.Any("error", err),
			slog.String("conversation_id", req.ConversationID))
		result.Degraded = true
	} else {
		result.Items = items
	}

	objects, err := r.store.ListMemoryObjects(ctx, req.ConversationID, "")
	if err != nil {
		logger.L().Warn("读取记忆对象失败，降级为空",
			slog.Any("error", err),
			slog.String("conversation_id", req.ConversationID))
		result.Degraded = true
	} else {
		result.Objects = objects
	}

	result.Hits = r.semanticRecall(ctx, req, userMessage, &result.Degraded)
	return result
}

// semanticRecall 运行记忆子会话：模型只看到记忆视图的工具，
// 由它决定是否对会话历史做语义检索。
func (r *MemoryResolver) semanticRecall(ctx context.Context, req tools.Request, userMessage string, degraded *bool) []vector.Hit {
	resp, err := r.client.Chat(ctx, llm.ChatRequest{
		System:     memorySystemPrompt,
		Prompt:     userMessage,
		Tools:      r.registry.Specs(tools.ViewMemory),
		ToolChoice: llm.ToolChoiceAuto,
	})
	if err != nil {
		logger.L().Warn("记忆子会话调用失败，跳过语义检索",
			slog.Any("error", err),
			slog.String("conversation_id", req.ConversationID))
		*degraded = true
		return nil
	}
	if !resp.HasToolCalls() {
		return nil
	}

	var hits []vector.Hit
	for _, result := range r.executor.Execute(ctx, req, resp.ToolCalls) {
		if !result.Success {
			*degraded = true
			continue
		}
		data, ok := result.Data.(map[string]any)
		if !ok {
			continue
		}
		if found, ok := data["hits"].([]vector.Hit); ok {
			hits = append(hits, found...)
		}
	}
	return hits
}
