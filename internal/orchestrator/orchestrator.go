// Package orchestrator 串联一次对话回合的完整流水线：
// 记忆解析、实体解析、主会话、工具执行、回复合成与落库。
package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"ChainChat/internal/catalog"
	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/indexer"
	"ChainChat/internal/llm"
	"ChainChat/internal/observability/alerting"
	"ChainChat/internal/observability/metrics"
	"ChainChat/internal/prompt"
	"ChainChat/internal/resolver"
	"ChainChat/internal/storage/mysql"
	"ChainChat/internal/synthesis"
	"ChainChat/internal/tools"
	"ChainChat/pkg/logger"

	"github.com/google/uuid"
)

// Config 控制编排行为。
type Config struct {
	// RecentWindow 每回合加载的历史消息条数。
	RecentWindow int
	// ReindexEveryTurns 每隔多少个用户回合投递一次重建索引请求。
	ReindexEveryTurns int
	// TokenBudget 与 MinSectionChars 传给裁剪器。
	TokenBudget     int
	MinSectionChars int
}

func (c Config) withDefaults() Config {
	if c.RecentWindow <= 0 {
		c.RecentWindow = 10
	}
	if c.ReindexEveryTurns <= 0 {
		c.ReindexEveryTurns = 10
	}
	if c.TokenBudget <= 0 {
		c.TokenBudget = 6000
	}
	if c.MinSectionChars <= 0 {
		c.MinSectionChars = 200
	}
	return c
}

// Request 描述一次用户回合的输入。
// ConversationID 为空时：优先用 ChannelSessionID 推导稳定的会话 ID，
// 否则创建新会话。
type Request struct {
	UserID           string
	ConversationID   string
	Text             string
	ChannelSessionID string
}

// TurnResult 是一次回合的完整产出。
type TurnResult struct {
	ConversationID string          `json:"conversation_id"`
	UserMessageID  string          `json:"user_message_id"`
	ReplyMessageID string          `json:"reply_message_id"`
	Reply          string          `json:"reply"`
	Source         string          `json:"source"`
	ActionData     map[string]any  `json:"action_data,omitempty"`
	Actions        []tools.Result  `json:"actions,omitempty"`
	Entities       []catalog.Token `json:"entities,omitempty"`
	// Memory 是本回合使用的记忆快照。
	Memory resolver.MemoryContext `json:"memory"`
	// Degraded 表示记忆或实体解析阶段出现过失败。
	Degraded bool `json:"degraded,omitempty"`
	// ContextTrimmed 表示上下文被裁剪过。
	ContextTrimmed bool `json:"context_trimmed,omitempty"`
}

// Orchestrator 持有回合流水线的全部协作方。
type Orchestrator struct {
	store       mysql.Store
	client      llm.Client
	registry    *tools.Registry
	executor    *tools.Executor
	memory      *resolver.MemoryResolver
	entity      *resolver.EntityResolver
	synthesizer *synthesis.Synthesizer
	trimmer     *prompt.Trimmer
	reindex     indexer.Producer
	alerts      alerting.Dispatcher
	cfg         Config
	now         func() int64
}

// Option 配置可选协作方。
type Option func(*Orchestrator)

// WithReindexProducer 启用异步索引重建。
func WithReindexProducer(producer indexer.Producer) Option {
	return func(o *Orchestrator) { o.reindex = producer }
}

// WithAlertDispatcher 启用致命错误告警。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(o *Orchestrator) { o.alerts = dispatcher }
}

// New 创建编排器。
func New(
	store mysql.Store,
	client llm.Client,
	registry *tools.Registry,
	executor *tools.Executor,
	memory *resolver.MemoryResolver,
	entity *resolver.EntityResolver,
	synthesizer *synthesis.Synthesizer,
	cfg Config,
	opts ...Option,
) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		store:       store,
		client:      client,
		registry:    registry,
		executor:    executor,
		memory:      memory,
		entity:      entity,
		synthesizer: synthesizer,
		trimmer:     prompt.NewTrimmer(cfg.TokenBudget, cfg.MinSectionChars),
		cfg:         cfg,
		now:         func() int64 { return time.Now().Unix() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// HandleMessage 处理一个用户回合。
// 解析阶段只降级；主会话或合成失败是回合级错误，向上返回。
func (o *Orchestrator) HandleMessage(ctx context.Context, req Request) (*TurnResult, error) {
	start := time.Now()
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "消息内容不能为空")
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "用户 ID 不能为空")
	}

	conv, err := o.ensureConversation(ctx, req)
	if err != nil {
		return nil, err
	}

	history, err := o.store.ListRecentMessages(ctx, conv.ID, o.cfg.RecentWindow)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "加载会话历史失败")
	}

	userMsg := &mysql.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           mysql.RoleUser,
		Content:        text,
		TokenCount:     prompt.EstimateTokens(text),
		CreatedAt:      o.now(),
	}
	if err := o.store.CreateMessage(ctx, userMsg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入用户消息失败")
	}

	toolReq := tools.Request{
		ConversationID: conv.ID,
		UserID:         req.UserID,
		MessageID:      userMsg.ID,
	}

	// 解析阶段：失败只收窄上下文。
	memCtx := o.memory.Resolve(ctx, toolReq, text)
	entities := o.entity.Resolve(ctx, toolReq, text)

	result := &TurnResult{
		ConversationID: conv.ID,
		UserMessageID:  userMsg.ID,
		Entities:       entities,
		Memory:         memCtx,
		Degraded:       memCtx.Degraded,
	}

	system, userPrompt := prompt.Build(prompt.Input{
		UserMessage:   text,
		MemoryItems:   memCtx.Items,
		MemoryObjects: memCtx.Objects,
		MemoryHits:    memCtx.Hits,
		Entities:      entities,
	})
	trimmed := o.trimmer.Trim(system, userPrompt, toHistoryEntries(history))
	result.ContextTrimmed = trimmed.Trimmed
	if trimmed.Truncated {
		logger.L().Warn("上下文超出预算，提示词被截断",
			slog.String("conversation_id", conv.ID))
	}

	// 主会话。
	resp, err := o.client.Chat(ctx, llm.ChatRequest{
		System:     trimmed.System,
		Prompt:     trimmed.Prompt,
		History:    trimmed.History,
		Tools:      o.registry.Specs(tools.ViewMain),
		ToolChoice: llm.ToolChoiceAuto,
	})
	if err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeExternalService, err, "主会话调用失败")
		o.alert(ctx, wrapped, conv.ID, "consultation")
		return nil, wrapped
	}

	reply := strings.TrimSpace(resp.Content)
	source := "model"
	var actionData map[string]any

	if resp.HasToolCalls() {
		// 回复消息先落库，工具调用记录挂在它上面，合成后恰好改写一次。
		replyMsg := &mysql.Message{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			Role:           mysql.RoleAssistant,
			Content:        reply,
			TokenCount:     prompt.EstimateTokens(reply),
			CreatedAt:      o.now(),
		}
		if err := o.store.CreateMessage(ctx, replyMsg); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入回复消息失败")
		}
		result.ReplyMessageID = replyMsg.ID

		actionReq := toolReq
		actionReq.MessageID = replyMsg.ID
		result.Actions = o.executor.Execute(ctx, actionReq, resp.ToolCalls)
		for _, action := range result.Actions {
			metrics.ObserveAction(action.Name, action.Success)
		}

		output, err := o.synthesizer.Synthesize(ctx, text, reply, result.Actions)
		if err != nil {
			o.alert(ctx, err, conv.ID, "synthesis")
			return nil, err
		}
		reply = output.Reply
		source = output.Source
		actionData = output.ActionData

		if err := o.store.UpdateMessageContent(ctx, replyMsg.ID, reply, prompt.EstimateTokens(reply)); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "改写回复消息失败")
		}
	} else {
		replyMsg := &mysql.Message{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			Role:           mysql.RoleAssistant,
			Content:        reply,
			TokenCount:     prompt.EstimateTokens(reply),
			CreatedAt:      o.now(),
		}
		if err := o.store.CreateMessage(ctx, replyMsg); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入回复消息失败")
		}
		result.ReplyMessageID = replyMsg.ID
	}

	result.Reply = reply
	result.Source = source
	result.ActionData = actionData

	o.finishTurn(ctx, conv)

	metrics.ObserveTurn(source, result.Degraded, time.Since(start))
	logger.Audit().Info("回合完成",
		slog.String("conversation_id", conv.ID),
		slog.String("user_id", req.UserID),
		slog.String("source", source),
		slog.Int("actions", len(result.Actions)),
		slog.Bool("degraded", result.Degraded))
	return result, nil
}

func (o *Orchestrator) ensureConversation(ctx context.Context, req Request) (*mysql.Conversation, error) {
	conversationID := req.ConversationID
	if conversationID == "" && req.ChannelSessionID != "" {
		// 同一渠道会话总是落到同一个会话。
		conversationID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("chainchat:"+req.UserID+":"+req.ChannelSessionID)).String()
	}
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		if req.ConversationID != "" || xerrors.CodeOf(err) != xerrors.CodeNotFound {
			return nil, err
		}
		conv = &mysql.Conversation{
			ID:             conversationID,
			UserID:         req.UserID,
			Status:         mysql.ConversationActive,
			LastActivityAt: o.now(),
			CreatedAt:      o.now(),
		}
		if err := o.store.CreateConversation(ctx, conv); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建会话失败")
		}
		return conv, nil
	}
	if conv.UserID != req.UserID {
		return nil, xerrors.New(xerrors.CodeNotFound, "会话不存在")
	}
	if conv.Status != mysql.ConversationActive {
		return nil, xerrors.New(xerrors.CodeConflict, "会话已归档")
	}
	return conv, nil
}

// finishTurn 更新会话计数，并按节奏投递索引重建请求。
// 两步都是尽力而为，不影响回合结果。
func (o *Orchestrator) finishTurn(ctx context.Context, conv *mysql.Conversation) {
	count, err := o.store.CountMessages(ctx, conv.ID)
	if err != nil {
		logger.L().Error("统计会话消息失败", slog.Any("error", err), slog.String("conversation_id", conv.ID))
		return
	}
	if err := o.store.TouchConversation(ctx, conv.ID, count, o.now()); err != nil {
		logger.L().Error("更新会话活跃信息失败", slog.Any("error", err), slog.String("conversation_id", conv.ID))
	}

	if o.reindex == nil {
		return
	}
	turns := count / 2
	if turns > 0 && turns%o.cfg.ReindexEveryTurns == 0 {
		if err := o.reindex.Publish(ctx, conv.ID); err != nil {
			logger.L().Error("投递索引重建请求失败", slog.Any("error", err), slog.String("conversation_id", conv.ID))
		} else {
			logger.L().Info("已投递索引重建请求",
				slog.String("conversation_id", conv.ID),
				slog.Int("turns", turns))
		}
	}
}

func (o *Orchestrator) alert(ctx context.Context, err error, conversationID, stage string) {
	if o.alerts == nil || !xerrors.ShouldAlert(err) {
		return
	}
	if notifyErr := o.alerts.Notify(ctx, alerting.FromError(err, conversationID, stage)); notifyErr != nil {
		logger.L().Error("告警通知失败", slog.Any("error", notifyErr))
	}
}

func toHistoryEntries(messages []*mysql.Message) []llm.HistoryEntry {
	entries := make([]llm.HistoryEntry, 0, len(messages))
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		entries = append(entries, llm.HistoryEntry{
			Role:    llm.Role(msg.Role),
			Content: msg.Content,
		})
	}
	return entries
}
