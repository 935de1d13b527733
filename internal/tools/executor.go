package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/llm"
	"ChainChat/internal/storage/mysql"
	"ChainChat/pkg/logger"

	"github.com/google/uuid"
)

// Result 描述一次工具调用的执行结果。
type Result struct {
	InvocationID string `json:"invocation_id"`
	Name         string `json:"name"`
	CallID       string `json:"call_id,omitempty"`
	Success      bool   `json:"success"`
	Data         any    `json:"data,omitempty"`
	Error        string `json:"error,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
	Chained      bool   `json:"chained,omitempty"`
}

// Executor 执行大模型返回的工具调用并落库调用记录。
// 每次调用先写入 pending 记录，执行后恰好更新一次。
type Executor struct {
	registry *Registry
	store    mysql.Store
	now      func() int64
}

// NewExecutor 创建执行器。
func NewExecutor(registry *Registry, store mysql.Store) *Executor {
	return &Executor{
		registry: registry,
		store:    store,
		now:      func() int64 { return time.Now().Unix() },
	}
}

// Execute 依次执行全部工具调用。
// 结果实现 Chainer 时跟进一次后续调用，且只跟进一跳。
func (e *Executor) Execute(ctx context.Context, req Request, calls []llm.ToolCall) []Result {
	results := make([]Result, 0, len(calls))
	for _, call := range calls {
		result := e.executeOne(ctx, req, call.Name, call.ID, json.RawMessage(call.ArgumentsJSON))
		results = append(results, result)

		if !result.Success {
			continue
		}
		if chainer, ok := result.Data.(Chainer); ok {
			if nextTool, nextArgs, ok := chainer.NextCall(); ok {
				chained := e.executeOne(ctx, req, nextTool, "", nextArgs)
				chained.Chained = true
				results = append(results, chained)
			}
		}
	}
	return results
}

func (e *Executor) executeOne(ctx context.Context, req Request, name, callID string, args json.RawMessage) Result {
	startedAt := e.now()
	start := time.Now()

	argsJSON := string(args)
	if argsJSON == "" {
		argsJSON = "{}"
	}
	invocation := &mysql.ActionInvocation{
		ID:            uuid.NewString(),
		MessageID:     req.MessageID,
		ActionName:    name,
		ArgumentsJSON: argsJSON,
		Status:        mysql.InvocationPending,
		StartedAt:     startedAt,
	}
	if err := e.store.CreateInvocation(ctx, invocation); err != nil {
		logger.L().Error("写入调用记录失败",
			slog.Any("error", err),
			slog.String("action", name),
			slog.String("message_id", req.MessageID))
	}

	result := Result{
		InvocationID: invocation.ID,
		Name:         name,
		CallID:       callID,
	}

	data, err := e.dispatch(ctx, req, name, args)
	result.DurationMs = time.Since(start).Milliseconds()

	if err != nil {
		result.Error = err.Error()
		result.ErrorCode = string(xerrors.CodeOf(err))
		e.finish(ctx, invocation.ID, mysql.InvocationFailed, "", result.Error)
		logger.L().Warn("工具调用失败",
			slog.String("action", name),
			slog.String("error_code", result.ErrorCode),
			slog.Any("error", err))
		return result
	}

	result.Success = true
	result.Data = data

	resultJSON, marshalErr := json.Marshal(data)
	if marshalErr != nil {
		resultJSON = []byte("{}")
	}
	e.finish(ctx, invocation.ID, mysql.InvocationCompleted, string(resultJSON), "")
	return result
}

func (e *Executor) dispatch(ctx context.Context, req Request, name string, args json.RawMessage) (any, error) {
	def, ok := e.registry.Lookup(name)
	if !ok {
		return nil, xerrors.New(xerrors.CodeActionNotImplemented, "未注册的工具: "+name)
	}
	// 参数必须是合法 JSON 对象，解析失败不进入处理函数。
	if len(args) > 0 {
		var parsed map[string]any
		if err := json.Unmarshal(args, &parsed); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeArgumentParse, err, "工具参数不是合法 JSON 对象")
		}
	}
	call := req
	call.Arguments = args
	return def.Handler(ctx, call)
}

func (e *Executor) finish(ctx context.Context, invocationID string, status mysql.InvocationStatus, resultJSON, errMsg string) {
	if err := e.store.FinishInvocation(ctx, invocationID, status, resultJSON, errMsg, e.now()); err != nil {
		logger.L().Error("更新调用记录失败",
			slog.Any("error", err),
			slog.String("invocation_id", invocationID))
	}
}
