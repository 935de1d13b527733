package llm

import "context"

// Role 表示对话消息的角色。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// HistoryEntry 描述一条用于上下文记忆的历史消息。
type HistoryEntry struct {
	Role    Role
	Content string
}

// Tool 描述暴露给大模型的一个可调用动作。
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolChoice 控制模型是否必须调用工具。
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceNone     ToolChoice = "none"
	ToolChoiceRequired ToolChoice = "required"
)

// ChatRequest 描述发送给大模型的一轮对话上下文。
type ChatRequest struct {
	Model       string
	System      string
	Prompt      string
	History     []HistoryEntry
	Temperature float32
	MaxTokens   int
	Tools       []Tool
	ToolChoice  ToolChoice
	// ForceJSON 要求模型输出一个合法的 JSON 对象（合成阶段使用）。
	ForceJSON bool
}

// ToolCall 表示模型请求执行的一次工具调用。
type ToolCall struct {
	ID            string
	Name          string
	ArgumentsJSON string
}

// ChatResponse 是大模型推理得到的结构化输出：
// 要么携带自由文本 Content，要么携带若干 ToolCalls。
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall
}

// HasToolCalls 判断响应中是否包含工具调用请求。
func (r *ChatResponse) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Embed 为给定文本生成向量表示，供向量检索使用。
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
