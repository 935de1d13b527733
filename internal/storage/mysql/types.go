package mysql

import "context"

// ConversationStatus 表示会话的生命周期状态。
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
)

// MessageRole 表示消息的角色。
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// InvocationStatus 表示一次工具调用的落库状态。
type InvocationStatus string

const (
	InvocationPending   InvocationStatus = "pending"
	InvocationCompleted InvocationStatus = "completed"
	InvocationFailed    InvocationStatus = "failed"
)

// Provenance 标注记忆条目的来源。
type Provenance string

const (
	ProvenanceUserStated    Provenance = "user_stated"
	ProvenanceModelInferred Provenance = "model_inferred"
)

// Conversation 表示一个用户会话。会话从不物理删除，仅翻转状态。
type Conversation struct {
	ID             string             `json:"id"`
	UserID         string             `json:"user_id"`
	Status         ConversationStatus `json:"status"`
	MessageCount   int                `json:"message_count"`
	LastActivityAt int64              `json:"last_activity_at"`
	CreatedAt      int64              `json:"created_at"`
}

// Message 表示会话中的一条消息。用户消息创建后不可变；
// 助手消息最多允许一次内容改写（合成完成后）。
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`
	TokenCount     int         `json:"token_count"`
	CreatedAt      int64       `json:"created_at"`
}

// ActionInvocation 记录一次工具调用：执行前创建，执行后恰好更新一次。
type ActionInvocation struct {
	ID            string           `json:"id"`
	MessageID     string           `json:"message_id"`
	ActionName    string           `json:"action_name"`
	ArgumentsJSON string           `json:"arguments_json"`
	Status        InvocationStatus `json:"status"`
	ResultJSON    string           `json:"result_json,omitempty"`
	Error         string           `json:"error,omitempty"`
	StartedAt     int64            `json:"started_at"`
	FinishedAt    int64            `json:"finished_at,omitempty"`
}

// MemoryItem 表示会话内以唯一 key 存储的标量记忆。
// 不变量：同一 (conversation_id, key) 至多存在一行。
type MemoryItem struct {
	ConversationID string     `json:"conversation_id"`
	Key            string     `json:"key"`
	Value          string     `json:"value"`
	ValueType      string     `json:"value_type"`
	Provenance     Provenance `json:"provenance"`
	Confidence     float64    `json:"confidence"`
	CreatedAt      int64      `json:"created_at"`
	UpdatedAt      int64      `json:"updated_at"`
}

// MemoryObject 表示会话内按 (type, name) 归组的结构化记忆文档。
// 处于激活状态时 (conversation_id, type, name) 组合唯一；仅软停用。
type MemoryObject struct {
	ConversationID string `json:"conversation_id"`
	ObjectType     string `json:"object_type"`
	Name           string `json:"name"`
	PayloadJSON    string `json:"payload_json"`
	Active         bool   `json:"active"`
	CreatedAt      int64  `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at"`
}

// Store 抽象会话编排所需的全部持久化能力。
// 唯一性不变量在存储层强制执行，而不是交给调用方。
type Store interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversationsByUser(ctx context.Context, userID string, limit int) ([]*Conversation, error)
	TouchConversation(ctx context.Context, id string, messageCount int, activityAt int64) error
	SetConversationStatus(ctx context.Context, id string, status ConversationStatus) error

	CreateMessage(ctx context.Context, msg *Message) error
	UpdateMessageContent(ctx context.Context, id, content string, tokenCount int) error
	ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	CountMessages(ctx context.Context, conversationID string) (int, error)

	CreateInvocation(ctx context.Context, inv *ActionInvocation) error
	FinishInvocation(ctx context.Context, id string, status InvocationStatus, resultJSON, errMsg string, finishedAt int64) error
	ListInvocationsByMessage(ctx context.Context, messageID string) ([]*ActionInvocation, error)

	UpsertMemoryItem(ctx context.Context, item *MemoryItem) error
	ListMemoryItems(ctx context.Context, conversationID string) ([]*MemoryItem, error)
	UpsertMemoryObject(ctx context.Context, obj *MemoryObject) error
	ListMemoryObjects(ctx context.Context, conversationID, objectType string) ([]*MemoryObject, error)
	DeactivateMemoryObject(ctx context.Context, conversationID, objectType, name string) error

	Close() error
}
