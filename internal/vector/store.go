// Package vector 定义语义检索所依赖的向量存储边界。
// 编排层只通过 Store 接口访问向量库，具体实现可以是
// 外部 HTTP 服务（Chroma）或进程内的内存索引。
package vector

import "context"

// CollectionTokenIdentity 存放代币身份文档，供实体解析检索。
const CollectionTokenIdentity = "token-identity"

// ConversationCollection 返回某个会话的历史消息集合名。
func ConversationCollection(conversationID string) string {
	return "conversation-history-" + conversationID
}

// Document 表示一条待索引的文本及其元数据。
type Document struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Hit 表示一次相似度查询的命中结果。
// Score 为余弦相似度，范围 [-1, 1]，越大越相似。
type Hit struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Score    float64           `json:"score"`
}

// Store 抽象向量库的最小能力集。
// 所有实现必须保证 Upsert 幂等：相同 ID 重复写入只保留最新内容。
type Store interface {
	// EnsureCollection 确保集合存在，不存在时创建。
	EnsureCollection(ctx context.Context, collection string) error
	// Upsert 将文档写入集合，向量由实现侧负责生成。
	Upsert(ctx context.Context, collection string, docs []Document) error
	// Query 返回与查询文本最相似的至多 topK 条文档。
	Query(ctx context.Context, collection, text string, topK int) ([]Hit, error)
	// ListCollections 返回当前全部集合名。
	ListCollections(ctx context.Context) ([]string, error)
	// DeleteCollection 删除整个集合及其全部文档。
	DeleteCollection(ctx context.Context, collection string) error
	// Close 释放实现持有的资源。
	Close() error
}
