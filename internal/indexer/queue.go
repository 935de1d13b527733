// Package indexer 负责把会话历史与代币目录写入向量库。
// 重建索引的请求通过消息队列异步派发，支持内存、Redis 与 RabbitMQ 三种队列。
package indexer

import "context"

// Handler 处理一条重建索引的请求，载荷是会话 ID。
type Handler func(ctx context.Context, conversationID string) error

// Producer 定义队列的生产端。
type Producer interface {
	Publish(ctx context.Context, conversationID string) error
	Close() error
}

// Consumer 定义队列的消费端。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产与消费能力。
type Queue interface {
	Producer
	Consume(ctx context.Context, workerCount int, handler Handler) error
}
