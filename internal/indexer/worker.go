package indexer

import (
	"context"
	"fmt"
	"log/slog"

	"ChainChat/internal/catalog"
	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/storage/mysql"
	"ChainChat/internal/vector"
	"ChainChat/pkg/logger"
)

// reindexWindow 每次重建会话索引时取用的最近消息条数。
const reindexWindow = 50

// Worker 执行实际的索引写入：会话历史与代币目录。
type Worker struct {
	store  mysql.Store
	vector vector.Store
}

// NewWorker 创建索引工作器。
func NewWorker(store mysql.Store, vectorStore vector.Store) *Worker {
	return &Worker{store: store, vector: vectorStore}
}

// ReindexConversation 将会话最近的消息写入其历史集合。
// 文档 ID 使用消息 ID，重复索引天然幂等。
func (w *Worker) ReindexConversation(ctx context.Context, conversationID string) error {
	messages, err := w.store.ListRecentMessages(ctx, conversationID, reindexWindow)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话消息失败")
	}
	if len(messages) == 0 {
		return nil
	}

	collection := vector.ConversationCollection(conversationID)
	if err := w.vector.EnsureCollection(ctx, collection); err != nil {
		return xerrors.Wrap(xerrors.CodeExternalService, err, "创建会话历史集合失败")
	}

	docs := make([]vector.Document, 0, len(messages))
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		docs = append(docs, vector.Document{
			ID:   msg.ID,
			Text: fmt.Sprintf("%s: %s", msg.Role, msg.Content),
			Metadata: map[string]string{
				"conversation_id": conversationID,
				"role":            string(msg.Role),
			},
		})
	}
	if err := w.vector.Upsert(ctx, collection, docs); err != nil {
		return xerrors.Wrap(xerrors.CodeExternalService, err, "写入会话历史索引失败")
	}

	logger.L().Info("会话历史索引已重建",
		slog.String("conversation_id", conversationID),
		slog.Int("documents", len(docs)))
	return nil
}

// SeedTokenIdentity 把代币目录写入代币身份集合。
// 服务启动时调用一次，目录更新后可重复调用。
func (w *Worker) SeedTokenIdentity(ctx context.Context, cat *catalog.Catalog) error {
	if cat == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "代币目录为空")
	}
	if err := w.vector.EnsureCollection(ctx, vector.CollectionTokenIdentity); err != nil {
		return xerrors.Wrap(xerrors.CodeExternalService, err, "创建代币身份集合失败")
	}

	tokens := cat.All()
	docs := make([]vector.Document, 0, len(tokens))
	for _, token := range tokens {
		docs = append(docs, vector.Document{
			ID:   token.Address,
			Text: token.Document(),
			Metadata: map[string]string{
				"symbol": token.Symbol,
				"chain":  token.Chain,
			},
		})
	}
	if err := w.vector.Upsert(ctx, vector.CollectionTokenIdentity, docs); err != nil {
		return xerrors.Wrap(xerrors.CodeExternalService, err, "写入代币身份索引失败")
	}

	logger.L().Info("代币身份索引已写入", slog.Int("tokens", len(docs)))
	return nil
}

// Run 挂载到队列消费端，阻塞直到上下文取消。
func (w *Worker) Run(ctx context.Context, consumer Consumer, workerCount int) error {
	return consumer.Consume(ctx, workerCount, func(ctx context.Context, conversationID string) error {
		if err := w.ReindexConversation(ctx, conversationID); err != nil {
			logger.L().Error("重建会话索引失败",
				slog.Any("error", err),
				slog.String("conversation_id", conversationID))
			return err
		}
		return nil
	})
}
