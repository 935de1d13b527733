package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"

	_ "github.com/go-sql-driver/mysql"

	xerrors "ChainChat/internal/errors"
)

// ErrNotFound 表示指定的记录不存在。
var ErrNotFound = xerrors.New(xerrors.CodeNotFound, "记录不存在")

// ErrUnsupportedDriver 表示配置了未知的存储驱动。
var ErrUnsupportedDriver = xerrors.New(xerrors.CodeInvalidArgument, "暂不支持的存储驱动")

// SQLStore 使用真实的 MySQL 数据库实现 Store 接口。
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore 创建连接池并执行数据表迁移。
func NewSQLStore(ctx context.Context, cfg Config) (*SQLStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store := &SQLStore{db: db}
	if err := store.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// CreateConversation 写入一条新会话。
func (s *SQLStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	const stmt = `INSERT INTO conversations
        (id, user_id, status, message_count, last_activity_at, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		conv.ID, conv.UserID, string(conv.Status), conv.MessageCount, conv.LastActivityAt, conv.CreatedAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话失败")
	}
	return nil
}

// GetConversation 根据 ID 查询会话。
func (s *SQLStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	const query = `SELECT id, user_id, status, message_count, last_activity_at, created_at
        FROM conversations WHERE id = ?`
	conv := &Conversation{}
	var status string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&conv.ID, &conv.UserID, &status, &conv.MessageCount, &conv.LastActivityAt, &conv.CreatedAt,
	)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话失败")
	}
	conv.Status = ConversationStatus(status)
	return conv, nil
}

// ListConversationsByUser 返回用户最近的会话，按活跃时间倒序排列。
func (s *SQLStore) ListConversationsByUser(ctx context.Context, userID string, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT id, user_id, status, message_count, last_activity_at, created_at
        FROM conversations WHERE user_id = ? ORDER BY last_activity_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话列表失败")
	}
	defer rows.Close()

	var conversations []*Conversation
	for rows.Next() {
		conv := &Conversation{}
		var status string
		if err := rows.Scan(&conv.ID, &conv.UserID, &status, &conv.MessageCount, &conv.LastActivityAt, &conv.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话记录失败")
		}
		conv.Status = ConversationStatus(status)
		conversations = append(conversations, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历会话记录失败")
	}
	return conversations, nil
}

// TouchConversation 刷新会话的消息计数与活跃时间。
func (s *SQLStore) TouchConversation(ctx context.Context, id string, messageCount int, activityAt int64) error {
	const stmt = `UPDATE conversations SET message_count = ?, last_activity_at = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, stmt, messageCount, activityAt, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新会话活跃信息失败")
	}
	return ensureAffected(result)
}

// SetConversationStatus 翻转会话状态（active/archived）。
func (s *SQLStore) SetConversationStatus(ctx context.Context, id string, status ConversationStatus) error {
	const stmt = `UPDATE conversations SET status = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, stmt, string(status), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新会话状态失败")
	}
	return ensureAffected(result)
}

// CreateMessage 写入一条消息。
func (s *SQLStore) CreateMessage(ctx context.Context, msg *Message) error {
	const stmt = `INSERT INTO messages
        (id, conversation_id, role, content, token_count, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content, msg.TokenCount, msg.CreatedAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入消息失败")
	}
	return nil
}

// UpdateMessageContent 改写助手消息的内容。整个回合内至多调用一次。
func (s *SQLStore) UpdateMessageContent(ctx context.Context, id, content string, tokenCount int) error {
	const stmt = `UPDATE messages SET content = ?, token_count = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, stmt, content, tokenCount, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "改写消息失败")
	}
	return ensureAffected(result)
}

// ListRecentMessages 返回会话最近的若干条消息，按时间正序排列。
func (s *SQLStore) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT id, conversation_id, role, content, token_count, created_at
        FROM messages WHERE conversation_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询消息失败")
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg := &Message{}
		var role string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &msg.TokenCount, &msg.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析消息记录失败")
		}
		msg.Role = MessageRole(role)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历消息记录失败")
	}

	// 倒序查询后翻转为时间正序。
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// CountMessages 统计会话内的消息数量。
func (s *SQLStore) CountMessages(ctx context.Context, conversationID string) (int, error) {
	const query = `SELECT COUNT(*) FROM messages WHERE conversation_id = ?`
	var count int
	if err := s.db.QueryRowContext(ctx, query, conversationID).Scan(&count); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计消息数量失败")
	}
	return count, nil
}

// CreateInvocation 在执行前写入一条 pending 状态的调用记录。
func (s *SQLStore) CreateInvocation(ctx context.Context, inv *ActionInvocation) error {
	const stmt = `INSERT INTO action_invocations
        (id, message_id, action_name, arguments_json, status, result_json, error, started_at, finished_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		inv.ID, inv.MessageID, inv.ActionName, inv.ArgumentsJSON,
		string(inv.Status), inv.ResultJSON, inv.Error, inv.StartedAt, inv.FinishedAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入调用记录失败")
	}
	return nil
}

// FinishInvocation 在执行后恰好更新一次调用记录。
func (s *SQLStore) FinishInvocation(ctx context.Context, id string, status InvocationStatus, resultJSON, errMsg string, finishedAt int64) error {
	const stmt = `UPDATE action_invocations
        SET status = ?, result_json = ?, error = ?, finished_at = ?
        WHERE id = ? AND status = ?`
	result, err := s.db.ExecContext(ctx, stmt, string(status), resultJSON, errMsg, finishedAt, id, string(InvocationPending))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新调用记录失败")
	}
	return ensureAffected(result)
}

// ListInvocationsByMessage 返回某条消息触发的全部调用记录。
func (s *SQLStore) ListInvocationsByMessage(ctx context.Context, messageID string) ([]*ActionInvocation, error) {
	const query = `SELECT id, message_id, action_name, arguments_json, status, result_json, error, started_at, finished_at
        FROM action_invocations WHERE message_id = ? ORDER BY started_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, messageID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询调用记录失败")
	}
	defer rows.Close()

	var invocations []*ActionInvocation
	for rows.Next() {
		inv := &ActionInvocation{}
		var status string
		if err := rows.Scan(&inv.ID, &inv.MessageID, &inv.ActionName, &inv.ArgumentsJSON,
			&status, &inv.ResultJSON, &inv.Error, &inv.StartedAt, &inv.FinishedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析调用记录失败")
		}
		inv.Status = InvocationStatus(status)
		invocations = append(invocations, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历调用记录失败")
	}
	return invocations, nil
}

// Close 关闭底层数据库连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func ensureAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取影响行数失败")
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Store = (*SQLStore)(nil)
