package mysql

import (
	"context"

	xerrors "ChainChat/internal/errors"
)

// UpsertMemoryItem 以 (conversation_id, item_key) 为唯一键写入记忆条目。
// 重复写入同一 key 时覆盖值、类型、来源与置信度，从不产生重复行。
func (s *SQLStore) UpsertMemoryItem(ctx context.Context, item *MemoryItem) error {
	const stmt = `INSERT INTO memory_items
        (conversation_id, item_key, item_value, value_type, provenance, confidence, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
            item_value = VALUES(item_value),
            value_type = VALUES(value_type),
            provenance = VALUES(provenance),
            confidence = VALUES(confidence),
            updated_at = VALUES(updated_at)`
	if _, err := s.db.ExecContext(ctx, stmt,
		item.ConversationID, item.Key, item.Value, item.ValueType,
		string(item.Provenance), item.Confidence, item.CreatedAt, item.UpdatedAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入记忆条目失败")
	}
	return nil
}

// ListMemoryItems 返回会话内的全部记忆条目。
func (s *SQLStore) ListMemoryItems(ctx context.Context, conversationID string) ([]*MemoryItem, error) {
	const query = `SELECT conversation_id, item_key, item_value, value_type, provenance, confidence, created_at, updated_at
        FROM memory_items WHERE conversation_id = ? ORDER BY item_key ASC`
	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询记忆条目失败")
	}
	defer rows.Close()

	var items []*MemoryItem
	for rows.Next() {
		item := &MemoryItem{}
		var provenance string
		if err := rows.Scan(&item.ConversationID, &item.Key, &item.Value, &item.ValueType,
			&provenance, &item.Confidence, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析记忆条目失败")
		}
		item.Provenance = Provenance(provenance)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历记忆条目失败")
	}
	return items, nil
}

// UpsertMemoryObject 以 (conversation_id, object_type, name, active) 为唯一键
// 写入记忆对象。激活状态下重复写入更新 payload 并保留 created_at。
// 停用行的 active 列被置为 NULL，从而允许同名对象重新创建。
func (s *SQLStore) UpsertMemoryObject(ctx context.Context, obj *MemoryObject) error {
	const stmt = `INSERT INTO memory_objects
        (conversation_id, object_type, name, payload_json, active, created_at, updated_at)
        VALUES (?, ?, ?, ?, 1, ?, ?)
        ON DUPLICATE KEY UPDATE
            payload_json = VALUES(payload_json),
            updated_at = VALUES(updated_at)`
	if _, err := s.db.ExecContext(ctx, stmt,
		obj.ConversationID, obj.ObjectType, obj.Name, obj.PayloadJSON, obj.CreatedAt, obj.UpdatedAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入记忆对象失败")
	}
	return nil
}

// ListMemoryObjects 返回会话内处于激活状态的记忆对象，可按类型过滤。
func (s *SQLStore) ListMemoryObjects(ctx context.Context, conversationID, objectType string) ([]*MemoryObject, error) {
	query := `SELECT conversation_id, object_type, name, payload_json, created_at, updated_at
        FROM memory_objects WHERE conversation_id = ? AND active = 1`
	args := []any{conversationID}
	if objectType != "" {
		query += ` AND object_type = ?`
		args = append(args, objectType)
	}
	query += ` ORDER BY object_type ASC, name ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询记忆对象失败")
	}
	defer rows.Close()

	var objects []*MemoryObject
	for rows.Next() {
		obj := &MemoryObject{Active: true}
		if err := rows.Scan(&obj.ConversationID, &obj.ObjectType, &obj.Name,
			&obj.PayloadJSON, &obj.CreatedAt, &obj.UpdatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析记忆对象失败")
		}
		objects = append(objects, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历记忆对象失败")
	}
	return objects, nil
}

// DeactivateMemoryObject 将记忆对象软停用（active 置 NULL）。
func (s *SQLStore) DeactivateMemoryObject(ctx context.Context, conversationID, objectType, name string) error {
	const stmt = `UPDATE memory_objects SET active = NULL
        WHERE conversation_id = ? AND object_type = ? AND name = ? AND active = 1`
	result, err := s.db.ExecContext(ctx, stmt, conversationID, objectType, name)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "停用记忆对象失败")
	}
	return ensureAffected(result)
}
