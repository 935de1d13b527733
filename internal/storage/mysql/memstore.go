package mysql

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore 是 Store 的内存实现，用于单机调试与测试。
// 所有唯一性不变量与 SQLStore 保持一致。
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[string][]*Message          // conversationID -> 按写入顺序
	invocations   map[string][]*ActionInvocation // messageID -> 按写入顺序
	invocationIdx map[string]*ActionInvocation   // invocationID -> 记录
	items         map[string]map[string]*MemoryItem
	objects       map[string][]*MemoryObject
}

// NewMemoryStore 创建空的内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		invocations:   make(map[string][]*ActionInvocation),
		invocationIdx: make(map[string]*ActionInvocation),
		items:         make(map[string]map[string]*MemoryItem),
		objects:       make(map[string][]*MemoryObject),
	}
}

func (s *MemoryStore) CreateConversation(_ context.Context, conv *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cloned := *conv
	s.conversations[conv.ID] = &cloned
	return nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cloned := *conv
	return &cloned, nil
}

func (s *MemoryStore) ListConversationsByUser(_ context.Context, userID string, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Conversation
	for _, conv := range s.conversations {
		if conv.UserID != userID {
			continue
		}
		cloned := *conv
		result = append(result, &cloned)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastActivityAt > result[j].LastActivityAt
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) TouchConversation(_ context.Context, id string, messageCount int, activityAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	conv.MessageCount = messageCount
	conv.LastActivityAt = activityAt
	return nil
}

func (s *MemoryStore) SetConversationStatus(_ context.Context, id string, status ConversationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	conv.Status = status
	return nil
}

func (s *MemoryStore) CreateMessage(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cloned := *msg
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], &cloned)
	return nil
}

func (s *MemoryStore) UpdateMessageContent(_ context.Context, id, content string, tokenCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msgs := range s.messages {
		for _, msg := range msgs {
			if msg.ID == id {
				msg.Content = content
				msg.TokenCount = tokenCount
				return nil
			}
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) ListRecentMessages(_ context.Context, conversationID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[conversationID]
	start := 0
	if len(msgs) > limit {
		start = len(msgs) - limit
	}
	result := make([]*Message, 0, len(msgs)-start)
	for _, msg := range msgs[start:] {
		cloned := *msg
		result = append(result, &cloned)
	}
	return result, nil
}

func (s *MemoryStore) CountMessages(_ context.Context, conversationID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages[conversationID]), nil
}

func (s *MemoryStore) CreateInvocation(_ context.Context, inv *ActionInvocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cloned := *inv
	s.invocations[inv.MessageID] = append(s.invocations[inv.MessageID], &cloned)
	s.invocationIdx[inv.ID] = &cloned
	return nil
}

func (s *MemoryStore) FinishInvocation(_ context.Context, id string, status InvocationStatus, resultJSON, errMsg string, finishedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invocationIdx[id]
	if !ok || inv.Status != InvocationPending {
		return ErrNotFound
	}
	inv.Status = status
	inv.ResultJSON = resultJSON
	inv.Error = errMsg
	inv.FinishedAt = finishedAt
	return nil
}

func (s *MemoryStore) ListInvocationsByMessage(_ context.Context, messageID string) ([]*ActionInvocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	invs := s.invocations[messageID]
	result := make([]*ActionInvocation, 0, len(invs))
	for _, inv := range invs {
		cloned := *inv
		result = append(result, &cloned)
	}
	return result, nil
}

func (s *MemoryStore) UpsertMemoryItem(_ context.Context, item *MemoryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey, ok := s.items[item.ConversationID]
	if !ok {
		byKey = make(map[string]*MemoryItem)
		s.items[item.ConversationID] = byKey
	}
	if existing, ok := byKey[item.Key]; ok {
		existing.Value = item.Value
		existing.ValueType = item.ValueType
		existing.Provenance = item.Provenance
		existing.Confidence = item.Confidence
		existing.UpdatedAt = item.UpdatedAt
		return nil
	}
	cloned := *item
	byKey[item.Key] = &cloned
	return nil
}

func (s *MemoryStore) ListMemoryItems(_ context.Context, conversationID string) ([]*MemoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byKey := s.items[conversationID]
	result := make([]*MemoryItem, 0, len(byKey))
	for _, item := range byKey {
		cloned := *item
		result = append(result, &cloned)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

func (s *MemoryStore) UpsertMemoryObject(_ context.Context, obj *MemoryObject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.objects[obj.ConversationID] {
		if existing.Active && existing.ObjectType == obj.ObjectType && strings.EqualFold(existing.Name, obj.Name) {
			existing.PayloadJSON = obj.PayloadJSON
			existing.UpdatedAt = obj.UpdatedAt
			return nil
		}
	}
	cloned := *obj
	cloned.Active = true
	s.objects[obj.ConversationID] = append(s.objects[obj.ConversationID], &cloned)
	return nil
}

func (s *MemoryStore) ListMemoryObjects(_ context.Context, conversationID, objectType string) ([]*MemoryObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*MemoryObject
	for _, obj := range s.objects[conversationID] {
		if !obj.Active {
			continue
		}
		if objectType != "" && obj.ObjectType != objectType {
			continue
		}
		cloned := *obj
		result = append(result, &cloned)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].ObjectType == result[j].ObjectType {
			return result[i].Name < result[j].Name
		}
		return result[i].ObjectType < result[j].ObjectType
	})
	return result, nil
}

func (s *MemoryStore) DeactivateMemoryObject(_ context.Context, conversationID, objectType, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, obj := range s.objects[conversationID] {
		if obj.Active && obj.ObjectType == objectType && strings.EqualFold(obj.Name, name) {
			obj.Active = false
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
