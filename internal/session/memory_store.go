package session

import (
	"context"
	"sort"
	"sync"

	xerrors "PulseFi-Session/internal/errors"
)

type entry struct {
	mu      sync.Mutex
	session *Session
}

// MemoryStore 以内存方式保存会话。map 由读写锁保护，每条记录另有独立互斥锁。
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*entry
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*entry)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	if s == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "session 不能为空")
	}
	if s.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return ErrDuplicateSession
	}
	clone := s.clone()
	clone.ActionsExecuted = len(clone.ActionHistory)
	m.sessions[s.ID] = &entry{session: clone}
	return nil
}

func (m *MemoryStore) lookup(id string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	return e, ok
}

// Get 返回会话副本。
func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	e, ok := m.lookup(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.clone(), nil
}

// Update 原子地合并补丁。
func (m *MemoryStore) Update(ctx context.Context, id string, patch Patch) (*Session, error) {
	return m.Mutate(ctx, id, func(*Session) (Patch, error) { return patch, nil })
}

// Mutate 实现 Store 接口。fn 返回错误时不做任何修改。
func (m *MemoryStore) Mutate(_ context.Context, id string, fn func(current *Session) (Patch, error)) (*Session, error) {
	e, ok := m.lookup(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	patch, err := fn(e.session.clone())
	if err != nil {
		return nil, err
	}
	if patch.IsZero() {
		return e.session.clone(), nil
	}
	next := e.session.clone()
	if err := patch.apply(next); err != nil {
		return nil, err
	}
	e.session = next
	return next.clone(), nil
}

// AppendDecision 追加决策记录，会话不存在时静默忽略。
func (m *MemoryStore) AppendDecision(ctx context.Context, id string, decision Decision) error {
	_, err := m.Update(ctx, id, Patch{AppendDecisions: []Decision{decision}})
	if IsNotFound(err) {
		return nil
	}
	return err
}

// List 返回所有会话的快照，按开始时间倒序。
func (m *MemoryStore) List(_ context.Context) ([]*Session, error) {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	results := make([]*Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		results = append(results, e.session.clone())
		e.mu.Unlock()
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].StartTime.Equal(results[j].StartTime) {
			return results[i].ID < results[j].ID
		}
		return results[i].StartTime.After(results[j].StartTime)
	})
	return results, nil
}

var _ Store = (*MemoryStore)(nil)
