package thread

import (
	"context"
	"sort"
	"sync"

	xerrors "kortix-mvp/internal/errors"
)

// MemoryStore 在内存中保存会话与消息。
type MemoryStore struct {
	mu       sync.RWMutex
	threads  map[string]*Thread
	messages map[string][]*Message
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:  make(map[string]*Thread),
		messages: make(map[string][]*Message),
	}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, th *Thread) error {
	if th == nil || th.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "thread id 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.threads[th.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "thread already exists")
	}
	clone := *th
	m.threads[th.ID] = &clone
	return nil
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, id string) (*Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	th, ok := m.threads[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *th
	return &clone, nil
}

// List 按最近更新时间倒序返回会话。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Thread, int, error) {
	opts = opts.Normalize()
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]*Thread, 0, len(m.threads))
	for _, th := range m.threads {
		if opts.AgentID != "" && th.AgentID != opts.AgentID {
			continue
		}
		clone := *th
		all = append(all, &clone)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].UpdatedAt.Equal(all[j].UpdatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].UpdatedAt.After(all[j].UpdatedAt)
	})

	total := len(all)
	if opts.Offset >= total {
		return []*Thread{}, total, nil
	}
	all = all[opts.Offset:]
	if len(all) > opts.Limit {
		all = all[:opts.Limit]
	}
	return all, total, nil
}

// Append 实现 Store 接口。
func (m *MemoryStore) Append(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	th, ok := m.threads[msg.ThreadID]
	if !ok {
		return ErrNotFound
	}
	clone := *msg
	m.messages[msg.ThreadID] = append(m.messages[msg.ThreadID], &clone)
	if msg.CreatedAt.After(th.UpdatedAt) {
		th.UpdatedAt = msg.CreatedAt
	}
	return nil
}

// Messages 实现 Store 接口。
func (m *MemoryStore) Messages(_ context.Context, threadID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.threads[threadID]; !ok {
		return nil, ErrNotFound
	}
	list := m.messages[threadID]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	out := make([]*Message, 0, len(list))
	for _, msg := range list {
		clone := *msg
		out = append(out, &clone)
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
