package agent

import (
	"context"
	"sort"
	"sync"

	xerrors "kortix-mvp/internal/errors"
)

// MemoryStore 在内存中保存智能体。
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	order  []string
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[string]*Agent)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, ag *Agent) error {
	if ag == nil || ag.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent id 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[ag.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "agent already exists")
	}
	clone := *ag
	m.agents[ag.ID] = &clone
	m.order = append(m.order, ag.ID)
	return nil
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ag, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *ag
	return &clone, nil
}

// List 实现 Store 接口，最新创建的排在最前。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Agent, int, error) {
	opts = opts.Normalize()
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]*Agent, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		clone := *m.agents[m.order[i]]
		all = append(all, &clone)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := len(all)
	if opts.Offset >= total {
		return []*Agent{}, total, nil
	}
	all = all[opts.Offset:]
	if len(all) > opts.Limit {
		all = all[:opts.Limit]
	}
	return all, total, nil
}

var _ Store = (*MemoryStore)(nil)
