package files

import (
	"context"
	"sort"
	"sync"

	xerrors "kortix-mvp/internal/errors"
)

// MemoryStore 在内存中保存文件元数据。
type MemoryStore struct {
	mu    sync.RWMutex
	files map[string]*File
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{files: make(map[string]*File)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, file *File) error {
	if file == nil || file.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "file id 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[file.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "file already exists")
	}
	m.files[file.ID] = cloneFile(file)
	return nil
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, id string) (*File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	file, ok := m.files[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneFile(file), nil
}

// Update 实现 Store 接口。
func (m *MemoryStore) Update(_ context.Context, file *File) error {
	if file == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "file 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[file.ID]; !ok {
		return ErrNotFound
	}
	m.files[file.ID] = cloneFile(file)
	return nil
}

// List 实现 Store 接口。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*File, int, error) {
	opts = opts.Normalize()
	m.mu.RLock()
	all := make([]*File, 0, len(m.files))
	for _, file := range m.files {
		all = append(all, cloneFile(file))
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	total := len(all)
	if opts.Offset >= total {
		return []*File{}, total, nil
	}
	all = all[opts.Offset:]
	if len(all) > opts.Limit {
		all = all[:opts.Limit]
	}
	return all, total, nil
}

var _ Store = (*MemoryStore)(nil)
