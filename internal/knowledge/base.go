package knowledge

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "kortix-mvp/internal/errors"
)

// MemoryStore 在内存中保存文件派生的知识条目。
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, entry *Entry) error {
	if entry == nil || entry.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "knowledge entry id 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.entries {
		if existing.ID == entry.ID {
			return xerrors.New(xerrors.CodeConflict, "knowledge entry already exists")
		}
	}
	clone := *entry
	m.entries = append(m.entries, &clone)
	return nil
}

// List 实现 Store 接口，按创建时间正序返回。
func (m *MemoryStore) List(_ context.Context) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Entry, 0, len(m.entries))
	for _, entry := range m.entries {
		clone := *entry
		out = append(out, &clone)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Base 合并静态条目与文件派生条目。
type Base struct {
	static *StaticProvider
	store  Store
	now    func() time.Time
}

// NewBase 创建知识库。static 与 store 均可为 nil。
func NewBase(static *StaticProvider, store Store) *Base {
	return &Base{static: static, store: store, now: time.Now}
}

// List 返回与 q 匹配的全部条目，静态条目在前。
func (b *Base) List(ctx context.Context, q string) ([]Entry, error) {
	q = strings.ToLower(strings.TrimSpace(q))
	all, err := b.all(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(all))
	for _, entry := range all {
		if contains(entry, q) {
			out = append(out, entry)
		}
	}
	return out, nil
}

// Query 返回关键词出现在文本中的前 limit 条条目，静态条目优先。
func (b *Base) Query(ctx context.Context, text string, limit int) ([]Entry, error) {
	if limit <= 0 {
		return []Entry{}, nil
	}
	all, err := b.all(ctx)
	if err != nil {
		return nil, err
	}
	text = strings.ToLower(strings.TrimSpace(text))
	out := make([]Entry, 0, limit)
	for _, entry := range all {
		if len(out) >= limit {
			break
		}
		if matches(entry, text) {
			out = append(out, entry)
		}
	}
	return out, nil
}

// AddFromFile 为处理完成的上传文件创建知识条目。同一文件已有条目时直接返回，
// 重试的文件处理任务不会产生重复条目。
func (b *Base) AddFromFile(ctx context.Context, fileID, name, content string) (*Entry, error) {
	if b == nil || b.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "知识库存储未初始化")
	}
	if fileID != "" {
		existing, err := b.store.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, entry := range existing {
			if entry.FileID == fileID {
				return entry, nil
			}
		}
	}
	entry := &Entry{
		ID:        uuid.NewString(),
		Title:     name,
		Content:   content,
		Keywords:  KeywordsFromName(name),
		Source:    SourceFile,
		FileID:    fileID,
		CreatedAt: b.now().UTC().Truncate(time.Millisecond),
	}
	if err := b.store.Create(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (b *Base) all(ctx context.Context) ([]Entry, error) {
	if b == nil {
		return nil, nil
	}
	out := b.static.Entries()
	if b.store == nil {
		return out, nil
	}
	stored, err := b.store.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, entry := range stored {
		out = append(out, *entry)
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
