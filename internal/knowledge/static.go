package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"kortix-mvp/pkg/logger"
)

// StaticProvider 从 JSON 或 YAML 文件加载知识条目。
type StaticProvider struct {
	path string

	mu    sync.RWMutex
	items []Entry
}

// NewStaticProvider 使用给定条目创建静态知识库实例。
func NewStaticProvider(items []Entry) *StaticProvider {
	return &StaticProvider{items: normalizeStatic(items)}
}

// LoadStaticProvider 从文件加载知识条目。
func LoadStaticProvider(path string) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("知识库文件路径不能为空")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析知识库路径失败: %w", err)
	}
	p := &StaticProvider{path: absPath}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload 重新读取知识库文件，失败时保留之前的条目。
func (p *StaticProvider) Reload() error {
	if p.path == "" {
		return nil
	}
	items, err := readEntries(p.path)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.items = normalizeStatic(items)
	p.mu.Unlock()
	return nil
}

// Entries 返回当前加载的全部条目。
func (p *StaticProvider) Entries() []Entry {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Entry(nil), p.items...)
}

// Query 返回关键词出现在文本中的前 limit 条条目。
func (p *StaticProvider) Query(text string, limit int) []Entry {
	if p == nil {
		return nil
	}
	text = strings.ToLower(strings.TrimSpace(text))
	results := make([]Entry, 0, limit)
	for _, item := range p.Entries() {
		if limit > 0 && len(results) >= limit {
			break
		}
		if matches(item, text) {
			results = append(results, item)
		}
	}
	return results
}

// Watch 监听知识库文件变化并自动重载，直到 ctx 取消。
//
// 监听的是文件所在目录，编辑器以 rename 方式保存时同样能触发。
func (p *StaticProvider) Watch(ctx context.Context) error {
	if p.path == "" {
		return fmt.Errorf("静态知识库未关联文件")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建文件监听失败: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		return fmt.Errorf("监听知识库目录失败: %w", err)
	}

	log := logger.Named("knowledge")
	var debounce *time.Timer
	reload := make(chan struct{}, 1)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			if err := p.Reload(); err != nil {
				log.Warn("重载知识库失败，继续使用旧数据", slog.String("path", p.path), slog.Any("error", err))
				continue
			}
			log.Info("知识库已重载", slog.String("path", p.path), slog.Int("entries", len(p.Entries())))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("知识库文件监听出错", slog.Any("error", err))
		}
	}
}

func readEntries(path string) ([]Entry, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取知识库文件失败: %w", err)
	}
	var entries []Entry
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &entries)
	default:
		err = json.NewDecoder(bytes.NewReader(content)).Decode(&entries)
	}
	if err != nil {
		return nil, fmt.Errorf("解析知识库文件失败: %w", err)
	}
	return entries, nil
}

func normalizeStatic(items []Entry) []Entry {
	out := make([]Entry, 0, len(items))
	for i, item := range items {
		item.Source = SourceStatic
		if item.ID == "" {
			item.ID = fmt.Sprintf("static-%d", i+1)
		}
		out = append(out, item)
	}
	return out
}

var _ Provider = (*StaticProvider)(nil)
