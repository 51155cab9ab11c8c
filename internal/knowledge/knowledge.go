// Package knowledge serves the knowledge base: curated entries loaded from a
// JSON or YAML file plus entries derived from processed uploads.
package knowledge

import (
	"context"
	"strings"
	"time"
	"unicode"
)

// 知识条目来源。
const (
	SourceStatic = "static"
	SourceFile   = "file"
)

// Entry 描述可供大模型引用的一条知识。
type Entry struct {
	ID        string    `json:"id" yaml:"id"`
	Title     string    `json:"title" yaml:"title"`
	Content   string    `json:"content" yaml:"content"`
	Keywords  []string  `json:"keywords,omitempty" yaml:"keywords"`
	Tags      []string  `json:"tags,omitempty" yaml:"tags"`
	Source    string    `json:"source" yaml:"source"`
	FileID    string    `json:"file_id,omitempty" yaml:"file_id"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// Provider 定义知识库检索的通用接口。
type Provider interface {
	Query(text string, limit int) []Entry
}

// Store 持久化由文件派生的知识条目。
type Store interface {
	Create(ctx context.Context, entry *Entry) error
	List(ctx context.Context) ([]*Entry, error)
}

// matches 判断条目的关键词或标签是否出现在文本中，未配置关键词的条目匹配任意文本。
func matches(entry Entry, text string) bool {
	if len(entry.Keywords) == 0 {
		return true
	}
	for _, keyword := range entry.Keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized != "" && strings.Contains(text, normalized) {
			return true
		}
	}
	for _, tag := range entry.Tags {
		normalized := strings.ToLower(strings.TrimSpace(tag))
		if normalized != "" && strings.Contains(text, normalized) {
			return true
		}
	}
	return false
}

// contains 用于列表接口的 q 过滤：标题、内容、关键词与标签的子串匹配。
func contains(entry Entry, q string) bool {
	if q == "" {
		return true
	}
	if strings.Contains(strings.ToLower(entry.Title), q) || strings.Contains(strings.ToLower(entry.Content), q) {
		return true
	}
	for _, item := range append(append([]string{}, entry.Keywords...), entry.Tags...) {
		if strings.Contains(strings.ToLower(item), q) {
			return true
		}
	}
	return false
}

// KeywordsFromName 从文件名中提取关键词：按非字母数字切分，保留长度不少于 3 的词。
func KeywordsFromName(name string) []string {
	if dot := strings.LastIndexByte(name, '.'); dot > 0 {
		name = name[:dot]
	}
	fields := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	keywords := make([]string, 0, len(fields))
	for _, field := range fields {
		if len([]rune(field)) < 3 {
			continue
		}
		if _, ok := seen[field]; ok {
			continue
		}
		seen[field] = struct{}{}
		keywords = append(keywords, field)
	}
	return keywords
}
