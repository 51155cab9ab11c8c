// Package files accepts uploads, stores their bytes in a blob store and turns
// them into knowledge entries in the background.
package files

import (
	"context"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	xerrors "kortix-mvp/internal/errors"
	"kortix-mvp/internal/knowledge"
	"kortix-mvp/internal/task"
)

// Status 表示文件处理状态。
type Status string

const (
	StatusUploaded   Status = "uploaded"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
)

// MaxNameBytes 是文件名允许的最大字节数。
const MaxNameBytes = 255

// MaxExtractedRunes 是写入知识库的文本上限。
const MaxExtractedRunes = 8000

// CodeFileNotFound 表示文件不存在。
const CodeFileNotFound xerrors.Code = "FILE_NOT_FOUND"

// ErrNotFound 表示文件不存在。
var ErrNotFound = xerrors.New(CodeFileNotFound, "file not found")

func init() {
	xerrors.Register(CodeFileNotFound, xerrors.Attributes{
		Message:    "file not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
}

// File 描述一个上传文件及其处理结果。
type File struct {
	ID          string            `json:"file_id"`
	Name        string            `json:"name"`
	ContentType string            `json:"content_type"`
	Size        int64             `json:"size"`
	SHA256      string            `json:"sha256"`
	Status      Status            `json:"status"`
	Error       string            `json:"error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// ListOptions 控制文件列表分页。
type ListOptions struct {
	Limit  int
	Offset int
}

// Normalize 填充分页默认值。
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 50
	}
	if o.Limit > 200 {
		o.Limit = 200
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

// Store 抽象了文件元数据的持久化，List 按创建时间倒序。
type Store interface {
	Create(ctx context.Context, file *File) error
	Get(ctx context.Context, id string) (*File, error)
	Update(ctx context.Context, file *File) error
	List(ctx context.Context, opts ListOptions) ([]*File, int, error)
}

// Submitter 用于投递文件处理任务。
type Submitter interface {
	Submit(ctx context.Context, req task.Request) (*task.Task, error)
}

// KnowledgeSink 接收从文件中抽取的文本。
type KnowledgeSink interface {
	AddFromFile(ctx context.Context, fileID, name, content string) (*knowledge.Entry, error)
}

// SanitizeName 取文件名的最后一段并去除控制字符。
func SanitizeName(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		name = name[idx+1:]
	}
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "file name is required")
	}
	if !utf8.ValidString(name) {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "file name must be valid UTF-8")
	}
	if len(name) > MaxNameBytes {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "file name must be at most 255 bytes")
	}
	return name, nil
}

func cloneFile(f *File) *File {
	if f == nil {
		return nil
	}
	clone := *f
	if f.Metadata != nil {
		clone.Metadata = make(map[string]string, len(f.Metadata))
		for k, v := range f.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}
