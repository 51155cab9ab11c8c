package files

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "kortix-mvp/internal/errors"
	"kortix-mvp/internal/task"
	"kortix-mvp/pkg/logger"
)

const (
	defaultMaxUploadBytes = 10 << 20
	defaultThumbnailSize  = 256
	sniffLength           = 512
)

// Upload 是一次上传的输入。
type Upload struct {
	Name        string
	ContentType string
	Body        io.Reader
}

// Option 调整 Service 的行为。
type Option func(*Service)

// WithSubmitter 设置文件处理任务的投递方。
func WithSubmitter(submitter Submitter) Option {
	return func(s *Service) { s.submitter = submitter }
}

// WithKnowledge 设置抽取文本的接收方。
func WithKnowledge(sink KnowledgeSink) Option {
	return func(s *Service) { s.knowledge = sink }
}

// WithMaxUploadBytes 设置单个文件的大小上限。
func WithMaxUploadBytes(limit int64) Option {
	return func(s *Service) {
		if limit > 0 {
			s.maxUploadBytes = limit
		}
	}
}

// WithThumbnailSize 设置缩略图的最长边。
func WithThumbnailSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.thumbnailSize = size
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// Service 提供文件上传、查询与处理。
type Service struct {
	store          Store
	blobs          BlobStore
	submitter      Submitter
	knowledge      KnowledgeSink
	maxUploadBytes int64
	thumbnailSize  int
	logger         *slog.Logger
	now            func() time.Time
}

// NewService 创建文件服务。
func NewService(store Store, blobs BlobStore, opts ...Option) *Service {
	s := &Service{
		store:          store,
		blobs:          blobs,
		maxUploadBytes: defaultMaxUploadBytes,
		thumbnailSize:  defaultThumbnailSize,
		logger:         logger.Named("files"),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxUploadBytes 返回当前的上传上限。
func (s *Service) MaxUploadBytes() int64 { return s.maxUploadBytes }

func (s *Service) ready() error {
	if s == nil || s.store == nil || s.blobs == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "文件服务未初始化")
	}
	return nil
}

// Upload 保存文件内容并登记元数据，配置了任务投递时提交处理任务。
func (s *Service) Upload(ctx context.Context, in Upload) (*File, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	name, err := SanitizeName(in.Name)
	if err != nil {
		return nil, err
	}
	if in.Body == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "file body is required")
	}

	br := bufio.NewReaderSize(in.Body, sniffLength)
	head, _ := br.Peek(sniffLength)
	contentType := detectContentType(in.ContentType, name, head)

	id := uuid.NewString()
	hasher := sha256.New()
	limited := io.LimitReader(br, s.maxUploadBytes+1)
	size, err := s.blobs.Put(ctx, id, io.TeeReader(limited, hasher))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存上传文件失败")
	}
	if size > s.maxUploadBytes {
		if delErr := s.blobs.Delete(ctx, id); delErr != nil {
			s.logger.Warn("清理超限文件失败", slog.String("file_id", id), slog.Any("error", delErr))
		}
		return nil, xerrors.New(xerrors.CodePayloadTooLarge, "file exceeds the upload size limit",
			xerrors.WithMetadata("limit_bytes", strconv.FormatInt(s.maxUploadBytes, 10)))
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	file := &File{
		ID:          id,
		Name:        name,
		ContentType: contentType,
		Size:        size,
		SHA256:      hex.EncodeToString(hasher.Sum(nil)),
		Status:      StatusUploaded,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, file); err != nil {
		_ = s.blobs.Delete(ctx, id)
		return nil, err
	}

	if s.submitter != nil {
		if _, err := s.submitter.Submit(ctx, task.Request{
			Kind:    task.KindFileUpload,
			Payload: map[string]any{"file_id": id},
		}); err != nil {
			s.logger.Warn("提交文件处理任务失败", slog.String("file_id", id), slog.Any("error", err))
		}
	}
	s.logger.Info("文件已上传",
		slog.String("file_id", id),
		slog.String("name", name),
		slog.String("content_type", contentType),
		slog.Int64("size", size),
	)
	return file, nil
}

// Get 返回文件元数据。
func (s *Service) Get(ctx context.Context, id string) (*File, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrNotFound
	}
	return s.store.Get(ctx, id)
}

// List 分页返回文件。
func (s *Service) List(ctx context.Context, opts ListOptions) ([]*File, int, error) {
	if err := s.ready(); err != nil {
		return nil, 0, err
	}
	return s.store.List(ctx, opts.Normalize())
}

func detectContentType(declared, name string, head []byte) string {
	declared = strings.TrimSpace(declared)
	if declared != "" && !strings.EqualFold(mediaType(declared), "application/octet-stream") {
		return declared
	}
	sniffed := http.DetectContentType(head)
	switch mediaType(sniffed) {
	case "application/octet-stream", "text/plain":
		if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); byExt != "" {
			return byExt
		}
	}
	return sniffed
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return strings.ToLower(mt)
}
