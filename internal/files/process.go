package files

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/disintegration/imaging"
	"golang.org/x/net/html"

	xerrors "kortix-mvp/internal/errors"
)

// skippedTags 中的元素不参与文本抽取。
var skippedTags = map[string]struct{}{
	"script":   {},
	"style":    {},
	"noscript": {},
	"template": {},
	"head":     {},
}

// ThumbnailKey 返回缩略图在 blob 存储中的 key。
func ThumbnailKey(fileID string) string {
	return fileID + ".thumb.png"
}

// Process 按内容类型处理文件：抽取文本、生成缩略图并写入知识库。
// 已处理完成的文件直接返回。
func (s *Service) Process(ctx context.Context, fileID string) (*File, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	file, err := s.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if file.Status == StatusProcessed {
		return file, nil
	}

	file.Status = StatusProcessing
	file.Error = ""
	if err := s.update(ctx, file); err != nil {
		return nil, err
	}

	metadata, procErr := s.extract(ctx, file)
	if procErr != nil {
		file.Status = StatusFailed
		file.Error = procErr.Error()
		if err := s.update(ctx, file); err != nil {
			s.logger.Error("记录文件处理失败状态出错", slog.String("file_id", file.ID), slog.Any("error", err))
		}
		s.logger.Warn("文件处理失败", slog.String("file_id", file.ID), slog.Any("error", procErr))
		return file, procErr
	}

	if file.Metadata == nil {
		file.Metadata = make(map[string]string, len(metadata))
	}
	for k, v := range metadata {
		file.Metadata[k] = v
	}
	file.Status = StatusProcessed
	if err := s.update(ctx, file); err != nil {
		return nil, err
	}
	s.logger.Info("文件处理完成", slog.String("file_id", file.ID), slog.String("content_type", file.ContentType))
	return file, nil
}

func (s *Service) update(ctx context.Context, file *File) error {
	file.UpdatedAt = s.now().UTC().Truncate(time.Millisecond)
	return s.store.Update(ctx, file)
}

func (s *Service) extract(ctx context.Context, file *File) (map[string]string, error) {
	reader, err := s.blobs.Open(ctx, file.ID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取上传文件失败")
	}
	defer reader.Close()

	content, err := io.ReadAll(io.LimitReader(reader, s.maxUploadBytes))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取上传文件失败")
	}

	mt := mediaType(file.ContentType)
	metadata := make(map[string]string)
	var text string
	switch {
	case mt == "text/html" || mt == "application/xhtml+xml":
		text, err = extractHTMLText(content)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeUnsupportedMedia, err, "解析 HTML 失败", xerrors.WithRetryable(false))
		}
	case strings.HasPrefix(mt, "text/") || mt == "application/json" || strings.HasSuffix(mt, "+json"):
		if !utf8.Valid(content) {
			return nil, xerrors.New(xerrors.CodeUnsupportedMedia, "文本文件不是有效的 UTF-8", xerrors.WithRetryable(false))
		}
		text = string(content)
	case strings.HasPrefix(mt, "image/"):
		if err := s.thumbnail(ctx, file.ID, content, metadata); err != nil {
			return nil, err
		}
	default:
		metadata["extracted"] = "false"
		return metadata, nil
	}

	text = truncateRunes(strings.TrimSpace(text), MaxExtractedRunes)
	if text == "" {
		return metadata, nil
	}
	metadata["text_length"] = strconv.Itoa(utf8.RuneCountInString(text))
	if s.knowledge != nil {
		entry, err := s.knowledge.AddFromFile(ctx, file.ID, file.Name, text)
		if err != nil {
			return nil, err
		}
		metadata["knowledge_entry_id"] = entry.ID
	}
	return metadata, nil
}

func (s *Service) thumbnail(ctx context.Context, fileID string, content []byte, metadata map[string]string) error {
	img, err := imaging.Decode(bytes.NewReader(content), imaging.AutoOrientation(true))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUnsupportedMedia, err, "无法解码图片", xerrors.WithRetryable(false))
	}
	bounds := img.Bounds()
	metadata["width"] = strconv.Itoa(bounds.Dx())
	metadata["height"] = strconv.Itoa(bounds.Dy())

	thumb := img
	if bounds.Dx() > s.thumbnailSize || bounds.Dy() > s.thumbnailSize {
		thumb = imaging.Fit(img, s.thumbnailSize, s.thumbnailSize, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.PNG); err != nil {
		return xerrors.Wrap(xerrors.CodeExecutorFailure, err, "生成缩略图失败", xerrors.WithRetryable(false))
	}
	key := ThumbnailKey(fileID)
	if _, err := s.blobs.Put(ctx, key, &buf); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存缩略图失败")
	}
	metadata["thumbnail"] = key
	return nil
}

// extractHTMLText 返回 HTML 中的可见文本，块之间以换行分隔。
func extractHTMLText(content []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	var parts []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if _, skip := skippedTags[n.Data]; skip {
				return
			}
		}
		if n.Type == html.TextNode {
			if text := strings.Join(strings.Fields(n.Data), " "); text != "" {
				parts = append(parts, text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return strings.Join(parts, "\n"), nil
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
