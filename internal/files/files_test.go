package files

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "kortix-mvp/internal/errors"
	"kortix-mvp/internal/knowledge"
	"kortix-mvp/internal/task"
)

type recordingSubmitter struct {
	mu       sync.Mutex
	requests []task.Request
}

func (r *recordingSubmitter) Submit(_ context.Context, req task.Request) (*task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	return &task.Task{ID: "task-1", Kind: req.Kind}, nil
}

func newTestService(t *testing.T, opts ...Option) (*Service, *LocalBlobStore, *knowledge.Base) {
	t.Helper()
	blobs, err := NewLocalBlobStore(filepath.Join(t.TempDir(), "uploads"))
	require.NoError(t, err)
	kb := knowledge.NewBase(nil, knowledge.NewMemoryStore())
	opts = append([]Option{WithKnowledge(kb)}, opts...)
	return NewService(NewMemoryStore(), blobs, opts...), blobs, kb
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"report.pdf":             "report.pdf",
		"../../etc/passwd":       "passwd",
		`C:\Users\me\notes.txt`:  "notes.txt",
		"  spaced name.md  ":     "spaced name.md",
		"bad\x00name.txt":        "badname.txt",
	}
	for input, want := range cases {
		got, err := SanitizeName(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	for _, bad := range []string{"", "   ", "dir/", "..", strings.Repeat("a", 256)} {
		_, err := SanitizeName(bad)
		assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err), bad)
	}
}

func TestUploadStoresBlobAndSubmitsJob(t *testing.T) {
	submitter := &recordingSubmitter{}
	svc, blobs, _ := newTestService(t, WithSubmitter(submitter))
	body := []byte("hello knowledge base")

	file, err := svc.Upload(context.Background(), Upload{Name: "notes/hello.txt", Body: bytes.NewReader(body)})
	require.NoError(t, err)

	sum := sha256.Sum256(body)
	assert.Equal(t, "hello.txt", file.Name)
	assert.Equal(t, StatusUploaded, file.Status)
	assert.Equal(t, int64(len(body)), file.Size)
	assert.Equal(t, hex.EncodeToString(sum[:]), file.SHA256)
	assert.True(t, strings.HasPrefix(file.ContentType, "text/plain"), file.ContentType)

	stored, err := os.ReadFile(filepath.Join(blobs.Dir(), file.ID))
	require.NoError(t, err)
	assert.Equal(t, body, stored)

	require.Len(t, submitter.requests, 1)
	assert.Equal(t, task.KindFileUpload, submitter.requests[0].Kind)
	assert.Equal(t, file.ID, submitter.requests[0].Payload["file_id"])

	listed, total, err := svc.List(context.Background(), ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, file.ID, listed[0].ID)
}

func TestUploadRejectsOversizedBody(t *testing.T) {
	svc, blobs, _ := newTestService(t, WithMaxUploadBytes(8))

	_, err := svc.Upload(context.Background(), Upload{Name: "big.bin", Body: strings.NewReader("0123456789")})
	assert.Equal(t, xerrors.CodePayloadTooLarge, xerrors.CodeOf(err))

	entries, readErr := os.ReadDir(blobs.Dir())
	require.NoError(t, readErr)
	assert.Empty(t, entries, "oversized upload must not leave blobs behind")

	_, total, err := svc.List(context.Background(), ListOptions{})
	require.NoError(t, err)
	assert.Zero(t, total)

	file, err := svc.Upload(context.Background(), Upload{Name: "exact.bin", Body: strings.NewReader("01234567")})
	require.NoError(t, err)
	assert.Equal(t, int64(8), file.Size)
}

func TestDetectContentType(t *testing.T) {
	assert.Equal(t, "application/pdf", detectContentType("application/pdf", "a.bin", nil))
	assert.True(t, strings.HasPrefix(detectContentType("application/octet-stream", "page.html", []byte("<html><body>x</body></html>")), "text/html"))
	assert.Equal(t, "application/json", detectContentType("", "data.json", []byte(`{"a":1}`)))
	assert.Equal(t, "image/png", detectContentType("", "img", pngBytes(t, 4, 4)))
}

func TestProcessHTMLCreatesKnowledgeEntry(t *testing.T) {
	svc, _, kb := newTestService(t)
	ctx := context.Background()
	page := `<html><head><title>ignored</title><style>body{}</style></head>
<body><h1>Pricing Guide</h1><script>alert(1)</script><p>The free plan is active.</p></body></html>`

	file, err := svc.Upload(ctx, Upload{Name: "pricing-guide.html", ContentType: "text/html", Body: strings.NewReader(page)})
	require.NoError(t, err)

	processed, err := svc.Process(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, processed.Status)
	require.NotEmpty(t, processed.Metadata["knowledge_entry_id"])

	entries, err := kb.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Pricing Guide\nThe free plan is active.", entries[0].Content)
	assert.Equal(t, file.ID, entries[0].FileID)
	assert.NotContains(t, entries[0].Content, "alert")

	again, err := svc.Process(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, again.Status)
	entries, err = kb.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "processing twice must not duplicate knowledge")
}

// failOnceStore 让第一次写入 processed 状态失败。
type failOnceStore struct {
	*MemoryStore
	failed bool
}

func (f *failOnceStore) Update(ctx context.Context, file *File) error {
	if file.Status == StatusProcessed && !f.failed {
		f.failed = true
		return xerrors.New(xerrors.CodeStorageFailure, "write failed")
	}
	return f.MemoryStore.Update(ctx, file)
}

func TestProcessRetryAfterFailedUpdateKeepsOneEntry(t *testing.T) {
	blobs, err := NewLocalBlobStore(filepath.Join(t.TempDir(), "uploads"))
	require.NoError(t, err)
	kb := knowledge.NewBase(nil, knowledge.NewMemoryStore())
	svc := NewService(&failOnceStore{MemoryStore: NewMemoryStore()}, blobs, WithKnowledge(kb))
	ctx := context.Background()

	file, err := svc.Upload(ctx, Upload{Name: "notes.txt", ContentType: "text/plain", Body: strings.NewReader("release notes")})
	require.NoError(t, err)

	_, err = svc.Process(ctx, file.ID)
	require.Error(t, err)
	processed, err := svc.Process(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, processed.Status)

	entries, err := kb.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, entries[0].ID, processed.Metadata["knowledge_entry_id"])
}

func TestProcessTruncatesLongText(t *testing.T) {
	svc, _, kb := newTestService(t, WithMaxUploadBytes(1<<20))
	ctx := context.Background()
	file, err := svc.Upload(ctx, Upload{Name: "long.txt", Body: strings.NewReader(strings.Repeat("字", MaxExtractedRunes+100))})
	require.NoError(t, err)

	_, err = svc.Process(ctx, file.ID)
	require.NoError(t, err)
	entries, err := kb.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, MaxExtractedRunes, len([]rune(entries[0].Content)))
}

func TestProcessImageWritesThumbnail(t *testing.T) {
	svc, blobs, kb := newTestService(t)
	ctx := context.Background()

	file, err := svc.Upload(ctx, Upload{Name: "photo.png", Body: bytes.NewReader(pngBytes(t, 600, 300))})
	require.NoError(t, err)
	assert.Equal(t, "image/png", file.ContentType)

	processed, err := svc.Process(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, "600", processed.Metadata["width"])
	assert.Equal(t, "300", processed.Metadata["height"])
	assert.Equal(t, ThumbnailKey(file.ID), processed.Metadata["thumbnail"])

	thumbFile, err := os.Open(filepath.Join(blobs.Dir(), ThumbnailKey(file.ID)))
	require.NoError(t, err)
	defer thumbFile.Close()
	thumb, err := png.Decode(thumbFile)
	require.NoError(t, err)
	assert.Equal(t, 256, thumb.Bounds().Dx())
	assert.Equal(t, 128, thumb.Bounds().Dy())

	entries, err := kb.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestProcessBrokenImageFails(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	file, err := svc.Upload(ctx, Upload{Name: "broken.png", ContentType: "image/png", Body: strings.NewReader("not an image")})
	require.NoError(t, err)

	processed, err := svc.Process(ctx, file.ID)
	require.Error(t, err)
	assert.False(t, xerrors.RetryableError(err))
	assert.Equal(t, StatusFailed, processed.Status)

	stored, err := svc.Get(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.NotEmpty(t, stored.Error)
}

func TestProcessMissingFile(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Process(context.Background(), "ghost")
	assert.Equal(t, CodeFileNotFound, xerrors.CodeOf(err))
}

func TestLocalBlobStoreRejectsTraversal(t *testing.T) {
	blobs, err := NewLocalBlobStore(t.TempDir())
	require.NoError(t, err)
	_, err = blobs.Put(context.Background(), "../escape", strings.NewReader("x"))
	assert.Error(t, err)
	assert.NoError(t, blobs.Delete(context.Background(), "missing"))
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 100, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}
