package web

import (
	"bytes"
	"context"
	stdErrors "errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"

	xerrors "kortix-mvp/internal/errors"
	"kortix-mvp/pkg/logger"
)

// 图片优化参数的取值范围。
const (
	MinWidth       = 16
	MaxWidth       = 3840
	DefaultQuality = 75
	FetchTimeout   = 10 * time.Second
	MaxRedirects   = 3
)

var (
	errRedirectNotAllowed = stdErrors.New("redirect target is not allowed")
	errTooManyRedirects   = stdErrors.New("too many redirects")
)

// Image 是优化后的图片。
type Image struct {
	Body        []byte
	ContentType string
	Width       int
	Height      int
}

// Optimizer 拉取白名单内的远程图片并按宽度缩放。
type Optimizer struct {
	policy   *ImagePolicy
	client   *http.Client
	maxBytes int64
	cacheTTL int
	logger   *slog.Logger
}

// OptimizerOption 自定义 Optimizer。
type OptimizerOption func(*Optimizer)

// WithHTTPClient 替换拉取远程图片使用的客户端。
func WithHTTPClient(client *http.Client) OptimizerOption {
	return func(o *Optimizer) {
		if client != nil {
			o.client = client
		}
	}
}

// WithMaxSourceBytes 限制远程图片的大小。
func WithMaxSourceBytes(limit int64) OptimizerOption {
	return func(o *Optimizer) {
		if limit > 0 {
			o.maxBytes = limit
		}
	}
}

// WithCacheTTL 设置 Cache-Control 的 max-age 秒数。
func WithCacheTTL(seconds int) OptimizerOption {
	return func(o *Optimizer) {
		if seconds >= 0 {
			o.cacheTTL = seconds
		}
	}
}

// NewOptimizer 创建图片优化器。
func NewOptimizer(policy *ImagePolicy, opts ...OptimizerOption) *Optimizer {
	o := &Optimizer{
		policy:   policy,
		client:   &http.Client{Timeout: FetchTimeout},
		maxBytes: 16 << 20,
		cacheTTL: 60,
		logger:   logger.Named("image"),
	}
	for _, opt := range opts {
		opt(o)
	}
	// 复制客户端，每一次跳转都要重新经过白名单校验。
	client := *o.client
	next := client.CheckRedirect
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= MaxRedirects {
			return errTooManyRedirects
		}
		if !o.policy.Allowed(req.URL) {
			return errRedirectNotAllowed
		}
		if next != nil {
			return next(req, via)
		}
		return nil
	}
	o.client = &client
	return o
}

// CacheControl 返回响应应携带的 Cache-Control 值。
func (o *Optimizer) CacheControl() string {
	return "public, max-age=" + strconv.Itoa(o.cacheTTL)
}

// ParseParams 校验 url、w、q 查询参数。
func (o *Optimizer) ParseParams(query url.Values) (*url.URL, int, int, error) {
	raw := strings.TrimSpace(query.Get("url"))
	if raw == "" {
		return nil, 0, 0, xerrors.New(xerrors.CodeInvalidArgument, `"url" parameter is required`)
	}
	target, err := url.Parse(raw)
	if err != nil || !target.IsAbs() {
		return nil, 0, 0, xerrors.New(xerrors.CodeInvalidArgument, `"url" parameter is invalid`)
	}
	if !o.policy.Allowed(target) {
		return nil, 0, 0, xerrors.New(xerrors.CodeInvalidArgument, `"url" parameter is not allowed`)
	}

	width, err := strconv.Atoi(strings.TrimSpace(query.Get("w")))
	if err != nil || width < MinWidth || width > MaxWidth {
		return nil, 0, 0, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf(`"w" parameter must be between %d and %d`, MinWidth, MaxWidth))
	}

	quality := DefaultQuality
	if q := strings.TrimSpace(query.Get("q")); q != "" {
		quality, err = strconv.Atoi(q)
		if err != nil || quality < 1 || quality > 100 {
			return nil, 0, 0, xerrors.New(xerrors.CodeInvalidArgument, `"q" parameter must be between 1 and 100`)
		}
	}
	return target, width, quality, nil
}

// Optimize 拉取 target 并缩放到 width，不会放大原图。
func (o *Optimizer) Optimize(ctx context.Context, target *url.URL, width, quality int) (*Image, error) {
	raw, err := o.fetch(ctx, target)
	if err != nil {
		return nil, err
	}

	_, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnsupportedMedia, err, "upstream image could not be decoded")
	}
	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnsupportedMedia, err, "upstream image could not be decoded")
	}
	if img.Bounds().Dx() > width {
		img = imaging.Resize(img, width, 0, imaging.Lanczos)
	}

	var (
		buf         bytes.Buffer
		contentType string
	)
	if format == "png" {
		contentType = "image/png"
		err = png.Encode(&buf, img)
	} else {
		contentType = "image/jpeg"
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality})
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "encode image failed")
	}

	bounds := img.Bounds()
	o.logger.Debug("图片已优化",
		slog.String("url", target.Redacted()),
		slog.String("source_size", humanize.IBytes(uint64(len(raw)))),
		slog.String("output_size", humanize.IBytes(uint64(buf.Len()))),
		slog.Int("width", bounds.Dx()),
	)
	return &Image{Body: buf.Bytes(), ContentType: contentType, Width: bounds.Dx(), Height: bounds.Dy()}, nil
}

func (o *Optimizer) fetch(ctx context.Context, target *url.URL) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, `"url" parameter is invalid`)
	}
	req.Header.Set("Accept", "image/*")
	resp, err := o.client.Do(req)
	if err != nil {
		if stdErrors.Is(err, errRedirectNotAllowed) || stdErrors.Is(err, errTooManyRedirects) {
			return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "upstream image redirect rejected", xerrors.WithRetryable(false))
		}
		if stdErrors.Is(err, context.DeadlineExceeded) || stdErrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "upstream image request timed out")
		}
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "upstream image request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, xerrors.New(xerrors.CodeUpstreamFailure,
			fmt.Sprintf("upstream image response had status %d", resp.StatusCode))
	}
	if resp.ContentLength > o.maxBytes {
		return nil, o.tooLarge()
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, o.maxBytes+1))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "read upstream image failed")
	}
	if int64(len(raw)) > o.maxBytes {
		return nil, o.tooLarge()
	}
	return raw, nil
}

func (o *Optimizer) tooLarge() error {
	return xerrors.New(xerrors.CodeUpstreamFailure,
		"upstream image exceeds "+humanize.IBytes(uint64(o.maxBytes)), xerrors.WithRetryable(false))
}
