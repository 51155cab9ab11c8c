// Package api serves the Kortix REST API, the landing page and the image
// optimizer on a chi router.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"kortix-mvp/internal/agent"
	"kortix-mvp/internal/billing"
	"kortix-mvp/internal/chat"
	"kortix-mvp/internal/config"
	xerrors "kortix-mvp/internal/errors"
	"kortix-mvp/internal/files"
	"kortix-mvp/internal/health"
	"kortix-mvp/internal/knowledge"
	"kortix-mvp/internal/task"
	"kortix-mvp/internal/thread"
	"kortix-mvp/internal/web"
	"kortix-mvp/internal/webhook"
	"kortix-mvp/pkg/logger"
)

// Deps 汇总各接口依赖的业务服务，未提供的服务对应接口返回 503。
type Deps struct {
	Agents    *agent.Service
	Threads   *thread.Service
	Chat      *chat.Service
	Files     *files.Service
	Knowledge *knowledge.Base
	Tasks     *task.Service
	Webhooks  *webhook.Service
	Billing   *billing.Service
	Health    *health.Checker
	Page      *web.Page
	Images    *web.Optimizer
}

// Options 控制 HTTP 服务与中间件。
type Options struct {
	Addr              string
	Env               string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	BodyLimit         int64
	PoweredBy         bool
	ExtraOrigins      []string
	RateLimit         float64
	RateBurst         int
}

// OptionsFromConfig 从配置构造 Options。
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Addr:              cfg.Server.Address,
		Env:               cfg.Env,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeoutSeconds) * time.Second,
		ShutdownTimeout:   time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second,
		BodyLimit:         cfg.Web.BodyLimitBytes,
		PoweredBy:         cfg.Web.PoweredByHeader,
		ExtraOrigins:      cfg.Server.CORS.ExtraOrigins,
		RateLimit:         cfg.Server.RateLimit.RequestsPerSecond,
		RateBurst:         cfg.Server.RateLimit.Burst,
	}
}

// Server 负责暴露 REST 接口。
type Server struct {
	opts    Options
	deps    Deps
	logger  *slog.Logger
	handler http.Handler
	docs    []byte
	openapi []byte
}

// NewServer 构造 API 服务实例并组装路由。
func NewServer(opts Options, deps Deps) (*Server, error) {
	if opts.Addr == "" {
		opts.Addr = ":8000"
	}
	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = 5 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if deps.Page == nil {
		page, err := web.NewPage("", "")
		if err != nil {
			return nil, err
		}
		deps.Page = page
	}

	s := &Server{opts: opts, deps: deps, logger: logger.Named("api")}
	table := routeTable()
	docs, err := renderDocs(table)
	if err != nil {
		return nil, fmt.Errorf("渲染接口文档失败: %w", err)
	}
	openapi, err := json.Marshal(openAPIDocument(table))
	if err != nil {
		return nil, fmt.Errorf("生成 OpenAPI 文档失败: %w", err)
	}
	s.docs, s.openapi = docs, openapi
	s.handler = s.router(table)
	return s, nil
}

// Handler 返回完整的 HTTP 处理链。
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) router(table []route) http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.requestLog)
	// 位于 requestLog 之内，panic 产生的 500 同样会被记录日志与指标。
	r.Use(middleware.Recoverer)
	r.Use(newCORS(s.opts.Env, s.opts.ExtraOrigins).Handler)
	if s.opts.RateLimit > 0 {
		r.Use(s.rateLimit(newClientLimiter(s.opts.RateLimit, s.opts.RateBurst)))
	}
	r.Use(s.bodyLimit(s.opts.BodyLimit, "/api/files/upload"))
	r.Use(poweredBy(s.opts.PoweredBy))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		s.writeError(w, req, xerrors.New(xerrors.CodeNotFound, "Not Found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Detail: "Method Not Allowed", Code: "METHOD_NOT_ALLOWED"})
	})

	for _, rt := range table {
		handle := rt.handler
		r.MethodFunc(rt.Method, rt.Pattern, func(w http.ResponseWriter, req *http.Request) {
			handle(s, w, req)
		})
	}
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           withContext(ctx, s.handler),
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API 服务已启动", slog.String("addr", s.opts.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("API 服务关闭超时", slog.Any("error", err))
		}
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Detail: "server is shutting down", Code: string(xerrors.CodeInitializationFailure)})
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
