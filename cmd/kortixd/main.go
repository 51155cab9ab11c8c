// Command kortixd runs the Kortix API server, the background worker and the
// maintenance commands around them.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"kortix-mvp/internal/api"
	"kortix-mvp/internal/config"
	"kortix-mvp/internal/health"
	"kortix-mvp/internal/observability/metrics"
	"kortix-mvp/internal/web"
	"kortix-mvp/pkg/logger"
)

// version 可在构建时通过 -ldflags "-X main.version=..." 覆盖。
var version = health.Version

// main 是 kortixd 的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "kortixd 运行失败: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "kortixd",
		Short:         "Kortix MVP API server and background worker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defaultPath := os.Getenv("KORTIX_CONFIG")
	if defaultPath == "" {
		defaultPath = config.DefaultPath
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultPath, "config file (json, yaml or toml; env KORTIX_CONFIG)")

	load := func() (*config.Config, error) { return loadConfig(configPath) }
	cmd.AddCommand(
		serveCmd(load),
		workerCmd(load),
		migrateCmd(load),
		pageCmd(load),
		versionCmd(),
	)
	return cmd
}

type configLoader func() (*config.Config, error)

func serveCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (and the embedded worker for the memory queue)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	a, err := bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	server, err := api.NewServer(api.OptionsFromConfig(cfg), a.deps)
	if err != nil {
		return err
	}

	a.watchKnowledge(ctx)
	if cfg.Task.RunEmbeddedWorker() {
		processorCtx, processorCancel := context.WithCancel(ctx)
		defer processorCancel()
		go func() {
			if err := a.processor().Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("任务处理器异常退出", slog.Any("error", err))
			}
		}()
		a.logger.Info("已启动内嵌任务处理器", slog.Int("workers", cfg.Task.WorkerCount))
	}

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func workerCmd(load configLoader) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume background tasks from the redis or rabbitmq queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return runWorker(cmd.Context(), cfg, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address (e.g. :9100)")
	return cmd
}

func runWorker(ctx context.Context, cfg *config.Config, metricsAddr string) error {
	if cfg.Task.Queue == "memory" {
		return errors.New("worker 需要共享队列，memory 队列只能由 serve 内嵌处理")
	}
	if cfg.Storage.Driver == "memory" {
		return errors.New("worker 需要共享存储，请配置 sqlite 或 mysql")
	}

	a, err := bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if metricsAddr != "" {
		go func() {
			if err := metrics.StartServer(ctx, metricsAddr); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Warn("指标服务退出", slog.Any("error", err))
			}
		}()
	}
	a.watchKnowledge(ctx)

	a.logger.Info("任务处理器已启动",
		slog.String("queue", cfg.Task.Queue),
		slog.Int("workers", cfg.Task.WorkerCount),
	)
	if err := a.processor().Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func migrateCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply SQL schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return runMigrate(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
}

func runMigrate(ctx context.Context, cfg *config.Config, out io.Writer) error {
	if cfg.Storage.Driver == "memory" {
		fmt.Fprintln(out, "memory storage has no schema")
		return nil
	}
	// 迁移由本命令显式执行，忽略 skip_migrations。
	cfg.Storage.SkipMigrations = false
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := db.AppliedVersions(ctx)
	if err != nil {
		return err
	}
	versions := make([]string, 0, len(applied))
	for v := range applied {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	fmt.Fprintf(out, "%s schema at %s\n", db.Dialect(), strings.Join(versions, ", "))
	return nil
}

func pageCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "page",
		Short: "Landing page utilities",
	}

	var outDir string
	export := &cobra.Command{
		Use:   "export",
		Short: "Write the landing page as static HTML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runExport(cfg, outDir, cmd.OutOrStdout())
		},
	}
	export.Flags().StringVar(&outDir, "out", "out", "output directory")
	cmd.AddCommand(export)
	return cmd
}

func runExport(cfg *config.Config, outDir string, out io.Writer) error {
	if cfg.Web.Output != "export" {
		logger.Named("kortixd").Warn("web.output 不是 export，仍按请求导出静态页面", slog.String("output", cfg.Web.Output))
	}
	page, err := web.NewPage(cfg.Web.RepositoryURL, cfg.Web.DocsURL)
	if err != nil {
		return err
	}
	path, err := page.Export(outDir)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, path)
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the kortixd version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "kortixd %s\n", version)
		},
	}
}
