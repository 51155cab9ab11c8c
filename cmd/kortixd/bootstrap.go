package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"kortix-mvp/internal/agent"
	"kortix-mvp/internal/api"
	"kortix-mvp/internal/billing"
	"kortix-mvp/internal/chat"
	"kortix-mvp/internal/config"
	"kortix-mvp/internal/files"
	"kortix-mvp/internal/health"
	"kortix-mvp/internal/jobs"
	"kortix-mvp/internal/knowledge"
	"kortix-mvp/internal/llm"
	"kortix-mvp/internal/llm/openai"
	"kortix-mvp/internal/notify"
	"kortix-mvp/internal/storage/redis"
	"kortix-mvp/internal/storage/sqldb"
	"kortix-mvp/internal/task"
	"kortix-mvp/internal/thread"
	"kortix-mvp/internal/web"
	"kortix-mvp/internal/webhook"
	"kortix-mvp/pkg/logger"
)

// stores 汇总各业务模块使用的存储实现。
type stores struct {
	agents    agent.Store
	threads   thread.Store
	files     files.Store
	knowledge knowledge.Store
	tasks     task.Store
}

// app 持有一次进程运行所需的全部组件。
type app struct {
	cfg       *config.Config
	db        *sqldb.DB
	redis     *goredis.Client
	queue     task.Queue
	tasks     *task.Service
	registry  *task.Registry
	store     task.Store
	notifier  notify.Dispatcher
	static    *knowledge.StaticProvider
	deps      api.Deps
	logger    *slog.Logger
	closeOnce bool
}

// loadConfig 加载 .env 与配置文件，并初始化日志。
func loadConfig(path string) (*config.Config, error) {
	config.LoadDotEnv(".")
	cfg, err := config.LoadOptional(path)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(loggerConfig(cfg)); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, nil
}

func loggerConfig(cfg *config.Config) logger.Config {
	return logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}
}

// openDatabase 按配置打开 SQL 存储，memory 驱动返回 nil。
func openDatabase(ctx context.Context, cfg *config.Config) (*sqldb.DB, error) {
	if cfg.Storage.Driver == "memory" {
		return nil, nil
	}
	if cfg.Storage.Driver == "sqlite" {
		if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("创建数据目录失败: %w", err)
		}
	}
	return sqldb.Open(ctx, sqldb.Config{
		Driver:          cfg.Storage.Driver,
		DSN:             cfg.Storage.DSN,
		MaxOpenConns:    cfg.Storage.MaxOpenConns,
		MaxIdleConns:    cfg.Storage.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Storage.ConnMaxLifetimeSeconds) * time.Second,
		SkipMigrations:  cfg.Storage.SkipMigrations,
	})
}

func newStores(db *sqldb.DB) stores {
	if db == nil {
		return stores{
			agents:    agent.NewMemoryStore(),
			threads:   thread.NewMemoryStore(),
			files:     files.NewMemoryStore(),
			knowledge: knowledge.NewMemoryStore(),
			tasks:     task.NewMemoryStore(),
		}
	}
	return stores{
		agents:    db.Agents(),
		threads:   db.Threads(),
		files:     db.Files(),
		knowledge: db.Knowledge(),
		tasks:     db.Tasks(),
	}
}

func newQueue(cfg *config.Config, client *goredis.Client) (task.Queue, error) {
	switch cfg.Task.Queue {
	case "memory":
		return task.NewMemoryQueue(cfg.Task.MemoryQueueSize), nil
	case "redis":
		if client == nil {
			return nil, errors.New("redis 队列需要配置 Redis 连接")
		}
		return task.NewRedisQueue(client, task.RedisQueueConfig{
			Key:       cfg.Task.Redis.Key,
			BlockWait: time.Duration(cfg.Task.Redis.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      cfg.Task.RabbitMQ.URL,
			Queue:    cfg.Task.RabbitMQ.Queue,
			Prefetch: cfg.Task.RabbitMQ.Prefetch,
			Durable:  !cfg.Task.RabbitMQ.Transient,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Task.Queue)
	}
}

func newLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "none":
		return nil, nil
	case "openai":
		return openai.NewClient(openai.Config{
			APIKey:      cfg.LLM.ResolveAPIKey(),
			BaseURL:     cfg.LLM.BaseURL,
			Model:       cfg.LLM.Model,
			Timeout:     cfg.LLM.Timeout(),
			Temperature: cfg.LLM.Temperature,
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

func newNotifier(cfg *config.Config) notify.Dispatcher {
	notifiers := []notify.Notifier{&notify.LogNotifier{}}
	if cfg.Notify.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhookNotifier(cfg.Notify.WebhookURL,
			time.Duration(cfg.Notify.TimeoutSeconds)*time.Second))
	}
	return notify.NewFanout(notifiers...)
}

// bootstrap 按配置组装存储、队列、业务服务与 HTTP 依赖。
func bootstrap(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger.Named("kortixd")}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.db, err = openDatabase(ctx, cfg); err != nil {
		return nil, err
	}
	if cfg.Redis.Enabled() {
		a.redis, err = redis.Open(ctx, redis.Config{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			SSL:      cfg.Redis.SSL,
		})
		if err != nil {
			return nil, err
		}
	}
	if a.queue, err = newQueue(cfg, a.redis); err != nil {
		return nil, err
	}
	llmClient, err := newLLMClient(cfg)
	if err != nil {
		return nil, err
	}

	st := newStores(a.db)
	a.store = st.tasks
	a.registry = task.NewRegistry()
	a.tasks = task.NewService(st.tasks, a.queue, a.registry, cfg.Task.MaxRetries)
	a.notifier = newNotifier(cfg)

	if cfg.Knowledge.Source != "" {
		if a.static, err = knowledge.LoadStaticProvider(cfg.Knowledge.Source); err != nil {
			return nil, err
		}
	}
	kb := knowledge.NewBase(a.static, st.knowledge)

	agents := agent.NewService(st.agents)
	threads := thread.NewService(st.threads, agents)
	chatOpts := []chat.Option{
		chat.WithKnowledge(kb, cfg.Knowledge.MaxResults),
		chat.WithSubmitter(a.tasks),
		chat.WithHistoryDepth(cfg.Chat.HistoryDepth),
	}
	if llmClient != nil {
		chatOpts = append(chatOpts, chat.WithLLM(llmClient))
	}
	chatSvc := chat.NewService(agents, threads, chatOpts...)

	blobs, err := files.NewLocalBlobStore(cfg.Files.Dir)
	if err != nil {
		return nil, err
	}
	fileSvc := files.NewService(st.files, blobs,
		files.WithSubmitter(a.tasks),
		files.WithKnowledge(kb),
		files.WithMaxUploadBytes(cfg.Files.MaxUploadBytes),
		files.WithThumbnailSize(cfg.Files.ThumbnailSize),
	)

	jobs.Register(a.registry, jobs.Deps{Chat: chatSvc, Files: fileSvc, Notifier: a.notifier, Progress: a.tasks})

	page, err := web.NewPage(cfg.Web.RepositoryURL, cfg.Web.DocsURL)
	if err != nil {
		return nil, err
	}

	probes := []health.Probe{{Name: "redis"}, {Name: "database"}}
	if a.redis != nil {
		probes[0].Pinger = redis.Pinger{Client: a.redis}
	}
	if a.db != nil {
		probes[1].Pinger = a.db
	}

	a.deps = api.Deps{
		Agents:    agents,
		Threads:   threads,
		Chat:      chatSvc,
		Files:     fileSvc,
		Knowledge: kb,
		Tasks:     a.tasks,
		Webhooks:  webhook.NewService(a.tasks),
		Billing:   billing.NewService(cfg.Billing.Plan, cfg.Billing.Status),
		Health:    health.NewChecker(cfg.Env, probes...),
		Page:      page,
		Images: web.NewOptimizer(web.NewImagePolicy(cfg.Web.Images.RemotePatterns),
			web.WithMaxSourceBytes(cfg.Web.Images.MaxSourceBytes),
			web.WithCacheTTL(cfg.Web.Images.CacheTTLSeconds),
		),
	}

	a.logger.Info("组件初始化完成",
		slog.String("env", cfg.Env),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("queue", cfg.Task.Queue),
		slog.String("llm", cfg.LLM.Provider),
		slog.Any("task_kinds", a.registry.Kinds()),
	)
	return a, nil
}

// processor 创建消费当前队列的任务处理器。
func (a *app) processor() *task.Processor {
	return task.NewProcessor(a.registry, a.store, a.queue, a.queue,
		task.WithWorkerCount(a.cfg.Task.WorkerCount),
		task.WithNotifier(a.notifier),
		task.WithProcessorLogger(logger.Named("worker")),
	)
}

// watchKnowledge 在配置了 knowledge.watch 时后台监听知识库文件。
func (a *app) watchKnowledge(ctx context.Context) {
	if a.static == nil || !a.cfg.Knowledge.Watch {
		return
	}
	go func() {
		if err := a.static.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("知识库监听退出", slog.Any("error", err))
		}
	}()
}

// Close 依次释放队列、Redis 与数据库连接。
func (a *app) Close() error {
	if a == nil || a.closeOnce {
		return nil
	}
	a.closeOnce = true
	var errs []error
	if a.tasks != nil {
		errs = append(errs, a.tasks.Close())
	} else if a.queue != nil {
		errs = append(errs, a.queue.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}
