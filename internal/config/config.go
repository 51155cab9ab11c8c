// Package config loads the kortixd configuration from an optional file
// (JSON, YAML or TOML), applies environment overrides and fills defaults.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"kortix-mvp/internal/billing"
)

// 运行环境。
const (
	EnvLocal      = "local"
	EnvStaging    = "staging"
	EnvProduction = "production"
)

// DefaultPath 是未显式指定配置文件时尝试加载的位置。
const DefaultPath = "configs/kortix.yaml"

// Config 描述了 kortixd 在启动阶段需要加载的全部配置。
type Config struct {
	Env       string          `json:"env" yaml:"env" toml:"env"`
	Server    ServerConfig    `json:"server" yaml:"server" toml:"server"`
	Web       WebConfig       `json:"web" yaml:"web" toml:"web"`
	Storage   StorageConfig   `json:"storage" yaml:"storage" toml:"storage"`
	Redis     RedisConfig     `json:"redis" yaml:"redis" toml:"redis"`
	Task      TaskConfig      `json:"task" yaml:"task" toml:"task"`
	LLM       LLMConfig       `json:"llm" yaml:"llm" toml:"llm"`
	Chat      ChatConfig      `json:"chat" yaml:"chat" toml:"chat"`
	Files     FilesConfig     `json:"files" yaml:"files" toml:"files"`
	Knowledge KnowledgeConfig `json:"knowledge" yaml:"knowledge" toml:"knowledge"`
	Billing   BillingConfig   `json:"billing" yaml:"billing" toml:"billing"`
	Notify    NotifyConfig    `json:"notify" yaml:"notify" toml:"notify"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging" toml:"logging"`
	Runtime   RuntimeConfig   `json:"runtime" yaml:"runtime" toml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address                  string          `json:"address" yaml:"address" toml:"address"`
	ReadHeaderTimeoutSeconds int             `json:"read_header_timeout_seconds" yaml:"read_header_timeout_seconds" toml:"read_header_timeout_seconds"`
	ShutdownTimeoutSeconds   int             `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds" toml:"shutdown_timeout_seconds"`
	CORS                     CORSConfig      `json:"cors" yaml:"cors" toml:"cors"`
	RateLimit                RateLimitConfig `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`
}

// CORSConfig 允许在内置来源之外追加跨域来源。
type CORSConfig struct {
	ExtraOrigins []string `json:"extra_origins" yaml:"extra_origins" toml:"extra_origins"`
}

// RateLimitConfig 为每个客户端地址配置令牌桶，RequestsPerSecond 为 0 表示关闭。
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst" toml:"burst"`
}

// WebConfig 对应落地页与前端构建配置。
type WebConfig struct {
	Output          string       `json:"output" yaml:"output" toml:"output"`
	PoweredByHeader bool         `json:"powered_by_header" yaml:"powered_by_header" toml:"powered_by_header"`
	BodySizeLimit   string       `json:"body_size_limit" yaml:"body_size_limit" toml:"body_size_limit"`
	RepositoryURL   string       `json:"repository_url" yaml:"repository_url" toml:"repository_url"`
	DocsURL         string       `json:"docs_url" yaml:"docs_url" toml:"docs_url"`
	Images          ImagesConfig `json:"images" yaml:"images" toml:"images"`

	// BodyLimitBytes 由 BodySizeLimit 解析得到。
	BodyLimitBytes int64 `json:"-" yaml:"-" toml:"-"`
}

// ImagesConfig 描述远程图片优化接口的白名单与限制。
type ImagesConfig struct {
	RemotePatterns  []RemotePattern `json:"remote_patterns" yaml:"remote_patterns" toml:"remote_patterns"`
	MaxSourceSize   string          `json:"max_source_size" yaml:"max_source_size" toml:"max_source_size"`
	CacheTTLSeconds int             `json:"cache_ttl_seconds" yaml:"cache_ttl_seconds" toml:"cache_ttl_seconds"`

	MaxSourceBytes int64 `json:"-" yaml:"-" toml:"-"`
}

// RemotePattern 是一条允许加载的远程图片来源规则。
type RemotePattern struct {
	Protocol string `json:"protocol" yaml:"protocol" toml:"protocol"`
	Hostname string `json:"hostname" yaml:"hostname" toml:"hostname"`
	Port     string `json:"port" yaml:"port" toml:"port"`
	Pathname string `json:"pathname" yaml:"pathname" toml:"pathname"`
}

// StorageConfig 描述关系型存储的驱动与连接池参数。
type StorageConfig struct {
	Driver                 string `json:"driver" yaml:"driver" toml:"driver"`
	DSN                    string `json:"dsn" yaml:"dsn" toml:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns" toml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns" toml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds" toml:"conn_max_lifetime_seconds"`
	SkipMigrations         bool   `json:"skip_migrations" yaml:"skip_migrations" toml:"skip_migrations"`
}

// RedisConfig 对应原有后端的 REDIS_* 环境变量。
type RedisConfig struct {
	Host     string `json:"host" yaml:"host" toml:"host"`
	Port     int    `json:"port" yaml:"port" toml:"port"`
	Password string `json:"password" yaml:"password" toml:"password"`
	DB       int    `json:"db" yaml:"db" toml:"db"`
	SSL      bool   `json:"ssl" yaml:"ssl" toml:"ssl"`
}

// Enabled 判断是否配置了 Redis。
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Host) != ""
}

// Address 返回 host:port 形式的地址。
func (r RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// TaskConfig 控制后台任务队列与消费者。
type TaskConfig struct {
	Queue           string         `json:"queue" yaml:"queue" toml:"queue"`
	WorkerCount     int            `json:"worker_count" yaml:"worker_count" toml:"worker_count"`
	MaxRetries      int            `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
	MemoryQueueSize int            `json:"memory_queue_size" yaml:"memory_queue_size" toml:"memory_queue_size"`
	EmbeddedWorker  *bool          `json:"embedded_worker" yaml:"embedded_worker" toml:"embedded_worker"`
	Redis           RedisQueue     `json:"redis" yaml:"redis" toml:"redis"`
	RabbitMQ        RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq" toml:"rabbitmq"`
}

// RunEmbeddedWorker 判断 serve 命令是否需要在进程内启动消费者。
func (t TaskConfig) RunEmbeddedWorker() bool {
	if t.EmbeddedWorker != nil {
		return *t.EmbeddedWorker
	}
	return t.Queue == "memory"
}

// RedisQueue 描述 Redis list 队列的参数。
type RedisQueue struct {
	Key              string `json:"key" yaml:"key" toml:"key"`
	BlockWaitSeconds int    `json:"block_wait_seconds" yaml:"block_wait_seconds" toml:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL       string `json:"url" yaml:"url" toml:"url"`
	Queue     string `json:"queue" yaml:"queue" toml:"queue"`
	Prefetch  int    `json:"prefetch" yaml:"prefetch" toml:"prefetch"`
	Transient bool   `json:"transient" yaml:"transient" toml:"transient"`
}

// LLMConfig 用于配置对话所使用的大模型。
type LLMConfig struct {
	Provider       string  `json:"provider" yaml:"provider" toml:"provider"`
	APIKey         string  `json:"api_key" yaml:"api_key" toml:"api_key"`
	APIKeyEnv      string  `json:"api_key_env" yaml:"api_key_env" toml:"api_key_env"`
	BaseURL        string  `json:"base_url" yaml:"base_url" toml:"base_url"`
	Model          string  `json:"model" yaml:"model" toml:"model"`
	TimeoutSeconds int     `json:"timeout_seconds" yaml:"timeout_seconds" toml:"timeout_seconds"`
	Temperature    float32 `json:"temperature" yaml:"temperature" toml:"temperature"`
}

// Timeout 返回单次推理的超时时间。
func (l LLMConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSeconds) * time.Second
}

// ResolveAPIKey 优先使用显式配置的密钥，否则读取 APIKeyEnv 指定的环境变量。
func (l LLMConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(l.APIKey); key != "" {
		return key
	}
	if l.APIKeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(l.APIKeyEnv))
}

// ChatConfig 控制对话上下文。
type ChatConfig struct {
	HistoryDepth int `json:"history_depth" yaml:"history_depth" toml:"history_depth"`
}

// FilesConfig 控制上传文件的存放位置与大小限制。
type FilesConfig struct {
	Dir           string `json:"dir" yaml:"dir" toml:"dir"`
	MaxUploadSize string `json:"max_upload_size" yaml:"max_upload_size" toml:"max_upload_size"`
	ThumbnailSize int    `json:"thumbnail_size" yaml:"thumbnail_size" toml:"thumbnail_size"`

	MaxUploadBytes int64 `json:"-" yaml:"-" toml:"-"`
}

// KnowledgeConfig 描述静态知识库文件。
type KnowledgeConfig struct {
	Source     string `json:"source" yaml:"source" toml:"source"`
	Watch      bool   `json:"watch" yaml:"watch" toml:"watch"`
	MaxResults int    `json:"max_results" yaml:"max_results" toml:"max_results"`
}

// BillingConfig 描述当前部署的订阅信息。
type BillingConfig struct {
	Plan   string `json:"plan" yaml:"plan" toml:"plan"`
	Status string `json:"status" yaml:"status" toml:"status"`
}

// NotifyConfig 配置通知的外部投递地址。
type NotifyConfig struct {
	WebhookURL     string `json:"webhook_url" yaml:"webhook_url" toml:"webhook_url"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds" toml:"timeout_seconds"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level   string      `json:"level" yaml:"level" toml:"level"`
	Format  string      `json:"format" yaml:"format" toml:"format"`
	Outputs []string    `json:"outputs" yaml:"outputs" toml:"outputs"`
	Audit   AuditConfig `json:"audit" yaml:"audit" toml:"audit"`
}

// AuditConfig 控制审计日志文件。
type AuditConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Path       string `json:"path" yaml:"path" toml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days" toml:"max_age_days"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
}

// Load 解析指定路径的配置文件，文件必须存在。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	cfg, err := Parse(content, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	return finish(cfg, filepath.Dir(path), os.LookupEnv)
}

// LoadOptional 与 Load 相同，但文件不存在时仅使用环境变量与默认值。
func LoadOptional(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return finish(&Config{}, ".", os.LookupEnv)
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return finish(&Config{}, ".", os.LookupEnv)
	}
	return Load(path)
}

// Parse 按扩展名解码配置内容，不做默认值处理。
func Parse(content []byte, ext string) (*Config, error) {
	var cfg Config
	var err error
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	case ".toml":
		err = toml.Unmarshal(content, &cfg)
	case ".json", "":
		decoder := json.NewDecoder(bytes.NewReader(content))
		decoder.DisallowUnknownFields()
		err = decoder.Decode(&cfg)
	default:
		return nil, fmt.Errorf("不支持的配置文件格式: %s", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return &cfg, nil
}

// LoadDotEnv 依次加载 .env 与 .env.<mode>，文件缺失时忽略。
func LoadDotEnv(dir string) {
	base := filepath.Join(dir, ".env")
	if _, err := os.Stat(base); err == nil {
		_ = godotenv.Load(base)
	}
	mode := strings.TrimSpace(os.Getenv("ENV_MODE"))
	if mode == "" {
		mode = EnvLocal
	}
	if override := base + "." + mode; fileExists(override) {
		_ = godotenv.Overload(override)
	}
}

func finish(cfg *Config, baseDir string, lookup func(string) (string, bool)) (*Config, error) {
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 读取与原后端保持一致的环境变量。
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		value, ok := lookup(key)
		if !ok {
			return "", false
		}
		value = strings.TrimSpace(value)
		return value, value != ""
	}

	if v, ok := get("ENV_MODE"); ok {
		c.Env = strings.ToLower(v)
	}
	if v, ok := get("KORTIX_SERVER_ADDRESS"); ok {
		c.Server.Address = v
	}
	if v, ok := get("KORTIX_STORAGE_DRIVER"); ok {
		c.Storage.Driver = strings.ToLower(v)
	}
	if v, ok := get("KORTIX_STORAGE_DSN"); ok {
		c.Storage.DSN = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.Logging.Level = v
	}
	if v, ok := get("REDIS_HOST"); ok {
		c.Redis.Host = v
	}
	if v, ok := get("REDIS_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_PORT 不是合法端口: %w", err)
		}
		c.Redis.Port = port
	}
	if v, ok := get("REDIS_PASSWORD"); ok {
		c.Redis.Password = v
	}
	if v, ok := get("REDIS_SSL"); ok {
		c.Redis.SSL = strings.EqualFold(v, "true")
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Env == "" {
		c.Env = EnvLocal
	}

	if c.Server.Address == "" {
		c.Server.Address = ":8000"
	}
	if c.Server.ReadHeaderTimeoutSeconds <= 0 {
		c.Server.ReadHeaderTimeoutSeconds = 5
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 5
	}
	if c.Server.RateLimit.RequestsPerSecond > 0 && c.Server.RateLimit.Burst <= 0 {
		c.Server.RateLimit.Burst = int(c.Server.RateLimit.RequestsPerSecond) + 1
	}

	if c.Web.Output == "" {
		c.Web.Output = "standalone"
	}
	if c.Web.BodySizeLimit == "" {
		c.Web.BodySizeLimit = "10mb"
	}
	if c.Web.RepositoryURL == "" {
		c.Web.RepositoryURL = "https://github.com/gitmvp-com/kortix-mvp"
	}
	if c.Web.DocsURL == "" {
		c.Web.DocsURL = "http://localhost:8000/docs"
	}
	if c.Web.Images.RemotePatterns == nil {
		c.Web.Images.RemotePatterns = []RemotePattern{{Protocol: "https", Hostname: "**.supabase.co"}}
	}
	if c.Web.Images.MaxSourceSize == "" {
		c.Web.Images.MaxSourceSize = "16mb"
	}
	if c.Web.Images.CacheTTLSeconds <= 0 {
		c.Web.Images.CacheTTLSeconds = 60
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Driver == "sqlite" && c.Storage.DSN == "" {
		c.Storage.DSN = filepath.Join(c.Runtime.DataDir, "kortix.db")
	}

	if c.Task.Queue == "" {
		c.Task.Queue = "memory"
	}
	if c.Task.WorkerCount <= 0 {
		c.Task.WorkerCount = 4
	}
	if c.Task.MaxRetries <= 0 {
		c.Task.MaxRetries = 3
	}
	if c.Task.MemoryQueueSize <= 0 {
		c.Task.MemoryQueueSize = 1024
	}
	if c.Task.Redis.Key == "" {
		c.Task.Redis.Key = "kortix:tasks"
	}
	if c.Task.Redis.BlockWaitSeconds <= 0 {
		c.Task.Redis.BlockWaitSeconds = 5
	}
	if c.Task.RabbitMQ.Queue == "" {
		c.Task.RabbitMQ.Queue = "kortix.tasks"
	}
	if c.Task.RabbitMQ.Prefetch <= 0 {
		c.Task.RabbitMQ.Prefetch = c.Task.WorkerCount
	}

	if c.Task.Queue == "redis" && c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port <= 0 {
		c.Redis.Port = 6379
	}

	if c.LLM.APIKeyEnv == "" {
		c.LLM.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "none"
		if c.LLM.ResolveAPIKey() != "" {
			c.LLM.Provider = "openai"
		}
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 60
	}

	if c.Chat.HistoryDepth <= 0 {
		c.Chat.HistoryDepth = 10
	}

	if c.Files.Dir == "" {
		c.Files.Dir = filepath.Join(c.Runtime.DataDir, "uploads")
	} else if !filepath.IsAbs(c.Files.Dir) {
		c.Files.Dir = filepath.Join(baseDir, c.Files.Dir)
	}
	if c.Files.MaxUploadSize == "" {
		c.Files.MaxUploadSize = c.Web.BodySizeLimit
	}
	if c.Files.ThumbnailSize <= 0 {
		c.Files.ThumbnailSize = 256
	}

	if c.Knowledge.Source != "" && !filepath.IsAbs(c.Knowledge.Source) {
		c.Knowledge.Source = filepath.Join(baseDir, c.Knowledge.Source)
	}
	if c.Knowledge.MaxResults <= 0 {
		c.Knowledge.MaxResults = 3
	}

	if c.Billing.Plan == "" {
		c.Billing.Plan = "free"
	}
	if c.Billing.Status == "" {
		c.Billing.Status = "active"
	}

	if c.Notify.TimeoutSeconds <= 0 {
		c.Notify.TimeoutSeconds = 5
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
		if c.Env == EnvProduction {
			c.Logging.Format = "json"
		}
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "logs", "audit.log")
	}
}

// Validate 检查配置取值是否合法，并解析大小字段。
func (c *Config) Validate() error {
	var errs []error

	switch c.Env {
	case EnvLocal, EnvStaging, EnvProduction:
	default:
		errs = append(errs, fmt.Errorf("未知的运行环境: %s", c.Env))
	}

	switch c.Web.Output {
	case "standalone", "export":
	default:
		errs = append(errs, fmt.Errorf("未知的 web.output: %s", c.Web.Output))
	}

	var err error
	if c.Web.BodyLimitBytes, err = ParseSize(c.Web.BodySizeLimit); err != nil {
		errs = append(errs, fmt.Errorf("web.body_size_limit: %w", err))
	}
	if c.Web.Images.MaxSourceBytes, err = ParseSize(c.Web.Images.MaxSourceSize); err != nil {
		errs = append(errs, fmt.Errorf("web.images.max_source_size: %w", err))
	}
	if c.Files.MaxUploadBytes, err = ParseSize(c.Files.MaxUploadSize); err != nil {
		errs = append(errs, fmt.Errorf("files.max_upload_size: %w", err))
	}
	for i, pattern := range c.Web.Images.RemotePatterns {
		if strings.TrimSpace(pattern.Hostname) == "" {
			errs = append(errs, fmt.Errorf("web.images.remote_patterns[%d]: hostname 不能为空", i))
		}
	}

	switch c.Storage.Driver {
	case "memory":
	case "sqlite", "mysql":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, fmt.Errorf("storage.dsn 不能为空 (driver=%s)", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的存储驱动: %s", c.Storage.Driver))
	}

	switch c.Task.Queue {
	case "memory", "redis":
	case "rabbitmq":
		if strings.TrimSpace(c.Task.RabbitMQ.URL) == "" {
			errs = append(errs, errors.New("task.rabbitmq.url 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的队列驱动: %s", c.Task.Queue))
	}

	switch c.LLM.Provider {
	case "none":
	case "openai":
		if c.LLM.ResolveAPIKey() == "" {
			errs = append(errs, errors.New("openai provider 需要配置 api_key 或 api_key_env"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的大模型 provider: %s", c.LLM.Provider))
	}

	if !billing.ValidPlan(c.Billing.Plan) {
		errs = append(errs, fmt.Errorf("未知的订阅计划: %s", c.Billing.Plan))
	}

	return errors.Join(errs...)
}

// ParseSize 解析 "10mb" 这类大小字符串。kb/mb/gb 按 1024 进制计算。
func ParseSize(raw string) (int64, error) {
	normalized := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(raw), " ", ""))
	if normalized == "" {
		return 0, errors.New("大小不能为空")
	}
	for _, unit := range []string{"kb", "mb", "gb", "tb"} {
		if strings.HasSuffix(normalized, unit) {
			normalized = strings.TrimSuffix(normalized, unit) + unit[:1] + "ib"
			break
		}
	}
	size, err := humanize.ParseBytes(normalized)
	if err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, errors.New("大小必须大于 0")
	}
	return int64(size), nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
