// Package redis builds the shared go-redis client used by the task queue and
// the health probe.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Config 描述 Redis 连接参数，对应 REDIS_HOST / REDIS_PORT / REDIS_PASSWORD / REDIS_SSL。
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
	SSL      bool
}

// Address 返回 host:port。
func (c Config) Address() string {
	port := c.Port
	if port <= 0 {
		port = 6379
	}
	return fmt.Sprintf("%s:%d", strings.TrimSpace(c.Host), port)
}

// Options 把配置转换为 go-redis 选项，SSL 开启时使用 TLS 1.2 以上版本。
func Options(cfg Config) (*goredis.Options, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("Redis host 不能为空")
	}
	opts := &goredis.Options{
		Addr:         cfg.Address(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
	if cfg.SSL {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: strings.TrimSpace(cfg.Host),
		}
	}
	return opts, nil
}

// Open 创建客户端并执行一次 PING。
func Open(ctx context.Context, cfg Config) (*goredis.Client, error) {
	opts, err := Options(cfg)
	if err != nil {
		return nil, err
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return client, nil
}

// Pinger 把客户端适配为健康检查探针。
type Pinger struct {
	Client goredis.UniversalClient
}

// Ping 实现健康检查接口。
func (p Pinger) Ping(ctx context.Context) error {
	if p.Client == nil {
		return errors.New("redis client is nil")
	}
	return p.Client.Ping(ctx).Err()
}
