// Package health 汇总 Redis 与数据库等依赖的连通性。
package health

import (
	"context"
	"fmt"
	"time"

	xerrors "kortix-mvp/internal/errors"
)

// 探针状态。
const (
	StatusConnected = "connected"
	StatusDisabled  = "disabled"
)

// Version 是接口对外报告的版本号。
const Version = "1.0.0"

// Pinger 是单个依赖的探针。
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc 让普通函数满足 Pinger。
type PingFunc func(ctx context.Context) error

// Ping 实现 Pinger。
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Probe 是一个具名探针，Pinger 为 nil 表示未启用。
type Probe struct {
	Name   string
	Pinger Pinger
}

// Status 是 /api/health 的响应。
type Status struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Env       string    `json:"env"`
}

// Checker 执行健康检查。
type Checker struct {
	env     string
	probes  []Probe
	timeout time.Duration
	now     func() time.Time
}

// NewChecker 创建检查器，探针按传入顺序执行。
func NewChecker(env string, probes ...Probe) *Checker {
	return &Checker{env: env, probes: probes, timeout: 3 * time.Second, now: time.Now}
}

// Liveness 返回进程级别的健康状态，不访问外部依赖。
func (c *Checker) Liveness() Status {
	return Status{Status: "ok", Timestamp: c.now().UTC(), Version: Version, Env: c.env}
}

// Readiness 依次检查全部探针。任一探针失败时返回
// "Health check failed: <probe>: <err>" 形式的不可用错误。
func (c *Checker) Readiness(ctx context.Context) (map[string]any, error) {
	result := map[string]any{
		"status":    "ok",
		"timestamp": c.now().UTC(),
	}
	for _, probe := range c.probes {
		if probe.Pinger == nil {
			result[probe.Name] = StatusDisabled
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := probe.Pinger.Ping(pingCtx)
		cancel()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err,
				fmt.Sprintf("Health check failed: %s: %v", probe.Name, err))
		}
		result[probe.Name] = StatusConnected
	}
	return result, nil
}
