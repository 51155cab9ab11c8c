package task

import (
	"context"

	xerrors "kortix-mvp/internal/errors"
)

// Store 抽象了任务状态的持久化接口。
//
// Claim 只允许 pending 与 retrying 状态的任务进入 running；MarkFailed 在
// terminal 为 false 时把任务置为 retrying，否则置为终态 failed。UpdatePayload
// 覆盖任务载荷，执行器借此在重试之间保存进度。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Claim(ctx context.Context, id string) (*Task, error)
	MarkSucceeded(ctx context.Context, id string, result map[string]any) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	UpdatePayload(ctx context.Context, id string, payload map[string]any) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}
