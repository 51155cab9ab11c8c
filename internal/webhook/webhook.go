// Package webhook 接收外部系统的触发请求，并按载荷内容调度后台任务。
package webhook

import (
	"context"
	"log/slog"
	"sort"
	"time"

	xerrors "kortix-mvp/internal/errors"
	"kortix-mvp/internal/task"
	"kortix-mvp/pkg/logger"
)

// Submitter 提交后台任务。
type Submitter interface {
	Submit(ctx context.Context, req task.Request) (*task.Task, error)
}

// Result 是 Trigger 的返回值。
type Result struct {
	Received  bool      `json:"received"`
	Timestamp time.Time `json:"timestamp"`
	TaskID    string    `json:"task_id,omitempty"`
	Kind      task.Kind `json:"kind,omitempty"`
}

// Service 处理 webhook 触发。
type Service struct {
	submitter Submitter
	now       func() time.Time
}

// NewService 创建 webhook 服务。submitter 为 nil 时只确认收到。
func NewService(submitter Submitter) *Service {
	return &Service{submitter: submitter, now: time.Now}
}

// Trigger 记录审计日志并按规则调度任务：
// agent_id + message 提交 process_agent_task，user_id + message 提交 send_notification。
func (s *Service) Trigger(ctx context.Context, payload map[string]any) (*Result, error) {
	if payload == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "webhook payload must be a JSON object")
	}
	result := &Result{Received: true, Timestamp: s.now().UTC().Truncate(time.Millisecond)}

	kind, taskPayload := route(payload)
	audit := logger.Audit()
	if kind == "" || s.submitter == nil {
		audit.Info("收到 webhook", slog.Any("keys", keys(payload)))
		return result, nil
	}

	submitted, err := s.submitter.Submit(ctx, task.Request{Kind: kind, Payload: taskPayload})
	if err != nil {
		audit.Warn("webhook 调度任务失败", slog.String("kind", string(kind)), slog.Any("error", err))
		return nil, err
	}
	result.TaskID = submitted.ID
	result.Kind = kind
	audit.Info("收到 webhook",
		slog.Any("keys", keys(payload)),
		slog.String("kind", string(kind)),
		slog.String("task_id", submitted.ID),
	)
	return result, nil
}

func route(payload map[string]any) (task.Kind, map[string]any) {
	message := stringField(payload, "message")
	if message == "" {
		return "", nil
	}
	if agentID := stringField(payload, "agent_id"); agentID != "" {
		out := map[string]any{"agent_id": agentID, "message": message}
		if threadID := stringField(payload, "thread_id"); threadID != "" {
			out["thread_id"] = threadID
		}
		return task.KindAgentTask, out
	}
	if userID := stringField(payload, "user_id"); userID != "" {
		return task.KindNotification, map[string]any{"user_id": userID, "message": message}
	}
	return "", nil
}

func stringField(payload map[string]any, key string) string {
	value, _ := payload[key].(string)
	return value
}

func keys(payload map[string]any) []string {
	out := make([]string, 0, len(payload))
	for k := range payload {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
