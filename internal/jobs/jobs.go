// Package jobs 注册后台任务的执行器：对话回复、用户通知与文件处理。
package jobs

import (
	"context"
	"strings"

	"kortix-mvp/internal/chat"
	xerrors "kortix-mvp/internal/errors"
	"kortix-mvp/internal/files"
	"kortix-mvp/internal/notify"
	"kortix-mvp/internal/task"
)

// Chat 是对话任务依赖的能力。
type Chat interface {
	Accept(ctx context.Context, req chat.Request) (*chat.Accepted, error)
	Respond(ctx context.Context, threadID, agentID, prompt string) (*chat.Reply, error)
}

// Files 是文件处理任务依赖的能力。
type Files interface {
	Process(ctx context.Context, fileID string) (*files.File, error)
}

// Progress 保存任务载荷，使重试从上一次写入的进度继续。
type Progress interface {
	UpdatePayload(ctx context.Context, id string, payload map[string]any) error
}

// Deps 汇总执行器依赖，为 nil 的依赖对应的任务类型不会注册。
type Deps struct {
	Chat     Chat
	Files    Files
	Notifier notify.Dispatcher
	Progress Progress
}

// Register 把可用的执行器注册到 registry。
func Register(registry *task.Registry, deps Deps) {
	if registry == nil {
		return
	}
	if deps.Chat != nil {
		registry.Register(task.KindAgentTask, AgentTask(deps.Chat, deps.Progress))
	}
	if deps.Notifier != nil {
		registry.Register(task.KindNotification, Notification(deps.Notifier))
	}
	if deps.Files != nil {
		registry.Register(task.KindFileUpload, FileUpload(deps.Files))
	}
}

// AgentTask 处理 process_agent_task。
//
// 载荷包含 thread_id 时回复该会话；带 message 时先写入用户消息，
// 并把 thread_id 与 message_id 写回载荷，重试时不再重复写入。
func AgentTask(c Chat, progress Progress) task.Executor {
	return task.ExecutorFunc(func(ctx context.Context, t *task.Task) (map[string]any, error) {
		threadID := t.PayloadString("thread_id")
		agentID := t.PayloadString("agent_id")
		message := strings.TrimSpace(t.PayloadString("message"))

		if threadID == "" && message == "" {
			return nil, invalidPayload("thread_id or message is required")
		}
		if message != "" && t.PayloadString("message_id") == "" {
			accepted, err := c.Accept(ctx, chat.Request{AgentID: agentID, ThreadID: threadID, Message: message})
			if err != nil {
				return nil, err
			}
			threadID, agentID = accepted.ThreadID, accepted.AgentID
			if t.Payload == nil {
				t.Payload = map[string]any{}
			}
			t.Payload["thread_id"] = threadID
			t.Payload["agent_id"] = agentID
			t.Payload["message_id"] = accepted.MessageID
			if progress != nil {
				if err := progress.UpdatePayload(ctx, t.ID, t.Payload); err != nil {
					// 进度未保存时重试会重复写入消息，只能终止任务。
					return nil, xerrors.Wrap(task.CodeTaskProcessing, err, "保存任务进度失败", xerrors.WithRetryable(false))
				}
			}
		}

		reply, err := c.Respond(ctx, threadID, agentID, "")
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"status":     "completed",
			"task_id":    t.ID,
			"thread_id":  reply.ThreadID,
			"message_id": reply.MessageID,
			"response":   reply.Response,
		}, nil
	})
}

// Notification 处理 send_notification。
func Notification(dispatcher notify.Dispatcher) task.Executor {
	return task.ExecutorFunc(func(ctx context.Context, t *task.Task) (map[string]any, error) {
		userID := t.PayloadString("user_id")
		message := strings.TrimSpace(t.PayloadString("message"))
		if userID == "" || message == "" {
			return nil, invalidPayload("user_id and message are required")
		}
		if err := dispatcher.Notify(ctx, notify.Event{
			Kind:     notify.KindUser,
			UserID:   userID,
			Message:  message,
			Severity: xerrors.SeverityInfo,
			TaskID:   t.ID,
		}); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "发送通知失败")
		}
		return map[string]any{"status": "sent"}, nil
	})
}

// FileUpload 处理 process_file_upload。
func FileUpload(f Files) task.Executor {
	return task.ExecutorFunc(func(ctx context.Context, t *task.Task) (map[string]any, error) {
		fileID := t.PayloadString("file_id")
		if fileID == "" {
			return nil, invalidPayload("file_id is required")
		}
		file, err := f.Process(ctx, fileID)
		if err != nil {
			if xerrors.CodeOf(err) == files.CodeFileNotFound {
				return nil, xerrors.Wrap(files.CodeFileNotFound, err, "file not found", xerrors.WithRetryable(false))
			}
			return nil, err
		}
		return map[string]any{"status": string(file.Status), "file_id": file.ID}, nil
	})
}

func invalidPayload(msg string) error {
	return xerrors.New(task.CodeTaskValidation, msg, xerrors.WithRetryable(false))
}
