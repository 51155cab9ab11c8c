package jobs

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kortix-mvp/internal/agent"
	"kortix-mvp/internal/chat"
	xerrors "kortix-mvp/internal/errors"
	"kortix-mvp/internal/files"
	"kortix-mvp/internal/knowledge"
	"kortix-mvp/internal/llm"
	"kortix-mvp/internal/notify"
	"kortix-mvp/internal/task"
	"kortix-mvp/internal/thread"
)

type captureNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *captureNotifier) Notify(_ context.Context, event notify.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureNotifier) snapshot() []notify.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notify.Event(nil), c.events...)
}

type harness struct {
	tasks    *task.Service
	agents   *agent.Service
	threads  *thread.Service
	files    *files.Service
	notifier *captureNotifier
	cancel   context.CancelFunc
	done     chan error
}

// newHarness 组装内存队列、处理器与全部执行器。
func newHarness(t *testing.T, chatOpts ...chat.Option) *harness {
	t.Helper()
	store := task.NewMemoryStore()
	queue := task.NewMemoryQueue(64)
	registry := task.NewRegistry()

	agents := agent.NewService(agent.NewMemoryStore())
	threads := thread.NewService(thread.NewMemoryStore(), agents)
	chatSvc := chat.NewService(agents, threads, chatOpts...)
	blobs, err := files.NewLocalBlobStore(filepath.Join(t.TempDir(), "uploads"))
	require.NoError(t, err)
	kb := knowledge.NewBase(nil, knowledge.NewMemoryStore())
	fileSvc := files.NewService(files.NewMemoryStore(), blobs, files.WithKnowledge(kb))
	notifier := &captureNotifier{}

	tasks := task.NewService(store, queue, registry, 2)
	Register(registry, Deps{Chat: chatSvc, Files: fileSvc, Notifier: notifier, Progress: tasks})

	processor := task.NewProcessor(registry, store, queue, queue, task.WithWorkerCount(2), task.WithNotifier(notifier))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- processor.Start(ctx) }()

	h := &harness{tasks: tasks, agents: agents, threads: threads, files: fileSvc, notifier: notifier, cancel: cancel, done: done}
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) run(t *testing.T, kind task.Kind, payload map[string]any) *task.Task {
	t.Helper()
	submitted, err := h.tasks.Submit(context.Background(), task.Request{Kind: kind, Payload: payload})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	finished, err := h.tasks.WaitUntilCompleted(ctx, submitted.ID, 5*time.Millisecond)
	require.NoError(t, err)
	return finished
}

func TestRegisterSkipsMissingDeps(t *testing.T) {
	registry := task.NewRegistry()
	Register(registry, Deps{Notifier: &captureNotifier{}})
	assert.Equal(t, []task.Kind{task.KindNotification}, registry.Kinds())
	Register(nil, Deps{})
}

func TestAgentTaskCreatesThreadFromMessage(t *testing.T) {
	h := newHarness(t)
	ag, err := h.agents.Create(context.Background(), agent.CreateRequest{Name: "bot"})
	require.NoError(t, err)

	finished := h.run(t, task.KindAgentTask, map[string]any{"agent_id": ag.ID, "message": "hello from webhook"})
	require.Equal(t, task.StatusSucceeded, finished.Status, finished.LastError)
	assert.Equal(t, "completed", finished.Result["status"])
	assert.Equal(t, finished.ID, finished.Result["task_id"])
	assert.Equal(t, chat.PlaceholderResponse, finished.Result["response"])

	threadID, _ := finished.Result["thread_id"].(string)
	th, err := h.threads.Get(context.Background(), threadID)
	require.NoError(t, err)
	assert.Equal(t, ag.ID, th.AgentID)
}

// flakyLLM 第一次调用失败，之后正常回复。
type flakyLLM struct {
	mu    sync.Mutex
	calls int
}

func (f *flakyLLM) Generate(_ context.Context, _ llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls == 1 {
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, "upstream unavailable")
	}
	return &llm.Response{Reply: "recovered"}, nil
}

func TestAgentTaskRetryKeepsSingleThreadAndMessage(t *testing.T) {
	h := newHarness(t, chat.WithLLM(&flakyLLM{}))
	ctx := context.Background()
	ag, err := h.agents.Create(ctx, agent.CreateRequest{Name: "bot"})
	require.NoError(t, err)

	finished := h.run(t, task.KindAgentTask, map[string]any{"agent_id": ag.ID, "message": "hello from webhook"})
	require.Equal(t, task.StatusSucceeded, finished.Status, finished.LastError)
	assert.Equal(t, 2, finished.Attempts)
	assert.Equal(t, "recovered", finished.Result["response"])

	threads, total, err := h.threads.List(ctx, thread.ListOptions{AgentID: ag.ID})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, finished.Result["thread_id"], threads[0].ID)
	assert.Equal(t, threads[0].ID, finished.Payload["thread_id"])
	assert.NotEmpty(t, finished.Payload["message_id"])

	msgs, err := h.threads.Messages(ctx, threads[0].ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, thread.RoleUser, msgs[0].Role)
	assert.Equal(t, finished.Payload["message_id"], msgs[0].ID)
	assert.Equal(t, thread.RoleAssistant, msgs[1].Role)
}

func TestAgentTaskAnswersExistingThread(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	th, err := h.threads.Create(ctx, thread.CreateRequest{})
	require.NoError(t, err)
	_, err = h.threads.Append(ctx, th.ID, thread.RoleUser, "queued question")
	require.NoError(t, err)

	finished := h.run(t, task.KindAgentTask, map[string]any{"thread_id": th.ID})
	require.Equal(t, task.StatusSucceeded, finished.Status, finished.LastError)

	msgs, err := h.threads.Messages(ctx, th.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, thread.RoleAssistant, msgs[1].Role)
	assert.Equal(t, msgs[1].ID, finished.Result["message_id"])
}

func TestAgentTaskInvalidPayloadFailsOnce(t *testing.T) {
	h := newHarness(t)
	finished := h.run(t, task.KindAgentTask, map[string]any{})
	assert.Equal(t, task.StatusFailed, finished.Status)
	assert.Equal(t, 1, finished.Attempts)
	assert.Equal(t, string(task.CodeTaskValidation), finished.ErrorCode)
}

func TestNotificationTask(t *testing.T) {
	h := newHarness(t)
	finished := h.run(t, task.KindNotification, map[string]any{"user_id": "u-1", "message": "build done"})
	require.Equal(t, task.StatusSucceeded, finished.Status, finished.LastError)
	assert.Equal(t, map[string]any{"status": "sent"}, finished.Result)

	events := h.notifier.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, notify.KindUser, events[0].Kind)
	assert.Equal(t, "u-1", events[0].UserID)
	assert.Equal(t, finished.ID, events[0].TaskID)
}

func TestFileUploadTask(t *testing.T) {
	h := newHarness(t)
	file, err := h.files.Upload(context.Background(), files.Upload{Name: "readme.md", ContentType: "text/markdown", Body: strings.NewReader("# Title\nbody")})
	require.NoError(t, err)

	finished := h.run(t, task.KindFileUpload, map[string]any{"file_id": file.ID})
	require.Equal(t, task.StatusSucceeded, finished.Status, finished.LastError)
	assert.Equal(t, map[string]any{"status": "processed", "file_id": file.ID}, finished.Result)

	stored, err := h.files.Get(context.Background(), file.ID)
	require.NoError(t, err)
	assert.Equal(t, files.StatusProcessed, stored.Status)
}

func TestFileUploadMissingFileIsTerminal(t *testing.T) {
	h := newHarness(t)
	finished := h.run(t, task.KindFileUpload, map[string]any{"file_id": "ghost"})
	assert.Equal(t, task.StatusFailed, finished.Status)
	assert.Equal(t, 1, finished.Attempts)
	assert.Equal(t, string(files.CodeFileNotFound), finished.ErrorCode)
	assert.False(t, xerrors.RetryableError(xerrors.New(files.CodeFileNotFound, "x")))

	// 终态失败会额外产生一条任务失败通知。
	assert.Eventually(t, func() bool {
		for _, event := range h.notifier.snapshot() {
			if event.Kind == notify.KindTaskFailure && event.TaskID == finished.ID {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}
