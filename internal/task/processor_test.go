package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "kortix-mvp/internal/errors"
	"kortix-mvp/internal/notify"
)

type fakeExecutor struct {
	processed atomic.Int32
	latency   time.Duration
}

func (f *fakeExecutor) Execute(ctx context.Context, task *Task) (map[string]any, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.processed.Add(1)
	return map[string]any{"status": "completed", "echo": task.PayloadString("message")}, nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingDispatcher) Notify(_ context.Context, event notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingDispatcher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func startProcessor(t *testing.T, ctx context.Context, p *Processor) {
	t.Helper()
	go func() {
		if err := p.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	exec := &fakeExecutor{latency: 10 * time.Millisecond}

	registry := NewRegistry()
	registry.Register(KindAgentTask, exec)

	service := NewService(store, queue, registry, 3)
	processor := NewProcessor(registry, store, queue, queue, WithWorkerCount(8))
	startProcessor(t, ctx, processor)

	total := 200
	for i := 0; i < total; i++ {
		payload := map[string]any{"message": fmt.Sprintf("msg-%d", i)}
		if _, err := service.Submit(ctx, Request{Kind: KindAgentTask, Payload: payload}); err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		stats, err := service.Stats(ctx)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.Succeeded >= total {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("任务未能及时处理，已完成 %d", exec.processed.Load())
		case <-time.After(50 * time.Millisecond):
		}
	}
	if int(exec.processed.Load()) != total {
		t.Fatalf("expected each task to run once, got %d", exec.processed.Load())
	}
}

func TestProcessorRetriesThenFails(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	dispatcher := &recordingDispatcher{}

	var calls atomic.Int32
	registry := NewRegistry()
	registry.Register(KindNotification, ExecutorFunc(func(context.Context, *Task) (map[string]any, error) {
		calls.Add(1)
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, "webhook down")
	}))

	service := NewService(store, queue, registry, 3)
	startProcessor(t, ctx, NewProcessor(registry, store, queue, queue, WithWorkerCount(2), WithNotifier(dispatcher)))

	submitted, err := service.Submit(ctx, Request{Kind: KindNotification, Payload: map[string]any{"user_id": "u1"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	done, err := service.WaitUntilCompleted(ctx, submitted.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusFailed || done.Attempts != 3 {
		t.Fatalf("expected terminal failure after 3 attempts, got %+v", done)
	}
	if done.ErrorCode != string(xerrors.CodeUpstreamFailure) {
		t.Fatalf("unexpected error code: %s", done.ErrorCode)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 executions, got %d", calls.Load())
	}
	if dispatcher.count() != 1 {
		t.Fatalf("expected a single failure notification, got %d", dispatcher.count())
	}
}

func TestProcessorNonRetryableFailsImmediately(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	registry := NewRegistry()
	registry.Register(KindFileUpload, ExecutorFunc(func(context.Context, *Task) (map[string]any, error) {
		return nil, xerrors.New(xerrors.CodeNotFound, "file missing")
	}))
	registry.Register(KindAgentTask, ExecutorFunc(func(context.Context, *Task) (map[string]any, error) {
		panic("kaboom")
	}))

	service := NewService(store, queue, registry, 5)
	startProcessor(t, ctx, NewProcessor(registry, store, queue, queue))

	for _, kind := range []Kind{KindFileUpload, KindAgentTask} {
		submitted, err := service.Submit(ctx, Request{Kind: kind})
		if err != nil {
			t.Fatalf("submit %s: %v", kind, err)
		}
		done, err := service.WaitUntilCompleted(ctx, submitted.ID, 10*time.Millisecond)
		if err != nil {
			t.Fatalf("wait %s: %v", kind, err)
		}
		if done.Status != StatusFailed || done.Attempts != 1 {
			t.Fatalf("%s: expected immediate failure, got %+v", kind, done)
		}
	}
}

func TestProcessorRecoversFromTransientError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	var calls atomic.Int32
	registry := NewRegistry()
	registry.Register(KindAgentTask, ExecutorFunc(func(context.Context, *Task) (map[string]any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("temporary")
		}
		return map[string]any{"status": "completed"}, nil
	}))

	service := NewService(store, queue, registry, 3)
	startProcessor(t, ctx, NewProcessor(registry, store, queue, queue))

	submitted, err := service.Submit(ctx, Request{Kind: KindAgentTask})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done, err := service.WaitUntilCompleted(ctx, submitted.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusSucceeded || done.Attempts != 2 || done.Result["status"] != "completed" {
		t.Fatalf("unexpected task: %+v", done)
	}
}

func TestProcessorRetryDoesNotBlockOnFullQueue(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1)
	started := make(chan struct{})
	release := make(chan struct{})
	var firstCalls atomic.Int32
	registry := NewRegistry()
	registry.Register(KindAgentTask, ExecutorFunc(func(_ context.Context, task *Task) (map[string]any, error) {
		if task.ID == "t1" && firstCalls.Add(1) == 1 {
			close(started)
			<-release
			return nil, errors.New("temporary")
		}
		return map[string]any{"status": "completed"}, nil
	}))
	service := NewService(store, queue, registry, 3)

	if _, err := service.Submit(ctx, Request{ID: "t1", Kind: KindAgentTask}); err != nil {
		t.Fatalf("submit t1: %v", err)
	}
	startProcessor(t, ctx, NewProcessor(registry, store, queue, queue, WithWorkerCount(1)))

	<-started
	// t2 占满唯一的队列槽位，唯一的协程随后需要重投 t1。
	if _, err := service.Submit(ctx, Request{ID: "t2", Kind: KindAgentTask}); err != nil {
		t.Fatalf("submit t2: %v", err)
	}
	close(release)

	for _, id := range []string{"t1", "t2"} {
		done, err := service.WaitUntilCompleted(ctx, id, 10*time.Millisecond)
		if err != nil {
			t.Fatalf("wait %s: %v", id, err)
		}
		if done.Status != StatusSucceeded {
			t.Fatalf("unexpected task %s: %+v", id, done)
		}
	}
	if queue.Len() != 0 {
		t.Fatalf("queue not drained: %d", queue.Len())
	}
}

func TestMemoryQueueRequeueIgnoresCapacity(t *testing.T) {
	queue := NewMemoryQueue(1)
	ctx := context.Background()
	if err := queue.Publish(ctx, "a"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, id := range []string{"b", "c"} {
		if err := queue.Requeue(ctx, id); err != nil {
			t.Fatalf("requeue %s: %v", id, err)
		}
	}
	if queue.Len() != 3 {
		t.Fatalf("unexpected len: %d", queue.Len())
	}
	_ = queue.Close()
	if err := queue.Requeue(ctx, "d"); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected closed queue error, got %v", err)
	}
}
