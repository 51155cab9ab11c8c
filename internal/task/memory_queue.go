package task

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed 表示队列已经关闭。
var ErrQueueClosed = errors.New("队列已关闭")

// MemoryQueue 使用 channel 实现进程内消息队列。重投的任务进入无界的
// retries 列表，消费协程优先处理它们。
type MemoryQueue struct {
	ch        chan string
	done      chan struct{}
	wake      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	retries []string
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{
		ch:   make(chan string, size),
		done: make(chan struct{}),
		wake: make(chan struct{}, 1),
	}
}

// Publish 将任务投递到队列。
func (q *MemoryQueue) Publish(ctx context.Context, taskID string) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrQueueClosed
	case q.ch <- taskID:
		return nil
	}
}

// Requeue 无阻塞地重投任务，不受队列容量限制。
func (q *MemoryQueue) Requeue(_ context.Context, taskID string) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	q.mu.Lock()
	q.retries = append(q.retries, taskID)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// popRetry 取出最早重投的任务，剩余任务继续唤醒其他协程。
func (q *MemoryQueue) popRetry() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.retries) == 0 {
		return "", false
	}
	taskID := q.retries[0]
	q.retries = q.retries[1:]
	if len(q.retries) > 0 {
		q.signal()
	}
	return taskID, true
}

// Len 返回尚未被消费的任务数量。
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ch) + len(q.retries)
}

// Consume 启动指定数量的工作协程消费队列中的任务，直到 ctx 取消或队列关闭。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if taskID, ok := q.popRetry(); ok {
					_ = handler(ctx, taskID)
					continue
				}
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case <-q.wake:
				case taskID := <-q.ch:
					_ = handler(ctx, taskID)
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
	case <-q.done:
	}
	wg.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return ErrQueueClosed
}

// Close 关闭内存队列。
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

var (
	_ Queue    = (*MemoryQueue)(nil)
	_ Requeuer = (*MemoryQueue)(nil)
)
