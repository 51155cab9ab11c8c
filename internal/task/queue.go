package task

import (
	"context"
)

// Handler 处理来自消息队列的任务 ID。返回错误表示基础设施故障，队列实现应当重新投递该任务。
type Handler func(ctx context.Context, taskID string) error

// Producer 负责向队列投递任务。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Requeuer 由能够无阻塞重投任务的队列实现。处理器在消费协程内重投重试任务，
// 有界队列若在此阻塞，所有协程都会等待彼此而停止消费。
type Requeuer interface {
	Requeue(ctx context.Context, taskID string) error
}

// Consumer 负责从队列中消费任务。Consume 阻塞直到 ctx 取消或发生不可恢复的错误。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
