package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "kortix-mvp/internal/errors"
	"kortix-mvp/internal/notify"
	"kortix-mvp/internal/observability/metrics"
	"kortix-mvp/pkg/logger"
)

// 任务处理结果，用于指标标签。
const (
	outcomeSucceeded = "succeeded"
	outcomeRetrying  = "retrying"
	outcomeFailed    = "failed"
	outcomeSkipped   = "skipped"
)

// Processor 负责从队列消费任务并交给对应的执行器。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	notifier    notify.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithNotifier 配置任务最终失败时的通知派发器。
func WithNotifier(dispatcher notify.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.notifier = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 4,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动任务处理循环，阻塞直到 ctx 取消或消费者返回错误。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) ||
			stdErrors.Is(err, ErrTaskExhausted) || stdErrors.Is(err, ErrTaskConflict) {
			kind := ""
			if task != nil {
				kind = string(task.Kind)
			}
			metrics.ObserveTask(kind, outcomeSkipped)
			p.logDebug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		return err
	}

	result, execErr := p.safeExecute(ctx, task)
	if execErr != nil {
		return p.handleExecutionFailure(ctx, task, execErr)
	}

	if err := p.store.MarkSucceeded(ctx, task.ID, result); err != nil {
		logger.L().Error("标记任务成功状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		if storeErr := p.store.MarkFailed(ctx, task.ID, CodeTaskProcessing, err.Error(), false); storeErr != nil {
			logger.L().Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
			return storeErr
		}
		if pubErr := p.requeue(ctx, task.ID); pubErr != nil {
			return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 在标记成功失败后重投失败", task.ID))
		}
		metrics.ObserveTask(string(task.Kind), outcomeRetrying)
		return nil
	}
	metrics.ObserveTask(string(task.Kind), outcomeSucceeded)
	logger.Audit().Info("任务执行成功",
		slog.String("task_id", task.ID),
		slog.String("kind", string(task.Kind)),
		slog.Int("attempts", task.Attempts),
	)
	return nil
}

// safeExecute 把执行器中的 panic 转换为不可重试的错误。
func (p *Processor) safeExecute(ctx context.Context, task *Task) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(CodeTaskProcessing, fmt.Sprintf("executor panic: %v", r), xerrors.WithRetryable(false))
		}
	}()
	return p.executor.Execute(ctx, task)
}

func (p *Processor) handleExecutionFailure(ctx context.Context, task *Task, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	if _, coded := xerrors.From(execErr); !coded {
		retryable = true
	}
	terminal := task.Attempts >= task.MaxRetries || !retryable

	if storeErr := p.store.MarkFailed(ctx, task.ID, code, execErr.Error(), terminal); storeErr != nil {
		logger.L().Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
		return storeErr
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("task_id", task.ID),
		slog.String("kind", string(task.Kind)),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	if terminal {
		metrics.ObserveTask(string(task.Kind), outcomeFailed)
		p.emitFailure(ctx, task, code, execErr)
		return nil
	}

	metrics.ObserveTask(string(task.Kind), outcomeRetrying)
	if pubErr := p.requeue(ctx, task.ID); pubErr != nil {
		return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", task.ID))
	}
	p.logDebug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	return nil
}

// requeue 在消费协程内重投任务，队列支持时不等待队列容量。
func (p *Processor) requeue(ctx context.Context, taskID string) error {
	if p.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务生产者")
	}
	if r, ok := p.producer.(Requeuer); ok {
		return r.Requeue(ctx, taskID)
	}
	return p.producer.Publish(ctx, taskID)
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger == nil {
		return
	}
	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}
	p.logger.Debug(msg, args...)
}

func (p *Processor) emitFailure(ctx context.Context, task *Task, code xerrors.Code, cause error) {
	if p.notifier == nil {
		return
	}
	event := notify.Event{
		Kind:     notify.KindTaskFailure,
		Message:  cause.Error(),
		Severity: xerrors.SeverityOf(cause),
		Code:     code,
		TaskID:   task.ID,
		Metadata: map[string]string{
			"kind":        string(task.Kind),
			"attempts":    fmt.Sprint(task.Attempts),
			"max_retries": fmt.Sprint(task.MaxRetries),
		},
		OccurredAt: time.Now().UTC(),
	}
	if err := p.notifier.Notify(ctx, event); err != nil {
		logger.L().Error("失败通知发送失败", slog.Any("error", err), slog.String("task_id", task.ID))
	}
}
