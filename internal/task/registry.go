package task

import (
	"context"
	"sort"
	"sync"

	xerrors "kortix-mvp/internal/errors"
)

// Executor 执行某一类任务并返回结果。
type Executor interface {
	Execute(ctx context.Context, task *Task) (map[string]any, error)
}

// ExecutorFunc 让普通函数满足 Executor 接口。
type ExecutorFunc func(ctx context.Context, task *Task) (map[string]any, error)

// Execute 实现 Executor 接口。
func (f ExecutorFunc) Execute(ctx context.Context, task *Task) (map[string]any, error) {
	return f(ctx, task)
}

// Registry 维护任务类型到执行器的映射。
type Registry struct {
	mu        sync.RWMutex
	executors map[Kind]Executor
}

// NewRegistry 创建空的执行器注册表。
func NewRegistry() *Registry {
	return &Registry{executors: make(map[Kind]Executor)}
}

// Register 注册执行器，重复注册会覆盖旧值。
func (r *Registry) Register(kind Kind, exec Executor) {
	if exec == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[kind] = exec
}

// Supports 判断是否注册了指定类型。
func (r *Registry) Supports(kind Kind) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[kind]
	return ok
}

// Kinds 返回已注册的类型，按字典序排列。
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.executors))
	for kind := range r.executors {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Execute 根据任务类型分发到对应执行器。
func (r *Registry) Execute(ctx context.Context, task *Task) (map[string]any, error) {
	r.mu.RLock()
	exec, ok := r.executors[task.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(CodeTaskUnsupported, "未注册的任务类型: "+string(task.Kind))
	}
	return exec.Execute(ctx, task)
}
