// Package shutdown runs registered teardown tasks in reverse registration
// order so dependents stop before the things they depend on.
package shutdown

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is one named teardown step.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Coordinator collects teardown tasks during startup and drains them LIFO.
type Coordinator struct {
	zl      *zap.Logger
	timeout time.Duration

	mu    sync.Mutex
	tasks []Task
	done  bool
}

func NewCoordinator(timeout time.Duration, zl *zap.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if zl == nil {
		zl = zap.NewNop()
	}
	return &Coordinator{zl: zl, timeout: timeout}
}

// Register appends a teardown task. Tasks registered later run earlier.
func (c *Coordinator) Register(name string, run func(ctx context.Context) error) {
	c.mu.Lock()
	c.tasks = append(c.tasks, Task{Name: name, Run: run})
	c.mu.Unlock()
}

// Shutdown runs every task newest-first under a shared deadline. A failing
// task is logged and the remainder still runs. The second call is a no-op.
// Returns the names of tasks that failed.
func (c *Coordinator) Shutdown(ctx context.Context) []string {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return nil
	}
	c.done = true
	tasks := make([]Task, len(c.tasks))
	copy(tasks, c.tasks)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var failed []string
	for i := len(tasks) - 1; i >= 0; i-- {
		task := tasks[i]
		started := time.Now()
		if err := task.Run(ctx); err != nil {
			failed = append(failed, task.Name)
			c.zl.Error("shutdown task failed",
				zap.String("task", task.Name),
				zap.Duration("elapsed", time.Since(started)),
				zap.Error(err))
			continue
		}
		c.zl.Info("shutdown task complete",
			zap.String("task", task.Name),
			zap.Duration("elapsed", time.Since(started)))
	}
	return failed
}
