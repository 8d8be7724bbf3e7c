package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// TaskStatus is the lifecycle state of a background task.
type TaskStatus string

const (
	TaskStatusRunning  TaskStatus = "running"
	TaskStatusStopped  TaskStatus = "stopped"
	TaskStatusFailed   TaskStatus = "failed"
	TaskStatusCanceled TaskStatus = "canceled"
)

// TaskFunc is the body of a background task.
type TaskFunc func(ctx context.Context) error

type task struct {
	name        string
	description string
	interval    time.Duration
	started     time.Time
	status      TaskStatus
	err         error
	runs        int
	lastRun     time.Time
	lastErr     error
	cancel      context.CancelFunc
	done        chan struct{}
}

// TaskInfo is a point-in-time copy of a task for reporting.
type TaskInfo struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	StartTime   time.Time  `json:"start_time"`
	IntervalSec float64    `json:"interval_sec,omitempty"`
	Runs        int        `json:"runs"`
	LastRun     time.Time  `json:"last_run,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// TaskStats counts tasks per status.
type TaskStats struct {
	Total    int `json:"total"`
	Running  int `json:"running"`
	Stopped  int `json:"stopped"`
	Failed   int `json:"failed"`
	Canceled int `json:"canceled"`
}

// TaskManager owns the background tasks of the process. Names are unique
// among running tasks; a finished task can be started again under its name.
type TaskManager struct {
	mu     sync.RWMutex
	tasks  map[string]*task
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewTaskManager(ctx context.Context) *TaskManager {
	ctx, cancel := context.WithCancel(ctx)
	return &TaskManager{tasks: make(map[string]*task), ctx: ctx, cancel: cancel}
}

// Start runs fn on its own goroutine until it returns or is stopped.
func (tm *TaskManager) Start(name, description string, fn TaskFunc) error {
	return tm.start(name, description, 0, fn)
}

func (tm *TaskManager) start(name, description string, interval time.Duration, fn TaskFunc) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if existing, ok := tm.tasks[name]; ok && existing.status == TaskStatusRunning {
		return fmt.Errorf("task %s already running", name)
	}
	if err := tm.ctx.Err(); err != nil {
		return fmt.Errorf("task manager stopped: %w", err)
	}

	ctx, cancel := context.WithCancel(tm.ctx)
	t := &task{
		name:        name,
		description: description,
		interval:    interval,
		started:     time.Now(),
		status:      TaskStatusRunning,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	tm.tasks[name] = t

	tm.wg.Add(1)
	go tm.run(ctx, t, fn)
	return nil
}

func (tm *TaskManager) run(ctx context.Context, t *task, fn TaskFunc) {
	defer tm.wg.Done()
	defer close(t.done)
	defer t.cancel()

	entry := log.WithField("task", t.name)
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		entry.WithField("description", t.description).Info("task started")
		err = fn(ctx)
	}()

	tm.mu.Lock()
	defer tm.mu.Unlock()
	switch {
	case err == nil:
		t.status = TaskStatusStopped
		entry.Info("task stopped")
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		t.status = TaskStatusCanceled
		entry.Info("task canceled")
	default:
		t.status = TaskStatusFailed
		t.err = err
		entry.WithError(err).Error("task failed")
	}
}

// Stop cancels a running task and waits for it to return.
func (tm *TaskManager) Stop(name string) error {
	tm.mu.RLock()
	t, ok := tm.tasks[name]
	tm.mu.RUnlock()
	if !ok {
		return fmt.Errorf("task %s not found", name)
	}
	t.cancel()
	<-t.done
	return nil
}

// StartPeriodic runs fn immediately and then every interval. A failing run
// is logged and the schedule continues.
func (tm *TaskManager) StartPeriodic(name, description string, interval time.Duration, fn TaskFunc) error {
	if interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", name)
	}
	return tm.start(name, description, interval, func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			tm.tick(ctx, name, fn)
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}

// Reschedule replaces a periodic task, stopping the current run first.
func (tm *TaskManager) Reschedule(name, description string, interval time.Duration, fn TaskFunc) error {
	tm.mu.RLock()
	_, exists := tm.tasks[name]
	tm.mu.RUnlock()
	if exists {
		if err := tm.Stop(name); err != nil {
			return err
		}
	}
	return tm.StartPeriodic(name, description, interval, fn)
}

func (tm *TaskManager) tick(ctx context.Context, name string, fn TaskFunc) {
	err := fn(ctx)
	tm.mu.Lock()
	if t, ok := tm.tasks[name]; ok {
		t.runs++
		t.lastRun = time.Now()
		t.lastErr = err
	}
	tm.mu.Unlock()
	if err != nil && ctx.Err() == nil {
		log.WithFields(log.Fields{"task": name, "error": err}).Warn("periodic task run failed")
	}
}

// StopAll cancels every task; Wait blocks until they returned.
func (tm *TaskManager) StopAll() { tm.cancel() }

func (tm *TaskManager) Wait() { tm.wg.Wait() }

// Shutdown stops all tasks and waits up to the context deadline.
func (tm *TaskManager) Shutdown(ctx context.Context) error {
	tm.StopAll()
	done := make(chan struct{})
	go func() {
		tm.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (tm *TaskManager) GetTask(name string) (TaskInfo, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	t, ok := tm.tasks[name]
	if !ok {
		return TaskInfo{}, fmt.Errorf("task %s not found", name)
	}
	return t.info(), nil
}

// ListTasks returns all tasks ordered by name.
func (tm *TaskManager) ListTasks() []TaskInfo {
	tm.mu.RLock()
	out := make([]TaskInfo, 0, len(tm.tasks))
	for _, t := range tm.tasks {
		out = append(out, t.info())
	}
	tm.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (tm *TaskManager) GetStats() TaskStats {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	stats := TaskStats{Total: len(tm.tasks)}
	for _, t := range tm.tasks {
		switch t.status {
		case TaskStatusRunning:
			stats.Running++
		case TaskStatusStopped:
			stats.Stopped++
		case TaskStatusFailed:
			stats.Failed++
		case TaskStatusCanceled:
			stats.Canceled++
		}
	}
	return stats
}

func (t *task) info() TaskInfo {
	ti := TaskInfo{
		Name:        t.name,
		Description: t.description,
		Status:      t.status,
		StartTime:   t.started,
		IntervalSec: t.interval.Seconds(),
		Runs:        t.runs,
		LastRun:     t.lastRun,
	}
	if t.lastErr != nil {
		ti.LastError = t.lastErr.Error()
	}
	if t.err != nil {
		ti.Error = t.err.Error()
	}
	return ti
}
