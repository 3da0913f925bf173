// Package scheduler dispatches todo tasks to the session engine, enforcing
// session and workdir exclusivity, dependency gating, and the independent
// worker cap. It wakes on a periodic tick, explicit kicks, and task events
// from the bus.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/pkg/ws"
)

// Retry backoff parameters. Rate limits back off linearly per attempt.
const (
	rateLimitBackoffStep = 60 * time.Second
	rateLimitBackoffMax  = 300 * time.Second
	exceptionBackoff     = 5 * time.Second
	defaultBackoff       = 3 * time.Second
)

// Scheduler owns the task dispatch loop.
type Scheduler struct {
	cfg    config.EngineConfig
	store  *store.Store
	engine *session.Engine
	bus    bus.EventBus
	logger *logger.Logger

	kick chan struct{}

	mu              sync.Mutex
	runningTasks    map[string]context.CancelFunc // task id -> abort
	runningSessions map[string]bool
	runningWorkdirs map[string]bool
	runningFree     int             // running tasks not bound to any session
	stoppingTasks   map[string]bool // manual moves out of in_progress
	backoffUntil    map[string]time.Time
}

// New creates a scheduler.
func New(cfg config.EngineConfig, st *store.Store, engine *session.Engine, eventBus bus.EventBus, log *logger.Logger) *Scheduler {
	return &Scheduler{
		cfg:             cfg,
		store:           st,
		engine:          engine,
		bus:             eventBus,
		logger:          log.WithFields(zap.String("component", "scheduler")),
		kick:            make(chan struct{}, 1),
		runningTasks:    make(map[string]context.CancelFunc),
		runningSessions: make(map[string]bool),
		runningWorkdirs: make(map[string]bool),
		stoppingTasks:   make(map[string]bool),
		backoffUntil:    make(map[string]time.Time),
	}
}

// Kick requests a dispatch pass; coalesces while one is pending.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run drives the dispatch loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	sub, err := s.bus.Subscribe(events.SubjectTaskAll, func(_ context.Context, _ *bus.Event) error {
		s.Kick()
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to task events: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	ticker := time.NewTicker(s.cfg.SchedulerInterval())
	defer ticker.Stop()

	s.logger.Info("scheduler started", zap.Duration("interval", s.cfg.SchedulerInterval()))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-s.kick:
		}
		s.tick(ctx)
	}
}

// tick runs one dispatch pass over the todo column.
func (s *Scheduler) tick(ctx context.Context) {
	todos, err := s.store.ListTasksByStatus(ctx, store.TaskTodo)
	if err != nil {
		s.logger.Error("failed to list todo tasks", zap.Error(err))
		return
	}

	now := time.Now()
	for _, task := range todos {
		if ctx.Err() != nil {
			return
		}
		if s.isRunning(task.ID) {
			continue
		}
		if until, ok := s.backoff(task.ID); ok && now.Before(until) {
			continue
		}

		ready, failedDep, err := s.depsReady(ctx, task)
		if err != nil {
			s.logger.Error("failed to resolve dependencies",
				zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		if failedDep != "" {
			s.cascadeDepFailure(ctx, task, failedDep)
			continue
		}
		if !ready {
			continue
		}
		if !s.claim(task) {
			continue
		}
		go s.runTask(ctx, task)
	}
}

// depsReady reports whether all dependencies are done. failedDep names a
// dependency that can no longer complete.
func (s *Scheduler) depsReady(ctx context.Context, task *store.Task) (ready bool, failedDep string, err error) {
	deps := task.Dependencies()
	for _, depID := range deps {
		dep, err := s.store.GetTask(ctx, depID)
		if err == store.ErrNotFound {
			// A deleted dependency cannot complete.
			return false, depID, nil
		}
		if err != nil {
			return false, "", err
		}
		switch dep.Status {
		case store.TaskDone:
		case store.TaskCancelled:
			return false, depID, nil
		default:
			return false, "", nil
		}
	}
	return true, "", nil
}

// cascadeDepFailure cancels a task whose dependency failed and notifies the
// session that created it.
func (s *Scheduler) cascadeDepFailure(ctx context.Context, task *store.Task, depID string) {
	status := store.TaskCancelled
	reason := store.FailureDepFailed
	if err := s.store.UpdateTask(ctx, task.ID, store.TaskUpdate{
		Status:        &status,
		FailureReason: &reason,
	}); err != nil {
		s.logger.Error("failed to cascade dependency failure",
			zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	s.logger.Info("task cancelled: dependency failed",
		zap.String("task_id", task.ID), zap.String("dep_id", depID))

	if task.SourceSessionID.Valid && task.SourceSessionID.String != "" {
		s.engine.EmitToSession(task.SourceSessionID.String, ws.TypeNotification, ws.Marshal(ws.NotificationFrame{
			Type:   ws.TypeNotification,
			Level:  "warning",
			Title:  "Task cancelled",
			Detail: fmt.Sprintf("%q was cancelled because a task it depends on did not complete.", task.Title),
			TaskID: task.ID,
		}))
	}
	s.publishTransition(ctx, task.ID, store.TaskTodo, store.TaskCancelled)
}

// claim reserves the task's session, workdir, and worker slot. Returns false
// when an exclusivity rule blocks dispatch.
func (s *Scheduler) claim(task *store.Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sid := task.SessionID.String
	independent := !task.SessionID.Valid || sid == ""
	if !independent && s.runningSessions[sid] {
		return false
	}
	if task.Workdir != "" && s.runningWorkdirs[task.Workdir] {
		return false
	}
	// Only independent tasks count against the worker cap: session-bound
	// tasks are already serialised by session exclusivity.
	if independent && s.runningFree >= s.cfg.MaxTaskWorkers {
		return false
	}

	if !independent {
		s.runningSessions[sid] = true
	}
	if task.Workdir != "" {
		s.runningWorkdirs[task.Workdir] = true
	}
	if independent {
		s.runningFree++
	}
	s.runningTasks[task.ID] = func() {} // placeholder until the context exists
	return true
}

// release undoes claim.
func (s *Scheduler) release(task *store.Task, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.runningTasks, task.ID)
	delete(s.stoppingTasks, task.ID)
	if task.SessionID.Valid && task.SessionID.String != "" {
		delete(s.runningSessions, task.SessionID.String)
	}
	if sessionID != "" {
		delete(s.runningSessions, sessionID)
	}
	if task.Workdir != "" {
		delete(s.runningWorkdirs, task.Workdir)
	}
	if !task.SessionID.Valid || task.SessionID.String == "" {
		s.runningFree--
	}
}

func (s *Scheduler) isRunning(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runningTasks[taskID]
	return ok
}

func (s *Scheduler) backoff(taskID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.backoffUntil[taskID]
	return t, ok
}

// runTask executes one claimed task end to end and applies the outcome.
func (s *Scheduler) runTask(ctx context.Context, task *store.Task) {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.runningTasks[task.ID] = cancel
	delete(s.backoffUntil, task.ID)
	s.mu.Unlock()

	var allocatedSession string
	onStart := func(pid int, sessionID string) {
		allocatedSession = sessionID
		s.mu.Lock()
		if sessionID != "" {
			s.runningSessions[sessionID] = true
		}
		s.mu.Unlock()
		if err := s.store.MarkTaskInProgress(context.Background(), task.ID, int64(pid), sessionID); err != nil {
			s.logger.Error("failed to mark task in progress",
				zap.String("task_id", task.ID), zap.Error(err))
		}
		s.publishTransition(context.Background(), task.ID, store.TaskTodo, store.TaskInProgress)
	}

	s.logger.Info("dispatching task",
		zap.String("task_id", task.ID), zap.String("title", task.Title))
	outcome, err := s.engine.RunTask(taskCtx, task, onStart)
	if err != nil {
		s.logger.Error("task run failed", zap.String("task_id", task.ID), zap.Error(err))
	}

	s.mu.Lock()
	stopping := s.stoppingTasks[task.ID]
	s.mu.Unlock()

	s.release(task, allocatedSession)
	if !stopping {
		s.applyOutcome(context.Background(), task, outcome)
	}
	s.Kick()
}

// applyOutcome writes the terminal transition for a finished task run.
func (s *Scheduler) applyOutcome(ctx context.Context, task *store.Task, outcome session.TaskOutcome) {
	clearPID := int64(0)

	if outcome.Done {
		status := store.TaskDone
		reason := ""
		if err := s.store.UpdateTask(ctx, task.ID, store.TaskUpdate{
			Status:        &status,
			FailureReason: &reason,
			WorkerPID:     &clearPID,
		}); err != nil {
			s.logger.Error("failed to complete task", zap.String("task_id", task.ID), zap.Error(err))
			return
		}
		s.notifySource(task, "Task completed", fmt.Sprintf("%q finished.", task.Title), "info")
		s.publishTransition(ctx, task.ID, store.TaskInProgress, store.TaskDone)
		return
	}

	reason := outcome.FailureReason
	if reason == "" {
		reason = store.FailureException
	}

	if s.shouldRetry(task, reason) {
		attempt := task.RetryCount + 1
		status := store.TaskTodo
		if err := s.store.UpdateTask(ctx, task.ID, store.TaskUpdate{
			Status:        &status,
			FailureReason: &reason,
			RetryCount:    &attempt,
			WorkerPID:     &clearPID,
		}); err != nil {
			s.logger.Error("failed to requeue task", zap.String("task_id", task.ID), zap.Error(err))
			return
		}

		wait := retryBackoff(reason, attempt)
		s.mu.Lock()
		s.backoffUntil[task.ID] = time.Now().Add(wait)
		s.mu.Unlock()

		s.logger.Info("task requeued for retry",
			zap.String("task_id", task.ID),
			zap.String("reason", reason),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait))
		if task.SessionID.Valid && task.SessionID.String != "" {
			s.engine.EmitToSession(task.SessionID.String, ws.TypeTaskRetrying, ws.Marshal(ws.TaskFrame{
				Type:       ws.TypeTaskRetrying,
				SessionID:  task.SessionID.String,
				TaskID:     task.ID,
				RetryCount: attempt,
			}))
		}
		s.publishTransition(ctx, task.ID, store.TaskInProgress, store.TaskTodo)
		return
	}

	status := store.TaskCancelled
	if err := s.store.UpdateTask(ctx, task.ID, store.TaskUpdate{
		Status:        &status,
		FailureReason: &reason,
		WorkerPID:     &clearPID,
	}); err != nil {
		s.logger.Error("failed to cancel task", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	s.notifySource(task, "Task failed",
		fmt.Sprintf("%q was cancelled (%s).", task.Title, reason), "error")
	s.publishTransition(ctx, task.ID, store.TaskInProgress, store.TaskCancelled)
}

// shouldRetry applies the chain retry policy.
func (s *Scheduler) shouldRetry(task *store.Task, reason string) bool {
	if !task.ChainID.Valid || task.ChainID.String == "" {
		return false
	}
	if reason == store.FailureUserCancelled {
		return false
	}
	return task.RetryCount < s.cfg.TaskRetryLimit
}

func retryBackoff(reason string, attempt int) time.Duration {
	switch reason {
	case store.FailureRateLimited:
		wait := time.Duration(attempt) * rateLimitBackoffStep
		if wait > rateLimitBackoffMax {
			wait = rateLimitBackoffMax
		}
		return wait
	case store.FailureException:
		return exceptionBackoff
	default:
		return defaultBackoff
	}
}

// StopTask aborts a running task after it was manually moved out of
// in_progress. The scheduler skips the terminal transition; the manual move
// already chose the status.
func (s *Scheduler) StopTask(ctx context.Context, taskID string) {
	s.mu.Lock()
	cancel, running := s.runningTasks[taskID]
	if running {
		s.stoppingTasks[taskID] = true
	}
	s.mu.Unlock()

	if running {
		cancel()
		return
	}

	// Not ours (left over from a previous process): signal the recorded pid.
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	if task.WorkerPID.Valid && task.WorkerPID.Int64 > 0 {
		if err := syscall.Kill(int(task.WorkerPID.Int64), syscall.SIGTERM); err != nil && err != syscall.ESRCH {
			s.logger.Warn("failed to signal task worker",
				zap.String("task_id", taskID),
				zap.Int64("pid", task.WorkerPID.Int64),
				zap.Error(err))
		}
	}
}

func (s *Scheduler) notifySource(task *store.Task, title, detail, level string) {
	if !task.SourceSessionID.Valid || task.SourceSessionID.String == "" {
		return
	}
	s.engine.EmitToSession(task.SourceSessionID.String, ws.TypeNotification, ws.Marshal(ws.NotificationFrame{
		Type:   ws.TypeNotification,
		Level:  level,
		Title:  title,
		Detail: detail,
		TaskID: task.ID,
	}))
}

func (s *Scheduler) publishTransition(ctx context.Context, taskID, from, to string) {
	if err := s.bus.Publish(ctx, events.SubjectTaskTransition, events.TaskTransition(taskID, from, to)); err != nil {
		s.logger.Warn("failed to publish task transition", zap.Error(err))
	}
}
