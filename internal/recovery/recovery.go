// Package recovery reclassifies tasks stranded in_progress by a previous
// process: their workers are signalled, their status is settled from what the
// session shows, and the scheduler is kicked to resume work.
package recovery

import (
	"context"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/scheduler"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/store"
)

// startDelay gives the rest of the process time to finish wiring before
// recovery signals old workers.
const startDelay = 3 * time.Second

// Supervisor runs the one-shot startup recovery pass.
type Supervisor struct {
	store  *store.Store
	engine *session.Engine
	sched  *scheduler.Scheduler
	logger *logger.Logger
}

// New creates a supervisor.
func New(st *store.Store, engine *session.Engine, sched *scheduler.Scheduler, log *logger.Logger) *Supervisor {
	return &Supervisor{
		store:  st,
		engine: engine,
		sched:  sched,
		logger: log.WithFields(zap.String("component", "recovery")),
	}
}

// Run performs the startup pass after a short delay. Safe to run in its own
// goroutine; returns when done or when ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(startDelay):
	}

	stranded, err := s.store.ListTasksByStatus(ctx, store.TaskInProgress)
	if err != nil {
		return err
	}
	if len(stranded) == 0 {
		return nil
	}
	s.logger.Info("recovering stranded tasks", zap.Int("count", len(stranded)))

	for _, task := range stranded {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.recoverTask(ctx, task)
	}
	s.sched.Kick()
	return nil
}

// recoverTask signals the old worker and settles the task's status: chain
// tasks always requeue; a sessionless run requeues; a session that already
// holds assistant text counts as done.
func (s *Supervisor) recoverTask(ctx context.Context, task *store.Task) {
	if task.WorkerPID.Valid && task.WorkerPID.Int64 > 0 {
		pid := int(task.WorkerPID.Int64)
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
			s.logger.Warn("failed to signal stale worker",
				zap.String("task_id", task.ID), zap.Int("pid", pid), zap.Error(err))
		}
	}

	status := store.TaskTodo
	switch {
	case task.ChainID.Valid && task.ChainID.String != "":
		// Chain tasks restart from todo so ordering is preserved.
	case task.SessionID.Valid && task.SessionID.String != "":
		hasText, err := s.store.HasAssistantText(ctx, task.SessionID.String)
		if err != nil {
			s.logger.Error("failed to inspect task session",
				zap.String("task_id", task.ID), zap.Error(err))
		} else if hasText {
			status = store.TaskDone
		}
	}

	clearPID := int64(0)
	if err := s.store.UpdateTask(ctx, task.ID, store.TaskUpdate{
		Status:    &status,
		WorkerPID: &clearPID,
	}); err != nil {
		s.logger.Error("failed to recover task",
			zap.String("task_id", task.ID), zap.Error(err))
		return
	}

	s.logger.Info("task recovered",
		zap.String("task_id", task.ID),
		zap.String("status", status))

	if task.SessionID.Valid && task.SessionID.String != "" {
		s.engine.TaskLost(task.SessionID.String, task.ID)
	}
}
