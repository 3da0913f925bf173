package recovery

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/proxy"
	"github.com/agentdeck/agentdeck/internal/scheduler"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/skills"
	"github.com/agentdeck/agentdeck/internal/store"
)

func testSupervisor(t *testing.T) (*Supervisor, *store.Store) {
	t.Helper()
	log := logger.Default()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	cfg := config.EngineConfig{MaxTaskWorkers: 2, SchedulerIntervalSeconds: 15}
	engine := session.New(cfg, st, nil, skills.NewRegistry("", log),
		proxy.NewWatchers(), eventBus, "", "", "", log)
	sched := scheduler.New(cfg, st, engine, eventBus, log)
	return New(st, engine, sched, log), st
}

func TestRecoverChainTaskRequeues(t *testing.T) {
	s, st := testSupervisor(t)
	ctx := context.Background()

	task := &store.Task{
		Title:   "chained",
		Status:  store.TaskInProgress,
		ChainID: store.NullStr("chain-1"),
	}
	require.NoError(t, st.CreateTask(ctx, task))

	s.recoverTask(ctx, task)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskTodo, got.Status)
	assert.False(t, got.WorkerPID.Valid, "stale pid must be cleared")
}

func TestRecoverSessionWithOutputCountsAsDone(t *testing.T) {
	s, st := testSupervisor(t)
	ctx := context.Background()

	sess := &store.Session{Title: "s"}
	require.NoError(t, st.CreateSession(ctx, sess))
	require.NoError(t, st.AppendMessage(ctx, &store.Message{
		SessionID: sess.ID, Role: store.RoleAssistant, Type: store.MessageTypeText, Content: "work done",
	}))

	task := &store.Task{
		Title:     "with output",
		Status:    store.TaskInProgress,
		SessionID: store.NullStr(sess.ID),
	}
	require.NoError(t, st.CreateTask(ctx, task))

	s.recoverTask(ctx, task)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskDone, got.Status)
}

func TestRecoverSessionWithoutOutputRequeues(t *testing.T) {
	s, st := testSupervisor(t)
	ctx := context.Background()

	sess := &store.Session{Title: "s"}
	require.NoError(t, st.CreateSession(ctx, sess))

	task := &store.Task{
		Title:     "no output",
		Status:    store.TaskInProgress,
		SessionID: store.NullStr(sess.ID),
	}
	require.NoError(t, st.CreateTask(ctx, task))

	s.recoverTask(ctx, task)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskTodo, got.Status)
}

func TestRecoverSessionlessTaskRequeues(t *testing.T) {
	s, st := testSupervisor(t)
	ctx := context.Background()

	task := &store.Task{Title: "free", Status: store.TaskInProgress}
	require.NoError(t, st.CreateTask(ctx, task))

	s.recoverTask(ctx, task)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskTodo, got.Status)
}
