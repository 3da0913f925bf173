package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"), logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSessionCRUD(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	sess := &Session{Title: "New session", Workdir: "/tmp/project", Model: "fast"}
	require.NoError(t, st.CreateSession(ctx, sess))
	require.NotEmpty(t, sess.ID)

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "New session", got.Title)
	assert.Equal(t, "/tmp/project", got.Workdir)
	assert.Empty(t, got.SkillList())

	require.NoError(t, st.UpdateSession(ctx, sess.ID, SessionUpdate{
		Title:       Str("Renamed"),
		ResumeToken: Str("tok-1"),
		Skills:      []string{"review"},
	}))
	got, err = st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)
	assert.Equal(t, "tok-1", got.ResumeToken.String)
	assert.Equal(t, []string{"review"}, got.SkillList())

	// Empty string clears nullable columns.
	require.NoError(t, st.UpdateSession(ctx, sess.ID, SessionUpdate{ResumeToken: Str("")}))
	got, err = st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, got.ResumeToken.Valid)

	require.NoError(t, st.DeleteSession(ctx, sess.ID))
	_, err = st.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, st.DeleteSession(ctx, sess.ID), ErrNotFound)
}

func TestMessagesCascadeWithSession(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	sess := &Session{Title: "s"}
	require.NoError(t, st.CreateSession(ctx, sess))

	require.NoError(t, st.AppendMessage(ctx, &Message{
		SessionID: sess.ID, Role: RoleUser, Type: MessageTypeText, Content: "hi",
	}))
	require.NoError(t, st.AppendMessage(ctx, &Message{
		SessionID: sess.ID, Role: RoleAssistant, Type: MessageTypeText, Content: "hello",
	}))

	msgs, err := st.ListMessages(ctx, sess.ID, false, 100, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Content)

	require.NoError(t, st.DeleteSession(ctx, sess.ID))
	msgs, err = st.ListMessages(ctx, sess.ID, false, 100, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestListMessagesExcludeTools(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	sess := &Session{Title: "s"}
	require.NoError(t, st.CreateSession(ctx, sess))

	require.NoError(t, st.AppendMessage(ctx, &Message{
		SessionID: sess.ID, Role: RoleAssistant, Type: MessageTypeTool,
		Content: `{"cmd":"ls"}`, ToolName: NullStr("Bash"),
	}))
	require.NoError(t, st.AppendMessage(ctx, &Message{
		SessionID: sess.ID, Role: RoleAssistant, Type: MessageTypeText, Content: "done",
	}))

	msgs, err := st.ListMessages(ctx, sess.ID, true, 100, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageTypeText, msgs[0].Type)
}

func TestLatestUserMessageAndAssistantText(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	sess := &Session{Title: "s"}
	require.NoError(t, st.CreateSession(ctx, sess))

	latest, err := st.LatestUserMessage(ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, latest)

	has, err := st.HasAssistantText(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, st.AppendMessage(ctx, &Message{
		SessionID: sess.ID, Role: RoleUser, Type: MessageTypeText, Content: "first",
	}))
	require.NoError(t, st.AppendMessage(ctx, &Message{
		SessionID: sess.ID, Role: RoleUser, Type: MessageTypeText, Content: "second",
	}))

	latest, err = st.LatestUserMessage(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "second", latest.Content)

	require.NoError(t, st.AppendMessage(ctx, &Message{
		SessionID: sess.ID, Role: RoleAssistant, Type: MessageTypeText, Content: "reply",
	}))
	has, err = st.HasAssistantText(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestTaskCRUDAndDependencies(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	dep := &Task{Title: "dep", Status: TaskTodo}
	require.NoError(t, st.CreateTask(ctx, dep))

	task := &Task{
		Title:     "main",
		Status:    TaskTodo,
		Workdir:   "/tmp/wd",
		DependsOn: NullStr(EncodeList([]string{dep.ID})),
		ChainID:   NullStr("chain-1"),
	}
	require.NoError(t, st.CreateTask(ctx, task))
	require.NotEmpty(t, task.ID)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{dep.ID}, got.Dependencies())
	assert.Equal(t, "chain-1", got.ChainID.String)

	todos, err := st.ListTasksByStatus(ctx, TaskTodo)
	require.NoError(t, err)
	assert.Len(t, todos, 2)

	done := TaskDone
	require.NoError(t, st.UpdateTask(ctx, dep.ID, TaskUpdate{Status: &done}))
	todos, err = st.ListTasksByStatus(ctx, TaskTodo)
	require.NoError(t, err)
	assert.Len(t, todos, 1)

	require.NoError(t, st.DeleteTask(ctx, task.ID))
	_, err = st.GetTask(ctx, task.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkTaskInProgress(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	sess := &Session{Title: "s"}
	require.NoError(t, st.CreateSession(ctx, sess))
	task := &Task{Title: "t", Status: TaskTodo}
	require.NoError(t, st.CreateTask(ctx, task))

	require.NoError(t, st.MarkTaskInProgress(ctx, task.ID, 4242, sess.ID))

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskInProgress, got.Status)
	assert.Equal(t, int64(4242), got.WorkerPID.Int64)
	assert.Equal(t, sess.ID, got.SessionID.String)
}

func TestQueuedChatsFIFO(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	sess := &Session{Title: "s"}
	require.NoError(t, st.CreateSession(ctx, sess))

	first, err := st.EnqueueChat(ctx, sess.ID, "first")
	require.NoError(t, err)
	_, err = st.EnqueueChat(ctx, sess.ID, "second")
	require.NoError(t, err)

	items, err := st.ListQueuedChats(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "first", items[0].Text)

	require.NoError(t, st.UpdateQueuedChat(ctx, first.ID, "first edited"))
	got, err := st.GetQueuedChat(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "first edited", got.Text)

	head, err := st.PopQueuedChat(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, "first edited", head.Text)

	head, err = st.PopQueuedChat(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "second", head.Text)

	head, err = st.PopQueuedChat(ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, head)
}

func TestSetPartialText(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	sess := &Session{Title: "s"}
	require.NoError(t, st.CreateSession(ctx, sess))

	require.NoError(t, st.SetPartialText(ctx, sess.ID, "streaming so far"))
	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "streaming so far", got.PartialText.String)

	require.NoError(t, st.SetPartialText(ctx, sess.ID, ""))
	got, err = st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, got.PartialText.Valid)
}

func TestCleanupSessionsHonorsTTL(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	old := &Session{Title: "old"}
	require.NoError(t, st.CreateSession(ctx, old))
	fresh := &Session{Title: "fresh"}
	require.NoError(t, st.CreateSession(ctx, fresh))

	// Age the first session past the TTL.
	_, err := st.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-48*time.Hour), old.ID)
	require.NoError(t, err)

	removed, err := st.CleanupSessions(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = st.GetSession(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.GetSession(ctx, fresh.ID)
	assert.NoError(t, err)
}
