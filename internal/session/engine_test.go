package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/askuser"
	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/proxy"
	"github.com/agentdeck/agentdeck/internal/skills"
	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/pkg/ws"
)

// fakeConn records frames delivered through the watcher fan-out.
type fakeConn struct {
	mu   sync.Mutex
	sent [][]byte
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeConn) frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func TestDeriveTitle(t *testing.T) {
	assert.Equal(t, "Fix the login bug", deriveTitle("Fix the login bug"))
	assert.Equal(t, "First line", deriveTitle("First line\nsecond line\nthird"))
	assert.Equal(t, "Trimmed", deriveTitle("   Trimmed   \nrest"))
	assert.Equal(t, "New session", deriveTitle(""))
	assert.Equal(t, "New session", deriveTitle("   \nbody"))

	long := strings.Repeat("x", 100)
	title := deriveTitle(long)
	assert.Len(t, []rune(title), 80)
	assert.True(t, strings.HasSuffix(title, "..."))
}

func TestPromptCacheFIFO(t *testing.T) {
	c := newPromptCache()

	for i := 0; i < promptCacheMax; i++ {
		c.put(fmt.Sprintf("key-%d", i), "val")
	}
	_, ok := c.get("key-0")
	require.True(t, ok)

	// One more evicts the oldest entry only.
	c.put("overflow", "val")
	_, ok = c.get("key-0")
	assert.False(t, ok)
	_, ok = c.get("key-1")
	assert.True(t, ok)
	_, ok = c.get("overflow")
	assert.True(t, ok)
}

func TestPromptCacheUpdateDoesNotDuplicate(t *testing.T) {
	c := newPromptCache()
	c.put("k", "v1")
	c.put("k", "v2")

	v, ok := c.get("k")
	require.True(t, ok)
	assert.Equal(t, "v2", v)
	assert.Len(t, c.order, 1)
}

func testEngine(t *testing.T, skillsPath string) *Engine {
	t.Helper()
	log := logger.Default()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	e := New(config.EngineConfig{MaxAutoContinues: 3}, st, nil,
		skills.NewRegistry(skillsPath, log), proxy.NewWatchers(), eventBus,
		"", "", "", log)
	e.SetAskBridge(askuser.NewBridge(e.EmitToSession, time.Second, log))
	return e
}

func TestSystemPromptWithoutSkills(t *testing.T) {
	e := testEngine(t, "")

	prompt := e.systemPrompt(nil)
	assert.Contains(t, prompt, baseDirective)
	assert.Contains(t, prompt, toolDirective)
	assert.NotContains(t, prompt, "## Skill:")
}

func TestSystemPromptIncludesSkillDocs(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "skills.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{
		"skills": [{"name": "review", "doc": "review.md"}]
	}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "review.md"),
		[]byte("Always check error paths."), 0o644))

	e := testEngine(t, cfgPath)

	prompt := e.systemPrompt([]string{"review"})
	assert.Contains(t, prompt, "## Skill: review")
	assert.Contains(t, prompt, "Always check error paths.")

	// Second assembly hits the cache and must match.
	assert.Equal(t, prompt, e.systemPrompt([]string{"review"}))
}

func TestStopTurnMarksCancelled(t *testing.T) {
	e := testEngine(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	turn := &ActiveTurn{SessionID: "s1", Proxy: proxy.New(logger.Default()), cancel: cancel}
	require.True(t, e.registerTurn(turn))

	require.True(t, e.StopTurn("s1"))
	assert.True(t, turn.cancelled.Load())
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	assert.False(t, e.StopTurn("other"))
}

func TestFinishChatTurnKeepsInterruptedState(t *testing.T) {
	e := testEngine(t, "")
	ctx := context.Background()

	sess := &store.Session{Title: "s"}
	require.NoError(t, e.store.CreateSession(ctx, sess))
	require.NoError(t, e.store.UpdateSession(ctx, sess.ID, store.SessionUpdate{
		LastUserMsg: store.Str("fix the bug"),
	}))

	turn := &ActiveTurn{SessionID: sess.ID, Proxy: proxy.New(logger.Default()), cancel: func() {}}
	require.True(t, e.registerTurn(turn))
	e.buffer(sess.ID).sb.WriteString("partial output")
	turn.cancelled.Store(true)

	e.finishChatTurn(ctx, turn, sess, time.Now(), "")

	// A cancelled turn leaves the interruption markers for the next
	// subscriber and persists nothing as a final message.
	got, err := e.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "fix the bug", got.LastUserMsg.String)
	assert.Equal(t, "partial output", got.PartialText.String)

	has, err := e.store.HasAssistantText(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestFinishChatTurnClearsStateOnCompletion(t *testing.T) {
	e := testEngine(t, "")
	ctx := context.Background()

	sess := &store.Session{Title: "s"}
	require.NoError(t, e.store.CreateSession(ctx, sess))
	require.NoError(t, e.store.UpdateSession(ctx, sess.ID, store.SessionUpdate{
		LastUserMsg: store.Str("fix the bug"),
		PartialText: store.Str("partial"),
	}))

	turn := &ActiveTurn{SessionID: sess.ID, Proxy: proxy.New(logger.Default()), cancel: func() {}}
	require.True(t, e.registerTurn(turn))
	e.buffer(sess.ID).sb.WriteString("full answer")

	e.finishChatTurn(ctx, turn, sess, time.Now(), "")

	got, err := e.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, got.LastUserMsg.Valid)
	assert.False(t, got.PartialText.Valid)

	has, err := e.store.HasAssistantText(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestStartStatusReportsThinking(t *testing.T) {
	var frame ws.StatusFrame
	require.NoError(t, json.Unmarshal(startStatus("t1"), &frame))
	assert.Equal(t, ws.TypeStatus, frame.Type)
	assert.Equal(t, "thinking", frame.Status)
	assert.Equal(t, "t1", frame.TabID)
}

func TestIncompleteNoticeReachesWatchers(t *testing.T) {
	e := testEngine(t, "")

	conn := &fakeConn{}
	e.watchers.Subscribe("s1", conn)

	e.emitIncomplete("s1")

	frames := conn.frames()
	require.Len(t, frames, 1)
	var n ws.NotificationFrame
	require.NoError(t, json.Unmarshal(frames[0], &n))
	assert.Equal(t, ws.TypeNotification, n.Type)
	assert.Equal(t, "warning", n.Level)
	assert.Contains(t, n.Title, "did not complete")
}

func TestActiveTurnBookkeeping(t *testing.T) {
	e := testEngine(t, "")

	turn := &ActiveTurn{SessionID: "s1", Proxy: proxy.New(logger.Default())}
	require.True(t, e.registerTurn(turn))
	assert.False(t, e.registerTurn(&ActiveTurn{SessionID: "s1"}), "one turn per session")
	assert.Equal(t, turn, e.ActiveTurnFor("s1"))

	e.removeTurn("s1")
	assert.Nil(t, e.ActiveTurnFor("s1"))
	assert.True(t, e.registerTurn(turn))
}
