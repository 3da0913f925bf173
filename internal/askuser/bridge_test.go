package askuser

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/pkg/ws"
)

// frameRecorder captures emitted frames across goroutines.
type frameRecorder struct {
	mu     sync.Mutex
	frames []recordedFrame
}

type recordedFrame struct {
	sessionID string
	frameType string
	data      []byte
}

func (r *frameRecorder) emit(sessionID, frameType string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, recordedFrame{sessionID, frameType, data})
}

func (r *frameRecorder) waitFor(t *testing.T, frameType string) recordedFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for _, f := range r.frames {
			if f.frameType == frameType {
				r.mu.Unlock()
				return f
			}
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s frame emitted", frameType)
	return recordedFrame{}
}

func requestIDOf(t *testing.T, f recordedFrame) string {
	t.Helper()
	var frame ws.AskUserFrame
	require.NoError(t, json.Unmarshal(f.data, &frame))
	require.NotEmpty(t, frame.RequestID)
	return frame.RequestID
}

func TestAskResolve(t *testing.T) {
	rec := &frameRecorder{}
	b := NewBridge(rec.emit, time.Minute, logger.Default())

	done := make(chan string, 1)
	go func() {
		done <- b.Ask(context.Background(), "", "s1", []ws.Question{{Question: "Proceed?"}})
	}()

	frame := rec.waitFor(t, ws.TypeAskUser)
	assert.Equal(t, "s1", frame.sessionID)
	requestID := requestIDOf(t, frame)

	require.True(t, b.Resolve(requestID, "yes"))
	assert.Equal(t, "yes", <-done)

	// Settled questions cannot resolve twice.
	assert.False(t, b.Resolve(requestID, "again"))
}

func TestAskCallerSuppliedRequestID(t *testing.T) {
	rec := &frameRecorder{}
	b := NewBridge(rec.emit, time.Minute, logger.Default())

	done := make(chan string, 1)
	go func() {
		done <- b.Ask(context.Background(), "r1", "s1",
			[]ws.Question{{Question: "A or B?", Options: []string{"A", "B"}}})
	}()

	// The caller's id survives to the frame and keys the pending entry.
	frame := rec.waitFor(t, ws.TypeAskUser)
	assert.Equal(t, "r1", requestIDOf(t, frame))

	require.True(t, b.Resolve("r1", "A"))
	assert.Equal(t, "A", <-done)
}

func TestAskCancel(t *testing.T) {
	rec := &frameRecorder{}
	b := NewBridge(rec.emit, time.Minute, logger.Default())

	done := make(chan string, 1)
	go func() {
		done <- b.Ask(context.Background(), "", "s1", []ws.Question{{Question: "Pick one", Options: []string{"a", "b"}}})
	}()

	requestID := requestIDOf(t, rec.waitFor(t, ws.TypeAskUser))
	require.True(t, b.Cancel(requestID))
	assert.Equal(t, AnswerSkipped, <-done)
}

func TestAskTimeout(t *testing.T) {
	rec := &frameRecorder{}
	b := NewBridge(rec.emit, 20*time.Millisecond, logger.Default())

	answer := b.Ask(context.Background(), "", "s1", []ws.Question{{Question: "Still there?"}})
	assert.Equal(t, AnswerTimeout, answer)

	// The client is told the question expired.
	timeoutFrame := rec.waitFor(t, ws.TypeAskUserTimeout)
	assert.Equal(t, "s1", timeoutFrame.sessionID)
}

func TestAskContextCancelled(t *testing.T) {
	rec := &frameRecorder{}
	b := NewBridge(rec.emit, time.Minute, logger.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan string, 1)
	go func() {
		done <- b.Ask(ctx, "", "s1", []ws.Question{{Question: "?"}})
	}()

	rec.waitFor(t, ws.TypeAskUser)
	cancel()
	assert.Equal(t, AnswerCancelled, <-done)
}

func TestEndSessionSettlesAllPending(t *testing.T) {
	rec := &frameRecorder{}
	b := NewBridge(rec.emit, time.Minute, logger.Default())

	done := make(chan string, 2)
	for i := 0; i < 2; i++ {
		go func() {
			done <- b.Ask(context.Background(), "", "s1", []ws.Question{{Question: "?"}})
		}()
	}

	// Both questions must be pending before teardown.
	deadline := time.Now().Add(2 * time.Second)
	for len(b.PendingFrames("s1")) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Len(t, b.PendingFrames("s1"), 2)

	b.EndSession("s1", AnswerSessionEnded)
	assert.Equal(t, AnswerSessionEnded, <-done)
	assert.Equal(t, AnswerSessionEnded, <-done)
	assert.Empty(t, b.PendingFrames("s1"))
}

func TestPendingFramesScopedToSession(t *testing.T) {
	rec := &frameRecorder{}
	b := NewBridge(rec.emit, time.Minute, logger.Default())

	go b.Ask(context.Background(), "", "s1", []ws.Question{{Question: "?"}})
	go b.Ask(context.Background(), "", "s2", []ws.Question{{Question: "?"}})

	deadline := time.Now().Add(2 * time.Second)
	for (len(b.PendingFrames("s1")) < 1 || len(b.PendingFrames("s2")) < 1) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	assert.Len(t, b.PendingFrames("s1"), 1)
	assert.Len(t, b.PendingFrames("s2"), 1)

	b.EndSession("s1", AnswerSessionEnded)
	b.EndSession("s2", AnswerSessionEnded)
}

func TestResolveUnknownRequest(t *testing.T) {
	b := NewBridge(func(string, string, []byte) {}, time.Minute, logger.Default())
	assert.False(t, b.Resolve("nope", "answer"))
	assert.False(t, b.Cancel("nope"))
}
