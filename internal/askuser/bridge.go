// Package askuser bridges tool-plugin questions to interactive clients. The
// plugin blocks on a loopback HTTP call while the question travels to the
// session's subscribers; the answer (or a sentinel) travels back.
package askuser

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/pkg/ws"
)

// Sentinel answers returned to the plugin when no real answer arrives.
const (
	AnswerSkipped      = "[Skipped by user]"
	AnswerTimeout      = "[No response — proceed with your best judgment.]"
	AnswerSessionEnded = "[Session ended]"
	AnswerCancelled    = "[Cancelled]"
)

// DefaultTimeout bounds how long a question stays pending.
const DefaultTimeout = 5 * time.Minute

// EmitFunc delivers a frame to a session's clients.
type EmitFunc func(sessionID, frameType string, data []byte)

type pendingQuestion struct {
	requestID string
	sessionID string
	questions []ws.Question
	answer    chan string
	timer     *time.Timer
}

// Bridge tracks pending questions per request id.
type Bridge struct {
	mu      sync.Mutex
	pending map[string]*pendingQuestion
	timeout time.Duration
	emit    EmitFunc
	logger  *logger.Logger
}

// NewBridge creates a bridge delivering frames via emit. A zero timeout uses
// DefaultTimeout.
func NewBridge(emit EmitFunc, timeout time.Duration, log *logger.Logger) *Bridge {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Bridge{
		pending: make(map[string]*pendingQuestion),
		timeout: timeout,
		emit:    emit,
		logger:  log.WithFields(zap.String("component", "askuser")),
	}
}

// Ask registers the questions under the caller's request id (minting one if
// absent), emits an ask_user frame to the session and blocks until an answer,
// cancellation, or the timeout. It always returns a non-empty answer string.
func (b *Bridge) Ask(ctx context.Context, requestID, sessionID string, questions []ws.Question) string {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	p := &pendingQuestion{
		requestID: requestID,
		sessionID: sessionID,
		questions: questions,
		answer:    make(chan string, 1),
	}

	b.mu.Lock()
	p.timer = time.AfterFunc(b.timeout, func() { b.expire(requestID) })
	b.pending[requestID] = p
	b.mu.Unlock()

	b.emit(sessionID, ws.TypeAskUser, ws.Marshal(askFrame(p)))
	b.logger.Debug("question pending",
		zap.String("session_id", sessionID),
		zap.String("request_id", requestID))

	select {
	case ans := <-p.answer:
		return ans
	case <-ctx.Done():
		b.resolve(requestID, AnswerCancelled, false)
		return AnswerCancelled
	}
}

// Resolve delivers the client's answer. Returns false if the request is
// unknown or already settled.
func (b *Bridge) Resolve(requestID, answer string) bool {
	return b.resolve(requestID, answer, false)
}

// Cancel skips a pending question on the client's request.
func (b *Bridge) Cancel(requestID string) bool {
	return b.resolve(requestID, AnswerSkipped, false)
}

// EndSession settles every pending question of the session with the given
// sentinel (AnswerSessionEnded on normal teardown, AnswerCancelled on stop).
func (b *Bridge) EndSession(sessionID, sentinel string) {
	b.mu.Lock()
	var ids []string
	for id, p := range b.pending {
		if p.sessionID == sessionID {
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.resolve(id, sentinel, false)
	}
}

// PendingFrames returns ask_user frames for the session's unanswered
// questions, for re-posting to a newly subscribed client.
func (b *Bridge) PendingFrames(sessionID string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	var frames [][]byte
	for _, p := range b.pending {
		if p.sessionID == sessionID {
			frames = append(frames, ws.Marshal(askFrame(p)))
		}
	}
	return frames
}

// expire fires on the question timer: the plugin gets the timeout sentinel
// and the client learns the question is gone.
func (b *Bridge) expire(requestID string) {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	b.mu.Unlock()
	if !ok {
		return
	}
	if b.resolve(requestID, AnswerTimeout, true) {
		b.emit(p.sessionID, ws.TypeAskUserTimeout, ws.Marshal(ws.AskUserTimeoutFrame{
			Type:      ws.TypeAskUserTimeout,
			RequestID: requestID,
		}))
	}
}

func (b *Bridge) resolve(requestID, answer string, fromTimer bool) bool {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
		if !fromTimer {
			p.timer.Stop()
		}
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	p.answer <- answer
	return true
}

func askFrame(p *pendingQuestion) ws.AskUserFrame {
	frame := ws.AskUserFrame{
		Type:      ws.TypeAskUser,
		RequestID: p.requestID,
		Questions: p.questions,
	}
	if len(p.questions) == 1 {
		frame.Question = p.questions[0].Question
	}
	return frame
}
