// Package session drives assistant turns: interactive chat turns started by
// clients and kanban task turns started by the scheduler. It owns the active
// turn registry, the per-session text buffers used for catch-up, and the
// queued-chat drain.
package session

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/askuser"
	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/proxy"
	"github.com/agentdeck/agentdeck/internal/runner"
	"github.com/agentdeck/agentdeck/internal/skills"
	"github.com/agentdeck/agentdeck/internal/store"
)

// partialTextEvery batches partial_text persistence to every Nth text chunk.
const partialTextEvery = 5

// Internal tool names never persisted as tool messages.
var internalTools = map[string]bool{
	"ask_user":    true,
	"notify_user": true,
}

// ActiveTurn is one in-flight assistant turn.
type ActiveTurn struct {
	SessionID string
	TaskID    string // empty for interactive chat turns
	TabID     string
	Proxy     *proxy.Proxy
	StartedAt time.Time

	cancel    context.CancelFunc
	cancelled atomic.Bool // set by StopTurn before cancel fires
	pid       int
}

// Engine coordinates turns across sessions.
type Engine struct {
	cfg      config.EngineConfig
	store    *store.Store
	runner   *runner.Runner
	skills   *skills.Registry
	watchers *proxy.Watchers
	bus      bus.EventBus
	logger   *logger.Logger

	// Loopback coordinates handed to the tool plugin via its environment.
	loopbackURL    string
	loopbackSecret string
	toolsBin       string

	ask *askuser.Bridge // set via SetAskBridge after construction

	mu      sync.Mutex
	turns   map[string]*ActiveTurn // session id -> turn
	buffers map[string]*turnBuffer // session id -> accumulated text
	evict   map[string]*time.Timer // session id -> idle eviction timer
	prompts *promptCache
}

// turnBuffer accumulates streamed text for catch-up and final persistence.
type turnBuffer struct {
	sb     strings.Builder
	chunks int
}

// New creates the engine. Call SetAskBridge before starting any turn.
func New(cfg config.EngineConfig, st *store.Store, run *runner.Runner, sk *skills.Registry,
	watchers *proxy.Watchers, eventBus bus.EventBus, toolsBin, loopbackURL, loopbackSecret string,
	log *logger.Logger) *Engine {
	return &Engine{
		cfg:            cfg,
		store:          st,
		runner:         run,
		skills:         sk,
		watchers:       watchers,
		bus:            eventBus,
		logger:         log.WithFields(zap.String("component", "session")),
		loopbackURL:    loopbackURL,
		loopbackSecret: loopbackSecret,
		toolsBin:       toolsBin,
		turns:          make(map[string]*ActiveTurn),
		buffers:        make(map[string]*turnBuffer),
		evict:          make(map[string]*time.Timer),
		prompts:        newPromptCache(),
	}
}

// SetAskBridge installs the ask-user bridge. The bridge is built after the
// engine because it emits through EmitToSession.
func (e *Engine) SetAskBridge(b *askuser.Bridge) { e.ask = b }

// ActiveTurnFor returns the in-flight turn for the session, or nil.
func (e *Engine) ActiveTurnFor(sessionID string) *ActiveTurn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.turns[sessionID]
}

// EmitToSession routes a frame to the session's clients: the turn proxy
// (which buffers while detached) plus every other subscriber. With no active
// turn the frame goes to subscribers only.
func (e *Engine) EmitToSession(sessionID, frameType string, data []byte) {
	e.mu.Lock()
	turn := e.turns[sessionID]
	e.mu.Unlock()

	if turn != nil {
		turn.Proxy.Send(frameType, data)
		e.watchers.BroadcastExcept(sessionID, data, turn.Proxy.Current())
		return
	}
	e.watchers.BroadcastToSession(sessionID, data)
}

// registerTurn installs a turn for the session. Returns false when one is
// already in flight.
func (e *Engine) registerTurn(turn *ActiveTurn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.turns[turn.SessionID]; busy {
		return false
	}
	e.turns[turn.SessionID] = turn
	if _, ok := e.buffers[turn.SessionID]; !ok {
		e.buffers[turn.SessionID] = &turnBuffer{}
	}
	if t := e.evict[turn.SessionID]; t != nil {
		t.Stop()
		delete(e.evict, turn.SessionID)
	}
	return true
}

// removeTurn drops the turn and its buffer.
func (e *Engine) removeTurn(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.turns, sessionID)
	delete(e.buffers, sessionID)
	if t := e.evict[sessionID]; t != nil {
		t.Stop()
		delete(e.evict, sessionID)
	}
}

func (e *Engine) buffer(sessionID string) *turnBuffer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buffers[sessionID]
}

// BufferedText returns the accumulated text for a session's in-flight turn.
func (e *Engine) BufferedText(sessionID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b := e.buffers[sessionID]; b != nil {
		return b.sb.String()
	}
	return ""
}

// StopTurn cancels the in-flight turn for the session. Pending questions are
// settled with the cancelled sentinel.
func (e *Engine) StopTurn(sessionID string) bool {
	e.mu.Lock()
	turn := e.turns[sessionID]
	e.mu.Unlock()
	if turn != nil {
		turn.cancelled.Store(true)
	}

	if turn == nil {
		return false
	}
	e.ask.EndSession(sessionID, askuser.AnswerCancelled)
	turn.cancel()
	e.logger.Info("turn stopped", zap.String("session_id", sessionID))
	return true
}

// StopAll cancels every in-flight turn. Used during shutdown.
func (e *Engine) StopAll() {
	e.mu.Lock()
	turns := make([]*ActiveTurn, 0, len(e.turns))
	for _, t := range e.turns {
		t.cancelled.Store(true)
		turns = append(turns, t)
	}
	e.mu.Unlock()

	for _, t := range turns {
		e.ask.EndSession(t.SessionID, askuser.AnswerCancelled)
		t.cancel()
	}
}

// ClientGone detaches the connection everywhere and arms the idle eviction
// timer for turns left with no watcher.
func (e *Engine) ClientGone(conn proxy.Conn) {
	e.watchers.UnsubscribeAll(conn)

	e.mu.Lock()
	defer e.mu.Unlock()
	for sessionID, turn := range e.turns {
		turn.Proxy.Detach(conn)
		if turn.Proxy.Attached() || e.watchers.Count(sessionID) > 0 {
			continue
		}
		e.armEvictionLocked(sessionID)
	}
}

// armEvictionLocked schedules cancellation of an unwatched turn. Callers hold
// e.mu.
func (e *Engine) armEvictionLocked(sessionID string) {
	if _, ok := e.evict[sessionID]; ok {
		return
	}
	idle := e.cfg.IdleEviction()
	if idle <= 0 {
		return
	}
	e.evict[sessionID] = time.AfterFunc(idle, func() {
		e.logger.Info("evicting unwatched turn", zap.String("session_id", sessionID))
		e.StopTurn(sessionID)
	})
}

// deriveTitle builds a session title from the first line of the prompt.
func deriveTitle(prompt string) string {
	line := prompt
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "New session"
	}
	runes := []rune(line)
	if len(runes) > 80 {
		return string(runes[:77]) + "..."
	}
	return line
}
