package session

import (
	"context"

	"github.com/agentdeck/agentdeck/internal/proxy"
	"github.com/agentdeck/agentdeck/pkg/ws"
)

// Subscribe attaches conn to the session's event stream and replays enough
// state for the client to render the current turn: the accumulated text so
// far, pending questions, the queued chats, or an interruption marker when
// the engine died mid-turn.
func (e *Engine) Subscribe(ctx context.Context, conn proxy.Conn, sessionID string, noCatchUp bool) error {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	e.watchers.Subscribe(sessionID, conn)
	e.mu.Lock()
	if t := e.evict[sessionID]; t != nil {
		t.Stop()
		delete(e.evict, sessionID)
	}
	turn := e.turns[sessionID]
	e.mu.Unlock()

	if noCatchUp {
		return nil
	}

	switch {
	case turn != nil && turn.TaskID != "":
		// A task is running in this session: announce it and replay the text
		// produced so far.
		_ = conn.Send(ws.Marshal(ws.TaskFrame{
			Type:      ws.TypeTaskStarted,
			SessionID: sessionID,
			TaskID:    turn.TaskID,
		}))
		if text := e.BufferedText(sessionID); text != "" {
			_ = conn.Send(ws.Marshal(ws.TextFrame{
				Type: ws.TypeText, Text: text, CatchUp: true,
			}))
		}

	case turn != nil:
		// An interactive turn is in flight. The buffer replays everything
		// streamed so far, so queued text/thinking frames would duplicate it.
		if text := e.BufferedText(sessionID); text != "" {
			_ = conn.Send(ws.Marshal(ws.TextFrame{
				Type: ws.TypeText, Text: text, TabID: turn.TabID, CatchUp: true,
			}))
		}
		turn.Proxy.DropBufferedStream(ws.TypeText, ws.TypeThinking)
		turn.Proxy.Attach(conn)
		_ = conn.Send(ws.Marshal(ws.TaskFrame{
			Type:      ws.TypeTaskResumed,
			SessionID: sessionID,
			TabID:     turn.TabID,
		}))
		for _, frame := range e.ask.PendingFrames(sessionID) {
			_ = conn.Send(frame)
		}

	case sess.LastUserMsg.Valid && sess.LastUserMsg.String != "":
		// The engine died mid-turn: surface what survived so the client can
		// offer a retry.
		if sess.PartialText.Valid && sess.PartialText.String != "" {
			_ = conn.Send(ws.Marshal(ws.TextFrame{
				Type: ws.TypeText, Text: sess.PartialText.String, CatchUp: true,
			}))
		}
		_ = conn.Send(ws.Marshal(ws.TaskFrame{
			Type:       ws.TypeTaskInterrupted,
			SessionID:  sessionID,
			Prompt:     sess.LastUserMsg.String,
			RetryCount: sess.RetryCount,
		}))
	}

	e.sendQueueState(ctx, conn, sessionID)
	return nil
}

// ResumeTask reattaches a client to a running task session. The client gets
// the task banner plus the full replay a Subscribe would deliver.
func (e *Engine) ResumeTask(ctx context.Context, conn proxy.Conn, sessionID, tabID string) error {
	if err := e.Subscribe(ctx, conn, sessionID, true); err != nil {
		return err
	}

	turn := e.ActiveTurnFor(sessionID)
	frame := ws.TaskFrame{
		Type:      ws.TypeTaskResumed,
		SessionID: sessionID,
		TabID:     tabID,
	}
	if turn != nil {
		frame.TaskID = turn.TaskID
	}
	_ = conn.Send(ws.Marshal(frame))

	if text := e.BufferedText(sessionID); text != "" {
		_ = conn.Send(ws.Marshal(ws.TextFrame{
			Type: ws.TypeText, Text: text, TabID: tabID, CatchUp: true,
		}))
	}
	if turn != nil {
		turn.Proxy.DropBufferedStream(ws.TypeText, ws.TypeThinking)
		turn.Proxy.Attach(conn)
	}
	for _, f := range e.ask.PendingFrames(sessionID) {
		_ = conn.Send(f)
	}
	e.sendQueueState(ctx, conn, sessionID)
	return nil
}

// sendQueueState replays the persisted queued chats to one connection.
func (e *Engine) sendQueueState(ctx context.Context, conn proxy.Conn, sessionID string) {
	items, err := e.store.ListQueuedChats(ctx, sessionID)
	if err != nil || len(items) == 0 {
		return
	}
	frame := ws.QueueUpdateFrame{
		Type:    ws.TypeQueueUpdate,
		Pending: len(items),
		Items:   make([]ws.QueueItem, 0, len(items)),
	}
	for _, it := range items {
		frame.Items = append(frame.Items, ws.QueueItem{QueueID: it.ID, Text: it.Text})
	}
	_ = conn.Send(ws.Marshal(frame))
}

// TaskLost tells a session's subscribers that its task vanished (recovery
// reclassified it after a crash).
func (e *Engine) TaskLost(sessionID, taskID string) {
	e.EmitToSession(sessionID, ws.TypeTaskLost, ws.Marshal(ws.TaskFrame{
		Type:      ws.TypeTaskLost,
		SessionID: sessionID,
		TaskID:    taskID,
	}))
}
