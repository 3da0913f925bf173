package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/askuser"
	"github.com/agentdeck/agentdeck/internal/codec"
	"github.com/agentdeck/agentdeck/internal/proxy"
	"github.com/agentdeck/agentdeck/internal/runner"
	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/pkg/ws"
)

// Status values reported over the status frame.
const (
	statusThinking = "thinking"
	statusIdle     = "idle"
)

// startStatus is the first frame of a turn, sent as soon as the subprocess
// spawns.
func startStatus(tabID string) []byte {
	return ws.Marshal(ws.StatusFrame{Type: ws.TypeStatus, Status: statusThinking, TabID: tabID})
}

// StartChat resolves the target session and either starts a turn or queues
// the message behind the one in flight. Returns the session id the client
// should track.
func (e *Engine) StartChat(ctx context.Context, req ws.ChatRequest, conn proxy.Conn) (string, error) {
	sess, isNew, err := e.resolveSession(ctx, req)
	if err != nil {
		return "", err
	}

	// A turn in flight queues the message instead.
	if e.ActiveTurnFor(sess.ID) != nil {
		if _, err := e.store.EnqueueChat(ctx, sess.ID, req.Text); err != nil {
			return "", fmt.Errorf("failed to queue chat: %w", err)
		}
		e.emitQueueUpdate(ctx, sess.ID, req.TabID)
		return sess.ID, nil
	}

	e.watchers.Subscribe(sess.ID, conn)
	_ = conn.Send(ws.Marshal(ws.SessionStarted{
		Type:      ws.TypeSessionStarted,
		SessionID: sess.ID,
		TabID:     req.TabID,
	}))
	if isNew {
		e.EmitToSession(sess.ID, ws.TypeSessionTitle, ws.Marshal(ws.SessionTitle{
			Type:      ws.TypeSessionTitle,
			SessionID: sess.ID,
			Title:     sess.Title,
			TabID:     req.TabID,
		}))
	}

	turnCtx, cancel := context.WithCancel(context.Background())
	turn := &ActiveTurn{
		SessionID: sess.ID,
		TabID:     req.TabID,
		Proxy:     proxy.New(e.logger),
		StartedAt: time.Now(),
		cancel:    cancel,
	}
	if !e.registerTurn(turn) {
		cancel()
		return sess.ID, nil
	}
	turn.Proxy.Attach(conn)

	attachments := make([]runner.Attachment, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		attachments = append(attachments, runner.Attachment{Name: a.Name, Data: a.Data})
	}

	go e.runChatTurn(turnCtx, turn, sess, req.Text, attachments, req.MaxTurns)
	return sess.ID, nil
}

// resolveSession loads the requested session, starting a fresh one when none
// was given or the workdir moved.
func (e *Engine) resolveSession(ctx context.Context, req ws.ChatRequest) (*store.Session, bool, error) {
	if req.SessionID != "" {
		sess, err := e.store.GetSession(ctx, req.SessionID)
		switch {
		case err == store.ErrNotFound:
			// fall through to create
		case err != nil:
			return nil, false, err
		case req.Workdir != "" && sess.Workdir != "" && req.Workdir != sess.Workdir:
			e.logger.Info("workdir changed, starting new session",
				zap.String("session_id", sess.ID),
				zap.String("workdir", req.Workdir))
		default:
			return sess, false, nil
		}
	}

	sess := &store.Session{
		Title:      deriveTitle(req.Text),
		Skills:     store.EncodeList(req.Skills),
		MCPServers: store.EncodeList(req.MCPServers),
		Mode:       req.Mode,
		AgentMode:  req.AgentMode,
		Model:      req.Model,
		Workdir:    req.Workdir,
	}
	if err := e.store.CreateSession(ctx, sess); err != nil {
		return nil, false, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, true, nil
}

// runChatTurn drives one interactive turn to completion, auto-continuing
// where the assistant stopped short.
func (e *Engine) runChatTurn(ctx context.Context, turn *ActiveTurn, sess *store.Session, text string, attachments []runner.Attachment, maxTurns int) {
	pctx := context.Background() // persistence must survive turn cancellation
	started := time.Now()

	e.recordUserMessage(pctx, sess, text)

	systemPrompt := e.systemPrompt(sess.SkillList())
	prompt := text
	continues := 0

	var outcomeErr string
	for {
		res, errMsg := e.runOnce(ctx, turn, sess, prompt, attachments, systemPrompt, maxTurns)
		attachments = nil // only the first run carries them

		if turn.cancelled.Load() || ctx.Err() != nil {
			break
		}

		if res != nil && res.Subtype == codec.ResultSuccess {
			break
		}

		if res != nil && res.Subtype == codec.ResultMaxBudgetUSD {
			e.EmitToSession(sess.ID, ws.TypeNotification, ws.Marshal(ws.NotificationFrame{
				Type:  ws.TypeNotification,
				Level: "warning",
				Title: "Budget limit reached",
				Detail: "The assistant stopped because the cost budget was exhausted. " +
					"Send a new message to continue.",
			}))
			break
		}

		if continues >= e.cfg.MaxAutoContinues {
			// runOnce already surfaced process errors; a clean exit without a
			// success result still needs a visible notice.
			if errMsg == "" && res != nil {
				errMsg = "assistant stopped without finishing (" + res.Subtype + ")"
				e.emitIncomplete(sess.ID)
			}
			outcomeErr = errMsg
			break
		}
		continues++

		if res != nil && res.Subtype == codec.ResultMaxTurns {
			e.EmitToSession(sess.ID, ws.TypeNotification, ws.Marshal(ws.NotificationFrame{
				Type:  ws.TypeNotification,
				Title: fmt.Sprintf("Auto-continuing (%d/%d)", continues, e.cfg.MaxAutoContinues),
			}))
		}
		// Other non-success results and transient process errors continue
		// silently on the resume token.
		prompt = continuationPrompt
	}

	e.finishChatTurn(pctx, turn, sess, started, outcomeErr)
}

// recordUserMessage appends the user message, or bumps retry_count when the
// client re-sent the latest prompt.
func (e *Engine) recordUserMessage(ctx context.Context, sess *store.Session, text string) {
	latest, err := e.store.LatestUserMessage(ctx, sess.ID)
	if err == nil && latest != nil && latest.Content == text {
		if uerr := e.store.UpdateSession(ctx, sess.ID, store.SessionUpdate{
			RetryCount:  store.Int(sess.RetryCount + 1),
			LastUserMsg: store.Str(text),
		}); uerr != nil {
			e.logger.Error("failed to bump retry count", zap.Error(uerr))
		}
		return
	}

	if err := e.store.AppendMessage(ctx, &store.Message{
		SessionID: sess.ID,
		Role:      store.RoleUser,
		Type:      store.MessageTypeText,
		Content:   text,
	}); err != nil {
		e.logger.Error("failed to persist user message", zap.Error(err))
	}
	if err := e.store.UpdateSession(ctx, sess.ID, store.SessionUpdate{
		RetryCount:  store.Int(0),
		LastUserMsg: store.Str(text),
	}); err != nil {
		e.logger.Error("failed to set last user message", zap.Error(err))
	}
}

// runOnce executes a single subprocess invocation, streaming its events to
// the session's clients. Returns the terminal result (nil when the process
// died without one) and the surfaced error message, if any.
func (e *Engine) runOnce(ctx context.Context, turn *ActiveTurn, sess *store.Session, prompt string,
	attachments []runner.Attachment, systemPrompt string, maxTurns int) (*codec.Result, string) {
	pctx := context.Background()
	tabID := turn.TabID

	plugins := e.skills.Plugins(sess.SkillList(), sess.PluginList())
	plugins["agentdeck"] = runner.PluginConfig{
		Command: e.toolsBin,
		Env: map[string]string{
			"AGENTDECK_SESSION_ID":      sess.ID,
			"AGENTDECK_LOOPBACK_URL":    e.loopbackURL,
			"AGENTDECK_LOOPBACK_SECRET": e.loopbackSecret,
		},
	}

	var result *codec.Result
	var errMsg string

	resume := ""
	if sess.ResumeToken.Valid {
		resume = sess.ResumeToken.String
	}

	req := runner.Request{
		Prompt:       prompt,
		SystemPrompt: systemPrompt,
		ResumeToken:  resume,
		Model:        sess.Model,
		MaxTurns:     maxTurns,
		ToolPlugins:  plugins,
		Attachments:  attachments,
		Workdir:      sess.Workdir,
	}

	cb := runner.Callbacks{
		OnStart: func(pid int) {
			e.mu.Lock()
			turn.pid = pid
			e.mu.Unlock()
			e.EmitToSession(sess.ID, ws.TypeStatus, startStatus(tabID))
		},
		OnSessionID: func(token string) {
			sess.ResumeToken = sql.NullString{String: token, Valid: true}
			if err := e.store.UpdateSession(pctx, sess.ID, store.SessionUpdate{
				ResumeToken: store.Str(token),
			}); err != nil {
				e.logger.Error("failed to persist resume token", zap.Error(err))
			}
		},
		OnText: func(index int, text string) {
			buf := e.buffer(sess.ID)
			if buf != nil {
				buf.sb.WriteString(text)
				buf.chunks++
				if buf.chunks%partialTextEvery == 0 {
					if err := e.store.SetPartialText(pctx, sess.ID, buf.sb.String()); err != nil {
						e.logger.Error("failed to persist partial text", zap.Error(err))
					}
				}
			}
			e.EmitToSession(sess.ID, ws.TypeText, ws.Marshal(ws.TextFrame{
				Type: ws.TypeText, Text: text, TabID: tabID,
			}))
		},
		OnThinking: func(index int, text string) {
			e.EmitToSession(sess.ID, ws.TypeThinking, ws.Marshal(ws.ThinkingFrame{
				Type: ws.TypeThinking, Text: text, TabID: tabID,
			}))
		},
		OnTool: func(name string, input json.RawMessage) {
			if !internalTools[name] {
				if err := e.store.AppendMessage(pctx, &store.Message{
					SessionID: sess.ID,
					Role:      store.RoleAssistant,
					Type:      store.MessageTypeTool,
					Content:   string(input),
					ToolName:  sql.NullString{String: name, Valid: true},
				}); err != nil {
					e.logger.Error("failed to persist tool message", zap.Error(err))
				}
			}
			e.EmitToSession(sess.ID, ws.TypeTool, ws.Marshal(ws.ToolFrame{
				Type: ws.TypeTool, Tool: name, Input: string(input), TabID: tabID,
			}))
		},
		OnRateLimit: func(info json.RawMessage) {
			e.EmitToSession(sess.ID, ws.TypeRateLimit, ws.Marshal(ws.RateLimitFrame{
				Type: ws.TypeRateLimit, Info: info,
			}))
		},
		OnResult: func(res codec.Result) {
			result = &res
		},
		OnError: func(msg string) {
			errMsg = msg
		},
	}

	if err := e.runner.Run(ctx, req, cb); err != nil && errMsg == "" {
		errMsg = err.Error()
	}

	if errMsg != "" && !turn.cancelled.Load() {
		e.EmitToSession(sess.ID, ws.TypeError, ws.Marshal(ws.ErrorFrame{
			Type: ws.TypeError, Error: errMsg, TabID: tabID,
		}))
	}
	return result, errMsg
}

// emitIncomplete tells the session's clients the turn ran out of
// auto-continues without a terminal result.
func (e *Engine) emitIncomplete(sessionID string) {
	e.EmitToSession(sessionID, ws.TypeNotification, ws.Marshal(ws.NotificationFrame{
		Type:  ws.TypeNotification,
		Level: "warning",
		Title: "Turn did not complete",
		Detail: "The assistant stopped before finishing and the automatic continue " +
			"budget is used up. Send a new message to keep going.",
	}))
}

// finishChatTurn persists the final assistant text, settles turn state, and
// drains the queued chat messages. A cancelled turn (stop or idle eviction)
// keeps last_user_msg and partial_text so a later subscriber gets
// task_interrupted and can retry.
func (e *Engine) finishChatTurn(ctx context.Context, turn *ActiveTurn, sess *store.Session, started time.Time, outcomeErr string) {
	cancelled := turn.cancelled.Load()
	finalText := e.BufferedText(sess.ID)
	if finalText != "" && !cancelled {
		if err := e.store.AppendMessage(ctx, &store.Message{
			SessionID: sess.ID,
			Role:      store.RoleAssistant,
			Type:      store.MessageTypeText,
			Content:   finalText,
		}); err != nil {
			e.logger.Error("failed to persist assistant message", zap.Error(err))
		}
	}
	if cancelled {
		if finalText != "" {
			if err := e.store.SetPartialText(ctx, sess.ID, finalText); err != nil {
				e.logger.Error("failed to persist partial text", zap.Error(err))
			}
		}
	} else if err := e.store.UpdateSession(ctx, sess.ID, store.SessionUpdate{
		LastUserMsg: store.Str(""),
		PartialText: store.Str(""),
	}); err != nil {
		e.logger.Error("failed to clear turn state", zap.Error(err))
	}

	e.ask.EndSession(sess.ID, askuser.AnswerSessionEnded)

	e.EmitToSession(sess.ID, ws.TypeStatus, ws.Marshal(ws.StatusFrame{
		Type: ws.TypeStatus, Status: statusIdle, TabID: turn.TabID,
	}))
	e.EmitToSession(sess.ID, ws.TypeDone, ws.Marshal(ws.DoneFrame{
		Type:     ws.TypeDone,
		TabID:    turn.TabID,
		Duration: time.Since(started).Milliseconds(),
	}))

	prevConn := turn.Proxy.Current()
	e.removeTurn(sess.ID)

	e.logger.Info("turn finished",
		zap.String("session_id", sess.ID),
		zap.Bool("cancelled", cancelled),
		zap.String("error", outcomeErr),
		zap.Duration("duration", time.Since(started)))

	if cancelled {
		return
	}
	e.drainQueue(ctx, sess, turn.TabID, prevConn)
}

// drainQueue pops the oldest queued chat and starts it as the next turn.
func (e *Engine) drainQueue(ctx context.Context, sess *store.Session, tabID string, conn proxy.Conn) {
	item, err := e.store.PopQueuedChat(ctx, sess.ID)
	if err != nil {
		e.logger.Error("failed to pop queued chat", zap.Error(err))
		return
	}
	if item == nil {
		return
	}
	e.emitQueueUpdate(ctx, sess.ID, tabID)

	// Reload the session: the finished turn may have moved its resume token.
	fresh, err := e.store.GetSession(ctx, sess.ID)
	if err != nil {
		e.logger.Error("failed to reload session for queued chat", zap.Error(err))
		return
	}

	turnCtx, cancel := context.WithCancel(context.Background())
	turn := &ActiveTurn{
		SessionID: sess.ID,
		TabID:     tabID,
		Proxy:     proxy.New(e.logger),
		StartedAt: time.Now(),
		cancel:    cancel,
	}
	if !e.registerTurn(turn) {
		cancel()
		return
	}
	if conn != nil {
		turn.Proxy.Attach(conn)
	}
	go e.runChatTurn(turnCtx, turn, fresh, item.Text, nil, 0)
}

// emitQueueUpdate broadcasts the session's pending queued chats.
func (e *Engine) emitQueueUpdate(ctx context.Context, sessionID, tabID string) {
	items, err := e.store.ListQueuedChats(ctx, sessionID)
	if err != nil {
		e.logger.Error("failed to list queued chats", zap.Error(err))
		return
	}
	frame := ws.QueueUpdateFrame{
		Type:    ws.TypeQueueUpdate,
		TabID:   tabID,
		Pending: len(items),
		Items:   make([]ws.QueueItem, 0, len(items)),
	}
	for _, it := range items {
		frame.Items = append(frame.Items, ws.QueueItem{QueueID: it.ID, Text: it.Text})
	}
	e.EmitToSession(sessionID, ws.TypeQueueUpdate, ws.Marshal(frame))
}

// QueueRemove deletes a queued chat and re-broadcasts the queue.
func (e *Engine) QueueRemove(ctx context.Context, queueID string) error {
	item, err := e.store.GetQueuedChat(ctx, queueID)
	if err != nil {
		return err
	}
	if err := e.store.DeleteQueuedChat(ctx, queueID); err != nil {
		return err
	}
	e.emitQueueUpdate(ctx, item.SessionID, "")
	return nil
}

// QueueEdit rewrites a queued chat and re-broadcasts the queue.
func (e *Engine) QueueEdit(ctx context.Context, queueID, text string) error {
	item, err := e.store.GetQueuedChat(ctx, queueID)
	if err != nil {
		return err
	}
	if err := e.store.UpdateQueuedChat(ctx, queueID, text); err != nil {
		return err
	}
	e.emitQueueUpdate(ctx, item.SessionID, "")
	return nil
}
