package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/askuser"
	"github.com/agentdeck/agentdeck/internal/codec"
	"github.com/agentdeck/agentdeck/internal/proxy"
	"github.com/agentdeck/agentdeck/internal/runner"
	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/pkg/ws"
)

// TaskOutcome is the engine's verdict on a task turn. FailureReason is empty
// on success.
type TaskOutcome struct {
	Done          bool
	FailureReason string // agent_incomplete, rate_limited, exception, user_cancelled
}

// RunTask drives one kanban task turn to completion and classifies the
// outcome. onStart reports the worker pid and the session the task runs in,
// so the caller can persist both before the subprocess does real work.
func (e *Engine) RunTask(ctx context.Context, task *store.Task, onStart func(pid int, sessionID string)) (TaskOutcome, error) {
	pctx := context.Background()

	sess, err := e.taskSession(pctx, task)
	if err != nil {
		return TaskOutcome{FailureReason: store.FailureException}, err
	}

	turnCtx, cancel := context.WithCancel(ctx)
	turn := &ActiveTurn{
		SessionID: sess.ID,
		TaskID:    task.ID,
		Proxy:     proxy.New(e.logger),
		StartedAt: time.Now(),
		cancel:    cancel,
	}
	if !e.registerTurn(turn) {
		cancel()
		return TaskOutcome{FailureReason: store.FailureException},
			fmt.Errorf("session %s already has a turn in flight", sess.ID)
	}
	defer e.removeTurn(sess.ID)
	defer cancel()

	prompt := taskPrompt(task)
	e.EmitToSession(sess.ID, ws.TypeTaskStarted, ws.Marshal(ws.TaskFrame{
		Type:      ws.TypeTaskStarted,
		SessionID: sess.ID,
		TaskID:    task.ID,
		Prompt:    prompt,
		Attempt:   task.RetryCount + 1,
	}))

	e.recordUserMessage(pctx, sess, prompt)
	systemPrompt := e.systemPrompt(sess.SkillList()) + verificationSuffix

	attachments := decodeTaskAttachments(task)
	continues := 0

	var outcome TaskOutcome
	var rateLimited bool
	runPrompt := prompt
	for {
		startHook := func(pid int, sid string) {
			if onStart != nil {
				onStart(pid, sid)
				onStart = nil
			}
		}
		res, errMsg := e.runTaskOnce(turnCtx, turn, sess, task, runPrompt, attachments, systemPrompt, startHook, &rateLimited)
		attachments = nil

		if turn.cancelled.Load() || turnCtx.Err() != nil {
			outcome = TaskOutcome{FailureReason: store.FailureUserCancelled}
			break
		}
		if res != nil && res.Subtype == codec.ResultSuccess {
			outcome = TaskOutcome{Done: true}
			break
		}
		if res != nil && res.Subtype == codec.ResultMaxTurns && continues < e.cfg.MaxAutoContinues {
			continues++
			runPrompt = continuationPrompt
			continue
		}

		switch {
		case rateLimited:
			outcome = TaskOutcome{FailureReason: store.FailureRateLimited}
		case errMsg != "":
			outcome = TaskOutcome{FailureReason: store.FailureException}
		default:
			outcome = TaskOutcome{FailureReason: store.FailureAgentIncomplete}
		}
		break
	}

	e.finishTaskTurn(pctx, turn, sess, outcome)
	return outcome, nil
}

// taskSession loads the task's linked session or creates a fresh one.
func (e *Engine) taskSession(ctx context.Context, task *store.Task) (*store.Session, error) {
	if task.SessionID.Valid && task.SessionID.String != "" {
		sess, err := e.store.GetSession(ctx, task.SessionID.String)
		if err == nil {
			return sess, nil
		}
		if err != store.ErrNotFound {
			return nil, err
		}
	}

	sess := &store.Session{
		Title:     task.Title,
		Mode:      task.Mode,
		AgentMode: task.AgentMode,
		Model:     task.Model,
		Workdir:   task.Workdir,
	}
	if err := e.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to create task session: %w", err)
	}
	return sess, nil
}

// runTaskOnce is runOnce with task-specific bookkeeping: the start hook and
// rate-limit tracking for failure classification.
func (e *Engine) runTaskOnce(ctx context.Context, turn *ActiveTurn, sess *store.Session, task *store.Task,
	prompt string, attachments []runner.Attachment, systemPrompt string,
	startHook func(pid int, sessionID string), rateLimited *bool) (*codec.Result, string) {
	pctx := context.Background()

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
		MaxTurns:     task.MaxTurns,
		ToolPlugins:  plugins,
		Attachments:  attachments,
		Workdir:      task.Workdir,
	}

	cb := runner.Callbacks{
		OnStart: func(pid int) {
			e.mu.Lock()
			turn.pid = pid
			e.mu.Unlock()
			startHook(pid, sess.ID)
		},
		OnSessionID: func(token string) {
			sess.ResumeToken.String, sess.ResumeToken.Valid = token, true
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
				Type: ws.TypeText, Text: text,
			}))
		},
		OnThinking: func(index int, text string) {
			e.EmitToSession(sess.ID, ws.TypeThinking, ws.Marshal(ws.ThinkingFrame{
				Type: ws.TypeThinking, Text: text,
			}))
		},
		OnTool: func(name string, input json.RawMessage) {
			if !internalTools[name] {
				if err := e.store.AppendMessage(pctx, &store.Message{
					SessionID: sess.ID,
					Role:      store.RoleAssistant,
					Type:      store.MessageTypeTool,
					Content:   string(input),
					ToolName:  store.NullStr(name),
				}); err != nil {
					e.logger.Error("failed to persist tool message", zap.Error(err))
				}
			}
			e.EmitToSession(sess.ID, ws.TypeTool, ws.Marshal(ws.ToolFrame{
				Type: ws.TypeTool, Tool: name, Input: string(input),
			}))
		},
		OnRateLimit: func(info json.RawMessage) {
			*rateLimited = true
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
			Type: ws.TypeError, Error: errMsg,
		}))
	}
	return result, errMsg
}

// finishTaskTurn persists the final text and settles session state. A
// cancelled run keeps last_user_msg and partial_text for the interruption
// replay on the next subscribe.
func (e *Engine) finishTaskTurn(ctx context.Context, turn *ActiveTurn, sess *store.Session, outcome TaskOutcome) {
	cancelled := outcome.FailureReason == store.FailureUserCancelled
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
	e.EmitToSession(sess.ID, ws.TypeDone, ws.Marshal(ws.DoneFrame{
		Type:     ws.TypeDone,
		Duration: time.Since(turn.StartedAt).Milliseconds(),
	}))
}

// taskPrompt assembles the worker prompt from the task's fields.
func taskPrompt(task *store.Task) string {
	var b strings.Builder
	b.WriteString("# Task: ")
	b.WriteString(task.Title)
	if task.Description != "" {
		b.WriteString("\n\n")
		b.WriteString(task.Description)
	}
	if task.Notes != "" {
		b.WriteString("\n\nNotes:\n")
		b.WriteString(task.Notes)
	}
	return b.String()
}

// decodeTaskAttachments parses the task's attachments JSON blob.
func decodeTaskAttachments(task *store.Task) []runner.Attachment {
	if !task.Attachments.Valid || task.Attachments.String == "" {
		return nil
	}
	var raw []ws.Attachment
	if err := json.Unmarshal([]byte(task.Attachments.String), &raw); err != nil {
		return nil
	}
	out := make([]runner.Attachment, 0, len(raw))
	for _, a := range raw {
		out = append(out, runner.Attachment{Name: a.Name, Data: a.Data})
	}
	return out
}
