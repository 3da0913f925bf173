package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agentdeck/agentdeck/internal/common/ids"
)

// CreateSession inserts a new session. A zero ID is assigned.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = ids.New()
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.Skills == "" {
		sess.Skills = "[]"
	}
	if sess.MCPServers == "" {
		sess.MCPServers = "[]"
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sessions (id, title, resume_token, skills, mcp_servers, mode, agent_mode, model, workdir,
			last_user_msg, retry_count, partial_text, created_at, updated_at)
		VALUES (:id, :title, :resume_token, :skills, :mcp_servers, :mode, :agent_mode, :model, :workdir,
			:last_user_msg, :retry_count, :partial_text, :created_at, :updated_at)
	`, sess)
	return err
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.ro.GetContext(ctx, &sess, `SELECT * FROM sessions WHERE id = ?`, id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &sess, nil
}

// ListSessions returns sessions newest-first.
func (s *Store) ListSessions(ctx context.Context, limit, offset int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	var sessions []*Session
	err := s.ro.SelectContext(ctx, &sessions,
		`SELECT * FROM sessions ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	return sessions, err
}

// SessionUpdate holds the optional fields of a session update; nil fields are
// left untouched.
type SessionUpdate struct {
	Title       *string
	ResumeToken *string // empty string clears
	Skills      []string
	MCPServers  []string
	Mode        *string
	AgentMode   *string
	Model       *string
	LastUserMsg *string // empty string clears
	RetryCount  *int
	PartialText *string // empty string clears
}

// UpdateSession applies the non-nil fields of upd.
func (s *Store) UpdateSession(ctx context.Context, id string, upd SessionUpdate) error {
	set := "updated_at = ?"
	args := []any{time.Now().UTC()}

	addStr := func(col string, v *string) {
		if v == nil {
			return
		}
		if *v == "" {
			set += ", " + col + " = NULL"
			return
		}
		set += ", " + col + " = ?"
		args = append(args, *v)
	}

	if upd.Title != nil {
		set += ", title = ?"
		args = append(args, *upd.Title)
	}
	addStr("resume_token", upd.ResumeToken)
	if upd.Skills != nil {
		set += ", skills = ?"
		args = append(args, encodeStringList(upd.Skills))
	}
	if upd.MCPServers != nil {
		set += ", mcp_servers = ?"
		args = append(args, encodeStringList(upd.MCPServers))
	}
	if upd.Mode != nil {
		set += ", mode = ?"
		args = append(args, *upd.Mode)
	}
	if upd.AgentMode != nil {
		set += ", agent_mode = ?"
		args = append(args, *upd.AgentMode)
	}
	if upd.Model != nil {
		set += ", model = ?"
		args = append(args, *upd.Model)
	}
	addStr("last_user_msg", upd.LastUserMsg)
	if upd.RetryCount != nil {
		set += ", retry_count = ?"
		args = append(args, *upd.RetryCount)
	}
	addStr("partial_text", upd.PartialText)

	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET `+set+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("session not found: %s", id)
	}
	return nil
}

// SetPartialText writes the accumulated streaming text. Callers batch this
// to every Nth chunk.
func (s *Store) SetPartialText(ctx context.Context, id, text string) error {
	var v sql.NullString
	if text != "" {
		v = sql.NullString{String: text, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET partial_text = ?, updated_at = ? WHERE id = ?`, v, time.Now().UTC(), id)
	return err
}

// DeleteSession removes a session; its messages cascade.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Str is a convenience for building SessionUpdate fields.
func Str(v string) *string { return &v }

// Int is a convenience for building update fields.
func Int(v int) *int { return &v }
