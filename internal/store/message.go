package store

import (
	"context"
	"time"
)

// AppendMessage inserts a message and bumps the session's updated_at.
func (s *Store) AppendMessage(ctx context.Context, msg *Message) error {
	msg.CreatedAt = time.Now().UTC()

	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO messages (session_id, role, type, content, tool_name, agent_id, reply_to, attachments, created_at)
		VALUES (:session_id, :role, :type, :content, :tool_name, :agent_id, :reply_to, :attachments, :created_at)
	`, msg)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		msg.ID = id
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, msg.CreatedAt, msg.SessionID)
	return err
}

// ListMessages returns a session's messages in insertion order. When
// excludeTools is set, tool-type messages are filtered out (chat history
// pagination).
func (s *Store) ListMessages(ctx context.Context, sessionID string, excludeTools bool, limit, offset int) ([]*Message, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `SELECT * FROM messages WHERE session_id = ?`
	if excludeTools {
		query += ` AND type != 'tool'`
	}
	query += ` ORDER BY id ASC LIMIT ? OFFSET ?`

	var msgs []*Message
	err := s.ro.SelectContext(ctx, &msgs, query, sessionID, limit, offset)
	return msgs, err
}

// LatestUserMessage returns the most recent user-role message, or nil.
func (s *Store) LatestUserMessage(ctx context.Context, sessionID string) (*Message, error) {
	var msg Message
	err := s.ro.GetContext(ctx, &msg,
		`SELECT * FROM messages WHERE session_id = ? AND role = 'user' ORDER BY id DESC LIMIT 1`, sessionID)
	if err != nil {
		if mapNotFound(err) == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &msg, nil
}

// HasAssistantText reports whether the session contains at least one
// assistant text message. Used by crash recovery to classify stranded tasks.
func (s *Store) HasAssistantText(ctx context.Context, sessionID string) (bool, error) {
	var count int
	err := s.ro.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM messages WHERE session_id = ? AND role = 'assistant' AND type = 'text'`, sessionID)
	return count > 0, err
}
