package store

import (
	"context"
	"time"

	"github.com/agentdeck/agentdeck/internal/common/ids"
)

// EnqueueChat persists a chat message queued behind an in-flight turn.
func (s *Store) EnqueueChat(ctx context.Context, sessionID, text string) (*QueuedChat, error) {
	q := &QueuedChat{
		ID:        ids.New(),
		SessionID: sessionID,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO queued_chats (id, session_id, text, created_at)
		VALUES (:id, :session_id, :text, :created_at)
	`, q)
	if err != nil {
		return nil, err
	}
	return q, nil
}

// GetQueuedChat retrieves a queued chat by id.
func (s *Store) GetQueuedChat(ctx context.Context, id string) (*QueuedChat, error) {
	var q QueuedChat
	err := s.ro.GetContext(ctx, &q, `SELECT * FROM queued_chats WHERE id = ?`, id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &q, nil
}

// ListQueuedChats returns a session's queued chats in FIFO order.
func (s *Store) ListQueuedChats(ctx context.Context, sessionID string) ([]*QueuedChat, error) {
	var items []*QueuedChat
	err := s.ro.SelectContext(ctx, &items,
		`SELECT * FROM queued_chats WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
	return items, err
}

// UpdateQueuedChat rewrites a queued chat's text.
func (s *Store) UpdateQueuedChat(ctx context.Context, id, text string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE queued_chats SET text = ? WHERE id = ?`, text, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteQueuedChat removes a queued chat.
func (s *Store) DeleteQueuedChat(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queued_chats WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// PopQueuedChat removes and returns the oldest queued chat for a session, or
// nil when the queue is empty.
func (s *Store) PopQueuedChat(ctx context.Context, sessionID string) (*QueuedChat, error) {
	items, err := s.ListQueuedChats(ctx, sessionID)
	if err != nil || len(items) == 0 {
		return nil, err
	}
	head := items[0]
	if err := s.DeleteQueuedChat(ctx, head.ID); err != nil && err != ErrNotFound {
		return nil, err
	}
	return head, nil
}
