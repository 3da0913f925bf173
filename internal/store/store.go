// Package store provides the durable record of sessions, messages, and tasks
// on SQLite via sqlx, with a single writer connection and a read-only pool.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

// ErrNotFound is returned by point reads for missing rows.
var ErrNotFound = errors.New("store: not found")

// Store wraps the SQLite database.
type Store struct {
	db     *sqlx.DB // writer (max 1 conn)
	ro     *sqlx.DB // read-only pool
	logger *logger.Logger
}

// Open opens (creating if necessary) the database at path and initialises the
// schema. Pass ":memory:" for tests.
func Open(path string, log *logger.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)

	writer, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; a single connection serialises all writes.
	writer.SetMaxOpenConns(1)

	ro := writer
	if path != ":memory:" {
		ro, err = sqlx.Open("sqlite3", dsn+"&mode=ro")
		if err != nil {
			writer.Close()
			return nil, fmt.Errorf("failed to open read pool: %w", err)
		}
		ro.SetMaxOpenConns(4)
	}

	s := &Store{db: writer, ro: ro, logger: log.WithFields(zap.String("component", "store"))}
	if err := s.initSchema(); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	_, _ = s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	if s.ro != s.db {
		_ = s.ro.Close()
	}
	return s.db.Close()
}

// WithTx executes fn inside a transaction, rolling back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx failed: %w, rollback failed: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RunMaintenance starts the periodic cleanup loop: sessions older than ttl
// are deleted (messages cascade) and the WAL is checkpointed in truncating
// mode after non-trivial deletion. Blocks until ctx is done.
func (s *Store) RunMaintenance(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.CleanupSessions(ctx, ttl)
			if err != nil {
				s.logger.Error("session cleanup failed", zap.Error(err))
				continue
			}
			if deleted > 0 {
				s.logger.Info("expired sessions deleted", zap.Int64("count", deleted))
				if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
					s.logger.Warn("wal checkpoint failed", zap.Error(err))
				}
			}
		}
	}
}

// CleanupSessions deletes sessions whose updated_at is older than ttl and
// returns the number of deleted rows.
func (s *Store) CleanupSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ttl)
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func encodeStringList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(items)
	return string(data)
}

func decodeStringList(raw string) []string {
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil
	}
	return items
}

func mapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
