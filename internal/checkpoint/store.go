package checkpoint

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nugget/parley/internal/conversation"
	"github.com/nugget/parley/internal/interrupt"
	"github.com/nugget/parley/internal/llm"
)

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLStore is a SQLite-backed Store. Transcripts are stored as
// gzip-compressed JSON.
type SQLStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLStore creates a checkpoint store using the given database and
// creates its schema if needed.
func NewSQLStore(db *sql.DB, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLStore{db: db, logger: logger.With("component", "checkpoint")}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			messages_gz BLOB NOT NULL,
			byte_size INTEGER NOT NULL,
			message_count INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_threads_updated
			ON threads(updated_at DESC);

		CREATE TABLE IF NOT EXISTS pending (
			thread_id TEXT PRIMARY KEY,
			token_id TEXT NOT NULL,
			query TEXT NOT NULL,
			resume_point TEXT NOT NULL,
			cursor INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);
	`)
	return err
}

// Save implements Store.
func (s *SQLStore) Save(ctx context.Context, thread *conversation.Thread) error {
	compressed, err := compress(thread.Messages)
	if err != nil {
		return err
	}

	created := thread.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	updated := thread.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO threads (id, created_at, updated_at, messages_gz, byte_size, message_count)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at = excluded.updated_at,
			messages_gz = excluded.messages_gz,
			byte_size = excluded.byte_size,
			message_count = excluded.message_count
	`, thread.ID, formatTime(created), formatTime(updated), compressed, len(compressed), len(thread.Messages))
	if err != nil {
		return fmt.Errorf("save thread %s: %w", thread.ID, err)
	}

	s.logger.Debug("thread checkpointed",
		"thread", thread.ID,
		"messages", len(thread.Messages),
		"bytes", len(compressed),
	)
	return nil
}

// Load implements Store.
func (s *SQLStore) Load(ctx context.Context, threadID string) (*conversation.Thread, error) {
	var createdStr, updatedStr string
	var blob []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT created_at, updated_at, messages_gz FROM threads WHERE id = ?
	`, threadID).Scan(&createdStr, &updatedStr, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return conversation.New(threadID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load thread %s: %w", threadID, err)
	}

	msgs, err := decompress(blob)
	if err != nil {
		return nil, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	return &conversation.Thread{
		ID:        threadID,
		Messages:  msgs,
		CreatedAt: parseTime(createdStr),
		UpdatedAt: parseTime(updatedStr),
	}, nil
}

// SavePending implements interrupt.PendingStore.
func (s *SQLStore) SavePending(ctx context.Context, tok *interrupt.Token) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending (thread_id, token_id, query, resume_point, cursor, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			token_id = excluded.token_id,
			query = excluded.query,
			resume_point = excluded.resume_point,
			cursor = excluded.cursor,
			created_at = excluded.created_at
	`, tok.ThreadID, tok.ID, tok.Query, tok.ResumePoint, tok.Cursor, formatTime(tok.CreatedAt))
	if err != nil {
		return fmt.Errorf("save pending %s: %w", tok.ThreadID, err)
	}
	return nil
}

// LoadPending implements interrupt.PendingStore.
func (s *SQLStore) LoadPending(ctx context.Context, threadID string) (*interrupt.Token, error) {
	tok := &interrupt.Token{ThreadID: threadID}
	var createdStr string
	err := s.db.QueryRowContext(ctx, `
		SELECT token_id, query, resume_point, cursor, created_at FROM pending WHERE thread_id = ?
	`, threadID).Scan(&tok.ID, &tok.Query, &tok.ResumePoint, &tok.Cursor, &createdStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load pending %s: %w", threadID, err)
	}
	tok.CreatedAt = parseTime(createdStr)
	return tok, nil
}

// ClearPending implements interrupt.PendingStore.
func (s *SQLStore) ClearPending(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("clear pending %s: %w", threadID, err)
	}
	return nil
}

// List implements Store.
func (s *SQLStore) List(ctx context.Context, limit int) ([]conversation.Summary, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.created_at, t.updated_at, t.message_count, p.thread_id IS NOT NULL
		FROM threads t
		LEFT JOIN pending p ON p.thread_id = t.id
		ORDER BY t.updated_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []conversation.Summary
	for rows.Next() {
		var sum conversation.Summary
		var createdStr, updatedStr string
		if err := rows.Scan(&sum.ID, &createdStr, &updatedStr, &sum.MessageCount, &sum.Suspended); err != nil {
			return nil, err
		}
		sum.CreatedAt = parseTime(createdStr)
		sum.UpdatedAt = parseTime(updatedStr)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Delete implements Store.
func (s *SQLStore) Delete(ctx context.Context, threadID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, threadID)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("delete pending: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, threadID)
	}
	return nil
}

// Prune removes threads not updated within olderThan, keeping at least
// minKeep threads. Suspended threads are never pruned.
func (s *SQLStore) Prune(ctx context.Context, olderThan time.Duration, minKeep int) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM threads`).Scan(&total); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	if total <= minKeep {
		return 0, nil
	}

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM threads
		WHERE id IN (
			SELECT id FROM threads
			WHERE updated_at < ?
			  AND id NOT IN (SELECT thread_id FROM pending)
			ORDER BY updated_at ASC
			LIMIT ?
		)
	`, formatTime(cutoff), total-minKeep)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}

	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		s.logger.Info("pruned threads", "deleted", deleted, "older_than", olderThan)
	}
	return int(deleted), nil
}

func compress(msgs []llm.Message) ([]byte, error) {
	if msgs == nil {
		msgs = []llm.Message{}
	}
	raw, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("marshal messages: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(blob []byte) ([]llm.Message, error) {
	gr, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer gr.Close()

	raw, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}

	var msgs []llm.Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, fmt.Errorf("unmarshal messages: %w", err)
	}
	return msgs, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}
