package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"threadflow/internal/models"
)

// AppendMessage stores a new message and touches the thread's updated_at,
// in one transaction. A missing thread surfaces as sql.ErrNoRows, including
// when it is deleted concurrently with the append.
func (s *Store) AppendMessage(ctx context.Context, threadID int64, role models.Role, text string, status models.Status) (*models.Message, error) {
	if threadID <= 0 {
		return nil, errors.New("invalid thread id")
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}

	var exists int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM threads WHERE id = ?`, threadID).Scan(&exists); err != nil {
		tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("check thread: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (thread_id, role, text, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		threadID, role, text, status, now,
	)
	if err != nil {
		tx.Rollback()
		// a foreign key violation here means the thread vanished between
		// the check and the insert
		var still int64
		if scanErr := s.db.QueryRowContext(ctx, `SELECT id FROM threads WHERE id = ?`, threadID).Scan(&still); errors.Is(scanErr, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("message id: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE threads SET updated_at = ? WHERE id = ?`, now, threadID); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("touch thread: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return &models.Message{ID: id, ThreadID: threadID, Role: role, Text: text, Status: status, CreatedAt: now}, nil
}

// GetMessage returns a single message snapshot (status and text read
// together) or sql.ErrNoRows.
func (s *Store) GetMessage(ctx context.Context, messageID int64) (*models.Message, error) {
	var m models.Message
	err := s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, role, text, status, created_at FROM messages WHERE id = ?`,
		messageID,
	).Scan(&m.ID, &m.ThreadID, &m.Role, &m.Text, &m.Status, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return &m, nil
}

// ListMessagesPage returns one page of a thread's messages. Pagination walks
// from the newest page backwards; rows inside a page are ascending by
// (created_at, id). Each row is a consistent snapshot of status and text.
func (s *Store) ListMessagesPage(ctx context.Context, threadID int64, cursor string, limit int) ([]models.Message, string, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		rows *sql.Rows
		err  error
	)
	if cursor == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, thread_id, role, text, status, created_at FROM messages
			 WHERE thread_id = ?
			 ORDER BY created_at DESC, id DESC LIMIT ?`,
			threadID, limit+1,
		)
	} else {
		ts, id, derr := decodeCursor(cursor)
		if derr != nil {
			return nil, "", derr
		}
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, thread_id, role, text, status, created_at FROM messages
			 WHERE thread_id = ? AND (created_at < ? OR (created_at = ? AND id < ?))
			 ORDER BY created_at DESC, id DESC LIMIT ?`,
			threadID, ts, ts, id, limit+1,
		)
	}
	if err != nil {
		return nil, "", fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var page []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Text, &m.Status, &m.CreatedAt); err != nil {
			return nil, "", fmt.Errorf("scan message: %w", err)
		}
		page = append(page, m)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(page) > limit {
		page = page[:limit]
		oldest := page[len(page)-1]
		next = encodeCursor(oldest.CreatedAt, oldest.ID)
	}
	// newest-first from the query; flip to ascending for display
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, next, nil
}

// RecentMessages returns the newest `window` completed messages of a thread
// in ascending order, for use as model context.
func (s *Store) RecentMessages(ctx context.Context, threadID int64, window int) ([]*models.Message, error) {
	if window <= 0 {
		window = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, role, text, status, created_at FROM messages
		 WHERE thread_id = ? AND status = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		threadID, models.StatusComplete, window,
	)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var history []*models.Message
	for rows.Next() {
		m := new(models.Message)
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Text, &m.Status, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		history = append(history, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	return history, nil
}

// FirstUserMessage returns the oldest user message of a thread, used as a
// display preview, or sql.ErrNoRows when the thread has none.
func (s *Store) FirstUserMessage(ctx context.Context, threadID int64) (*models.Message, error) {
	var m models.Message
	err := s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, role, text, status, created_at FROM messages
		 WHERE thread_id = ? AND role = ?
		 ORDER BY created_at ASC, id ASC LIMIT 1`,
		threadID, models.RoleUser,
	).Scan(&m.ID, &m.ThreadID, &m.Role, &m.Text, &m.Status, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("first user message: %w", err)
	}
	return &m, nil
}

// MarkStreaming moves an assistant draft out of pending. sql.ErrNoRows means
// the message is gone or not pending anymore; the generation must stop.
func (s *Store) MarkStreaming(ctx context.Context, messageID int64) error {
	return s.transition(ctx,
		`UPDATE messages SET status = ? WHERE id = ? AND status = ?`,
		models.StatusStreaming, messageID, models.StatusPending,
	)
}

// UpdateStreamingText refreshes the buffered text of a streaming message.
// sql.ErrNoRows means the message (or its thread) was deleted mid-stream.
func (s *Store) UpdateStreamingText(ctx context.Context, messageID int64, text string) error {
	return s.transition(ctx,
		`UPDATE messages SET text = ? WHERE id = ? AND status = ?`,
		text, messageID, models.StatusStreaming,
	)
}

// FinishMessage seals a generation with its final text and terminal status.
func (s *Store) FinishMessage(ctx context.Context, messageID int64, text string, status models.Status) error {
	if status != models.StatusComplete && status != models.StatusFailed {
		return fmt.Errorf("invalid terminal status %q", status)
	}
	return s.transition(ctx,
		`UPDATE messages SET text = ?, status = ? WHERE id = ? AND status IN (?, ?)`,
		text, status, messageID, models.StatusPending, models.StatusStreaming,
	)
}

func (s *Store) transition(ctx context.Context, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("message rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
