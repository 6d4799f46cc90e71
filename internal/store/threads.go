package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"threadflow/internal/models"
)

// CreateThread inserts a new thread for the owner and returns the record.
func (s *Store) CreateThread(ctx context.Context, ownerID, title string) (*models.Thread, error) {
	if ownerID == "" {
		return nil, errors.New("owner_id is required")
	}
	if title == "" {
		title = models.DefaultTitle
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (owner_id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		ownerID, title, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("thread id: %w", err)
	}
	return &models.Thread{ID: id, OwnerID: ownerID, Title: title, CreatedAt: now, UpdatedAt: now}, nil
}

// CreateThreadWithFirstMessage creates a thread and its first user message in
// one transaction. Either both rows exist afterwards or neither does.
func (s *Store) CreateThreadWithFirstMessage(ctx context.Context, ownerID, prompt string) (*models.Thread, *models.Message, error) {
	if ownerID == "" {
		return nil, nil, errors.New("owner_id is required")
	}
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO threads (owner_id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		ownerID, models.DefaultTitle, now, now,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create thread: %w", err)
	}
	threadID, err := res.LastInsertId()
	if err != nil {
		return nil, nil, fmt.Errorf("thread id: %w", err)
	}

	res, err = tx.ExecContext(ctx,
		`INSERT INTO messages (thread_id, role, text, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		threadID, models.RoleUser, prompt, models.StatusComplete, now,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create first message: %w", err)
	}
	messageID, err := res.LastInsertId()
	if err != nil {
		return nil, nil, fmt.Errorf("message id: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit create thread: %w", err)
	}
	thread := &models.Thread{ID: threadID, OwnerID: ownerID, Title: models.DefaultTitle, CreatedAt: now, UpdatedAt: now}
	message := &models.Message{ID: messageID, ThreadID: threadID, Role: models.RoleUser, Text: prompt, Status: models.StatusComplete, CreatedAt: now}
	return thread, message, nil
}

// GetThread returns one thread or sql.ErrNoRows.
func (s *Store) GetThread(ctx context.Context, threadID int64) (*models.Thread, error) {
	var t models.Thread
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, title, created_at, updated_at FROM threads WHERE id = ?`,
		threadID,
	).Scan(&t.ID, &t.OwnerID, &t.Title, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get thread: %w", err)
	}
	return &t, nil
}

// ListThreads returns a most-recent-first page of threads. The returned
// cursor is empty once the log is exhausted.
func (s *Store) ListThreads(ctx context.Context, cursor string, limit int) ([]models.Thread, string, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		rows *sql.Rows
		err  error
	)
	if cursor == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, owner_id, title, created_at, updated_at FROM threads
			 ORDER BY created_at DESC, id DESC LIMIT ?`,
			limit+1,
		)
	} else {
		ts, id, derr := decodeCursor(cursor)
		if derr != nil {
			return nil, "", derr
		}
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, owner_id, title, created_at, updated_at FROM threads
			 WHERE created_at < ? OR (created_at = ? AND id < ?)
			 ORDER BY created_at DESC, id DESC LIMIT ?`,
			ts, ts, id, limit+1,
		)
	}
	if err != nil {
		return nil, "", fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var threads []models.Thread
	for rows.Next() {
		var t models.Thread
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.Title, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, "", fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(threads) > limit {
		threads = threads[:limit]
		last := threads[len(threads)-1]
		next = encodeCursor(last.CreatedAt, last.ID)
	}
	return threads, next, nil
}

// SetThreadTitle patches the title; sql.ErrNoRows when the thread is gone.
func (s *Store) SetThreadTitle(ctx context.Context, threadID int64, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title cannot be empty")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().UTC(), threadID,
	)
	if err != nil {
		return fmt.Errorf("update thread title: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("thread rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteThread removes a thread and all of its messages. Deleting a thread
// that does not exist is a no-op; the bool reports whether a row was removed.
func (s *Store) DeleteThread(ctx context.Context, threadID int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, threadID)
	if err != nil {
		return false, fmt.Errorf("delete thread: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("thread rows affected: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, threadID); err != nil {
		return false, fmt.Errorf("delete messages: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete thread: %w", err)
	}
	return affected > 0, nil
}

// OpenGenerations lists ids of assistant messages still pending or streaming
// in the thread; their delta buffers need dropping when the thread goes away.
func (s *Store) OpenGenerations(ctx context.Context, threadID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM messages WHERE thread_id = ? AND status IN (?, ?)`,
		threadID, models.StatusPending, models.StatusStreaming,
	)
	if err != nil {
		return nil, fmt.Errorf("open generations: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan generation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
