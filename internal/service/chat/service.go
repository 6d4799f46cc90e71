package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"

	"threadflow/internal/models"
	"threadflow/internal/store"
	"threadflow/internal/stream"
)

// Scheduler hands deferred work to the generation worker. The façade never
// waits on it; callers observe the assistant's reply eventually.
type Scheduler interface {
	EnqueueGenerate(threadID, promptMessageID int64) error
	EnqueueTitle(threadID int64, prompt string) error
	CancelThread(threadID int64)
}

// Service is the synchronous boundary clients call. It validates input,
// persists the user's turn, and delegates generation to the scheduler.
type Service struct {
	store     *store.Store
	buffer    stream.Buffer
	scheduler Scheduler
	ownerID   string
	pageSize  int
}

func NewService(st *store.Store, buffer stream.Buffer, scheduler Scheduler, ownerID string, pageSize int) *Service {
	if ownerID == "" {
		ownerID = "local"
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	return &Service{
		store:     st,
		buffer:    buffer,
		scheduler: scheduler,
		ownerID:   ownerID,
		pageSize:  pageSize,
	}
}

// CreateThread allocates an empty thread with the placeholder title.
func (s *Service) CreateThread(ctx context.Context) (*models.Thread, error) {
	return s.store.CreateThread(ctx, s.ownerID, models.DefaultTitle)
}

// CreateThreadWithFirstMessage allocates a thread together with its first
// user message (atomically), then enqueues the title job and the generation
// job for that message.
func (s *Service) CreateThreadWithFirstMessage(ctx context.Context, prompt string) (*models.Thread, *models.Message, error) {
	prompt, err := validatePrompt(prompt)
	if err != nil {
		return nil, nil, err
	}
	thread, message, err := s.store.CreateThreadWithFirstMessage(ctx, s.ownerID, prompt)
	if err != nil {
		return nil, nil, err
	}
	if err := s.scheduler.EnqueueTitle(thread.ID, prompt); err != nil {
		// best-effort: the thread keeps its placeholder title
		log.Printf("enqueue title job for thread %d failed: %v", thread.ID, err)
	}
	if err := s.scheduler.EnqueueGenerate(thread.ID, message.ID); err != nil {
		// undo the creation: a thread whose first prompt will never
		// generate must not linger in listings
		s.scheduler.CancelThread(thread.ID)
		if _, derr := s.store.DeleteThread(ctx, thread.ID); derr != nil {
			log.Printf("rollback thread %d after enqueue failure: %v", thread.ID, derr)
		}
		return nil, nil, fmt.Errorf("enqueue generation: %w", err)
	}
	return thread, message, nil
}

// SendMessage appends a user message to an existing thread and enqueues its
// generation job.
func (s *Service) SendMessage(ctx context.Context, threadID int64, prompt string) (*models.Message, error) {
	prompt, err := validatePrompt(prompt)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetThread(ctx, threadID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	message, err := s.store.AppendMessage(ctx, threadID, models.RoleUser, prompt, models.StatusComplete)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := s.scheduler.EnqueueGenerate(threadID, message.ID); err != nil {
		return nil, fmt.Errorf("enqueue generation: %w", err)
	}
	return message, nil
}

// GetThread returns one thread.
func (s *Service) GetThread(ctx context.Context, threadID int64) (*models.Thread, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return thread, nil
}

// GetMessage returns one message, verifying it belongs to the thread.
func (s *Service) GetMessage(ctx context.Context, threadID, messageID int64) (*models.Message, error) {
	message, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if message.ThreadID != threadID {
		return nil, ErrNotFound
	}
	return message, nil
}

// ThreadSummary is a thread enriched with a best-effort preview of its first
// user message. Preview stays nil when that thread's messages are unreadable.
type ThreadSummary struct {
	models.Thread
	Preview *models.Message `json:"preview,omitempty"`
}

// ThreadPage is one most-recent-first page of threads.
type ThreadPage struct {
	Threads []ThreadSummary `json:"threads"`
	Cursor  string          `json:"cursor,omitempty"`
}

// ListThreads pages through threads, newest first. A failing preview join
// degrades that single item instead of the whole page.
func (s *Service) ListThreads(ctx context.Context, cursor string, limit int) (*ThreadPage, error) {
	if limit <= 0 {
		limit = s.pageSize
	}
	threads, next, err := s.store.ListThreads(ctx, cursor, limit)
	if err != nil {
		return nil, err
	}
	page := &ThreadPage{Threads: make([]ThreadSummary, 0, len(threads)), Cursor: next}
	for _, t := range threads {
		summary := ThreadSummary{Thread: t}
		preview, err := s.store.FirstUserMessage(ctx, t.ID)
		if err == nil {
			summary.Preview = preview
		} else if !errors.Is(err, sql.ErrNoRows) {
			log.Printf("thread %d preview unavailable: %v", t.ID, err)
		}
		page.Threads = append(page.Threads, summary)
	}
	return page, nil
}

// DeleteThread removes a thread, its messages, any lingering deltas for
// generations that were still open, and queued jobs. Idempotent.
func (s *Service) DeleteThread(ctx context.Context, threadID int64) error {
	open, err := s.store.OpenGenerations(ctx, threadID)
	if err != nil {
		return err
	}
	if _, err := s.store.DeleteThread(ctx, threadID); err != nil {
		return err
	}
	s.scheduler.CancelThread(threadID)
	if len(open) > 0 {
		if err := s.buffer.Drop(ctx, open...); err != nil {
			log.Printf("drop deltas for thread %d failed: %v", threadID, err)
		}
	}
	return nil
}

func validatePrompt(prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", fmt.Errorf("%w: prompt is empty", ErrInvalidPrompt)
	}
	if len(prompt) > MaxPromptBytes {
		return "", fmt.Errorf("%w: prompt exceeds %d bytes", ErrInvalidPrompt, MaxPromptBytes)
	}
	return prompt, nil
}
