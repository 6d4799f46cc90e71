package worker

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log"
	"strings"
	"time"

	"threadflow/internal/models"
	"threadflow/internal/service/ai"
	"threadflow/internal/store"
	"threadflow/internal/stream"
)

// ErrQueueFull is returned when the dispatcher cannot accept more jobs.
var ErrQueueFull = errors.New("job queue full")

// Generator is the model collaborator the manager drives. The binding is
// injected at construction so tests run against a fake.
type Generator interface {
	Stream(ctx context.Context, history []*models.Message) (ai.TokenStream, error)
	Title(ctx context.Context, prompt string) (string, error)
}

type DispatcherConfig struct {
	MinWorkers        int
	MaxWorkers        int
	QueueSize         int
	WorkerIdleTimeout time.Duration
}

type Config struct {
	Dispatcher        DispatcherConfig
	HistoryWindow     int
	GenerationTimeout time.Duration
}

const (
	defaultHistoryWindow     = 20
	defaultGenerationTimeout = 2 * time.Minute
	titleTimeout             = 30 * time.Second
	titleFallbackRunes       = 48
)

// Manager runs generation and title jobs off the dispatcher. Each generation
// turns one user prompt into exactly one assistant message, streaming deltas
// into the buffer while the model produces output.
type Manager struct {
	store      *store.Store
	buffer     stream.Buffer
	generator  Generator
	window     int
	timeout    time.Duration
	dispatcher *Dispatcher
}

func NewManager(st *store.Store, buffer stream.Buffer, generator Generator, cfg Config) *Manager {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = defaultHistoryWindow
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = defaultGenerationTimeout
	}
	m := &Manager{
		store:     st,
		buffer:    buffer,
		generator: generator,
		window:    cfg.HistoryWindow,
		timeout:   cfg.GenerationTimeout,
	}
	m.dispatcher = NewDispatcher(
		cfg.Dispatcher.MinWorkers,
		cfg.Dispatcher.MaxWorkers,
		cfg.Dispatcher.QueueSize,
		m,
		cfg.Dispatcher.WorkerIdleTimeout,
	)
	return m
}

// EnqueueGenerate schedules exactly one generation job for a user message.
func (m *Manager) EnqueueGenerate(threadID, promptMessageID int64) error {
	job := Job{Type: Generate, ThreadID: threadID, PromptMessageID: promptMessageID}
	select {
	case m.dispatcher.JobQueue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// EnqueueTitle schedules the best-effort title summarization for a new thread.
func (m *Manager) EnqueueTitle(threadID int64, prompt string) error {
	job := Job{Type: Title, ThreadID: threadID, Prompt: prompt}
	select {
	case m.dispatcher.JobQueue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// CancelThread drops queued jobs for a deleted thread.
func (m *Manager) CancelThread(threadID int64) {
	m.dispatcher.CancelThread(threadID)
}

func (m *Manager) jobDone(threadID int64) {
	m.dispatcher.jobDone(threadID)
}

// handleGenerate runs one generation end to end. Errors never propagate to a
// caller; they only show up as status=failed on the assistant message.
func (m *Manager) handleGenerate(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	history, err := m.store.RecentMessages(ctx, job.ThreadID, m.window)
	if err != nil {
		log.Printf("generation for message %d: load history: %v", job.PromptMessageID, err)
		return
	}
	if len(history) == 0 {
		// thread deleted (or empty) before the job ran
		debugLog("generation for message %d skipped: no history", job.PromptMessageID)
		return
	}

	draft, err := m.store.AppendMessage(ctx, job.ThreadID, models.RoleAssistant, "", models.StatusPending)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			debugLog("generation for message %d skipped: thread gone", job.PromptMessageID)
			return
		}
		log.Printf("generation for message %d: open draft: %v", job.PromptMessageID, err)
		return
	}
	if err := m.store.MarkStreaming(ctx, draft.ID); err != nil {
		m.abort(draft.ID)
		return
	}

	tokens, err := m.generator.Stream(ctx, history)
	if err != nil {
		log.Printf("generation %d: open stream: %v", draft.ID, err)
		m.finish(draft.ID, "", models.StatusFailed)
		return
	}
	defer tokens.Close()

	var full strings.Builder
	seq := 0
	for {
		fragment, err := tokens.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			// provider failure: seal with whatever partial text accumulated
			log.Printf("generation %d: stream error: %v", draft.ID, err)
			m.finish(draft.ID, full.String(), models.StatusFailed)
			return
		}
		if fragment == "" {
			continue
		}
		full.WriteString(fragment)
		delta := models.Delta{GenerationID: draft.ID, Sequence: seq, Fragment: fragment}
		if err := m.buffer.Append(ctx, delta); err != nil {
			log.Printf("generation %d: append delta %d: %v", draft.ID, seq, err)
		}
		seq++
		if err := m.store.UpdateStreamingText(ctx, draft.ID, full.String()); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				// thread deleted mid-stream: stop, leave no orphans
				m.abort(draft.ID)
				return
			}
			log.Printf("generation %d: buffer text: %v", draft.ID, err)
		}
	}

	text := full.String()
	if text == "" {
		m.finish(draft.ID, "", models.StatusFailed)
		return
	}
	m.finish(draft.ID, text, models.StatusComplete)
}

// finish seals the message, notifies subscribers, and garbage-collects the
// delta buffer. The stored text is authoritative from here on.
func (m *Manager) finish(generationID int64, text string, status models.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.store.FinishMessage(ctx, generationID, text, status); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.Printf("generation %d: finish: %v", generationID, err)
		}
	}
	if err := m.buffer.Finish(ctx, generationID, status); err != nil {
		log.Printf("generation %d: notify finish: %v", generationID, err)
	}
	if err := m.buffer.Drop(ctx, generationID); err != nil {
		log.Printf("generation %d: drop deltas: %v", generationID, err)
	}
}

// abort drops a generation whose rows disappeared underneath it.
func (m *Manager) abort(generationID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.buffer.Finish(ctx, generationID, models.StatusFailed); err != nil {
		log.Printf("generation %d: notify abort: %v", generationID, err)
	}
	if err := m.buffer.Drop(ctx, generationID); err != nil {
		log.Printf("generation %d: drop deltas: %v", generationID, err)
	}
}

// handleTitle asks the model for a short title, falling back to a truncated
// echo of the first prompt. Never fails the thread.
func (m *Manager) handleTitle(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
	defer cancel()

	title, err := m.generator.Title(ctx, job.Prompt)
	if err != nil || strings.TrimSpace(title) == "" {
		if err != nil {
			log.Printf("title for thread %d: %v", job.ThreadID, err)
		}
		title = truncateTitle(job.Prompt)
	}
	if title == "" {
		return
	}
	if err := m.store.SetThreadTitle(ctx, job.ThreadID, title); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.Printf("title for thread %d: set: %v", job.ThreadID, err)
		}
	}
}

func truncateTitle(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	runes := []rune(prompt)
	if len(runes) <= titleFallbackRunes {
		return prompt
	}
	return strings.TrimSpace(string(runes[:titleFallbackRunes]))
}
