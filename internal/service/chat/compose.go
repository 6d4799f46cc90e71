package chat

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"strings"

	"threadflow/internal/models"
)

// StreamState points a reader at the live delta stream of a message that is
// still being generated.
type StreamState struct {
	GenerationID int64 `json:"generation_id"`
	NextSequence int   `json:"next_sequence"`
}

// MessageView is one message as a reader sees it: the stored snapshot, with
// the text replaced by the merged delta stream while generation is running.
type MessageView struct {
	models.Message
	Stream *StreamState `json:"stream,omitempty"`
}

// MessagePage is one page of the merged view. Pagination walks from the
// newest page backwards; messages inside a page are in thread order.
type MessagePage struct {
	Messages []MessageView `json:"messages"`
	Cursor   string        `json:"cursor,omitempty"`
}

// ListMessages composes historical messages with any open delta streams.
// Read-only. Each underlying row is read as one snapshot, so a message that
// finalizes between the page read and the delta read still renders
// consistently: sealed messages use their stored text, streaming ones the
// concatenated fragments (falling back to the buffered text when the stream
// has produced none yet).
func (s *Service) ListMessages(ctx context.Context, threadID int64, cursor string, limit int, withStreams bool) (*MessagePage, error) {
	if _, err := s.store.GetThread(ctx, threadID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if limit <= 0 {
		limit = s.pageSize
	}
	messages, next, err := s.store.ListMessagesPage(ctx, threadID, cursor, limit)
	if err != nil {
		return nil, err
	}

	page := &MessagePage{Messages: make([]MessageView, 0, len(messages)), Cursor: next}
	for _, m := range messages {
		view := MessageView{Message: m}
		if m.Status == models.StatusStreaming {
			deltas, err := s.buffer.Range(ctx, m.ID, 0)
			if err != nil {
				log.Printf("read deltas for generation %d failed: %v", m.ID, err)
			} else if len(deltas) > 0 {
				var b strings.Builder
				for _, d := range deltas {
					b.WriteString(d.Fragment)
				}
				view.Text = b.String()
				if withStreams {
					view.Stream = &StreamState{
						GenerationID: m.ID,
						NextSequence: deltas[len(deltas)-1].Sequence + 1,
					}
				}
			} else if withStreams {
				view.Stream = &StreamState{GenerationID: m.ID}
			}
		}
		page.Messages = append(page.Messages, view)
	}
	return page, nil
}
