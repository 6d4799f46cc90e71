package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"threadflow/internal/models"
)

func seedThread(t *testing.T, st *Store, messages int) (int64, []int64) {
	t.Helper()
	ctx := context.Background()
	thread, err := st.CreateThread(ctx, "local", "")
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	var ids []int64
	for i := 0; i < messages; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		m, err := st.AppendMessage(ctx, thread.ID, role, fmt.Sprintf("message %d", i), models.StatusComplete)
		if err != nil {
			t.Fatalf("append message %d: %v", i, err)
		}
		ids = append(ids, m.ID)
		// keep created_at strictly increasing on coarse clocks
		time.Sleep(time.Millisecond)
	}
	return thread.ID, ids
}

func TestAppendMessageMissingThread(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.AppendMessage(context.Background(), 12345, models.RoleUser, "hi", models.StatusComplete); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestAppendMessageConcurrentDeleteReportsMissingThread(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// however the append interleaves with the delete, the outcome is either
	// a stored message or sql.ErrNoRows, never a raw constraint error
	for i := 0; i < 20; i++ {
		thread, err := st.CreateThread(ctx, "local", "")
		if err != nil {
			t.Fatalf("create thread: %v", err)
		}
		deleted := make(chan error, 1)
		go func() {
			_, err := st.DeleteThread(ctx, thread.ID)
			deleted <- err
		}()
		if _, err := st.AppendMessage(ctx, thread.ID, models.RoleUser, "racing", models.StatusComplete); err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				t.Fatalf("append during delete surfaced %v", err)
			}
		}
		if err := <-deleted; err != nil {
			t.Fatalf("delete thread: %v", err)
		}
	}
}

func TestListMessagesPageOrderAndCursorStability(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	threadID, ids := seedThread(t, st, 5)

	page, cursor, err := st.ListMessagesPage(ctx, threadID, "", 2)
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(page) != 2 || cursor == "" {
		t.Fatalf("expected full newest page with cursor, got %d messages", len(page))
	}
	// newest page, ascending inside the page
	if page[0].ID != ids[3] || page[1].ID != ids[4] {
		t.Fatalf("unexpected first page order: %d,%d", page[0].ID, page[1].ID)
	}

	// a new message must not disturb pages already handed out
	if _, err := st.AppendMessage(ctx, threadID, models.RoleUser, "newest", models.StatusComplete); err != nil {
		t.Fatalf("append during pagination: %v", err)
	}

	page, cursor, err = st.ListMessagesPage(ctx, threadID, cursor, 2)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(page) != 2 || page[0].ID != ids[1] || page[1].ID != ids[2] {
		t.Fatalf("unexpected second page: %#v", page)
	}

	page, cursor, err = st.ListMessagesPage(ctx, threadID, cursor, 2)
	if err != nil {
		t.Fatalf("last page: %v", err)
	}
	if len(page) != 1 || page[0].ID != ids[0] {
		t.Fatalf("unexpected last page: %#v", page)
	}
	if cursor != "" {
		t.Fatalf("expected empty cursor at end, got %q", cursor)
	}
}

func TestStatusTransitions(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	thread, err := st.CreateThread(ctx, "local", "")
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	draft, err := st.AppendMessage(ctx, thread.ID, models.RoleAssistant, "", models.StatusPending)
	if err != nil {
		t.Fatalf("append draft: %v", err)
	}

	if err := st.MarkStreaming(ctx, draft.ID); err != nil {
		t.Fatalf("mark streaming: %v", err)
	}
	if err := st.MarkStreaming(ctx, draft.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected second MarkStreaming to miss, got %v", err)
	}

	if err := st.UpdateStreamingText(ctx, draft.ID, "partial text"); err != nil {
		t.Fatalf("update streaming text: %v", err)
	}

	if err := st.FinishMessage(ctx, draft.ID, "final text", models.StatusPending); err == nil {
		t.Fatalf("expected error for non-terminal finish status")
	}
	if err := st.FinishMessage(ctx, draft.ID, "final text", models.StatusComplete); err != nil {
		t.Fatalf("finish message: %v", err)
	}
	// terminal statuses never change again
	if err := st.FinishMessage(ctx, draft.ID, "other", models.StatusFailed); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected finished message to reject transition, got %v", err)
	}
	if err := st.UpdateStreamingText(ctx, draft.ID, "late"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected text update after finish to miss, got %v", err)
	}

	got, err := st.GetMessage(ctx, draft.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if got.Status != models.StatusComplete || got.Text != "final text" {
		t.Fatalf("unexpected sealed message: %#v", got)
	}
}

func TestRecentMessagesWindow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	threadID, ids := seedThread(t, st, 4)

	// open generations are not model context
	if _, err := st.AppendMessage(ctx, threadID, models.RoleAssistant, "", models.StatusPending); err != nil {
		t.Fatalf("append pending: %v", err)
	}

	history, err := st.RecentMessages(ctx, threadID, 3)
	if err != nil {
		t.Fatalf("recent messages: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 history messages, got %d", len(history))
	}
	if history[0].ID != ids[1] || history[2].ID != ids[3] {
		t.Fatalf("expected ascending window of newest complete messages: %#v", history)
	}
}

func TestFirstUserMessage(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	thread, err := st.CreateThread(ctx, "local", "")
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	if _, err := st.FirstUserMessage(ctx, thread.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows for empty thread, got %v", err)
	}

	first, err := st.AppendMessage(ctx, thread.ID, models.RoleUser, "first", models.StatusComplete)
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	time.Sleep(time.Millisecond)
	if _, err := st.AppendMessage(ctx, thread.ID, models.RoleUser, "second", models.StatusComplete); err != nil {
		t.Fatalf("append second: %v", err)
	}

	preview, err := st.FirstUserMessage(ctx, thread.ID)
	if err != nil {
		t.Fatalf("first user message: %v", err)
	}
	if preview.ID != first.ID || preview.Text != "first" {
		t.Fatalf("unexpected preview: %#v", preview)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	now := time.Now().UTC()
	cursor := encodeCursor(now, 42)
	ts, id, err := decodeCursor(cursor)
	if err != nil {
		t.Fatalf("decode cursor: %v", err)
	}
	if !ts.Equal(now) || id != 42 {
		t.Fatalf("cursor round trip mismatch: %v %d", ts, id)
	}
	if _, _, err := decodeCursor("not-a-cursor!"); err == nil {
		t.Fatalf("expected error for malformed cursor")
	}
}
