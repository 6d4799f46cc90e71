package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"threadflow/internal/config"
	"threadflow/internal/models"
	"threadflow/internal/service/ai"
	"threadflow/internal/service/chat"
	"threadflow/internal/storage"
	"threadflow/internal/store"
	"threadflow/internal/stream"
	"threadflow/internal/worker"
)

type fakeStream struct {
	fragments []string
	idx       int
	recvErr   error
}

func (s *fakeStream) Recv() (string, error) {
	if s.idx < len(s.fragments) {
		f := s.fragments[s.idx]
		s.idx++
		return f, nil
	}
	if s.recvErr != nil {
		return "", s.recvErr
	}
	return "", io.EOF
}

func (s *fakeStream) Close() {}

type fakeGenerator struct {
	fragments []string
	recvErr   error
	title     string
}

func (g *fakeGenerator) Stream(_ context.Context, history []*models.Message) (ai.TokenStream, error) {
	if len(history) == 0 {
		return nil, errors.New("empty history")
	}
	return &fakeStream{fragments: g.fragments, recvErr: g.recvErr}, nil
}

func (g *fakeGenerator) Title(context.Context, string) (string, error) {
	return g.title, nil
}

func newTestServer(t *testing.T, gen worker.Generator) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: filepath.Join(t.TempDir(), "test.db")},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	st := store.New(db)
	buffer := stream.NewMemoryBuffer()
	manager := worker.NewManager(st, buffer, gen, worker.Config{
		Dispatcher: worker.DispatcherConfig{MinWorkers: 1, MaxWorkers: 2, QueueSize: 16},
	})
	chatService := chat.NewService(st, buffer, manager, "local", 20)
	handler := NewHandler(chatService, buffer)

	router := gin.New()
	handler.RegisterRoutes(router)
	return router
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v (%s)", err, data)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

type messagePage struct {
	Messages []struct {
		ID     int64         `json:"id"`
		Role   models.Role   `json:"role"`
		Text   string        `json:"text"`
		Status models.Status `json:"status"`
	} `json:"messages"`
	Cursor string `json:"cursor"`
}

func fetchMessages(t *testing.T, router *gin.Engine, threadID int64) messagePage {
	t.Helper()
	rec := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/threads/%d/messages?streams=1", threadID), nil)
	assertStatus(t, rec, http.StatusOK)
	var page messagePage
	decodeJSON(t, rec.Body.Bytes(), &page)
	return page
}

// waitForAssistant polls the read API until the newest assistant message of
// the thread reaches a terminal status.
func waitForAssistant(t *testing.T, router *gin.Engine, threadID int64) messagePage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		page := fetchMessages(t, router, threadID)
		for _, m := range page.Messages {
			if m.Role == models.RoleAssistant &&
				(m.Status == models.StatusComplete || m.Status == models.StatusFailed) {
				return page
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("assistant message never reached a terminal status")
	return messagePage{}
}

func TestThreadLifecycleEndToEnd(t *testing.T) {
	gen := &fakeGenerator{fragments: []string{"Hello", " from", " the model"}, title: "Greeting"}
	router := newTestServer(t, gen)

	// Open a thread with its first prompt.
	createResp := doJSONRequest(t, router, http.MethodPost, "/api/threads",
		map[string]string{"prompt": "say hello"})
	assertStatus(t, createResp, http.StatusCreated)
	var created struct {
		Thread struct {
			ID int64 `json:"id"`
		} `json:"thread"`
		Message struct {
			ID   int64  `json:"id"`
			Text string `json:"text"`
		} `json:"message"`
	}
	decodeJSON(t, createResp.Body.Bytes(), &created)
	if created.Thread.ID <= 0 || created.Message.Text != "say hello" {
		t.Fatalf("unexpected create response: %s", createResp.Body.String())
	}

	page := waitForAssistant(t, router, created.Thread.ID)
	if len(page.Messages) != 2 {
		t.Fatalf("expected user + assistant messages, got %d", len(page.Messages))
	}
	reply := page.Messages[1]
	if reply.Status != models.StatusComplete || reply.Text != "Hello from the model" {
		t.Fatalf("unexpected assistant reply: %#v", reply)
	}

	// Title job eventually replaces the placeholder.
	deadline := time.Now().Add(3 * time.Second)
	for {
		rec := doJSONRequest(t, router, http.MethodGet,
			fmt.Sprintf("/api/threads/%d", created.Thread.ID), nil)
		assertStatus(t, rec, http.StatusOK)
		var got struct {
			Thread struct {
				Title string `json:"title"`
			} `json:"thread"`
		}
		decodeJSON(t, rec.Body.Bytes(), &got)
		if got.Thread.Title == "Greeting" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("title never updated, still %q", got.Thread.Title)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Second turn on the same thread.
	sendResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/threads/%d/messages", created.Thread.ID),
		map[string]string{"prompt": "and again"})
	assertStatus(t, sendResp, http.StatusAccepted)

	deadline = time.Now().Add(3 * time.Second)
	for {
		page = fetchMessages(t, router, created.Thread.ID)
		if len(page.Messages) == 4 && page.Messages[3].Status == models.StatusComplete {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("second exchange incomplete: %#v", page.Messages)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Thread listing carries the first prompt as preview.
	listResp := doJSONRequest(t, router, http.MethodGet, "/api/threads", nil)
	assertStatus(t, listResp, http.StatusOK)
	var list struct {
		Threads []struct {
			ID      int64 `json:"id"`
			Preview *struct {
				Text string `json:"text"`
			} `json:"preview"`
		} `json:"threads"`
	}
	decodeJSON(t, listResp.Body.Bytes(), &list)
	if len(list.Threads) != 1 || list.Threads[0].Preview == nil || list.Threads[0].Preview.Text != "say hello" {
		t.Fatalf("unexpected thread list: %s", listResp.Body.String())
	}

	// Deleting twice both return 204.
	delResp := doJSONRequest(t, router, http.MethodDelete,
		fmt.Sprintf("/api/threads/%d", created.Thread.ID), nil)
	assertStatus(t, delResp, http.StatusNoContent)
	delResp = doJSONRequest(t, router, http.MethodDelete,
		fmt.Sprintf("/api/threads/%d", created.Thread.ID), nil)
	assertStatus(t, delResp, http.StatusNoContent)

	getResp := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/threads/%d", created.Thread.ID), nil)
	assertStatus(t, getResp, http.StatusNotFound)
}

func TestGenerationFailureSurfacesAsFailedMessage(t *testing.T) {
	gen := &fakeGenerator{fragments: []string{"half an "}, recvErr: errors.New("provider down"), title: "t"}
	router := newTestServer(t, gen)

	createResp := doJSONRequest(t, router, http.MethodPost, "/api/threads",
		map[string]string{"prompt": "doomed"})
	assertStatus(t, createResp, http.StatusCreated)
	var created struct {
		Thread struct {
			ID int64 `json:"id"`
		} `json:"thread"`
	}
	decodeJSON(t, createResp.Body.Bytes(), &created)

	page := waitForAssistant(t, router, created.Thread.ID)
	reply := page.Messages[len(page.Messages)-1]
	if reply.Status != models.StatusFailed {
		t.Fatalf("expected failed status, got %s", reply.Status)
	}
	if reply.Text != "half an " {
		t.Fatalf("expected partial text preserved, got %q", reply.Text)
	}
}

func TestSendMessageValidationErrors(t *testing.T) {
	router := newTestServer(t, &fakeGenerator{fragments: []string{"ok"}, title: "t"})

	// blank prompt
	createResp := doJSONRequest(t, router, http.MethodPost, "/api/threads", nil)
	assertStatus(t, createResp, http.StatusCreated)
	var created struct {
		Thread struct {
			ID int64 `json:"id"`
		} `json:"thread"`
	}
	decodeJSON(t, createResp.Body.Bytes(), &created)

	rec := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/threads/%d/messages", created.Thread.ID),
		map[string]string{"prompt": "   "})
	assertStatus(t, rec, http.StatusBadRequest)

	// missing thread
	rec = doJSONRequest(t, router, http.MethodPost, "/api/threads/99999/messages",
		map[string]string{"prompt": "hello"})
	assertStatus(t, rec, http.StatusNotFound)

	// malformed thread id
	rec = doJSONRequest(t, router, http.MethodPost, "/api/threads/abc/messages",
		map[string]string{"prompt": "hello"})
	assertStatus(t, rec, http.StatusBadRequest)
}

type sseEvent struct {
	Name string
	Data string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	var current sseEvent
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "event: "):
			current.Name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.Data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if current.Name != "" || current.Data != "" {
				events = append(events, current)
				current = sseEvent{}
			}
		}
	}
	return events
}

func TestStreamEndpointReplaysSealedGeneration(t *testing.T) {
	gen := &fakeGenerator{fragments: []string{"The", " answer"}, title: "t"}
	router := newTestServer(t, gen)

	createResp := doJSONRequest(t, router, http.MethodPost, "/api/threads",
		map[string]string{"prompt": "question"})
	assertStatus(t, createResp, http.StatusCreated)
	var created struct {
		Thread struct {
			ID int64 `json:"id"`
		} `json:"thread"`
	}
	decodeJSON(t, createResp.Body.Bytes(), &created)

	page := waitForAssistant(t, router, created.Thread.ID)
	reply := page.Messages[len(page.Messages)-1]

	rec := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/threads/%d/messages/%d/stream", created.Thread.ID, reply.ID), nil)
	assertStatus(t, rec, http.StatusOK)

	events := parseSSE(t, rec.Body.String())
	if len(events) != 1 || events[0].Name != "done" {
		t.Fatalf("expected a single done event for a sealed generation, got %#v", events)
	}
	var done struct {
		Status models.Status `json:"status"`
		Text   string        `json:"text"`
	}
	decodeJSON(t, []byte(events[0].Data), &done)
	if done.Status != models.StatusComplete || done.Text != "The answer" {
		t.Fatalf("unexpected done payload: %#v", done)
	}

	// unknown message id under the thread
	rec = doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/threads/%d/messages/99999/stream", created.Thread.ID), nil)
	assertStatus(t, rec, http.StatusNotFound)
}
