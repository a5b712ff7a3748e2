package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/yk9331/bear-plus/internal/collab"
	"github.com/yk9331/bear-plus/internal/config"
	"github.com/yk9331/bear-plus/internal/realtime"
	"github.com/yk9331/bear-plus/internal/store"
)

type fakeStore struct {
	getNoteFn  func(ctx context.Context, id string) (store.Note, error)
	saveNoteFn func(ctx context.Context, snapshot store.NoteSnapshot) error
	pingFn     func(ctx context.Context) error
}

func (f *fakeStore) GetNote(ctx context.Context, id string) (store.Note, error) {
	if f.getNoteFn != nil {
		return f.getNoteFn(ctx, id)
	}
	return store.Note{}, sql.ErrNoRows
}

func (f *fakeStore) SaveNote(ctx context.Context, snapshot store.NoteSnapshot) error {
	if f.saveNoteFn != nil {
		return f.saveNoteFn(ctx, snapshot)
	}
	return nil
}

func (f *fakeStore) ListAuthors(ctx context.Context, noteID string) ([]store.Author, error) {
	return nil, nil
}

func (f *fakeStore) EnsureAuthor(ctx context.Context, noteID, userID, color string) (string, error) {
	return color, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func newTestServer(fs *fakeStore, maxHistory int) *HTTPServer {
	cfg := config.Config{
		CORSOrigin:     "*",
		MaxStepHistory: maxHistory,
		SaveInterval:   time.Hour,
		PollTimeout:    100 * time.Millisecond,
	}
	registry := collab.NewRegistry(fs, cfg.MaxStepHistory, cfg.SaveInterval)
	hub := realtime.NewHub(nil)
	return NewHTTPServer(New(cfg, registry, hub, fs), cfg.CORSOrigin)
}

func doRequest(t *testing.T, server *HTTPServer, method, path, userID, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	var response map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
			t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
		}
	}
	return rr, response
}

func TestOpenNewNote(t *testing.T) {
	server := newTestServer(&fakeStore{}, 100)

	rr, response := doRequest(t, server, http.MethodGet, "/api/collab/note-1", "alice", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if version, ok := response["version"].(float64); !ok || version != 0 {
		t.Errorf("version = %v, want 0", response["version"])
	}
	if color, ok := response["clientColor"].(string); !ok || color == "" {
		t.Errorf("clientColor = %v, want non-empty", response["clientColor"])
	}
	if users, ok := response["users"].(float64); !ok || users != 1 {
		t.Errorf("users = %v, want 1", response["users"])
	}
	if _, ok := response["doc"]; !ok {
		t.Error("response missing doc")
	}
}

func TestOpenStorageFailure(t *testing.T) {
	server := newTestServer(&fakeStore{
		getNoteFn: func(context.Context, string) (store.Note, error) {
			return store.Note{}, errors.New("storage down")
		},
	}, 100)

	rr, response := doRequest(t, server, http.MethodGet, "/api/collab/note-1", "alice", "")
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rr.Code)
	}
	if response["code"] != "SERVER_ERROR" {
		t.Errorf("code = %v, want SERVER_ERROR", response["code"])
	}
}

func TestSubmitThenPoll(t *testing.T) {
	server := newTestServer(&fakeStore{}, 100)

	body := `{"version": 0, "steps": [{"stepType": "replace", "from": 0, "to": 0, "insert": "Hello"}], "clientID": "client-a"}`
	rr, response := doRequest(t, server, http.MethodPost, "/api/collab/note-1/events", "alice", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("submit status = %d: %s", rr.Code, rr.Body.String())
	}
	if version, ok := response["version"].(float64); !ok || version != 1 {
		t.Fatalf("version = %v, want 1", response["version"])
	}

	rr, response = doRequest(t, server, http.MethodGet, "/api/collab/note-1/events?version=0&commentVersion=0", "bob", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("poll status = %d: %s", rr.Code, rr.Body.String())
	}
	steps, ok := response["steps"].([]any)
	if !ok || len(steps) != 1 {
		t.Fatalf("steps = %v, want one step", response["steps"])
	}
	clientIDs, ok := response["clientIDs"].([]any)
	if !ok || len(clientIDs) != 1 || clientIDs[0] != "client-a" {
		t.Errorf("clientIDs = %v, want [client-a]", response["clientIDs"])
	}
}

func TestSubmitConflict(t *testing.T) {
	server := newTestServer(&fakeStore{}, 100)

	first := `{"version": 0, "steps": [{"stepType": "replace", "from": 0, "to": 0, "insert": "Hello"}], "clientID": "client-a"}`
	if rr, _ := doRequest(t, server, http.MethodPost, "/api/collab/note-1/events", "alice", first); rr.Code != http.StatusOK {
		t.Fatalf("first submit status = %d", rr.Code)
	}

	stale := `{"version": 0, "steps": [{"stepType": "replace", "from": 0, "to": 0, "insert": "Hey"}], "clientID": "client-b"}`
	rr, response := doRequest(t, server, http.MethodPost, "/api/collab/note-1/events", "bob", stale)
	if rr.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rr.Code)
	}
	if response["code"] != "VERSION_CONFLICT" {
		t.Errorf("code = %v, want VERSION_CONFLICT", response["code"])
	}
}

func TestSubmitInvalidStep(t *testing.T) {
	server := newTestServer(&fakeStore{}, 100)

	body := `{"version": 0, "steps": [{"stepType": "replace", "from": 50, "to": 60}], "clientID": "client-a"}`
	rr, response := doRequest(t, server, http.MethodPost, "/api/collab/note-1/events", "alice", body)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
	if response["code"] != "INVALID_REQUEST" {
		t.Errorf("code = %v, want INVALID_REQUEST", response["code"])
	}
}

func TestPollTooFarBehind(t *testing.T) {
	server := newTestServer(&fakeStore{}, 1)

	for i, insert := range []string{"a", "b"} {
		body := `{"version": ` + strconv.Itoa(i) + `, "steps": [{"stepType": "replace", "from": 0, "to": 0, "insert": "` + insert + `"}], "clientID": "client-a"}`
		if rr, _ := doRequest(t, server, http.MethodPost, "/api/collab/note-1/events", "alice", body); rr.Code != http.StatusOK {
			t.Fatalf("submit %d status = %d", i, rr.Code)
		}
	}

	rr, response := doRequest(t, server, http.MethodGet, "/api/collab/note-1/events?version=0&commentVersion=0", "bob", "")
	if rr.Code != http.StatusGone {
		t.Errorf("status = %d, want 410", rr.Code)
	}
	if response["code"] != "HISTORY_GONE" {
		t.Errorf("code = %v, want HISTORY_GONE", response["code"])
	}
}

func TestPollTimesOutEmpty(t *testing.T) {
	server := newTestServer(&fakeStore{}, 100)

	rr, response := doRequest(t, server, http.MethodGet, "/api/collab/note-1/events?version=0&commentVersion=0", "alice", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if steps, ok := response["steps"].([]any); !ok || len(steps) != 0 {
		t.Errorf("steps = %v, want empty array", response["steps"])
	}
	if version, ok := response["version"].(float64); !ok || version != 0 {
		t.Errorf("version = %v, want 0", response["version"])
	}
}

func TestPollRejectsBadQuery(t *testing.T) {
	server := newTestServer(&fakeStore{}, 100)

	rr, _ := doRequest(t, server, http.MethodGet, "/api/collab/note-1/events?version=abc", "alice", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
	rr, _ = doRequest(t, server, http.MethodGet, "/api/collab/note-1/events?version=-2", "alice", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status for negative version = %d, want 400", rr.Code)
	}
}

func TestCloseEndpoint(t *testing.T) {
	server := newTestServer(&fakeStore{}, 100)

	if rr, _ := doRequest(t, server, http.MethodGet, "/api/collab/note-1", "alice", ""); rr.Code != http.StatusOK {
		t.Fatalf("open status = %d", rr.Code)
	}
	rr, response := doRequest(t, server, http.MethodPost, "/api/collab/note-1/close", "alice", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("close status = %d: %s", rr.Code, rr.Body.String())
	}
	if ok, exists := response["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", response["ok"])
	}
}

func TestSubmitAfterCloseReloadsSession(t *testing.T) {
	server := newTestServer(&fakeStore{}, 100)

	if rr, _ := doRequest(t, server, http.MethodGet, "/api/collab/note-1", "alice", ""); rr.Code != http.StatusOK {
		t.Fatalf("open status = %d", rr.Code)
	}
	if rr, _ := doRequest(t, server, http.MethodPost, "/api/collab/note-1/close", "alice", ""); rr.Code != http.StatusOK {
		t.Fatalf("close status = %d", rr.Code)
	}

	// The session was evicted; the next submit goes to a reloaded one.
	body := `{"version": 0, "steps": [{"stepType": "replace", "from": 0, "to": 0, "insert": "Hi"}], "clientID": "client-a"}`
	rr, response := doRequest(t, server, http.MethodPost, "/api/collab/note-1/events", "alice", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("submit status = %d: %s", rr.Code, rr.Body.String())
	}
	if version, ok := response["version"].(float64); !ok || version != 1 {
		t.Errorf("version = %v, want 1", response["version"])
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(&fakeStore{}, 100)

	rr, response := doRequest(t, server, http.MethodGet, "/api/health", "", "")
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
	if ok, exists := response["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", response["ok"])
	}
}

func TestReadyEndpointDatabaseFailure(t *testing.T) {
	server := newTestServer(&fakeStore{
		pingFn: func(context.Context) error {
			return errors.New("connection refused")
		},
	}, 100)

	rr, response := doRequest(t, server, http.MethodGet, "/api/ready", "", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rr.Code)
	}
	if status, exists := response["status"]; !exists || status != "not_ready" {
		t.Errorf("status = %v, want not_ready", response["status"])
	}
}

func TestUnknownRoute(t *testing.T) {
	server := newTestServer(&fakeStore{}, 100)

	rr, _ := doRequest(t, server, http.MethodGet, "/api/unknown", "", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestOptionsRequest(t *testing.T) {
	server := newTestServer(&fakeStore{}, 100)

	rr, _ := doRequest(t, server, http.MethodOptions, "/api/collab/note-1", "", "")
	if rr.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rr.Code)
	}
	if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("CORS origin = %q, want *", origin)
	}
}
