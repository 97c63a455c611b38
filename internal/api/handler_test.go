package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/theognis1002/nimbus-relay/internal/database/models"
	"github.com/theognis1002/nimbus-relay/internal/queue"
	"github.com/theognis1002/nimbus-relay/internal/relay"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSync struct {
	mu   sync.Mutex
	tags []string
}

func (s *fakeSync) HandleTrigger(tag string) error {
	if tag != "webhook-sync" {
		return fmt.Errorf("%w: %q", relay.ErrUnknownTag, tag)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags = append(s.tags, tag)
	return nil
}

func (s *fakeSync) accepted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tags...)
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	sent [][]queue.QueueItem
}

func (b *fakeBroadcaster) BroadcastQueue(items []queue.QueueItem) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, items)
}

func (b *fakeBroadcaster) broadcasts() [][]queue.QueueItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]queue.QueueItem(nil), b.sent...)
}

type fakeAttempts struct {
	mu       sync.Mutex
	gotLimit int
	err      error
}

func (a *fakeAttempts) limit() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gotLimit
}

func (a *fakeAttempts) Recent(_ context.Context, limit int) ([]models.Attempt, error) {
	a.mu.Lock()
	a.gotLimit = limit
	a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	return []models.Attempt{{ID: "a1", PassID: "p1", Success: true, AttemptedAt: time.Unix(0, 0).UTC()}}, nil
}

type fakeArchive map[string]string

func (a fakeArchive) Fetch(_ context.Context, key string) ([]byte, error) {
	v, ok := a[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return []byte(v), nil
}

func setup(t *testing.T, opts ...func(*Handler)) (*Handler, *queue.Store, *httptest.Server) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := queue.NewStore(rdb, "relay:queue:test")

	h := &Handler{
		Store:    store,
		Bridge:   &fakeBroadcaster{},
		Sync:     &fakeSync{},
		Attempts: &fakeAttempts{},
		Archive:  fakeArchive{"delivered/2026/01/02/abc.json": `{"content":"hi"}`},
		Checks: map[string]Check{
			"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
		Logger: testLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return h, store, srv
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	_, _, srv := setup(t)

	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestHealthz_FailingCheck(t *testing.T) {
	t.Parallel()
	_, _, srv := setup(t, func(h *Handler) {
		h.Checks["postgres"] = func(context.Context) error { return errors.New("connection refused") }
	})

	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if body["status"] != "error" {
		t.Errorf("body = %v", body)
	}
}

func TestQueue_PostThenGet(t *testing.T) {
	t.Parallel()
	h, store, srv := setup(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/queue", `{"mensaje":{"content":"one"}}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (%v)", resp.StatusCode, body)
	}
	resp, body = do(t, http.MethodPost, srv.URL+"/api/queue", `[{"mensaje":{"content":"two"}},{"mensaje":{"content":"three"}}]`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if body["queued"] != float64(2) || body["length"] != float64(3) {
		t.Errorf("body = %v, want queued 2 length 3", body)
	}

	items, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(items) != 3 || string(items[0].Payload) != `{"content":"one"}` || string(items[2].Payload) != `{"content":"three"}` {
		t.Errorf("store = %v", items)
	}

	if sent := h.Bridge.(*fakeBroadcaster).broadcasts(); len(sent) != 2 || len(sent[1]) != 3 {
		t.Errorf("broadcasts = %v, want the updated queue after each append", sent)
	}

	resp, body = do(t, http.MethodGet, srv.URL+"/api/queue", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["length"] != float64(3) {
		t.Errorf("length = %v, want 3", body["length"])
	}
}

func TestQueue_PostRejectsBadBodies(t *testing.T) {
	t.Parallel()
	_, _, srv := setup(t)

	for _, body := range []string{``, `{`, `[]`, `{"other":1}`, `[{"mensaje":null}]`} {
		resp, _ := do(t, http.MethodPost, srv.URL+"/api/queue", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestSync(t *testing.T) {
	t.Parallel()
	h, _, srv := setup(t)

	resp, _ := do(t, http.MethodPost, srv.URL+"/api/sync/webhook-sync", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodPost, srv.URL+"/api/sync/bogus", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for unknown tag", resp.StatusCode)
	}
	if tags := h.Sync.(*fakeSync).accepted(); len(tags) != 1 {
		t.Errorf("accepted tags = %v, want 1", tags)
	}
}

func TestAttempts(t *testing.T) {
	t.Parallel()
	h, _, srv := setup(t)

	resp, err := http.Get(srv.URL + "/api/attempts?limit=5")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var attempts []models.Attempt
	if err := json.NewDecoder(resp.Body).Decode(&attempts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(attempts) != 1 || attempts[0].ID != "a1" {
		t.Errorf("attempts = %+v", attempts)
	}
	if got := h.Attempts.(*fakeAttempts).limit(); got != 5 {
		t.Errorf("limit = %d, want 5", got)
	}

	bad, _ := do(t, http.MethodGet, srv.URL+"/api/attempts?limit=abc", "")
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for bad limit", bad.StatusCode)
	}
}

func TestAttempts_Unavailable(t *testing.T) {
	t.Parallel()
	_, _, srv := setup(t, func(h *Handler) { h.Attempts = nil })

	resp, _ := do(t, http.MethodGet, srv.URL+"/api/attempts", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestArchive(t *testing.T) {
	t.Parallel()
	_, _, srv := setup(t)

	tests := []struct {
		path string
		want int
	}{
		{"/api/archive/delivered/2026/01/02/abc.json", http.StatusOK},
		{"/api/archive/delivered/2026/01/02/missing.json", http.StatusNotFound},
		{"/api/archive/secrets.txt", http.StatusBadRequest},
	}
	for _, tt := range tests {
		resp, _ := do(t, http.MethodGet, srv.URL+tt.path, "")
		if resp.StatusCode != tt.want {
			t.Errorf("GET %s: status = %d, want %d", tt.path, resp.StatusCode, tt.want)
		}
	}
}
