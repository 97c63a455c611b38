package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/theognis1002/nimbus-relay/internal/database/models"
	"github.com/theognis1002/nimbus-relay/internal/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func item(s string) queue.QueueItem {
	return queue.QueueItem{Payload: json.RawMessage(s)}
}

func payloads(items []queue.QueueItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = string(it.Payload)
	}
	return out
}

func setupStore(t *testing.T, items ...queue.QueueItem) (*redis.Client, *queue.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := queue.NewStore(rdb, "relay:queue:test")
	if len(items) > 0 {
		if err := s.Save(context.Background(), items); err != nil {
			t.Fatalf("seeding store: %v", err)
		}
	}
	return rdb, s
}

func loadStore(t *testing.T, s *queue.Store) []string {
	t.Helper()
	items, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return payloads(items)
}

// endpoint is a webhook or proxy stand-in that records request bodies and
// answers with status(body).
type endpoint struct {
	*httptest.Server
	mu     sync.Mutex
	bodies []string
	urls   []string
}

func newEndpoint(t *testing.T, status func(body string) int) *endpoint {
	t.Helper()
	e := &endpoint{}
	e.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		e.mu.Lock()
		e.bodies = append(e.bodies, string(data))
		e.urls = append(e.urls, r.URL.String())
		e.mu.Unlock()
		w.WriteHeader(status(string(data)))
	}))
	t.Cleanup(e.Close)
	return e
}

func always(code int) func(string) int {
	return func(string) int { return code }
}

func (e *endpoint) calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.bodies)
}

func (e *endpoint) requestURLs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.urls)
}

type fakeBridge struct {
	mu         sync.Mutex
	connected  bool
	clientQ    []queue.QueueItem
	broadcasts [][]queue.QueueItem
	notes      []string
}

func (b *fakeBridge) FetchQueue(context.Context) ([]queue.QueueItem, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, false
	}
	return slices.Clone(b.clientQ), true
}

func (b *fakeBridge) BroadcastQueue(items []queue.QueueItem) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcasts = append(b.broadcasts, items)
}

func (b *fakeBridge) Notify(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notes = append(b.notes, text)
}

type fakeRecorder struct {
	mu       sync.Mutex
	attempts []models.Attempt
}

func (r *fakeRecorder) Record(_ context.Context, a models.Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, a)
	return nil
}

type fakeArchiver struct {
	mu     sync.Mutex
	stored []string
}

func (a *fakeArchiver) Store(_ context.Context, payload []byte, _ time.Time) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stored = append(a.stored, string(payload))
	return "delivered/test/" + string(rune('a'+len(a.stored)-1)) + ".json", nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
