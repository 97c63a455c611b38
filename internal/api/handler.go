package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/theognis1002/nimbus-relay/internal/database/models"
	"github.com/theognis1002/nimbus-relay/internal/queue"
	"github.com/theognis1002/nimbus-relay/internal/relay"
	"github.com/theognis1002/nimbus-relay/internal/storage"
)

const maxBodyBytes = 1 << 20

type QueueStore interface {
	Load(ctx context.Context) ([]queue.QueueItem, error)
	Append(ctx context.Context, items ...queue.QueueItem) ([]queue.QueueItem, error)
}

type Broadcaster interface {
	BroadcastQueue(items []queue.QueueItem)
}

type Syncer interface {
	HandleTrigger(tag string) error
}

type AttemptLister interface {
	Recent(ctx context.Context, limit int) ([]models.Attempt, error)
}

type ArchiveReader interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// Check reports the health of one dependency.
type Check func(ctx context.Context) error

// Handler serves the relay's HTTP surface. Optional dependencies may be
// nil; their routes answer 503.
type Handler struct {
	Store     QueueStore
	Bridge    Broadcaster
	Sync      Syncer
	Attempts  AttemptLister
	Archive   ArchiveReader
	WebSocket http.Handler
	Checks    map[string]Check
	Logger    *slog.Logger
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, h.logRequests)

	r.Get("/healthz", h.health)
	if h.WebSocket != nil {
		r.Get("/ws", h.WebSocket.ServeHTTP)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/queue", h.getQueue)
		r.Post("/queue", h.postQueue)
		r.Post("/sync/{tag}", h.postSync)
		r.Get("/attempts", h.getAttempts)
		r.Get("/archive/*", h.getArchive)
	})
	return r
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.Logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(h.Checks))}
	code := http.StatusOK
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			h.Logger.Error("health check failed", "check", name, "error", err)
			resp.Checks[name] = err.Error()
			resp.Status = "error"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, code, resp)
}

func (h *Handler) getQueue(w http.ResponseWriter, r *http.Request) {
	items, err := h.Store.Load(r.Context())
	if err != nil {
		h.Logger.Error("failed to load queue", "error", err)
		writeError(w, http.StatusServiceUnavailable, "queue store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"colaMensajes": items, "length": len(items)})
}

func (h *Handler) postQueue(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	items, err := decodeItems(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := h.Store.Append(r.Context(), items...)
	if err != nil {
		h.Logger.Error("failed to append to queue", "error", err)
		writeError(w, http.StatusServiceUnavailable, "queue store unavailable")
		return
	}
	if h.Bridge != nil {
		h.Bridge.BroadcastQueue(updated)
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"queued": len(items), "length": len(updated)})
}

// decodeItems accepts one {"mensaje": ...} object or an array of them.
func decodeItems(body []byte) ([]queue.QueueItem, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}

	var items []queue.QueueItem
	if body[0] == '[' {
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("invalid queue items: %w", err)
		}
	} else {
		var it queue.QueueItem
		if err := json.Unmarshal(body, &it); err != nil {
			return nil, fmt.Errorf("invalid queue item: %w", err)
		}
		items = []queue.QueueItem{it}
	}

	if len(items) == 0 {
		return nil, errors.New("no items")
	}
	for i, it := range items {
		if len(it.Payload) == 0 || string(it.Payload) == "null" {
			return nil, fmt.Errorf("item %d: missing mensaje", i)
		}
	}
	return items, nil
}

func (h *Handler) postSync(w http.ResponseWriter, r *http.Request) {
	if h.Sync == nil {
		writeError(w, http.StatusServiceUnavailable, "sync unavailable")
		return
	}
	tag := chi.URLParam(r, "tag")
	if err := h.Sync.HandleTrigger(tag); err != nil {
		if errors.Is(err, relay.ErrUnknownTag) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"tag": tag, "status": "scheduled"})
}

func (h *Handler) getAttempts(w http.ResponseWriter, r *http.Request) {
	if h.Attempts == nil {
		writeError(w, http.StatusServiceUnavailable, "attempt log unavailable")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	attempts, err := h.Attempts.Recent(r.Context(), limit)
	if err != nil {
		h.Logger.Error("failed to list attempts", "error", err)
		writeError(w, http.StatusServiceUnavailable, "attempt log unavailable")
		return
	}
	if attempts == nil {
		attempts = []models.Attempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (h *Handler) getArchive(w http.ResponseWriter, r *http.Request) {
	if h.Archive == nil {
		writeError(w, http.StatusServiceUnavailable, "archive unavailable")
		return
	}
	key := chi.URLParam(r, "*")
	if !storage.ValidArchiveKey(key) {
		writeError(w, http.StatusBadRequest, "invalid archive key")
		return
	}

	data, err := h.Archive.Fetch(r.Context(), key)
	if err != nil {
		h.Logger.Warn("archive fetch failed", "key", key, "error", err)
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
