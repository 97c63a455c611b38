package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/theognis1002/nimbus-relay/internal/bridge"
	"github.com/theognis1002/nimbus-relay/internal/queue"
)

var ErrUnknownTag = errors.New("relay: unknown sync tag")

// TagProcessQueue names passes requested by a page over the bridge.
const TagProcessQueue = "process-queue"

type Drainer interface {
	Drain(ctx context.Context) (Report, error)
}

type ServiceConfig struct {
	SyncTag          string
	PeriodicSyncTag  string
	PeriodicInterval time.Duration
	MaxSyncRetries   int
	RetryBase        time.Duration
}

type pending struct {
	requested bool
	tag       string
	sync      bool
	fresh     bool
}

// Service owns the drain loop. Every pass runs on the goroutine calling
// Run, so passes never overlap; triggers arriving while a pass is pending
// are folded into it.
type Service struct {
	cfg    ServiceConfig
	engine Drainer
	direct Transport
	logger *slog.Logger

	mu      sync.Mutex
	next    pending
	wake    chan struct{}
	passes  atomic.Int64
	running atomic.Bool

	// Owned by the Run goroutine.
	retries      int
	retryPending bool
	retryTimer   *time.Timer
}

func NewService(cfg ServiceConfig, engine Drainer, direct Transport, logger *slog.Logger) *Service {
	return &Service{
		cfg:    cfg,
		engine: engine,
		direct: direct,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Trigger requests a pass without waiting for it.
func (s *Service) Trigger(tag string) {
	s.request(tag, false)
}

func (s *Service) request(tag string, retry bool) {
	s.mu.Lock()
	if !s.next.requested || tag == s.cfg.SyncTag {
		s.next.tag = tag
	}
	s.next.requested = true
	if tag == s.cfg.SyncTag {
		s.next.sync = true
		s.next.fresh = s.next.fresh || !retry
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// HandleTrigger accepts the one-shot and periodic sync tags and rejects
// anything else with ErrUnknownTag.
func (s *Service) HandleTrigger(tag string) error {
	if tag == "" || (tag != s.cfg.SyncTag && tag != s.cfg.PeriodicSyncTag) {
		return fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
	s.Trigger(tag)
	return nil
}

// HandleDelivery acks a trigger from the stream once it is accepted and
// dead-letters unknown tags.
func (s *Service) HandleDelivery(d queue.Delivery) {
	logger := s.logger.With("entry", d.ID, "tag", d.Trigger.Tag, "source", d.Trigger.Source)
	if err := s.HandleTrigger(d.Trigger.Tag); err != nil {
		logger.Warn("rejecting trigger", "error", err)
		if err := d.Nack(true); err != nil {
			logger.Error("failed to dead-letter trigger", "error", err)
		}
		return
	}
	if err := d.Ack(); err != nil {
		logger.Error("failed to ack trigger", "error", err)
	}
}

// ConsumeTriggers feeds stream deliveries into the service until the
// channel closes.
func (s *Service) ConsumeTriggers(deliveries <-chan queue.Delivery) {
	for d := range deliveries {
		s.HandleDelivery(d)
	}
}

// HandleMessage serves page requests arriving over the bridge.
func (s *Service) HandleMessage(ctx context.Context, c *bridge.Client, msg bridge.Message) {
	switch m := msg.(type) {
	case bridge.SendNotification:
		result := s.SendNow(ctx, m.Port, m.Payload)
		if err := c.Reply(result); err != nil {
			s.logger.Warn("failed to reply to client", "client", c.ID, "port", m.Port, "error", err)
		}
	case bridge.ProcessQueue:
		s.Trigger(TagProcessQueue)
	}
}

// SendNow makes one direct delivery of payload and reports the outcome for
// the reply port. It never falls back to the proxy and never touches the
// queue.
func (s *Service) SendNow(ctx context.Context, port string, payload json.RawMessage) bridge.SendResult {
	result := bridge.SendResult{Port: port}

	if len(payload) == 0 || !json.Valid(payload) {
		result.Error = "invalid payload"
		return result
	}
	if s.direct == nil {
		result.Error = ErrNoTransport.Error()
		return result
	}

	if err := s.direct.Send(ctx, payload); err != nil {
		s.logger.Warn("direct send failed", "port", port, "error", err)
		result.Error = sendError(err)
		return result
	}
	result.Success = true
	return result
}

func sendError(err error) string {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Error()
	}
	return err.Error()
}

// Run executes requested passes and the periodic sync until ctx is done.
func (s *Service) Run(ctx context.Context) {
	var tick <-chan time.Time
	if s.cfg.PeriodicInterval > 0 {
		ticker := time.NewTicker(s.cfg.PeriodicInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer func() {
		if s.retryTimer != nil {
			s.retryTimer.Stop()
		}
	}()

	s.logger.Info("relay service started", "periodic_interval", s.cfg.PeriodicInterval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("relay service stopping")
			return
		case <-tick:
			s.Trigger(s.cfg.PeriodicSyncTag)
		case <-s.wake:
			s.mu.Lock()
			p := s.next
			s.next = pending{}
			s.mu.Unlock()
			if p.requested {
				s.runPass(ctx, p)
			}
		}
	}
}

func (s *Service) runPass(ctx context.Context, p pending) {
	logger := s.logger.With("tag", p.tag)
	if p.sync {
		if s.retryTimer != nil {
			s.retryTimer.Stop()
		}
		s.retryPending = false
		if p.fresh {
			s.retries = 0
		}
	}

	s.running.Store(true)
	report, err := s.engine.Drain(ctx)
	s.running.Store(false)
	s.passes.Add(1)

	if err != nil {
		if IsInterrupted(err) {
			logger.Info("pass interrupted", "delivered", report.Delivered)
		} else {
			logger.Error("pass failed", "error", err)
		}
		return
	}

	if !p.sync {
		return
	}
	if report.Remaining == 0 {
		s.retries = 0
		return
	}
	s.scheduleRetry(logger, report.Remaining)
}

// scheduleRetry re-arms a one-shot sync with exponential backoff while
// items remain and the retry budget lasts.
func (s *Service) scheduleRetry(logger *slog.Logger, remaining int) {
	if s.retryPending {
		return
	}
	if s.retries >= s.cfg.MaxSyncRetries {
		logger.Warn("sync retries exhausted, waiting for next trigger", "remaining", remaining, "retries", s.retries)
		return
	}

	delay := backoffDuration(s.cfg.RetryBase, s.retries)
	s.retries++
	s.retryPending = true
	logger.Info("scheduling sync retry", "remaining", remaining, "attempt", s.retries, "delay", delay)
	s.retryTimer = time.AfterFunc(delay, func() { s.request(s.cfg.SyncTag, true) })
}

// Passes returns how many passes have finished.
func (s *Service) Passes() int64 {
	return s.passes.Load()
}

// Running reports whether a pass is in progress.
func (s *Service) Running() bool {
	return s.running.Load()
}
