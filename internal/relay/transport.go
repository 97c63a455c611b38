package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/theognis1002/nimbus-relay/internal/parser"
)

var (
	ErrNoTransport = errors.New("relay: no transport configured")
	ErrNoProxy     = errors.New("relay: no healthy proxy available")
)

// Transport delivers one payload. A nil error means the endpoint accepted it.
type Transport interface {
	Name() string
	Send(ctx context.Context, payload json.RawMessage) error
}

// DirectTransport posts straight to the webhook.
type DirectTransport struct {
	client  *http.Client
	webhook string
}

func NewDirectTransport(client *http.Client, webhook string) *DirectTransport {
	return &DirectTransport{client: client, webhook: webhook}
}

func (t *DirectTransport) Name() string { return "direct" }

func (t *DirectTransport) Send(ctx context.Context, payload json.RawMessage) error {
	if err := postJSON(ctx, t.client, t.webhook, payload); err != nil {
		return fmt.Errorf("posting to webhook: %w", err)
	}
	return nil
}

// ProxyTransport posts to a forwarding proxy, passing the webhook as the
// url query parameter.
type ProxyTransport struct {
	client  *http.Client
	pool    *ProxyPool
	webhook string
	logger  *slog.Logger
}

func NewProxyTransport(client *http.Client, pool *ProxyPool, webhook string, logger *slog.Logger) *ProxyTransport {
	return &ProxyTransport{client: client, pool: pool, webhook: webhook, logger: logger}
}

func (t *ProxyTransport) Name() string { return "proxy" }

func (t *ProxyTransport) Send(ctx context.Context, payload json.RawMessage) error {
	base := t.pool.Next(ctx)
	if base == nil {
		return ErrNoProxy
	}

	target, err := parser.ProxiedURL(base.String(), t.webhook)
	if err != nil {
		return err
	}

	err = postJSON(ctx, t.client, target, payload)
	if err == nil {
		return nil
	}

	var se *StatusError
	if !errors.As(err, &se) && ctx.Err() == nil {
		t.logger.WarnContext(ctx, "proxy unreachable, cooling down", "proxy", base.Redacted(), "error", err)
		t.pool.MarkUnhealthy(ctx, base)
	}
	return fmt.Errorf("posting via proxy %s: %w", base.Host, err)
}

// Chain tries each transport in order until one succeeds.
type Chain []Transport

// Send returns the name of the transport that delivered payload, or every
// transport's error joined together.
func (c Chain) Send(ctx context.Context, payload json.RawMessage) (string, error) {
	if len(c) == 0 {
		return "", ErrNoTransport
	}

	var errs []error
	for _, t := range c {
		err := t.Send(ctx, payload)
		if err == nil {
			return t.Name(), nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return "", errors.Join(errs...)
}
