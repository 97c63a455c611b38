package relay

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/redis/go-redis/v9"
	"github.com/theognis1002/nimbus-relay/internal/parser"
)

const proxyHealthKeyPrefix = "relay:proxy:health:"

// ProxyPool hands out forwarding proxies round-robin, skipping any that are
// cooling down after a network failure.
type ProxyPool struct {
	static   []string
	path     string
	rdb      *redis.Client
	cooldown time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	proxies []*url.URL
	counter atomic.Uint64
}

// NewProxyPool builds a pool from the configured bases plus the lines of the
// proxy file, if any. Returns (nil, nil) when neither source is configured.
func NewProxyPool(urls []string, path string, rdb *redis.Client, cooldownSecs int, logger *slog.Logger) (*ProxyPool, error) {
	if len(urls) == 0 && path == "" {
		return nil, nil
	}

	p := &ProxyPool{
		static:   urls,
		path:     path,
		rdb:      rdb,
		cooldown: time.Duration(cooldownSecs) * time.Second,
		logger:   logger,
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload rereads the proxy file. On error the current set is kept.
func (p *ProxyPool) Reload() error {
	lines := slices.Clone(p.static)
	if p.path != "" {
		fromFile, err := readProxyFile(p.path)
		if err != nil {
			return err
		}
		lines = append(lines, fromFile...)
	}

	var proxies []*url.URL
	seen := make(map[string]struct{})
	for _, line := range lines {
		normalized, err := parser.NormalizeEndpoint(line)
		if err != nil {
			return fmt.Errorf("invalid proxy URL: %w", err)
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		u, err := url.Parse(normalized)
		if err != nil {
			return fmt.Errorf("parsing proxy URL %q: %w", normalized, err)
		}
		proxies = append(proxies, u)
	}
	if len(proxies) == 0 {
		return fmt.Errorf("no valid proxy URLs configured")
	}

	p.mu.Lock()
	p.proxies = proxies
	p.mu.Unlock()
	return nil
}

func readProxyFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening proxy file %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading proxy file: %w", err)
	}
	return lines, nil
}

// Watch reloads the pool whenever the proxy file is written or replaced,
// until ctx is done. It returns immediately when no file is configured.
func (p *ProxyPool) Watch(ctx context.Context) error {
	if p.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating proxy file watcher: %w", err)
	}
	defer watcher.Close()

	// Editors often replace the file, so watch the directory.
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(p.path), err)
	}
	target := filepath.Clean(p.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				if err := p.Reload(); err != nil {
					p.logger.Warn("proxy file reload failed, keeping previous set", "path", p.path, "error", err)
					continue
				}
				p.logger.Info("proxy file reloaded", "path", p.path, "proxies", p.Len())
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("proxy file watcher error", "path", p.path, "error", err)
		}
	}
}

// Next returns the next healthy proxy using round-robin selection.
// Returns nil if every proxy is cooling down.
func (p *ProxyPool) Next(ctx context.Context) *url.URL {
	p.mu.RLock()
	proxies := p.proxies
	p.mu.RUnlock()

	n := len(proxies)
	if n == 0 {
		return nil
	}
	start := p.counter.Add(1) - 1
	for i := 0; i < n; i++ {
		proxy := proxies[(start+uint64(i))%uint64(n)]
		if p.rdb == nil {
			return proxy
		}
		key := proxyHealthKeyPrefix + proxy.String()
		exists, err := p.rdb.Exists(ctx, key).Result()
		if err != nil {
			p.logger.WarnContext(ctx, "redis error checking proxy health, assuming healthy", "proxy", proxy.Redacted(), "error", err)
			return proxy
		}
		if exists == 0 {
			return proxy
		}
	}
	return nil
}

// MarkUnhealthy puts proxy in cooldown. SetNX keeps concurrent relays from
// extending the TTL.
func (p *ProxyPool) MarkUnhealthy(ctx context.Context, proxy *url.URL) {
	if p.rdb == nil || p.cooldown <= 0 {
		return
	}
	key := proxyHealthKeyPrefix + proxy.String()
	if err := p.rdb.SetNX(ctx, key, "1", p.cooldown).Err(); err != nil {
		p.logger.WarnContext(ctx, "failed to mark proxy unhealthy in redis", "proxy", proxy.Redacted(), "error", err)
	}
}

// Len returns the number of configured proxies.
func (p *ProxyPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.proxies)
}
