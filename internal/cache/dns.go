package cache

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	dnsTTL       = 5 * time.Minute
	dnsKeyPrefix = "relay:dns:"
)

// DNSCache resolves webhook and proxy hosts through a shared Redis cache.
// Unless allowPrivate is set, hosts resolving to non-public addresses are refused.
type DNSCache struct {
	client       *redis.Client
	allowPrivate bool
}

func NewDNSCache(client *redis.Client, allowPrivate bool) *DNSCache {
	return &DNSCache{client: client, allowPrivate: allowPrivate}
}

func (d *DNSCache) LookupHost(ctx context.Context, host string) (string, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return d.checked(addr.String(), host)
	}

	key := dnsKeyPrefix + host

	cached, err := d.client.Get(ctx, key).Result()
	if err == nil {
		return d.checked(cached, host)
	}
	if err != redis.Nil {
		return "", fmt.Errorf("redis get dns: %w", err)
	}

	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return "", fmt.Errorf("dns lookup %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("no addresses for %s", host)
	}

	ip, err := d.checked(addrs[0], host)
	if err != nil {
		return "", err
	}

	if err := d.client.Set(ctx, key, ip, dnsTTL).Err(); err != nil {
		return ip, nil // return IP even if caching fails
	}

	return ip, nil
}

func (d *DNSCache) checked(ip, host string) (string, error) {
	if !d.allowPrivate && isPrivateIP(ip) {
		return "", fmt.Errorf("resolved to private IP %s for host %s", ip, host)
	}
	return ip, nil
}

// isPrivateIP returns true if the IP is loopback, private, link-local, or otherwise not a public address.
func isPrivateIP(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return true // reject unparseable
	}
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsUnspecified()
}
