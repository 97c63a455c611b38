package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPostgresConfig_DSN(t *testing.T) {
	t.Parallel()
	c := PostgresConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "d"}
	want := "postgres://u:p@db:5432/d?sslmode=disable"
	if got := c.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}

func TestPostgresConfig_DSN_SpecialChars(t *testing.T) {
	t.Parallel()
	c := PostgresConfig{Host: "db", Port: 5432, User: "user", Password: "p@ss:word/!", Database: "d"}
	got := c.DSN()
	if !strings.Contains(got, "postgres://") {
		t.Errorf("DSN() = %q, expected postgres:// scheme", got)
	}
	if strings.Contains(got, "p@ss:word/!") {
		t.Errorf("DSN() = %q, special chars in password should be escaped", got)
	}
}

func TestRedisConfig_Addr(t *testing.T) {
	t.Parallel()
	c := RedisConfig{Host: "redis", Port: 6379}
	want := "redis:6379"
	if got := c.Addr(); got != want {
		t.Errorf("Addr() = %q, want %q", got, want)
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	cfg := LoadFromEnv()

	if cfg.Postgres.Host != "localhost" {
		t.Errorf("Postgres.Host = %q, want localhost", cfg.Postgres.Host)
	}
	if cfg.Postgres.Database != "nimbus_relay" {
		t.Errorf("Postgres.Database = %q, want nimbus_relay", cfg.Postgres.Database)
	}
	if cfg.Redis.Port != 6379 {
		t.Errorf("Redis.Port = %d, want 6379", cfg.Redis.Port)
	}
	if cfg.Relay.PauseMs != 1000 {
		t.Errorf("Relay.PauseMs = %d, want 1000", cfg.Relay.PauseMs)
	}
	if cfg.Relay.FetchQueueTimeoutMs != 3000 {
		t.Errorf("Relay.FetchQueueTimeoutMs = %d, want 3000", cfg.Relay.FetchQueueTimeoutMs)
	}
	if cfg.Relay.SyncTag != "webhook-sync" {
		t.Errorf("Relay.SyncTag = %q, want webhook-sync", cfg.Relay.SyncTag)
	}
	if cfg.Relay.PeriodicSyncTag != "webhook-periodic-sync" {
		t.Errorf("Relay.PeriodicSyncTag = %q, want webhook-periodic-sync", cfg.Relay.PeriodicSyncTag)
	}
	if cfg.Relay.QueueKey != "relay:queue" {
		t.Errorf("Relay.QueueKey = %q, want relay:queue", cfg.Relay.QueueKey)
	}
	if len(cfg.Relay.Proxy.URLs) != 1 || cfg.Relay.Proxy.URLs[0] != "https://corsproxy.io/" {
		t.Errorf("Relay.Proxy.URLs = %v, want [https://corsproxy.io/]", cfg.Relay.Proxy.URLs)
	}
	if cfg.Relay.ArchiveDelivered == nil || !*cfg.Relay.ArchiveDelivered {
		t.Error("Relay.ArchiveDelivered should default to true")
	}
}

func TestLoadFromEnv_EnvOverrides(t *testing.T) {
	t.Setenv("POSTGRES_HOST", "pg-host")
	t.Setenv("POSTGRES_PORT", "9999")
	t.Setenv("REDIS_HOST", "redis-host")
	t.Setenv("WEBHOOK_URL", "https://hooks.example.com/abc")
	t.Setenv("RELAY_PAUSE_MS", "250")
	t.Setenv("PROXY_URLS", "https://p1.example.com/, https://p2.example.com/")
	t.Setenv("RELAY_ARCHIVE_DELIVERED", "false")
	t.Setenv("MINIO_USE_SSL", "true")

	cfg := LoadFromEnv()

	if cfg.Postgres.Host != "pg-host" {
		t.Errorf("Postgres.Host = %q, want pg-host", cfg.Postgres.Host)
	}
	if cfg.Postgres.Port != 9999 {
		t.Errorf("Postgres.Port = %d, want 9999", cfg.Postgres.Port)
	}
	if cfg.Redis.Host != "redis-host" {
		t.Errorf("Redis.Host = %q, want redis-host", cfg.Redis.Host)
	}
	if cfg.Relay.WebhookURL != "https://hooks.example.com/abc" {
		t.Errorf("Relay.WebhookURL = %q", cfg.Relay.WebhookURL)
	}
	if cfg.Relay.PauseMs != 250 {
		t.Errorf("Relay.PauseMs = %d, want 250", cfg.Relay.PauseMs)
	}
	if len(cfg.Relay.Proxy.URLs) != 2 || cfg.Relay.Proxy.URLs[1] != "https://p2.example.com/" {
		t.Errorf("Relay.Proxy.URLs = %v", cfg.Relay.Proxy.URLs)
	}
	if *cfg.Relay.ArchiveDelivered {
		t.Error("Relay.ArchiveDelivered should be false when env override is set")
	}
	if !cfg.MinIO.UseSSL {
		t.Error("MinIO.UseSSL should be true")
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	yaml := `
redis:
  host: yamlredis
  port: 4321
relay:
  webhook_url: https://hooks.example.com/yaml
  pause_ms: 10
  proxy:
    urls:
      - https://proxy.example.com/
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Redis.Host != "yamlredis" {
		t.Errorf("Redis.Host = %q, want yamlredis", cfg.Redis.Host)
	}
	if cfg.Relay.WebhookURL != "https://hooks.example.com/yaml" {
		t.Errorf("Relay.WebhookURL = %q", cfg.Relay.WebhookURL)
	}
	if cfg.Relay.PauseMs != 10 {
		t.Errorf("Relay.PauseMs = %d, want 10", cfg.Relay.PauseMs)
	}
	if len(cfg.Relay.Proxy.URLs) != 1 || cfg.Relay.Proxy.URLs[0] != "https://proxy.example.com/" {
		t.Errorf("Relay.Proxy.URLs = %v", cfg.Relay.Proxy.URLs)
	}
	// Defaults should still apply for unset fields
	if cfg.Relay.FetchQueueTimeoutMs != 3000 {
		t.Errorf("Relay.FetchQueueTimeoutMs = %d, want 3000 (default)", cfg.Relay.FetchQueueTimeoutMs)
	}
}

func TestLoad_ExpandsEnvInYAML(t *testing.T) {
	yaml := `
relay:
  webhook_url: ${TEST_WEBHOOK}
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}

	t.Setenv("TEST_WEBHOOK", "https://hooks.example.com/from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Relay.WebhookURL != "https://hooks.example.com/from-env" {
		t.Errorf("Relay.WebhookURL = %q, want expanded env value", cfg.Relay.WebhookURL)
	}
}

func TestLoad_ArchiveDeliveredYAMLFalse(t *testing.T) {
	yaml := `
relay:
  archive_delivered: false
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Relay.ArchiveDelivered == nil {
		t.Fatal("ArchiveDelivered should not be nil")
	}
	if *cfg.Relay.ArchiveDelivered {
		t.Error("ArchiveDelivered should be false when set in YAML")
	}
}

func TestLoad_NonexistentFile(t *testing.T) {
	t.Parallel()
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	yaml := `
postgres:
  host: yamlhost
  port: 1234
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}

	t.Setenv("POSTGRES_HOST", "envhost")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Postgres.Host != "envhost" {
		t.Errorf("Postgres.Host = %q, want envhost (env should override YAML)", cfg.Postgres.Host)
	}
	if cfg.Postgres.Port != 1234 {
		t.Errorf("Postgres.Port = %d, want 1234 (YAML value should persist)", cfg.Postgres.Port)
	}
}
