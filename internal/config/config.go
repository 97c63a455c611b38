package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	MinIO     MinIOConfig     `yaml:"minio"`
	Server    ServerConfig    `yaml:"server"`
	Relay     RelayConfig     `yaml:"relay"`
	Migration MigrationConfig `yaml:"migration"`
}

type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int32  `yaml:"max_conns"`
	MinConns int32  `yaml:"min_conns"`
}

func (c PostgresConfig) DSN() string {
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     c.Database,
		RawQuery: fmt.Sprintf("sslmode=%s", sslmode),
	}
	return u.String()
}

type RedisConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Password     string `yaml:"password"`
	PoolSize     int    `yaml:"pool_size"`
	MinIdleConns int    `yaml:"min_idle_conns"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type RelayConfig struct {
	WebhookURL            string      `yaml:"webhook_url"`
	QueueKey              string      `yaml:"queue_key"`
	TimeoutSecs           int         `yaml:"timeout_secs"`
	MaxRedirects          int         `yaml:"max_redirects"`
	PauseMs               int         `yaml:"pause_ms"`
	FetchQueueTimeoutMs   int         `yaml:"fetch_queue_timeout_ms"`
	RateLimitWindowMs     int         `yaml:"rate_limit_window_ms"`
	SyncTag               string      `yaml:"sync_tag"`
	PeriodicSyncTag       string      `yaml:"periodic_sync_tag"`
	PeriodicSyncIntervalS int         `yaml:"periodic_sync_interval_s"`
	MaxSyncRetries        int         `yaml:"max_sync_retries"`
	PrefetchCount         int         `yaml:"prefetch_count"`
	AllowPrivateHosts     bool        `yaml:"allow_private_hosts"`
	ArchiveDelivered      *bool       `yaml:"archive_delivered"`
	Proxy                 ProxyConfig `yaml:"proxy"`
}

type ProxyConfig struct {
	URLs            []string `yaml:"urls"`
	File            string   `yaml:"file"`
	HealthCooldownS int      `yaml:"health_cooldown_s"`
}

type MigrationConfig struct {
	Path string `yaml:"path"`
}

const (
	defaultPostgresHost         = "localhost"
	defaultPostgresPort         = 5432
	defaultPostgresUser         = "nimbus"
	defaultPostgresDB           = "nimbus_relay"
	defaultPostgresMaxConns     = 10
	defaultRedisHost            = "localhost"
	defaultRedisPort            = 6379
	defaultRedisPoolSize        = 20
	defaultMinIOEndpoint        = "localhost:9000"
	defaultMinIOBucket          = "relay-delivered"
	defaultServerAddr           = ":8080"
	defaultQueueKey             = "relay:queue"
	defaultTimeoutSecs          = 15
	defaultMaxRedirects         = 5
	defaultPauseMs              = 1000
	defaultFetchQueueTimeoutMs  = 3000
	defaultSyncTag              = "webhook-sync"
	defaultPeriodicSyncTag      = "webhook-periodic-sync"
	defaultPeriodicSyncInterval = 300
	defaultMaxSyncRetries       = 3
	defaultPrefetchCount        = 10
	defaultProxyURL             = "https://corsproxy.io/"
	defaultMigrationPath        = "file://internal/database/migrations"
	defaultProxyHealthCooldownS = 60
)

func LoadFromEnv() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Postgres.Host == "" {
		c.Postgres.Host = defaultPostgresHost
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = defaultPostgresPort
	}
	if c.Postgres.User == "" {
		c.Postgres.User = defaultPostgresUser
	}
	if c.Postgres.Database == "" {
		c.Postgres.Database = defaultPostgresDB
	}
	if c.Postgres.MaxConns == 0 {
		c.Postgres.MaxConns = defaultPostgresMaxConns
	}
	if c.Redis.Host == "" {
		c.Redis.Host = defaultRedisHost
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = defaultRedisPort
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = defaultRedisPoolSize
	}
	if c.MinIO.Endpoint == "" {
		c.MinIO.Endpoint = defaultMinIOEndpoint
	}
	if c.MinIO.Bucket == "" {
		c.MinIO.Bucket = defaultMinIOBucket
	}
	if c.Server.Addr == "" {
		c.Server.Addr = defaultServerAddr
	}
	if c.Relay.QueueKey == "" {
		c.Relay.QueueKey = defaultQueueKey
	}
	if c.Relay.TimeoutSecs == 0 {
		c.Relay.TimeoutSecs = defaultTimeoutSecs
	}
	if c.Relay.MaxRedirects == 0 {
		c.Relay.MaxRedirects = defaultMaxRedirects
	}
	if c.Relay.PauseMs == 0 {
		c.Relay.PauseMs = defaultPauseMs
	}
	if c.Relay.FetchQueueTimeoutMs == 0 {
		c.Relay.FetchQueueTimeoutMs = defaultFetchQueueTimeoutMs
	}
	if c.Relay.SyncTag == "" {
		c.Relay.SyncTag = defaultSyncTag
	}
	if c.Relay.PeriodicSyncTag == "" {
		c.Relay.PeriodicSyncTag = defaultPeriodicSyncTag
	}
	if c.Relay.PeriodicSyncIntervalS == 0 {
		c.Relay.PeriodicSyncIntervalS = defaultPeriodicSyncInterval
	}
	if c.Relay.MaxSyncRetries == 0 {
		c.Relay.MaxSyncRetries = defaultMaxSyncRetries
	}
	if c.Relay.PrefetchCount == 0 {
		c.Relay.PrefetchCount = defaultPrefetchCount
	}
	if c.Relay.ArchiveDelivered == nil {
		archive := true
		c.Relay.ArchiveDelivered = &archive
	}
	if len(c.Relay.Proxy.URLs) == 0 && c.Relay.Proxy.File == "" {
		c.Relay.Proxy.URLs = []string{defaultProxyURL}
	}
	if c.Relay.Proxy.HealthCooldownS == 0 {
		c.Relay.Proxy.HealthCooldownS = defaultProxyHealthCooldownS
	}
	if c.Migration.Path == "" {
		c.Migration.Path = defaultMigrationPath
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	expanded := os.Expand(string(data), os.Getenv)

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("POSTGRES_HOST"); v != "" {
		c.Postgres.Host = v
	}
	if v := os.Getenv("POSTGRES_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Postgres.Port = p
		}
	}
	if v := os.Getenv("POSTGRES_USER"); v != "" {
		c.Postgres.User = v
	}
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		c.Postgres.Password = v
	}
	if v := os.Getenv("POSTGRES_DB"); v != "" {
		c.Postgres.Database = v
	}
	if v := os.Getenv("POSTGRES_SSLMODE"); v != "" {
		c.Postgres.SSLMode = v
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Redis.Port = p
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		c.MinIO.Endpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		c.MinIO.AccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		c.MinIO.SecretKey = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		c.MinIO.UseSSL = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("WEBHOOK_URL"); v != "" {
		c.Relay.WebhookURL = v
	}
	if v := os.Getenv("RELAY_PAUSE_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Relay.PauseMs = ms
		}
	}
	if v := os.Getenv("RELAY_PERIODIC_SYNC_INTERVAL_S"); v != "" {
		if s, err := strconv.Atoi(v); err == nil {
			c.Relay.PeriodicSyncIntervalS = s
		}
	}
	if v := os.Getenv("RELAY_ALLOW_PRIVATE_HOSTS"); v != "" {
		c.Relay.AllowPrivateHosts = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("RELAY_ARCHIVE_DELIVERED"); v != "" {
		archive := strings.EqualFold(v, "true")
		c.Relay.ArchiveDelivered = &archive
	}
	if v := os.Getenv("PROXY_URLS"); v != "" {
		var urls []string
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		c.Relay.Proxy.URLs = urls
	}
	if v := os.Getenv("PROXY_FILE"); v != "" {
		c.Relay.Proxy.File = v
	}
	if v := os.Getenv("PROXY_HEALTH_COOLDOWN_S"); v != "" {
		if s, err := strconv.Atoi(v); err == nil {
			c.Relay.Proxy.HealthCooldownS = s
		}
	}
	if v := os.Getenv("MIGRATION_PATH"); v != "" {
		c.Migration.Path = v
	}
}
