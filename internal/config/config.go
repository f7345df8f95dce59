package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"caresync/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Logging    LoggingConfig    `yaml:"logging"`
	Storage    StorageConfig    `yaml:"storage"`
	Redis      RedisConfig      `yaml:"redis"`
	Backup     BackupConfig     `yaml:"backup"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	API        APIConfig        `yaml:"api"`
	Remote     RemoteConfig     `yaml:"remote"`
	Network    NetworkConfig    `yaml:"network"`
	Sync       SyncConfig       `yaml:"sync"`
	Entities   []EntityConfig   `yaml:"entities"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// StorageConfig selects the durable backend: sqlite (default), redis or memory.
type StorageConfig struct {
	Driver     string `yaml:"driver"`
	Path       string `yaml:"path"`
	QuotaBytes int64  `yaml:"quota_bytes"`
}

type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"pool_size"`
	KeyPrefix string `yaml:"key_prefix"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type APIConfig struct {
	Auth      APIAuthConfig   `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	HTTP      APIHTTPConfig   `yaml:"http"`
	GRPC      APIGRPCConfig   `yaml:"grpc"`
}

// APIAuthConfig protects the control API with static API keys.
type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

// APIClientKey is one caller of the control API. An empty permission list
// allows everything.
type APIClientKey struct {
	Name        string   `yaml:"name"`
	Key         string   `yaml:"key"`
	Permissions []string `yaml:"permissions"`
}

type APIHTTPConfig struct {
	Enabled bool         `yaml:"enabled"`
	Port    int          `yaml:"port"`
	TLS     APITLSConfig `yaml:"tls"`
}

type APIGRPCConfig struct {
	Enabled    bool         `yaml:"enabled"`
	Port       int          `yaml:"port"`
	Reflection bool         `yaml:"reflection"`
	TLS        APITLSConfig `yaml:"tls"`
}

type APITLSConfig struct {
	Enabled           bool   `yaml:"enabled"`
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
	ClientCAFile      string `yaml:"client_ca_file"`
	RequireClientCert bool   `yaml:"require_client_cert"`
}

type RemoteConfig struct {
	BaseURL    string          `yaml:"base_url"`
	APIKey     string          `yaml:"api_key"`
	Timeout    time.Duration   `yaml:"timeout"`
	HealthPath string          `yaml:"health_path"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type NetworkConfig struct {
	InitiallyOnline bool          `yaml:"initially_online"`
	PingEnabled     bool          `yaml:"ping_enabled"`
	PingInterval    time.Duration `yaml:"ping_interval"`
}

// SyncConfig holds the engine options: autoSync, syncInterval, maxRetries,
// maxQueueSize and maxBatchSize plus backoff tuning.
type SyncConfig struct {
	AutoSync         bool          `yaml:"auto_sync"`
	SyncInterval     time.Duration `yaml:"sync_interval"`
	MaxRetries       int           `yaml:"max_retries"`
	MaxQueueSize     int           `yaml:"max_queue_size"`
	MaxBatchSize     int           `yaml:"max_batch_size"`
	AutoRequeueLocal *bool         `yaml:"auto_requeue_local"`
	MirrorTTL        time.Duration `yaml:"mirror_ttl"`
	BackgroundWake   bool          `yaml:"background_wake"`
	Retry            RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
}

// EntityConfig binds an entity tag to its endpoint and conflict handling.
type EntityConfig struct {
	Name     string `yaml:"name"`
	Endpoint string `yaml:"endpoint"`
	Priority int    `yaml:"priority"`
	Policy   string `yaml:"policy"`
	Merge    string `yaml:"merge"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Remote.BaseURL == "" {
		return errors.New("remote base_url is required")
	}

	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.Path == "" {
			return errors.New("storage path is required for sqlite driver")
		}
	case "redis":
		if c.Redis.Address == "" {
			return errors.New("redis address is required for redis driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	if c.Sync.MaxRetries < 0 {
		return errors.New("sync max_retries must not be negative")
	}
	if c.Sync.MaxQueueSize <= 0 || c.Sync.MaxBatchSize <= 0 {
		return errors.New("sync max_queue_size and max_batch_size must be positive")
	}

	if c.API.Auth.Enabled && len(c.API.Auth.APIKeys) == 0 {
		return errors.New("api auth enabled but no api_keys configured")
	}

	return ValidateEntities(c.Entities)
}

func ValidateEntities(entities []EntityConfig) error {
	seen := make(map[string]bool)
	for _, e := range entities {
		if e.Name == "" {
			return errors.New("entity with empty name")
		}
		if strings.Contains(e.Name, ":") {
			return fmt.Errorf("entity name %q must not contain ':'", e.Name)
		}
		if seen[e.Name] {
			return fmt.Errorf("duplicate entity found: %s", e.Name)
		}
		seen[e.Name] = true

		switch models.ConflictPolicy(strings.ToLower(e.Policy)) {
		case "", models.PolicyLocal, models.PolicyRemote, models.PolicyMerge:
		default:
			return fmt.Errorf("entity %s has unknown policy %q", e.Name, e.Policy)
		}
	}
	return nil
}

// RequeueLocal reports whether LOCAL resolutions are pushed back automatically.
func (s SyncConfig) RequeueLocal() bool {
	return s.AutoRequeueLocal == nil || *s.AutoRequeueLocal
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "caresync"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Driver == "sqlite" && c.Storage.Path == "" {
		c.Storage.Path = "data/caresync.db"
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "caresync"
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.API.GRPC.Port == 0 {
		c.API.GRPC.Port = 8081
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}

	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = models.DefaultRemoteTimeout
	}
	if c.Remote.HealthPath == "" {
		c.Remote.HealthPath = "/api/health"
	}
	if c.Network.PingInterval == 0 {
		c.Network.PingInterval = 30 * time.Second
	}

	// Sync defaults
	if c.Sync.SyncInterval == 0 {
		c.Sync.SyncInterval = models.DefaultSyncInterval
	}
	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = models.DefaultMaxRetries
	}
	if c.Sync.MaxQueueSize == 0 {
		c.Sync.MaxQueueSize = models.DefaultMaxQueueSize
	}
	if c.Sync.MaxBatchSize == 0 {
		c.Sync.MaxBatchSize = models.DefaultMaxBatchSize
	}
	if c.Sync.Retry.InitialDelay == 0 {
		c.Sync.Retry.InitialDelay = 2 * time.Second
	}
	if c.Sync.Retry.MaxDelay == 0 {
		c.Sync.Retry.MaxDelay = 5 * time.Minute
	}
	if c.Sync.Retry.BackoffFactor == 0 {
		c.Sync.Retry.BackoffFactor = 2
	}
}
