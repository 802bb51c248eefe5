package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for every pagechat process role.
type Config struct {
	Logger   LoggerConfig   `yaml:"logger"`
	Tracer   TracerConfig   `yaml:"tracer"`
	Backend  BackendConfig  `yaml:"backend"`
	History  HistoryConfig  `yaml:"history"`
	Extract  ExtractConfig  `yaml:"extract"`
	Relay    RelayConfig    `yaml:"relay"`
	Broker   BrokerConfig   `yaml:"broker"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Settings SettingsConfig `yaml:"settings"`
	Document DocumentConfig `yaml:"document"`
}

// BackendConfig describes the AI backend endpoint.
type BackendConfig struct {
	URL            string               `yaml:"url"`
	HealthURL      string               `yaml:"health_url,omitempty"`
	ConnTimeout    time.Duration        `yaml:"conn_timeout"`
	RespTimeout    time.Duration        `yaml:"resp_timeout"`
	Pool           PoolConfig           `yaml:"pool"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// PoolConfig configures HTTP connection pooling.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// CircuitBreakerConfig configures the backend circuit breaker.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32 `yaml:"max_failures"`
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration `yaml:"timeout"`
	// Interval is the cyclic period of the closed state for clearing failure counts.
	Interval time.Duration `yaml:"interval"`
}

// HistoryConfig selects and sizes the history store.
type HistoryConfig struct {
	Backend      string        `yaml:"backend"` // "memory", "sqlite" or "redis"
	Path         string        `yaml:"path"`    // sqlite database file
	RedisURL     string        `yaml:"redis_url"`
	Key          string        `yaml:"key"`
	Capacity     int           `yaml:"capacity"`
	DedupeWindow time.Duration `yaml:"dedupe_window"`
}

// ExtractConfig bounds page extraction.
type ExtractConfig struct {
	Budget          int `yaml:"budget"`
	MinContentChars int `yaml:"min_content_chars"`
}

// RelayConfig holds request/response timing.
type RelayConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	// QueryTimeout bounds a whole streamed answer.
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// BrokerConfig limits query throughput.
type BrokerConfig struct {
	QueriesPerMinute int `yaml:"queries_per_minute"`
	Burst            int `yaml:"burst"`
}

// GatewayConfig exposes the broker to remote panels over WebSocket.
type GatewayConfig struct {
	Addr     string        `yaml:"addr"`
	Secret   string        `yaml:"secret"` // HMAC key for panel tokens; may be "enc:..."
	TokenTTL time.Duration `yaml:"token_ttl"`
	// SendQueue bounds each connection's outbound queue.
	SendQueue int `yaml:"send_queue"`
	// ConnectsPerMinute throttles upgrade attempts per client IP; 0 disables.
	ConnectsPerMinute int      `yaml:"connects_per_minute"`
	ConnectBurst      int      `yaml:"connect_burst"`
	TrustedProxies    []string `yaml:"trusted_proxies,omitempty"`
}

// SettingsConfig locates the user settings file.
type SettingsConfig struct {
	Path string `yaml:"path"`
}

// DocumentConfig controls how pages are fetched for the mediator.
type DocumentConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	MaxBytes  int64         `yaml:"max_bytes"`
	UserAgent string        `yaml:"user_agent"`
	// Chrome renders pages in a headless browser before extraction.
	Chrome bool `yaml:"chrome"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// DefaultDataDir returns the persistent data directory under $HOME/.pagechat.
// Falls back to "./data" if $HOME cannot be determined.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".pagechat")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := DefaultDataDir()
	return &Config{
		Logger: LoggerConfig{Level: "info", Format: "text", Output: "stderr"},
		Tracer: TracerConfig{Exporter: "noop"},
		Backend: BackendConfig{
			URL:         "http://localhost:8000/api/v1/chat",
			ConnTimeout: 30 * time.Second,
			RespTimeout: 120 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		History: HistoryConfig{
			Backend:      "sqlite",
			Path:         filepath.Join(dataDir, "history.db"),
			Key:          "pagechat:history",
			Capacity:     50,
			DedupeWindow: 30 * time.Second,
		},
		Extract: ExtractConfig{Budget: 500_000, MinContentChars: 100},
		Relay: RelayConfig{
			RequestTimeout: 5 * time.Second,
			RetryDelay:     100 * time.Millisecond,
			QueryTimeout:   5 * time.Minute,
		},
		Broker: BrokerConfig{QueriesPerMinute: 30, Burst: 5},
		Gateway: GatewayConfig{
			Addr:              "127.0.0.1:8765",
			TokenTTL:          24 * time.Hour,
			SendQueue:         256,
			ConnectsPerMinute: 30,
			ConnectBurst:      10,
		},
		Settings: SettingsConfig{Path: filepath.Join(dataDir, "settings.yaml")},
		Document: DocumentConfig{Timeout: 20 * time.Second, MaxBytes: 10 << 20, UserAgent: "pagechat/1.0"},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv(ConfigKeyEnv); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps PAGECHAT_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PAGECHAT_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("PAGECHAT_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("PAGECHAT_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("PAGECHAT_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("PAGECHAT_BACKEND_URL"); v != "" {
		cfg.Backend.URL = v
	}
	if v := os.Getenv("PAGECHAT_HISTORY_BACKEND"); v != "" {
		cfg.History.Backend = v
	}
	if v := os.Getenv("PAGECHAT_HISTORY_PATH"); v != "" {
		cfg.History.Path = v
	}
	if v := os.Getenv("PAGECHAT_HISTORY_REDIS_URL"); v != "" {
		cfg.History.RedisURL = v
	}
	if v := os.Getenv("PAGECHAT_HISTORY_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.History.Capacity = n
		}
	}
	if v := os.Getenv("PAGECHAT_EXTRACT_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Extract.Budget = n
		}
	}
	if v := os.Getenv("PAGECHAT_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("PAGECHAT_GATEWAY_SECRET"); v != "" {
		cfg.Gateway.Secret = v
	}
	if v := os.Getenv("PAGECHAT_SETTINGS_PATH"); v != "" {
		cfg.Settings.Path = v
	}
	if v := os.Getenv("PAGECHAT_DOCUMENT_CHROME"); v == "true" {
		cfg.Document.Chrome = true
	}
}

// decryptSecrets finds "enc:..." values in secret fields and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	if IsEncrypted(cfg.Gateway.Secret) {
		plain, err := DecryptField(cfg.Gateway.Secret, passphrase)
		if err != nil {
			return fmt.Errorf("gateway secret: %w", err)
		}
		cfg.Gateway.Secret = plain
	}
	return nil
}
