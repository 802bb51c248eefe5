package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateBackend(cfg, ve)
	validateHistory(cfg, ve)
	validateExtract(cfg, ve)
	validateRelay(cfg, ve)
	validateBroker(cfg, ve)
	validateGateway(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateBackend(cfg *Config, ve *ValidationError) {
	validateHTTPURL("backend.url", cfg.Backend.URL, true, ve)
	validateHTTPURL("backend.health_url", cfg.Backend.HealthURL, false, ve)
	if cfg.Backend.ConnTimeout < 0 || cfg.Backend.RespTimeout < 0 {
		ve.Add("backend timeouts must not be negative")
	}
}

func validateHTTPURL(field, raw string, required bool, ve *ValidationError) {
	if raw == "" {
		if required {
			ve.Add("%s is required", field)
		}
		return
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		ve.Add("%s %q must be an http(s) URL", field, raw)
	}
}

func validateHistory(cfg *Config, ve *ValidationError) {
	h := cfg.History
	switch h.Backend {
	case "memory":
	case "sqlite":
		if h.Path == "" {
			ve.Add("history.path is required for the sqlite backend")
		}
	case "redis":
		if h.RedisURL == "" {
			ve.Add("history.redis_url is required for the redis backend")
		}
	default:
		ve.Add("history.backend %q must be one of memory, sqlite, redis", h.Backend)
	}
	if h.Capacity <= 0 {
		ve.Add("history.capacity must be positive, got %d", h.Capacity)
	}
	if h.Key == "" {
		ve.Add("history.key is required")
	}
}

func validateExtract(cfg *Config, ve *ValidationError) {
	if cfg.Extract.Budget <= len([]rune("\n[content truncated]")) {
		ve.Add("extract.budget %d is too small", cfg.Extract.Budget)
	}
	if cfg.Extract.MinContentChars < 0 {
		ve.Add("extract.min_content_chars must not be negative")
	}
}

func validateRelay(cfg *Config, ve *ValidationError) {
	if cfg.Relay.RequestTimeout <= 0 {
		ve.Add("relay.request_timeout must be positive")
	}
	if cfg.Relay.RetryDelay < 0 {
		ve.Add("relay.retry_delay must not be negative")
	}
	if cfg.Relay.QueryTimeout <= 0 {
		ve.Add("relay.query_timeout must be positive")
	}
}

func validateBroker(cfg *Config, ve *ValidationError) {
	if cfg.Broker.QueriesPerMinute <= 0 {
		ve.Add("broker.queries_per_minute must be positive")
	}
	if cfg.Broker.Burst <= 0 {
		ve.Add("broker.burst must be positive")
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if cfg.Gateway.Addr == "" {
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", cfg.Gateway.Addr)
	}
	if cfg.Gateway.Secret != "" && !IsEncrypted(cfg.Gateway.Secret) && len(cfg.Gateway.Secret) < 16 {
		ve.Add("gateway.secret must be at least 16 bytes")
	}
	if cfg.Gateway.SendQueue < 0 {
		ve.Add("gateway.send_queue must not be negative")
	}
	if cfg.Gateway.ConnectsPerMinute < 0 || cfg.Gateway.ConnectBurst < 0 {
		ve.Add("gateway connect limits must not be negative")
	}
}
