// Package config loads the dispatcher configuration from a YAML file and the
// environment.
//
// Environment variables (override the file):
//
//	OPENAI_API_KEYS     — comma-separated keys for the completions backends
//	ANTHROPIC_API_KEY   — key for the chat backend
//	DISPATCH_BATCH_SIZE — items per backend call
//	REDIS_ADDR          — enables the log-prob cache at this address
//	GRPC_PORT           — gRPC server port (default: 50051)
//	METRICS_PORT        — Prometheus metrics HTTP port (default: 9090)
//	LOG_LEVEL           — debug, info, warn or error
//	LLM_SKIP_CONFIRM    — any value other than a false boolean skips confirmation
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/abdhe/llm-dispatch/pkg/dispatch"
	"github.com/abdhe/llm-dispatch/pkg/provider"
	"github.com/abdhe/llm-dispatch/pkg/resilience"
)

// maxLogProbs is the largest top-logprobs count the completions API accepts.
const maxLogProbs = 5

// Config is the full configuration. It is read-only after Load.
type Config struct {
	Backend        BackendConfig  `yaml:"backend"`
	Dispatch       DispatchConfig `yaml:"dispatch"`
	Retry          RetryConfig    `yaml:"retry"`
	CircuitBreaker BreakerConfig  `yaml:"circuit_breaker"`
	Cache          CacheConfig    `yaml:"cache"`
	Server         ServerConfig   `yaml:"server"`
	Logging        LoggingConfig  `yaml:"logging"`
}

// BackendConfig selects and parameterizes the backend adapter.
type BackendConfig struct {
	Kind    string        `yaml:"kind"`
	Name    string        `yaml:"name,omitempty"`
	BaseURL string        `yaml:"base_url,omitempty"`
	APIKeys []string      `yaml:"api_keys,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`

	provider.Params `yaml:",inline"`
}

type DispatchConfig struct {
	BatchSize   int  `yaml:"batch_size"`
	Concurrency int  `yaml:"concurrency,omitempty"`
	SkipConfirm bool `yaml:"skip_confirm,omitempty"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"` // 0 retries forever
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	Jitter      bool          `yaml:"jitter,omitempty"`
}

type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

type CacheConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password,omitempty"`
	DB       int           `yaml:"db,omitempty"`
	TTL      time.Duration `yaml:"ttl"`
}

type ServerConfig struct {
	GRPCPort       string        `yaml:"grpc_port"`
	MetricsPort    string        `yaml:"metrics_port"`
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"` // 0 means no limit
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			Kind:    string(provider.KindText),
			Timeout: 60 * time.Second,
			Params: provider.Params{
				Model:       "davinci-002",
				Temperature: 0.9,
				MaxTokens:   50,
				N:           1,
			},
		},
		Dispatch: DispatchConfig{BatchSize: 20, Concurrency: 1},
		Retry: RetryConfig{
			BaseDelay:  5 * time.Second,
			MaxDelay:   5 * time.Second,
			Multiplier: 1,
		},
		CircuitBreaker: BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second},
		Cache:          CacheConfig{Addr: "localhost:6379", TTL: 24 * time.Hour},
		Server:         ServerConfig{GRPCPort: "50051", MetricsPort: "9090"},
		Logging:        LoggingConfig{Level: "info"},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file leaves the defaults in place; an empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // user-provided config path
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// Write marshals the config to YAML and writes it to w.
func Write(w io.Writer, cfg *Config) error {
	enc := yaml.NewEncoder(w)
	defer enc.Close() //nolint:errcheck // best-effort close
	enc.SetIndent(2)
	return enc.Encode(cfg)
}

func (c *Config) applyEnv() {
	if keys := splitKeys(os.Getenv("OPENAI_API_KEYS")); len(keys) > 0 && c.Backend.Kind != string(provider.KindChat) {
		c.Backend.APIKeys = keys
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && c.Backend.Kind == string(provider.KindChat) {
		c.Backend.APIKeys = []string{key}
	}
	c.Dispatch.BatchSize = envIntOrDefault("DISPATCH_BATCH_SIZE", c.Dispatch.BatchSize)
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Cache.Addr = addr
		c.Cache.Enabled = true
	}
	c.Server.GRPCPort = envOrDefault("GRPC_PORT", c.Server.GRPCPort)
	c.Server.MetricsPort = envOrDefault("METRICS_PORT", c.Server.MetricsPort)
	c.Logging.Level = envOrDefault("LOG_LEVEL", c.Logging.Level)
	if v, ok := os.LookupEnv("LLM_SKIP_CONFIRM"); ok {
		c.Dispatch.SkipConfirm = !isFalse(v)
	}
}

// Validate checks all fields and returns all errors at once.
func (c *Config) Validate() error {
	var errs []string

	kind, err := provider.ParseKind(c.Backend.Kind)
	if err != nil {
		errs = append(errs, fmt.Sprintf("backend.kind: %v", err))
	}
	if c.Backend.N < 1 {
		errs = append(errs, fmt.Sprintf("backend.n: must be positive, got %d", c.Backend.N))
	}
	if c.Backend.LogProbs < 0 || c.Backend.LogProbs > maxLogProbs {
		errs = append(errs, fmt.Sprintf("backend.logprobs: must be between 0 and %d, got %d", maxLogProbs, c.Backend.LogProbs))
	}
	if c.Dispatch.BatchSize < 1 {
		errs = append(errs, fmt.Sprintf("dispatch.batch_size: must be positive, got %d", c.Dispatch.BatchSize))
	}
	if kind == provider.KindInsert && c.Dispatch.BatchSize != 1 {
		errs = append(errs, fmt.Sprintf("dispatch.batch_size: insertion backends need 1, got %d", c.Dispatch.BatchSize))
	}
	if c.Dispatch.Concurrency < 0 {
		errs = append(errs, fmt.Sprintf("dispatch.concurrency: must be non-negative, got %d", c.Dispatch.Concurrency))
	}
	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, fmt.Sprintf("retry.max_attempts: must be non-negative, got %d", c.Retry.MaxAttempts))
	}
	if c.Cache.Enabled && c.Cache.Addr == "" {
		errs = append(errs, "cache.addr: required when the cache is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}

// ProviderConfig converts the backend section for provider.New.
func (c *Config) ProviderConfig() (provider.Config, error) {
	kind, err := provider.ParseKind(c.Backend.Kind)
	if err != nil {
		return provider.Config{}, err
	}
	return provider.Config{
		Kind:    kind,
		Name:    c.Backend.Name,
		BaseURL: c.Backend.BaseURL,
		APIKeys: c.Backend.APIKeys,
		Timeout: c.Backend.Timeout,
		Params:  c.Backend.Params,
	}, nil
}

// DispatchConfig converts the dispatch, retry and circuit breaker sections.
func (c *Config) DispatchConfig() dispatch.Config {
	out := dispatch.Config{
		BatchSize:   c.Dispatch.BatchSize,
		Concurrency: c.Dispatch.Concurrency,
		SkipConfirm: c.Dispatch.SkipConfirm,
		Retry: resilience.RetryConfig{
			MaxAttempts: c.Retry.MaxAttempts,
			BaseDelay:   c.Retry.BaseDelay,
			MaxDelay:    c.Retry.MaxDelay,
			Multiplier:  c.Retry.Multiplier,
			Jitter:      c.Retry.Jitter,
		},
	}
	if c.CircuitBreaker.Enabled {
		out.Breaker = &resilience.CircuitBreakerConfig{
			FailureThreshold: c.CircuitBreaker.FailureThreshold,
			Cooldown:         c.CircuitBreaker.Cooldown,
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func isFalse(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && !b
}

func splitKeys(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	var keys []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			keys = append(keys, p)
		}
	}
	return keys
}
