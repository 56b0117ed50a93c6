// Copyright 2026 The Reverie Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config provides configuration management for the Reverie server.
// It handles loading and parsing YAML configuration files, and provides
// structured access to application settings including server binding, queue
// and dispatch tuning, provider endpoints, relay backpressure limits, and the
// management API key.
package config

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Host is the network host/interface on which the API server will bind.
	// Default is empty ("") to bind all interfaces (IPv4 + IPv6). Use "127.0.0.1" or "localhost" for local-only access.
	Host string `yaml:"host" json:"-"`

	// Port is the network port on which the API server will listen.
	Port int `yaml:"port" json:"-"`

	// Debug enables or disables debug-level logging and other debug features.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile controls whether application logs are written to rotating files or stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogsDir is the directory receiving rotated log files when LoggingToFile is set.
	LogsDir string `yaml:"logs-dir" json:"logs-dir"`

	// LogsMaxTotalSizeMB limits the total size (in MB) of log files under the logs directory.
	// When exceeded, the oldest log files are deleted until within the limit. Set to 0 to disable.
	LogsMaxTotalSizeMB int `yaml:"logs-max-total-size-mb" json:"logs-max-total-size-mb"`

	// UsageStatisticsEnabled toggles in-memory usage aggregation; when false, usage data is discarded.
	UsageStatisticsEnabled bool `yaml:"usage-statistics-enabled" json:"usage-statistics-enabled"`

	// Management nests management API options under 'management'.
	Management ManagementConfig `yaml:"management" json:"-"`

	// RateLimit bounds the ingress request rate before queue admission.
	RateLimit RateLimitConfig `yaml:"rate-limit" json:"rate-limit"`

	// Queue tunes the bounded priority request queue.
	Queue QueueConfig `yaml:"queue" json:"queue"`

	// Health tunes the provider health oracle.
	Health HealthConfig `yaml:"health" json:"health"`

	// Breaker tunes the per-provider circuit breakers.
	Breaker BreakerConfig `yaml:"breaker" json:"breaker"`

	// Selector tunes provider ranking.
	Selector SelectorConfig `yaml:"selector" json:"selector"`

	// Dispatch tunes the failover executor.
	Dispatch DispatchConfig `yaml:"dispatch" json:"dispatch"`

	// Relay tunes live connection fan-out and backpressure.
	Relay RelayConfig `yaml:"relay" json:"relay"`

	// Hooks configures the YAML automation rules evaluated against bus events.
	Hooks HooksConfig `yaml:"hooks" json:"hooks"`

	// Plugin configures the LUA plugin system.
	Plugin PluginConfig `yaml:"plugin" json:"plugin"`

	// Journal configures persistence of terminal results.
	Journal JournalConfig `yaml:"journal" json:"journal"`

	// Providers defines the upstream model providers in preference-neutral order.
	Providers []ProviderConfig `yaml:"providers" json:"providers"`
}

// ManagementConfig holds management API settings.
type ManagementConfig struct {
	// SecretKey protects the /v0/management endpoints. A plaintext value is
	// bcrypt-hashed on first load and persisted back to the config file.
	SecretKey string `yaml:"secret-key" json:"-"`
}

// RateLimitConfig bounds ingress request admission.
type RateLimitConfig struct {
	// Enabled toggles the limiter. When false all requests pass through.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// RPS is the sustained number of admitted requests per second.
	RPS float64 `yaml:"rps" json:"rps"`

	// Burst is the instantaneous burst allowance above the sustained rate.
	Burst int `yaml:"burst" json:"burst"`
}

// QueueConfig tunes the bounded priority request queue.
type QueueConfig struct {
	// Capacity is the total number of queued envelopes across all tiers.
	Capacity int `yaml:"capacity" json:"capacity"`

	// Workers is the dispatch worker count. Zero selects providers*2.
	Workers int `yaml:"workers" json:"workers"`

	// ProviderConcurrency caps simultaneous in-flight calls per provider.
	ProviderConcurrency int `yaml:"provider-concurrency" json:"provider-concurrency"`
}

// HealthConfig tunes the provider health oracle.
type HealthConfig struct {
	// WindowSize is the number of recent call outcomes kept per provider.
	WindowSize int `yaml:"window-size" json:"window-size"`

	// TargetLatencyMs is the latency providers are expected to stay under.
	// Latencies above it reduce the health score exponentially.
	TargetLatencyMs int `yaml:"target-latency-ms" json:"target-latency-ms"`

	// NeutralScore is assigned to providers with no recent observations.
	NeutralScore float64 `yaml:"neutral-score" json:"neutral-score"`

	// SweepIntervalSeconds is the cadence of the background decay sweep.
	SweepIntervalSeconds int `yaml:"sweep-interval-seconds" json:"sweep-interval-seconds"`

	// DecayFactor moves stale scores toward neutral on each sweep, 0..1.
	DecayFactor float64 `yaml:"decay-factor" json:"decay-factor"`

	// SuccessWeight and LatencyWeight blend the two score components and
	// should sum to 1.
	SuccessWeight float64 `yaml:"success-weight" json:"success-weight"`
	LatencyWeight float64 `yaml:"latency-weight" json:"latency-weight"`
}

// BreakerConfig tunes the per-provider circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int `yaml:"failure-threshold" json:"failure-threshold"`

	// CooldownSeconds is the initial open-state hold before a half-open trial.
	CooldownSeconds int `yaml:"cooldown-seconds" json:"cooldown-seconds"`

	// MaxCooldownSeconds caps the exponential cooldown growth.
	MaxCooldownSeconds int `yaml:"max-cooldown-seconds" json:"max-cooldown-seconds"`
}

// SelectorConfig tunes provider ranking.
type SelectorConfig struct {
	// HealthFloor is the minimum weight any provider keeps regardless of its
	// health score, so unhealthy providers rank low but never disappear.
	HealthFloor float64 `yaml:"health-floor" json:"health-floor"`

	// Affinity maps a task profile to per-provider base weights. The
	// "default" row applies to unknown profiles; absent providers weigh 1.0.
	Affinity map[string]map[string]float64 `yaml:"affinity" json:"affinity"`
}

// DispatchConfig tunes the failover executor.
type DispatchConfig struct {
	// CallTimeoutSeconds bounds each individual provider attempt.
	CallTimeoutSeconds int `yaml:"call-timeout-seconds" json:"call-timeout-seconds"`

	// MaxAttempts caps provider attempts per request. Zero means one attempt
	// per ranked provider.
	MaxAttempts int `yaml:"max-attempts" json:"max-attempts"`
}

// RelayConfig tunes live connection fan-out and backpressure.
type RelayConfig struct {
	// BufferLimitBytes is the per-connection outbound buffer ceiling. Writes
	// to connections above it are dropped and counted, never queued.
	BufferLimitBytes int `yaml:"buffer-limit-bytes" json:"buffer-limit-bytes"`

	// BatchMaxBytes flushes a connection's pending batch when its encoded
	// size reaches this threshold.
	BatchMaxBytes int `yaml:"batch-max-bytes" json:"batch-max-bytes"`

	// BatchMaxCount flushes a connection's pending batch at this many messages.
	BatchMaxCount int `yaml:"batch-max-count" json:"batch-max-count"`

	// FlushMinMs and FlushMaxMs bound the randomized per-connection flush
	// interval; jitter prevents synchronized flush storms.
	FlushMinMs int `yaml:"flush-min-ms" json:"flush-min-ms"`
	FlushMaxMs int `yaml:"flush-max-ms" json:"flush-max-ms"`

	// IdleTimeoutSeconds closes connections with no activity. Zero disables.
	IdleTimeoutSeconds int `yaml:"idle-timeout-seconds" json:"idle-timeout-seconds"`
}

// HooksConfig configures the YAML automation rules.
type HooksConfig struct {
	// Enabled toggles rule evaluation.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// HooksDir is the directory containing rule YAML files.
	HooksDir string `yaml:"hooks-dir" json:"hooks-dir"`
}

// PluginConfig holds LUA plugin system settings.
type PluginConfig struct {
	// Enabled toggles the LUA plugin system.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// PluginDir is the directory containing LUA scripts.
	PluginDir string `yaml:"plugin-dir" json:"plugin-dir"`
}

// JournalConfig configures persistence of terminal results.
type JournalConfig struct {
	// Enabled toggles the journal writer.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Driver selects the storage backend: "sqlite" or "postgres".
	Driver string `yaml:"driver" json:"driver"`

	// DSN is the driver-specific data source name. For sqlite this is a file
	// path; for postgres a connection URL.
	DSN string `yaml:"dsn" json:"dsn"`
}

// ProviderConfig describes one upstream OpenAI-compatible provider.
type ProviderConfig struct {
	// Name is the identifier used in ranking, health tracking and logs.
	Name string `yaml:"name" json:"name"`

	// DisplayName optionally overrides Name in human-facing output.
	DisplayName string `yaml:"display-name,omitempty" json:"display-name,omitempty"`

	// BaseURL is the base URL for the provider's OpenAI-compatible API endpoint.
	BaseURL string `yaml:"base-url" json:"base-url"`

	// ChatPath is appended to BaseURL for chat requests.
	ChatPath string `yaml:"chat-path,omitempty" json:"chat-path,omitempty"`

	// APIKey is the bearer token for this provider. Ignored when OAuth is set.
	APIKey string `yaml:"api-key,omitempty" json:"api-key,omitempty"`

	// Model optionally overrides the model field of forwarded payloads.
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// ResponsePath is the gjson path extracting the response text.
	ResponsePath string `yaml:"response-path,omitempty" json:"response-path,omitempty"`

	// TimeoutSeconds overrides the dispatch call timeout for this provider.
	TimeoutSeconds int `yaml:"timeout-seconds,omitempty" json:"timeout-seconds,omitempty"`

	// ProxyURL routes this provider's traffic through an HTTP or SOCKS5 proxy.
	ProxyURL string `yaml:"proxy-url,omitempty" json:"proxy-url,omitempty"`

	// Headers optionally adds extra HTTP headers for requests sent to this provider.
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// OAuth configures client-credentials token auth instead of APIKey.
	OAuth *ProviderOAuth `yaml:"oauth,omitempty" json:"oauth,omitempty"`
}

// ProviderOAuth holds OAuth2 client-credentials settings for a provider.
type ProviderOAuth struct {
	// TokenURL is the token endpoint.
	TokenURL string `yaml:"token-url" json:"token-url"`

	// ClientID and ClientSecret identify this deployment to the provider.
	ClientID     string `yaml:"client-id" json:"client-id"`
	ClientSecret string `yaml:"client-secret" json:"-"`

	// Scopes optionally restricts the requested token scopes.
	Scopes []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`
}

// DefaultConfig returns a Config populated with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:                   "",
		Port:                   8317,
		LogsDir:                "logs",
		UsageStatisticsEnabled: true,
		RateLimit: RateLimitConfig{
			Enabled: false,
			RPS:     50,
			Burst:   100,
		},
		Queue: QueueConfig{
			Capacity:            500,
			Workers:             0,
			ProviderConcurrency: 4,
		},
		Health: HealthConfig{
			WindowSize:           50,
			TargetLatencyMs:      2500,
			NeutralScore:         0.7,
			SweepIntervalSeconds: 30,
			DecayFactor:          0.2,
			SuccessWeight:        0.6,
			LatencyWeight:        0.4,
		},
		Breaker: BreakerConfig{
			FailureThreshold:   5,
			CooldownSeconds:    30,
			MaxCooldownSeconds: 300,
		},
		Selector: SelectorConfig{
			HealthFloor: 0.15,
		},
		Dispatch: DispatchConfig{
			CallTimeoutSeconds: 15,
		},
		Relay: RelayConfig{
			BufferLimitBytes:   512 * 1024,
			BatchMaxBytes:      64 * 1024,
			BatchMaxCount:      32,
			FlushMinMs:         1000,
			FlushMaxMs:         5000,
			IdleTimeoutSeconds: 300,
		},
		Hooks: HooksConfig{
			Enabled:  false,
			HooksDir: "hooks",
		},
		Plugin: PluginConfig{
			Enabled:   false,
			PluginDir: "plugins",
		},
		Journal: JournalConfig{
			Enabled: false,
			Driver:  "sqlite",
			DSN:     "reverie.db",
		},
	}
}

// LoadConfig reads a YAML configuration file from the given path, unmarshals
// it over the defaults, sanitizes the result, and returns it. A plaintext
// management key is hashed and persisted back so it is never re-hashed on the
// next startup.
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Hash the management key if plaintext is detected. A value is considered
	// already hashed if it looks like a bcrypt hash ($2a$, $2b$, or $2y$ prefix).
	if cfg.Management.SecretKey != "" && !looksLikeBcrypt(cfg.Management.SecretKey) {
		hashed, errHash := hashSecret(cfg.Management.SecretKey)
		if errHash != nil {
			return nil, fmt.Errorf("failed to hash management key: %w", errHash)
		}
		cfg.Management.SecretKey = hashed
		_ = SaveConfigUpdateNestedScalar(configFile, []string{"management", "secret-key"}, hashed)
	}

	cfg.Sanitize()
	return cfg, nil
}

// Sanitize clamps out-of-range values and drops provider entries that are
// not actionable. It is idempotent.
func (cfg *Config) Sanitize() {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		cfg.Port = 8317
	}
	if cfg.LogsMaxTotalSizeMB < 0 {
		cfg.LogsMaxTotalSizeMB = 0
	}
	if cfg.Queue.Capacity <= 0 {
		cfg.Queue.Capacity = 500
	}
	if cfg.Queue.Workers < 0 {
		cfg.Queue.Workers = 0
	}
	if cfg.Queue.ProviderConcurrency <= 0 {
		cfg.Queue.ProviderConcurrency = 4
	}
	if cfg.Health.WindowSize <= 0 {
		cfg.Health.WindowSize = 50
	}
	if cfg.Health.TargetLatencyMs <= 0 {
		cfg.Health.TargetLatencyMs = 2500
	}
	if cfg.Health.NeutralScore <= 0 || cfg.Health.NeutralScore > 1 {
		cfg.Health.NeutralScore = 0.7
	}
	if cfg.Health.SweepIntervalSeconds <= 0 {
		cfg.Health.SweepIntervalSeconds = 30
	}
	if cfg.Health.DecayFactor < 0 || cfg.Health.DecayFactor > 1 {
		cfg.Health.DecayFactor = 0.2
	}
	if cfg.Health.SuccessWeight <= 0 || cfg.Health.LatencyWeight < 0 {
		cfg.Health.SuccessWeight = 0.6
		cfg.Health.LatencyWeight = 0.4
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.CooldownSeconds <= 0 {
		cfg.Breaker.CooldownSeconds = 30
	}
	if cfg.Breaker.MaxCooldownSeconds < cfg.Breaker.CooldownSeconds {
		cfg.Breaker.MaxCooldownSeconds = 300
	}
	if cfg.Selector.HealthFloor <= 0 || cfg.Selector.HealthFloor >= 1 {
		cfg.Selector.HealthFloor = 0.15
	}
	if cfg.Dispatch.CallTimeoutSeconds <= 0 {
		cfg.Dispatch.CallTimeoutSeconds = 15
	}
	if cfg.Dispatch.MaxAttempts < 0 {
		cfg.Dispatch.MaxAttempts = 0
	}
	if cfg.Relay.BufferLimitBytes <= 0 {
		cfg.Relay.BufferLimitBytes = 512 * 1024
	}
	if cfg.Relay.BatchMaxBytes <= 0 {
		cfg.Relay.BatchMaxBytes = 64 * 1024
	}
	if cfg.Relay.BatchMaxCount <= 0 {
		cfg.Relay.BatchMaxCount = 32
	}
	if cfg.Relay.FlushMinMs <= 0 {
		cfg.Relay.FlushMinMs = 1000
	}
	if cfg.Relay.FlushMaxMs < cfg.Relay.FlushMinMs {
		cfg.Relay.FlushMaxMs = cfg.Relay.FlushMinMs + 4000
	}
	if cfg.Relay.IdleTimeoutSeconds < 0 {
		cfg.Relay.IdleTimeoutSeconds = 0
	}
	if cfg.Journal.Driver == "" {
		cfg.Journal.Driver = "sqlite"
	}
	cfg.SanitizeProviders()
}

// SanitizeProviders removes provider entries that are not actionable,
// specifically those missing a name or BaseURL, and normalizes the rest.
func (cfg *Config) SanitizeProviders() {
	out := cfg.Providers[:0]
	seen := make(map[string]bool, len(cfg.Providers))
	for _, p := range cfg.Providers {
		p.Name = strings.TrimSpace(p.Name)
		p.BaseURL = strings.TrimRight(strings.TrimSpace(p.BaseURL), "/")
		if p.Name == "" || p.BaseURL == "" || seen[p.Name] {
			continue
		}
		seen[p.Name] = true
		if p.DisplayName == "" {
			p.DisplayName = p.Name
		}
		if p.ChatPath == "" {
			p.ChatPath = "/chat/completions"
		} else if !strings.HasPrefix(p.ChatPath, "/") {
			p.ChatPath = "/" + p.ChatPath
		}
		if p.ResponsePath == "" {
			p.ResponsePath = "choices.0.message.content"
		}
		if p.TimeoutSeconds < 0 {
			p.TimeoutSeconds = 0
		}
		p.Headers = NormalizeHeaders(p.Headers)
		out = append(out, p)
	}
	cfg.Providers = out
}

// ProviderNames returns provider identifiers in configured order.
func (cfg *Config) ProviderNames() []string {
	names := make([]string, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		names = append(names, p.Name)
	}
	return names
}

// CheckManagementKey reports whether the plaintext key matches the stored
// bcrypt hash. An empty configured key rejects everything.
func (c ManagementConfig) CheckManagementKey(plaintext string) bool {
	if c.SecretKey == "" || plaintext == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(c.SecretKey), []byte(plaintext)) == nil
}

// NormalizeHeaders trims whitespace around header names and values and drops
// empty entries. Returns nil when nothing survives.
func NormalizeHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	normalized := make(map[string]string, len(headers))
	for k, v := range headers {
		name := strings.TrimSpace(k)
		value := strings.TrimSpace(v)
		if name == "" || value == "" {
			continue
		}
		normalized[name] = value
	}
	if len(normalized) == 0 {
		return nil
	}
	return normalized
}

func looksLikeBcrypt(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

func hashSecret(secret string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}
