// Package config provides the engine's validated configuration snapshot.
// Priority: environment variables > JSON config file > defaults.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config holds all engine configuration. The engine receives an immutable
// snapshot; runtime reloads swap the snapshot atomically.
type Config struct {
	Server      ServerConfig      `json:"server"`
	Providers   []ProviderConfig  `json:"providers"`
	Router      map[string]string `json:"router"` // category -> "provider,model;provider,model"
	Routing     RoutingPolicy     `json:"routing"`
	Performance PerformanceConfig `json:"performance"`
	Blacklist   BlacklistSettings `json:"blacklistSettings"`
	Debug       DebugConfig       `json:"debug"`
	LogRotation LogRotationConfig `json:"logRotation"`
	Database    DatabaseConfig    `json:"database"`
}

// ServerConfig holds the inbound HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	LogLevel     string `json:"logLevel"`
	MaxBodyBytes int64  `json:"maxBodyBytes"`
}

// ProviderConfig defines one backend provider.
type ProviderConfig struct {
	Name          string            `json:"name"`
	Type          string            `json:"type"` // openai-compatible (default) | anthropic-native
	Endpoint      string            `json:"endpoint"`
	APIKey        APIKeys           `json:"apiKey"` // string or list on the wire
	CustomHeaders map[string]string `json:"customHeaders,omitempty"`
	Models        []string          `json:"models"`
	TimeoutMs     int               `json:"timeout,omitempty"`
	MaxRetries    int               `json:"maxRetries,omitempty"`
	Weight        float64           `json:"weight,omitempty"`
	MaxTokens     int               `json:"maxTokens,omitempty"` // provider ceiling, 0 = none
}

// RoutingPolicy holds the zero-fallback policy knobs.
type RoutingPolicy struct {
	ZeroFallbackPolicy ZeroFallbackPolicy `json:"zeroFallbackPolicy"`
}

// ZeroFallbackPolicy must be enabled in every valid configuration.
type ZeroFallbackPolicy struct {
	Enabled    bool `json:"enabled"`
	StrictMode bool `json:"strictMode"`
	MaxRetries int  `json:"maxRetries"`
}

// PerformanceConfig bounds concurrency and history.
type PerformanceConfig struct {
	MaxConcurrentDecisions int    `json:"maxConcurrentDecisions"`
	DecisionTimeoutMs      int    `json:"decisionTimeoutMs"`
	HistoryRetention       int    `json:"historyRetention"`
	LayerBudgetMs          int    `json:"layerBudgetMs"`
	LoadBalanceStrategy    string `json:"loadBalanceStrategy"`
}

// BlacklistSettings configures temporary blocks, the 429 ladder and destroy
// rules.
type BlacklistSettings struct {
	DestroyRules    []DestroyRule `json:"destroyRules"`
	RateLimitRule   RateLimitRule `json:"rateLimitRule"`
	PersistenceFile string        `json:"persistenceFile"`
	MaxDurationMs   int           `json:"maxBlacklistDuration"`
}

// DestroyRule permanently drops a pipeline when it fires. Off by default;
// operators opt in per rule.
type DestroyRule struct {
	StatusCode    int      `json:"statusCode"`
	ErrorPatterns []string `json:"errorPatterns"`
	Enabled       bool     `json:"enabled"`
}

// RateLimitRule configures the consecutive-429 ladder.
type RateLimitRule struct {
	BlockDurationMs        int `json:"blockDuration"`
	MaxConsecutiveFailures int `json:"maxConsecutiveFailures"`
	ResetIntervalMs        int `json:"resetInterval"`
}

// DebugConfig controls diagnostic recording (external collaborator).
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Level   string `json:"level"`
}

// LogRotationConfig holds log rotation settings powered by lumberjack.
type LogRotationConfig struct {
	MaxSizeMB  int  `json:"maxSizeMB"`
	MaxBackups int  `json:"maxBackups"`
	MaxAgeDays int  `json:"maxAgeDays"`
	Compress   bool `json:"compress"`
}

// DatabaseConfig holds the request-metrics database settings.
type DatabaseConfig struct {
	Path            string        `json:"path"`
	MaxOpenConns    int           `json:"maxOpenConns"`
	MaxIdleConns    int           `json:"maxIdleConns"`
	ConnMaxLifetime time.Duration `json:"-"`
}

// DefaultConfig returns the defaults applied before file and env overrides.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         3456,
			LogLevel:     "INFO",
			MaxBodyBytes: 10 << 20,
		},
		Router: map[string]string{},
		Routing: RoutingPolicy{
			ZeroFallbackPolicy: ZeroFallbackPolicy{
				Enabled:    true,
				MaxRetries: 3,
			},
		},
		Performance: PerformanceConfig{
			MaxConcurrentDecisions: 100,
			DecisionTimeoutMs:      30_000,
			HistoryRetention:       100,
			LayerBudgetMs:          5_000,
			LoadBalanceStrategy:    "round_robin",
		},
		Blacklist: BlacklistSettings{
			RateLimitRule: RateLimitRule{
				BlockDurationMs:        60_000,
				MaxConsecutiveFailures: 3,
				ResetIntervalMs:        300_000,
			},
			MaxDurationMs: 300_000,
		},
		LogRotation: LogRotationConfig{
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
	}
}

// ConfigError reports one configuration validation failure.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Field + ": " + e.Message
}

// Validate checks the configuration. Zero-fallback disabled, a missing
// default route, or non-positive concurrency limits are rejected.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return &ConfigError{Field: "server.port", Message: "must be between 1 and 65535"}
	}
	if !c.Routing.ZeroFallbackPolicy.Enabled {
		return &ConfigError{Field: "routing.zeroFallbackPolicy.enabled", Message: "must be true"}
	}
	if c.Routing.ZeroFallbackPolicy.MaxRetries < 1 {
		return &ConfigError{Field: "routing.zeroFallbackPolicy.maxRetries", Message: "must be at least 1"}
	}
	if c.Performance.MaxConcurrentDecisions < 1 {
		return &ConfigError{Field: "performance.maxConcurrentDecisions", Message: "must be positive"}
	}
	if c.Performance.DecisionTimeoutMs < 1 {
		return &ConfigError{Field: "performance.decisionTimeoutMs", Message: "must be positive"}
	}
	if len(c.Providers) == 0 {
		return &ConfigError{Field: "providers", Message: "at least one provider is required"}
	}
	names := make(map[string]struct{}, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return &ConfigError{Field: fmt.Sprintf("providers[%d].name", i), Message: "is required"}
		}
		if _, dup := names[p.Name]; dup {
			return &ConfigError{Field: fmt.Sprintf("providers[%d].name", i), Message: "duplicate provider name " + p.Name}
		}
		names[p.Name] = struct{}{}
		if p.Endpoint == "" {
			return &ConfigError{Field: fmt.Sprintf("providers[%d].endpoint", i), Message: "is required"}
		}
		if len(p.APIKey) == 0 {
			return &ConfigError{Field: fmt.Sprintf("providers[%d].apiKey", i), Message: "is required"}
		}
		if len(p.Models) == 0 {
			return &ConfigError{Field: fmt.Sprintf("providers[%d].models", i), Message: "at least one model is required"}
		}
	}
	if _, ok := c.Router["default"]; !ok {
		return &ConfigError{Field: "router.default", Message: "default route is required"}
	}
	for category, expr := range c.Router {
		targets, err := ParseRouteExpression(expr)
		if err != nil {
			return &ConfigError{Field: "router." + category, Message: err.Error()}
		}
		for _, t := range targets {
			if _, ok := names[t.Provider]; !ok {
				return &ConfigError{Field: "router." + category, Message: "unknown provider " + t.Provider}
			}
		}
	}
	return nil
}

// RouteTarget is one (provider, model) entry parsed from a route expression.
type RouteTarget struct {
	Provider string
	Model    string
}

// ParseRouteExpression parses "provider,model;provider,model" into an
// ordered target list.
func ParseRouteExpression(expr string) ([]RouteTarget, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("empty route expression")
	}
	var targets []RouteTarget
	for _, entry := range strings.Split(expr, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		provider, model, ok := strings.Cut(entry, ",")
		provider = strings.TrimSpace(provider)
		model = strings.TrimSpace(model)
		if !ok || provider == "" || model == "" {
			return nil, fmt.Errorf("invalid route entry %q, want \"provider,model\"", entry)
		}
		targets = append(targets, RouteTarget{Provider: provider, Model: model})
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("route expression has no targets")
	}
	return targets, nil
}

// Provider looks up a provider definition by name.
func (c *Config) Provider(name string) *ProviderConfig {
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			return &c.Providers[i]
		}
	}
	return nil
}
