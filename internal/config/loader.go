package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// APIKeys accepts both a single string and a list of strings on the wire.
type APIKeys []string

// UnmarshalJSON handles both forms.
func (k *APIKeys) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "" {
			*k = nil
			return nil
		}
		*k = APIKeys{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*k = list
		return nil
	}
	return fmt.Errorf("apiKey must be a string or a list of strings")
}

// MarshalJSON emits the single-string form when only one key is present.
func (k APIKeys) MarshalJSON() ([]byte, error) {
	if len(k) == 1 {
		return json.Marshal(k[0])
	}
	return json.Marshal([]string(k))
}

// Load builds the configuration: defaults, then the JSON file at path (if
// non-empty), then environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays LLM_ROUTER_* environment variables.
func applyEnv(cfg *Config) {
	cfg.Server.Host = getEnvStr("LLM_ROUTER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("LLM_ROUTER_PORT", cfg.Server.Port)
	cfg.Server.LogLevel = getEnvStr("LLM_ROUTER_LOG_LEVEL", cfg.Server.LogLevel)
	cfg.Database.Path = getEnvStr("LLM_ROUTER_DB_PATH", cfg.Database.Path)
	cfg.Blacklist.PersistenceFile = getEnvStr("LLM_ROUTER_STATE_FILE", cfg.Blacklist.PersistenceFile)
	cfg.Performance.MaxConcurrentDecisions = getEnvInt("LLM_ROUTER_MAX_CONCURRENT", cfg.Performance.MaxConcurrentDecisions)
	cfg.Performance.DecisionTimeoutMs = getEnvInt("LLM_ROUTER_DECISION_TIMEOUT_MS", cfg.Performance.DecisionTimeoutMs)
	cfg.Debug.Enabled = getEnvBool("LLM_ROUTER_DEBUG", cfg.Debug.Enabled)
}

func getEnvStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	lower := strings.ToLower(v)
	return lower == "true" || lower == "1" || lower == "yes" || lower == "on"
}
