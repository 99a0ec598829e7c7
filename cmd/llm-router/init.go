package main

import (
	"fmt"
	"os"
)

const configTemplate = `{
  "server": {
    "host": "0.0.0.0",
    "port": 3456,
    "logLevel": "INFO"
  },
  "providers": [
    {
      "name": "openrouter",
      "type": "openai-compatible",
      "endpoint": "https://openrouter.ai/api/v1",
      "apiKey": ["sk-or-key-1", "sk-or-key-2"],
      "models": ["google/gemini-2.5-pro", "anthropic/claude-sonnet-4"],
      "weight": 2
    },
    {
      "name": "anthropic",
      "type": "anthropic-native",
      "endpoint": "https://api.anthropic.com/v1",
      "apiKey": "sk-ant-key",
      "models": ["claude-sonnet-4*", "claude-opus-4*"],
      "maxTokens": 8192
    }
  ],
  "router": {
    "default": "openrouter,google/gemini-2.5-pro;anthropic,claude-sonnet-4-20250514",
    "background": "openrouter,google/gemini-2.5-pro",
    "think": "anthropic,claude-opus-4-20250514"
  },
  "routing": {
    "zeroFallbackPolicy": {
      "enabled": true,
      "strictMode": false,
      "maxRetries": 3
    }
  },
  "blacklistSettings": {
    "rateLimitRule": {
      "blockDuration": 60000,
      "maxConsecutiveFailures": 3,
      "resetInterval": 300000
    },
    "maxBlacklistDuration": 300000
  }
}
`

// runInit writes config.example.json next to the binary.
func runInit() error {
	const name = "config.example.json"
	if _, err := os.Stat(name); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", name)
	}
	if err := os.WriteFile(name, []byte(configTemplate), 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %s; copy it to config.json and fill in real keys\n", name)
	return nil
}
