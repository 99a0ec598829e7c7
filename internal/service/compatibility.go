package service

import (
	"github.com/user/llm-router-go/internal/models"
	"go.uber.org/zap"
)

// CompatibilityLayer applies per-provider quirks to an already transformed
// request. Output must still satisfy the target-protocol shape; the
// orchestrator re-checks it.
type CompatibilityLayer struct {
	logger *zap.Logger
}

// NewCompatibilityLayer creates a CompatibilityLayer.
func NewCompatibilityLayer(logger *zap.Logger) *CompatibilityLayer {
	return &CompatibilityLayer{logger: logger}
}

// ApplyOpenAI adjusts an OpenAI-shaped request in place for the target
// provider: clamps max_tokens to the provider ceiling, normalizes tool
// schemas, and suppresses streaming (the server layer drives non-streaming
// calls only).
func (c *CompatibilityLayer) ApplyOpenAI(req *models.OpenAIRequest, pctx *ProcessingContext) {
	if pctx.MaxTokensLimit > 0 && req.MaxTokens > pctx.MaxTokensLimit {
		c.logger.Debug("clamping max_tokens to provider ceiling",
			zap.String("provider", pctx.Provider),
			zap.Int("requested", req.MaxTokens),
			zap.Int("limit", pctx.MaxTokensLimit))
		req.MaxTokens = pctx.MaxTokensLimit
	}
	if req.Stream {
		req.Stream = false
	}
	for i := range req.Tools {
		normalizeFunctionSchema(&req.Tools[i].Function)
	}
}

// ApplyAnthropic adjusts an Anthropic-shaped request in place for
// anthropic-native targets.
func (c *CompatibilityLayer) ApplyAnthropic(req *models.AnthropicRequest, pctx *ProcessingContext) {
	if pctx.MaxTokensLimit > 0 && req.MaxTokens > pctx.MaxTokensLimit {
		req.MaxTokens = pctx.MaxTokensLimit
	}
	if req.Stream {
		req.Stream = false
	}
}

// normalizeFunctionSchema repairs schema fragments some providers reject:
// a nil parameters object becomes an empty object schema, and a bare
// "type":"object" without properties gains an empty properties map.
func normalizeFunctionSchema(fn *models.OpenAIFunction) {
	if fn.Parameters == nil {
		fn.Parameters = map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		}
		return
	}
	if m, ok := fn.Parameters.(map[string]interface{}); ok {
		if m["type"] == "object" {
			if _, has := m["properties"]; !has {
				m["properties"] = map[string]interface{}{}
			}
		}
	}
}
