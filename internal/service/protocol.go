package service

import (
	"strings"
	"time"

	"github.com/user/llm-router-go/internal/models"
)

// ProcessingContext is the request-local side channel the protocol layer
// fills in. Endpoint and credentials travel here, never inside the wire
// body.
type ProcessingContext struct {
	RequestID    string
	PipelineID   string
	Decision     *models.RoutingDecision
	Provider     string
	ProviderType models.ProviderType
	URL          string
	APIKey       string
	Headers      map[string]string
	Timeout      time.Duration
	MaxRetries   int
	// MaxTokensLimit is the provider ceiling applied by the compatibility
	// layer; 0 means unlimited.
	MaxTokensLimit int
}

// ProtocolLayer resolves per-provider execution context for one pipeline.
type ProtocolLayer struct {
	defaultTimeout    time.Duration
	defaultMaxRetries int
}

// NewProtocolLayer creates a ProtocolLayer with engine-level defaults used
// when a provider declares none.
func NewProtocolLayer(defaultTimeout time.Duration, defaultMaxRetries int) *ProtocolLayer {
	if defaultTimeout <= 0 {
		defaultTimeout = 120 * time.Second
	}
	if defaultMaxRetries <= 0 {
		defaultMaxRetries = 3
	}
	return &ProtocolLayer{defaultTimeout: defaultTimeout, defaultMaxRetries: defaultMaxRetries}
}

// Resolve attaches endpoint URL, credential, timeout and retry budget for
// the pipeline. The first key of a multi-key provider rotation belongs to
// keyIndex 0; rotation itself is the configuration loader's remit.
func (p *ProtocolLayer) Resolve(decision *models.RoutingDecision, pipe *Pipeline) (*ProcessingContext, error) {
	route := pipe.Route
	if route == nil {
		return nil, models.Errorf(models.ErrProviderUnavail, "pipeline %s has no route", pipe.ID)
	}
	if pipe.KeyIndex >= len(route.APIKeys) {
		return nil, models.Errorf(models.ErrAuthentication,
			"pipeline %s references key index %d but provider %s has %d keys",
			pipe.ID, pipe.KeyIndex, route.Provider, len(route.APIKeys))
	}

	ctx := &ProcessingContext{
		RequestID:      decision.RequestID,
		PipelineID:     pipe.ID,
		Decision:       decision,
		Provider:       route.Provider,
		ProviderType:   route.Type,
		URL:            CanonicalEndpoint(route.Endpoint, route.Type),
		APIKey:         route.APIKeys[pipe.KeyIndex],
		Headers:        route.CustomHeaders,
		Timeout:        p.defaultTimeout,
		MaxRetries:     p.defaultMaxRetries,
		MaxTokensLimit: route.MaxTokensLimit,
	}
	if route.TimeoutMs > 0 {
		ctx.Timeout = time.Duration(route.TimeoutMs) * time.Millisecond
	}
	if route.MaxRetries > 0 {
		ctx.MaxRetries = route.MaxRetries
	}
	return ctx, nil
}

// CanonicalEndpoint appends the protocol's canonical API path when the
// configured endpoint stops at /v1 (or the bare host).
func CanonicalEndpoint(endpoint string, ptype models.ProviderType) string {
	trimmed := strings.TrimRight(endpoint, "/")
	suffix := "/chat/completions"
	if ptype == models.ProviderAnthropicNative {
		suffix = "/messages"
	}
	if strings.HasSuffix(trimmed, suffix) {
		return trimmed
	}
	if strings.HasSuffix(trimmed, "/v1") {
		return trimmed + suffix
	}
	return trimmed + "/v1" + suffix
}
