//go:build !integration && !e2e
// +build !integration,!e2e

package service

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/llm-router-go/internal/config"
	"github.com/user/llm-router-go/internal/models"
	"go.uber.org/zap"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Providers = []config.ProviderConfig{
		{
			Name:     "openrouter",
			Endpoint: "https://openrouter.ai/api/v1",
			APIKey:   config.APIKeys{"sk-1", "sk-2"},
			Models:   []string{"google/gemini-2.5-pro", "gpt-4o"},
			Weight:   2,
		},
		{
			Name:     "anthropic",
			Type:     "anthropic-native",
			Endpoint: "https://api.anthropic.com/v1",
			APIKey:   config.APIKeys{"sk-ant"},
			Models:   []string{"claude-sonnet-4*"},
		},
	}
	cfg.Router = map[string]string{
		"default":    "openrouter,google/gemini-2.5-pro;anthropic,claude-sonnet-4-20250514",
		"background": "openrouter,gpt-4o",
	}
	return cfg
}

func newTestRouter(t *testing.T) *CoreRouter {
	t.Helper()
	r, err := NewCoreRouterFromConfig(testConfig(), zap.NewNop())
	require.NoError(t, err)
	return r
}

func TestRouterPipelineRegistry(t *testing.T) {
	r := newTestRouter(t)
	pipelines := r.Pipelines()

	// One pipeline per (provider, model, key).
	assert.Contains(t, pipelines, "openrouter-google_gemini-2.5-pro-0")
	assert.Contains(t, pipelines, "openrouter-google_gemini-2.5-pro-1")
	assert.Contains(t, pipelines, "openrouter-gpt-4o-0")
	assert.Contains(t, pipelines, "anthropic-claude-sonnet-4-20250514-0")

	p, ok := r.Pipeline("openrouter-google_gemini-2.5-pro-1")
	require.True(t, ok)
	assert.Equal(t, 1, p.KeyIndex)
	assert.Equal(t, "google/gemini-2.5-pro", p.Model)
}

func TestRouteDefaultRule(t *testing.T) {
	r := newTestRouter(t)

	decision, err := r.Route(&models.RoutingRequest{
		ID:    "req-1",
		Model: "some-unmapped-model",
	})
	require.NoError(t, err)
	assert.Equal(t, "openrouter", decision.Provider, "higher weight wins")
	assert.Equal(t, "google/gemini-2.5-pro", decision.Model, "route expression maps the model")
	assert.Equal(t, "openrouter-google_gemini-2.5-pro-0", decision.PipelineID)
	assert.NotEmpty(t, decision.Siblings, "remaining keys and targets become siblings")
	assert.NotEmpty(t, decision.Reasoning)
}

func TestRouteCategoryRule(t *testing.T) {
	r := newTestRouter(t)

	decision, err := r.Route(&models.RoutingRequest{
		ID:       "req-2",
		Model:    "whatever",
		Category: "background",
	})
	require.NoError(t, err)
	assert.Equal(t, "openrouter", decision.Provider)
	assert.Equal(t, "gpt-4o", decision.Model)
}

func TestRouteExcludedProvider(t *testing.T) {
	r := newTestRouter(t)

	decision, err := r.Route(&models.RoutingRequest{
		ID:    "req-3",
		Model: "x",
		Constraints: &models.RoutingConstraints{
			ExcludedProviders: []string{"openrouter"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", decision.Provider)
	assert.Equal(t, "claude-sonnet-4-20250514", decision.Model)
}

func TestRouteAllProvidersExcluded(t *testing.T) {
	r := newTestRouter(t)

	_, err := r.Route(&models.RoutingRequest{
		ID:    "req-4",
		Model: "x",
		Constraints: &models.RoutingConstraints{
			ExcludedProviders: []string{"openrouter", "anthropic"},
		},
	})
	require.Error(t, err)
	var re *models.RouterError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, models.ErrProviderUnavail, re.Kind)
}

func TestRouteStrictMode(t *testing.T) {
	cfg := testConfig()
	cfg.Routing.ZeroFallbackPolicy.StrictMode = true
	r, err := NewCoreRouterFromConfig(cfg, zap.NewNop())
	require.NoError(t, err)

	_, err = r.Route(&models.RoutingRequest{ID: "req-5", Model: "x", Category: "undeclared"})
	require.Error(t, err)
	var re *models.RouterError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, models.ErrRuleNotFound, re.Kind)

	// Declared categories still route.
	_, err = r.Route(&models.RoutingRequest{ID: "req-6", Model: "x", Category: "background"})
	assert.NoError(t, err)
}

func TestRouteHealthAffectsSelection(t *testing.T) {
	cfg := testConfig()
	cfg.Providers[0].Weight = 1 // equal weights isolate the health bonus
	r, err := NewCoreRouterFromConfig(cfg, zap.NewNop())
	require.NoError(t, err)
	r.SetRouteHealth("openrouter", models.HealthUnhealthy)

	decision, err := r.Route(&models.RoutingRequest{ID: "req-7", Model: "x"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", decision.Provider,
		"unhealthy route loses despite higher weight")
}

func TestRouteRemovedRoute(t *testing.T) {
	r := newTestRouter(t)
	r.RemoveRoute("openrouter")

	decision, err := r.Route(&models.RoutingRequest{ID: "req-8", Model: "x"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", decision.Provider)
}

func TestDropPipeline(t *testing.T) {
	r := newTestRouter(t)
	r.DropPipeline("openrouter-google_gemini-2.5-pro-0")

	_, ok := r.Pipeline("openrouter-google_gemini-2.5-pro-0")
	assert.False(t, ok)

	// Remaining key still routes.
	decision, err := r.Route(&models.RoutingRequest{ID: "req-9", Model: "x"})
	require.NoError(t, err)
	assert.Equal(t, "openrouter-google_gemini-2.5-pro-1", decision.PipelineID)
}

func TestUpdateRulesRejectsInvalid(t *testing.T) {
	r := newTestRouter(t)
	err := r.UpdateRules(&models.RoutingRules{Version: "v2"})
	assert.Error(t, err)

	// Old snapshot still serves.
	_, err = r.Route(&models.RoutingRequest{ID: "req-10", Model: "x"})
	assert.NoError(t, err)
}

func TestDecisionHistory(t *testing.T) {
	r := NewCoreRouter(2, false, zap.NewNop())
	snap, err := snapshotFromConfig(testConfig())
	require.NoError(t, err)
	r.snap.Store(snap)

	for i := 0; i < 5; i++ {
		_, err := r.Route(&models.RoutingRequest{ID: "req", Model: "x"})
		require.NoError(t, err)
	}
	assert.Len(t, r.History(), 2, "history is bounded")
}

func TestRuleScoring(t *testing.T) {
	rule := &models.RoutingRule{
		Conditions: []models.MatchCondition{
			{Field: "category", Operator: models.OpEquals, Value: "think"},
			{Field: "model", Operator: models.OpContains, Value: "opus"},
		},
	}
	req := &models.RoutingRequest{Category: "think", Model: "claude-opus-4", Priority: models.PriorityHigh}
	// base 50 + high 20 + two satisfied conditions 30
	assert.Equal(t, 100, scoreRule(rule, req))

	miss := &models.RoutingRequest{Category: "other", Model: "gpt-4o", Priority: models.PriorityLow}
	// base 50 + low 5 - two violated conditions 20
	assert.Equal(t, 35, scoreRule(rule, miss))
}
