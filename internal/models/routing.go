package models

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// Priority levels for inbound requests.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// RoutingRequest is the inbound-normalized request handed to the core router.
// Immutable once built.
type RoutingRequest struct {
	ID          string
	Model       string
	Category    string
	Priority    Priority
	Metadata    RequestMetadata
	Constraints *RoutingConstraints
	Timestamp   time.Time
}

// RequestMetadata carries ingress context attached at request creation.
type RequestMetadata struct {
	OriginFormat string // "anthropic" | "openai"
	TargetFormat string
	SessionID    string
	TraceID      string
	UserID       string
	Attributes   map[string]string
}

// RoutingConstraints narrows candidate selection for one request.
type RoutingConstraints struct {
	PreferredProviders []string
	ExcludedProviders  []string
	RequiredFeatures   []string
	MaxLatencyMs       int
	CostPreference     string
}

// ConditionOperator enumerates match-condition operators.
type ConditionOperator string

const (
	OpEquals      ConditionOperator = "equals"
	OpNotEquals   ConditionOperator = "notEquals"
	OpContains    ConditionOperator = "contains"
	OpNotContains ConditionOperator = "notContains"
	OpStartsWith  ConditionOperator = "startsWith"
	OpEndsWith    ConditionOperator = "endsWith"
	OpIn          ConditionOperator = "in"
	OpNotIn       ConditionOperator = "notIn"
	OpRegex       ConditionOperator = "regex"
)

// MatchCondition is one field predicate inside a routing rule.
type MatchCondition struct {
	Field    string            `json:"field"`
	Operator ConditionOperator `json:"operator"`
	Value    string            `json:"value"`
	Values   []string          `json:"values,omitempty"` // for in / notIn
}

// RoutingRule is a named predicate plus target provider set.
type RoutingRule struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Enabled     bool               `json:"enabled"`
	Priority    int                `json:"priority"` // lower = higher priority
	Conditions  []MatchCondition   `json:"conditions,omitempty"`
	Targets     []string           `json:"targets"`
	Weights     map[string]float64 `json:"weights,omitempty"`
	// TargetModels maps a target provider to the model the rule routes to on
	// that provider. Missing entries leave the requested model unchanged.
	TargetModels map[string]string `json:"targetModels,omitempty"`
	Description string             `json:"description,omitempty"`
	Tags        []string           `json:"tags,omitempty"`
}

// RoutingRules is the validated rule collection the router operates on.
type RoutingRules struct {
	Version       string
	Default       *RoutingRule
	CategoryRules map[string]*RoutingRule
	ModelRules    map[string]*RoutingRule
	CustomRules   []*RoutingRule
}

// Validate enforces the collection invariants: the default rule must exist
// and be enabled.
func (r *RoutingRules) Validate() error {
	if r.Default == nil {
		return fmt.Errorf("routing rules: default rule is required")
	}
	if !r.Default.Enabled {
		return fmt.Errorf("routing rules: default rule must be enabled")
	}
	if len(r.Default.Targets) == 0 {
		return fmt.Errorf("routing rules: default rule has no targets")
	}
	return nil
}

// HealthStatus classifies a route's current health.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// ProviderType identifies the wire protocol a route speaks.
type ProviderType string

const (
	ProviderOpenAICompatible ProviderType = "openai-compatible"
	ProviderAnthropicNative  ProviderType = "anthropic-native"
)

// RouteInfo describes one concrete backend endpoint.
type RouteInfo struct {
	ID              string
	Provider        string
	Type            ProviderType
	SupportedModels []string // glob list, "*" matches any
	Weight          float64
	Available       bool
	Health          HealthStatus
	Tags            []string
	Endpoint        string
	APIKeys         []string
	CustomHeaders   map[string]string
	TimeoutMs       int
	MaxRetries      int
	MaxTokensLimit  int
}

// SupportsModel reports whether the route serves the model, directly or via
// glob match.
func (r *RouteInfo) SupportsModel(model string) bool {
	for _, pattern := range r.SupportedModels {
		if pattern == "*" || pattern == model {
			return true
		}
		if ok, err := path.Match(pattern, model); err == nil && ok {
			return true
		}
	}
	return false
}

// RoutingDecision is the core router's output for one request.
type RoutingDecision struct {
	RequestID          string
	Provider           string
	Model              string
	Route              *RouteInfo
	PipelineID         string
	Siblings           []string // ordered alternate pipeline ids, best first
	Reasoning          string
	Confidence         float64 // [0,100]
	EstimatedLatencyMs int
	DecidedAt          time.Time
	ProcessingMs       float64
}

// PipelineID builds the canonical <provider>-<model>-<keyIndex> identifier
// for an (endpoint, credential) pair.
func PipelineID(provider, model string, keyIndex int) string {
	return fmt.Sprintf("%s-%s-%d", provider, sanitizeModel(model), keyIndex)
}

// sanitizeModel makes a model name safe for use inside a pipeline id.
func sanitizeModel(model string) string {
	replacer := strings.NewReplacer("/", "_", ":", "_", " ", "_")
	return replacer.Replace(model)
}
