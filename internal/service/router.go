package service

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/llm-router-go/internal/config"
	"github.com/user/llm-router-go/internal/models"
	"go.uber.org/zap"
)

// Pipeline binds a route to one (model, credential) pair. The execution
// manager operates on pipeline ids; the registry lives in the routes
// snapshot.
type Pipeline struct {
	ID       string
	Route    *models.RouteInfo
	Model    string
	KeyIndex int
}

// routesSnapshot is the immutable view one decision operates on. Reloads
// swap the whole snapshot so a single decision never observes a mixed
// rules/routes state.
type routesSnapshot struct {
	version   string
	rules     *models.RoutingRules
	routes    map[string]*models.RouteInfo // by provider
	pipelines map[string]*Pipeline         // by pipeline id
	// ordered pipeline ids per (provider, model), config order
	byTarget map[string][]string
}

// CoreRouter is the pure decision component: request in, decision out.
// No I/O, no transformation, no timers.
type CoreRouter struct {
	snap   atomic.Pointer[routesSnapshot]
	logger *zap.Logger

	historyMu sync.Mutex
	history   []*models.RoutingDecision
	historyN  int

	strictMode bool
}

// NewCoreRouter creates a router with an empty snapshot.
func NewCoreRouter(historyRetention int, strictMode bool, logger *zap.Logger) *CoreRouter {
	r := &CoreRouter{logger: logger, historyN: historyRetention, strictMode: strictMode}
	r.snap.Store(&routesSnapshot{
		routes:    map[string]*models.RouteInfo{},
		pipelines: map[string]*Pipeline{},
		byTarget:  map[string][]string{},
	})
	return r
}

// NewCoreRouterFromConfig builds the router and loads rules and routes from
// a validated configuration snapshot.
func NewCoreRouterFromConfig(cfg *config.Config, logger *zap.Logger) (*CoreRouter, error) {
	r := NewCoreRouter(cfg.Performance.HistoryRetention, cfg.Routing.ZeroFallbackPolicy.StrictMode, logger)
	snap, err := snapshotFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	r.snap.Store(snap)
	return r, nil
}

// snapshotFromConfig derives routes, pipelines and rules from the config.
func snapshotFromConfig(cfg *config.Config) (*routesSnapshot, error) {
	snap := &routesSnapshot{
		version:   fmt.Sprintf("cfg-%d", time.Now().UnixMilli()),
		routes:    make(map[string]*models.RouteInfo, len(cfg.Providers)),
		pipelines: map[string]*Pipeline{},
		byTarget:  map[string][]string{},
	}

	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		ptype := models.ProviderType(p.Type)
		if ptype == "" {
			ptype = models.ProviderOpenAICompatible
		}
		weight := p.Weight
		if weight == 0 {
			weight = 1
		}
		snap.routes[p.Name] = &models.RouteInfo{
			ID:              p.Name,
			Provider:        p.Name,
			Type:            ptype,
			SupportedModels: p.Models,
			Weight:          weight,
			Available:       true,
			Health:          models.HealthHealthy,
			Endpoint:        p.Endpoint,
			APIKeys:         p.APIKey,
			CustomHeaders:   p.CustomHeaders,
			TimeoutMs:       p.TimeoutMs,
			MaxRetries:      p.MaxRetries,
			MaxTokensLimit:  p.MaxTokens,
		}
	}

	rules := &models.RoutingRules{
		Version:       snap.version,
		CategoryRules: map[string]*models.RoutingRule{},
		ModelRules:    map[string]*models.RoutingRule{},
	}
	for category, expr := range cfg.Router {
		targets, err := config.ParseRouteExpression(expr)
		if err != nil {
			return nil, err
		}
		rule := &models.RoutingRule{
			ID:           "route-" + category,
			Name:         category,
			Enabled:      true,
			Priority:     100,
			TargetModels: map[string]string{},
		}
		for _, t := range targets {
			rule.Targets = append(rule.Targets, t.Provider)
			rule.TargetModels[t.Provider] = t.Model
			registerPipelines(snap, t.Provider, t.Model)
		}
		if category == "default" {
			rule.Priority = 1000 // default matches last
			rules.Default = rule
		} else {
			rules.CategoryRules[category] = rule
		}
	}
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	snap.rules = rules
	return snap, nil
}

// registerPipelines creates one pipeline per API key for the target.
func registerPipelines(snap *routesSnapshot, provider, model string) {
	route, ok := snap.routes[provider]
	if !ok {
		return
	}
	key := provider + "," + model
	if _, done := snap.byTarget[key]; done {
		return
	}
	for i := range route.APIKeys {
		id := models.PipelineID(provider, model, i)
		snap.pipelines[id] = &Pipeline{ID: id, Route: route, Model: model, KeyIndex: i}
		snap.byTarget[key] = append(snap.byTarget[key], id)
	}
}

// Pipelines returns the pipeline registry of the current snapshot.
func (r *CoreRouter) Pipelines() map[string]*Pipeline {
	return r.snap.Load().pipelines
}

// Pipeline resolves one pipeline id against the current snapshot.
func (r *CoreRouter) Pipeline(id string) (*Pipeline, bool) {
	p, ok := r.snap.Load().pipelines[id]
	return p, ok
}

// UpdateRules atomically replaces the rule set after validation. In-flight
// decisions keep the previous snapshot.
func (r *CoreRouter) UpdateRules(rules *models.RoutingRules) error {
	if err := rules.Validate(); err != nil {
		return err
	}
	old := r.snap.Load()
	next := *old
	next.rules = rules
	next.version = rules.Version
	r.snap.Store(&next)
	return nil
}

// UpdateRoutes replaces the available-routes map. Entries failing validation
// are logged and skipped.
func (r *CoreRouter) UpdateRoutes(routes []*models.RouteInfo) {
	old := r.snap.Load()
	next := *old
	next.routes = make(map[string]*models.RouteInfo, len(routes))
	for _, rt := range routes {
		if rt.ID == "" || rt.Endpoint == "" || len(rt.SupportedModels) == 0 {
			r.logger.Warn("skipping invalid route",
				zap.String("route_id", rt.ID),
				zap.String("endpoint", rt.Endpoint))
			continue
		}
		next.routes[rt.Provider] = rt
	}
	r.snap.Store(&next)
}

// SetRouteHealth updates one route's health status. Called by the health
// manager only.
func (r *CoreRouter) SetRouteHealth(provider string, health models.HealthStatus) {
	old := r.snap.Load()
	rt, ok := old.routes[provider]
	if !ok || rt.Health == health {
		return
	}
	next := *old
	next.routes = make(map[string]*models.RouteInfo, len(old.routes))
	for k, v := range old.routes {
		next.routes[k] = v
	}
	updated := *rt
	updated.Health = health
	next.routes[provider] = &updated
	r.snap.Store(&next)
}

// RemoveRoute drops a provider's route from the available set (destroy
// semantics). Pipelines referencing it become unresolvable.
func (r *CoreRouter) RemoveRoute(provider string) {
	old := r.snap.Load()
	if _, ok := old.routes[provider]; !ok {
		return
	}
	next := *old
	next.routes = make(map[string]*models.RouteInfo, len(old.routes))
	for k, v := range old.routes {
		if k != provider {
			next.routes[k] = v
		}
	}
	r.snap.Store(&next)
}

// DropPipeline removes a single pipeline from the registry (destroy
// semantics for one (endpoint, credential) pair).
func (r *CoreRouter) DropPipeline(id string) {
	old := r.snap.Load()
	if _, ok := old.pipelines[id]; !ok {
		return
	}
	next := *old
	next.pipelines = make(map[string]*Pipeline, len(old.pipelines))
	for k, v := range old.pipelines {
		if k != id {
			next.pipelines[k] = v
		}
	}
	next.byTarget = make(map[string][]string, len(old.byTarget))
	for k, ids := range old.byTarget {
		var kept []string
		for _, pid := range ids {
			if pid != id {
				kept = append(kept, pid)
			}
		}
		next.byTarget[k] = kept
	}
	r.snap.Store(&next)
}

// ruleScore is one scored rule candidate.
type ruleScore struct {
	rule  *models.RoutingRule
	score int
}

// Route evaluates the rule set against the request and selects a target
// route. Returns RoutingRuleNotFound, ProviderUnavailable or
// ModelUnavailable on failure; no other error kinds.
func (r *CoreRouter) Route(req *models.RoutingRequest) (*models.RoutingDecision, error) {
	start := time.Now()
	snap := r.snap.Load()
	if snap.rules == nil {
		return nil, models.NewRouterError(models.ErrRuleNotFound, "no routing rules loaded")
	}

	if r.strictMode && req.Category != "" && req.Category != "default" {
		if _, ok := snap.rules.CategoryRules[req.Category]; !ok {
			return nil, models.Errorf(models.ErrRuleNotFound,
				"strict mode: category %q is not declared", req.Category)
		}
	}

	rule := r.matchRule(snap, req)
	if rule == nil {
		return nil, models.Errorf(models.ErrRuleNotFound,
			"no enabled rule matches request %s (model %s)", req.ID, req.Model)
	}

	candidates := r.scoreCandidates(snap, rule, req)
	if len(candidates) == 0 {
		return nil, models.Errorf(models.ErrProviderUnavail,
			"no available route among targets of rule %s", rule.ID)
	}

	best := candidates[0]
	selectedModel := req.Model
	if mapped, ok := rule.TargetModels[best.route.Provider]; ok && mapped != "" {
		selectedModel = mapped
	}
	if !best.route.SupportsModel(selectedModel) {
		return nil, models.Errorf(models.ErrModelUnavail,
			"route %s does not support model %s", best.route.ID, selectedModel)
	}

	pipelineID, siblings := r.expandPipelines(snap, rule, candidates, req.Model)
	if pipelineID == "" {
		return nil, models.Errorf(models.ErrProviderUnavail,
			"no pipelines registered for rule %s", rule.ID)
	}

	decision := &models.RoutingDecision{
		RequestID:          req.ID,
		Provider:           best.route.Provider,
		Model:              selectedModel,
		Route:              best.route,
		PipelineID:         pipelineID,
		Siblings:           siblings,
		Reasoning:          fmt.Sprintf("rule %s matched (score %d), route %s selected", rule.ID, best.ruleScore, best.route.ID),
		Confidence:         confidence(best.ruleScore, best.route.Health),
		EstimatedLatencyMs: estimatedLatency(best.route.Health),
		DecidedAt:          start,
		ProcessingMs:       float64(time.Since(start).Microseconds()) / 1000,
	}
	r.recordDecision(decision)
	return decision, nil
}

// matchRule accumulates scored rules and picks the top one, with the default
// rule as the score-1 fallback.
func (r *CoreRouter) matchRule(snap *routesSnapshot, req *models.RoutingRequest) *models.RoutingRule {
	var matched []ruleScore

	if rule, ok := snap.rules.ModelRules[req.Model]; ok && rule.Enabled {
		matched = append(matched, ruleScore{rule, scoreRule(rule, req) + 20})
	}
	if req.Category != "" {
		if rule, ok := snap.rules.CategoryRules[req.Category]; ok && rule.Enabled {
			matched = append(matched, ruleScore{rule, scoreRule(rule, req) + 10})
		}
	}
	for _, rule := range snap.rules.CustomRules {
		if rule.Enabled && allConditionsApply(rule, req) {
			matched = append(matched, ruleScore{rule, scoreRule(rule, req)})
		}
	}
	if len(matched) == 0 {
		if snap.rules.Default != nil && snap.rules.Default.Enabled {
			return snap.rules.Default
		}
		return nil
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].score != matched[j].score {
			return matched[i].score > matched[j].score
		}
		if matched[i].rule.Priority != matched[j].rule.Priority {
			return matched[i].rule.Priority < matched[j].rule.Priority
		}
		return matched[i].rule.ID < matched[j].rule.ID
	})
	return matched[0].rule
}

// allConditionsApply requires every condition of a custom rule to hold; a
// custom rule with no conditions never self-selects.
func allConditionsApply(rule *models.RoutingRule, req *models.RoutingRequest) bool {
	if len(rule.Conditions) == 0 {
		return false
	}
	for _, c := range rule.Conditions {
		if !EvaluateCondition(req, c) {
			return false
		}
	}
	return true
}

// scoreRule computes the base rule score: 50, plus the request-priority
// bonus, plus +15 per satisfied condition and -10 per violated one, floored
// at zero.
func scoreRule(rule *models.RoutingRule, req *models.RoutingRequest) int {
	score := 50
	switch req.Priority {
	case models.PriorityHigh:
		score += 20
	case models.PriorityNormal:
		score += 10
	case models.PriorityLow:
		score += 5
	}
	for _, c := range rule.Conditions {
		if EvaluateCondition(req, c) {
			score += 15
		} else {
			score -= 10
		}
	}
	if score < 0 {
		score = 0
	}
	return score
}

// routeCandidate is one scored target route.
type routeCandidate struct {
	route     *models.RouteInfo
	score     float64
	ruleScore int
}

// scoreCandidates scores the rule's target routes: weight*100, a health
// bonus, times the rule's per-provider weight multiplier. Unavailable and
// constraint-excluded routes are dropped.
func (r *CoreRouter) scoreCandidates(snap *routesSnapshot, rule *models.RoutingRule, req *models.RoutingRequest) []routeCandidate {
	ruleScoreVal := scoreRule(rule, req)
	var out []routeCandidate
	for _, provider := range rule.Targets {
		route, ok := snap.routes[provider]
		if !ok || !route.Available {
			continue
		}
		if req.Constraints != nil && inList(provider, req.Constraints.ExcludedProviders) {
			continue
		}
		score := route.Weight * 100
		switch route.Health {
		case models.HealthHealthy:
			score += 50
		case models.HealthDegraded:
			score += 20
		case models.HealthUnhealthy:
			score -= 30
		}
		if m, ok := rule.Weights[provider]; ok && m > 0 {
			score *= m
		}
		if req.Constraints != nil && inList(provider, req.Constraints.PreferredProviders) {
			score += 10
		}
		out = append(out, routeCandidate{route: route, score: score, ruleScore: ruleScoreVal})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].route.ID < out[j].route.ID
	})
	return out
}

// expandPipelines flattens scored route candidates into the primary pipeline
// id plus the ordered sibling list.
func (r *CoreRouter) expandPipelines(snap *routesSnapshot, rule *models.RoutingRule, candidates []routeCandidate, requested string) (string, []string) {
	var ids []string
	for _, c := range candidates {
		model := requested
		if mapped, ok := rule.TargetModels[c.route.Provider]; ok && mapped != "" {
			model = mapped
		}
		key := c.route.Provider + "," + model
		ids = append(ids, snap.byTarget[key]...)
	}
	if len(ids) == 0 {
		return "", nil
	}
	return ids[0], ids[1:]
}

// confidence scales the matched rule score by a health factor and clamps to
// [0,100].
func confidence(ruleScore int, health models.HealthStatus) float64 {
	factor := 1.0
	switch health {
	case models.HealthHealthy:
		factor = 1.2
	case models.HealthDegraded:
		factor = 0.8
	case models.HealthUnhealthy:
		factor = 0.5
	}
	c := float64(ruleScore) * factor
	if c > 100 {
		c = 100
	}
	if c < 0 {
		c = 0
	}
	return c
}

// estimatedLatency is a health-derived prior, refined later by observed
// response times.
func estimatedLatency(health models.HealthStatus) int {
	switch health {
	case models.HealthDegraded:
		return 150
	case models.HealthUnhealthy:
		return 500
	default:
		return 50
	}
}

// recordDecision appends to the bounded decision history.
func (r *CoreRouter) recordDecision(d *models.RoutingDecision) {
	if r.historyN <= 0 {
		return
	}
	r.historyMu.Lock()
	defer r.historyMu.Unlock()
	r.history = append(r.history, d)
	if len(r.history) > r.historyN {
		r.history = r.history[len(r.history)-r.historyN:]
	}
}

// History returns a snapshot of the decision history, oldest first.
func (r *CoreRouter) History() []*models.RoutingDecision {
	r.historyMu.Lock()
	defer r.historyMu.Unlock()
	out := make([]*models.RoutingDecision, len(r.history))
	copy(out, r.history)
	return out
}

// ValidateConfig checks a configuration snapshot against router
// requirements. It is a convenience wrapper so callers can validate before
// constructing a router.
func ValidateConfig(cfg *config.Config) error {
	return cfg.Validate()
}
