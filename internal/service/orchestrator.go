package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/user/llm-router-go/internal/config"
	"github.com/user/llm-router-go/internal/models"
	"go.uber.org/zap"
)

const defaultMaxConcurrent = 100

// RequestResult is the orchestrator's answer for one bridged request: a
// caller-shaped body plus routing metadata the API layer echoes in headers.
type RequestResult struct {
	Body       []byte
	Provider   string
	Model      string
	PipelineID string
	Attempts   int
	Decision   *models.RoutingDecision
	Duration   time.Duration
}

// Orchestrator drives one request through routing, transformation, protocol
// resolution, provider compatibility, the outbound call, and response
// transformation. It is the only component that sees all layers; each layer
// stays unaware of its neighbors.
type Orchestrator struct {
	router    *CoreRouter
	transform *Transformer
	respTrans *ResponseTransformer
	protocol  *ProtocolLayer
	compat    *CompatibilityLayer
	server    *ServerLayer
	exec      *ExecutionManager
	logger    *zap.Logger

	sem chan struct{}
}

// NewOrchestrator wires the six layers together. maxConcurrent bounds
// simultaneous in-flight decisions.
func NewOrchestrator(router *CoreRouter, transform *Transformer, respTrans *ResponseTransformer,
	protocol *ProtocolLayer, compat *CompatibilityLayer, server *ServerLayer,
	exec *ExecutionManager, maxConcurrent int, logger *zap.Logger) *Orchestrator {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	return &Orchestrator{
		router:    router,
		transform: transform,
		respTrans: respTrans,
		protocol:  protocol,
		compat:    compat,
		server:    server,
		exec:      exec,
		logger:    logger,
		sem:       make(chan struct{}, maxConcurrent),
	}
}

// HandleAnthropic bridges an Anthropic-shaped inbound request and returns an
// Anthropic-shaped response body regardless of which provider served it.
func (o *Orchestrator) HandleAnthropic(ctx context.Context, req *models.AnthropicRequest,
	meta models.RequestMetadata) (*RequestResult, error) {

	if err := o.acquire(ctx); err != nil {
		return nil, err
	}
	defer o.release()

	start := time.Now()
	meta.OriginFormat = "anthropic"
	routingReq := o.routingRequest(req.Model, meta)
	requestedModel := req.Model

	decision, err := o.router.Route(routingReq)
	if err != nil {
		return nil, err
	}
	candidates := o.resolveCandidates(decision)
	if len(candidates) == 0 {
		return nil, models.Errorf(models.ErrProviderUnavail,
			"no pipelines resolvable for model %s", req.Model)
	}

	result := o.exec.Execute(ctx, decision, candidates, meta.SessionID,
		func(attemptCtx context.Context, pipe *Pipeline) ([]byte, error) {
			return o.attemptFromAnthropic(attemptCtx, decision, pipe, req, requestedModel)
		})
	if !result.Success {
		return nil, result.Err
	}

	return &RequestResult{
		Body:       result.Response,
		Provider:   decision.Provider,
		Model:      decision.Model,
		PipelineID: result.PipelineID,
		Attempts:   len(result.Attempts),
		Decision:   decision,
		Duration:   time.Since(start),
	}, nil
}

// HandleOpenAI bridges an OpenAI-shaped inbound request symmetrically.
func (o *Orchestrator) HandleOpenAI(ctx context.Context, req *models.OpenAIRequest,
	meta models.RequestMetadata) (*RequestResult, error) {

	if err := o.acquire(ctx); err != nil {
		return nil, err
	}
	defer o.release()

	start := time.Now()
	meta.OriginFormat = "openai"
	routingReq := o.routingRequest(req.Model, meta)
	requestedModel := req.Model

	decision, err := o.router.Route(routingReq)
	if err != nil {
		return nil, err
	}
	candidates := o.resolveCandidates(decision)
	if len(candidates) == 0 {
		return nil, models.Errorf(models.ErrProviderUnavail,
			"no pipelines resolvable for model %s", req.Model)
	}

	result := o.exec.Execute(ctx, decision, candidates, meta.SessionID,
		func(attemptCtx context.Context, pipe *Pipeline) ([]byte, error) {
			return o.attemptFromOpenAI(attemptCtx, decision, pipe, req, requestedModel)
		})
	if !result.Success {
		return nil, result.Err
	}

	return &RequestResult{
		Body:       result.Response,
		Provider:   decision.Provider,
		Model:      decision.Model,
		PipelineID: result.PipelineID,
		Attempts:   len(result.Attempts),
		Decision:   decision,
		Duration:   time.Since(start),
	}, nil
}

// attemptFromAnthropic runs one pipeline attempt for an Anthropic-origin
// request and returns an Anthropic-shaped body.
func (o *Orchestrator) attemptFromAnthropic(ctx context.Context, decision *models.RoutingDecision,
	pipe *Pipeline, req *models.AnthropicRequest, requestedModel string) ([]byte, error) {

	pctx, err := o.protocol.Resolve(decision, pipe)
	if err != nil {
		return nil, err
	}

	if pipe.Route.Type == models.ProviderAnthropicNative {
		// Same protocol on both sides: only the model name changes.
		native := *req
		native.Model = pipe.Model
		o.compat.ApplyAnthropic(&native, pctx)
		wire, err := json.Marshal(&native)
		if err != nil {
			return nil, models.Errorf(models.ErrValidation, "encode request: %v", err)
		}
		if err := checkAnthropicShape(wire); err != nil {
			return nil, err
		}
		raw, err := o.server.Execute(ctx, pctx, wire)
		if err != nil {
			return nil, err
		}
		return o.echoAnthropicModel(raw, requestedModel)
	}

	oaReq, err := o.transform.AnthropicToOpenAI(req, pipe.Model)
	if err != nil {
		return nil, err
	}
	o.compat.ApplyOpenAI(oaReq, pctx)
	wire, err := json.Marshal(oaReq)
	if err != nil {
		return nil, models.Errorf(models.ErrValidation, "encode request: %v", err)
	}
	if err := checkOpenAIShape(wire); err != nil {
		return nil, err
	}
	raw, err := o.server.Execute(ctx, pctx, wire)
	if err != nil {
		return nil, err
	}
	normalized, err := NormalizeProviderBody(raw, o.logger)
	if err != nil {
		return nil, err
	}
	var oaResp models.OpenAIResponse
	if err := json.Unmarshal(normalized, &oaResp); err != nil {
		return nil, models.Errorf(models.ErrProviderFailure, "decode provider response: %v", err)
	}
	antResp, err := o.respTrans.OpenAIToAnthropic(&oaResp, requestedModel)
	if err != nil {
		return nil, err
	}
	return json.Marshal(antResp)
}

// attemptFromOpenAI runs one pipeline attempt for an OpenAI-origin request
// and returns an OpenAI-shaped body.
func (o *Orchestrator) attemptFromOpenAI(ctx context.Context, decision *models.RoutingDecision,
	pipe *Pipeline, req *models.OpenAIRequest, requestedModel string) ([]byte, error) {

	pctx, err := o.protocol.Resolve(decision, pipe)
	if err != nil {
		return nil, err
	}

	if pipe.Route.Type == models.ProviderAnthropicNative {
		antReq, err := o.transform.OpenAIToAnthropic(req, pipe.Model)
		if err != nil {
			return nil, err
		}
		o.compat.ApplyAnthropic(antReq, pctx)
		wire, err := json.Marshal(antReq)
		if err != nil {
			return nil, models.Errorf(models.ErrValidation, "encode request: %v", err)
		}
		if err := checkAnthropicShape(wire); err != nil {
			return nil, err
		}
		raw, err := o.server.Execute(ctx, pctx, wire)
		if err != nil {
			return nil, err
		}
		var antResp models.AnthropicResponse
		if err := json.Unmarshal(raw, &antResp); err != nil {
			return nil, models.Errorf(models.ErrProviderFailure, "decode provider response: %v", err)
		}
		oaResp, err := o.respTrans.AnthropicToOpenAI(&antResp, requestedModel)
		if err != nil {
			return nil, err
		}
		return json.Marshal(oaResp)
	}

	// Same protocol on both sides: only the model name changes.
	oaReq := *req
	oaReq.Model = pipe.Model
	o.compat.ApplyOpenAI(&oaReq, pctx)
	wire, err := json.Marshal(&oaReq)
	if err != nil {
		return nil, models.Errorf(models.ErrValidation, "encode request: %v", err)
	}
	if err := checkOpenAIShape(wire); err != nil {
		return nil, err
	}
	raw, err := o.server.Execute(ctx, pctx, wire)
	if err != nil {
		return nil, err
	}
	normalized, err := NormalizeProviderBody(raw, o.logger)
	if err != nil {
		return nil, err
	}
	return o.echoOpenAIModel(normalized, requestedModel)
}

// routingRequest builds the routing-layer view of an inbound request.
func (o *Orchestrator) routingRequest(model string, meta models.RequestMetadata) *models.RoutingRequest {
	category := ""
	priority := models.PriorityNormal
	if meta.Attributes != nil {
		category = meta.Attributes["category"]
		if p := meta.Attributes["priority"]; p != "" {
			priority = models.Priority(p)
		}
	}
	return &models.RoutingRequest{
		ID:        uuid.NewString(),
		Model:     model,
		Category:  category,
		Priority:  priority,
		Metadata:  meta,
		Timestamp: time.Now(),
	}
}

// resolveCandidates maps the decision's pipeline ids onto live registry
// entries, dropping ids whose pipelines were destroyed since the decision.
func (o *Orchestrator) resolveCandidates(decision *models.RoutingDecision) []*Pipeline {
	ids := append([]string{decision.PipelineID}, decision.Siblings...)
	out := make([]*Pipeline, 0, len(ids))
	for _, id := range ids {
		if p, ok := o.router.Pipeline(id); ok {
			out = append(out, p)
		}
	}
	return out
}

// echoAnthropicModel rewrites the response's model field to the name the
// caller asked for, hiding the provider-side mapping.
func (o *Orchestrator) echoAnthropicModel(raw []byte, model string) ([]byte, error) {
	if !gjson.ValidBytes(raw) {
		return nil, models.Errorf(models.ErrProviderFailure, "unparseable provider body")
	}
	var resp models.AnthropicResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, models.Errorf(models.ErrProviderFailure, "decode provider response: %v", err)
	}
	resp.Model = model
	return json.Marshal(&resp)
}

// echoOpenAIModel does the same for OpenAI-shaped bodies.
func (o *Orchestrator) echoOpenAIModel(raw []byte, model string) ([]byte, error) {
	var resp models.OpenAIResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, models.Errorf(models.ErrProviderFailure, "decode provider response: %v", err)
	}
	resp.Model = model
	return json.Marshal(&resp)
}

// checkOpenAIShape verifies the invariant every OpenAI-bound wire body must
// hold before leaving the process.
func checkOpenAIShape(body []byte) error {
	doc := gjson.ParseBytes(body)
	if doc.Get("model").String() == "" {
		return models.Errorf(models.ErrValidation, "outbound request missing model")
	}
	if !doc.Get("messages").IsArray() || len(doc.Get("messages").Array()) == 0 {
		return models.Errorf(models.ErrValidation, "outbound request has no messages")
	}
	return nil
}

// checkAnthropicShape verifies the Anthropic-bound equivalent.
func checkAnthropicShape(body []byte) error {
	doc := gjson.ParseBytes(body)
	if doc.Get("model").String() == "" {
		return models.Errorf(models.ErrValidation, "outbound request missing model")
	}
	if !doc.Get("messages").IsArray() || len(doc.Get("messages").Array()) == 0 {
		return models.Errorf(models.ErrValidation, "outbound request has no messages")
	}
	if doc.Get("max_tokens").Int() <= 0 {
		return models.Errorf(models.ErrValidation, "outbound request missing max_tokens")
	}
	return nil
}

// acquire takes a concurrency slot. A queue wait longer than the execution
// budget fails with a timeout before any attempt runs.
func (o *Orchestrator) acquire(ctx context.Context) error {
	select {
	case o.sem <- struct{}{}:
		return nil
	default:
	}
	wait := time.NewTimer(o.exec.maxExecTime)
	defer wait.Stop()
	select {
	case o.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return models.Errorf(models.ErrProviderTimeout, "queue wait aborted: %v", ctx.Err())
	case <-wait.C:
		return models.Errorf(models.ErrProviderTimeout,
			"queue wait exceeded execution budget (%s)", o.exec.maxExecTime)
	}
}

func (o *Orchestrator) release() { <-o.sem }

// NewOrchestratorFromConfig assembles the full layer stack from one
// validated configuration.
func NewOrchestratorFromConfig(cfg *config.Config, router *CoreRouter, events *EventBus,
	blacklist *BlacklistManager, health *HealthManager, logger *zap.Logger) *Orchestrator {

	client := NewHTTPClient(logger)
	server := NewServerLayer(client, logger)
	balancer := NewLoadBalancer(LoadBalanceStrategy(cfg.Performance.LoadBalanceStrategy))
	exec := NewExecutionManager(health, blacklist, balancer, events,
		cfg.Routing.ZeroFallbackPolicy.MaxRetries,
		time.Duration(cfg.Performance.DecisionTimeoutMs)*time.Millisecond, logger)
	protocol := NewProtocolLayer(0, cfg.Routing.ZeroFallbackPolicy.MaxRetries)

	// Destroyed pipelines leave the routing and health views immediately.
	blacklist.SetDestroyHook(func(pipelineID string) {
		health.Forget(pipelineID)
		router.DropPipeline(pipelineID)
	})

	return NewOrchestrator(router, NewTransformer(), NewResponseTransformer(),
		protocol, NewCompatibilityLayer(logger), server, exec,
		cfg.Performance.MaxConcurrentDecisions, logger)
}
