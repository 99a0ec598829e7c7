package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/user/llm-router-go/internal/models"
	"github.com/user/llm-router-go/internal/repository"
	"github.com/user/llm-router-go/internal/service"
	"go.uber.org/zap"
)

const metricInsertTimeout = 2 * time.Second

// BridgeHandler serves the two inbound protocol surfaces. Both endpoints
// accept non-streaming chat requests and answer in the caller's protocol no
// matter which provider executed the request.
type BridgeHandler struct {
	orch    *service.Orchestrator
	metrics *repository.RequestMetricsRepository
	logger  *zap.Logger
}

// NewBridgeHandler creates a BridgeHandler. metrics may be nil when the
// metrics store is disabled.
func NewBridgeHandler(orch *service.Orchestrator, metrics *repository.RequestMetricsRepository, logger *zap.Logger) *BridgeHandler {
	return &BridgeHandler{orch: orch, metrics: metrics, logger: logger}
}

// Messages handles POST /v1/messages (Anthropic protocol).
func (h *BridgeHandler) Messages(c *gin.Context) {
	var req models.AnthropicRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		anthropicError(c, models.Errorf(models.ErrValidation, "invalid request body: %v", err))
		return
	}
	if err := validateAnthropicRequest(&req); err != nil {
		anthropicError(c, err)
		return
	}

	meta := requestMetadata(c)
	start := time.Now()
	result, err := h.orch.HandleAnthropic(c.Request.Context(), &req, meta)
	if err != nil {
		h.recordFailure(c, "anthropic", req.Model, start, err)
		anthropicError(c, err)
		return
	}

	h.writeRouterHeaders(c, result)
	h.recordSuccess(c, "anthropic", req.Model, result)
	c.Data(http.StatusOK, "application/json", result.Body)
}

// ChatCompletions handles POST /v1/chat/completions (OpenAI protocol).
func (h *BridgeHandler) ChatCompletions(c *gin.Context) {
	var req models.OpenAIRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		openaiError(c, models.Errorf(models.ErrValidation, "invalid request body: %v", err))
		return
	}
	if err := validateOpenAIRequest(&req); err != nil {
		openaiError(c, err)
		return
	}

	meta := requestMetadata(c)
	start := time.Now()
	result, err := h.orch.HandleOpenAI(c.Request.Context(), &req, meta)
	if err != nil {
		h.recordFailure(c, "openai", req.Model, start, err)
		openaiError(c, err)
		return
	}

	h.writeRouterHeaders(c, result)
	h.recordSuccess(c, "openai", req.Model, result)
	c.Data(http.StatusOK, "application/json", result.Body)
}

// writeRouterHeaders exposes routing metadata without touching the body.
func (h *BridgeHandler) writeRouterHeaders(c *gin.Context, result *service.RequestResult) {
	c.Header("X-Router-Provider", result.Provider)
	c.Header("X-Router-Model", result.Model)
	c.Header("X-Router-Pipeline", result.PipelineID)
	if result.Decision != nil {
		c.Header("X-Request-Id", result.Decision.RequestID)
	}
}

func (h *BridgeHandler) recordSuccess(c *gin.Context, origin, model string, result *service.RequestResult) {
	if h.metrics == nil {
		return
	}
	metric := &models.RequestMetric{
		OriginFormat: origin,
		Model:        model,
		Provider:     result.Provider,
		PipelineID:   result.PipelineID,
		Attempts:     result.Attempts,
		LatencyMs:    result.Duration.Milliseconds(),
		StatusCode:   http.StatusOK,
		Success:      true,
	}
	if result.Decision != nil {
		metric.RequestID = result.Decision.RequestID
	}
	h.insertMetric(metric)
}

func (h *BridgeHandler) recordFailure(c *gin.Context, origin, model string, start time.Time, err error) {
	if h.metrics == nil {
		return
	}
	status, kind := statusAndKind(err)
	h.insertMetric(&models.RequestMetric{
		OriginFormat: origin,
		Model:        model,
		LatencyMs:    time.Since(start).Milliseconds(),
		StatusCode:   status,
		Success:      false,
		ErrorKind:    kind,
	})
}

// insertMetric writes asynchronously; metrics loss never fails a request.
func (h *BridgeHandler) insertMetric(m *models.RequestMetric) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), metricInsertTimeout)
		defer cancel()
		if _, err := h.metrics.Insert(ctx, m); err != nil {
			h.logger.Warn("failed to record request metric", zap.Error(err))
		}
	}()
}

// requestMetadata collects routing hints from request headers.
func requestMetadata(c *gin.Context) models.RequestMetadata {
	attrs := map[string]string{}
	if v := c.GetHeader("X-Router-Category"); v != "" {
		attrs["category"] = v
	}
	if v := c.GetHeader("X-Router-Priority"); v != "" {
		attrs["priority"] = v
	}
	return models.RequestMetadata{
		SessionID:  c.GetHeader("X-Session-Id"),
		TraceID:    c.GetHeader("X-Trace-Id"),
		UserID:     c.GetHeader("X-User-Id"),
		Attributes: attrs,
	}
}

func validateAnthropicRequest(req *models.AnthropicRequest) error {
	if req.Model == "" {
		return models.Errorf(models.ErrValidation, "model is required")
	}
	if len(req.Messages) == 0 {
		return models.Errorf(models.ErrValidation, "messages must not be empty")
	}
	if req.MaxTokens <= 0 {
		return models.Errorf(models.ErrValidation, "max_tokens must be positive")
	}
	return nil
}

func validateOpenAIRequest(req *models.OpenAIRequest) error {
	if req.Model == "" {
		return models.Errorf(models.ErrValidation, "model is required")
	}
	if len(req.Messages) == 0 {
		return models.Errorf(models.ErrValidation, "messages must not be empty")
	}
	return nil
}
