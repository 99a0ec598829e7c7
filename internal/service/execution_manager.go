package service

import (
	"context"
	"errors"
	"time"

	"github.com/user/llm-router-go/internal/models"
	"go.uber.org/zap"
)

const (
	defaultMaxPipelineAttempts = 3
	defaultMaxExecutionTime    = 30 * time.Second
)

// AttemptFunc runs the full downstream pipeline (transform, protocol,
// compatibility, server, response transform) against one pipeline and
// returns the caller-shaped response body.
type AttemptFunc func(ctx context.Context, pipe *Pipeline) ([]byte, error)

// ExecutionManager drives failover across sibling pipelines. It never
// synthesizes a response: every returned body came from a provider, and
// when all candidates are exhausted the error surfaces to the caller.
type ExecutionManager struct {
	health    *HealthManager
	blacklist *BlacklistManager
	balancer  *LoadBalancer
	events    *EventBus
	logger    *zap.Logger

	maxAttempts int
	maxExecTime time.Duration
}

// NewExecutionManager wires the manager. maxAttempts caps how many distinct
// pipelines one request may try; maxExecTime bounds the whole execution.
func NewExecutionManager(health *HealthManager, blacklist *BlacklistManager, balancer *LoadBalancer,
	events *EventBus, maxAttempts int, maxExecTime time.Duration, logger *zap.Logger) *ExecutionManager {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxPipelineAttempts
	}
	if maxExecTime <= 0 {
		maxExecTime = defaultMaxExecutionTime
	}
	return &ExecutionManager{
		health:      health,
		blacklist:   blacklist,
		balancer:    balancer,
		events:      events,
		logger:      logger,
		maxAttempts: maxAttempts,
		maxExecTime: maxExecTime,
	}
}

// Execute tries the candidate pipelines in load-balanced order until one
// succeeds, the attempt budget runs out, or a fatal error surfaces.
func (m *ExecutionManager) Execute(ctx context.Context, decision *models.RoutingDecision,
	candidates []*Pipeline, sessionID string, attempt AttemptFunc) *models.ExecutionResult {

	start := time.Now()
	execCtx, cancel := context.WithTimeout(ctx, m.maxExecTime)
	defer cancel()

	result := &models.ExecutionResult{Status: models.ExecutionNoPipelines}
	defer func() { result.TotalTime = time.Since(start) }()

	ordered := m.balancer.Order(candidates, sessionID)
	tried := 0

	for _, pipe := range ordered {
		if execCtx.Err() != nil {
			result.Status = models.ExecutionFailed
			result.Err = models.Errorf(models.ErrProviderTimeout,
				"execution budget exhausted after %s", time.Since(start).Round(time.Millisecond))
			break
		}
		if tried >= m.maxAttempts {
			break
		}
		if m.blacklist.IsBlocked(pipe.ID) || !m.health.IsHealthy(pipe.ID) {
			result.Attempts = append(result.Attempts, models.ExecutionAttempt{
				PipelineID: pipe.ID,
				StartedAt:  time.Now(),
				EndedAt:    time.Now(),
				Skipped:    true,
			})
			continue
		}

		tried++
		att := models.ExecutionAttempt{PipelineID: pipe.ID, Attempt: tried, StartedAt: time.Now()}

		m.balancer.Acquire(pipe.ID)
		body, err := attempt(execCtx, pipe)
		m.balancer.Release(pipe.ID)

		att.EndedAt = time.Now()
		att.Duration = att.EndedAt.Sub(att.StartedAt)

		if err == nil {
			att.Success = true
			result.Attempts = append(result.Attempts, att)
			result.Success = true
			result.Status = models.ExecutionSuccess
			result.PipelineID = pipe.ID
			result.Response = body

			m.health.RecordSuccess(pipe.ID, att.Duration)
			m.blacklist.Reset429(pipe.ID)
			m.publish(models.EventExecutionSuccess, map[string]interface{}{
				"requestId":  decision.RequestID,
				"pipelineId": pipe.ID,
				"attempts":   tried,
				"durationMs": att.Duration.Milliseconds(),
			})
			return result
		}

		att.Error = err
		action := m.handleFailure(pipe, err)
		att.Action = &action
		result.Attempts = append(result.Attempts, att)
		result.Status = models.ExecutionFailed
		result.Err = err

		m.logger.Warn("pipeline attempt failed",
			zap.String("request_id", decision.RequestID),
			zap.String("pipeline_id", pipe.ID),
			zap.String("action", string(action.Kind)),
			zap.String("reason", action.Reason),
			zap.Error(err))

		if action.Kind == models.ActionFatal {
			break
		}
	}

	if !result.Success {
		// Zero-fallback policy: the error surfaces instead of a degraded or
		// synthesized response.
		m.publish(models.EventFallbackBlocked, map[string]interface{}{
			"requestId": decision.RequestID,
			"status":    string(result.Status),
			"attempts":  len(result.Attempts),
		})
		m.publish(models.EventExecutionFailure, map[string]interface{}{
			"requestId": decision.RequestID,
			"status":    string(result.Status),
			"error":     errText(result.Err),
		})
		if result.Err == nil {
			result.Err = models.Errorf(models.ErrProviderUnavail,
				"no pipelines available for model %s", decision.Model)
		}
	}
	return result
}

// handleFailure records health, applies blacklist rules, and returns the
// classification verdict for the failed attempt.
func (m *ExecutionManager) handleFailure(pipe *Pipeline, err error) models.ErrorAction {
	m.health.RecordFailure(pipe.ID, err.Error())

	var ue *UpstreamError
	if errors.As(err, &ue) {
		if m.blacklist.MatchDestroyRule(ue.StatusCode, string(ue.Body)) {
			m.blacklist.Destroy(pipe.ID, "destroy_rule_matched")
			return models.SkipAction("destroy_rule_matched")
		}
		if ue.StatusCode == 429 {
			return m.blacklist.Handle429(pipe.ID)
		}
	}

	action := Classify(err, ClassifyContext{
		PipelineID:  pipe.ID,
		MaxAttempts: m.maxAttempts,
	})
	switch action.Kind {
	case models.ActionBlacklist:
		m.blacklist.TemporaryBlock(pipe.ID, action.Duration, action.Reason)
	case models.ActionRetry:
		// The server layer exhausted its local retries already; move on.
		action = models.SkipAction(action.Reason)
	}
	return action
}

func (m *ExecutionManager) publish(name string, payload map[string]interface{}) {
	if m.events != nil {
		m.events.Publish(name, payload)
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
