package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/user/llm-router-go/internal/models"
	"go.uber.org/zap"
)

// bufferBackoff is the slower ladder for memory-pressure failures.
var bufferBackoff = []time.Duration{5 * time.Second, 10 * time.Second, 30 * time.Second}

// ServerLayer performs the outbound provider call for one pipeline. It owns
// the provider-local retry loop: only failures classified as retry-on-same-
// pipeline are retried here, everything else surfaces unchanged for the
// execution manager to act on.
type ServerLayer struct {
	client *HTTPClient
	logger *zap.Logger
}

// NewServerLayer creates a ServerLayer around the shared HTTP client.
func NewServerLayer(client *HTTPClient, logger *zap.Logger) *ServerLayer {
	return &ServerLayer{client: client, logger: logger}
}

// Execute sends the wire body to the pipeline's endpoint and returns the raw
// 2xx body. Non-2xx statuses surface as *UpstreamError, connectivity
// failures as *TransportError.
func (s *ServerLayer) Execute(ctx context.Context, pctx *ProcessingContext, body []byte) ([]byte, error) {
	headers := s.buildHeaders(pctx)

	var lastErr error
	for attempt := 0; attempt <= pctx.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := s.retryDelay(lastErr, attempt)
			s.logger.Info("retrying provider call on same pipeline",
				zap.String("pipeline_id", pctx.PipelineID),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, &TransportError{Kind: KindTimeout, Err: ctx.Err()}
			case <-time.After(delay):
			}
		}

		resp, err := s.client.Do(ctx, pctx.URL, RequestOptions{
			Headers: headers,
			Body:    body,
			Timeout: pctx.Timeout,
		})
		if err != nil {
			lastErr = err
			if s.retryableHere(err, attempt, pctx.MaxRetries) {
				continue
			}
			return nil, err
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: resp.Body}
		}
		return resp.Body, nil
	}
	return nil, lastErr
}

// buildHeaders assembles auth and content headers for the provider type.
// Custom headers from configuration win over the defaults.
func (s *ServerLayer) buildHeaders(pctx *ProcessingContext) map[string]string {
	headers := map[string]string{
		"Content-Type": "application/json",
	}
	if pctx.ProviderType == models.ProviderAnthropicNative {
		headers["x-api-key"] = pctx.APIKey
		headers["anthropic-version"] = "2023-06-01"
	} else {
		headers["Authorization"] = "Bearer " + pctx.APIKey
	}
	for k, v := range pctx.Headers {
		headers[k] = v
	}
	return headers
}

// retryableHere reports whether this layer retries the failure itself.
// Connection resets, hang-ups and timeouts stay local while the attempt
// budget lasts; refusals, DNS failures and HTTP statuses escalate.
func (s *ServerLayer) retryableHere(err error, attempt, maxRetries int) bool {
	if attempt >= maxRetries {
		return false
	}
	var te *TransportError
	if !errors.As(err, &te) {
		return false
	}
	switch te.Kind {
	case KindConnectionReset, KindSocketHangUp, KindTimeout:
		return true
	}
	return isBufferPressure(err)
}

// retryDelay picks the back-off for the next local attempt. The default
// ladder is 1 s, 2 s, 4 s capped at 10 s; hang-ups start at 2 s; buffer
// pressure uses the slow ladder and hints at heap sizing.
func (s *ServerLayer) retryDelay(err error, attempt int) time.Duration {
	if isBufferPressure(err) {
		idx := attempt - 1
		if idx >= len(bufferBackoff) {
			idx = len(bufferBackoff) - 1
		}
		s.logger.Warn("buffer pressure from upstream, backing off; consider increasing heap size",
			zap.Duration("delay", bufferBackoff[idx]))
		return bufferBackoff[idx]
	}

	var te *TransportError
	if errors.As(err, &te) && te.Kind == KindSocketHangUp && attempt == 1 {
		return 2 * time.Second
	}

	d := time.Second << (attempt - 1)
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	return d
}

// isBufferPressure detects allocation failures surfaced in transport error
// text.
func isBufferPressure(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "buffer") ||
		strings.Contains(msg, "out of memory") ||
		strings.Contains(msg, "cannot allocate")
}
