package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/user/llm-router-go/internal/models"
)

// ClassifyContext carries the per-pipeline attempt state the classifier
// needs. Consecutive429 is the blacklist manager's current counter for the
// pipeline, including the failure being classified.
type ClassifyContext struct {
	PipelineID     string
	Attempt        int // 0-based retry count on this pipeline
	MaxAttempts    int
	Consecutive429 int
	Max429         int
}

// Classify maps a failure to its remediation action. Pure function: no
// state is mutated here; the execution manager applies the verdict.
func Classify(err error, ctx ClassifyContext) models.ErrorAction {
	var te *TransportError
	if errors.As(err, &te) {
		return classifyTransportError(te, ctx)
	}

	var ue *UpstreamError
	if errors.As(err, &ue) {
		return classifyStatus(ue.StatusCode, ctx)
	}

	var re *models.RouterError
	if errors.As(err, &re) {
		switch re.Kind {
		case models.ErrProviderFailure:
			return models.SkipAction("invalid_json_response")
		case models.ErrAuthentication:
			return models.FatalAction("authentication_failure")
		}
	}

	return models.FatalAction("unknown_error")
}

// classifyStatus applies the HTTP status table.
func classifyStatus(status int, ctx ClassifyContext) models.ErrorAction {
	switch {
	case status == 502:
		return models.SkipAction("bad_gateway")
	case status == 503:
		return models.BlacklistAction(30*time.Second, "service_unavailable")
	case status == 504:
		return models.SkipAction("gateway_timeout")
	case status == 429:
		if ctx.Max429 > 0 && ctx.Consecutive429 >= ctx.Max429 {
			return models.FatalAction("rate_limit_exceeded")
		}
		return models.BlacklistAction(60*time.Second, "rate_limit")
	case status >= 500:
		return models.BlacklistAction(60*time.Second, "server_error")
	case status == 401 || status == 403:
		return models.FatalAction("authentication_failure")
	case status >= 400:
		return models.FatalAction(fmt.Sprintf("client_error_%d", status))
	default:
		return models.FatalAction("unknown_error")
	}
}

// classifyTransportError applies the connectivity table. Reset, hang-up and
// timeout retry on the same pipeline while attempts remain, then skip.
func classifyTransportError(te *TransportError, ctx ClassifyContext) models.ErrorAction {
	switch te.Kind {
	case KindConnectionRefused:
		return models.SkipAction("connection_refused")
	case KindDNSFailure:
		return models.SkipAction("dns_resolution_failed")
	case KindConnectionReset:
		if ctx.Attempt < ctx.MaxAttempts {
			return models.RetryAction(1*time.Second, "connection_reset")
		}
		return models.SkipAction("connection_reset")
	case KindSocketHangUp:
		if ctx.Attempt < ctx.MaxAttempts {
			return models.RetryAction(2*time.Second, "socket_hang_up")
		}
		return models.SkipAction("socket_hang_up")
	case KindTimeout:
		if ctx.Attempt < ctx.MaxAttempts {
			return models.RetryAction(timeoutBackoff(ctx.Attempt), "timeout")
		}
		return models.SkipAction("timeout")
	default:
		return models.FatalAction("unknown_error")
	}
}

// timeoutBackoff is min(1s * 2^n, 10s).
func timeoutBackoff(attempt int) time.Duration {
	d := time.Second << attempt
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	return d
}
