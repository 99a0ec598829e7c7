package models

import (
	"encoding/json"
	"time"
)

// ErrorActionKind discriminates the remediation variants.
type ErrorActionKind string

const (
	ActionBlacklist ErrorActionKind = "blacklist_pipeline"
	ActionSkip      ErrorActionKind = "skip_pipeline"
	ActionRetry     ErrorActionKind = "retry_same_pipeline"
	ActionFatal     ErrorActionKind = "fatal_error"
)

// ErrorAction is the classifier's verdict for one failed attempt.
// Duration is set for blacklist actions, RetryAfter for retry actions.
type ErrorAction struct {
	Kind       ErrorActionKind
	Duration   time.Duration
	RetryAfter time.Duration
	Reason     string
}

// BlacklistAction builds a temporary-block verdict.
func BlacklistAction(d time.Duration, reason string) ErrorAction {
	return ErrorAction{Kind: ActionBlacklist, Duration: d, Reason: reason}
}

// SkipAction builds a skip-to-sibling verdict.
func SkipAction(reason string) ErrorAction {
	return ErrorAction{Kind: ActionSkip, Reason: reason}
}

// RetryAction builds a retry-same-pipeline verdict.
func RetryAction(after time.Duration, reason string) ErrorAction {
	return ErrorAction{Kind: ActionRetry, RetryAfter: after, Reason: reason}
}

// FatalAction builds a non-recoverable verdict.
func FatalAction(reason string) ErrorAction {
	return ErrorAction{Kind: ActionFatal, Reason: reason}
}

// ExecutionAttempt records one pipeline try.
type ExecutionAttempt struct {
	PipelineID string
	Attempt    int
	StartedAt  time.Time
	EndedAt    time.Time
	Duration   time.Duration
	Success    bool
	Error      error
	Action     *ErrorAction
	Skipped    bool
}

// ExecutionStatus classifies the final outcome of an execution.
type ExecutionStatus string

const (
	ExecutionSuccess     ExecutionStatus = "success"
	ExecutionFailed      ExecutionStatus = "failed"
	ExecutionNoPipelines ExecutionStatus = "no_pipelines_available"
)

// ExecutionResult is the execution manager's final output.
type ExecutionResult struct {
	Success    bool
	PipelineID string
	Attempts   []ExecutionAttempt
	TotalTime  time.Duration
	Status     ExecutionStatus
	Response   []byte
	Err        error
}

// Event names emitted by the execution and blacklist managers.
const (
	EventPipelineDestroy        = "pipeline-destroy"
	EventPipelineTemporaryBlock = "pipeline-temporary-block"
	EventPipelineManualUnblock  = "pipeline-manual-unblock"
	EventFallbackBlocked        = "fallback-blocked"
	EventExecutionSuccess       = "provider-execution-success"
	EventExecutionFailure       = "provider-execution-failure"
)

// Event is a structured notification for external observers.
type Event struct {
	Name      string          `json:"name"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}
