package models

import "time"

// RequestMetric is the metadata-only record persisted per bridged request.
// Message content never reaches storage; only routing and outcome metadata
// does.
type RequestMetric struct {
	ID           int64     `json:"id"`
	RequestID    string    `json:"requestId"`
	OriginFormat string    `json:"originFormat"`
	Model        string    `json:"model"`
	Provider     string    `json:"provider"`
	PipelineID   string    `json:"pipelineId"`
	Attempts     int       `json:"attempts"`
	LatencyMs    int64     `json:"latencyMs"`
	StatusCode   int       `json:"statusCode"`
	Success      bool      `json:"success"`
	ErrorKind    string    `json:"errorKind,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}
