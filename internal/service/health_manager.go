package service

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultMinRequests     = 5
	defaultHealthThreshold = 0.5
	defaultStatsWindow     = 10 * time.Minute
	responseTimeWindow     = 100
)

// PipelineHealthStats is the rolling success record for one pipeline.
type PipelineHealthStats struct {
	PipelineID        string    `json:"pipelineId"`
	TotalRequests     int64     `json:"totalRequests"`
	SuccessCount      int64     `json:"successCount"`
	FailureCount      int64     `json:"failureCount"`
	LastSuccess       time.Time `json:"lastSuccess,omitempty"`
	LastFailure       time.Time `json:"lastFailure,omitempty"`
	LastError         string    `json:"lastError,omitempty"`
	WindowStart       time.Time `json:"windowStart"`
	AvgResponseTimeMs float64   `json:"avgResponseTimeMs"`

	// Bounded ring of recent success latencies backing the average.
	latencies []time.Duration
	latNext   int
}

// SuccessRate returns successes over total, 1.0 when no data.
func (s *PipelineHealthStats) SuccessRate() float64 {
	if s.TotalRequests == 0 {
		return 1.0
	}
	return float64(s.SuccessCount) / float64(s.TotalRequests)
}

// recordLatency pushes one sample into the ring and refreshes the average.
func (s *PipelineHealthStats) recordLatency(d time.Duration) {
	if len(s.latencies) < responseTimeWindow {
		s.latencies = append(s.latencies, d)
	} else {
		s.latencies[s.latNext] = d
		s.latNext = (s.latNext + 1) % responseTimeWindow
	}
	var sum time.Duration
	for _, l := range s.latencies {
		sum += l
	}
	s.AvgResponseTimeMs = float64(sum.Milliseconds()) / float64(len(s.latencies))
}

// HealthManager tracks per-pipeline success rates and response times. A
// pipeline with fewer than minRequests observations is presumed healthy;
// beyond that the success rate must stay at or above the threshold. Stats
// age out on a rolling window so one bad burst does not condemn a pipeline
// forever.
type HealthManager struct {
	mu        sync.RWMutex
	stats     map[string]*PipelineHealthStats
	minReqs   int64
	threshold float64
	window    time.Duration
	logger    *zap.Logger
}

// NewHealthManager creates a HealthManager. Zero arguments select the
// defaults: 5 minimum requests, 0.5 threshold, 10 minute window.
func NewHealthManager(minRequests int, threshold float64, window time.Duration, logger *zap.Logger) *HealthManager {
	if minRequests <= 0 {
		minRequests = defaultMinRequests
	}
	if threshold <= 0 || threshold > 1 {
		threshold = defaultHealthThreshold
	}
	if window <= 0 {
		window = defaultStatsWindow
	}
	return &HealthManager{
		stats:     make(map[string]*PipelineHealthStats),
		minReqs:   int64(minRequests),
		threshold: threshold,
		window:    window,
		logger:    logger,
	}
}

// RecordSuccess counts one successful execution and its latency.
func (h *HealthManager) RecordSuccess(pipelineID string, latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.statsLocked(pipelineID)
	s.TotalRequests++
	s.SuccessCount++
	s.LastSuccess = time.Now()
	s.recordLatency(latency)
}

// RecordFailure counts one failed execution on the pipeline.
func (h *HealthManager) RecordFailure(pipelineID string, errMsg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.statsLocked(pipelineID)
	s.TotalRequests++
	s.FailureCount++
	s.LastFailure = time.Now()
	s.LastError = errMsg
	if s.TotalRequests >= h.minReqs && s.SuccessRate() < h.threshold {
		h.logger.Warn("pipeline dropped below health threshold",
			zap.String("pipeline_id", pipelineID),
			zap.Float64("success_rate", s.SuccessRate()),
			zap.Int64("requests", s.TotalRequests))
	}
}

// IsHealthy reports whether the pipeline has an acceptable success rate.
func (h *HealthManager) IsHealthy(pipelineID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.stats[pipelineID]
	if !ok || h.expired(s) || s.TotalRequests < h.minReqs {
		return true
	}
	return s.SuccessRate() >= h.threshold
}

// FilterHealthy keeps only pipelines that pass the health check, preserving
// order. An empty result means nothing is eligible.
func (h *HealthManager) FilterHealthy(pipelineIDs []string) []string {
	healthy := make([]string, 0, len(pipelineIDs))
	for _, id := range pipelineIDs {
		if h.IsHealthy(id) {
			healthy = append(healthy, id)
		}
	}
	return healthy
}

// Stats returns a snapshot copy of the pipeline's record, nil if none.
func (h *HealthManager) Stats(pipelineID string) *PipelineHealthStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.stats[pipelineID]
	if !ok {
		return nil
	}
	return snapshotStats(s)
}

// AllStats returns snapshot copies of every tracked pipeline.
func (h *HealthManager) AllStats() map[string]*PipelineHealthStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]*PipelineHealthStats, len(h.stats))
	for id, s := range h.stats {
		out[id] = snapshotStats(s)
	}
	return out
}

// Forget drops the record for a destroyed pipeline.
func (h *HealthManager) Forget(pipelineID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.stats, pipelineID)
}

func snapshotStats(s *PipelineHealthStats) *PipelineHealthStats {
	cp := *s
	cp.latencies = nil
	cp.latNext = 0
	return &cp
}

// statsLocked returns the live record, resetting it when the window aged
// out. Caller holds the write lock.
func (h *HealthManager) statsLocked(pipelineID string) *PipelineHealthStats {
	s, ok := h.stats[pipelineID]
	if !ok || h.expired(s) {
		s = &PipelineHealthStats{PipelineID: pipelineID, WindowStart: time.Now()}
		h.stats[pipelineID] = s
	}
	return s
}

func (h *HealthManager) expired(s *PipelineHealthStats) bool {
	return time.Since(s.WindowStart) > h.window
}
