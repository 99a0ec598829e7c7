package service

import (
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
	"sync"
	"time"
)

// LoadBalanceStrategy names a pipeline-selection policy.
type LoadBalanceStrategy string

const (
	StrategyRoundRobin       LoadBalanceStrategy = "round_robin"
	StrategyWeighted         LoadBalanceStrategy = "weighted"
	StrategyLeastConnections LoadBalanceStrategy = "least_connections"
	StrategySessionHash      LoadBalanceStrategy = "session_hash"
)

// Thread-safe random source shared by the selection policies.
var rng = rand.New(rand.NewSource(time.Now().UnixNano()))
var rngMu sync.Mutex

func randIntn(n int) int {
	rngMu.Lock()
	defer rngMu.Unlock()
	return rng.Intn(n)
}

// LoadBalancer orders sibling pipelines of one route target before
// execution. The chosen pipeline moves to the front; the rest keep their
// relative order as the retry tail.
type LoadBalancer struct {
	strategy LoadBalanceStrategy

	rrMu      sync.Mutex
	rrIndices map[string]int

	inflightMu sync.Mutex
	inflight   map[string]int
}

// NewLoadBalancer creates a LoadBalancer. An unknown or empty strategy
// falls back to round robin.
func NewLoadBalancer(strategy LoadBalanceStrategy) *LoadBalancer {
	switch strategy {
	case StrategyWeighted, StrategyLeastConnections, StrategySessionHash:
	default:
		strategy = StrategyRoundRobin
	}
	return &LoadBalancer{
		strategy:  strategy,
		rrIndices: make(map[string]int),
		inflight:  make(map[string]int),
	}
}

// Strategy returns the active policy.
func (lb *LoadBalancer) Strategy() LoadBalanceStrategy { return lb.strategy }

// Order returns the pipelines with the selected one first. sessionID feeds
// the session-hash policy; other policies ignore it.
func (lb *LoadBalancer) Order(pipelines []*Pipeline, sessionID string) []*Pipeline {
	if len(pipelines) <= 1 {
		return pipelines
	}
	var idx int
	switch lb.strategy {
	case StrategyWeighted:
		idx = lb.selectWeighted(pipelines)
	case StrategyLeastConnections:
		idx = lb.selectLeastConnections(pipelines)
	case StrategySessionHash:
		idx = lb.selectSessionHash(pipelines, sessionID)
	default:
		idx = lb.selectRoundRobin(pipelines)
	}

	out := make([]*Pipeline, 0, len(pipelines))
	out = append(out, pipelines[idx])
	out = append(out, pipelines[:idx]...)
	out = append(out, pipelines[idx+1:]...)
	return out
}

// Acquire marks one in-flight execution on the pipeline.
func (lb *LoadBalancer) Acquire(pipelineID string) {
	lb.inflightMu.Lock()
	lb.inflight[pipelineID]++
	lb.inflightMu.Unlock()
}

// Release ends one in-flight execution on the pipeline.
func (lb *LoadBalancer) Release(pipelineID string) {
	lb.inflightMu.Lock()
	if lb.inflight[pipelineID] > 0 {
		lb.inflight[pipelineID]--
	}
	lb.inflightMu.Unlock()
}

func (lb *LoadBalancer) selectRoundRobin(pipelines []*Pipeline) int {
	// Siblings share a provider and model; key the counter on that target.
	key := pipelines[0].Route.Provider + "," + pipelines[0].Model
	lb.rrMu.Lock()
	idx := lb.rrIndices[key] % len(pipelines)
	lb.rrIndices[key] = idx + 1
	lb.rrMu.Unlock()
	return idx
}

func (lb *LoadBalancer) selectWeighted(pipelines []*Pipeline) int {
	total := 0.0
	for _, p := range pipelines {
		if p.Route.Weight > 0 {
			total += p.Route.Weight
		}
	}
	if total <= 0 {
		return randIntn(len(pipelines))
	}
	rngMu.Lock()
	r := rng.Float64() * total
	rngMu.Unlock()
	cumulative := 0.0
	for i, p := range pipelines {
		if p.Route.Weight > 0 {
			cumulative += p.Route.Weight
		}
		if r < cumulative {
			return i
		}
	}
	return len(pipelines) - 1
}

func (lb *LoadBalancer) selectLeastConnections(pipelines []*Pipeline) int {
	lb.inflightMu.Lock()
	defer lb.inflightMu.Unlock()
	best := 0
	bestCount := lb.inflight[pipelines[0].ID]
	for i := 1; i < len(pipelines); i++ {
		if c := lb.inflight[pipelines[i].ID]; c < bestCount {
			best, bestCount = i, c
		}
	}
	return best
}

func (lb *LoadBalancer) selectSessionHash(pipelines []*Pipeline, sessionID string) int {
	if sessionID == "" {
		return randIntn(len(pipelines))
	}
	hash := sha256.Sum256([]byte(sessionID))
	return int(binary.BigEndian.Uint64(hash[:8]) % uint64(len(pipelines)))
}
