//go:build !integration && !e2e
// +build !integration,!e2e

package service

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHealthPresumedHealthyBelowMinimum(t *testing.T) {
	h := NewHealthManager(5, 0.5, time.Minute, zap.NewNop())

	assert.True(t, h.IsHealthy("p-0"), "unknown pipelines are healthy")

	for i := 0; i < 4; i++ {
		h.RecordFailure("p-0", "boom")
	}
	assert.True(t, h.IsHealthy("p-0"), "four observations is below the minimum")

	h.RecordFailure("p-0", "boom")
	assert.False(t, h.IsHealthy("p-0"), "five failures crosses the threshold")
}

func TestHealthThreshold(t *testing.T) {
	h := NewHealthManager(4, 0.5, time.Minute, zap.NewNop())

	h.RecordSuccess("p-0", 10*time.Millisecond)
	h.RecordSuccess("p-0", 10*time.Millisecond)
	h.RecordFailure("p-0", "x")
	h.RecordFailure("p-0", "x")
	assert.True(t, h.IsHealthy("p-0"), "exactly at threshold passes")

	h.RecordFailure("p-0", "x")
	assert.False(t, h.IsHealthy("p-0"))

	s := h.Stats("p-0")
	require.NotNil(t, s)
	assert.Equal(t, int64(5), s.TotalRequests)
	assert.Equal(t, int64(2), s.SuccessCount)
	assert.Equal(t, "x", s.LastError)
	assert.InDelta(t, 0.4, s.SuccessRate(), 0.001)
}

func TestHealthFilterHealthy(t *testing.T) {
	h := NewHealthManager(2, 0.5, time.Minute, zap.NewNop())

	for i := 0; i < 3; i++ {
		h.RecordFailure("p-bad", "x")
	}
	h.RecordSuccess("p-good", 10*time.Millisecond)

	out := h.FilterHealthy([]string{"p-bad", "p-good", "p-unknown"})
	assert.Equal(t, []string{"p-good", "p-unknown"}, out)

	out = h.FilterHealthy([]string{"p-bad"})
	assert.Empty(t, out, "nothing eligible when every candidate is unhealthy")
}

func TestHealthResponseTimeAverage(t *testing.T) {
	h := NewHealthManager(0, 0, 0, zap.NewNop())

	h.RecordSuccess("p-0", 100*time.Millisecond)
	h.RecordSuccess("p-0", 200*time.Millisecond)
	h.RecordSuccess("p-0", 300*time.Millisecond)

	s := h.Stats("p-0")
	require.NotNil(t, s)
	assert.InDelta(t, 200.0, s.AvgResponseTimeMs, 0.001)
}

func TestHealthResponseTimeWindowBound(t *testing.T) {
	h := NewHealthManager(0, 0, 0, zap.NewNop())

	for i := 0; i < responseTimeWindow; i++ {
		h.RecordSuccess("p-0", 10*time.Millisecond)
	}
	for i := 0; i < responseTimeWindow; i++ {
		h.RecordSuccess("p-0", 30*time.Millisecond)
	}

	s := h.Stats("p-0")
	require.NotNil(t, s)
	assert.InDelta(t, 30.0, s.AvgResponseTimeMs, 0.001, "old samples age out of the window")
}

func TestHealthWindowReset(t *testing.T) {
	h := NewHealthManager(2, 0.5, 20*time.Millisecond, zap.NewNop())

	h.RecordFailure("p-0", "x")
	h.RecordFailure("p-0", "x")
	require.False(t, h.IsHealthy("p-0"))

	time.Sleep(30 * time.Millisecond)
	assert.True(t, h.IsHealthy("p-0"), "expired window forgives old failures")

	h.RecordSuccess("p-0", 10*time.Millisecond)
	s := h.Stats("p-0")
	require.NotNil(t, s)
	assert.Equal(t, int64(1), s.TotalRequests, "new window starts fresh")
}

func TestHealthForget(t *testing.T) {
	h := NewHealthManager(0, 0, 0, zap.NewNop())

	h.RecordSuccess("p-0", 10*time.Millisecond)
	require.NotNil(t, h.Stats("p-0"))

	h.Forget("p-0")
	assert.Nil(t, h.Stats("p-0"))
}

func TestHealthAllStatsCopies(t *testing.T) {
	h := NewHealthManager(0, 0, 0, zap.NewNop())
	h.RecordSuccess("p-0", 10*time.Millisecond)
	h.RecordFailure("p-1", "x")

	all := h.AllStats()
	require.Len(t, all, 2)
	all["p-0"].SuccessCount = 99

	s := h.Stats("p-0")
	assert.Equal(t, int64(1), s.SuccessCount, "snapshots do not alias live state")
}

func TestHealthDefaults(t *testing.T) {
	h := NewHealthManager(0, 0, 0, zap.NewNop())
	assert.Equal(t, int64(defaultMinRequests), h.minReqs)
	assert.Equal(t, defaultHealthThreshold, h.threshold)
	assert.Equal(t, defaultStatsWindow, h.window)
}

func TestHealthConcurrentRecording(t *testing.T) {
	h := NewHealthManager(1, 0.5, time.Minute, zap.NewNop())

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			id := fmt.Sprintf("p-%d", n%2)
			for j := 0; j < 100; j++ {
				if j%2 == 0 {
					h.RecordSuccess(id, time.Millisecond)
				} else {
					h.RecordFailure(id, "x")
				}
			}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	s := h.Stats("p-0")
	require.NotNil(t, s)
	assert.Equal(t, int64(400), s.TotalRequests)
}
