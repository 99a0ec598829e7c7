//go:build !integration && !e2e
// +build !integration,!e2e

package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/llm-router-go/internal/database"
	"github.com/user/llm-router-go/internal/models"
	"go.uber.org/zap"
)

func setupRepo(t *testing.T) *RequestMetricsRepository {
	t.Helper()
	db, err := database.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.RunMigrations(db))
	return NewRequestMetricsRepository(db, zap.NewNop())
}

func sampleMetric(provider, pipeline string, success bool) *models.RequestMetric {
	return &models.RequestMetric{
		RequestID:    "req-1",
		OriginFormat: "anthropic",
		Model:        "claude-sonnet-4",
		Provider:     provider,
		PipelineID:   pipeline,
		Attempts:     1,
		LatencyMs:    120,
		StatusCode:   200,
		Success:      success,
	}
}

func TestInsertAndList(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	id, err := repo.Insert(ctx, sampleMetric("openrouter", "openrouter-m-0", true))
	require.NoError(t, err)
	assert.Positive(t, id)

	_, err = repo.Insert(ctx, sampleMetric("anthropic", "anthropic-m-0", false))
	require.NoError(t, err)

	metrics, total, err := repo.List(ctx, MetricsFilter{}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, metrics, 2)
	assert.Equal(t, "claude-sonnet-4", metrics[0].Model)
	assert.False(t, metrics[0].CreatedAt.IsZero())
}

func TestListFilters(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := repo.Insert(ctx, sampleMetric("openrouter", "openrouter-m-0", true))
		require.NoError(t, err)
	}
	_, err := repo.Insert(ctx, sampleMetric("anthropic", "anthropic-m-0", false))
	require.NoError(t, err)

	provider := "openrouter"
	_, total, err := repo.List(ctx, MetricsFilter{Provider: &provider}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	success := false
	metrics, total, err := repo.List(ctx, MetricsFilter{Success: &success}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, metrics, 1)
	assert.Equal(t, "anthropic", metrics[0].Provider)

	pipeline := "openrouter-m-0"
	_, total, err = repo.List(ctx, MetricsFilter{PipelineID: &pipeline}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	future := time.Now().UTC().Add(time.Hour)
	_, total, err = repo.List(ctx, MetricsFilter{StartTime: &future}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}

func TestListPagination(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := repo.Insert(ctx, sampleMetric("openrouter", "openrouter-m-0", true))
		require.NoError(t, err)
	}

	metrics, total, err := repo.List(ctx, MetricsFilter{}, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	assert.Len(t, metrics, 2)

	metrics, _, err = repo.List(ctx, MetricsFilter{}, 2, 4)
	require.NoError(t, err)
	assert.Len(t, metrics, 1)
}

func TestGetStats(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := repo.Insert(ctx, sampleMetric("openrouter", "openrouter-m-0", true))
		require.NoError(t, err)
	}
	m := sampleMetric("openrouter", "openrouter-m-0", false)
	m.LatencyMs = 480
	_, err := repo.Insert(ctx, m)
	require.NoError(t, err)

	stats, err := repo.GetStats(ctx, MetricsFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.TotalRequests)
	assert.InDelta(t, 75.0, stats.SuccessRate, 0.001)
	assert.InDelta(t, 210.0, stats.AvgLatencyMs, 0.001)
	require.Len(t, stats.ByProvider, 1)
	assert.Equal(t, "openrouter", stats.ByProvider[0].Provider)
}

func TestGetStatsEmpty(t *testing.T) {
	repo := setupRepo(t)
	stats, err := repo.GetStats(context.Background(), MetricsFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalRequests)
	assert.Zero(t, stats.SuccessRate)
	assert.Empty(t, stats.ByProvider)
}

func TestPurgeOlderThan(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	_, err := repo.Insert(ctx, sampleMetric("openrouter", "openrouter-m-0", true))
	require.NoError(t, err)

	purged, err := repo.PurgeOlderThan(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), purged, "recent rows survive")

	purged, err = repo.PurgeOlderThan(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, total, err := repo.List(ctx, MetricsFilter{}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	db, err := database.NewMemory()
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, database.RunMigrations(db))
	require.NoError(t, database.RunMigrations(db))

	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count)
	if err == sql.ErrNoRows {
		t.Fatal("migrations table missing")
	}
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
