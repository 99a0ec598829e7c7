// Package repository provides data access for the request-metrics store.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/user/llm-router-go/internal/models"
	"go.uber.org/zap"
)

// RequestMetricsRepository persists and queries per-request routing metadata.
type RequestMetricsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRequestMetricsRepository creates a RequestMetricsRepository.
func NewRequestMetricsRepository(db *sql.DB, logger *zap.Logger) *RequestMetricsRepository {
	return &RequestMetricsRepository{db: db, logger: logger}
}

// Insert records one bridged request.
func (r *RequestMetricsRepository) Insert(ctx context.Context, m *models.RequestMetric) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO request_metrics (
			request_id, origin_format, model, provider, pipeline_id,
			attempts, latency_ms, status_code, success, error_kind, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.RequestID, m.OriginFormat, m.Model, m.Provider, m.PipelineID,
		m.Attempts, m.LatencyMs, m.StatusCode, boolToInt(m.Success), m.ErrorKind,
		time.Now().UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return 0, fmt.Errorf("failed to insert request metric: %w", err)
	}
	return result.LastInsertId()
}

// MetricsFilter narrows List and Stats queries. Nil fields match everything.
type MetricsFilter struct {
	Provider   *string
	PipelineID *string
	Model      *string
	Success    *bool
	StartTime  *time.Time
	EndTime    *time.Time
}

// List returns metrics matching the filter, newest first, with pagination.
func (r *RequestMetricsRepository) List(ctx context.Context, f MetricsFilter, limit, offset int) ([]*models.RequestMetric, int64, error) {
	whereSQL, params := buildWhere(f)

	var total int64
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM request_metrics WHERE %s`, whereSQL)
	if err := r.db.QueryRowContext(ctx, countQuery, params...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count metrics: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, request_id, origin_format, model, provider, pipeline_id,
			attempts, latency_ms, status_code, success, error_kind, created_at
		FROM request_metrics
		WHERE %s
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, whereSQL)
	params = append(params, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query metrics: %w", err)
	}
	defer rows.Close()

	metrics := make([]*models.RequestMetric, 0)
	for rows.Next() {
		m, err := scanMetric(rows)
		if err != nil {
			return nil, 0, err
		}
		metrics = append(metrics, m)
	}
	return metrics, total, rows.Err()
}

// ProviderStats is the aggregated view per provider.
type ProviderStats struct {
	Provider      string  `json:"provider"`
	TotalRequests int64   `json:"totalRequests"`
	SuccessRate   float64 `json:"successRate"`
	AvgLatencyMs  float64 `json:"avgLatencyMs"`
}

// Stats contains overall plus per-provider aggregates.
type Stats struct {
	TotalRequests int64           `json:"totalRequests"`
	SuccessRate   float64         `json:"successRate"`
	AvgLatencyMs  float64         `json:"avgLatencyMs"`
	ByProvider    []ProviderStats `json:"byProvider"`
}

// GetStats aggregates metrics matching the filter.
func (r *RequestMetricsRepository) GetStats(ctx context.Context, f MetricsFilter) (*Stats, error) {
	whereSQL, params := buildWhere(f)

	var stats Stats
	overallQuery := fmt.Sprintf(`
		SELECT
			COUNT(*) AS total_requests,
			CASE WHEN COUNT(*) > 0
				THEN SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END) * 100.0 / COUNT(*)
				ELSE 0
			END AS success_rate,
			COALESCE(AVG(latency_ms), 0) AS avg_latency
		FROM request_metrics
		WHERE %s
	`, whereSQL)
	if err := r.db.QueryRowContext(ctx, overallQuery, params...).Scan(
		&stats.TotalRequests, &stats.SuccessRate, &stats.AvgLatencyMs,
	); err != nil {
		return nil, fmt.Errorf("failed to get overall stats: %w", err)
	}

	providerQuery := fmt.Sprintf(`
		SELECT provider,
			COUNT(*) AS requests,
			CASE WHEN COUNT(*) > 0
				THEN SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END) * 100.0 / COUNT(*)
				ELSE 0
			END AS success_rate,
			COALESCE(AVG(latency_ms), 0) AS avg_latency
		FROM request_metrics
		WHERE %s
		GROUP BY provider
		ORDER BY requests DESC
	`, whereSQL)
	rows, err := r.db.QueryContext(ctx, providerQuery, params...)
	if err != nil {
		return nil, fmt.Errorf("failed to get provider stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ps ProviderStats
		if err := rows.Scan(&ps.Provider, &ps.TotalRequests, &ps.SuccessRate, &ps.AvgLatencyMs); err != nil {
			return nil, fmt.Errorf("failed to scan provider stats: %w", err)
		}
		stats.ByProvider = append(stats.ByProvider, ps)
	}
	return &stats, rows.Err()
}

// PurgeOlderThan deletes metrics older than the cutoff and returns how many
// rows went away.
func (r *RequestMetricsRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM request_metrics WHERE created_at < ?`,
		cutoff.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return 0, fmt.Errorf("failed to purge metrics: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		r.logger.Info("purged request metrics", zap.Int64("count", rowsAffected))
	}
	return rowsAffected, nil
}

func buildWhere(f MetricsFilter) (string, []any) {
	conditions := []string{"1=1"}
	var params []any

	if f.Provider != nil {
		conditions = append(conditions, "provider = ?")
		params = append(params, *f.Provider)
	}
	if f.PipelineID != nil {
		conditions = append(conditions, "pipeline_id = ?")
		params = append(params, *f.PipelineID)
	}
	if f.Model != nil {
		conditions = append(conditions, "model = ?")
		params = append(params, *f.Model)
	}
	if f.Success != nil {
		conditions = append(conditions, "success = ?")
		params = append(params, boolToInt(*f.Success))
	}
	if f.StartTime != nil {
		conditions = append(conditions, "created_at >= ?")
		params = append(params, f.StartTime.UTC().Format("2006-01-02 15:04:05"))
	}
	if f.EndTime != nil {
		conditions = append(conditions, "created_at <= ?")
		params = append(params, f.EndTime.UTC().Format("2006-01-02 15:04:05"))
	}
	return strings.Join(conditions, " AND "), params
}

func scanMetric(rows *sql.Rows) (*models.RequestMetric, error) {
	var m models.RequestMetric
	var success int
	var createdAt string
	if err := rows.Scan(
		&m.ID, &m.RequestID, &m.OriginFormat, &m.Model, &m.Provider, &m.PipelineID,
		&m.Attempts, &m.LatencyMs, &m.StatusCode, &success, &m.ErrorKind, &createdAt,
	); err != nil {
		return nil, fmt.Errorf("failed to scan metric: %w", err)
	}
	m.Success = success == 1
	m.CreatedAt = parseFlexibleTime(createdAt)
	return &m, nil
}

// parseFlexibleTime tries the time formats SQLite commonly emits.
func parseFlexibleTime(s string) time.Time {
	formats := []string{
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05Z",
		"2006-01-02T15:04:05",
		time.RFC3339,
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
