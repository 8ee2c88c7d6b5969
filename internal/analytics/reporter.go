package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"counterwatch/internal/models"
	"counterwatch/internal/store"
)

const DefaultQueryTimeout = 5 * time.Second

// Reporter answers dashboard queries by scanning the store.
type Reporter struct {
	store   store.Store
	clock   func() time.Time
	timeout time.Duration
}

func NewReporter(s store.Store, clock func() time.Time) *Reporter {
	if clock == nil {
		clock = time.Now
	}
	return &Reporter{
		store:   s,
		clock:   clock,
		timeout: DefaultQueryTimeout,
	}
}

// Summarize groups metrics by type and alerts by severity over the trailing
// window. Types with no records are absent from the result, never zeroed.
func (r *Reporter) Summarize(ctx context.Context, windowHours float64) (models.Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	window := store.LastHours(r.clock(), windowHours)
	summary := models.Summary{
		Metrics:        make(map[string]*models.MetricStats),
		Alerts:         make(map[models.Severity]int),
		TimeRangeHours: windowHours,
	}

	metrics, err := r.store.QueryMetrics(ctx, window, "")
	if err != nil {
		return summary, fmt.Errorf("failed to query metrics: %w", err)
	}

	for _, m := range metrics {
		stats, ok := summary.Metrics[m.MetricType]
		if !ok {
			stats = &models.MetricStats{Min: math.Inf(1), Max: math.Inf(-1)}
			summary.Metrics[m.MetricType] = stats
		}
		stats.Count++
		stats.Sum += m.Value
		stats.Min = math.Min(stats.Min, m.Value)
		stats.Max = math.Max(stats.Max, m.Value)
	}

	for metricType, stats := range summary.Metrics {
		if stats.Count > 0 {
			stats.Avg = stats.Sum / float64(stats.Count)
		}
		summary.TotalRecords += stats.Count
		if metricType == models.MetricLatency {
			summary.TotalOperations = stats.Count
		}
	}

	alerts, err := r.store.QueryAlerts(ctx, window)
	if err != nil {
		return summary, fmt.Errorf("failed to query alerts: %w", err)
	}
	for _, a := range alerts {
		severity := a.Severity
		if severity == "" {
			severity = models.SeverityInfo
		}
		summary.Alerts[severity]++
	}

	return summary, nil
}

// Trends buckets the window by UTC hour, oldest first.
func (r *Reporter) Trends(ctx context.Context, hours float64) ([]models.HourlyTrend, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	metrics, err := r.store.QueryMetrics(ctx, store.LastHours(r.clock(), hours), "")
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}

	type bucket struct {
		trend        models.HourlyTrend
		latencySum   float64
		latencyCount int
	}
	buckets := make(map[time.Time]*bucket)

	for _, m := range metrics {
		hour := m.Timestamp.UTC().Truncate(time.Hour)
		b, ok := buckets[hour]
		if !ok {
			b = &bucket{trend: models.HourlyTrend{Hour: hour}}
			buckets[hour] = b
		}

		switch m.MetricType {
		case models.MetricLatency:
			b.latencySum += m.Value
			b.latencyCount++
			b.trend.OperationCount++
		case models.MetricCost:
			b.trend.TotalCost += m.Value
		case models.MetricError:
			b.trend.ErrorCount++
		}
	}

	trends := make([]models.HourlyTrend, 0, len(buckets))
	for _, b := range buckets {
		if b.latencyCount > 0 {
			b.trend.AvgLatency = b.latencySum / float64(b.latencyCount)
		}
		trends = append(trends, b.trend)
	}
	sort.Slice(trends, func(i, j int) bool {
		return trends[i].Hour.Before(trends[j].Hour)
	})
	return trends, nil
}

// Recent returns the newest alerts from the store.
func (r *Reporter) Recent(ctx context.Context, limit int) ([]models.AlertRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	alerts, err := r.store.RecentAlerts(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent alerts: %w", err)
	}
	return alerts, nil
}
