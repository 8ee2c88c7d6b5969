// Package store holds the durable side of telemetry: an append-only metric
// log and its companion alert collection. Every backend implements Store.
package store

import (
	"context"
	"errors"
	"time"

	"counterwatch/internal/models"
)

var ErrNotFound = errors.New("store: record not found")

// Range is a closed time interval. A zero To leaves the range open-ended.
type Range struct {
	From time.Time
	To   time.Time
}

// LastHours returns the trailing window ending at now.
func LastHours(now time.Time, hours float64) Range {
	return Range{
		From: now.Add(-time.Duration(hours * float64(time.Hour))),
		To:   now,
	}
}

func (r Range) Contains(t time.Time) bool {
	if t.Before(r.From) {
		return false
	}
	return r.To.IsZero() || !t.After(r.To)
}

// Store is the capability set the telemetry core needs from a backend.
// Records come back in no particular order unless stated otherwise.
type Store interface {
	AppendMetric(ctx context.Context, m models.MetricRecord) (string, error)
	AppendAlert(ctx context.Context, a models.AlertRecord) (string, error)
	QueryMetrics(ctx context.Context, r Range, metricType string) ([]models.MetricRecord, error)
	QueryAlerts(ctx context.Context, r Range) ([]models.AlertRecord, error)
	// RecentAlerts returns at most limit alerts, newest first.
	RecentAlerts(ctx context.Context, limit int) ([]models.AlertRecord, error)
	ResolveAlert(ctx context.Context, id string) error
	Close() error
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
