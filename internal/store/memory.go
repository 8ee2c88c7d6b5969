package store

import (
	"context"
	"sort"
	"sync"

	"counterwatch/internal/models"

	"github.com/google/uuid"
)

// Memory keeps everything in process. Used by tests and as the fallback
// backend when nothing durable is configured.
type Memory struct {
	mu      sync.RWMutex
	metrics []models.MetricRecord
	alerts  []models.AlertRecord
}

func NewMemory() *Memory {
	return &Memory{}
}

func (s *Memory) AppendMetric(_ context.Context, m models.MetricRecord) (string, error) {
	m.ID = uuid.NewString()
	m.Metadata = cloneMap(m.Metadata)

	s.mu.Lock()
	s.metrics = append(s.metrics, m)
	s.mu.Unlock()
	return m.ID, nil
}

func (s *Memory) AppendAlert(_ context.Context, a models.AlertRecord) (string, error) {
	a.ID = uuid.NewString()
	a.Data = cloneMap(a.Data)

	s.mu.Lock()
	s.alerts = append(s.alerts, a)
	s.mu.Unlock()
	return a.ID, nil
}

func (s *Memory) QueryMetrics(_ context.Context, r Range, metricType string) ([]models.MetricRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.MetricRecord
	for _, m := range s.metrics {
		if !r.Contains(m.Timestamp) {
			continue
		}
		if metricType != "" && m.MetricType != metricType {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Memory) QueryAlerts(_ context.Context, r Range) ([]models.AlertRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.AlertRecord
	for _, a := range s.alerts {
		if r.Contains(a.Timestamp) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Memory) RecentAlerts(_ context.Context, limit int) ([]models.AlertRecord, error) {
	s.mu.RLock()
	out := make([]models.AlertRecord, len(s.alerts))
	copy(out, s.alerts)
	s.mu.RUnlock()

	return newestFirst(out, limit), nil
}

func (s *Memory) ResolveAlert(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.alerts {
		if s.alerts[i].ID == id {
			s.alerts[i].Resolved = true
			return nil
		}
	}
	return ErrNotFound
}

func (s *Memory) Close() error {
	return nil
}

func newestFirst(alerts []models.AlertRecord, limit int) []models.AlertRecord {
	sort.SliceStable(alerts, func(i, j int) bool {
		return alerts[i].Timestamp.After(alerts[j].Timestamp)
	})
	if limit >= 0 && len(alerts) > limit {
		alerts = alerts[:limit]
	}
	return alerts
}
