package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"counterwatch/internal/models"

	"github.com/google/uuid"
)

const (
	metricsFile     = "metrics.jsonl"
	alertsFile      = "alerts.jsonl"
	resolutionsFile = "alert_resolutions.jsonl"
)

type resolution struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// JSONL appends one JSON document per line to files under dir. Resolving
// an alert appends to a separate log instead of rewriting alerts.jsonl.
type JSONL struct {
	dir string
	mu  sync.RWMutex
}

func NewJSONL(dir string) (*JSONL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create telemetry dir: %w", err)
	}
	return &JSONL{dir: dir}, nil
}

func (s *JSONL) AppendMetric(_ context.Context, m models.MetricRecord) (string, error) {
	m.ID = uuid.NewString()
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	if err := s.appendLine(metricsFile, m); err != nil {
		return "", fmt.Errorf("failed to append metric: %w", err)
	}
	return m.ID, nil
}

func (s *JSONL) AppendAlert(_ context.Context, a models.AlertRecord) (string, error) {
	a.ID = uuid.NewString()
	if a.Data == nil {
		a.Data = map[string]any{}
	}
	if err := s.appendLine(alertsFile, a); err != nil {
		return "", fmt.Errorf("failed to append alert: %w", err)
	}
	return a.ID, nil
}

func (s *JSONL) QueryMetrics(_ context.Context, r Range, metricType string) ([]models.MetricRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.MetricRecord
	err := s.scan(metricsFile, func(line []byte) error {
		var m models.MetricRecord
		if err := json.Unmarshal(line, &m); err != nil {
			return err
		}
		if r.Contains(m.Timestamp) && (metricType == "" || m.MetricType == metricType) {
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read metrics: %w", err)
	}
	return out, nil
}

func (s *JSONL) QueryAlerts(_ context.Context, r Range) ([]models.AlertRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all, err := s.loadAlerts()
	if err != nil {
		return nil, err
	}

	var out []models.AlertRecord
	for _, a := range all {
		if r.Contains(a.Timestamp) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *JSONL) RecentAlerts(_ context.Context, limit int) ([]models.AlertRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all, err := s.loadAlerts()
	if err != nil {
		return nil, err
	}
	return newestFirst(all, limit), nil
}

func (s *JSONL) ResolveAlert(_ context.Context, id string) error {
	s.mu.RLock()
	all, err := s.loadAlerts()
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	found := false
	for _, a := range all {
		if a.ID == id {
			found = true
			break
		}
	}
	if !found {
		return ErrNotFound
	}

	if err := s.appendLine(resolutionsFile, resolution{ID: id, Timestamp: time.Now().UTC()}); err != nil {
		return fmt.Errorf("failed to append resolution: %w", err)
	}
	return nil
}

func (s *JSONL) Close() error {
	return nil
}

// loadAlerts must be called with mu held.
func (s *JSONL) loadAlerts() ([]models.AlertRecord, error) {
	resolved := make(map[string]bool)
	err := s.scan(resolutionsFile, func(line []byte) error {
		var r resolution
		if err := json.Unmarshal(line, &r); err != nil {
			return err
		}
		resolved[r.ID] = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read resolutions: %w", err)
	}

	var alerts []models.AlertRecord
	err = s.scan(alertsFile, func(line []byte) error {
		var a models.AlertRecord
		if err := json.Unmarshal(line, &a); err != nil {
			return err
		}
		if resolved[a.ID] {
			a.Resolved = true
		}
		alerts = append(alerts, a)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read alerts: %w", err)
	}
	return alerts, nil
}

func (s *JSONL) appendLine(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *JSONL) scan(name string, fn func(line []byte) error) error {
	f, err := os.Open(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return scanner.Err()
}
