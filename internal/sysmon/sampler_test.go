package sysmon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"counterwatch/internal/alerting"
	"counterwatch/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type scriptedReader struct {
	readings []Reading
	err      error
	calls    int
}

func (r *scriptedReader) Read() (Reading, error) {
	if r.err != nil {
		return Reading{}, r.err
	}
	out := r.readings[r.calls%len(r.readings)]
	r.calls++
	return out, nil
}

type fakeTelemetry struct {
	mu      sync.Mutex
	metrics map[string][]float64
	alerts  []string
}

func newFakeTelemetry() *fakeTelemetry {
	return &fakeTelemetry{metrics: make(map[string][]float64)}
}

func (f *fakeTelemetry) RecordMetric(_ context.Context, metricType string, value float64, _ map[string]any) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics[metricType] = append(f.metrics[metricType], value)
	return "id"
}

func (f *fakeTelemetry) RaiseAlert(_ context.Context, alertType string, _ map[string]any) models.AlertRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alertType)
	return models.AlertRecord{AlertType: alertType}
}

const gib = 1 << 30

func TestSampleComputesDeltas(t *testing.T) {
	reader := &scriptedReader{readings: []Reading{
		{CPUBusySeconds: 100, CPUTotalSeconds: 1000, MemTotalBytes: 16 * gib, MemAvailBytes: 12 * gib},
		{CPUBusySeconds: 190, CPUTotalSeconds: 1100, MemTotalBytes: 16 * gib, MemAvailBytes: 2 * gib},
	}}
	tel := newFakeTelemetry()
	s := NewSampler(reader, tel, alerting.NewEvaluator(alerting.DefaultThresholds()), zaptest.NewLogger(t))

	first, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 10.0, first.CPUPercent, 1e-9)
	assert.InDelta(t, 25.0, first.MemoryPercent, 1e-9)
	assert.Empty(t, tel.alerts)

	second, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 90.0, second.CPUPercent, 1e-9)
	assert.InDelta(t, 87.5, second.MemoryPercent, 1e-9)
	assert.Equal(t, []string{models.AlertHighCPU, models.AlertHighMemory}, tel.alerts)

	assert.Len(t, tel.metrics[models.MetricCPUUsage], 2)
	assert.Len(t, tel.metrics[models.MetricMemoryUsage], 2)
}

func TestSampleThresholdIsStrict(t *testing.T) {
	reader := &scriptedReader{readings: []Reading{
		{CPUBusySeconds: 80, CPUTotalSeconds: 100, MemTotalBytes: 100, MemAvailBytes: 15},
	}}
	tel := newFakeTelemetry()
	s := NewSampler(reader, tel, alerting.NewEvaluator(alerting.DefaultThresholds()), nil)

	usage, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 80.0, usage.CPUPercent, 1e-9)
	assert.InDelta(t, 85.0, usage.MemoryPercent, 1e-9)
	assert.Empty(t, tel.alerts)
}

func TestSampleReaderError(t *testing.T) {
	tel := newFakeTelemetry()
	s := NewSampler(&scriptedReader{err: errors.New("no procfs")}, tel, alerting.NewEvaluator(alerting.DefaultThresholds()), nil)

	_, err := s.Sample(context.Background())
	assert.Error(t, err)
	assert.Empty(t, tel.metrics)
}

func TestRunStopsOnCancel(t *testing.T) {
	reader := &scriptedReader{readings: []Reading{{CPUBusySeconds: 1, CPUTotalSeconds: 10, MemTotalBytes: 10, MemAvailBytes: 5}}}
	tel := newFakeTelemetry()
	s := NewSampler(reader, tel, alerting.NewEvaluator(alerting.DefaultThresholds()), zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		tel.mu.Lock()
		defer tel.mu.Unlock()
		return len(tel.metrics[models.MetricCPUUsage]) >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
