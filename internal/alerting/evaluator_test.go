package alerting

import (
	"testing"

	"counterwatch/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	e := NewEvaluator(DefaultThresholds())

	tests := []struct {
		name     string
		obs      Observation
		expected []string
	}{
		{"quiet", Observation{LatencyMs: 100, CostUSD: 0.001}, nil},
		{"latency at threshold", Observation{LatencyMs: 3000}, nil},
		{"latency over threshold", Observation{LatencyMs: 3000.1}, []string{models.AlertHighLatency}},
		{"cost at threshold", Observation{CostUSD: 0.005}, nil},
		{"cost over threshold", Observation{CostUSD: 0.0051}, []string{models.AlertHighCost}},
		{"both", Observation{LatencyMs: 5000, CostUSD: 1}, []string{models.AlertHighLatency, models.AlertHighCost}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, trig := range e.Evaluate(tt.obs) {
				got = append(got, trig.AlertType)
			}
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	e := NewEvaluator(DefaultThresholds())
	obs := Observation{LatencyMs: 4500, CostUSD: 0.02}

	first := e.Evaluate(obs)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, e.Evaluate(obs))
	}
}

func TestTriggerData(t *testing.T) {
	e := NewEvaluator(DefaultThresholds())

	triggers := e.Evaluate(Observation{LatencyMs: 4200})
	require.Len(t, triggers, 1)
	assert.Equal(t, map[string]any{"value": 4200.0, "threshold": 3000.0}, triggers[0].Data())
}

func TestEvaluateErrorRate(t *testing.T) {
	e := NewEvaluator(DefaultThresholds())

	_, fired := e.EvaluateErrorRate(0, 0)
	assert.False(t, fired, "zero operations must not fire or divide by zero")

	_, fired = e.EvaluateErrorRate(1, 10)
	assert.False(t, fired, "rate equal to threshold is not a breach")

	trig, fired := e.EvaluateErrorRate(2, 10)
	require.True(t, fired)
	assert.Equal(t, models.AlertHighErrorRate, trig.AlertType)
	assert.InDelta(t, 0.2, trig.Value, 1e-9)
	assert.Equal(t, 0.1, trig.Threshold)

	trig, fired = e.EvaluateErrorRate(1, 0)
	require.True(t, fired)
	assert.Equal(t, 1.0, trig.Value)
}

func TestEvaluateResources(t *testing.T) {
	e := NewEvaluator(DefaultThresholds())

	assert.Empty(t, e.EvaluateResources(80, 85))

	triggers := e.EvaluateResources(95, 90)
	require.Len(t, triggers, 2)
	assert.Equal(t, models.AlertHighCPU, triggers[0].AlertType)
	assert.Equal(t, models.AlertHighMemory, triggers[1].AlertType)
}

func TestSeverityFor(t *testing.T) {
	tests := map[string]models.Severity{
		models.AlertHighErrorRate:   models.SeverityCritical,
		models.AlertCriticalFailure: models.SeverityCritical,
		models.AlertHighLatency:     models.SeverityWarning,
		models.AlertHighCost:        models.SeverityWarning,
		models.AlertLatencyAnomaly:  models.SeverityInfo,
		"something_else":            models.SeverityInfo,
		"":                          models.SeverityInfo,
	}

	for alertType, expected := range tests {
		for i := 0; i < 3; i++ {
			assert.Equal(t, expected, SeverityFor(alertType), alertType)
		}
	}
}
