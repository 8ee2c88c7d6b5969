package alerting

import (
	"counterwatch/internal/models"
)

// Thresholds are loaded once at startup and never change for the lifetime
// of a manager.
type Thresholds struct {
	LatencyMs      float64 `json:"latency" mapstructure:"latency"`
	CostUSD        float64 `json:"cost" mapstructure:"cost"`
	ErrorRate      float64 `json:"error_rate" mapstructure:"error_rate"`
	CPUUsagePct    float64 `json:"cpu_usage" mapstructure:"cpu_usage"`
	MemoryUsagePct float64 `json:"memory_usage" mapstructure:"memory_usage"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		LatencyMs:      3000,
		CostUSD:        0.005,
		ErrorRate:      0.1,
		CPUUsagePct:    80,
		MemoryUsagePct: 85,
	}
}

// Observation is the instantaneous outcome of one operation.
type Observation struct {
	LatencyMs float64
	CostUSD   float64
}

type Trigger struct {
	AlertType string
	Value     float64
	Threshold float64
}

func (t Trigger) Data() map[string]any {
	return map[string]any{
		"value":     t.Value,
		"threshold": t.Threshold,
	}
}

// Evaluator maps observations to alert triggers. All comparisons are
// strictly greater-than; rules are independent of each other.
type Evaluator struct {
	thresholds Thresholds
}

func NewEvaluator(t Thresholds) *Evaluator {
	return &Evaluator{thresholds: t}
}

func (e *Evaluator) Evaluate(obs Observation) []Trigger {
	var triggers []Trigger

	if obs.LatencyMs > e.thresholds.LatencyMs {
		triggers = append(triggers, Trigger{
			AlertType: models.AlertHighLatency,
			Value:     obs.LatencyMs,
			Threshold: e.thresholds.LatencyMs,
		})
	}

	if obs.CostUSD > e.thresholds.CostUSD {
		triggers = append(triggers, Trigger{
			AlertType: models.AlertHighCost,
			Value:     obs.CostUSD,
			Threshold: e.thresholds.CostUSD,
		})
	}

	return triggers
}

// EvaluateErrorRate checks the cumulative error rate. The running counters
// are passed in so the evaluator itself holds no state.
func (e *Evaluator) EvaluateErrorRate(errorCount, totalOperations int64) (Trigger, bool) {
	rate := ErrorRate(errorCount, totalOperations)
	if rate <= e.thresholds.ErrorRate {
		return Trigger{}, false
	}
	return Trigger{
		AlertType: models.AlertHighErrorRate,
		Value:     rate,
		Threshold: e.thresholds.ErrorRate,
	}, true
}

func (e *Evaluator) EvaluateResources(cpuPct, memoryPct float64) []Trigger {
	var triggers []Trigger

	if cpuPct > e.thresholds.CPUUsagePct {
		triggers = append(triggers, Trigger{
			AlertType: models.AlertHighCPU,
			Value:     cpuPct,
			Threshold: e.thresholds.CPUUsagePct,
		})
	}

	if memoryPct > e.thresholds.MemoryUsagePct {
		triggers = append(triggers, Trigger{
			AlertType: models.AlertHighMemory,
			Value:     memoryPct,
			Threshold: e.thresholds.MemoryUsagePct,
		})
	}

	return triggers
}

// ErrorRate floors the denominator at 1 so zero operations yields 0.
func ErrorRate(errorCount, totalOperations int64) float64 {
	if totalOperations < 1 {
		totalOperations = 1
	}
	return float64(errorCount) / float64(totalOperations)
}

var severities = map[string]models.Severity{
	models.AlertHighErrorRate:   models.SeverityCritical,
	models.AlertCriticalFailure: models.SeverityCritical,
	models.AlertHighLatency:     models.SeverityWarning,
	models.AlertHighCost:        models.SeverityWarning,
}

// SeverityFor is a static lookup; unknown alert types are info.
func SeverityFor(alertType string) models.Severity {
	if s, ok := severities[alertType]; ok {
		return s
	}
	return models.SeverityInfo
}
