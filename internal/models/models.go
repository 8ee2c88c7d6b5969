package models

import "time"

const (
	MetricLatency       = "latency"
	MetricCost          = "cost"
	MetricError         = "error"
	MetricHumanFeedback = "human_feedback"
	MetricCPUUsage      = "cpu_usage"
	MetricMemoryUsage   = "memory_usage"
)

const (
	AlertHighLatency     = "high_latency"
	AlertHighCost        = "high_cost"
	AlertHighErrorRate   = "high_error_rate"
	AlertCriticalFailure = "critical_failure"
	AlertHighCPU         = "high_cpu_usage"
	AlertHighMemory      = "high_memory_usage"
	AlertLatencyAnomaly  = "latency_anomaly"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type MetricRecord struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	MetricType string         `json:"metric_type"`
	Value      float64        `json:"value"`
	Metadata   map[string]any `json:"metadata"`
}

type AlertRecord struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	AlertType string         `json:"alert_type"`
	Severity  Severity       `json:"severity"`
	Data      map[string]any `json:"data"`
	Resolved  bool           `json:"resolved"`
}

// Health is a point-in-time view of the running counters.
type Health struct {
	UptimeSeconds   float64   `json:"uptime_seconds"`
	TotalOperations int64     `json:"total_operations"`
	ErrorCount      int64     `json:"error_count"`
	ErrorRate       float64   `json:"error_rate"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	TotalCostUSD    float64   `json:"total_cost_usd"`
	ActiveAlerts    int       `json:"active_alerts"`
	Timestamp       time.Time `json:"timestamp"`
}

type MetricStats struct {
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

type Summary struct {
	Metrics         map[string]*MetricStats `json:"metrics"`
	Alerts          map[Severity]int        `json:"alerts"`
	TimeRangeHours  float64                 `json:"time_range_hours"`
	TotalRecords    int                     `json:"total_records"`
	TotalOperations int                     `json:"total_operations"`
}

type HourlyTrend struct {
	Hour           time.Time `json:"hour"`
	AvgLatency     float64   `json:"avg_latency"`
	TotalCost      float64   `json:"total_cost"`
	ErrorCount     int       `json:"error_count"`
	OperationCount int       `json:"operation_count"`
}

type AnalysisResult struct {
	Timestamp      time.Time `json:"timestamp"`
	LatencyMs      float64   `json:"latency_ms"`
	RollingAverage float64   `json:"rolling_average"`
	ZScore         float64   `json:"z_score"`
	IsAnomaly      bool      `json:"is_anomaly"`
}

type AnalyticsStats struct {
	CurrentLatency  float64   `json:"current_latency_ms"`
	RollingAverage  float64   `json:"rolling_average"`
	AnomalyRate     float64   `json:"anomaly_rate"`
	TotalSamples    int64     `json:"total_samples"`
	TotalAnomalies  int64     `json:"total_anomalies"`
	LastAnomalyTime time.Time `json:"last_anomaly_time,omitempty"`
	WindowSize      int       `json:"window_size"`
	ZScoreThreshold float64   `json:"z_score_threshold"`
}

type EvalResult string

const (
	EvalCorrect   EvalResult = "CORRECT"
	EvalIncorrect EvalResult = "INCORRECT"
	EvalError     EvalResult = "ERROR"
	EvalDisabled  EvalResult = "DISABLED"
)

// CallTelemetry is the per-inference snapshot stored next to an observation.
type CallTelemetry struct {
	LatencyMs    float64 `json:"latency_ms"`
	TokensIn     int     `json:"tokens_in"`
	TokensOut    int     `json:"tokens_out"`
	CostUSD      float64 `json:"cost_usd"`
	ModelVersion string  `json:"model_version,omitempty"`
}

type Observation struct {
	ID            string        `json:"id"`
	Timestamp     time.Time     `json:"timestamp"`
	Description   string        `json:"observation"`
	ImagePath     string        `json:"image_path"`
	TheftDetected bool          `json:"theft_detected"`
	EvalResult    EvalResult    `json:"eval_result,omitempty"`
	HumanFeedback string        `json:"human_feedback,omitempty"`
	Telemetry     CallTelemetry `json:"telemetry"`
}

type ModelStats struct {
	TotalObservations    int     `json:"total_observations"`
	TheftAlerts          int     `json:"theft_alerts"`
	CorrectEvals         int     `json:"correct_evals"`
	SelfReportedAccuracy float64 `json:"self_reported_accuracy"`
}
