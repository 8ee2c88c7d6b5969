package telemetry

import (
	"context"
	"sync"
	"time"

	"counterwatch/internal/alerting"
	"counterwatch/internal/analytics"
	"counterwatch/internal/models"
	"counterwatch/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "counterwatch_operations_total",
		Help: "Total number of recorded inference operations",
	}, []string{"status"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "counterwatch_errors_total",
		Help: "Total number of recorded errors",
	}, []string{"error_type"})

	operationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "counterwatch_operation_latency_seconds",
		Help:    "Latency of inference operations",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 30},
	})

	costTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "counterwatch_cost_usd_total",
		Help: "Accumulated inference cost in USD",
	})

	anomaliesDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "counterwatch_latency_anomalies_total",
		Help: "Total number of latency anomalies detected",
	})

	rollingAverage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "counterwatch_latency_rolling_average_ms",
		Help: "Rolling average of operation latency",
	})
)

const (
	DefaultStoreTimeout = 2 * time.Second

	// maxAlertDepth bounds how far alert raising may re-enter the manager.
	maxAlertDepth = 1
)

type depthKey struct{}

func alertDepth(ctx context.Context) int {
	d, _ := ctx.Value(depthKey{}).(int)
	return d
}

type counters struct {
	totalOperations int64
	errorCount      int64
	totalLatency    float64
	totalCost       float64
}

// Manager records operations and errors, keeps running counters, and hands
// threshold breaches to the alert recorder. Telemetry failures are logged
// and never returned to the caller.
type Manager struct {
	store     store.Store
	evaluator *alerting.Evaluator
	recorder  *alerting.Recorder
	reporter  *analytics.Reporter
	analyzer  *analytics.Analyzer
	logger    *zap.Logger
	clock     func() time.Time
	timeout   time.Duration

	mu        sync.Mutex
	counters  counters
	startTime time.Time
}

type Option func(*Manager)

func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

func WithAnalyzer(a *analytics.Analyzer) Option {
	return func(m *Manager) { m.analyzer = a }
}

func WithStoreTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

func NewManager(s store.Store, evaluator *alerting.Evaluator, recorder *alerting.Recorder, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if evaluator == nil {
		evaluator = alerting.NewEvaluator(alerting.DefaultThresholds())
	}

	m := &Manager{
		store:     s,
		evaluator: evaluator,
		recorder:  recorder,
		logger:    logger,
		clock:     time.Now,
		timeout:   DefaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.recorder == nil {
		m.recorder = alerting.NewRecorder(s, nil, logger, alerting.RecorderConfig{Clock: m.clock})
	}
	m.reporter = analytics.NewReporter(s, m.clock)
	m.startTime = m.clock()
	return m
}

// RecordMetric appends one metric and returns its ID, or "" when the store
// rejected it.
func (m *Manager) RecordMetric(ctx context.Context, metricType string, value float64, metadata map[string]any) string {
	if metadata == nil {
		metadata = map[string]any{}
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	id, err := m.store.AppendMetric(ctx, models.MetricRecord{
		Timestamp:  m.clock().UTC(),
		MetricType: metricType,
		Value:      value,
		Metadata:   metadata,
	})
	if err != nil {
		m.logger.Error("Failed to record metric",
			zap.String("metric_type", metricType),
			zap.Float64("value", value),
			zap.Error(err))
		return ""
	}

	m.logger.Debug("Metric recorded", zap.String("metric_type", metricType), zap.Float64("value", value))
	return id
}

// RecordOperation records one completed inference call. A failed call is
// counted as exactly one error.
func (m *Manager) RecordOperation(ctx context.Context, latencyMs, costUSD float64, success bool) {
	if success {
		m.recordOperation(ctx, latencyMs, costUSD, nil)
		return
	}
	m.recordOperation(ctx, latencyMs, costUSD, &failure{errorType: "general"})
}

// RecordFailedOperation is RecordOperation(success=false) with the error
// classified, so callers don't have to call RecordError as well.
func (m *Manager) RecordFailedOperation(ctx context.Context, latencyMs float64, errorType string, details map[string]any) {
	m.recordOperation(ctx, latencyMs, 0, &failure{errorType: errorType, details: details})
}

type failure struct {
	errorType string
	details   map[string]any
}

func (m *Manager) recordOperation(ctx context.Context, latencyMs, costUSD float64, fail *failure) {
	m.mu.Lock()
	m.counters.totalOperations++
	m.counters.totalLatency += latencyMs
	m.counters.totalCost += costUSD
	var errorCount, totalOps int64
	if fail != nil {
		m.counters.errorCount++
		errorCount, totalOps = m.counters.errorCount, m.counters.totalOperations
	}
	m.mu.Unlock()

	status := "success"
	if fail != nil {
		status = "error"
	}
	operationsTotal.WithLabelValues(status).Inc()
	operationLatency.Observe(latencyMs / 1000)
	if costUSD > 0 {
		costTotal.Add(costUSD)
	}

	if fail != nil {
		m.afterError(ctx, fail.errorType, fail.details, errorCount, totalOps)
	}

	m.RecordMetric(ctx, models.MetricLatency, latencyMs, nil)
	if costUSD > 0 {
		m.RecordMetric(ctx, models.MetricCost, costUSD, nil)
	}

	if alertDepth(ctx) >= maxAlertDepth {
		return
	}

	for _, trigger := range m.evaluator.Evaluate(alerting.Observation{LatencyMs: latencyMs, CostUSD: costUSD}) {
		m.raise(ctx, trigger.AlertType, trigger.Data())
	}

	if m.analyzer != nil {
		result := m.analyzer.Observe(latencyMs)
		rollingAverage.Set(result.RollingAverage)
		if result.IsAnomaly {
			anomaliesDetected.Inc()
			m.raise(ctx, models.AlertLatencyAnomaly, map[string]any{
				"value":           result.LatencyMs,
				"rolling_average": result.RollingAverage,
				"z_score":         result.ZScore,
			})
		}
	}
}

// RecordError records an error that is not tied to a recorded operation.
// TotalOperations is raised to ErrorCount when needed so the error rate
// never exceeds 1.
func (m *Manager) RecordError(ctx context.Context, errorType string, details map[string]any) {
	if errorType == "" {
		errorType = "general"
	}

	m.mu.Lock()
	m.counters.errorCount++
	if m.counters.totalOperations < m.counters.errorCount {
		m.counters.totalOperations = m.counters.errorCount
	}
	errorCount, totalOps := m.counters.errorCount, m.counters.totalOperations
	m.mu.Unlock()

	m.afterError(ctx, errorType, details, errorCount, totalOps)
}

func (m *Manager) afterError(ctx context.Context, errorType string, details map[string]any, errorCount, totalOps int64) {
	if details == nil {
		details = map[string]any{}
	}
	errorsTotal.WithLabelValues(errorType).Inc()

	m.RecordMetric(ctx, models.MetricError, 1, map[string]any{
		"error_type":   errorType,
		"details":      details,
		"total_errors": errorCount,
	})

	if alertDepth(ctx) >= maxAlertDepth {
		return
	}

	if trigger, ok := m.evaluator.EvaluateErrorRate(errorCount, totalOps); ok {
		m.raise(ctx, trigger.AlertType, map[string]any{
			"error_rate":       trigger.Value,
			"threshold":        trigger.Threshold,
			"total_errors":     errorCount,
			"total_operations": totalOps,
		})
	}
}

func (m *Manager) raise(ctx context.Context, alertType string, data map[string]any) models.AlertRecord {
	ctx = context.WithValue(ctx, depthKey{}, alertDepth(ctx)+1)
	return m.recorder.Raise(ctx, alertType, data)
}

// RaiseAlert lets collaborators such as the system sampler raise alerts
// through the same recorder.
func (m *Manager) RaiseAlert(ctx context.Context, alertType string, data map[string]any) models.AlertRecord {
	return m.raise(ctx, alertType, data)
}

func (m *Manager) SystemHealth(ctx context.Context) models.Health {
	m.mu.Lock()
	c := m.counters
	m.mu.Unlock()

	now := m.clock()
	ops := c.totalOperations
	if ops < 1 {
		ops = 1
	}

	return models.Health{
		UptimeSeconds:   now.Sub(m.startTime).Seconds(),
		TotalOperations: c.totalOperations,
		ErrorCount:      c.errorCount,
		ErrorRate:       alerting.ErrorRate(c.errorCount, c.totalOperations),
		AvgLatencyMs:    c.totalLatency / float64(ops),
		TotalCostUSD:    c.totalCost,
		ActiveAlerts:    m.recorder.ActiveCount(),
		Timestamp:       now.UTC(),
	}
}

// RecentAlerts reads from the store and falls back to the in-memory ring
// when the store is unavailable.
func (m *Manager) RecentAlerts(ctx context.Context, limit int) []models.AlertRecord {
	alerts, err := m.reporter.Recent(ctx, limit)
	if err != nil {
		m.logger.Error("Failed to get recent alerts", zap.Error(err))
		return m.recorder.Recent(limit)
	}
	return alerts
}

func (m *Manager) MetricsSummary(ctx context.Context, hours float64) models.Summary {
	summary, err := m.reporter.Summarize(ctx, hours)
	if err != nil {
		m.logger.Error("Failed to get metrics summary", zap.Float64("hours", hours), zap.Error(err))
	}
	return summary
}

func (m *Manager) PerformanceTrends(ctx context.Context, hours float64) []models.HourlyTrend {
	trends, err := m.reporter.Trends(ctx, hours)
	if err != nil {
		m.logger.Error("Failed to get performance trends", zap.Float64("hours", hours), zap.Error(err))
		return []models.HourlyTrend{}
	}
	return trends
}

func (m *Manager) ResolveAlert(ctx context.Context, id string) error {
	return m.recorder.Resolve(ctx, id)
}

func (m *Manager) SubscribeAlerts(buffer int) (<-chan models.AlertRecord, func()) {
	return m.recorder.Subscribe(buffer)
}

func (m *Manager) LatencyStats() (models.AnalyticsStats, []models.AnalysisResult) {
	if m.analyzer == nil {
		return models.AnalyticsStats{}, []models.AnalysisResult{}
	}
	return m.analyzer.Stats(), m.analyzer.RecentAnomalies(10)
}
