package analytics

import (
	"math"
	"sync"
	"time"

	"counterwatch/internal/models"
)

const (
	DefaultWindowSize      = 50
	DefaultZScoreThreshold = 2.0

	minSamplesForAnomaly = 10
	maxAnomalies         = 100
)

// Analyzer flags operation latencies that deviate from the rolling window
// by more than zScoreThreshold standard deviations.
type Analyzer struct {
	windowSize      int
	zScoreThreshold float64
	window          []float64
	anomalies       []models.AnalysisResult
	stats           models.AnalyticsStats
	clock           func() time.Time
	mu              sync.RWMutex
}

func NewAnalyzer(windowSize int, zScoreThreshold float64) *Analyzer {
	if windowSize < 2 {
		windowSize = DefaultWindowSize
	}
	if zScoreThreshold <= 0 {
		zScoreThreshold = DefaultZScoreThreshold
	}

	return &Analyzer{
		windowSize:      windowSize,
		zScoreThreshold: zScoreThreshold,
		window:          make([]float64, 0, windowSize),
		anomalies:       make([]models.AnalysisResult, 0, maxAnomalies),
		clock:           time.Now,
		stats: models.AnalyticsStats{
			WindowSize:      windowSize,
			ZScoreThreshold: zScoreThreshold,
		},
	}
}

func (a *Analyzer) Observe(latencyMs float64) models.AnalysisResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.window = append(a.window, latencyMs)
	if len(a.window) > a.windowSize {
		a.window = a.window[1:]
	}

	mean := a.rollingAverage()
	z := a.zScore(latencyMs, mean)
	isAnomaly := math.Abs(z) > a.zScoreThreshold && len(a.window) >= minSamplesForAnomaly

	now := a.clock()
	result := models.AnalysisResult{
		Timestamp:      now,
		LatencyMs:      latencyMs,
		RollingAverage: mean,
		ZScore:         z,
		IsAnomaly:      isAnomaly,
	}

	a.stats.CurrentLatency = latencyMs
	a.stats.RollingAverage = mean
	a.stats.TotalSamples++

	if isAnomaly {
		a.stats.TotalAnomalies++
		a.stats.LastAnomalyTime = now

		a.anomalies = append(a.anomalies, result)
		if len(a.anomalies) > maxAnomalies {
			a.anomalies = a.anomalies[1:]
		}
	}
	a.stats.AnomalyRate = float64(a.stats.TotalAnomalies) / float64(a.stats.TotalSamples)

	return result
}

func (a *Analyzer) rollingAverage() float64 {
	if len(a.window) == 0 {
		return 0
	}

	var sum float64
	for _, v := range a.window {
		sum += v
	}
	return sum / float64(len(a.window))
}

// zScore uses the sample standard deviation of the current window.
func (a *Analyzer) zScore(value, mean float64) float64 {
	if len(a.window) < 2 {
		return 0
	}

	var variance float64
	for _, v := range a.window {
		diff := v - mean
		variance += diff * diff
	}

	stdDev := math.Sqrt(variance / float64(len(a.window)-1))
	if stdDev == 0 {
		return 0
	}
	return (value - mean) / stdDev
}

func (a *Analyzer) Stats() models.AnalyticsStats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stats
}

// RecentAnomalies returns up to limit anomalies, oldest first.
func (a *Analyzer) RecentAnomalies(limit int) []models.AnalysisResult {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if limit < 0 || limit > len(a.anomalies) {
		limit = len(a.anomalies)
	}

	out := make([]models.AnalysisResult, limit)
	copy(out, a.anomalies[len(a.anomalies)-limit:])
	return out
}
