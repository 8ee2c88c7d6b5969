package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"counterwatch/internal/models"
	"counterwatch/internal/observation"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	framesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "counterwatch_frames_total",
		Help: "Frames read from the source, by outcome",
	}, []string{"outcome"})

	theftDetections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "counterwatch_theft_detections_total",
		Help: "Frames the vision model flagged as possible theft",
	})
)

const (
	// CostPerToken is the flat USD rate applied to input plus output tokens.
	CostPerToken = 0.0005

	DefaultWorkers = 4
)

const AnalysisPrompt = `Observe the **cash counter area** and respond in a structured format.
If money theft is detected (**"Yes"**), provide details of the **suspect**.
NO More Details
| Suspicious Activity at Cash Counter | Observed? (Yes/No) | Suspect Description (If Yes) |
|--------------------------------------|--------------------|-----------------------------|
| Money theft from cash counter?      |                    |                             |

If theft is detected, describe the **clothing, appearance, and any identifiable features** of the suspect.
Otherwise, leave the details column empty.`

const evalPromptTemplate = `You are an LLM evaluator. Given the image and the previous model answer below, output ONLY one word: CORRECT or INCORRECT.
Model answer: %s`

var theftKeywords = []string{"theft", "steal", "rob", "suspicious"}

// DetectTheft matches the model answer against theft keywords, ignoring case.
func DetectTheft(answer string) bool {
	lower := strings.ToLower(answer)
	for _, k := range theftKeywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// CountTokens approximates a token count when the model reports no usage.
func CountTokens(text string) int {
	return len(strings.Fields(text))
}

func Cost(tokensIn, tokensOut int) float64 {
	return float64(tokensIn+tokensOut) * CostPerToken
}

// ParseEval maps a free-form evaluator answer to an eval result.
func ParseEval(answer string) models.EvalResult {
	upper := strings.ToUpper(strings.TrimSpace(answer))
	switch {
	case strings.Contains(upper, string(models.EvalIncorrect)):
		return models.EvalIncorrect
	case strings.Contains(upper, string(models.EvalCorrect)):
		return models.EvalCorrect
	default:
		return models.EvalError
	}
}

// Telemetry is the part of the operation recorder the monitor feeds.
type Telemetry interface {
	RecordOperation(ctx context.Context, latencyMs, costUSD float64, success bool)
	RecordFailedOperation(ctx context.Context, latencyMs float64, errorType string, details map[string]any)
	RecordError(ctx context.Context, errorType string, details map[string]any)
}

type ObservationStore interface {
	Save(ctx context.Context, o models.Observation) (string, error)
	UpdateEval(ctx context.Context, id string, result models.EvalResult) error
	SavePerformance(ctx context.Context, p observation.PerformanceSnapshot) error
}

type Config struct {
	OutputDir   string
	SampleEvery int
	Workers     int
	SelfEval    bool
}

type RunStats struct {
	Frames        int64   `json:"frames"`
	Sampled       int64   `json:"sampled"`
	Analyzed      int64   `json:"analyzed"`
	Failed        int64   `json:"failed"`
	Unreadable    int64   `json:"unreadable"`
	TheftDetected int64   `json:"theft_detected"`
	TotalLatency  float64 `json:"total_latency_ms"`
	TotalCost     float64 `json:"total_cost_usd"`
}

// Monitor samples frames, sends them to the vision model and records the
// results. Analysis failures are recorded as telemetry and never stop a run.
type Monitor struct {
	vision       VisionClient
	observations ObservationStore
	telemetry    Telemetry
	logger       *zap.Logger
	cfg          Config
	clock        func() time.Time
}

func New(vision VisionClient, observations ObservationStore, telemetry Telemetry, logger *zap.Logger, cfg Config) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SampleEvery <= 0 {
		cfg.SampleEvery = DefaultSampleEvery
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "frames"
	}
	return &Monitor{
		vision:       vision,
		observations: observations,
		telemetry:    telemetry,
		logger:       logger,
		cfg:          cfg,
		clock:        time.Now,
	}
}

// Run processes every sampled frame from src with a bounded number of
// concurrent analyses. Unreadable frames are skipped. It returns early only
// when ctx is cancelled or the source fails.
func (m *Monitor) Run(ctx context.Context, src FrameSource) (RunStats, error) {
	var (
		stats                   RunStats
		analyzed, failed, hits  atomic.Int64
		latencyMicros, costNano atomic.Int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Workers)

	var srcErr error
	for {
		frame, ok, err := src.Next(gctx)
		var frameErr *FrameError
		if errors.As(err, &frameErr) {
			stats.Frames++
			if m.skipUnreadable(gctx, frameErr) {
				stats.Unreadable++
			}
			continue
		}
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				m.logger.Error("Frame processing failed", zap.Error(err))
			}
			srcErr = err
			break
		}
		if !ok {
			break
		}

		stats.Frames++
		if !Sampled(frame.Index, m.cfg.SampleEvery) {
			framesProcessed.WithLabelValues("skipped").Inc()
			continue
		}
		stats.Sampled++

		path, err := SaveFrame(m.cfg.OutputDir, frame, m.clock())
		if err != nil {
			m.logger.Error("Failed to save frame", zap.Int("index", frame.Index), zap.Error(err))
			framesProcessed.WithLabelValues("save_failed").Inc()
			continue
		}

		g.Go(func() error {
			o, err := m.AnalyzeFrame(gctx, path)
			latencyMicros.Add(int64(o.Telemetry.LatencyMs * 1000))
			if err != nil {
				failed.Add(1)
				return nil
			}
			analyzed.Add(1)
			costNano.Add(int64(o.Telemetry.CostUSD * 1e9))
			if o.TheftDetected {
				hits.Add(1)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil && srcErr == nil {
		srcErr = err
	}

	stats.Analyzed = analyzed.Load()
	stats.Failed = failed.Load()
	stats.TheftDetected = hits.Load()
	stats.TotalLatency = float64(latencyMicros.Load()) / 1000
	stats.TotalCost = float64(costNano.Load()) / 1e9

	m.snapshot(context.WithoutCancel(ctx), stats)

	m.logger.Info("Video processing finished",
		zap.Int64("frames", stats.Frames),
		zap.Int64("sampled", stats.Sampled),
		zap.Int64("analyzed", stats.Analyzed),
		zap.Int64("failed", stats.Failed),
		zap.Int64("unreadable", stats.Unreadable),
		zap.Int64("theft_detected", stats.TheftDetected))

	if srcErr != nil {
		return stats, fmt.Errorf("frame source: %w", srcErr)
	}
	return stats, nil
}

// skipUnreadable reports a bad frame as an error when it was due for
// analysis. Frames the sampler would drop anyway are only counted.
func (m *Monitor) skipUnreadable(ctx context.Context, fe *FrameError) bool {
	if !Sampled(fe.Index, m.cfg.SampleEvery) {
		framesProcessed.WithLabelValues("skipped").Inc()
		return false
	}

	m.logger.Warn("Skipping unreadable frame",
		zap.Int("index", fe.Index),
		zap.String("name", fe.Name),
		zap.Error(fe.Err))
	framesProcessed.WithLabelValues("unreadable").Inc()
	m.telemetry.RecordError(ctx, "frame_unreadable", map[string]any{
		"index": fe.Index,
		"frame": fe.Name,
		"error": fe.Err.Error(),
	})
	return true
}

func (m *Monitor) snapshot(ctx context.Context, stats RunStats) {
	attempts := stats.Analyzed + stats.Failed
	if attempts == 0 || m.observations == nil {
		return
	}

	p := observation.PerformanceSnapshot{
		Timestamp:     m.clock(),
		AvgLatency:    stats.TotalLatency / float64(attempts),
		TotalCost:     stats.TotalCost,
		DetectionRate: float64(stats.TheftDetected) / float64(attempts),
		ErrorRate:     float64(stats.Failed) / float64(attempts),
	}
	if err := m.observations.SavePerformance(ctx, p); err != nil {
		m.logger.Error("Failed to save performance snapshot", zap.Error(err))
	}
}

// AnalyzeFrame runs one image through the vision model, records the
// operation and stores the observation. The returned observation carries
// the measured latency even when the call failed.
func (m *Monitor) AnalyzeFrame(ctx context.Context, imagePath string) (models.Observation, error) {
	start := time.Now()
	o := models.Observation{
		Timestamp: m.clock(),
		ImagePath: imagePath,
	}

	img, err := os.ReadFile(imagePath)
	if err != nil {
		return o, m.fail(ctx, &o, start, "image_unreadable", err)
	}

	resp, err := m.vision.Analyze(ctx, VisionRequest{Prompt: AnalysisPrompt, Image: img, MIMEType: "image/jpeg"})
	if err != nil {
		return o, m.fail(ctx, &o, start, "analysis_failed", err)
	}

	latency := float64(time.Since(start)) / float64(time.Millisecond)
	tokensIn, tokensOut := resp.TokensIn, resp.TokensOut
	if tokensIn == 0 {
		tokensIn = CountTokens(AnalysisPrompt)
	}
	if tokensOut == 0 {
		tokensOut = CountTokens(resp.Text)
	}

	o.Description = resp.Text
	o.TheftDetected = DetectTheft(resp.Text)
	o.Telemetry = models.CallTelemetry{
		LatencyMs:    latency,
		TokensIn:     tokensIn,
		TokensOut:    tokensOut,
		CostUSD:      Cost(tokensIn, tokensOut),
		ModelVersion: resp.ModelVersion,
	}
	if !m.cfg.SelfEval {
		o.EvalResult = models.EvalDisabled
	}

	m.telemetry.RecordOperation(ctx, o.Telemetry.LatencyMs, o.Telemetry.CostUSD, true)
	framesProcessed.WithLabelValues("analyzed").Inc()
	if o.TheftDetected {
		theftDetections.Inc()
	}

	if m.observations == nil {
		return o, nil
	}

	id, err := m.observations.Save(ctx, o)
	if err != nil {
		m.logger.Error("Failed to save observation", zap.String("image_path", imagePath), zap.Error(err))
		return o, nil
	}
	o.ID = id

	if m.cfg.SelfEval && o.TheftDetected && strings.Contains(o.Description, "Yes") {
		o.EvalResult = m.selfEvaluate(ctx, img, o.Description)
		if err := m.observations.UpdateEval(ctx, id, o.EvalResult); err != nil {
			m.logger.Error("Failed to update observation", zap.String("id", id), zap.Error(err))
		}
		m.logger.Info("EVENT: llm_eval", zap.String("id", id), zap.String("eval", string(o.EvalResult)))
	}

	return o, nil
}

func (m *Monitor) fail(ctx context.Context, o *models.Observation, start time.Time, errorType string, err error) error {
	o.Telemetry.LatencyMs = float64(time.Since(start)) / float64(time.Millisecond)
	m.telemetry.RecordFailedOperation(ctx, o.Telemetry.LatencyMs, errorType, map[string]any{
		"image_path": o.ImagePath,
		"error":      err.Error(),
	})
	framesProcessed.WithLabelValues("failed").Inc()
	m.logger.Error("Analysis failed", zap.String("image_path", o.ImagePath), zap.String("error_type", errorType), zap.Error(err))
	return err
}

func (m *Monitor) selfEvaluate(ctx context.Context, img []byte, answer string) models.EvalResult {
	resp, err := m.vision.Analyze(ctx, VisionRequest{
		Prompt:   fmt.Sprintf(evalPromptTemplate, answer),
		Image:    img,
		MIMEType: "image/jpeg",
	})
	if err != nil {
		m.logger.Error("Evaluation failed", zap.Error(err))
		return models.EvalError
	}
	return ParseEval(resp.Text)
}
