package sysmon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"counterwatch/internal/alerting"
	"counterwatch/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/procfs"
	"go.uber.org/zap"
)

var (
	cpuUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "counterwatch_host_cpu_usage_percent",
		Help: "Host CPU usage between the last two samples",
	})

	memoryUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "counterwatch_host_memory_usage_percent",
		Help: "Host memory in use",
	})
)

const DefaultInterval = 30 * time.Second

// Reading is one raw snapshot of host counters.
type Reading struct {
	CPUBusySeconds  float64
	CPUTotalSeconds float64
	MemTotalBytes   uint64
	MemAvailBytes   uint64
}

type Reader interface {
	Read() (Reading, error)
}

// ProcReader reads /proc via procfs.
type ProcReader struct {
	fs procfs.FS
}

func NewProcReader() (*ProcReader, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs: %w", err)
	}
	return &ProcReader{fs: fs}, nil
}

func (p *ProcReader) Read() (Reading, error) {
	stat, err := p.fs.Stat()
	if err != nil {
		return Reading{}, fmt.Errorf("failed to read /proc/stat: %w", err)
	}
	mem, err := p.fs.Meminfo()
	if err != nil {
		return Reading{}, fmt.Errorf("failed to read /proc/meminfo: %w", err)
	}
	if mem.MemTotal == nil || mem.MemAvailable == nil {
		return Reading{}, errors.New("meminfo is missing MemTotal or MemAvailable")
	}

	c := stat.CPUTotal
	idle := c.Idle + c.Iowait
	busy := c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal

	return Reading{
		CPUBusySeconds:  busy,
		CPUTotalSeconds: busy + idle,
		MemTotalBytes:   *mem.MemTotal * 1024,
		MemAvailBytes:   *mem.MemAvailable * 1024,
	}, nil
}

// Telemetry is the part of the manager the sampler writes to.
type Telemetry interface {
	RecordMetric(ctx context.Context, metricType string, value float64, metadata map[string]any) string
	RaiseAlert(ctx context.Context, alertType string, data map[string]any) models.AlertRecord
}

type Usage struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

// Sampler turns consecutive readings into usage percentages and checks them
// against the resource thresholds.
type Sampler struct {
	reader    Reader
	telemetry Telemetry
	evaluator *alerting.Evaluator
	logger    *zap.Logger

	mu   sync.Mutex
	prev *Reading
}

func NewSampler(reader Reader, telemetry Telemetry, evaluator *alerting.Evaluator, logger *zap.Logger) *Sampler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sampler{
		reader:    reader,
		telemetry: telemetry,
		evaluator: evaluator,
		logger:    logger,
	}
}

// Sample takes one reading. CPU usage is measured against the previous
// reading, so the first call reports cumulative usage since boot.
func (s *Sampler) Sample(ctx context.Context) (Usage, error) {
	r, err := s.reader.Read()
	if err != nil {
		return Usage{}, err
	}

	s.mu.Lock()
	prev := s.prev
	s.prev = &r
	s.mu.Unlock()

	busy, total := r.CPUBusySeconds, r.CPUTotalSeconds
	if prev != nil && r.CPUTotalSeconds > prev.CPUTotalSeconds {
		busy -= prev.CPUBusySeconds
		total -= prev.CPUTotalSeconds
	}

	var usage Usage
	if total > 0 {
		usage.CPUPercent = busy / total * 100
	}
	if r.MemTotalBytes > 0 {
		usage.MemoryPercent = float64(r.MemTotalBytes-r.MemAvailBytes) / float64(r.MemTotalBytes) * 100
	}

	cpuUsage.Set(usage.CPUPercent)
	memoryUsage.Set(usage.MemoryPercent)

	s.telemetry.RecordMetric(ctx, models.MetricCPUUsage, usage.CPUPercent, nil)
	s.telemetry.RecordMetric(ctx, models.MetricMemoryUsage, usage.MemoryPercent, map[string]any{
		"total_bytes":     r.MemTotalBytes,
		"available_bytes": r.MemAvailBytes,
	})

	for _, trigger := range s.evaluator.EvaluateResources(usage.CPUPercent, usage.MemoryPercent) {
		s.telemetry.RaiseAlert(ctx, trigger.AlertType, trigger.Data())
	}

	return usage, nil
}

// Run samples every interval until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sample(ctx); err != nil {
				s.logger.Warn("Failed to sample system usage", zap.Error(err))
			}
		}
	}
}
