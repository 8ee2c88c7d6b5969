// Package retention removes telemetry and observations older than a fixed
// age on a schedule.
package retention

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var recordsDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "counterwatch_retention_deleted_total",
	Help: "Records removed by the retention sweeper",
}, []string{"target"})

const (
	DefaultMaxAge   = 30 * 24 * time.Hour
	DefaultInterval = time.Hour
)

// Pruner deletes everything recorded before the cutoff and reports how many
// records went away.
type Pruner interface {
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

type target struct {
	name   string
	pruner Pruner
}

type Sweeper struct {
	targets []target
	maxAge  time.Duration
	clock   func() time.Time
	logger  *zap.Logger
}

func NewSweeper(maxAge time.Duration, logger *zap.Logger) *Sweeper {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{maxAge: maxAge, clock: time.Now, logger: logger}
}

// Add registers a pruner under a name used in logs and metrics.
func (s *Sweeper) Add(name string, p Pruner) {
	s.targets = append(s.targets, target{name: name, pruner: p})
}

// Sweep prunes every target once. A failing target is logged and does not
// stop the others. It returns the number of records deleted per target.
func (s *Sweeper) Sweep(ctx context.Context) map[string]int64 {
	cutoff := s.clock().Add(-s.maxAge)
	deleted := make(map[string]int64, len(s.targets))

	for _, t := range s.targets {
		n, err := t.pruner.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			s.logger.Error("Retention sweep failed", zap.String("target", t.name), zap.Error(err))
			continue
		}
		deleted[t.name] = n
		recordsDeleted.WithLabelValues(t.name).Add(float64(n))
		if n > 0 {
			s.logger.Info("Removed old records",
				zap.String("target", t.name),
				zap.Int64("deleted", n),
				zap.Time("cutoff", cutoff))
		}
	}
	return deleted
}

// Run sweeps once immediately and then every interval until ctx is
// cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s.Sweep(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}
