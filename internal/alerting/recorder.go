package alerting

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"counterwatch/internal/models"
	"counterwatch/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var alertsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "counterwatch_alerts_raised_total",
	Help: "Total number of alerts raised",
}, []string{"alert_type", "severity"})

const (
	DefaultRingSize     = 100
	DefaultStoreTimeout = 2 * time.Second
)

type RecorderConfig struct {
	// RingSize caps the in-memory mirror of recent alerts.
	RingSize     int
	StoreTimeout time.Duration
	Clock        func() time.Time
}

type ringEntry struct {
	seq   uint64
	alert models.AlertRecord
}

type subscription struct {
	ch chan models.AlertRecord
}

// Recorder is the only writer of alerts. Each side effect of Raise is
// attempted regardless of whether the previous one failed.
type Recorder struct {
	store    store.Store
	notifier Notifier
	logger   *zap.Logger
	cfg      RecorderConfig

	mu     sync.RWMutex
	ring   []ringEntry
	next   int
	seq    uint64
	subs   map[*subscription]struct{}
	subsMu sync.RWMutex
}

func NewRecorder(s store.Store, notifier Notifier, logger *zap.Logger, cfg RecorderConfig) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RingSize <= 0 {
		cfg.RingSize = DefaultRingSize
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Recorder{
		store:    s,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
		ring:     make([]ringEntry, 0, cfg.RingSize),
		subs:     make(map[*subscription]struct{}),
	}
}

func (r *Recorder) Raise(ctx context.Context, alertType string, data map[string]any) models.AlertRecord {
	alert := models.AlertRecord{
		Timestamp: r.cfg.Clock().UTC(),
		AlertType: alertType,
		Severity:  SeverityFor(alertType),
		Data:      data,
	}
	if alert.Data == nil {
		alert.Data = map[string]any{}
	}

	seq := r.remember(alert)

	if r.store != nil {
		storeCtx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
		id, err := r.store.AppendAlert(storeCtx, alert)
		cancel()
		if err != nil {
			r.logger.Error("Failed to persist alert", zap.String("alert_type", alertType), zap.Error(err))
		} else {
			alert.ID = id
			r.setID(seq, id)
		}
	}

	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("alert_type", alertType),
		zap.String("severity", string(alert.Severity)),
		zap.Any("data", alert.Data),
	}
	msg := "ALERT [" + strings.ToUpper(string(alert.Severity)) + "] " + alertType
	if alert.Severity == models.SeverityCritical {
		r.logger.Error(msg, fields...)
	} else {
		r.logger.Warn(msg, fields...)
	}

	if r.notifier != nil {
		if err := r.notifier.Notify(ctx, alert); err != nil {
			r.logger.Error("Failed to send webhook alert", zap.String("alert_type", alertType), zap.Error(err))
		}
	}

	alertsRaised.WithLabelValues(alertType, string(alert.Severity)).Inc()
	r.publish(alert)

	return alert
}

// Recent returns up to limit alerts from the in-memory ring, newest first.
func (r *Recorder) Recent(limit int) []models.AlertRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.ring)
	if limit < 0 || limit > n {
		limit = n
	}

	out := make([]models.AlertRecord, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (r.next - 1 - i + n) % n
		out = append(out, r.ring[idx].alert)
	}
	return out
}

// ActiveCount counts unresolved alerts still held in memory.
func (r *Recorder) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, e := range r.ring {
		if !e.alert.Resolved {
			count++
		}
	}
	return count
}

// Resolve marks an alert resolved in the store and in memory. Whether and
// when to resolve is the caller's decision.
func (r *Recorder) Resolve(ctx context.Context, id string) error {
	if r.store == nil {
		if !r.markResolved(id) {
			return store.ErrNotFound
		}
		return nil
	}

	storeCtx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()

	// The ring can outlive the stored copy once store retention expires it.
	err := r.store.ResolveAlert(storeCtx, id)
	if errors.Is(err, store.ErrNotFound) && r.holds(id) {
		err = nil
	}
	if err != nil {
		return err
	}

	r.markResolved(id)
	return nil
}

// Subscribe returns a channel receiving every alert raised from now on.
// Slow subscribers miss alerts rather than blocking Raise.
func (r *Recorder) Subscribe(bufferSize int) (<-chan models.AlertRecord, func()) {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	sub := &subscription{ch: make(chan models.AlertRecord, bufferSize)}

	r.subsMu.Lock()
	r.subs[sub] = struct{}{}
	r.subsMu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			r.subsMu.Lock()
			delete(r.subs, sub)
			r.subsMu.Unlock()
			close(sub.ch)
		})
	}
}

func (r *Recorder) publish(alert models.AlertRecord) {
	r.subsMu.RLock()
	defer r.subsMu.RUnlock()

	for sub := range r.subs {
		select {
		case sub.ch <- alert:
		default:
		}
	}
}

func (r *Recorder) remember(alert models.AlertRecord) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	entry := ringEntry{seq: r.seq, alert: alert}
	if len(r.ring) < r.cfg.RingSize {
		r.ring = append(r.ring, entry)
	} else {
		r.ring[r.next] = entry
	}
	r.next = (r.next + 1) % r.cfg.RingSize
	return r.seq
}

func (r *Recorder) setID(seq uint64, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.ring {
		if r.ring[i].seq == seq {
			r.ring[i].alert.ID = id
			return
		}
	}
}

func (r *Recorder) holds(id string) bool {
	if id == "" {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := range r.ring {
		if r.ring[i].alert.ID == id {
			return true
		}
	}
	return false
}

func (r *Recorder) markResolved(id string) bool {
	if id == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.ring {
		if r.ring[i].alert.ID == id {
			r.ring[i].alert.Resolved = true
			return true
		}
	}
	return false
}
