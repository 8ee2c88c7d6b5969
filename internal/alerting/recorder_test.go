package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"counterwatch/internal/models"
	"counterwatch/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type failingStore struct {
	*store.Memory
}

func (failingStore) AppendAlert(context.Context, models.AlertRecord) (string, error) {
	return "", errors.New("disk full")
}

type unresolvableStore struct {
	*store.Memory
	err error
}

func (s unresolvableStore) ResolveAlert(context.Context, string) error {
	return s.err
}

type notifierFunc func(ctx context.Context, a models.AlertRecord) error

func (f notifierFunc) Notify(ctx context.Context, a models.AlertRecord) error { return f(ctx, a) }

func TestRecorderRaise(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.DebugLevel)
	s := store.NewMemory()

	var notified []models.AlertRecord
	notifier := notifierFunc(func(_ context.Context, a models.AlertRecord) error {
		notified = append(notified, a)
		return nil
	})

	r := NewRecorder(s, notifier, zap.New(core), RecorderConfig{})
	alert := r.Raise(ctx, models.AlertHighLatency, map[string]any{"value": 4000.0})

	assert.NotEmpty(t, alert.ID)
	assert.Equal(t, models.SeverityWarning, alert.Severity)
	assert.False(t, alert.Resolved)

	stored, err := s.RecentAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, alert.ID, stored[0].ID)

	require.Len(t, notified, 1)
	assert.Equal(t, alert.ID, notified[0].ID)

	warnings := logs.FilterLevelExact(zapcore.WarnLevel).All()
	require.Len(t, warnings, 1)
	assert.Equal(t, "ALERT [WARNING] high_latency", warnings[0].Message)

	recent := r.Recent(10)
	require.Len(t, recent, 1)
	assert.Equal(t, alert.ID, recent[0].ID)
}

func TestRecorderCriticalLogsAtError(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	r := NewRecorder(store.NewMemory(), nil, zap.New(core), RecorderConfig{})

	r.Raise(context.Background(), models.AlertHighErrorRate, nil)

	errs := logs.FilterLevelExact(zapcore.ErrorLevel).All()
	require.Len(t, errs, 1)
	assert.Equal(t, "ALERT [CRITICAL] high_error_rate", errs[0].Message)
}

func TestRecorderSideEffectsAreIndependent(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	var notified int32
	notifier := notifierFunc(func(context.Context, models.AlertRecord) error {
		atomic.AddInt32(&notified, 1)
		return errors.New("connection refused")
	})

	r := NewRecorder(failingStore{store.NewMemory()}, notifier, zap.New(core), RecorderConfig{})
	alert := r.Raise(context.Background(), models.AlertHighCost, map[string]any{"value": 0.02})

	assert.Empty(t, alert.ID, "failed persistence leaves the id empty")
	assert.Equal(t, int32(1), atomic.LoadInt32(&notified), "webhook still attempted")
	assert.Len(t, r.Recent(10), 1, "in-memory mirror still updated")
	assert.Equal(t, 1, logs.FilterMessage("Failed to persist alert").Len())
	assert.Equal(t, 1, logs.FilterMessage("Failed to send webhook alert").Len())
	assert.Equal(t, 1, logs.FilterMessage("ALERT [WARNING] high_cost").Len())
}

func TestRecorderRingIsBounded(t *testing.T) {
	r := NewRecorder(store.NewMemory(), nil, nil, RecorderConfig{RingSize: 3})

	for i := 0; i < 10; i++ {
		r.Raise(context.Background(), models.AlertHighLatency, map[string]any{"value": float64(i)})
	}

	recent := r.Recent(-1)
	require.Len(t, recent, 3)
	assert.Equal(t, 9.0, recent[0].Data["value"])
	assert.Equal(t, 8.0, recent[1].Data["value"])
	assert.Equal(t, 7.0, recent[2].Data["value"])
	assert.Equal(t, 3, r.ActiveCount())
}

func TestRecorderResolve(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	r := NewRecorder(s, nil, nil, RecorderConfig{})

	alert := r.Raise(ctx, models.AlertHighLatency, nil)
	r.Raise(ctx, models.AlertHighCost, nil)
	assert.Equal(t, 2, r.ActiveCount())

	require.NoError(t, r.Resolve(ctx, alert.ID))
	assert.Equal(t, 1, r.ActiveCount())

	stored, err := s.RecentAlerts(ctx, 10)
	require.NoError(t, err)
	for _, a := range stored {
		assert.Equal(t, a.ID == alert.ID, a.Resolved)
	}

	assert.ErrorIs(t, r.Resolve(ctx, "missing"), store.ErrNotFound)
}

func TestRecorderResolveStoreFailureKeepsAlertActive(t *testing.T) {
	ctx := context.Background()
	r := NewRecorder(unresolvableStore{Memory: store.NewMemory(), err: errors.New("connection reset")}, nil, nil, RecorderConfig{})

	alert := r.Raise(ctx, models.AlertHighLatency, nil)
	require.NotEmpty(t, alert.ID)

	assert.EqualError(t, r.Resolve(ctx, alert.ID), "connection reset")
	assert.Equal(t, 1, r.ActiveCount())
	assert.False(t, r.Recent(1)[0].Resolved)
}

func TestRecorderResolveExpiredFromStore(t *testing.T) {
	ctx := context.Background()
	r := NewRecorder(unresolvableStore{Memory: store.NewMemory(), err: store.ErrNotFound}, nil, nil, RecorderConfig{})

	alert := r.Raise(ctx, models.AlertHighCost, nil)

	require.NoError(t, r.Resolve(ctx, alert.ID))
	assert.Equal(t, 0, r.ActiveCount())
	assert.ErrorIs(t, r.Resolve(ctx, "missing"), store.ErrNotFound)
}

func TestRecorderSubscribe(t *testing.T) {
	r := NewRecorder(store.NewMemory(), nil, nil, RecorderConfig{})

	ch, unsubscribe := r.Subscribe(4)
	r.Raise(context.Background(), models.AlertHighCost, nil)

	select {
	case a := <-ch:
		assert.Equal(t, models.AlertHighCost, a.AlertType)
	case <-time.After(time.Second):
		t.Fatal("alert not delivered to subscriber")
	}

	unsubscribe()
	unsubscribe()
	_, open := <-ch
	assert.False(t, open)

	// Raising after unsubscribe must not panic on the closed channel.
	r.Raise(context.Background(), models.AlertHighCost, nil)
}

func TestWebhookNotifier(t *testing.T) {
	var received webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &received))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier("TEST_ALERT_WEBHOOK", time.Second)
	n.lookup = func(key string) string {
		assert.Equal(t, "TEST_ALERT_WEBHOOK", key)
		return srv.URL
	}

	ts := time.Unix(1700000000, 500000000)
	err := n.Notify(context.Background(), models.AlertRecord{
		Timestamp: ts,
		AlertType: models.AlertHighErrorRate,
		Severity:  models.SeverityCritical,
		Data:      map[string]any{"error_rate": 0.5},
	})
	require.NoError(t, err)

	assert.Equal(t, models.AlertHighErrorRate, received.AlertType)
	assert.Equal(t, models.SeverityCritical, received.Severity)
	assert.InDelta(t, 1700000000.5, received.Timestamp, 1e-3)
	assert.Equal(t, 0.5, received.Data["error_rate"])
	assert.False(t, received.Resolved)
}

func TestWebhookNotifierFailures(t *testing.T) {
	t.Run("no url configured", func(t *testing.T) {
		n := NewWebhookNotifier("", 0)
		n.lookup = func(string) string { return "" }
		assert.NoError(t, n.Notify(context.Background(), models.AlertRecord{}))
	})

	t.Run("non 2xx", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		n := NewWebhookNotifier("", 0)
		n.lookup = func(string) string { return srv.URL }
		assert.Error(t, n.Notify(context.Background(), models.AlertRecord{}))
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()
		defer close(release)

		n := NewWebhookNotifier("", 50*time.Millisecond)
		n.lookup = func(string) string { return srv.URL }

		start := time.Now()
		assert.Error(t, n.Notify(context.Background(), models.AlertRecord{}))
		assert.Less(t, time.Since(start), 2*time.Second)
	})
}
