package observation

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"counterwatch/internal/models"
	"counterwatch/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordedMetric struct {
	metricType string
	value      float64
	metadata   map[string]any
}

type metricSink struct {
	mu      sync.Mutex
	metrics []recordedMetric
}

func (s *metricSink) RecordMetric(_ context.Context, metricType string, value float64, metadata map[string]any) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, recordedMetric{metricType, value, metadata})
	return "m1"
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "observations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newRepo(t *testing.T, sink MetricRecorder) *Repository {
	t.Helper()
	repo, err := NewRepository(context.Background(), openDB(t), sink, zaptest.NewLogger(t))
	require.NoError(t, err)
	return repo
}

func sample(desc string, theft bool, ts time.Time) models.Observation {
	return models.Observation{
		Timestamp:     ts,
		Description:   desc,
		ImagePath:     "frames/frame_" + ts.Format("150405") + ".jpg",
		TheftDetected: theft,
		Telemetry: models.CallTelemetry{
			LatencyMs:    1234.5,
			TokensIn:     120,
			TokensOut:    40,
			CostUSD:      0.08,
			ModelVersion: "gemini-1.5-flash",
		},
	}
}

func TestSaveAndGet(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t, nil)
	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	id, err := repo.Save(ctx, sample("| Money theft | Yes | red jacket |", true, ts))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.True(t, got.Timestamp.Equal(ts))
	assert.True(t, got.TheftDetected)
	assert.Equal(t, 1234.5, got.Telemetry.LatencyMs)
	assert.Equal(t, 120, got.Telemetry.TokensIn)
	assert.Equal(t, 40, got.Telemetry.TokensOut)
	assert.Equal(t, "gemini-1.5-flash", got.Telemetry.ModelVersion)
	assert.Empty(t, got.EvalResult)

	_, err = repo.Get(ctx, "999")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.Get(ctx, "abc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateEval(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t, nil)

	id, err := repo.Save(ctx, sample("Yes", true, time.Now()))
	require.NoError(t, err)

	require.NoError(t, repo.UpdateEval(ctx, id, models.EvalCorrect))
	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.EvalCorrect, got.EvalResult)

	assert.ErrorIs(t, repo.UpdateEval(ctx, "42", models.EvalCorrect), ErrNotFound)
}

func TestListNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t, nil)
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		_, err := repo.Save(ctx, sample("No", false, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	all, err := repo.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].Timestamp.After(all[1].Timestamp))
	assert.True(t, all[1].Timestamp.After(all[2].Timestamp))

	two, err := repo.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, two, 2)
}

func TestFeedbackLoop(t *testing.T) {
	ctx := context.Background()
	sink := &metricSink{}
	repo := newRepo(t, sink)
	now := time.Now()

	theftID, err := repo.Save(ctx, sample("Yes, suspicious person", true, now))
	require.NoError(t, err)
	_, err = repo.Save(ctx, sample("No", false, now))
	require.NoError(t, err)

	pending, err := repo.PendingFeedback(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, theftID, pending[0].ID)

	o, err := repo.SetFeedback(ctx, theftID, VerdictFalsePositive)
	require.NoError(t, err)
	assert.Equal(t, VerdictFalsePositive, o.HumanFeedback)

	pending, err = repo.PendingFeedback(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.Len(t, sink.metrics, 1)
	m := sink.metrics[0]
	assert.Equal(t, models.MetricHumanFeedback, m.metricType)
	assert.Equal(t, 1.0, m.value)
	assert.Equal(t, VerdictFalsePositive, m.metadata["verdict"])
	assert.Equal(t, o.ImagePath, m.metadata["image_path"])
}

func TestSetFeedbackValidation(t *testing.T) {
	ctx := context.Background()
	sink := &metricSink{}
	repo := newRepo(t, sink)

	id, err := repo.Save(ctx, sample("Yes", true, time.Now()))
	require.NoError(t, err)

	_, err = repo.SetFeedback(ctx, id, "Maybe")
	assert.ErrorIs(t, err, ErrInvalidVerdict)

	_, err = repo.SetFeedback(ctx, "77", VerdictCorrect)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Empty(t, sink.metrics)
}

func TestPendingFeedbackLimit(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t, nil)
	base := time.Now()

	for i := 0; i < PendingLimit+5; i++ {
		_, err := repo.Save(ctx, sample("Yes", true, base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	pending, err := repo.PendingFeedback(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, PendingLimit)
}

func TestModelStats(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t, nil)

	empty, err := repo.ModelStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ModelStats{}, empty)

	now := time.Now()
	ids := make([]string, 0, 4)
	for _, desc := range []string{"Yes - theft", "Yes - suspicious", "Yes - rob", "No activity"} {
		id, err := repo.Save(ctx, sample(desc, desc != "No activity", now))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, repo.UpdateEval(ctx, ids[0], models.EvalCorrect))
	require.NoError(t, repo.UpdateEval(ctx, ids[1], models.EvalIncorrect))

	stats, err := repo.ModelStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalObservations)
	assert.Equal(t, 3, stats.TheftAlerts)
	assert.Equal(t, 1, stats.CorrectEvals)
	assert.InDelta(t, 1.0/3.0, stats.SelfReportedAccuracy, 1e-9)
}

func TestDeleteOlderThan(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t, nil)
	now := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	_, err := repo.Save(ctx, sample("old", false, now.Add(-40*24*time.Hour)))
	require.NoError(t, err)
	_, err = repo.Save(ctx, sample("new", false, now.Add(-time.Hour)))
	require.NoError(t, err)

	n, err := repo.DeleteOlderThan(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := repo.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "new", left[0].Description)
}

func TestMigrateUpgradesLegacyTable(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	_, err := db.Exec(`CREATE TABLE observations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT,
		observation TEXT,
		image_path TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO observations (timestamp, observation, image_path)
		VALUES ('2024-11-02 09:15:00', 'Yes, person in grey hoodie', 'full_frames/frame_1.jpg')`)
	require.NoError(t, err)

	repo, err := NewRepository(ctx, db, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	cols, err := repo.columns(ctx)
	require.NoError(t, err)
	for _, c := range upgradeColumns {
		assert.True(t, cols[c.name], "column %s", c.name)
	}

	require.NoError(t, repo.Migrate(ctx), "second run is a no-op")

	list, err := repo.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, time.Date(2024, 11, 2, 9, 15, 0, 0, time.UTC), list[0].Timestamp)
	assert.False(t, list[0].TheftDetected)
	assert.Zero(t, list[0].Telemetry.LatencyMs)
}

func TestPerformanceSnapshots(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t, nil)
	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, repo.SavePerformance(ctx, PerformanceSnapshot{Timestamp: ts, AvgLatency: 900, DetectionRate: 0.2}))
	require.NoError(t, repo.SavePerformance(ctx, PerformanceSnapshot{Timestamp: ts, AvgLatency: 1100, DetectionRate: 0.25}))
	require.NoError(t, repo.SavePerformance(ctx, PerformanceSnapshot{Timestamp: ts.Add(time.Hour), AvgLatency: 700}))

	history, err := repo.PerformanceHistory(ctx, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 700.0, history[0].AvgLatency)
	assert.Equal(t, 1100.0, history[1].AvgLatency, "same timestamp overwrites")
}
