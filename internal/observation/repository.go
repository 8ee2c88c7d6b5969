package observation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"counterwatch/internal/models"

	"go.uber.org/zap"
)

var (
	ErrNotFound       = errors.New("observation: not found")
	ErrInvalidVerdict = errors.New("observation: invalid feedback verdict")
)

const (
	VerdictCorrect       = "Correct"
	VerdictFalsePositive = "False Positive"
	VerdictInsufficient  = "Insufficient Details"

	PendingLimit = 10

	timeLayout = "2006-01-02 15:04:05.000000"
)

var verdicts = map[string]bool{
	VerdictCorrect:       true,
	VerdictFalsePositive: true,
	VerdictInsufficient:  true,
}

// upgradeColumns are added to tables created by older releases that only
// stored the timestamp, description and image path.
var upgradeColumns = []struct {
	name string
	ddl  string
}{
	{"human_feedback", "TEXT"},
	{"model_version", "TEXT"},
	{"latency_ms", "REAL"},
	{"tokens_in", "INTEGER"},
	{"tokens_out", "INTEGER"},
	{"cost_usd", "REAL"},
	{"theft_detected", "BOOLEAN"},
	{"eval_result", "TEXT"},
}

// MetricRecorder receives the human_feedback metric on every verdict.
type MetricRecorder interface {
	RecordMetric(ctx context.Context, metricType string, value float64, metadata map[string]any) string
}

type PerformanceSnapshot struct {
	Timestamp     time.Time `json:"timestamp"`
	AvgLatency    float64   `json:"avg_latency"`
	TotalCost     float64   `json:"total_cost"`
	DetectionRate float64   `json:"detection_rate"`
	ErrorRate     float64   `json:"error_rate"`
}

type Repository struct {
	db      *sql.DB
	metrics MetricRecorder
	logger  *zap.Logger
	clock   func() time.Time
}

func NewRepository(ctx context.Context, db *sql.DB, metrics MetricRecorder, logger *zap.Logger) (*Repository, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Repository{
		db:      db,
		metrics: metrics,
		logger:  logger,
		clock:   time.Now,
	}
	if err := r.Migrate(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Migrate creates the tables and adds any column an older schema lacks.
// Running it repeatedly is safe.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS observations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT,
		observation TEXT,
		image_path TEXT
	)`); err != nil {
		return fmt.Errorf("failed to create observations table: %w", err)
	}

	existing, err := r.columns(ctx)
	if err != nil {
		return err
	}
	for _, col := range upgradeColumns {
		if existing[col.name] {
			continue
		}
		if _, err := r.db.ExecContext(ctx, "ALTER TABLE observations ADD COLUMN "+col.name+" "+col.ddl); err != nil {
			return fmt.Errorf("failed to add column %s: %w", col.name, err)
		}
		r.logger.Info("Added column to observations table", zap.String("column", col.name))
	}

	migrations := []string{
		`CREATE INDEX IF NOT EXISTS idx_observations_time ON observations(timestamp DESC)`,
		`CREATE TABLE IF NOT EXISTS performance_metrics (
			timestamp TEXT PRIMARY KEY,
			avg_latency REAL,
			total_cost REAL,
			detection_rate REAL,
			error_rate REAL
		)`,
	}
	for _, m := range migrations {
		if _, err := r.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (r *Repository) columns(ctx context.Context) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, "PRAGMA table_info(observations)")
	if err != nil {
		return nil, fmt.Errorf("failed to read table info: %w", err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan table info: %w", err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func (r *Repository) Save(ctx context.Context, o models.Observation) (string, error) {
	if o.Timestamp.IsZero() {
		o.Timestamp = r.clock()
	}

	var evalResult sql.NullString
	if o.EvalResult != "" {
		evalResult = sql.NullString{String: string(o.EvalResult), Valid: true}
	}

	res, err := r.db.ExecContext(ctx, `INSERT INTO observations
		(timestamp, observation, image_path, latency_ms, tokens_in, tokens_out, cost_usd, theft_detected, eval_result, model_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.Timestamp.UTC().Format(timeLayout),
		o.Description,
		o.ImagePath,
		o.Telemetry.LatencyMs,
		o.Telemetry.TokensIn,
		o.Telemetry.TokensOut,
		o.Telemetry.CostUSD,
		o.TheftDetected,
		evalResult,
		o.Telemetry.ModelVersion,
	)
	if err != nil {
		return "", fmt.Errorf("failed to save observation: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("failed to read observation id: %w", err)
	}
	return strconv.FormatInt(id, 10), nil
}

func (r *Repository) UpdateEval(ctx context.Context, id string, result models.EvalResult) error {
	rowID, err := parseID(id)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, "UPDATE observations SET eval_result = ? WHERE id = ?", string(result), rowID)
	if err != nil {
		return fmt.Errorf("failed to update eval result: %w", err)
	}
	return requireAffected(res)
}

// SetFeedback stores a reviewer verdict and reports it as a human_feedback
// metric.
func (r *Repository) SetFeedback(ctx context.Context, id, verdict string) (models.Observation, error) {
	if !verdicts[verdict] {
		return models.Observation{}, fmt.Errorf("%w: %q", ErrInvalidVerdict, verdict)
	}
	rowID, err := parseID(id)
	if err != nil {
		return models.Observation{}, err
	}

	res, err := r.db.ExecContext(ctx, "UPDATE observations SET human_feedback = ? WHERE id = ?", verdict, rowID)
	if err != nil {
		return models.Observation{}, fmt.Errorf("failed to save feedback: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return models.Observation{}, err
	}

	o, err := r.Get(ctx, id)
	if err != nil {
		return models.Observation{}, err
	}

	if r.metrics != nil {
		r.metrics.RecordMetric(ctx, models.MetricHumanFeedback, 1, map[string]any{
			"observation_id": rowID,
			"verdict":        verdict,
			"image_path":     o.ImagePath,
		})
	}
	return o, nil
}

const selectColumns = `SELECT id, timestamp, observation, image_path, latency_ms, tokens_in, tokens_out,
	cost_usd, theft_detected, eval_result, human_feedback, model_version FROM observations`

func (r *Repository) Get(ctx context.Context, id string) (models.Observation, error) {
	rowID, err := parseID(id)
	if err != nil {
		return models.Observation{}, err
	}
	list, err := r.query(ctx, selectColumns+" WHERE id = ?", rowID)
	if err != nil {
		return models.Observation{}, err
	}
	if len(list) == 0 {
		return models.Observation{}, ErrNotFound
	}
	return list[0], nil
}

// List returns observations newest first. A non-positive limit returns all.
func (r *Repository) List(ctx context.Context, limit int) ([]models.Observation, error) {
	if limit <= 0 {
		limit = -1
	}
	return r.query(ctx, selectColumns+" ORDER BY timestamp DESC, id DESC LIMIT ?", limit)
}

// PendingFeedback returns theft detections nobody has reviewed yet.
func (r *Repository) PendingFeedback(ctx context.Context) ([]models.Observation, error) {
	return r.query(ctx, selectColumns+`
		WHERE theft_detected = 1 AND (human_feedback IS NULL OR human_feedback = '')
		ORDER BY timestamp DESC, id DESC LIMIT ?`, PendingLimit)
}

// ModelStats counts answers containing "Yes" as theft alerts and reports
// self-evaluated accuracy against them.
func (r *Repository) ModelStats(ctx context.Context) (models.ModelStats, error) {
	var stats models.ModelStats
	err := r.db.QueryRowContext(ctx, `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN observation LIKE '%Yes%' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN eval_result = 'CORRECT' THEN 1 ELSE 0 END), 0)
		FROM observations`).Scan(&stats.TotalObservations, &stats.TheftAlerts, &stats.CorrectEvals)
	if err != nil {
		return stats, fmt.Errorf("failed to compute model stats: %w", err)
	}

	alerts := stats.TheftAlerts
	if alerts < 1 {
		alerts = 1
	}
	stats.SelfReportedAccuracy = float64(stats.CorrectEvals) / float64(alerts)
	return stats, nil
}

// DeleteOlderThan removes observations recorded before the cutoff.
func (r *Repository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM observations WHERE timestamp < ?", before.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("failed to delete observations: %w", err)
	}
	return res.RowsAffected()
}

func (r *Repository) SavePerformance(ctx context.Context, p PerformanceSnapshot) error {
	if p.Timestamp.IsZero() {
		p.Timestamp = r.clock()
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO performance_metrics
		(timestamp, avg_latency, total_cost, detection_rate, error_rate)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(timestamp) DO UPDATE SET
			avg_latency = excluded.avg_latency,
			total_cost = excluded.total_cost,
			detection_rate = excluded.detection_rate,
			error_rate = excluded.error_rate`,
		p.Timestamp.UTC().Format(timeLayout), p.AvgLatency, p.TotalCost, p.DetectionRate, p.ErrorRate)
	if err != nil {
		return fmt.Errorf("failed to save performance snapshot: %w", err)
	}
	return nil
}

func (r *Repository) PerformanceHistory(ctx context.Context, limit int) ([]PerformanceSnapshot, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, `SELECT timestamp, avg_latency, total_cost, detection_rate, error_rate
		FROM performance_metrics ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query performance history: %w", err)
	}
	defer rows.Close()

	var out []PerformanceSnapshot
	for rows.Next() {
		var (
			p  PerformanceSnapshot
			ts string
		)
		if err := rows.Scan(&ts, &p.AvgLatency, &p.TotalCost, &p.DetectionRate, &p.ErrorRate); err != nil {
			return nil, fmt.Errorf("failed to scan performance snapshot: %w", err)
		}
		p.Timestamp = parseTime(ts)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repository) query(ctx context.Context, query string, args ...interface{}) ([]models.Observation, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query observations: %w", err)
	}
	defer rows.Close()

	out := []models.Observation{}
	for rows.Next() {
		var (
			id                                 int64
			ts, desc, imagePath                sql.NullString
			evalResult, feedback, modelVersion sql.NullString
			latency, cost                      sql.NullFloat64
			tokensIn, tokensOut                sql.NullInt64
			theft                              sql.NullBool
		)
		if err := rows.Scan(&id, &ts, &desc, &imagePath, &latency, &tokensIn, &tokensOut,
			&cost, &theft, &evalResult, &feedback, &modelVersion); err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}

		out = append(out, models.Observation{
			ID:            strconv.FormatInt(id, 10),
			Timestamp:     parseTime(ts.String),
			Description:   desc.String,
			ImagePath:     imagePath.String,
			TheftDetected: theft.Bool,
			EvalResult:    models.EvalResult(evalResult.String),
			HumanFeedback: feedback.String,
			Telemetry: models.CallTelemetry{
				LatencyMs:    latency.Float64,
				TokensIn:     int(tokensIn.Int64),
				TokensOut:    int(tokensOut.Int64),
				CostUSD:      cost.Float64,
				ModelVersion: modelVersion.String,
			},
		})
	}
	return out, rows.Err()
}

func parseID(id string) (int64, error) {
	rowID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return rowID, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func parseTime(s string) time.Time {
	for _, layout := range []string{timeLayout, "2006-01-02 15:04:05", time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
