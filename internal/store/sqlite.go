package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"counterwatch/internal/models"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// OpenSQLite opens a SQLite database shared by the telemetry store and the
// observation repository.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer; concurrent frame workers queue on the pool instead of
	// failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return db, nil
}

type SQLite struct {
	db *sql.DB
}

// NewSQLite wraps an open database and creates the telemetry tables.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS metrics (
			id TEXT PRIMARY KEY,
			timestamp REAL NOT NULL,
			metric_type TEXT NOT NULL,
			value REAL,
			metadata TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			timestamp REAL NOT NULL,
			alert_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			data TEXT,
			resolved INTEGER DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_time ON metrics(timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_type_time ON metrics(metric_type, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_time ON alerts(timestamp DESC)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *SQLite) AppendMetric(ctx context.Context, m models.MetricRecord) (string, error) {
	metadata, err := encodeMap(m.Metadata)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO metrics (id, timestamp, metric_type, value, metadata) VALUES (?, ?, ?, ?, ?)`,
		id, toEpoch(m.Timestamp), m.MetricType, m.Value, metadata)
	if err != nil {
		return "", fmt.Errorf("failed to insert metric: %w", err)
	}
	return id, nil
}

func (s *SQLite) AppendAlert(ctx context.Context, a models.AlertRecord) (string, error) {
	data, err := encodeMap(a.Data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal alert data: %w", err)
	}

	resolved := 0
	if a.Resolved {
		resolved = 1
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, timestamp, alert_type, severity, data, resolved) VALUES (?, ?, ?, ?, ?, ?)`,
		id, toEpoch(a.Timestamp), a.AlertType, string(a.Severity), data, resolved)
	if err != nil {
		return "", fmt.Errorf("failed to insert alert: %w", err)
	}
	return id, nil
}

func (s *SQLite) QueryMetrics(ctx context.Context, r Range, metricType string) ([]models.MetricRecord, error) {
	query := `SELECT id, timestamp, metric_type, value, metadata FROM metrics WHERE timestamp >= ? AND timestamp <= ?`
	args := []interface{}{toEpoch(r.From), upperBound(r)}

	if metricType != "" {
		query += " AND metric_type = ?"
		args = append(args, metricType)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	defer rows.Close()

	var out []models.MetricRecord
	for rows.Next() {
		var m models.MetricRecord
		var ts float64
		var metadata sql.NullString
		if err := rows.Scan(&m.ID, &ts, &m.MetricType, &m.Value, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan metric: %w", err)
		}
		m.Timestamp = fromEpoch(ts)
		if m.Metadata, err = decodeMap(metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLite) QueryAlerts(ctx context.Context, r Range) ([]models.AlertRecord, error) {
	return s.queryAlerts(ctx,
		`SELECT id, timestamp, alert_type, severity, data, resolved FROM alerts WHERE timestamp >= ? AND timestamp <= ?`,
		toEpoch(r.From), upperBound(r))
}

func (s *SQLite) RecentAlerts(ctx context.Context, limit int) ([]models.AlertRecord, error) {
	return s.queryAlerts(ctx,
		`SELECT id, timestamp, alert_type, severity, data, resolved FROM alerts ORDER BY timestamp DESC LIMIT ?`,
		limit)
}

func (s *SQLite) queryAlerts(ctx context.Context, query string, args ...interface{}) ([]models.AlertRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var out []models.AlertRecord
	for rows.Next() {
		var a models.AlertRecord
		var ts float64
		var severity string
		var data sql.NullString
		var resolved int
		if err := rows.Scan(&a.ID, &ts, &a.AlertType, &severity, &data, &resolved); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.Timestamp = fromEpoch(ts)
		a.Severity = models.Severity(severity)
		a.Resolved = resolved == 1
		if a.Data, err = decodeMap(data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal alert data: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLite) ResolveAlert(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "UPDATE alerts SET resolved = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to resolve alert: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to resolve alert: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteOlderThan removes metrics recorded before the cutoff.
func (s *SQLite) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM metrics WHERE timestamp < ?", toEpoch(before))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old metrics: %w", err)
	}
	return result.RowsAffected()
}

// Close is a no-op: the database handle belongs to whoever opened it.
func (s *SQLite) Close() error {
	return nil
}

func toEpoch(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromEpoch(f float64) time.Time {
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()
}

func upperBound(r Range) float64 {
	if r.To.IsZero() {
		return math.MaxFloat64
	}
	return toEpoch(r.To)
}

func encodeMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeMap(s sql.NullString) (map[string]any, error) {
	out := map[string]any{}
	if !s.Valid || s.String == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}
