package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"counterwatch/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	redisMetricsKey     = "counterwatch:metrics"
	redisAlertIndexKey  = "counterwatch:alerts"
	redisAlertKeyPrefix = "counterwatch:alert:"
)

// Redis keeps metrics in a sorted set scored by timestamp, and alerts as
// individual keys indexed by a second sorted set so they can be resolved.
type Redis struct {
	client    *redis.Client
	retention time.Duration
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Retention trims metrics older than this on every append. Zero keeps
	// everything.
	Retention time.Duration
}

func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Redis{
		client:    client,
		retention: opts.Retention,
	}, nil
}

func (r *Redis) AppendMetric(ctx context.Context, m models.MetricRecord) (string, error) {
	m.ID = uuid.NewString()
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}

	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metric: %w", err)
	}

	err = r.client.ZAdd(ctx, redisMetricsKey, &redis.Z{
		Score:  toEpoch(m.Timestamp),
		Member: string(data),
	}).Err()
	if err != nil {
		return "", fmt.Errorf("failed to store metric in Redis: %w", err)
	}

	if r.retention > 0 {
		cutoff := toEpoch(m.Timestamp.Add(-r.retention))
		r.client.ZRemRangeByScore(ctx, redisMetricsKey, "-inf", "("+formatScore(cutoff))
	}

	return m.ID, nil
}

func (r *Redis) AppendAlert(ctx context.Context, a models.AlertRecord) (string, error) {
	a.ID = uuid.NewString()
	if a.Data == nil {
		a.Data = map[string]any{}
	}

	data, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("failed to marshal alert: %w", err)
	}

	// The record and its index entry are written in one MULTI/EXEC so an
	// alert is never stored without being indexed.
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisAlertKeyPrefix+a.ID, data, 0)
		pipe.ZAdd(ctx, redisAlertIndexKey, &redis.Z{
			Score:  toEpoch(a.Timestamp),
			Member: a.ID,
		})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to store alert in Redis: %w", err)
	}

	return a.ID, nil
}

func (r *Redis) QueryMetrics(ctx context.Context, rng Range, metricType string) ([]models.MetricRecord, error) {
	members, err := r.client.ZRangeByScore(ctx, redisMetricsKey, scoreRange(rng)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to range metrics: %w", err)
	}

	var out []models.MetricRecord
	for _, member := range members {
		var m models.MetricRecord
		if err := json.Unmarshal([]byte(member), &m); err != nil {
			continue
		}
		if metricType != "" && m.MetricType != metricType {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (r *Redis) QueryAlerts(ctx context.Context, rng Range) ([]models.AlertRecord, error) {
	ids, err := r.client.ZRangeByScore(ctx, redisAlertIndexKey, scoreRange(rng)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to range alerts: %w", err)
	}
	return r.loadAlerts(ctx, ids)
}

func (r *Redis) RecentAlerts(ctx context.Context, limit int) ([]models.AlertRecord, error) {
	if limit == 0 {
		return nil, nil
	}
	stop := int64(limit - 1)
	if limit < 0 {
		stop = -1
	}

	ids, err := r.client.ZRevRange(ctx, redisAlertIndexKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get recent alert ids: %w", err)
	}
	return r.loadAlerts(ctx, ids)
}

func (r *Redis) ResolveAlert(ctx context.Context, id string) error {
	key := redisAlertKeyPrefix + id

	data, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load alert: %w", err)
	}

	var a models.AlertRecord
	if err := json.Unmarshal([]byte(data), &a); err != nil {
		return fmt.Errorf("failed to unmarshal alert: %w", err)
	}
	a.Resolved = true

	updated, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	if err := r.client.Set(ctx, key, updated, 0).Err(); err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) loadAlerts(ctx context.Context, ids []string) ([]models.AlertRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisAlertKeyPrefix + id
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load alerts: %w", err)
	}

	alerts := make([]models.AlertRecord, 0, len(values))
	for _, v := range values {
		data, ok := v.(string)
		if !ok {
			continue // expired or missing key
		}
		var a models.AlertRecord
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			continue
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}

func scoreRange(r Range) *redis.ZRangeBy {
	max := "+inf"
	if !r.To.IsZero() {
		max = formatScore(toEpoch(r.To))
	}
	return &redis.ZRangeBy{
		Min: formatScore(toEpoch(r.From)),
		Max: max,
	}
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
