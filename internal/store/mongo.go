package store

import (
	"context"
	"fmt"
	"time"

	"counterwatch/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type metricDoc struct {
	ID         primitive.ObjectID `bson:"_id,omitempty"`
	Timestamp  time.Time          `bson:"timestamp"`
	MetricType string             `bson:"metric_type"`
	Value      float64            `bson:"value"`
	Metadata   bson.M             `bson:"metadata"`
}

type alertDoc struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	Timestamp time.Time          `bson:"timestamp"`
	AlertType string             `bson:"alert_type"`
	Severity  string             `bson:"severity"`
	Data      bson.M             `bson:"data"`
	Resolved  bool               `bson:"resolved"`
}

func (d metricDoc) record() models.MetricRecord {
	metadata := map[string]any(d.Metadata)
	if metadata == nil {
		metadata = map[string]any{}
	}
	return models.MetricRecord{
		ID:         d.ID.Hex(),
		Timestamp:  d.Timestamp.UTC(),
		MetricType: d.MetricType,
		Value:      d.Value,
		Metadata:   metadata,
	}
}

func (d alertDoc) record() models.AlertRecord {
	data := map[string]any(d.Data)
	if data == nil {
		data = map[string]any{}
	}
	return models.AlertRecord{
		ID:        d.ID.Hex(),
		Timestamp: d.Timestamp.UTC(),
		AlertType: d.AlertType,
		Severity:  models.Severity(d.Severity),
		Data:      data,
		Resolved:  d.Resolved,
	}
}

// Mongo stores metrics in the "telemetry" collection and alerts in
// "alerts", matching the layout the dashboard queries expect.
type Mongo struct {
	client  *mongo.Client
	metrics *mongo.Collection
	alerts  *mongo.Collection
}

func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(5 * time.Second)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(database)
	s := &Mongo{
		client:  client,
		metrics: db.Collection("telemetry"),
		alerts:  db.Collection("alerts"),
	}
	if err := s.createIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Mongo) createIndexes(ctx context.Context) error {
	_, err := s.metrics.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "metric_type", Value: 1}}},
		{Keys: bson.D{{Key: "timestamp", Value: -1}, {Key: "metric_type", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create telemetry indexes: %w", err)
	}

	_, err = s.alerts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "alert_type", Value: 1}}},
		{Keys: bson.D{{Key: "severity", Value: 1}}},
		{Keys: bson.D{{Key: "resolved", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create alert indexes: %w", err)
	}
	return nil
}

func (s *Mongo) AppendMetric(ctx context.Context, m models.MetricRecord) (string, error) {
	doc := metricDoc{
		Timestamp:  m.Timestamp.UTC(),
		MetricType: m.MetricType,
		Value:      m.Value,
		Metadata:   bson.M(cloneMap(m.Metadata)),
	}

	result, err := s.metrics.InsertOne(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("failed to insert metric: %w", err)
	}
	return objectIDString(result.InsertedID), nil
}

func (s *Mongo) AppendAlert(ctx context.Context, a models.AlertRecord) (string, error) {
	doc := alertDoc{
		Timestamp: a.Timestamp.UTC(),
		AlertType: a.AlertType,
		Severity:  string(a.Severity),
		Data:      bson.M(cloneMap(a.Data)),
		Resolved:  a.Resolved,
	}

	result, err := s.alerts.InsertOne(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("failed to insert alert: %w", err)
	}
	return objectIDString(result.InsertedID), nil
}

func (s *Mongo) QueryMetrics(ctx context.Context, r Range, metricType string) ([]models.MetricRecord, error) {
	filter := bson.M{"timestamp": timeFilter(r)}
	if metricType != "" {
		filter["metric_type"] = metricType
	}

	cursor, err := s.metrics.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}

	var docs []metricDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode metrics: %w", err)
	}

	out := make([]models.MetricRecord, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.record())
	}
	return out, nil
}

func (s *Mongo) QueryAlerts(ctx context.Context, r Range) ([]models.AlertRecord, error) {
	return s.findAlerts(ctx, bson.M{"timestamp": timeFilter(r)}, options.Find())
}

func (s *Mongo) RecentAlerts(ctx context.Context, limit int) ([]models.AlertRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	if limit >= 0 {
		if limit == 0 {
			return nil, nil
		}
		opts.SetLimit(int64(limit))
	}
	return s.findAlerts(ctx, bson.M{}, opts)
}

func (s *Mongo) findAlerts(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]models.AlertRecord, error) {
	cursor, err := s.alerts.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}

	var docs []alertDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode alerts: %w", err)
	}

	out := make([]models.AlertRecord, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.record())
	}
	return out, nil
}

func (s *Mongo) ResolveAlert(ctx context.Context, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrNotFound
	}

	result, err := s.alerts.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{"$set": bson.M{"resolved": true}})
	if err != nil {
		return fmt.Errorf("failed to resolve alert: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func timeFilter(r Range) bson.M {
	f := bson.M{"$gte": r.From.UTC()}
	if !r.To.IsZero() {
		f["$lte"] = r.To.UTC()
	}
	return f
}

func objectIDString(id interface{}) string {
	if oid, ok := id.(primitive.ObjectID); ok {
		return oid.Hex()
	}
	return fmt.Sprint(id)
}
