package store

import (
	"testing"
	"time"

	"counterwatch/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// These run without a server: documents are shaped the way the telemetry
// and alerts collections hold them and decoded through the same types the
// cursor uses.

func TestMongoMetricDocDecode(t *testing.T) {
	oid := primitive.NewObjectID()
	ts := time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)

	raw, err := bson.Marshal(bson.D{
		{Key: "_id", Value: oid},
		{Key: "timestamp", Value: ts},
		{Key: "metric_type", Value: models.MetricLatency},
		{Key: "value", Value: 812.5},
		{Key: "metadata", Value: bson.D{{Key: "model", Value: "gemini"}}},
	})
	require.NoError(t, err)

	var doc metricDoc
	require.NoError(t, bson.Unmarshal(raw, &doc))
	got := doc.record()

	assert.Equal(t, oid.Hex(), got.ID)
	assert.True(t, ts.Equal(got.Timestamp))
	assert.Equal(t, models.MetricLatency, got.MetricType)
	assert.Equal(t, 812.5, got.Value)
	assert.Equal(t, "gemini", got.Metadata["model"])
}

func TestMongoAlertDocDecode(t *testing.T) {
	oid := primitive.NewObjectID()

	raw, err := bson.Marshal(bson.D{
		{Key: "_id", Value: oid},
		{Key: "timestamp", Value: time.Now()},
		{Key: "alert_type", Value: models.AlertHighErrorRate},
		{Key: "severity", Value: "critical"},
		{Key: "resolved", Value: true},
	})
	require.NoError(t, err)

	var doc alertDoc
	require.NoError(t, bson.Unmarshal(raw, &doc))
	got := doc.record()

	assert.Equal(t, oid.Hex(), got.ID)
	assert.Equal(t, models.SeverityCritical, got.Severity)
	assert.True(t, got.Resolved)
	assert.NotNil(t, got.Data)
	assert.Empty(t, got.Data)
}

func TestMongoTimeFilter(t *testing.T) {
	from := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	open := timeFilter(Range{From: from})
	assert.Equal(t, bson.M{"$gte": from}, open)

	closed := timeFilter(Range{From: from, To: from.Add(time.Hour)})
	assert.Equal(t, bson.M{"$gte": from, "$lte": from.Add(time.Hour)}, closed)
}
