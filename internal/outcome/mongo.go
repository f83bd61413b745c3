package outcome

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"triggerhub/internal/constants"
	"triggerhub/internal/logger"
	"triggerhub/pkg/metrics"
)

const mongoWriteTimeout = 2 * time.Second

// MongoRecorder persists outcomes so they can be queried per subscription.
// Write failures are logged; recording never fails the pipeline.
type MongoRecorder struct {
	collection *mongo.Collection
	logger     logger.Logger
}

func NewMongoRecorder(db *mongo.Database, log logger.Logger) *MongoRecorder {
	return &MongoRecorder{
		collection: db.Collection(constants.OutcomesCollection),
		logger:     log,
	}
}

func (r *MongoRecorder) Record(ctx context.Context, o Outcome) {
	if o.RecordedAt.IsZero() {
		o.RecordedAt = time.Now().UTC()
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mongoWriteTimeout)
	defer cancel()

	start := time.Now()
	_, err := r.collection.InsertOne(writeCtx, o)
	metrics.ObserveDatabaseQueryDuration(constants.ServiceName, "mongodb", "insert_outcome", time.Since(start))
	if err != nil {
		metrics.IncDatabaseQuery(constants.ServiceName, "mongodb", "insert_outcome", "error")
		r.logger.WarnwCtx(ctx, "Failed to persist outcome",
			"subscription_id", o.SubscriptionID,
			"outcome", string(o.Kind),
			"error", err,
		)
		return
	}
	metrics.IncDatabaseQuery(constants.ServiceName, "mongodb", "insert_outcome", "success")
}

// List returns the most recent outcomes of a subscription, newest first.
func (r *MongoRecorder) List(ctx context.Context, subscriptionID string, limit int) ([]Outcome, error) {
	if limit <= 0 || limit > constants.MaxLimit {
		limit = constants.DefaultLimit
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "recorded_at", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, bson.M{"subscription_id": subscriptionID}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb query failed: %w", err)
	}
	defer cursor.Close(ctx)

	outcomes := make([]Outcome, 0, limit)
	if err := cursor.All(ctx, &outcomes); err != nil {
		return nil, fmt.Errorf("failed to decode outcomes: %w", err)
	}
	return outcomes, nil
}
