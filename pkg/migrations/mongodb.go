package migrations

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// OutcomeRetention bounds how long recorded outcomes are kept.
const OutcomeRetention = 30 * 24 * time.Hour

// EnsureOutcomeIndexes creates the indexes used to query recorded outcomes
// and the TTL index that expires them.
func EnsureOutcomeIndexes(ctx context.Context, db *mongo.Database, collectionName string) error {
	collection := db.Collection(collectionName)

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "subscription_id", Value: 1}, {Key: "recorded_at", Value: -1}},
			Options: options.Index().SetName("idx_outcomes_subscription_recorded"),
		},
		{
			Keys:    bson.D{{Key: "kind", Value: 1}, {Key: "recorded_at", Value: -1}},
			Options: options.Index().SetName("idx_outcomes_kind_recorded"),
		},
		{
			Keys:    bson.D{{Key: "dedup_key", Value: 1}},
			Options: options.Index().SetName("idx_outcomes_dedup_key").SetSparse(true),
		},
		{
			Keys: bson.D{{Key: "recorded_at", Value: 1}},
			Options: options.Index().
				SetName("idx_outcomes_ttl").
				SetExpireAfterSeconds(int32(OutcomeRetention.Seconds())),
		},
	}

	_, err := collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create indexes: %w", err)
		}
	}

	return nil
}
