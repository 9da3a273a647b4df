package repositories

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/white/activity-engine/internal/models"
	"github.com/white/activity-engine/pkg/mongodb"
)

// MongoDeadLetterRepository stores post-processing jobs that were given up on
type MongoDeadLetterRepository struct {
	collection *mongo.Collection
}

// NewMongoDeadLetterRepository creates a new MongoDeadLetterRepository
func NewMongoDeadLetterRepository(client *mongodb.Client) *MongoDeadLetterRepository {
	return &MongoDeadLetterRepository{
		collection: client.Collection("activity_dead_letters"),
	}
}

// Insert stores a dead letter
func (r *MongoDeadLetterRepository) Insert(ctx context.Context, letter *models.DeadLetter) error {
	if _, err := r.collection.InsertOne(ctx, letter); err != nil {
		return fmt.Errorf("error storing dead letter: %w", err)
	}
	return nil
}

// List returns the most recent dead letters
func (r *MongoDeadLetterRepository) List(ctx context.Context, limit int) ([]*models.DeadLetter, error) {
	opts := options.Find().SetSort(bson.D{{Key: "failed_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("error listing dead letters: %w", err)
	}
	defer cursor.Close(ctx)

	letters := []*models.DeadLetter{}
	if err := cursor.All(ctx, &letters); err != nil {
		return nil, fmt.Errorf("error decoding dead letters: %w", err)
	}
	return letters, nil
}
