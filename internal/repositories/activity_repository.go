package repositories

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/white/activity-engine/internal/models"
	"github.com/white/activity-engine/pkg/mongodb"
)

// MongoActivityRepository handles activity data access with MongoDB
type MongoActivityRepository struct {
	client     *mongodb.Client
	collection *mongo.Collection
}

// NewMongoActivityRepository creates a new MongoActivityRepository
func NewMongoActivityRepository(client *mongodb.Client) *MongoActivityRepository {
	return &MongoActivityRepository{
		client:     client,
		collection: client.Collection("activities"),
	}
}

// Insert stores a new activity. The caller assigns the id.
func (r *MongoActivityRepository) Insert(ctx context.Context, activity *models.Activity) error {
	if _, err := r.collection.InsertOne(ctx, activity); err != nil {
		return fmt.Errorf("error creating activity: %w", duplicate(err))
	}
	return nil
}

// Get retrieves an activity by id
func (r *MongoActivityRepository) Get(ctx context.Context, id string) (*models.Activity, error) {
	var activity models.Activity
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&activity)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, WrapNotFound(err, ErrActivityNotFound)
		}
		return nil, fmt.Errorf("error querying activity: %w", err)
	}

	return &activity, nil
}

// Update replaces the stored activity
func (r *MongoActivityRepository) Update(ctx context.Context, activity *models.Activity) error {
	result, err := r.collection.ReplaceOne(ctx, bson.M{"_id": activity.ID}, activity)
	if err != nil {
		return fmt.Errorf("error updating activity: %w", err)
	}

	if result.MatchedCount == 0 {
		return notFound(ErrActivityNotFound)
	}

	return nil
}

// Delete removes an activity by id
func (r *MongoActivityRepository) Delete(ctx context.Context, id string) error {
	result, err := r.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("error deleting activity: %w", err)
	}

	if result.DeletedCount == 0 {
		return notFound(ErrActivityNotFound)
	}

	return nil
}

// Query lists activities matching the filter, newest first
func (r *MongoActivityRepository) Query(ctx context.Context, filter models.ActivityFilter) ([]*models.Activity, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := r.collection.Find(ctx, activityQuery(filter), opts)
	if err != nil {
		return nil, fmt.Errorf("error listing activities: %w", err)
	}
	defer cursor.Close(ctx)

	activities := []*models.Activity{}
	if err := cursor.All(ctx, &activities); err != nil {
		return nil, fmt.Errorf("error decoding activities: %w", err)
	}

	return activities, nil
}

// activityQuery translates a filter into a MongoDB query document
func activityQuery(filter models.ActivityFilter) bson.M {
	query := bson.M{}
	if filter.UserID != "" {
		query["user_id"] = filter.UserID
	}
	if filter.ContactID != "" {
		query["contact_id"] = filter.ContactID
	}
	if filter.DealID != "" {
		query["deal_id"] = filter.DealID
	}
	if filter.LeadID != "" {
		query["lead_id"] = filter.LeadID
	}
	if len(filter.Types) > 0 {
		query["type"] = bson.M{"$in": filter.Types}
	}
	if filter.Status != "" {
		query["status"] = filter.Status
	}
	if filter.Outcome != "" {
		query["outcome"] = filter.Outcome
	}
	if filter.Since != nil || filter.Until != nil {
		created := bson.M{}
		if filter.Since != nil {
			created["$gte"] = *filter.Since
		}
		if filter.Until != nil {
			created["$lte"] = *filter.Until
		}
		query["created_at"] = created
	}
	return query
}

// EnsureIndexes creates the required indexes for the activities collection
func (r *MongoActivityRepository) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "user_id", Value: 1},
				{Key: "created_at", Value: -1},
			},
		},
		{
			Keys: bson.D{
				{Key: "contact_id", Value: 1},
				{Key: "created_at", Value: -1},
			},
		},
		{
			Keys: bson.D{{Key: "deal_id", Value: 1}},
		},
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := r.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("error creating activity indexes: %w", err)
	}

	return nil
}
