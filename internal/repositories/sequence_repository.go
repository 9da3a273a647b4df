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

// MongoSequenceRepository handles activity sequences and their runs
type MongoSequenceRepository struct {
	client         *mongodb.Client
	collection     *mongo.Collection
	runsCollection *mongo.Collection
}

// NewMongoSequenceRepository creates a new MongoSequenceRepository
func NewMongoSequenceRepository(client *mongodb.Client) *MongoSequenceRepository {
	return &MongoSequenceRepository{
		client:         client,
		collection:     client.Collection("activity_sequences"),
		runsCollection: client.Collection("sequence_runs"),
	}
}

// Insert stores a new sequence
func (r *MongoSequenceRepository) Insert(ctx context.Context, seq *models.ActivitySequence) error {
	if _, err := r.collection.InsertOne(ctx, seq); err != nil {
		return fmt.Errorf("error creating sequence: %w", duplicate(err))
	}
	return nil
}

// Get retrieves a sequence by id
func (r *MongoSequenceRepository) Get(ctx context.Context, id string) (*models.ActivitySequence, error) {
	var seq models.ActivitySequence
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&seq)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, WrapNotFound(err, ErrSequenceNotFound)
		}
		return nil, fmt.Errorf("error finding sequence: %w", err)
	}
	return &seq, nil
}

// Update replaces the stored sequence
func (r *MongoSequenceRepository) Update(ctx context.Context, seq *models.ActivitySequence) error {
	result, err := r.collection.ReplaceOne(ctx, bson.M{"_id": seq.ID}, seq)
	if err != nil {
		return fmt.Errorf("error updating sequence: %w", err)
	}
	if result.MatchedCount == 0 {
		return notFound(ErrSequenceNotFound)
	}
	return nil
}

// ListByUser lists every sequence owned by the user, newest first
func (r *MongoSequenceRepository) ListByUser(ctx context.Context, userID string) ([]*models.ActivitySequence, error) {
	return r.find(ctx, bson.M{"user_id": userID})
}

// ListActive lists the user's active sequences
func (r *MongoSequenceRepository) ListActive(ctx context.Context, userID string) ([]*models.ActivitySequence, error) {
	return r.find(ctx, bson.M{"user_id": userID, "is_active": true})
}

func (r *MongoSequenceRepository) find(ctx context.Context, filter bson.M) ([]*models.ActivitySequence, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("error listing sequences: %w", err)
	}
	defer cursor.Close(ctx)

	sequences := []*models.ActivitySequence{}
	if err := cursor.All(ctx, &sequences); err != nil {
		return nil, fmt.Errorf("error decoding sequences: %w", err)
	}
	return sequences, nil
}

// InsertRun stores a new run. A run with the same id already present yields
// ErrDuplicateKey.
func (r *MongoSequenceRepository) InsertRun(ctx context.Context, run *models.SequenceRun) error {
	if _, err := r.runsCollection.InsertOne(ctx, run); err != nil {
		return fmt.Errorf("error creating sequence run: %w", duplicate(err))
	}
	return nil
}

// GetRun retrieves a run by id
func (r *MongoSequenceRepository) GetRun(ctx context.Context, id string) (*models.SequenceRun, error) {
	var run models.SequenceRun
	err := r.runsCollection.FindOne(ctx, bson.M{"_id": id}).Decode(&run)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, WrapNotFound(err, ErrSequenceRunNotFound)
		}
		return nil, fmt.Errorf("error finding sequence run: %w", err)
	}
	return &run, nil
}

// UpdateRun replaces the stored run
func (r *MongoSequenceRepository) UpdateRun(ctx context.Context, run *models.SequenceRun) error {
	result, err := r.runsCollection.ReplaceOne(ctx, bson.M{"_id": run.ID}, run)
	if err != nil {
		return fmt.Errorf("error updating sequence run: %w", err)
	}
	if result.MatchedCount == 0 {
		return notFound(ErrSequenceRunNotFound)
	}
	return nil
}

// ListResumableRuns lists runs that have not reached a terminal state
func (r *MongoSequenceRepository) ListResumableRuns(ctx context.Context) ([]*models.SequenceRun, error) {
	filter := bson.M{"state": bson.M{"$in": []models.RunState{
		models.RunPending, models.RunRunning, models.RunStepWaiting,
	}}}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})

	cursor, err := r.runsCollection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("error listing sequence runs: %w", err)
	}
	defer cursor.Close(ctx)

	runs := []*models.SequenceRun{}
	if err := cursor.All(ctx, &runs); err != nil {
		return nil, fmt.Errorf("error decoding sequence runs: %w", err)
	}
	return runs, nil
}

// ListRuns lists the runs of a sequence, newest first
func (r *MongoSequenceRepository) ListRuns(ctx context.Context, sequenceID string, limit int) ([]*models.SequenceRun, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := r.runsCollection.Find(ctx, bson.M{"sequence_id": sequenceID}, opts)
	if err != nil {
		return nil, fmt.Errorf("error listing sequence runs: %w", err)
	}
	defer cursor.Close(ctx)

	runs := []*models.SequenceRun{}
	if err := cursor.All(ctx, &runs); err != nil {
		return nil, fmt.Errorf("error decoding sequence runs: %w", err)
	}
	return runs, nil
}

// EnsureIndexes creates the required indexes for sequences and runs
func (r *MongoSequenceRepository) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	sequenceIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "user_id", Value: 1},
				{Key: "is_active", Value: 1},
			},
		},
	}
	if _, err := r.collection.Indexes().CreateMany(ctx, sequenceIndexes); err != nil {
		return fmt.Errorf("error creating sequence indexes: %w", err)
	}

	runIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "state", Value: 1}},
		},
		{
			Keys: bson.D{
				{Key: "sequence_id", Value: 1},
				{Key: "created_at", Value: -1},
			},
		},
	}
	if _, err := r.runsCollection.Indexes().CreateMany(ctx, runIndexes); err != nil {
		return fmt.Errorf("error creating sequence run indexes: %w", err)
	}

	return nil
}
