package repositories

import (
	"context"
	"maps"
	"sort"
	"sync"

	"github.com/white/activity-engine/internal/models"
)

// The in-memory repositories back storage.driver=memory and the service
// tests. They copy records on the way in and out, like a real store would.

// MemoryActivityRepository keeps activities in a map
type MemoryActivityRepository struct {
	mu    sync.RWMutex
	items map[string]*models.Activity
}

// NewMemoryActivityRepository creates an empty MemoryActivityRepository
func NewMemoryActivityRepository() *MemoryActivityRepository {
	return &MemoryActivityRepository{items: make(map[string]*models.Activity)}
}

// Insert stores a new activity
func (r *MemoryActivityRepository) Insert(_ context.Context, activity *models.Activity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[activity.ID]; ok {
		return ErrDuplicateKey
	}
	r.items[activity.ID] = activity.Clone()
	return nil
}

// Get retrieves an activity by id
func (r *MemoryActivityRepository) Get(_ context.Context, id string) (*models.Activity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.items[id]
	if !ok {
		return nil, notFound(ErrActivityNotFound)
	}
	return a.Clone(), nil
}

// Update replaces the stored activity
func (r *MemoryActivityRepository) Update(_ context.Context, activity *models.Activity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[activity.ID]; !ok {
		return notFound(ErrActivityNotFound)
	}
	r.items[activity.ID] = activity.Clone()
	return nil
}

// Delete removes an activity by id
func (r *MemoryActivityRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[id]; !ok {
		return notFound(ErrActivityNotFound)
	}
	delete(r.items, id)
	return nil
}

// Query lists activities matching the filter, newest first
func (r *MemoryActivityRepository) Query(_ context.Context, filter models.ActivityFilter) ([]*models.Activity, error) {
	r.mu.RLock()
	result := []*models.Activity{}
	for _, a := range r.items {
		if filter.Matches(a) {
			result = append(result, a.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// MemorySequenceRepository keeps sequences and runs in maps
type MemorySequenceRepository struct {
	mu        sync.RWMutex
	sequences map[string]*models.ActivitySequence
	runs      map[string]*models.SequenceRun
}

// NewMemorySequenceRepository creates an empty MemorySequenceRepository
func NewMemorySequenceRepository() *MemorySequenceRepository {
	return &MemorySequenceRepository{
		sequences: make(map[string]*models.ActivitySequence),
		runs:      make(map[string]*models.SequenceRun),
	}
}

// Insert stores a new sequence
func (r *MemorySequenceRepository) Insert(_ context.Context, seq *models.ActivitySequence) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sequences[seq.ID]; ok {
		return ErrDuplicateKey
	}
	r.sequences[seq.ID] = cloneSequence(seq)
	return nil
}

// Get retrieves a sequence by id
func (r *MemorySequenceRepository) Get(_ context.Context, id string) (*models.ActivitySequence, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seq, ok := r.sequences[id]
	if !ok {
		return nil, notFound(ErrSequenceNotFound)
	}
	return cloneSequence(seq), nil
}

// Update replaces the stored sequence
func (r *MemorySequenceRepository) Update(_ context.Context, seq *models.ActivitySequence) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sequences[seq.ID]; !ok {
		return notFound(ErrSequenceNotFound)
	}
	r.sequences[seq.ID] = cloneSequence(seq)
	return nil
}

// ListByUser lists every sequence owned by the user, newest first
func (r *MemorySequenceRepository) ListByUser(_ context.Context, userID string) ([]*models.ActivitySequence, error) {
	return r.list(func(s *models.ActivitySequence) bool { return s.UserID == userID }), nil
}

// ListActive lists the user's active sequences
func (r *MemorySequenceRepository) ListActive(_ context.Context, userID string) ([]*models.ActivitySequence, error) {
	return r.list(func(s *models.ActivitySequence) bool { return s.UserID == userID && s.IsActive }), nil
}

func (r *MemorySequenceRepository) list(keep func(*models.ActivitySequence) bool) []*models.ActivitySequence {
	r.mu.RLock()
	result := []*models.ActivitySequence{}
	for _, s := range r.sequences {
		if keep(s) {
			result = append(result, cloneSequence(s))
		}
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// InsertRun stores a new run. A run with the same id yields ErrDuplicateKey.
func (r *MemorySequenceRepository) InsertRun(_ context.Context, run *models.SequenceRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.runs[run.ID]; ok {
		return ErrDuplicateKey
	}
	r.runs[run.ID] = cloneRun(run)
	return nil
}

// GetRun retrieves a run by id
func (r *MemorySequenceRepository) GetRun(_ context.Context, id string) (*models.SequenceRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.runs[id]
	if !ok {
		return nil, notFound(ErrSequenceRunNotFound)
	}
	return cloneRun(run), nil
}

// UpdateRun replaces the stored run
func (r *MemorySequenceRepository) UpdateRun(_ context.Context, run *models.SequenceRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.runs[run.ID]; !ok {
		return notFound(ErrSequenceRunNotFound)
	}
	r.runs[run.ID] = cloneRun(run)
	return nil
}

// ListResumableRuns lists runs that have not reached a terminal state,
// oldest first
func (r *MemorySequenceRepository) ListResumableRuns(_ context.Context) ([]*models.SequenceRun, error) {
	return r.listRuns(func(run *models.SequenceRun) bool { return !run.State.Terminal() }, true, 0), nil
}

// ListRuns lists the runs of a sequence, newest first
func (r *MemorySequenceRepository) ListRuns(_ context.Context, sequenceID string, limit int) ([]*models.SequenceRun, error) {
	return r.listRuns(func(run *models.SequenceRun) bool { return run.SequenceID == sequenceID }, false, limit), nil
}

func (r *MemorySequenceRepository) listRuns(keep func(*models.SequenceRun) bool, ascending bool, limit int) []*models.SequenceRun {
	r.mu.RLock()
	result := []*models.SequenceRun{}
	for _, run := range r.runs {
		if keep(run) {
			result = append(result, cloneRun(run))
		}
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			if ascending {
				return result[i].CreatedAt.Before(result[j].CreatedAt)
			}
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// MemoryDeadLetterRepository keeps dead letters in a slice
type MemoryDeadLetterRepository struct {
	mu      sync.Mutex
	letters []*models.DeadLetter
}

// NewMemoryDeadLetterRepository creates an empty MemoryDeadLetterRepository
func NewMemoryDeadLetterRepository() *MemoryDeadLetterRepository {
	return &MemoryDeadLetterRepository{}
}

// Insert stores a dead letter
func (r *MemoryDeadLetterRepository) Insert(_ context.Context, letter *models.DeadLetter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := *letter
	r.letters = append(r.letters, &c)
	return nil
}

// List returns the most recent dead letters
func (r *MemoryDeadLetterRepository) List(_ context.Context, limit int) ([]*models.DeadLetter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]*models.DeadLetter, 0, len(r.letters))
	for i := len(r.letters) - 1; i >= 0; i-- {
		c := *r.letters[i]
		result = append(result, &c)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func cloneSequence(s *models.ActivitySequence) *models.ActivitySequence {
	c := *s
	c.Triggers = make([]models.SequenceTrigger, len(s.Triggers))
	for i, t := range s.Triggers {
		t.Conditions = maps.Clone(t.Conditions)
		c.Triggers[i] = t
	}
	c.Steps = make([]models.SequenceStep, len(s.Steps))
	for i, step := range s.Steps {
		step.Config = maps.Clone(step.Config)
		step.Conditions = maps.Clone(step.Conditions)
		c.Steps[i] = step
	}
	return &c
}

func cloneRun(run *models.SequenceRun) *models.SequenceRun {
	c := *run
	c.History = append([]models.StepExecution(nil), run.History...)
	if run.NextRunAt != nil {
		t := *run.NextRunAt
		c.NextRunAt = &t
	}
	if run.StartedAt != nil {
		t := *run.StartedAt
		c.StartedAt = &t
	}
	if run.CompletedAt != nil {
		t := *run.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
