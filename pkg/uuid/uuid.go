// Package uuid mints the time-ordered ids used across the engine.
package uuid

import (
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
)

// gen carries the clock sequence that orders ids sharing a millisecond
var gen = uuid.NewGen()

// NewUUID returns a v7 id stamped with the current time
func NewUUID() (string, error) {
	return NewUUIDAt(time.Now())
}

// NewUUIDAt returns a v7 id whose timestamp is t. Services stamp ids with
// their own clock so ids sort with the records' creation times.
func NewUUIDAt(t time.Time) (string, error) {
	id, err := gen.NewV7AtTime(t)
	if err != nil {
		return "", fmt.Errorf("minting v7 id: %w", err)
	}
	return id.String(), nil
}

// MustNewUUID is NewUUID that panics when the random source fails
func MustNewUUID() string {
	return MustNewUUIDAt(time.Now())
}

// MustNewUUIDAt is NewUUIDAt that panics when the random source fails
func MustNewUUIDAt(t time.Time) string {
	id, err := NewUUIDAt(t)
	if err != nil {
		panic(err)
	}
	return id
}

// ValidateUUID rejects ids that are empty or not in canonical UUID form
func ValidateUUID(id string) error {
	if id == "" {
		return fmt.Errorf("UUID cannot be empty")
	}
	if _, err := uuid.FromString(id); err != nil {
		return fmt.Errorf("invalid UUID format: %w", err)
	}
	return nil
}
