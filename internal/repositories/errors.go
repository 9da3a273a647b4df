package repositories

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
)

// Common repository errors
var (
	// ErrNotFound is returned when a document is not found
	ErrNotFound = mongo.ErrNoDocuments

	// ErrDuplicateKey is returned when trying to insert a duplicate document
	ErrDuplicateKey = errors.New("duplicate key error")
)

// Domain-specific "not found" errors. They wrap mongo.ErrNoDocuments so both
// the generic and the domain check succeed:
//
//	if err == mongo.ErrNoDocuments {
//	    return nil, WrapNotFound(err, ErrActivityNotFound)
//	}
var (
	// ErrActivityNotFound is returned when an activity is not found
	ErrActivityNotFound = errors.New("activity not found")

	// ErrSequenceNotFound is returned when a sequence is not found
	ErrSequenceNotFound = errors.New("sequence not found")

	// ErrSequenceRunNotFound is returned when a sequence run is not found
	ErrSequenceRunNotFound = errors.New("sequence run not found")
)

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicateKey checks if an error is a duplicate key error
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	return mongo.IsDuplicateKeyError(err) || errors.Is(err, ErrDuplicateKey)
}

// IsActivityNotFound checks if an error indicates an activity was not found
func IsActivityNotFound(err error) bool {
	return errors.Is(err, ErrActivityNotFound)
}

// IsSequenceNotFound checks if an error indicates a sequence was not found
func IsSequenceNotFound(err error) bool {
	return errors.Is(err, ErrSequenceNotFound)
}

// WrapNotFound wraps mongo.ErrNoDocuments with a domain-specific error.
// Errors other than "not found" are returned unchanged.
func WrapNotFound(err error, domainErr error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: %w", domainErr, err)
	}
	return err
}

// notFound builds the error returned when a lookup by id misses
func notFound(domainErr error) error {
	return WrapNotFound(mongo.ErrNoDocuments, domainErr)
}

// duplicate normalizes driver duplicate-key errors to ErrDuplicateKey
func duplicate(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %w", ErrDuplicateKey, err)
	}
	return err
}
