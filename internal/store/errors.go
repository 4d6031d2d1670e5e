package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrCapacityExceeded = errors.New("discussion capacity reached")
	ErrUnavailable      = errors.New("store unavailable")
)

// DuplicateError is returned when a participation already exists for the
// (discussion, user) pair. Existing holds the stored row.
type DuplicateError struct {
	Existing Participation
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("participation already exists with status %s", e.Existing.Status)
}
