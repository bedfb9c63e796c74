package statelog

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/hupe1980/statelog/paged"
	"github.com/hupe1980/statelog/state"
)

var (
	// ErrCapacityExhausted is returned by Append when the paged store has
	// no room and garbage collection has not freed enough pages yet.
	// Callers may retry after a GC pass or drop the entry; Append never
	// blocks or retries internally.
	ErrCapacityExhausted = errors.New("statelog: capacity exhausted")

	// ErrNotFound is returned by Get for unknown or reclaimed entries.
	ErrNotFound = errors.New("statelog: entry not found")

	// ErrClosed is returned by operations on a closed Storage.
	ErrClosed = errors.New("statelog: storage closed")
)

// IntegrityError indicates a digest mismatch during explicit verification.
type IntegrityError struct {
	Algorithm state.Algorithm
	Expected  []byte
	Actual    []byte
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation: %s digest mismatch: expected %x, got %x",
		e.Algorithm, e.Expected, e.Actual)
}

// VerifyEntryVector checks an entry's vector against an expected digest and
// returns an IntegrityError on mismatch.
func VerifyEntryVector(vec []float32, expected []byte, algo state.Algorithm) error {
	actual, err := state.ComputeHash(state.Vector(vec), algo)
	if err != nil {
		return err
	}
	if !bytes.Equal(actual, expected) {
		return &IntegrityError{Algorithm: algo, Expected: expected, Actual: actual}
	}
	return nil
}

// translateError normalizes backend errors to the package-level taxonomy.
// Validation and corruption errors pass through typed; callers can use
// errors.As to reach their fields.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, paged.ErrCapacityExhausted) {
		return fmt.Errorf("%w: %w", ErrCapacityExhausted, err)
	}
	if errors.Is(err, paged.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if errors.Is(err, paged.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return err
}
