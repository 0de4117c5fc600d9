package ids

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a new opaque unique identifier.
// Parameters: none.
// Returns:
//   - string: UUIDv4 string.
func NewID() string {
	return uuid.New().String()
}

// Clock provides the current time. Components take a Clock so tests can pin
// the wall clock when exercising time-dependent behavior such as the cleanup
// horizon.
type Clock interface {
	// Now returns the current time.
	// Parameters: none.
	// Returns:
	//   - time.Time: current wall-clock time.
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

// Now returns the current wall-clock time.
// Parameters: none.
// Returns:
//   - time.Time: time.Now().
func (SystemClock) Now() time.Time {
	return time.Now()
}
