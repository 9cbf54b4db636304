package ledger

import (
	"errors"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("ledger: not found")

	// ErrAlreadyCompleted is returned when an outcome is written to a record
	// that already left the running state.
	ErrAlreadyCompleted = errors.New("ledger: experiment already completed")
)

// IsNotFound returns true if the error means the requested record is absent.
// Both ErrNotFound and the raw redis.Nil sentinel count.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, redis.Nil)
}

// IsAlreadyCompleted returns true if the error reports a duplicate outcome write.
func IsAlreadyCompleted(err error) bool {
	return errors.Is(err, ErrAlreadyCompleted)
}
