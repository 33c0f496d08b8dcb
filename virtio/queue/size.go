package queue

import (
	"errors"
	"fmt"
)

// MaxSize is the largest queue size the split layout allows.
const MaxSize = 32768

var ErrQueueSizeInvalid = errors.New("queue size is invalid")

// CheckQueueSize returns an [ErrQueueSizeInvalid] unless size is a power of two
// between 1 and max.
func CheckQueueSize(size, max int) error {
	if size <= 0 {
		return fmt.Errorf("%w: %d is too small", ErrQueueSizeInvalid, size)
	}

	// Ring indexes are free running 16 bit counters, they only wrap cleanly
	// onto ring slots when the size divides 65536.
	if size&(size-1) != 0 {
		return fmt.Errorf("%w: %d is not a power of 2", ErrQueueSizeInvalid, size)
	}

	if size > max {
		return fmt.Errorf("%w: %d is larger than the maximum %d", ErrQueueSizeInvalid, size, max)
	}

	return nil
}
