package shell

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClosedChannel is returned when operating on a closed shell or one
	// whose channel was closed by the server
	ErrClosedChannel = errors.New("closed channel")

	// ErrDisconnected is returned when the connection is gone and
	// reconnecting is disabled
	ErrDisconnected = errors.New("disconnected")

	ErrTimeout = errors.New("timeout")

	// ErrWaitInProgress rejects a second wait on the same channel
	ErrWaitInProgress = errors.New("a wait is already in progress")

	ErrInvalidPattern = errors.New("pattern must be a string or *regexp.Regexp")
)

// TimeoutError is returned when no output matched before the inactivity
// timeout expired. Received holds the unconsumed buffer.
type TimeoutError struct {
	Host     string
	Timeout  time.Duration
	Pattern  string
	Received string
	Waited   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: inactivity timeout (%s) while waiting for %s; received: %q; waited total: %s",
		e.Host, e.Timeout, e.Pattern, e.Received, e.Waited.Round(time.Millisecond))
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}
