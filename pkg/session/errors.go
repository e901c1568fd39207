package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAssociated is returned by a channel whose session went away
	ErrNotAssociated = errors.New("channel not associated with a session")

	// ErrChannelClosed is returned when writing to or requesting on a
	// closed channel
	ErrChannelClosed = errors.New("channel closed")

	// ErrSessionClosed is returned by operations on a closed session
	ErrSessionClosed = errors.New("session closed")

	// ErrRequestFailed means the peer answered a request with a failure
	ErrRequestFailed = errors.New("request failed")
)

// Channel open failure reason codes
// https://datatracker.ietf.org/doc/html/rfc4254#section-5.1
const (
	OpenAdministrativelyProhibited uint32 = 1
	OpenConnectFailed              uint32 = 2
	OpenUnknownChannelType         uint32 = 3
	OpenResourceShortage           uint32 = 4
)

// OpenChannelError is the reason the peer refused to open a channel
type OpenChannelError struct {
	Reason  uint32
	Message string
}

func (e *OpenChannelError) Error() string {
	return fmt.Sprintf("channel open failed (reason %d): %s", e.Reason, e.Message)
}

// ExitError reports a remote command that did not exit with status 0
type ExitError struct {
	Status  int
	Signal  string
	Message string
}

func (e *ExitError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("process killed by signal %s: %s", e.Signal, e.Message)
	}
	return fmt.Sprintf("process exited with status %d", e.Status)
}
