package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionFailed means the socket never became usable or closed
	// before version negotiation completed
	ErrConnectionFailed = errors.New("connection failed")

	// ErrConnectionTimeout means no connection was made within the timeout
	ErrConnectionTimeout = fmt.Errorf("%w: timed out", ErrConnectionFailed)

	// ErrNegotiationTimeout means version or algorithm negotiation did not
	// complete in time
	ErrNegotiationTimeout = fmt.Errorf("%w: negotiation timed out", ErrConnectionFailed)

	// ErrConnectionTerminated means the connection closed after negotiation
	// began but before authentication completed
	ErrConnectionTerminated = errors.New("connection terminated")

	// ErrConnectionClosed is returned by operations on a closed connection
	ErrConnectionClosed = errors.New("connection closed")

	// ErrProtocol reports an unexpected or malformed message
	ErrProtocol = errors.New("protocol error")

	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrHostKeyMismatch      = errors.New("host key mismatch")
	ErrHostKeyRejected      = errors.New("host key rejected")
	ErrInvalidConfig        = errors.New("invalid configuration")
)

// HostError ties an error to the host it happened on
type HostError struct {
	Host string
	Err  error
}

func (e *HostError) Error() string {
	return fmt.Sprintf("%s: %v", e.Host, e.Err)
}

func (e *HostError) Unwrap() error {
	return e.Err
}

// Disconnect reason codes
// https://datatracker.ietf.org/doc/html/rfc4253#section-11.1
const (
	DisconnectHostNotAllowedToConnect     uint32 = 1
	DisconnectProtocolError               uint32 = 2
	DisconnectKeyExchangeFailed           uint32 = 3
	DisconnectReserved                    uint32 = 4
	DisconnectMACError                    uint32 = 5
	DisconnectCompressionError            uint32 = 6
	DisconnectServiceNotAvailable         uint32 = 7
	DisconnectProtocolVersionNotSupported uint32 = 8
	DisconnectHostKeyNotVerifiable        uint32 = 9
	DisconnectConnectionLost              uint32 = 10
	DisconnectByApplication               uint32 = 11
	DisconnectTooManyConnections          uint32 = 12
	DisconnectAuthCancelledByUser         uint32 = 13
	DisconnectNoMoreAuthMethodsAvailable  uint32 = 14
	DisconnectIllegalUserName             uint32 = 15
)

// DisconnectError is the failure produced by a DISCONNECT message from the
// peer. It keeps the reason code the peer sent.
type DisconnectError struct {
	Reason      uint32
	Description string
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("disconnected by peer (reason %d): %s", e.Reason, e.Description)
}

func disconnectFromPacket(p *Packet) *DisconnectError {
	var msg DisconnectMsg
	if err := p.Decode(&msg); err != nil {
		// Still a disconnect; the reason code is unknown
		return &DisconnectError{Description: "malformed disconnect message"}
	}
	return &DisconnectError{Reason: msg.Reason, Description: msg.Message}
}

func protocolErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}
