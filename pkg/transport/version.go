package transport

import (
	"bytes"
	"regexp"

	"evssh/pkg/callbacks"
)

// maxVersionLength bounds the identification line, RFC 4253 section 4.2
const maxVersionLength = 255

var serverVersionPattern = regexp.MustCompile(`^SSH-(1\.99|2\.0)-`)

type versionState int

const (
	versionWaiting versionState = iota
	versionDone
)

// VersionNegotiator runs the identification exchange that precedes packet
// framing
type VersionNegotiator struct {
	local   string
	state   versionState
	acc     []byte
	version string
	header  int
	write   func([]byte)
	events  *callbacks.Registry
}

// NewVersionNegotiator prepares the exchange. write sends raw bytes to the
// peer; EventVersionNegotiated is fired on events once the exchange
// completes.
func NewVersionNegotiator(local string, write func([]byte), events *callbacks.Registry) *VersionNegotiator {
	return &VersionNegotiator{
		local:  local,
		write:  write,
		events: events,
	}
}

// Feed accumulates chunk. Once the identification line is complete it
// validates it, answers with the local version and returns the bytes
// received after the line, which belong to the packet stream.
func (v *VersionNegotiator) Feed(chunk []byte) (rest []byte, done bool, err error) {
	if v.state == versionDone {
		return chunk, true, nil
	}
	v.acc = append(v.acc, chunk...)

	idx := bytes.IndexByte(v.acc, '\n')
	if idx < 0 {
		if len(v.acc) > maxVersionLength {
			return nil, false, protocolErrorf("no version line within %d bytes", maxVersionLength)
		}
		return nil, false, nil
	}

	line := string(bytes.TrimRight(v.acc[:idx], "\r"))
	if !serverVersionPattern.MatchString(line) {
		return nil, false, protocolErrorf("incompatible SSH version `%s'", line)
	}

	v.version = line
	v.header = idx + 1
	rest = append([]byte(nil), v.acc[v.header:]...)
	v.acc = nil
	v.state = versionDone

	v.write([]byte(v.local + "\r\n"))
	v.events.Fire(EventVersionNegotiated, line)
	return rest, true, nil
}

// Done reports whether the exchange completed
func (v *VersionNegotiator) Done() bool {
	return v.state == versionDone
}

// Version returns the peer's identification line without its terminator
func (v *VersionNegotiator) Version() string {
	return v.version
}

// Local returns the identification line sent to the peer
func (v *VersionNegotiator) Local() string {
	return v.local
}

// HeaderLength is the number of bytes the identification line occupied
func (v *VersionNegotiator) HeaderLength() int {
	return v.header
}
