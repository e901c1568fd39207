package sconn

import (
	"io"
	"net"
	"time"
)

// Stream is a bidirectional byte stream that can be half closed, such as
// an SSH channel
type Stream interface {
	io.ReadWriteCloser
	CloseWrite() error
}

// StreamConn presents a Stream as a net.Conn. Deadlines are not supported
// and setting one is a no-op.
type StreamConn struct {
	Stream
	localAddr  net.Addr
	remoteAddr net.Addr
}

func (sc *StreamConn) LocalAddr() net.Addr {
	return sc.localAddr
}

func (sc *StreamConn) RemoteAddr() net.Addr {
	return sc.remoteAddr
}

func (sc *StreamConn) SetDeadline(t time.Time) error {
	return nil
}

func (sc *StreamConn) SetReadDeadline(t time.Time) error {
	return nil
}

func (sc *StreamConn) SetWriteDeadline(t time.Time) error {
	return nil
}

// StreamToNetConn wraps s. A nil address, or a TCP address without an IP
// such as a forwarded host name, is reported as the unspecified IPv4
// address so callers can always encode it.
func StreamToNetConn(s Stream, local, remote net.Addr) net.Conn {
	return &StreamConn{
		Stream:     s,
		localAddr:  routableAddr(local),
		remoteAddr: routableAddr(remote),
	}
}

func routableAddr(a net.Addr) net.Addr {
	switch addr := a.(type) {
	case nil:
		return &net.TCPAddr{IP: net.IPv4zero}
	case *net.TCPAddr:
		if addr == nil {
			return &net.TCPAddr{IP: net.IPv4zero}
		}
		if addr.IP == nil {
			return &net.TCPAddr{IP: net.IPv4zero, Port: addr.Port, Zone: addr.Zone}
		}
	}
	return a
}
