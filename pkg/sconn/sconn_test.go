package sconn

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"
)

func TestStreamToNetConn(t *testing.T) {
	mockStream := &mockStream{
		reader: bytes.NewReader([]byte("channel data")),
		writer: &bytes.Buffer{},
	}

	remote := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 8080}
	netConn := StreamToNetConn(mockStream, nil, remote)
	if netConn == nil {
		t.Fatal("StreamToNetConn returned nil")
	}
	if netConn.RemoteAddr().String() != "10.0.0.1:8080" {
		t.Errorf("Unexpected remote address %s", netConn.RemoteAddr())
	}
	if netConn.LocalAddr() == nil {
		t.Error("Expected a placeholder local address")
	}

	buf := make([]byte, 12)
	n, err := netConn.Read(buf)
	if err != nil {
		t.Fatalf("Unexpected error on Read: %v", err)
	}
	if n != 12 || string(buf) != "channel data" {
		t.Errorf("Expected to read 'channel data', got '%s'", buf[:n])
	}

	testData := []byte("channel response")
	n, err = netConn.Write(testData)
	if err != nil {
		t.Fatalf("Unexpected error on Write: %v", err)
	}
	if n != len(testData) {
		t.Errorf("Expected to write %d bytes, wrote %d", len(testData), n)
	}
	writtenData := mockStream.writer.(*bytes.Buffer).Bytes()
	if !bytes.Equal(writtenData, testData) {
		t.Errorf("Expected written data '%s', got '%s'", testData, writtenData)
	}

	if err = netConn.Close(); err != nil {
		t.Fatalf("Unexpected error on Close: %v", err)
	}
	if !mockStream.closed {
		t.Error("Expected stream to be closed")
	}
}

func TestStreamToNetConnAddresses(t *testing.T) {
	cases := []struct {
		name   string
		addr   net.Addr
		expect string
	}{
		{"nil", nil, "0.0.0.0:0"},
		{"typed nil", (*net.TCPAddr)(nil), "0.0.0.0:0"},
		{"host name target", &net.TCPAddr{IP: net.ParseIP("internal.example"), Port: 8080}, "0.0.0.0:8080"},
		{"ip", &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 22}, "10.0.0.1:22"},
		{"unix", &net.UnixAddr{Name: "/tmp/sock", Net: "unix"}, "/tmp/sock"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := StreamToNetConn(&mockStream{}, tc.addr, tc.addr)
			for _, a := range []net.Addr{c.LocalAddr(), c.RemoteAddr()} {
				if a.String() != tc.expect {
					t.Errorf("Expected address %s, got %s", tc.expect, a)
				}
				// Encoders such as SOCKS5 replies need a 4 or 16 byte IP
				if tcp, ok := a.(*net.TCPAddr); ok && tcp.IP.To4() == nil && tcp.IP.To16() == nil {
					t.Errorf("Address %s has no encodable IP", a)
				}
			}
		})
	}
}

func TestWsConnReadSplitsMessages(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = c.Close() }()
		_ = c.WriteMessage(websocket.BinaryMessage, []byte("SSH-2.0-test\r\n"))
		// Echo one message back
		if _, msg, err := c.ReadMessage(); err == nil {
			_ = c.WriteMessage(websocket.BinaryMessage, msg)
		}
	}))
	defer srv.Close()

	conn, err := DialWebSocket(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("DialWebSocket failed: %v", err)
	}
	defer func() { _ = conn.Close() }()

	// A small buffer forces the message to be read in several calls
	var got []byte
	buf := make([]byte, 4)
	for len(got) < len("SSH-2.0-test\r\n") {
		n, rErr := conn.Read(buf)
		if rErr != nil {
			t.Fatalf("Read failed: %v", rErr)
		}
		got = append(got, buf[:n]...)
	}
	if string(got) != "SSH-2.0-test\r\n" {
		t.Errorf("Expected banner, got %q", got)
	}

	if _, err = conn.Write([]byte("ping")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	echo := make([]byte, 16)
	n, err := io.ReadAtLeast(conn, echo, 4)
	if err != nil {
		t.Fatalf("Read echo failed: %v", err)
	}
	if string(echo[:n]) != "ping" {
		t.Errorf("Expected echo 'ping', got %q", echo[:n])
	}
}

func TestDialWebSocketBadURL(t *testing.T) {
	if _, err := DialWebSocket(context.Background(), "ftp://example.com", nil); err == nil {
		t.Fatal("Expected an error for an unsupported scheme")
	}
}

type mockStream struct {
	reader io.Reader
	writer io.Writer
	closed bool
}

func (m *mockStream) Read(data []byte) (int, error) {
	return m.reader.Read(data)
}

func (m *mockStream) Write(data []byte) (int, error) {
	return m.writer.Write(data)
}

func (m *mockStream) Close() error {
	m.closed = true
	return nil
}

func (m *mockStream) CloseWrite() error {
	return nil
}
