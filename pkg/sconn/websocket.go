package sconn

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"evssh/pkg/conf"

	"github.com/gorilla/websocket"
)

type wsConn struct {
	*websocket.Conn
	buff []byte
}

func (w *wsConn) Read(p []byte) (int, error) {
	var src []byte

	if len(w.buff) > 0 {
		src = w.buff
		w.buff = nil
	} else if _, pConn, err := w.Conn.ReadMessage(); err == nil {
		src = pConn
	} else {
		return 0, err
	}

	n := copy(p, src)
	if n < len(src) {
		// Keep what did not fit for the next Read
		w.buff = append([]byte(nil), src[n:]...)
	}
	return n, nil
}

func (w *wsConn) Write(p []byte) (int, error) {
	if err := w.Conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsConn) SetDeadline(t time.Time) error {
	if err := w.SetReadDeadline(t); err != nil {
		return err
	}
	return w.SetWriteDeadline(t)
}

// WsConnToNetConn converts a websocket.Conn into a net.Conn carrying the
// SSH byte stream in binary messages
func WsConnToNetConn(websocketConn *websocket.Conn) net.Conn {
	return &wsConn{Conn: websocketConn}
}

// DialWebSocket connects to an SSH server published behind a WebSocket
// endpoint. http(s) URLs are rewritten to ws(s).
func DialWebSocket(ctx context.Context, rawURL string, header http.Header) (net.Conn, error) {
	u, err := conf.ResolveURL(rawURL)
	if err != nil {
		return nil, err
	}
	wsc, resp, err := conf.DefaultWebSocketDialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake with %s failed: %s", u.Host, resp.Status)
		}
		return nil, err
	}
	return WsConnToNetConn(wsc), nil
}
