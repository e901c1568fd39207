package transport

import (
	"context"
	"net"

	"evssh/pkg/conf"
	"evssh/pkg/sconn"
	"evssh/pkg/slog"
)

// dialTransport opens the byte stream the connection runs over, a TCP
// socket or a WebSocket when Host is a URL
func (c *Connection) dialTransport(ctx context.Context) (net.Conn, error) {
	if conf.IsWebSocketURL(c.config.Host) {
		c.logger.DebugWith("Dialing WebSocket endpoint", slog.F("url", c.config.Host))
		return sconn.DialWebSocket(ctx, c.config.Host, c.config.WebSocketHeader)
	}
	d := net.Dialer{KeepAlive: conf.Keepalive}
	return d.DialContext(ctx, "tcp", c.config.Address())
}
