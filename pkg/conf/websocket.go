package conf

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

var DefaultWebSocketDialer = &websocket.Dialer{
	NetDial:          nil,
	HandshakeTimeout: Timeout,
	Subprotocols:     nil,
	// Use Default Buffer Size
	ReadBufferSize:  0,
	WriteBufferSize: 0,
	TLSClientConfig: &tls.Config{},
}

// IsWebSocketURL reports whether address names a WebSocket endpoint rather
// than a host
func IsWebSocketURL(address string) bool {
	for _, p := range []string{"ws://", "wss://", "http://", "https://"} {
		if strings.HasPrefix(address, p) {
			return true
		}
	}
	return false
}

// FormatToWS rewrites an http(s) URL into its ws(s) counterpart
func FormatToWS(u *url.URL) (*url.URL, error) {
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return u, fmt.Errorf("unknown client url scheme \"%s\"", u.Scheme)
	}
	return u, nil
}

// ResolveURL parses rawURL, assuming ws when no scheme is present
func ResolveURL(rawURL string) (*url.URL, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("empty URL")
	}
	if !strings.Contains(rawURL, "://") {
		rawURL = fmt.Sprintf("ws://%s", rawURL)
	}
	u, pErr := url.Parse(rawURL)
	if pErr != nil {
		return nil, fmt.Errorf("failed to parse URL: %v", pErr)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("host must be specified")
	}
	return FormatToWS(u)
}
