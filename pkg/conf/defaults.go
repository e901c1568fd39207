package conf

import "time"

const (
	// DefaultPort is the SSH port used when none is given
	DefaultPort = 22

	// Timeout bounds the connect, version and algorithm negotiation phases
	Timeout = 20 * time.Second

	// ShellTimeout is the default inactivity timeout of wait operations
	ShellTimeout = 15 * time.Second

	// PumpInterval is how often a session gives its channels a chance to
	// flush pending output
	PumpInterval = 20 * time.Millisecond

	// Keepalive acts as the general KeepAlive default value
	Keepalive = 60 * time.Second

	// MinKeepAlive is the minimum keepalive allowed duration
	MinKeepAlive = 5 * time.Second

	// RekeyBytes is the traffic volume per direction after which a new key
	// exchange is requested
	RekeyBytes = 1 << 30

	// RekeyPackets is the packet count per direction after which a new key
	// exchange is requested
	RekeyPackets = 1 << 31

	// Channel windows

	ChannelWindowSize = 2 * 1024 * 1024
	ChannelMaxPacket  = 32 * 1024

	// SFTPBufferSize is the buffer size for SFTP file transfers (32KB)
	SFTPBufferSize = 32 * 1024

	// Terminal size

	DefaultTerminalWidth  = 80
	DefaultTerminalHeight = 24
	DefaultTerminal       = "xterm"

	// Line terminators appended by send operations

	ShellLineTerminator       = "\r\n"
	InteractiveLineTerminator = "\n"
)

// AuthMethods is the default authentication method order
var AuthMethods = []string{AuthMethodPublicKey, AuthMethodPassword}
