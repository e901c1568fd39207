package transport

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strconv"
	"time"

	"evssh/pkg/conf"
	"evssh/pkg/reactor"
	"evssh/pkg/slog"

	"golang.org/x/crypto/ssh"
)

// Config holds the construction time options of a connection
type Config struct {
	// Host is a host name, an IP address or a ws:// / wss:// URL
	Host     string
	Port     int
	User     string
	Password string
	Signers  []ssh.Signer
	// AuthMethods is the order methods are tried in after the none probe
	AuthMethods []string

	// Timeout bounds connecting and, unless NegoTimeout is set, the version
	// and algorithm negotiation phases
	Timeout     time.Duration
	NegoTimeout time.Duration

	// Paranoid selects the host key policy, see conf.Paranoid*
	Paranoid        string
	HostKeyVerifier HostKeyVerifier
	KnownHosts      []string
	// HostKeyAlias replaces Host in known_hosts lookups
	HostKeyAlias string

	// Properties is handed to the session untouched
	Properties map[string]interface{}

	Algorithms    AlgorithmPreferences
	ClientVersion string
	RekeyBytes    uint64
	RekeyPackets  uint64

	WebSocketHeader http.Header

	// Loop is shared when set, otherwise the connection runs its own
	Loop   *reactor.Loop
	Logger *slog.Logger
}

var knownAuthMethods = []string{
	conf.AuthMethodPublicKey,
	conf.AuthMethodPassword,
	conf.AuthMethodKeyboardInteractive,
}

var paranoidValues = []string{
	"",
	conf.ParanoidAcceptNewOrLocalTunnel,
	conf.ParanoidNever,
	conf.ParanoidAcceptNew,
}

// Validate reports every problem with the configuration at once
func (c *Config) Validate() error {
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.User == "" {
		errs = append(errs, errors.New("user is required"))
	}
	if c.Timeout < 0 || c.NegoTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if c.HostKeyVerifier == nil && !slices.Contains(paranoidValues, c.Paranoid) {
		errs = append(errs, fmt.Errorf("unknown paranoid value %q", c.Paranoid))
	}
	for _, m := range c.AuthMethods {
		if !slices.Contains(knownAuthMethods, m) {
			errs = append(errs, fmt.Errorf("unknown auth method %q", m))
		}
	}
	if len(c.Algorithms.Kex) > 0 {
		if err := c.Algorithms.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// withDefaults returns a copy with every unset option filled in
func (c *Config) withDefaults() *Config {
	out := *c
	if out.Port == 0 {
		out.Port = conf.DefaultPort
	}
	if out.Timeout == 0 {
		out.Timeout = conf.Timeout
	}
	if out.NegoTimeout == 0 {
		out.NegoTimeout = out.Timeout
	}
	if out.Paranoid == "" {
		out.Paranoid = conf.ParanoidAcceptNewOrLocalTunnel
	}
	if len(out.AuthMethods) == 0 {
		out.AuthMethods = append([]string(nil), conf.AuthMethods...)
	}
	if len(out.Algorithms.Kex) == 0 {
		out.Algorithms = DefaultAlgorithms()
	}
	if out.ClientVersion == "" {
		out.ClientVersion = conf.ClientVersion()
	}
	if out.RekeyBytes == 0 {
		out.RekeyBytes = conf.RekeyBytes
	}
	if out.RekeyPackets == 0 {
		out.RekeyPackets = conf.RekeyPackets
	}
	if out.Properties == nil {
		out.Properties = make(map[string]interface{})
	}
	if out.Logger == nil {
		out.Logger = slog.NewLogger("transport")
	}
	return &out
}

// Address is the host:port pair dialled for TCP transports, or the URL for
// WebSocket ones
func (c *Config) Address() string {
	if conf.IsWebSocketURL(c.Host) {
		return c.Host
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// knownHostsName is the host and port keys are recorded under
func (c *Config) knownHostsName() (string, int) {
	host, port := c.Host, c.Port
	if conf.IsWebSocketURL(host) {
		if u, err := conf.ResolveURL(host); err == nil {
			host = u.Hostname()
			if p, pErr := strconv.Atoi(u.Port()); pErr == nil {
				port = p
			}
		}
	}
	if c.HostKeyAlias != "" {
		host = c.HostKeyAlias
	}
	return host, port
}
