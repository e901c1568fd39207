package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"evssh/pkg/conf"
	"evssh/pkg/slog"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyInfo describes the key a server presented
type HostKeyInfo struct {
	// Host is the name used for known_hosts lookups, the alias when one is set
	Host   string
	Port   int
	Remote net.Addr
	Key    ssh.PublicKey
}

// Fingerprint is the SHA256 fingerprint of the key
func (i HostKeyInfo) Fingerprint() string {
	return ssh.FingerprintSHA256(i.Key)
}

func (i HostKeyInfo) address() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(i.Port))
}

// HostKeyVerifier decides whether a server key is trusted
type HostKeyVerifier interface {
	Verify(info HostKeyInfo) error
}

// HostKeyVerifierFunc adapts a function to HostKeyVerifier
type HostKeyVerifierFunc func(info HostKeyInfo) error

func (f HostKeyVerifierFunc) Verify(info HostKeyInfo) error {
	return f(info)
}

// NewHostKeyVerifier selects the verifier for a paranoid policy. A custom
// verifier takes precedence over the named policies.
func NewHostKeyVerifier(paranoid string, custom HostKeyVerifier, knownHosts []string, logger *slog.Logger) (HostKeyVerifier, error) {
	if custom != nil {
		return custom, nil
	}
	if len(knownHosts) == 0 {
		knownHosts = conf.KnownHostsFiles()
	}
	switch paranoid {
	case conf.ParanoidNever:
		return neverVerifier{}, nil
	case conf.ParanoidAcceptNew:
		return &acceptNewVerifier{files: knownHosts, logger: logger}, nil
	case conf.ParanoidAcceptNewOrLocalTunnel, "":
		return &localTunnelVerifier{acceptNewVerifier{files: knownHosts, logger: logger}}, nil
	}
	return nil, fmt.Errorf("%w: unknown paranoid value %q", ErrInvalidConfig, paranoid)
}

type neverVerifier struct{}

func (neverVerifier) Verify(HostKeyInfo) error {
	return nil
}

// acceptNewVerifier trusts unknown hosts by recording their key and fails
// when a known host presents a different one
type acceptNewVerifier struct {
	files  []string
	logger *slog.Logger
	mu     sync.Mutex
}

func (v *acceptNewVerifier) Verify(info HostKeyInfo) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	var existing []string
	for _, f := range v.files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) > 0 {
		callback, err := knownhosts.New(existing...)
		if err != nil {
			return fmt.Errorf("loading known hosts: %w", err)
		}
		remote := info.Remote
		if _, ok := remote.(*net.TCPAddr); !ok {
			remote = &net.TCPAddr{IP: net.ParseIP(info.Host), Port: info.Port}
		}
		err = callback(info.address(), remote, info.Key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return fmt.Errorf("%w: %v", ErrHostKeyRejected, err)
		}
		if len(keyErr.Want) > 0 {
			want := keyErr.Want[0]
			return fmt.Errorf("%w: %s presented %s %s, %s:%d expects %s",
				ErrHostKeyMismatch,
				info.address(),
				info.Key.Type(),
				info.Fingerprint(),
				want.Filename,
				want.Line,
				ssh.FingerprintSHA256(want.Key),
			)
		}
	}
	return v.add(info)
}

func (v *acceptNewVerifier) add(info HostKeyInfo) error {
	if len(v.files) == 0 {
		return nil
	}
	path := v.files[0]
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if _, err = f.WriteString(knownhosts.Line([]string{info.address()}, info.Key) + "\n"); err != nil {
		return err
	}
	v.logger.WarnWith("Permanently added host key",
		slog.F("host", knownhosts.Normalize(info.address())),
		slog.F("type", info.Key.Type()),
		slog.F("fingerprint", info.Fingerprint()),
		slog.F("file", path),
	)
	return nil
}

// localTunnelVerifier skips verification for forwarded ports on the
// loopback interface, where many tunnels share one address
type localTunnelVerifier struct {
	acceptNewVerifier
}

func (v *localTunnelVerifier) Verify(info HostKeyInfo) error {
	if tcp, ok := info.Remote.(*net.TCPAddr); ok && tcp.IP.IsLoopback() && info.Port != conf.DefaultPort {
		v.logger.DebugWith("Skipping host key check for local tunnel", slog.F("addr", info.address()))
		return nil
	}
	return v.acceptNewVerifier.Verify(info)
}
