package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"testing"

	"evssh/pkg/conf"
	"evssh/pkg/slog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func newTestKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return key
}

func TestAcceptNewRecordsAndDetectsMismatch(t *testing.T) {
	file := filepath.Join(t.TempDir(), "ssh", "known_hosts")
	v, err := NewHostKeyVerifier(conf.ParanoidAcceptNew, nil, []string{file}, slog.NewLogger("test"))
	require.NoError(t, err)

	remote := &net.TCPAddr{IP: net.IPv4(192, 0, 2, 10), Port: 22}
	info := HostKeyInfo{Host: "server.example", Port: 22, Remote: remote, Key: newTestKey(t)}

	require.NoError(t, v.Verify(info), "unknown hosts are accepted")
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "server.example ssh-ed25519 ")

	require.NoError(t, v.Verify(info), "a recorded key is accepted")

	changed := info
	changed.Key = newTestKey(t)
	err = v.Verify(changed)
	require.ErrorIs(t, err, ErrHostKeyMismatch)
	assert.Contains(t, err.Error(), file)
}

func TestAcceptNewNonStandardPort(t *testing.T) {
	file := filepath.Join(t.TempDir(), "known_hosts")
	v, err := NewHostKeyVerifier(conf.ParanoidAcceptNew, nil, []string{file}, slog.NewLogger("test"))
	require.NoError(t, err)

	info := HostKeyInfo{Host: "server.example", Port: 2222, Key: newTestKey(t)}
	require.NoError(t, v.Verify(info))
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[server.example]:2222 ")
}

func TestLocalTunnelSkipsLoopback(t *testing.T) {
	file := filepath.Join(t.TempDir(), "known_hosts")
	v, err := NewHostKeyVerifier(conf.ParanoidAcceptNewOrLocalTunnel, nil, []string{file}, slog.NewLogger("test"))
	require.NoError(t, err)

	loopback := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2200}
	require.NoError(t, v.Verify(HostKeyInfo{Host: "127.0.0.1", Port: 2200, Remote: loopback, Key: newTestKey(t)}))
	_, err = os.Stat(file)
	assert.True(t, os.IsNotExist(err), "local tunnels are not recorded")

	// Port 22 on loopback is a real server and gets checked
	loopback22 := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 22}
	require.NoError(t, v.Verify(HostKeyInfo{Host: "127.0.0.1", Port: 22, Remote: loopback22, Key: newTestKey(t)}))
	_, err = os.Stat(file)
	assert.NoError(t, err)
}

func TestHostKeyVerifierSelection(t *testing.T) {
	_, err := NewHostKeyVerifier("sometimes", nil, nil, slog.NewLogger("test"))
	require.ErrorIs(t, err, ErrInvalidConfig)

	v, err := NewHostKeyVerifier(conf.ParanoidNever, nil, nil, slog.NewLogger("test"))
	require.NoError(t, err)
	assert.NoError(t, v.Verify(HostKeyInfo{Host: "x", Port: 22, Key: newTestKey(t)}))

	called := false
	custom := HostKeyVerifierFunc(func(HostKeyInfo) error {
		called = true
		return ErrHostKeyRejected
	})
	v, err = NewHostKeyVerifier("ignored", custom, nil, slog.NewLogger("test"))
	require.NoError(t, err)
	assert.ErrorIs(t, v.Verify(HostKeyInfo{Key: newTestKey(t)}), ErrHostKeyRejected)
	assert.True(t, called)
}
