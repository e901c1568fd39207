package transport

import (
	"bytes"
	"crypto"
	"testing"

	"evssh/pkg/slog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiatePrefersClientOrder(t *testing.T) {
	client := &kexInitMsg{
		KexAlgos:                []string{kexCurve25519, kexECDHP256},
		ServerHostKeyAlgos:      []string{"ssh-ed25519", "rsa-sha2-512"},
		CiphersClientServer:     []string{cipherChaCha20, cipherAES128},
		CiphersServerClient:     []string{cipherAES128},
		MACsClientServer:        []string{macHMACSHA256},
		MACsServerClient:        []string{macHMACSHA512, macHMACSHA256},
		CompressionClientServer: []string{compressionNone},
		CompressionServerClient: []string{compressionNone},
	}
	server := &kexInitMsg{
		KexAlgos:                []string{kexECDHP256, kexCurve25519},
		ServerHostKeyAlgos:      []string{"rsa-sha2-512", "ssh-ed25519"},
		CiphersClientServer:     []string{cipherAES128, cipherChaCha20},
		CiphersServerClient:     []string{cipherAES256, cipherAES128},
		MACsClientServer:        []string{"hmac-sha1", macHMACSHA256},
		MACsServerClient:        []string{macHMACSHA256},
		CompressionClientServer: []string{compressionNone, "zlib"},
		CompressionServerClient: []string{compressionNone},
	}

	r, err := negotiate(client, server)
	require.NoError(t, err)
	assert.Equal(t, kexCurve25519, r.Kex)
	assert.Equal(t, "ssh-ed25519", r.HostKey)
	assert.Equal(t, cipherChaCha20, r.Write.Cipher)
	assert.Equal(t, "none", r.Write.MAC, "AEAD ciphers carry no separate MAC")
	assert.Equal(t, cipherAES128, r.Read.Cipher)
	assert.Equal(t, macHMACSHA256, r.Read.MAC)
}

func TestNegotiateNoCommonAlgorithm(t *testing.T) {
	client := &kexInitMsg{KexAlgos: []string{kexCurve25519}}
	server := &kexInitMsg{KexAlgos: []string{"diffie-hellman-group1-sha1"}}
	_, err := negotiate(client, server)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no common key exchange algorithm")
}

func TestDeriveKey(t *testing.T) {
	K := []byte{0, 0, 0, 1, 5}
	H := bytes.Repeat([]byte{1}, 32)
	sessionID := bytes.Repeat([]byte{2}, 32)

	a := deriveKey(crypto.SHA256, K, H, sessionID, 'C', 64)
	b := deriveKey(crypto.SHA256, K, H, sessionID, 'C', 64)
	c := deriveKey(crypto.SHA256, K, H, sessionID, 'D', 64)
	require.Len(t, a, 64)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	// The first digest is a prefix of longer output
	assert.Equal(t, a[:16], deriveKey(crypto.SHA256, K, H, sessionID, 'C', 16))
}

func TestKexAlgorithmsAgree(t *testing.T) {
	for _, name := range []string{kexCurve25519, kexECDHP256} {
		t.Run(name, func(t *testing.T) {
			client, err := newKexAlgorithm(name)
			require.NoError(t, err)
			server, err := newKexAlgorithm(name)
			require.NoError(t, err)

			cPub, err := client.clientPublic()
			require.NoError(t, err)
			sPub, err := server.clientPublic()
			require.NoError(t, err)

			s1, err := client.sharedSecret(sPub)
			require.NoError(t, err)
			s2, err := server.sharedSecret(cPub)
			require.NoError(t, err)
			assert.Equal(t, s1, s2)
		})
	}
	_, err := newKexAlgorithm("diffie-hellman-group14-sha1")
	assert.Error(t, err)
}

func TestAlgorithmsAllow(t *testing.T) {
	a := newAlgorithms(DefaultAlgorithms(), NewPacketStream(func([]byte) {}), "SSH-2.0-a", "SSH-2.0-b", slog.NewLogger("test"))
	a.send = func([]byte) error { return nil }

	data := &Packet{Type: MsgChannelData}
	assert.True(t, a.Allow(data))
	assert.False(t, a.HoldsOutgoing(MsgChannelData))

	require.NoError(t, a.Rekey())
	assert.True(t, a.Pending())
	assert.False(t, a.Allow(data))
	assert.False(t, a.Allow(&Packet{Type: MsgUserAuthSuccess}))
	assert.True(t, a.Allow(&Packet{Type: MsgKexDHReply}))
	assert.True(t, a.Allow(&Packet{Type: MsgDisconnect}))
	assert.True(t, a.HoldsOutgoing(MsgChannelData))
	assert.False(t, a.HoldsOutgoing(MsgKexDHInit))

	// A second request while pending sends nothing
	sent := 0
	a.send = func([]byte) error { sent++; return nil }
	require.NoError(t, a.Rekey())
	assert.Zero(t, sent)
}

func TestAlgorithmPreferencesValidate(t *testing.T) {
	require.NoError(t, DefaultAlgorithms().Validate())

	p := DefaultAlgorithms()
	p.Ciphers = []string{"3des-cbc"}
	assert.Error(t, p.Validate())

	p = DefaultAlgorithms()
	p.MACs = nil
	assert.Error(t, p.Validate())
}
