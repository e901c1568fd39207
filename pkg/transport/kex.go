package transport

import (
	"crypto"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash"
	"math/big"

	"evssh/pkg/metrics"
	"evssh/pkg/slog"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/ssh"
)

const (
	kexCurve25519       = "curve25519-sha256"
	kexCurve25519LibSSH = "curve25519-sha256@libssh.org"
	kexECDHP256         = "ecdh-sha2-nistp256"
)

// AlgorithmPreferences lists the algorithms offered, most preferred first
type AlgorithmPreferences struct {
	Kex         []string
	HostKey     []string
	Ciphers     []string
	MACs        []string
	Compression []string
}

// DefaultAlgorithms is what the client offers unless configured otherwise
func DefaultAlgorithms() AlgorithmPreferences {
	return AlgorithmPreferences{
		Kex:         []string{kexCurve25519, kexCurve25519LibSSH, kexECDHP256},
		HostKey:     []string{ssh.KeyAlgoED25519, ssh.KeyAlgoECDSA256, ssh.KeyAlgoRSASHA512, ssh.KeyAlgoRSASHA256},
		Ciphers:     []string{cipherAES128, cipherAES256, cipherChaCha20},
		MACs:        []string{macHMACSHA256, macHMACSHA512},
		Compression: []string{compressionNone},
	}
}

// Validate checks every preference is something this package implements
func (p AlgorithmPreferences) Validate() error {
	supported := func(what string, names []string, ok func(string) bool) error {
		if len(names) == 0 {
			return fmt.Errorf("no %s algorithms configured", what)
		}
		for _, n := range names {
			if !ok(n) {
				return fmt.Errorf("unsupported %s algorithm %q", what, n)
			}
		}
		return nil
	}
	checks := []error{
		supported("kex", p.Kex, func(n string) bool { _, err := newKexAlgorithm(n); return err == nil }),
		supported("host key", p.HostKey, func(n string) bool { return n != "" }),
		supported("cipher", p.Ciphers, func(n string) bool { _, ok := cipherModes[n]; return ok }),
		supported("MAC", p.MACs, func(n string) bool { _, ok := macModes[n]; return ok }),
		supported("compression", p.Compression, func(n string) bool { return n == compressionNone }),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	return nil
}

// kexAlgorithm is one elliptic curve Diffie-Hellman method
type kexAlgorithm interface {
	// clientPublic generates the ephemeral key pair and returns Q_C
	clientPublic() ([]byte, error)
	// sharedSecret combines the private key with Q_S
	sharedSecret(serverPublic []byte) ([]byte, error)
	hash() crypto.Hash
}

func newKexAlgorithm(name string) (kexAlgorithm, error) {
	switch name {
	case kexCurve25519, kexCurve25519LibSSH:
		return &curve25519Kex{}, nil
	case kexECDHP256:
		return &ecdhKex{curve: ecdh.P256()}, nil
	}
	return nil, fmt.Errorf("unsupported key exchange %q", name)
}

type curve25519Kex struct {
	priv [32]byte
}

func (k *curve25519Kex) clientPublic() ([]byte, error) {
	if _, err := rand.Read(k.priv[:]); err != nil {
		return nil, err
	}
	return curve25519.X25519(k.priv[:], curve25519.Basepoint)
}

func (k *curve25519Kex) sharedSecret(serverPublic []byte) ([]byte, error) {
	if len(serverPublic) != 32 {
		return nil, fmt.Errorf("server public key has length %d", len(serverPublic))
	}
	return curve25519.X25519(k.priv[:], serverPublic)
}

func (k *curve25519Kex) hash() crypto.Hash {
	return crypto.SHA256
}

type ecdhKex struct {
	curve ecdh.Curve
	priv  *ecdh.PrivateKey
}

func (k *ecdhKex) clientPublic() ([]byte, error) {
	priv, err := k.curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	k.priv = priv
	return priv.PublicKey().Bytes(), nil
}

func (k *ecdhKex) sharedSecret(serverPublic []byte) ([]byte, error) {
	peer, err := k.curve.NewPublicKey(serverPublic)
	if err != nil {
		return nil, err
	}
	return k.priv.ECDH(peer)
}

func (k *ecdhKex) hash() crypto.Hash {
	return crypto.SHA256
}

// negotiated is the outcome of comparing both KEXINIT messages
type negotiated struct {
	Kex     string
	HostKey string
	Write   DirectionAlgorithms
	Read    DirectionAlgorithms
}

func findCommon(what string, client, server []string) (string, error) {
	for _, c := range client {
		for _, s := range server {
			if c == s {
				return c, nil
			}
		}
	}
	return "", fmt.Errorf("no common %s algorithm; client offered %v, server offered %v", what, client, server)
}

func negotiate(client, server *kexInitMsg) (*negotiated, error) {
	var (
		r   negotiated
		err error
	)
	pick := func(dst *string, what string, c, s []string) {
		if err == nil {
			*dst, err = findCommon(what, c, s)
		}
	}
	pick(&r.Kex, "key exchange", client.KexAlgos, server.KexAlgos)
	pick(&r.HostKey, "host key", client.ServerHostKeyAlgos, server.ServerHostKeyAlgos)
	pick(&r.Write.Cipher, "client to server cipher", client.CiphersClientServer, server.CiphersClientServer)
	pick(&r.Read.Cipher, "server to client cipher", client.CiphersServerClient, server.CiphersServerClient)
	if cipherModes[r.Write.Cipher].aead {
		r.Write.MAC = "none"
	} else {
		pick(&r.Write.MAC, "client to server MAC", client.MACsClientServer, server.MACsClientServer)
	}
	if cipherModes[r.Read.Cipher].aead {
		r.Read.MAC = "none"
	} else {
		pick(&r.Read.MAC, "server to client MAC", client.MACsServerClient, server.MACsServerClient)
	}
	pick(&r.Write.Compression, "client to server compression", client.CompressionClientServer, server.CompressionClientServer)
	pick(&r.Read.Compression, "server to client compression", client.CompressionServerClient, server.CompressionServerClient)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

type kexPhase int

const (
	kexIdle kexPhase = iota
	kexAwaitReply
	kexAwaitNewKeys
)

// Algorithms drives key exchanges for a connection. It runs on the
// connection's reactor and talks to the peer through the packet stream.
type Algorithms struct {
	prefs  AlgorithmPreferences
	stream *PacketStream
	logger *slog.Logger

	clientVersion string
	serverVersion string

	// send writes a kex message even while other traffic is held
	send func(payload []byte) error
	// verify applies the host key policy
	verify func(key ssh.PublicKey) error
	// writeKeysChanged is called once our NEWKEYS went out
	writeKeysChanged func()

	phase       kexPhase
	pending     bool
	initialized bool
	sentInit    bool
	ignoreGuess bool
	exchanges   int

	clientInit []byte
	serverInit []byte
	result     *negotiated
	kex        kexAlgorithm
	clientPub  []byte
	sessionID  []byte

	stagedRead     packetCipher
	stagedReadAlgs DirectionAlgorithms
	lastHostKey    ssh.PublicKey
}

func newAlgorithms(prefs AlgorithmPreferences, stream *PacketStream, clientVersion, serverVersion string, logger *slog.Logger) *Algorithms {
	return &Algorithms{
		prefs:         prefs,
		stream:        stream,
		clientVersion: clientVersion,
		serverVersion: serverVersion,
		logger:        logger,
	}
}

// Pending reports whether a key exchange is in progress
func (a *Algorithms) Pending() bool {
	return a.pending
}

// Initialized reports whether keys are in place and no exchange is running
func (a *Algorithms) Initialized() bool {
	return a.initialized && !a.pending
}

// Allow reports whether p may be handed to consumers in the current phase.
// While an exchange is pending only transport and kex messages pass.
func (a *Algorithms) Allow(p *Packet) bool {
	if !a.pending {
		return true
	}
	return (p.Type >= MsgDisconnect && p.Type <= MsgDebug) || p.Type.IsKex()
}

// HoldsOutgoing reports whether a non kex message must wait for our NEWKEYS
func (a *Algorithms) HoldsOutgoing(t MsgType) bool {
	if !a.sentInit {
		return false
	}
	return !((t >= MsgDisconnect && t <= MsgDebug) || t.IsKex())
}

// SessionID is the exchange hash of the first key exchange
func (a *Algorithms) SessionID() []byte {
	return a.sessionID
}

// HostKey returns the key the server proved possession of
func (a *Algorithms) HostKey() ssh.PublicKey {
	return a.lastHostKey
}

// Negotiated returns the names agreed in the last exchange
func (a *Algorithms) Negotiated() (kex, hostKey string, read, write DirectionAlgorithms) {
	if a.result == nil {
		return "", "", DirectionAlgorithms{}, DirectionAlgorithms{}
	}
	return a.result.Kex, a.result.HostKey, a.result.Read, a.result.Write
}

// Rekey starts a new exchange unless one is already pending
func (a *Algorithms) Rekey() error {
	if a.pending {
		return nil
	}
	return a.sendKexInit()
}

func (a *Algorithms) sendKexInit() error {
	msg := &kexInitMsg{
		KexAlgos:                a.prefs.Kex,
		ServerHostKeyAlgos:      a.prefs.HostKey,
		CiphersClientServer:     a.prefs.Ciphers,
		CiphersServerClient:     a.prefs.Ciphers,
		MACsClientServer:        a.prefs.MACs,
		MACsServerClient:        a.prefs.MACs,
		CompressionClientServer: a.prefs.Compression,
		CompressionServerClient: a.prefs.Compression,
	}
	if _, err := rand.Read(msg.Cookie[:]); err != nil {
		return err
	}
	payload := Marshal(msg)
	if err := a.send(payload); err != nil {
		return err
	}
	a.clientInit = payload
	a.sentInit = true
	a.pending = true
	a.logger.DebugWith("Sent KEXINIT", slog.F("exchange", a.exchanges+1))
	return nil
}

// AcceptKexInit processes the server's KEXINIT, answering with ours when
// the server started the exchange, and sends the ephemeral public key
func (a *Algorithms) AcceptKexInit(p *Packet) error {
	if a.phase != kexIdle {
		return protocolErrorf("KEXINIT received during key exchange")
	}
	var server kexInitMsg
	if err := p.Decode(&server); err != nil {
		return err
	}
	if !a.sentInit {
		if err := a.sendKexInit(); err != nil {
			return err
		}
	}
	a.serverInit = p.Payload
	a.pending = true

	var client kexInitMsg
	if err := ssh.Unmarshal(a.clientInit, &client); err != nil {
		return err
	}
	result, err := negotiate(&client, &server)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	a.result = result
	// A wrong guess means the first kex packet the server sent is discarded
	a.ignoreGuess = server.FirstKexFollows &&
		(len(server.KexAlgos) == 0 || server.KexAlgos[0] != result.Kex ||
			len(server.ServerHostKeyAlgos) == 0 || server.ServerHostKeyAlgos[0] != result.HostKey)

	a.logger.DebugWith("Negotiated algorithms",
		slog.F("kex", result.Kex),
		slog.F("host_key", result.HostKey),
		slog.F("cipher_out", result.Write.Cipher),
		slog.F("cipher_in", result.Read.Cipher),
		slog.F("mac_out", result.Write.MAC),
		slog.F("mac_in", result.Read.MAC),
	)

	if a.kex, err = newKexAlgorithm(result.Kex); err != nil {
		return err
	}
	if a.clientPub, err = a.kex.clientPublic(); err != nil {
		return err
	}
	if err = a.send(Marshal(&kexECDHInitMsg{ClientPubKey: a.clientPub})); err != nil {
		return err
	}
	a.phase = kexAwaitReply
	return nil
}

// HandlePacket consumes the kex messages that follow KEXINIT. It reports
// true once the server's NEWKEYS completed the exchange.
func (a *Algorithms) HandlePacket(p *Packet) (bool, error) {
	switch {
	case p.Type == MsgKexDHReply && a.phase == kexAwaitReply:
		return false, a.handleReply(p)
	case p.Type == MsgNewKeys && a.phase == kexAwaitNewKeys:
		return true, a.handleNewKeys()
	case a.ignoreGuess && p.Type.IsKex() && p.Type != MsgKexInit && p.Type != MsgNewKeys:
		a.ignoreGuess = false
		a.logger.Debugf("Ignoring guessed kex packet %s", p.Type)
		return false, nil
	}
	return false, protocolErrorf("unexpected %s during key exchange", p.Type)
}

func (a *Algorithms) handleReply(p *Packet) error {
	var reply kexECDHReplyMsg
	if err := p.Decode(&reply); err != nil {
		return err
	}
	secret, err := a.kex.sharedSecret(reply.EphemeralPubKey)
	if err != nil {
		a.fail()
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	K := Marshal(&struct{ K *big.Int }{new(big.Int).SetBytes(secret)})
	h := a.kex.hash().New()
	writeString(h, []byte(a.clientVersion))
	writeString(h, []byte(a.serverVersion))
	writeString(h, a.clientInit)
	writeString(h, a.serverInit)
	writeString(h, reply.HostKey)
	writeString(h, a.clientPub)
	writeString(h, reply.EphemeralPubKey)
	h.Write(K)
	H := h.Sum(nil)

	hostKey, err := ssh.ParsePublicKey(reply.HostKey)
	if err != nil {
		a.fail()
		return fmt.Errorf("%w: host key: %v", ErrProtocol, err)
	}
	var sig ssh.Signature
	if err := ssh.Unmarshal(reply.Signature, &sig); err != nil {
		a.fail()
		return fmt.Errorf("%w: signature: %v", ErrProtocol, err)
	}
	if sig.Format != a.result.HostKey {
		a.fail()
		return protocolErrorf("signature format %q does not match host key algorithm %q", sig.Format, a.result.HostKey)
	}
	if err := hostKey.Verify(H, &sig); err != nil {
		a.fail()
		return fmt.Errorf("%w: exchange hash signature: %v", ErrHostKeyRejected, err)
	}
	if a.verify != nil {
		if err := a.verify(hostKey); err != nil {
			a.fail()
			return err
		}
	}
	a.lastHostKey = hostKey
	if a.sessionID == nil {
		a.sessionID = H
	}

	hashFunc := a.kex.hash()
	write, err := a.directionCipher(a.result.Write, hashFunc, K, H, 'A', 'C', 'E')
	if err != nil {
		return err
	}
	read, err := a.directionCipher(a.result.Read, hashFunc, K, H, 'B', 'D', 'F')
	if err != nil {
		return err
	}

	if err := a.send([]byte{byte(MsgNewKeys)}); err != nil {
		return err
	}
	a.stream.SetWriteCipher(write, a.result.Write)
	a.sentInit = false
	if a.writeKeysChanged != nil {
		a.writeKeysChanged()
	}

	a.stagedRead = read
	a.stagedReadAlgs = a.result.Read
	a.phase = kexAwaitNewKeys
	return nil
}

func (a *Algorithms) handleNewKeys() error {
	if a.stagedRead == nil {
		return protocolErrorf("NEWKEYS without pending keys")
	}
	a.stream.SetReadCipher(a.stagedRead, a.stagedReadAlgs)
	a.stagedRead = nil
	a.phase = kexIdle
	a.pending = false
	a.initialized = true
	a.exchanges++
	metrics.KeyExchangesTotal.WithLabelValues(a.result.Kex, "success").Inc()
	a.logger.DebugWith("Key exchange complete", slog.F("exchange", a.exchanges))
	return nil
}

func (a *Algorithms) fail() {
	if a.result != nil {
		metrics.KeyExchangesTotal.WithLabelValues(a.result.Kex, "failure").Inc()
	}
}

func (a *Algorithms) directionCipher(d DirectionAlgorithms, h crypto.Hash, K, H []byte, ivTag, keyTag, macTag byte) (packetCipher, error) {
	keySize, ivSize, macKeySize := d.keyMaterial()
	iv := deriveKey(h, K, H, a.sessionID, ivTag, ivSize)
	key := deriveKey(h, K, H, a.sessionID, keyTag, keySize)
	macKey := deriveKey(h, K, H, a.sessionID, macTag, macKeySize)
	return newPacketCipher(d, key, iv, macKey)
}

// deriveKey expands the shared secret into n bytes of key material as
// RFC 4253 section 7.2 describes. K is the mpint encoded secret.
func deriveKey(hashFunc crypto.Hash, K, H, sessionID []byte, tag byte, n int) []byte {
	out := make([]byte, 0, n)
	var digestsSoFar []byte
	h := hashFunc.New()
	for len(out) < n {
		h.Reset()
		h.Write(K)
		h.Write(H)
		if len(digestsSoFar) == 0 {
			h.Write([]byte{tag})
			h.Write(sessionID)
		} else {
			h.Write(digestsSoFar)
		}
		digest := h.Sum(nil)
		out = append(out, digest...)
		digestsSoFar = append(digestsSoFar, digest...)
	}
	return out[:n]
}

func writeString(h hash.Hash, s []byte) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(s)))
	h.Write(l[:])
	h.Write(s)
}
