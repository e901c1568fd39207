package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/poly1305"
)

const (
	// maxPacket is the largest packet accepted from the peer, RFC 4253
	// requires at least 35000
	maxPacket = 256 * 1024

	minPadding = 4

	cipherNone     = "none"
	cipherAES128   = "aes128-ctr"
	cipherAES256   = "aes256-ctr"
	cipherChaCha20 = "chacha20-poly1305@openssh.com"

	macHMACSHA256 = "hmac-sha2-256"
	macHMACSHA512 = "hmac-sha2-512"

	compressionNone = "none"
)

var errMACFailure = errors.New("MAC failure")

// packetCipher frames payloads for one direction of the stream
type packetCipher interface {
	// readPacket decodes the packet at the start of buf and returns how many
	// bytes it used. A nil payload with n == 0 means buf does not yet hold
	// a complete packet.
	readPacket(seq uint32, buf []byte) (payload []byte, n int, err error)
	writePacket(seq uint32, payload []byte) ([]byte, error)
}

type cipherSpec struct {
	keySize int
	ivSize  int
	// aead ciphers authenticate packets themselves and ignore the MAC
	aead bool
}

var cipherModes = map[string]cipherSpec{
	cipherAES128:   {keySize: 16, ivSize: aes.BlockSize},
	cipherAES256:   {keySize: 32, ivSize: aes.BlockSize},
	cipherChaCha20: {keySize: 64, ivSize: 0, aead: true},
}

type macSpec struct {
	keySize int
	newHash func() hash.Hash
}

var macModes = map[string]macSpec{
	macHMACSHA256: {keySize: 32, newHash: sha256.New},
	macHMACSHA512: {keySize: 64, newHash: sha512.New},
}

// DirectionAlgorithms is the negotiated set for one direction
type DirectionAlgorithms struct {
	Cipher      string
	MAC         string
	Compression string
}

// keyMaterial returns how many bytes of cipher key, IV and MAC key the
// algorithms need
func (d DirectionAlgorithms) keyMaterial() (keySize, ivSize, macKeySize int) {
	spec := cipherModes[d.Cipher]
	if !spec.aead {
		macKeySize = macModes[d.MAC].keySize
	}
	return spec.keySize, spec.ivSize, macKeySize
}

func newPacketCipher(d DirectionAlgorithms, key, iv, macKey []byte) (packetCipher, error) {
	switch d.Cipher {
	case cipherChaCha20:
		return newChaChaPacketCipher(key)
	case cipherAES128, cipherAES256:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		m, ok := macModes[d.MAC]
		if !ok {
			return nil, fmt.Errorf("unsupported MAC %q", d.MAC)
		}
		return &streamPacketCipher{
			stream:    cipher.NewCTR(block, iv),
			mac:       hmac.New(m.newHash, macKey),
			blockSize: aes.BlockSize,
		}, nil
	}
	return nil, fmt.Errorf("unsupported cipher %q", d.Cipher)
}

// streamPacketCipher covers "none" and the CTR ciphers with an
// encrypt-and-MAC HMAC
type streamPacketCipher struct {
	stream    cipher.Stream
	mac       hash.Hash
	blockSize int

	// The first block of a packet is decrypted to learn its length. The
	// keystream cannot be rewound, so it is kept until the rest arrives.
	first  []byte
	length uint32
}

func newNoneCipher() *streamPacketCipher {
	return &streamPacketCipher{blockSize: 8}
}

func (c *streamPacketCipher) macSize() int {
	if c.mac == nil {
		return 0
	}
	return c.mac.Size()
}

func (c *streamPacketCipher) readPacket(seq uint32, buf []byte) ([]byte, int, error) {
	bs := c.blockSize
	if c.first == nil {
		if len(buf) < bs {
			return nil, 0, nil
		}
		first := make([]byte, bs)
		copy(first, buf[:bs])
		if c.stream != nil {
			c.stream.XORKeyStream(first, first)
		}
		length := binary.BigEndian.Uint32(first[:4])
		if length > maxPacket {
			return nil, 0, fmt.Errorf("invalid packet length %d", length)
		}
		if int(length)+4 < bs {
			return nil, 0, fmt.Errorf("packet too small (%d)", length)
		}
		if c.stream != nil && (length+4)%uint32(bs) != 0 {
			return nil, 0, fmt.Errorf("packet length %d is not a multiple of the block size", length)
		}
		c.first = first
		c.length = length
	}

	end := 4 + int(c.length)
	total := end + c.macSize()
	if len(buf) < total {
		return nil, 0, nil
	}

	plain := make([]byte, end)
	copy(plain, c.first)
	copy(plain[bs:], buf[bs:end])
	if c.stream != nil {
		c.stream.XORKeyStream(plain[bs:], plain[bs:])
	}
	c.first = nil

	if c.mac != nil {
		var seqBuf [4]byte
		binary.BigEndian.PutUint32(seqBuf[:], seq)
		c.mac.Reset()
		c.mac.Write(seqBuf[:])
		c.mac.Write(plain)
		if !hmac.Equal(c.mac.Sum(nil), buf[end:total]) {
			return nil, 0, errMACFailure
		}
	}

	payload, err := unpad(plain[4:])
	if err != nil {
		return nil, 0, err
	}
	return payload, total, nil
}

func (c *streamPacketCipher) writePacket(seq uint32, payload []byte) ([]byte, error) {
	bs := c.blockSize
	padding := bs - (5+len(payload))%bs
	if padding < minPadding {
		padding += bs
	}
	length := 1 + len(payload) + padding

	pkt := make([]byte, 4+length, 4+length+c.macSize())
	binary.BigEndian.PutUint32(pkt, uint32(length))
	pkt[4] = byte(padding)
	copy(pkt[5:], payload)
	if _, err := rand.Read(pkt[5+len(payload):]); err != nil {
		return nil, err
	}

	var sum []byte
	if c.mac != nil {
		var seqBuf [4]byte
		binary.BigEndian.PutUint32(seqBuf[:], seq)
		c.mac.Reset()
		c.mac.Write(seqBuf[:])
		c.mac.Write(pkt)
		sum = c.mac.Sum(nil)
	}
	if c.stream != nil {
		c.stream.XORKeyStream(pkt, pkt)
	}
	return append(pkt, sum...), nil
}

// unpad strips the padding length byte and the padding from
// padding_length || payload || padding
func unpad(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return nil, errors.New("empty packet")
	}
	padding := int(body[0])
	if padding < minPadding {
		return nil, fmt.Errorf("padding %d too small", padding)
	}
	if padding+1 >= len(body) {
		return nil, fmt.Errorf("padding %d too large", padding)
	}
	return body[1 : len(body)-padding], nil
}

// chaChaPacketCipher is chacha20-poly1305@openssh.com: the length is
// encrypted with its own key, the rest with the main key, and a Poly1305
// tag covers both
type chaChaPacketCipher struct {
	lengthKey  [32]byte
	contentKey [32]byte
}

func newChaChaPacketCipher(key []byte) (*chaChaPacketCipher, error) {
	if len(key) != 64 {
		return nil, fmt.Errorf("chacha20-poly1305 needs 64 bytes of key, got %d", len(key))
	}
	c := &chaChaPacketCipher{}
	copy(c.contentKey[:], key[:32])
	copy(c.lengthKey[:], key[32:])
	return c, nil
}

func chaChaNonce(seq uint32) []byte {
	nonce := make([]byte, chacha20.NonceSize)
	binary.BigEndian.PutUint32(nonce[8:], seq)
	return nonce
}

// contentStream returns the main keystream positioned at block one and the
// Poly1305 key taken from block zero
func (c *chaChaPacketCipher) contentStream(nonce []byte) (*chacha20.Cipher, [32]byte, error) {
	var polyKey, discard [32]byte
	s, err := chacha20.NewUnauthenticatedCipher(c.contentKey[:], nonce)
	if err != nil {
		return nil, polyKey, err
	}
	s.XORKeyStream(polyKey[:], polyKey[:])
	s.XORKeyStream(discard[:], discard[:])
	return s, polyKey, nil
}

func (c *chaChaPacketCipher) readPacket(seq uint32, buf []byte) ([]byte, int, error) {
	if len(buf) < 4 {
		return nil, 0, nil
	}
	nonce := chaChaNonce(seq)
	ls, err := chacha20.NewUnauthenticatedCipher(c.lengthKey[:], nonce)
	if err != nil {
		return nil, 0, err
	}
	var lenBytes [4]byte
	ls.XORKeyStream(lenBytes[:], buf[:4])
	length := binary.BigEndian.Uint32(lenBytes[:])
	if length > maxPacket {
		return nil, 0, fmt.Errorf("invalid packet length %d", length)
	}

	end := 4 + int(length)
	total := end + poly1305.TagSize
	if len(buf) < total {
		return nil, 0, nil
	}

	s, polyKey, err := c.contentStream(nonce)
	if err != nil {
		return nil, 0, err
	}
	var tag [poly1305.TagSize]byte
	copy(tag[:], buf[end:total])
	if !poly1305.Verify(&tag, buf[:end], &polyKey) {
		return nil, 0, errMACFailure
	}

	plain := make([]byte, length)
	s.XORKeyStream(plain, buf[4:end])
	payload, err := unpad(plain)
	if err != nil {
		return nil, 0, err
	}
	return payload, total, nil
}

func (c *chaChaPacketCipher) writePacket(seq uint32, payload []byte) ([]byte, error) {
	const bs = 8
	padding := bs - (1+len(payload))%bs
	if padding < minPadding {
		padding += bs
	}
	length := 1 + len(payload) + padding

	pkt := make([]byte, 4+length, 4+length+poly1305.TagSize)
	binary.BigEndian.PutUint32(pkt, uint32(length))
	pkt[4] = byte(padding)
	copy(pkt[5:], payload)
	if _, err := rand.Read(pkt[5+len(payload):]); err != nil {
		return nil, err
	}

	nonce := chaChaNonce(seq)
	ls, err := chacha20.NewUnauthenticatedCipher(c.lengthKey[:], nonce)
	if err != nil {
		return nil, err
	}
	ls.XORKeyStream(pkt[:4], pkt[:4])

	s, polyKey, err := c.contentStream(nonce)
	if err != nil {
		return nil, err
	}
	s.XORKeyStream(pkt[4:], pkt[4:])

	var tag [poly1305.TagSize]byte
	poly1305.Sum(&tag, pkt, &polyKey)
	return append(pkt, tag[:]...), nil
}
