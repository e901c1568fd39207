package transport

import (
	"fmt"

	"evssh/pkg/conf"
	"evssh/pkg/metrics"
)

// directionState is the cryptographic state of one direction
type directionState struct {
	cipher  packetCipher
	algs    DirectionAlgorithms
	seq     uint32
	bytes   uint64
	packets uint64
}

func (d *directionState) reset(c packetCipher, algs DirectionAlgorithms) {
	d.cipher = c
	d.algs = algs
	d.bytes = 0
	d.packets = 0
}

// PacketStream turns the raw byte stream into packets and back. It is
// owned by a Connection and only used from its reactor.
type PacketStream struct {
	input []byte
	// read is server to client, write is client to server
	read  directionState
	write directionState
	out   func([]byte)

	// paused is set once NEWKEYS is deframed; the bytes that follow are
	// protected by keys that are not installed yet
	paused bool
	closed bool
	hints  map[string]bool

	RekeyBytes   uint64
	RekeyPackets uint64
}

// NewPacketStream returns a stream with no encryption. out receives every
// framed packet.
func NewPacketStream(out func([]byte)) *PacketStream {
	s := &PacketStream{
		out:          out,
		hints:        make(map[string]bool),
		RekeyBytes:   conf.RekeyBytes,
		RekeyPackets: conf.RekeyPackets,
	}
	none := DirectionAlgorithms{Cipher: cipherNone, MAC: "none", Compression: compressionNone}
	s.read.reset(newNoneCipher(), none)
	s.write.reset(newNoneCipher(), none)
	return s
}

// Append adds received bytes to the input buffer
func (s *PacketStream) Append(b []byte) {
	if s.closed || len(b) == 0 {
		return
	}
	s.input = append(s.input, b...)
}

// Buffered returns the number of received bytes not yet consumed
func (s *PacketStream) Buffered() int {
	return len(s.input)
}

// PollNextPacket deframes the next complete packet. It returns nil, nil
// when more bytes are needed. Any error is fatal for the connection.
func (s *PacketStream) PollNextPacket() (*Packet, error) {
	if s.closed || s.paused || len(s.input) == 0 {
		return nil, nil
	}
	payload, n, err := s.read.cipher.readPacket(s.read.seq, s.input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if payload == nil {
		return nil, nil
	}

	s.input = s.input[n:]
	if len(s.input) == 0 {
		s.input = nil
	}
	p := newPacket(payload, s.read.seq)
	s.read.seq++
	s.read.packets++
	s.read.bytes += uint64(n)
	metrics.ObservePacket(metrics.DirectionIn, n)

	if p.Type == MsgNewKeys {
		s.paused = true
	}
	return p, nil
}

// SendPacket frames payload with the current write state and hands it to
// the output
func (s *PacketStream) SendPacket(payload []byte) error {
	if s.closed {
		return ErrConnectionClosed
	}
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrProtocol)
	}
	pkt, err := s.write.cipher.writePacket(s.write.seq, payload)
	if err != nil {
		return err
	}
	s.write.seq++
	s.write.packets++
	s.write.bytes += uint64(len(pkt))
	metrics.ObservePacket(metrics.DirectionOut, len(pkt))
	s.out(pkt)
	return nil
}

// SetReadCipher installs the keys for packets received after NEWKEYS and
// resumes deframing
func (s *PacketStream) SetReadCipher(c packetCipher, algs DirectionAlgorithms) {
	s.read.reset(c, algs)
	s.paused = false
}

// SetWriteCipher installs the keys for packets sent after our NEWKEYS
func (s *PacketStream) SetWriteCipher(c packetCipher, algs DirectionAlgorithms) {
	s.write.reset(c, algs)
}

// AwaitingKeys reports whether deframing is paused after NEWKEYS
func (s *PacketStream) AwaitingKeys() bool {
	return s.paused
}

// IfNeedsRekey calls fn when either direction carried more traffic than
// the rekey limits allow since its keys were installed
func (s *PacketStream) IfNeedsRekey(fn func()) {
	if s.closed {
		return
	}
	for _, d := range []*directionState{&s.read, &s.write} {
		if (s.RekeyBytes > 0 && d.bytes >= s.RekeyBytes) || (s.RekeyPackets > 0 && d.packets >= s.RekeyPackets) {
			fn()
			return
		}
	}
}

// Hint records a named hint about the connection state, such as
// "authenticated"
func (s *PacketStream) Hint(name string) {
	s.hints[name] = true
}

func (s *PacketStream) Hinted(name string) bool {
	return s.hints[name]
}

// Algorithms returns the algorithms in use for reading and writing
func (s *PacketStream) Algorithms() (read, write DirectionAlgorithms) {
	return s.read.algs, s.write.algs
}

// Close drops buffered input; later sends fail
func (s *PacketStream) Close() {
	s.closed = true
	s.input = nil
}
