package transport

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// MsgType is the message number carried in the first byte of a payload
type MsgType byte

// Transport layer generic messages
const (
	MsgDisconnect     MsgType = 1
	MsgIgnore         MsgType = 2
	MsgUnimplemented  MsgType = 3
	MsgDebug          MsgType = 4
	MsgServiceRequest MsgType = 5
	MsgServiceAccept  MsgType = 6
)

// Algorithm negotiation and key exchange messages
const (
	MsgKexInit    MsgType = 20
	MsgNewKeys    MsgType = 21
	MsgKexDHInit  MsgType = 30
	MsgKexDHReply MsgType = 31
)

// User authentication messages
const (
	MsgUserAuthRequest      MsgType = 50
	MsgUserAuthFailure      MsgType = 51
	MsgUserAuthSuccess      MsgType = 52
	MsgUserAuthBanner       MsgType = 53
	MsgUserAuthInfoRequest  MsgType = 60
	MsgUserAuthPKOK         MsgType = 60
	MsgUserAuthInfoResponse MsgType = 61

	userAuthMethodFirst MsgType = 60
	userAuthMethodLast  MsgType = 79
)

// Connection protocol messages
const (
	MsgGlobalRequest       MsgType = 80
	MsgRequestSuccess      MsgType = 81
	MsgRequestFailure      MsgType = 82
	MsgChannelOpen         MsgType = 90
	MsgChannelOpenConfirm  MsgType = 91
	MsgChannelOpenFailure  MsgType = 92
	MsgChannelWindowAdjust MsgType = 93
	MsgChannelData         MsgType = 94
	MsgChannelExtendedData MsgType = 95
	MsgChannelEOF          MsgType = 96
	MsgChannelClose        MsgType = 97
	MsgChannelRequest      MsgType = 98
	MsgChannelSuccess      MsgType = 99
	MsgChannelFailure      MsgType = 100
)

var msgNames = map[MsgType]string{
	MsgDisconnect:          "DISCONNECT",
	MsgIgnore:              "IGNORE",
	MsgUnimplemented:       "UNIMPLEMENTED",
	MsgDebug:               "DEBUG",
	MsgServiceRequest:      "SERVICE_REQUEST",
	MsgServiceAccept:       "SERVICE_ACCEPT",
	MsgKexInit:             "KEXINIT",
	MsgNewKeys:             "NEWKEYS",
	MsgKexDHInit:           "KEXDH_INIT",
	MsgKexDHReply:          "KEXDH_REPLY",
	MsgUserAuthRequest:     "USERAUTH_REQUEST",
	MsgUserAuthFailure:     "USERAUTH_FAILURE",
	MsgUserAuthSuccess:     "USERAUTH_SUCCESS",
	MsgUserAuthBanner:      "USERAUTH_BANNER",
	MsgUserAuthInfoRequest: "USERAUTH_INFO_REQUEST",
	MsgGlobalRequest:       "GLOBAL_REQUEST",
	MsgRequestSuccess:      "REQUEST_SUCCESS",
	MsgRequestFailure:      "REQUEST_FAILURE",
	MsgChannelOpen:         "CHANNEL_OPEN",
	MsgChannelOpenConfirm:  "CHANNEL_OPEN_CONFIRMATION",
	MsgChannelOpenFailure:  "CHANNEL_OPEN_FAILURE",
	MsgChannelWindowAdjust: "CHANNEL_WINDOW_ADJUST",
	MsgChannelData:         "CHANNEL_DATA",
	MsgChannelExtendedData: "CHANNEL_EXTENDED_DATA",
	MsgChannelEOF:          "CHANNEL_EOF",
	MsgChannelClose:        "CHANNEL_CLOSE",
	MsgChannelRequest:      "CHANNEL_REQUEST",
	MsgChannelSuccess:      "CHANNEL_SUCCESS",
	MsgChannelFailure:      "CHANNEL_FAILURE",
}

func (t MsgType) String() string {
	if n, ok := msgNames[t]; ok {
		return fmt.Sprintf("%s(%d)", n, byte(t))
	}
	return fmt.Sprintf("MSG(%d)", byte(t))
}

// IsUserAuthMethodSpecific reports whether t is in the 60..79 range whose
// meaning depends on the authentication method in progress
func (t MsgType) IsUserAuthMethodSpecific() bool {
	return t >= userAuthMethodFirst && t <= userAuthMethodLast
}

// IsKex reports whether t belongs to algorithm negotiation or key exchange
func (t MsgType) IsKex() bool {
	return t >= MsgKexInit && t <= 49
}

// Packet is one deframed, decrypted message
type Packet struct {
	Type MsgType
	// Payload includes the message number byte
	Payload []byte
	Seq     uint32
}

func newPacket(payload []byte, seq uint32) *Packet {
	return &Packet{Type: MsgType(payload[0]), Payload: payload, Seq: seq}
}

// Decode unmarshals the payload into one of the message structs
func (p *Packet) Decode(out interface{}) error {
	if err := ssh.Unmarshal(p.Payload, out); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", ErrProtocol, p.Type, err)
	}
	return nil
}

// RecipientChannel returns the channel id every channel message starts with
func (p *Packet) RecipientChannel() (uint32, bool) {
	if p.Type < MsgChannelOpenConfirm || len(p.Payload) < 5 {
		return 0, false
	}
	return binary.BigEndian.Uint32(p.Payload[1:5]), true
}

func (p *Packet) String() string {
	return fmt.Sprintf("%s seq=%d len=%d", p.Type, p.Seq, len(p.Payload))
}

// Marshal encodes one of the message structs
func Marshal(msg interface{}) []byte {
	return ssh.Marshal(msg)
}

// Transport messages
// https://datatracker.ietf.org/doc/html/rfc4253#section-11

type DisconnectMsg struct {
	Reason   uint32 `sshtype:"1"`
	Message  string
	Language string
}

type ignoreMsg struct {
	Data string `sshtype:"2"`
}

type unimplementedMsg struct {
	SeqNum uint32 `sshtype:"3"`
}

type debugMsg struct {
	AlwaysDisplay bool `sshtype:"4"`
	Message       string
	Language      string
}

type serviceRequestMsg struct {
	Service string `sshtype:"5"`
}

type serviceAcceptMsg struct {
	Service string `sshtype:"6"`
}

// https://datatracker.ietf.org/doc/html/rfc4253#section-7.1
type kexInitMsg struct {
	Cookie                  [16]byte `sshtype:"20"`
	KexAlgos                []string
	ServerHostKeyAlgos      []string
	CiphersClientServer     []string
	CiphersServerClient     []string
	MACsClientServer        []string
	MACsServerClient        []string
	CompressionClientServer []string
	CompressionServerClient []string
	LanguagesClientServer   []string
	LanguagesServerClient   []string
	FirstKexFollows         bool
	Reserved                uint32
}

// RFC 5656 and RFC 8731 share the KEXDH message numbers
type kexECDHInitMsg struct {
	ClientPubKey []byte `sshtype:"30"`
}

type kexECDHReplyMsg struct {
	HostKey         []byte `sshtype:"31"`
	EphemeralPubKey []byte
	Signature       []byte
}

// Authentication messages
// https://datatracker.ietf.org/doc/html/rfc4252

type userAuthRequestMsg struct {
	User    string `sshtype:"50"`
	Service string
	Method  string
	Payload []byte `ssh:"rest"`
}

type userAuthFailureMsg struct {
	Methods        []string `sshtype:"51"`
	PartialSuccess bool
}

type userAuthBannerMsg struct {
	Message  string `sshtype:"53"`
	Language string
}

// https://datatracker.ietf.org/doc/html/rfc4256#section-3.2
type userAuthInfoRequestMsg struct {
	Name        string `sshtype:"60"`
	Instruction string
	Language    string
	NumPrompts  uint32
	Prompts     []byte `ssh:"rest"`
}

// Connection messages
// https://datatracker.ietf.org/doc/html/rfc4254

type GlobalRequestMsg struct {
	Type      string `sshtype:"80"`
	WantReply bool
	Data      []byte `ssh:"rest"`
}

type GlobalRequestSuccessMsg struct {
	Data []byte `ssh:"rest" sshtype:"81"`
}

type GlobalRequestFailureMsg struct {
	Data []byte `ssh:"rest" sshtype:"82"`
}

type ChannelOpenMsg struct {
	ChanType         string `sshtype:"90"`
	PeersID          uint32
	PeersWindow      uint32
	MaxPacketSize    uint32
	TypeSpecificData []byte `ssh:"rest"`
}

type ChannelOpenConfirmMsg struct {
	PeersID          uint32 `sshtype:"91"`
	MyID             uint32
	MyWindow         uint32
	MaxPacketSize    uint32
	TypeSpecificData []byte `ssh:"rest"`
}

type ChannelOpenFailureMsg struct {
	PeersID  uint32 `sshtype:"92"`
	Reason   uint32
	Message  string
	Language string
}

type WindowAdjustMsg struct {
	PeersID         uint32 `sshtype:"93"`
	AdditionalBytes uint32
}

type ChannelDataMsg struct {
	PeersID uint32 `sshtype:"94"`
	Data    []byte
}

type ChannelExtendedDataMsg struct {
	PeersID  uint32 `sshtype:"95"`
	DataType uint32
	Data     []byte
}

type ChannelEOFMsg struct {
	PeersID uint32 `sshtype:"96"`
}

type ChannelCloseMsg struct {
	PeersID uint32 `sshtype:"97"`
}

type ChannelRequestMsg struct {
	PeersID             uint32 `sshtype:"98"`
	Request             string
	WantReply           bool
	RequestSpecificData []byte `ssh:"rest"`
}

type ChannelRequestSuccessMsg struct {
	PeersID uint32 `sshtype:"99"`
}

type ChannelRequestFailureMsg struct {
	PeersID uint32 `sshtype:"100"`
}
