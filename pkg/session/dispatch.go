package session

import (
	"fmt"

	"evssh/pkg/slog"
	"evssh/pkg/transport"
)

func (s *Session) packetHandlers() map[transport.MsgType]packetHandler {
	return map[transport.MsgType]packetHandler{
		transport.MsgGlobalRequest:       s.globalRequest,
		transport.MsgRequestSuccess:      s.globalReply,
		transport.MsgRequestFailure:      s.globalReply,
		transport.MsgChannelOpen:         s.channelOpen,
		transport.MsgChannelOpenConfirm:  s.channelOpenConfirm,
		transport.MsgChannelOpenFailure:  s.channelOpenFailure,
		transport.MsgChannelWindowAdjust: s.channelWindowAdjust,
		transport.MsgChannelData:         s.channelData,
		transport.MsgChannelExtendedData: s.channelExtendedData,
		transport.MsgChannelEOF:          s.channelEOF,
		transport.MsgChannelClose:        s.channelClose,
		transport.MsgChannelRequest:      s.channelRequest,
		transport.MsgChannelSuccess:      s.channelReply,
		transport.MsgChannelFailure:      s.channelReply,
	}
}

// handle dispatches one connection protocol packet. Unknown types fail the
// connection.
func (s *Session) handle(p *transport.Packet) {
	if s.released {
		return
	}
	h, ok := s.handlers[p.Type]
	if !ok {
		s.conn.Abort(fmt.Errorf("%w: unexpected %s in session", transport.ErrProtocol, p.Type))
		return
	}
	if p.Type < transport.MsgChannelOpen {
		s.conn.Unqueue(p)
	}
	if err := h(p); err != nil {
		s.conn.Abort(err)
	}
}

func (s *Session) lookup(p *transport.Packet) (*Channel, error) {
	id, ok := p.RecipientChannel()
	if !ok {
		return nil, fmt.Errorf("%w: malformed %s", transport.ErrProtocol, p.Type)
	}
	ch, ok := s.channels[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s for unknown channel %d", transport.ErrProtocol, p.Type, id)
	}
	return ch, nil
}

func (s *Session) globalRequest(p *transport.Packet) error {
	var msg transport.GlobalRequestMsg
	if err := p.Decode(&msg); err != nil {
		return err
	}
	s.logger.DebugWith("Global request", slog.F("request", msg.Type), slog.F("want_reply", msg.WantReply))
	if msg.WantReply {
		return s.conn.Transmit(&transport.GlobalRequestFailureMsg{})
	}
	return nil
}

func (s *Session) globalReply(p *transport.Packet) error {
	if len(s.replies) == 0 {
		s.logger.Warnf("Ignoring %s without a pending global request", p.Type)
		return nil
	}
	fut := s.replies[0]
	s.replies = s.replies[1:]
	fut.Resolve(GlobalReply{OK: p.Type == transport.MsgRequestSuccess, Data: p.Payload[1:]})
	return nil
}

// channelOpen rejects channels the server tries to open
func (s *Session) channelOpen(p *transport.Packet) error {
	var msg transport.ChannelOpenMsg
	if err := p.Decode(&msg); err != nil {
		return err
	}
	s.logger.DebugWith("Rejecting channel open", slog.F("type", msg.ChanType), slog.F("peer_id", msg.PeersID))
	return s.conn.Transmit(&transport.ChannelOpenFailureMsg{
		PeersID: msg.PeersID,
		Reason:  OpenAdministrativelyProhibited,
		Message: "channel open not supported",
	})
}

func (s *Session) channelOpenConfirm(p *transport.Packet) error {
	ch, err := s.lookup(p)
	if err != nil {
		return err
	}
	var msg transport.ChannelOpenConfirmMsg
	if err = p.Decode(&msg); err != nil {
		return err
	}
	return ch.handleConfirm(&msg)
}

func (s *Session) channelOpenFailure(p *transport.Packet) error {
	ch, err := s.lookup(p)
	if err != nil {
		return err
	}
	var msg transport.ChannelOpenFailureMsg
	if err = p.Decode(&msg); err != nil {
		return err
	}
	ch.handleOpenFailure(&msg)
	return nil
}

func (s *Session) channelWindowAdjust(p *transport.Packet) error {
	ch, err := s.lookup(p)
	if err != nil {
		return err
	}
	var msg transport.WindowAdjustMsg
	if err = p.Decode(&msg); err != nil {
		return err
	}
	return ch.handleWindowAdjust(msg.AdditionalBytes)
}

func (s *Session) channelData(p *transport.Packet) error {
	ch, err := s.lookup(p)
	if err != nil {
		return err
	}
	var msg transport.ChannelDataMsg
	if err = p.Decode(&msg); err != nil {
		return err
	}
	return ch.handleData(msg.Data)
}

func (s *Session) channelExtendedData(p *transport.Packet) error {
	ch, err := s.lookup(p)
	if err != nil {
		return err
	}
	var msg transport.ChannelExtendedDataMsg
	if err = p.Decode(&msg); err != nil {
		return err
	}
	return ch.handleExtendedData(msg.DataType, msg.Data)
}

func (s *Session) channelEOF(p *transport.Packet) error {
	ch, err := s.lookup(p)
	if err != nil {
		return err
	}
	ch.handleEOF()
	return nil
}

func (s *Session) channelClose(p *transport.Packet) error {
	ch, err := s.lookup(p)
	if err != nil {
		return err
	}
	ch.handleClose()
	return nil
}

func (s *Session) channelRequest(p *transport.Packet) error {
	ch, err := s.lookup(p)
	if err != nil {
		return err
	}
	var msg transport.ChannelRequestMsg
	if err = p.Decode(&msg); err != nil {
		return err
	}
	return ch.handleRequest(&msg)
}

func (s *Session) channelReply(p *transport.Packet) error {
	ch, err := s.lookup(p)
	if err != nil {
		return err
	}
	return ch.handleReply(p.Type == transport.MsgChannelSuccess)
}
