package tftp

import (
	"github.com/rs/zerolog"
)

// EventSink receives structured events from the connection engine: one
// event per packet in and out, connection lifecycle with the local TID,
// and terminal errors. Formatting is the sink's business; the engine
// only supplies the facts.
type EventSink interface {
	// PacketOut reports one outgoing packet.
	PacketOut(tid int, peer string, pkt Packet)

	// PacketIn reports one incoming, successfully decoded packet.
	PacketIn(tid int, peer string, pkt Packet)

	// ConnOpened reports a transfer socket bound to its TID.
	ConnOpened(tid int, peer string)

	// ConnClosed reports a transfer leaving the system. bytes is the
	// payload volume moved while it ran.
	ConnClosed(tid int, completed bool, bytes int64)

	// ConnErrored reports the terminal error of a transfer.
	ConnErrored(tid int, code uint16, message string)

	// Infof reports freeform lifecycle text.
	Infof(format string, args ...interface{})

	// Debugf reports freeform diagnostics.
	Debugf(format string, args ...interface{})
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) PacketOut(int, string, Packet)   {}
func (NopSink) PacketIn(int, string, Packet)    {}
func (NopSink) ConnOpened(int, string)          {}
func (NopSink) ConnClosed(int, bool, int64)     {}
func (NopSink) ConnErrored(int, uint16, string) {}
func (NopSink) Infof(string, ...interface{})    {}
func (NopSink) Debugf(string, ...interface{})   {}

// ZerologSink renders events through a zerolog logger.
type ZerologSink struct {
	log zerolog.Logger
}

// NewZerologSink wraps a zerolog logger as an EventSink.
func NewZerologSink(log zerolog.Logger) *ZerologSink {
	return &ZerologSink{log: log}
}

func (s *ZerologSink) packet(dir string, tid int, peer string, pkt Packet) {
	ev := s.log.Debug().
		Str("dir", dir).
		Int("tid", tid).
		Str("peer", peer).
		Str("opcode", OpcodeName(pkt.Opcode()))
	switch p := pkt.(type) {
	case *Request:
		ev = ev.Str("kind", p.Kind.String()).
			Str("filename", p.Filename).
			Str("mode", p.Mode.String()).
			Int("options", len(p.Options))
	case *Data:
		ev = ev.Uint16("block", p.Block).Int("len", len(p.Payload))
	case *Ack:
		ev = ev.Uint16("block", p.Block)
	case *ErrorPacket:
		ev = ev.Uint16("code", p.Code).Str("message", p.Message)
	case *OptionAck:
		ev = ev.Int("options", len(p.Options))
	}
	ev.Msg("packet")
}

func (s *ZerologSink) PacketOut(tid int, peer string, pkt Packet) {
	s.packet("out", tid, peer, pkt)
}

func (s *ZerologSink) PacketIn(tid int, peer string, pkt Packet) {
	s.packet("in", tid, peer, pkt)
}

func (s *ZerologSink) ConnOpened(tid int, peer string) {
	s.log.Info().Int("tid", tid).Str("peer", peer).Msg("connection opened")
}

func (s *ZerologSink) ConnClosed(tid int, completed bool, bytes int64) {
	s.log.Info().Int("tid", tid).
		Bool("completed", completed).
		Int64("bytes", bytes).
		Msg("connection closed")
}

func (s *ZerologSink) ConnErrored(tid int, code uint16, message string) {
	s.log.Error().Int("tid", tid).
		Uint16("code", code).
		Str("error", ErrorCodeName(code)).
		Str("message", message).
		Msg("transfer error")
}

func (s *ZerologSink) Infof(format string, args ...interface{}) {
	s.log.Info().Msgf(format, args...)
}

func (s *ZerologSink) Debugf(format string, args ...interface{}) {
	s.log.Debug().Msgf(format, args...)
}
