package rtp

import (
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/arzzra/media_server/pkg/audio"
)

// Stream медиа поток сессии в графе маршрутизации.
// Source отдает принятые кадры, Sink пакетизирует кадры в RTP и отправляет их.
type Stream struct {
	session *Session
	inbound *audio.FrameQueue
	source  *audio.QueueSource
	sink    *outboundSink
}

func newStream(s *Session, capacity int) *Stream {
	inbound := audio.NewFrameQueue(capacity)
	st := &Stream{
		session: s,
		inbound: inbound,
		source:  audio.NewQueueSource(s.id+"/in", inbound),
	}
	st.sink = &outboundSink{
		id:        s.id + "/out",
		stream:    st,
		sequence:  generateRandomUint16(),
		timestamp: generateRandomUint32(),
	}
	return st
}

// Source входящий поток сессии
func (st *Stream) Source() audio.Source { return st.source }

// Sink исходящий поток сессии
func (st *Stream) Sink() audio.Sink { return st.sink }

// Inbound очередь принятых кадров
func (st *Stream) Inbound() *audio.FrameQueue { return st.inbound }

// deliver принимает RTP пакет от канала. Вызывается из I/O горутины.
func (st *Stream) deliver(packet *rtp.Packet, _ net.Addr) {
	s := st.session
	if packet == nil || !s.ready.Load() {
		return
	}

	s.stats.received(&packet.Header, len(packet.Payload), time.Now())

	clockRate := uint32(8000)
	if f, ok := s.formats.ByPayloadType(packet.PayloadType); ok && f.ClockRate > 0 {
		clockRate = f.ClockRate
	}
	frame := audio.NewFrame(
		packet.Payload,
		time.Duration(packet.Timestamp)*time.Second/time.Duration(clockRate),
		uint64(packet.SequenceNumber),
	)
	if st.inbound.Push(frame) {
		s.logger.Debug().Uint16("sequence", packet.SequenceNumber).Msg("inbound queue overflow, oldest frame dropped")
	}
}

// outboundSink пакетизирует кадры графа в RTP пакеты
type outboundSink struct {
	id     string
	stream *Stream

	mu        sync.Mutex
	sequence  uint16
	timestamp uint32
}

func (o *outboundSink) ID() string { return o.id }

func (o *outboundSink) Consume(_ uint64, frames []*audio.Frame) {
	s := o.stream.session
	if len(frames) == 0 || !s.ready.Load() {
		return
	}
	sender := s.sender()
	remote := s.remote()
	if sender == nil || remote == nil {
		return
	}
	format, ok := s.formats.Primary()
	if !ok {
		return
	}
	step := format.TimestampStep(s.ptime)

	for _, frame := range frames {
		packet := o.packetize(frame, format.PayloadType, step, s.ssrc)
		if err := sender.SendPacket(packet, remote); err != nil {
			s.stats.sendFailed()
			s.logger.Debug().Err(err).Msg("send failed")
			continue
		}
		s.stats.sent(len(packet.Payload), time.Now())
	}
}

func (o *outboundSink) packetize(frame *audio.Frame, pt uint8, step uint32, ssrc uint32) *rtp.Packet {
	o.mu.Lock()
	defer o.mu.Unlock()

	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    pt,
			SequenceNumber: o.sequence,
			Timestamp:      o.timestamp,
			SSRC:           ssrc,
		},
		Payload: frame.Payload,
	}
	o.sequence++
	o.timestamp += step
	return packet
}
