package core

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/arzzra/media_server/pkg/logging"
	"github.com/arzzra/media_server/pkg/mgcp/connection"
	"github.com/arzzra/media_server/pkg/rtp"
)

// FlowStatistics суммарные счетчики RTP потоков всех соединений
type FlowStatistics struct {
	PacketsReceived uint64
	FramesDropped   uint64
	PacketsSent     uint64
	SendErrors      uint64
}

// flowMonitor снимает счетчики сессий. Прием проверяется в классе input
// до сведения кадров, отправка в классе output после него.
type flowMonitor struct {
	connections *connection.Manager
	logger      zerolog.Logger

	mu         sync.Mutex
	dropped    map[string]uint64
	sendErrors map[string]uint64
	totals     FlowStatistics
}

func newFlowMonitor(connections *connection.Manager, logger zerolog.Logger) *flowMonitor {
	return &flowMonitor{
		connections: connections,
		logger:      logging.WithComponent(logger, "flow"),
		dropped:     make(map[string]uint64),
		sendErrors:  make(map[string]uint64),
	}
}

// Totals счетчики последнего снятия
func (m *flowMonitor) Totals() FlowStatistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totals
}

// sampleIngress фиксирует принятые пакеты и переполнения входящих очередей
func (m *flowMonitor) sampleIngress() {
	var received, dropped uint64
	seen := make(map[string]uint64)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.eachSession(func(connID string, s *rtp.Session) {
		stats := s.Context().Stats
		received += stats.PacketsReceived
		dropped += stats.FramesDropped
		seen[s.ID()] = stats.FramesDropped
		if prev := m.dropped[s.ID()]; stats.FramesDropped > prev {
			m.logger.Warn().
				Str("connection_id", connID).
				Str("session_id", s.ID()).
				Uint64("dropped", stats.FramesDropped-prev).
				Msg("inbound frames dropped")
		}
	})
	m.dropped = seen
	m.totals.PacketsReceived = received
	m.totals.FramesDropped = dropped
}

// sampleEgress фиксирует отправленные пакеты и ошибки отправки
func (m *flowMonitor) sampleEgress() {
	var sent, failed uint64
	seen := make(map[string]uint64)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.eachSession(func(connID string, s *rtp.Session) {
		stats := s.Context().Stats
		sent += stats.PacketsSent
		failed += stats.SendErrors
		seen[s.ID()] = stats.SendErrors
		if prev := m.sendErrors[s.ID()]; stats.SendErrors > prev {
			m.logger.Warn().
				Str("connection_id", connID).
				Str("session_id", s.ID()).
				Uint64("errors", stats.SendErrors-prev).
				Msg("outbound packets failed")
		}
	})
	m.sendErrors = seen
	m.totals.PacketsSent = sent
	m.totals.SendErrors = failed
}

func (m *flowMonitor) eachSession(fn func(connID string, s *rtp.Session)) {
	for _, conn := range m.connections.All() {
		for _, leg := range []connection.Leg{connection.LegPrimary, connection.LegSecondary} {
			if s := conn.Session(leg); s != nil {
				fn(conn.ID(), s)
			}
		}
	}
}
