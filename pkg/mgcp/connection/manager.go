package connection

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arzzra/media_server/pkg/logging"
	"github.com/arzzra/media_server/pkg/media_errors"
	"github.com/arzzra/media_server/pkg/metrics"
	"github.com/arzzra/media_server/pkg/rtp"
)

// ManagerConfig общие параметры соединений
type ManagerConfig struct {
	Channels         rtp.ChannelProvider
	Timers           rtp.Timers
	SSRC             *rtp.SSRCAllocator
	OperationTimeout time.Duration
	Ptime            time.Duration
	QueueCapacity    int

	Logger   zerolog.Logger
	Observer metrics.Observer
}

// Request запрос на создание соединения (CRCX)
type Request struct {
	Endpoint            Endpoint
	Secondary           bool
	Media               rtp.MediaType
	Formats             rtp.Formats
	RemoteAddr          net.Addr
	SecondaryRemoteAddr net.Addr
}

// Manager реестр соединений. Соединения в конечном состоянии удаляются
// из реестра автоматически.
type Manager struct {
	config ManagerConfig
	logger zerolog.Logger

	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewManager создает менеджер соединений
func NewManager(config ManagerConfig) *Manager {
	if config.SSRC == nil {
		config.SSRC = rtp.NewSSRCAllocator()
	}
	if config.Observer == nil {
		config.Observer = metrics.NopObserver{}
	}
	return &Manager{
		config: config,
		logger: logging.WithComponent(config.Logger, "connection_manager"),
		conns:  make(map[string]*Connection),
	}
}

// Create регистрирует соединение и запускает его создание.
// done получает итог active или failed.
func (m *Manager) Create(req Request, done func(*Connection, Outcome)) (*Connection, error) {
	conn, err := New(Config{
		ID:                  uuid.NewString(),
		Endpoint:            req.Endpoint,
		Secondary:           req.Secondary,
		Media:               req.Media,
		Formats:             req.Formats,
		RemoteAddr:          req.RemoteAddr,
		SecondaryRemoteAddr: req.SecondaryRemoteAddr,
		Channels:            m.config.Channels,
		Timers:              m.config.Timers,
		SSRC:                m.config.SSRC,
		OperationTimeout:    m.config.OperationTimeout,
		Ptime:               m.config.Ptime,
		QueueCapacity:       m.config.QueueCapacity,
		Logger:              m.config.Logger,
		Observer:            m.config.Observer,
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.conns[conn.ID()] = conn
	m.mu.Unlock()

	m.logger.Debug().Str("connection_id", conn.ID()).Str("endpoint_id", conn.EndpointID()).Msg("connection registered")

	conn.Create(func(outcome Outcome) {
		if outcome.State.Terminal() {
			m.forget(conn.ID())
		}
		if done != nil {
			done(conn, outcome)
		}
	})
	return conn, nil
}

// Delete удаляет соединение (DLCX)
func (m *Manager) Delete(id string, done func(Outcome)) error {
	conn, err := m.Get(id)
	if err != nil {
		return err
	}
	conn.Delete(func(outcome Outcome) {
		if outcome.State.Terminal() {
			m.forget(id)
		}
		if done != nil {
			done(outcome)
		}
	})
	return nil
}

// Get ищет соединение по ID
func (m *Manager) Get(id string) (*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[id]
	if !ok {
		return nil, media_errors.Newf(media_errors.CodeConnectionNotFound, "соединение %s не найдено", id)
	}
	return conn, nil
}

// Count число соединений в реестре
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// All соединения реестра в порядке идентификаторов
func (m *Manager) All() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID() < conns[j].ID() })
	return conns
}

// ByEndpoint идентификаторы соединений эндпоинта в лексикографическом порядке
func (m *Manager) ByEndpoint(endpointID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, conn := range m.conns {
		if conn.EndpointID() == endpointID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.conns, id)
	m.mu.Unlock()
	m.logger.Debug().Str("connection_id", id).Msg("connection removed")
}
