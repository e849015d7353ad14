// Package core связывает планировщик, граф маршрутизации, эндпоинты
// и соединения в один медиа сервер.
//
// Server принимает запросы командного слоя (создать и активировать эндпоинт,
// создать и удалить соединение) и пробрасывает их в автоматы. Передача
// кадров по графу выполняется периодической задачей планировщика.
package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/arzzra/media_server/pkg/audio"
	"github.com/arzzra/media_server/pkg/config"
	"github.com/arzzra/media_server/pkg/logging"
	"github.com/arzzra/media_server/pkg/media_errors"
	"github.com/arzzra/media_server/pkg/metrics"
	"github.com/arzzra/media_server/pkg/mgcp/connection"
	"github.com/arzzra/media_server/pkg/mgcp/endpoint"
	"github.com/arzzra/media_server/pkg/rtp"
	"github.com/arzzra/media_server/pkg/scheduler"
)

// Виды эндпоинтов
const (
	KindMixer    = "mixer"
	KindSplitter = "splitter"
)

// Идентификаторы периодических задач
const (
	TransferTaskID   = "graph-transfer"
	StatisticsTaskID = "statistics"
	IngressTaskID    = "ingress-watch"
	EgressTaskID     = "egress-watch"
)

// DefaultStatisticsInterval период сводки состояния в лог
const DefaultStatisticsInterval = 10 * time.Second

// Options зависимости сервера, не задаваемые конфигурацией
type Options struct {
	Logger   zerolog.Logger
	Observer metrics.Observer
	// Clock часы планировщика, nil - системные
	Clock scheduler.Clock
	// Channels поставщик каналов, nil - UDP каналы из конфигурации
	Channels rtp.ChannelProvider
	// Combiner сведение микшеров, nil - LinearCombiner
	Combiner audio.Combiner

	StatisticsInterval time.Duration
}

// ConnectionRequest запрос командного слоя на создание соединения
type ConnectionRequest struct {
	EndpointID          string
	Secondary           bool
	Media               rtp.MediaType
	Formats             rtp.Formats
	RemoteAddr          net.Addr
	SecondaryRemoteAddr net.Addr
	// RemoteSDP описание удаленной стороны. Форматы и адрес из него
	// используются, если Formats и RemoteAddr не заданы явно.
	RemoteSDP []byte
}

// Server медиа сервер
type Server struct {
	config     config.Config
	root       zerolog.Logger
	logger     zerolog.Logger
	observer   metrics.Observer
	priorities scheduler.PriorityMap
	statsEvery time.Duration

	sched       *scheduler.Scheduler
	graph       *audio.Graph
	ports       *rtp.PortManager
	providers   map[string]*endpoint.Provider
	endpoints   *endpoint.Registry
	connections *connection.Manager
	flow        *flowMonitor

	tick    atomic.Uint64
	tapSeq  atomic.Uint64
	started atomic.Bool
}

// New создает сервер. Задачи планировщика ставятся при Start.
func New(cfg config.Config, opts Options) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	priorities, err := cfg.PriorityMap()
	if err != nil {
		return nil, err
	}
	if opts.Observer == nil {
		opts.Observer = metrics.NopObserver{}
	}
	if opts.StatisticsInterval <= 0 {
		opts.StatisticsInterval = DefaultStatisticsInterval
	}

	s := &Server{
		config:     cfg,
		root:       opts.Logger,
		logger:     logging.WithComponent(opts.Logger, "media_server"),
		observer:   opts.Observer,
		priorities: priorities,
		statsEvery: opts.StatisticsInterval,
		graph:      audio.NewGraph(opts.Logger),
		endpoints:  endpoint.NewRegistry(),
	}

	schedCfg := cfg.SchedulerOptions()
	schedCfg.Clock = opts.Clock
	schedCfg.Logger = opts.Logger
	schedCfg.Observer = opts.Observer
	s.sched = scheduler.New(schedCfg)

	channels := opts.Channels
	if channels == nil {
		s.ports, err = rtp.NewPortManager(cfg.PortRange(), cfg.RTP.ProbePorts)
		if err != nil {
			return nil, err
		}
		channels, err = rtp.NewUDPProvider(cfg.RTP.BindAddress, s.ports, cfg.SocketOptions(), opts.Logger)
		if err != nil {
			return nil, err
		}
	}

	providerCfg := func(namespace string) endpoint.ProviderConfig {
		return endpoint.ProviderConfig{
			Namespace: namespace,
			Graph:     s.graph,
			Logger:    opts.Logger,
			Observer:  opts.Observer,
		}
	}
	s.providers = map[string]*endpoint.Provider{
		KindMixer:    endpoint.NewMixerProvider(providerCfg(cfg.Endpoints.MixerNamespace), opts.Combiner),
		KindSplitter: endpoint.NewSplitterProvider(providerCfg(cfg.Endpoints.SplitterNamespace)),
	}

	s.connections = connection.NewManager(connection.ManagerConfig{
		Channels:         channels,
		Timers:           s.sched,
		OperationTimeout: cfg.RTP.OperationTimeout,
		Ptime:            cfg.RTP.Ptime,
		QueueCapacity:    cfg.RTP.QueueCapacity,
		Logger:           opts.Logger,
		Observer:         opts.Observer,
	})
	s.flow = newFlowMonitor(s.connections, opts.Logger)

	return s, nil
}

// Scheduler планировщик сервера
func (s *Server) Scheduler() *scheduler.Scheduler { return s.sched }

// Graph граф маршрутизации
func (s *Server) Graph() *audio.Graph { return s.graph }

// Connections менеджер соединений
func (s *Server) Connections() *connection.Manager { return s.connections }

// Ports менеджер портов или nil для внешнего поставщика каналов
func (s *Server) Ports() *rtp.PortManager { return s.ports }

// Start ставит периодические задачи. Цикл планировщика запускается
// отдельно через Scheduler().Run или Run.
func (s *Server) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("сервер уже запущен")
	}

	now := s.sched.Now()
	tick := s.config.Scheduler.TickInterval

	// Порядок внутри такта задают классы: прием, сведение, отправка
	ingress := scheduler.Task{
		ID:       IngressTaskID,
		Interval: tick,
		Run: func(time.Time) error {
			s.flow.sampleIngress()
			return nil
		},
	}
	if err := s.sched.Schedule(ingress, s.priorities.Get("ingress", scheduler.PriorityInput), now); err != nil {
		return err
	}

	transfer := scheduler.Task{
		ID:       TransferTaskID,
		Interval: tick,
		Run: func(time.Time) error {
			s.graph.Transfer(s.tick.Add(1))
			return nil
		},
	}
	if err := s.sched.Schedule(transfer, s.priorities.Get("transfer", scheduler.PriorityMixer), now); err != nil {
		return err
	}

	egress := scheduler.Task{
		ID:       EgressTaskID,
		Interval: tick,
		Run: func(time.Time) error {
			s.flow.sampleEgress()
			return nil
		},
	}
	if err := s.sched.Schedule(egress, s.priorities.Get("egress", scheduler.PriorityOutput), now); err != nil {
		return err
	}

	stats := scheduler.Task{
		ID:       StatisticsTaskID,
		Interval: s.statsEvery,
		Run: func(time.Time) error {
			s.logStatistics()
			return nil
		},
	}
	if err := s.sched.Schedule(stats, s.priorities.Get("statistics", scheduler.PriorityHousekeeping), now.Add(s.statsEvery)); err != nil {
		return err
	}

	s.logger.Info().
		Dur("tick", tick).
		Str("mixer_namespace", s.config.Endpoints.MixerNamespace).
		Str("splitter_namespace", s.config.Endpoints.SplitterNamespace).
		Msg("media server started")
	return nil
}

// Run ставит задачи и выполняет цикл планировщика до отмены ctx
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	return s.sched.Run(ctx)
}

// Ticks число выполненных тактов графа
func (s *Server) Ticks() uint64 { return s.tick.Load() }

// Flow счетчики RTP потоков на момент последнего такта
func (s *Server) Flow() FlowStatistics { return s.flow.Totals() }

// CreateEndpoint создает неактивный эндпоинт вида kind
func (s *Server) CreateEndpoint(kind string) (*endpoint.Endpoint, error) {
	provider, ok := s.providers[kind]
	if !ok {
		return nil, media_errors.Newf(media_errors.CodeInvalidState, "неизвестный вид эндпоинта %q", kind)
	}
	e := provider.Provide()
	s.endpoints.Add(e)
	s.logger.Info().Str("endpoint_id", e.ID()).Str("kind", kind).Msg("endpoint created")
	return e, nil
}

// Endpoint ищет эндпоинт по ID
func (s *Server) Endpoint(id string) (*endpoint.Endpoint, error) {
	return s.endpoints.Get(id)
}

// Endpoints все эндпоинты
func (s *Server) Endpoints() []*endpoint.Endpoint {
	return s.endpoints.All()
}

// ActivateEndpoint активирует эндпоинт
func (s *Server) ActivateEndpoint(id string, done func(error)) error {
	e, err := s.endpoints.Get(id)
	if err != nil {
		return err
	}
	e.Activate(done)
	return nil
}

// DeactivateEndpoint деактивирует эндпоинт и удаляет его соединения.
// done получает объединение ошибки деактивации и ошибок удаления.
func (s *Server) DeactivateEndpoint(id string, done func(error)) error {
	e, err := s.endpoints.Get(id)
	if err != nil {
		return err
	}
	e.Deactivate(func(deactivateErr error) {
		// Эндпоинт уже неактивен, компенсация регистрации завершится
		// с EndpointNotActive и будет засчитана
		err := s.DeleteEndpointConnections(id, func(results map[string]connection.Outcome) {
			errs := []error{deactivateErr}
			ids := make([]string, 0, len(results))
			for connID := range results {
				ids = append(ids, connID)
			}
			sort.Strings(ids)
			for _, connID := range ids {
				if o := results[connID]; o.Err != nil && (!o.OK() || o.ManualCleanup) {
					errs = append(errs, o.Err)
				}
			}
			if len(ids) > 0 {
				s.logger.Info().Str("endpoint_id", id).Int("connections", len(ids)).Msg("endpoint connections deleted on deactivation")
			}
			if done != nil {
				done(errors.Join(errs...))
			}
		})
		if err != nil && done != nil {
			done(errors.Join(deactivateErr, err))
		}
	})
	return nil
}

// RemoveEndpoint удаляет неактивный эндпоинт из реестра
func (s *Server) RemoveEndpoint(id string) error {
	e, err := s.endpoints.Get(id)
	if err != nil {
		return err
	}
	if e.IsActive() {
		return media_errors.Newf(media_errors.CodeInvalidState, "эндпоинт %s активен", id)
	}
	s.endpoints.Remove(id)
	return nil
}

// CreateConnection создает соединение на эндпоинте (CRCX)
func (s *Server) CreateConnection(req ConnectionRequest, done func(*connection.Connection, connection.Outcome)) (*connection.Connection, error) {
	e, err := s.endpoints.Get(req.EndpointID)
	if err != nil {
		return nil, err
	}

	formats, remoteAddr := req.Formats, req.RemoteAddr
	if len(req.RemoteSDP) > 0 {
		remote, err := rtp.ParseRemoteSDP(req.RemoteSDP, req.Media)
		if err != nil {
			return nil, media_errors.Wrap(media_errors.CodeInvalidState, err, "некорректное описание удаленной стороны")
		}
		if len(formats) == 0 {
			formats = remote.Formats
		}
		if remoteAddr == nil && remote.Addr != nil {
			remoteAddr = remote.Addr
		}
	}

	return s.connections.Create(connection.Request{
		Endpoint:            e,
		Secondary:           req.Secondary,
		Media:               req.Media,
		Formats:             formats,
		RemoteAddr:          remoteAddr,
		SecondaryRemoteAddr: req.SecondaryRemoteAddr,
	}, done)
}

// DeleteConnection удаляет соединение (DLCX)
func (s *Server) DeleteConnection(id string, done func(connection.Outcome)) error {
	return s.connections.Delete(id, done)
}

// DeleteEndpointConnections удаляет все соединения эндпоинта.
// done вызывается один раз после получения всех итогов.
func (s *Server) DeleteEndpointConnections(endpointID string, done func(map[string]connection.Outcome)) error {
	if _, err := s.endpoints.Get(endpointID); err != nil {
		return err
	}
	ids := s.connections.ByEndpoint(endpointID)
	results := make(map[string]connection.Outcome, len(ids))
	if len(ids) == 0 {
		if done != nil {
			done(results)
		}
		return nil
	}

	var mu sync.Mutex
	remaining := len(ids)
	record := func(id string, o connection.Outcome) {
		mu.Lock()
		results[id] = o
		remaining--
		last := remaining == 0
		mu.Unlock()
		if last && done != nil {
			done(results)
		}
	}
	for _, id := range ids {
		err := s.connections.Delete(id, func(o connection.Outcome) { record(id, o) })
		if err != nil {
			// Соединение завершилось между выборкой и удалением
			record(id, connection.Outcome{State: connection.StateDeleted, Reason: media_errors.CodeConnectionNotFound, Err: err})
		}
	}
	return nil
}

func (s *Server) logStatistics() {
	active := 0
	for _, e := range s.endpoints.All() {
		if e.IsActive() {
			active++
		}
	}
	ev := s.logger.Debug().
		Int("endpoints", s.endpoints.Len()).
		Int("active_endpoints", active).
		Int("connections", s.connections.Count()).
		Int("graph_nodes", s.graph.NodeCount()).
		Int("graph_edges", s.graph.EdgeCount()).
		Int("queue_depth", s.sched.Depth()).
		Uint64("ticks", s.tick.Load())
	flow := s.flow.Totals()
	ev = ev.Uint64("packets_received", flow.PacketsReceived).
		Uint64("frames_dropped", flow.FramesDropped).
		Uint64("packets_sent", flow.PacketsSent).
		Uint64("send_errors", flow.SendErrors)
	if s.ports != nil {
		ev = ev.Int("ports_in_use", s.ports.InUse()).Int("ports_available", s.ports.Available())
	}
	ev.Msg("media server statistics")
}
