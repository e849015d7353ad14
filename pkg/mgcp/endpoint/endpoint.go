// Package endpoint реализует автомат MGCP эндпоинта.
//
// Эндпоинт владеет узлом графа маршрутизации (микшер или разветвитель) и
// набором зарегистрированных соединений. Вариант эндпоинта задается Wiring,
// автомат у всех вариантов общий. Запросы выполняются в mailbox эндпоинта,
// результат сообщается через callback.
package endpoint

import (
	"context"
	"errors"
	"sync"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/arzzra/media_server/pkg/audio"
	"github.com/arzzra/media_server/pkg/logging"
	"github.com/arzzra/media_server/pkg/mailbox"
	"github.com/arzzra/media_server/pkg/media_errors"
	"github.com/arzzra/media_server/pkg/metrics"
)

// State состояние эндпоинта
type State string

const (
	StateInactive State = "inactive"
	StateActive   State = "active"
)

// Event событие эндпоинта
type Event string

const (
	EventActivate   Event = "activate"
	EventDeactivate Event = "deactivate"
)

// Config параметры эндпоинта
type Config struct {
	ID       string
	Wiring   Wiring
	Graph    *audio.Graph
	Logger   zerolog.Logger
	Observer metrics.Observer
}

// Endpoint автомат MGCP эндпоинта
type Endpoint struct {
	id       string
	wiring   Wiring
	graph    *audio.Graph
	logger   zerolog.Logger
	observer metrics.Observer

	box *mailbox.Mailbox
	sm  *fsm.FSM

	// Изменяются в mailbox, читаются под mu
	mu    sync.RWMutex
	node  audio.Node
	conns []ConnectionMedia
	taps  []audio.Sink
}

// New создает неактивный эндпоинт
func New(config Config) *Endpoint {
	if config.Observer == nil {
		config.Observer = metrics.NopObserver{}
	}

	e := &Endpoint{
		id:       config.ID,
		wiring:   config.Wiring,
		graph:    config.Graph,
		observer: config.Observer,
		logger: logging.WithComponent(config.Logger, "endpoint").With().
			Str("endpoint_id", config.ID).
			Str("kind", config.Wiring.Kind()).
			Logger(),
	}
	e.box = mailbox.New(func(r interface{}) {
		e.logger.Error().Interface("panic", r).Msg("endpoint handler panicked")
	})
	e.sm = fsm.NewFSM(
		string(StateInactive),
		fsm.Events{
			{Name: string(EventActivate), Src: []string{string(StateInactive)}, Dst: string(StateActive)},
			{Name: string(EventDeactivate), Src: []string{string(StateActive)}, Dst: string(StateInactive)},
		},
		fsm.Callbacks{
			"before_" + string(EventActivate): func(_ context.Context, ev *fsm.Event) {
				if err := e.attachNode(); err != nil {
					ev.Cancel(err)
				}
			},
			"enter_state": func(_ context.Context, ev *fsm.Event) {
				e.logger.Debug().Str("event", ev.Event).Str("from", ev.Src).Str("to", ev.Dst).Msg("state changed")
				e.observer.MachineTransition(metrics.Transition{
					Machine: "endpoint",
					ID:      e.id,
					Event:   ev.Event,
					From:    ev.Src,
					To:      ev.Dst,
				})
			},
		},
	)
	return e
}

// ID идентификатор эндпоинта
func (e *Endpoint) ID() string { return e.id }

// Kind вариант эндпоинта
func (e *Endpoint) Kind() string { return e.wiring.Kind() }

// State текущее состояние
func (e *Endpoint) State() State { return State(e.sm.Current()) }

// IsActive проверяет активность эндпоинта
func (e *Endpoint) IsActive() bool { return e.sm.Is(string(StateActive)) }

// Node узел графа активного эндпоинта или nil
func (e *Endpoint) Node() audio.Node {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.node
}

// RegisteredConnections идентификаторы соединений в порядке регистрации
func (e *Endpoint) RegisteredConnections() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, len(e.conns))
	for i, c := range e.conns {
		ids[i] = c.ID()
	}
	return ids
}

// Activate создает узел и подключает его к графу
func (e *Endpoint) Activate(done func(error)) {
	e.post(func() {
		err := e.sm.Event(context.Background(), string(EventActivate))
		if err != nil {
			err = rejection(err)
			e.logger.Warn().Err(err).Msg("activate rejected")
		} else {
			e.logger.Info().Msg("endpoint activated")
		}
		callback(done, err)
	})
}

// Deactivate отключает все соединения и освобождает узел.
// Для неактивного эндпоинта возвращает EndpointNotActive, граф не изменяется.
func (e *Endpoint) Deactivate(done func(error)) {
	e.post(func() {
		if !e.IsActive() {
			callback(done, e.notActive())
			return
		}

		var errs []error
		e.detachTaps()
		for len(e.conns) > 0 {
			conn := e.conns[len(e.conns)-1]
			if err := e.unregister(conn.ID()); err != nil {
				errs = append(errs, err)
			}
		}
		e.mu.Lock()
		node := e.node
		e.node = nil
		e.mu.Unlock()
		if err := e.wiring.Deactivate(e.graph, node); err != nil {
			errs = append(errs, err)
		}

		if err := e.sm.Event(context.Background(), string(EventDeactivate)); err != nil {
			errs = append(errs, rejection(err))
		}

		err := errors.Join(errs...)
		if err != nil {
			e.logger.Warn().Err(err).Msg("endpoint deactivated with errors")
		} else {
			e.logger.Info().Msg("endpoint deactivated")
		}
		callback(done, err)
	})
}

// RegisterConnection подключает медиа соединения к узлу эндпоинта
func (e *Endpoint) RegisterConnection(conn ConnectionMedia, done func(error)) {
	e.post(func() {
		callback(done, e.register(conn))
	})
}

// UnregisterConnection отключает соединение
func (e *Endpoint) UnregisterConnection(connectionID string, done func(error)) {
	e.post(func() {
		if !e.IsActive() {
			callback(done, e.notActive())
			return
		}
		callback(done, e.unregister(connectionID))
	})
}

// Taps идентификаторы подключенных к выходу узла приемников
func (e *Endpoint) Taps() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, len(e.taps))
	for i, t := range e.taps {
		ids[i] = t.ID()
	}
	return ids
}

// AttachTap подключает приемник (запись, анализ) к выходу узла активного
// эндпоинта. При деактивации приемник отключается.
func (e *Endpoint) AttachTap(sink audio.Sink, done func(error)) {
	e.post(func() {
		callback(done, e.attachTap(sink))
	})
}

// DetachTap отключает приемник от узла
func (e *Endpoint) DetachTap(sinkID string, done func(error)) {
	e.post(func() {
		e.mu.Lock()
		var sink audio.Sink
		for i, t := range e.taps {
			if t.ID() == sinkID {
				sink = t
				e.taps = append(e.taps[:i:i], e.taps[i+1:]...)
				break
			}
		}
		e.mu.Unlock()

		if sink == nil {
			callback(done, media_errors.Newf(media_errors.CodeNotJoined,
				"приемник %s не подключен к %s", sinkID, e.id))
			return
		}
		e.graph.Detach(sink)
		e.logger.Info().Str("tap", sinkID).Msg("tap detached")
		callback(done, nil)
	})
}

func (e *Endpoint) attachTap(sink audio.Sink) error {
	if !e.IsActive() {
		return e.notActive()
	}
	source, ok := e.Node().(audio.Source)
	if !ok {
		return media_errors.Newf(media_errors.CodeInvalidState, "узел эндпоинта %s не отдает кадры", e.id)
	}
	if err := e.graph.Join(sink, source); err != nil {
		return err
	}
	e.mu.Lock()
	e.taps = append(e.taps, sink)
	e.mu.Unlock()
	e.logger.Info().Str("tap", sink.ID()).Msg("tap attached")
	return nil
}

func (e *Endpoint) detachTaps() {
	e.mu.Lock()
	taps := e.taps
	e.taps = nil
	e.mu.Unlock()
	for _, t := range taps {
		e.graph.Detach(t)
	}
}

func (e *Endpoint) register(conn ConnectionMedia) error {
	if !e.IsActive() {
		return e.notActive()
	}
	if e.indexOf(conn.ID()) >= 0 {
		return media_errors.Newf(media_errors.CodeConnectionAlreadyRegistered,
			"соединение %s уже зарегистрировано в %s", conn.ID(), e.id).
			WithContext("endpoint_id", e.id)
	}

	e.mu.RLock()
	existing := append([]ConnectionMedia(nil), e.conns...)
	node := e.node
	e.mu.RUnlock()

	if err := e.wiring.Register(e.graph, node, conn, existing); err != nil {
		e.logger.Warn().Err(err).Str("connection_id", conn.ID()).Msg("register failed")
		return err
	}

	e.mu.Lock()
	e.conns = append(e.conns, conn)
	e.mu.Unlock()

	e.logger.Info().Str("connection_id", conn.ID()).Int("connections", len(existing)+1).Msg("connection registered")
	return nil
}

func (e *Endpoint) unregister(connectionID string) error {
	i := e.indexOf(connectionID)
	if i < 0 {
		return media_errors.Newf(media_errors.CodeConnectionNotRegistered,
			"соединение %s не зарегистрировано в %s", connectionID, e.id).
			WithContext("endpoint_id", e.id)
	}

	e.mu.Lock()
	conn := e.conns[i]
	e.conns = append(e.conns[:i:i], e.conns[i+1:]...)
	remaining := append([]ConnectionMedia(nil), e.conns...)
	node := e.node
	e.mu.Unlock()

	// Соединение удаляется из набора даже при ошибке графа
	err := e.wiring.Unregister(e.graph, node, conn, i, remaining)
	e.graph.Detach(conn.Source())
	e.graph.Detach(conn.Sink())
	if err != nil {
		e.logger.Warn().Err(err).Str("connection_id", connectionID).Msg("unregister wiring failed")
	} else {
		e.logger.Info().Str("connection_id", connectionID).Msg("connection unregistered")
	}
	return err
}

func (e *Endpoint) attachNode() error {
	node := e.wiring.NewNode(e.id)
	if err := e.wiring.Activate(e.graph, node); err != nil {
		return err
	}
	e.mu.Lock()
	e.node = node
	e.mu.Unlock()
	return nil
}

func (e *Endpoint) indexOf(connectionID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for i, c := range e.conns {
		if c.ID() == connectionID {
			return i
		}
	}
	return -1
}

func (e *Endpoint) notActive() error {
	return media_errors.Newf(media_errors.CodeEndpointNotActive, "эндпоинт %s не активен", e.id).
		WithContext("endpoint_id", e.id)
}

func (e *Endpoint) post(fn func()) {
	if !e.box.Post(fn) {
		e.logger.Warn().Msg("mailbox closed, request dropped")
	}
}

func callback(done func(error), err error) {
	if done != nil {
		done(err)
	}
}

// rejection приводит ошибку looplab/fsm к ошибке медиа сервера
func rejection(err error) error {
	var canceled fsm.CanceledError
	if errors.As(err, &canceled) && canceled.Err != nil {
		return canceled.Err
	}
	return media_errors.Wrap(media_errors.CodeInvalidState, err, "событие недопустимо в текущем состоянии")
}
