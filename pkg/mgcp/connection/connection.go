// Package connection реализует жизненный цикл MGCP соединения (CRCX/DLCX).
//
// Создание соединения состоит из шагов: открыть основную RTP сессию,
// при необходимости открыть вторую сессию, зарегистрировать соединение
// в эндпоинте. Каждый успешный шаг записывается в журнал. При сбое любого
// шага журнал проигрывается в обратном порядке компенсирующими действиями
// и соединение переходит в failed. Снаружи видны только итоги Outcome.
package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/arzzra/media_server/pkg/audio"
	"github.com/arzzra/media_server/pkg/logging"
	"github.com/arzzra/media_server/pkg/mailbox"
	"github.com/arzzra/media_server/pkg/media_errors"
	"github.com/arzzra/media_server/pkg/metrics"
	"github.com/arzzra/media_server/pkg/mgcp/endpoint"
	"github.com/arzzra/media_server/pkg/rtp"
)

// State состояние соединения
type State string

const (
	StateIdle              State = "idle"
	StateCreatingPrimary   State = "creating_primary"
	StateCreatingSecondary State = "creating_secondary"
	StateRegistering       State = "registering"
	StateActive            State = "active"
	StateRollingBack       State = "rolling_back"
	StateFailed            State = "failed"
	StateDeleting          State = "deleting"
	StateDeleted           State = "deleted"
)

// Terminal проверяет, что состояние конечное
func (s State) Terminal() bool {
	return s == StateFailed || s == StateDeleted
}

// Event событие соединения
type Event string

const (
	EventCreate        Event = "create"
	EventPrimaryOpened Event = "primary_opened"
	EventRegister      Event = "register"
	EventRegistered    Event = "registered"
	EventRollback      Event = "rollback"
	EventRolledBack    Event = "rolled_back"
	EventDelete        Event = "delete"
	EventDeleted       Event = "deleted"
)

// Marker запись журнала выполненных шагов
type Marker string

const (
	MarkerPrimarySession   Marker = "primary_session"
	MarkerSecondarySession Marker = "secondary_session"
	MarkerRegistration     Marker = "registration"
)

// Leg плечо соединения
type Leg string

const (
	LegPrimary   Leg = "primary"
	LegSecondary Leg = "secondary"
)

// Endpoint эндпоинт, в котором регистрируется соединение
type Endpoint interface {
	ID() string
	RegisterConnection(conn endpoint.ConnectionMedia, done func(error))
	UnregisterConnection(connectionID string, done func(error))
}

// Outcome итог создания или удаления соединения.
// State одно из active, failed, deleted.
type Outcome struct {
	State         State
	Reason        media_errors.ErrorCode // код ошибки шага, 0 при успехе
	Err           error
	ManualCleanup bool
}

// OK проверяет успешность итога
func (o Outcome) OK() bool {
	return o.State == StateActive || o.State == StateDeleted
}

// Config параметры соединения
type Config struct {
	ID       string
	Endpoint Endpoint

	Secondary           bool
	Media               rtp.MediaType
	Formats             rtp.Formats
	RemoteAddr          net.Addr
	SecondaryRemoteAddr net.Addr

	Channels         rtp.ChannelProvider
	Timers           rtp.Timers
	SSRC             *rtp.SSRCAllocator
	OperationTimeout time.Duration
	Ptime            time.Duration
	QueueCapacity    int

	Logger   zerolog.Logger
	Observer metrics.Observer
}

// Connection автомат жизненного цикла соединения
type Connection struct {
	config   Config
	logger   zerolog.Logger
	observer metrics.Observer

	box *mailbox.Mailbox
	sm  *fsm.FSM

	// Изменяются только обработчиками mailbox
	token       uint64
	inflight    Marker
	cause       error
	cleanupErrs []error
	createDone  func(Outcome)
	deleteDone  []func(Outcome)

	// Журнал и сессии читаются извне под mu
	mu        sync.RWMutex
	log       []Marker
	primary   *rtp.Session
	secondary *rtp.Session
	outcome   *Outcome
}

// New создает соединение в состоянии idle
func New(config Config) (*Connection, error) {
	if config.ID == "" {
		return nil, fmt.Errorf("идентификатор соединения обязателен")
	}
	if config.Endpoint == nil {
		return nil, fmt.Errorf("эндпоинт соединения %s не задан", config.ID)
	}
	if config.Channels == nil {
		return nil, fmt.Errorf("провайдер каналов не задан")
	}
	if config.Timers == nil {
		return nil, fmt.Errorf("планировщик таймаутов не задан")
	}
	if config.Observer == nil {
		config.Observer = metrics.NopObserver{}
	}
	if config.SSRC == nil {
		config.SSRC = rtp.NewSSRCAllocator()
	}

	c := &Connection{
		config:   config,
		observer: config.Observer,
		logger: logging.WithComponent(config.Logger, "connection").With().
			Str("connection_id", config.ID).
			Str("endpoint_id", config.Endpoint.ID()).
			Logger(),
	}
	c.box = mailbox.New(func(r interface{}) {
		c.logger.Error().Interface("panic", r).Msg("connection handler panicked")
	})
	c.initStateMachine()
	return c, nil
}

func (c *Connection) initStateMachine() {
	creating := []string{string(StateCreatingPrimary), string(StateCreatingSecondary)}

	c.sm = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: string(EventCreate), Src: []string{string(StateIdle)}, Dst: string(StateCreatingPrimary)},
			{Name: string(EventPrimaryOpened), Src: []string{string(StateCreatingPrimary)}, Dst: string(StateCreatingSecondary)},
			{Name: string(EventRegister), Src: creating, Dst: string(StateRegistering)},
			{Name: string(EventRegistered), Src: []string{string(StateRegistering)}, Dst: string(StateActive)},
			{
				Name: string(EventRollback),
				Src:  append([]string{string(StateIdle), string(StateRegistering)}, creating...),
				Dst:  string(StateRollingBack),
			},
			{Name: string(EventRolledBack), Src: []string{string(StateRollingBack)}, Dst: string(StateFailed)},
			{Name: string(EventDelete), Src: []string{string(StateActive)}, Dst: string(StateDeleting)},
			{Name: string(EventDeleted), Src: []string{string(StateDeleting)}, Dst: string(StateDeleted)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.logger.Debug().Str("event", e.Event).Str("from", e.Src).Str("to", e.Dst).Msg("state changed")
				c.observer.MachineTransition(metrics.Transition{
					Machine: "connection",
					ID:      c.config.ID,
					Event:   e.Event,
					From:    e.Src,
					To:      e.Dst,
				})
			},
		},
	)
}

// ID идентификатор соединения
func (c *Connection) ID() string { return c.config.ID }

// EndpointID идентификатор эндпоинта соединения
func (c *Connection) EndpointID() string { return c.config.Endpoint.ID() }

// State текущее состояние
func (c *Connection) State() State { return State(c.sm.Current()) }

// CommitLog копия журнала выполненных шагов
func (c *Connection) CommitLog() []Marker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Marker(nil), c.log...)
}

// Session сессия плеча или nil
func (c *Connection) Session(leg Leg) *rtp.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if leg == LegSecondary {
		return c.secondary
	}
	return c.primary
}

// Outcome итог соединения. false пока итог не определен.
func (c *Connection) Outcome() (Outcome, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.outcome == nil {
		return Outcome{}, false
	}
	return *c.outcome, true
}

// Create запускает создание соединения. done вызывается один раз
// с итогом active или failed.
func (c *Connection) Create(done func(Outcome)) {
	c.post(func() {
		if err := c.sm.Event(context.Background(), string(EventCreate)); err != nil {
			c.logger.Warn().Err(err).Msg("create rejected")
			if done != nil {
				done(Outcome{State: c.State(), Reason: media_errors.CodeInvalidState, Err: rejection(err)})
			}
			return
		}
		c.createDone = done
		c.logger.Info().Bool("secondary", c.config.Secondary).Msg("creating connection")
		c.openLeg(LegPrimary)
	})
}

// Abort прерывает создание. Выполненные шаги и незавершенный шаг откатываются,
// итог создания failed с кодом Aborted. В остальных состояниях игнорируется.
func (c *Connection) Abort() {
	c.post(func() {
		if !c.sm.Can(string(EventRollback)) {
			c.logger.Debug().Str("state", c.sm.Current()).Msg("abort ignored")
			return
		}
		c.rollback(media_errors.New(media_errors.CodeAborted, "создание соединения прервано"), true)
	})
}

// Delete удаляет активное соединение (DLCX), откатывая все шаги журнала.
// Во время создания действует как Abort, done получает итог создания.
func (c *Connection) Delete(done func(Outcome)) {
	c.post(func() {
		state := c.State()
		switch {
		case state == StateActive:
			if err := c.sm.Event(context.Background(), string(EventDelete)); err != nil {
				c.logger.Error().Err(err).Msg("delete transition failed")
				return
			}
			c.deleteDone = append(c.deleteDone, done)
			c.logger.Info().Msg("deleting connection")
			c.unwind(false)
		case state == StateDeleting || state == StateRollingBack:
			c.deleteDone = append(c.deleteDone, done)
		case c.sm.Can(string(EventRollback)):
			c.deleteDone = append(c.deleteDone, done)
			c.rollback(media_errors.New(media_errors.CodeAborted, "соединение удалено во время создания"), true)
		default:
			if done != nil {
				done(Outcome{
					State:  state,
					Reason: media_errors.CodeInvalidState,
					Err:    media_errors.Newf(media_errors.CodeInvalidState, "соединение %s уже в состоянии %s", c.config.ID, state),
				})
			}
		}
	})
}

func (c *Connection) post(fn func()) {
	if !c.box.Post(fn) {
		c.logger.Warn().Msg("mailbox closed, event dropped")
	}
}

// next выдает токен нового запроса, прежние завершения становятся устаревшими
func (c *Connection) next() uint64 {
	c.token++
	return c.token
}

// openLeg создает и открывает сессию плеча
func (c *Connection) openLeg(leg Leg) {
	marker := legMarker(leg)
	token := c.next()

	channel, addr, err := c.config.Channels.Provide(c.config.Media)
	if err != nil {
		c.stepFailed(marker, err)
		return
	}
	session, err := c.newSession(leg)
	if err != nil {
		logger := c.logger
		channel.Close(func(cerr error) {
			if cerr != nil {
				logger.Warn().Err(cerr).Msg("failed to release channel")
			}
		})
		c.stepFailed(marker, err)
		return
	}

	c.mu.Lock()
	if leg == LegSecondary {
		c.secondary = session
	} else {
		c.primary = session
	}
	c.mu.Unlock()

	c.inflight = marker
	session.Open(channel, addr, func(err error) {
		c.post(func() { c.onLegOpened(token, leg, err) })
	})
}

func (c *Connection) newSession(leg Leg) (*rtp.Session, error) {
	remote := c.config.RemoteAddr
	if leg == LegSecondary {
		remote = c.config.SecondaryRemoteAddr
	}
	session, err := rtp.NewSession(rtp.SessionConfig{
		ID:               c.config.ID + "/" + string(leg),
		Media:            c.config.Media,
		Formats:          c.config.Formats,
		Timers:           c.config.Timers,
		OperationTimeout: c.config.OperationTimeout,
		SSRC:             c.config.SSRC,
		Listener:         rtp.ListenerFuncs{Failed: c.onSessionFailed},
		Ptime:            c.config.Ptime,
		QueueCapacity:    c.config.QueueCapacity,
		Logger:           c.config.Logger,
		Observer:         c.observer,
	})
	if err != nil {
		return nil, err
	}
	if remote != nil {
		session.SetRemoteAddr(remote)
	}
	return session, nil
}

func (c *Connection) onLegOpened(token uint64, leg Leg, err error) {
	if token != c.token {
		c.logger.Debug().Str("leg", string(leg)).Err(err).Msg("stale session completion ignored")
		return
	}
	marker := legMarker(leg)
	c.inflight = ""
	if err != nil {
		c.stepFailed(marker, err)
		return
	}
	c.commit(marker)

	if leg == LegPrimary && c.config.Secondary {
		c.transition(EventPrimaryOpened)
		c.openLeg(LegSecondary)
		return
	}
	c.transition(EventRegister)
	c.register()
}

func (c *Connection) register() {
	token := c.next()
	c.inflight = MarkerRegistration
	c.config.Endpoint.RegisterConnection(c.media(), func(err error) {
		c.post(func() { c.onRegistered(token, err) })
	})
}

func (c *Connection) onRegistered(token uint64, err error) {
	if token != c.token {
		c.logger.Debug().Err(err).Msg("stale registration completion ignored")
		return
	}
	c.inflight = ""
	if err != nil {
		c.stepFailed(MarkerRegistration, err)
		return
	}
	c.commit(MarkerRegistration)
	c.transition(EventRegistered)

	c.logger.Info().Msg("connection active")
	c.finish(Outcome{State: StateActive})
}

// stepFailed запускает откат сразу после сбоя шага, без повторов
func (c *Connection) stepFailed(step Marker, err error) {
	c.logger.Warn().Err(err).Str("step", string(step)).Msg("step failed")
	c.observer.MachineFailed("connection", c.config.ID, err)
	c.rollback(err, false)
}

// rollback переводит соединение в rolling_back. withInflight включает
// компенсацию незавершенного шага.
func (c *Connection) rollback(cause error, withInflight bool) {
	c.cause = cause
	c.transition(EventRollback)
	c.unwind(withInflight)
}

// unwind проигрывает журнал в обратном порядке
func (c *Connection) unwind(withInflight bool) {
	pending := c.inflight
	c.inflight = ""
	// Завершения ранее выданных запросов больше не принимаются
	c.next()

	if withInflight && pending != "" {
		c.logger.Debug().Str("step", string(pending)).Msg("compensating outstanding step")
		c.compensate(pending)
		return
	}
	c.compensateNext()
}

func (c *Connection) compensateNext() {
	c.mu.Lock()
	if len(c.log) == 0 {
		c.mu.Unlock()
		c.unwound()
		return
	}
	marker := c.log[len(c.log)-1]
	c.log = c.log[:len(c.log)-1]
	c.mu.Unlock()

	c.compensate(marker)
}

// compensate выполняет компенсирующее действие шага
func (c *Connection) compensate(marker Marker) {
	token := c.next()
	cb := func(err error) {
		c.post(func() { c.onCompensated(token, marker, err) })
	}

	c.logger.Debug().Str("step", string(marker)).Msg("compensating")
	switch marker {
	case MarkerRegistration:
		c.config.Endpoint.UnregisterConnection(c.config.ID, cb)
	case MarkerSecondarySession, MarkerPrimarySession:
		session := c.Session(markerLeg(marker))
		if session == nil {
			cb(nil)
			return
		}
		session.Close(cb)
	}
}

func (c *Connection) onCompensated(token uint64, marker Marker, err error) {
	if token != c.token {
		return
	}
	// Регистрации уже нет: незавершенный шаг не выполнился
	// или эндпоинт деактивирован
	if marker == MarkerRegistration &&
		(media_errors.Has(err, media_errors.CodeConnectionNotRegistered) ||
			media_errors.Has(err, media_errors.CodeEndpointNotActive)) {
		c.logger.Debug().Err(err).Msg("registration already gone")
		err = nil
	}
	if err != nil {
		rerr := media_errors.Wrap(media_errors.CodeRollbackFailure, err,
			fmt.Sprintf("компенсация шага %s не выполнена", marker)).
			WithContext("connection_id", c.config.ID)
		c.cleanupErrs = append(c.cleanupErrs, rerr)
		c.logger.Error().Err(rerr).Str("step", string(marker)).Msg("rollback step failed, manual cleanup required")
		c.observer.RollbackFailed(c.config.ID, rerr)
	}
	c.compensateNext()
}

// unwound завершает откат или удаление
func (c *Connection) unwound() {
	manual := len(c.cleanupErrs) > 0
	cleanup := errors.Join(c.cleanupErrs...)

	if c.State() == StateDeleting {
		c.transition(EventDeleted)
		c.logger.Info().Bool("manual_cleanup", manual).Msg("connection deleted")
		outcome := Outcome{State: StateDeleted, ManualCleanup: manual, Err: cleanup}
		if manual {
			outcome.Reason = media_errors.CodeRollbackFailure
		}
		c.finish(outcome)
		return
	}

	c.transition(EventRolledBack)
	outcome := Outcome{
		State:         StateFailed,
		Err:           errors.Join(c.cause, cleanup),
		ManualCleanup: manual,
	}
	if code, ok := media_errors.CodeOf(c.cause); ok {
		outcome.Reason = code
	} else {
		outcome.Reason = media_errors.CodeInvalidState
	}
	c.logger.Warn().Err(c.cause).Str("reason", outcome.Reason.String()).Bool("manual_cleanup", manual).Msg("connection failed")
	c.finish(outcome)
}

// finish фиксирует итог и уведомляет ожидающих
func (c *Connection) finish(outcome Outcome) {
	c.mu.Lock()
	c.outcome = &outcome
	c.mu.Unlock()

	if done := c.createDone; done != nil {
		c.createDone = nil
		done(outcome)
	}
	if outcome.State == StateActive {
		return
	}
	waiters := c.deleteDone
	c.deleteDone = nil
	for _, done := range waiters {
		if done != nil {
			done(outcome)
		}
	}
}

func (c *Connection) commit(marker Marker) {
	c.mu.Lock()
	c.log = append(c.log, marker)
	c.mu.Unlock()
	c.logger.Debug().Str("step", string(marker)).Msg("step committed")
}

func (c *Connection) transition(event Event) {
	if err := c.sm.Event(context.Background(), string(event)); err != nil {
		c.logger.Error().Err(err).Str("event", string(event)).Str("state", c.sm.Current()).Msg("transition failed")
	}
}

// onSessionFailed отказ сессии. Сбой незавершенного шага приходит через
// его завершение. Отказ уже зафиксированного плеча во время создания
// запускает откат, соединение в active только фиксирует отказ.
func (c *Connection) onSessionFailed(s *rtp.Session, err error) {
	c.post(func() {
		leg, ok := c.legOf(s)
		if !ok {
			return
		}
		marker := legMarker(leg)
		switch {
		case c.State() == StateActive:
			c.logger.Error().Err(err).Str("session_id", s.ID()).Msg("session of active connection failed")
			c.observer.MachineFailed("connection", c.config.ID, err)
		case c.committed(marker) && c.sm.Can(string(EventRollback)):
			c.logger.Warn().Err(err).Str("step", string(marker)).Msg("committed session failed during creation")
			c.observer.MachineFailed("connection", c.config.ID, err)
			c.rollback(err, true)
		}
	})
}

// legOf плечо, которому принадлежит сессия
func (c *Connection) legOf(s *rtp.Session) (Leg, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch s {
	case nil:
		return "", false
	case c.primary:
		return LegPrimary, true
	case c.secondary:
		return LegSecondary, true
	}
	return "", false
}

func (c *Connection) committed(marker Marker) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.log {
		if m == marker {
			return true
		}
	}
	return false
}

// media медиа основной сессии для регистрации в эндпоинте
func (c *Connection) media() endpoint.ConnectionMedia {
	stream := c.Session(LegPrimary).Stream()
	return connectionMedia{id: c.config.ID, source: stream.Source(), sink: stream.Sink()}
}

type connectionMedia struct {
	id     string
	source audio.Source
	sink   audio.Sink
}

func (m connectionMedia) ID() string           { return m.id }
func (m connectionMedia) Source() audio.Source { return m.source }
func (m connectionMedia) Sink() audio.Sink     { return m.sink }

func legMarker(leg Leg) Marker {
	if leg == LegSecondary {
		return MarkerSecondarySession
	}
	return MarkerPrimarySession
}

func markerLeg(marker Marker) Leg {
	if marker == MarkerSecondarySession {
		return LegSecondary
	}
	return LegPrimary
}

func rejection(err error) error {
	return media_errors.Wrap(media_errors.CodeInvalidState, err, "событие недопустимо в текущем состоянии")
}
