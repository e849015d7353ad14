// Package rtp реализует автомат RTP сессии и ее медиа поток.
//
// Сессия открывает канал, привязывает его к адресу и закрывает его.
// Все операции канала асинхронные: запрос получает токен, завершение
// публикуется в mailbox сессии вместе с токеном. Завершение с чужим токеном
// или недопустимое в текущем состоянии считается устаревшим и игнорируется.
// Каждый запрос защищен таймаутом, который ставится в планировщик.
package rtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/arzzra/media_server/pkg/logging"
	"github.com/arzzra/media_server/pkg/mailbox"
	"github.com/arzzra/media_server/pkg/media_errors"
	"github.com/arzzra/media_server/pkg/metrics"
	"github.com/arzzra/media_server/pkg/scheduler"
)

// SessionState состояние RTP сессии
type SessionState string

const (
	StateClosed  SessionState = "closed"
	StateOpening SessionState = "opening"
	StateBinding SessionState = "binding"
	StateOpen    SessionState = "open"
	StateClosing SessionState = "closing"
)

// SessionEvent событие автомата RTP сессии
type SessionEvent string

const (
	EventOpen   SessionEvent = "open"
	EventOpened SessionEvent = "opened"
	EventBound  SessionEvent = "bound"
	EventClose  SessionEvent = "close"
	EventClosed SessionEvent = "closed"
	EventFail   SessionEvent = "fail"
)

// DefaultOperationTimeout таймаут одной операции канала
const DefaultOperationTimeout = 5 * time.Second

// Timers планировщик таймаутов сессии
type Timers interface {
	Now() time.Time
	Schedule(task scheduler.Task, priority scheduler.Priority, dueAt time.Time) error
	Cancel(id string) bool
}

// Listener получает уведомления о жизненном цикле сессии
type Listener interface {
	OnSessionOpen(s *Session)
	OnSessionClosed(s *Session)
	OnSessionFailed(s *Session, err error)
}

// ListenerFuncs адаптер функций к Listener. Пустые поля пропускаются.
type ListenerFuncs struct {
	Open   func(s *Session)
	Closed func(s *Session)
	Failed func(s *Session, err error)
}

func (l ListenerFuncs) OnSessionOpen(s *Session) {
	if l.Open != nil {
		l.Open(s)
	}
}

func (l ListenerFuncs) OnSessionClosed(s *Session) {
	if l.Closed != nil {
		l.Closed(s)
	}
}

func (l ListenerFuncs) OnSessionFailed(s *Session, err error) {
	if l.Failed != nil {
		l.Failed(s, err)
	}
}

// SessionConfig параметры RTP сессии
type SessionConfig struct {
	ID      string // пустой ID генерируется
	Media   MediaType
	Formats Formats // пустой набор означает DefaultAudioFormats

	Timers           Timers // обязателен
	OperationTimeout time.Duration
	SSRC             *SSRCAllocator
	Listener         Listener

	Ptime         time.Duration
	QueueCapacity int
	Logger        zerolog.Logger
	Observer      metrics.Observer
}

// opKind вид операции канала
type opKind int

const (
	opNone opKind = iota
	opOpen
	opBind
	opClose
)

func (k opKind) String() string {
	switch k {
	case opOpen:
		return "open"
	case opBind:
		return "bind"
	case opClose:
		return "close"
	default:
		return "none"
	}
}

// failureCode код ошибки для сбоя операции
func (k opKind) failureCode() media_errors.ErrorCode {
	switch k {
	case opOpen:
		return media_errors.CodeTransportOpenFailure
	case opBind:
		return media_errors.CodeBindFailure
	default:
		return media_errors.CodeTransportCloseFailure
	}
}

// operation ожидающий запрос к каналу
type operation struct {
	token uint64
	kind  opKind
}

// Session автомат RTP сессии
type Session struct {
	id       string
	media    MediaType
	formats  Formats
	ptime    time.Duration
	timeout  time.Duration
	timers   Timers
	ssrcPool *SSRCAllocator
	listener Listener
	observer metrics.Observer
	logger   zerolog.Logger

	box *mailbox.Mailbox
	sm  *fsm.FSM

	// Поля ниже изменяются только обработчиками mailbox
	channel  Channel
	bindAddr net.Addr
	pending  operation
	tokens   uint64
	finished bool
	openDone func(error)
	closeCbs []func(error)

	// Контекст для чтения извне и из горутины такта графа
	ctxMu      sync.RWMutex
	ssrc       uint32
	localAddr  net.Addr
	remoteAddr net.Addr
	txChannel  Channel

	stats  statsTracker
	ready  atomic.Bool
	stream *Stream
}

// NewSession создает сессию в состоянии closed
func NewSession(config SessionConfig) (*Session, error) {
	if config.Timers == nil {
		return nil, fmt.Errorf("планировщик таймаутов обязателен")
	}
	if config.ID == "" {
		config.ID = uuid.NewString()
	}
	if len(config.Formats) == 0 {
		config.Formats = DefaultAudioFormats()
	}
	if config.OperationTimeout <= 0 {
		config.OperationTimeout = DefaultOperationTimeout
	}
	if config.Ptime <= 0 {
		config.Ptime = DefaultPtime
	}
	if config.SSRC == nil {
		config.SSRC = NewSSRCAllocator()
	}
	if config.Listener == nil {
		config.Listener = ListenerFuncs{}
	}
	if config.Observer == nil {
		config.Observer = metrics.NopObserver{}
	}

	ssrc, err := config.SSRC.Allocate()
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:       config.ID,
		media:    config.Media,
		formats:  config.Formats,
		ptime:    config.Ptime,
		timeout:  config.OperationTimeout,
		timers:   config.Timers,
		ssrcPool: config.SSRC,
		listener: config.Listener,
		observer: config.Observer,
		ssrc:     ssrc,
	}
	s.logger = logging.WithComponent(config.Logger, "rtp_session").With().
		Str("session_id", s.id).
		Uint32("ssrc", ssrc).
		Logger()
	s.box = mailbox.New(func(r interface{}) {
		s.logger.Error().Interface("panic", r).Msg("session handler panicked")
	})
	s.stream = newStream(s, config.QueueCapacity)
	s.initStateMachine()

	return s, nil
}

// initStateMachine строит таблицу переходов
func (s *Session) initStateMachine() {
	s.sm = fsm.NewFSM(
		string(StateClosed),
		fsm.Events{
			{Name: string(EventOpen), Src: []string{string(StateClosed)}, Dst: string(StateOpening)},
			{Name: string(EventOpened), Src: []string{string(StateOpening)}, Dst: string(StateBinding)},
			{Name: string(EventBound), Src: []string{string(StateBinding)}, Dst: string(StateOpen)},
			{Name: string(EventClose), Src: []string{string(StateOpen), string(StateOpening), string(StateBinding)}, Dst: string(StateClosing)},
			{Name: string(EventClosed), Src: []string{string(StateClosing)}, Dst: string(StateClosed)},
			{Name: string(EventFail), Src: []string{string(StateOpening), string(StateBinding), string(StateOpen), string(StateClosing)}, Dst: string(StateClosed)},
		},
		fsm.Callbacks{
			"before_" + string(EventOpen): func(_ context.Context, e *fsm.Event) {
				if s.finished {
					e.Cancel(media_errors.New(media_errors.CodeInvalidState, "сессия уже была закрыта и не может быть открыта повторно"))
				}
			},
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.onEnterState(e)
			},
		},
	)
}

func (s *Session) onEnterState(e *fsm.Event) {
	s.logger.Debug().
		Str("event", e.Event).
		Str("from", e.Src).
		Str("to", e.Dst).
		Msg("state changed")
	s.observer.MachineTransition(metrics.Transition{
		Machine: "rtp_session",
		ID:      s.id,
		Event:   e.Event,
		From:    e.Src,
		To:      e.Dst,
	})
}

// ID идентификатор сессии
func (s *Session) ID() string { return s.id }

// State текущее состояние
func (s *Session) State() SessionState {
	return SessionState(s.sm.Current())
}

// IsOpen проверяет готовность сессии к передаче медиа
func (s *Session) IsOpen() bool {
	return s.ready.Load()
}

// Context возвращает копию контекста сессии
func (s *Session) Context() SessionContext {
	s.ctxMu.RLock()
	defer s.ctxMu.RUnlock()

	formats := make(Formats, len(s.formats))
	copy(formats, s.formats)
	return SessionContext{
		ID:         s.id,
		SSRC:       s.ssrc,
		Media:      s.media,
		Formats:    formats,
		LocalAddr:  s.localAddr,
		RemoteAddr: s.remoteAddr,
		State:      s.sm.Current(),
		Stats:      s.stats.snapshot(s.stream.inbound.Dropped()),
	}
}

// Stream медиа поток сессии
func (s *Session) Stream() *Stream {
	return s.stream
}

// SetRemoteAddr задает адрес назначения исходящего медиа
func (s *Session) SetRemoteAddr(addr net.Addr) {
	s.ctxMu.Lock()
	defer s.ctxMu.Unlock()
	s.remoteAddr = addr
}

func (s *Session) remote() net.Addr {
	s.ctxMu.RLock()
	defer s.ctxMu.RUnlock()
	return s.remoteAddr
}

// Open запускает открытие канала и привязку к addr. done вызывается один раз:
// nil после перехода в open, иначе с причиной сбоя.
func (s *Session) Open(channel Channel, addr net.Addr, done func(error)) {
	s.post(func() { s.handleOpen(channel, addr, done) })
}

// Close закрывает сессию. done вызывается после перехода в closed.
// Для уже закрытой сессии done вызывается сразу с nil.
func (s *Session) Close(done func(error)) {
	s.post(func() { s.handleClose(done) })
}

// Fail переводит сессию в closed с ошибкой, например при отказе транспорта
func (s *Session) Fail(err error) {
	s.post(func() {
		if !s.sm.Can(string(EventFail)) {
			s.logger.Debug().Err(err).Str("state", s.sm.Current()).Msg("fail ignored")
			return
		}
		s.fail(err)
	})
}

func (s *Session) post(fn func()) {
	if !s.box.Post(fn) {
		s.logger.Warn().Msg("mailbox closed, event dropped")
	}
}

func (s *Session) handleOpen(channel Channel, addr net.Addr, done func(error)) {
	if channel == nil {
		callback(done, media_errors.New(media_errors.CodeTransportOpenFailure, "канал не задан"))
		return
	}
	if err := s.sm.Event(context.Background(), string(EventOpen)); err != nil {
		s.logger.Warn().Err(err).Str("state", s.sm.Current()).Msg("open rejected")
		callback(done, rejection(err))
		return
	}

	s.channel = channel
	s.bindAddr = addr
	s.openDone = done

	op := s.begin(opOpen)
	channel.Open(func(err error) {
		s.post(func() { s.onCompletion(op, err) })
	})
}

func (s *Session) handleClose(done func(error)) {
	state := SessionState(s.sm.Current())
	switch {
	case state == StateClosing:
		if done != nil {
			s.closeCbs = append(s.closeCbs, done)
		}
		return
	case state == StateClosed:
		callback(done, nil)
		return
	}

	wasOpening := state == StateOpening || state == StateBinding
	if err := s.sm.Event(context.Background(), string(EventClose)); err != nil {
		s.logger.Warn().Err(err).Msg("close rejected")
		callback(done, rejection(err))
		return
	}
	if done != nil {
		s.closeCbs = append(s.closeCbs, done)
	}

	s.stopMedia()

	if wasOpening {
		// Незавершенный запрос становится устаревшим
		s.logger.Debug().Str("abandoned", s.pending.kind.String()).Msg("close while opening")
		s.resolveOpen(media_errors.New(media_errors.CodeAborted, "открытие прервано закрытием"))
	}

	op := s.begin(opClose)
	s.channel.Close(func(err error) {
		s.post(func() { s.onCompletion(op, err) })
	})
}

// begin регистрирует новую операцию и взводит ее таймаут
func (s *Session) begin(kind opKind) operation {
	s.tokens++
	op := operation{token: s.tokens, kind: kind}
	s.pending = op

	task := scheduler.Task{
		ID: s.timeoutTaskID(),
		Run: func(time.Time) error {
			s.post(func() { s.onTimeout(op) })
			return nil
		},
	}
	if err := s.timers.Schedule(task, scheduler.PriorityHousekeeping, s.timers.Now().Add(s.timeout)); err != nil {
		s.logger.Error().Err(err).Str("operation", kind.String()).Msg("failed to arm timeout")
	}
	return op
}

// settle снимает ожидающую операцию
func (s *Session) settle() {
	s.pending = operation{}
	s.timers.Cancel(s.timeoutTaskID())
}

func (s *Session) timeoutTaskID() string {
	return "rtp-timeout-" + s.id
}

func (s *Session) onCompletion(op operation, err error) {
	if op != s.pending {
		s.logger.Debug().
			Str("operation", op.kind.String()).
			Uint64("token", op.token).
			Str("state", s.sm.Current()).
			Msg("stale completion ignored")
		return
	}
	s.settle()

	if err != nil {
		s.fail(media_errors.Wrap(op.kind.failureCode(), err, fmt.Sprintf("операция %s завершилась ошибкой", op.kind)))
		return
	}

	var event SessionEvent
	switch op.kind {
	case opOpen:
		event = EventOpened
	case opBind:
		event = EventBound
	case opClose:
		event = EventClosed
	}
	if !s.sm.Can(string(event)) {
		s.logger.Debug().Str("event", string(event)).Str("state", s.sm.Current()).Msg("completion not valid in state")
		return
	}
	if err := s.sm.Event(context.Background(), string(event)); err != nil {
		s.logger.Error().Err(err).Str("event", string(event)).Msg("transition failed")
		return
	}

	switch event {
	case EventOpened:
		s.requestBind()
	case EventBound:
		s.onBound()
	case EventClosed:
		s.onClosed(nil)
	}
}

func (s *Session) onTimeout(op operation) {
	if op != s.pending {
		return
	}
	s.settle()
	s.logger.Warn().Str("operation", op.kind.String()).Dur("timeout", s.timeout).Msg("operation timed out")
	s.fail(media_errors.Newf(media_errors.CodeOperationTimeout, "операция %s не завершилась за %s", op.kind, s.timeout).
		WithContext("session_id", s.id))
}

func (s *Session) requestBind() {
	op := s.begin(opBind)
	s.channel.Bind(s.bindAddr, func(err error) {
		s.post(func() { s.onCompletion(op, err) })
	})
}

func (s *Session) onBound() {
	local := s.bindAddr
	if la, ok := s.channel.(LocalAddresser); ok {
		if addr := la.LocalAddr(); addr != nil {
			local = addr
		}
	}
	s.ctxMu.Lock()
	s.localAddr = local
	s.txChannel = s.channel
	s.ctxMu.Unlock()

	s.attachReceiver()
	s.ready.Store(true)

	s.logger.Info().Stringer("local_addr", addrStringer{local}).Msg("session open")
	s.resolveOpen(nil)
	s.listener.OnSessionOpen(s)
}

// fail выполняет переход fail и освобождает частично занятые ресурсы
func (s *Session) fail(err error) {
	from := SessionState(s.sm.Current())
	if ferr := s.sm.Event(context.Background(), string(EventFail)); ferr != nil {
		s.logger.Error().Err(ferr).Msg("fail transition rejected")
		return
	}
	s.settle()
	s.stopMedia()

	if from != StateClosing && s.channel != nil {
		channel := s.channel
		logger := s.logger
		channel.Close(func(cerr error) {
			if cerr != nil {
				logger.Warn().Err(cerr).Msg("release after failure failed")
			}
		})
	}

	s.logger.Error().Err(err).Str("from", string(from)).Msg("session failed")
	s.observer.MachineFailed("rtp_session", s.id, err)

	s.resolveOpen(err)
	s.onClosed(err)
	s.listener.OnSessionFailed(s, err)
}

// onClosed освобождает ресурсы сессии в терминальном состоянии
func (s *Session) onClosed(err error) {
	s.finished = true
	s.channel = nil
	s.ssrcPool.Release(s.ssrc)
	s.stream.inbound.Reset()

	cbs := s.closeCbs
	s.closeCbs = nil
	for _, cb := range cbs {
		cb(err)
	}
	if err == nil {
		s.logger.Info().Msg("session closed")
		s.listener.OnSessionClosed(s)
	}
}

func (s *Session) resolveOpen(err error) {
	done := s.openDone
	s.openDone = nil
	callback(done, err)
}

// stopMedia останавливает медиа до освобождения канала
func (s *Session) stopMedia() {
	s.ready.Store(false)
	s.ctxMu.Lock()
	s.txChannel = nil
	s.ctxMu.Unlock()
	s.detachReceiver()
}

func (s *Session) attachReceiver() {
	if r, ok := s.channel.(PacketReceiver); ok {
		r.SetPacketHandler(s.stream.deliver)
	}
}

func (s *Session) detachReceiver() {
	if r, ok := s.channel.(PacketReceiver); ok {
		r.SetPacketHandler(nil)
	}
}

func (s *Session) sender() PacketSender {
	ch := s.currentChannel()
	sender, _ := ch.(PacketSender)
	return sender
}

func (s *Session) currentChannel() Channel {
	s.ctxMu.RLock()
	defer s.ctxMu.RUnlock()
	return s.txChannel
}

func callback(done func(error), err error) {
	if done != nil {
		done(err)
	}
}

// rejection приводит ошибку looplab/fsm к InvalidState
func rejection(err error) error {
	var canceled fsm.CanceledError
	if errors.As(err, &canceled) && canceled.Err != nil {
		return canceled.Err
	}
	return media_errors.Wrap(media_errors.CodeInvalidState, err, "событие недопустимо в текущем состоянии")
}

type addrStringer struct{ addr net.Addr }

func (a addrStringer) String() string {
	if a.addr == nil {
		return ""
	}
	return a.addr.String()
}
