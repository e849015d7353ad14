package connection

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"github.com/arzzra/media_server/pkg/media_errors"
	"github.com/arzzra/media_server/pkg/metrics"
	"github.com/arzzra/media_server/pkg/mgcp/endpoint"
	"github.com/arzzra/media_server/pkg/rtp"
	"github.com/arzzra/media_server/pkg/scheduler"
)

// fakeClock управляемые тестом часы
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// journal общий порядок действий над ресурсами
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

func (j *journal) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

// scriptChannel канал с заранее заданными результатами операций.
// Операции завершаются сразу, кроме удержанного открытия.
type scriptChannel struct {
	name     string
	journal  *journal
	openErr  error
	bindErr  error
	closeErr error
	holdOpen bool

	mu       sync.Mutex
	heldOpen func(error)
	closes   int
}

func (c *scriptChannel) Open(cb func(error)) {
	c.journal.add(c.name + ":open")
	if c.holdOpen {
		c.mu.Lock()
		c.heldOpen = cb
		c.mu.Unlock()
		return
	}
	cb(c.openErr)
}

func (c *scriptChannel) Bind(_ net.Addr, cb func(error)) {
	c.journal.add(c.name + ":bind")
	cb(c.bindErr)
}

func (c *scriptChannel) Close(cb func(error)) {
	c.journal.add(c.name + ":close")
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	cb(c.closeErr)
}

func (c *scriptChannel) releaseOpen(err error) {
	c.mu.Lock()
	cb := c.heldOpen
	c.mu.Unlock()
	cb(err)
}

func (c *scriptChannel) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// scriptProvider выдает каналы по порядку
type scriptProvider struct {
	channels []*scriptChannel
	err      error
	next     int
}

func (p *scriptProvider) Provide(rtp.MediaType) (rtp.Channel, net.Addr, error) {
	if p.err != nil {
		return nil, nil, p.err
	}
	ch := p.channels[p.next]
	p.next++
	return ch, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000 + 2*p.next}, nil
}

// mockEndpoint мок эндпоинта. Регистрация может быть удержана тестом.
type mockEndpoint struct {
	mock.Mock
	journal *journal

	hold     bool
	mu       sync.Mutex
	heldDone func(error)
}

func (m *mockEndpoint) ID() string { return "ms/mock/1" }

func (m *mockEndpoint) RegisterConnection(conn endpoint.ConnectionMedia, done func(error)) {
	m.journal.add("endpoint:register")
	args := m.Called(conn.ID())
	if m.hold {
		m.mu.Lock()
		m.heldDone = done
		m.mu.Unlock()
		return
	}
	done(args.Error(0))
}

func (m *mockEndpoint) UnregisterConnection(connectionID string, done func(error)) {
	m.journal.add("endpoint:unregister")
	args := m.Called(connectionID)
	done(args.Error(0))
}

func (m *mockEndpoint) completeRegister(err error) {
	m.mu.Lock()
	done := m.heldDone
	m.mu.Unlock()
	done(err)
}

// outcomeRecorder фиксирует итоги
type outcomeRecorder struct {
	calls    int
	outcomes []Outcome
}

func (r *outcomeRecorder) fn() func(Outcome) {
	return func(o Outcome) {
		r.calls++
		r.outcomes = append(r.outcomes, o)
	}
}

func (r *outcomeRecorder) last() Outcome {
	return r.outcomes[len(r.outcomes)-1]
}

type ConnectionSuite struct {
	suite.Suite

	clock     *fakeClock
	sched     *scheduler.Scheduler
	observer  *metrics.Recorder
	journal   *journal
	primary   *scriptChannel
	secondary *scriptChannel
	provider  *scriptProvider
	endpoint  *mockEndpoint
}

func TestConnectionSuite(t *testing.T) {
	suite.Run(t, new(ConnectionSuite))
}

func (s *ConnectionSuite) SetupTest() {
	s.clock = &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg := scheduler.DefaultConfig()
	cfg.Clock = s.clock
	s.sched = scheduler.New(cfg)
	s.observer = &metrics.Recorder{}
	s.journal = &journal{}
	s.primary = &scriptChannel{name: "primary", journal: s.journal}
	s.secondary = &scriptChannel{name: "secondary", journal: s.journal}
	s.provider = &scriptProvider{channels: []*scriptChannel{s.primary, s.secondary}}
	s.endpoint = &mockEndpoint{journal: s.journal}
}

func (s *ConnectionSuite) newConnection(secondary bool) *Connection {
	conn, err := New(Config{
		ID:        "conn-1",
		Endpoint:  s.endpoint,
		Secondary: secondary,
		Media:     rtp.MediaAudio,
		Channels:  s.provider,
		Timers:    s.sched,
		Logger:    zerolog.Nop(),
		Observer:  s.observer,
	})
	s.Require().NoError(err)
	return conn
}

func (s *ConnectionSuite) create(conn *Connection) *outcomeRecorder {
	rec := &outcomeRecorder{}
	conn.Create(rec.fn())
	return rec
}

func (s *ConnectionSuite) TestCreateSingleLeg() {
	s.endpoint.On("RegisterConnection", "conn-1").Return(nil).Once()
	conn := s.newConnection(false)

	rec := s.create(conn)

	s.Require().Equal(1, rec.calls)
	s.Equal(Outcome{State: StateActive}, rec.last())
	s.Equal(StateActive, conn.State())
	s.Equal([]Marker{MarkerPrimarySession, MarkerRegistration}, conn.CommitLog())
	s.Equal([]string{"primary:open", "primary:bind", "endpoint:register"}, s.journal.all())
	s.True(conn.Session(LegPrimary).IsOpen())
	s.Nil(conn.Session(LegSecondary))
	s.endpoint.AssertExpectations(s.T())

	outcome, ok := conn.Outcome()
	s.True(ok)
	s.True(outcome.OK())
}

func (s *ConnectionSuite) TestCreateWithSecondaryLeg() {
	s.endpoint.On("RegisterConnection", "conn-1").Return(nil).Once()
	conn := s.newConnection(true)

	rec := s.create(conn)

	s.Equal(StateActive, rec.last().State)
	s.Equal([]Marker{MarkerPrimarySession, MarkerSecondarySession, MarkerRegistration}, conn.CommitLog())
	s.True(conn.Session(LegSecondary).IsOpen())

	var states []string
	for _, tr := range s.observer.TransitionsOf("connection", "conn-1") {
		states = append(states, tr.To)
	}
	s.Equal([]string{"creating_primary", "creating_secondary", "registering", "active"}, states)
}

func (s *ConnectionSuite) TestSecondaryOpenFailureRollsBackPrimary() {
	s.secondary.openErr = errors.New("socket unavailable")
	conn := s.newConnection(true)

	rec := s.create(conn)

	s.Require().Equal(1, rec.calls)
	outcome := rec.last()
	s.Equal(StateFailed, outcome.State)
	s.Equal(media_errors.CodeTransportOpenFailure, outcome.Reason)
	s.False(outcome.ManualCleanup)
	s.Equal(StateFailed, conn.State())
	s.Empty(conn.CommitLog())

	s.Equal(1, s.primary.closeCount(), "основная сессия закрыта")
	s.Equal(rtp.StateClosed, conn.Session(LegPrimary).State())
	s.endpoint.AssertNotCalled(s.T(), "RegisterConnection", mock.Anything)
}

func (s *ConnectionSuite) TestRegistrationFailureCompensatesInReverseOrder() {
	s.endpoint.On("RegisterConnection", "conn-1").
		Return(media_errors.New(media_errors.CodeEndpointNotActive, "inactive")).Once()
	conn := s.newConnection(true)

	rec := s.create(conn)

	outcome := rec.last()
	s.Equal(StateFailed, outcome.State)
	s.Equal(media_errors.CodeEndpointNotActive, outcome.Reason)
	s.Empty(conn.CommitLog())
	s.Equal([]string{
		"primary:open", "primary:bind",
		"secondary:open", "secondary:bind",
		"endpoint:register",
		"secondary:close", "primary:close",
	}, s.journal.all())
	s.endpoint.AssertNotCalled(s.T(), "UnregisterConnection", mock.Anything)
}

func (s *ConnectionSuite) TestPrimaryBindFailureHasNothingToCompensate() {
	s.primary.bindErr = errors.New("address in use")
	conn := s.newConnection(true)

	rec := s.create(conn)

	outcome := rec.last()
	s.Equal(StateFailed, outcome.State)
	s.Equal(media_errors.CodeBindFailure, outcome.Reason)
	s.Equal([]string{"primary:open", "primary:bind", "primary:close"}, s.journal.all(),
		"канал освобождается самой сессией")
	s.Equal(1, s.provider.next, "второе плечо не запрашивалось")
}

func (s *ConnectionSuite) TestChannelExhaustionFails() {
	s.provider.err = media_errors.New(media_errors.CodeNoResources, "нет свободных портов")
	conn := s.newConnection(false)

	rec := s.create(conn)

	s.Equal(StateFailed, rec.last().State)
	s.Equal(media_errors.CodeNoResources, rec.last().Reason)
	s.Empty(s.journal.all())
}

func (s *ConnectionSuite) TestRollbackFailureRequiresManualCleanup() {
	s.endpoint.On("RegisterConnection", "conn-1").
		Return(media_errors.New(media_errors.CodeEndpointNotActive, "inactive")).Once()
	s.secondary.closeErr = errors.New("close failed")
	conn := s.newConnection(true)

	rec := s.create(conn)

	outcome := rec.last()
	s.Equal(StateFailed, outcome.State)
	s.Equal(media_errors.CodeEndpointNotActive, outcome.Reason, "код шага, вызвавшего откат")
	s.True(outcome.ManualCleanup)
	s.ErrorIs(outcome.Err, media_errors.ErrRollbackFailure)
	s.Equal(1, s.observer.RollbackCount())
	s.Equal(1, s.primary.closeCount(), "оставшиеся компенсации выполнены")
	s.Equal(1, s.secondary.closeCount(), "неудачная компенсация не повторяется")
}

func (s *ConnectionSuite) TestAbortWhileOpeningPrimary() {
	s.primary.holdOpen = true
	conn := s.newConnection(false)

	rec := s.create(conn)
	s.Equal(StateCreatingPrimary, conn.State())
	s.Equal(0, rec.calls)

	conn.Abort()

	s.Require().Equal(1, rec.calls)
	s.Equal(StateFailed, rec.last().State)
	s.Equal(media_errors.CodeAborted, rec.last().Reason)
	s.Equal(1, s.primary.closeCount(), "незавершенная сессия закрыта")

	// Позднее завершение открытия не оживляет соединение
	s.primary.releaseOpen(nil)
	s.Equal(StateFailed, conn.State())
	s.Equal(rtp.StateClosed, conn.Session(LegPrimary).State())
	s.Equal(1, rec.calls)
	s.endpoint.AssertNotCalled(s.T(), "RegisterConnection", mock.Anything)
}

func (s *ConnectionSuite) TestAbortWhileRegistering() {
	s.endpoint.hold = true
	s.endpoint.On("RegisterConnection", "conn-1").Return(nil).Once()
	s.endpoint.On("UnregisterConnection", "conn-1").
		Return(media_errors.New(media_errors.CodeConnectionNotRegistered, "not registered")).Once()
	conn := s.newConnection(false)

	rec := s.create(conn)
	s.Equal(StateRegistering, conn.State())

	conn.Abort()

	s.Equal(StateFailed, rec.last().State)
	s.Equal(media_errors.CodeAborted, rec.last().Reason)
	s.False(rec.last().ManualCleanup)
	s.Equal([]string{
		"primary:open", "primary:bind",
		"endpoint:register", "endpoint:unregister",
		"primary:close",
	}, s.journal.all())

	s.endpoint.completeRegister(nil)
	s.Equal(StateFailed, conn.State())
	s.Equal(1, rec.calls)
}

func (s *ConnectionSuite) TestPrimaryFailureWhileOpeningSecondaryRollsBack() {
	s.secondary.holdOpen = true
	conn := s.newConnection(true)

	rec := s.create(conn)
	s.Require().Equal(StateCreatingSecondary, conn.State())

	lost := media_errors.New(media_errors.CodeTransportOpenFailure, "socket lost")
	conn.Session(LegPrimary).Fail(lost)

	s.Require().Equal(1, rec.calls)
	outcome := rec.last()
	s.Equal(StateFailed, outcome.State)
	s.Equal(media_errors.CodeTransportOpenFailure, outcome.Reason)
	s.False(outcome.ManualCleanup)
	s.Empty(conn.CommitLog())
	s.Equal(1, s.secondary.closeCount(), "незавершенная вторая сессия закрыта")

	// Позднее открытие второй сессии не продолжает создание
	s.secondary.releaseOpen(nil)
	s.Equal(StateFailed, conn.State())
	s.Equal(rtp.StateClosed, conn.Session(LegSecondary).State())
	s.Equal(1, rec.calls)
	s.endpoint.AssertNotCalled(s.T(), "RegisterConnection", mock.Anything)
}

func (s *ConnectionSuite) TestPrimaryFailureWhileRegisteringRollsBack() {
	s.endpoint.hold = true
	s.endpoint.On("RegisterConnection", "conn-1").Return(nil).Once()
	s.endpoint.On("UnregisterConnection", "conn-1").
		Return(media_errors.New(media_errors.CodeConnectionNotRegistered, "not registered")).Once()
	conn := s.newConnection(false)

	rec := s.create(conn)
	s.Require().Equal(StateRegistering, conn.State())

	conn.Session(LegPrimary).Fail(media_errors.New(media_errors.CodeOperationTimeout, "no media"))

	s.Require().Equal(1, rec.calls)
	s.Equal(StateFailed, rec.last().State)
	s.Equal(media_errors.CodeOperationTimeout, rec.last().Reason)
	s.Equal([]string{
		"primary:open", "primary:bind",
		"endpoint:register",
		"primary:close", "endpoint:unregister",
	}, s.journal.all())

	s.endpoint.completeRegister(nil)
	s.Equal(StateFailed, conn.State())
	s.Equal(1, rec.calls)
}

func (s *ConnectionSuite) TestAbortIgnoredWhenActive() {
	s.endpoint.On("RegisterConnection", "conn-1").Return(nil).Once()
	conn := s.newConnection(false)
	s.create(conn)

	conn.Abort()
	s.Equal(StateActive, conn.State())
}

func (s *ConnectionSuite) TestOperationTimeoutFailsCreation() {
	s.primary.holdOpen = true
	conn := s.newConnection(false)
	rec := s.create(conn)

	s.sched.RunDue(s.clock.Advance(rtp.DefaultOperationTimeout))

	s.Require().Equal(1, rec.calls)
	s.Equal(StateFailed, rec.last().State)
	s.Equal(media_errors.CodeOperationTimeout, rec.last().Reason)
}

func (s *ConnectionSuite) TestDeleteReplaysCommitLog() {
	s.endpoint.On("RegisterConnection", "conn-1").Return(nil).Once()
	s.endpoint.On("UnregisterConnection", "conn-1").Return(nil).Once()
	conn := s.newConnection(true)
	s.create(conn)

	rec := &outcomeRecorder{}
	conn.Delete(rec.fn())

	s.Require().Equal(1, rec.calls)
	s.Equal(Outcome{State: StateDeleted}, rec.last())
	s.Equal(StateDeleted, conn.State())
	s.Empty(conn.CommitLog())
	s.Equal([]string{"endpoint:unregister", "secondary:close", "primary:close"}, s.journal.all()[5:])

	again := &outcomeRecorder{}
	conn.Delete(again.fn())
	s.Equal(media_errors.CodeInvalidState, again.last().Reason)
	s.Equal(StateDeleted, again.last().State)
}

func (s *ConnectionSuite) TestDeleteToleratesDeactivatedEndpoint() {
	s.endpoint.On("RegisterConnection", "conn-1").Return(nil).Once()
	s.endpoint.On("UnregisterConnection", "conn-1").
		Return(media_errors.New(media_errors.CodeEndpointNotActive, "inactive")).Once()
	conn := s.newConnection(false)
	s.create(conn)

	rec := &outcomeRecorder{}
	conn.Delete(rec.fn())

	s.Equal(StateDeleted, rec.last().State)
	s.False(rec.last().ManualCleanup)
	s.Equal(0, s.observer.RollbackCount())
}

func (s *ConnectionSuite) TestDeleteDuringCreationAborts() {
	s.primary.holdOpen = true
	conn := s.newConnection(false)
	created := s.create(conn)

	deleted := &outcomeRecorder{}
	conn.Delete(deleted.fn())

	s.Equal(StateFailed, created.last().State)
	s.Equal(StateFailed, deleted.last().State)
	s.Equal(media_errors.CodeAborted, deleted.last().Reason)
}

func (s *ConnectionSuite) TestCreateTwiceRejected() {
	s.endpoint.On("RegisterConnection", "conn-1").Return(nil).Once()
	conn := s.newConnection(false)
	s.create(conn)

	rec := s.create(conn)
	s.Equal(media_errors.CodeInvalidState, rec.last().Reason)
	s.Equal(StateActive, conn.State())
}

func (s *ConnectionSuite) TestNewValidatesConfig() {
	_, err := New(Config{Endpoint: s.endpoint, Channels: s.provider, Timers: s.sched})
	s.Error(err)
	_, err = New(Config{ID: "c", Channels: s.provider, Timers: s.sched})
	s.Error(err)
	_, err = New(Config{ID: "c", Endpoint: s.endpoint, Timers: s.sched})
	s.Error(err)
	_, err = New(Config{ID: "c", Endpoint: s.endpoint, Channels: s.provider})
	s.Error(err)
}
