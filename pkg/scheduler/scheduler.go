// Package scheduler реализует приоритетный планировщик мягкого реального времени.
//
// Все периодические медиа операции и таймеры протоколов выполняются через
// единый планировщик. За один проход RunDue выбирается ожидающая задача
// наименьшего класса приоритета, срок которой наступил. Периодические задачи
// переставляются на dueAt+interval, поэтому каденс не накапливает дрейф.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arzzra/media_server/pkg/logging"
	"github.com/arzzra/media_server/pkg/media_errors"
	"github.com/arzzra/media_server/pkg/metrics"
)

const (
	DefaultTickInterval    = 20 * time.Millisecond
	DefaultMaxTickDuration = 15 * time.Millisecond
	DefaultMaxQueueDepth   = 10000
)

// Task единица работы планировщика
type Task struct {
	ID       string
	Run      func(now time.Time) error
	Interval time.Duration // 0 - однократная задача
}

// Config параметры планировщика
type Config struct {
	TickInterval    time.Duration
	MaxTickDuration time.Duration // длительность прохода, выше которой фиксируется перегрузка
	MaxQueueDepth   int           // глубина очереди, выше которой фиксируется перегрузка

	Clock    Clock
	Logger   zerolog.Logger
	Observer metrics.Observer
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		TickInterval:    DefaultTickInterval,
		MaxTickDuration: DefaultMaxTickDuration,
		MaxQueueDepth:   DefaultMaxQueueDepth,
		Clock:           WallClock{},
		Logger:          zerolog.Nop(),
		Observer:        metrics.NopObserver{},
	}
}

// Scheduler приоритетный планировщик задач
type Scheduler struct {
	config   Config
	clock    Clock
	logger   zerolog.Logger
	observer metrics.Observer

	mu     sync.Mutex
	queues [numPriorities]dueHeap
	index  map[string]*entry
	seq    uint64

	// Выполняемая сейчас задача и признак ее отмены во время выполнения
	running          *entry
	runningCancelled bool

	passMu sync.Mutex // один проход RunDue за раз

	loopMu  sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New создает планировщик
func New(config Config) *Scheduler {
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultTickInterval
	}
	if config.Clock == nil {
		config.Clock = WallClock{}
	}
	if config.Observer == nil {
		config.Observer = metrics.NopObserver{}
	}

	s := &Scheduler{
		config:   config,
		clock:    config.Clock,
		logger:   logging.WithComponent(config.Logger, "scheduler"),
		observer: config.Observer,
		index:    make(map[string]*entry),
	}
	for i := range s.queues {
		heap.Init(&s.queues[i])
	}
	return s
}

// Now текущее время часов планировщика
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// Schedule ставит задачу в очередь. Ожидающая запись с тем же ID заменяется.
func (s *Scheduler) Schedule(task Task, priority Priority, dueAt time.Time) error {
	if task.ID == "" {
		return fmt.Errorf("ID задачи обязателен")
	}
	if task.Run == nil {
		return fmt.Errorf("задача %s: функция Run обязательна", task.ID)
	}
	if !priority.Valid() {
		return fmt.Errorf("задача %s: недопустимый приоритет %d", task.ID, int(priority))
	}
	if task.Interval < 0 {
		return fmt.Errorf("задача %s: отрицательный интервал", task.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.index[task.ID]; ok {
		s.queues[old.priority].remove(old)
	}
	s.seq++
	e := &entry{task: task, priority: priority, dueAt: dueAt, seq: s.seq}
	heap.Push(&s.queues[priority], e)
	s.index[task.ID] = e
	return nil
}

// ScheduleAfter ставит задачу со сроком через delay от текущего времени
func (s *Scheduler) ScheduleAfter(task Task, priority Priority, delay time.Duration) error {
	return s.Schedule(task, priority, s.clock.Now().Add(delay))
}

// Cancel удаляет ожидающую задачу. Для неизвестного ID возвращает false.
// Отмена периодической задачи во время ее выполнения запрещает повторную постановку.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.index[id]; ok {
		s.queues[e.priority].remove(e)
		delete(s.index, id)
		return true
	}
	if s.running != nil && s.running.task.ID == id && !s.runningCancelled {
		s.runningCancelled = true
		return true
	}
	return false
}

// Pending проверяет наличие ожидающей записи
func (s *Scheduler) Pending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[id]
	return ok
}

// Depth число ожидающих записей во всех классах
func (s *Scheduler) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// RunDue выполняет один проход: все задачи со сроком <= now в порядке приоритета.
// Возвращает число выполненных задач.
func (s *Scheduler) RunDue(now time.Time) int {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	started := s.clock.Now()
	executed := 0
	for {
		e := s.next(now)
		if e == nil {
			break
		}
		s.execute(e, now)
		executed++
	}

	s.checkOverload(started, executed)
	return executed
}

// next извлекает следующую готовую задачу. Класс с меньшим значением
// просматривается первым, внутри класса порядок задает куча.
func (s *Scheduler) next(now time.Time) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.queues {
		top := s.queues[i].peek()
		if top == nil || top.dueAt.After(now) {
			continue
		}
		heap.Pop(&s.queues[i])
		delete(s.index, top.task.ID)
		s.running = top
		s.runningCancelled = false
		return top
	}
	return nil
}

func (s *Scheduler) execute(e *entry, now time.Time) {
	started := s.clock.Now()
	err := s.invoke(e, now)
	elapsed := s.clock.Now().Sub(started)

	s.observer.TaskExecuted(e.priority.String(), elapsed)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("task_id", e.task.ID).
			Str("priority", e.priority.String()).
			Msg("task failed")
		s.observer.TaskFailed(e.task.ID, e.priority.String(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cancelled := s.runningCancelled
	s.running = nil
	s.runningCancelled = false

	if e.task.Interval <= 0 || cancelled {
		return
	}
	// Задача могла переставить себя во время выполнения
	if _, replaced := s.index[e.task.ID]; replaced {
		return
	}
	s.seq++
	e.dueAt = e.dueAt.Add(e.task.Interval)
	e.seq = s.seq
	heap.Push(&s.queues[e.priority], e)
	s.index[e.task.ID] = e
}

// invoke запускает задачу, превращая панику в ошибку
func (s *Scheduler) invoke(e *entry, now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("task_id", e.task.ID).
				Bytes("stack", debug.Stack()).
				Msg("task panicked")
			err = fmt.Errorf("паника в задаче %s: %v", e.task.ID, r)
		}
	}()
	return e.task.Run(now)
}

func (s *Scheduler) checkOverload(started time.Time, executed int) {
	passDuration := s.clock.Now().Sub(started)
	depth := s.Depth()

	overTime := s.config.MaxTickDuration > 0 && passDuration > s.config.MaxTickDuration
	overDepth := s.config.MaxQueueDepth > 0 && depth > s.config.MaxQueueDepth
	if !overTime && !overDepth {
		return
	}

	report := metrics.OverloadReport{
		QueueDepth:    depth,
		MaxQueueDepth: s.config.MaxQueueDepth,
		PassDuration:  passDuration,
		MaxPassTime:   s.config.MaxTickDuration,
		Executed:      executed,
		Timestamp:     started,
	}
	err := media_errors.New(media_errors.CodeSchedulerOverload, "проход планировщика превысил бюджет")
	s.logger.Warn().
		Err(err).
		Int("queue_depth", depth).
		Dur("pass_duration", passDuration).
		Int("executed", executed).
		Msg("scheduler overload")
	s.observer.SchedulerOverload(report)
}

// Start запускает цикл планировщика на тикере
func (s *Scheduler) Start(ctx context.Context) error {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()

	if s.started {
		return fmt.Errorf("планировщик уже запущен")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true

	go s.loop(loopCtx, s.done)

	s.logger.Info().Dur("tick", s.config.TickInterval).Msg("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunDue(s.clock.Now())
		}
	}
}

// Stop останавливает цикл и дожидается его завершения
func (s *Scheduler) Stop() {
	s.loopMu.Lock()
	if !s.started {
		s.loopMu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.started = false
	s.loopMu.Unlock()

	cancel()
	<-done
	s.logger.Info().Msg("scheduler stopped")
}

// Run блокирует до отмены ctx. Удобно для errgroup.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}
