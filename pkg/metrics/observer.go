// Package metrics содержит коллаборатор наблюдаемости ядра.
//
// Observer - чистый приемник сигналов: перегрузка планировщика, ошибки задач,
// переходы и сбои автоматов, неудачные откаты. Никакое поведение ядра не
// зависит от того, что Observer делает с сигналом.
package metrics

import (
	"sync"
	"time"
)

// OverloadReport описание перегрузки планировщика за один проход
type OverloadReport struct {
	QueueDepth    int
	MaxQueueDepth int
	PassDuration  time.Duration
	MaxPassTime   time.Duration
	Executed      int
	Timestamp     time.Time
}

// Transition описание перехода автомата
type Transition struct {
	Machine string // "rtp_session", "endpoint", "connection"
	ID      string
	Event   string
	From    string
	To      string
}

// Observer приемник сигналов наблюдаемости
type Observer interface {
	SchedulerOverload(report OverloadReport)
	TaskFailed(taskID string, priority string, err error)
	TaskExecuted(priority string, duration time.Duration)

	MachineTransition(t Transition)
	MachineFailed(machine, id string, err error)

	RollbackFailed(connectionID string, err error)
}

// NopObserver игнорирует все сигналы
type NopObserver struct{}

func (NopObserver) SchedulerOverload(OverloadReport)    {}
func (NopObserver) TaskFailed(string, string, error)    {}
func (NopObserver) TaskExecuted(string, time.Duration)  {}
func (NopObserver) MachineTransition(Transition)        {}
func (NopObserver) MachineFailed(string, string, error) {}
func (NopObserver) RollbackFailed(string, error)        {}

// Multi рассылает сигналы нескольким наблюдателям
type Multi []Observer

func (m Multi) SchedulerOverload(r OverloadReport) {
	for _, o := range m {
		o.SchedulerOverload(r)
	}
}

func (m Multi) TaskFailed(id, priority string, err error) {
	for _, o := range m {
		o.TaskFailed(id, priority, err)
	}
}

func (m Multi) TaskExecuted(priority string, d time.Duration) {
	for _, o := range m {
		o.TaskExecuted(priority, d)
	}
}

func (m Multi) MachineTransition(t Transition) {
	for _, o := range m {
		o.MachineTransition(t)
	}
}

func (m Multi) MachineFailed(machine, id string, err error) {
	for _, o := range m {
		o.MachineFailed(machine, id, err)
	}
}

func (m Multi) RollbackFailed(connectionID string, err error) {
	for _, o := range m {
		o.RollbackFailed(connectionID, err)
	}
}

// Recorder запоминает сигналы в памяти. Используется в тестах и отладке.
type Recorder struct {
	mu          sync.Mutex
	Overloads   []OverloadReport
	TaskErrors  []error
	Executed    int
	Transitions []Transition
	Failures    []error
	Rollbacks   []error
}

func (r *Recorder) SchedulerOverload(report OverloadReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Overloads = append(r.Overloads, report)
}

func (r *Recorder) TaskFailed(_ string, _ string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.TaskErrors = append(r.TaskErrors, err)
}

func (r *Recorder) TaskExecuted(string, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Executed++
}

func (r *Recorder) MachineTransition(t Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Transitions = append(r.Transitions, t)
}

func (r *Recorder) MachineFailed(_ string, _ string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Failures = append(r.Failures, err)
}

func (r *Recorder) RollbackFailed(_ string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Rollbacks = append(r.Rollbacks, err)
}

// TransitionsOf возвращает копию переходов указанного автомата
func (r *Recorder) TransitionsOf(machine, id string) []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Transition
	for _, t := range r.Transitions {
		if t.Machine == machine && (id == "" || t.ID == id) {
			out = append(out, t)
		}
	}
	return out
}

// OverloadCount возвращает число зафиксированных перегрузок
func (r *Recorder) OverloadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Overloads)
}

// RollbackCount возвращает число неудачных откатов
func (r *Recorder) RollbackCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Rollbacks)
}
