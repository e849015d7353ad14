package metrics

import (
	"time"

	"github.com/rs/zerolog"
)

// LogObserver пишет сигналы в zerolog
type LogObserver struct {
	logger zerolog.Logger
}

// NewLogObserver создает наблюдатель с компонентом "observer"
func NewLogObserver(logger zerolog.Logger) *LogObserver {
	return &LogObserver{logger: logger.With().Str("component", "observer").Logger()}
}

func (l *LogObserver) SchedulerOverload(r OverloadReport) {
	l.logger.Warn().
		Int("queue_depth", r.QueueDepth).
		Int("max_queue_depth", r.MaxQueueDepth).
		Dur("pass_duration", r.PassDuration).
		Dur("max_pass_duration", r.MaxPassTime).
		Int("executed", r.Executed).
		Msg("scheduler overload")
}

func (l *LogObserver) TaskFailed(taskID, priority string, err error) {
	l.logger.Error().Err(err).Str("task_id", taskID).Str("priority", priority).Msg("scheduled task failed")
}

func (l *LogObserver) TaskExecuted(string, time.Duration) {}

func (l *LogObserver) MachineTransition(t Transition) {
	l.logger.Debug().
		Str("machine", t.Machine).
		Str("id", t.ID).
		Str("event", t.Event).
		Str("from", t.From).
		Str("to", t.To).
		Msg("transition")
}

func (l *LogObserver) MachineFailed(machine, id string, err error) {
	l.logger.Warn().Err(err).Str("machine", machine).Str("id", id).Msg("machine failed")
}

func (l *LogObserver) RollbackFailed(connectionID string, err error) {
	l.logger.Error().
		Err(err).
		Str("connection_id", connectionID).
		Bool("manual_cleanup", true).
		Msg("rollback failed, manual cleanup required")
}
