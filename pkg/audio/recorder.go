package audio

import (
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/arzzra/media_server/pkg/logging"
)

// Recorder приемник, записывающий полезную нагрузку кадров в io.Writer
type Recorder struct {
	id     string
	logger zerolog.Logger

	mu      sync.Mutex
	w       io.Writer
	written uint64
	err     error
}

// NewRecorder создает записывающий узел
func NewRecorder(id string, w io.Writer, logger zerolog.Logger) *Recorder {
	return &Recorder{
		id:     id,
		w:      w,
		logger: logging.WithComponent(logger, "recorder").With().Str("node", id).Logger(),
	}
}

func (r *Recorder) ID() string { return r.id }

// Consume пишет кадры. После первой ошибки записи узел перестает писать.
func (r *Recorder) Consume(_ uint64, frames []*Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return
	}
	for _, f := range frames {
		n, err := r.w.Write(f.Payload)
		r.written += uint64(n)
		if err != nil {
			r.err = err
			r.logger.Error().Err(err).Uint64("written", r.written).Msg("recording stopped")
			return
		}
	}
}

// Written число записанных байт
func (r *Recorder) Written() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Err ошибка записи, остановившая узел
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
