// Package audio содержит граф маршрутизации медиа кадров.
//
// Узлы графа обмениваются непрозрачными кадрами. Источник (Source) отдает
// не более одного кадра за такт, приемник (Sink) получает кадры всех
// присоединенных источников. Микшер и разветвитель одновременно являются
// и приемником, и источником.
package audio

import (
	"sync"
	"time"
)

// Frame медиа кадр. Содержимое Payload для ядра непрозрачно.
type Frame struct {
	Payload   []byte
	Length    int
	Timestamp time.Duration
	Sequence  uint64
}

// NewFrame создает кадр из полезной нагрузки
func NewFrame(payload []byte, timestamp time.Duration, sequence uint64) *Frame {
	return &Frame{
		Payload:   payload,
		Length:    len(payload),
		Timestamp: timestamp,
		Sequence:  sequence,
	}
}

// Clone возвращает независимую копию кадра
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	payload := make([]byte, len(f.Payload))
	copy(payload, f.Payload)
	return &Frame{
		Payload:   payload,
		Length:    f.Length,
		Timestamp: f.Timestamp,
		Sequence:  f.Sequence,
	}
}

// Node узел графа
type Node interface {
	ID() string
}

// Source узел, отдающий кадры. ReadFrame идемпотентен в пределах такта:
// повторный вызов с тем же tick возвращает тот же кадр.
type Source interface {
	Node
	ReadFrame(tick uint64) (*Frame, bool)
}

// Sink узел, принимающий кадры присоединенных источников
type Sink interface {
	Node
	Consume(tick uint64, frames []*Frame)
}

// SourceLimiter ограничивает число источников приемника
type SourceLimiter interface {
	MaxSources() int
}

// tickCache запоминает кадр текущего такта для раздачи нескольким приемникам
type tickCache struct {
	mu    sync.Mutex
	valid bool
	tick  uint64
	frame *Frame
}

// load возвращает кадр такта, вызывая produce только при смене такта
func (c *tickCache) load(tick uint64, produce func() *Frame) (*Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.valid || c.tick != tick {
		c.frame = produce()
		c.tick = tick
		c.valid = true
	}
	return c.frame, c.frame != nil
}

// store сохраняет кадр такта
func (c *tickCache) store(tick uint64, frame *Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tick = tick
	c.frame = frame
	c.valid = true
}

// get возвращает сохраненный кадр, если он относится к такту tick
func (c *tickCache) get(tick uint64) (*Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid || c.tick != tick || c.frame == nil {
		return nil, false
	}
	return c.frame, true
}
