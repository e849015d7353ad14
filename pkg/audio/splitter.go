package audio

import "sync/atomic"

// Splitter узел разветвления: ровно один вышестоящий источник,
// кадр которого раздается всем приемникам
type Splitter struct {
	id     string
	output tickCache
	copied atomic.Uint64
}

// NewSplitter создает разветвитель
func NewSplitter(id string) *Splitter {
	return &Splitter{id: id}
}

func (s *Splitter) ID() string { return s.id }

// MaxSources разветвитель принимает только один источник
func (s *Splitter) MaxSources() int { return 1 }

func (s *Splitter) Consume(tick uint64, frames []*Frame) {
	var out *Frame
	if len(frames) > 0 {
		out = frames[0]
		s.copied.Add(1)
	}
	s.output.store(tick, out)
}

func (s *Splitter) ReadFrame(tick uint64) (*Frame, bool) {
	return s.output.get(tick)
}

// Forwarded число разветвленных кадров
func (s *Splitter) Forwarded() uint64 {
	return s.copied.Load()
}
