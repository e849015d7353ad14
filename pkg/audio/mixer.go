package audio

import (
	"encoding/binary"
	"math"
	"sync/atomic"
)

// Combiner сводит кадры одного такта в один кадр
type Combiner interface {
	Combine(frames []*Frame) *Frame
}

// LinearCombiner суммирует 16-битные линейные PCM отсчеты (little-endian)
// с насыщением
type LinearCombiner struct{}

func (LinearCombiner) Combine(frames []*Frame) *Frame {
	switch len(frames) {
	case 0:
		return nil
	case 1:
		return frames[0].Clone()
	}

	size := 0
	ts := frames[0].Timestamp
	for _, f := range frames {
		if len(f.Payload) > size {
			size = len(f.Payload)
		}
		if f.Timestamp > ts {
			ts = f.Timestamp
		}
	}
	size &^= 1

	acc := make([]int32, size/2)
	for _, f := range frames {
		for i := 0; i+1 < len(f.Payload); i += 2 {
			acc[i/2] += int32(int16(binary.LittleEndian.Uint16(f.Payload[i:])))
		}
	}

	out := make([]byte, size)
	for i, v := range acc {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(saturate(v)))
	}
	return &Frame{Payload: out, Length: size, Timestamp: ts}
}

func saturate(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// Mixer узел сведения: принимает кадры всех источников и отдает
// результат сведения как источник
type Mixer struct {
	id       string
	combiner Combiner
	output   tickCache
	seq      atomic.Uint64
	mixed    atomic.Uint64
}

// NewMixer создает микшер. combiner == nil означает LinearCombiner.
func NewMixer(id string, combiner Combiner) *Mixer {
	if combiner == nil {
		combiner = LinearCombiner{}
	}
	return &Mixer{id: id, combiner: combiner}
}

func (m *Mixer) ID() string { return m.id }

func (m *Mixer) Consume(tick uint64, frames []*Frame) {
	out := m.combiner.Combine(frames)
	if out != nil {
		out.Sequence = m.seq.Add(1)
		m.mixed.Add(1)
	}
	m.output.store(tick, out)
}

func (m *Mixer) ReadFrame(tick uint64) (*Frame, bool) {
	return m.output.get(tick)
}

// Mixed число сведенных кадров
func (m *Mixer) Mixed() uint64 {
	return m.mixed.Load()
}
