package audio

import (
	"encoding/binary"
	"sync"
)

// AnalyzerStats накопленная статистика анализатора
type AnalyzerStats struct {
	Frames  uint64
	Bytes   uint64
	Peak    int16 // максимальная амплитуда 16-битного отсчета
	Silence uint64
}

// Analyzer приемник, считающий кадры и пиковый уровень сигнала
type Analyzer struct {
	id               string
	silenceThreshold int16

	mu    sync.Mutex
	stats AnalyzerStats
}

// NewAnalyzer создает анализатор. Кадр с пиком не выше silenceThreshold
// считается тишиной.
func NewAnalyzer(id string, silenceThreshold int16) *Analyzer {
	return &Analyzer{id: id, silenceThreshold: silenceThreshold}
}

func (a *Analyzer) ID() string { return a.id }

func (a *Analyzer) Consume(_ uint64, frames []*Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, f := range frames {
		peak := peakLevel(f.Payload)
		a.stats.Frames++
		a.stats.Bytes += uint64(len(f.Payload))
		if peak > a.stats.Peak {
			a.stats.Peak = peak
		}
		if peak <= a.silenceThreshold {
			a.stats.Silence++
		}
	}
}

// Stats возвращает копию статистики
func (a *Analyzer) Stats() AnalyzerStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// peakLevel максимальная абсолютная амплитуда 16-битных little-endian отсчетов
func peakLevel(payload []byte) int16 {
	var peak int32
	for i := 0; i+1 < len(payload); i += 2 {
		v := int32(int16(binary.LittleEndian.Uint16(payload[i:])))
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	if peak > 32767 {
		peak = 32767
	}
	return int16(peak)
}
