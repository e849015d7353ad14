package rtp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/arzzra/media_server/pkg/media_errors"
)

// Statistics счетчики RTP сессии
type Statistics struct {
	PacketsSent     uint64    // Отправлено пакетов
	PacketsReceived uint64    // Получено пакетов
	BytesSent       uint64    // Отправлено байт полезной нагрузки
	BytesReceived   uint64    // Получено байт полезной нагрузки
	PacketsLost     uint32    // Потеряно пакетов по разрывам sequence number
	SendErrors      uint64    // Ошибки отправки
	FramesDropped   uint64    // Кадры, отброшенные при переполнении очереди
	LastSequence    uint16    // Последний принятый sequence number
	LastActivity    time.Time // Последняя активность
}

// statsTracker потокобезопасный накопитель статистики
type statsTracker struct {
	mu       sync.Mutex
	stats    Statistics
	haveSeq  bool
	expected uint16
}

func (t *statsTracker) received(h *rtp.Header, payloadLen int, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats.PacketsReceived++
	t.stats.BytesReceived += uint64(payloadLen)
	t.stats.LastActivity = now

	if t.haveSeq {
		gap := h.SequenceNumber - t.expected
		// Разрыв меньше половины пространства номеров считается потерей,
		// больше - переупорядочиванием или повтором
		if gap > 0 && gap < 0x8000 {
			t.stats.PacketsLost += uint32(gap)
		}
		if gap >= 0x8000 {
			return
		}
	}
	t.haveSeq = true
	t.expected = h.SequenceNumber + 1
	t.stats.LastSequence = h.SequenceNumber
}

func (t *statsTracker) sent(payloadLen int, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.PacketsSent++
	t.stats.BytesSent += uint64(payloadLen)
	t.stats.LastActivity = now
}

func (t *statsTracker) sendFailed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.SendErrors++
}

func (t *statsTracker) snapshot(dropped uint64) Statistics {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats
	s.FramesDropped = dropped
	return s
}

// SessionContext состояние RTP сессии. Изменяется только автоматом сессии,
// остальные компоненты читают копию через Session.Context.
type SessionContext struct {
	ID         string
	SSRC       uint32
	Media      MediaType
	Formats    Formats
	LocalAddr  net.Addr
	RemoteAddr net.Addr
	State      string
	Stats      Statistics
}

// SSRCAllocator выдает уникальные в пределах аллокатора SSRC
type SSRCAllocator struct {
	mu   sync.Mutex
	used map[uint32]struct{}
}

// NewSSRCAllocator создает аллокатор
func NewSSRCAllocator() *SSRCAllocator {
	return &SSRCAllocator{used: make(map[uint32]struct{})}
}

const ssrcAttempts = 16

// Allocate возвращает новый ненулевой SSRC
func (a *SSRCAllocator) Allocate() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < ssrcAttempts; i++ {
		ssrc, err := generateSSRC()
		if err != nil {
			return 0, fmt.Errorf("ошибка генерации SSRC: %w", err)
		}
		if ssrc == 0 {
			continue
		}
		if _, taken := a.used[ssrc]; taken {
			continue
		}
		a.used[ssrc] = struct{}{}
		return ssrc, nil
	}
	return 0, media_errors.New(media_errors.CodeNoResources, "не удалось выделить уникальный SSRC")
}

// Release возвращает SSRC в пул
func (a *SSRCAllocator) Release(ssrc uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.used, ssrc)
}

// InUse число выделенных SSRC
func (a *SSRCAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used)
}

// generateSSRC генерирует случайный SSRC
func generateSSRC() (uint32, error) {
	var ssrc uint32
	err := binary.Read(rand.Reader, binary.BigEndian, &ssrc)
	if err != nil {
		return 0, err
	}
	return ssrc, nil
}

// generateRandomUint16 генерирует случайное 16-битное число
func generateRandomUint16() uint16 {
	var val uint16
	_ = binary.Read(rand.Reader, binary.BigEndian, &val)
	return val
}

// generateRandomUint32 генерирует случайное 32-битное число
func generateRandomUint32() uint32 {
	var val uint32
	_ = binary.Read(rand.Reader, binary.BigEndian, &val)
	return val
}
