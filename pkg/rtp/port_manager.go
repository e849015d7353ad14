package rtp

import (
	"fmt"
	"net"
	"sync"

	"github.com/arzzra/media_server/pkg/media_errors"
)

// PortRange диапазон UDP портов медиа
type PortRange struct {
	Min int
	Max int
}

// PortManager выделяет пары портов RTP/RTCP. RTP порт всегда четный,
// RTCP порт = RTP + 1.
type PortManager struct {
	portRange PortRange
	probe     bool // проверять порт пробной привязкой
	usedPorts map[int]bool
	next      int
	mutex     sync.Mutex
}

// NewPortManager создает PortManager. probe включает проверку свободности
// порта в системе пробной привязкой.
func NewPortManager(portRange PortRange, probe bool) (*PortManager, error) {
	if portRange.Min <= 0 || portRange.Max <= 0 || portRange.Max > 65535 {
		return nil, fmt.Errorf("неверный диапазон портов: Min=%d, Max=%d", portRange.Min, portRange.Max)
	}
	if portRange.Min >= portRange.Max {
		return nil, fmt.Errorf("минимальный порт должен быть меньше максимального: Min=%d, Max=%d",
			portRange.Min, portRange.Max)
	}

	first := portRange.Min
	if first%2 != 0 {
		first++
	}
	if first+1 > portRange.Max {
		return nil, fmt.Errorf("диапазон портов слишком мал для размещения пар RTP/RTCP")
	}

	return &PortManager{
		portRange: portRange,
		probe:     probe,
		usedPorts: make(map[int]bool),
		next:      first,
	}, nil
}

// AllocatePortPair выделяет пару портов (RTP, RTCP). Поиск продолжается
// с места последнего выделения, чтобы освобожденные порты не переиспользовались сразу.
func (pm *PortManager) AllocatePortPair() (rtpPort, rtcpPort int, err error) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	first := pm.portRange.Min + pm.portRange.Min%2
	total := (pm.portRange.Max - first + 1) / 2
	port := pm.next
	for i := 0; i < total; i++ {
		if port+1 > pm.portRange.Max {
			port = first
		}
		candidate := port
		port += 2

		if pm.usedPorts[candidate] {
			continue
		}
		if pm.probe && (!canBindPort(candidate) || !canBindPort(candidate+1)) {
			continue
		}

		pm.usedPorts[candidate] = true
		pm.next = port
		return candidate, candidate + 1, nil
	}

	return 0, 0, media_errors.Newf(media_errors.CodeNoResources,
		"не удалось найти свободную пару портов в диапазоне %d-%d", pm.portRange.Min, pm.portRange.Max)
}

// ReleasePortPair освобождает пару по RTP порту
func (pm *PortManager) ReleasePortPair(rtpPort int) error {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	if !pm.usedPorts[rtpPort] {
		return fmt.Errorf("порт %d не был выделен", rtpPort)
	}
	delete(pm.usedPorts, rtpPort)
	return nil
}

// IsPortInUse проверяет, используется ли порт
func (pm *PortManager) IsPortInUse(port int) bool {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	return pm.usedPorts[port-port%2]
}

// InUse число выделенных пар
func (pm *PortManager) InUse() int {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	return len(pm.usedPorts)
}

// Available число свободных пар
func (pm *PortManager) Available() int {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	first := pm.portRange.Min + pm.portRange.Min%2
	return (pm.portRange.Max-first+1)/2 - len(pm.usedPorts)
}

// canBindPort проверяет, можно ли забиндить порт (порт не используется системой)
func canBindPort(port int) bool {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
