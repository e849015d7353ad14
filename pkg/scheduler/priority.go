package scheduler

import (
	"fmt"
	"strings"
)

// Priority класс приоритета задачи. Меньшее значение выполняется раньше.
type Priority int

const (
	PriorityInput        Priority = iota // Прием медиа
	PriorityMixer                        // Передача кадров в графе маршрутизации
	PriorityOutput                       // Отправка медиа
	PriorityHousekeeping                 // Таймауты протоколов, обслуживание

	numPriorities = int(PriorityHousekeeping) + 1
)

// Priorities все классы в порядке выполнения
var Priorities = []Priority{PriorityInput, PriorityMixer, PriorityOutput, PriorityHousekeeping}

func (p Priority) String() string {
	switch p {
	case PriorityInput:
		return "input"
	case PriorityMixer:
		return "mixer"
	case PriorityOutput:
		return "output"
	case PriorityHousekeeping:
		return "housekeeping"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid проверяет, что приоритет входит в перечисление
func (p Priority) Valid() bool {
	return p >= PriorityInput && int(p) < numPriorities
}

// ParsePriority разбирает имя класса из конфигурации
func ParsePriority(name string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "input":
		return PriorityInput, nil
	case "mixer":
		return PriorityMixer, nil
	case "output":
		return PriorityOutput, nil
	case "housekeeping":
		return PriorityHousekeeping, nil
	default:
		return 0, fmt.Errorf("неизвестный класс приоритета %q", name)
	}
}

// PriorityMap сопоставление видов задач классам приоритета
type PriorityMap map[string]Priority

// ParsePriorityMap строит PriorityMap из конфигурации вида {"audio_transfer": "mixer"}
func ParsePriorityMap(raw map[string]string) (PriorityMap, error) {
	out := make(PriorityMap, len(raw))
	for kind, name := range raw {
		p, err := ParsePriority(name)
		if err != nil {
			return nil, fmt.Errorf("задача %q: %w", kind, err)
		}
		out[kind] = p
	}
	return out, nil
}

// Get возвращает класс для вида задачи или fallback
func (m PriorityMap) Get(kind string, fallback Priority) Priority {
	if p, ok := m[kind]; ok {
		return p
	}
	return fallback
}
