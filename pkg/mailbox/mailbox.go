// Package mailbox реализует последовательную очередь событий конечного автомата.
//
// Все изменения состояния автомата выполняются внутри обработчиков, которые
// публикуются в его Mailbox. Обработчики выполняются строго по одному и в
// порядке публикации. Горутина, опубликовавшая событие в простаивающий ящик,
// сама разбирает очередь до конца; публикации из других горутин в это время
// только встают в очередь. Поэтому завершения асинхронного I/O, пришедшие из
// произвольных горутин, никогда не вызывают автомат реентерабельно.
package mailbox

import (
	"fmt"
	"sync"
)

// PanicHandler получает значение паники обработчика
type PanicHandler func(recovered interface{})

// Mailbox последовательный исполнитель обработчиков одного автомата
type Mailbox struct {
	mu       sync.Mutex
	queue    []func()
	draining bool
	closed   bool

	onPanic PanicHandler
}

// New создает пустой ящик. onPanic может быть nil, тогда паника обработчика
// пробрасывается дальше после освобождения ящика.
func New(onPanic PanicHandler) *Mailbox {
	return &Mailbox{onPanic: onPanic}
}

// Post ставит обработчик в очередь. Возвращает false, если ящик закрыт.
func (m *Mailbox) Post(fn func()) bool {
	if fn == nil {
		return false
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, fn)
	if m.draining {
		m.mu.Unlock()
		return true
	}
	m.draining = true
	m.mu.Unlock()

	m.drain()
	return true
}

// drain выполняет обработчики пока очередь не опустеет
func (m *Mailbox) drain() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.draining = false
			m.mu.Unlock()
			return
		}
		fn := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.mu.Unlock()

		m.run(fn)
	}
}

func (m *Mailbox) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if m.onPanic != nil {
				m.onPanic(r)
				return
			}
			// Освобождаем ящик, иначе следующие публикации зависнут в очереди
			m.mu.Lock()
			m.draining = false
			m.mu.Unlock()
			panic(fmt.Sprintf("mailbox: паника в обработчике: %v", r))
		}
	}()
	fn()
}

// Close закрывает ящик для новых публикаций. Уже поставленные обработчики
// будут выполнены.
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// Len возвращает число ожидающих обработчиков
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
