package audio

import "sync"

const DefaultQueueCapacity = 16

// FrameQueue ограниченная очередь кадров между I/O горутиной и тактом графа.
// Кадры перемещаются: после Pop очередь больше не ссылается на кадр.
// При переполнении отбрасывается самый старый кадр.
type FrameQueue struct {
	mu       sync.Mutex
	frames   []*Frame
	capacity int
	dropped  uint64
	pushed   uint64
}

// NewFrameQueue создает очередь. capacity <= 0 означает DefaultQueueCapacity.
func NewFrameQueue(capacity int) *FrameQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &FrameQueue{
		frames:   make([]*Frame, 0, capacity),
		capacity: capacity,
	}
}

// Push добавляет кадр. Возвращает true, если пришлось отбросить старый кадр.
func (q *FrameQueue) Push(frame *Frame) bool {
	if frame == nil {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.pushed++
	dropped := false
	if len(q.frames) >= q.capacity {
		q.frames[0] = nil
		q.frames = q.frames[1:]
		q.dropped++
		dropped = true
	}
	q.frames = append(q.frames, frame)
	return dropped
}

// Pop извлекает самый старый кадр
func (q *FrameQueue) Pop() (*Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.frames) == 0 {
		return nil, false
	}
	frame := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	return frame, true
}

// Len текущее число кадров
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Dropped число отброшенных при переполнении кадров
func (q *FrameQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Pushed общее число принятых кадров
func (q *FrameQueue) Pushed() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushed
}

// Reset очищает очередь
func (q *FrameQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.frames {
		q.frames[i] = nil
	}
	q.frames = q.frames[:0]
}

// QueueSource источник графа поверх FrameQueue. За такт извлекается не более
// одного кадра, он раздается всем приемникам.
type QueueSource struct {
	id    string
	queue *FrameQueue
	cache tickCache
}

// NewQueueSource создает источник с идентификатором id
func NewQueueSource(id string, queue *FrameQueue) *QueueSource {
	return &QueueSource{id: id, queue: queue}
}

func (s *QueueSource) ID() string { return s.id }

// Queue возвращает очередь источника
func (s *QueueSource) Queue() *FrameQueue { return s.queue }

func (s *QueueSource) ReadFrame(tick uint64) (*Frame, bool) {
	return s.cache.load(tick, func() *Frame {
		frame, _ := s.queue.Pop()
		return frame
	})
}

// QueueSink приемник графа, складывающий кадры в FrameQueue
type QueueSink struct {
	id    string
	queue *FrameQueue
}

// NewQueueSink создает приемник с идентификатором id
func NewQueueSink(id string, queue *FrameQueue) *QueueSink {
	return &QueueSink{id: id, queue: queue}
}

func (s *QueueSink) ID() string { return s.id }

// Queue возвращает очередь приемника
func (s *QueueSink) Queue() *FrameQueue { return s.queue }

func (s *QueueSink) Consume(_ uint64, frames []*Frame) {
	for _, f := range frames {
		s.queue.Push(f)
	}
}
