package scheduler

import (
	"container/heap"
	"time"
)

// entry ожидающая запись расписания
type entry struct {
	task     Task
	priority Priority
	dueAt    time.Time
	seq      uint64 // порядок постановки, разрешает равные dueAt
	index    int    // для heap.Interface
}

// dueHeap min-heap записей одного класса приоритета по dueAt, затем seq
type dueHeap []*entry

func (h dueHeap) Len() int { return len(h) }

func (h dueHeap) Less(i, j int) bool {
	if h[i].dueAt.Equal(h[j].dueAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].dueAt.Before(h[j].dueAt)
}

func (h dueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *dueHeap) Push(x interface{}) {
	item := x.(*entry)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *dueHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// peek возвращает запись с наименьшим dueAt без извлечения
func (h dueHeap) peek() *entry {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// remove извлекает произвольную запись
func (h *dueHeap) remove(e *entry) {
	if e.index >= 0 && e.index < len(*h) && (*h)[e.index] == e {
		heap.Remove(h, e.index)
	}
}
