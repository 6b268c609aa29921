package hub

import "github.com/untibullet/session-hub/internal/protocol"

// Queue - ограниченная FIFO-очередь недоставленных событий одного получателя.
// При переполнении вытесняется самое старое событие.
type Queue struct {
	buf   []protocol.Event
	head  int
	size  int
	drops int
}

// NewQueue создает очередь заданной емкости
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{buf: make([]protocol.Event, capacity)}
}

// Push добавляет событие в хвост; возвращает true, если пришлось вытеснить старое
func (q *Queue) Push(ev protocol.Event) bool {
	if q.size == len(q.buf) {
		q.buf[q.head] = ev
		q.head = (q.head + 1) % len(q.buf)
		q.drops++
		return true
	}
	q.buf[(q.head+q.size)%len(q.buf)] = ev
	q.size++
	return false
}

// Peek возвращает событие из головы очереди
func (q *Queue) Peek() (protocol.Event, bool) {
	if q.size == 0 {
		return protocol.Event{}, false
	}
	return q.buf[q.head], true
}

// Pop удаляет событие из головы очереди
func (q *Queue) Pop() (protocol.Event, bool) {
	ev, ok := q.Peek()
	if !ok {
		return ev, false
	}
	q.buf[q.head] = protocol.Event{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return ev, true
}

func (q *Queue) Len() int { return q.size }

// Dropped возвращает число вытесненных событий за время жизни очереди
func (q *Queue) Dropped() int { return q.drops }
