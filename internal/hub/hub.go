// Package hub хранит реестр живых соединений участников по сессиям и доставляет
// им события. Недоставленные события копятся в ограниченной очереди получателя
// и отдаются при повторном присоединении.
package hub

import (
	"sync"

	"github.com/untibullet/session-hub/internal/protocol"
	"go.uber.org/zap"
)

// DefaultQueueCapacity - емкость очереди получателя по умолчанию
const DefaultQueueCapacity = 50

// Conn - живое соединение участника.
type Conn interface {
	// Send ставит событие на отправку и не блокируется.
	// false означает, что соединение закрыто или не успевает писать.
	Send(ev protocol.Event) bool
	Close() error
}

type identity struct {
	token  string
	member string
}

type participant struct {
	conn  Conn
	queue *Queue
}

// Delivery - итог рассылки одного события
type Delivery struct {
	Sent    int
	Queued  int
	Evicted int
}

// Hub - реестр сессий, принадлежащий процессу сервера.
// Все методы безопасны для конкурентного вызова.
type Hub struct {
	mu       sync.Mutex
	capacity int
	sessions map[string]map[string]*participant
	conns    map[Conn]identity
	logger   *zap.Logger
}

// New создает пустой реестр
func New(capacity int, logger *zap.Logger) *Hub {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		capacity: capacity,
		sessions: make(map[string]map[string]*participant),
		conns:    make(map[Conn]identity),
		logger:   logger,
	}
}

// Register связывает соединение с участником сессии. Ранее зарегистрированное
// соединение того же участника вытесняется и закрывается.
//
// Если соединение уже было актуальным для другого участника (клиент сменил
// сессию или имя на том же сокете), тот участник остается без соединения;
// его идентичность возвращается с displaced == true.
func (h *Hub) Register(conn Conn, token, member string) (prevToken, prevMember string, displaced bool) {
	id := identity{token: token, member: member}

	h.mu.Lock()
	if prev, ok := h.conns[conn]; ok && prev != id {
		if p := h.lookup(prev); p != nil && p.conn == conn {
			p.conn = nil
			prevToken, prevMember, displaced = prev.token, prev.member, true
		}
	}

	p := h.ensure(id)
	var replaced Conn
	if p.conn != nil && p.conn != conn {
		replaced = p.conn
		delete(h.conns, replaced)
	}
	p.conn = conn
	h.conns[conn] = id
	h.mu.Unlock()

	if replaced != nil {
		h.logger.Info("replacing participant connection",
			zap.String("token", token), zap.String("member", member))
		replaced.Close()
	}
	return prevToken, prevMember, displaced
}

// Unregister отвязывает соединение. current == true, если соединение было
// актуальным для своего участника; очередь участника сохраняется.
func (h *Hub) Unregister(conn Conn) (token, member string, current bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id, ok := h.conns[conn]
	if !ok {
		return "", "", false
	}
	delete(h.conns, conn)

	if p := h.lookup(id); p != nil && p.conn == conn {
		p.conn = nil
		return id.token, id.member, true
	}
	return id.token, id.member, false
}

// Identity возвращает участника, за которым закреплено соединение
func (h *Hub) Identity(conn Conn) (token, member string, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id, ok := h.conns[conn]
	return id.token, id.member, ok
}

// Connections возвращает живые соединения сессии
func (h *Hub) Connections(token string) []Conn {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []Conn
	for _, p := range h.sessions[token] {
		if p.conn != nil {
			out = append(out, p.conn)
		}
	}
	return out
}

// Online сообщает, есть ли у участника живое соединение
func (h *Hub) Online(token, member string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	p := h.lookup(identity{token: token, member: member})
	return p != nil && p.conn != nil
}

// Broadcast доставляет событие всем участникам сессии
func (h *Hub) Broadcast(token string, ev protocol.Event) Delivery {
	return h.BroadcastExcept(token, ev, "")
}

// BroadcastExcept доставляет событие всем участникам сессии, кроме skip.
// Участникам без готового к записи соединения событие ставится в очередь.
func (h *Hub) BroadcastExcept(token string, ev protocol.Event, skip string) Delivery {
	h.mu.Lock()
	defer h.mu.Unlock()

	var d Delivery
	for name, p := range h.sessions[token] {
		if name == skip {
			continue
		}
		// пока очередь не пуста, живая отправка нарушила бы порядок
		if p.conn != nil && (p.queue == nil || p.queue.Len() == 0) && p.conn.Send(ev) {
			d.Sent++
			continue
		}
		if p.queue == nil {
			p.queue = NewQueue(h.capacity)
		}
		if p.queue.Push(ev) {
			d.Evicted++
			h.logger.Debug("participant queue full, dropped oldest event",
				zap.String("token", token), zap.String("member", name),
				zap.Int("dropped_total", p.queue.Dropped()))
		}
		d.Queued++
	}
	return d
}

// Replay отправляет накопленные события участника в исходном порядке и
// возвращает число отправленных. Неотправленный остаток остается в очереди.
func (h *Hub) Replay(conn Conn, token, member string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	p := h.lookup(identity{token: token, member: member})
	if p == nil || p.queue == nil {
		return 0
	}

	sent := 0
	for {
		ev, ok := p.queue.Peek()
		if !ok || !conn.Send(ev) {
			break
		}
		p.queue.Pop()
		sent++
	}
	if p.queue.Len() == 0 {
		p.queue = nil
	}
	return sent
}

// Pending возвращает длину очереди участника
func (h *Hub) Pending(token, member string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	p := h.lookup(identity{token: token, member: member})
	if p == nil || p.queue == nil {
		return 0
	}
	return p.queue.Len()
}

// Close закрывает все соединения и очищает реестр
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.sessions = make(map[string]map[string]*participant)
	h.conns = make(map[Conn]identity)
	h.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (h *Hub) lookup(id identity) *participant {
	members, ok := h.sessions[id.token]
	if !ok {
		return nil
	}
	return members[id.member]
}

func (h *Hub) ensure(id identity) *participant {
	members, ok := h.sessions[id.token]
	if !ok {
		members = make(map[string]*participant)
		h.sessions[id.token] = members
	}
	p, ok := members[id.member]
	if !ok {
		p = &participant{}
		members[id.member] = p
	}
	return p
}
