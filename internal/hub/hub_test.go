package hub_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/untibullet/session-hub/internal/hub"
	"github.com/untibullet/session-hub/internal/protocol"
	"go.uber.org/zap/zaptest"
)

// fakeConn записывает отправленные события; blocked имитирует закрытое соединение
type fakeConn struct {
	mu      sync.Mutex
	events  []protocol.Event
	blocked bool
	closed  bool
}

func (c *fakeConn) Send(ev protocol.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.blocked || c.closed {
		return false
	}
	c.events = append(c.events, ev)
	return true
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) received() []protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Event(nil), c.events...)
}

func numbered(i int) protocol.Event {
	return protocol.Event{Type: protocol.EventTasksUpdate, Payload: i}
}

func TestBroadcast_DeliversToAllLiveParticipants(t *testing.T) {
	h := hub.New(0, zaptest.NewLogger(t))
	a, b, other := &fakeConn{}, &fakeConn{}, &fakeConn{}
	h.Register(a, "tok", "alice")
	h.Register(b, "tok", "bob")
	h.Register(other, "other", "carol")

	d := h.Broadcast("tok", numbered(1))

	assert.Equal(t, 2, d.Sent)
	assert.Equal(t, 0, d.Queued)
	assert.Len(t, a.received(), 1)
	assert.Len(t, b.received(), 1)
	assert.Empty(t, other.received())
}

func TestBroadcastExcept_SkipsMember(t *testing.T) {
	h := hub.New(0, zaptest.NewLogger(t))
	a, b := &fakeConn{}, &fakeConn{}
	h.Register(a, "tok", "alice")
	h.Register(b, "tok", "bob")

	h.BroadcastExcept("tok", numbered(1), "alice")

	assert.Empty(t, a.received())
	assert.Len(t, b.received(), 1)
}

func TestQueue_BoundedDropOldest(t *testing.T) {
	h := hub.New(hub.DefaultQueueCapacity, zaptest.NewLogger(t))
	conn := &fakeConn{}
	h.Register(conn, "tok", "alice")
	_, _, current := h.Unregister(conn)
	require.True(t, current)

	var evicted int
	for i := 0; i < 60; i++ {
		evicted += h.Broadcast("tok", numbered(i)).Evicted
	}
	assert.Equal(t, 10, evicted)
	assert.Equal(t, 50, h.Pending("tok", "alice"))

	fresh := &fakeConn{}
	h.Register(fresh, "tok", "alice")
	sent := h.Replay(fresh, "tok", "alice")
	require.Equal(t, 50, sent)

	got := fresh.received()
	for i, ev := range got {
		assert.Equal(t, i+10, ev.Payload, "events must replay oldest first without gaps")
	}
	assert.Equal(t, 0, h.Pending("tok", "alice"))
}

func TestBroadcast_QueuesWhenSendFails(t *testing.T) {
	h := hub.New(0, zaptest.NewLogger(t))
	conn := &fakeConn{blocked: true}
	h.Register(conn, "tok", "alice")

	d := h.Broadcast("tok", numbered(1))
	assert.Equal(t, 0, d.Sent)
	assert.Equal(t, 1, d.Queued)

	// пока очередь не пуста, новые события встают за ней
	conn.mu.Lock()
	conn.blocked = false
	conn.mu.Unlock()
	h.Broadcast("tok", numbered(2))
	assert.Empty(t, conn.received())
	assert.Equal(t, 2, h.Pending("tok", "alice"))

	require.Equal(t, 2, h.Replay(conn, "tok", "alice"))
	got := conn.received()
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Payload)
	assert.Equal(t, 2, got[1].Payload)
}

func TestReplay_KeepsRemainderOnFailure(t *testing.T) {
	h := hub.New(0, zaptest.NewLogger(t))
	conn := &fakeConn{}
	h.Register(conn, "tok", "alice")
	h.Unregister(conn)
	h.Broadcast("tok", numbered(1))
	h.Broadcast("tok", numbered(2))

	dead := &fakeConn{blocked: true}
	h.Register(dead, "tok", "alice")
	assert.Equal(t, 0, h.Replay(dead, "tok", "alice"))
	assert.Equal(t, 2, h.Pending("tok", "alice"))
}

func TestRegister_ReplacesPreviousConnection(t *testing.T) {
	h := hub.New(0, zaptest.NewLogger(t))
	first, second := &fakeConn{}, &fakeConn{}
	h.Register(first, "tok", "alice")
	h.Register(second, "tok", "alice")

	assert.True(t, first.closed)
	assert.Len(t, h.Connections("tok"), 1)

	_, _, current := h.Unregister(first)
	assert.False(t, current, "stale connection must not unregister the participant")
	assert.True(t, h.Online("tok", "alice"))

	h.Broadcast("tok", numbered(1))
	assert.Empty(t, first.received())
	assert.Len(t, second.received(), 1)
}

func TestRegister_ReportsDisplacedIdentity(t *testing.T) {
	h := hub.New(0, zaptest.NewLogger(t))
	conn := &fakeConn{}

	_, _, displaced := h.Register(conn, "tok", "alice")
	assert.False(t, displaced)

	_, _, displaced = h.Register(conn, "tok", "alice")
	assert.False(t, displaced, "re-registering the same identity displaces nobody")

	token, member, displaced := h.Register(conn, "other", "bob")
	require.True(t, displaced)
	assert.Equal(t, "tok", token)
	assert.Equal(t, "alice", member)
	assert.False(t, h.Online("tok", "alice"))
	assert.True(t, h.Online("other", "bob"))
	assert.False(t, conn.closed)

	got, name, ok := h.Identity(conn)
	require.True(t, ok)
	assert.Equal(t, "other", got)
	assert.Equal(t, "bob", name)
}

func TestUnregister_KeepsQueue(t *testing.T) {
	h := hub.New(0, zaptest.NewLogger(t))
	conn := &fakeConn{}
	h.Register(conn, "tok", "alice")

	token, member, current := h.Unregister(conn)
	assert.Equal(t, "tok", token)
	assert.Equal(t, "alice", member)
	assert.True(t, current)
	assert.False(t, h.Online("tok", "alice"))

	h.Broadcast("tok", numbered(1))
	assert.Equal(t, 1, h.Pending("tok", "alice"))

	_, _, ok := h.Identity(conn)
	assert.False(t, ok)
}

func TestClose_ClosesAllConnections(t *testing.T) {
	h := hub.New(0, zaptest.NewLogger(t))
	conns := make([]*fakeConn, 3)
	for i := range conns {
		conns[i] = &fakeConn{}
		h.Register(conns[i], "tok", fmt.Sprintf("m%d", i))
	}

	h.Close()

	for _, c := range conns {
		assert.True(t, c.closed)
	}
	assert.Empty(t, h.Connections("tok"))
}

func TestQueue_PushPop(t *testing.T) {
	q := hub.NewQueue(2)
	assert.False(t, q.Push(numbered(1)))
	assert.False(t, q.Push(numbered(2)))
	assert.True(t, q.Push(numbered(3)))
	assert.Equal(t, 1, q.Dropped())
	assert.Equal(t, 2, q.Len())

	ev, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, 2, ev.Payload)
	head, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, 3, head.Payload)

	q.Pop()
	_, ok = q.Pop()
	assert.False(t, ok)
}
