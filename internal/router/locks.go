package router

import "sync"

// sessionLocks выдает мьютекс на каждую сессию. Запись живет, пока мьютекс
// кто-то держит или ждет, и удаляется при последней разблокировке.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

func (l *sessionLocks) lock(token string) func() {
	l.mu.Lock()
	e, ok := l.locks[token]
	if !ok {
		e = &sessionLock{}
		l.locks[token] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()

		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, token)
		}
		l.mu.Unlock()
	}
}

func (l *sessionLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
