package engine

import (
	"context"
	"sync"
)

// accountLocks serializes ledger mutations per user. Each lock is a
// one-slot semaphore so that waiters can give up when their context ends.
// Entries are reference counted and removed once nobody holds or waits.
type accountLocks struct {
	mu    sync.Mutex
	locks map[string]*accountLock
}

type accountLock struct {
	sem  chan struct{}
	refs int
}

func newAccountLocks() *accountLocks {
	return &accountLocks{locks: make(map[string]*accountLock)}
}

// lock blocks until userID's lock is held or ctx is done. The returned
// function releases it.
func (l *accountLocks) lock(ctx context.Context, userID string) (func(), error) {
	l.mu.Lock()
	al, ok := l.locks[userID]
	if !ok {
		al = &accountLock{sem: make(chan struct{}, 1)}
		l.locks[userID] = al
	}
	al.refs++
	l.mu.Unlock()

	select {
	case al.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(userID, al)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-al.sem
			l.release(userID, al)
		})
	}, nil
}

func (l *accountLocks) release(userID string, al *accountLock) {
	l.mu.Lock()
	al.refs--
	if al.refs == 0 {
		delete(l.locks, userID)
	}
	l.mu.Unlock()
}

// size reports how many users currently have a lock entry.
func (l *accountLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
