package affiliate

import (
	"context"
	"sync"
)

// accountLocks serializes work per account without a global lock.
// Entries are reference counted and dropped when no one holds or waits.
type accountLocks struct {
	mu    sync.Mutex
	locks map[AccountID]*accountLock
}

type accountLock struct {
	ch   chan struct{} // capacity 1; a token in the channel means locked
	refs int
}

func newAccountLocks() *accountLocks {
	return &accountLocks{locks: make(map[AccountID]*accountLock)}
}

// lock blocks until the account is free or ctx is done.
func (l *accountLocks) lock(ctx context.Context, id AccountID) (func(), error) {
	l.mu.Lock()
	al, ok := l.locks[id]
	if !ok {
		al = &accountLock{ch: make(chan struct{}, 1)}
		l.locks[id] = al
	}
	al.refs++
	l.mu.Unlock()

	select {
	case al.ch <- struct{}{}:
		return func() {
			<-al.ch
			l.release(id, al)
		}, nil
	case <-ctx.Done():
		l.release(id, al)
		return nil, ctx.Err()
	}
}

func (l *accountLocks) release(id AccountID, al *accountLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	al.refs--
	if al.refs == 0 {
		delete(l.locks, id)
	}
}
