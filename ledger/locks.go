package ledger

import "sync"

// affiliateLocks serializes mutations per affiliate. Different affiliates
// never contend. Entries are dropped when no goroutine holds or waits on
// them, so the map stays bounded by the number of in-flight affiliates.
type affiliateLocks struct {
	mu    sync.Mutex
	locks map[AffiliateID]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func newAffiliateLocks() *affiliateLocks {
	return &affiliateLocks{locks: make(map[AffiliateID]*refLock)}
}

// lock blocks until the affiliate is free and returns the unlock func.
func (l *affiliateLocks) lock(id AffiliateID) func() {
	l.mu.Lock()
	rl, ok := l.locks[id]
	if !ok {
		rl = &refLock{}
		l.locks[id] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.Lock()
	return func() {
		rl.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
