package helpers

import "sync"

func WithLock(l sync.Locker, f func()) {
	l.Lock()
	defer l.Unlock()
	f()
}

// AtomicError is a store-once error latch. Useful to mark a connection
// dead exactly once when several workers can observe the failure.
type AtomicError struct {
	mu  sync.Mutex
	err error
	set bool
}

func (a *AtomicError) Load() (error, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err, a.set
}

// StoreOnce stores e only the first time, returns same as Load() before modification.
func (a *AtomicError) StoreOnce(e error) (error, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	prevErr, prevSet := a.err, a.set
	if !prevSet {
		a.err, a.set = e, true
	}
	return prevErr, prevSet
}
