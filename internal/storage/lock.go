package storage

import (
	"sync"

	"github.com/gofrs/flock"
)

// reentrantLock implements the reentrant shared/exclusive advisory lock
// described in the concurrency model: the OS lock is taken only on the
// outermost acquisition and released only on the outermost release,
// mirroring the nesting counter in lldb.SimpleFileFiler and
// dbm.DB.bkl/enter/leave.
//
// A single goroutine per process is expected to drive one Filer, matching
// the "one instance, one execution context" rule from the transaction
// manager's consistency rules; the mutex here only protects the refcount
// bookkeeping itself, not cross-goroutine fairness.
type reentrantLock struct {
	mu       sync.Mutex
	fl       *flock.Flock // nil for in-memory Filers: locking is a no-op
	shared   int
	excl     int
	haveExcl bool
}

func newReentrantLock(path string) *reentrantLock {
	if path == "" {
		return &reentrantLock{}
	}
	return &reentrantLock{fl: flock.New(path)}
}

func (l *reentrantLock) lockShared() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.excl > 0 || l.shared > 0 {
		l.shared++
		return nil
	}

	if l.fl != nil {
		if err := l.fl.RLock(); err != nil {
			return err
		}
	}
	l.shared++
	return nil
}

func (l *reentrantLock) lockExclusive() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.excl > 0 {
		l.excl++
		return nil
	}

	if l.fl != nil {
		// Upgrading from a shared hold this instance itself took is not
		// attempted; release-then-acquire would create a race window, so
		// exclusive is always acquired fresh against the OS.
		if err := l.fl.Lock(); err != nil {
			return err
		}
	}
	l.excl++
	l.haveExcl = true
	return nil
}

func (l *reentrantLock) unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.excl > 0:
		l.excl--
		if l.excl == 0 {
			l.haveExcl = false
			if l.fl != nil {
				return l.fl.Unlock()
			}
		}
	case l.shared > 0:
		l.shared--
		if l.shared == 0 && l.fl != nil {
			return l.fl.Unlock()
		}
	}
	return nil
}
