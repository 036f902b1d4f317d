// Package storage implements the byte-addressable random-access file
// abstraction the rest of the engine is built on: read_at/write_at,
// request_space/release_space and the whole-file advisory lock.
//
// Filer is lldb.Filer generalized: the nesting counters that guarded
// lldb's structural transactions here guard the reentrant advisory lock
// instead, since this engine's Atomicity/Isolation story is carried by
// per-key MVCC slots (internal/mvcc), not by a whole-filer rollback log.
package storage

import "io"

// A Filer is a []byte-like model of a file. It is not safe for concurrent
// use from multiple goroutines; callers coordinate through LockShared/
// LockExclusive/Unlock instead.
type Filer interface {
	io.Closer

	// Name returns the path (or a synthetic name for in-memory Filers).
	Name() string

	// Size returns the current size in bytes.
	Size() int64

	// ReadAt behaves like os.File.ReadAt.
	ReadAt(b []byte, off int64) (n int, err error)

	// WriteAt behaves like os.File.WriteAt.
	WriteAt(b []byte, off int64) (n int, err error)

	// Truncate behaves like os.File.Truncate.
	Truncate(size int64) error

	// Sync flushes to stable storage if the Filer is backed by one and
	// autoflush is enabled; a no-op otherwise.
	Sync() error

	// LockShared acquires (or, if already held by this instance,
	// increments the refcount of) a whole-file shared advisory lock.
	LockShared() error

	// LockExclusive acquires (or upgrades/increments) a whole-file
	// exclusive advisory lock.
	LockExclusive() error

	// Unlock decrements the refcount, releasing the OS lock on the
	// outermost release.
	Unlock() error
}

func need(n int, dst []byte) []byte {
	if cap(dst) < n {
		return make([]byte, n)
	}
	return dst[:n]
}
