package storage

import (
	"os"

	"github.com/cznic/fileutil"
	"github.com/cznic/mathutil"
)

// OSFiler is an *os.File backed Filer, grounded on lldb.SimpleFileFiler.
// It additionally owns the whole-file advisory lock, since this engine
// has no separate structural-transaction Filer wrapper to put that
// concern in.
type OSFiler struct {
	file      *os.File
	lock      *reentrantLock
	size      int64
	autoflush bool
}

// OpenOSFiler wraps an already-opened *os.File.
func OpenOSFiler(f *os.File, autoflush bool) (*OSFiler, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	return &OSFiler{
		file:      f,
		lock:      newReentrantLock(f.Name()),
		size:      fi.Size(),
		autoflush: autoflush,
	}, nil
}

func (f *OSFiler) Name() string { return f.file.Name() }
func (f *OSFiler) Size() int64  { return f.size }

func (f *OSFiler) Close() error { return f.file.Close() }

func (f *OSFiler) Sync() error {
	if !f.autoflush {
		return nil
	}
	return f.file.Sync()
}

func (f *OSFiler) LockShared() error    { return f.lock.lockShared() }
func (f *OSFiler) LockExclusive() error { return f.lock.lockExclusive() }
func (f *OSFiler) Unlock() error        { return f.lock.unlock() }

func (f *OSFiler) ReadAt(b []byte, off int64) (n int, err error) {
	return f.file.ReadAt(b, off)
}

func (f *OSFiler) WriteAt(b []byte, off int64) (n int, err error) {
	n, err = f.file.WriteAt(b, off)
	f.size = mathutil.MaxInt64(f.size, off+int64(n))
	if err == nil && f.autoflush {
		err = f.file.Sync()
	}
	return
}

func (f *OSFiler) Truncate(size int64) error {
	if size < 0 {
		return &os.PathError{Op: "Truncate", Path: f.file.Name(), Err: os.ErrInvalid}
	}
	if err := f.file.Truncate(size); err != nil {
		return err
	}
	f.size = size
	return nil
}

// PunchHole best-effort releases the filesystem space backing [off, off+
// size) without changing the logical file size, used by the allocator
// for the unused tail of every freed Data sector. Grounded on
// lldb.SimpleFileFiler.PunchHole; failures are swallowed by the caller
// since a hole punch is an optimization, never a correctness requirement.
func (f *OSFiler) PunchHole(off, size int64) error {
	return fileutil.PunchHole(f.file, off, size)
}
