package storage

import (
	"fmt"
	"io"

	"github.com/cznic/mathutil"
)

const (
	pgBits = 12
	pgSize = 1 << pgBits
	pgMask = pgSize - 1
)

var zeroPage [pgSize]byte

type memFilerMap map[int64]*[pgSize]byte

// MemFiler is a memory backed Filer, grounded on lldb.MemFiler. It is not
// automatically persistent. Used by dpdb.CreateMem and by unit tests that
// don't need an on-disk file.
type MemFiler struct {
	m    memFilerMap
	lock *reentrantLock
	size int64
}

// NewMemFiler returns a new, empty MemFiler.
func NewMemFiler() *MemFiler {
	return &MemFiler{m: memFilerMap{}, lock: newReentrantLock("")}
}

func (f *MemFiler) Name() string { return fmt.Sprintf("%p.memfiler", f) }
func (f *MemFiler) Size() int64  { return f.size }
func (f *MemFiler) Close() error { return nil }
func (f *MemFiler) Sync() error  { return nil }

func (f *MemFiler) LockShared() error    { return f.lock.lockShared() }
func (f *MemFiler) LockExclusive() error { return f.lock.lockExclusive() }
func (f *MemFiler) Unlock() error        { return f.lock.unlock() }

func (f *MemFiler) ReadAt(b []byte, off int64) (n int, err error) {
	avail := f.size - off
	if avail <= 0 {
		return 0, io.EOF
	}

	pgI := off >> pgBits
	pgO := int(off & pgMask)
	rem := len(b)
	if int64(rem) >= avail {
		rem = int(avail)
		err = io.EOF
	}
	for rem != 0 {
		pg := f.m[pgI]
		if pg == nil {
			pg = &zeroPage
		}
		nc := copy(b[:mathutil.Min(rem, pgSize-pgO)], pg[pgO:])
		pgI++
		pgO = 0
		rem -= nc
		n += nc
		b = b[nc:]
	}
	return
}

func (f *MemFiler) WriteAt(b []byte, off int64) (n int, err error) {
	pgI := off >> pgBits
	pgO := int(off & pgMask)
	n = len(b)
	rem := n
	for rem != 0 {
		pg := f.m[pgI]
		if pg == nil {
			pg = new([pgSize]byte)
			f.m[pgI] = pg
		}
		nc := copy((*pg)[pgO:], b)
		pgI++
		pgO = 0
		rem -= nc
		b = b[nc:]
	}
	f.size = mathutil.MaxInt64(f.size, off+int64(n))
	return
}

func (f *MemFiler) Truncate(size int64) error {
	if size < 0 {
		return fmt.Errorf("storage: MemFiler.Truncate: negative size %d", size)
	}

	first := size >> pgBits
	if size&pgMask != 0 {
		first++
	}
	last := f.size >> pgBits
	if f.size&pgMask != 0 {
		last++
	}
	for ; first < last; first++ {
		delete(f.m, first)
	}

	f.size = size
	return nil
}
