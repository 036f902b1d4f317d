package entity

import (
	"strconv"

	"github.com/cznic/dpdb/internal/cascade"
	"github.com/cznic/dpdb/internal/dpdberr"
	"github.com/cznic/dpdb/internal/sector"
	"github.com/cznic/dpdb/internal/storage"
)

// lengthKey is the Sequence's length pseudo-key: a plain string that can
// never collide with a decimal index's textual encoding.
var lengthKey = []byte("length")

// Sequence is a Map indexed by the decimal textual form of an integer
// index (per the data model's definition of a sequence key), plus a
// length pseudo-key maintained transactionally on every mutation.
// Grounded on dbm.File/dbm.Array (dbm/dbm.go, dbm/slice.go), which layer
// ordered-position semantics over the same underlying associative store.
type Sequence struct {
	m *Map
}

// NewSequence returns a Sequence over a new Map whose cascade root is
// read/written through root. Mixing plain Map puts with Sequence
// operations on the same collection desynchronizes the length
// pseudo-key.
func NewSequence(f storage.Filer, p sector.Params, alloc *sector.Allocator, digest sector.DigestFunc, root cascade.RootStore, audit *AuditWriter, filters *Filters) *Sequence {
	return &Sequence{m: NewMap(f, p, alloc, digest, root, audit, filters)}
}

// WithTouch mirrors Map.WithTouch, for transactional commit/rollback
// tracking of a Sequence's underlying KeyLocators.
func (s *Sequence) WithTouch(fn func(klOff int64)) *Sequence {
	return &Sequence{m: s.m.WithTouch(fn)}
}

// Length implements the length pseudo-key read.
func (s *Sequence) Length(tid byte) (int64, error) {
	raw, found, err := s.m.Get(tid, lengthKey)
	if err != nil || !found {
		return 0, err
	}
	n, perr := strconv.ParseInt(string(raw), 10, 64)
	if perr != nil {
		return 0, dpdberr.Wrap(dpdberr.Corrupt, "parse length", perr)
	}
	return n, nil
}

func (s *Sequence) setLength(tid byte, n int64) error {
	return s.m.Put(tid, lengthKey, []byte(strconv.FormatInt(n, 10)), nil)
}

// resolveIndex turns a possibly-negative index into an absolute one,
// per the data model's negative-index convention (-1 is the last
// element).
func (s *Sequence) resolveIndex(tid byte, i int64) (int64, error) {
	if i >= 0 {
		return i, nil
	}
	n, err := s.Length(tid)
	if err != nil {
		return 0, err
	}
	abs := n + i
	if abs < 0 {
		return 0, dpdberr.WithArg(dpdberr.OutOfBounds, "negative index out of range", i)
	}
	return abs, nil
}

// Get implements read(index).
func (s *Sequence) Get(tid byte, index int64) (value []byte, found bool, err error) {
	idx, err := s.resolveIndex(tid, index)
	if err != nil {
		return nil, false, err
	}
	return s.m.Get(tid, sector.EncodeIndexKey(idx))
}

// Put implements write(index, value): index must be within [0, length];
// writing at exactly length appends and grows length by one.
func (s *Sequence) Put(tid byte, index int64, value, classTag []byte) error {
	idx, err := s.resolveIndex(tid, index)
	if err != nil {
		return err
	}

	n, err := s.Length(tid)
	if err != nil {
		return err
	}
	if idx > n {
		return dpdberr.WithArg(dpdberr.OutOfBounds, "index beyond sequence length", index)
	}

	if err := s.m.Put(tid, sector.EncodeIndexKey(idx), value, classTag); err != nil {
		return err
	}
	if idx == n {
		return s.setLength(tid, n+1)
	}
	return nil
}

// Push appends value at index length, growing length by one.
func (s *Sequence) Push(tid byte, value, classTag []byte) error {
	n, err := s.Length(tid)
	if err != nil {
		return err
	}
	return s.Put(tid, n, value, classTag)
}

// Pop removes and returns the last element.
func (s *Sequence) Pop(tid byte) (value []byte, found bool, err error) {
	n, err := s.Length(tid)
	if err != nil || n == 0 {
		return nil, false, err
	}

	last := n - 1
	value, found, err = s.m.Get(tid, sector.EncodeIndexKey(last))
	if err != nil || !found {
		return nil, false, err
	}
	if _, err := s.m.Delete(tid, sector.EncodeIndexKey(last)); err != nil {
		return nil, false, err
	}
	return value, true, s.setLength(tid, last)
}

// Shift removes and returns the first element, shifting every remaining
// element down by one index. Documented O(n), per the design notes.
func (s *Sequence) Shift(tid byte) (value []byte, found bool, err error) {
	n, err := s.Length(tid)
	if err != nil || n == 0 {
		return nil, false, err
	}

	value, found, err = s.m.Get(tid, sector.EncodeIndexKey(0))
	if err != nil || !found {
		return nil, false, err
	}

	for i := int64(1); i < n; i++ {
		v, _, gerr := s.m.Get(tid, sector.EncodeIndexKey(i))
		if gerr != nil {
			return nil, false, gerr
		}
		if perr := s.m.Put(tid, sector.EncodeIndexKey(i-1), v, nil); perr != nil {
			return nil, false, perr
		}
	}
	if _, err := s.m.Delete(tid, sector.EncodeIndexKey(n-1)); err != nil {
		return nil, false, err
	}
	return value, true, s.setLength(tid, n-1)
}

// Unshift inserts value at index 0, shifting every existing element up
// by one index. Documented O(n).
func (s *Sequence) Unshift(tid byte, value, classTag []byte) error {
	n, err := s.Length(tid)
	if err != nil {
		return err
	}

	for i := n; i > 0; i-- {
		v, _, gerr := s.m.Get(tid, sector.EncodeIndexKey(i-1))
		if gerr != nil {
			return gerr
		}
		if perr := s.m.Put(tid, sector.EncodeIndexKey(i), v, nil); perr != nil {
			return perr
		}
	}
	if err := s.m.Put(tid, sector.EncodeIndexKey(0), value, classTag); err != nil {
		return err
	}
	return s.setLength(tid, n+1)
}

// Splice implements the spliced removal/insertion the design notes call
// out as documented O(n): remove deleteCount elements starting at start,
// then insert items at that position, returning the removed elements.
func (s *Sequence) Splice(tid byte, start, deleteCount int64, items [][]byte) (removed [][]byte, err error) {
	n, err := s.Length(tid)
	if err != nil {
		return nil, err
	}

	idx, err := s.resolveIndex(tid, start)
	if err != nil {
		return nil, err
	}
	if idx > n {
		idx = n
	}
	if deleteCount < 0 {
		deleteCount = 0
	}
	if idx+deleteCount > n {
		deleteCount = n - idx
	}

	all := make([][]byte, 0, n)
	for i := int64(0); i < n; i++ {
		v, _, gerr := s.m.Get(tid, sector.EncodeIndexKey(i))
		if gerr != nil {
			return nil, gerr
		}
		all = append(all, v)
	}

	removed = append([][]byte(nil), all[idx:idx+deleteCount]...)

	rebuilt := make([][]byte, 0, n-deleteCount+int64(len(items)))
	rebuilt = append(rebuilt, all[:idx]...)
	rebuilt = append(rebuilt, items...)
	rebuilt = append(rebuilt, all[idx+deleteCount:]...)

	for i, v := range rebuilt {
		if err := s.m.Put(tid, sector.EncodeIndexKey(int64(i)), v, nil); err != nil {
			return nil, err
		}
	}
	for i := int64(len(rebuilt)); i < n; i++ {
		if _, err := s.m.Delete(tid, sector.EncodeIndexKey(i)); err != nil {
			return nil, err
		}
	}

	if err := s.setLength(tid, int64(len(rebuilt))); err != nil {
		return nil, err
	}
	return removed, nil
}

// Delete removes the element at index, shifting later elements down.
func (s *Sequence) Delete(tid byte, index int64) (existed bool, err error) {
	removed, err := s.Splice(tid, index, 1, nil)
	if err != nil {
		return false, err
	}
	return len(removed) > 0, nil
}
