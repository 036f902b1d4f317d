// Package cascade implements the hashed index cascade: a byte-at-a-time
// trie over a key's digest, descending through Index sectors (fixed
// fanout children) until it reaches a BucketList sector (a small linear
// table of digest/KeyLocator-offset pairs), splitting a BucketList into a
// new Index level when it overflows.
//
// Grounded in *shape*, not in borrowed code, on lldb's general style of
// small structs with explicit receiver methods over a Filer
// (lldb/falloc.go, lldb/filer.go), and on dbm.Array's pattern of wrapping
// a persistent structure with an in-process handle (dbm/dbm.go).
package cascade

import (
	"bytes"

	"github.com/cznic/dpdb/internal/dpdberr"
	"github.com/cznic/dpdb/internal/mvcc"
	"github.com/cznic/dpdb/internal/sector"
	"github.com/cznic/dpdb/internal/storage"
)

// RootStore persists the single Index (or BucketList) offset a cascade
// descends from. The root collection keeps its root in the base
// KeyLocator's designated value slot; nested Map/Sequence entities keep
// theirs wherever the entity layer's own KeyLocator stores a collection
// reference. Either way the cascade package only needs Get/Set.
type RootStore interface {
	Get() (int64, error)
	Set(off int64) error
}

// Tree is one collection's hashed index cascade.
type Tree struct {
	f      storage.Filer
	p      sector.Params
	alloc  *sector.Allocator
	digest sector.DigestFunc
	root   RootStore
}

// New returns a handle to the cascade rooted wherever root currently
// points (0 meaning "not yet created").
func New(f storage.Filer, p sector.Params, alloc *sector.Allocator, digest sector.DigestFunc, root RootStore) *Tree {
	return &Tree{f: f, p: p, alloc: alloc, digest: digest, root: root}
}

// DigestFunc returns the digest function this cascade was built with, so
// a caller holding only a Tree can still digest keys consistently (the
// entity layer needs this to build nested Trees).
func (t *Tree) DigestFunc() sector.DigestFunc { return t.digest }

// bucketListSlot is one (digest, KeyLocator offset) pair.
type bucketListSlot struct {
	digest []byte
	klOff  int64
}

func (t *Tree) readBucketList(off int64) ([]bucketListSlot, error) {
	content, err := sector.ReadTyped(t.f, t.p, off, sector.TypeBucketList)
	if err != nil {
		return nil, err
	}

	stride := int64(t.p.DigestSize) + int64(t.p.ByteSize)
	slots := make([]bucketListSlot, t.p.MaxBuckets)
	for i := range slots {
		o := int64(i) * stride
		slots[i] = bucketListSlot{
			digest: append([]byte(nil), content[o:o+int64(t.p.DigestSize)]...),
			klOff:  sector.GetOffset(content[o+int64(t.p.DigestSize):], t.p.ByteSize),
		}
	}
	return slots, nil
}

func (t *Tree) writeBucketList(off int64, slots []bucketListSlot) error {
	stride := int64(t.p.DigestSize) + int64(t.p.ByteSize)
	content := make([]byte, t.p.BucketListContentSize())
	for i, s := range slots {
		o := int64(i) * stride
		copy(content[o:], s.digest)
		sector.PutOffset(content[o+int64(t.p.DigestSize):], t.p.ByteSize, s.klOff)
	}
	return sector.WriteTyped(t.f, t.p, sector.TypeBucketList, off, content)
}

func (t *Tree) readIndex(off int64) ([]int64, error) {
	content, err := sector.ReadTyped(t.f, t.p, off, sector.TypeIndex)
	if err != nil {
		return nil, err
	}

	children := make([]int64, t.p.IndexFanout)
	for i := range children {
		children[i] = sector.GetOffset(content[int64(i)*int64(t.p.ByteSize):], t.p.ByteSize)
	}
	return children, nil
}

func (t *Tree) writeIndex(off int64, children []int64) error {
	content := make([]byte, t.p.IndexContentSize())
	for i, c := range children {
		sector.PutOffset(content[int64(i)*int64(t.p.ByteSize):], t.p.ByteSize, c)
	}
	return sector.WriteTyped(t.f, t.p, sector.TypeIndex, off, content)
}

func (t *Tree) newBucketList() (int64, error) {
	off, err := t.alloc.RequestSpace(sector.TypeBucketList)
	if err != nil {
		return 0, err
	}
	if err := t.writeBucketList(off, make([]bucketListSlot, t.p.MaxBuckets)); err != nil {
		return 0, err
	}
	return off, nil
}

func (t *Tree) newIndex() (int64, error) {
	off, err := t.alloc.RequestSpace(sector.TypeIndex)
	if err != nil {
		return 0, err
	}
	if err := t.writeIndex(off, make([]int64, t.p.IndexFanout)); err != nil {
		return 0, err
	}
	return off, nil
}

// digestByte returns digest[depth], or 0 if depth is past the end of the
// digest (insert refuses to descend that far, reporting Corrupt instead,
// so a well-formed cascade never has an Index at that depth).
func digestByte(digest []byte, depth int) byte {
	if depth >= len(digest) {
		return 0
	}
	return digest[depth]
}

// Lookup descends the cascade for key, returning the KeyLocator offset
// if an entry for key's digest exists.
func (t *Tree) Lookup(key []byte) (klOff int64, found bool, err error) {
	rootOff, err := t.root.Get()
	if err != nil {
		return 0, false, err
	}
	if rootOff == 0 {
		return 0, false, nil
	}

	digest := t.digest(key)
	return t.lookup(rootOff, digest, 0)
}

func (t *Tree) lookup(off int64, digest []byte, depth int) (int64, bool, error) {
	typ, err := t.peekType(off)
	if err != nil {
		return 0, false, err
	}

	switch typ {
	case sector.TypeBucketList:
		slots, err := t.readBucketList(off)
		if err != nil {
			return 0, false, err
		}
		for _, s := range slots {
			if s.klOff != 0 && bytes.Equal(s.digest, digest) {
				return s.klOff, true, nil
			}
		}
		return 0, false, nil

	case sector.TypeIndex:
		children, err := t.readIndex(off)
		if err != nil {
			return 0, false, err
		}
		child := children[digestByte(digest, depth)]
		if child == 0 {
			return 0, false, nil
		}
		if depth > len(digest)+1 {
			return 0, false, dpdberr.At(dpdberr.Corrupt, "cascade depth exceeds digest width", off)
		}
		return t.lookup(child, digest, depth+1)

	default:
		return 0, false, dpdberr.At(dpdberr.Corrupt, "unexpected cascade sector type", off)
	}
}

func (t *Tree) peekType(off int64) (byte, error) {
	var b [1]byte
	if n, err := t.f.ReadAt(b[:], off); n != 1 {
		return 0, dpdberr.Wrap(dpdberr.IO, "read sector type", err)
	}
	return b[0], nil
}

// GetOrCreate looks up key, creating a new KeyLocator (with classTag, if
// non-empty) and inserting it into the cascade when no entry exists yet.
func (t *Tree) GetOrCreate(key, classTag []byte) (kl *mvcc.KeyLocator, created bool, err error) {
	if off, found, err := t.Lookup(key); err != nil {
		return nil, false, err
	} else if found {
		return mvcc.Open(t.f, t.p, off), false, nil
	}

	rootOff, err := t.root.Get()
	if err != nil {
		return nil, false, err
	}
	if rootOff == 0 {
		rootOff, err = t.newBucketList()
		if err != nil {
			return nil, false, err
		}
		if err := t.root.Set(rootOff); err != nil {
			return nil, false, err
		}
	}

	newKL, err := mvcc.Create(t.f, t.p, t.alloc, key, classTag)
	if err != nil {
		return nil, false, err
	}

	digest := t.digest(key)
	if err := t.insert(rootOff, digest, newKL.Off, 0, 0, 0); err != nil {
		return nil, false, err
	}

	return newKL, true, nil
}

// insert places (digest, klOff) into the BucketList reached by descending
// from off at depth. parentOff/parentIdx identify the Index sector and
// child slot that point at off, so a split can rewrite that one pointer;
// both are 0 at the tree root, where the new root offset is persisted via
// t.root.Set instead (parentOff 0 is otherwise never a valid Index offset
// since it falls inside the file header).
func (t *Tree) insert(off int64, digest []byte, klOff int64, depth int, parentOff int64, parentIdx int) error {
	typ, err := t.peekType(off)
	if err != nil {
		return err
	}

	switch typ {
	case sector.TypeIndex:
		if depth >= len(digest) {
			return dpdberr.At(dpdberr.Corrupt, "digest bytes exhausted with entries still colliding", off)
		}
		children, err := t.readIndex(off)
		if err != nil {
			return err
		}
		b := digestByte(digest, depth)
		child := children[b]
		if child == 0 {
			child, err = t.newBucketList()
			if err != nil {
				return err
			}
			children[b] = child
			if err := t.writeIndex(off, children); err != nil {
				return err
			}
		}
		return t.insert(child, digest, klOff, depth+1, off, int(b))

	case sector.TypeBucketList:
		slots, err := t.readBucketList(off)
		if err != nil {
			return err
		}

		for i, s := range slots {
			if s.klOff == 0 {
				slots[i] = bucketListSlot{digest: digest, klOff: klOff}
				return t.writeBucketList(off, slots)
			}
		}

		// Overflow: split this BucketList into a new Index level and
		// redistribute its entries (plus the new one) by the digest
		// byte at this depth.
		return t.split(off, slots, digest, klOff, depth, parentOff, parentIdx)

	default:
		return dpdberr.At(dpdberr.Corrupt, "unexpected cascade sector type", off)
	}
}

func (t *Tree) split(off int64, slots []bucketListSlot, newDigest []byte, newKLOff int64, depth int, parentOff int64, parentIdx int) error {
	idxOff, err := t.newIndex()
	if err != nil {
		return err
	}

	all := append(slots, bucketListSlot{digest: newDigest, klOff: newKLOff})
	for _, s := range all {
		if err := t.insert(idxOff, s.digest, s.klOff, depth, 0, 0); err != nil {
			return err
		}
	}

	if err := t.alloc.ReleaseSpace(sector.TypeBucketList, off); err != nil {
		return err
	}

	if parentOff == 0 {
		return t.root.Set(idxOff)
	}

	children, err := t.readIndex(parentOff)
	if err != nil {
		return err
	}
	children[parentIdx] = idxOff
	return t.writeIndex(parentOff, children)
}
