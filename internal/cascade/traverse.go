package cascade

import (
	"bytes"

	"github.com/cznic/dpdb/internal/dpdberr"
	"github.com/cznic/dpdb/internal/sector"
)

// Remove drops key's entry from the cascade entirely, reclaiming its
// BucketList slot. This is distinct from the MVCC-level delete (a
// tombstoned slot in the KeyLocator itself), which is what the entity
// layer's Delete uses; nothing in the engine calls Remove, so a deleted
// key's BucketList entry and KeyLocator stay in place.
func (t *Tree) Remove(key []byte) error {
	rootOff, err := t.root.Get()
	if err != nil {
		return err
	}
	if rootOff == 0 {
		return nil
	}
	digest := t.digest(key)
	return t.remove(rootOff, digest, 0)
}

func (t *Tree) remove(off int64, digest []byte, depth int) error {
	typ, err := t.peekType(off)
	if err != nil {
		return err
	}

	switch typ {
	case sector.TypeBucketList:
		slots, err := t.readBucketList(off)
		if err != nil {
			return err
		}
		for i, s := range slots {
			if s.klOff != 0 && bytes.Equal(s.digest, digest) {
				slots[i] = bucketListSlot{}
				return t.writeBucketList(off, slots)
			}
		}
		return nil

	case sector.TypeIndex:
		children, err := t.readIndex(off)
		if err != nil {
			return err
		}
		child := children[digestByte(digest, depth)]
		if child == 0 {
			return nil
		}
		return t.remove(child, digest, depth+1)

	default:
		return dpdberr.At(dpdberr.Corrupt, "unexpected cascade sector type", off)
	}
}

// entry is one live (digest, KeyLocator offset) pair, in the depth-first,
// byte-ascending order the traversal contract guarantees.
type entry struct {
	digest []byte
	klOff  int64
}

// collect walks the whole cascade depth-first, visiting Index children
// and BucketList slots in ascending byte/slot order. Used by First/Next/
// NextOffset, each of which re-walks the whole cascade on every call
// rather than keeping an incremental cursor.
func (t *Tree) collect(off int64) ([]entry, error) {
	typ, err := t.peekType(off)
	if err != nil {
		return nil, err
	}

	switch typ {
	case sector.TypeBucketList:
		slots, err := t.readBucketList(off)
		if err != nil {
			return nil, err
		}
		var out []entry
		for _, s := range slots {
			if s.klOff != 0 {
				out = append(out, entry{digest: s.digest, klOff: s.klOff})
			}
		}
		return out, nil

	case sector.TypeIndex:
		children, err := t.readIndex(off)
		if err != nil {
			return nil, err
		}
		var out []entry
		for _, c := range children {
			if c == 0 {
				continue
			}
			sub, err := t.collect(c)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		}
		return out, nil

	default:
		return nil, dpdberr.At(dpdberr.Corrupt, "unexpected cascade sector type", off)
	}
}

// First returns the first entry in traversal order, or found=false if the
// cascade is empty.
func (t *Tree) First() (klOff int64, found bool, err error) {
	rootOff, err := t.root.Get()
	if err != nil {
		return 0, false, err
	}
	if rootOff == 0 {
		return 0, false, nil
	}

	entries, err := t.collect(rootOff)
	if err != nil {
		return 0, false, err
	}
	if len(entries) == 0 {
		return 0, false, nil
	}
	return entries[0].klOff, true, nil
}

// NextOffset returns the entry immediately after the one whose KeyLocator
// offset is klOff, in traversal order. Used by iteration that already
// holds a KeyLocator handle and wants the next one without re-deriving
// and re-hashing the plaintext key.
func (t *Tree) NextOffset(klOff int64) (next int64, found bool, err error) {
	rootOff, err := t.root.Get()
	if err != nil {
		return 0, false, err
	}
	if rootOff == 0 {
		return 0, false, nil
	}

	entries, err := t.collect(rootOff)
	if err != nil {
		return 0, false, err
	}

	for i, e := range entries {
		if e.klOff == klOff {
			if i+1 < len(entries) {
				return entries[i+1].klOff, true, nil
			}
			return 0, false, nil
		}
	}
	return 0, false, dpdberr.New(dpdberr.OutOfBounds, "key locator not present")
}

// Next returns the entry immediately after key in traversal order.
func (t *Tree) Next(key []byte) (klOff int64, found bool, err error) {
	rootOff, err := t.root.Get()
	if err != nil {
		return 0, false, err
	}
	if rootOff == 0 {
		return 0, false, nil
	}

	entries, err := t.collect(rootOff)
	if err != nil {
		return 0, false, err
	}

	digest := t.digest(key)
	for i, e := range entries {
		if bytes.Equal(e.digest, digest) {
			if i+1 < len(entries) {
				return entries[i+1].klOff, true, nil
			}
			return 0, false, nil
		}
	}
	return 0, false, dpdberr.New(dpdberr.OutOfBounds, "key not present")
}
