// Package mvcc implements the per-key multi-version concurrency control
// slot (KeyLocator) and the transaction manager built on top of it: the
// ACI transaction protocol the engine exposes (begin/commit/rollback).
//
// This has no direct precedent in lldb's RollbackFiler (lldb/xact.go),
// which does whole-filer structural rollback via an in-memory bit-page
// diff, a different mechanism entirely from per-key MVCC slots. The
// surrounding idiom carries over: typed errors, small structs with
// explicit receiver methods over a Filer, and the reentrant enter()/
// leave() locking pattern from dbm.DB.
package mvcc

import (
	"github.com/cznic/dpdb/internal/dpdberr"
	"github.com/cznic/dpdb/internal/sector"
	"github.com/cznic/dpdb/internal/storage"
)

// HeadTID is the reserved transaction id meaning "the mainline value".
const HeadTID = 0

// slot layout within a KeyLocator's content: value_off (ByteSize) | tid
// (1) | deleted (1), repeated MaxBuckets times, per the file format.
func slotOffset(p sector.Params, i int) int64 { return int64(i) * (int64(p.ByteSize) + 2) }

// KeyLocator is an in-memory handle to a KeyLocator sector.
type KeyLocator struct {
	f   storage.Filer
	p   sector.Params
	Off int64
}

// Open returns a handle to the KeyLocator sector at off, without reading
// its content (slot reads/writes fetch what they need on demand).
func Open(f storage.Filer, p sector.Params, off int64) *KeyLocator {
	return &KeyLocator{f: f, p: p, Off: off}
}

// Create allocates and initializes a new KeyLocator sector holding key
// (and, if non-empty, classTag) with no MVCC slots set yet (the HEAD slot
// is written separately by the first Write call, per the lifecycle rule
// that a slot is "created" the first time a (key, tid) pair is written).
func Create(f storage.Filer, p sector.Params, alloc *sector.Allocator, key, classTag []byte) (*KeyLocator, error) {
	if len(key) > sector.MaxPlainKeyLen {
		return nil, dpdberr.WithArg(dpdberr.UnsupportedType, "key too long", len(key))
	}
	if len(classTag) > sector.MaxClassLen {
		return nil, dpdberr.WithArg(dpdberr.UnsupportedType, "class tag too long", len(classTag))
	}

	off, err := alloc.RequestSpace(sector.TypeKeyLocator)
	if err != nil {
		return nil, err
	}

	content := make([]byte, p.KeyLocatorContentSize())
	slotTableEnd := int64(p.MaxBuckets) * (int64(p.ByteSize) + 2)

	content[slotTableEnd] = byte(len(key))
	copy(content[slotTableEnd+1:], key)

	classOff := slotTableEnd + 1 + sector.MaxPlainKeyLen
	if len(classTag) > 0 {
		content[classOff] = 1
		sector.PutOffset(content[classOff+1:], p.ByteSize, int64(len(classTag)))
		copy(content[classOff+1+int64(p.ByteSize):], classTag)
	}

	if err := sector.WriteTyped(f, p, sector.TypeKeyLocator, off, content); err != nil {
		return nil, err
	}

	return &KeyLocator{f: f, p: p, Off: off}, nil
}

// Key reads the plaintext key and optional class tag back out.
func (kl *KeyLocator) Key() (key, classTag []byte, err error) {
	content, err := sector.ReadTyped(kl.f, kl.p, kl.Off, sector.TypeKeyLocator)
	if err != nil {
		return nil, nil, err
	}

	slotTableEnd := int64(kl.p.MaxBuckets) * (int64(kl.p.ByteSize) + 2)
	klen := int(content[slotTableEnd])
	key = append([]byte(nil), content[slotTableEnd+1:slotTableEnd+1+int64(klen)]...)

	classOff := slotTableEnd + 1 + sector.MaxPlainKeyLen
	if content[classOff] != 0 {
		clen := sector.GetOffset(content[classOff+1:], kl.p.ByteSize)
		classTag = append([]byte(nil), content[classOff+1+int64(kl.p.ByteSize):classOff+1+int64(kl.p.ByteSize)+clen]...)
	}

	return key, classTag, nil
}

// Slot is one (value_offset, transaction_id, deleted) entry.
type Slot struct {
	ValueOff int64
	TID      byte
	Deleted  bool
}

func (kl *KeyLocator) readSlots() ([]Slot, []byte, error) {
	content, err := sector.ReadTyped(kl.f, kl.p, kl.Off, sector.TypeKeyLocator)
	if err != nil {
		return nil, nil, err
	}

	slots := make([]Slot, kl.p.MaxBuckets)
	for i := range slots {
		o := slotOffset(kl.p, i)
		slots[i] = Slot{
			ValueOff: sector.GetOffset(content[o:], kl.p.ByteSize),
			TID:      content[o+int64(kl.p.ByteSize)],
			Deleted:  content[o+int64(kl.p.ByteSize)+1] != 0,
		}
	}
	return slots, content, nil
}

func (kl *KeyLocator) writeSlot(content []byte, i int, s Slot) error {
	o := slotOffset(kl.p, i)
	sector.PutOffset(content[o:], kl.p.ByteSize, s.ValueOff)
	content[o+int64(kl.p.ByteSize)] = s.TID
	if s.Deleted {
		content[o+int64(kl.p.ByteSize)+1] = 1
	} else {
		content[o+int64(kl.p.ByteSize)+1] = 0
	}
	return sector.WriteTyped(kl.f, kl.p, sector.TypeKeyLocator, kl.Off, content)
}

// Read implements Read(tid): scan slots for tid, falling through to HEAD
// when no slot for tid exists. found reports whether any slot (HEAD or
// tid's own) exists at all.
func (kl *KeyLocator) Read(tid byte) (valueOff int64, deleted bool, found bool, err error) {
	slots, _, err := kl.readSlots()
	if err != nil {
		return 0, false, false, err
	}

	var head *Slot
	for i := range slots {
		s := &slots[i]
		if s.TID == HeadTID && s.ValueOff != 0 || (s.TID == HeadTID && s.Deleted) {
			head = s
		}
		if tid != HeadTID && s.TID == tid && (s.ValueOff != 0 || s.Deleted) {
			return s.ValueOff, s.Deleted, true, nil
		}
	}

	if head == nil {
		return 0, false, false, nil
	}
	return head.ValueOff, head.Deleted, true, nil
}

// Write implements Write(tid, new_offset): find tid's existing slot or
// the first empty, non-deleted slot, and write (new_offset, tid, false).
func (kl *KeyLocator) Write(tid byte, newOffset int64) error {
	slots, content, err := kl.readSlots()
	if err != nil {
		return err
	}

	idx := -1
	for i, s := range slots {
		if s.TID == tid && (s.ValueOff != 0 || s.Deleted) {
			idx = i
			break
		}
	}
	if idx < 0 {
		for i, s := range slots {
			if s.ValueOff == 0 && !s.Deleted {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		return dpdberr.New(dpdberr.Corrupt, "slot table full")
	}

	return kl.writeSlot(content, idx, Slot{ValueOff: newOffset, TID: tid, Deleted: false})
}

// Delete implements Delete(tid): set the deleted flag on tid's slot,
// creating a zero-offset deleted slot if tid != HEAD and none exists yet.
func (kl *KeyLocator) Delete(tid byte) error {
	slots, content, err := kl.readSlots()
	if err != nil {
		return err
	}

	for i, s := range slots {
		if s.TID == tid && (s.ValueOff != 0 || s.Deleted) {
			return kl.writeSlot(content, i, Slot{ValueOff: s.ValueOff, TID: tid, Deleted: true})
		}
	}

	if tid == HeadTID {
		// No HEAD slot exists yet; nothing to delete.
		return nil
	}

	for i, s := range slots {
		if s.ValueOff == 0 && !s.Deleted {
			return kl.writeSlot(content, i, Slot{ValueOff: 0, TID: tid, Deleted: true})
		}
	}

	return dpdberr.New(dpdberr.Corrupt, "slot table full")
}

// OwnSlot returns tid's own slot with no HEAD fallback, for Commit/
// Rollback/Protect, which must distinguish "no slot" from "falls through
// to HEAD".
func (kl *KeyLocator) OwnSlot(tid byte) (Slot, bool, error) {
	slots, _, err := kl.readSlots()
	if err != nil {
		return Slot{}, false, err
	}
	for _, s := range slots {
		if s.TID == tid && (s.ValueOff != 0 || s.Deleted) {
			return s, true, nil
		}
	}
	return Slot{}, false, nil
}

// ClearTID wipes tid's slot back to empty (used by Commit/Rollback).
func (kl *KeyLocator) ClearTID(tid byte) error {
	slots, content, err := kl.readSlots()
	if err != nil {
		return err
	}

	for i, s := range slots {
		if s.TID == tid && (s.ValueOff != 0 || s.Deleted) {
			return kl.writeSlot(content, i, Slot{})
		}
	}
	return nil
}

// Protect is the isolation mechanism described in the design: before a
// HEAD mutation is written, materialize the pre-mutation HEAD
// (preOff, preDeleted) into every live transaction id in liveTIDs that
// doesn't already have its own slot for this key.
func (kl *KeyLocator) Protect(liveTIDs []byte, preOff int64, preDeleted bool) error {
	if len(liveTIDs) == 0 {
		return nil
	}

	slots, content, err := kl.readSlots()
	if err != nil {
		return err
	}

	has := map[byte]bool{}
	for _, s := range slots {
		if s.TID != HeadTID && (s.ValueOff != 0 || s.Deleted) {
			has[s.TID] = true
		}
	}

	for _, tid := range liveTIDs {
		if has[tid] {
			continue
		}

		idx := -1
		for i, s := range slots {
			if s.ValueOff == 0 && !s.Deleted {
				idx = i
				break
			}
		}
		if idx < 0 {
			return dpdberr.New(dpdberr.Corrupt, "slot table full")
		}

		if err := kl.writeSlot(content, idx, Slot{ValueOff: preOff, TID: tid, Deleted: preDeleted}); err != nil {
			return err
		}
		slots[idx] = Slot{ValueOff: preOff, TID: tid, Deleted: preDeleted}
		has[tid] = true
	}
	return nil
}

// ProtectHead reads the current HEAD slot and snapshots it into every
// live transaction id in liveTIDs via Protect, ahead of a HEAD mutation
// about to land (whether from an autocommit write/delete or from another
// transaction's Commit). An absent HEAD is snapshotted as a tombstone
// (Deleted: true) rather than an empty slot: Protect's callers can't tell
// an empty Slot{} apart from "no slot at all", so a key with no HEAD slot
// at all must still register as "not yet visible" to every other live
// transaction, not fall through to a HEAD written after they began.
func (kl *KeyLocator) ProtectHead(liveTIDs []byte) error {
	if len(liveTIDs) == 0 {
		return nil
	}
	preOff, preDeleted, found, err := kl.Read(HeadTID)
	if err != nil {
		return err
	}
	if !found {
		preDeleted = true
	}
	return kl.Protect(liveTIDs, preOff, preDeleted)
}
