package sector

import (
	"github.com/cznic/dpdb/internal/dpdberr"
	"github.com/cznic/dpdb/internal/storage"
)

// HolePuncher is implemented by Filers that can release filesystem space
// backing a byte range without changing the logical file size (see
// storage.OSFiler.PunchHole). Allocator type-asserts for it since the
// generic storage.Filer interface has no such method; a Filer that
// doesn't implement it (e.g. storage.MemFiler) simply never gets the
// optimization.
type HolePuncher interface {
	PunchHole(off, size int64) error
}

// Allocator is the storage-space manager: request_space/release_space
// over a Filer, backed by one freelist per exact sector size class.
// Grounded on lldb.Allocator (lldb/falloc.go) and lldb.FLT (lldb/flt.go),
// simplified from lldb's power-of-two atom classes down to four exact
// sector classes, each with a single freelist head kept in the Header
// rather than in a separate FLT table.
type Allocator struct {
	f storage.Filer
	h *Header
}

// NewAllocator returns an Allocator operating over f using h's
// header-derived sizes and persisted freelist heads.
func NewAllocator(f storage.Filer, h *Header) *Allocator {
	return &Allocator{f: f, h: h}
}

// RequestSpace implements request_space: pop a sector of class off the
// freelist if one exists, otherwise append at end-of-file. The returned
// offset is an exclusively owned sector of the given class; its content
// is not yet meaningful and MUST be written by the caller before any
// reference to it becomes reachable from the root (this is what makes
// the engine's atomicity-by-ordering guarantee hold, per the design
// notes on durability).
func (a *Allocator) RequestSpace(class byte) (int64, error) {
	sectorSize, err := a.h.SectorSize(class)
	if err != nil {
		return 0, err
	}

	head := a.h.FreelistHeads[class]
	if head == 0 {
		off := a.f.Size()
		if err := a.f.Truncate(off + sectorSize); err != nil {
			return 0, dpdberr.Wrap(dpdberr.IO, "extend file", err)
		}
		return off, nil
	}

	content, err := ReadTyped(a.f, a.h.Params, head, TypeFreelist)
	if err != nil {
		return 0, err
	}

	next := GetOffset(content[1:], a.h.ByteSize)
	if err := a.h.SetFreelistHead(a.f, class, next); err != nil {
		return 0, err
	}
	if next != 0 {
		if err := a.setFreelistPrev(class, next, 0); err != nil {
			return 0, err
		}
	}

	_ = sectorSize
	return head, nil
}

// ReleaseSpace implements release_space: overwrite off's type byte with
// the freelist sentinel and link it at the head of its class's freelist.
// off MUST have been obtained from RequestSpace for the same class and
// MUST NOT still be referenced from anywhere reachable, per the sector
// lifecycle invariant.
func (a *Allocator) ReleaseSpace(class byte, off int64) error {
	contentSize, err := a.h.ContentSize(class)
	if err != nil {
		return err
	}

	oldHead := a.h.FreelistHeads[class]

	content := make([]byte, contentSize)
	content[0] = class
	PutOffset(content[1:], a.h.ByteSize, oldHead) // next
	PutOffset(content[1+int64(a.h.ByteSize):], a.h.ByteSize, 0) // prev

	if err := WriteTyped(a.f, a.h.Params, TypeFreelist, off, content); err != nil {
		return err
	}

	if oldHead != 0 {
		if err := a.setFreelistPrev(class, oldHead, off); err != nil {
			return err
		}
	}

	if class == TypeData {
		a.punchUnusedTail(off, contentSize)
	}

	return a.h.SetFreelistHead(a.f, class, off)
}

// punchUnusedTail best-effort releases the filesystem space backing the
// portion of a freed Data sector beyond the freelist linkage fields
// (class, next, prev), since that tail can never be read again until the
// sector is reused by RequestSpace. A Filer that doesn't implement
// HolePuncher (storage.MemFiler, in particular) is silently skipped; a
// failed punch is an optimization miss, never a correctness problem.
func (a *Allocator) punchUnusedTail(off, contentSize int64) {
	hp, ok := a.f.(HolePuncher)
	if !ok {
		return
	}
	freelistUsed := int64(1) + 2*int64(a.h.ByteSize)
	if contentSize <= freelistUsed {
		return
	}
	frameHeader := int64(1) + int64(a.h.ByteSize)
	_ = hp.PunchHole(off+frameHeader+freelistUsed, contentSize-freelistUsed)
}

func (a *Allocator) setFreelistPrev(class byte, off, prev int64) error {
	content, err := ReadTyped(a.f, a.h.Params, off, TypeFreelist)
	if err != nil {
		return err
	}

	if content[0] != class {
		return dpdberr.At(dpdberr.Corrupt, "freelist class mismatch", off)
	}

	PutOffset(content[1+int64(a.h.ByteSize):], a.h.ByteSize, prev)
	return WriteTyped(a.f, a.h.Params, TypeFreelist, off, content)
}
