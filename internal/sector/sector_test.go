package sector

import (
	"testing"

	"github.com/cznic/dpdb/internal/storage"
)

func TestHeaderRoundTrip(t *testing.T) {
	f := storage.NewMemFiler()
	p := DefaultParams()

	if _, err := WriteNew(f, 0, p); err != nil {
		t.Fatal(err)
	}

	h, err := Read(f, 0)
	if err != nil {
		t.Fatal(err)
	}
	if h.ByteSize != p.ByteSize || h.DigestSize != p.DigestSize || h.MaxBuckets != p.MaxBuckets || h.IndexFanout != p.IndexFanout {
		t.Fatalf("params round trip mismatch: got %+v, want %+v", h.Params, p)
	}
}

func TestFanoutByteEncoding(t *testing.T) {
	if fanoutByte(256) != 0 {
		t.Fatal("256 must encode as 0")
	}
	if fanoutFromByte(0) != 256 {
		t.Fatal("0 must decode as 256")
	}
	if fanoutFromByte(16) != 16 {
		t.Fatal("16 must round trip")
	}
}

func TestAllocatorReuseAfterRelease(t *testing.T) {
	f := storage.NewMemFiler()
	p := DefaultParams()

	h, err := WriteNew(f, 0, p)
	if err != nil {
		t.Fatal(err)
	}
	alloc := NewAllocator(f, h)

	off1, err := alloc.RequestSpace(TypeData)
	if err != nil {
		t.Fatal(err)
	}
	content := make([]byte, p.DataContentSize())
	if err := WriteTyped(f, p, TypeData, off1, content); err != nil {
		t.Fatal(err)
	}

	if err := alloc.ReleaseSpace(TypeData, off1); err != nil {
		t.Fatal(err)
	}

	off2, err := alloc.RequestSpace(TypeData)
	if err != nil {
		t.Fatal(err)
	}
	if off2 != off1 {
		t.Fatalf("expected freelist reuse: got new offset %d, want reused %d", off2, off1)
	}
}

func TestReadTypedRejectsWrongType(t *testing.T) {
	f := storage.NewMemFiler()
	p := DefaultParams()

	content := make([]byte, p.DataContentSize())
	if err := WriteTyped(f, p, TypeData, 0, content); err != nil {
		t.Fatal(err)
	}

	if _, err := ReadTyped(f, p, 0, TypeIndex); err == nil {
		t.Fatal("expected type mismatch error")
	}
}

// punchRecordingFiler wraps storage.MemFiler to record PunchHole calls,
// since MemFiler itself has no filesystem space to reclaim.
type punchRecordingFiler struct {
	*storage.MemFiler
	punched []int64 // offsets passed to PunchHole
}

func (f *punchRecordingFiler) PunchHole(off, size int64) error {
	f.punched = append(f.punched, off)
	return nil
}

func TestReleaseSpacePunchesUnusedTailOfDataSector(t *testing.T) {
	f := &punchRecordingFiler{MemFiler: storage.NewMemFiler()}
	p := DefaultParams()

	h, err := WriteNew(f, 0, p)
	if err != nil {
		t.Fatal(err)
	}
	alloc := NewAllocator(f, h)

	off, err := alloc.RequestSpace(TypeData)
	if err != nil {
		t.Fatal(err)
	}
	content := make([]byte, p.DataContentSize())
	if err := WriteTyped(f, p, TypeData, off, content); err != nil {
		t.Fatal(err)
	}

	if err := alloc.ReleaseSpace(TypeData, off); err != nil {
		t.Fatal(err)
	}

	if len(f.punched) != 1 || f.punched[0] == 0 {
		t.Fatalf("expected exactly one PunchHole call past the freelist linkage fields, got %v", f.punched)
	}
}

func TestReleaseSpaceDoesNotPunchNonDataClasses(t *testing.T) {
	f := &punchRecordingFiler{MemFiler: storage.NewMemFiler()}
	p := DefaultParams()

	h, err := WriteNew(f, 0, p)
	if err != nil {
		t.Fatal(err)
	}
	alloc := NewAllocator(f, h)

	off, err := alloc.RequestSpace(TypeIndex)
	if err != nil {
		t.Fatal(err)
	}
	content := make([]byte, p.IndexContentSize())
	if err := WriteTyped(f, p, TypeIndex, off, content); err != nil {
		t.Fatal(err)
	}

	if err := alloc.ReleaseSpace(TypeIndex, off); err != nil {
		t.Fatal(err)
	}

	if len(f.punched) != 0 {
		t.Fatalf("Index sectors must not be hole-punched, got %v", f.punched)
	}
}

func TestReadTypedRejectsSizeFieldMismatch(t *testing.T) {
	f := storage.NewMemFiler()
	p := DefaultParams()

	content := make([]byte, p.DataContentSize())
	if err := WriteTyped(f, p, TypeData, 0, content); err != nil {
		t.Fatal(err)
	}

	// Corrupt the on-disk size field in place, leaving the type tag intact.
	var zero [8]byte
	if _, err := f.WriteAt(zero[:p.ByteSize], 1); err != nil {
		t.Fatal(err)
	}

	if _, err := ReadTyped(f, p, 0, TypeData); err == nil {
		t.Fatal("expected size field mismatch error")
	}
}
