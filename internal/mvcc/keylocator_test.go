package mvcc

import (
	"bytes"
	"testing"

	"github.com/cznic/dpdb/internal/sector"
	"github.com/cznic/dpdb/internal/storage"
)

func newFixture(t *testing.T) (storage.Filer, sector.Params, *sector.Allocator) {
	t.Helper()
	f := storage.NewMemFiler()
	p := sector.DefaultParams()
	h, err := sector.WriteNew(f, 0, p)
	if err != nil {
		t.Fatal(err)
	}
	return f, p, sector.NewAllocator(f, h)
}

func TestKeyLocatorKeyRoundTrip(t *testing.T) {
	f, p, alloc := newFixture(t)

	kl, err := Create(f, p, alloc, []byte("hello"), []byte("MyClass"))
	if err != nil {
		t.Fatal(err)
	}

	key, class, err := kl.Key()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(key, []byte("hello")) {
		t.Fatalf("key = %q", key)
	}
	if !bytes.Equal(class, []byte("MyClass")) {
		t.Fatalf("class = %q", class)
	}
}

func TestWriteReadFallsThroughToHead(t *testing.T) {
	f, p, alloc := newFixture(t)
	kl, err := Create(f, p, alloc, []byte("k"), nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := kl.Write(HeadTID, 100); err != nil {
		t.Fatal(err)
	}

	off, deleted, found, err := kl.Read(5)
	if err != nil {
		t.Fatal(err)
	}
	if !found || deleted || off != 100 {
		t.Fatalf("got off=%d deleted=%v found=%v, want 100/false/true", off, deleted, found)
	}
}

func TestTransactionSlotShadowsHead(t *testing.T) {
	f, p, alloc := newFixture(t)
	kl, err := Create(f, p, alloc, []byte("k"), nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := kl.Write(HeadTID, 100); err != nil {
		t.Fatal(err)
	}
	if err := kl.Write(7, 200); err != nil {
		t.Fatal(err)
	}

	off, _, _, err := kl.Read(7)
	if err != nil {
		t.Fatal(err)
	}
	if off != 200 {
		t.Fatalf("tid 7 should see its own write: got %d", off)
	}

	off, _, _, err = kl.Read(8)
	if err != nil {
		t.Fatal(err)
	}
	if off != 100 {
		t.Fatalf("tid 8 should still see HEAD: got %d", off)
	}
}

func TestDeleteMarksTombstone(t *testing.T) {
	f, p, alloc := newFixture(t)
	kl, err := Create(f, p, alloc, []byte("k"), nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := kl.Write(HeadTID, 100); err != nil {
		t.Fatal(err)
	}
	if err := kl.Delete(HeadTID); err != nil {
		t.Fatal(err)
	}

	_, deleted, found, err := kl.Read(HeadTID)
	if err != nil {
		t.Fatal(err)
	}
	if !found || !deleted {
		t.Fatalf("expected tombstoned HEAD slot, found=%v deleted=%v", found, deleted)
	}
}

func TestProtectSnapshotsHeadForOtherLiveTransactions(t *testing.T) {
	f, p, alloc := newFixture(t)
	kl, err := Create(f, p, alloc, []byte("k"), nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := kl.Write(HeadTID, 100); err != nil {
		t.Fatal(err)
	}

	if err := kl.Protect([]byte{9}, 100, false); err != nil {
		t.Fatal(err)
	}

	if err := kl.Write(HeadTID, 999); err != nil {
		t.Fatal(err)
	}

	off, deleted, found, err := kl.Read(9)
	if err != nil {
		t.Fatal(err)
	}
	if !found || deleted || off != 100 {
		t.Fatalf("tid 9 must keep seeing pre-mutation HEAD (100), got off=%d deleted=%v", off, deleted)
	}
}

func TestProtectHeadSnapshotsAbsentHeadAsTombstone(t *testing.T) {
	f, p, alloc := newFixture(t)
	kl, err := Create(f, p, alloc, []byte("k"), nil)
	if err != nil {
		t.Fatal(err)
	}

	// No HEAD slot exists yet (the key was just created). A live
	// transaction snapshotted now must never fall through to a HEAD
	// written after it began, so the snapshot must be a tombstone, not
	// an empty Slot{} indistinguishable from "no slot at all".
	if err := kl.ProtectHead([]byte{9}); err != nil {
		t.Fatal(err)
	}

	if err := kl.Write(HeadTID, 999); err != nil {
		t.Fatal(err)
	}

	_, deleted, found, err := kl.Read(9)
	if err != nil {
		t.Fatal(err)
	}
	if !found || !deleted {
		t.Fatalf("tid 9 must see the key as absent, not the HEAD written after protection: found=%v deleted=%v", found, deleted)
	}
}
