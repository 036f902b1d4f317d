package cascade

import (
	"fmt"
	"testing"

	"github.com/cznic/dpdb/internal/mvcc"
	"github.com/cznic/dpdb/internal/sector"
	"github.com/cznic/dpdb/internal/storage"
)

type memRoot struct{ off int64 }

func (r *memRoot) Get() (int64, error)    { return r.off, nil }
func (r *memRoot) Set(off int64) error    { r.off = off; return nil }

func newFixture(t *testing.T) (*Tree, *sector.Allocator, storage.Filer, sector.Params) {
	t.Helper()
	f := storage.NewMemFiler()
	p := sector.DefaultParams()
	h, err := sector.WriteNew(f, 0, p)
	if err != nil {
		t.Fatal(err)
	}
	alloc := sector.NewAllocator(f, h)
	tree := New(f, p, alloc, sector.MD5Digest, &memRoot{})
	return tree, alloc, f, p
}

func TestGetOrCreateThenLookup(t *testing.T) {
	tree, _, _, _ := newFixture(t)

	kl, created, err := tree.GetOrCreate([]byte("alpha"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected creation on first insert")
	}

	off, found, err := tree.Lookup([]byte("alpha"))
	if err != nil {
		t.Fatal(err)
	}
	if !found || off != kl.Off {
		t.Fatalf("lookup mismatch: found=%v off=%d want=%d", found, off, kl.Off)
	}

	_, found, err = tree.Lookup([]byte("missing"))
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("expected miss for unseen key")
	}
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	tree, _, _, _ := newFixture(t)

	kl1, _, err := tree.GetOrCreate([]byte("k"), nil)
	if err != nil {
		t.Fatal(err)
	}
	kl2, created, err := tree.GetOrCreate([]byte("k"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("second GetOrCreate must not create")
	}
	if kl1.Off != kl2.Off {
		t.Fatal("expected same KeyLocator offset")
	}
}

func TestOverflowSplitKeepsAllEntriesFindable(t *testing.T) {
	tree, _, _, p := newFixture(t)

	n := int(p.MaxBuckets)*3 + 5
	klOffs := map[string]int64{}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		kl, _, err := tree.GetOrCreate(key, nil)
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		klOffs[string(key)] = kl.Off
	}

	for key, wantOff := range klOffs {
		off, found, err := tree.Lookup([]byte(key))
		if err != nil {
			t.Fatalf("lookup %q: %v", key, err)
		}
		if !found || off != wantOff {
			t.Fatalf("lookup %q: found=%v off=%d want=%d", key, found, off, wantOff)
		}
	}
}

func TestTraversalVisitsEveryEntryExactlyOnce(t *testing.T) {
	tree, _, f, p := newFixture(t)

	n := int(p.MaxBuckets)*2 + 3
	want := map[string]bool{}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k%03d", i))
		if _, _, err := tree.GetOrCreate(key, nil); err != nil {
			t.Fatal(err)
		}
		want[string(key)] = true
	}

	got := map[string]bool{}
	off, found, err := tree.First()
	for found && err == nil {
		kl := mvcc.Open(f, p, off)
		key, _, kerr := kl.Key()
		if kerr != nil {
			t.Fatal(kerr)
		}
		got[string(key)] = true
		off, found, err = tree.NextOffset(off)
	}
	if err != nil {
		t.Fatal(err)
	}

	if len(got) != len(want) {
		t.Fatalf("visited %d entries, want %d", len(got), len(want))
	}
	for k := range want {
		if !got[k] {
			t.Fatalf("missing %q from traversal", k)
		}
	}
}

func TestRemoveDropsEntry(t *testing.T) {
	tree, _, _, _ := newFixture(t)

	if _, _, err := tree.GetOrCreate([]byte("a"), nil); err != nil {
		t.Fatal(err)
	}
	if err := tree.Remove([]byte("a")); err != nil {
		t.Fatal(err)
	}

	_, found, err := tree.Lookup([]byte("a"))
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("expected miss after Remove")
	}
}
