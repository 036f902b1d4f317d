package entity

import (
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/cznic/dpdb/internal/mvcc"
	"github.com/cznic/dpdb/internal/sector"
	"github.com/cznic/dpdb/internal/storage"
)

type memRoot struct{ off int64 }

func (r *memRoot) Get() (int64, error) { return r.off, nil }
func (r *memRoot) Set(off int64) error { r.off = off; return nil }

func newMapFixture(t *testing.T) *Map {
	t.Helper()
	f := storage.NewMemFiler()
	p := sector.DefaultParams()
	h, err := sector.WriteNew(f, 0, p)
	if err != nil {
		t.Fatal(err)
	}
	alloc := sector.NewAllocator(f, h)
	return NewMap(f, p, alloc, sector.MD5Digest, &memRoot{}, nil, nil)
}

func TestMapPutGetRoundTrip(t *testing.T) {
	m := newMapFixture(t)

	if err := m.Put(mvcc.HeadTID, []byte("k"), []byte("v1"), nil); err != nil {
		t.Fatal(err)
	}

	v, found, err := m.Get(mvcc.HeadTID, []byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if !found || string(v) != "v1" {
		t.Fatalf("got %q found=%v", v, found)
	}

	if err := m.Put(mvcc.HeadTID, []byte("k"), []byte("v2"), nil); err != nil {
		t.Fatal(err)
	}
	v, found, err = m.Get(mvcc.HeadTID, []byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if !found || string(v) != "v2" {
		t.Fatalf("overwrite not idempotent: got %q", v)
	}
}

func TestMapDeleteExists(t *testing.T) {
	m := newMapFixture(t)

	if ok, err := m.Exists(mvcc.HeadTID, []byte("k")); err != nil || ok {
		t.Fatalf("expected absent, got ok=%v err=%v", ok, err)
	}

	if err := m.Put(mvcc.HeadTID, []byte("k"), []byte("v"), nil); err != nil {
		t.Fatal(err)
	}
	if ok, err := m.Exists(mvcc.HeadTID, []byte("k")); err != nil || !ok {
		t.Fatalf("expected present, got ok=%v err=%v", ok, err)
	}

	existed, err := m.Delete(mvcc.HeadTID, []byte("k"))
	if err != nil || !existed {
		t.Fatalf("delete: existed=%v err=%v", existed, err)
	}
	if ok, err := m.Exists(mvcc.HeadTID, []byte("k")); err != nil || ok {
		t.Fatalf("expected absent after delete, got ok=%v err=%v", ok, err)
	}
}

func TestMapTraversalMatchesExistsSet(t *testing.T) {
	m := newMapFixture(t)

	keys := []string{"a", "b", "c", "d"}
	for _, k := range keys {
		if err := m.Put(mvcc.HeadTID, []byte(k), []byte(k+"-value"), nil); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := m.Delete(mvcc.HeadTID, []byte("b")); err != nil {
		t.Fatal(err)
	}

	seen := map[string]bool{}
	k, found, err := m.FirstKey(mvcc.HeadTID)
	for found && err == nil {
		seen[string(k)] = true
		k, found, err = m.NextKey(mvcc.HeadTID, k)
	}
	require.NoError(t, err)

	var gotKeys []string
	for k := range seen {
		gotKeys = append(gotKeys, k)
	}
	sort.Strings(gotKeys)
	want := []string{"a", "c", "d"}
	if diff := cmp.Diff(want, gotKeys); diff != "" {
		t.Fatalf("traversal keys mismatch (-want +got):\n%s", diff)
	}
}

func TestMapClassTagRoundTrip(t *testing.T) {
	m := newMapFixture(t)

	if err := m.Put(mvcc.HeadTID, []byte("k"), []byte("v"), []byte("MyClass")); err != nil {
		t.Fatal(err)
	}

	klOff, found, err := m.tree.Lookup([]byte("k"))
	if err != nil || !found {
		t.Fatalf("lookup: found=%v err=%v", found, err)
	}
	kl := mvcc.Open(m.f, m.p, klOff)
	_, class, err := kl.Key()
	if err != nil {
		t.Fatal(err)
	}
	if string(class) != "MyClass" {
		t.Fatalf("class tag = %q", class)
	}
}
