package entity

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cznic/dpdb/internal/mvcc"
	"github.com/cznic/dpdb/internal/sector"
	"github.com/cznic/dpdb/internal/storage"
)

func newSequenceFixture(t *testing.T) *Sequence {
	t.Helper()
	f := storage.NewMemFiler()
	p := sector.DefaultParams()
	h, err := sector.WriteNew(f, 0, p)
	if err != nil {
		t.Fatal(err)
	}
	alloc := sector.NewAllocator(f, h)
	return NewSequence(f, p, alloc, sector.MD5Digest, &memRoot{}, nil, nil)
}

func TestSequencePushPopLength(t *testing.T) {
	s := newSequenceFixture(t)

	for _, v := range []string{"a", "b", "c"} {
		if err := s.Push(mvcc.HeadTID, []byte(v), nil); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.Length(mvcc.HeadTID)
	if err != nil || n != 3 {
		t.Fatalf("length = %d, err = %v", n, err)
	}

	v, found, err := s.Pop(mvcc.HeadTID)
	if err != nil || !found || string(v) != "c" {
		t.Fatalf("pop = %q found=%v err=%v", v, found, err)
	}

	n, err = s.Length(mvcc.HeadTID)
	if err != nil || n != 2 {
		t.Fatalf("length after pop = %d", n)
	}
}

func TestSequenceNegativeIndex(t *testing.T) {
	s := newSequenceFixture(t)
	for _, v := range []string{"a", "b", "c"} {
		if err := s.Push(mvcc.HeadTID, []byte(v), nil); err != nil {
			t.Fatal(err)
		}
	}

	v, found, err := s.Get(mvcc.HeadTID, -1)
	if err != nil || !found || string(v) != "c" {
		t.Fatalf("index -1 = %q found=%v err=%v", v, found, err)
	}

	_, _, err = s.Get(mvcc.HeadTID, -10)
	if err == nil {
		t.Fatal("expected out-of-bounds error for index -10")
	}
}

func TestSequenceShiftUnshift(t *testing.T) {
	s := newSequenceFixture(t)
	for _, v := range []string{"a", "b", "c"} {
		if err := s.Push(mvcc.HeadTID, []byte(v), nil); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.Unshift(mvcc.HeadTID, []byte("z"), nil); err != nil {
		t.Fatal(err)
	}
	v, _, err := s.Get(mvcc.HeadTID, 0)
	if err != nil || string(v) != "z" {
		t.Fatalf("unshift front = %q err=%v", v, err)
	}

	v, found, err := s.Shift(mvcc.HeadTID)
	if err != nil || !found || string(v) != "z" {
		t.Fatalf("shift = %q found=%v err=%v", v, found, err)
	}

	v, _, err = s.Get(mvcc.HeadTID, 0)
	if err != nil || string(v) != "a" {
		t.Fatalf("after shift front = %q err=%v", v, err)
	}
}

func TestSequenceSplice(t *testing.T) {
	s := newSequenceFixture(t)
	for _, v := range []string{"a", "b", "c", "d", "e"} {
		if err := s.Push(mvcc.HeadTID, []byte(v), nil); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := s.Splice(mvcc.HeadTID, 1, 2, [][]byte{[]byte("x"), []byte("y")})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("b"), []byte("c")}, removed)

	n, err := s.Length(mvcc.HeadTID)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)

	want := [][]byte{[]byte("a"), []byte("x"), []byte("y"), []byte("d"), []byte("e")}
	got := make([][]byte, n)
	for i := range got {
		v, _, err := s.Get(mvcc.HeadTID, int64(i))
		require.NoError(t, err)
		got[i] = v
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("sequence contents mismatch (-want +got):\n%s", diff)
	}
}
