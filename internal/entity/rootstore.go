package entity

import (
	"github.com/cznic/dpdb/internal/mvcc"
)

// slotRootStore adapts a mvcc.KeyLocator slot (read/written under a
// specific transaction id) to cascade.RootStore, so a nested Map or
// Sequence's cascade root lives inside its parent's MVCC slot table
// exactly like any other value. A collection reference is simply a value
// whose offset happens to name an Index/BucketList sector instead of a
// Data chain (see IsCollectionRef).
type slotRootStore struct {
	kl  *mvcc.KeyLocator
	tid byte
}

func newSlotRootStore(kl *mvcc.KeyLocator, tid byte) *slotRootStore {
	return &slotRootStore{kl: kl, tid: tid}
}

func (s *slotRootStore) Get() (int64, error) {
	off, deleted, found, err := s.kl.Read(s.tid)
	if err != nil {
		return 0, err
	}
	if !found || deleted {
		return 0, nil
	}
	return off, nil
}

func (s *slotRootStore) Set(off int64) error {
	return s.kl.Write(s.tid, off)
}

// baseRootStore is the well-known base KeyLocator that anchors the root
// collection's cascade, per the file format's fixed base-KeyLocator
// placement right after the header. The root collection's existence
// isn't itself subject to per-entry MVCC, only the entries within it are,
// so it is always read/written at HEAD.
type baseRootStore struct {
	kl *mvcc.KeyLocator
}

func newBaseRootStore(kl *mvcc.KeyLocator) *baseRootStore {
	return &baseRootStore{kl: kl}
}

func (b *baseRootStore) Get() (int64, error) {
	off, deleted, found, err := b.kl.Read(mvcc.HeadTID)
	if err != nil {
		return 0, err
	}
	if !found || deleted {
		return 0, nil
	}
	return off, nil
}

func (b *baseRootStore) Set(off int64) error {
	return b.kl.Write(mvcc.HeadTID, off)
}
