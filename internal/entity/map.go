package entity

import (
	"github.com/cznic/dpdb/internal/cascade"
	"github.com/cznic/dpdb/internal/dpdberr"
	"github.com/cznic/dpdb/internal/mvcc"
	"github.com/cznic/dpdb/internal/sector"
	"github.com/cznic/dpdb/internal/storage"
)

// Filters are the optional Scalar/key transform hooks from Options,
// applied only to byte-string keys and Scalar values, never to
// structural ones (nested Map/Sequence references).
type Filters struct {
	StoreKey, StoreValue func([]byte) ([]byte, error)
	FetchKey, FetchValue  func([]byte) ([]byte, error)
}

func (flt *Filters) storeKey(b []byte) ([]byte, error) {
	if flt == nil || flt.StoreKey == nil {
		return b, nil
	}
	return flt.StoreKey(b)
}

func (flt *Filters) storeValue(b []byte) ([]byte, error) {
	if flt == nil || flt.StoreValue == nil {
		return b, nil
	}
	return flt.StoreValue(b)
}

func (flt *Filters) fetchKey(b []byte) ([]byte, error) {
	if flt == nil || flt.FetchKey == nil {
		return b, nil
	}
	return flt.FetchKey(b)
}

func (flt *Filters) fetchValue(b []byte) ([]byte, error) {
	if flt == nil || flt.FetchValue == nil {
		return b, nil
	}
	return flt.FetchValue(b)
}

// Map is a persistent associative array: the sugar layer over one
// cascade.Tree, translating get/put/delete/exists/first_key/next_key
// onto the core's Read/Write/Delete slot protocol, exactly as dbm.Array
// translates onto lldb's BTree (dbm/dbm.go).
type Map struct {
	f         storage.Filer
	p         sector.Params
	alloc     *sector.Allocator
	tree      *cascade.Tree
	audit     *AuditWriter
	filters   *Filters
	touch     func(klOff int64)
	protect   func() []byte
	autobless bool
}

// NewMap returns a Map whose cascade root is read/written through root.
func NewMap(f storage.Filer, p sector.Params, alloc *sector.Allocator, digest sector.DigestFunc, root cascade.RootStore, audit *AuditWriter, filters *Filters) *Map {
	return &Map{
		f:       f,
		p:       p,
		alloc:   alloc,
		tree:    cascade.New(f, p, alloc, digest, root),
		audit:   audit,
		filters: filters,
	}
}

// WithTouch returns a shallow copy of m that reports every KeyLocator
// offset it writes or deletes through to fn. The root dpdb package uses
// this to know, at Commit/Rollback time, exactly which KeyLocators a
// transaction touched without scanning the whole cascade.
func (m *Map) WithTouch(fn func(klOff int64)) *Map {
	cp := *m
	cp.touch = fn
	return &cp
}

func (m *Map) reportTouch(klOff int64) {
	if m.touch != nil {
		m.touch(klOff)
	}
}

// WithProtect returns a shallow copy of m that, on every HEAD mutation,
// snapshots the pre-mutation HEAD into every live transaction id fn
// returns (fn is called fresh on each mutation, since the live set
// changes as transactions begin/end). The root dpdb package wires this
// to its transaction manager so autocommit HEAD writes/deletes get the
// same isolation guarantee Txn.Commit gives a transaction's own writes.
func (m *Map) WithProtect(fn func() []byte) *Map {
	cp := *m
	cp.protect = fn
	return &cp
}

func (m *Map) protectHead(kl *mvcc.KeyLocator, tid byte) error {
	if m.protect == nil || tid != mvcc.HeadTID {
		return nil
	}
	return kl.ProtectHead(m.protect())
}

// WithAutobless returns a shallow copy of m with class-tag retrieval on
// Get/GetClass enabled or disabled, mirroring Options.Autobless.
func (m *Map) WithAutobless(b bool) *Map {
	cp := *m
	cp.autobless = b
	return &cp
}

// Sub opens the nested Map stored under key, as seen by tid. It does NOT
// create the nested collection if key is absent; use PutSub for that.
func (m *Map) Sub(tid byte, key []byte) (*Map, bool, error) {
	storeKey, err := m.filters.storeKey(key)
	if err != nil {
		return nil, false, err
	}

	klOff, found, err := m.tree.Lookup(storeKey)
	if err != nil || !found {
		return nil, false, err
	}

	kl := mvcc.Open(m.f, m.p, klOff)
	off, deleted, found, err := kl.Read(tid)
	if err != nil {
		return nil, false, err
	}
	if !found || deleted || off == 0 {
		return nil, false, nil
	}

	isColl, err := IsCollectionRef(m.f, off)
	if err != nil {
		return nil, false, err
	}
	if !isColl {
		return nil, false, dpdberr.New(dpdberr.TypeMismatch, "value is a scalar, not a collection")
	}

	sub := NewMap(m.f, m.p, m.alloc, m.tree.DigestFunc(), newSlotRootStore(kl, tid), m.audit, m.filters).
		WithProtect(m.protect).WithAutobless(m.autobless)
	return sub, true, nil
}

// PutSub creates (if absent) and returns the nested Map stored under key.
func (m *Map) PutSub(tid byte, key, classTag []byte) (*Map, error) {
	storeKey, err := m.filters.storeKey(key)
	if err != nil {
		return nil, err
	}

	kl, _, err := m.tree.GetOrCreate(storeKey, classTag)
	if err != nil {
		return nil, err
	}

	off, deleted, found, err := kl.Read(tid)
	if err != nil {
		return nil, err
	}
	if !found || deleted || off == 0 {
		if err := m.protectHead(kl, tid); err != nil {
			return nil, err
		}
		if err := kl.Write(tid, 0); err != nil {
			return nil, err
		}
		m.reportTouch(kl.Off)
	}

	m.audit.log(tid, "put", storeKey)
	sub := NewMap(m.f, m.p, m.alloc, m.tree.DigestFunc(), newSlotRootStore(kl, tid), m.audit, m.filters).
		WithProtect(m.protect).WithAutobless(m.autobless)
	return sub, nil
}

// Get implements read(key): the Scalar value stored under key, as seen
// by tid (falling through to HEAD per the MVCC slot protocol).
func (m *Map) Get(tid byte, key []byte) (value []byte, found bool, err error) {
	value, _, found, err = m.GetClass(tid, key)
	return value, found, err
}

// GetClass is Get plus the key's class tag, populated only when m was
// built (or copied, via WithAutobless) with autobless enabled; otherwise
// classTag is always nil, matching the property that class tags are only
// surfaced back to a caller that opted in.
func (m *Map) GetClass(tid byte, key []byte) (value, classTag []byte, found bool, err error) {
	storeKey, err := m.filters.storeKey(key)
	if err != nil {
		return nil, nil, false, err
	}

	klOff, found, err := m.tree.Lookup(storeKey)
	if err != nil || !found {
		return nil, nil, false, err
	}

	kl := mvcc.Open(m.f, m.p, klOff)
	off, deleted, found, err := kl.Read(tid)
	if err != nil {
		return nil, nil, false, err
	}
	if !found || deleted {
		return nil, nil, false, nil
	}

	isColl, err := IsCollectionRef(m.f, off)
	if err != nil {
		return nil, nil, false, err
	}
	if isColl {
		return nil, nil, false, dpdberr.New(dpdberr.TypeMismatch, "value is a collection, not a scalar")
	}

	raw, err := ReadScalar(m.f, m.p, off)
	if err != nil {
		return nil, nil, false, err
	}

	value, err = m.filters.fetchValue(raw)
	if err != nil {
		return nil, nil, false, err
	}

	if m.autobless {
		if _, classTag, err = kl.Key(); err != nil {
			return nil, nil, false, err
		}
	}

	return value, classTag, true, nil
}

// Put implements write(key, value): key is created if absent.
func (m *Map) Put(tid byte, key, value, classTag []byte) error {
	storeKey, err := m.filters.storeKey(key)
	if err != nil {
		return err
	}
	storeValue, err := m.filters.storeValue(value)
	if err != nil {
		return err
	}

	kl, _, err := m.tree.GetOrCreate(storeKey, classTag)
	if err != nil {
		return err
	}

	off, err := WriteScalar(m.f, m.p, m.alloc, storeValue)
	if err != nil {
		return err
	}

	if err := m.protectHead(kl, tid); err != nil {
		return err
	}
	if err := kl.Write(tid, off); err != nil {
		return err
	}

	m.reportTouch(kl.Off)
	m.audit.log(tid, "put", storeKey)
	return nil
}

// Delete implements delete(key): returns whether key existed.
func (m *Map) Delete(tid byte, key []byte) (existed bool, err error) {
	storeKey, err := m.filters.storeKey(key)
	if err != nil {
		return false, err
	}

	klOff, found, err := m.tree.Lookup(storeKey)
	if err != nil || !found {
		return false, err
	}

	kl := mvcc.Open(m.f, m.p, klOff)
	_, deleted, found, err := kl.Read(tid)
	if err != nil {
		return false, err
	}
	if !found || deleted {
		return false, nil
	}

	if err := m.protectHead(kl, tid); err != nil {
		return false, err
	}
	if err := kl.Delete(tid); err != nil {
		return false, err
	}

	m.reportTouch(kl.Off)
	m.audit.log(tid, "delete", storeKey)
	return true, nil
}

// Exists implements exists(key).
func (m *Map) Exists(tid byte, key []byte) (bool, error) {
	_, found, err := m.Get(tid, key)
	return found, err
}

func (m *Map) visibleKey(tid byte, klOff int64) (key []byte, visible bool, err error) {
	kl := mvcc.Open(m.f, m.p, klOff)
	_, deleted, found, err := kl.Read(tid)
	if err != nil {
		return nil, false, err
	}
	if !found || deleted {
		key, _, kerr := kl.Key()
		return key, false, kerr
	}
	key, _, err = kl.Key()
	return key, true, err
}

// FirstKey implements first_key(): the first key visible to tid in
// cascade traversal order.
func (m *Map) FirstKey(tid byte) (key []byte, found bool, err error) {
	klOff, found, err := m.tree.First()
	for found && err == nil {
		var visible bool
		var k []byte
		k, visible, err = m.visibleKey(tid, klOff)
		if err != nil {
			return nil, false, err
		}
		if visible {
			fk, ferr := m.filters.fetchKey(k)
			return fk, true, ferr
		}
		klOff, found, err = m.tree.NextOffset(klOff)
	}
	return nil, false, err
}

// NextKey implements next_key(key): the key immediately after key in
// traversal order that is visible to tid.
func (m *Map) NextKey(tid byte, key []byte) (next []byte, found bool, err error) {
	storeKey, err := m.filters.storeKey(key)
	if err != nil {
		return nil, false, err
	}

	klOff, found, err := m.tree.Lookup(storeKey)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, dpdberr.New(dpdberr.OutOfBounds, "key not present")
	}

	klOff, found, err = m.tree.NextOffset(klOff)
	for found && err == nil {
		var visible bool
		var k []byte
		k, visible, err = m.visibleKey(tid, klOff)
		if err != nil {
			return nil, false, err
		}
		if visible {
			fk, ferr := m.filters.fetchKey(k)
			return fk, true, ferr
		}
		klOff, found, err = m.tree.NextOffset(klOff)
	}
	return nil, false, err
}

// Clear removes every key visible to tid.
func (m *Map) Clear(tid byte) error {
	key, found, err := m.FirstKey(tid)
	for found && err == nil {
		if _, err = m.Delete(tid, key); err != nil {
			return err
		}
		key, found, err = m.FirstKey(tid)
	}
	return err
}
