package dpdb

import (
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/cznic/dpdb/internal/dpdberr"
	"github.com/cznic/dpdb/internal/entity"
	"github.com/cznic/dpdb/internal/mvcc"
	"github.com/cznic/dpdb/internal/sector"
	"github.com/cznic/dpdb/internal/storage"
)

// DB is one open instance: a Filer, the sector header/allocator built
// over it, the transaction manager, and the root Map collection every
// top-level read/write/delete call operates on.
type DB struct {
	f       storage.Filer
	p       sector.Params
	h       *sector.Header
	alloc   *sector.Allocator
	txm     *mvcc.Manager
	root    *entity.Map
	audit   *entity.AuditWriter
	log     *zap.Logger
	locking Locking

	mu   sync.Mutex
	txns map[byte]*txnState
}

type txnState struct {
	touched map[int64]bool
}

// Txn is a handle to one open transaction, returned by Begin.
type Txn struct {
	id byte
	db *DB
}

func (db *DB) baseKeyLocator() *mvcc.KeyLocator {
	return mvcc.Open(db.f, db.p, db.h.FileOffset+db.p.BaseKeyLocatorOffset())
}

func newDB(f storage.Filer, p sector.Params, h *sector.Header, opts Options) (*DB, error) {
	alloc := sector.NewAllocator(f, h)
	audit := opts.auditWriter()

	db := &DB{
		f:       f,
		p:       p,
		h:       h,
		alloc:   alloc,
		txm:     mvcc.NewManager(),
		audit:   audit,
		log:     opts.logger(),
		locking: opts.Locking,
		txns:    map[byte]*txnState{},
	}
	baseKL := db.baseKeyLocator()
	db.root = entity.NewMap(f, p, alloc, opts.digest(), rootStoreAdapter{baseKL}, audit, opts.filters()).
		WithProtect(func() []byte { return db.txm.LiveOthers(mvcc.HeadTID) }).
		WithAutobless(opts.Autobless)

	if db.locking == LockExclusiveAccess {
		// Held for the life of the instance; lockRead/lockWrite become
		// no-ops below so every call sees it already in force.
		if err := db.f.LockExclusive(); err != nil {
			return nil, dpdberr.Wrap(dpdberr.IO, "lock exclusive", err)
		}
	}
	return db, nil
}

// rootStoreAdapter adapts the base KeyLocator's HEAD slot to
// cascade.RootStore for the root collection (see internal/entity's
// baseRootStore, which this mirrors at arm's length since dpdb cannot
// import entity's unexported adapter directly).
type rootStoreAdapter struct{ kl *mvcc.KeyLocator }

func (r rootStoreAdapter) Get() (int64, error) {
	off, deleted, found, err := r.kl.Read(mvcc.HeadTID)
	if err != nil {
		return 0, err
	}
	if !found || deleted {
		return 0, nil
	}
	return off, nil
}

func (r rootStoreAdapter) Set(off int64) error { return r.kl.Write(mvcc.HeadTID, off) }

// Create initializes a brand-new instance per opts (File empty means an
// in-memory instance).
func Create(opts Options) (*DB, error) {
	if err := opts.check(); err != nil {
		return nil, err
	}

	f, err := openFiler(opts, true)
	if err != nil {
		return nil, err
	}

	p := opts.params()
	h, err := sector.WriteNew(f, opts.FileOffset, p)
	if err != nil {
		return nil, err
	}

	alloc := sector.NewAllocator(f, h)
	baseOff, err := alloc.RequestSpace(sector.TypeKeyLocator)
	if err != nil {
		return nil, err
	}
	if baseOff != opts.FileOffset+p.BaseKeyLocatorOffset() {
		// A freshly written header leaves the Filer's size equal to
		// FileOffset+HeaderSize, and RequestSpace appends at end-of-file
		// when no freelist entry exists yet; this base KeyLocator must
		// land exactly BaseKeyLocatorOffset bytes past FileOffset.
		return nil, dpdberr.WithArg(dpdberr.Corrupt, "base KeyLocator misaligned", baseOff)
	}
	content := make([]byte, p.KeyLocatorContentSize())
	if err := sector.WriteTyped(f, p, sector.TypeKeyLocator, baseOff, content); err != nil {
		return nil, err
	}

	db, err := newDB(f, p, h, opts)
	if err != nil {
		return nil, err
	}
	db.log.Debug("instance created", zap.String("file", opts.File))
	return db, nil
}

// CreateMem is Create with an in-memory backing store, for tests and
// scratch instances.
func CreateMem(opts Options) (*DB, error) {
	opts.File = ""
	return Create(opts)
}

// Open opens an existing instance, validating its header.
func Open(opts Options) (*DB, error) {
	if err := opts.check(); err != nil {
		return nil, err
	}

	f, err := openFiler(opts, false)
	if err != nil {
		return nil, err
	}

	h, err := sector.Read(f, opts.FileOffset)
	if err != nil {
		return nil, err
	}

	if opts.Digest != nil {
		if w := len(opts.Digest([]byte("probe"))); byte(w) != h.DigestSize {
			return nil, dpdberr.WithArg(dpdberr.Corrupt, "digest width mismatch with header", w)
		}
	}

	db, err := newDB(f, h.Params, h, opts)
	if err != nil {
		return nil, err
	}
	db.log.Debug("instance opened", zap.String("file", opts.File))
	return db, nil
}

func openAuditFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

func openFiler(opts Options, create bool) (storage.Filer, error) {
	if opts.File == "" {
		return storage.NewMemFiler(), nil
	}

	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE | os.O_EXCL
	}
	osf, err := os.OpenFile(opts.File, flags, 0o644)
	if err != nil {
		return nil, dpdberr.Wrap(dpdberr.IO, "open file", err)
	}
	return storage.OpenOSFiler(osf, opts.Autoflush)
}

// Close releases the backing Filer. It does not roll back any open
// transaction; callers must Commit or Rollback first.
func (db *DB) Close() error {
	db.log.Debug("instance closed")
	if db.locking == LockExclusiveAccess {
		db.f.Unlock()
	}
	return db.f.Close()
}

// noUnlock is the no-op release returned by lockRead/lockWrite when
// locking is LockNone (caller-coordinated access) or LockExclusiveAccess
// (the exclusive hold taken once in newDB already covers every call).
func noUnlock() {}

func (db *DB) lockRead() (func(), error) {
	if db.locking != LockShared {
		return noUnlock, nil
	}
	if err := db.f.LockShared(); err != nil {
		return nil, dpdberr.Wrap(dpdberr.IO, "lock shared", err)
	}
	return func() { db.f.Unlock() }, nil
}

func (db *DB) lockWrite() (func(), error) {
	if db.locking != LockShared {
		return noUnlock, nil
	}
	if err := db.f.LockExclusive(); err != nil {
		return nil, dpdberr.Wrap(dpdberr.IO, "lock exclusive", err)
	}
	return func() { db.f.Unlock() }, nil
}

// Read implements read(key) at HEAD (outside any transaction).
func (db *DB) Read(key []byte) (value []byte, found bool, err error) {
	unlock, err := db.lockRead()
	if err != nil {
		return nil, false, err
	}
	defer unlock()
	return db.root.Get(mvcc.HeadTID, key)
}

// Write implements write(key, value) at HEAD.
func (db *DB) Write(key, value []byte) error {
	unlock, err := db.lockWrite()
	if err != nil {
		return err
	}
	defer unlock()
	return db.root.Put(mvcc.HeadTID, key, value, nil)
}

// WriteClass implements write(key, value) with an explicit class tag.
func (db *DB) WriteClass(key, value, classTag []byte) error {
	unlock, err := db.lockWrite()
	if err != nil {
		return err
	}
	defer unlock()
	return db.root.Put(mvcc.HeadTID, key, value, classTag)
}

// ReadClass is Read plus the key's class tag (populated only when the
// instance was opened with Options.Autobless).
func (db *DB) ReadClass(key []byte) (value, classTag []byte, found bool, err error) {
	unlock, err := db.lockRead()
	if err != nil {
		return nil, nil, false, err
	}
	defer unlock()
	return db.root.GetClass(mvcc.HeadTID, key)
}

// Exists implements exists(key) at HEAD.
func (db *DB) Exists(key []byte) (bool, error) {
	unlock, err := db.lockRead()
	if err != nil {
		return false, err
	}
	defer unlock()
	return db.root.Exists(mvcc.HeadTID, key)
}

// Delete implements delete(key) at HEAD.
func (db *DB) Delete(key []byte) (existed bool, err error) {
	unlock, err := db.lockWrite()
	if err != nil {
		return false, err
	}
	defer unlock()
	return db.root.Delete(mvcc.HeadTID, key)
}

// FirstKey implements first_key() at HEAD.
func (db *DB) FirstKey() (key []byte, found bool, err error) {
	unlock, err := db.lockRead()
	if err != nil {
		return nil, false, err
	}
	defer unlock()
	return db.root.FirstKey(mvcc.HeadTID)
}

// NextKey implements next_key(key) at HEAD.
func (db *DB) NextKey(key []byte) (next []byte, found bool, err error) {
	unlock, err := db.lockRead()
	if err != nil {
		return nil, false, err
	}
	defer unlock()
	return db.root.NextKey(mvcc.HeadTID, key)
}

// LockShared/LockExclusive/Unlock expose the reentrant whole-file
// advisory lock directly, for callers that need to hold it across more
// than one call.
func (db *DB) LockShared() error    { return db.f.LockShared() }
func (db *DB) LockExclusive() error { return db.f.LockExclusive() }
func (db *DB) Unlock() error        { return db.f.Unlock() }

// Collection returns the root Map, for entity-layer access (nested
// Map/Sequence creation, iteration) beyond the scalar convenience calls
// above. tid is mvcc.HeadTID for autocommit access, or a Txn's id.
func (db *DB) Collection(tid byte) *entity.Map {
	return db.root.WithTouch(db.touchFn(tid))
}

func (db *DB) touchFn(tid byte) func(int64) {
	if tid == mvcc.HeadTID {
		return nil
	}
	return func(klOff int64) {
		db.mu.Lock()
		defer db.mu.Unlock()
		st := db.txns[tid]
		if st == nil {
			return
		}
		st.touched[klOff] = true
	}
}
