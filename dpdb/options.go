// Package dpdb is the public facade: a single-file, transactional,
// hash-indexed key/value store with Map/Sequence collection sugar over a
// fixed nine-call core (read/write/exists/delete/first_key/next_key/
// begin/commit/rollback, plus whole-file shared/exclusive locking).
package dpdb

import (
	"io"

	"go.uber.org/zap"

	"github.com/cznic/dpdb/internal/dpdberr"
	"github.com/cznic/dpdb/internal/entity"
	"github.com/cznic/dpdb/internal/sector"
)

// Locking selects how Options.File is advisory-locked.
type Locking int

const (
	// LockShared is the default (the zero value): per-operation
	// shared/exclusive locking, reentrant, as described in the
	// concurrency model.
	LockShared Locking = iota
	// LockExclusiveAccess takes the whole-file exclusive lock once, for
	// the life of the instance: single-writer, no readers.
	LockExclusiveAccess
	// LockNone disables OS-level locking entirely (caller-coordinated
	// access, e.g. a single-process in-memory instance).
	LockNone
)

// Options configures Open/Create. The field set is closed, grounded on
// dbm.Options, which validates the same way in its check method.
type Options struct {
	// File is the path to the backing file. Empty means an in-memory
	// instance (internal/storage.MemFiler).
	File string
	// FileOffset is the byte offset within File the engine's header
	// starts at, for embedding a dpdb instance inside a larger file.
	FileOffset int64
	// ByteSize selects the on-disk offset width for a new file. Ignored
	// by Open (the value is read from the existing header).
	ByteSize sector.ByteSize
	// Locking selects the advisory locking mode.
	Locking Locking
	// Autoflush syncs the backing file after every write.
	Autoflush bool
	// Autobless, if true, makes ReadClass return the class tag stored
	// with a key. Tags are only ever attached explicitly (WriteClass);
	// with Autobless off they are stored but read back as nil.
	Autobless bool
	// Digest overrides the default MD5 key digest. Its output width
	// must equal the header's persisted digest size.
	Digest sector.DigestFunc

	// FilterStoreKey/FilterStoreValue transform a key/Scalar value on
	// the way in; FilterFetchKey/FilterFetchValue transform it on the
	// way out. Never applied to structural (collection) values.
	FilterStoreKey, FilterStoreValue func([]byte) ([]byte, error)
	FilterFetchKey, FilterFetchValue func([]byte) ([]byte, error)

	// AuditFile, if set (and AuditWriter is nil), is opened for append
	// and used as the audit sink.
	AuditFile string
	// AuditWriter, if set, receives one line per mutating operation.
	AuditWriter io.Writer

	// Logger receives structured lifecycle events. A nil Logger falls
	// back to zap.NewNop().
	Logger *zap.Logger
}

func (o *Options) check() error {
	if o.ByteSize != 0 && !o.ByteSize.Valid() {
		return dpdberr.WithArg(dpdberr.IO, "invalid ByteSize option", o.ByteSize)
	}
	if o.File == "" && o.AuditFile != "" {
		return dpdberr.New(dpdberr.IO, "AuditFile requires File")
	}
	// Locking other than LockNone implies Autoflush: an advisory lock
	// only protects concurrent access to a file both sides actually see
	// on disk, which a deferred OS-buffered write can't promise.
	if o.Locking != LockNone {
		o.Autoflush = true
	}
	return nil
}

func (o *Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

func (o *Options) filters() *entity.Filters {
	if o.FilterStoreKey == nil && o.FilterStoreValue == nil && o.FilterFetchKey == nil && o.FilterFetchValue == nil {
		return nil
	}
	return &entity.Filters{
		StoreKey:   o.FilterStoreKey,
		StoreValue: o.FilterStoreValue,
		FetchKey:   o.FilterFetchKey,
		FetchValue: o.FilterFetchValue,
	}
}

func (o *Options) auditWriter() *entity.AuditWriter {
	if o.AuditWriter != nil {
		return entity.NewAuditWriter(o.AuditWriter)
	}
	if o.AuditFile != "" {
		f, err := openAuditFile(o.AuditFile)
		if err != nil {
			return nil
		}
		return entity.NewAuditWriter(f)
	}
	return nil
}

func (o *Options) digest() sector.DigestFunc {
	if o.Digest != nil {
		return o.Digest
	}
	return sector.MD5Digest
}

func (o *Options) params() sector.Params {
	p := sector.DefaultParams()
	if o.ByteSize != 0 {
		p.ByteSize = o.ByteSize
	}
	return p
}
