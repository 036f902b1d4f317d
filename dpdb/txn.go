package dpdb

import (
	"go.uber.org/zap"

	"github.com/cznic/dpdb/internal/dpdberr"
	"github.com/cznic/dpdb/internal/entity"
	"github.com/cznic/dpdb/internal/mvcc"
)

// Begin opens a new transaction: at most MaxTransactions concurrent
// transactions, one execution context holding at most one at a time
// (enforced by the caller discarding the returned *Txn instead of calling
// Begin again; Begin itself doesn't track "current context").
func (db *DB) Begin() (*Txn, error) {
	t, err := db.txm.Begin()
	if err != nil {
		return nil, err
	}

	db.mu.Lock()
	db.txns[t.ID] = &txnState{touched: map[int64]bool{}}
	db.mu.Unlock()

	db.audit.LogTxn(t.ID, "begin")
	db.log.Debug("transaction begin", zap.Uint8("tid", t.ID))
	return &Txn{id: t.ID, db: db}, nil
}

// ID returns the transaction's id (1..255; 0 is reserved for HEAD).
func (tx *Txn) ID() byte { return tx.id }

// Collection returns the root Map as seen by this transaction.
func (tx *Txn) Collection() *entity.Map { return tx.db.Collection(tx.id) }

// Read/Write/Exists/Delete/FirstKey/NextKey mirror DB's HEAD operations,
// but scoped to this transaction's isolated view.
func (tx *Txn) Read(key []byte) (value []byte, found bool, err error) {
	unlock, err := tx.db.lockRead()
	if err != nil {
		return nil, false, err
	}
	defer unlock()
	return tx.db.root.Get(tx.id, key)
}

func (tx *Txn) Write(key, value []byte) error {
	return tx.WriteClass(key, value, nil)
}

func (tx *Txn) WriteClass(key, value, classTag []byte) error {
	unlock, err := tx.db.lockWrite()
	if err != nil {
		return err
	}
	defer unlock()
	return tx.db.Collection(tx.id).Put(tx.id, key, value, classTag)
}

// ReadClass is Read plus the key's class tag (populated only when the
// instance was opened with Options.Autobless).
func (tx *Txn) ReadClass(key []byte) (value, classTag []byte, found bool, err error) {
	unlock, err := tx.db.lockRead()
	if err != nil {
		return nil, nil, false, err
	}
	defer unlock()
	return tx.db.root.GetClass(tx.id, key)
}

func (tx *Txn) Exists(key []byte) (bool, error) {
	unlock, err := tx.db.lockRead()
	if err != nil {
		return false, err
	}
	defer unlock()
	return tx.db.root.Exists(tx.id, key)
}

func (tx *Txn) Delete(key []byte) (existed bool, err error) {
	unlock, err := tx.db.lockWrite()
	if err != nil {
		return false, err
	}
	defer unlock()
	return tx.db.Collection(tx.id).Delete(tx.id, key)
}

func (tx *Txn) FirstKey() (key []byte, found bool, err error) {
	unlock, err := tx.db.lockRead()
	if err != nil {
		return nil, false, err
	}
	defer unlock()
	return tx.db.root.FirstKey(tx.id)
}

func (tx *Txn) NextKey(key []byte) (next []byte, found bool, err error) {
	unlock, err := tx.db.lockRead()
	if err != nil {
		return nil, false, err
	}
	defer unlock()
	return tx.db.root.NextKey(tx.id, key)
}

// Commit folds every KeyLocator this transaction touched into HEAD:
// snapshot the pre-commit HEAD into every other live transaction's slot
// (Protection) before HEAD moves, release the value chain HEAD is
// replacing unless another live transaction's slot still points at it,
// then clear this transaction's own slot.
func (tx *Txn) Commit() error {
	db := tx.db

	db.mu.Lock()
	st, ok := db.txns[tx.id]
	db.mu.Unlock()
	if !ok {
		return dpdberr.New(dpdberr.NotInTransaction, "transaction already ended")
	}

	unlock, err := db.lockWrite()
	if err != nil {
		return err
	}
	defer unlock()

	live := db.txm.LiveOthers(tx.id)

	for klOff := range st.touched {
		kl := mvcc.Open(db.f, db.p, klOff)

		preOff, _, _, err := kl.Read(mvcc.HeadTID)
		if err != nil {
			return err
		}

		if err := kl.ProtectHead(live); err != nil {
			return err
		}

		own, has, err := kl.OwnSlot(tx.id)
		if err != nil {
			return err
		}
		if !has {
			continue
		}

		// A chain another live transaction's slot still points at (such
		// as the snapshot ProtectHead just gave it) is not released.
		shared := false
		for _, other := range live {
			s, ok, err := kl.OwnSlot(other)
			if err != nil {
				return err
			}
			shared = shared || (ok && s.ValueOff == preOff)
		}

		if own.Deleted {
			if !shared {
				if err := db.reclaimValue(preOff); err != nil {
					return err
				}
			}
			if err := kl.Delete(mvcc.HeadTID); err != nil {
				return err
			}
		} else {
			if preOff != 0 && preOff != own.ValueOff && !shared {
				if err := db.reclaimValue(preOff); err != nil {
					return err
				}
			}
			if err := kl.Write(mvcc.HeadTID, own.ValueOff); err != nil {
				return err
			}
		}

		if err := kl.ClearTID(tx.id); err != nil {
			return err
		}
	}

	db.endTxn(tx.id)
	db.audit.LogTxn(tx.id, "commit")
	db.log.Debug("transaction commit", zap.Uint8("tid", tx.id), zap.Int("touched", len(st.touched)))
	return nil
}

// Rollback discards every change this transaction made: it clears the
// slot and frees the transaction's own value chains.
func (tx *Txn) Rollback() error {
	db := tx.db

	db.mu.Lock()
	st, ok := db.txns[tx.id]
	db.mu.Unlock()
	if !ok {
		return dpdberr.New(dpdberr.NotInTransaction, "transaction already ended")
	}

	unlock, err := db.lockWrite()
	if err != nil {
		return err
	}
	defer unlock()

	for klOff := range st.touched {
		kl := mvcc.Open(db.f, db.p, klOff)

		own, has, err := kl.OwnSlot(tx.id)
		if err != nil {
			return err
		}
		if has && !own.Deleted && own.ValueOff != 0 {
			if err := db.reclaimValue(own.ValueOff); err != nil {
				return err
			}
		}
		if err := kl.ClearTID(tx.id); err != nil {
			return err
		}
	}

	db.endTxn(tx.id)
	db.audit.LogTxn(tx.id, "rollback")
	db.log.Debug("transaction rollback", zap.Uint8("tid", tx.id), zap.Int("touched", len(st.touched)))
	return nil
}

func (db *DB) endTxn(tid byte) {
	db.mu.Lock()
	delete(db.txns, tid)
	db.mu.Unlock()
	db.txm.End(tid)
}

// reclaimValue frees a scalar value chain at off. A collection reference
// is left untouched: nested-collection storage reclamation is not
// implemented (see DESIGN.md) so a value that still holds live entries
// is never silently destroyed.
func (db *DB) reclaimValue(off int64) error {
	if off == 0 {
		return nil
	}
	isColl, err := entity.IsCollectionRef(db.f, off)
	if err != nil {
		return err
	}
	if isColl {
		return nil
	}
	return entity.FreeScalar(db.f, db.p, db.alloc, off)
}
