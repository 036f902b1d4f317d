package mvcc

import (
	"sync"

	"github.com/cznic/dpdb/internal/dpdberr"
)

// MaxTransactions is the number of concurrent non-HEAD transactions the
// 1-byte transaction id space supports (ids 1..255; 0 is HeadTID).
const MaxTransactions = 255

// Manager tracks the set of live transaction ids for one open instance.
// Neither Manager nor the root dpdb package's Begin tracks which
// execution context holds a transaction: every Begin call allocates a
// new id, so holding at most one open transaction per context is left
// to the caller.
type Manager struct {
	mu   sync.Mutex
	live map[byte]bool
	next byte
}

// NewManager returns a transaction id allocator with no live transactions.
func NewManager() *Manager {
	return &Manager{live: map[byte]bool{}, next: 1}
}

// Txn is a handle to one open transaction.
type Txn struct {
	ID byte
}

// Begin allocates a fresh transaction id, failing with TooManyTransactions
// once every id in the 1-byte space is in use.
func (m *Manager) Begin() (*Txn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.live) >= MaxTransactions {
		return nil, dpdberr.New(dpdberr.TooManyTransactions, "no free transaction id")
	}

	id := m.next
	for m.live[id] || id == HeadTID {
		id++
		if id == 0 {
			id = 1
		}
	}
	m.live[id] = true
	m.next = id + 1
	if m.next == 0 {
		m.next = 1
	}

	return &Txn{ID: id}, nil
}

// LiveOthers returns every live transaction id other than exclude, for use
// as the liveTIDs argument to KeyLocator.Protect.
func (m *Manager) LiveOthers(exclude byte) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]byte, 0, len(m.live))
	for id := range m.live {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}

// End removes tid from the live set, freeing its id for reuse. Called by
// the root package after a commit or rollback has finished touching every
// KeyLocator the transaction wrote.
func (m *Manager) End(tid byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, tid)
}

// IsLive reports whether tid currently denotes an open transaction.
func (m *Manager) IsLive(tid byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live[tid]
}
