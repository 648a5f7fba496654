// Per-tanda mutual exclusion.
//
// Every mutating operation against one tanda (join, contribute, continue a
// pending payment, settle a round) runs under that tanda's exclusive
// section, so no two operations observe-then-mutate the same tanda
// concurrently. Operations on different tandas proceed in parallel; there
// is no global lock.
//
// Entries are created on demand and stored in a map guarded by a mutex,
// with opportunistic eviction of idle entries to bound memory. An entry
// frozen by an invariant violation is never evicted.
package services

import (
	"sync"
	"time"
)

// tandaLock is one tanda's exclusive section plus its halt flag.
// The halted flag is guarded by the table mutex, not the entry mutex, so a
// caller already inside the section can flag a violation without
// deadlocking.
type tandaLock struct {
	mu       sync.Mutex
	refs     int
	lastUsed time.Time
	halted   bool
}

// LockTable hands out per-tanda locks keyed by tanda ID. It is safe for
// concurrent use and shared between the membership and settlement services
// so both mutate a tanda under the same section.
type LockTable struct {
	mu      sync.Mutex
	entries map[string]*tandaLock
	ttl     time.Duration
	sweepN  uint64
}

// NewLockTable returns an empty lock table. Idle entries are evicted after
// ten minutes via opportunistic sweeps during acquisition.
func NewLockTable() *LockTable {
	return &LockTable{
		entries: make(map[string]*tandaLock),
		ttl:     10 * time.Minute,
	}
}

// acquire returns the lock entry for tandaID with its mutex held.
func (lt *LockTable) acquire(tandaID string) *tandaLock {
	lt.mu.Lock()
	lt.sweepN++
	if lt.sweepN >= 5000 {
		now := time.Now()
		for k, e := range lt.entries {
			// Never evict a held or halted entry.
			if e.refs == 0 && !e.halted && now.Sub(e.lastUsed) >= lt.ttl {
				delete(lt.entries, k)
			}
		}
		lt.sweepN = 0
	}
	e, ok := lt.entries[tandaID]
	if !ok {
		e = &tandaLock{}
		lt.entries[tandaID] = e
	}
	e.refs++
	lt.mu.Unlock()

	e.mu.Lock()
	return e
}

// release unlocks the entry and records its idle time.
func (lt *LockTable) release(e *tandaLock) {
	e.mu.Unlock()
	lt.mu.Lock()
	e.refs--
	e.lastUsed = time.Now()
	lt.mu.Unlock()
}

// Halt freezes a tanda after an invariant violation: every subsequent
// mutating operation fails with ErrTandaHalted until the process restarts
// and an operator has repaired the stored state. Safe to call from inside
// the tanda's own exclusive section.
func (lt *LockTable) Halt(tandaID string) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	e, ok := lt.entries[tandaID]
	if !ok {
		e = &tandaLock{}
		lt.entries[tandaID] = e
	}
	e.halted = true
}

// Halted reports whether a tanda is frozen.
func (lt *LockTable) Halted(tandaID string) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	e, ok := lt.entries[tandaID]
	return ok && e.halted
}

// WithLock runs fn inside tandaID's exclusive section. If the tanda is
// halted, fn is not run and ErrTandaHalted is returned. The section is held
// for the full duration of fn, including any gateway calls fn makes.
func (lt *LockTable) WithLock(tandaID string, fn func() error) error {
	e := lt.acquire(tandaID)
	defer lt.release(e)
	if lt.Halted(tandaID) {
		return ErrTandaHalted
	}
	return fn()
}
