// Package ledger keeps per-transaction outcomes keyed by transaction hash.
//
// A Ledger is owned by a single actor goroutine and is not safe for concurrent
// use. Entries are removed by a delayed clear that the owner schedules when it
// first sees a hash; removal is unconditional and does not look at the value.
package ledger

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Ledger maps transaction hashes to outcomes.
type Ledger[V any] struct {
	entries map[common.Hash]V
	delay   time.Duration
	sched   Scheduler
}

// New creates a ledger whose delayed clears fire after delay on sched.
func New[V any](delay time.Duration, sched Scheduler) *Ledger[V] {
	if sched == nil {
		sched = RealScheduler{}
	}
	return &Ledger[V]{
		entries: make(map[common.Hash]V),
		delay:   delay,
		sched:   sched,
	}
}

// Get returns the outcome recorded for hash.
func (l *Ledger[V]) Get(hash common.Hash) (V, bool) {
	v, ok := l.entries[hash]
	return v, ok
}

// Put records v for hash, overwriting any previous value.
func (l *Ledger[V]) Put(hash common.Hash, v V) {
	l.entries[hash] = v
}

// Clear removes hash. Clearing an absent hash is a no-op.
func (l *Ledger[V]) Clear(hash common.Hash) {
	delete(l.entries, hash)
}

// Len returns the number of live entries.
func (l *Ledger[V]) Len() int {
	return len(l.entries)
}

// Snapshot returns a copy of all entries.
func (l *Ledger[V]) Snapshot() map[common.Hash]V {
	out := make(map[common.Hash]V, len(l.entries))
	for k, v := range l.entries {
		out[k] = v
	}
	return out
}

// ScheduleClear arranges for post(hash) to run after the ledger delay. The
// owner's post function is expected to deliver a clear message to itself.
func (l *Ledger[V]) ScheduleClear(hash common.Hash, post func(common.Hash)) {
	l.sched.AfterFunc(l.delay, func() { post(hash) })
}
