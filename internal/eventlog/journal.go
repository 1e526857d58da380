package eventlog

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Clock returns the logical timestamp stamped on records.
type Clock func() int64

// SystemClock returns unix seconds.
func SystemClock() int64 { return time.Now().Unix() }

// Journal is an in-memory append-only log owned by a single component.
// Sequence numbers start at 1 and have no gaps.
type Journal struct {
	component Component
	contract  common.Address
	clock     Clock

	mu      sync.RWMutex
	records []Record
}

// JournalOption customises a Journal.
type JournalOption func(*Journal)

// WithClock overrides the timestamp source.
func WithClock(clock Clock) JournalOption {
	return func(j *Journal) {
		if clock != nil {
			j.clock = clock
		}
	}
}

// NewJournal creates an empty journal for component.
func NewJournal(component Component, contract common.Address, opts ...JournalOption) *Journal {
	j := &Journal{component: component, contract: contract, clock: SystemClock}
	for _, opt := range opts {
		if opt != nil {
			opt(j)
		}
	}
	return j
}

// Component returns the owner of the journal.
func (j *Journal) Component() Component { return j.component }

// Now returns the journal's current logical time.
func (j *Journal) Now() int64 { return j.clock() }

// Append stamps and stores rec, returning the stored copy.
func (j *Journal) Append(rec Record) Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec = rec.Clone()
	rec.Seq = uint64(len(j.records)) + 1
	rec.Component = j.component
	rec.Contract = j.contract
	if rec.At == 0 {
		rec.At = j.clock()
	}
	j.records = append(j.records, rec)
	return rec.Clone()
}

// Since returns up to limit records with Seq > seq. limit <= 0 means all.
func (j *Journal) Since(seq uint64, limit int) []Record {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if seq >= uint64(len(j.records)) {
		return nil
	}
	tail := j.records[seq:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	out := make([]Record, len(tail))
	for i, rec := range tail {
		out[i] = rec.Clone()
	}
	return out
}

// Len returns the number of stored records.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.records)
}

// Last returns the most recent record, if any.
func (j *Journal) Last() (Record, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if len(j.records) == 0 {
		return Record{}, false
	}
	return j.records[len(j.records)-1].Clone(), true
}
