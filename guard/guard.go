// Package guard provides the minimal entry-guard store and accounting
// record the path-bias accountant mutates. Guard rotation policy,
// weighted-bandwidth node selection, and persistent storage are out of
// scope (spec §1) — this package is the smallest concrete stand-in for
// those external collaborators so the accountant and path selector can be
// built and exercised end to end.
package guard

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/cvsouth/tor-go/directory"
)

// Record is the per-guard accounting state the path-bias accountant reads
// and mutates. Counters are float64 so that scaling (a multiplicative
// decay) never truncates a small count to zero.
type Record struct {
	Identity [20]byte
	Nickname string

	CircAttempts             float64
	CircSuccesses            float64
	SuccessfulCircuitsClosed float64
	UseAttempts              float64
	UseSuccesses             float64
	Timeouts                 float64
	CollapsedCircuits        float64
	UnusableCircuits         float64

	PathBiasNoticed    bool
	PathBiasWarned     bool
	PathBiasExtreme    bool
	PathBiasUseNoticed bool
	PathBiasUseExtreme bool
	PathBiasDisabled   bool

	BadSince time.Time
}

// Store is an in-memory, process-lifetime guard set keyed by identity
// digest. Real deployments persist this; here Changed is invoked in place
// of that persistence, mirroring the teacher's cache.Save*-on-change style.
type Store struct {
	mu      sync.Mutex
	records map[[20]byte]*Record
	// Changed is invoked after any mutation to a record, standing in for
	// entry_guards_changed() (spec §6). May be nil.
	Changed func()
}

// NewStore creates an empty guard store.
func NewStore() *Store {
	return &Store{records: make(map[[20]byte]*Record)}
}

// Add registers a new guard, or returns the existing record if one with the
// same identity is already present.
func (s *Store) Add(identity [20]byte, nickname string) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[identity]; ok {
		return r
	}
	r := &Record{Identity: identity, Nickname: nickname}
	s.records[identity] = r
	return r
}

// GetByIDDigest returns the guard record for identity, or nil if unknown.
func (s *Store) GetByIDDigest(identity [20]byte) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[identity]
}

// MarkChanged invokes the Changed hook, if set. Callers holding a *Record
// obtained from this store call this after mutating counters, since Record
// mutation itself is unsynchronized (confined to the single-threaded
// accountant per spec §5/§9).
func (s *Store) MarkChanged() {
	if s.Changed != nil {
		s.Changed()
	}
}

// ChooseRandomEntry picks uniformly among enabled (not path-bias-disabled)
// guards. This is NOT weighted-bandwidth selection — that capability lives
// in pathselect.ChooseNode and is out of scope for guard rotation per
// spec §1.
func (s *Store) ChooseRandomEntry() (*Record, error) {
	s.mu.Lock()
	var candidates []*Record
	for _, r := range s.records {
		if !r.PathBiasDisabled {
			candidates = append(candidates, r)
		}
	}
	s.mu.Unlock()

	if len(candidates) == 0 {
		return nil, fmt.Errorf("guard: no usable entry guards")
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(candidates))))
	if err != nil {
		return nil, fmt.Errorf("guard: crypto/rand: %w", err)
	}
	return candidates[n.Int64()], nil
}

// FromRelay registers (or fetches) a guard record for a consensus relay.
func (s *Store) FromRelay(r directory.Relay) *Record {
	return s.Add(r.Identity, r.Nickname)
}
