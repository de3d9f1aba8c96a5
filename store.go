package aidledger

import (
	"errors"
	"sort"
	"sync"
)

// ErrStoreClosed is returned by stores used after Close.
var ErrStoreClosed = errors.New("store is closed")

// Mutation is the set of writes produced by one successful ledger
// operation. A Store applies it atomically.
type Mutation struct {
	Config     LedgerConfig
	Commitment *Commitment   // created or updated record; its hash is indexed
	Update     *UpdateRecord // overwrites the update slot of Update.ID
	Transfer   *FeeTransfer  // appended to the transfer log
}

// UpdateRecord is a CommitmentUpdate keyed by commitment id.
type UpdateRecord struct {
	ID uint64
	CommitmentUpdate
}

// Snapshot is the full persisted state of a ledger.
type Snapshot struct {
	Config      LedgerConfig
	Commitments []Commitment // ascending by id
	Updates     []UpdateRecord
	Transfers   []FeeTransfer
}

// Store abstracts ledger persistence.
type Store interface {
	// Apply persists m atomically.
	Apply(m Mutation) error
	// Load returns the persisted state; ok is false for an empty store.
	Load() (snap Snapshot, ok bool, err error)
	Close() error
}

type memoryStore struct {
	mu          sync.Mutex
	closed      bool
	hasConfig   bool
	config      LedgerConfig
	commitments map[uint64]Commitment
	updates     map[uint64]CommitmentUpdate
	transfers   []FeeTransfer
}

// NewMemoryStore returns a Store that keeps everything in process memory.
func NewMemoryStore() Store {
	return &memoryStore{
		commitments: make(map[uint64]Commitment),
		updates:     make(map[uint64]CommitmentUpdate),
	}
}

func (s *memoryStore) Apply(m Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.config = m.Config
	s.hasConfig = true
	if m.Commitment != nil {
		s.commitments[m.Commitment.ID] = *m.Commitment
	}
	if m.Update != nil {
		s.updates[m.Update.ID] = m.Update.CommitmentUpdate
	}
	if m.Transfer != nil {
		s.transfers = append(s.transfers, *m.Transfer)
	}
	return nil
}

func (s *memoryStore) Load() (Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Snapshot{}, false, ErrStoreClosed
	}
	if !s.hasConfig {
		return Snapshot{}, false, nil
	}
	snap := Snapshot{
		Config:    s.config,
		Transfers: append([]FeeTransfer(nil), s.transfers...),
	}
	for _, c := range s.commitments {
		snap.Commitments = append(snap.Commitments, c)
	}
	sort.Slice(snap.Commitments, func(i, j int) bool {
		return snap.Commitments[i].ID < snap.Commitments[j].ID
	})
	for id, u := range s.updates {
		snap.Updates = append(snap.Updates, UpdateRecord{ID: id, CommitmentUpdate: u})
	}
	sort.Slice(snap.Updates, func(i, j int) bool {
		return snap.Updates[i].ID < snap.Updates[j].ID
	})
	return snap, true, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
