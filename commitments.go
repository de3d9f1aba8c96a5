package aidledger

// CommitmentStore is the commitment table. Ids are assigned sequentially
// from zero and never reused.
type CommitmentStore struct {
	next    uint64
	max     uint64
	records map[uint64]Commitment
}

// NewCommitmentStore creates an empty table bounded to max records.
func NewCommitmentStore(max uint64) *CommitmentStore {
	return &CommitmentStore{max: max, records: make(map[uint64]Commitment)}
}

// NextID returns the id the next insert will receive.
func (s *CommitmentStore) NextID() uint64 { return s.next }

// Max returns the capacity bound.
func (s *CommitmentStore) Max() uint64 { return s.max }

// CheckCapacity fails when no further commitment can be created.
func (s *CommitmentStore) CheckCapacity() error {
	if s.next >= s.max {
		return ErrMaxCommitmentsExceeded
	}
	return nil
}

// Insert stores c under the next id and returns that id. c.ID is ignored.
func (s *CommitmentStore) Insert(c Commitment) (uint64, error) {
	if err := s.CheckCapacity(); err != nil {
		return 0, err
	}
	c.ID = s.next
	s.records[c.ID] = c
	s.next++
	return c.ID, nil
}

// Get returns the commitment with the given id.
func (s *CommitmentStore) Get(id uint64) (Commitment, bool) {
	c, ok := s.records[id]
	return c, ok
}

// CheckUpdate runs the preconditions of ApplyUpdate without mutating.
func (s *CommitmentStore) CheckUpdate(id uint64, status Status, caller Principal) (Commitment, error) {
	c, ok := s.records[id]
	if !ok {
		return Commitment{}, ErrNotFound
	}
	if c.Org != caller {
		return Commitment{}, ErrNotOwner
	}
	if !status.Valid() {
		return Commitment{}, ErrInvalidStatus
	}
	return c, nil
}

// ApplyUpdate replaces status, verified flag and timestamp of a commitment
// owned by caller. Other fields are left untouched.
func (s *CommitmentStore) ApplyUpdate(id uint64, status Status, verified bool, caller Principal, now uint64) error {
	c, err := s.CheckUpdate(id, status, caller)
	if err != nil {
		return err
	}
	s.records[id] = withStatus(c, status, verified, now)
	return nil
}

// Count returns the number of commitments ever created.
func (s *CommitmentStore) Count() uint64 { return s.next }

// restore places a persisted commitment and advances the counter past it.
func (s *CommitmentStore) restore(c Commitment) {
	s.records[c.ID] = c
	if c.ID >= s.next {
		s.next = c.ID + 1
	}
}

func withStatus(c Commitment, status Status, verified bool, now uint64) Commitment {
	c.Status = status
	c.Verified = verified
	c.Timestamp = now
	return c
}

// UpdateLedger keeps the latest status transition of each commitment. A new
// update overwrites the previous one.
type UpdateLedger struct {
	slots map[uint64]CommitmentUpdate
}

// NewUpdateLedger creates an empty update ledger.
func NewUpdateLedger() *UpdateLedger {
	return &UpdateLedger{slots: make(map[uint64]CommitmentUpdate)}
}

// Record overwrites the update slot for id.
func (u *UpdateLedger) Record(id uint64, status Status, verified bool, timestamp uint64, updater Principal) {
	u.slots[id] = CommitmentUpdate{
		Status:    status,
		Verified:  verified,
		Timestamp: timestamp,
		Updater:   updater,
	}
}

// Get returns the latest update for id.
func (u *UpdateLedger) Get(id uint64) (CommitmentUpdate, bool) {
	up, ok := u.slots[id]
	return up, ok
}
