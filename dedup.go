package aidledger

import (
	"context"
	"fmt"
)

// DuplicationGuard detects exact duplicates through the content-hash index
// and semantic duplicates through an external oracle.
type DuplicationGuard struct {
	byHash map[string]uint64
	oracle DuplicationOracle
}

// NewDuplicationGuard creates an empty guard. A nil oracle accepts everything.
func NewDuplicationGuard(oracle DuplicationOracle) *DuplicationGuard {
	if oracle == nil {
		oracle = AcceptAll{}
	}
	return &DuplicationGuard{byHash: make(map[string]uint64), oracle: oracle}
}

// IsDuplicateHash reports whether a commitment with this hash exists.
func (d *DuplicationGuard) IsDuplicateHash(hash string) bool {
	_, ok := d.byHash[hash]
	return ok
}

// Lookup returns the id of the commitment holding hash.
func (d *DuplicationGuard) Lookup(hash string) (uint64, bool) {
	id, ok := d.byHash[hash]
	return id, ok
}

// CheckSemanticDuplicate asks the oracle whether the details duplicate an
// existing commitment. Oracle failures are treated as a negative answer.
func (d *DuplicationGuard) CheckSemanticDuplicate(ctx context.Context, aidType int, location string, quantity int64, timeline Timeline) error {
	ok, err := d.oracle.CheckDuplicate(ctx, aidType, location, quantity, timeline)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDuplicationDetected, err)
	}
	if !ok {
		return ErrDuplicationDetected
	}
	return nil
}

// Index records the hash of a newly created commitment.
func (d *DuplicationGuard) Index(hash string, id uint64) {
	d.byHash[hash] = id
}
