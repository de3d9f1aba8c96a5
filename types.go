package aidledger

import "fmt"

// Principal identifies a caller: an organization, an authority contract or
// any other account the host environment recognizes.
type Principal string

// ReservedPrincipal is the null/burn address that can never be bound as the
// authority contract.
const ReservedPrincipal Principal = "SP000000000000000000002Q6VF78"

// Defaults for a fresh ledger.
const (
	DefaultMaxCommitments uint64 = 100000
	DefaultLoggingFee     int64  = 100
)

// Status is the lifecycle state of a commitment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusDisputed  Status = "disputed"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is one of the four lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDelivered, StatusDisputed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Timeline is the delivery window of a commitment, in host clock units.
type Timeline struct {
	Start int64 `json:"start" yaml:"start"`
	End   int64 `json:"end"   yaml:"end"`
}

func (t Timeline) String() string {
	return fmt.Sprintf("[%d,%d]", t.Start, t.End)
}

// Commitment is a recorded pledge of aid.
//
// Only Status, Verified and Timestamp change after creation, and only
// through Engine.UpdateCommitment.
type Commitment struct {
	ID        uint64    `json:"id"`
	Org       Principal `json:"org"`
	AidType   int       `json:"aidType"`
	Location  string    `json:"location"`
	Quantity  int64     `json:"quantity"`
	Timeline  Timeline  `json:"timeline"`
	Status    Status    `json:"status"`
	Hash      string    `json:"hash"`
	Timestamp uint64    `json:"timestamp"`
	Verified  bool      `json:"verified"`
}

// CommitmentUpdate is the most recent status transition of a commitment.
type CommitmentUpdate struct {
	Status    Status    `json:"updateStatus"`
	Verified  bool      `json:"updateVerified"`
	Timestamp uint64    `json:"updateTimestamp"`
	Updater   Principal `json:"updater"`
}

// FeeTransfer is the recorded intent to move the logging fee from the
// creating organization to the authority contract.
type FeeTransfer struct {
	Amount       int64     `json:"amount"`
	From         Principal `json:"from"`
	To           Principal `json:"to"`
	CommitmentID uint64    `json:"commitmentId"`
	Timestamp    uint64    `json:"timestamp"`
}

// LedgerConfig is the process-wide ledger state.
type LedgerConfig struct {
	NextCommitmentID  uint64    `json:"nextCommitmentId"`
	MaxCommitments    uint64    `json:"maxCommitments"`
	LoggingFee        int64     `json:"loggingFee"`
	AuthorityContract Principal `json:"authorityContract,omitempty"`
}

// DefaultLedgerConfig returns the configuration of an empty ledger.
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		MaxCommitments: DefaultMaxCommitments,
		LoggingFee:     DefaultLoggingFee,
	}
}
