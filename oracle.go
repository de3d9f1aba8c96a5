package aidledger

import (
	"context"
	"log/slog"
	"sync"
)

// DuplicationOracle is the external semantic-duplication service. A false
// result means the proposed commitment duplicates an existing one.
type DuplicationOracle interface {
	CheckDuplicate(ctx context.Context, aidType int, location string, quantity int64, timeline Timeline) (bool, error)
}

// DuplicationOracleFunc adapts a function to DuplicationOracle.
type DuplicationOracleFunc func(ctx context.Context, aidType int, location string, quantity int64, timeline Timeline) (bool, error)

// CheckDuplicate implements DuplicationOracle.
func (f DuplicationOracleFunc) CheckDuplicate(ctx context.Context, aidType int, location string, quantity int64, timeline Timeline) (bool, error) {
	return f(ctx, aidType, location, quantity, timeline)
}

// UpdateOracle is the external update-verification service. A false result
// rejects the status transition.
type UpdateOracle interface {
	CheckUpdate(ctx context.Context, id uint64, status Status) (bool, error)
}

// UpdateOracleFunc adapts a function to UpdateOracle.
type UpdateOracleFunc func(ctx context.Context, id uint64, status Status) (bool, error)

// CheckUpdate implements UpdateOracle.
func (f UpdateOracleFunc) CheckUpdate(ctx context.Context, id uint64, status Status) (bool, error) {
	return f(ctx, id, status)
}

// AcceptAll is an oracle that approves every request. It is the default
// when no oracle is configured.
type AcceptAll struct{}

// CheckDuplicate implements DuplicationOracle.
func (AcceptAll) CheckDuplicate(context.Context, int, string, int64, Timeline) (bool, error) {
	return true, nil
}

// CheckUpdate implements UpdateOracle.
func (AcceptAll) CheckUpdate(context.Context, uint64, Status) (bool, error) {
	return true, nil
}

// Treasury receives fee-transfer intents. Transfers are fire-and-forget:
// the engine logs a Treasury error and carries on.
type Treasury interface {
	Transfer(ctx context.Context, t FeeTransfer) error
}

// RecordingTreasury keeps every transfer it receives in memory.
type RecordingTreasury struct {
	mu        sync.Mutex
	transfers []FeeTransfer
}

// Transfer implements Treasury.
func (r *RecordingTreasury) Transfer(_ context.Context, t FeeTransfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transfers = append(r.transfers, t)
	return nil
}

// Transfers returns a copy of the received transfers.
func (r *RecordingTreasury) Transfers() []FeeTransfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]FeeTransfer(nil), r.transfers...)
}

// LogTreasury writes transfer intents to a logger.
type LogTreasury struct{ Logger *slog.Logger }

// Transfer implements Treasury.
func (l LogTreasury) Transfer(_ context.Context, t FeeTransfer) error {
	if l.Logger != nil {
		l.Logger.Info("fee transfer intent",
			"amount", t.Amount,
			"from", string(t.From),
			"to", string(t.To),
			"commitment", t.CommitmentID,
		)
	}
	return nil
}
