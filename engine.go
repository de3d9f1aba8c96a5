package aidledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrMaxCommitmentsRange is returned for a commitment bound that SQL
// backends cannot store as a signed 64-bit integer.
var ErrMaxCommitmentsRange = errors.New("max commitments out of range")

// Options configures an Engine.
type Options struct {
	// MaxCommitments bounds the commitment table. Zero keeps the persisted
	// bound, or DefaultMaxCommitments for a new ledger.
	MaxCommitments uint64
	// LoggingFee is the initial fee of a new ledger. Ignored once a ledger
	// has been persisted. Nil means DefaultLoggingFee.
	LoggingFee *int64

	Authorities       AuthoritySet
	DuplicationOracle DuplicationOracle
	UpdateOracle      UpdateOracle
	Treasury          Treasury
	Clock             Clock
	Journal           *Journal
	PromRegistry      prometheus.Registerer
	Logger            *slog.Logger
}

// Engine is the commitment logging engine. It validates, deduplicates and
// admits commitments, applies status updates and gates authority changes.
//
// All operations are serialized: each one runs its checks and writes under
// a single lock, so the hash check and the index write are atomic together.
type Engine struct {
	mu           sync.Mutex
	gate         *IdentityGate
	guard        *DuplicationGuard
	commitments  *CommitmentStore
	updates      *UpdateLedger
	transfers    []FeeTransfer
	store        Store
	updateOracle UpdateOracle
	treasury     Treasury
	clock        Clock
	journal      *Journal
	metrics      *ledgerMetrics
	logger       *slog.Logger
}

// New creates an Engine over an in-memory store. It panics on Options
// that Open rejects.
func New(opts Options) *Engine {
	e, err := Open(NewMemoryStore(), opts)
	if err != nil {
		panic(err)
	}
	return e
}

// Open creates an Engine and restores its state from st.
func Open(st Store, opts Options) (*Engine, error) {
	snap, ok, err := st.Load()
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	cfg := DefaultLedgerConfig()
	if opts.LoggingFee != nil {
		cfg.LoggingFee = *opts.LoggingFee
	}
	if ok {
		cfg = snap.Config
	}
	if opts.MaxCommitments != 0 {
		cfg.MaxCommitments = opts.MaxCommitments
	}
	if cfg.MaxCommitments > math.MaxInt64 {
		return nil, fmt.Errorf("%w: %d", ErrMaxCommitmentsRange, cfg.MaxCommitments)
	}

	e := &Engine{
		gate:         NewIdentityGate(opts.Authorities, cfg.LoggingFee),
		guard:        NewDuplicationGuard(opts.DuplicationOracle),
		commitments:  NewCommitmentStore(cfg.MaxCommitments),
		updates:      NewUpdateLedger(),
		store:        st,
		updateOracle: opts.UpdateOracle,
		treasury:     opts.Treasury,
		clock:        opts.Clock,
		journal:      opts.Journal,
		metrics:      newLedgerMetrics(opts.PromRegistry),
		logger:       opts.Logger,
	}
	if e.updateOracle == nil {
		e.updateOracle = AcceptAll{}
	}
	if e.clock == nil {
		e.clock = UnixClock{}
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	e.logger = e.logger.With("component", "ledger")

	e.gate.restore(cfg.AuthorityContract, cfg.LoggingFee)
	for _, c := range snap.Commitments {
		e.commitments.restore(c)
		e.guard.Index(c.Hash, c.ID)
	}
	if cfg.NextCommitmentID > e.commitments.next {
		e.commitments.next = cfg.NextCommitmentID
	}
	for _, u := range snap.Updates {
		e.updates.slots[u.ID] = u.CommitmentUpdate
	}
	e.transfers = snap.Transfers

	e.metrics.commitmentCount.Set(float64(e.commitments.Count()))
	e.metrics.loggingFee.Set(float64(e.gate.LoggingFee()))
	if ok {
		e.logger.Info("ledger restored",
			"commitments", e.commitments.Count(),
			"authority", string(cfg.AuthorityContract),
		)
	}
	return e, nil
}

// Close closes the underlying store and journal.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.journal != nil {
		if err := e.journal.Close(); err != nil {
			return err
		}
	}
	return e.store.Close()
}

// config returns the current ledger configuration. Caller holds e.mu.
func (e *Engine) config() LedgerConfig {
	return LedgerConfig{
		NextCommitmentID:  e.commitments.NextID(),
		MaxCommitments:    e.commitments.Max(),
		LoggingFee:        e.gate.LoggingFee(),
		AuthorityContract: e.gate.Authority(),
	}
}

// BindAuthorityContract binds p as the authority contract. It succeeds once.
func (e *Engine) BindAuthorityContract(p Principal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.gate.CheckBind(p); err != nil {
		e.metrics.reject(opBind, err)
		return err
	}
	cfg := e.config()
	cfg.AuthorityContract = p
	if err := e.store.Apply(Mutation{Config: cfg}); err != nil {
		return fmt.Errorf("persist authority: %w", err)
	}
	if err := e.gate.BindAuthorityContract(p); err != nil {
		return err
	}
	e.logger.Info("authority contract bound", "authority", string(p))
	e.journalAppend(Event{Kind: EventAuthorityBound, Principal: p, Height: e.clock.Height()})
	return nil
}

// SetLoggingFee replaces the logging fee. It requires a bound authority.
func (e *Engine) SetLoggingFee(fee int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.gate.CheckFee(); err != nil {
		e.metrics.reject(opFee, err)
		return err
	}
	cfg := e.config()
	cfg.LoggingFee = fee
	if err := e.store.Apply(Mutation{Config: cfg}); err != nil {
		return fmt.Errorf("persist logging fee: %w", err)
	}
	if err := e.gate.SetLoggingFee(fee); err != nil {
		return err
	}
	e.metrics.loggingFee.Set(float64(fee))
	e.logger.Info("logging fee changed", "fee", fee)
	e.journalAppend(Event{
		Kind:      EventFeeSet,
		Principal: e.gate.Authority(),
		Height:    e.clock.Height(),
		Payload:   mustJSON(fee),
	})
	return nil
}

// LogCommitment admits a new commitment from caller and returns its id.
func (e *Engine) LogCommitment(
	ctx context.Context, caller Principal, aidType int, location string,
	quantity int64, timeline Timeline, hash string,
) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, err := e.logCommitment(ctx, caller, aidType, location, quantity, timeline, hash)
	if err != nil {
		e.metrics.reject(opLog, err)
		e.logger.Debug("commitment rejected",
			"org", string(caller),
			"hash", hash,
			"error", err,
		)
		return 0, err
	}
	return id, nil
}

func (e *Engine) logCommitment(
	ctx context.Context, caller Principal, aidType int, location string,
	quantity int64, timeline Timeline, hash string,
) (uint64, error) {
	if err := e.commitments.CheckCapacity(); err != nil {
		return 0, err
	}
	if err := Validate(aidType, location, quantity, timeline, hash); err != nil {
		return 0, err
	}
	if e.guard.IsDuplicateHash(hash) {
		return 0, ErrCommitmentAlreadyExists
	}
	if err := e.guard.CheckSemanticDuplicate(ctx, aidType, location, quantity, timeline); err != nil {
		return 0, err
	}
	if !e.gate.Bound() {
		return 0, ErrAuthorityNotVerified
	}

	now := e.clock.Height()
	id := e.commitments.NextID()
	c := Commitment{
		ID:        id,
		Org:       caller,
		AidType:   aidType,
		Location:  location,
		Quantity:  quantity,
		Timeline:  timeline,
		Status:    StatusPending,
		Hash:      hash,
		Timestamp: now,
	}
	transfer := FeeTransfer{
		Amount:       e.gate.LoggingFee(),
		From:         caller,
		To:           e.gate.Authority(),
		CommitmentID: id,
		Timestamp:    now,
	}
	cfg := e.config()
	cfg.NextCommitmentID = id + 1
	if err := e.store.Apply(Mutation{Config: cfg, Commitment: &c, Transfer: &transfer}); err != nil {
		return 0, fmt.Errorf("persist commitment %d: %w", id, err)
	}

	if _, err := e.commitments.Insert(c); err != nil {
		return 0, err
	}
	e.guard.Index(hash, id)
	e.transfers = append(e.transfers, transfer)

	e.metrics.commitmentsLogged.Inc()
	e.metrics.commitmentCount.Set(float64(e.commitments.Count()))
	e.metrics.feesRecorded.Add(float64(transfer.Amount))
	e.logger.Info("commitment logged",
		"id", id,
		"org", string(caller),
		"aid_type", aidType,
		"location", location,
	)

	if e.treasury != nil {
		if err := e.treasury.Transfer(ctx, transfer); err != nil {
			e.logger.Warn("fee transfer failed",
				"id", id,
				"amount", transfer.Amount,
				"error", err,
			)
		}
	}
	e.journalAppend(Event{
		Kind:         EventCommitmentLogged,
		CommitmentID: id,
		Principal:    caller,
		Height:       now,
		Payload:      mustJSON(c),
	})
	return id, nil
}

// UpdateCommitment moves commitment id to status and sets its verified
// flag. Only the creating organization may update a commitment, and the
// update oracle must approve the transition.
func (e *Engine) UpdateCommitment(
	ctx context.Context, caller Principal, id uint64, status Status, verified bool,
) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.updateCommitment(ctx, caller, id, status, verified); err != nil {
		e.metrics.reject(opUpdate, err)
		e.logger.Debug("update rejected",
			"id", id,
			"caller", string(caller),
			"status", string(status),
			"error", err,
		)
		return err
	}
	return nil
}

func (e *Engine) updateCommitment(
	ctx context.Context, caller Principal, id uint64, status Status, verified bool,
) error {
	c, err := e.commitments.CheckUpdate(id, status, caller)
	if err != nil {
		return err
	}
	ok, err := e.updateOracle.CheckUpdate(ctx, id, status)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOracleRejected, err)
	}
	if !ok {
		return ErrOracleRejected
	}

	now := e.clock.Height()
	updated := withStatus(c, status, verified, now)
	up := UpdateRecord{ID: id, CommitmentUpdate: CommitmentUpdate{
		Status:    status,
		Verified:  verified,
		Timestamp: now,
		Updater:   caller,
	}}
	if err := e.store.Apply(Mutation{Config: e.config(), Commitment: &updated, Update: &up}); err != nil {
		return fmt.Errorf("persist update of %d: %w", id, err)
	}

	if err := e.commitments.ApplyUpdate(id, status, verified, caller, now); err != nil {
		return err
	}
	e.updates.Record(id, status, verified, now, caller)

	e.metrics.commitmentsUpdated.Inc()
	e.logger.Info("commitment updated",
		"id", id,
		"status", string(status),
		"verified", verified,
	)
	e.journalAppend(Event{
		Kind:         EventCommitmentUpdated,
		CommitmentID: id,
		Principal:    caller,
		Height:       now,
		Payload:      mustJSON(up.CommitmentUpdate),
	})
	return nil
}

// GetCommitment returns the commitment with the given id.
func (e *Engine) GetCommitment(id uint64) (Commitment, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.commitments.Get(id)
}

// GetCommitmentUpdate returns the latest update of commitment id.
func (e *Engine) GetCommitmentUpdate(id uint64) (CommitmentUpdate, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.updates.Get(id)
}

// CommitmentCount returns the number of commitments ever created.
func (e *Engine) CommitmentCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.commitments.Count()
}

// CheckCommitmentExistence reports whether a commitment with hash exists.
func (e *Engine) CheckCommitmentExistence(hash string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.guard.IsDuplicateHash(hash)
}

// IsVerifiedAuthority reports whether p is a recognized authority.
func (e *Engine) IsVerifiedAuthority(p Principal) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gate.IsAuthority(p)
}

// Config returns the current ledger configuration.
func (e *Engine) Config() LedgerConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config()
}

// FeeTransfers returns the recorded fee-transfer intents in order.
func (e *Engine) FeeTransfers() []FeeTransfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]FeeTransfer(nil), e.transfers...)
}

// journalAppend writes ev to the journal. Journal failures do not undo the
// ledger operation. Caller holds e.mu.
func (e *Engine) journalAppend(ev Event) {
	if e.journal == nil {
		return
	}
	if _, err := e.journal.Append(ev); err != nil {
		e.logger.Error("journal append failed",
			"kind", ev.Kind.String(),
			"commitment", ev.CommitmentID,
			"error", err,
		)
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
