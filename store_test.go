package aidledger

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// populate drives an engine over st through every kind of mutation.
func populate(t *testing.T, st Store) *Engine {
	t.Helper()
	e, err := Open(st, Options{Clock: FixedClock(11)})
	require.NoError(t, err)
	require.NoError(t, e.BindAuthorityContract(testAuthority))
	require.NoError(t, e.SetLoggingFee(40))
	for i := 0; i < 3; i++ {
		_, err := e.LogCommitment(context.Background(), testOrg, i+1, "KHA-SDN", int64(10*(i+1)), testTimeline, hashN(i))
		require.NoError(t, err)
	}
	require.NoError(t, e.UpdateCommitment(context.Background(), testOrg, 1, StatusDelivered, true))
	require.NoError(t, e.UpdateCommitment(context.Background(), testOrg, 2, StatusCancelled, false))
	return e
}

func assertRestored(t *testing.T, want *Engine, st Store) {
	t.Helper()
	got, err := Open(st, Options{Clock: FixedClock(12)})
	require.NoError(t, err)

	assert.Equal(t, want.Config(), got.Config())
	assert.Equal(t, want.CommitmentCount(), got.CommitmentCount())
	assert.Equal(t, want.FeeTransfers(), got.FeeTransfers())
	for id := uint64(0); id < want.CommitmentCount(); id++ {
		wc, _ := want.GetCommitment(id)
		gc, ok := got.GetCommitment(id)
		require.True(t, ok, "commitment %d", id)
		assert.Equal(t, wc, gc)
		assert.True(t, got.CheckCommitmentExistence(wc.Hash))

		wu, wok := want.GetCommitmentUpdate(id)
		gu, gok := got.GetCommitmentUpdate(id)
		assert.Equal(t, wok, gok)
		assert.Equal(t, wu, gu)
	}

	id, err := got.LogCommitment(context.Background(), testOrg, 1, "KHA-SDN", 1, testTimeline, hashN(99))
	require.NoError(t, err)
	assert.Equal(t, want.CommitmentCount(), id)
}

func TestMemoryStore(t *testing.T) {
	st := NewMemoryStore()
	_, ok, err := st.Load()
	require.NoError(t, err)
	assert.False(t, ok)

	e := populate(t, st)
	assertRestored(t, e, st)

	require.NoError(t, st.Close())
	require.ErrorIs(t, st.Apply(Mutation{}), ErrStoreClosed)
	_, _, err = st.Load()
	require.ErrorIs(t, err, ErrStoreClosed)
}

func TestSQLiteStore_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	st, err := OpenSQLiteStore(dbPath)
	require.NoError(t, err)
	_, ok, err := st.Load()
	require.NoError(t, err)
	assert.False(t, ok)

	e := populate(t, st)
	require.NoError(t, st.Close())

	reopened, err := OpenSQLiteStore(dbPath)
	require.NoError(t, err)
	defer reopened.Close()
	assertRestored(t, e, reopened)
}

func TestSQLiteStore_MaxCommitmentsBound(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	st, err := OpenSQLiteStore(dbPath)
	require.NoError(t, err)

	_, err = Open(st, Options{MaxCommitments: math.MaxUint64})
	require.ErrorIs(t, err, ErrMaxCommitmentsRange)

	e, err := Open(st, Options{MaxCommitments: math.MaxInt64})
	require.NoError(t, err)
	require.NoError(t, e.BindAuthorityContract(testAuthority))
	require.NoError(t, st.Close())

	reopened, err := OpenSQLiteStore(dbPath)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := Open(reopened, Options{})
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxInt64), got.Config().MaxCommitments)
	assert.Equal(t, Principal(testAuthority), got.Config().AuthorityContract)
}

func TestSQLiteStore_HashUnique(t *testing.T) {
	st, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer st.Close()

	cfg := DefaultLedgerConfig()
	c := Commitment{ID: 0, Org: testOrg, AidType: 1, Location: "X", Quantity: 1, Timeline: testTimeline, Status: StatusPending, Hash: hashA}
	require.NoError(t, st.Apply(Mutation{Config: cfg, Commitment: &c}))
	dup := c
	dup.ID = 1
	require.Error(t, st.Apply(Mutation{Config: cfg, Commitment: &dup}))

	// the failed transaction wrote nothing
	snap, ok, err := st.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, snap.Commitments, 1)
}

func TestBadgerStore_Reopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "badger")
	st, err := OpenBadgerStore(dir, nil)
	require.NoError(t, err)
	_, ok, err := st.Load()
	require.NoError(t, err)
	assert.False(t, ok)

	e := populate(t, st)
	require.NoError(t, st.Close())

	reopened, err := OpenBadgerStore(dir, nil)
	require.NoError(t, err)
	defer reopened.Close()
	assertRestored(t, e, reopened)
}

func TestBadgerStore_InMemory(t *testing.T) {
	st, err := OpenBadgerStore("", nil)
	require.NoError(t, err)
	defer st.Close()

	e := populate(t, st)
	assertRestored(t, e, st)
}
