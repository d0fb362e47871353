package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/escrow-hub/escrow-hub/internal/domain/escrow"
)

var (
	testBuyer  = escrow.Actor{ID: "buyer-1", Role: escrow.RoleBuyer}
	testSeller = escrow.Actor{ID: "seller-1", Role: escrow.RoleSeller}
	testAdmin  = escrow.Actor{ID: "admin-1", Role: escrow.RoleAdmin}
)

func newStoredTransaction(t *testing.T, l *Ledger, at time.Time) *escrow.Transaction {
	t.Helper()
	req := escrow.NewRequest(uuid.New(), escrow.KindCreate, testBuyer, escrow.Payload{Order: &escrow.NewOrder{
		BuyerID:   testBuyer.ID,
		SellerID:  testSeller.ID,
		VehicleID: "vehicle-1",
		Amount:    decimal.NewFromInt(12000),
	}})
	req.At = at
	tx, err := escrow.NewTransaction(req)
	require.NoError(t, err)
	require.NoError(t, l.Create(context.Background(), tx, escrow.CreateEntry(tx, req)))
	return tx
}

func apply(t *testing.T, tx *escrow.Transaction, kind escrow.TransitionKind, actor escrow.Actor, at time.Time) *escrow.LogEntry {
	t.Helper()
	req := escrow.NewRequest(tx.ID, kind, actor, escrow.Payload{})
	req.At = at
	entry, err := tx.Transition(req)
	require.NoError(t, err)
	require.NotNil(t, entry)
	return entry
}

func TestLedger_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	now := time.Now().UTC()
	tx := newStoredTransaction(t, l, now)

	got, err := l.Get(ctx, tx.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, escrow.SameState(tx, got))

	got.State = escrow.StateCompleted
	again, err := l.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateCreated, again.State)

	missing, err := l.Get(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)

	err = l.Create(ctx, tx, &escrow.LogEntry{TransactionID: tx.ID, Seq: 1, RequestID: uuid.New()})
	assert.ErrorIs(t, err, escrow.ErrDuplicate)
}

func TestLedger_Commit(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("appends entries and replaces snapshot", func(t *testing.T) {
		l := NewLedger()
		tx := newStoredTransaction(t, l, now)
		entry := apply(t, tx, escrow.KindGenerateContract, testSeller, now.Add(time.Minute))

		require.NoError(t, l.Commit(ctx, tx, 1, []*escrow.LogEntry{entry}))

		stored, err := l.Get(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, escrow.StateContractGenerated, stored.State)
		log, err := l.TransitionLog(ctx, tx.ID)
		require.NoError(t, err)
		require.Len(t, log, 2)
		assert.Equal(t, int64(2), log[1].Seq)

		found, err := l.FindRequest(ctx, tx.ID, entry.RequestID)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, escrow.KindGenerateContract, found.Kind)

		other, err := l.FindRequest(ctx, uuid.New(), entry.RequestID)
		require.NoError(t, err)
		assert.Nil(t, other)
	})

	t.Run("stale version conflicts", func(t *testing.T) {
		l := NewLedger()
		tx := newStoredTransaction(t, l, now)
		a := tx.Clone()
		b := tx.Clone()
		ea := apply(t, a, escrow.KindGenerateContract, testSeller, now)
		eb := apply(t, b, escrow.KindCancel, testBuyer, now)

		require.NoError(t, l.Commit(ctx, a, 1, []*escrow.LogEntry{ea}))
		err := l.Commit(ctx, b, 1, []*escrow.LogEntry{eb})
		assert.ErrorIs(t, err, escrow.ErrVersionConflict)

		stored, _ := l.Get(ctx, tx.ID)
		assert.Equal(t, escrow.StateContractGenerated, stored.State)
	})

	t.Run("second release record rejected", func(t *testing.T) {
		l := NewLedger()
		tx := newStoredTransaction(t, l, now)
		tx.State = escrow.StatePaymentVerified
		first := tx.Clone()
		entry := apply(t, first, escrow.KindReleaseFunds, testAdmin, now)
		require.NoError(t, l.Commit(ctx, first, 1, []*escrow.LogEntry{entry}))

		forged := first.Clone()
		forged.Release.ID = uuid.New()
		forged.Version++
		err := l.Commit(ctx, forged, first.Version, []*escrow.LogEntry{{
			TransactionID: tx.ID, Seq: first.Version + 1, RequestID: uuid.New(), Kind: escrow.KindReleaseFunds,
		}})
		assert.ErrorIs(t, err, escrow.ErrDuplicate)
	})

	t.Run("unknown transaction", func(t *testing.T) {
		l := NewLedger()
		err := l.Commit(ctx, &escrow.Transaction{ID: uuid.New()}, 1, nil)
		assert.ErrorIs(t, err, escrow.ErrNotFound)
	})
}

func TestLedger_Queries(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	older := newStoredTransaction(t, l, base)
	newer := newStoredTransaction(t, l, base.Add(time.Hour))
	cancelled := newStoredTransaction(t, l, base.Add(2*time.Hour))
	entry := apply(t, cancelled, escrow.KindCancel, testBuyer, base.Add(3*time.Hour))
	require.NoError(t, l.Commit(ctx, cancelled, 1, []*escrow.LogEntry{entry}))

	list, err := l.List(ctx, escrow.Filter{}, 2, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, cancelled.ID, list[0].ID)
	assert.Equal(t, newer.ID, list[1].ID)

	state := escrow.StateCreated
	list, err = l.List(ctx, escrow.Filter{State: &state}, 10, 0)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = l.List(ctx, escrow.Filter{}, 10, 5)
	require.NoError(t, err)
	assert.Empty(t, list)

	due, err := l.ListInStates(ctx, []escrow.State{escrow.StateCreated}, base.Add(30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, older.ID, due[0].ID)

	sum, err := l.Summarize(ctx, escrow.Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.ByState[escrow.StateCreated])
	assert.Equal(t, int64(1), sum.ByState[escrow.StateCancelled])

	stranger := "seller-2"
	sum, err = l.Summarize(ctx, escrow.Filter{Participant: &stranger})
	require.NoError(t, err)
	assert.Empty(t, sum.ByState)
}

func TestLedger_ListMissingDocuments(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	documented := newStoredTransaction(t, l, base)
	entry := apply(t, documented, escrow.KindGenerateContract, testSeller, base.Add(time.Minute))
	record := escrow.NewRequest(documented.ID, escrow.KindRecordDocument, escrow.SystemActor("documents"),
		escrow.Payload{DocumentKind: escrow.DocumentContract, DocumentRef: "contracts/1.pdf"})
	record.At = base.Add(2 * time.Minute)
	recorded, err := documented.Transition(record)
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, documented, 1, []*escrow.LogEntry{entry, recorded}))

	pending := newStoredTransaction(t, l, base.Add(time.Hour))
	entry = apply(t, pending, escrow.KindGenerateContract, testSeller, base.Add(time.Hour+time.Minute))
	require.NoError(t, l.Commit(ctx, pending, 1, []*escrow.LogEntry{entry}))

	newStoredTransaction(t, l, base.Add(2*time.Hour))

	missing, err := l.ListMissingDocuments(ctx, base.Add(3*time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, pending.ID, missing[0].ID)

	missing, err = l.ListMissingDocuments(ctx, base.Add(30*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestLedger_ExportImport(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	now := time.Now().UTC()
	tx := newStoredTransaction(t, l, now)
	entry := apply(t, tx, escrow.KindGenerateContract, testSeller, now)
	require.NoError(t, l.Commit(ctx, tx, 1, []*escrow.LogEntry{entry}))

	restored := NewLedger()
	restored.Import(l.Export())

	got, err := restored.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, escrow.SameState(tx, got))
	log, err := restored.TransitionLog(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, int64(1), log[0].Seq)

	rebuilt, err := escrow.Replay(log)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateContractGenerated, rebuilt.State)
}
