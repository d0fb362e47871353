//go:build integration

package postgres

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/escrow-hub/escrow-hub/internal/application/engine"
	"github.com/escrow-hub/escrow-hub/internal/domain/escrow"
	"github.com/escrow-hub/escrow-hub/internal/domain/notification"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("escrow"),
		tcpostgres.WithUsername("escrow"),
		tcpostgres.WithPassword("escrow"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, RunMigrations(dsn, zerolog.Nop()))
	version, dirty, err := MigrationVersion(dsn)
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(2), version)

	pool, err := NewPool(ctx, dsn, PoolConfig{MaxConns: 16})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestLedgerRepository_EngineRoundTrip(t *testing.T) {
	pool := newTestPool(t)
	ledger := NewLedgerRepository(pool)
	e := engine.NewEngine(ledger, zerolog.Nop(), engine.WithSigningKey([]byte("k")))
	ctx := context.Background()

	buyer := escrow.Actor{ID: "buyer-1", Role: escrow.RoleBuyer}
	seller := escrow.Actor{ID: "seller-1", Role: escrow.RoleSeller}
	admin := escrow.Actor{ID: "admin-1", Role: escrow.RoleAdmin}

	tx, err := e.Create(ctx, buyer, escrow.NewOrder{
		BuyerID: buyer.ID, SellerID: seller.ID, VehicleID: "v-1",
		Amount: decimal.RequireFromString("18999.90"), Currency: "EUR",
	})
	require.NoError(t, err)

	steps := []struct {
		kind    escrow.TransitionKind
		actor   escrow.Actor
		payload escrow.Payload
	}{
		{escrow.KindGenerateContract, seller, escrow.Payload{}},
		{escrow.KindUploadSignedContract, buyer, escrow.Payload{DocumentRef: "signed.pdf"}},
		{escrow.KindConfirmPayment, seller, escrow.Payload{BankReference: "AS24-ABC123"}},
	}
	for _, s := range steps {
		_, err := e.Apply(ctx, tx.ID, s.kind, s.actor, s.payload)
		require.NoError(t, err, s.kind)
	}

	var wg sync.WaitGroup
	results := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Apply(ctx, tx.ID, escrow.KindReleaseFunds, admin, escrow.Payload{})
			results <- err
		}()
	}
	wg.Wait()
	close(results)
	applied := 0
	for err := range results {
		if err == nil {
			applied++
			continue
		}
		assert.ErrorIs(t, err, escrow.ErrAlreadyApplied)
	}
	assert.Equal(t, 1, applied)

	var releases int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM escrow_releases WHERE transaction_id=$1`, tx.ID).Scan(&releases))
	assert.Equal(t, 1, releases)

	report, err := e.Replay(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, report.Matches, report.Error)
	require.NotNil(t, report.SignaturesOK)
	assert.True(t, *report.SignaturesOK)

	sum, err := ledger.Summarize(ctx, escrow.Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.ByState[escrow.StateFundsReleased])
	assert.Empty(t, sum.CompletedValue)

	missing, err := ledger.ListMissingDocuments(ctx, time.Now().UTC().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, missing, 1, "funds_released without an invoice")
	assert.Equal(t, tx.ID, missing[0].ID)

	participant := seller.ID
	listed, err := ledger.List(ctx, escrow.Filter{Participant: &participant}, 10, 0)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, tx.ID, listed[0].ID)
}

func TestLedgerRepository_VersionConflict(t *testing.T) {
	pool := newTestPool(t)
	ledger := NewLedgerRepository(pool)
	ctx := context.Background()

	req := escrow.NewRequest(uuid.New(), escrow.KindCreate, escrow.Actor{ID: "b", Role: escrow.RoleBuyer}, escrow.Payload{
		Order: &escrow.NewOrder{BuyerID: "b", SellerID: "s", VehicleID: "v", Amount: decimal.NewFromInt(100)},
	})
	req.At = time.Now().UTC().Truncate(time.Microsecond)
	tx, err := escrow.NewTransaction(req)
	require.NoError(t, err)
	require.NoError(t, ledger.Create(ctx, tx, escrow.CreateEntry(tx, req)))
	assert.ErrorIs(t, ledger.Create(ctx, tx, escrow.CreateEntry(tx, req)), escrow.ErrDuplicate)

	next := tx.Clone()
	gen := escrow.NewRequest(tx.ID, escrow.KindGenerateContract, escrow.Actor{ID: "s", Role: escrow.RoleSeller}, escrow.Payload{})
	gen.At = req.At.Add(time.Second)
	entry, err := next.Transition(gen)
	require.NoError(t, err)

	assert.ErrorIs(t, ledger.Commit(ctx, next, 7, []*escrow.LogEntry{entry}), escrow.ErrVersionConflict)
	require.NoError(t, ledger.Commit(ctx, next, 1, []*escrow.LogEntry{entry}))

	stored, err := ledger.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, escrow.SameState(next, stored))

	found, err := ledger.FindRequest(ctx, tx.ID, gen.RequestID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, int64(2), found.Seq)

	due, err := ledger.ListInStates(ctx, []escrow.State{escrow.StateContractGenerated}, gen.At, 10)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestNotificationRepository_Outbox(t *testing.T) {
	pool := newTestPool(t)
	repo := NewNotificationRepository(pool)
	ctx := context.Background()

	n := notification.NewNotification(uuid.New(), 3, "open_payment_window", notification.ChannelEmail, "buyer-1", "Pay", "Body", json.RawMessage(`{"a":1}`))
	require.NoError(t, repo.Create(ctx, n))
	assert.NotZero(t, n.ID)

	dup := notification.NewNotification(n.TransactionID, 3, "open_payment_window", notification.ChannelEmail, "buyer-1", "Pay", "Body", nil)
	assert.ErrorIs(t, repo.Create(ctx, dup), notification.ErrDuplicate)

	pending, err := repo.ListPendingNotifications(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, n.MarkSent())
	require.NoError(t, n.MarkFailed("smtp timeout"))
	later := time.Now().UTC().Add(time.Minute)
	n.ScheduleRetry(later)
	require.NoError(t, repo.Update(ctx, n))

	retryable, err := repo.ListRetryableNotifications(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Empty(t, retryable)
	retryable, err = repo.ListRetryableNotifications(ctx, later.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Len(t, retryable, 1)

	attempt := notification.NewDeliveryAttempt(n.NotificationID, 1)
	attempt.Status = notification.StatusFailed
	require.NoError(t, repo.RecordAttempt(ctx, attempt))
	attempts, err := repo.GetAttempts(ctx, n.NotificationID)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
}
