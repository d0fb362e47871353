package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/sync/errgroup"

	"github.com/escrow-hub/escrow-hub/internal/domain/escrow"
	"github.com/escrow-hub/escrow-hub/internal/domain/escrow/mocks"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/memory"
)

var (
	buyer  = escrow.Actor{ID: "buyer-1", Role: escrow.RoleBuyer}
	seller = escrow.Actor{ID: "seller-1", Role: escrow.RoleSeller}
	admin  = escrow.Actor{ID: "admin-1", Role: escrow.RoleAdmin}
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *memory.Ledger) {
	t.Helper()
	clock := &stepClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	ledger := memory.NewLedger()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewEngine(ledger, zerolog.Nop(), opts...), ledger
}

func testOrder() escrow.NewOrder {
	return escrow.NewOrder{
		BuyerID:   buyer.ID,
		SellerID:  seller.ID,
		VehicleID: "vehicle-77",
		Amount:    decimal.NewFromInt(25000),
		Currency:  "EUR",
	}
}

func mustApply(t *testing.T, e *Engine, id uuid.UUID, kind escrow.TransitionKind, actor escrow.Actor, p escrow.Payload) *escrow.Transaction {
	t.Helper()
	tx, err := e.Apply(context.Background(), id, kind, actor, p)
	require.NoError(t, err, "apply %s", kind)
	return tx
}

func toPaymentVerified(t *testing.T, e *Engine) *escrow.Transaction {
	t.Helper()
	ctx := context.Background()
	tx, err := e.Create(ctx, buyer, testOrder())
	require.NoError(t, err)
	mustApply(t, e, tx.ID, escrow.KindGenerateContract, seller, escrow.Payload{})
	mustApply(t, e, tx.ID, escrow.KindUploadSignedContract, buyer, escrow.Payload{DocumentRef: "contracts/signed.pdf"})
	return mustApply(t, e, tx.ID, escrow.KindConfirmPayment, seller, escrow.Payload{BankReference: "AS24-ABC123"})
}

func TestEngine_HappyPath(t *testing.T) {
	e, ledger := newTestEngine(t)
	ctx := context.Background()

	tx, err := e.Create(ctx, buyer, testOrder())
	require.NoError(t, err)
	assert.Equal(t, escrow.StateCreated, tx.State)

	tx = mustApply(t, e, tx.ID, escrow.KindGenerateContract, seller, escrow.Payload{})
	assert.Equal(t, escrow.StateContractGenerated, tx.State)

	tx = mustApply(t, e, tx.ID, escrow.KindUploadSignedContract, buyer, escrow.Payload{DocumentRef: "contracts/signed.pdf"})
	assert.Equal(t, escrow.StateAwaitingPayment, tx.State, "payment window opens after the signed contract")
	require.NotNil(t, tx.PaymentDeadline)
	assert.Equal(t, DefaultPaymentWindow, tx.PaymentDeadline.Sub(tx.StateEnteredAt))

	tx = mustApply(t, e, tx.ID, escrow.KindConfirmPayment, seller, escrow.Payload{BankReference: "AS24-ABC123"})
	assert.Equal(t, escrow.StatePaymentVerified, tx.State)

	tx = mustApply(t, e, tx.ID, escrow.KindReleaseFunds, admin, escrow.Payload{})
	assert.Equal(t, escrow.StateFundsReleased, tx.State)
	require.NotNil(t, tx.Release)
	assert.True(t, tx.Release.SellerNet.Equal(decimal.NewFromInt(24375)))

	tx = mustApply(t, e, tx.ID, escrow.KindMarkDelivered, seller, escrow.Payload{})
	tx = mustApply(t, e, tx.ID, escrow.KindComplete, buyer, escrow.Payload{})
	assert.Equal(t, escrow.StateCompleted, tx.State)

	log, err := ledger.TransitionLog(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, log, 8)
	releases := 0
	for i, entry := range log {
		assert.Equal(t, int64(i+1), entry.Seq)
		if entry.Kind == escrow.KindReleaseFunds {
			releases++
		}
	}
	assert.Equal(t, 1, releases)
	assert.Equal(t, escrow.KindOpenPaymentWindow, log[3].Kind)
	assert.Equal(t, escrow.RoleSystem, log[3].Actor.Role)
	assert.Equal(t, int64(8), tx.Version)

	report, err := e.Replay(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, report.Matches, report.Error)
}

func TestEngine_DisputeBlocksRelease(t *testing.T) {
	e, _ := newTestEngine(t)
	tx := toPaymentVerified(t, e)

	mustApply(t, e, tx.ID, escrow.KindRaiseDispute, buyer, escrow.Payload{DisputeType: escrow.DisputeVehicleCondition, Message: "scratches"})

	snapshot, err := e.Apply(context.Background(), tx.ID, escrow.KindReleaseFunds, admin, escrow.Payload{})
	require.ErrorIs(t, err, escrow.ErrDisputeBlocking)
	require.NotNil(t, snapshot)
	assert.Equal(t, escrow.StateDisputed, snapshot.State)
	te, ok := escrow.AsTransitionError(err)
	require.True(t, ok)
	assert.Equal(t, escrow.StateDisputed, te.Transaction.State)

	mustApply(t, e, tx.ID, escrow.KindResolveDispute, admin, escrow.Payload{Outcome: escrow.OutcomeDismissed})
	released := mustApply(t, e, tx.ID, escrow.KindReleaseFunds, admin, escrow.Payload{})
	assert.Equal(t, escrow.StateFundsReleased, released.State)
	assert.NotNil(t, released.Release)
}

func TestEngine_CancelBeforePayment(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	tx, err := e.Create(ctx, buyer, testOrder())
	require.NoError(t, err)

	cancelled := mustApply(t, e, tx.ID, escrow.KindCancel, buyer, escrow.Payload{Reason: "buyer changed mind"})
	assert.Equal(t, escrow.StateCancelled, cancelled.State)
	assert.Equal(t, "buyer changed mind", cancelled.CancellationReason)

	snapshot, err := e.Apply(ctx, tx.ID, escrow.KindConfirmPayment, seller, escrow.Payload{BankReference: "late"})
	require.ErrorIs(t, err, escrow.ErrInvalidTransition)
	assert.Equal(t, escrow.StateCancelled, snapshot.State)
}

func TestEngine_ConcurrentRelease(t *testing.T) {
	e, ledger := newTestEngine(t)
	tx := toPaymentVerified(t, e)

	var applied, already atomic.Int64
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 100; i++ {
		g.Go(func() error {
			_, err := e.Apply(ctx, tx.ID, escrow.KindReleaseFunds, admin, escrow.Payload{})
			switch {
			case err == nil:
				applied.Add(1)
			case errors.Is(err, escrow.ErrAlreadyApplied):
				already.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(1), applied.Load())
	assert.Equal(t, int64(99), already.Load())

	log, err := ledger.TransitionLog(context.Background(), tx.ID)
	require.NoError(t, err)
	releases := 0
	for _, entry := range log {
		if entry.Kind == escrow.KindReleaseFunds {
			releases++
		}
	}
	assert.Equal(t, 1, releases)
}

func TestEngine_RequestIdempotency(t *testing.T) {
	e, ledger := newTestEngine(t)
	ctx := context.Background()
	tx := toPaymentVerified(t, e)

	t.Run("resubmitting a non fund request returns current state", func(t *testing.T) {
		req := escrow.NewRequest(tx.ID, escrow.KindScheduleInspection, buyer, escrow.Payload{Location: "Berlin"})
		first, err := e.Submit(ctx, req)
		require.NoError(t, err)
		second, err := e.Submit(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, first.Version, second.Version)
	})

	t.Run("resubmitting a fund request is already applied", func(t *testing.T) {
		mustApply(t, e, tx.ID, escrow.KindCompleteInspection, buyer, escrow.Payload{InspectionResult: escrow.InspectionPassed})
		req := escrow.NewRequest(tx.ID, escrow.KindReleaseFunds, admin, escrow.Payload{})
		_, err := e.Submit(ctx, req)
		require.NoError(t, err)
		snapshot, err := e.Submit(ctx, req)
		require.ErrorIs(t, err, escrow.ErrAlreadyApplied)
		assert.Equal(t, escrow.StateFundsReleased, snapshot.State)
	})

	log, err := ledger.TransitionLog(ctx, tx.ID)
	require.NoError(t, err)
	seen := map[uuid.UUID]bool{}
	for _, entry := range log {
		assert.False(t, seen[entry.RequestID], "request %s logged twice", entry.RequestID)
		seen[entry.RequestID] = true
	}
}

func TestEngine_Rejections(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	tx, err := e.Create(ctx, buyer, testOrder())
	require.NoError(t, err)

	t.Run("unknown transaction", func(t *testing.T) {
		_, err := e.Apply(ctx, uuid.New(), escrow.KindCancel, admin, escrow.Payload{})
		assert.ErrorIs(t, err, escrow.ErrNotFound)
	})

	t.Run("stranger is unauthorized", func(t *testing.T) {
		stranger := escrow.Actor{ID: "buyer-2", Role: escrow.RoleBuyer}
		snapshot, err := e.Apply(ctx, tx.ID, escrow.KindCancel, stranger, escrow.Payload{})
		assert.ErrorIs(t, err, escrow.ErrUnauthorized)
		assert.Equal(t, escrow.StateCreated, snapshot.State)
	})

	t.Run("invalid create", func(t *testing.T) {
		order := testOrder()
		order.Amount = decimal.Zero
		_, err := e.Create(ctx, buyer, order)
		assert.ErrorIs(t, err, escrow.ErrInvalidTransition)
	})

	t.Run("duplicate create", func(t *testing.T) {
		order := testOrder()
		req := escrow.NewRequest(tx.ID, escrow.KindCreate, buyer, escrow.Payload{Order: &order})
		_, err := e.CreateWithRequest(ctx, req)
		assert.ErrorIs(t, err, escrow.ErrDuplicate)
	})
}

func TestEngine_PersistenceFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	ledger := mocks.NewMockLedger(ctrl)
	e := NewEngine(ledger, zerolog.Nop())

	clock := &stepClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	order := testOrder()
	create := escrow.NewRequest(uuid.New(), escrow.KindCreate, buyer, escrow.Payload{Order: &order})
	create.At = clock.Now()
	stored, err := escrow.NewTransaction(create)
	require.NoError(t, err)

	ledger.EXPECT().Get(gomock.Any(), stored.ID).Return(stored.Clone(), nil).AnyTimes()
	ledger.EXPECT().FindRequest(gomock.Any(), stored.ID, gomock.Any()).Return(nil, nil).AnyTimes()
	ledger.EXPECT().Commit(gomock.Any(), gomock.Any(), int64(1), gomock.Any()).
		DoAndReturn(func(_ context.Context, next *escrow.Transaction, _ int64, entries []*escrow.LogEntry) error {
			assert.Equal(t, escrow.StateContractGenerated, next.State)
			require.Len(t, entries, 1)
			return errors.New("connection reset")
		})

	snapshot, err := e.Apply(context.Background(), stored.ID, escrow.KindGenerateContract, seller, escrow.Payload{})
	require.ErrorIs(t, err, escrow.ErrPersistenceFailure)
	require.NotNil(t, snapshot)
	assert.Equal(t, escrow.StateCreated, snapshot.State, "state is unchanged after a failed commit")
	assert.Equal(t, int64(1), snapshot.Version)
}

func TestEngine_VersionConflictRetries(t *testing.T) {
	ctrl := gomock.NewController(t)
	ledger := mocks.NewMockLedger(ctrl)
	e := NewEngine(ledger, zerolog.Nop())

	order := testOrder()
	create := escrow.NewRequest(uuid.New(), escrow.KindCreate, buyer, escrow.Payload{Order: &order})
	create.At = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	stored, err := escrow.NewTransaction(create)
	require.NoError(t, err)

	ledger.EXPECT().Get(gomock.Any(), stored.ID).Return(stored.Clone(), nil).Times(2)
	ledger.EXPECT().FindRequest(gomock.Any(), stored.ID, gomock.Any()).Return(nil, nil).Times(2)
	gomock.InOrder(
		ledger.EXPECT().Commit(gomock.Any(), gomock.Any(), int64(1), gomock.Any()).Return(escrow.ErrVersionConflict),
		ledger.EXPECT().Commit(gomock.Any(), gomock.Any(), int64(1), gomock.Any()).Return(nil),
	)

	tx, err := e.Apply(context.Background(), stored.ID, escrow.KindGenerateContract, seller, escrow.Payload{})
	require.NoError(t, err)
	assert.Equal(t, escrow.StateContractGenerated, tx.State)
}

func TestEngine_Hooks(t *testing.T) {
	var mu sync.Mutex
	var seen []escrow.TransitionKind
	hook := HookFunc(func(ctx context.Context, tx *escrow.Transaction, entries []*escrow.LogEntry) {
		assert.NoError(t, ctx.Err())
		mu.Lock()
		defer mu.Unlock()
		for _, entry := range entries {
			seen = append(seen, entry.Kind)
		}
	})
	e, _ := newTestEngine(t, WithHooks(hook))
	ctx := context.Background()

	tx, err := e.Create(ctx, buyer, testOrder())
	require.NoError(t, err)
	mustApply(t, e, tx.ID, escrow.KindGenerateContract, seller, escrow.Payload{})
	mustApply(t, e, tx.ID, escrow.KindUploadSignedContract, buyer, escrow.Payload{DocumentRef: "signed.pdf"})

	// Rejected and no-op requests do not reach hooks.
	_, err = e.Apply(ctx, tx.ID, escrow.KindReleaseFunds, seller, escrow.Payload{})
	require.Error(t, err)
	mustApply(t, e, tx.ID, escrow.KindUploadSignedContract, buyer, escrow.Payload{DocumentRef: "signed.pdf"})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []escrow.TransitionKind{
		escrow.KindCreate,
		escrow.KindGenerateContract,
		escrow.KindUploadSignedContract,
		escrow.KindOpenPaymentWindow,
	}, seen)
}

func TestEngine_SignedLog(t *testing.T) {
	key := []byte("ledger-signing-key")
	e, ledger := newTestEngine(t, WithSigningKey(key))
	tx := toPaymentVerified(t, e)
	ctx := context.Background()

	log, err := ledger.TransitionLog(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, log, 5)
	require.NoError(t, escrow.VerifyChain(log, key))

	report, err := e.Replay(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, report.Matches)
	require.NotNil(t, report.SignaturesOK)
	assert.True(t, *report.SignaturesOK)

	assert.ErrorIs(t, escrow.VerifyChain(log, []byte("other")), escrow.ErrBadSignature)
}

func TestEngine_PaymentWindowOption(t *testing.T) {
	e, _ := newTestEngine(t, WithPaymentWindow(24*time.Hour))
	ctx := context.Background()
	tx, err := e.Create(ctx, buyer, testOrder())
	require.NoError(t, err)
	mustApply(t, e, tx.ID, escrow.KindGenerateContract, seller, escrow.Payload{})
	tx = mustApply(t, e, tx.ID, escrow.KindUploadSignedContract, buyer, escrow.Payload{DocumentRef: "signed.pdf"})
	require.NotNil(t, tx.PaymentDeadline)
	assert.Equal(t, 24*time.Hour, tx.PaymentDeadline.Sub(tx.StateEnteredAt))
}
