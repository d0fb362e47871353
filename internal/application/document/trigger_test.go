package document

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/escrow-hub/escrow-hub/internal/application/engine"
	"github.com/escrow-hub/escrow-hub/internal/domain/escrow"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/memory"
)

var (
	buyer  = escrow.Actor{ID: "buyer-1", Role: escrow.RoleBuyer}
	seller = escrow.Actor{ID: "seller-1", Role: escrow.RoleSeller}
)

type fakeDocs struct {
	mu        sync.Mutex
	failUntil int
	calls     int
	permanent bool
}

func (f *fakeDocs) result(kind string, id uuid.UUID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failUntil {
		err := errors.New("document service timeout")
		if f.permanent {
			return "", backoff.Permanent(err)
		}
		return "", err
	}
	return kind + "/" + id.String() + ".pdf", nil
}

func (f *fakeDocs) GenerateContract(_ context.Context, id uuid.UUID) (string, error) {
	return f.result("contract", id)
}

func (f *fakeDocs) GenerateInvoice(_ context.Context, id uuid.UUID) (string, error) {
	return f.result("invoice", id)
}

func setup(t *testing.T, docs Documents) (*engine.Engine, *memory.Ledger, *Trigger) {
	t.Helper()
	ledger := memory.NewLedger()
	e := engine.NewEngine(ledger, zerolog.Nop())
	trigger := NewTrigger(docs, e, ledger, zerolog.Nop())
	trigger.SetRetryWindow(2 * time.Second)
	e.AddHook(trigger)
	return e, ledger, trigger
}

func createTx(t *testing.T, e *engine.Engine) *escrow.Transaction {
	t.Helper()
	tx, err := e.Create(context.Background(), buyer, escrow.NewOrder{
		BuyerID: buyer.ID, SellerID: seller.ID, VehicleID: "v-1", Amount: decimal.NewFromInt(15000),
	})
	require.NoError(t, err)
	return tx
}

func TestTrigger_RecordsContractAndInvoice(t *testing.T) {
	docs := &fakeDocs{failUntil: 1}
	e, ledger, trigger := setup(t, docs)
	ctx := context.Background()
	tx := createTx(t, e)

	_, err := e.Apply(ctx, tx.ID, escrow.KindGenerateContract, seller, escrow.Payload{})
	require.NoError(t, err)
	trigger.Wait()

	stored, err := ledger.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, "contract/"+tx.ID.String()+".pdf", stored.ContractRef)
	assert.Equal(t, escrow.StateContractGenerated, stored.State)

	_, err = e.Apply(ctx, tx.ID, escrow.KindUploadSignedContract, buyer, escrow.Payload{DocumentRef: "signed.pdf"})
	require.NoError(t, err)
	_, err = e.Apply(ctx, tx.ID, escrow.KindConfirmPayment, seller, escrow.Payload{BankReference: "AS24-1"})
	require.NoError(t, err)
	trigger.Wait()

	stored, err = ledger.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, "invoice/"+tx.ID.String()+".pdf", stored.InvoiceRef)

	log, err := ledger.TransitionLog(ctx, tx.ID)
	require.NoError(t, err)
	documents := 0
	for _, entry := range log {
		if entry.Kind == escrow.KindRecordDocument {
			documents++
			assert.Equal(t, escrow.RoleSystem, entry.Actor.Role)
			assert.Equal(t, entry.FromState, entry.ToState)
		}
	}
	assert.Equal(t, 2, documents)
}

func TestTrigger_ReconcileAfterFailure(t *testing.T) {
	docs := &fakeDocs{failUntil: 1, permanent: true}
	e, ledger, trigger := setup(t, docs)
	ctx := context.Background()
	tx := createTx(t, e)

	_, err := e.Apply(ctx, tx.ID, escrow.KindGenerateContract, seller, escrow.Payload{})
	require.NoError(t, err)
	trigger.Wait()

	stored, err := ledger.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.ContractRef, "transaction untouched by failed generation")
	assert.Equal(t, escrow.StateContractGenerated, stored.State)

	recorded, err := trigger.Reconcile(ctx, time.Now().UTC().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, recorded)

	recorded, err = trigger.Reconcile(ctx, time.Now().UTC().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Zero(t, recorded)

	stored, err = ledger.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ContractRef)
}

func TestTrigger_ReconcileSkipsDocumentedTransactions(t *testing.T) {
	docs := &fakeDocs{}
	e, ledger, trigger := setup(t, docs)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		tx := createTx(t, e)
		_, err := e.Apply(ctx, tx.ID, escrow.KindGenerateContract, seller, escrow.Payload{})
		require.NoError(t, err)
	}
	trigger.Wait()

	// Committed without the hook, so nothing generates its contract.
	plain := engine.NewEngine(ledger, zerolog.Nop())
	late := createTx(t, plain)
	_, err := plain.Apply(ctx, late.ID, escrow.KindGenerateContract, seller, escrow.Payload{})
	require.NoError(t, err)

	recorded, err := trigger.Reconcile(ctx, time.Now().UTC().Add(time.Hour), 3)
	require.NoError(t, err)
	assert.Equal(t, 1, recorded)

	stored, err := ledger.Get(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, "contract/"+late.ID.String()+".pdf", stored.ContractRef)
}

func TestTrigger_GenerateIsIdempotent(t *testing.T) {
	docs := &fakeDocs{}
	e, ledger, _ := setup(t, docs)
	trigger := NewTrigger(docs, e, ledger, zerolog.Nop())
	ctx := context.Background()
	tx := createTx(t, e)

	require.NoError(t, trigger.Generate(ctx, tx.ID, escrow.DocumentInvoice))
	require.NoError(t, trigger.Generate(ctx, tx.ID, escrow.DocumentInvoice))

	log, err := ledger.TransitionLog(ctx, tx.ID)
	require.NoError(t, err)
	assert.Len(t, log, 2)
}

func TestRequestID(t *testing.T) {
	id := uuid.New()
	a := RequestID(id, escrow.DocumentContract, "a.pdf")
	assert.Equal(t, a, RequestID(id, escrow.DocumentContract, "a.pdf"))
	assert.NotEqual(t, a, RequestID(id, escrow.DocumentInvoice, "a.pdf"))
}
