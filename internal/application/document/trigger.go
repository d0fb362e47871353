// Package document requests contracts and invoices from the document
// collaborator once a transaction reaches the state that needs them, and
// records the returned references through the engine.
package document

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/escrow-hub/escrow-hub/internal/domain/escrow"
)

// Documents is the document collaborator.
type Documents interface {
	GenerateContract(ctx context.Context, transactionID uuid.UUID) (string, error)
	GenerateInvoice(ctx context.Context, transactionID uuid.UUID) (string, error)
}

// Submitter applies a transition request; implemented by the engine.
type Submitter interface {
	Submit(ctx context.Context, req escrow.TransitionRequest) (*escrow.Transaction, error)
}

// Trigger implements engine.Hook. Generation runs in the background so the
// committing request never waits on the collaborator.
type Trigger struct {
	docs       Documents
	submitter  Submitter
	ledger     escrow.Ledger
	maxElapsed time.Duration
	wg         sync.WaitGroup
	logger     zerolog.Logger
}

func NewTrigger(docs Documents, submitter Submitter, ledger escrow.Ledger, logger zerolog.Logger) *Trigger {
	return &Trigger{
		docs:       docs,
		submitter:  submitter,
		ledger:     ledger,
		maxElapsed: 30 * time.Second,
		logger:     logger.With().Str("service", "document").Logger(),
	}
}

// SetRetryWindow bounds how long one generation is retried.
func (t *Trigger) SetRetryWindow(d time.Duration) {
	t.maxElapsed = d
}

// Wait blocks until background generations finish.
func (t *Trigger) Wait() {
	t.wg.Wait()
}

// AfterCommit starts generation for entries that entered
// contract_generated or payment_verified.
func (t *Trigger) AfterCommit(ctx context.Context, tx *escrow.Transaction, entries []*escrow.LogEntry) {
	for _, e := range entries {
		var kind escrow.DocumentKind
		switch e.Kind {
		case escrow.KindGenerateContract:
			if tx.ContractRef != "" {
				continue
			}
			kind = escrow.DocumentContract
		case escrow.KindConfirmPayment:
			if tx.InvoiceRef != "" {
				continue
			}
			kind = escrow.DocumentInvoice
		default:
			continue
		}
		t.wg.Add(1)
		go func(id uuid.UUID, kind escrow.DocumentKind) {
			defer t.wg.Done()
			if err := t.Generate(ctx, id, kind); err != nil {
				t.logger.Warn().Err(err).
					Str("transaction_id", id.String()).
					Str("document", string(kind)).
					Msg("document generation failed, left for reconcile")
			}
		}(tx.ID, kind)
	}
}

// Generate fetches one document and records its reference.
func (t *Trigger) Generate(ctx context.Context, transactionID uuid.UUID, kind escrow.DocumentKind) error {
	call := t.docs.GenerateContract
	if kind == escrow.DocumentInvoice {
		call = t.docs.GenerateInvoice
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = t.maxElapsed
	ref, err := backoff.RetryWithData(func() (string, error) {
		return call(ctx, transactionID)
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return fmt.Errorf("generate %s: %w", kind, err)
	}

	req := escrow.TransitionRequest{
		RequestID:     RequestID(transactionID, kind, ref),
		TransactionID: transactionID,
		Kind:          escrow.KindRecordDocument,
		Actor:         escrow.SystemActor("documents"),
		Payload:       escrow.Payload{DocumentKind: kind, DocumentRef: ref},
	}
	if _, err := t.submitter.Submit(ctx, req); err != nil {
		return fmt.Errorf("record %s: %w", kind, err)
	}
	t.logger.Info().
		Str("transaction_id", transactionID.String()).
		Str("document", string(kind)).
		Str("ref", ref).
		Msg("document recorded")
	return nil
}

// RequestID derives the record_document request id so retries of the same
// reference collapse into one log entry.
func RequestID(transactionID uuid.UUID, kind escrow.DocumentKind, ref string) uuid.UUID {
	return uuid.NewSHA1(transactionID, []byte("record_document:"+string(kind)+":"+ref))
}

// Reconcile generates documents that are still missing for transactions
// that entered their state before now. Returns how many were recorded.
func (t *Trigger) Reconcile(ctx context.Context, now time.Time, limit int) (int, error) {
	txs, err := t.ledger.ListMissingDocuments(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("list transactions: %w", err)
	}
	recorded := 0
	for _, tx := range txs {
		kind, missing := tx.MissingDocument()
		if !missing {
			continue
		}
		if err := t.Generate(ctx, tx.ID, kind); err != nil {
			t.logger.Warn().Err(err).
				Str("transaction_id", tx.ID.String()).
				Str("document", string(kind)).
				Msg("reconcile failed")
			continue
		}
		recorded++
	}
	return recorded, nil
}

// Run reconciles every interval until ctx is done.
func (t *Trigger) Run(ctx context.Context, interval time.Duration, limit int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			// Skip transactions that just changed state; the hook owns those.
			if _, err := t.Reconcile(ctx, now.UTC().Add(-interval), limit); err != nil && ctx.Err() == nil {
				t.logger.Error().Err(err).Msg("document reconcile failed")
			}
		}
	}
}
