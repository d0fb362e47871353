package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/escrow-hub/escrow-hub/internal/domain/escrow"
)

// ReplayReport is the outcome of rebuilding a transaction from its log.
type ReplayReport struct {
	TransactionID uuid.UUID           `json:"transactionId"`
	Entries       int                 `json:"entries"`
	Matches       bool                `json:"matches"`
	SignaturesOK  *bool               `json:"signaturesOk,omitempty"`
	Stored        *escrow.Transaction `json:"stored"`
	Replayed      *escrow.Transaction `json:"replayed,omitempty"`
	Error         string              `json:"error,omitempty"`
}

// Replay rebuilds transaction id from its transition log and compares the
// result with the stored snapshot. When a signing key is configured the
// signature chain is verified as well.
func (e *Engine) Replay(ctx context.Context, id uuid.UUID) (*ReplayReport, error) {
	ctx, span := e.tracer.Start(ctx, "escrow.Replay")
	defer span.End()

	stored, err := e.ledger.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load transaction: %w", err)
	}
	if stored == nil {
		return nil, fmt.Errorf("%w: %s", escrow.ErrNotFound, id)
	}
	log, err := e.ledger.TransitionLog(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load transition log: %w", err)
	}

	report := &ReplayReport{TransactionID: id, Entries: len(log), Stored: stored}
	if len(e.signingKey) > 0 {
		ok := escrow.VerifyChain(log, e.signingKey) == nil
		report.SignaturesOK = &ok
	}
	replayed, err := escrow.Replay(log)
	if err != nil {
		report.Error = err.Error()
		return report, nil
	}
	report.Replayed = replayed
	report.Matches = escrow.SameState(stored, replayed)
	if !report.Matches {
		e.logger.Warn().Str("transaction_id", id.String()).Msg("replayed state differs from stored snapshot")
	}
	return report, nil
}
