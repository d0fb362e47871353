package raftledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/escrow-hub/escrow-hub/internal/domain/escrow"
)

// Ledger implements escrow.Ledger on top of a Node.
type Ledger struct {
	node *Node
}

func NewLedger(node *Node) *Ledger {
	return &Ledger{node: node}
}

func (l *Ledger) propose(ctx context.Context, cmd command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return l.node.apply(ctx, data)
}

func (l *Ledger) Create(ctx context.Context, t *escrow.Transaction, entry *escrow.LogEntry) error {
	return l.propose(ctx, command{Op: opCreate, Transaction: t, Entries: []*escrow.LogEntry{entry}})
}

func (l *Ledger) Commit(ctx context.Context, t *escrow.Transaction, expectedVersion int64, entries []*escrow.LogEntry) error {
	return l.propose(ctx, command{Op: opCommit, Transaction: t, ExpectedVersion: expectedVersion, Entries: entries})
}

func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*escrow.Transaction, error) {
	return l.node.ledger.Get(ctx, id)
}

func (l *Ledger) List(ctx context.Context, filter escrow.Filter, limit, offset int) ([]*escrow.Transaction, error) {
	return l.node.ledger.List(ctx, filter, limit, offset)
}

func (l *Ledger) ListInStates(ctx context.Context, states []escrow.State, enteredBefore time.Time, limit int) ([]*escrow.Transaction, error) {
	return l.node.ledger.ListInStates(ctx, states, enteredBefore, limit)
}

func (l *Ledger) ListMissingDocuments(ctx context.Context, enteredBefore time.Time, limit int) ([]*escrow.Transaction, error) {
	return l.node.ledger.ListMissingDocuments(ctx, enteredBefore, limit)
}

func (l *Ledger) TransitionLog(ctx context.Context, id uuid.UUID) ([]*escrow.LogEntry, error) {
	return l.node.ledger.TransitionLog(ctx, id)
}

func (l *Ledger) FindRequest(ctx context.Context, id uuid.UUID, requestID uuid.UUID) (*escrow.LogEntry, error) {
	return l.node.ledger.FindRequest(ctx, id, requestID)
}

func (l *Ledger) Summarize(ctx context.Context, filter escrow.Filter) (*escrow.Summary, error) {
	return l.node.ledger.Summarize(ctx, filter)
}
