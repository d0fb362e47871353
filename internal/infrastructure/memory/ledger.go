// Package memory holds process-local implementations of the escrow stores.
// They are used by tests, by the single-node development server and as the
// state machine behind the Raft-replicated ledger.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/escrow-hub/escrow-hub/internal/domain/escrow"
)

// Ledger implements escrow.Ledger in memory. Stored snapshots are copied on
// the way in and out.
type Ledger struct {
	mu       sync.RWMutex
	txs      map[uuid.UUID]*escrow.Transaction
	logs     map[uuid.UUID][]*escrow.LogEntry
	requests map[uuid.UUID]*escrow.LogEntry
}

func NewLedger() *Ledger {
	return &Ledger{
		txs:      make(map[uuid.UUID]*escrow.Transaction),
		logs:     make(map[uuid.UUID][]*escrow.LogEntry),
		requests: make(map[uuid.UUID]*escrow.LogEntry),
	}
}

func (l *Ledger) Create(ctx context.Context, t *escrow.Transaction, entry *escrow.LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.txs[t.ID]; ok {
		return escrow.ErrDuplicate
	}
	if _, ok := l.requests[entry.RequestID]; ok {
		return escrow.ErrDuplicate
	}
	if entry.Seq != 1 || t.Version != 1 {
		return fmt.Errorf("create entry must have seq 1, got %d", entry.Seq)
	}
	e := copyEntry(entry)
	l.txs[t.ID] = t.Clone()
	l.logs[t.ID] = []*escrow.LogEntry{e}
	l.requests[e.RequestID] = e
	return nil
}

func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*escrow.Transaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.txs[id]
	if !ok {
		return nil, nil
	}
	return t.Clone(), nil
}

func (l *Ledger) Commit(ctx context.Context, t *escrow.Transaction, expectedVersion int64, entries []*escrow.LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	stored, ok := l.txs[t.ID]
	if !ok {
		return escrow.ErrNotFound
	}
	if stored.Version != expectedVersion {
		return fmt.Errorf("%w: stored %d, expected %d", escrow.ErrVersionConflict, stored.Version, expectedVersion)
	}
	for i, e := range entries {
		if e.Seq != expectedVersion+int64(i)+1 {
			return fmt.Errorf("%w: entry seq %d out of order", escrow.ErrVersionConflict, e.Seq)
		}
		if _, dup := l.requests[e.RequestID]; dup {
			return fmt.Errorf("%w: request %s", escrow.ErrDuplicate, e.RequestID)
		}
	}
	if stored.Release != nil && (t.Release == nil || t.Release.ID != stored.Release.ID) {
		return fmt.Errorf("%w: release record already exists", escrow.ErrDuplicate)
	}
	if stored.Refund != nil && (t.Refund == nil || t.Refund.ID != stored.Refund.ID) {
		return fmt.Errorf("%w: refund record already exists", escrow.ErrDuplicate)
	}
	for _, e := range entries {
		c := copyEntry(e)
		l.logs[t.ID] = append(l.logs[t.ID], c)
		l.requests[c.RequestID] = c
	}
	l.txs[t.ID] = t.Clone()
	return nil
}

func (l *Ledger) List(ctx context.Context, filter escrow.Filter, limit, offset int) ([]*escrow.Transaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var matched []*escrow.Transaction
	for _, t := range l.txs {
		if filter.Matches(t) {
			matched = append(matched, t)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID.String() < matched[j].ID.String()
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return page(matched, limit, offset), nil
}

func (l *Ledger) ListInStates(ctx context.Context, states []escrow.State, enteredBefore time.Time, limit int) ([]*escrow.Transaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	want := make(map[escrow.State]bool, len(states))
	for _, s := range states {
		want[s] = true
	}
	var matched []*escrow.Transaction
	for _, t := range l.txs {
		if want[t.State] && !t.StateEnteredAt.After(enteredBefore) {
			matched = append(matched, t)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].StateEnteredAt.Before(matched[j].StateEnteredAt)
	})
	return page(matched, limit, 0), nil
}

func (l *Ledger) ListMissingDocuments(ctx context.Context, enteredBefore time.Time, limit int) ([]*escrow.Transaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var matched []*escrow.Transaction
	for _, t := range l.txs {
		if _, missing := t.MissingDocument(); missing && !t.StateEnteredAt.After(enteredBefore) {
			matched = append(matched, t)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].StateEnteredAt.Before(matched[j].StateEnteredAt)
	})
	return page(matched, limit, 0), nil
}

func (l *Ledger) TransitionLog(ctx context.Context, id uuid.UUID) ([]*escrow.LogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entries := l.logs[id]
	out := make([]*escrow.LogEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, copyEntry(e))
	}
	return out, nil
}

func (l *Ledger) FindRequest(ctx context.Context, id uuid.UUID, requestID uuid.UUID) (*escrow.LogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.requests[requestID]
	if !ok || e.TransactionID != id {
		return nil, nil
	}
	return copyEntry(e), nil
}

func (l *Ledger) Summarize(ctx context.Context, filter escrow.Filter) (*escrow.Summary, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sum := escrow.NewSummary()
	for _, t := range l.txs {
		if filter.Matches(t) {
			sum.Add(t)
		}
	}
	return sum, nil
}

func page(in []*escrow.Transaction, limit, offset int) []*escrow.Transaction {
	if offset >= len(in) {
		return []*escrow.Transaction{}
	}
	in = in[offset:]
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	out := make([]*escrow.Transaction, 0, len(in))
	for _, t := range in {
		out = append(out, t.Clone())
	}
	return out
}

func copyEntry(e *escrow.LogEntry) *escrow.LogEntry {
	c := *e
	if e.Signature != nil {
		c.Signature = append([]byte(nil), e.Signature...)
	}
	return &c
}

// Image is a serializable copy of the ledger contents.
type Image struct {
	Transactions []*escrow.Transaction `json:"transactions"`
	Log          []*escrow.LogEntry    `json:"log"`
}

// Export copies the whole ledger.
func (l *Ledger) Export() Image {
	l.mu.RLock()
	defer l.mu.RUnlock()
	img := Image{}
	for id, t := range l.txs {
		img.Transactions = append(img.Transactions, t.Clone())
		for _, e := range l.logs[id] {
			img.Log = append(img.Log, copyEntry(e))
		}
	}
	return img
}

// Import replaces the ledger contents with img.
func (l *Ledger) Import(img Image) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.txs = make(map[uuid.UUID]*escrow.Transaction, len(img.Transactions))
	l.logs = make(map[uuid.UUID][]*escrow.LogEntry, len(img.Transactions))
	l.requests = make(map[uuid.UUID]*escrow.LogEntry, len(img.Log))
	for _, t := range img.Transactions {
		l.txs[t.ID] = t.Clone()
	}
	for _, e := range img.Log {
		c := copyEntry(e)
		l.logs[c.TransactionID] = append(l.logs[c.TransactionID], c)
		l.requests[c.RequestID] = c
	}
	for id := range l.logs {
		entries := l.logs[id]
		sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	}
}
