package escrow

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Filter narrows transaction listings.
type Filter struct {
	State       *State
	BuyerID     *string
	SellerID    *string
	DealerID    *string
	Participant *string
}

// Matches reports whether t satisfies the filter.
func (f Filter) Matches(t *Transaction) bool {
	if f.State != nil && t.State != *f.State {
		return false
	}
	if f.BuyerID != nil && t.BuyerID != *f.BuyerID {
		return false
	}
	if f.SellerID != nil && t.SellerID != *f.SellerID {
		return false
	}
	if f.DealerID != nil && t.DealerID != *f.DealerID {
		return false
	}
	if f.Participant != nil {
		p := *f.Participant
		if t.BuyerID != p && t.SellerID != p && t.DealerID != p {
			return false
		}
	}
	return true
}

// Summary aggregates the transactions matched by a filter.
type Summary struct {
	ByState map[State]int64
	// CompletedValue sums completed amounts per currency.
	CompletedValue map[string]decimal.Decimal
}

func NewSummary() *Summary {
	return &Summary{ByState: make(map[State]int64), CompletedValue: make(map[string]decimal.Decimal)}
}

// Add counts one transaction.
func (s *Summary) Add(t *Transaction) {
	s.ByState[t.State]++
	if t.State == StateCompleted {
		s.CompletedValue[t.Currency] = s.CompletedValue[t.Currency].Add(t.Amount)
	}
}

// Ledger is the durable store of transactions and their transition log.
// Get and FindRequest return nil, nil when nothing matches.
type Ledger interface {
	// Create stores a new transaction with its create entry. Returns
	// ErrDuplicate when the id already exists.
	Create(ctx context.Context, t *Transaction, entry *LogEntry) error
	Get(ctx context.Context, id uuid.UUID) (*Transaction, error)
	// Commit replaces the stored snapshot and appends entries as one unit,
	// provided the stored version still equals expectedVersion. Returns
	// ErrVersionConflict otherwise.
	Commit(ctx context.Context, t *Transaction, expectedVersion int64, entries []*LogEntry) error
	List(ctx context.Context, filter Filter, limit, offset int) ([]*Transaction, error)
	// ListInStates returns transactions in any of states that entered their
	// current state at or before enteredBefore, oldest first.
	ListInStates(ctx context.Context, states []State, enteredBefore time.Time, limit int) ([]*Transaction, error)
	// ListMissingDocuments returns transactions whose current state needs a
	// contract or invoice reference they do not have yet, entered at or
	// before enteredBefore, oldest first.
	ListMissingDocuments(ctx context.Context, enteredBefore time.Time, limit int) ([]*Transaction, error)
	TransitionLog(ctx context.Context, id uuid.UUID) ([]*LogEntry, error)
	FindRequest(ctx context.Context, id uuid.UUID, requestID uuid.UUID) (*LogEntry, error)
	Summarize(ctx context.Context, filter Filter) (*Summary, error)
}
