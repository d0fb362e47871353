package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/escrow-hub/escrow-hub/internal/domain/escrow"
)

// LedgerRepository implements escrow.Ledger. The full aggregate is stored as
// a JSONB snapshot next to the columns used for filtering; the transition
// log and the release/refund records live in their own tables so the
// database enforces their uniqueness.
type LedgerRepository struct {
	pool *pgxpool.Pool
}

func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

const logColumns = `transaction_id, seq, request_id, kind, actor_id, actor_role, payload, from_state, to_state, applied_at, signature`

func (r *LedgerRepository) Create(ctx context.Context, t *escrow.Transaction, entry *escrow.LogEntry) error {
	snapshot, err := json.Marshal(t)
	if err != nil {
		return err
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO escrow_transactions
		(id, reference, buyer_id, seller_id, dealer_id, vehicle_id, amount, currency, state, state_entered_at, payment_deadline, version, snapshot, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, t.ID, t.Reference, t.BuyerID, t.SellerID, t.DealerID, t.VehicleID, t.Amount, t.Currency, t.State, t.StateEnteredAt, t.PaymentDeadline, t.Version, snapshot, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return escrow.ErrDuplicate
		}
		return err
	}
	if err := insertEntries(ctx, tx, []*escrow.LogEntry{entry}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *LedgerRepository) Get(ctx context.Context, id uuid.UUID) (*escrow.Transaction, error) {
	row := r.pool.QueryRow(ctx, `SELECT snapshot FROM escrow_transactions WHERE id=$1`, id)
	return scanSnapshot(row)
}

func (r *LedgerRepository) Commit(ctx context.Context, t *escrow.Transaction, expectedVersion int64, entries []*escrow.LogEntry) error {
	snapshot, err := json.Marshal(t)
	if err != nil {
		return err
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	res, err := tx.Exec(ctx, `
		UPDATE escrow_transactions
		SET state=$1, state_entered_at=$2, payment_deadline=$3, version=$4, snapshot=$5, updated_at=$6
		WHERE id=$7 AND version=$8
	`, t.State, t.StateEnteredAt, t.PaymentDeadline, t.Version, snapshot, t.UpdatedAt, t.ID, expectedVersion)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		var stored int64
		err := tx.QueryRow(ctx, `SELECT version FROM escrow_transactions WHERE id=$1`, t.ID).Scan(&stored)
		if errors.Is(err, pgx.ErrNoRows) {
			return escrow.ErrNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: stored %d, expected %d", escrow.ErrVersionConflict, stored, expectedVersion)
	}

	if err := insertEntries(ctx, tx, entries); err != nil {
		return err
	}
	for _, e := range entries {
		if t.Release != nil && t.Release.ID == e.RequestID {
			if err := insertRelease(ctx, tx, t.ID, t.Release); err != nil {
				return err
			}
		}
		if t.Refund != nil && t.Refund.ID == e.RequestID {
			if err := insertRefund(ctx, tx, t.ID, t.Refund); err != nil {
				return err
			}
		}
	}
	return tx.Commit(ctx)
}

func insertEntries(ctx context.Context, tx pgx.Tx, entries []*escrow.LogEntry) error {
	for _, e := range entries {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO escrow_transition_log (`+logColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, e.TransactionID, e.Seq, e.RequestID, e.Kind, e.Actor.ID, e.Actor.Role, payload, e.FromState, e.ToState, e.AppliedAt, e.Signature)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: log entry %d", escrow.ErrDuplicate, e.Seq)
			}
			return err
		}
	}
	return nil
}

func insertRelease(ctx context.Context, tx pgx.Tx, id uuid.UUID, rel *escrow.ReleaseRecord) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO escrow_releases
		(transaction_id, release_id, amount, seller_net, service_fee, dealer_commission, released_by, released_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, id, rel.ID, rel.Amount, rel.SellerNet, rel.ServiceFee, rel.DealerCommission, rel.ReleasedBy.String(), rel.ReleasedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: release record already exists", escrow.ErrDuplicate)
	}
	return err
}

func insertRefund(ctx context.Context, tx pgx.Tx, id uuid.UUID, ref *escrow.RefundRecord) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO escrow_refunds
		(transaction_id, refund_id, amount, partial, refunded_by, refunded_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, id, ref.ID, ref.Amount, ref.Partial, ref.RefundedBy.String(), ref.RefundedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: refund record already exists", escrow.ErrDuplicate)
	}
	return err
}

// filterClause renders filter as a WHERE clause starting at placeholder idx.
func filterClause(filter escrow.Filter, idx int) (string, []interface{}, int) {
	clause := ""
	args := []interface{}{}
	if filter.State != nil {
		clause += addWhere(clause) + " state=$" + itoa(idx)
		args = append(args, *filter.State)
		idx++
	}
	if filter.BuyerID != nil {
		clause += addWhere(clause) + " buyer_id=$" + itoa(idx)
		args = append(args, *filter.BuyerID)
		idx++
	}
	if filter.SellerID != nil {
		clause += addWhere(clause) + " seller_id=$" + itoa(idx)
		args = append(args, *filter.SellerID)
		idx++
	}
	if filter.DealerID != nil {
		clause += addWhere(clause) + " dealer_id=$" + itoa(idx)
		args = append(args, *filter.DealerID)
		idx++
	}
	if filter.Participant != nil {
		p := "$" + itoa(idx)
		clause += addWhere(clause) + " (buyer_id=" + p + " OR seller_id=" + p + " OR dealer_id=" + p + ")"
		args = append(args, *filter.Participant)
		idx++
	}
	return clause, args, idx
}

func (r *LedgerRepository) List(ctx context.Context, filter escrow.Filter, limit, offset int) ([]*escrow.Transaction, error) {
	where, args, idx := filterClause(filter, 1)
	query := `SELECT snapshot FROM escrow_transactions` + where +
		" ORDER BY created_at DESC LIMIT $" + itoa(idx) + " OFFSET $" + itoa(idx+1)
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectSnapshots(rows)
}

func (r *LedgerRepository) ListInStates(ctx context.Context, states []escrow.State, enteredBefore time.Time, limit int) ([]*escrow.Transaction, error) {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	rows, err := r.pool.Query(ctx, `
		SELECT snapshot FROM escrow_transactions
		WHERE state = ANY($1) AND state_entered_at <= $2
		ORDER BY state_entered_at ASC LIMIT $3
	`, names, enteredBefore, limit)
	if err != nil {
		return nil, err
	}
	return collectSnapshots(rows)
}

func (r *LedgerRepository) ListMissingDocuments(ctx context.Context, enteredBefore time.Time, limit int) ([]*escrow.Transaction, error) {
	invoiceStates := make([]string, len(escrow.InvoiceStates))
	for i, s := range escrow.InvoiceStates {
		invoiceStates[i] = string(s)
	}
	rows, err := r.pool.Query(ctx, `
		SELECT snapshot FROM escrow_transactions
		WHERE state_entered_at <= $3 AND (
			(state = $1 AND COALESCE(snapshot->>'contractRef', '') = '')
			OR (state = ANY($2) AND COALESCE(snapshot->>'invoiceRef', '') = '')
		)
		ORDER BY state_entered_at ASC LIMIT $4
	`, string(escrow.StateContractGenerated), invoiceStates, enteredBefore, limit)
	if err != nil {
		return nil, err
	}
	return collectSnapshots(rows)
}

func (r *LedgerRepository) TransitionLog(ctx context.Context, id uuid.UUID) ([]*escrow.LogEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+logColumns+` FROM escrow_transition_log WHERE transaction_id=$1 ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*escrow.LogEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *LedgerRepository) FindRequest(ctx context.Context, id uuid.UUID, requestID uuid.UUID) (*escrow.LogEntry, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+logColumns+` FROM escrow_transition_log WHERE transaction_id=$1 AND request_id=$2
	`, id, requestID)
	return scanEntry(row)
}

func (r *LedgerRepository) Summarize(ctx context.Context, filter escrow.Filter) (*escrow.Summary, error) {
	where, args, _ := filterClause(filter, 1)
	rows, err := r.pool.Query(ctx, `
		SELECT state, currency, COUNT(*), COALESCE(SUM(amount), 0)::text
		FROM escrow_transactions`+where+`
		GROUP BY state, currency
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	sum := escrow.NewSummary()
	for rows.Next() {
		var state, currency, total string
		var n int64
		if err := rows.Scan(&state, &currency, &n, &total); err != nil {
			return nil, err
		}
		sum.ByState[escrow.State(state)] += n
		if escrow.State(state) != escrow.StateCompleted {
			continue
		}
		value, err := decimal.NewFromString(total)
		if err != nil {
			return nil, fmt.Errorf("parse completed value: %w", err)
		}
		sum.CompletedValue[currency] = sum.CompletedValue[currency].Add(value)
	}
	return sum, rows.Err()
}

func scanSnapshot(row pgx.Row) (*escrow.Transaction, error) {
	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var t escrow.Transaction
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &t, nil
}

func collectSnapshots(rows pgx.Rows) ([]*escrow.Transaction, error) {
	defer rows.Close()
	var out []*escrow.Transaction
	for rows.Next() {
		t, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanEntry(row pgx.Row) (*escrow.LogEntry, error) {
	var e escrow.LogEntry
	var payload []byte
	var kind, role, from, to string
	if err := row.Scan(&e.TransactionID, &e.Seq, &e.RequestID, &kind, &e.Actor.ID, &role, &payload, &from, &to, &e.AppliedAt, &e.Signature); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	e.Kind = escrow.TransitionKind(kind)
	e.Actor.Role = escrow.Role(role)
	e.FromState = escrow.State(from)
	e.ToState = escrow.State(to)
	e.AppliedAt = e.AppliedAt.UTC()
	if err := json.Unmarshal(payload, &e.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of seq %d: %w", e.Seq, err)
	}
	return &e, nil
}
