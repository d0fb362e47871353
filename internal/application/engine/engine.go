// Package engine applies transition requests to escrow transactions: it
// serializes requests per transaction, validates them against the
// authoritative stored state, commits the new state together with the
// transition log and runs post-commit hooks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/escrow-hub/escrow-hub/internal/domain/escrow"
)

const instrumentationName = "github.com/escrow-hub/escrow-hub/internal/application/engine"

// DefaultPaymentWindow is the time a buyer has to transfer funds once the
// signed contract is in.
const DefaultPaymentWindow = 72 * time.Hour

const defaultConflictRetries = 3

// Hook observes committed transitions. Hooks run after the lock is released
// and must not fail the request; they log their own errors.
type Hook interface {
	AfterCommit(ctx context.Context, t *escrow.Transaction, entries []*escrow.LogEntry)
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context, t *escrow.Transaction, entries []*escrow.LogEntry)

func (f HookFunc) AfterCommit(ctx context.Context, t *escrow.Transaction, entries []*escrow.LogEntry) {
	f(ctx, t, entries)
}

// Engine is the only writer of escrow transactions.
type Engine struct {
	ledger          escrow.Ledger
	locker          Locker
	hooks           []Hook
	clock           func() time.Time
	signingKey      []byte
	paymentWindow   time.Duration
	conflictRetries int
	logger          zerolog.Logger
	tracer          trace.Tracer
	transitions     metric.Int64Counter
}

// Option configures an Engine.
type Option func(*Engine)

// WithLocker replaces the in-process keyed mutex, e.g. with a distributed lock.
func WithLocker(l Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithClock sets the time source used to stamp requests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithSigningKey enables the HMAC chain over the transition log.
func WithSigningKey(key []byte) Option {
	return func(e *Engine) { e.signingKey = key }
}

// WithPaymentWindow sets the deadline applied when the payment window opens.
func WithPaymentWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.paymentWindow = d
		}
	}
}

// WithHooks registers post-commit hooks.
func WithHooks(hooks ...Hook) Option {
	return func(e *Engine) { e.hooks = append(e.hooks, hooks...) }
}

// NewEngine creates an engine over ledger.
func NewEngine(ledger escrow.Ledger, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		ledger:          ledger,
		locker:          NewKeyedMutex(),
		clock:           defaultClock,
		paymentWindow:   DefaultPaymentWindow,
		conflictRetries: defaultConflictRetries,
		logger:          logger.With().Str("service", "engine").Logger(),
		tracer:          otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(e)
	}
	counter, err := otel.Meter(instrumentationName).Int64Counter(
		"escrow.transitions",
		metric.WithDescription("Transition requests by kind and result"),
	)
	if err != nil {
		e.logger.Warn().Err(err).Msg("transition counter unavailable")
	}
	e.transitions = counter
	return e
}

// AddHook registers a hook after construction. Not safe for use while
// requests are in flight.
func (e *Engine) AddHook(h Hook) {
	e.hooks = append(e.hooks, h)
}

// Now returns the engine clock reading.
func (e *Engine) Now() time.Time {
	return e.clock()
}

// PaymentWindow returns the configured payment window.
func (e *Engine) PaymentWindow() time.Duration {
	return e.paymentWindow
}

func defaultClock() time.Time {
	// Stored timestamps have microsecond precision.
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Create opens a new transaction in state created.
func (e *Engine) Create(ctx context.Context, actor escrow.Actor, order escrow.NewOrder) (*escrow.Transaction, error) {
	req := escrow.NewRequest(uuid.New(), escrow.KindCreate, actor, escrow.Payload{Order: &order})
	return e.CreateWithRequest(ctx, req)
}

// CreateWithRequest opens a transaction from a fully specified create request.
func (e *Engine) CreateWithRequest(ctx context.Context, req escrow.TransitionRequest) (*escrow.Transaction, error) {
	ctx, span := e.tracer.Start(ctx, "escrow.Create", trace.WithAttributes(
		attribute.String("escrow.transaction_id", req.TransactionID.String()),
	))
	defer span.End()

	if req.RequestID == uuid.Nil {
		req.RequestID = uuid.New()
	}
	if req.At.IsZero() {
		req.At = e.clock()
	}
	t, err := escrow.NewTransaction(req)
	if err != nil {
		e.record(ctx, req.Kind, err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	entry := escrow.CreateEntry(t, req)
	if err := e.sign([]*escrow.LogEntry{entry}, nil); err != nil {
		return nil, e.persistenceError(req, nil, err)
	}
	if err := e.ledger.Create(ctx, t, entry); err != nil {
		if errors.Is(err, escrow.ErrDuplicate) {
			return nil, fmt.Errorf("create transaction %s: %w", t.ID, err)
		}
		span.RecordError(err)
		return nil, e.persistenceError(req, nil, err)
	}

	e.record(ctx, req.Kind, nil)
	e.logger.Info().
		Str("transaction_id", t.ID.String()).
		Str("reference", t.Reference).
		Str("actor", req.Actor.String()).
		Msg("transaction created")

	e.runHooks(ctx, t, []*escrow.LogEntry{entry})
	return t.Clone(), nil
}

// Apply builds a request with a fresh id and submits it.
func (e *Engine) Apply(ctx context.Context, transactionID uuid.UUID, kind escrow.TransitionKind, actor escrow.Actor, payload escrow.Payload) (*escrow.Transaction, error) {
	return e.Submit(ctx, escrow.NewRequest(transactionID, kind, actor, payload))
}

// Submit applies req and returns the resulting snapshot. A rejected request
// returns the current authoritative snapshot together with the error; the
// error is a *escrow.TransitionError carrying the same snapshot.
func (e *Engine) Submit(ctx context.Context, req escrow.TransitionRequest) (*escrow.Transaction, error) {
	if req.Kind == escrow.KindCreate {
		return e.CreateWithRequest(ctx, req)
	}
	ctx, span := e.tracer.Start(ctx, "escrow.Apply", trace.WithAttributes(
		attribute.String("escrow.transaction_id", req.TransactionID.String()),
		attribute.String("escrow.kind", string(req.Kind)),
		attribute.String("escrow.actor_role", string(req.Actor.Role)),
	))
	defer span.End()

	if req.RequestID == uuid.Nil {
		req.RequestID = uuid.New()
	}
	if req.At.IsZero() {
		req.At = e.clock()
	}

	snapshot, entries, err := e.applyLocked(ctx, req)
	e.record(ctx, req.Kind, err)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		e.logRejection(req, err)
		return snapshot, err
	}
	if len(entries) == 0 {
		return snapshot, nil
	}
	span.SetAttributes(attribute.String("escrow.state", string(snapshot.State)))
	for _, entry := range entries {
		e.logger.Info().
			Str("transaction_id", entry.TransactionID.String()).
			Int64("seq", entry.Seq).
			Str("kind", string(entry.Kind)).
			Str("from", string(entry.FromState)).
			Str("to", string(entry.ToState)).
			Str("actor", entry.Actor.String()).
			Msg("transition applied")
	}
	e.runHooks(ctx, snapshot, entries)
	return snapshot.Clone(), nil
}

func (e *Engine) applyLocked(ctx context.Context, req escrow.TransitionRequest) (*escrow.Transaction, []*escrow.LogEntry, error) {
	unlock, err := e.locker.Lock(ctx, req.TransactionID.String())
	if err != nil {
		return nil, nil, e.persistenceError(req, nil, fmt.Errorf("acquire lock: %w", err))
	}
	defer unlock()

	for attempt := 0; ; attempt++ {
		current, err := e.ledger.Get(ctx, req.TransactionID)
		if err != nil {
			return nil, nil, e.persistenceError(req, nil, err)
		}
		if current == nil {
			return nil, nil, fmt.Errorf("%w: %s", escrow.ErrNotFound, req.TransactionID)
		}

		prior, err := e.ledger.FindRequest(ctx, req.TransactionID, req.RequestID)
		if err != nil {
			return current, nil, e.persistenceError(req, current, err)
		}
		if prior != nil {
			if req.Kind.MovesFunds() {
				return current, nil, &escrow.TransitionError{
					Err:         escrow.ErrAlreadyApplied,
					Kind:        req.Kind,
					State:       current.State,
					Reason:      fmt.Sprintf("request %s applied at seq %d", req.RequestID, prior.Seq),
					Transaction: current,
				}
			}
			return current, nil, nil
		}

		next := current.Clone()
		entry, err := next.Transition(req)
		if err != nil {
			if te, ok := escrow.AsTransitionError(err); ok {
				te.Transaction = current
			}
			return current, nil, err
		}
		if entry == nil {
			return current, nil, nil
		}
		entries := []*escrow.LogEntry{entry}
		if follow := e.followOn(next, req, entry); follow != nil {
			entries = append(entries, follow)
		}

		if err := e.signAppend(ctx, current, entries); err != nil {
			return current, nil, e.persistenceError(req, current, err)
		}
		err = e.ledger.Commit(ctx, next, current.Version, entries)
		if err == nil {
			return next, entries, nil
		}
		if (errors.Is(err, escrow.ErrVersionConflict) || errors.Is(err, escrow.ErrDuplicate)) && attempt < e.conflictRetries {
			e.logger.Debug().
				Str("transaction_id", req.TransactionID.String()).
				Str("kind", string(req.Kind)).
				Int("attempt", attempt+1).
				Msg("commit conflict, reloading")
			continue
		}
		return current, nil, e.persistenceError(req, current, err)
	}
}

// followOn returns the automatic transition that immediately follows entry,
// applied to t in place.
func (e *Engine) followOn(t *escrow.Transaction, req escrow.TransitionRequest, entry *escrow.LogEntry) *escrow.LogEntry {
	if entry.Kind != escrow.KindUploadSignedContract || t.State != escrow.StateContractSigned {
		return nil
	}
	deadline := req.At.Add(e.paymentWindow)
	follow := escrow.TransitionRequest{
		RequestID:     uuid.NewSHA1(req.RequestID, []byte(escrow.KindOpenPaymentWindow)),
		TransactionID: t.ID,
		Kind:          escrow.KindOpenPaymentWindow,
		Actor:         escrow.SystemActor("engine"),
		Payload:       escrow.Payload{Deadline: &deadline},
		At:            req.At,
	}
	out, err := t.Transition(follow)
	if err != nil {
		e.logger.Error().Err(err).Str("transaction_id", t.ID.String()).Msg("open payment window")
		return nil
	}
	return out
}

func (e *Engine) signAppend(ctx context.Context, current *escrow.Transaction, entries []*escrow.LogEntry) error {
	if len(e.signingKey) == 0 {
		return nil
	}
	log, err := e.ledger.TransitionLog(ctx, current.ID)
	if err != nil {
		return err
	}
	var previous []byte
	if n := len(log); n > 0 {
		previous = log[n-1].Signature
	}
	return e.sign(entries, previous)
}

func (e *Engine) sign(entries []*escrow.LogEntry, previous []byte) error {
	if len(e.signingKey) == 0 {
		return nil
	}
	for _, entry := range entries {
		sig, err := escrow.SignEntry(entry, previous, e.signingKey)
		if err != nil {
			return fmt.Errorf("sign entry %d: %w", entry.Seq, err)
		}
		entry.Signature = sig
		previous = sig
	}
	return nil
}

func (e *Engine) persistenceError(req escrow.TransitionRequest, current *escrow.Transaction, cause error) error {
	state := escrow.State("")
	if current != nil {
		state = current.State
	}
	e.logger.Error().
		Err(cause).
		Str("transaction_id", req.TransactionID.String()).
		Str("kind", string(req.Kind)).
		Msg("ledger failure")
	return &escrow.TransitionError{
		Err:         escrow.ErrPersistenceFailure,
		Kind:        req.Kind,
		State:       state,
		Reason:      cause.Error(),
		Transaction: current,
	}
}

func (e *Engine) runHooks(ctx context.Context, t *escrow.Transaction, entries []*escrow.LogEntry) {
	if len(e.hooks) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, h := range e.hooks {
		h.AfterCommit(ctx, t.Clone(), entries)
	}
}

func (e *Engine) record(ctx context.Context, kind escrow.TransitionKind, err error) {
	if e.transitions == nil {
		return
	}
	e.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("result", resultLabel(err)),
	))
}

func (e *Engine) logRejection(req escrow.TransitionRequest, err error) {
	ev := e.logger.Info()
	if errors.Is(err, escrow.ErrPersistenceFailure) {
		ev = e.logger.Error()
	}
	ev.Err(err).
		Str("transaction_id", req.TransactionID.String()).
		Str("kind", string(req.Kind)).
		Str("actor", req.Actor.String()).
		Str("request_id", req.RequestID.String()).
		Msg("transition rejected")
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "applied"
	case errors.Is(err, escrow.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, escrow.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, escrow.ErrAlreadyApplied):
		return "already_applied"
	case errors.Is(err, escrow.ErrDeadlinePassed):
		return "deadline_passed"
	case errors.Is(err, escrow.ErrDisputeBlocking):
		return "dispute_blocking"
	case errors.Is(err, escrow.ErrPersistenceFailure):
		return "persistence_failure"
	case errors.Is(err, escrow.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
