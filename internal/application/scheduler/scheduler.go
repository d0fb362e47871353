// Package scheduler originates time driven transitions: expired payment
// windows, unsigned contracts, overdue inspections and stale expirations,
// plus reminder notifications that do not change state.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/escrow-hub/escrow-hub/internal/domain/escrow"
)

// Submitter applies a transition request; implemented by the engine.
type Submitter interface {
	Submit(ctx context.Context, req escrow.TransitionRequest) (*escrow.Transaction, error)
}

// Reminder sends a reminder for t. Implementations deduplicate on
// (transaction, version, event).
type Reminder interface {
	Remind(ctx context.Context, t *escrow.Transaction, event string) error
}

// Result summarizes one Run.
type Result struct {
	Submitted int `json:"submitted"`
	Applied   int `json:"applied"`
	Rejected  int `json:"rejected"`
	Reminders int `json:"reminders"`
}

// Scheduler sweeps the ledger for transactions whose policy condition holds.
type Scheduler struct {
	ledger      escrow.Ledger
	submitter   Submitter
	reminder    Reminder
	policies    []compiledPolicy
	batchSize   int
	concurrency int
	logger      zerolog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithReminder enables reminder policies.
func WithReminder(r Reminder) Option {
	return func(s *Scheduler) { s.reminder = r }
}

// WithBatchSize bounds how many transactions are read per policy and sweep.
func WithBatchSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithConcurrency bounds parallel submissions.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// New creates a Scheduler. A nil policies slice selects DefaultPolicies.
func New(ledger escrow.Ledger, submitter Submitter, policies []Policy, logger zerolog.Logger, opts ...Option) (*Scheduler, error) {
	if policies == nil {
		policies = DefaultPolicies()
	}
	compiled, err := compile(policies)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		ledger:      ledger,
		submitter:   submitter,
		policies:    compiled,
		batchSize:   500,
		concurrency: 8,
		logger:      logger.With().Str("service", "scheduler").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RequestID derives the id of a policy request. It only changes when the
// transaction enters a new state, so repeated sweeps produce the same id.
func RequestID(transactionID uuid.UUID, policy string, stateEnteredAt time.Time) uuid.UUID {
	name := transactionID.String() + ":" + policy + ":" + stateEnteredAt.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name))
}

// Sweep returns the transition requests due at now without submitting them.
// At most one request is produced per transaction; earlier policies win.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) ([]escrow.TransitionRequest, error) {
	var out []escrow.TransitionRequest
	claimed := map[uuid.UUID]bool{}
	err := s.eachMatch(ctx, now, false, func(p compiledPolicy, t *escrow.Transaction) {
		if claimed[t.ID] {
			return
		}
		claimed[t.ID] = true
		out = append(out, escrow.TransitionRequest{
			RequestID:     RequestID(t.ID, p.Name, t.StateEnteredAt),
			TransactionID: t.ID,
			Kind:          p.Action,
			Actor:         escrow.SystemActor("scheduler"),
			Payload:       p.payload(),
			At:            now,
		})
	})
	return out, err
}

// Run sweeps at now, submits every due request and sends due reminders.
// Rejections are logged and counted; they do not fail the run.
func (s *Scheduler) Run(ctx context.Context, now time.Time) (Result, error) {
	var res Result
	requests, err := s.Sweep(ctx, now)
	if err != nil {
		return res, err
	}
	res.Submitted = len(requests)

	outcomes := make([]error, len(requests))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, req := range requests {
		i, req := i, req
		g.Go(func() error {
			_, err := s.submitter.Submit(gctx, req)
			outcomes[i] = err
			if errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	for i, err := range outcomes {
		req := requests[i]
		if err != nil {
			res.Rejected++
			s.logger.Warn().Err(err).
				Str("transaction_id", req.TransactionID.String()).
				Str("kind", string(req.Kind)).
				Msg("scheduled transition rejected")
			continue
		}
		res.Applied++
	}

	if s.reminder != nil {
		err := s.eachMatch(ctx, now, true, func(p compiledPolicy, t *escrow.Transaction) {
			if err := s.reminder.Remind(ctx, t, p.Name); err != nil {
				s.logger.Warn().Err(err).
					Str("transaction_id", t.ID.String()).
					Str("policy", p.Name).
					Msg("reminder failed")
				return
			}
			res.Reminders++
		})
		if err != nil {
			return res, err
		}
	}

	if res.Submitted > 0 || res.Reminders > 0 {
		s.logger.Info().
			Int("submitted", res.Submitted).
			Int("applied", res.Applied).
			Int("rejected", res.Rejected).
			Int("reminders", res.Reminders).
			Msg("sweep finished")
	}
	return res, nil
}

func (s *Scheduler) eachMatch(ctx context.Context, now time.Time, reminders bool, fn func(compiledPolicy, *escrow.Transaction)) error {
	for _, p := range s.policies {
		if p.Remind != reminders {
			continue
		}
		txs, err := s.ledger.ListInStates(ctx, []escrow.State{p.State}, now, s.batchSize)
		if err != nil {
			return err
		}
		for _, t := range txs {
			ok, err := p.matches(t, now)
			if err != nil {
				s.logger.Error().Err(err).
					Str("policy", p.Name).
					Str("transaction_id", t.ID.String()).
					Msg("policy evaluation failed")
				continue
			}
			if ok {
				fn(p, t)
			}
		}
	}
	return nil
}

// Start runs a sweep every interval until ctx is done.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration, clock func() time.Time) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Run(ctx, clock()); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}
