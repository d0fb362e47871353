// Package actions exposes one method per actor-triggered escrow event. Each
// method validates its input and hands a transition request to the engine.
package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/escrow-hub/escrow-hub/internal/application/engine"
	"github.com/escrow-hub/escrow-hub/internal/domain/escrow"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/kyc"
)

// ErrNotVerified is returned when a party has not passed KYC.
var ErrNotVerified = errors.New("party has not passed identity verification")

// ErrNoPaymentInstructions is returned outside the payment window.
var ErrNoPaymentInstructions = errors.New("payment instructions are only available while awaiting payment")

// BankAccount is the escrow account buyers transfer to.
type BankAccount struct {
	IBAN   string `json:"iban"`
	BIC    string `json:"bic,omitempty"`
	Holder string `json:"holder"`
	Bank   string `json:"bank"`
}

// Service handles escrow actions.
type Service struct {
	engine *engine.Engine
	ledger escrow.Ledger
	kyc    kyc.Verifier
	bank   BankAccount
	logger zerolog.Logger
}

type Option func(*Service)

// WithBankAccount sets the account shown in payment instructions.
func WithBankAccount(acct BankAccount) Option {
	return func(s *Service) {
		s.bank = acct
	}
}

// NewService creates an action service. A nil verifier disables KYC checks.
func NewService(e *engine.Engine, ledger escrow.Ledger, verifier kyc.Verifier, logger zerolog.Logger, opts ...Option) *Service {
	if verifier == nil {
		verifier = kyc.Disabled{}
	}
	s := &Service{
		engine: e,
		ledger: ledger,
		kyc:    verifier,
		logger: logger.With().Str("service", "actions").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Command carries what every action needs besides its input.
type Command struct {
	// RequestID is the client supplied idempotency key; zero generates one.
	RequestID     uuid.UUID
	TransactionID uuid.UUID
	Actor         escrow.Actor
}

type CreateOrderInput struct {
	SellerID  string          `json:"sellerId" validate:"required,max=128"`
	DealerID  string          `json:"dealerId" validate:"omitempty,max=128"`
	VehicleID string          `json:"vehicleId" validate:"required,max=128"`
	Amount    decimal.Decimal `json:"amount" validate:"positive_decimal"`
	Currency  string          `json:"currency" validate:"omitempty,len=3,uppercase"`
}

type GenerateContractInput struct {
	DocumentRef string `json:"documentRef" validate:"omitempty,max=512"`
}

type UploadSignedContractInput struct {
	DocumentRef   string `json:"documentRef" validate:"required,max=512"`
	SignatureType string `json:"signatureType" validate:"omitempty,oneof=manual electronic qualified"`
}

type SubmitPaymentProofInput struct {
	DocumentRef   string `json:"documentRef" validate:"required,max=512"`
	BankReference string `json:"bankReference" validate:"omitempty,max=64"`
}

type ConfirmPaymentInput struct {
	BankReference string `json:"bankReference" validate:"required,max=64"`
	Notes         string `json:"notes" validate:"omitempty,max=2000"`
}

type RejectPaymentInput struct {
	Reason string `json:"reason" validate:"required,max=2000"`
}

type ScheduleInspectionInput struct {
	ScheduledAt time.Time `json:"scheduledAt" validate:"required"`
	Location    string    `json:"location" validate:"required,max=256"`
}

type CompleteInspectionInput struct {
	Result string `json:"result" validate:"required,oneof=passed failed"`
	Notes  string `json:"notes" validate:"omitempty,max=2000"`
}

type NotesInput struct {
	Notes string `json:"notes" validate:"omitempty,max=2000"`
}

type ReasonInput struct {
	Reason string `json:"reason" validate:"required,max=2000"`
}

type RaiseDisputeInput struct {
	Type   string `json:"type" validate:"required,oneof=payment_not_received vehicle_condition missing_documents fraudulent_listing other"`
	Reason string `json:"reason" validate:"required,max=2000"`
}

type RespondDisputeInput struct {
	Message string `json:"message" validate:"required,max=4000"`
}

type UpdateDisputeInput struct {
	Status string `json:"status" validate:"required,oneof=investigating awaiting_response escalated"`
	Notes  string `json:"notes" validate:"omitempty,max=2000"`
}

type ResolveDisputeInput struct {
	Outcome      string           `json:"outcome" validate:"required,oneof=refund_full refund_partial replacement compensation no_action dismissed"`
	Reason       string           `json:"reason" validate:"omitempty,max=2000"`
	RefundAmount *decimal.Decimal `json:"refundAmount" validate:"omitempty,positive_decimal"`
}

type ReopenInput struct {
	Reason string `json:"reason" validate:"omitempty,max=2000"`
	// Deadline of the reopened payment window. Defaults to now plus the
	// configured payment window.
	Deadline *time.Time `json:"deadline"`
}

// CreateOrder opens a transaction for the calling buyer. Every party must
// have passed KYC.
func (s *Service) CreateOrder(ctx context.Context, cmd Command, in CreateOrderInput) (*escrow.Transaction, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	if cmd.Actor.Role != escrow.RoleBuyer {
		return nil, &escrow.TransitionError{Err: escrow.ErrUnauthorized, Kind: escrow.KindCreate, Reason: "only buyers open orders"}
	}
	for _, party := range []string{cmd.Actor.ID, in.SellerID, in.DealerID} {
		if party == "" {
			continue
		}
		ok, err := s.kyc.IsVerified(ctx, party)
		if err != nil {
			return nil, fmt.Errorf("kyc check for %s: %w", party, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotVerified, party)
		}
	}

	req := s.request(cmd, escrow.KindCreate, escrow.Payload{Order: &escrow.NewOrder{
		BuyerID:   cmd.Actor.ID,
		SellerID:  in.SellerID,
		DealerID:  in.DealerID,
		VehicleID: in.VehicleID,
		Amount:    in.Amount,
		Currency:  in.Currency,
	}})
	if cmd.TransactionID != uuid.Nil {
		req.TransactionID = cmd.TransactionID
	} else {
		req.TransactionID = uuid.New()
	}
	return s.engine.Submit(ctx, req)
}

func (s *Service) GenerateContract(ctx context.Context, cmd Command, in GenerateContractInput) (*escrow.Transaction, error) {
	return s.submit(ctx, cmd, escrow.KindGenerateContract, in, escrow.Payload{DocumentRef: in.DocumentRef, DocumentKind: escrow.DocumentContract})
}

func (s *Service) UploadSignedContract(ctx context.Context, cmd Command, in UploadSignedContractInput) (*escrow.Transaction, error) {
	return s.submit(ctx, cmd, escrow.KindUploadSignedContract, in, escrow.Payload{DocumentRef: in.DocumentRef, SignatureType: in.SignatureType})
}

func (s *Service) SubmitPaymentProof(ctx context.Context, cmd Command, in SubmitPaymentProofInput) (*escrow.Transaction, error) {
	return s.submit(ctx, cmd, escrow.KindSubmitPaymentProof, in, escrow.Payload{DocumentRef: in.DocumentRef, BankReference: in.BankReference})
}

func (s *Service) ConfirmPayment(ctx context.Context, cmd Command, in ConfirmPaymentInput) (*escrow.Transaction, error) {
	return s.submit(ctx, cmd, escrow.KindConfirmPayment, in, escrow.Payload{BankReference: in.BankReference, Notes: in.Notes})
}

func (s *Service) RejectPayment(ctx context.Context, cmd Command, in RejectPaymentInput) (*escrow.Transaction, error) {
	return s.submit(ctx, cmd, escrow.KindRejectPayment, in, escrow.Payload{Reason: in.Reason})
}

func (s *Service) ScheduleInspection(ctx context.Context, cmd Command, in ScheduleInspectionInput) (*escrow.Transaction, error) {
	at := in.ScheduledAt.UTC()
	return s.submit(ctx, cmd, escrow.KindScheduleInspection, in, escrow.Payload{ScheduledAt: &at, Location: in.Location})
}

func (s *Service) CompleteInspection(ctx context.Context, cmd Command, in CompleteInspectionInput) (*escrow.Transaction, error) {
	return s.submit(ctx, cmd, escrow.KindCompleteInspection, in, escrow.Payload{InspectionResult: escrow.InspectionResult(in.Result), Notes: in.Notes})
}

func (s *Service) ReleaseFunds(ctx context.Context, cmd Command, in NotesInput) (*escrow.Transaction, error) {
	return s.submit(ctx, cmd, escrow.KindReleaseFunds, in, escrow.Payload{Notes: in.Notes})
}

func (s *Service) MarkReadyForDelivery(ctx context.Context, cmd Command, in NotesInput) (*escrow.Transaction, error) {
	return s.submit(ctx, cmd, escrow.KindMarkReadyForDelivery, in, escrow.Payload{Notes: in.Notes})
}

func (s *Service) MarkDelivered(ctx context.Context, cmd Command, in NotesInput) (*escrow.Transaction, error) {
	return s.submit(ctx, cmd, escrow.KindMarkDelivered, in, escrow.Payload{Notes: in.Notes})
}

func (s *Service) Complete(ctx context.Context, cmd Command, in NotesInput) (*escrow.Transaction, error) {
	return s.submit(ctx, cmd, escrow.KindComplete, in, escrow.Payload{Notes: in.Notes})
}

func (s *Service) Cancel(ctx context.Context, cmd Command, in ReasonInput) (*escrow.Transaction, error) {
	return s.submit(ctx, cmd, escrow.KindCancel, in, escrow.Payload{Reason: in.Reason})
}

func (s *Service) Refund(ctx context.Context, cmd Command, in ReasonInput) (*escrow.Transaction, error) {
	return s.submit(ctx, cmd, escrow.KindRefund, in, escrow.Payload{Reason: in.Reason})
}

func (s *Service) RaiseDispute(ctx context.Context, cmd Command, in RaiseDisputeInput) (*escrow.Transaction, error) {
	return s.submit(ctx, cmd, escrow.KindRaiseDispute, in, escrow.Payload{DisputeType: escrow.DisputeType(in.Type), Reason: in.Reason})
}

func (s *Service) RespondDispute(ctx context.Context, cmd Command, in RespondDisputeInput) (*escrow.Transaction, error) {
	return s.submit(ctx, cmd, escrow.KindRespondDispute, in, escrow.Payload{Message: in.Message})
}

func (s *Service) UpdateDispute(ctx context.Context, cmd Command, in UpdateDisputeInput) (*escrow.Transaction, error) {
	return s.submit(ctx, cmd, escrow.KindUpdateDispute, in, escrow.Payload{DisputeStatus: escrow.DisputeStatus(in.Status), Notes: in.Notes})
}

func (s *Service) ResolveDispute(ctx context.Context, cmd Command, in ResolveDisputeInput) (*escrow.Transaction, error) {
	return s.submit(ctx, cmd, escrow.KindResolveDispute, in, escrow.Payload{
		Outcome:      escrow.Outcome(in.Outcome),
		Reason:       in.Reason,
		RefundAmount: in.RefundAmount,
	})
}

func (s *Service) Reopen(ctx context.Context, cmd Command, in ReopenInput) (*escrow.Transaction, error) {
	deadline := s.engine.Now().Add(s.engine.PaymentWindow())
	if in.Deadline != nil {
		deadline = in.Deadline.UTC()
	}
	return s.submit(ctx, cmd, escrow.KindReopen, in, escrow.Payload{Reason: in.Reason, Deadline: &deadline})
}

func (s *Service) submit(ctx context.Context, cmd Command, kind escrow.TransitionKind, in interface{}, payload escrow.Payload) (*escrow.Transaction, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	return s.engine.Submit(ctx, s.request(cmd, kind, payload))
}

func (s *Service) request(cmd Command, kind escrow.TransitionKind, payload escrow.Payload) escrow.TransitionRequest {
	req := escrow.NewRequest(cmd.TransactionID, kind, cmd.Actor, payload)
	if cmd.RequestID != uuid.Nil {
		req.RequestID = cmd.RequestID
	}
	return req
}

// Visible reports whether actor may read t.
func Visible(actor escrow.Actor, t *escrow.Transaction) bool {
	if actor.Role == escrow.RoleAdmin || actor.Role == escrow.RoleSystem {
		return true
	}
	for _, p := range t.Participants() {
		if p.ID == actor.ID {
			return true
		}
	}
	return false
}

func (s *Service) load(ctx context.Context, actor escrow.Actor, id uuid.UUID) (*escrow.Transaction, error) {
	t, err := s.ledger.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", escrow.ErrPersistenceFailure, err)
	}
	// Hidden transactions look the same as missing ones.
	if t == nil || !Visible(actor, t) {
		return nil, fmt.Errorf("%w: %s", escrow.ErrNotFound, id)
	}
	return t, nil
}

// Get returns the transaction if actor takes part in it.
func (s *Service) Get(ctx context.Context, actor escrow.Actor, id uuid.UUID) (*escrow.Transaction, error) {
	return s.load(ctx, actor, id)
}

// List returns transactions visible to actor. Non-admins only see their own.
func (s *Service) List(ctx context.Context, actor escrow.Actor, filter escrow.Filter, limit, offset int) ([]*escrow.Transaction, error) {
	if actor.Role != escrow.RoleAdmin && actor.Role != escrow.RoleSystem {
		id := actor.ID
		filter.Participant = &id
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.ledger.List(ctx, filter, limit, offset)
}

// TransitionLog returns the ordered log of a visible transaction.
func (s *Service) TransitionLog(ctx context.Context, actor escrow.Actor, id uuid.UUID) ([]*escrow.LogEntry, error) {
	if _, err := s.load(ctx, actor, id); err != nil {
		return nil, err
	}
	return s.ledger.TransitionLog(ctx, id)
}

// Replay rebuilds the transaction from its log. Admin only.
func (s *Service) Replay(ctx context.Context, actor escrow.Actor, id uuid.UUID) (*engine.ReplayReport, error) {
	if actor.Role != escrow.RoleAdmin && actor.Role != escrow.RoleSystem {
		return nil, escrow.ErrUnauthorized
	}
	return s.engine.Replay(ctx, id)
}

// PaymentInstructions tells the buyer where and how to transfer the funds.
type PaymentInstructions struct {
	TransactionID uuid.UUID       `json:"transactionId"`
	Account       BankAccount     `json:"account"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Reference     string          `json:"reference"`
	Deadline      *time.Time      `json:"deadline,omitempty"`
	DaysRemaining int             `json:"daysRemaining"`
	Steps         []string        `json:"steps"`
}

var paymentSteps = []string{
	"Log into your online banking",
	"Create a new transfer with the details above",
	"Include the payment reference in the transfer description",
	"Payment is confirmed within 24 hours of arrival",
}

// PaymentInstructions returns the transfer details while the transaction
// awaits payment. Only the buyer, the dealer and admins may read them.
func (s *Service) PaymentInstructions(ctx context.Context, actor escrow.Actor, id uuid.UUID) (*PaymentInstructions, error) {
	t, err := s.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	switch {
	case actor.Role == escrow.RoleAdmin:
	case actor.Role == escrow.RoleBuyer && actor.ID == t.BuyerID:
	case actor.Role == escrow.RoleDealer && actor.ID == t.DealerID:
	default:
		return nil, escrow.ErrUnauthorized
	}
	if t.State != escrow.StateAwaitingPayment {
		return nil, fmt.Errorf("%w: transaction is %s", ErrNoPaymentInstructions, t.State)
	}
	out := &PaymentInstructions{
		TransactionID: t.ID,
		Account:       s.bank,
		Amount:        t.Amount,
		Currency:      t.Currency,
		Reference:     t.PaymentReference,
		Deadline:      t.PaymentDeadline,
		Steps:         paymentSteps,
	}
	if t.PaymentDeadline != nil {
		out.DaysRemaining = int(t.PaymentDeadline.Sub(s.engine.Now()) / (24 * time.Hour))
	}
	return out, nil
}

// Statistics summarizes transactions per state.
type Statistics struct {
	Total           int64                      `json:"total"`
	Active          int64                      `json:"active"`
	Open            int64                      `json:"openDisputes"`
	PendingPayment  int64                      `json:"pendingPayment"`
	PaymentReceived int64                      `json:"paymentReceived"`
	Completed       int64                      `json:"completed"`
	TotalValue      map[string]decimal.Decimal `json:"totalValue"`
	ByState         map[escrow.State]int64     `json:"byState"`
}

// Statistics summarizes every transaction for admins and the system, and
// only the actor's own transactions for everyone else.
func (s *Service) Statistics(ctx context.Context, actor escrow.Actor) (*Statistics, error) {
	var filter escrow.Filter
	if actor.Role != escrow.RoleAdmin && actor.Role != escrow.RoleSystem {
		id := actor.ID
		filter.Participant = &id
	}
	sum, err := s.ledger.Summarize(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("%w: summarize transactions: %v", escrow.ErrPersistenceFailure, err)
	}
	stats := &Statistics{
		TotalValue: sum.CompletedValue,
		ByState:    make(map[escrow.State]int64, len(escrow.AllStates)),
	}
	for _, st := range escrow.AllStates {
		n := sum.ByState[st]
		stats.ByState[st] = n
		stats.Total += n
		if !st.IsTerminal() {
			stats.Active += n
		}
	}
	stats.Open = sum.ByState[escrow.StateDisputed]
	stats.PendingPayment = sum.ByState[escrow.StateAwaitingPayment] + sum.ByState[escrow.StatePaymentProofSubmitted]
	stats.PaymentReceived = sum.ByState[escrow.StatePaymentVerified]
	stats.Completed = sum.ByState[escrow.StateCompleted]
	return stats, nil
}
