package escrow

import (
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// State represents the lifecycle state of an escrow transaction.
type State string

const (
	StateCreated               State = "created"
	StateContractGenerated     State = "contract_generated"
	StateContractSigned        State = "contract_signed"
	StateAwaitingPayment       State = "awaiting_payment"
	StatePaymentProofSubmitted State = "payment_proof_submitted"
	StatePaymentVerified       State = "payment_verified"
	StateInspectionScheduled   State = "inspection_scheduled"
	StateInspectionCompleted   State = "inspection_completed"
	StateFundsReleased         State = "funds_released"
	StateReadyForDelivery      State = "ready_for_delivery"
	StateDelivered             State = "delivered"
	StateCompleted             State = "completed"
	StateDisputed              State = "disputed"
	StateCancelled             State = "cancelled"
	StateRefunded              State = "refunded"
	StateExpired               State = "expired"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateCreated,
	StateContractGenerated,
	StateContractSigned,
	StateAwaitingPayment,
	StatePaymentProofSubmitted,
	StatePaymentVerified,
	StateInspectionScheduled,
	StateInspectionCompleted,
	StateFundsReleased,
	StateReadyForDelivery,
	StateDelivered,
	StateCompleted,
	StateDisputed,
	StateCancelled,
	StateRefunded,
	StateExpired,
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateRefunded
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, st := range AllStates {
		if st == s {
			return true
		}
	}
	return false
}

// TransitionKind names a transition request.
type TransitionKind string

const (
	KindCreate               TransitionKind = "create"
	KindGenerateContract     TransitionKind = "generate_contract"
	KindUploadSignedContract TransitionKind = "upload_signed_contract"
	KindOpenPaymentWindow    TransitionKind = "open_payment_window"
	KindSubmitPaymentProof   TransitionKind = "submit_payment_proof"
	KindConfirmPayment       TransitionKind = "confirm_payment"
	KindRejectPayment        TransitionKind = "reject_payment"
	KindScheduleInspection   TransitionKind = "schedule_inspection"
	KindCompleteInspection   TransitionKind = "complete_inspection"
	KindReleaseFunds         TransitionKind = "release_funds"
	KindMarkReadyForDelivery TransitionKind = "mark_ready_for_delivery"
	KindMarkDelivered        TransitionKind = "mark_delivered"
	KindComplete             TransitionKind = "complete"
	KindCancel               TransitionKind = "cancel"
	KindRefund               TransitionKind = "refund"
	KindRaiseDispute         TransitionKind = "raise_dispute"
	KindRespondDispute       TransitionKind = "respond_dispute"
	KindUpdateDispute        TransitionKind = "update_dispute"
	KindResolveDispute       TransitionKind = "resolve_dispute"
	KindExpire               TransitionKind = "expire"
	KindReopen               TransitionKind = "reopen"
	KindRecordDocument       TransitionKind = "record_document"
)

// MovesFunds reports whether the transition has an irreversible money effect.
func (k TransitionKind) MovesFunds() bool {
	return k == KindReleaseFunds || k == KindRefund
}

// Role is the capacity in which an actor submits a transition.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleDealer Role = "dealer"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleBuyer, RoleSeller, RoleDealer, RoleAdmin, RoleSystem:
		return true
	}
	return false
}

// Actor identifies who requested a transition.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// SystemActor is used for scheduler and post-commit originated requests.
func SystemActor(name string) Actor {
	return Actor{ID: "system:" + name, Role: RoleSystem}
}

func (a Actor) String() string {
	return string(a.Role) + ":" + a.ID
}

// HistoryEntry is one element of the append-only state history.
type HistoryEntry struct {
	State  State     `json:"state"`
	Actor  Actor     `json:"actor"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// ProofStatus is the verification outcome of a payment proof.
type ProofStatus string

const (
	ProofPending    ProofStatus = "pending"
	ProofVerified   ProofStatus = "verified"
	ProofRejected   ProofStatus = "rejected"
	ProofSuperseded ProofStatus = "superseded"
)

// PaymentProof is a buyer submitted bank transfer receipt.
type PaymentProof struct {
	ID          uuid.UUID   `json:"id"`
	DocumentRef string      `json:"documentRef"`
	SubmittedAt time.Time   `json:"submittedAt"`
	Status      ProofStatus `json:"status"`
	ReviewedBy  *Actor      `json:"reviewedBy,omitempty"`
	ReviewedAt  *time.Time  `json:"reviewedAt,omitempty"`
	Reason      string      `json:"reason,omitempty"`
}

// DisputeType classifies a dispute.
type DisputeType string

const (
	DisputePaymentNotReceived DisputeType = "payment_not_received"
	DisputeVehicleCondition   DisputeType = "vehicle_condition"
	DisputeMissingDocuments   DisputeType = "missing_documents"
	DisputeFraudulentListing  DisputeType = "fraudulent_listing"
	DisputeOther              DisputeType = "other"
)

// Valid reports whether t is a known dispute type.
func (t DisputeType) Valid() bool {
	switch t {
	case DisputePaymentNotReceived, DisputeVehicleCondition, DisputeMissingDocuments, DisputeFraudulentListing, DisputeOther:
		return true
	}
	return false
}

// DisputeStatus is the progress of a dispute.
type DisputeStatus string

const (
	DisputeOpen             DisputeStatus = "open"
	DisputeInvestigating    DisputeStatus = "investigating"
	DisputeAwaitingResponse DisputeStatus = "awaiting_response"
	DisputeResolved         DisputeStatus = "resolved"
	DisputeEscalated        DisputeStatus = "escalated"
	DisputeClosed           DisputeStatus = "closed"
)

// IsTerminal reports whether the dispute no longer blocks the transaction.
func (s DisputeStatus) IsTerminal() bool {
	return s == DisputeResolved || s == DisputeClosed
}

// Outcome is the resolution of a closed dispute.
type Outcome string

const (
	OutcomeRefundFull    Outcome = "refund_full"
	OutcomeRefundPartial Outcome = "refund_partial"
	OutcomeReplacement   Outcome = "replacement"
	OutcomeCompensation  Outcome = "compensation"
	OutcomeNoAction      Outcome = "no_action"
	OutcomeDismissed     Outcome = "dismissed"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeRefundFull, OutcomeRefundPartial, OutcomeReplacement, OutcomeCompensation, OutcomeNoAction, OutcomeDismissed:
		return true
	}
	return false
}

// DisputeResponse is a party statement attached to a dispute.
type DisputeResponse struct {
	Actor   Actor     `json:"actor"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Dispute belongs to exactly one transaction.
type Dispute struct {
	ID          uuid.UUID         `json:"id"`
	Type        DisputeType       `json:"type"`
	Status      DisputeStatus     `json:"status"`
	RaisedBy    Actor             `json:"raisedBy"`
	Description string            `json:"description,omitempty"`
	Responses   []DisputeResponse `json:"responses,omitempty"`
	Outcome     Outcome           `json:"outcome,omitempty"`
	Resolution  string            `json:"resolution,omitempty"`
	OpenedAt    time.Time         `json:"openedAt"`
	ClosedAt    *time.Time        `json:"closedAt,omitempty"`
}

// InspectionResult is the outcome of a vehicle inspection.
type InspectionResult string

const (
	InspectionPassed InspectionResult = "passed"
	InspectionFailed InspectionResult = "failed"
)

// Inspection tracks the buyer's vehicle inspection.
type Inspection struct {
	ScheduledAt *time.Time       `json:"scheduledAt,omitempty"`
	Location    string           `json:"location,omitempty"`
	Result      InspectionResult `json:"result,omitempty"`
	Notes       string           `json:"notes,omitempty"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
}

// ReleaseRecord asserts that funds were released. At most one per transaction.
type ReleaseRecord struct {
	ID               uuid.UUID       `json:"id"`
	Amount           decimal.Decimal `json:"amount"`
	SellerNet        decimal.Decimal `json:"sellerNet"`
	ServiceFee       decimal.Decimal `json:"serviceFee"`
	DealerCommission decimal.Decimal `json:"dealerCommission"`
	ReleasedBy       Actor           `json:"releasedBy"`
	ReleasedAt       time.Time       `json:"releasedAt"`
}

// RefundRecord asserts that funds were returned to the buyer. At most one per transaction.
type RefundRecord struct {
	ID         uuid.UUID       `json:"id"`
	Amount     decimal.Decimal `json:"amount"`
	Partial    bool            `json:"partial"`
	Reason     string          `json:"reason,omitempty"`
	RefundedBy Actor           `json:"refundedBy"`
	RefundedAt time.Time       `json:"refundedAt"`
}

// Hold remembers the state a transaction left when entering a holding state.
type Hold struct {
	State             State          `json:"state"`
	DeadlineRemaining *time.Duration `json:"deadlineRemaining,omitempty"`
}

// Transaction is the escrow aggregate root.
type Transaction struct {
	ID                 uuid.UUID       `json:"id"`
	Reference          string          `json:"reference"`
	PaymentReference   string          `json:"paymentReference"`
	BuyerID            string          `json:"buyerId"`
	SellerID           string          `json:"sellerId"`
	DealerID           string          `json:"dealerId,omitempty"`
	VehicleID          string          `json:"vehicleId"`
	Amount             decimal.Decimal `json:"amount"`
	Currency           string          `json:"currency"`
	ServiceFee         decimal.Decimal `json:"serviceFee"`
	DealerCommission   decimal.Decimal `json:"dealerCommission"`
	State              State           `json:"state"`
	StateEnteredAt     time.Time       `json:"stateEnteredAt"`
	History            []HistoryEntry  `json:"history"`
	PaymentDeadline    *time.Time      `json:"paymentDeadline,omitempty"`
	ContractRef        string          `json:"contractRef,omitempty"`
	SignedContractRef  string          `json:"signedContractRef,omitempty"`
	InvoiceRef         string          `json:"invoiceRef,omitempty"`
	BankReference      string          `json:"bankReference,omitempty"`
	PaymentVerifiedAt  *time.Time      `json:"paymentVerifiedAt,omitempty"`
	Proofs             []PaymentProof  `json:"proofs,omitempty"`
	Disputes           []Dispute       `json:"disputes,omitempty"`
	Inspection         Inspection      `json:"inspection"`
	Release            *ReleaseRecord  `json:"release,omitempty"`
	Refund             *RefundRecord   `json:"refund,omitempty"`
	CancellationReason string          `json:"cancellationReason,omitempty"`
	RefundReason       string          `json:"refundReason,omitempty"`
	DisputeHold        *Hold           `json:"disputeHold,omitempty"`
	ExpiryHold         *Hold           `json:"expiryHold,omitempty"`
	Version            int64           `json:"version"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// NewOrder carries the fields a buyer supplies when creating a transaction.
type NewOrder struct {
	BuyerID   string          `json:"buyerId"`
	SellerID  string          `json:"sellerId"`
	DealerID  string          `json:"dealerId,omitempty"`
	VehicleID string          `json:"vehicleId"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
}

// NewTransaction builds a transaction in state created from a create request.
// References derive from the transaction id so replay reproduces them.
func NewTransaction(req TransitionRequest) (*Transaction, error) {
	if req.Kind != KindCreate || req.Payload.Order == nil {
		return nil, newTransitionError(ErrInvalidTransition, req.Kind, "", "create request requires an order")
	}
	o := req.Payload.Order
	if o.BuyerID == "" || o.SellerID == "" || o.VehicleID == "" {
		return nil, newTransitionError(ErrInvalidTransition, req.Kind, "", "buyer, seller and vehicle are required")
	}
	if !o.Amount.IsPositive() {
		return nil, newTransitionError(ErrInvalidTransition, req.Kind, "", "amount must be positive")
	}
	if o.BuyerID == o.SellerID {
		return nil, newTransitionError(ErrInvalidTransition, req.Kind, "", "buyer and seller must differ")
	}
	currency := strings.ToUpper(strings.TrimSpace(o.Currency))
	if currency == "" {
		currency = DefaultCurrency
	}
	fees := ComputeFees(o.Amount, o.DealerID != "")
	at := req.At.UTC()
	t := &Transaction{
		ID:               req.TransactionID,
		Reference:        referenceFor("ESC", req.TransactionID, 0),
		PaymentReference: referenceFor("PAY", req.TransactionID, 8),
		BuyerID:          o.BuyerID,
		SellerID:         o.SellerID,
		DealerID:         o.DealerID,
		VehicleID:        o.VehicleID,
		Amount:           o.Amount,
		Currency:         currency,
		ServiceFee:       fees.ServiceFee,
		DealerCommission: fees.DealerCommission,
		State:            StateCreated,
		StateEnteredAt:   at,
		History: []HistoryEntry{{
			State:  StateCreated,
			Actor:  req.Actor,
			At:     at,
			Reason: reasonOr(req.Payload.Reason, "order created"),
		}},
		Version:   1,
		CreatedAt: at,
		UpdatedAt: at,
	}
	return t, nil
}

func referenceFor(prefix string, id uuid.UUID, offset int) string {
	return prefix + "-" + strings.ToUpper(hex.EncodeToString(id[offset:offset+4]))
}

// OpenDispute returns the dispute still blocking the transaction, if any.
func (t *Transaction) OpenDispute() *Dispute {
	for i := range t.Disputes {
		if !t.Disputes[i].Status.IsTerminal() {
			return &t.Disputes[i]
		}
	}
	return nil
}

// PendingProof returns the proof awaiting review, if any.
func (t *Transaction) PendingProof() *PaymentProof {
	for i := range t.Proofs {
		if t.Proofs[i].Status == ProofPending {
			return &t.Proofs[i]
		}
	}
	return nil
}

// Participants returns the party ids with their roles.
func (t *Transaction) Participants() []Actor {
	out := []Actor{
		{ID: t.BuyerID, Role: RoleBuyer},
		{ID: t.SellerID, Role: RoleSeller},
	}
	if t.DealerID != "" {
		out = append(out, Actor{ID: t.DealerID, Role: RoleDealer})
	}
	return out
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	data, err := json.Marshal(t)
	if err != nil {
		panic("escrow: marshal transaction: " + err.Error())
	}
	var out Transaction
	if err := json.Unmarshal(data, &out); err != nil {
		panic("escrow: unmarshal transaction: " + err.Error())
	}
	return &out
}

// SameState reports whether two snapshots encode identically.
func SameState(a, b *Transaction) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}

func reasonOr(reason, def string) string {
	if strings.TrimSpace(reason) != "" {
		return reason
	}
	return def
}
