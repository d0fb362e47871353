package escrow

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DocumentKind selects which reference a record_document transition sets.
type DocumentKind string

const (
	DocumentContract DocumentKind = "contract"
	DocumentInvoice  DocumentKind = "invoice"
)

// InvoiceStates are the states in which a transaction carries an invoice.
var InvoiceStates = []State{
	StatePaymentVerified, StateInspectionScheduled, StateInspectionCompleted,
	StateFundsReleased, StateReadyForDelivery, StateDelivered,
}

// MissingDocument reports which generated document the transaction still
// lacks in its current state.
func (t *Transaction) MissingDocument() (DocumentKind, bool) {
	if t.State == StateContractGenerated {
		return DocumentContract, t.ContractRef == ""
	}
	if containsState(InvoiceStates, t.State) {
		return DocumentInvoice, t.InvoiceRef == ""
	}
	return "", false
}

// Payload carries the kind-specific input of a transition. Only the fields
// relevant to the kind are read.
type Payload struct {
	Reason           string           `json:"reason,omitempty"`
	BankReference    string           `json:"bankReference,omitempty"`
	DocumentRef      string           `json:"documentRef,omitempty"`
	DocumentKind     DocumentKind     `json:"documentKind,omitempty"`
	SignatureType    string           `json:"signatureType,omitempty"`
	Deadline         *time.Time       `json:"deadline,omitempty"`
	ScheduledAt      *time.Time       `json:"scheduledAt,omitempty"`
	Location         string           `json:"location,omitempty"`
	InspectionResult InspectionResult `json:"inspectionResult,omitempty"`
	Notes            string           `json:"notes,omitempty"`
	DisputeType      DisputeType      `json:"disputeType,omitempty"`
	DisputeStatus    DisputeStatus    `json:"disputeStatus,omitempty"`
	Message          string           `json:"message,omitempty"`
	Outcome          Outcome          `json:"outcome,omitempty"`
	RefundAmount     *decimal.Decimal `json:"refundAmount,omitempty"`
	Order            *NewOrder        `json:"order,omitempty"`
}

// TransitionRequest is a request to apply one transition to one transaction.
// RequestID doubles as the idempotency key.
type TransitionRequest struct {
	RequestID     uuid.UUID      `json:"requestId"`
	TransactionID uuid.UUID      `json:"transactionId"`
	Kind          TransitionKind `json:"kind"`
	Actor         Actor          `json:"actor"`
	Payload       Payload        `json:"payload"`
	At            time.Time      `json:"at"`
}

// NewRequest builds a request with a fresh id.
func NewRequest(transactionID uuid.UUID, kind TransitionKind, actor Actor, payload Payload) TransitionRequest {
	return TransitionRequest{
		RequestID:     uuid.New(),
		TransactionID: transactionID,
		Kind:          kind,
		Actor:         actor,
		Payload:       payload,
	}
}
