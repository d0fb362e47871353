package notification

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/escrow-hub/escrow-hub/internal/domain/escrow"
	"github.com/escrow-hub/escrow-hub/internal/domain/notification"
)

type eventPayload struct {
	TransactionID uuid.UUID    `json:"transactionId"`
	Reference     string       `json:"reference"`
	Seq           int64        `json:"seq"`
	Event         string       `json:"event"`
	State         escrow.State `json:"state"`
	Amount        string       `json:"amount"`
	Currency      string       `json:"currency"`
}

// Events admins are told about in addition to the parties.
var adminEvents = map[escrow.TransitionKind]bool{
	escrow.KindSubmitPaymentProof: true,
	escrow.KindReleaseFunds:       true,
	escrow.KindRefund:             true,
	escrow.KindCancel:             true,
	escrow.KindExpire:             true,
	escrow.KindRaiseDispute:       true,
	escrow.KindRespondDispute:     true,
	escrow.KindUpdateDispute:      true,
	escrow.KindResolveDispute:     true,
}

// recipientsFor returns the parties other than the actor, admins for the
// events that need review, and the system sink for integrations.
func recipientsFor(t *escrow.Transaction, e *escrow.LogEntry) []Recipient {
	out := partiesExcept(t, e.Actor.ID)
	if adminEvents[e.Kind] {
		out = append(out, Recipient{ID: notification.RecipientAdmins, Role: string(escrow.RoleAdmin)})
	}
	return append(out, Recipient{ID: notification.RecipientSystem, Role: string(escrow.RoleSystem)})
}

func partiesExcept(t *escrow.Transaction, actorID string) []Recipient {
	var out []Recipient
	for _, p := range t.Participants() {
		if p.ID == "" || p.ID == actorID {
			continue
		}
		out = append(out, Recipient{ID: p.ID, Role: string(p.Role)})
	}
	return out
}

func priorityFor(event string) notification.Priority {
	switch escrow.TransitionKind(event) {
	case escrow.KindReleaseFunds, escrow.KindRefund, escrow.KindRaiseDispute:
		return notification.PriorityHigh
	case escrow.KindExpire, escrow.KindCancel, escrow.KindResolveDispute:
		return notification.PriorityMedium
	case escrow.KindRecordDocument:
		return notification.PriorityLow
	}
	if event == "payment_reminder" {
		return notification.PriorityHigh
	}
	return notification.PriorityMedium
}

var titles = map[escrow.TransitionKind]string{
	escrow.KindCreate:               "Escrow transaction created",
	escrow.KindGenerateContract:     "Purchase contract ready for signature",
	escrow.KindUploadSignedContract: "Signed contract received",
	escrow.KindOpenPaymentWindow:    "Payment window opened",
	escrow.KindSubmitPaymentProof:   "Payment proof submitted",
	escrow.KindConfirmPayment:       "Payment confirmed",
	escrow.KindRejectPayment:        "Payment proof rejected",
	escrow.KindScheduleInspection:   "Inspection scheduled",
	escrow.KindCompleteInspection:   "Inspection completed",
	escrow.KindReleaseFunds:         "Funds released to seller",
	escrow.KindMarkReadyForDelivery: "Vehicle ready for delivery",
	escrow.KindMarkDelivered:        "Vehicle delivered",
	escrow.KindComplete:             "Transaction completed",
	escrow.KindCancel:               "Transaction cancelled",
	escrow.KindRefund:               "Funds refunded",
	escrow.KindRaiseDispute:         "Dispute raised",
	escrow.KindRespondDispute:       "Dispute response received",
	escrow.KindUpdateDispute:        "Dispute updated",
	escrow.KindResolveDispute:       "Dispute resolved",
	escrow.KindExpire:               "Transaction expired",
	escrow.KindReopen:               "Transaction reopened",
	escrow.KindRecordDocument:       "Document available",
}

func describe(t *escrow.Transaction, event string) (string, string) {
	if event == "payment_reminder" {
		deadline := "soon"
		if t.PaymentDeadline != nil {
			deadline = "by " + t.PaymentDeadline.Format("2006-01-02 15:04 MST")
		}
		return "Payment reminder", fmt.Sprintf(
			"Please transfer %s %s with reference %s %s.",
			t.Amount.StringFixed(2), t.Currency, t.PaymentReference, deadline)
	}
	title, ok := titles[escrow.TransitionKind(event)]
	if !ok {
		title = "Transaction update"
	}
	return title, fmt.Sprintf("Transaction %s is now %s.", t.Reference, t.State)
}
