package escrow

import (
	"fmt"
	"time"
)

// rule is one row of the transition table.
type rule struct {
	from  []State
	roles []Role
	// applied reports that the effect of the request is already in place, in
	// which case the request is a no-op instead of an error.
	applied func(t *Transaction, p Payload) bool
	apply   func(t *Transaction, req TransitionRequest) error
}

var (
	beforePayment = []State{
		StateCreated,
		StateContractGenerated,
		StateContractSigned,
		StateAwaitingPayment,
		StatePaymentProofSubmitted,
	}
	parties    = []Role{RoleBuyer, RoleSeller, RoleDealer}
	sellerSide = []Role{RoleSeller, RoleDealer, RoleAdmin}
)

var rules = map[TransitionKind]rule{
	KindGenerateContract: {
		from:    []State{StateCreated},
		roles:   []Role{RoleSeller, RoleDealer, RoleAdmin, RoleSystem},
		applied: inState(StateContractGenerated),
		apply:   applyGenerateContract,
	},
	KindUploadSignedContract: {
		from:  []State{StateContractGenerated},
		roles: []Role{RoleBuyer},
		applied: func(t *Transaction, p Payload) bool {
			return t.SignedContractRef != "" && t.SignedContractRef == p.DocumentRef
		},
		apply: applyUploadSignedContract,
	},
	KindOpenPaymentWindow: {
		from:    []State{StateContractSigned},
		roles:   []Role{RoleSystem, RoleAdmin},
		applied: inState(StateAwaitingPayment),
		apply:   applyOpenPaymentWindow,
	},
	KindSubmitPaymentProof: {
		from:  []State{StateAwaitingPayment, StatePaymentProofSubmitted},
		roles: []Role{RoleBuyer},
		applied: func(t *Transaction, p Payload) bool {
			pending := t.PendingProof()
			return pending != nil && pending.DocumentRef == p.DocumentRef
		},
		apply: applySubmitPaymentProof,
	},
	KindConfirmPayment: {
		from:  []State{StateContractSigned, StateAwaitingPayment, StatePaymentProofSubmitted},
		roles: sellerSide,
		applied: func(t *Transaction, p Payload) bool {
			return t.PaymentVerifiedAt != nil && (p.BankReference == "" || p.BankReference == t.BankReference)
		},
		apply: applyConfirmPayment,
	},
	KindRejectPayment: {
		from:  []State{StatePaymentProofSubmitted},
		roles: sellerSide,
		apply: applyRejectPayment,
	},
	KindScheduleInspection: {
		from:    []State{StatePaymentVerified},
		roles:   []Role{RoleBuyer, RoleSeller, RoleDealer, RoleAdmin},
		applied: inState(StateInspectionScheduled),
		apply:   applyScheduleInspection,
	},
	KindCompleteInspection: {
		from:    []State{StateInspectionScheduled},
		roles:   []Role{RoleBuyer, RoleAdmin, RoleSystem},
		applied: inState(StateInspectionCompleted),
		apply:   applyCompleteInspection,
	},
	KindReleaseFunds: {
		from:  []State{StatePaymentVerified, StateInspectionCompleted, StateReadyForDelivery, StateDelivered},
		roles: []Role{RoleAdmin},
		apply: applyReleaseFunds,
	},
	KindMarkReadyForDelivery: {
		from:    []State{StatePaymentVerified, StateInspectionCompleted, StateFundsReleased},
		roles:   sellerSide,
		applied: inState(StateReadyForDelivery),
		apply:   enterWith(StateReadyForDelivery, "vehicle ready for delivery"),
	},
	KindMarkDelivered: {
		from:    []State{StateFundsReleased, StateReadyForDelivery},
		roles:   []Role{RoleBuyer, RoleSeller, RoleDealer, RoleAdmin},
		applied: inState(StateDelivered),
		apply:   enterWith(StateDelivered, "vehicle delivered"),
	},
	KindComplete: {
		from:    []State{StateDelivered},
		roles:   []Role{RoleBuyer, RoleAdmin, RoleSystem},
		applied: inState(StateCompleted),
		apply:   applyComplete,
	},
	KindCancel: {
		from:    append(append([]State{}, beforePayment...), StateExpired),
		roles:   []Role{RoleBuyer, RoleDealer, RoleAdmin, RoleSystem},
		applied: inState(StateCancelled),
		apply:   applyCancel,
	},
	KindRefund: {
		from:  []State{StatePaymentVerified, StateInspectionScheduled, StateInspectionCompleted, StateReadyForDelivery, StateDisputed},
		roles: []Role{RoleAdmin},
		apply: applyRefund,
	},
	KindRaiseDispute: {
		from: []State{
			StateCreated, StateContractGenerated, StateContractSigned, StateAwaitingPayment,
			StatePaymentProofSubmitted, StatePaymentVerified, StateInspectionScheduled,
			StateInspectionCompleted, StateFundsReleased, StateReadyForDelivery,
			StateDelivered, StateExpired,
		},
		roles: append(append([]Role{}, parties...), RoleAdmin),
		apply: applyRaiseDispute,
	},
	KindRespondDispute: {
		from:  []State{StateDisputed},
		roles: parties,
		apply: applyRespondDispute,
	},
	KindUpdateDispute: {
		from:  []State{StateDisputed},
		roles: []Role{RoleAdmin},
		applied: func(t *Transaction, p Payload) bool {
			d := t.OpenDispute()
			return d != nil && d.Status == p.DisputeStatus
		},
		apply: applyUpdateDispute,
	},
	KindResolveDispute: {
		from:  []State{StateDisputed},
		roles: []Role{RoleAdmin},
		apply: applyResolveDispute,
	},
	KindExpire: {
		from:    []State{StateAwaitingPayment, StateContractGenerated},
		roles:   []Role{RoleSystem, RoleAdmin},
		applied: inState(StateExpired),
		apply:   applyExpire,
	},
	KindReopen: {
		from:  []State{StateExpired},
		roles: []Role{RoleAdmin},
		apply: applyReopen,
	},
	KindRecordDocument: {
		from:  AllStates,
		roles: []Role{RoleSystem, RoleAdmin},
		applied: func(t *Transaction, p Payload) bool {
			switch p.DocumentKind {
			case DocumentContract:
				return p.DocumentRef != "" && t.ContractRef == p.DocumentRef
			case DocumentInvoice:
				return p.DocumentRef != "" && t.InvoiceRef == p.DocumentRef
			}
			return false
		},
		apply: applyRecordDocument,
	},
}

// Kinds returns every transition kind accepted by Transition.
func Kinds() []TransitionKind {
	out := make([]TransitionKind, 0, len(rules))
	for k := range rules {
		out = append(out, k)
	}
	return out
}

// CanApply reports whether kind is legal from state according to the
// adjacency table alone.
func CanApply(kind TransitionKind, state State) bool {
	r, ok := rules[kind]
	return ok && containsState(r.from, state)
}

// Transition validates req against the transaction and applies it in place.
// It returns the log entry describing the change, or nil when the request is
// a no-op because its effect is already in place. On error the transaction
// is left untouched.
func (t *Transaction) Transition(req TransitionRequest) (*LogEntry, error) {
	r, ok := rules[req.Kind]
	if !ok {
		return nil, newTransitionError(ErrInvalidTransition, req.Kind, t.State, "unknown transition kind")
	}
	if err := t.authorize(req.Kind, r.roles, req.Actor); err != nil {
		return nil, err
	}
	if err := t.guardFunds(req.Kind); err != nil {
		return nil, err
	}
	if (req.Kind == KindReleaseFunds || req.Kind == KindComplete) && t.OpenDispute() != nil {
		return nil, newTransitionError(ErrDisputeBlocking, req.Kind, t.State, "dispute "+t.OpenDispute().ID.String()+" is open")
	}
	if r.applied != nil && r.applied(t, req.Payload) {
		return nil, nil
	}
	if err := t.guardDeadline(req); err != nil {
		return nil, err
	}
	if !containsState(r.from, t.State) {
		return nil, newTransitionError(ErrInvalidTransition, req.Kind, t.State, "")
	}

	from := t.State
	if err := r.apply(t, req); err != nil {
		return nil, err
	}
	t.Version++
	t.UpdatedAt = req.At.UTC()
	return &LogEntry{
		TransactionID: t.ID,
		Seq:           t.Version,
		RequestID:     req.RequestID,
		Kind:          req.Kind,
		Actor:         req.Actor,
		Payload:       req.Payload,
		FromState:     from,
		ToState:       t.State,
		AppliedAt:     req.At.UTC(),
	}, nil
}

func (t *Transaction) authorize(kind TransitionKind, roles []Role, actor Actor) error {
	if !containsRole(roles, actor.Role) {
		return newTransitionError(ErrUnauthorized, kind, t.State, fmt.Sprintf("role %q may not %s", actor.Role, kind))
	}
	var party string
	switch actor.Role {
	case RoleBuyer:
		party = t.BuyerID
	case RoleSeller:
		party = t.SellerID
	case RoleDealer:
		party = t.DealerID
	default:
		return nil
	}
	if party == "" || actor.ID != party {
		return newTransitionError(ErrUnauthorized, kind, t.State, fmt.Sprintf("actor is not the %s of this transaction", actor.Role))
	}
	return nil
}

func (t *Transaction) guardFunds(kind TransitionKind) error {
	switch {
	case kind == KindReleaseFunds && t.Release != nil:
		return newTransitionError(ErrAlreadyApplied, kind, t.State,
			fmt.Sprintf("funds released at %s by %s", t.Release.ReleasedAt.Format(time.RFC3339), t.Release.ReleasedBy))
	case kind == KindRefund && t.Refund != nil:
		return newTransitionError(ErrAlreadyApplied, kind, t.State,
			fmt.Sprintf("refund of %s recorded at %s", t.Refund.Amount.StringFixed(2), t.Refund.RefundedAt.Format(time.RFC3339)))
	}
	return nil
}

func (t *Transaction) guardDeadline(req TransitionRequest) error {
	switch req.Kind {
	case KindSubmitPaymentProof:
		if t.State == StateExpired {
			return newTransitionError(ErrDeadlinePassed, req.Kind, t.State, "payment deadline expired, an administrator must reopen the transaction")
		}
		if (t.State == StateAwaitingPayment || t.State == StatePaymentProofSubmitted) &&
			t.PaymentDeadline != nil && req.At.After(*t.PaymentDeadline) {
			return newTransitionError(ErrDeadlinePassed, req.Kind, t.State, "payment deadline was "+t.PaymentDeadline.Format(time.RFC3339))
		}
	case KindConfirmPayment, KindUploadSignedContract:
		if t.State == StateExpired {
			return newTransitionError(ErrDeadlinePassed, req.Kind, t.State, "transaction expired, an administrator must reopen it")
		}
	}
	return nil
}

// enter moves to s and appends the history entry.
func (t *Transaction) enter(s State, req TransitionRequest, reason string) {
	at := req.At.UTC()
	t.State = s
	t.StateEnteredAt = at
	t.History = append(t.History, HistoryEntry{
		State:  s,
		Actor:  req.Actor,
		At:     at,
		Reason: reasonOr(req.Payload.Reason, reason),
	})
}

func inState(s State) func(*Transaction, Payload) bool {
	return func(t *Transaction, _ Payload) bool { return t.State == s }
}

func enterWith(s State, reason string) func(*Transaction, TransitionRequest) error {
	return func(t *Transaction, req TransitionRequest) error {
		t.enter(s, req, reason)
		return nil
	}
}

func invalid(req TransitionRequest, t *Transaction, reason string) error {
	return newTransitionError(ErrInvalidTransition, req.Kind, t.State, reason)
}

func applyGenerateContract(t *Transaction, req TransitionRequest) error {
	if req.Payload.DocumentRef != "" {
		t.ContractRef = req.Payload.DocumentRef
	}
	t.enter(StateContractGenerated, req, "contract generated")
	return nil
}

func applyUploadSignedContract(t *Transaction, req TransitionRequest) error {
	if req.Payload.DocumentRef == "" {
		return invalid(req, t, "signed contract document is required")
	}
	t.SignedContractRef = req.Payload.DocumentRef
	t.enter(StateContractSigned, req, "signed contract uploaded")
	return nil
}

func applyOpenPaymentWindow(t *Transaction, req TransitionRequest) error {
	if req.Payload.Deadline == nil || !req.Payload.Deadline.After(req.At) {
		return invalid(req, t, "a payment deadline in the future is required")
	}
	dl := req.Payload.Deadline.UTC()
	t.PaymentDeadline = &dl
	t.enter(StateAwaitingPayment, req, "awaiting bank transfer")
	return nil
}

func applySubmitPaymentProof(t *Transaction, req TransitionRequest) error {
	if req.Payload.DocumentRef == "" {
		return invalid(req, t, "payment proof document is required")
	}
	for i := range t.Proofs {
		if t.Proofs[i].Status == ProofPending {
			t.Proofs[i].Status = ProofSuperseded
		}
	}
	t.Proofs = append(t.Proofs, PaymentProof{
		ID:          req.RequestID,
		DocumentRef: req.Payload.DocumentRef,
		SubmittedAt: req.At.UTC(),
		Status:      ProofPending,
	})
	t.enter(StatePaymentProofSubmitted, req, "payment proof submitted")
	return nil
}

func applyConfirmPayment(t *Transaction, req TransitionRequest) error {
	at := req.At.UTC()
	if p := t.PendingProof(); p != nil {
		actor := req.Actor
		p.Status = ProofVerified
		p.ReviewedBy = &actor
		p.ReviewedAt = &at
	}
	t.BankReference = req.Payload.BankReference
	t.PaymentVerifiedAt = &at
	t.PaymentDeadline = nil
	t.enter(StatePaymentVerified, req, "bank transfer confirmed")
	return nil
}

func applyRejectPayment(t *Transaction, req TransitionRequest) error {
	p := t.PendingProof()
	if p == nil {
		return invalid(req, t, "no payment proof pending review")
	}
	at := req.At.UTC()
	actor := req.Actor
	p.Status = ProofRejected
	p.ReviewedBy = &actor
	p.ReviewedAt = &at
	p.Reason = req.Payload.Reason
	t.enter(StateAwaitingPayment, req, "payment proof rejected")
	return nil
}

func applyScheduleInspection(t *Transaction, req TransitionRequest) error {
	if req.Payload.ScheduledAt != nil {
		at := req.Payload.ScheduledAt.UTC()
		t.Inspection.ScheduledAt = &at
	}
	t.Inspection.Location = req.Payload.Location
	t.enter(StateInspectionScheduled, req, "inspection scheduled")
	return nil
}

func applyCompleteInspection(t *Transaction, req TransitionRequest) error {
	result := req.Payload.InspectionResult
	if result != InspectionPassed && result != InspectionFailed {
		return invalid(req, t, "inspection result must be passed or failed")
	}
	at := req.At.UTC()
	t.Inspection.Result = result
	t.Inspection.Notes = req.Payload.Notes
	t.Inspection.CompletedAt = &at
	if result == InspectionPassed {
		t.enter(StateInspectionCompleted, req, "inspection passed")
		return nil
	}
	t.Disputes = append(t.Disputes, Dispute{
		ID:          req.RequestID,
		Type:        DisputeVehicleCondition,
		Status:      DisputeOpen,
		RaisedBy:    req.Actor,
		Description: reasonOr(req.Payload.Notes, "vehicle failed inspection"),
		OpenedAt:    at,
	})
	t.DisputeHold = &Hold{State: StateInspectionCompleted}
	t.enter(StateDisputed, req, "inspection failed")
	return nil
}

func applyReleaseFunds(t *Transaction, req TransitionRequest) error {
	gross, net := t.Split()
	t.Release = &ReleaseRecord{
		ID:               req.RequestID,
		Amount:           gross,
		SellerNet:        net,
		ServiceFee:       t.ServiceFee,
		DealerCommission: t.DealerCommission,
		ReleasedBy:       req.Actor,
		ReleasedAt:       req.At.UTC(),
	}
	target := t.State
	if t.State == StatePaymentVerified || t.State == StateInspectionCompleted {
		target = StateFundsReleased
	}
	t.enter(target, req, "funds released to seller")
	return nil
}

func applyComplete(t *Transaction, req TransitionRequest) error {
	if t.Release == nil {
		return invalid(req, t, "funds have not been released")
	}
	t.enter(StateCompleted, req, "transaction completed")
	return nil
}

func applyCancel(t *Transaction, req TransitionRequest) error {
	t.CancellationReason = reasonOr(req.Payload.Reason, "cancelled by "+string(req.Actor.Role))
	t.PaymentDeadline = nil
	t.ExpiryHold = nil
	t.enter(StateCancelled, req, "transaction cancelled")
	return nil
}

func applyRefund(t *Transaction, req TransitionRequest) error {
	if t.Release != nil {
		return invalid(req, t, "funds already released")
	}
	if t.PaymentVerifiedAt == nil {
		return invalid(req, t, "no verified payment to refund")
	}
	at := req.At.UTC()
	if d := t.OpenDispute(); d != nil {
		d.Status = DisputeClosed
		d.Outcome = OutcomeRefundFull
		d.Resolution = req.Payload.Reason
		d.ClosedAt = &at
	}
	t.Refund = &RefundRecord{
		ID:         req.RequestID,
		Amount:     t.Amount,
		Reason:     req.Payload.Reason,
		RefundedBy: req.Actor,
		RefundedAt: at,
	}
	t.RefundReason = reasonOr(req.Payload.Reason, "refunded by administrator")
	t.DisputeHold = nil
	t.enter(StateRefunded, req, "funds refunded to buyer")
	return nil
}

func applyRaiseDispute(t *Transaction, req TransitionRequest) error {
	if !req.Payload.DisputeType.Valid() {
		return invalid(req, t, "unknown dispute type")
	}
	at := req.At.UTC()
	hold := &Hold{State: t.State}
	if t.PaymentDeadline != nil && (t.State == StateAwaitingPayment || t.State == StatePaymentProofSubmitted) {
		remaining := t.PaymentDeadline.Sub(at)
		hold.DeadlineRemaining = &remaining
		t.PaymentDeadline = nil
	}
	t.DisputeHold = hold
	t.Disputes = append(t.Disputes, Dispute{
		ID:          req.RequestID,
		Type:        req.Payload.DisputeType,
		Status:      DisputeOpen,
		RaisedBy:    req.Actor,
		Description: reasonOr(req.Payload.Message, req.Payload.Reason),
		OpenedAt:    at,
	})
	t.enter(StateDisputed, req, "dispute raised")
	return nil
}

func applyRespondDispute(t *Transaction, req TransitionRequest) error {
	d := t.OpenDispute()
	if d == nil {
		return invalid(req, t, "no open dispute")
	}
	if req.Payload.Message == "" {
		return invalid(req, t, "response message is required")
	}
	d.Responses = append(d.Responses, DisputeResponse{Actor: req.Actor, Message: req.Payload.Message, At: req.At.UTC()})
	d.Status = DisputeAwaitingResponse
	return nil
}

func applyUpdateDispute(t *Transaction, req TransitionRequest) error {
	d := t.OpenDispute()
	if d == nil {
		return invalid(req, t, "no open dispute")
	}
	switch req.Payload.DisputeStatus {
	case DisputeInvestigating, DisputeAwaitingResponse, DisputeEscalated:
		d.Status = req.Payload.DisputeStatus
		return nil
	}
	return invalid(req, t, "dispute status must be investigating, awaiting_response or escalated")
}

func applyResolveDispute(t *Transaction, req TransitionRequest) error {
	d := t.OpenDispute()
	if d == nil || t.DisputeHold == nil {
		return invalid(req, t, "no open dispute")
	}
	outcome := req.Payload.Outcome
	if !outcome.Valid() {
		return invalid(req, t, "unknown dispute outcome")
	}
	at := req.At.UTC()
	var refund *RefundRecord
	switch outcome {
	case OutcomeRefundFull, OutcomeRefundPartial:
		if t.Release != nil {
			return invalid(req, t, "funds already released")
		}
		if t.Refund != nil {
			return invalid(req, t, "refund already recorded")
		}
		if t.PaymentVerifiedAt == nil {
			return invalid(req, t, "no verified payment to refund")
		}
		refund = &RefundRecord{
			ID:         req.RequestID,
			Amount:     t.Amount,
			Reason:     reasonOr(req.Payload.Reason, "dispute resolved with refund"),
			RefundedBy: req.Actor,
			RefundedAt: at,
		}
		if outcome == OutcomeRefundPartial {
			amt := req.Payload.RefundAmount
			if amt == nil || !amt.IsPositive() || !amt.LessThan(t.Amount) {
				return invalid(req, t, "partial refund amount must be positive and below the transaction amount")
			}
			refund.Amount = *amt
			refund.Partial = true
		}
	}

	d.Outcome = outcome
	d.Resolution = req.Payload.Reason
	d.ClosedAt = &at
	d.Status = DisputeResolved
	if outcome == OutcomeDismissed {
		d.Status = DisputeClosed
	}
	hold := t.DisputeHold
	t.DisputeHold = nil

	if outcome == OutcomeRefundFull {
		t.Refund = refund
		t.RefundReason = refund.Reason
		t.enter(StateRefunded, req, "dispute resolved: "+string(outcome))
		return nil
	}
	if refund != nil {
		t.Refund = refund
	}
	if hold.DeadlineRemaining != nil {
		remaining := *hold.DeadlineRemaining
		if remaining < 0 {
			remaining = 0
		}
		dl := at.Add(remaining)
		t.PaymentDeadline = &dl
	}
	t.enter(hold.State, req, "dispute resolved: "+string(outcome))
	return nil
}

func applyExpire(t *Transaction, req TransitionRequest) error {
	if t.State == StateAwaitingPayment && (t.PaymentDeadline == nil || !req.At.After(*t.PaymentDeadline)) {
		return invalid(req, t, "payment deadline not reached")
	}
	t.ExpiryHold = &Hold{State: t.State}
	t.enter(StateExpired, req, "deadline expired")
	return nil
}

func applyReopen(t *Transaction, req TransitionRequest) error {
	hold := t.ExpiryHold
	if hold == nil {
		return invalid(req, t, "no state to reopen into")
	}
	if hold.State == StateAwaitingPayment {
		if req.Payload.Deadline == nil || !req.Payload.Deadline.After(req.At) {
			return invalid(req, t, "a payment deadline in the future is required")
		}
		dl := req.Payload.Deadline.UTC()
		t.PaymentDeadline = &dl
	}
	t.ExpiryHold = nil
	t.enter(hold.State, req, "reopened by administrator")
	return nil
}

func applyRecordDocument(t *Transaction, req TransitionRequest) error {
	if req.Payload.DocumentRef == "" {
		return invalid(req, t, "document reference is required")
	}
	switch req.Payload.DocumentKind {
	case DocumentContract:
		t.ContractRef = req.Payload.DocumentRef
	case DocumentInvoice:
		t.InvoiceRef = req.Payload.DocumentRef
	default:
		return invalid(req, t, "document kind must be contract or invoice")
	}
	return nil
}

func containsState(list []State, s State) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsRole(list []Role, r Role) bool {
	for _, v := range list {
		if v == r {
			return true
		}
	}
	return false
}
