package httpapi

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/escrow-hub/escrow-hub/internal/application/actions"
	"github.com/escrow-hub/escrow-hub/internal/domain/escrow"
)

// handleAction decodes the body into T and runs do against the transaction
// named in the path.
func handleAction[T any](s *Server, do func(ctx context.Context, cmd actions.Command, in T) (*escrow.Transaction, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseUUIDParam(r, "transactionId")
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid transactionId")
			return
		}
		cmd, ok := s.command(w, r)
		if !ok {
			return
		}
		cmd.TransactionID = id

		var in T
		if err := decodeBody(r, &in); err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}
		tx, err := do(r.Context(), cmd, in)
		if err != nil {
			s.respondActionError(w, r, tx, err)
			return
		}
		respondJSON(w, http.StatusOK, tx)
	}
}

func (s *Server) command(w http.ResponseWriter, r *http.Request) (actions.Command, bool) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing auth")
		return actions.Command{}, false
	}
	requestID, err := requestIDFromHeader(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "Idempotency-Key must be a UUID")
		return actions.Command{}, false
	}
	return actions.Command{RequestID: requestID, Actor: actor}, true
}

type createTransactionRequest struct {
	// TransactionID lets clients pick the id so a retried create is
	// recognised as a duplicate.
	TransactionID *uuid.UUID `json:"transactionId,omitempty"`
	actions.CreateOrderInput
}

func (s *Server) createTransaction(w http.ResponseWriter, r *http.Request) {
	cmd, ok := s.command(w, r)
	if !ok {
		return
	}
	var req createTransactionRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if req.TransactionID != nil {
		cmd.TransactionID = *req.TransactionID
	}
	tx, err := s.actionSvc.CreateOrder(r.Context(), cmd, req.CreateOrderInput)
	if err != nil {
		s.respondActionError(w, r, nil, err)
		return
	}
	respondJSON(w, http.StatusCreated, tx)
}

func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromContext(r.Context())
	limit, offset := parseLimitOffset(r, 50, 200)
	filter := escrow.Filter{
		BuyerID:  optionalQuery(r, "buyerId"),
		SellerID: optionalQuery(r, "sellerId"),
		DealerID: optionalQuery(r, "dealerId"),
	}
	if v := optionalQuery(r, "state"); v != nil {
		st := escrow.State(*v)
		if !st.Valid() {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "unknown state")
			return
		}
		filter.State = &st
	}
	txs, err := s.actionSvc.List(r.Context(), actor, filter, limit, offset)
	if err != nil {
		s.respondActionError(w, r, nil, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txs,
		"limit":        limit,
		"offset":       offset,
	})
}

func (s *Server) getTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "transactionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid transactionId")
		return
	}
	actor, _ := actorFromContext(r.Context())
	tx, err := s.actionSvc.Get(r.Context(), actor, id)
	if err != nil {
		s.respondActionError(w, r, nil, err)
		return
	}
	respondJSON(w, http.StatusOK, tx)
}

func (s *Server) transitionLog(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "transactionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid transactionId")
		return
	}
	actor, _ := actorFromContext(r.Context())
	entries, err := s.actionSvc.TransitionLog(r.Context(), actor, id)
	if err != nil {
		s.respondActionError(w, r, nil, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) replayTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "transactionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid transactionId")
		return
	}
	actor, _ := actorFromContext(r.Context())
	report, err := s.actionSvc.Replay(r.Context(), actor, id)
	if err != nil {
		s.respondActionError(w, r, nil, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) paymentInstructions(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "transactionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid transactionId")
		return
	}
	actor, _ := actorFromContext(r.Context())
	out, err := s.actionSvc.PaymentInstructions(r.Context(), actor, id)
	if err != nil {
		s.respondActionError(w, r, nil, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) statistics(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromContext(r.Context())
	stats, err := s.actionSvc.Statistics(r.Context(), actor)
	if err != nil {
		s.respondActionError(w, r, nil, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
