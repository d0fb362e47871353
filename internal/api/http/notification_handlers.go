package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/escrow-hub/escrow-hub/internal/domain/escrow"
	"github.com/escrow-hub/escrow-hub/internal/domain/notification"
)

// Notification handlers
func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromContext(r.Context())
	limit, offset := parseLimitOffset(r, 50, 200)
	var filter notification.Filter
	if v := optionalQuery(r, "transactionId"); v != nil {
		id, err := uuid.Parse(*v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid transactionId")
			return
		}
		filter.TransactionID = &id
	}
	if v := optionalQuery(r, "status"); v != nil {
		st := notification.Status(*v)
		filter.Status = &st
	}
	if v := optionalQuery(r, "channel"); v != nil {
		ch := notification.Channel(*v)
		filter.Channel = &ch
	}
	filter.Recipient = optionalQuery(r, "recipient")
	if actor.Role != escrow.RoleAdmin {
		self := actor.ID
		filter.Recipient = &self
	}
	ns, err := s.notificationSvc.ListNotifications(r.Context(), filter, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"notifications": ns})
}

func (s *Server) transactionNotifications(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "transactionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid transactionId")
		return
	}
	actor, _ := actorFromContext(r.Context())
	if _, err := s.actionSvc.Get(r.Context(), actor, id); err != nil {
		s.respondActionError(w, r, nil, err)
		return
	}
	filter := notification.Filter{TransactionID: &id}
	if actor.Role != escrow.RoleAdmin {
		self := actor.ID
		filter.Recipient = &self
	}
	limit, offset := parseLimitOffset(r, 100, 500)
	ns, err := s.notificationSvc.ListNotifications(r.Context(), filter, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"notifications": ns})
}

func (s *Server) getNotification(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "notificationId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid notificationId")
		return
	}
	n, err := s.notificationSvc.GetNotification(r.Context(), id)
	actor, _ := actorFromContext(r.Context())
	if err != nil || (actor.Role != escrow.RoleAdmin && n.Recipient != actor.ID) {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "notification not found")
		return
	}
	respondJSON(w, http.StatusOK, n)
}

func (s *Server) notificationAttempts(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "notificationId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid notificationId")
		return
	}
	attempts, err := s.notificationSvc.GetDeliveryAttempts(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"attempts": attempts})
}

func (s *Server) sendNotification(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "notificationId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid notificationId")
		return
	}
	if err := s.notificationSvc.SendNotification(r.Context(), id); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	n, err := s.notificationSvc.GetNotification(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"notification_id": id, "status": n.Status})
}

// sseEndpoint streams the caller's notifications. Admins also receive the
// admin broadcasts. With transaction_id the stream carries only that
// transaction's events and the caller must be able to see it.
func (s *Server) sseEndpoint(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromContext(r.Context())
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	var follow *uuid.UUID
	if v := optionalQuery(r, "transaction_id"); v != nil {
		id, err := uuid.Parse(*v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid transaction_id")
			return
		}
		if _, err := s.actionSvc.Get(r.Context(), actor, id); err != nil {
			s.respondActionError(w, r, nil, err)
			return
		}
		follow = &id
	}
	client := notification.NewSSEClient(clientID, actor.ID, actor.Role == escrow.RoleAdmin, follow)

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported")
		return
	}
	s.sseHub.Register(client)
	defer s.sseHub.Unregister(client)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	// Send an initial comment to flush headers and keep the connection alive.
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	keepAlive := time.NewTicker(25 * time.Second)
	defer keepAlive.Stop()

	ctx := r.Context()
	for {
		select {
		case msg, ok := <-client.MessageChan:
			if !ok || msg == nil {
				return
			}
			payload, _ := json.Marshal(msg)
			_, _ = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", msg.ID, msg.Event, payload)
			flusher.Flush()
		case <-keepAlive.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}
