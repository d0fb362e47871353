package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/escrow-hub/escrow-hub/internal/application/actions"
	"github.com/escrow-hub/escrow-hub/internal/application/engine"
	appNotification "github.com/escrow-hub/escrow-hub/internal/application/notification"
	"github.com/escrow-hub/escrow-hub/internal/domain/escrow"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/kyc"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/memory"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/sse"
)

var (
	buyer    = escrow.Actor{ID: "buyer-1", Role: escrow.RoleBuyer}
	seller   = escrow.Actor{ID: "seller-1", Role: escrow.RoleSeller}
	admin    = escrow.Actor{ID: "admin-1", Role: escrow.RoleAdmin}
	stranger = escrow.Actor{ID: "buyer-2", Role: escrow.RoleBuyer}
)

type testAPI struct {
	handler http.Handler
	auth    *Authenticator
}

func newTestAPI(t *testing.T, opts ...Option) *testAPI {
	t.Helper()
	ledger := memory.NewLedger()
	hub := sse.NewHub()
	t.Cleanup(hub.Stop)
	notifications := appNotification.NewService(memory.NewNotificationRepository(), hub, zerolog.Nop())
	e := engine.NewEngine(ledger, zerolog.Nop(), engine.WithHooks(notifications))
	svc := actions.NewService(e, ledger, kyc.Disabled{}, zerolog.Nop())
	auth := NewAuthenticator([]byte("test-secret"), "escrow-hub", time.Hour)
	return &testAPI{
		handler: NewServer(svc, notifications, hub, auth, zerolog.Nop(), opts...).Router(),
		auth:    auth,
	}
}

func (a *testAPI) do(t *testing.T, actor *escrow.Actor, method, path string, body interface{}, headers ...string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if actor != nil {
		token, err := a.auth.Issue(*actor)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	var out map[string]interface{}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func (a *testAPI) create(t *testing.T) string {
	t.Helper()
	rec, out := a.do(t, &buyer, http.MethodPost, "/v1/transactions", map[string]interface{}{
		"sellerId":  seller.ID,
		"vehicleId": "vehicle-77",
		"amount":    "25000",
		"currency":  "EUR",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return out["id"].(string)
}

func (a *testAPI) toPaymentVerified(t *testing.T) string {
	t.Helper()
	id := a.create(t)
	base := "/v1/transactions/" + id
	steps := []struct {
		actor escrow.Actor
		path  string
		body  interface{}
	}{
		{seller, "/contract", nil},
		{buyer, "/contract/signed", map[string]string{"documentRef": "contracts/signed.pdf"}},
		{buyer, "/payment/proof", map[string]string{"documentRef": "proofs/transfer.pdf"}},
		{seller, "/payment/confirm", map[string]string{"bankReference": "AS24-ABC123"}},
	}
	for _, step := range steps {
		actor := step.actor
		rec, _ := a.do(t, &actor, http.MethodPost, base+step.path, step.body)
		require.Equal(t, http.StatusOK, rec.Code, "%s: %s", step.path, rec.Body.String())
	}
	return id
}

func TestAuth(t *testing.T) {
	api := newTestAPI(t)

	t.Run("missing token", func(t *testing.T) {
		rec, out := api.do(t, nil, http.MethodGet, "/v1/transactions", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "UNAUTHORIZED", out["error"])
	})

	t.Run("expired token", func(t *testing.T) {
		old := NewAuthenticator([]byte("test-secret"), "escrow-hub", time.Minute)
		old.now = func() time.Time { return time.Now().Add(-time.Hour) }
		token, err := old.Issue(buyer)
		require.NoError(t, err)
		_, err = api.auth.Verify(token)
		assert.Error(t, err)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewAuthenticator([]byte("other"), "escrow-hub", time.Minute)
		token, err := other.Issue(buyer)
		require.NoError(t, err)
		_, err = api.auth.Verify(token)
		assert.Error(t, err)
	})

	t.Run("round trip", func(t *testing.T) {
		token, err := api.auth.Issue(seller)
		require.NoError(t, err)
		actor, err := api.auth.Verify(token)
		require.NoError(t, err)
		assert.Equal(t, seller, actor)
	})

	t.Run("invalid role is not issued", func(t *testing.T) {
		_, err := api.auth.Issue(escrow.Actor{ID: "x", Role: "root"})
		assert.Error(t, err)
	})
}

func TestCreateTransaction(t *testing.T) {
	api := newTestAPI(t)

	t.Run("created", func(t *testing.T) {
		rec, out := api.do(t, &buyer, http.MethodPost, "/v1/transactions", map[string]interface{}{
			"sellerId": seller.ID, "vehicleId": "v-1", "amount": "1000",
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		assert.Equal(t, "created", out["state"])
		assert.Equal(t, buyer.ID, out["buyerId"])
	})

	t.Run("validation error", func(t *testing.T) {
		rec, out := api.do(t, &buyer, http.MethodPost, "/v1/transactions", map[string]interface{}{
			"sellerId": seller.ID, "vehicleId": "v-1", "amount": "0",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "VALIDATION_ERROR", out["error"])
	})

	t.Run("unknown field", func(t *testing.T) {
		rec, out := api.do(t, &buyer, http.MethodPost, "/v1/transactions", map[string]interface{}{
			"sellerId": seller.ID, "vehicleId": "v-1", "amount": "10", "price": 1,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_BODY", out["error"])
	})

	t.Run("seller may not create", func(t *testing.T) {
		rec, out := api.do(t, &seller, http.MethodPost, "/v1/transactions", map[string]interface{}{
			"sellerId": "seller-2", "vehicleId": "v-1", "amount": "10",
		})
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "UNAUTHORIZED_ACTOR", out["error"])
	})

	t.Run("duplicate id", func(t *testing.T) {
		id := uuid.New()
		body := map[string]interface{}{
			"transactionId": id, "sellerId": seller.ID, "vehicleId": "v-1", "amount": "10",
		}
		rec, _ := api.do(t, &buyer, http.MethodPost, "/v1/transactions", body)
		require.Equal(t, http.StatusCreated, rec.Code)
		rec, out := api.do(t, &buyer, http.MethodPost, "/v1/transactions", body)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "DUPLICATE", out["error"])
	})
}

func TestTransitionErrors(t *testing.T) {
	api := newTestAPI(t)
	id := api.toPaymentVerified(t)
	base := "/v1/transactions/" + id

	rec, out := api.do(t, &buyer, http.MethodPost, base+"/release", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "UNAUTHORIZED_ACTOR", out["error"])

	rec, out = api.do(t, &buyer, http.MethodPost, base+"/dispute", map[string]string{
		"type": "vehicle_condition", "reason": "dent on the door",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "disputed", out["state"])

	rec, out = api.do(t, &admin, http.MethodPost, base+"/release", nil)
	assert.Equal(t, http.StatusLocked, rec.Code)
	assert.Equal(t, "DISPUTE_BLOCKING", out["error"])
	snapshot, ok := out["transaction"].(map[string]interface{})
	require.True(t, ok, "rejection carries the snapshot")
	assert.Equal(t, "disputed", snapshot["state"])

	rec, _ = api.do(t, &admin, http.MethodPost, base+"/dispute/resolve", map[string]string{"outcome": "no_action"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, out = api.do(t, &admin, http.MethodPost, base+"/release", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "funds_released", out["state"])

	rec, out = api.do(t, &admin, http.MethodPost, base+"/release", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ALREADY_APPLIED", out["error"])

	rec, out = api.do(t, &buyer, http.MethodPost, base+"/contract/signed", map[string]string{"documentRef": "x"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVALID_TRANSITION", out["error"])

	rec, _ = api.do(t, &buyer, http.MethodPost, "/v1/transactions/not-a-uuid/cancel", map[string]string{"reason": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIdempotencyKey(t *testing.T) {
	api := newTestAPI(t)
	id := api.create(t)
	path := "/v1/transactions/" + id + "/contract"
	key := uuid.NewString()

	rec, first := api.do(t, &seller, http.MethodPost, path, nil, "Idempotency-Key", key)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec, again := api.do(t, &seller, http.MethodPost, path, nil, "Idempotency-Key", key)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, first["version"], again["version"])

	rec, _ = api.do(t, &seller, http.MethodPost, path, nil, "Idempotency-Key", "nope")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReadEndpoints(t *testing.T) {
	api := newTestAPI(t)
	id := api.toPaymentVerified(t)

	t.Run("stranger sees nothing", func(t *testing.T) {
		rec, _ := api.do(t, &stranger, http.MethodGet, "/v1/transactions/"+id, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		rec, out := api.do(t, &stranger, http.MethodGet, "/v1/transactions", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, out["transactions"])
	})

	t.Run("log", func(t *testing.T) {
		rec, out := api.do(t, &seller, http.MethodGet, "/v1/transactions/"+id+"/log", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		entries := out["entries"].([]interface{})
		assert.Len(t, entries, 6)
	})

	t.Run("replay is admin only", func(t *testing.T) {
		rec, _ := api.do(t, &buyer, http.MethodPost, "/v1/transactions/"+id+"/replay", nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		rec, out := api.do(t, &admin, http.MethodPost, "/v1/transactions/"+id+"/replay", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, out["matches"])
	})

	t.Run("stats", func(t *testing.T) {
		rec, out := api.do(t, &admin, http.MethodGet, "/v1/transactions/stats", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(1), out["total"])
		assert.Equal(t, float64(1), out["paymentReceived"])

		rec, out = api.do(t, &buyer, http.MethodGet, "/v1/transactions/stats", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(1), out["total"])

		rec, out = api.do(t, &stranger, http.MethodGet, "/v1/transactions/stats", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(0), out["total"])
	})

	t.Run("payment instructions after payment", func(t *testing.T) {
		rec, out := api.do(t, &buyer, http.MethodGet, "/v1/transactions/"+id+"/payment-instructions", nil)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, "PAYMENT_INSTRUCTIONS_UNAVAILABLE", out["error"])
	})

	t.Run("notifications are scoped to the caller", func(t *testing.T) {
		rec, out := api.do(t, &seller, http.MethodGet, "/v1/notifications?recipient="+buyer.ID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		for _, raw := range out["notifications"].([]interface{}) {
			n := raw.(map[string]interface{})
			assert.Equal(t, seller.ID, n["recipient"])
		}

		rec, out = api.do(t, &buyer, http.MethodGet, "/v1/transactions/"+id+"/notifications", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, out["notifications"])
	})

	t.Run("health", func(t *testing.T) {
		rec, out := api.do(t, nil, http.MethodGet, "/healthz", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ok", out["status"])
	})
}

func TestPaymentInstructions(t *testing.T) {
	api := newTestAPI(t)
	id := api.create(t)
	base := "/v1/transactions/" + id
	rec, _ := api.do(t, &seller, http.MethodPost, base+"/contract", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec, tx := api.do(t, &buyer, http.MethodPost, base+"/contract/signed", map[string]string{"documentRef": "contracts/signed.pdf"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, string(escrow.StateAwaitingPayment), tx["state"])

	rec, out := api.do(t, &buyer, http.MethodGet, base+"/payment-instructions", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, tx["paymentReference"], out["reference"])
	assert.Equal(t, "EUR", out["currency"])
	assert.NotEmpty(t, out["deadline"])

	rec, out = api.do(t, &seller, http.MethodGet, base+"/payment-instructions", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "UNAUTHORIZED_ACTOR", out["error"])

	rec, _ = api.do(t, &stranger, http.MethodGet, base+"/payment-instructions", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventStream(t *testing.T) {
	api := newTestAPI(t)
	id := api.create(t)

	stream := func(actor escrow.Actor, query string) *httptest.ResponseRecorder {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		req := httptest.NewRequest(http.MethodGet, "/v1/events"+query, nil).WithContext(ctx)
		token, err := api.auth.Issue(actor)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		api.handler.ServeHTTP(rec, req)
		return rec
	}

	t.Run("party follows its transaction", func(t *testing.T) {
		rec := stream(seller, "?transaction_id="+id)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
		assert.Contains(t, rec.Body.String(), ": connected")
	})

	t.Run("stranger cannot follow", func(t *testing.T) {
		rec := stream(stranger, "?transaction_id="+id)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("bad transaction id", func(t *testing.T) {
		rec := stream(buyer, "?transaction_id=nope")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRateLimit(t *testing.T) {
	api := newTestAPI(t, WithRateLimit(0.001, 2))

	for i := 0; i < 2; i++ {
		rec, _ := api.do(t, &buyer, http.MethodGet, "/v1/transactions", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec, out := api.do(t, &buyer, http.MethodGet, "/v1/transactions", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", out["error"])
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec, _ = api.do(t, &seller, http.MethodGet, "/v1/transactions", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "buckets are per actor")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&escrow.TransitionError{Err: escrow.ErrInvalidTransition}, http.StatusConflict},
		{&escrow.TransitionError{Err: escrow.ErrUnauthorized}, http.StatusForbidden},
		{&escrow.TransitionError{Err: escrow.ErrAlreadyApplied}, http.StatusConflict},
		{&escrow.TransitionError{Err: escrow.ErrDeadlinePassed}, http.StatusUnprocessableEntity},
		{&escrow.TransitionError{Err: escrow.ErrDisputeBlocking}, http.StatusLocked},
		{&escrow.TransitionError{Err: escrow.ErrPersistenceFailure}, http.StatusServiceUnavailable},
		{actions.ErrNotVerified, http.StatusForbidden},
		{actions.ErrNoPaymentInstructions, http.StatusUnprocessableEntity},
		{&actions.ValidationError{Field: "amount", Rule: "required"}, http.StatusBadRequest},
		{escrow.ErrNotFound, http.StatusNotFound},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			got, _ := statusFor(tt.err)
			assert.Equal(t, tt.want, got)
		})
	}
}
