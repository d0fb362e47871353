package escrow

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

type signaturePayload struct {
	TransactionID string `json:"transactionId"`
	Seq           int64  `json:"seq"`
	RequestID     string `json:"requestId"`
	Kind          string `json:"kind"`
	Actor         string `json:"actor"`
	Payload       string `json:"payload"`
	FromState     string `json:"fromState,omitempty"`
	ToState       string `json:"toState"`
	AppliedAt     string `json:"appliedAt"`
	Previous      string `json:"previous,omitempty"`
}

func buildSignaturePayload(e *LogEntry, previous []byte) (signaturePayload, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return signaturePayload{}, err
	}
	sp := signaturePayload{
		TransactionID: e.TransactionID.String(),
		Seq:           e.Seq,
		RequestID:     e.RequestID.String(),
		Kind:          string(e.Kind),
		Actor:         e.Actor.String(),
		Payload:       base64.StdEncoding.EncodeToString(payload),
		FromState:     string(e.FromState),
		ToState:       string(e.ToState),
		AppliedAt:     e.AppliedAt.UTC().Format(time.RFC3339Nano),
	}
	if len(previous) > 0 {
		sp.Previous = base64.StdEncoding.EncodeToString(previous)
	}
	return sp, nil
}

// SignEntry computes the HMAC of an entry chained to the previous entry's
// signature.
func SignEntry(e *LogEntry, previous, key []byte) ([]byte, error) {
	payload, err := buildSignaturePayload(e, previous)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write(data)
	return mac.Sum(nil), nil
}

// VerifyChain checks every signature of a transaction's log in order.
func VerifyChain(entries []*LogEntry, key []byte) error {
	var previous []byte
	for _, e := range entries {
		expected, err := SignEntry(e, previous, key)
		if err != nil {
			return err
		}
		if !hmac.Equal(expected, e.Signature) {
			return fmt.Errorf("%w: seq %d", ErrBadSignature, e.Seq)
		}
		previous = e.Signature
	}
	return nil
}
