package escrow

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LogEntry is one row of the append-only transition log. Seq starts at 1 with
// the create entry and increases by one per applied transition.
type LogEntry struct {
	TransactionID uuid.UUID      `json:"transactionId"`
	Seq           int64          `json:"seq"`
	RequestID     uuid.UUID      `json:"requestId"`
	Kind          TransitionKind `json:"kind"`
	Actor         Actor          `json:"actor"`
	Payload       Payload        `json:"payload"`
	FromState     State          `json:"fromState,omitempty"`
	ToState       State          `json:"toState"`
	AppliedAt     time.Time      `json:"appliedAt"`
	Signature     []byte         `json:"signature,omitempty"`
}

// Request rebuilds the request that produced the entry.
func (e *LogEntry) Request() TransitionRequest {
	return TransitionRequest{
		RequestID:     e.RequestID,
		TransactionID: e.TransactionID,
		Kind:          e.Kind,
		Actor:         e.Actor,
		Payload:       e.Payload,
		At:            e.AppliedAt,
	}
}

// CreateEntry builds the first log entry for a freshly created transaction.
func CreateEntry(t *Transaction, req TransitionRequest) *LogEntry {
	return &LogEntry{
		TransactionID: t.ID,
		Seq:           1,
		RequestID:     req.RequestID,
		Kind:          KindCreate,
		Actor:         req.Actor,
		Payload:       req.Payload,
		ToState:       StateCreated,
		AppliedAt:     req.At.UTC(),
	}
}

// Replay rebuilds a transaction from its full transition log.
func Replay(entries []*LogEntry) (*Transaction, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: empty log", ErrReplayDiverged)
	}
	first := entries[0]
	if first.Kind != KindCreate || first.Seq != 1 {
		return nil, fmt.Errorf("%w: log must start with create at seq 1", ErrReplayDiverged)
	}
	t, err := NewTransaction(first.Request())
	if err != nil {
		return nil, fmt.Errorf("%w: create: %v", ErrReplayDiverged, err)
	}
	for _, e := range entries[1:] {
		produced, err := t.Transition(e.Request())
		if err != nil {
			return nil, fmt.Errorf("%w: seq %d (%s): %v", ErrReplayDiverged, e.Seq, e.Kind, err)
		}
		if produced == nil {
			return nil, fmt.Errorf("%w: seq %d (%s) was a no-op", ErrReplayDiverged, e.Seq, e.Kind)
		}
		if produced.Seq != e.Seq || produced.ToState != e.ToState {
			return nil, fmt.Errorf("%w: seq %d expected %s, replay produced seq %d %s",
				ErrReplayDiverged, e.Seq, e.ToState, produced.Seq, produced.ToState)
		}
	}
	return t, nil
}
