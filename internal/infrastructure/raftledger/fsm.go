package raftledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/raft"

	"github.com/escrow-hub/escrow-hub/internal/domain/escrow"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/memory"
)

const (
	opCreate = "create"
	opCommit = "commit"
)

// command is one replicated ledger write.
type command struct {
	Op              string              `json:"op"`
	Transaction     *escrow.Transaction `json:"transaction"`
	ExpectedVersion int64               `json:"expectedVersion,omitempty"`
	Entries         []*escrow.LogEntry  `json:"entries"`
}

// fsm applies committed commands to the local ledger. The ledger checks
// versions and uniqueness itself, so every node reaches the same verdict.
type fsm struct {
	ledger *memory.Ledger
}

func (f *fsm) Apply(log *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	ctx := context.Background()
	switch cmd.Op {
	case opCreate:
		if len(cmd.Entries) != 1 {
			return fmt.Errorf("create carries %d entries", len(cmd.Entries))
		}
		return f.ledger.Create(ctx, cmd.Transaction, cmd.Entries[0])
	case opCommit:
		return f.ledger.Commit(ctx, cmd.Transaction, cmd.ExpectedVersion, cmd.Entries)
	default:
		return fmt.Errorf("unknown op %q", cmd.Op)
	}
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	data, err := json.Marshal(f.ledger.Export())
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{data: data}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var img memory.Image
	if err := json.Unmarshal(data, &img); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	f.ledger.Import(img)
	return nil
}

type fsmSnapshot struct {
	data []byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if len(s.data) == 0 {
		return sink.Close()
	}
	if _, err := sink.Write(s.data); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
