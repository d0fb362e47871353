package httpapi

import (
	"context"
	"net/http"

	"github.com/escrow-hub/escrow-hub/internal/infrastructure/raftledger"
)

// Cluster is the replicated ledger membership served under /v1/cluster.
type Cluster interface {
	ID() string
	RaftAddr() string
	State() string
	LeaderAddr() string
	LeaderID() string
	IsLeader() bool
	Stats() map[string]string
	AddVoter(ctx context.Context, nodeID, raftAddr string) error
	RemoveServer(ctx context.Context, nodeID string) error
}

// WithCluster mounts the cluster membership routes.
func WithCluster(c Cluster) Option {
	return func(s *Server) {
		s.cluster = c
	}
}

func (s *Server) clusterStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"node_id":    s.cluster.ID(),
		"raft_addr":  s.cluster.RaftAddr(),
		"state":      s.cluster.State(),
		"leader":     s.cluster.LeaderAddr(),
		"leader_id":  s.cluster.LeaderID(),
		"is_leader":  s.cluster.IsLeader(),
		"raft_stats": s.cluster.Stats(),
	})
}

func (s *Server) notLeader(w http.ResponseWriter, message string) {
	respondJSON(w, http.StatusConflict, map[string]interface{}{
		"error":     "NOT_LEADER",
		"message":   message,
		"leader":    s.cluster.LeaderAddr(),
		"leader_id": s.cluster.LeaderID(),
	})
}

func (s *Server) clusterJoin(w http.ResponseWriter, r *http.Request) {
	if !s.cluster.IsLeader() {
		s.notLeader(w, "submit to leader")
		return
	}
	var req raftledger.JoinRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if err := s.cluster.AddVoter(r.Context(), req.NodeID, req.RaftAddr); err != nil {
		if raftledger.IsLeadershipErr(err) {
			s.notLeader(w, err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "JOIN_FAILED", err.Error())
		return
	}
	s.logger.Info().Str("node_id", req.NodeID).Str("raft_addr", req.RaftAddr).Msg("raft voter added")
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "OK"})
}

type clusterRemoveRequest struct {
	NodeID string `json:"node_id"`
}

func (s *Server) clusterRemove(w http.ResponseWriter, r *http.Request) {
	if !s.cluster.IsLeader() {
		s.notLeader(w, "submit to leader")
		return
	}
	var req clusterRemoveRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if err := s.cluster.RemoveServer(r.Context(), req.NodeID); err != nil {
		if raftledger.IsLeadershipErr(err) {
			s.notLeader(w, err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "REMOVE_FAILED", err.Error())
		return
	}
	s.logger.Info().Str("node_id", req.NodeID).Msg("raft server removed")
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "OK"})
}
