package ingest

import (
	"context"
	"sync"
)

// NodeRecord is the in-memory node document shape used by tests and embedded
// deployments.
type NodeRecord struct {
	NodeID            string
	Status            string
	ConnectionStatus  string
	LastHeartbeat     int64
	ClaimedIP         string
	ReclaimStatus     string
	ReclaimAt         int64
	ReclaimGeneration int
}

// MemoryNodeStore is the in-process NodeStore.
type MemoryNodeStore struct {
	mu    sync.Mutex
	nodes map[string]*NodeRecord
}

func NewMemoryNodeStore() *MemoryNodeStore {
	return &MemoryNodeStore{nodes: make(map[string]*NodeRecord)}
}

func (s *MemoryNodeStore) RecordHeartbeat(_ context.Context, hb Heartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[hb.NodeID]
	if !ok {
		n = &NodeRecord{NodeID: hb.NodeID, ReclaimStatus: ReclaimActive}
		s.nodes[hb.NodeID] = n
	}
	n.Status = NodeOnline
	n.LastHeartbeat = hb.TS
	if hb.ClaimedIP != "" {
		n.ClaimedIP = hb.ClaimedIP
	}
	return nil
}

func (s *MemoryNodeStore) MarkOffline(_ context.Context, cutoff int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, node := range s.nodes {
		if node.Status != NodeOffline && node.LastHeartbeat < cutoff {
			node.Status = NodeOffline
			n++
		}
	}
	return n, nil
}

func (s *MemoryNodeStore) ReclaimExpiredLeases(_ context.Context, now int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, node := range s.nodes {
		if node.Status == NodeOffline && node.ReclaimStatus == ReclaimActive {
			node.ConnectionStatus = ConnExpiredCredentials
			node.ReclaimStatus = ReclaimReclaimed
			node.ReclaimAt = now
			node.ReclaimGeneration++
			n++
		}
	}
	return n, nil
}

// Node returns a copy of a node record (tests).
func (s *MemoryNodeStore) Node(nodeID string) (NodeRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[nodeID]; ok {
		return *n, true
	}
	return NodeRecord{}, false
}
