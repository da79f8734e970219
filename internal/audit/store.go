package audit

import (
	"context"
	"sort"
	"sync"
)

// CommitSet is the staged output of one commit batch. The store applies the
// whole set plus the global state upsert in a single transaction.
type CommitSet struct {
	Logs        []Log
	IntentIDs   []string
	Partitions  []PartitionState
	Global      GlobalState
	CommittedAt int64
}

// Store is the persistence boundary of the pipeline. The production
// implementation lives in internal/store (Mongo); the in-memory one below
// backs tests and single-process deployments.
type Store interface {
	InsertIntent(ctx context.Context, intent *Intent) error
	// BacklogCount returns the authoritative number of intents in
	// {pending, processing, ready_for_global_commit, failed_retriable}.
	BacklogCount(ctx context.Context) (int64, error)
	// ClaimBatch CAS-claims up to limit intents (pending or failed_retriable,
	// plus processing intents whose lease expired) ordered by
	// (created_at, event_id).
	ClaimBatch(ctx context.Context, owner string, limit int, leaseUntil, now int64) ([]Intent, error)
	PartitionState(ctx context.Context, partitionID int) (*PartitionState, error)
	PartitionStates(ctx context.Context) ([]PartitionState, error)
	GlobalState(ctx context.Context) (*GlobalState, error)
	// CommitBatch applies all staged writes transactionally. A duplicate key
	// on a log insert (retry after crash) is swallowed; the matching intent is
	// still transitioned to committed.
	CommitBatch(ctx context.Context, set CommitSet) error
	ReleaseRetriable(ctx context.Context, eventID string, attempt int, errMsg string) error
	MarkTerminal(ctx context.Context, intent Intent, reason string) error
	LastAnchor(ctx context.Context) (*Anchor, error)
	InsertAnchor(ctx context.Context, anchor *Anchor) error
	// Logs returns committed logs ordered by global sequence (verification
	// and tests).
	Logs(ctx context.Context) ([]Log, error)
}

// ============================================================================
// IN-MEMORY STORE
// ============================================================================

// MemoryStore is the in-process Store used by tests and embedded deployments.
type MemoryStore struct {
	mu         sync.Mutex
	intents    map[string]*Intent
	logs       map[string]Log // event_id -> log
	partitions map[int]PartitionState
	global     GlobalState
	anchors    []Anchor
	failures   []Failure
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		intents:    make(map[string]*Intent),
		logs:       make(map[string]Log),
		partitions: make(map[int]PartitionState),
	}
}

func (s *MemoryStore) InsertIntent(_ context.Context, intent *Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *intent
	s.intents[intent.EventID] = &cp
	return nil
}

func (s *MemoryStore) BacklogCount(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, in := range s.intents {
		switch in.Status {
		case IntentPending, IntentProcessing, IntentReadyForGlobal, IntentFailedRetriable:
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ClaimBatch(_ context.Context, owner string, limit int, leaseUntil, now int64) ([]Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]*Intent, 0, len(s.intents))
	for _, in := range s.intents {
		switch in.Status {
		case IntentPending, IntentFailedRetriable:
			candidates = append(candidates, in)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt != candidates[j].CreatedAt {
			return candidates[i].CreatedAt < candidates[j].CreatedAt
		}
		return candidates[i].EventID < candidates[j].EventID
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	// Lease takeover: top up with processing intents whose lease expired.
	if len(candidates) < limit {
		var expired []*Intent
		for _, in := range s.intents {
			if in.Status == IntentProcessing && in.LeaseUntil <= now {
				expired = append(expired, in)
			}
		}
		sort.Slice(expired, func(i, j int) bool {
			if expired[i].CreatedAt != expired[j].CreatedAt {
				return expired[i].CreatedAt < expired[j].CreatedAt
			}
			return expired[i].EventID < expired[j].EventID
		})
		for _, in := range expired {
			if len(candidates) >= limit {
				break
			}
			candidates = append(candidates, in)
		}
	}

	claimed := make([]Intent, 0, len(candidates))
	for _, in := range candidates {
		in.Status = IntentProcessing
		in.LeaseOwner = owner
		in.LeaseUntil = leaseUntil
		in.UpdatedAt = now
		claimed = append(claimed, *in)
	}
	return claimed, nil
}

func (s *MemoryStore) PartitionState(_ context.Context, partitionID int) (*PartitionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ps, ok := s.partitions[partitionID]; ok {
		cp := ps
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) PartitionStates(_ context.Context) ([]PartitionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PartitionState, 0, len(s.partitions))
	for _, ps := range s.partitions {
		out = append(out, ps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartitionID < out[j].PartitionID })
	return out, nil
}

func (s *MemoryStore) GlobalState(_ context.Context) (*GlobalState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.global
	return &cp, nil
}

func (s *MemoryStore) CommitBatch(_ context.Context, set CommitSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range set.Logs {
		if _, exists := s.logs[l.EventID]; exists {
			continue // duplicate key swallowed
		}
		s.logs[l.EventID] = l
	}
	for _, id := range set.IntentIDs {
		if in, ok := s.intents[id]; ok {
			in.Status = IntentCommitted
			in.CommittedAt = set.CommittedAt
			in.UpdatedAt = set.CommittedAt
			in.LeaseOwner = ""
			in.LeaseUntil = 0
		}
	}
	for _, ps := range set.Partitions {
		s.partitions[ps.PartitionID] = ps
	}
	s.global = set.Global
	return nil
}

func (s *MemoryStore) ReleaseRetriable(_ context.Context, eventID string, attempt int, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in, ok := s.intents[eventID]; ok {
		in.Status = IntentFailedRetriable
		in.AttemptCount = attempt
		in.ErrorLast = errMsg
		in.LeaseOwner = ""
		in.LeaseUntil = 0
		in.UpdatedAt = nowMillis()
	}
	return nil
}

func (s *MemoryStore) MarkTerminal(_ context.Context, intent Intent, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in, ok := s.intents[intent.EventID]; ok {
		in.Status = IntentFailedTerminal
		in.ErrorLast = reason
		in.UpdatedAt = nowMillis()
	}
	s.failures = append(s.failures, Failure{
		EventID:  intent.EventID,
		Reason:   reason,
		Intent:   intent,
		FailedAt: nowMillis(),
	})
	return nil
}

func (s *MemoryStore) LastAnchor(_ context.Context) (*Anchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.anchors) == 0 {
		return nil, nil
	}
	cp := s.anchors[len(s.anchors)-1]
	return &cp, nil
}

func (s *MemoryStore) InsertAnchor(_ context.Context, anchor *Anchor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anchors = append(s.anchors, *anchor)
	return nil
}

func (s *MemoryStore) Logs(_ context.Context) ([]Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Log, 0, len(s.logs))
	for _, l := range s.logs {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// Failures returns the terminal failure records (tests).
func (s *MemoryStore) Failures() []Failure {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Failure, len(s.failures))
	copy(out, s.failures)
	return out
}

// Intent returns a copy of a queued intent (tests).
func (s *MemoryStore) Intent(eventID string) (Intent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in, ok := s.intents[eventID]; ok {
		return *in, true
	}
	return Intent{}, false
}
