package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options tunes the pipeline. Zero values fall back to defaults.
type Options struct {
	NodeID           string
	HMACSecret       string
	HMACKeyID        string
	PartitionCount   int
	BatchSize        int
	BacklogHardLimit int
	MaxRetryAttempts int
	LeaseDuration    time.Duration
	DrainInterval    time.Duration
	AnchorInterval   time.Duration
}

func (o *Options) withDefaults() {
	if o.PartitionCount <= 0 {
		o.PartitionCount = 8
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 64
	}
	if o.BacklogHardLimit <= 0 {
		o.BacklogHardLimit = 10000
	}
	if o.MaxRetryAttempts <= 0 {
		o.MaxRetryAttempts = 5
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 30 * time.Second
	}
	if o.DrainInterval <= 0 {
		o.DrainInterval = time.Second
	}
	if o.AnchorInterval <= 0 {
		o.AnchorInterval = time.Minute
	}
	if o.HMACKeyID == "" {
		o.HMACKeyID = "k1"
	}
}

// Result is the outcome of Record: a committed log (inline path), a queued
// sentinel (pipeline ready), or a backpressure rejection.
type Result struct {
	Accepted          bool
	Queued            bool
	Log               *Log
	EventID           string
	Reason            string
	RetryAfterSeconds int
}

// Pipeline is the write-behind audit engine. It is the sole writer of
// partition tails and the global tail for committed rows; the in-memory
// mirrors below are updated only after a successful transaction.
type Pipeline struct {
	opts  Options
	store Store
	zl    *zap.Logger

	ready atomic.Bool // write-behind drain active

	backlog  atomic.Int64
	inFlight atomic.Bool // one drain per process

	// Tail mirrors, authoritative copies live in the store.
	tailMu    sync.Mutex
	tails     map[int]PartitionState
	globalSeq int64
	globalHsh string

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewPipeline creates a pipeline over a store. Call Start to begin draining;
// until then Record commits inline.
func NewPipeline(store Store, opts Options, zl *zap.Logger) (*Pipeline, error) {
	opts.withDefaults()
	if zl == nil {
		zl = zap.NewNop()
	}
	p := &Pipeline{
		opts:   opts,
		store:  store,
		zl:     zl,
		tails:  make(map[int]PartitionState),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if err := p.loadTails(context.Background()); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) loadTails(ctx context.Context) error {
	states, err := p.store.PartitionStates(ctx)
	if err != nil {
		return fmt.Errorf("load partition states: %w", err)
	}
	global, err := p.store.GlobalState(ctx)
	if err != nil {
		return fmt.Errorf("load global state: %w", err)
	}
	backlog, err := p.store.BacklogCount(ctx)
	if err != nil {
		return fmt.Errorf("load backlog: %w", err)
	}

	p.tailMu.Lock()
	for _, ps := range states {
		p.tails[ps.PartitionID] = ps
	}
	if global != nil {
		p.globalSeq = global.LastSequence
		p.globalHsh = global.LastHash
	}
	p.tailMu.Unlock()
	p.backlog.Store(backlog)
	return nil
}

// Start begins the drain and anchor loops; Record now queues instead of
// committing inline.
func (p *Pipeline) Start() {
	p.ready.Store(true)
	go p.drainLoop()
	go p.anchorLoop()
}

// Ready reports whether the write-behind path is active.
func (p *Pipeline) Ready() bool { return p.ready.Load() }

// Backlog returns the current in-memory backlog estimate.
func (p *Pipeline) Backlog() int64 { return p.backlog.Load() }

// ============================================================================
// ENQUEUE
// ============================================================================

// Record ingests one audit event. Pipeline ready: seal and queue an intent
// (with backpressure). Pipeline not started: commit inline and return the log.
//
// The ctx is forwarded to the store insert, so a caller holding a store
// transaction enrolls the intent write in it.
func (p *Pipeline) Record(ctx context.Context, input EventInput) (*Result, error) {
	if input.TS == 0 {
		input.TS = nowMillis()
	}

	if !p.ready.Load() {
		log, err := p.commitInline(ctx, input)
		if err != nil {
			return nil, err
		}
		return &Result{Accepted: true, Log: log, EventID: log.EventID}, nil
	}

	// Fast-check the counter; refresh from the store before rejecting, the
	// counter is only an estimate.
	if p.backlog.Load() >= int64(p.opts.BacklogHardLimit) {
		authoritative, err := p.store.BacklogCount(ctx)
		if err == nil {
			p.backlog.Store(authoritative)
		}
		if p.backlog.Load() >= int64(p.opts.BacklogHardLimit) {
			return &Result{Accepted: false, Reason: "backpressure", RetryAfterSeconds: 1}, nil
		}
	}

	intent, err := p.buildIntent(input)
	if err != nil {
		return nil, err
	}
	if err := p.store.InsertIntent(ctx, intent); err != nil {
		return nil, fmt.Errorf("insert audit intent: %w", err)
	}
	p.backlog.Add(1)
	return &Result{Accepted: true, Queued: true, EventID: intent.EventID}, nil
}

func (p *Pipeline) buildIntent(input EventInput) (*Intent, error) {
	digest, err := DigestPayload(input)
	if err != nil {
		return nil, fmt.Errorf("digest payload: %w", err)
	}
	now := nowMillis()
	return &Intent{
		EventID:       uuid.NewString(),
		RouteTag:      input.Source,
		PartitionID:   PartitionFor(input.NodeID, input.TraceID, input.Source, p.opts.PartitionCount),
		Status:        IntentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		Payload:       input,
		PayloadDigest: digest,
		PayloadHMAC:   SealDigest(p.opts.HMACSecret, digest),
		HMACKeyID:     p.opts.HMACKeyID,
	}, nil
}

func (p *Pipeline) commitInline(ctx context.Context, input EventInput) (*Log, error) {
	intent, err := p.buildIntent(input)
	if err != nil {
		return nil, err
	}
	p.tailMu.Lock()
	defer p.tailMu.Unlock()

	set, logs, err := p.stageLocked(ctx, []Intent{*intent})
	if err != nil {
		return nil, err
	}
	if err := p.store.CommitBatch(ctx, *set); err != nil {
		return nil, err
	}
	p.applyLocked(*set)
	return &logs[0], nil
}

// ============================================================================
// DRAIN
// ============================================================================

func (p *Pipeline) drainLoop() {
	ticker := time.NewTicker(p.opts.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.DrainOnce(context.Background())
		case <-p.stopCh:
			// Final flush before teardown.
			p.DrainOnce(context.Background())
			close(p.doneCh)
			return
		}
	}
}

// DrainOnce claims and commits one batch. The in-flight flag guarantees a
// single drain per process; overlapping calls return immediately.
func (p *Pipeline) DrainOnce(ctx context.Context) (int, error) {
	if !p.inFlight.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer p.inFlight.Store(false)

	total := 0
	for {
		committed, claimed, err := p.drainBatch(ctx)
		total += committed
		if err != nil || claimed == 0 {
			return total, err
		}
	}
}

// drainBatch claims one batch and commits the intents that pass the seal gate.
// Both counts are reported: a claimed batch whose every intent went terminal
// commits nothing, yet younger pending intents may still be waiting.
func (p *Pipeline) drainBatch(ctx context.Context) (committed, claimedCount int, err error) {
	now := nowMillis()
	leaseUntil := now + p.opts.LeaseDuration.Milliseconds()
	claimed, err := p.store.ClaimBatch(ctx, p.opts.NodeID, p.opts.BatchSize, leaseUntil, now)
	if err != nil {
		return 0, 0, fmt.Errorf("claim batch: %w", err)
	}
	if len(claimed) == 0 {
		return 0, 0, nil
	}

	// Integrity gate: recompute digest and HMAC before commit. A mismatch is
	// terminal and recorded in the failure collection.
	commitable := claimed[:0]
	for _, intent := range claimed {
		if reason, ok := p.verifySeal(intent); !ok {
			if err := p.store.MarkTerminal(ctx, intent, reason); err != nil {
				p.zl.Error("mark terminal failed", zap.String("event_id", intent.EventID), zap.Error(err))
				continue
			}
			p.backlog.Add(-1)
			continue
		}
		commitable = append(commitable, intent)
	}
	if len(commitable) == 0 {
		return 0, len(claimed), nil
	}

	p.tailMu.Lock()
	set, _, err := p.stageLocked(ctx, commitable)
	if err != nil {
		p.tailMu.Unlock()
		p.failBatch(ctx, commitable, err)
		return 0, len(claimed), err
	}
	if err := p.store.CommitBatch(ctx, *set); err != nil {
		p.tailMu.Unlock()
		p.failBatch(ctx, commitable, err)
		return 0, len(claimed), err
	}
	p.applyLocked(*set)
	p.tailMu.Unlock()

	p.backlog.Add(int64(-len(commitable)))
	return len(commitable), len(claimed), nil
}

func (p *Pipeline) verifySeal(intent Intent) (string, bool) {
	digest, err := DigestPayload(intent.Payload)
	if err != nil {
		return fmt.Sprintf("digest recompute: %v", err), false
	}
	if digest != intent.PayloadDigest {
		return "payload digest mismatch", false
	}
	expected := SealDigest(p.opts.HMACSecret, digest)
	if !hmac.Equal([]byte(expected), []byte(intent.PayloadHMAC)) {
		return "payload hmac mismatch", false
	}
	return "", true
}

// stageLocked computes chain positions for a claim-ordered batch. Caller holds
// tailMu. Mirrors are not advanced here; applyLocked does that after the
// transaction commits.
func (p *Pipeline) stageLocked(ctx context.Context, batch []Intent) (*CommitSet, []Log, error) {
	now := nowMillis()
	tails := make(map[int]PartitionState, len(p.tails))
	for k, v := range p.tails {
		tails[k] = v
	}
	globalSeq := p.globalSeq
	globalHsh := p.globalHsh

	set := &CommitSet{CommittedAt: now}
	logs := make([]Log, 0, len(batch))

	for _, intent := range batch {
		tail, ok := tails[intent.PartitionID]
		if !ok {
			// Mirror cold for this partition; the store is authoritative.
			stored, err := p.store.PartitionState(ctx, intent.PartitionID)
			if err != nil {
				return nil, nil, fmt.Errorf("load partition %d: %w", intent.PartitionID, err)
			}
			if stored != nil {
				tail = *stored
			} else {
				tail = PartitionState{PartitionID: intent.PartitionID, LastHash: genesisHash}
			}
		}
		if tail.LastHash == "" {
			tail.LastHash = genesisHash
		}

		partitionSeq := tail.LastSequence + 1
		partitionPrev := tail.LastHash
		partitionHash, err := hashPartitionEntry(intent.Payload, partitionSeq, partitionPrev)
		if err != nil {
			return nil, nil, err
		}

		globalSeq++
		prevGlobal := globalHsh
		if prevGlobal == "" {
			prevGlobal = genesisHash
		}

		l := Log{
			EventInput:            intent.Payload,
			EventID:               intent.EventID,
			ChainVersion:          1,
			PartitionID:           intent.PartitionID,
			PartitionSequence:     partitionSeq,
			PartitionPreviousHash: partitionPrev,
			PartitionHash:         partitionHash,
			Sequence:              globalSeq,
			PreviousHash:          prevGlobal,
		}
		hash, err := hashLog(l)
		if err != nil {
			return nil, nil, err
		}
		l.Hash = hash
		globalHsh = hash

		tails[intent.PartitionID] = PartitionState{
			PartitionID:  intent.PartitionID,
			LastSequence: partitionSeq,
			LastHash:     partitionHash,
			UpdatedAt:    now,
		}

		logs = append(logs, l)
		set.Logs = append(set.Logs, l)
		set.IntentIDs = append(set.IntentIDs, intent.EventID)
	}

	for _, ps := range tails {
		set.Partitions = append(set.Partitions, ps)
	}
	sort.Slice(set.Partitions, func(i, j int) bool {
		return set.Partitions[i].PartitionID < set.Partitions[j].PartitionID
	})
	set.Global = GlobalState{LastSequence: globalSeq, LastHash: globalHsh, UpdatedAt: now}
	return set, logs, nil
}

// applyLocked advances the in-memory mirrors after a committed transaction.
func (p *Pipeline) applyLocked(set CommitSet) {
	for _, ps := range set.Partitions {
		p.tails[ps.PartitionID] = ps
	}
	p.globalSeq = set.Global.LastSequence
	p.globalHsh = set.Global.LastHash
}

func (p *Pipeline) failBatch(ctx context.Context, batch []Intent, cause error) {
	for _, intent := range batch {
		attempt := intent.AttemptCount + 1
		if attempt >= p.opts.MaxRetryAttempts {
			if err := p.store.MarkTerminal(ctx, intent, cause.Error()); err != nil {
				p.zl.Error("mark terminal failed", zap.String("event_id", intent.EventID), zap.Error(err))
				continue
			}
			p.backlog.Add(-1)
		} else {
			if err := p.store.ReleaseRetriable(ctx, intent.EventID, attempt, cause.Error()); err != nil {
				p.zl.Error("release retriable failed", zap.String("event_id", intent.EventID), zap.Error(err))
			}
		}
	}
}

// ============================================================================
// ANCHORS
// ============================================================================

func (p *Pipeline) anchorLoop() {
	ticker := time.NewTicker(p.opts.AnchorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := p.AnchorOnce(context.Background()); err != nil {
				p.zl.Warn("anchor failed", zap.Error(err))
			}
		case <-p.stopCh:
			return
		}
	}
}

// AnchorOnce snapshots every partition tail into a new anchor chained to the
// previous one.
func (p *Pipeline) AnchorOnce(ctx context.Context) (*Anchor, error) {
	states, err := p.store.PartitionStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("anchor partition states: %w", err)
	}
	if len(states) == 0 {
		return nil, nil
	}
	sort.Slice(states, func(i, j int) bool { return states[i].PartitionID < states[j].PartitionID })

	heads := make([]PartitionHead, 0, len(states))
	for _, ps := range states {
		heads = append(heads, PartitionHead{
			PartitionID:  ps.PartitionID,
			LastSequence: ps.LastSequence,
			LastHash:     ps.LastHash,
		})
	}

	prev, err := p.store.LastAnchor(ctx)
	if err != nil {
		return nil, fmt.Errorf("load last anchor: %w", err)
	}
	prevHash := genesisHash
	if prev != nil {
		prevHash = prev.AnchorHash
	}

	anchor := &Anchor{
		AnchorID:           uuid.NewString(),
		TS:                 nowMillis(),
		PartitionHeads:     heads,
		PreviousAnchorHash: prevHash,
	}
	hash, err := hashAnchor(anchor)
	if err != nil {
		return nil, err
	}
	anchor.AnchorHash = hash

	if err := p.store.InsertAnchor(ctx, anchor); err != nil {
		return nil, fmt.Errorf("insert anchor: %w", err)
	}
	return anchor, nil
}

// Stop flushes the backlog once and halts both loops.
func (p *Pipeline) Stop() {
	if !p.ready.Load() {
		return
	}
	p.once.Do(func() { close(p.stopCh) })
	<-p.doneCh
	p.ready.Store(false)
}

// ============================================================================
// HASHING
// ============================================================================

func hashPartitionEntry(payload EventInput, seq int64, prevHash string) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}
	m["partition_sequence"] = seq
	m["partition_previous_hash"] = prevHash
	canon, err := CanonicalJSON(m)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

func hashLog(l Log) (string, error) {
	l.Hash = ""
	canon, err := CanonicalJSON(l)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

func hashAnchor(a *Anchor) (string, error) {
	cp := *a
	cp.AnchorHash = ""
	canon, err := CanonicalJSON(cp)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}
