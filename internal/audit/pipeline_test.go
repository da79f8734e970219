package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPipeline(t *testing.T, opts Options) (*Pipeline, *MemoryStore) {
	t.Helper()
	if opts.NodeID == "" {
		opts.NodeID = "core-1"
	}
	if opts.HMACSecret == "" {
		opts.HMACSecret = "audit-secret"
	}
	if opts.PartitionCount == 0 {
		opts.PartitionCount = 4
	}
	// Loops stay idle; tests drive DrainOnce and AnchorOnce directly.
	opts.DrainInterval = time.Hour
	opts.AnchorInterval = time.Hour
	store := NewMemoryStore()
	p, err := NewPipeline(store, opts, nil)
	require.NoError(t, err)
	return p, store
}

func input(traceID, content string) EventInput {
	return EventInput{
		Level:   "INFO",
		NodeID:  "n-1",
		Source:  "test",
		TraceID: traceID,
		Content: content,
	}
}

// verifyChains recomputes every hash in the committed log and checks both the
// dense global chain and each partition chain.
func verifyChains(t *testing.T, logs []Log) {
	t.Helper()
	prevGlobal := genesisHash
	partTails := make(map[int]PartitionState)

	for i, l := range logs {
		assert.Equal(t, int64(i+1), l.Sequence, "global sequence must be dense")
		assert.Equal(t, prevGlobal, l.PreviousHash)
		h, err := hashLog(l)
		require.NoError(t, err)
		assert.Equal(t, l.Hash, h, "global hash must recompute")
		prevGlobal = l.Hash

		tail, ok := partTails[l.PartitionID]
		if !ok {
			tail = PartitionState{LastHash: genesisHash}
		}
		assert.Equal(t, tail.LastSequence+1, l.PartitionSequence,
			"partition %d sequence must be dense", l.PartitionID)
		assert.Equal(t, tail.LastHash, l.PartitionPreviousHash)
		ph, err := hashPartitionEntry(l.EventInput, l.PartitionSequence, l.PartitionPreviousHash)
		require.NoError(t, err)
		assert.Equal(t, l.PartitionHash, ph, "partition hash must recompute")
		partTails[l.PartitionID] = PartitionState{
			LastSequence: l.PartitionSequence,
			LastHash:     l.PartitionHash,
		}
	}
}

func TestInlineCommitBeforeStart(t *testing.T) {
	p, store := newTestPipeline(t, Options{})
	ctx := context.Background()

	res, err := p.Record(ctx, input("tr-1", "boot event"))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.False(t, res.Queued)
	require.NotNil(t, res.Log)
	assert.Equal(t, int64(1), res.Log.Sequence)
	assert.Equal(t, genesisHash, res.Log.PreviousHash)

	logs, err := store.Logs(ctx)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	verifyChains(t, logs)
}

func TestDrainCommitsDenseChains(t *testing.T) {
	p, store := newTestPipeline(t, Options{PartitionCount: 4})
	p.Start()
	defer p.Stop()
	ctx := context.Background()

	const total = 40
	for i := 0; i < total; i++ {
		// Several trace ids so events land on several partitions.
		res, err := p.Record(ctx, input(fmt.Sprintf("tr-%d", i%5), fmt.Sprintf("event %d", i)))
		require.NoError(t, err)
		assert.True(t, res.Accepted)
		assert.True(t, res.Queued)
		assert.Nil(t, res.Log)
	}
	assert.Equal(t, int64(total), p.Backlog())

	n, err := p.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, total, n)
	assert.Equal(t, int64(0), p.Backlog())

	logs, err := store.Logs(ctx)
	require.NoError(t, err)
	require.Len(t, logs, total)
	verifyChains(t, logs)

	// Several partitions must actually be in play.
	partitions := make(map[int]bool)
	for _, l := range logs {
		partitions[l.PartitionID] = true
	}
	assert.Greater(t, len(partitions), 1)

	// Every intent ended committed.
	for _, l := range logs {
		in, ok := store.Intent(l.EventID)
		require.True(t, ok)
		assert.Equal(t, IntentCommitted, in.Status)
	}
}

func TestSamePartitionKeyStaysOrdered(t *testing.T) {
	p, store := newTestPipeline(t, Options{PartitionCount: 8})
	p.Start()
	defer p.Stop()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := p.Record(ctx, input("tr-same", fmt.Sprintf("step %d", i)))
		require.NoError(t, err)
	}
	_, err := p.DrainOnce(ctx)
	require.NoError(t, err)

	logs, err := store.Logs(ctx)
	require.NoError(t, err)
	require.Len(t, logs, 5)
	first := logs[0].PartitionID
	for _, l := range logs {
		assert.Equal(t, first, l.PartitionID, "same key must map to one partition")
	}
	verifyChains(t, logs)
}

func TestBackpressureHardLimit(t *testing.T) {
	p, _ := newTestPipeline(t, Options{BacklogHardLimit: 2})
	p.Start()
	defer p.Stop()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := p.Record(ctx, input("tr-1", fmt.Sprintf("fill %d", i)))
		require.NoError(t, err)
		assert.True(t, res.Accepted)
	}

	res, err := p.Record(ctx, input("tr-1", "overflow"))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, "backpressure", res.Reason)
	assert.Equal(t, 1, res.RetryAfterSeconds)

	// Draining frees capacity.
	_, err = p.DrainOnce(ctx)
	require.NoError(t, err)
	res, err = p.Record(ctx, input("tr-1", "after drain"))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
}

func TestTamperedIntentGoesTerminal(t *testing.T) {
	p, store := newTestPipeline(t, Options{})
	p.Start()
	defer p.Stop()
	ctx := context.Background()

	res, err := p.Record(ctx, input("tr-1", "original"))
	require.NoError(t, err)
	require.True(t, res.Queued)

	store.mu.Lock()
	store.intents[res.EventID].Payload.Content = "tampered"
	store.mu.Unlock()

	n, err := p.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	failures := store.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, res.EventID, failures[0].EventID)
	assert.Equal(t, "payload digest mismatch", failures[0].Reason)

	in, ok := store.Intent(res.EventID)
	require.True(t, ok)
	assert.Equal(t, IntentFailedTerminal, in.Status)
	assert.Equal(t, int64(0), p.Backlog())

	logs, err := store.Logs(ctx)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestTamperedBatchDoesNotStallDrain(t *testing.T) {
	p, store := newTestPipeline(t, Options{BatchSize: 1})
	p.Start()
	defer p.Stop()
	ctx := context.Background()

	bad, err := p.Record(ctx, input("tr-1", "older"))
	require.NoError(t, err)
	good, err := p.Record(ctx, input("tr-2", "younger"))
	require.NoError(t, err)

	// Tamper with the older intent and back-date it, so the first claimed
	// batch goes entirely terminal and commits nothing.
	store.mu.Lock()
	store.intents[bad.EventID].Payload.Content = "tampered"
	store.intents[bad.EventID].CreatedAt -= 1000
	store.mu.Unlock()

	// The drain keeps claiming past the poisoned batch and still commits the
	// younger intent.
	n, err := p.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	in, ok := store.Intent(good.EventID)
	require.True(t, ok)
	assert.Equal(t, IntentCommitted, in.Status)
	in, ok = store.Intent(bad.EventID)
	require.True(t, ok)
	assert.Equal(t, IntentFailedTerminal, in.Status)
	assert.Equal(t, int64(0), p.Backlog())
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	p, store := newTestPipeline(t, Options{})
	p.Start()
	defer p.Stop()
	ctx := context.Background()

	res, err := p.Record(ctx, input("tr-1", "stranded"))
	require.NoError(t, err)

	// Simulate a crashed drainer holding an expired lease.
	store.mu.Lock()
	in := store.intents[res.EventID]
	in.Status = IntentProcessing
	in.LeaseOwner = "core-dead"
	in.LeaseUntil = nowMillis() - 1000
	store.mu.Unlock()

	n, err := p.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, ok := store.Intent(res.EventID)
	require.True(t, ok)
	assert.Equal(t, IntentCommitted, got.Status)
}

func TestAnchorChain(t *testing.T) {
	p, store := newTestPipeline(t, Options{})
	ctx := context.Background()

	// No partitions yet: nothing to anchor.
	a, err := p.AnchorOnce(ctx)
	require.NoError(t, err)
	assert.Nil(t, a)

	_, err = p.Record(ctx, input("tr-1", "one"))
	require.NoError(t, err)
	_, err = p.Record(ctx, input("tr-2", "two"))
	require.NoError(t, err)

	first, err := p.AnchorOnce(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, genesisHash, first.PreviousAnchorHash)
	assert.NotEmpty(t, first.PartitionHeads)
	h, err := hashAnchor(first)
	require.NoError(t, err)
	assert.Equal(t, first.AnchorHash, h)

	second, err := p.AnchorOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.AnchorHash, second.PreviousAnchorHash)

	last, err := store.LastAnchor(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.AnchorID, last.AnchorID)
}

func TestRestartResumesChainTails(t *testing.T) {
	store := NewMemoryStore()
	opts := Options{NodeID: "core-1", HMACSecret: "audit-secret", PartitionCount: 4,
		DrainInterval: time.Hour, AnchorInterval: time.Hour}
	ctx := context.Background()

	p1, err := NewPipeline(store, opts, nil)
	require.NoError(t, err)
	res1, err := p1.Record(ctx, input("tr-1", "before restart"))
	require.NoError(t, err)

	// A fresh pipeline over the same store continues the chain, it does not
	// restart it.
	p2, err := NewPipeline(store, opts, nil)
	require.NoError(t, err)
	res2, err := p2.Record(ctx, input("tr-1", "after restart"))
	require.NoError(t, err)
	assert.Equal(t, res1.Log.Sequence+1, res2.Log.Sequence)
	assert.Equal(t, res1.Log.Hash, res2.Log.PreviousHash)

	logs, err := store.Logs(ctx)
	require.NoError(t, err)
	verifyChains(t, logs)
}

func TestDrainOnceIsSingleFlight(t *testing.T) {
	p, _ := newTestPipeline(t, Options{})
	p.Start()
	defer p.Stop()

	// Holding the flag makes a concurrent drain a no-op.
	require.True(t, p.inFlight.CompareAndSwap(false, true))
	n, err := p.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	p.inFlight.Store(false)
}
