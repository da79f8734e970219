package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeatFastPath(t *testing.T) {
	store := NewMemoryNodeStore()
	in := NewIngestor(store, Options{}, nil, nil)

	in.HandleHeartbeat("meristem.v1.hb.node-1", []byte(`{"node_id":"node-1","ts":1700000000000,"v":1,"claimed_ip":"10.0.0.9"}`))

	n, ok := store.Node("node-1")
	require.True(t, ok)
	assert.Equal(t, NodeOnline, n.Status)
	assert.EqualValues(t, 1700000000000, n.LastHeartbeat)
	assert.Equal(t, "10.0.0.9", n.ClaimedIP)
	assert.Equal(t, ReclaimActive, n.ReclaimStatus)
}

func TestHeartbeatRejectsMalformedPayloads(t *testing.T) {
	store := NewMemoryNodeStore()
	in := NewIngestor(store, Options{}, nil, nil)

	in.HandleHeartbeat("meristem.v1.hb.x", []byte(`not json`))
	in.HandleHeartbeat("meristem.v1.hb.x", []byte(`{"ts":1}`))
	in.HandleHeartbeat("meristem.v1.hb.x", []byte(`{"node_id":"node-1"}`))

	_, ok := store.Node("node-1")
	assert.False(t, ok, "invalid heartbeats never reach the store")
}

func TestSweepMarksOfflineAndReclaimsOnce(t *testing.T) {
	store := NewMemoryNodeStore()
	in := NewIngestor(store, Options{OfflineCutoff: time.Minute}, nil, nil)

	stale := time.Now().UTC().Add(-time.Hour).UnixMilli()
	fresh := time.Now().UTC().UnixMilli()
	require.NoError(t, store.RecordHeartbeat(context.Background(), Heartbeat{NodeID: "old", TS: stale}))
	require.NoError(t, store.RecordHeartbeat(context.Background(), Heartbeat{NodeID: "new", TS: fresh}))

	in.Sweep(context.Background())

	old, _ := store.Node("old")
	assert.Equal(t, NodeOffline, old.Status)
	assert.Equal(t, ConnExpiredCredentials, old.ConnectionStatus)
	assert.Equal(t, ReclaimReclaimed, old.ReclaimStatus)
	assert.Equal(t, 1, old.ReclaimGeneration)
	assert.NotZero(t, old.ReclaimAt)

	fresh2, _ := store.Node("new")
	assert.Equal(t, NodeOnline, fresh2.Status)
	assert.Equal(t, ReclaimActive, fresh2.ReclaimStatus)

	// A second sweep is idempotent per generation.
	in.Sweep(context.Background())
	old, _ = store.Node("old")
	assert.Equal(t, 1, old.ReclaimGeneration)
}

func TestPulseNormalization(t *testing.T) {
	net := 1.7
	c := normalizeCore(PulseCore{CPULoad: 0.123456, RAMUsage: -0.5, NetIO: &net})
	assert.Equal(t, 0.123, c.CPULoad)
	assert.Equal(t, 0.0, c.RAMUsage)
	assert.Equal(t, 1.0, *c.NetIO)

	c = normalizeCore(PulseCore{CPULoad: 2.5, RAMUsage: 0.25})
	assert.Equal(t, 1.0, c.CPULoad)
	assert.Equal(t, 0.25, c.RAMUsage)
	assert.Nil(t, c.NetIO)
}
