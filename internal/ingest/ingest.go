// Package ingest consumes node heartbeats and system pulses from the bus and
// runs the offline monitor that reclaims stale network leases.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/meristem/core/internal/trace"
)

// Lease reclaim states.
const (
	ReclaimActive         = "ACTIVE"
	ReclaimPendingReclaim = "PENDING_RECLAIM"
	ReclaimReclaimed      = "RECLAIMED"
)

// Node statuses.
const (
	NodeOnline  = "online"
	NodeOffline = "offline"
)

// ConnExpiredCredentials marks a reclaimed node's connection.
const ConnExpiredCredentials = "expired_credentials"

// Heartbeat is the fast-path wire shape on meristem.v1.hb.>.
type Heartbeat struct {
	NodeID    string `json:"node_id"`
	TS        int64  `json:"ts"`
	V         int    `json:"v"`
	ClaimedIP string `json:"claimed_ip,omitempty"`
}

// Pulse is the wire shape on meristem.v1.sys.pulse.
type Pulse struct {
	NodeID  string                 `json:"node_id"`
	TS      int64                  `json:"ts"`
	Core    PulseCore              `json:"core"`
	Plugins map[string]interface{} `json:"plugins,omitempty"`
}

// PulseCore carries the node's resource fractions.
type PulseCore struct {
	CPULoad  float64  `json:"cpu_load"`
	RAMUsage float64  `json:"ram_usage"`
	NetIO    *float64 `json:"net_io,omitempty"`
}

// NodeStore is the ingest persistence boundary.
type NodeStore interface {
	RecordHeartbeat(ctx context.Context, hb Heartbeat) error
	// MarkOffline flips nodes whose last heartbeat predates cutoff to
	// offline and returns how many changed.
	MarkOffline(ctx context.Context, cutoff int64) (int64, error)
	// ReclaimExpiredLeases soft-reclaims offline nodes whose lease is still
	// ACTIVE: connection status expires, the lease flips to RECLAIMED and the
	// reclaim generation increments. Idempotent per generation.
	ReclaimExpiredLeases(ctx context.Context, now int64) (int64, error)
}

// Options tunes the ingestor and its offline monitor.
type Options struct {
	OfflineCutoff time.Duration
	SweepInterval time.Duration
}

func (o *Options) defaults() {
	if o.OfflineCutoff <= 0 {
		o.OfflineCutoff = 90 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
}

// Ingestor decodes bus traffic and drives the node store.
type Ingestor struct {
	store NodeStore
	opts  Options
	log   *trace.Logger
	zl    *zap.Logger

	stopCh chan struct{}
}

// NewIngestor builds an ingestor. log carries pulse snapshots onto the log
// transport; zl is the local operational logger.
func NewIngestor(store NodeStore, opts Options, log *trace.Logger, zl *zap.Logger) *Ingestor {
	opts.defaults()
	if zl == nil {
		zl = zap.NewNop()
	}
	return &Ingestor{store: store, opts: opts, log: log, zl: zl, stopCh: make(chan struct{})}
}

// HandleHeartbeat is the subscription callback for meristem.v1.hb.>.
func (in *Ingestor) HandleHeartbeat(subject string, data []byte) {
	hb, err := decodeHeartbeat(data)
	if err != nil {
		in.zl.Warn("heartbeat rejected", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := in.store.RecordHeartbeat(context.Background(), hb); err != nil {
		in.zl.Error("heartbeat persist failed", zap.String("node_id", hb.NodeID), zap.Error(err))
	}
}

// decodeHeartbeat is the schema boundary for the heartbeat fast-path.
func decodeHeartbeat(data []byte) (Heartbeat, error) {
	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return Heartbeat{}, fmt.Errorf("malformed heartbeat: %w", err)
	}
	if hb.NodeID == "" {
		return Heartbeat{}, fmt.Errorf("heartbeat missing node_id")
	}
	if hb.TS <= 0 {
		return Heartbeat{}, fmt.Errorf("heartbeat missing ts")
	}
	return hb, nil
}

// HandlePulse is the subscription callback for meristem.v1.sys.pulse. Usage
// fractions are clamped to [0,1] and cpu load rounded to three decimals
// before the snapshot is logged.
func (in *Ingestor) HandlePulse(subject string, data []byte) {
	var pulse Pulse
	if err := json.Unmarshal(data, &pulse); err != nil {
		in.zl.Warn("pulse rejected", zap.String("subject", subject), zap.Error(err))
		return
	}
	if pulse.NodeID == "" {
		in.zl.Warn("pulse missing node_id", zap.String("subject", subject))
		return
	}

	pulse.Core = normalizeCore(pulse.Core)
	if in.log == nil {
		return
	}
	meta := map[string]interface{}{
		"triad_type": "snapshot",
		"node_id":    pulse.NodeID,
		"cpu_load":   pulse.Core.CPULoad,
		"ram_usage":  pulse.Core.RAMUsage,
	}
	if pulse.Core.NetIO != nil {
		meta["net_io"] = *pulse.Core.NetIO
	}
	in.log.Info("node pulse", meta)
}

func normalizeCore(c PulseCore) PulseCore {
	c.CPULoad = math.Round(clamp01(c.CPULoad)*1000) / 1000
	c.RAMUsage = clamp01(c.RAMUsage)
	if c.NetIO != nil {
		v := clamp01(*c.NetIO)
		c.NetIO = &v
	}
	return c
}

func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ============================================================================
// OFFLINE MONITOR
// ============================================================================

// RunMonitor sweeps for offline nodes until the context ends or Stop is
// called.
func (in *Ingestor) RunMonitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(in.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				in.Sweep(ctx)
			case <-ctx.Done():
				return
			case <-in.stopCh:
				return
			}
		}
	}()
}

// Stop halts the monitor loop.
func (in *Ingestor) Stop() {
	select {
	case <-in.stopCh:
	default:
		close(in.stopCh)
	}
}

// Sweep runs the two-step offline pass: mark stale nodes offline, then
// soft-reclaim leases still ACTIVE.
func (in *Ingestor) Sweep(ctx context.Context) {
	now := time.Now().UTC().UnixMilli()
	cutoff := now - in.opts.OfflineCutoff.Milliseconds()

	marked, err := in.store.MarkOffline(ctx, cutoff)
	if err != nil {
		in.zl.Error("offline sweep failed", zap.Error(err))
		return
	}
	reclaimed, err := in.store.ReclaimExpiredLeases(ctx, now)
	if err != nil {
		in.zl.Error("lease reclaim failed", zap.Error(err))
		return
	}
	if marked > 0 || reclaimed > 0 {
		in.zl.Info("offline sweep",
			zap.Int64("marked_offline", marked),
			zap.Int64("leases_reclaimed", reclaimed))
	}
}
