// Package netmode arbitrates the node's network mode between DIRECT and
// M-NET from the health and proposals of provider plugins.
package netmode

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meristem/core/internal/bus"
)

// Mode is the node's network mode.
type Mode string

const (
	ModeDirect Mode = "DIRECT"
	ModeMNet   Mode = "M-NET"
)

// Reason explains a mode transition.
type Reason string

const (
	ReasonPluginEnabled  Reason = "plugin_enabled"
	ReasonPluginDisabled Reason = "plugin_disabled"
	ReasonPluginFailure  Reason = "plugin_failure"
	ReasonPluginProposal Reason = "plugin_proposal"
	ReasonManualOverride Reason = "manual_override"
)

// CapabilityStatus is the export name identifying provider plugins.
const CapabilityStatus = "network-mode-status"

// BroadcastTopic is the fanout topic mirroring mode changes to clients.
const BroadcastTopic = "sys.network.mode"

// Snapshot is the observed state of the provider at decision time.
type Snapshot struct {
	PluginID string `json:"pluginId"`
	Exists   bool   `json:"exists"`
	Running  bool   `json:"running"`
	Healthy  bool   `json:"healthy"`
}

// ChangedEvent is published on every transition.
type ChangedEvent struct {
	From     Mode      `json:"from"`
	To       Mode      `json:"to"`
	Reason   Reason    `json:"reason"`
	TS       int64     `json:"ts"`
	PluginID string    `json:"plugin_id,omitempty"`
	Health   *Snapshot `json:"health,omitempty"`
}

// Registry lists RUNNING plugins exporting a capability (lifecycle manager).
type Registry interface {
	RunningExporting(capability string) []string
}

// Health answers provider responsiveness (health monitor).
type Health interface {
	IsResponsive(pluginID string) bool
}

// ProposalReader optionally reads a provider's mode proposal, typically by
// invoking its exported capability. A nil mode means no proposal.
type ProposalReader func(ctx context.Context, pluginID string) (*Mode, error)

// Publisher emits the change event on the bus.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Broadcaster mirrors the change to WebSocket clients.
type Broadcaster interface {
	Broadcast(topic string, payload interface{}, traceID string) int
}

// Options tunes the control loop.
type Options struct {
	PollInterval time.Duration
	// FallbackToDirect drops to DIRECT when a provider exists but is
	// unhealthy; disabled, the current mode is held instead.
	FallbackToDirect bool
}

func (o *Options) defaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Second
	}
}

// Manager is the sole writer of the current mode.
type Manager struct {
	registry  Registry
	health    Health
	proposals ProposalReader
	publisher Publisher
	fanout    Broadcaster
	opts      Options
	zl        *zap.Logger

	mu      sync.RWMutex
	current Mode
	// pending holds an event whose bus publish failed; retried next tick.
	pending *ChangedEvent

	ticking atomic.Bool
	stopCh  chan struct{}
	once    sync.Once
}

func NewManager(registry Registry, health Health, proposals ProposalReader,
	publisher Publisher, fanout Broadcaster, opts Options, zl *zap.Logger) *Manager {
	opts.defaults()
	if zl == nil {
		zl = zap.NewNop()
	}
	return &Manager{
		registry:  registry,
		health:    health,
		proposals: proposals,
		publisher: publisher,
		fanout:    fanout,
		opts:      opts,
		zl:        zl,
		current:   ModeDirect,
		stopCh:    make(chan struct{}),
	}
}

// Current returns the active mode.
func (m *Manager) Current() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Start runs the poll loop until the context ends or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.opts.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Tick(ctx)
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts the poll loop.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stopCh) })
}

// SetManual forces a mode, bypassing arbitration for this transition.
func (m *Manager) SetManual(ctx context.Context, target Mode) {
	m.mu.Lock()
	from := m.current
	if from == target {
		m.mu.Unlock()
		return
	}
	m.current = target
	m.mu.Unlock()

	m.emit(ChangedEvent{
		From:   from,
		To:     target,
		Reason: ReasonManualOverride,
		TS:     time.Now().UTC().UnixMilli(),
	})
}

// Tick runs one arbitration pass. Ticks are serialized; an overlapping call
// returns immediately.
func (m *Manager) Tick(ctx context.Context) {
	if !m.ticking.CompareAndSwap(false, true) {
		return
	}
	defer m.ticking.Store(false)

	m.retryPending()

	target, reason, snapshot := m.resolve(ctx)

	m.mu.Lock()
	from := m.current
	if from == target {
		m.mu.Unlock()
		return
	}
	m.current = target
	m.mu.Unlock()

	event := ChangedEvent{
		From:   from,
		To:     target,
		Reason: reason,
		TS:     time.Now().UTC().UnixMilli(),
	}
	if snapshot != nil {
		event.PluginID = snapshot.PluginID
		event.Health = snapshot
	}
	m.emit(event)
}

// resolve computes the target mode from provider state and proposals.
func (m *Manager) resolve(ctx context.Context) (Mode, Reason, *Snapshot) {
	providers := m.registry.RunningExporting(CapabilityStatus)
	if len(providers) == 0 {
		return ModeDirect, ReasonPluginDisabled, nil
	}

	pluginID := providers[0]
	snapshot := &Snapshot{
		PluginID: pluginID,
		Exists:   true,
		Running:  true,
		Healthy:  m.health.IsResponsive(pluginID),
	}

	var proposal *Mode
	if m.proposals != nil {
		p, err := m.proposals(ctx, pluginID)
		if err != nil {
			m.zl.Debug("mode proposal read failed",
				zap.String("plugin_id", pluginID), zap.Error(err))
		} else {
			proposal = p
		}
	}

	if proposal != nil {
		switch *proposal {
		case ModeDirect:
			return ModeDirect, ReasonPluginProposal, snapshot
		case ModeMNet:
			if snapshot.Healthy {
				return ModeMNet, ReasonPluginProposal, snapshot
			}
			return ModeDirect, ReasonPluginFailure, snapshot
		}
	}

	if snapshot.Healthy {
		return ModeMNet, ReasonPluginEnabled, snapshot
	}
	if m.opts.FallbackToDirect {
		return ModeDirect, ReasonPluginFailure, snapshot
	}
	return m.Current(), ReasonPluginFailure, snapshot
}

// emit publishes the event on the bus and mirrors it to the fanout. A failed
// bus publish never rolls back the current mode; the event is retried on the
// next tick.
func (m *Manager) emit(event ChangedEvent) {
	if m.fanout != nil {
		m.fanout.Broadcast(BroadcastTopic, event, uuid.NewString())
	}
	if m.publisher == nil {
		return
	}
	data, _ := json.Marshal(event)
	if err := m.publisher.Publish(bus.SubjectNetworkMode, data); err != nil {
		m.zl.Warn("network mode publish failed, will retry",
			zap.String("to", string(event.To)), zap.Error(err))
		m.mu.Lock()
		m.pending = &event
		m.mu.Unlock()
	}
}

func (m *Manager) retryPending() {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()
	if pending == nil || m.publisher == nil {
		return
	}
	data, _ := json.Marshal(pending)
	if err := m.publisher.Publish(bus.SubjectNetworkMode, data); err != nil {
		m.zl.Warn("network mode publish retry failed", zap.Error(err))
		m.mu.Lock()
		m.pending = pending
		m.mu.Unlock()
	}
}
