// Package lifecycle owns the per-plugin state machine: load, init, start,
// stop, destroy and blue/green reload. The manager is the only writer of a
// plugin's state.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meristem/core/internal/guard"
	"github.com/meristem/core/internal/plugin/bridge"
	"github.com/meristem/core/internal/plugin/isolate"
	"github.com/meristem/core/internal/plugin/manifest"
)

// State is a plugin lifecycle state.
type State string

const (
	StateLoaded       State = "LOADED"
	StateInitializing State = "INITIALIZING"
	StateInitError    State = "INIT_ERROR"
	StateStarting     State = "STARTING"
	StateStartError   State = "START_ERROR"
	StateRunning      State = "RUNNING"
	StateReloading    State = "RELOADING"
	StateStopping     State = "STOPPING"
	StateStopped      State = "STOPPED"
	StateDestroyed    State = "DESTROYED"
)

// legalTransitions enumerates every permitted state pair. The _ERROR states
// allow re-invoking the transition that produced them.
var legalTransitions = map[State][]State{
	StateLoaded:       {StateInitializing},
	StateInitializing: {StateStarting, StateInitError},
	StateInitError:    {StateInitializing},
	StateStarting:     {StateRunning, StateStartError},
	StateStartError:   {StateStarting},
	StateRunning:      {StateStopping, StateReloading},
	StateReloading:    {StateRunning},
	StateStopping:     {StateStopped},
	StateStopped:      {StateDestroyed},
}

// worker bundles one live isolate with its bridge and event subscriptions.
// Reload builds a second worker and swaps it in atomically.
type worker struct {
	iso    *isolate.Isolate
	broker *bridge.Broker
	unsubs []func() error
}

func (w *worker) unsubscribeAll() {
	for _, u := range w.unsubs {
		u()
	}
	w.unsubs = nil
}

// Plugin is the lifecycle record for one installed plugin id.
type Plugin struct {
	Manifest      *manifest.Manifest
	EntryPath     string
	Config        map[string]interface{}
	ConfigVersion int

	transitionMu sync.Mutex // serializes state transitions end to end
	refMu        sync.RWMutex

	state     State
	active    *worker
	startedAt *time.Time
	stoppedAt *time.Time
	lastError string
}

// State returns the current lifecycle state.
func (p *Plugin) State() State {
	p.refMu.RLock()
	defer p.refMu.RUnlock()
	return p.state
}

func (p *Plugin) setState(s State) {
	p.refMu.Lock()
	p.state = s
	p.refMu.Unlock()
}

// transitionTo moves the plugin into a new state or rejects the pair.
func (p *Plugin) transitionTo(to State) error {
	p.refMu.Lock()
	defer p.refMu.Unlock()
	for _, s := range legalTransitions[p.state] {
		if s == to {
			p.state = to
			return nil
		}
	}
	return fmt.Errorf("plugin %s: illegal transition %s -> %s", p.Manifest.ID, p.state, to)
}

// activeWorker returns the current traffic sink. Callers read it at request
// arrival; a concurrent reload swap does not redirect in-flight calls.
func (p *Plugin) activeWorker() *worker {
	p.refMu.RLock()
	defer p.refMu.RUnlock()
	return p.active
}

func (p *Plugin) swapWorker(w *worker) *worker {
	p.refMu.Lock()
	old := p.active
	p.active = w
	p.refMu.Unlock()
	return old
}

// Status is the externally visible snapshot of a plugin.
type Status struct {
	ID            string     `json:"id"`
	Version       string     `json:"version"`
	State         State      `json:"state"`
	ConfigVersion int        `json:"config_version"`
	IsolateID     string     `json:"isolate_id,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	StoppedAt     *time.Time `json:"stopped_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// ============================================================================
// MANAGER
// ============================================================================

// BusSubscriber creates event subscriptions for the event bridge. The returned
// function removes the subscription.
type BusSubscriber interface {
	Subscribe(subject string, handler func(subject string, data []byte)) (func() error, error)
}

// HealthWatcher is the monitor hook surface. Watch begins pinging an isolate,
// Unwatch forgets it, HandleReport consumes a HEALTH_REPORT frame.
type HealthWatcher interface {
	Watch(pluginID string, iso *isolate.Isolate)
	Unwatch(pluginID string)
	HandleReport(pluginID string, report *isolate.HealthReport)
}

// VersionStore persists the monotonically increasing config version. The swap
// to a reloaded worker happens only after persistence succeeds.
type VersionStore interface {
	PersistConfigVersion(ctx context.Context, pluginID string, version int) error
}

// Options wires the manager's collaborators.
type Options struct {
	Factory  isolate.Factory
	Registry *bridge.Registry
	Bus      BusSubscriber
	Health   HealthWatcher
	Versions VersionStore

	// OnDenied receives audit events for event subscriptions refused by the
	// subject permission guard.
	OnDenied func(ev guard.DenialEvent)

	StopTimeout   time.Duration
	ReloadTimeout time.Duration
	InvokeTimeout time.Duration

	Logger *zap.Logger
}

func (o *Options) defaults() {
	if o.StopTimeout <= 0 {
		o.StopTimeout = 3 * time.Second
	}
	if o.ReloadTimeout <= 0 {
		o.ReloadTimeout = 5 * time.Second
	}
	if o.InvokeTimeout <= 0 {
		o.InvokeTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Manager owns every Plugin record and is the sole writer of their states.
type Manager struct {
	opts Options

	mu      sync.RWMutex
	plugins map[string]*Plugin
}

func NewManager(opts Options) *Manager {
	opts.defaults()
	return &Manager{opts: opts, plugins: make(map[string]*Plugin)}
}

// Load validates the manifest and registers the plugin in LOADED state.
func (m *Manager) Load(mf *manifest.Manifest, entryPath string, config map[string]interface{}, configVersion int) (*Plugin, error) {
	if err := manifest.Validate(mf); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.plugins[mf.ID]; exists {
		return nil, fmt.Errorf("plugin %s already loaded", mf.ID)
	}
	p := &Plugin{
		Manifest:      mf,
		EntryPath:     entryPath,
		Config:        config,
		ConfigVersion: configVersion,
		state:         StateLoaded,
	}
	m.plugins[mf.ID] = p
	return p, nil
}

func (m *Manager) get(pluginID string) (*Plugin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plugins[pluginID]
	if !ok {
		return nil, fmt.Errorf("plugin %s not loaded", pluginID)
	}
	return p, nil
}

// Statuses snapshots every plugin, id-keyed.
func (m *Manager) Statuses() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.plugins))
	for id, p := range m.plugins {
		out[id] = m.statusOf(p)
	}
	return out
}

// StatusOf snapshots one plugin.
func (m *Manager) StatusOf(pluginID string) (Status, error) {
	p, err := m.get(pluginID)
	if err != nil {
		return Status{}, err
	}
	return m.statusOf(p), nil
}

func (m *Manager) statusOf(p *Plugin) Status {
	p.refMu.RLock()
	defer p.refMu.RUnlock()
	st := Status{
		ID:            p.Manifest.ID,
		Version:       p.Manifest.Version,
		State:         p.state,
		ConfigVersion: p.ConfigVersion,
		StartedAt:     p.startedAt,
		StoppedAt:     p.stoppedAt,
		LastError:     p.lastError,
	}
	if p.active != nil {
		st.IsolateID = p.active.iso.ID
	}
	return st
}

// RunningExporting lists RUNNING plugin ids that export the named capability.
func (m *Manager) RunningExporting(capability string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, p := range m.plugins {
		if p.State() == StateRunning && p.Manifest.ExportsCapability(capability) {
			out = append(out, id)
		}
	}
	return out
}

// ============================================================================
// TRANSITIONS
// ============================================================================

// Init spawns the isolate, binds the invoke bridge and runs onInit. Permitted
// from LOADED and as a retry from INIT_ERROR.
func (m *Manager) Init(ctx context.Context, pluginID, traceID string) error {
	p, err := m.get(pluginID)
	if err != nil {
		return err
	}
	p.transitionMu.Lock()
	defer p.transitionMu.Unlock()

	if err := p.transitionTo(StateInitializing); err != nil {
		return err
	}

	w, err := m.spawnWorker(p)
	if err != nil {
		p.setState(StateInitError)
		p.refMu.Lock()
		p.lastError = err.Error()
		p.refMu.Unlock()
		return err
	}

	if _, err := w.iso.Invoke(ctx, traceID, isolate.HookInit,
		map[string]interface{}{"hasContext": true, "config": p.Config},
		m.opts.InvokeTimeout); err != nil {
		w.iso.Destroy()
		p.setState(StateInitError)
		p.refMu.Lock()
		p.lastError = err.Error()
		p.refMu.Unlock()
		return fmt.Errorf("plugin %s onInit: %w", pluginID, err)
	}

	p.swapWorker(w)
	return nil
}

// Start runs onStart, creates the event subscriptions and begins health
// monitoring. Permitted from INITIALIZING and as a retry from START_ERROR.
func (m *Manager) Start(ctx context.Context, pluginID, traceID string) error {
	p, err := m.get(pluginID)
	if err != nil {
		return err
	}
	p.transitionMu.Lock()
	defer p.transitionMu.Unlock()

	if err := p.transitionTo(StateStarting); err != nil {
		return err
	}
	w := p.activeWorker()
	if w == nil {
		p.setState(StateStartError)
		return fmt.Errorf("plugin %s has no live isolate", pluginID)
	}

	if _, err := w.iso.Invoke(ctx, traceID, isolate.HookStart, nil, m.opts.InvokeTimeout); err != nil {
		p.setState(StateStartError)
		p.refMu.Lock()
		p.lastError = err.Error()
		p.refMu.Unlock()
		return fmt.Errorf("plugin %s onStart: %w", pluginID, err)
	}

	m.subscribeEvents(p, w)
	if m.opts.Health != nil {
		m.opts.Health.Watch(pluginID, w.iso)
	}

	now := time.Now().UTC()
	p.refMu.Lock()
	p.startedAt = &now
	p.lastError = ""
	p.refMu.Unlock()
	return p.transitionTo(StateRunning)
}

// Stop unsubscribes events, halts monitoring and races onStop against the
// stop timeout; the isolate is destroyed either way. Calling Stop on a
// STOPPED plugin is a no-op.
func (m *Manager) Stop(ctx context.Context, pluginID, traceID string) error {
	p, err := m.get(pluginID)
	if err != nil {
		return err
	}
	p.transitionMu.Lock()
	defer p.transitionMu.Unlock()

	if p.State() == StateStopped {
		return nil
	}
	if err := p.transitionTo(StateStopping); err != nil {
		return err
	}

	if w := p.swapWorker(nil); w != nil {
		m.stopWorker(ctx, p, w, traceID)
	}

	now := time.Now().UTC()
	p.refMu.Lock()
	p.stoppedAt = &now
	p.refMu.Unlock()
	return p.transitionTo(StateStopped)
}

// stopWorker runs the graceful half of stop and then tears the isolate down.
func (m *Manager) stopWorker(ctx context.Context, p *Plugin, w *worker, traceID string) {
	w.unsubscribeAll()
	if m.opts.Health != nil {
		m.opts.Health.Unwatch(p.Manifest.ID)
	}
	w.iso.Terminate(traceID)
	if _, err := w.iso.Invoke(ctx, traceID, isolate.HookStop, nil, m.opts.StopTimeout); err != nil {
		// Stop timeouts are not fatal; the forced teardown below reclaims
		// the isolate regardless.
		m.opts.Logger.Warn("plugin onStop failed, forcing teardown",
			zap.String("plugin_id", p.Manifest.ID), zap.Error(err))
	}
	w.iso.Destroy()
}

// Destroy finalizes a STOPPED plugin and removes it from the registry.
func (m *Manager) Destroy(ctx context.Context, pluginID, traceID string) error {
	p, err := m.get(pluginID)
	if err != nil {
		return err
	}
	p.transitionMu.Lock()
	if err := p.transitionTo(StateDestroyed); err != nil {
		p.transitionMu.Unlock()
		return err
	}
	p.transitionMu.Unlock()

	m.mu.Lock()
	delete(m.plugins, pluginID)
	m.mu.Unlock()
	return nil
}

// Reload performs a blue/green restart: a second isolate is initialized and
// started beside the live one, and traffic moves only after the new config
// version is persisted. Any failure tears the pending isolate down and leaves
// the old worker serving.
func (m *Manager) Reload(ctx context.Context, pluginID, traceID string, newConfig map[string]interface{}) error {
	p, err := m.get(pluginID)
	if err != nil {
		return err
	}
	p.transitionMu.Lock()
	defer p.transitionMu.Unlock()

	old := p.activeWorker()
	if p.State() != StateRunning || old == nil {
		return fmt.Errorf("plugin %s: reload requires RUNNING with a live isolate", pluginID)
	}
	if err := p.transitionTo(StateReloading); err != nil {
		return err
	}

	rollback := func(cause error) error {
		p.refMu.Lock()
		p.lastError = cause.Error()
		p.refMu.Unlock()
		p.setState(StateRunning)
		return fmt.Errorf("plugin %s reload: %w", pluginID, cause)
	}

	pending, err := m.spawnWorker(p)
	if err != nil {
		return rollback(err)
	}

	hookCtx, cancel := context.WithTimeout(ctx, m.opts.ReloadTimeout)
	defer cancel()

	params := map[string]interface{}{"reload": true, "hasContext": true, "config": newConfig}
	if _, err := pending.iso.Invoke(hookCtx, traceID, isolate.HookInit, params, m.opts.ReloadTimeout); err != nil {
		pending.iso.Destroy()
		return rollback(fmt.Errorf("onInit: %w", err))
	}
	if _, err := pending.iso.Invoke(hookCtx, traceID, isolate.HookStart,
		map[string]interface{}{"reload": true}, m.opts.ReloadTimeout); err != nil {
		pending.iso.Destroy()
		return rollback(fmt.Errorf("onStart: %w", err))
	}

	nextVersion := p.ConfigVersion + 1
	if m.opts.Versions != nil {
		if err := m.opts.Versions.PersistConfigVersion(ctx, pluginID, nextVersion); err != nil {
			pending.iso.Destroy()
			return rollback(fmt.Errorf("persist config version: %w", err))
		}
	}

	// Persistence succeeded: the swap is now unconditional.
	m.subscribeEvents(p, pending)
	if m.opts.Health != nil {
		m.opts.Health.Watch(pluginID, pending.iso)
	}
	displaced := p.swapWorker(pending)

	p.refMu.Lock()
	p.ConfigVersion = nextVersion
	if newConfig != nil {
		p.Config = newConfig
	}
	p.lastError = ""
	p.refMu.Unlock()

	displaced.unsubscribeAll()
	displaced.iso.Terminate(traceID)
	if _, err := displaced.iso.Invoke(ctx, traceID, isolate.HookStop, nil, m.opts.StopTimeout); err != nil {
		m.opts.Logger.Warn("displaced isolate onStop failed",
			zap.String("plugin_id", pluginID), zap.Error(err))
	}
	displaced.iso.Destroy()

	return p.transitionTo(StateRunning)
}

// Invoke routes a capability call to the worker that is active at request
// arrival.
func (m *Manager) Invoke(ctx context.Context, pluginID, traceID, method string, params interface{}) (*isolate.InvokeResult, error) {
	p, err := m.get(pluginID)
	if err != nil {
		return nil, err
	}
	w := p.activeWorker()
	if w == nil {
		return nil, fmt.Errorf("plugin %s has no live isolate", pluginID)
	}
	return w.iso.Invoke(ctx, traceID, method, params, m.opts.InvokeTimeout)
}

// ============================================================================
// WORKER ASSEMBLY
// ============================================================================

// spawnWorker builds an isolate, its capability broker and the inbound frame
// dispatch. Plugin-initiated INVOKE frames go through the broker; health
// reports go to the watcher.
func (m *Manager) spawnWorker(p *Plugin) (*worker, error) {
	iso, err := m.opts.Factory(isolate.SpawnSpec{
		IsolateID: uuid.NewString(),
		Manifest:  p.Manifest,
		EntryPath: p.EntryPath,
	})
	if err != nil {
		return nil, fmt.Errorf("spawn isolate for %s: %w", p.Manifest.ID, err)
	}

	pc := bridge.NewPluginContext(p.Manifest, m.opts.Registry)
	w := &worker{iso: iso, broker: bridge.NewBroker(pc, iso, m.opts.Logger)}

	pluginID := p.Manifest.ID
	iso.SetHandler(func(msg isolate.Message) {
		switch msg.Type {
		case isolate.TypeInvoke:
			reply := w.broker.HandleInvoke(context.Background(), msg)
			if err := iso.Send(reply); err != nil {
				m.opts.Logger.Warn("invoke reply send failed",
					zap.String("plugin_id", pluginID), zap.Error(err))
			}
		case isolate.TypeHealthReport:
			if m.opts.Health == nil {
				return
			}
			report, err := isolate.DecodeHealthReport(msg)
			if err != nil {
				m.opts.Logger.Warn("malformed health report",
					zap.String("plugin_id", pluginID), zap.Error(err))
				return
			}
			m.opts.Health.HandleReport(pluginID, report)
		}
	})
	return w, nil
}

// subscribeEvents creates one bus subscription per manifest event subject,
// each gated by the subject permission guard. Denied subjects are audited and
// skipped; they never fail the start.
func (m *Manager) subscribeEvents(p *Plugin, w *worker) {
	if m.opts.Bus == nil || len(p.Manifest.Events) == 0 {
		return
	}
	eb := bridge.NewEventBridge(w.iso, m.opts.Logger)
	for _, subject := range p.Manifest.Events {
		decision := guard.Evaluate(subject, p.Manifest.Permissions)
		if !decision.Allowed {
			if m.opts.OnDenied != nil {
				m.opts.OnDenied(guard.DenialEvent{
					Event:              "BUS_ACCESS_DENIED",
					Actor:              p.Manifest.ID,
					Subject:            subject,
					RequiredPermission: decision.Required,
					Reason:             decision.Reason,
				})
			}
			continue
		}
		unsub, err := m.opts.Bus.Subscribe(subject, eb.Deliver)
		if err != nil {
			m.opts.Logger.Warn("event subscription failed",
				zap.String("plugin_id", p.Manifest.ID),
				zap.String("subject", subject), zap.Error(err))
			continue
		}
		w.unsubs = append(w.unsubs, unsub)
	}
}
