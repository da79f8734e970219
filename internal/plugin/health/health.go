// Package health watches running plugin isolates: periodic HEALTH pings,
// pong bookkeeping, dead detection and memory overload episodes. Restart on
// failure is the lifecycle manager's job; the monitor only raises the hooks.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meristem/core/internal/plugin/isolate"
)

// Status is the monitor's view of a plugin.
type Status string

const (
	StatusHealthy      Status = "healthy"
	StatusRecovering   Status = "recovering"
	StatusUnresponsive Status = "unresponsive"
	StatusCrashed      Status = "crashed"
)

// Options configures the monitor.
type Options struct {
	PingInterval           time.Duration
	PongTimeout            time.Duration
	MaxConsecutiveFailures int
	MemoryThresholdBytes   int64

	// OnUnresponsive fires when consecutive ping failures reach the limit.
	OnUnresponsive func(pluginID string)
	// OnMemoryExceeded fires once per overload episode.
	OnMemoryExceeded func(pluginID string)

	Logger *zap.Logger
}

func (o *Options) defaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = 5 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 12 * time.Second
	}
	if o.MaxConsecutiveFailures <= 0 {
		o.MaxConsecutiveFailures = 2
	}
	if o.MemoryThresholdBytes <= 0 {
		o.MemoryThresholdBytes = 512 << 20
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// entry is the per-plugin monitor record.
type entry struct {
	iso                 *isolate.Isolate
	status              Status
	lastPong            time.Time
	uptimeMS            int64
	memory              *isolate.MemoryUsage
	consecutiveFailures int
	overloadEpisode     bool
}

// Monitor tracks every watched plugin. It satisfies the lifecycle manager's
// HealthWatcher surface.
type Monitor struct {
	opts Options

	mu      sync.Mutex
	watched map[string]*entry

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewMonitor(opts Options) *Monitor {
	opts.defaults()
	return &Monitor{
		opts:    opts,
		watched: make(map[string]*entry),
		stopCh:  make(chan struct{}),
	}
}

// Start runs the ping loop until the context ends or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Tick()
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts the ping loop.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Watch begins monitoring an isolate. A reload re-watching the same plugin id
// replaces the tracked isolate and resets its record.
func (m *Monitor) Watch(pluginID string, iso *isolate.Isolate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watched[pluginID] = &entry{
		iso:      iso,
		status:   StatusHealthy,
		lastPong: time.Now(),
	}
}

// Unwatch forgets a plugin.
func (m *Monitor) Unwatch(pluginID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.watched, pluginID)
}

// StatusOf returns the tracked status, or false when the plugin is not
// watched.
func (m *Monitor) StatusOf(pluginID string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.watched[pluginID]
	if !ok {
		return "", false
	}
	return e.status, true
}

// IsResponsive reports whether the plugin ponged within the timeout and is in
// a serving status.
func (m *Monitor) IsResponsive(pluginID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.watched[pluginID]
	if !ok {
		return false
	}
	if time.Since(e.lastPong) > m.opts.PongTimeout {
		return false
	}
	return e.status == StatusHealthy || e.status == StatusRecovering
}

// Tick sends one HEALTH ping to every watched isolate and evaluates dead
// plugins. Exposed for deterministic tests; Start calls it on the interval.
func (m *Monitor) Tick() {
	var crashed []string

	m.mu.Lock()
	for id, e := range m.watched {
		if err := e.iso.Ping(uuid.NewString()); err != nil {
			m.opts.Logger.Debug("health ping failed",
				zap.String("plugin_id", id), zap.Error(err))
		}
		if time.Since(e.lastPong) <= m.opts.PongTimeout {
			continue
		}
		e.consecutiveFailures++
		if e.consecutiveFailures >= m.opts.MaxConsecutiveFailures && e.status != StatusCrashed {
			e.status = StatusCrashed
			crashed = append(crashed, id)
		}
	}
	m.mu.Unlock()

	if m.opts.OnUnresponsive != nil {
		for _, id := range crashed {
			m.opts.OnUnresponsive(id)
		}
	}
}

// HandleReport consumes one HEALTH_REPORT frame. Recovery applies hysteresis:
// a plugin coming back from unresponsive or crashed must report healthy twice
// before the monitor trusts it.
func (m *Monitor) HandleReport(pluginID string, report *isolate.HealthReport) {
	var exceeded bool

	m.mu.Lock()
	e, ok := m.watched[pluginID]
	if !ok {
		m.mu.Unlock()
		return
	}
	e.lastPong = time.Now()
	e.uptimeMS = report.UptimeMS
	e.memory = report.MemoryUsage
	e.consecutiveFailures = 0

	switch report.Status {
	case "healthy":
		if e.status == StatusUnresponsive || e.status == StatusCrashed {
			e.status = StatusRecovering
		} else {
			e.status = StatusHealthy
		}
	case "degraded":
		e.status = StatusRecovering
	case "unhealthy":
		e.status = StatusUnresponsive
	}

	if report.MemoryUsage != nil && report.MemoryUsage.RSS > m.opts.MemoryThresholdBytes {
		e.status = StatusUnresponsive
		if !e.overloadEpisode {
			e.overloadEpisode = true
			exceeded = true
		}
	} else {
		e.overloadEpisode = false
	}
	m.mu.Unlock()

	if exceeded && m.opts.OnMemoryExceeded != nil {
		m.opts.OnMemoryExceeded(pluginID)
	}
}
