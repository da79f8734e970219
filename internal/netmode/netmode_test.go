package netmode

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	mu        sync.Mutex
	providers []string
}

func (f *fakeRegistry) RunningExporting(capability string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if capability != CapabilityStatus {
		return nil
	}
	return append([]string(nil), f.providers...)
}

func (f *fakeRegistry) set(providers ...string) {
	f.mu.Lock()
	f.providers = providers
	f.mu.Unlock()
}

type fakeHealth struct {
	mu         sync.Mutex
	responsive map[string]bool
}

func (f *fakeHealth) IsResponsive(pluginID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.responsive[pluginID]
}

func (f *fakeHealth) set(pluginID string, ok bool) {
	f.mu.Lock()
	if f.responsive == nil {
		f.responsive = make(map[string]bool)
	}
	f.responsive[pluginID] = ok
	f.mu.Unlock()
}

type fakePublisher struct {
	mu       sync.Mutex
	fail     bool
	messages []ChangedEvent
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("bus down")
	}
	var ev ChangedEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	f.messages = append(f.messages, ev)
	return nil
}

type fakeFanout struct {
	mu     sync.Mutex
	topics []string
	events []ChangedEvent
}

func (f *fakeFanout) Broadcast(topic string, payload interface{}, traceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	if ev, ok := payload.(ChangedEvent); ok {
		f.events = append(f.events, ev)
	}
	return 1
}

type fixture struct {
	registry  *fakeRegistry
	health    *fakeHealth
	publisher *fakePublisher
	fanout    *fakeFanout
	manager   *Manager
}

func newFixture(proposals ProposalReader) *fixture {
	f := &fixture{
		registry:  &fakeRegistry{},
		health:    &fakeHealth{},
		publisher: &fakePublisher{},
		fanout:    &fakeFanout{},
	}
	f.manager = NewManager(f.registry, f.health, proposals,
		f.publisher, f.fanout, Options{FallbackToDirect: true}, nil)
	return f
}

func TestNoProvidersStaysDirect(t *testing.T) {
	f := newFixture(nil)

	f.manager.Tick(context.Background())
	assert.Equal(t, ModeDirect, f.manager.Current())
	assert.Empty(t, f.publisher.messages)
	assert.Empty(t, f.fanout.events)
}

func TestHealthyProviderEnablesMNet(t *testing.T) {
	f := newFixture(nil)
	f.registry.set("com.example.mnet")
	f.health.set("com.example.mnet", true)

	f.manager.Tick(context.Background())
	assert.Equal(t, ModeMNet, f.manager.Current())

	require.Len(t, f.publisher.messages, 1)
	ev := f.publisher.messages[0]
	assert.Equal(t, ModeDirect, ev.From)
	assert.Equal(t, ModeMNet, ev.To)
	assert.Equal(t, ReasonPluginEnabled, ev.Reason)
	assert.Equal(t, "com.example.mnet", ev.PluginID)
	require.NotNil(t, ev.Health)
	assert.True(t, ev.Health.Healthy)

	require.Len(t, f.fanout.topics, 1)
	assert.Equal(t, BroadcastTopic, f.fanout.topics[0])

	// No change, no event.
	f.manager.Tick(context.Background())
	assert.Len(t, f.publisher.messages, 1)
}

func TestUnhealthyProviderFallsBack(t *testing.T) {
	f := newFixture(nil)
	f.registry.set("com.example.mnet")
	f.health.set("com.example.mnet", true)
	f.manager.Tick(context.Background())
	require.Equal(t, ModeMNet, f.manager.Current())

	f.health.set("com.example.mnet", false)
	f.manager.Tick(context.Background())
	assert.Equal(t, ModeDirect, f.manager.Current())
	require.Len(t, f.publisher.messages, 2)
	assert.Equal(t, ReasonPluginFailure, f.publisher.messages[1].Reason)
}

func TestProviderRemovalDisables(t *testing.T) {
	f := newFixture(nil)
	f.registry.set("com.example.mnet")
	f.health.set("com.example.mnet", true)
	f.manager.Tick(context.Background())
	require.Equal(t, ModeMNet, f.manager.Current())

	f.registry.set()
	f.manager.Tick(context.Background())
	assert.Equal(t, ModeDirect, f.manager.Current())
	require.Len(t, f.publisher.messages, 2)
	assert.Equal(t, ReasonPluginDisabled, f.publisher.messages[1].Reason)
	assert.Empty(t, f.publisher.messages[1].PluginID)
}

func TestDirectProposalWinsWhileHealthy(t *testing.T) {
	proposal := ModeDirect
	var served *Mode
	f := newFixture(func(ctx context.Context, pluginID string) (*Mode, error) {
		return served, nil
	})
	f.registry.set("com.example.mnet")
	f.health.set("com.example.mnet", true)

	f.manager.Tick(context.Background())
	require.Equal(t, ModeMNet, f.manager.Current())

	served = &proposal
	f.manager.Tick(context.Background())
	assert.Equal(t, ModeDirect, f.manager.Current())
	require.Len(t, f.publisher.messages, 2)
	assert.Equal(t, ReasonPluginProposal, f.publisher.messages[1].Reason)
}

func TestMNetProposalIgnoredWhenUnhealthy(t *testing.T) {
	proposal := ModeMNet
	f := newFixture(func(ctx context.Context, pluginID string) (*Mode, error) {
		return &proposal, nil
	})
	f.registry.set("com.example.mnet")
	f.health.set("com.example.mnet", false)

	f.manager.Tick(context.Background())
	assert.Equal(t, ModeDirect, f.manager.Current())
	assert.Empty(t, f.publisher.messages, "already DIRECT, no transition")
}

func TestPublishFailureRetriedNextTick(t *testing.T) {
	f := newFixture(nil)
	f.registry.set("com.example.mnet")
	f.health.set("com.example.mnet", true)

	f.publisher.fail = true
	f.manager.Tick(context.Background())
	// Mode advances even though the bus publish failed.
	assert.Equal(t, ModeMNet, f.manager.Current())
	assert.Empty(t, f.publisher.messages)

	f.publisher.fail = false
	f.manager.Tick(context.Background())
	require.Len(t, f.publisher.messages, 1)
	assert.Equal(t, ModeMNet, f.publisher.messages[0].To)
}

func TestManualOverride(t *testing.T) {
	f := newFixture(nil)

	f.manager.SetManual(context.Background(), ModeMNet)
	assert.Equal(t, ModeMNet, f.manager.Current())
	require.Len(t, f.publisher.messages, 1)
	assert.Equal(t, ReasonManualOverride, f.publisher.messages[0].Reason)

	// Re-applying the same mode is a no-op.
	f.manager.SetManual(context.Background(), ModeMNet)
	assert.Len(t, f.publisher.messages, 1)
}
