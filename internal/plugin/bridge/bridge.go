// Package bridge is the sole conduit for host calls from plugin isolates:
// the capability broker dispatches INVOKE frames through the plugin's
// permission-scoped context, and the event bridge forwards bus subjects
// declared in the manifest onto the isolate port.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meristem/core/internal/plugin/isolate"
	"github.com/meristem/core/internal/plugin/manifest"
)

// BridgeErrorCode tags any uncaught capability handler failure.
const BridgeErrorCode = "PLUGIN_CONTEXT_BRIDGE_ERROR"

// Handler executes one capability call.
type Handler func(ctx context.Context, pluginID string, params json.RawMessage) (interface{}, error)

// Capability is a named host function exposed to plugins. Each requires a
// declared manifest permission.
type Capability struct {
	Name       string
	Permission string
	Handler    Handler
}

// Registry is the closed set of capabilities the Core offers.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

// Register adds a capability. Later registrations replace earlier ones.
func (r *Registry) Register(cap Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[cap.Name] = cap
}

func (r *Registry) lookup(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	return c, ok
}

// PluginContext is the capability façade scoped to one plugin's manifest
// permissions.
type PluginContext struct {
	Manifest *manifest.Manifest
	registry *Registry
}

// NewPluginContext binds a registry view to a manifest.
func NewPluginContext(m *manifest.Manifest, registry *Registry) *PluginContext {
	return &PluginContext{Manifest: m, registry: registry}
}

// Resolve returns the capability iff it exists and the manifest declares its
// permission.
func (pc *PluginContext) Resolve(name string) (Capability, error) {
	cap, ok := pc.registry.lookup(name)
	if !ok {
		return Capability{}, fmt.Errorf("capability %q not found", name)
	}
	if cap.Permission != "" && !pc.Manifest.HasPermission(cap.Permission) {
		return Capability{}, fmt.Errorf("capability %q requires undeclared permission %q", name, cap.Permission)
	}
	return cap, nil
}

// ============================================================================
// CAPABILITY BROKER
// ============================================================================

// Broker answers INVOKE frames from one isolate through a PluginContext.
type Broker struct {
	pc  *PluginContext
	iso *isolate.Isolate
	zl  *zap.Logger
}

// NewBroker binds a broker to an isolate and installs it as the inbound
// INVOKE handler. Hook replies (correlated requests) bypass it.
func NewBroker(pc *PluginContext, iso *isolate.Isolate, zl *zap.Logger) *Broker {
	if zl == nil {
		zl = zap.NewNop()
	}
	return &Broker{pc: pc, iso: iso, zl: zl}
}

// HandleInvoke processes one plugin-initiated INVOKE frame and returns the
// INVOKE_RESULT reply to send.
func (b *Broker) HandleInvoke(ctx context.Context, msg isolate.Message) isolate.Message {
	reply := isolate.Message{
		ID:        msg.ID,
		PluginID:  msg.PluginID,
		Type:      isolate.TypeInvokeResult,
		Timestamp: time.Now().UTC().UnixMilli(),
		TraceID:   msg.TraceID,
	}

	payload, err := isolate.DecodeInvoke(msg)
	if err != nil {
		reply.Payload = failure(BridgeErrorCode, err.Error())
		return reply
	}

	cap, err := b.pc.Resolve(payload.Method)
	if err != nil {
		reply.Payload = failure(BridgeErrorCode, err.Error())
		return reply
	}

	data, err := b.execute(ctx, cap, payload.Params)
	if err != nil {
		reply.Payload = failure(BridgeErrorCode, err.Error())
		return reply
	}
	reply.Payload = isolate.MustMarshal(isolate.InvokeResult{Success: true, Data: data})
	return reply
}

// execute runs the handler with panics translated to bridge errors; a plugin
// must not be able to crash the host through a capability call.
func (b *Broker) execute(ctx context.Context, cap Capability, params json.RawMessage) (data json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("capability %s panicked: %v", cap.Name, r)
		}
	}()

	out, err := cap.Handler(ctx, b.pc.Manifest.ID, params)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("capability %s result marshal: %w", cap.Name, err)
	}
	return raw, nil
}

func failure(code, message string) json.RawMessage {
	return isolate.MustMarshal(isolate.InvokeResult{
		Success: false,
		Error:   &isolate.InvokeError{Code: code, Message: message},
	})
}

// ============================================================================
// EVENT BRIDGE
// ============================================================================

// EventBridge converts bus messages on manifest-declared subjects into EVENT
// frames on the isolate port. Bodies decode as JSON when possible, else they
// are delivered as raw text.
type EventBridge struct {
	iso *isolate.Isolate
	zl  *zap.Logger
}

func NewEventBridge(iso *isolate.Isolate, zl *zap.Logger) *EventBridge {
	if zl == nil {
		zl = zap.NewNop()
	}
	return &EventBridge{iso: iso, zl: zl}
}

// Deliver forwards one bus message to the isolate.
func (eb *EventBridge) Deliver(subject string, data []byte) {
	var body interface{}
	if err := json.Unmarshal(data, &body); err != nil {
		body = string(data)
	}
	if err := eb.iso.DeliverEvent(subject, body); err != nil {
		eb.zl.Warn("event bridge delivery failed",
			zap.String("subject", subject),
			zap.String("plugin_id", eb.iso.PluginID),
			zap.Error(err))
	}
}
