package isolate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meristem/core/internal/plugin/manifest"
)

// ErrTimeout is returned when a correlated request outlives its deadline.
// Correlation state is cleaned up; a late reply is discarded silently.
var ErrTimeout = errors.New("TIMEOUT")

// ErrClosed is returned when the isolate port is gone.
var ErrClosed = errors.New("isolate port closed")

// Transport is the raw message channel under an isolate. The process
// transport is the production implementation; tests inject loopbacks.
type Transport interface {
	Send(msg Message) error
	// Receive returns the inbound frame stream. The channel closes when the
	// transport dies.
	Receive() <-chan Message
	Close() error
}

// SpawnSpec is the input to isolate creation.
type SpawnSpec struct {
	IsolateID string
	Manifest  *manifest.Manifest
	EntryPath string
}

// Factory creates isolates. Swapped for a fake in tests.
type Factory func(spec SpawnSpec) (*Isolate, error)

// InboundHandler consumes frames initiated by the plugin (INVOKE on a
// capability, HEALTH_REPORT). Frames correlated to pending requests never
// reach it.
type InboundHandler func(msg Message)

// Isolate is one live sandboxed execution context plus the request/response
// correlation machinery over its port.
type Isolate struct {
	ID       string
	PluginID string

	transport Transport
	zl        *zap.Logger

	mu       sync.Mutex
	pending  map[string]chan Message
	handler  InboundHandler
	closed   bool
	stopPump chan struct{}
}

// New wires an isolate over a transport and starts its read pump.
func New(id, pluginID string, transport Transport, zl *zap.Logger) *Isolate {
	if zl == nil {
		zl = zap.NewNop()
	}
	iso := &Isolate{
		ID:        id,
		PluginID:  pluginID,
		transport: transport,
		zl:        zl,
		pending:   make(map[string]chan Message),
		stopPump:  make(chan struct{}),
	}
	go iso.readPump()
	return iso
}

// SetHandler installs the inbound handler for plugin-initiated frames.
func (iso *Isolate) SetHandler(h InboundHandler) {
	iso.mu.Lock()
	iso.handler = h
	iso.mu.Unlock()
}

func (iso *Isolate) readPump() {
	for {
		select {
		case msg, ok := <-iso.transport.Receive():
			if !ok {
				iso.failPending(ErrClosed)
				return
			}
			iso.dispatch(msg)
		case <-iso.stopPump:
			return
		}
	}
}

func (iso *Isolate) dispatch(msg Message) {
	iso.mu.Lock()
	if ch, ok := iso.pending[msg.ID]; ok {
		delete(iso.pending, msg.ID)
		iso.mu.Unlock()
		ch <- msg
		return
	}
	h := iso.handler
	iso.mu.Unlock()

	if h != nil {
		h(msg)
	}
}

func (iso *Isolate) failPending(err error) {
	iso.mu.Lock()
	for id, ch := range iso.pending {
		delete(iso.pending, id)
		close(ch)
	}
	iso.closed = true
	iso.mu.Unlock()
}

// Request sends a frame and waits for its correlated reply. A timeout leaves
// no residue in the correlation table.
func (iso *Isolate) Request(ctx context.Context, msg Message, timeout time.Duration) (Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UTC().UnixMilli()
	}

	ch := make(chan Message, 1)
	iso.mu.Lock()
	if iso.closed {
		iso.mu.Unlock()
		return Message{}, ErrClosed
	}
	iso.pending[msg.ID] = ch
	iso.mu.Unlock()

	if err := iso.transport.Send(msg); err != nil {
		iso.mu.Lock()
		delete(iso.pending, msg.ID)
		iso.mu.Unlock()
		return Message{}, fmt.Errorf("isolate send: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply, ok := <-ch:
		if !ok {
			return Message{}, ErrClosed
		}
		return reply, nil
	case <-timer.C:
		iso.mu.Lock()
		delete(iso.pending, msg.ID)
		iso.mu.Unlock()
		return Message{}, ErrTimeout
	case <-ctx.Done():
		iso.mu.Lock()
		delete(iso.pending, msg.ID)
		iso.mu.Unlock()
		return Message{}, ctx.Err()
	}
}

// Invoke runs the INVOKE protocol for a method and decodes the result.
func (iso *Isolate) Invoke(ctx context.Context, traceID, method string, params interface{}, timeout time.Duration) (*InvokeResult, error) {
	var raw json.RawMessage
	if params != nil {
		raw = MustMarshal(params)
	}
	msg := Message{
		PluginID: iso.PluginID,
		Type:     TypeInvoke,
		TraceID:  traceID,
		Payload:  MustMarshal(InvokePayload{Method: method, Params: raw}),
	}
	reply, err := iso.Request(ctx, msg, timeout)
	if err != nil {
		return nil, err
	}
	result, err := DecodeResult(reply)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		code := "PLUGIN_ERROR"
		detail := "invoke failed"
		if result.Error != nil {
			code = result.Error.Code
			detail = result.Error.Message
		}
		return result, fmt.Errorf("%s: %s", code, detail)
	}
	return result, nil
}

// Send writes a raw frame to the isolate without correlation. Used for
// replies to plugin-initiated requests.
func (iso *Isolate) Send(msg Message) error {
	return iso.transport.Send(msg)
}

// Ping sends a HEALTH frame without waiting for the correlated reply; the
// isolate answers with a HEALTH_REPORT routed to the inbound handler.
func (iso *Isolate) Ping(traceID string) error {
	return iso.transport.Send(Message{
		ID:        uuid.NewString(),
		PluginID:  iso.PluginID,
		Type:      TypeHealth,
		Timestamp: time.Now().UTC().UnixMilli(),
		TraceID:   traceID,
	})
}

// Terminate signals graceful stop. The lifecycle manager races the plugin's
// onStop hook against its stop timeout and destroys the isolate either way.
func (iso *Isolate) Terminate(traceID string) error {
	return iso.transport.Send(Message{
		ID:        uuid.NewString(),
		PluginID:  iso.PluginID,
		Type:      TypeTerminate,
		Timestamp: time.Now().UTC().UnixMilli(),
		TraceID:   traceID,
	})
}

// DeliverEvent pushes a bus event frame to the isolate (event bridge).
func (iso *Isolate) DeliverEvent(subject string, body interface{}) error {
	return iso.transport.Send(Message{
		ID:        uuid.NewString(),
		PluginID:  iso.PluginID,
		Type:      TypeEvent,
		Timestamp: time.Now().UTC().UnixMilli(),
		Payload: MustMarshal(map[string]interface{}{
			"subject": subject,
			"body":    body,
		}),
	})
}

// Destroy tears down the channel and releases all host resources.
func (iso *Isolate) Destroy() error {
	iso.mu.Lock()
	if iso.closed {
		iso.mu.Unlock()
		return nil
	}
	iso.closed = true
	close(iso.stopPump)
	for id, ch := range iso.pending {
		delete(iso.pending, id)
		close(ch)
	}
	iso.mu.Unlock()
	return iso.transport.Close()
}
