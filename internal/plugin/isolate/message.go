// Package isolate hosts plugin execution contexts. Each plugin runs in an
// OS-level sandboxed child process and talks to the Core over a single
// NDJSON message port; the Core exposes no globals to the isolate.
package isolate

import (
	"encoding/json"
	"fmt"
)

// MessageType tags every frame on the isolate port.
type MessageType string

const (
	TypeInvoke       MessageType = "INVOKE"
	TypeInvokeResult MessageType = "INVOKE_RESULT"
	TypeHealth       MessageType = "HEALTH"
	TypeHealthReport MessageType = "HEALTH_REPORT"
	TypeTerminate    MessageType = "TERMINATE"
	TypeEvent        MessageType = "EVENT"
)

// Message is the single frame shape for all plugin-host communication.
type Message struct {
	ID        string          `json:"id"`
	PluginID  string          `json:"pluginId"`
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"timestamp"`
	TraceID   string          `json:"traceId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// InvokePayload is the body of an INVOKE frame. Hook invocations use the
// reserved method names below.
type InvokePayload struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Reserved hook method names.
const (
	HookInit    = "onInit"
	HookStart   = "onStart"
	HookStop    = "onStop"
	HookDestroy = "onDestroy"
)

// InvokeError is the error half of an INVOKE_RESULT.
type InvokeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// InvokeResult is the body of an INVOKE_RESULT frame.
type InvokeResult struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *InvokeError    `json:"error,omitempty"`
}

// HealthReport is the body of a HEALTH_REPORT frame.
type HealthReport struct {
	PluginID    string       `json:"pluginId"`
	Status      string       `json:"status"` // healthy | degraded | unhealthy
	UptimeMS    int64        `json:"uptime_ms"`
	MemoryUsage *MemoryUsage `json:"memory_usage,omitempty"`
}

// MemoryUsage mirrors the isolate's reported process memory.
type MemoryUsage struct {
	RSS      int64 `json:"rss"`
	HeapUsed int64 `json:"heap_used,omitempty"`
}

// DecodeInvoke parses an INVOKE payload.
func DecodeInvoke(msg Message) (*InvokePayload, error) {
	if msg.Type != TypeInvoke {
		return nil, fmt.Errorf("expected INVOKE frame, got %s", msg.Type)
	}
	var p InvokePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return nil, fmt.Errorf("malformed INVOKE payload: %w", err)
	}
	if p.Method == "" {
		return nil, fmt.Errorf("INVOKE payload missing method")
	}
	return &p, nil
}

// DecodeResult parses an INVOKE_RESULT payload.
func DecodeResult(msg Message) (*InvokeResult, error) {
	if msg.Type != TypeInvokeResult {
		return nil, fmt.Errorf("expected INVOKE_RESULT frame, got %s", msg.Type)
	}
	var r InvokeResult
	if err := json.Unmarshal(msg.Payload, &r); err != nil {
		return nil, fmt.Errorf("malformed INVOKE_RESULT payload: %w", err)
	}
	return &r, nil
}

// DecodeHealthReport parses a HEALTH_REPORT payload.
func DecodeHealthReport(msg Message) (*HealthReport, error) {
	var r HealthReport
	if err := json.Unmarshal(msg.Payload, &r); err != nil {
		return nil, fmt.Errorf("malformed HEALTH_REPORT payload: %w", err)
	}
	return &r, nil
}

// MustMarshal encodes a payload body, panicking only on programmer error
// (unmarshalable types never cross the port).
func MustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("isolate payload marshal: %v", err))
	}
	return data
}
