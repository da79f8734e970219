// Package trace provides the immutable per-operation context and the envelope
// logger that feeds both the local stderr sink and the bus log transport.
package trace

import (
	"time"

	"github.com/google/uuid"
)

// Context identifies one inbound operation. It is created once at a boundary
// (HTTP handler, subscription callback, scheduler tick), propagated by value,
// and never mutated.
type Context struct {
	TraceID string
	NodeID  string
	Source  string
	TaskID  string
}

// NewContext creates a context with a fresh trace id.
func NewContext(nodeID, source string) Context {
	return Context{
		TraceID: uuid.NewString(),
		NodeID:  nodeID,
		Source:  source,
	}
}

// Propagated creates a context carrying an existing trace id. An empty
// traceID falls back to a freshly generated one.
func Propagated(traceID, nodeID, source string) Context {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	return Context{TraceID: traceID, NodeID: nodeID, Source: source}
}

// WithTask returns a copy of the context bound to a task id.
func (c Context) WithTask(taskID string) Context {
	c.TaskID = taskID
	return c
}

// WithSource returns a copy of the context with a different source label.
func (c Context) WithSource(source string) Context {
	c.Source = source
	return c
}

// Level is the envelope severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
	LevelFatal Level = "FATAL"
)

// Envelope is the wire shape shared by the logger, the log transport and the
// audit pipeline input.
type Envelope struct {
	TS      int64                  `json:"ts"` // UTC epoch-ms
	Level   Level                  `json:"level"`
	NodeID  string                 `json:"node_id"`
	Source  string                 `json:"source"`
	TraceID string                 `json:"trace_id"`
	Content string                 `json:"content"`
	Meta    map[string]interface{} `json:"meta,omitempty"`
}

// NowMillis returns the current UTC time in epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UTC().UnixMilli()
}
