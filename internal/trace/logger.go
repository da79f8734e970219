package trace

import (
	"go.uber.org/zap"
)

// Sink receives envelopes asynchronously; the NATS log transport implements it.
type Sink interface {
	Enqueue(env Envelope)
}

// Logger formats envelopes for one operation context. Envelopes go to two
// sinks: the zap logger (synchronous, stderr) and the transport sink
// (batched, bus). The transport may be nil during early bootstrap.
type Logger struct {
	ctx  Context
	zl   *zap.Logger
	sink Sink
}

// NewLogger binds a logger to an operation context.
func NewLogger(ctx Context, zl *zap.Logger, sink Sink) *Logger {
	if zl == nil {
		zl = zap.NewNop()
	}
	return &Logger{ctx: ctx, zl: zl, sink: sink}
}

// Ctx returns the bound operation context.
func (l *Logger) Ctx() Context { return l.ctx }

// With returns a logger bound to a derived context, sharing sinks.
func (l *Logger) With(ctx Context) *Logger {
	return &Logger{ctx: ctx, zl: l.zl, sink: l.sink}
}

func (l *Logger) emit(level Level, content string, meta map[string]interface{}) Envelope {
	env := Envelope{
		TS:      NowMillis(),
		Level:   level,
		NodeID:  l.ctx.NodeID,
		Source:  l.ctx.Source,
		TraceID: l.ctx.TraceID,
		Content: content,
		Meta:    meta,
	}
	if l.ctx.TaskID != "" {
		if env.Meta == nil {
			env.Meta = map[string]interface{}{}
		}
		if _, ok := env.Meta["task_id"]; !ok {
			env.Meta["task_id"] = l.ctx.TaskID
		}
	}

	fields := []zap.Field{
		zap.String("node_id", env.NodeID),
		zap.String("source", env.Source),
		zap.String("trace_id", env.TraceID),
	}
	if len(env.Meta) > 0 {
		fields = append(fields, zap.Any("meta", env.Meta))
	}
	switch level {
	case LevelDebug:
		l.zl.Debug(content, fields...)
	case LevelInfo:
		l.zl.Info(content, fields...)
	case LevelWarn:
		l.zl.Warn(content, fields...)
	case LevelError, LevelFatal:
		l.zl.Error(content, fields...)
	}

	if l.sink != nil {
		l.sink.Enqueue(env)
	}
	return env
}

func (l *Logger) Debug(content string, meta map[string]interface{}) { l.emit(LevelDebug, content, meta) }
func (l *Logger) Info(content string, meta map[string]interface{})  { l.emit(LevelInfo, content, meta) }
func (l *Logger) Warn(content string, meta map[string]interface{})  { l.emit(LevelWarn, content, meta) }
func (l *Logger) Error(content string, meta map[string]interface{}) { l.emit(LevelError, content, meta) }
func (l *Logger) Fatal(content string, meta map[string]interface{}) { l.emit(LevelFatal, content, meta) }
