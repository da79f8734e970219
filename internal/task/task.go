// Package task implements the scheduler surface: transactional task creation
// with its audit intent, and cursor-paginated listing.
package task

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meristem/core/internal/audit"
	"github.com/meristem/core/internal/domerr"
	"github.com/meristem/core/internal/trace"
)

// Task is the persisted task document.
type Task struct {
	TaskID       string                 `json:"task_id" bson:"task_id"`
	OwnerID      string                 `json:"owner_id" bson:"owner_id"`
	OrgID        string                 `json:"org_id" bson:"org_id"`
	TraceID      string                 `json:"trace_id" bson:"trace_id"`
	TargetNodeID string                 `json:"target_node_id" bson:"target_node_id"`
	Type         string                 `json:"type" bson:"type"`
	Status       string                 `json:"status" bson:"status"`
	Availability string                 `json:"availability" bson:"availability"`
	Payload      map[string]interface{} `json:"payload" bson:"payload"`
	Lease        *Lease                 `json:"lease,omitempty" bson:"lease,omitempty"`
	Progress     int                    `json:"progress" bson:"progress"`
	ResultURI    string                 `json:"result_uri,omitempty" bson:"result_uri,omitempty"`
	Handshake    string                 `json:"handshake,omitempty" bson:"handshake,omitempty"`
	CreatedAt    int64                  `json:"created_at" bson:"created_at"`
}

// Lease bounds a node's claim on a task.
type Lease struct {
	ExpireAt          int64 `json:"expire_at" bson:"expire_at"`
	HeartbeatInterval int64 `json:"heartbeat_interval" bson:"heartbeat_interval"`
}

// StatusPending is the status of a freshly created task.
const StatusPending = "pending"

// Actor is the authenticated identity creating or listing tasks.
type Actor struct {
	Subject    string
	OrgID      string
	Superadmin bool
}

// CreateRequest is the normalized task creation input.
type CreateRequest struct {
	PluginID     string                 `json:"plugin_id"`
	Action       string                 `json:"action"`
	Params       map[string]interface{} `json:"params"`
	Volatile     bool                   `json:"volatile"`
	TargetNodeID string                 `json:"target_node_id"`
	Lease        *Lease                 `json:"lease,omitempty"`
	ResultURI    string                 `json:"result_uri,omitempty"`
	Handshake    string                 `json:"handshake,omitempty"`
	CallDepth    int                    `json:"-"`
}

// ListQuery is the store-level page query. CreatedAfter/TaskAfter carry the
// decoded cursor; zero values mean "from the beginning".
type ListQuery struct {
	OrgID        string
	CreatedAfter int64
	TaskAfter    string
	Limit        int
}

// Store is the scheduler's persistence boundary.
type Store interface {
	InsertTask(ctx context.Context, t *Task) error
	// ListTasks returns up to Limit tasks ascending by (created_at, task_id),
	// strictly after the cursor position.
	ListTasks(ctx context.Context, q ListQuery) ([]Task, error)
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Options bounds scheduler behavior.
type Options struct {
	MaxCallDepth int
	DefaultLimit int
	MaxLimit     int
}

func (o *Options) defaults() {
	if o.MaxCallDepth <= 0 {
		o.MaxCallDepth = 8
	}
	if o.DefaultLimit <= 0 {
		o.DefaultLimit = 50
	}
	if o.MaxLimit <= 0 {
		o.MaxLimit = 200
	}
}

// Scheduler creates and lists tasks, pairing every creation with an audit
// record.
type Scheduler struct {
	store    Store
	pipeline *audit.Pipeline
	opts     Options
	zl       *zap.Logger
}

func NewScheduler(store Store, pipeline *audit.Pipeline, opts Options, zl *zap.Logger) *Scheduler {
	opts.defaults()
	if zl == nil {
		zl = zap.NewNop()
	}
	return &Scheduler{store: store, pipeline: pipeline, opts: opts, zl: zl}
}

// Create validates the request and persists the task. When the audit pipeline
// is ready, the task insert and the audit intent share one transaction; when
// it is not, the audit is written inline best-effort.
func (s *Scheduler) Create(ctx context.Context, tc trace.Context, actor Actor, req CreateRequest) (*Task, error) {
	if req.CallDepth < 0 || req.CallDepth > s.opts.MaxCallDepth {
		return nil, domerr.New(domerr.CodeInvalidCallDepth,
			fmt.Sprintf("call depth %d exceeds maximum %d", req.CallDepth, s.opts.MaxCallDepth))
	}
	if !actor.Superadmin && actor.OrgID == "" {
		return nil, domerr.New(domerr.CodeUnauthorized, "actor has no resolvable org")
	}

	t := &Task{
		TaskID:       uuid.NewString(),
		OwnerID:      actor.Subject,
		OrgID:        actor.OrgID,
		TraceID:      tc.TraceID,
		TargetNodeID: req.TargetNodeID,
		Type:         req.PluginID + "/" + req.Action,
		Status:       StatusPending,
		Availability: "available",
		Payload: map[string]interface{}{
			"plugin_id": req.PluginID,
			"action":    req.Action,
			"params":    req.Params,
			"volatile":  req.Volatile,
		},
		Lease:     req.Lease,
		Progress:  0,
		ResultURI: req.ResultURI,
		Handshake: req.Handshake,
		CreatedAt: trace.NowMillis(),
	}

	event := audit.EventInput{
		TS:      t.CreatedAt,
		Level:   string(trace.LevelInfo),
		NodeID:  tc.NodeID,
		Source:  "task.scheduler",
		TraceID: tc.TraceID,
		Content: "task created",
		Meta: map[string]interface{}{
			"taskId":         t.TaskID,
			"owner_id":       t.OwnerID,
			"org_id":         t.OrgID,
			"target_node_id": t.TargetNodeID,
			"type":           t.Type,
		},
	}

	if s.pipeline != nil && s.pipeline.Ready() {
		err := s.store.WithTransaction(ctx, func(sc context.Context) error {
			if err := s.store.InsertTask(sc, t); err != nil {
				return err
			}
			result, err := s.pipeline.Record(sc, event)
			if err != nil {
				return err
			}
			if !result.Accepted {
				return domerr.New(domerr.CodeAuditBackpressure, result.Reason)
			}
			return nil
		})
		if err != nil {
			if domerr.From(err).Code == domerr.CodeAuditBackpressure {
				return nil, err
			}
			return nil, domerr.Wrap(domerr.CodeTaskCreationFailed, "task insert failed", err)
		}
		return t, nil
	}

	if err := s.store.InsertTask(ctx, t); err != nil {
		return nil, domerr.Wrap(domerr.CodeTaskCreationFailed, "task insert failed", err)
	}
	if s.pipeline != nil {
		if _, err := s.pipeline.Record(ctx, event); err != nil {
			s.zl.Warn("inline audit for task creation failed",
				zap.String("task_id", t.TaskID), zap.Error(err))
		}
	}
	return t, nil
}

// ============================================================================
// CURSOR PAGINATION
// ============================================================================

// cursor is the opaque page position: the (created_at, task_id) key of the
// last row of the previous page.
type cursor struct {
	CreatedAt int64  `json:"c"`
	TaskID    string `json:"t"`
}

func encodeCursor(c cursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(s string) (cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return cursor{}, err
	}
	var c cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return cursor{}, err
	}
	if c.CreatedAt <= 0 || c.TaskID == "" {
		return cursor{}, fmt.Errorf("cursor missing key fields")
	}
	return c, nil
}

// Page is one cursor-paginated result.
type Page struct {
	Tasks      []Task `json:"tasks"`
	HasNext    bool   `json:"has_next"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// List returns one org-scoped page sorted ascending by (created_at, task_id).
// Superadmins see every org.
func (s *Scheduler) List(ctx context.Context, actor Actor, limit int, cursorStr string) (*Page, error) {
	if limit <= 0 {
		limit = s.opts.DefaultLimit
	}
	if limit > s.opts.MaxLimit {
		limit = s.opts.MaxLimit
	}

	q := ListQuery{Limit: limit + 1}
	if !actor.Superadmin {
		if actor.OrgID == "" {
			return nil, domerr.New(domerr.CodeUnauthorized, "actor has no resolvable org")
		}
		q.OrgID = actor.OrgID
	}
	if cursorStr != "" {
		c, err := decodeCursor(cursorStr)
		if err != nil {
			return nil, domerr.Wrap(domerr.CodeInvalidCursor, "malformed cursor", err)
		}
		q.CreatedAfter = c.CreatedAt
		q.TaskAfter = c.TaskID
	}

	rows, err := s.store.ListTasks(ctx, q)
	if err != nil {
		return nil, domerr.Wrap(domerr.CodeInternal, "task list failed", err)
	}

	page := &Page{Tasks: rows}
	if len(rows) > limit {
		page.Tasks = rows[:limit]
		page.HasNext = true
		last := page.Tasks[limit-1]
		page.NextCursor = encodeCursor(cursor{CreatedAt: last.CreatedAt, TaskID: last.TaskID})
	}
	if page.Tasks == nil {
		page.Tasks = []Task{}
	}
	return page, nil
}
