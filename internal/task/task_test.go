package task

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meristem/core/internal/audit"
	"github.com/meristem/core/internal/domerr"
	"github.com/meristem/core/internal/trace"
)

func newScheduler(t *testing.T, ready bool, backlogLimit int) (*Scheduler, *MemoryStore, *audit.MemoryStore) {
	t.Helper()
	taskStore := NewMemoryStore()
	auditStore := audit.NewMemoryStore()
	pipeline, err := audit.NewPipeline(auditStore, audit.Options{
		NodeID:           "core",
		HMACSecret:       "test-secret",
		BacklogHardLimit: backlogLimit,
		DrainInterval:    time.Hour,
		AnchorInterval:   time.Hour,
	}, nil)
	require.NoError(t, err)
	if ready {
		pipeline.Start()
		t.Cleanup(pipeline.Stop)
	}
	return NewScheduler(taskStore, pipeline, Options{}, nil), taskStore, auditStore
}

func testActor() Actor {
	return Actor{Subject: "user-1", OrgID: "org-1"}
}

func testTrace() trace.Context {
	return trace.NewContext("core", "test")
}

func TestCreateQueuesAuditIntentTransactionally(t *testing.T) {
	s, taskStore, auditStore := newScheduler(t, true, 0)

	created, err := s.Create(context.Background(), testTrace(), testActor(), CreateRequest{
		PluginID:     "com.example.alpha",
		Action:       "deploy",
		Params:       map[string]interface{}{"ref": "v2"},
		TargetNodeID: "node-7",
		CallDepth:    1,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.TaskID)
	assert.Equal(t, "org-1", created.OrgID)
	assert.Equal(t, "com.example.alpha/deploy", created.Type)
	assert.Equal(t, StatusPending, created.Status)
	assert.Equal(t, 1, taskStore.Count())

	n, err := auditStore.BacklogCount(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "one sealed intent queued with the task")
}

func TestCreateInlineAuditWhenPipelineNotStarted(t *testing.T) {
	s, taskStore, auditStore := newScheduler(t, false, 0)

	_, err := s.Create(context.Background(), testTrace(), testActor(), CreateRequest{
		PluginID: "com.example.alpha",
		Action:   "deploy",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, taskStore.Count())

	logs, err := auditStore.Logs(context.Background())
	require.NoError(t, err)
	require.Len(t, logs, 1, "inline path commits the log immediately")
	assert.Equal(t, "task created", logs[0].Content)
}

func TestCreateRejectsExcessiveCallDepth(t *testing.T) {
	s, _, _ := newScheduler(t, true, 0)

	_, err := s.Create(context.Background(), testTrace(), testActor(), CreateRequest{
		PluginID:  "com.example.alpha",
		Action:    "deploy",
		CallDepth: 99,
	})
	require.Error(t, err)
	assert.Equal(t, domerr.CodeInvalidCallDepth, domerr.From(err).Code)
	assert.Equal(t, 400, domerr.StatusOf(err))
}

func TestCreateRequiresResolvableOrg(t *testing.T) {
	s, _, _ := newScheduler(t, true, 0)

	_, err := s.Create(context.Background(), testTrace(), Actor{Subject: "user-1"}, CreateRequest{
		PluginID: "com.example.alpha",
		Action:   "deploy",
	})
	require.Error(t, err)
	assert.Equal(t, domerr.CodeUnauthorized, domerr.From(err).Code)

	// Superadmins create tasks without an org.
	_, err = s.Create(context.Background(), testTrace(), Actor{Subject: "root", Superadmin: true}, CreateRequest{
		PluginID: "com.example.alpha",
		Action:   "deploy",
	})
	require.NoError(t, err)
}

func TestCreateSurfacesBackpressure(t *testing.T) {
	s, _, _ := newScheduler(t, true, 1)

	ctx := context.Background()
	_, err := s.Create(ctx, testTrace(), testActor(), CreateRequest{PluginID: "a.b", Action: "x"})
	require.NoError(t, err)

	_, err = s.Create(ctx, testTrace(), testActor(), CreateRequest{PluginID: "a.b", Action: "y"})
	require.Error(t, err)
	assert.Equal(t, domerr.CodeAuditBackpressure, domerr.From(err).Code)
	assert.Equal(t, 503, domerr.StatusOf(err))
}

func seedTasks(t *testing.T, store *MemoryStore, org string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, store.InsertTask(context.Background(), &Task{
			TaskID:    fmt.Sprintf("task-%s-%02d", org, i),
			OrgID:     org,
			Status:    StatusPending,
			CreatedAt: int64(1000 + i),
		}))
	}
}

func TestListCursorPagesAreDisjointAndOrdered(t *testing.T) {
	s, store, _ := newScheduler(t, false, 0)
	seedTasks(t, store, "org-1", 5)

	var seen []string
	cursor := ""
	pages := 0
	for {
		page, err := s.List(context.Background(), testActor(), 2, cursor)
		require.NoError(t, err)
		for _, task := range page.Tasks {
			seen = append(seen, task.TaskID)
		}
		pages++
		if !page.HasNext {
			break
		}
		require.NotEmpty(t, page.NextCursor)
		cursor = page.NextCursor
	}

	assert.Equal(t, 3, pages)
	require.Len(t, seen, 5)
	for i := 1; i < len(seen); i++ {
		assert.Less(t, seen[i-1], seen[i], "pages preserve sort order with no duplicates")
	}
}

func TestListScopesToActorOrg(t *testing.T) {
	s, store, _ := newScheduler(t, false, 0)
	seedTasks(t, store, "org-1", 2)
	seedTasks(t, store, "org-2", 3)

	page, err := s.List(context.Background(), testActor(), 10, "")
	require.NoError(t, err)
	assert.Len(t, page.Tasks, 2)

	page, err = s.List(context.Background(), Actor{Subject: "root", Superadmin: true}, 10, "")
	require.NoError(t, err)
	assert.Len(t, page.Tasks, 5)
}

func TestListRejectsMalformedCursor(t *testing.T) {
	s, _, _ := newScheduler(t, false, 0)

	_, err := s.List(context.Background(), testActor(), 10, "!!!not-a-cursor!!!")
	require.Error(t, err)
	assert.Equal(t, domerr.CodeInvalidCursor, domerr.From(err).Code)
}
