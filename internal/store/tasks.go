package store

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/meristem/core/internal/task"
)

// TaskStore is the Mongo implementation of the scheduler's persistence
// boundary.
type TaskStore struct {
	s *Store
}

// Tasks returns the task persistence view of this store.
func (s *Store) Tasks() *TaskStore {
	return &TaskStore{s: s}
}

func (t *TaskStore) InsertTask(ctx context.Context, doc *task.Task) error {
	if _, err := t.s.col(ColTasks).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (t *TaskStore) ListTasks(ctx context.Context, q task.ListQuery) ([]task.Task, error) {
	filter := bson.M{}
	if q.OrgID != "" {
		filter["org_id"] = q.OrgID
	}
	if q.TaskAfter != "" {
		filter["$or"] = bson.A{
			bson.M{"created_at": bson.M{"$gt": q.CreatedAfter}},
			bson.M{"created_at": q.CreatedAfter, "task_id": bson.M{"$gt": q.TaskAfter}},
		}
	}

	cur, err := t.s.col(ColTasks).Find(ctx, filter,
		t.s.findOptions().
			SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "task_id", Value: 1}}).
			SetLimit(int64(q.Limit)))
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	var out []task.Task
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}
	return out, nil
}

func (t *TaskStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return t.s.WithTransaction(ctx, fn)
}
