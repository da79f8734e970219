// Package store is the MongoDB persistence layer. It owns the client, the
// collection set, index bootstrap and the transaction helper; the domain
// packages talk to it through their own narrow interfaces.
package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

// Collection names.
const (
	ColUsers          = "users"
	ColRoles          = "roles"
	ColOrgs           = "orgs"
	ColInvitations    = "invitations"
	ColTasks          = "tasks"
	ColNodes          = "nodes"
	ColPlugins        = "plugins"
	ColAuditLogs      = "audit_logs"
	ColAuditIntents   = "audit_intents"
	ColAuditPartition = "audit_partition_state"
	ColAuditAnchor    = "audit_global_anchor"
	ColAuditFailures  = "audit_failures"
	ColAuditState     = "audit_state"
)

// Store wraps the Mongo client and database handle.
type Store struct {
	client  *mongo.Client
	db      *mongo.Database
	maxTime time.Duration
	log     *zap.Logger
}

// Connect dials Mongo and pings the primary.
func Connect(ctx context.Context, uri, dbName string, queryMaxTimeMS int, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if uri == "" {
		return nil, fmt.Errorf("mongo uri is empty")
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	logger.Info("mongo connected", zap.String("database", dbName))
	return &Store{
		client:  client,
		db:      client.Database(dbName),
		maxTime: time.Duration(queryMaxTimeMS) * time.Millisecond,
		log:     logger,
	}, nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) col(name string) *mongo.Collection {
	return s.db.Collection(name)
}

// WithTransaction runs fn inside a Mongo session transaction. The context
// passed to fn carries the session, so any store call made through it joins
// the transaction.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

// EnsureIndexes creates every required index; safe to run on every boot.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	specs := map[string][]mongo.IndexModel{
		ColUsers: {
			{Keys: bson.D{{Key: "username", Value: 1}}, Options: unique},
		},
		ColRoles: {
			{Keys: bson.D{{Key: "org_id", Value: 1}, {Key: "name", Value: 1}}, Options: unique},
		},
		ColInvitations: {
			{Keys: bson.D{{Key: "invitation_token", Value: 1}}, Options: unique},
		},
		ColTasks: {
			{Keys: bson.D{{Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "task_id", Value: 1}}, Options: unique},
		},
		ColNodes: {
			{Keys: bson.D{{Key: "node_id", Value: 1}}, Options: unique},
		},
		ColAuditLogs: {
			{Keys: bson.D{{Key: "_sequence", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "partition_id", Value: 1}, {Key: "partition_sequence", Value: 1}}, Options: unique},
		},
		ColAuditIntents: {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "event_id", Value: 1}}, Options: unique},
		},
	}

	for col, models := range specs {
		if _, err := s.col(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("ensure indexes on %s: %w", col, err)
		}
	}
	s.log.Info("mongo indexes ensured")
	return nil
}

// findOptions applies the query time ceiling to every read.
func (s *Store) findOptions() *options.FindOptions {
	return options.Find().SetMaxTime(s.maxTime)
}
