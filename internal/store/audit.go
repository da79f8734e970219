package store

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/meristem/core/internal/audit"
)

const globalStateID = "global"

// globalStateDoc pins the single global tail document to a fixed _id.
type globalStateDoc struct {
	ID                string `bson:"_id"`
	audit.GlobalState `bson:",inline"`
}

// AuditStore is the Mongo implementation of the audit pipeline's persistence
// boundary.
type AuditStore struct {
	s *Store
}

// Audit returns the audit persistence view of this store.
func (s *Store) Audit() *AuditStore {
	return &AuditStore{s: s}
}

func (a *AuditStore) InsertIntent(ctx context.Context, intent *audit.Intent) error {
	if _, err := a.s.col(ColAuditIntents).InsertOne(ctx, intent); err != nil {
		return fmt.Errorf("insert audit intent: %w", err)
	}
	return nil
}

var backlogStatuses = bson.A{
	audit.IntentPending,
	audit.IntentProcessing,
	audit.IntentReadyForGlobal,
	audit.IntentFailedRetriable,
}

func (a *AuditStore) BacklogCount(ctx context.Context) (int64, error) {
	n, err := a.s.col(ColAuditIntents).CountDocuments(ctx,
		bson.M{"status": bson.M{"$in": backlogStatuses}},
		options.Count().SetMaxTime(a.s.maxTime))
	if err != nil {
		return 0, fmt.Errorf("count audit backlog: %w", err)
	}
	return n, nil
}

// ClaimBatch CAS-claims claimable intents one by one so concurrent drains on
// other nodes never double-claim. The filter re-checks the status inside
// FindOneAndUpdate; a lost race simply skips the intent.
func (a *AuditStore) ClaimBatch(ctx context.Context, owner string, limit int, leaseUntil, now int64) ([]audit.Intent, error) {
	claimed, err := a.claim(ctx, owner, limit,
		bson.M{"status": bson.M{"$in": bson.A{audit.IntentPending, audit.IntentFailedRetriable}}},
		leaseUntil, now)
	if err != nil {
		return nil, err
	}

	// Lease takeover: top up with processing intents whose lease expired.
	if len(claimed) < limit {
		expired, err := a.claim(ctx, owner, limit-len(claimed),
			bson.M{"status": audit.IntentProcessing, "lease_until": bson.M{"$lte": now}},
			leaseUntil, now)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, expired...)
	}
	return claimed, nil
}

func (a *AuditStore) claim(ctx context.Context, owner string, limit int, filter bson.M, leaseUntil, now int64) ([]audit.Intent, error) {
	cur, err := a.s.col(ColAuditIntents).Find(ctx, filter,
		a.s.findOptions().
			SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "event_id", Value: 1}}).
			SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("find claimable intents: %w", err)
	}
	var candidates []audit.Intent
	if err := cur.All(ctx, &candidates); err != nil {
		return nil, fmt.Errorf("decode claimable intents: %w", err)
	}

	claimed := make([]audit.Intent, 0, len(candidates))
	for _, cand := range candidates {
		casFilter := bson.M{"event_id": cand.EventID, "status": cand.Status}
		if cand.Status == audit.IntentProcessing {
			casFilter["lease_until"] = bson.M{"$lte": now}
		}
		var won audit.Intent
		err := a.s.col(ColAuditIntents).FindOneAndUpdate(ctx, casFilter,
			bson.M{"$set": bson.M{
				"status":      audit.IntentProcessing,
				"lease_owner": owner,
				"lease_until": leaseUntil,
				"updated_at":  now,
			}},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&won)
		if err == mongo.ErrNoDocuments {
			continue // another worker got there first
		}
		if err != nil {
			return nil, fmt.Errorf("claim intent %s: %w", cand.EventID, err)
		}
		claimed = append(claimed, won)
	}
	return claimed, nil
}

func (a *AuditStore) PartitionState(ctx context.Context, partitionID int) (*audit.PartitionState, error) {
	var ps audit.PartitionState
	err := a.s.col(ColAuditPartition).FindOne(ctx, bson.M{"partition_id": partitionID}).Decode(&ps)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load partition state %d: %w", partitionID, err)
	}
	return &ps, nil
}

func (a *AuditStore) PartitionStates(ctx context.Context) ([]audit.PartitionState, error) {
	cur, err := a.s.col(ColAuditPartition).Find(ctx, bson.M{},
		a.s.findOptions().SetSort(bson.D{{Key: "partition_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("load partition states: %w", err)
	}
	var out []audit.PartitionState
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode partition states: %w", err)
	}
	return out, nil
}

func (a *AuditStore) GlobalState(ctx context.Context) (*audit.GlobalState, error) {
	var doc globalStateDoc
	err := a.s.col(ColAuditState).FindOne(ctx, bson.M{"_id": globalStateID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return &audit.GlobalState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load global audit state: %w", err)
	}
	return &doc.GlobalState, nil
}

// CommitBatch applies all staged writes in one transaction. Duplicate keys on
// log inserts (crash retry) are swallowed; the intents still transition to
// committed.
func (a *AuditStore) CommitBatch(ctx context.Context, set audit.CommitSet) error {
	return a.s.WithTransaction(ctx, func(sc context.Context) error {
		for _, l := range set.Logs {
			if _, err := a.s.col(ColAuditLogs).InsertOne(sc, l); err != nil {
				if mongo.IsDuplicateKeyError(err) {
					a.s.log.Debug("audit log already committed",
						zap.String("event_id", l.EventID),
						zap.Int64("sequence", l.Sequence))
					continue
				}
				return fmt.Errorf("insert audit log %s: %w", l.EventID, err)
			}
		}

		if len(set.IntentIDs) > 0 {
			_, err := a.s.col(ColAuditIntents).UpdateMany(sc,
				bson.M{"event_id": bson.M{"$in": set.IntentIDs}},
				bson.M{"$set": bson.M{
					"status":       audit.IntentCommitted,
					"committed_at": set.CommittedAt,
					"updated_at":   set.CommittedAt,
					"lease_owner":  "",
					"lease_until":  0,
				}})
			if err != nil {
				return fmt.Errorf("commit intents: %w", err)
			}
		}

		for _, ps := range set.Partitions {
			_, err := a.s.col(ColAuditPartition).UpdateOne(sc,
				bson.M{"partition_id": ps.PartitionID},
				bson.M{"$set": ps},
				options.Update().SetUpsert(true))
			if err != nil {
				return fmt.Errorf("upsert partition state %d: %w", ps.PartitionID, err)
			}
		}

		_, err := a.s.col(ColAuditState).UpdateOne(sc,
			bson.M{"_id": globalStateID},
			bson.M{"$set": set.Global},
			options.Update().SetUpsert(true))
		if err != nil {
			return fmt.Errorf("upsert global audit state: %w", err)
		}
		return nil
	})
}

func (a *AuditStore) ReleaseRetriable(ctx context.Context, eventID string, attempt int, errMsg string) error {
	_, err := a.s.col(ColAuditIntents).UpdateOne(ctx,
		bson.M{"event_id": eventID},
		bson.M{"$set": bson.M{
			"status":        audit.IntentFailedRetriable,
			"attempt_count": attempt,
			"error_last":    errMsg,
			"lease_owner":   "",
			"lease_until":   0,
		}})
	if err != nil {
		return fmt.Errorf("release intent %s: %w", eventID, err)
	}
	return nil
}

func (a *AuditStore) MarkTerminal(ctx context.Context, intent audit.Intent, reason string) error {
	return a.s.WithTransaction(ctx, func(sc context.Context) error {
		_, err := a.s.col(ColAuditIntents).UpdateOne(sc,
			bson.M{"event_id": intent.EventID},
			bson.M{"$set": bson.M{
				"status":     audit.IntentFailedTerminal,
				"error_last": reason,
			}})
		if err != nil {
			return fmt.Errorf("mark intent terminal %s: %w", intent.EventID, err)
		}
		_, err = a.s.col(ColAuditFailures).InsertOne(sc, audit.Failure{
			EventID:  intent.EventID,
			Reason:   reason,
			Intent:   intent,
			FailedAt: intent.UpdatedAt,
		})
		if err != nil {
			return fmt.Errorf("insert audit failure %s: %w", intent.EventID, err)
		}
		return nil
	})
}

func (a *AuditStore) LastAnchor(ctx context.Context) (*audit.Anchor, error) {
	var anchor audit.Anchor
	err := a.s.col(ColAuditAnchor).FindOne(ctx, bson.M{},
		options.FindOne().SetSort(bson.D{{Key: "ts", Value: -1}})).Decode(&anchor)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load last anchor: %w", err)
	}
	return &anchor, nil
}

func (a *AuditStore) InsertAnchor(ctx context.Context, anchor *audit.Anchor) error {
	if _, err := a.s.col(ColAuditAnchor).InsertOne(ctx, anchor); err != nil {
		return fmt.Errorf("insert anchor: %w", err)
	}
	return nil
}

func (a *AuditStore) Logs(ctx context.Context) ([]audit.Log, error) {
	cur, err := a.s.col(ColAuditLogs).Find(ctx, bson.M{},
		a.s.findOptions().SetSort(bson.D{{Key: "_sequence", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("load audit logs: %w", err)
	}
	var out []audit.Log
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode audit logs: %w", err)
	}
	return out, nil
}
