package store

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/meristem/core/internal/ingest"
)

// NodeStore is the Mongo implementation of the ingest persistence boundary.
type NodeStore struct {
	s *Store
}

// Nodes returns the node persistence view of this store.
func (s *Store) Nodes() *NodeStore {
	return &NodeStore{s: s}
}

func (n *NodeStore) RecordHeartbeat(ctx context.Context, hb ingest.Heartbeat) error {
	set := bson.M{
		"status":         ingest.NodeOnline,
		"last_heartbeat": hb.TS,
	}
	if hb.ClaimedIP != "" {
		set["claimed_ip"] = hb.ClaimedIP
	}
	_, err := n.s.col(ColNodes).UpdateOne(ctx,
		bson.M{"node_id": hb.NodeID},
		bson.M{
			"$set": set,
			"$setOnInsert": bson.M{
				"node_id": hb.NodeID,
				"ip_shadow_lease": bson.M{
					"reclaim_status":     ingest.ReclaimActive,
					"reclaim_generation": 0,
				},
			},
		},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("record heartbeat %s: %w", hb.NodeID, err)
	}
	return nil
}

func (n *NodeStore) MarkOffline(ctx context.Context, cutoff int64) (int64, error) {
	res, err := n.s.col(ColNodes).UpdateMany(ctx,
		bson.M{
			"status":         bson.M{"$ne": ingest.NodeOffline},
			"last_heartbeat": bson.M{"$lt": cutoff},
		},
		bson.M{"$set": bson.M{"status": ingest.NodeOffline}})
	if err != nil {
		return 0, fmt.Errorf("mark offline: %w", err)
	}
	return res.ModifiedCount, nil
}

// ReclaimExpiredLeases filters on the ACTIVE lease state, so re-running the
// sweep never reclaims (or bumps the generation of) the same lease twice.
func (n *NodeStore) ReclaimExpiredLeases(ctx context.Context, now int64) (int64, error) {
	res, err := n.s.col(ColNodes).UpdateMany(ctx,
		bson.M{
			"status":                         ingest.NodeOffline,
			"ip_shadow_lease.reclaim_status": ingest.ReclaimActive,
		},
		bson.M{
			"$set": bson.M{
				"connection_status":              ingest.ConnExpiredCredentials,
				"ip_shadow_lease.reclaim_status": ingest.ReclaimReclaimed,
				"ip_shadow_lease.reclaim_at":     now,
			},
			"$inc": bson.M{"ip_shadow_lease.reclaim_generation": 1},
		})
	if err != nil {
		return 0, fmt.Errorf("reclaim leases: %w", err)
	}
	return res.ModifiedCount, nil
}
