// Package audit implements the partitioned, hash-chained, HMAC-sealed
// write-behind audit log: intents queued in the business transaction, a
// lease-based drain that commits them into per-partition and global chains,
// and periodic anchors snapshotting every partition tail.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// IntentStatus tracks an intent through the write-behind queue.
type IntentStatus string

const (
	IntentPending         IntentStatus = "pending"
	IntentProcessing      IntentStatus = "processing"
	IntentReadyForGlobal  IntentStatus = "ready_for_global_commit"
	IntentCommitted       IntentStatus = "committed"
	IntentFailedRetriable IntentStatus = "failed_retriable"
	IntentFailedTerminal  IntentStatus = "failed_terminal"
)

// EventInput is the immutable payload callers hand to the pipeline.
type EventInput struct {
	TS      int64                  `json:"ts" bson:"ts"`
	Level   string                 `json:"level" bson:"level"`
	NodeID  string                 `json:"node_id" bson:"node_id"`
	Source  string                 `json:"source" bson:"source"`
	TraceID string                 `json:"trace_id" bson:"trace_id"`
	Content string                 `json:"content" bson:"content"`
	Meta    map[string]interface{} `json:"meta,omitempty" bson:"meta,omitempty"`
}

// Intent is a queued write-behind record, HMAC-sealed at enqueue time.
type Intent struct {
	EventID       string       `json:"event_id" bson:"event_id"`
	RouteTag      string       `json:"route_tag" bson:"route_tag"`
	PartitionID   int          `json:"partition_id" bson:"partition_id"`
	Status        IntentStatus `json:"status" bson:"status"`
	LeaseOwner    string       `json:"lease_owner,omitempty" bson:"lease_owner,omitempty"`
	LeaseUntil    int64        `json:"lease_until,omitempty" bson:"lease_until,omitempty"`
	AttemptCount  int          `json:"attempt_count" bson:"attempt_count"`
	CreatedAt     int64        `json:"created_at" bson:"created_at"`
	UpdatedAt     int64        `json:"updated_at" bson:"updated_at"`
	Payload       EventInput   `json:"payload" bson:"payload"`
	PayloadDigest string       `json:"payload_digest" bson:"payload_digest"`
	PayloadHMAC   string       `json:"payload_hmac" bson:"payload_hmac"`
	HMACKeyID     string       `json:"hmac_key_id" bson:"hmac_key_id"`
	GlobalSeq     int64        `json:"global_sequence,omitempty" bson:"global_sequence,omitempty"`
	CommittedAt   int64        `json:"committed_at,omitempty" bson:"committed_at,omitempty"`
	ErrorLast     string       `json:"error_last,omitempty" bson:"error_last,omitempty"`
}

// Log is a committed, chained audit record. Append-only.
type Log struct {
	EventInput `bson:",inline"`

	EventID               string `json:"event_id" bson:"event_id"`
	ChainVersion          int    `json:"chain_version" bson:"chain_version"`
	PartitionID           int    `json:"partition_id" bson:"partition_id"`
	PartitionSequence     int64  `json:"partition_sequence" bson:"partition_sequence"`
	PartitionPreviousHash string `json:"partition_previous_hash" bson:"partition_previous_hash"`
	PartitionHash         string `json:"partition_hash" bson:"partition_hash"`
	Sequence              int64  `json:"_sequence" bson:"_sequence"`
	PreviousHash          string `json:"_previous_hash" bson:"_previous_hash"`
	Hash                  string `json:"_hash" bson:"_hash"`
}

// PartitionState is the tail of one partition chain.
type PartitionState struct {
	PartitionID  int    `json:"partition_id" bson:"partition_id"`
	LastSequence int64  `json:"last_sequence" bson:"last_sequence"`
	LastHash     string `json:"last_hash" bson:"last_hash"`
	UpdatedAt    int64  `json:"updated_at" bson:"updated_at"`
}

// GlobalState is the global chain tail, persisted in audit_state.
type GlobalState struct {
	LastSequence int64  `json:"last_sequence" bson:"last_sequence"`
	LastHash     string `json:"last_hash" bson:"last_hash"`
	UpdatedAt    int64  `json:"updated_at" bson:"updated_at"`
}

// PartitionHead is one partition tail captured by an anchor.
type PartitionHead struct {
	PartitionID  int    `json:"partition_id" bson:"partition_id"`
	LastSequence int64  `json:"last_sequence" bson:"last_sequence"`
	LastHash     string `json:"last_hash" bson:"last_hash"`
}

// Anchor is a periodic tamper-evident checkpoint over all partitions.
type Anchor struct {
	AnchorID           string          `json:"anchor_id" bson:"anchor_id"`
	TS                 int64           `json:"ts" bson:"ts"`
	PartitionHeads     []PartitionHead `json:"partition_heads" bson:"partition_heads"`
	PreviousAnchorHash string          `json:"previous_anchor_hash" bson:"previous_anchor_hash"`
	AnchorHash         string          `json:"anchor_hash" bson:"anchor_hash"`
}

// Failure is a terminally failed intent, copied into the failure collection.
type Failure struct {
	EventID  string `json:"event_id" bson:"event_id"`
	Reason   string `json:"reason" bson:"reason"`
	Intent   Intent `json:"intent" bson:"intent"`
	FailedAt int64  `json:"failed_at" bson:"failed_at"`
}

const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// PartitionFor derives the partition id for a business key. Deterministic per
// (node, trace, source) so retries land on the same partition and per-key
// ordering survives requeues.
func PartitionFor(nodeID, traceID, source string, partitionCount int) int {
	sum := sha256.Sum256([]byte(nodeID + "|" + traceID + "|" + source))
	n := int(sum[0])<<24 | int(sum[1])<<16 | int(sum[2])<<8 | int(sum[3])
	if n < 0 {
		n = -n
	}
	return n % partitionCount
}

// DigestPayload computes the SHA-256 of the canonical JSON of a payload.
func DigestPayload(payload EventInput) (string, error) {
	canon, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// SealDigest computes HMAC-SHA256(secret, digest).
func SealDigest(secret, digest string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(digest))
	return hex.EncodeToString(mac.Sum(nil))
}

func nowMillis() int64 { return time.Now().UTC().UnixMilli() }
