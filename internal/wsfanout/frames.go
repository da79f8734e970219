// Package wsfanout is the WebSocket push layer: token-authenticated
// connections, guarded topic subscriptions and profile-throttled broadcast.
package wsfanout

import (
	"encoding/json"
	"fmt"
)

// Client frame types.
const (
	FrameSubscribe   = "SUBSCRIBE"
	FrameUnsubscribe = "UNSUBSCRIBE"
	FramePing        = "PING"
)

// Server frame types.
const (
	FrameAck   = "ACK"
	FrameError = "ERROR"
	FramePush  = "PUSH"
)

// ACK actions.
const (
	AckConnected   = "CONNECTED"
	AckSubscribe   = "SUBSCRIBE"
	AckUnsubscribe = "UNSUBSCRIBE"
	AckPong        = "PONG"
)

// Error codes sent to clients.
const (
	ErrAuthRequired   = "AUTH_REQUIRED"
	ErrAuthInvalid    = "AUTH_INVALID"
	ErrInvalidMessage = "INVALID_MESSAGE"
	ErrInvalidTopic   = "INVALID_TOPIC"
)

// ClientFrame is any inbound message.
type ClientFrame struct {
	Type          string          `json:"type"`
	Topic         string          `json:"topic,omitempty"`
	StreamProfile json.RawMessage `json:"stream_profile,omitempty"`
}

// ServerFrame is any outbound message.
type ServerFrame struct {
	Type          string      `json:"type"`
	Action        string      `json:"action,omitempty"`
	Topic         string      `json:"topic,omitempty"`
	StreamProfile *Profile    `json:"stream_profile,omitempty"`
	Code          string      `json:"code,omitempty"`
	Payload       interface{} `json:"payload,omitempty"`
	TraceID       string      `json:"trace_id,omitempty"`
}

func ackFrame(action, topic string, profile *Profile) ServerFrame {
	return ServerFrame{Type: FrameAck, Action: action, Topic: topic, StreamProfile: profile}
}

func errorFrame(code string) ServerFrame {
	return ServerFrame{Type: FrameError, Code: code}
}

// ============================================================================
// STREAM PROFILES
// ============================================================================

// Profile throttles pushes on one (connection, topic) pair.
type Profile struct {
	MinIntervalMS int64 `json:"min_interval_ms"`
	BatchMaxSize  int   `json:"batch_max_size"`
}

var namedProfiles = map[string]Profile{
	"realtime": {MinIntervalMS: 0, BatchMaxSize: 1},
	"balanced": {MinIntervalMS: 120, BatchMaxSize: 10},
	"conserve": {MinIntervalMS: 500, BatchMaxSize: 20},
}

// DefaultProfile applies when a SUBSCRIBE names none.
var DefaultProfile = namedProfiles["balanced"]

// ResolveProfile turns the raw stream_profile field into a Profile: absent ⇒
// default, string ⇒ named preset, object ⇒ default with the given fields
// overridden.
func ResolveProfile(raw json.RawMessage) (Profile, error) {
	if len(raw) == 0 {
		return DefaultProfile, nil
	}

	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		p, ok := namedProfiles[name]
		if !ok {
			return Profile{}, fmt.Errorf("unknown stream profile %q", name)
		}
		return p, nil
	}

	custom := DefaultProfile
	if err := json.Unmarshal(raw, &custom); err != nil {
		return Profile{}, fmt.Errorf("malformed stream profile: %w", err)
	}
	if custom.MinIntervalMS < 0 || custom.BatchMaxSize < 1 {
		return Profile{}, fmt.Errorf("stream profile out of range")
	}
	return custom, nil
}
