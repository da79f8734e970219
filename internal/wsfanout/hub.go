package wsfanout

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meristem/core/internal/auth"
	"github.com/meristem/core/internal/guard"
)

// AuthContext is the per-connection identity derived from the token.
type AuthContext struct {
	Subject       string
	Permissions   []string
	TraceID       string
	AllowedTopics []string
}

// Verifier validates bearer tokens against the current secret set.
type Verifier interface {
	Verify(token string) (*auth.Claims, error)
}

// Syntactic topic patterns admissible without a UI-contract channel.
var (
	topicNodeStatusRe = regexp.MustCompile(`^node\.[^.]+\.status$`)
	topicTaskStatusRe = regexp.MustCompile(`^task\.[^.]+\.status$`)
)

const sendBufferFrames = 64

// subscription tracks the throttle state of one (connection, topic) pair.
type subscription struct {
	profile         Profile
	lastDeliveredAt int64 // epoch ms, guarded by the owning connection's mu
}

// connection is one live WebSocket client.
type connection struct {
	ws   *websocket.Conn
	send chan ServerFrame
	auth AuthContext

	mu     sync.Mutex
	closed bool
	subs   map[string]*subscription
}

func newConnection(ws *websocket.Conn, ac AuthContext) *connection {
	return &connection{
		ws:   ws,
		send: make(chan ServerFrame, sendBufferFrames),
		auth: ac,
		subs: make(map[string]*subscription),
	}
}

// enqueue hands a frame to the write pump; a client too slow to drain its
// buffer loses frames rather than stalling the broadcaster. The closed check
// shares the mutex with close, so a frame is never sent on a closed channel.
func (c *connection) enqueue(frame ServerFrame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// close releases the write pump and the socket. Idempotent, and safe against
// a concurrent enqueue.
func (c *connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	if c.ws != nil {
		c.ws.Close()
	}
}

// Hub owns the connection and topic indexes. No other subsystem mutates
// them.
type Hub struct {
	verifier Verifier
	upgrader websocket.Upgrader
	zl       *zap.Logger

	// OnDenied receives audit events for refused subscriptions.
	OnDenied func(ev guard.DenialEvent)

	mu       sync.RWMutex
	conns    map[*connection]bool
	topics   map[string]map[*connection]bool
	channels map[string]bool // UI-contract channels admitted syntactically
}

func NewHub(verifier Verifier, zl *zap.Logger) *Hub {
	if zl == nil {
		zl = zap.NewNop()
	}
	return &Hub{
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		zl:       zl,
		conns:    make(map[*connection]bool),
		topics:   make(map[string]map[*connection]bool),
		channels: make(map[string]bool),
	}
}

// RegisterChannel admits a UI-contract channel as a subscribable topic.
// Called by the plugin lifecycle when a plugin starts.
func (h *Hub) RegisterChannel(topic string) {
	h.mu.Lock()
	h.channels[topic] = true
	h.mu.Unlock()
}

// UnregisterChannel removes a UI-contract channel.
func (h *Hub) UnregisterChannel(topic string) {
	h.mu.Lock()
	delete(h.channels, topic)
	h.mu.Unlock()
}

// ConnectionCount reports the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// ============================================================================
// HTTP ENTRY
// ============================================================================

// ServeHTTP upgrades the request and runs the connection until it dies.
// The token arrives as a query parameter or subprotocol; rejection is
// answered in-band with an ERROR frame before closing.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.zl.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	if token == "" {
		ws.WriteJSON(errorFrame(ErrAuthRequired))
		ws.Close()
		return
	}
	claims, err := h.verifier.Verify(token)
	if err != nil {
		ws.WriteJSON(errorFrame(ErrAuthInvalid))
		ws.Close()
		return
	}

	conn := newConnection(ws, AuthContext{
		Subject:       claims.Subject,
		Permissions:   claims.Permissions,
		TraceID:       uuid.NewString(),
		AllowedTopics: claims.AllowedTopics,
	})

	h.mu.Lock()
	h.conns[conn] = true
	h.mu.Unlock()

	conn.enqueue(ackFrame(AckConnected, "", nil))
	go h.writePump(conn)
	h.readPump(conn)
}

func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	// Subprotocol variant: "bearer, <token>".
	for _, proto := range websocket.Subprotocols(r) {
		if p := strings.TrimSpace(proto); p != "" && p != "bearer" {
			return p
		}
	}
	return ""
}

func (h *Hub) readPump(conn *connection) {
	defer h.drop(conn)
	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		frame, ok := decodeClientFrame(raw)
		if !ok {
			conn.enqueue(errorFrame(ErrInvalidMessage))
			continue
		}
		h.HandleFrame(conn, frame)
	}
}

func (h *Hub) writePump(conn *connection) {
	for frame := range conn.send {
		if err := conn.ws.WriteJSON(frame); err != nil {
			return
		}
	}
}

// drop removes a connection from every index and closes it.
func (h *Hub) drop(conn *connection) {
	h.mu.Lock()
	delete(h.conns, conn)
	for topic, set := range h.topics {
		delete(set, conn)
		if len(set) == 0 {
			delete(h.topics, topic)
		}
	}
	h.mu.Unlock()
	conn.close()
}

// ============================================================================
// FRAME HANDLING
// ============================================================================

func decodeClientFrame(raw []byte) (ClientFrame, bool) {
	var frame ClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return ClientFrame{}, false
	}
	switch frame.Type {
	case FrameSubscribe, FrameUnsubscribe:
		return frame, frame.Topic != ""
	case FramePing:
		return frame, true
	default:
		return ClientFrame{}, false
	}
}

// HandleFrame processes one decoded client frame.
func (h *Hub) HandleFrame(conn *connection, frame ClientFrame) {
	switch frame.Type {
	case FrameSubscribe:
		h.subscribe(conn, frame)
	case FrameUnsubscribe:
		h.unsubscribe(conn, frame.Topic)
	case FramePing:
		conn.enqueue(ackFrame(AckPong, "", nil))
	}
}

func (h *Hub) subscribe(conn *connection, frame ClientFrame) {
	if decision, ok := h.Admit(conn.auth, frame.Topic); !ok {
		if h.OnDenied != nil && decision.Reason != "" {
			h.OnDenied(guard.DenialEvent{
				Event:              "WS_SUBSCRIPTION_DENIED",
				Actor:              conn.auth.Subject,
				Subject:            frame.Topic,
				RequiredPermission: decision.Required,
				Reason:             decision.Reason,
			})
		}
		conn.enqueue(errorFrame(ErrInvalidTopic))
		return
	}

	profile, err := ResolveProfile(frame.StreamProfile)
	if err != nil {
		conn.enqueue(errorFrame(ErrInvalidMessage))
		return
	}

	conn.mu.Lock()
	conn.subs[frame.Topic] = &subscription{profile: profile}
	conn.mu.Unlock()

	h.mu.Lock()
	set, ok := h.topics[frame.Topic]
	if !ok {
		set = make(map[*connection]bool)
		h.topics[frame.Topic] = set
	}
	set[conn] = true
	h.mu.Unlock()

	conn.enqueue(ackFrame(AckSubscribe, frame.Topic, &profile))
}

func (h *Hub) unsubscribe(conn *connection, topic string) {
	conn.mu.Lock()
	delete(conn.subs, topic)
	conn.mu.Unlock()

	h.mu.Lock()
	if set, ok := h.topics[topic]; ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(h.topics, topic)
		}
	}
	h.mu.Unlock()

	conn.enqueue(ackFrame(AckUnsubscribe, topic, nil))
}

// Admit runs the three-stage topic admission: syntactic pattern (or a
// registered UI-contract channel), the auth context's allowedTopics, then
// the subject permission guard. The returned decision is non-empty only when
// the guard produced one (for auditing).
func (h *Hub) Admit(ac AuthContext, topic string) (guard.Decision, bool) {
	if !h.syntacticallyAllowed(topic) {
		return guard.Decision{}, false
	}
	if len(ac.AllowedTopics) > 0 && !contains(ac.AllowedTopics, topic) {
		return guard.Decision{}, false
	}
	decision := guard.Evaluate(topic, ac.Permissions)
	return decision, decision.Allowed
}

func (h *Hub) syntacticallyAllowed(topic string) bool {
	if topicNodeStatusRe.MatchString(topic) || topicTaskStatusRe.MatchString(topic) {
		return true
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channels[topic]
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// ============================================================================
// BROADCAST
// ============================================================================

// Broadcast pushes a payload to every subscriber of a topic, honoring each
// subscription's min-interval throttle.
func (h *Hub) Broadcast(topic string, payload interface{}, traceID string) int {
	h.mu.RLock()
	subscribers := make([]*connection, 0, len(h.topics[topic]))
	for conn := range h.topics[topic] {
		subscribers = append(subscribers, conn)
	}
	h.mu.RUnlock()

	now := time.Now().UTC().UnixMilli()
	frame := ServerFrame{Type: FramePush, Topic: topic, Payload: payload, TraceID: traceID}

	delivered := 0
	for _, conn := range subscribers {
		conn.mu.Lock()
		sub, ok := conn.subs[topic]
		if !ok {
			conn.mu.Unlock()
			continue
		}
		if sub.lastDeliveredAt != 0 && now-sub.lastDeliveredAt < sub.profile.MinIntervalMS {
			conn.mu.Unlock()
			continue
		}
		sub.lastDeliveredAt = now
		conn.mu.Unlock()

		if conn.enqueue(frame) {
			delivered++
		}
	}
	return delivered
}
