// Package transport ships log envelopes to the bus in batches. A bounded,
// byte-capped ring buffer absorbs bursts; when the cap would be exceeded the
// oldest envelopes are dropped FIFO and counted.
package transport

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meristem/core/internal/trace"
)

// Publisher publishes a payload on a subject. The NATS bus client satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Options tunes the transport. Zero values fall back to defaults.
type Options struct {
	MaxBufferBytes int           // ring buffer byte ceiling
	MinBatch       int           // flush when this many envelopes are queued
	FlushInterval  time.Duration // flush at least this often
	MaxMsgBytes    int           // per-message ceiling before fragmentation
	FragmentBudget int           // max fragments per envelope
	RetryDelay     time.Duration // delay before retrying after a failed publish
}

func (o *Options) withDefaults() {
	if o.MaxBufferBytes <= 0 {
		o.MaxBufferBytes = 4 << 20
	}
	if o.MinBatch <= 0 {
		o.MinBatch = 32
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 2 * time.Second
	}
	if o.MaxMsgBytes <= 0 {
		o.MaxMsgBytes = 1 << 20
	}
	if o.FragmentBudget <= 0 {
		o.FragmentBudget = 8
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
}

type queued struct {
	env  trace.Envelope
	data []byte
}

// Fragment is one piece of an envelope that exceeded the per-message ceiling.
// The chunk is base64 over raw envelope bytes, so a split landing inside a
// multibyte rune survives the JSON round trip.
type Fragment struct {
	FragmentID        string `json:"fragment_id"`
	FragmentIndex     int    `json:"fragment_index"`
	FragmentTotal     int    `json:"fragment_total"`
	FragmentSubject   string `json:"fragment_subject"`
	FragmentExpiresAt int64  `json:"fragment_expires_at"`
	TraceID           string `json:"trace_id"`
	PayloadChunk      string `json:"payload_chunk"` // base64
}

// Transport is the batching ring buffer. It satisfies trace.Sink.
type Transport struct {
	opts Options
	pub  Publisher
	zl   *zap.Logger

	mu       sync.Mutex
	queue    []queued
	bytes    int
	dropped  uint64
	oversize uint64

	flushCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	once    sync.Once
}

// New creates a transport and starts its flush loop.
func New(pub Publisher, opts Options, zl *zap.Logger) *Transport {
	opts.withDefaults()
	if zl == nil {
		zl = zap.NewNop()
	}
	t := &Transport{
		opts:    opts,
		pub:     pub,
		zl:      zl,
		flushCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go t.loop()
	return t
}

// Enqueue appends an envelope, evicting the oldest entries when the byte cap
// would be exceeded.
func (t *Transport) Enqueue(env trace.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}

	t.mu.Lock()
	for len(t.queue) > 0 && t.bytes+len(data) > t.opts.MaxBufferBytes {
		t.bytes -= len(t.queue[0].data)
		t.queue = t.queue[1:]
		t.dropped++
	}
	if t.bytes+len(data) <= t.opts.MaxBufferBytes {
		t.queue = append(t.queue, queued{env: env, data: data})
		t.bytes += len(data)
	} else {
		t.dropped++
	}
	trigger := len(t.queue) >= t.opts.MinBatch
	t.mu.Unlock()

	if trigger {
		select {
		case t.flushCh <- struct{}{}:
		default:
		}
	}
}

// Dropped returns the number of envelopes evicted or rejected by the cap.
func (t *Transport) Dropped() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// Oversize returns the number of envelopes dropped for exceeding the
// fragmentation budget.
func (t *Transport) Oversize() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.oversize
}

// SubjectFor selects the publish subject for an envelope. Envelopes carrying a
// task id route to the per-task subject, everything else to the node's system
// log subject.
func SubjectFor(env trace.Envelope) string {
	taskID := ""
	if env.Meta != nil {
		for _, key := range []string{"taskId", "task_id"} {
			if v, ok := env.Meta[key].(string); ok && v != "" {
				taskID = v
				break
			}
		}
	}
	if taskID != "" {
		return fmt.Sprintf("meristem.v1.logs.task.%s.%s", env.NodeID, taskID)
	}
	return fmt.Sprintf("meristem.v1.logs.sys.%s", env.NodeID)
}

func (t *Transport) loop() {
	defer close(t.doneCh)
	ticker := time.NewTicker(t.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.flushCh:
			t.flush()
		case <-ticker.C:
			t.flush()
		case <-t.stopCh:
			t.flush()
			return
		}
	}
}

// flush publishes the queued envelopes in order. On publish failure the
// remainder is re-prepended and retried after RetryDelay.
func (t *Transport) flush() {
	t.mu.Lock()
	batch := t.queue
	t.queue = nil
	t.bytes = 0
	t.mu.Unlock()

	for i, q := range batch {
		subject := SubjectFor(q.env)
		var err error
		if len(q.data) > t.opts.MaxMsgBytes {
			err = t.publishFragments(subject, q)
		} else {
			err = t.pub.Publish(subject, q.data)
		}
		if err != nil {
			t.zl.Warn("log transport publish failed, requeueing remainder",
				zap.String("subject", subject), zap.Error(err))
			t.requeue(batch[i:])
			time.AfterFunc(t.opts.RetryDelay, func() {
				select {
				case t.flushCh <- struct{}{}:
				default:
				}
			})
			return
		}
	}
}

func (t *Transport) publishFragments(subject string, q queued) error {
	total := (len(q.data) + t.opts.MaxMsgBytes - 1) / t.opts.MaxMsgBytes
	if total > t.opts.FragmentBudget {
		t.mu.Lock()
		t.oversize++
		t.mu.Unlock()
		t.zl.Warn("log envelope exceeds fragment budget, dropping",
			zap.Int("fragments", total), zap.String("trace_id", q.env.TraceID))
		return nil
	}

	fragID := uuid.NewString()
	expires := time.Now().Add(time.Minute).UTC().UnixMilli()
	for i := 0; i < total; i++ {
		start := i * t.opts.MaxMsgBytes
		end := start + t.opts.MaxMsgBytes
		if end > len(q.data) {
			end = len(q.data)
		}
		frag := Fragment{
			FragmentID:        fragID,
			FragmentIndex:     i,
			FragmentTotal:     total,
			FragmentSubject:   subject,
			FragmentExpiresAt: expires,
			TraceID:           q.env.TraceID,
			PayloadChunk:      base64.StdEncoding.EncodeToString(q.data[start:end]),
		}
		data, err := json.Marshal(frag)
		if err != nil {
			return err
		}
		if err := t.pub.Publish(subject, data); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) requeue(rest []queued) {
	t.mu.Lock()
	defer t.mu.Unlock()
	merged := make([]queued, 0, len(rest)+len(t.queue))
	merged = append(merged, rest...)
	merged = append(merged, t.queue...)
	t.queue = merged
	t.bytes = 0
	for _, q := range t.queue {
		t.bytes += len(q.data)
	}
	for len(t.queue) > 0 && t.bytes > t.opts.MaxBufferBytes {
		t.bytes -= len(t.queue[0].data)
		t.queue = t.queue[1:]
		t.dropped++
	}
}

// Close flushes once more and stops the loop.
func (t *Transport) Close() {
	t.once.Do(func() { close(t.stopCh) })
	<-t.doneCh
}
