package transport

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meristem/core/internal/trace"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []publishedMsg
	failures  int
}

type publishedMsg struct {
	subject string
	data    []byte
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return assertErr
	}
	p.published = append(p.published, publishedMsg{subject: subject, data: append([]byte(nil), data...)})
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func (p *fakePublisher) all() []publishedMsg {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedMsg(nil), p.published...)
}

var assertErr = &publishError{}

type publishError struct{}

func (*publishError) Error() string { return "bus unavailable" }

func env(content string) trace.Envelope {
	return trace.Envelope{
		TS:      trace.NowMillis(),
		Level:   trace.LevelInfo,
		NodeID:  "n-1",
		Source:  "test",
		TraceID: "tr-1",
		Content: content,
	}
}

func TestSubjectForRouting(t *testing.T) {
	sys := env("boot")
	assert.Equal(t, "meristem.v1.logs.sys.n-1", SubjectFor(sys))

	tagged := env("step")
	tagged.Meta = map[string]interface{}{"task_id": "t-42"}
	assert.Equal(t, "meristem.v1.logs.task.n-1.t-42", SubjectFor(tagged))

	camel := env("step")
	camel.Meta = map[string]interface{}{"taskId": "t-43"}
	assert.Equal(t, "meristem.v1.logs.task.n-1.t-43", SubjectFor(camel))
}

func TestFlushOnMinBatch(t *testing.T) {
	pub := &fakePublisher{}
	tr := New(pub, Options{MinBatch: 2, FlushInterval: time.Hour}, nil)
	defer tr.Close()

	tr.Enqueue(env("first"))
	assert.Equal(t, 0, pub.count())

	tr.Enqueue(env("second"))
	require.Eventually(t, func() bool { return pub.count() == 2 }, time.Second, 5*time.Millisecond)

	var got trace.Envelope
	require.NoError(t, json.Unmarshal(pub.all()[0].data, &got))
	assert.Equal(t, "first", got.Content)
}

func TestCloseFlushesRemainder(t *testing.T) {
	pub := &fakePublisher{}
	tr := New(pub, Options{MinBatch: 100, FlushInterval: time.Hour}, nil)

	tr.Enqueue(env("straggler"))
	tr.Close()

	assert.Equal(t, 1, pub.count())
}

func TestByteCapEvictsOldestFirst(t *testing.T) {
	pub := &fakePublisher{}
	one, err := json.Marshal(env("x"))
	require.NoError(t, err)
	// Room for roughly two envelopes.
	tr := New(pub, Options{MaxBufferBytes: 2*len(one) + 10, MinBatch: 100, FlushInterval: time.Hour}, nil)

	tr.Enqueue(env("a"))
	tr.Enqueue(env("b"))
	tr.Enqueue(env("c"))
	assert.Equal(t, uint64(1), tr.Dropped())

	tr.Close()
	var got trace.Envelope
	msgs := pub.all()
	require.Len(t, msgs, 2)
	require.NoError(t, json.Unmarshal(msgs[0].data, &got))
	assert.Equal(t, "b", got.Content)
}

func TestPublishFailureRequeuesInOrder(t *testing.T) {
	pub := &fakePublisher{failures: 1}
	tr := New(pub, Options{MinBatch: 2, FlushInterval: time.Hour, RetryDelay: 10 * time.Millisecond}, nil)
	defer tr.Close()

	tr.Enqueue(env("a"))
	tr.Enqueue(env("b"))

	require.Eventually(t, func() bool { return pub.count() == 2 }, time.Second, 5*time.Millisecond)
	var first, second trace.Envelope
	msgs := pub.all()
	require.NoError(t, json.Unmarshal(msgs[0].data, &first))
	require.NoError(t, json.Unmarshal(msgs[1].data, &second))
	assert.Equal(t, "a", first.Content)
	assert.Equal(t, "b", second.Content)
}

func TestFragmentation(t *testing.T) {
	pub := &fakePublisher{}
	tr := New(pub, Options{MinBatch: 1, FlushInterval: time.Hour, MaxMsgBytes: 256, FragmentBudget: 8}, nil)
	defer tr.Close()

	big := env(strings.Repeat("z", 600))
	tr.Enqueue(big)

	require.Eventually(t, func() bool { return pub.count() >= 3 }, time.Second, 5*time.Millisecond)
	msgs := pub.all()

	var frags []Fragment
	for _, m := range msgs {
		var f Fragment
		require.NoError(t, json.Unmarshal(m.data, &f))
		frags = append(frags, f)
		assert.Equal(t, "meristem.v1.logs.sys.n-1", m.subject)
	}
	require.Len(t, frags, frags[0].FragmentTotal)

	// Reassembly yields the original envelope.
	var joined []byte
	for i, f := range frags {
		assert.Equal(t, i, f.FragmentIndex)
		assert.Equal(t, frags[0].FragmentID, f.FragmentID)
		chunk, err := base64.StdEncoding.DecodeString(f.PayloadChunk)
		require.NoError(t, err)
		joined = append(joined, chunk...)
	}
	var got trace.Envelope
	require.NoError(t, json.Unmarshal(joined, &got))
	assert.Equal(t, big.Content, got.Content)
}

func TestFragmentationSurvivesMultibyteContent(t *testing.T) {
	pub := &fakePublisher{}
	tr := New(pub, Options{MinBatch: 1, FlushInterval: time.Hour, MaxMsgBytes: 255, FragmentBudget: 8}, nil)
	defer tr.Close()

	// Two-byte runes guarantee some split lands mid-rune.
	big := env(strings.Repeat("é", 400))
	tr.Enqueue(big)

	require.Eventually(t, func() bool { return pub.count() >= 1 }, time.Second, 5*time.Millisecond)
	var first Fragment
	require.NoError(t, json.Unmarshal(pub.all()[0].data, &first))
	require.Eventually(t, func() bool { return pub.count() == first.FragmentTotal }, time.Second, 5*time.Millisecond)

	var joined []byte
	for _, m := range pub.all() {
		var f Fragment
		require.NoError(t, json.Unmarshal(m.data, &f))
		chunk, err := base64.StdEncoding.DecodeString(f.PayloadChunk)
		require.NoError(t, err)
		joined = append(joined, chunk...)
	}
	var got trace.Envelope
	require.NoError(t, json.Unmarshal(joined, &got))
	assert.Equal(t, big.Content, got.Content)
}

func TestOversizeEnvelopeDropped(t *testing.T) {
	pub := &fakePublisher{}
	tr := New(pub, Options{MinBatch: 1, FlushInterval: time.Hour, MaxMsgBytes: 64, FragmentBudget: 2}, nil)
	defer tr.Close()

	tr.Enqueue(env(strings.Repeat("z", 1024)))

	require.Eventually(t, func() bool { return tr.Oversize() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, pub.count())
}
