package messaging

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/bardlex/vrscpool/pkg/circuit"
	"github.com/bardlex/vrscpool/pkg/errors"
	"github.com/bardlex/vrscpool/pkg/log"
	"github.com/bardlex/vrscpool/pkg/retry"
)

// fakeWriter records messages and fails the first failures writes.
type fakeWriter struct {
	mu       sync.Mutex
	topic    string
	messages []kafka.Message
	failures int
	writes   int
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes++
	if w.failures > 0 {
		w.failures--
		return stderrors.New("kafka: broker not available")
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func newTestClient(failures int) (*KafkaClient, map[string]*fakeWriter) {
	client := NewKafkaClient([]string{"localhost:9092"}, log.Discard())
	client.retryConfig = &retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}

	writers := map[string]*fakeWriter{}
	client.newWriter = func(topic string) messageWriter {
		w := &fakeWriter{topic: topic, failures: failures}
		writers[topic] = w
		return w
	}
	return client, writers
}

func TestNewKafkaClient(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, log.Discard())

	if len(client.brokers) != 1 || client.brokers[0] != "localhost:9092" {
		t.Errorf("Expected brokers [localhost:9092], got %v", client.brokers)
	}
	if client.writers == nil {
		t.Error("Writers map should not be nil")
	}
	if client.BreakerState() != circuit.StateClosed {
		t.Errorf("Expected a closed breaker, got %s", client.BreakerState())
	}

	w, ok := client.kafkaWriter(TopicShares).(*kafka.Writer)
	if !ok {
		t.Fatal("Expected a *kafka.Writer")
	}
	if w.Topic != TopicShares {
		t.Errorf("Expected topic %s, got %s", TopicShares, w.Topic)
	}
}

func TestKafkaClient_ProducerCached(t *testing.T) {
	client, writers := newTestClient(0)

	producer1 := client.producer("test-topic")
	producer2 := client.producer("test-topic")
	if producer1 != producer2 {
		t.Error("Expected same producer instance from cache")
	}
	if len(writers) != 1 || len(client.writers) != 1 {
		t.Errorf("Expected 1 writer, got %d", len(client.writers))
	}
}

func TestKafkaClient_PublishEvents(t *testing.T) {
	client, writers := newTestClient(0)
	ctx := context.Background()

	share := &ShareEvent{Username: "RAddress.rig1", JobID: "00000001", Status: ShareValid, Difficulty: 5000}
	if err := client.PublishShare(ctx, share); err != nil {
		t.Fatalf("PublishShare() error = %v", err)
	}
	if err := client.PublishBlock(ctx, &BlockEvent{Height: 3210000, Accepted: true}); err != nil {
		t.Fatalf("PublishBlock() error = %v", err)
	}
	if err := client.PublishJob(ctx, &JobEvent{JobID: "00000002"}); err != nil {
		t.Fatalf("PublishJob() error = %v", err)
	}
	if err := client.PublishStats(ctx, &PoolStats{Connections: 3}); err != nil {
		t.Fatalf("PublishStats() error = %v", err)
	}

	tests := []struct {
		topic string
		key   string
	}{
		{TopicShares, "RAddress.rig1"},
		{TopicBlocks, "3210000"},
		{TopicJobs, "00000002"},
		{TopicStats, "pool"},
	}
	for _, tt := range tests {
		w := writers[tt.topic]
		if w == nil || len(w.messages) != 1 {
			t.Fatalf("topic %s: expected one message", tt.topic)
		}
		if got := string(w.messages[0].Key); got != tt.key {
			t.Errorf("topic %s: key = %q, want %q", tt.topic, got, tt.key)
		}
	}

	var decoded ShareEvent
	if err := json.Unmarshal(writers[TopicShares].messages[0].Value, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Status != ShareValid || decoded.Difficulty != 5000 || decoded.JobID != "00000001" {
		t.Errorf("decoded share = %+v", decoded)
	}
}

func TestKafkaClient_PublishRetries(t *testing.T) {
	client, writers := newTestClient(2)

	if err := client.PublishJSON(context.Background(), TopicJobs, "k", []byte(`{}`)); err != nil {
		t.Fatalf("PublishJSON() error = %v", err)
	}
	if w := writers[TopicJobs]; w.writes != 3 || len(w.messages) != 1 {
		t.Errorf("Expected 3 writes and 1 message, got %d and %d", w.writes, len(w.messages))
	}
}

func TestKafkaClient_BreakerOpens(t *testing.T) {
	client, _ := newTestClient(1000)
	ctx := context.Background()

	for range 5 {
		err := client.PublishJSON(ctx, TopicShares, "k", []byte(`{}`))
		if !errors.IsType(err, errors.ErrorTypeInternal) && !errors.IsType(err, errors.ErrorTypeMessaging) {
			t.Fatalf("unexpected error %v", err)
		}
	}
	if client.BreakerState() != circuit.StateOpen {
		t.Fatalf("Expected an open breaker, got %s", client.BreakerState())
	}
	if err := client.PublishJSON(ctx, TopicShares, "k", []byte(`{}`)); !stderrors.Is(err, circuit.ErrOpen) {
		t.Errorf("Expected ErrOpen, got %v", err)
	}
}

func TestKafkaClient_PublishUnencodable(t *testing.T) {
	client, writers := newTestClient(0)

	err := client.Publish(context.Background(), TopicStats, "k", map[string]any{"c": make(chan int)})
	if err == nil {
		t.Fatal("Expected a marshal error")
	}
	if errors.IsRetryable(err) {
		t.Error("marshal errors must not be retried")
	}
	if len(writers) != 0 {
		t.Error("nothing should have been written")
	}
}

func TestKafkaClient_Close(t *testing.T) {
	client, writers := newTestClient(0)
	_ = client.producer("topic1")
	_ = client.producer("topic2")

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	for topic, w := range writers {
		if !w.closed {
			t.Errorf("writer for %s not closed", topic)
		}
	}
	if len(client.writers) != 0 {
		t.Errorf("Expected 0 writers after close, got %d", len(client.writers))
	}
}
