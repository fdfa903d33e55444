// Package messaging publishes the pool's share, block and job events to Kafka
// as JSON.
package messaging

import (
	"context"
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/bardlex/vrscpool/pkg/circuit"
	"github.com/bardlex/vrscpool/pkg/errors"
	"github.com/bardlex/vrscpool/pkg/log"
	"github.com/bardlex/vrscpool/pkg/retry"
)

// messageWriter is the part of *kafka.Writer the client uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaClient wraps kafka-go writers, one per topic, behind a circuit breaker.
type KafkaClient struct {
	brokers        []string
	logger         *log.Logger
	writers        map[string]messageWriter
	writersMu      sync.RWMutex
	newWriter      func(topic string) messageWriter
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewKafkaClient creates a new Kafka client
func NewKafkaClient(brokers []string, logger *log.Logger) *KafkaClient {
	logger = logger.WithComponent("kafka")

	cbConfig := &circuit.Config{
		Name:            "kafka",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         15 * time.Second,
		ResetTimeout:    60 * time.Second,
		OnStateChange: func(name string, from, to circuit.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}

	k := &KafkaClient{
		brokers:        brokers,
		logger:         logger,
		writers:        make(map[string]messageWriter),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.NetworkConfig(),
	}
	k.newWriter = k.kafkaWriter
	return k
}

func (k *KafkaClient) kafkaWriter(topic string) messageWriter {
	return &kafka.Writer{
		Addr:                   kafka.TCP(k.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireOne,
		Async:                  false,
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: true,
	}
}

// producer gets or creates the writer for a topic
func (k *KafkaClient) producer(topic string) messageWriter {
	k.writersMu.RLock()
	if writer, exists := k.writers[topic]; exists {
		k.writersMu.RUnlock()
		return writer
	}
	k.writersMu.RUnlock()

	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	// Double-check after acquiring write lock
	if writer, exists := k.writers[topic]; exists {
		return writer
	}

	writer := k.newWriter(topic)
	k.writers[topic] = writer
	k.logger.Info("created Kafka producer", "topic", topic)
	return writer
}

// Publish marshals v as JSON and publishes it under key.
func (k *KafkaClient) Publish(ctx context.Context, topic, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "json_marshal", "failed to marshal event").
			WithContext("topic", topic).
			WithRetryable(false)
	}
	return k.PublishJSON(ctx, topic, key, data)
}

// PublishJSON publishes an already encoded JSON message to Kafka
func (k *KafkaClient) PublishJSON(ctx context.Context, topic, key string, data []byte) error {
	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			kafkaMsg := kafka.Message{
				Key:   []byte(key),
				Value: data,
				Time:  time.Now(),
			}

			if err := k.producer(topic).WriteMessages(ctx, kafkaMsg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeMessaging, "publish_json",
					"failed to publish JSON message to Kafka").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(data)).
					WithRetryable(ctx.Err() == nil)
			}

			k.logger.Debug("published JSON message", "topic", topic, "key", key, "size", len(data))
			return nil
		})
	})
}

// PublishShare publishes a share event keyed by worker so one worker's
// shares stay ordered within a partition.
func (k *KafkaClient) PublishShare(ctx context.Context, ev *ShareEvent) error {
	return k.Publish(ctx, TopicShares, ev.Username, ev)
}

// PublishBlock publishes a block event keyed by height.
func (k *KafkaClient) PublishBlock(ctx context.Context, ev *BlockEvent) error {
	return k.Publish(ctx, TopicBlocks, strconv.FormatInt(ev.Height, 10), ev)
}

// PublishJob publishes a job event keyed by job id.
func (k *KafkaClient) PublishJob(ctx context.Context, ev *JobEvent) error {
	return k.Publish(ctx, TopicJobs, ev.JobID, ev)
}

// PublishStats publishes a pool snapshot.
func (k *KafkaClient) PublishStats(ctx context.Context, stats *PoolStats) error {
	return k.Publish(ctx, TopicStats, "pool", stats)
}

// BreakerState reports the publish circuit breaker state.
func (k *KafkaClient) BreakerState() circuit.State {
	return k.circuitBreaker.GetState()
}

// Close closes all producers
func (k *KafkaClient) Close() error {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	var lastErr error
	for topic, writer := range k.writers {
		if err := writer.Close(); err != nil {
			k.logger.Error("failed to close producer", "topic", topic, "error", err)
			lastErr = err
		}
	}

	k.writers = make(map[string]messageWriter)
	return lastErr
}
