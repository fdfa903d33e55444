// Package database fans the pool's share, block and job events out to the
// configured sinks: Kafka for downstream consumers, InfluxDB for metrics and
// Redis for the latest pool snapshot.
package database

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/vrscpool/internal/messaging"
	"github.com/bardlex/vrscpool/pkg/errors"
	"github.com/bardlex/vrscpool/pkg/log"
)

// Publisher delivers events to a message broker.
type Publisher interface {
	PublishShare(ctx context.Context, ev *messaging.ShareEvent) error
	PublishBlock(ctx context.Context, ev *messaging.BlockEvent) error
	PublishJob(ctx context.Context, ev *messaging.JobEvent) error
	PublishStats(ctx context.Context, stats *messaging.PoolStats) error
}

// MetricsWriter stores events as time-series points. Writes are buffered by
// the implementation.
type MetricsWriter interface {
	WriteShare(ev *messaging.ShareEvent)
	WriteBlock(ev *messaging.BlockEvent)
	WriteJob(ev *messaging.JobEvent)
	WritePoolStats(stats *messaging.PoolStats)
	Flush()
}

// StatsCache keeps the most recent pool snapshot.
type StatsCache interface {
	SetPoolStats(ctx context.Context, stats *messaging.PoolStats, ttl time.Duration) error
}

// Sinks are the optional event destinations. A nil sink is skipped.
type Sinks struct {
	Publisher Publisher
	Metrics   MetricsWriter
	Cache     StatsCache
}

// Config tunes the event queue.
type Config struct {
	QueueSize      int
	Workers        int
	PublishTimeout time.Duration
	StatsInterval  time.Duration
	FlushInterval  time.Duration
}

// DefaultConfig returns the queue settings used by poold.
func DefaultConfig() *Config {
	return &Config{
		QueueSize:      4096,
		Workers:        2,
		PublishTimeout: 10 * time.Second,
		StatsInterval:  time.Minute,
		FlushInterval:  10 * time.Second,
	}
}

type event struct {
	share *messaging.ShareEvent
	block *messaging.BlockEvent
	job   *messaging.JobEvent
	stats *messaging.PoolStats
}

func (e event) kind() string {
	switch {
	case e.share != nil:
		return "share"
	case e.block != nil:
		return "block"
	case e.job != nil:
		return "job"
	default:
		return "stats"
	}
}

// Manager queues events from the pool and delivers them to the sinks on
// background workers. Recording never blocks the caller: when the queue is
// full share and job events are dropped and counted, block events are
// delivered on their own goroutine.
type Manager struct {
	cfg    *Config
	sinks  Sinks
	logger *log.Logger

	queue   chan event
	dropped atomic.Int64
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewManager creates a manager. Call Start to begin delivering events.
func NewManager(cfg *Config, sinks Sinks, logger *log.Logger) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultConfig().PublishTimeout
	}

	return &Manager{
		cfg:    cfg,
		sinks:  sinks,
		logger: logger.WithComponent("recorder"),
		queue:  make(chan event, cfg.QueueSize),
	}
}

// Start launches the delivery workers. They exit after Close once the queue
// is drained.
func (m *Manager) Start() {
	for range m.cfg.Workers {
		m.wg.Add(1)
		go m.worker()
	}
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for ev := range m.queue {
		m.deliver(ev)
	}
}

// RecordShare queues a share event.
func (m *Manager) RecordShare(ev *messaging.ShareEvent) {
	m.enqueue(event{share: ev})
}

// RecordBlock queues a block event. Blocks are never dropped: with a full
// queue they are delivered on their own goroutine, after Close they are
// delivered before RecordBlock returns.
func (m *Manager) RecordBlock(ev *messaging.BlockEvent) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		m.deliver(event{block: ev})
		return
	}
	select {
	case m.queue <- event{block: ev}:
	default:
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.deliver(event{block: ev})
		}()
	}
	m.mu.RUnlock()
}

// RecordJob queues a job event.
func (m *Manager) RecordJob(ev *messaging.JobEvent) {
	m.enqueue(event{job: ev})
}

// RecordStats queues a pool snapshot.
func (m *Manager) RecordStats(stats *messaging.PoolStats) {
	m.enqueue(event{stats: stats})
}

// Dropped reports how many events were discarded because the queue was full
// or the manager was closed.
func (m *Manager) Dropped() int64 {
	return m.dropped.Load()
}

func (m *Manager) enqueue(ev event) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		m.dropped.Add(1)
		return
	}

	select {
	case m.queue <- ev:
	default:
		if n := m.dropped.Add(1); n == 1 || n%1000 == 0 {
			m.logger.Warn("event queue full, dropping events", "kind", ev.kind(), "dropped", n)
		}
	}
}

func (m *Manager) deliver(ev event) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PublishTimeout)
	defer cancel()

	var err error
	switch {
	case ev.share != nil:
		if m.sinks.Metrics != nil {
			m.sinks.Metrics.WriteShare(ev.share)
		}
		if m.sinks.Publisher != nil {
			err = m.sinks.Publisher.PublishShare(ctx, ev.share)
		}
	case ev.block != nil:
		if m.sinks.Metrics != nil {
			m.sinks.Metrics.WriteBlock(ev.block)
			// found blocks show up on dashboards straight away
			m.sinks.Metrics.Flush()
		}
		if m.sinks.Publisher != nil {
			err = m.sinks.Publisher.PublishBlock(ctx, ev.block)
		}
	case ev.job != nil:
		if m.sinks.Metrics != nil {
			m.sinks.Metrics.WriteJob(ev.job)
		}
		if m.sinks.Publisher != nil {
			err = m.sinks.Publisher.PublishJob(ctx, ev.job)
		}
	case ev.stats != nil:
		err = m.deliverStats(ctx, ev.stats)
	}

	if err != nil {
		m.logger.WithError(err).Warn("failed to deliver event",
			"kind", ev.kind(),
			"retryable", errors.IsRetryable(err))
	}
}

func (m *Manager) deliverStats(ctx context.Context, stats *messaging.PoolStats) error {
	if m.sinks.Metrics != nil {
		m.sinks.Metrics.WritePoolStats(stats)
	}

	var firstErr error
	if m.sinks.Cache != nil {
		ttl := 3 * m.cfg.StatsInterval
		if ttl <= 0 {
			ttl = 3 * time.Minute
		}
		if err := m.sinks.Cache.SetPoolStats(ctx, stats, ttl); err != nil {
			firstErr = errors.Wrap(err, errors.ErrorTypeNetwork, "cache_stats", "failed to cache pool stats")
		}
	}
	if m.sinks.Publisher != nil {
		if err := m.sinks.Publisher.PublishStats(ctx, stats); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StartPeriodicTasks samples the pool every StatsInterval and flushes the
// metrics writer every FlushInterval until ctx is cancelled.
func (m *Manager) StartPeriodicTasks(ctx context.Context, snapshot func() *messaging.PoolStats) {
	if snapshot != nil && m.cfg.StatsInterval > 0 {
		go func() {
			ticker := time.NewTicker(m.cfg.StatsInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					m.RecordStats(snapshot())
				}
			}
		}()
	}

	if m.sinks.Metrics != nil && m.cfg.FlushInterval > 0 {
		go func() {
			ticker := time.NewTicker(m.cfg.FlushInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					m.sinks.Metrics.Flush()
				}
			}
		}()
	}
}

// Close stops accepting events, waits for queued ones to be delivered until
// ctx expires and flushes the metrics writer.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "close_recorder", "event queue not drained").
			WithContext("pending", len(m.queue))
	}

	if m.sinks.Metrics != nil {
		m.sinks.Metrics.Flush()
	}
	return err
}
