package database

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/vrscpool/internal/messaging"
	"github.com/bardlex/vrscpool/pkg/log"
)

type fakePublisher struct {
	mu     sync.Mutex
	shares []*messaging.ShareEvent
	blocks []*messaging.BlockEvent
	jobs   []*messaging.JobEvent
	stats  []*messaging.PoolStats
	err    error
	gate   chan struct{}
}

func (p *fakePublisher) wait() {
	if p.gate != nil {
		<-p.gate
	}
}

func (p *fakePublisher) PublishShare(_ context.Context, ev *messaging.ShareEvent) error {
	p.wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shares = append(p.shares, ev)
	return p.err
}

func (p *fakePublisher) PublishBlock(_ context.Context, ev *messaging.BlockEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocks = append(p.blocks, ev)
	return p.err
}

func (p *fakePublisher) PublishJob(_ context.Context, ev *messaging.JobEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, ev)
	return p.err
}

func (p *fakePublisher) PublishStats(_ context.Context, stats *messaging.PoolStats) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats = append(p.stats, stats)
	return p.err
}

func (p *fakePublisher) counts() (shares, blocks, jobs, stats int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.shares), len(p.blocks), len(p.jobs), len(p.stats)
}

type fakeMetrics struct {
	mu      sync.Mutex
	points  map[string]int
	flushes int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{points: map[string]int{}}
}

func (f *fakeMetrics) add(kind string) {
	f.mu.Lock()
	f.points[kind]++
	f.mu.Unlock()
}

func (f *fakeMetrics) WriteShare(*messaging.ShareEvent)    { f.add("share") }
func (f *fakeMetrics) WriteBlock(*messaging.BlockEvent)    { f.add("block") }
func (f *fakeMetrics) WriteJob(*messaging.JobEvent)        { f.add("job") }
func (f *fakeMetrics) WritePoolStats(*messaging.PoolStats) { f.add("stats") }

func (f *fakeMetrics) Flush() {
	f.mu.Lock()
	f.flushes++
	f.mu.Unlock()
}

func (f *fakeMetrics) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.points[kind]
}

type fakeCache struct {
	mu    sync.Mutex
	stats *messaging.PoolStats
	ttl   time.Duration
}

func (c *fakeCache) SetPoolStats(_ context.Context, stats *messaging.PoolStats, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = stats
	c.ttl = ttl
	return nil
}

func closeManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestManagerDeliversToAllSinks(t *testing.T) {
	pub := &fakePublisher{}
	metrics := newFakeMetrics()
	cache := &fakeCache{}

	m := NewManager(&Config{QueueSize: 16, Workers: 2, StatsInterval: time.Minute}, Sinks{
		Publisher: pub,
		Metrics:   metrics,
		Cache:     cache,
	}, log.Discard())
	m.Start()

	m.RecordShare(&messaging.ShareEvent{Username: "RAddress.rig1"})
	m.RecordShare(&messaging.ShareEvent{Username: "RAddress.rig2"})
	m.RecordBlock(&messaging.BlockEvent{Height: 10, Accepted: true})
	m.RecordJob(&messaging.JobEvent{JobID: "00000001"})
	m.RecordStats(&messaging.PoolStats{Connections: 2})

	closeManager(t, m)

	shares, blocks, jobs, stats := pub.counts()
	if shares != 2 || blocks != 1 || jobs != 1 || stats != 1 {
		t.Errorf("published %d shares, %d blocks, %d jobs, %d stats", shares, blocks, jobs, stats)
	}
	for kind, want := range map[string]int{"share": 2, "block": 1, "job": 1, "stats": 1} {
		if got := metrics.count(kind); got != want {
			t.Errorf("%s points = %d, want %d", kind, got, want)
		}
	}
	// one flush for the block, one on close
	if metrics.flushes != 2 {
		t.Errorf("flushes = %d, want 2", metrics.flushes)
	}
	if cache.stats == nil || cache.stats.Connections != 2 {
		t.Errorf("cached stats = %+v", cache.stats)
	}
	if cache.ttl != 3*time.Minute {
		t.Errorf("cache ttl = %v", cache.ttl)
	}
	if m.Dropped() != 0 {
		t.Errorf("Dropped() = %d", m.Dropped())
	}
}

func TestManagerNilSinks(t *testing.T) {
	m := NewManager(nil, Sinks{}, log.Discard())
	m.Start()

	m.RecordShare(&messaging.ShareEvent{})
	m.RecordBlock(&messaging.BlockEvent{})
	m.RecordJob(&messaging.JobEvent{})
	m.RecordStats(&messaging.PoolStats{})

	closeManager(t, m)
}

func TestManagerDropsWhenFull(t *testing.T) {
	pub := &fakePublisher{gate: make(chan struct{})}
	m := NewManager(&Config{QueueSize: 1, Workers: 1}, Sinks{Publisher: pub}, log.Discard())
	m.Start()

	// the first share occupies the worker, the second fills the queue
	m.RecordShare(&messaging.ShareEvent{})
	deadline := time.Now().Add(2 * time.Second)
	for len(m.queue) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	m.RecordShare(&messaging.ShareEvent{})
	m.RecordShare(&messaging.ShareEvent{})
	m.RecordJob(&messaging.JobEvent{})

	if got := m.Dropped(); got != 2 {
		t.Errorf("Dropped() = %d, want 2", got)
	}

	// blocks bypass a full queue
	m.RecordBlock(&messaging.BlockEvent{Height: 7})

	close(pub.gate)
	closeManager(t, m)

	shares, blocks, _, _ := pub.counts()
	if shares != 2 || blocks != 1 {
		t.Errorf("published %d shares and %d blocks", shares, blocks)
	}
}

func TestManagerAfterClose(t *testing.T) {
	pub := &fakePublisher{}
	m := NewManager(nil, Sinks{Publisher: pub}, log.Discard())
	m.Start()
	closeManager(t, m)

	m.RecordShare(&messaging.ShareEvent{})
	m.RecordBlock(&messaging.BlockEvent{})

	shares, blocks, _, _ := pub.counts()
	if shares != 0 || blocks != 1 {
		t.Errorf("published %d shares and %d blocks after close", shares, blocks)
	}
	if m.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", m.Dropped())
	}

	// closing twice is harmless
	closeManager(t, m)
}

func TestManagerPublishErrorsDoNotStop(t *testing.T) {
	pub := &fakePublisher{err: stderrors.New("broker down")}
	m := NewManager(&Config{QueueSize: 8, Workers: 1}, Sinks{Publisher: pub}, log.Discard())
	m.Start()

	for range 3 {
		m.RecordJob(&messaging.JobEvent{})
	}
	closeManager(t, m)

	if _, _, jobs, _ := pub.counts(); jobs != 3 {
		t.Errorf("published %d jobs, want 3", jobs)
	}
}

func TestManagerCloseTimeout(t *testing.T) {
	pub := &fakePublisher{gate: make(chan struct{})}
	m := NewManager(&Config{QueueSize: 4, Workers: 1}, Sinks{Publisher: pub}, log.Discard())
	m.Start()
	m.RecordShare(&messaging.ShareEvent{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Close(ctx); err == nil {
		t.Error("Expected a timeout while the worker is blocked")
	}
	close(pub.gate)
}

func TestStartPeriodicTasks(t *testing.T) {
	pub := &fakePublisher{}
	metrics := newFakeMetrics()
	m := NewManager(&Config{QueueSize: 64, Workers: 1, StatsInterval: 5 * time.Millisecond, FlushInterval: 5 * time.Millisecond},
		Sinks{Publisher: pub, Metrics: metrics}, log.Discard())
	m.Start()

	ctx, cancel := context.WithCancel(context.Background())
	m.StartPeriodicTasks(ctx, func() *messaging.PoolStats {
		return &messaging.PoolStats{Connections: 1, TakenAt: time.Now()}
	})

	deadline := time.Now().Add(2 * time.Second)
	for metrics.count("stats") < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	closeManager(t, m)

	if metrics.count("stats") < 2 {
		t.Errorf("Expected periodic stats, got %d", metrics.count("stats"))
	}
	metrics.mu.Lock()
	flushes := metrics.flushes
	metrics.mu.Unlock()
	if flushes < 2 {
		t.Errorf("Expected periodic flushes, got %d", flushes)
	}
}
