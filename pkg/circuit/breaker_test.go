package circuit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	poolErrors "github.com/bardlex/vrscpool/pkg/errors"
)

var errNodeDown = errors.New("connection refused")

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type transition struct{ from, to State }

// newTestBreaker returns a breaker on a fake clock that records transitions.
func newTestBreaker(cfg *Config) (*Breaker, *clock, *[]transition) {
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	var mu sync.Mutex
	seen := &[]transition{}
	cfg.OnStateChange = func(_ string, from, to State) {
		mu.Lock()
		*seen = append(*seen, transition{from, to})
		mu.Unlock()
	}
	b := New(cfg)
	b.now = clk.Now
	b.windowStart = clk.Now()
	return b, clk, seen
}

func fail(b *Breaker, n int) {
	for range n {
		_ = b.Execute(context.Background(), func() error { return errNodeDown })
	}
}

func TestConfigs(t *testing.T) {
	def := DefaultConfig()
	if def.MaxFailures != 5 || def.SuccessRequired != 3 || def.Timeout != 30*time.Second || def.ResetTimeout != time.Minute {
		t.Errorf("DefaultConfig() = %+v", def)
	}

	node := NodeConfig("node_rpc")
	if node.Name != "node_rpc" {
		t.Errorf("Name = %q", node.Name)
	}
	if node.MaxFailures >= def.MaxFailures || node.Timeout >= def.Timeout {
		t.Errorf("node breaker should trip and probe sooner than the default: %+v", node)
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(42):     "unknown",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestNewNilConfig(t *testing.T) {
	b := New(nil)
	if b.cfg.Name != "default" || b.GetState() != StateClosed {
		t.Errorf("New(nil) = %+v, state %s", b.cfg, b.GetState())
	}
}

func TestOpensAfterMaxFailures(t *testing.T) {
	b, _, seen := newTestBreaker(&Config{Name: "node_rpc", MaxFailures: 3, SuccessRequired: 1, Timeout: 10 * time.Second, ResetTimeout: time.Minute})

	fail(b, 2)
	if b.GetState() != StateClosed {
		t.Fatalf("breaker opened after 2 failures")
	}
	fail(b, 1)
	if b.GetState() != StateOpen {
		t.Fatalf("Expected open after 3 failures, got %s", b.GetState())
	}

	called := false
	err := b.Execute(context.Background(), func() error {
		called = true
		return nil
	})
	if called {
		t.Error("open breaker let a call through")
	}
	if !errors.Is(err, ErrOpen) {
		t.Errorf("Expected ErrOpen, got %v", err)
	}
	if !poolErrors.IsType(err, poolErrors.ErrorTypeInternal) {
		t.Errorf("Expected an internal error, got %v", err)
	}
	if ctx := poolErrors.GetContext(err); ctx["breaker"] != "node_rpc" || ctx["state"] != "open" {
		t.Errorf("error context = %v", ctx)
	}

	if len(*seen) != 1 || (*seen)[0] != (transition{StateClosed, StateOpen}) {
		t.Errorf("transitions = %v", *seen)
	}
}

func TestFailureWindowResets(t *testing.T) {
	b, clk, _ := newTestBreaker(&Config{MaxFailures: 3, SuccessRequired: 1, Timeout: time.Second, ResetTimeout: time.Minute})

	fail(b, 2)
	clk.Advance(2 * time.Minute)
	fail(b, 2)

	if b.GetState() != StateClosed {
		t.Errorf("failures from an expired window should not count, got %s", b.GetState())
	}
}

func TestHalfOpenProbing(t *testing.T) {
	tests := []struct {
		name      string
		probes    []error
		wantState State
	}{
		{"closes after required successes", []error{nil, nil}, StateClosed},
		{"stays half-open with too few successes", []error{nil}, StateHalfOpen},
		{"reopens on a failed probe", []error{nil, errNodeDown}, StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, clk, _ := newTestBreaker(&Config{MaxFailures: 1, SuccessRequired: 2, Timeout: 10 * time.Second, ResetTimeout: time.Minute})
			fail(b, 1)

			clk.Advance(5 * time.Second)
			if err := b.Execute(context.Background(), func() error { return nil }); !errors.Is(err, ErrOpen) {
				t.Fatalf("breaker probed before its timeout: %v", err)
			}

			clk.Advance(10 * time.Second)
			for _, probe := range tt.probes {
				_ = b.Execute(context.Background(), func() error { return probe })
			}
			if b.GetState() != tt.wantState {
				t.Errorf("state = %s, want %s", b.GetState(), tt.wantState)
			}
		})
	}
}

func TestTransitionsAreReported(t *testing.T) {
	b, clk, seen := newTestBreaker(&Config{MaxFailures: 1, SuccessRequired: 1, Timeout: time.Second, ResetTimeout: time.Minute})

	fail(b, 1)
	clk.Advance(2 * time.Second)
	_ = b.Execute(context.Background(), func() error { return nil })

	want := []transition{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}
	if len(*seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", *seen, want)
	}
	for i := range want {
		if (*seen)[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, (*seen)[i], want[i])
		}
	}
}

func TestCallerCancellationIsNotCounted(t *testing.T) {
	b, _, _ := newTestBreaker(&Config{MaxFailures: 1, SuccessRequired: 1, Timeout: time.Second, ResetTimeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	err := b.Execute(ctx, func() error {
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if b.GetState() != StateClosed {
		t.Errorf("a cancelled call tripped the breaker")
	}

	// an already cancelled context never reaches fn
	called := false
	_ = b.Execute(ctx, func() error { called = true; return nil })
	if called {
		t.Error("fn ran with a cancelled context")
	}
}

func TestExecuteWithResult(t *testing.T) {
	b, _, _ := newTestBreaker(DefaultConfig())

	height, err := ExecuteWithResult(context.Background(), b, func() (int64, error) {
		return 3210000, nil
	})
	if err != nil || height != 3210000 {
		t.Errorf("ExecuteWithResult() = %d, %v", height, err)
	}

	_, err = ExecuteWithResult(context.Background(), b, func() (int64, error) {
		return 0, errNodeDown
	})
	if !errors.Is(err, errNodeDown) {
		t.Errorf("Expected the call's error, got %v", err)
	}
}

func TestReset(t *testing.T) {
	b, _, seen := newTestBreaker(&Config{MaxFailures: 1, SuccessRequired: 1, Timeout: time.Hour, ResetTimeout: time.Hour})
	fail(b, 1)

	b.Reset()
	if b.GetState() != StateClosed {
		t.Fatalf("state after Reset = %s", b.GetState())
	}
	if err := b.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Errorf("call after Reset failed: %v", err)
	}
	if last := (*seen)[len(*seen)-1]; last != (transition{StateOpen, StateClosed}) {
		t.Errorf("last transition = %v", last)
	}
}

func TestConcurrentUse(t *testing.T) {
	b := New(&Config{MaxFailures: 1000, SuccessRequired: 1, Timeout: time.Second, ResetTimeout: time.Minute})

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Execute(context.Background(), func() error {
				if i%2 == 0 {
					return errNodeDown
				}
				return nil
			})
		}()
	}
	wg.Wait()

	if b.GetState() != StateClosed {
		t.Errorf("Expected breaker to stay closed, got %s", b.GetState())
	}
}
