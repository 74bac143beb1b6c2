package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/recivo/notifyd/internal/notify"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// fakeSource scripts probe results and hands out subscriptions whose event
// channels the test controls.
type fakeSource struct {
	mu         sync.Mutex
	probeErr   error
	subErr     error
	events     chan notify.Event
	probes     int
	subscribes int
}

func (f *fakeSource) Probe(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	return f.probeErr
}

func (f *fakeSource) Subscribe(_ context.Context, _ notify.Filter) (<-chan notify.Event, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	if f.subErr != nil {
		return nil, nil, f.subErr
	}
	f.events = make(chan notify.Event)
	return f.events, func() {}, nil
}

func (f *fakeSource) setProbeErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeErr = err
}

func (f *fakeSource) currentEvents() chan notify.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events
}

func (f *fakeSource) probeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes
}

func (f *fakeSource) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes
}

// fakeSink records delivered events and connection flips.
type fakeSink struct {
	mu        sync.Mutex
	events    []notify.Event
	connected bool
}

func (f *fakeSink) HandleEvent(ev notify.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeSink) SetConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}

func (f *fakeSink) isConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSink) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func fastConfig() Config {
	return Config{
		BaseDelay:             time.Millisecond,
		MaxDelay:              5 * time.Millisecond,
		MaxAttempts:           3,
		FallbackProbeInterval: 5 * time.Millisecond,
	}
}

func TestSupervisor_ConnectsAndDeliversEvents(t *testing.T) {
	src := &fakeSource{}
	sink := &fakeSink{}
	sup := New(src, sink, fastConfig(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	waitFor(t, time.Second, func() bool { return sup.State() == StateConnected })
	if !sink.isConnected() {
		t.Fatal("sink should be marked connected")
	}

	src.currentEvents() <- notify.Event{Kind: notify.KindInsert, Record: &notify.Record{ID: "a"}}
	waitFor(t, time.Second, func() bool { return sink.eventCount() == 1 })
}

func TestSupervisor_ReconnectsAfterDrop(t *testing.T) {
	src := &fakeSource{}
	sink := &fakeSink{}
	sup := New(src, sink, fastConfig(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	waitFor(t, time.Second, func() bool { return sup.State() == StateConnected })

	// Dropping the stream flips the sink offline and triggers a resubscribe.
	close(src.currentEvents())
	waitFor(t, time.Second, func() bool { return src.subscribeCount() >= 2 })
	waitFor(t, time.Second, func() bool { return sup.State() == StateConnected })
	if !sink.isConnected() {
		t.Fatal("sink should be connected again")
	}
}

func TestSupervisor_FallbackAfterBudgetExhausted(t *testing.T) {
	src := &fakeSource{probeErr: errors.New("unreachable")}
	sink := &fakeSink{}
	sup := New(src, sink, fastConfig(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	waitFor(t, time.Second, func() bool { return sup.State() == StateFallback })
	if sink.isConnected() {
		t.Fatal("sink must not report connected in fallback")
	}
}

func TestSupervisor_FallbackRecovers(t *testing.T) {
	src := &fakeSource{probeErr: errors.New("unreachable")}
	sink := &fakeSink{}
	sup := New(src, sink, fastConfig(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	waitFor(t, time.Second, func() bool { return sup.State() == StateFallback })

	// The source comes back; the next fallback probe notices and the
	// supervisor resumes normal connection attempts.
	src.setProbeErr(nil)
	waitFor(t, time.Second, func() bool { return sup.State() == StateConnected })
	if !sink.isConnected() {
		t.Fatal("sink should be connected after recovery")
	}
}

func TestSupervisor_ProbeFailsFastBeforeSubscribe(t *testing.T) {
	src := &fakeSource{probeErr: errors.New("unreachable")}
	sink := &fakeSink{}
	sup := New(src, sink, fastConfig(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	waitFor(t, time.Second, func() bool { return src.probeCount() >= 2 })
	if src.subscribeCount() != 0 {
		t.Fatalf("subscribe called %d times while probe fails", src.subscribeCount())
	}
}

func TestSupervisor_StopsOnCancel(t *testing.T) {
	src := &fakeSource{}
	sink := &fakeSink{}
	sup := New(src, sink, fastConfig(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	waitFor(t, time.Second, func() bool { return sup.State() == StateConnected })
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if sup.State() != StateStopped {
		t.Fatalf("state = %s", sup.State())
	}
	if sink.isConnected() {
		t.Fatal("sink should be disconnected after stop")
	}
}

func TestSupervisor_BackoffDelay(t *testing.T) {
	sup := New(&fakeSource{}, &fakeSink{}, Config{
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
	}, testLogger())

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
		{4, 4 * time.Second},
		{7, 30 * time.Second}, // capped
		{40, 30 * time.Second},
		{0, 500 * time.Millisecond}, // clamped to the first attempt
	}
	for _, tt := range tests {
		if got := sup.BackoffDelay(tt.attempt); got != tt.want {
			t.Errorf("BackoffDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateBackoff, "backoff"},
		{StateFallback, "fallback"},
		{StateStopped, "stopped"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d) = %s, want %s", tt.s, got, tt.want)
		}
	}
}
