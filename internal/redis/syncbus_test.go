package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/recivo/notifyd/internal/notify"
)

func setupTestClient(t *testing.T) (*Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := &Client{rdb: rdb, logger: zap.NewNop()}

	return client, func() {
		rdb.Close()
		mr.Close()
	}
}

type recorder struct {
	mu   sync.Mutex
	msgs []notify.SyncMessage
}

func (r *recorder) handle(msg notify.SyncMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *recorder) first() notify.SyncMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.msgs[0]
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

func TestSyncBus_PublishReachesSibling(t *testing.T) {
	client, cleanup := setupTestClient(t)
	defer cleanup()

	pub := NewSyncBus(client, "u-1", time.Minute, zap.NewNop())
	sub := NewSyncBus(client, "u-1", time.Minute, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	if err := sub.Subscribe(ctx, rec.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	readAt := time.Now().UTC()
	err := pub.Publish(ctx, notify.SyncMessage{
		Action:         notify.SyncRead,
		NotificationID: "n-1",
		ReadAt:         &readAt,
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, time.Second, func() bool { return rec.count() == 1 })
	got := rec.first()
	if got.Action != notify.SyncRead {
		t.Fatalf("action = %s", got.Action)
	}
	if got.NotificationID != "n-1" {
		t.Fatalf("id = %s", got.NotificationID)
	}
	if got.Origin != pub.Origin() {
		t.Fatalf("origin = %s, want publisher's", got.Origin)
	}
}

func TestSyncBus_SuppressesOwnMessages(t *testing.T) {
	client, cleanup := setupTestClient(t)
	defer cleanup()

	bus := NewSyncBus(client, "u-1", time.Minute, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	if err := bus.Subscribe(ctx, rec.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer bus.Close()

	if err := bus.Publish(ctx, notify.SyncMessage{Action: notify.SyncRead, NotificationID: "n-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("received %d own messages", rec.count())
	}
}

func TestSyncBus_DropsStaleMessages(t *testing.T) {
	client, cleanup := setupTestClient(t)
	defer cleanup()

	// Publisher stamps an old timestamp; staleness window is tiny.
	pub := NewSyncBus(client, "u-1", 100*time.Millisecond, zap.NewNop())
	sub := NewSyncBus(client, "u-1", 100*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	if err := sub.Subscribe(ctx, rec.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	err := pub.Publish(ctx, notify.SyncMessage{
		Action:         notify.SyncRead,
		NotificationID: "n-1",
		Timestamp:      time.Now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("received %d stale messages", rec.count())
	}
}

func TestSyncBus_IsolatesRecipients(t *testing.T) {
	client, cleanup := setupTestClient(t)
	defer cleanup()

	pub := NewSyncBus(client, "u-1", time.Minute, zap.NewNop())
	other := NewSyncBus(client, "u-2", time.Minute, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	if err := other.Subscribe(ctx, rec.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer other.Close()

	if err := pub.Publish(ctx, notify.SyncMessage{Action: notify.SyncDelete, NotificationID: "n-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("u-2 received %d of u-1's messages", rec.count())
	}
}

func TestSyncBus_MirrorKeyHasTTL(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	client := &Client{rdb: rdb, logger: zap.NewNop()}

	bus := NewSyncBus(client, "u-1", time.Second, zap.NewNop())
	ctx := context.Background()

	if err := bus.Publish(ctx, notify.SyncMessage{Action: notify.SyncRead, NotificationID: "n-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if !mr.Exists("notifysync:last:u-1") {
		t.Fatal("mirror key not written")
	}

	// The mirror key expires on its own: nothing older than the staleness
	// window survives in the shared store.
	mr.FastForward(2 * time.Second)
	if mr.Exists("notifysync:last:u-1") {
		t.Fatal("mirror key should have expired")
	}
}

func TestSyncBus_SubscribeTwiceFails(t *testing.T) {
	client, cleanup := setupTestClient(t)
	defer cleanup()

	bus := NewSyncBus(client, "u-1", time.Minute, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bus.Subscribe(ctx, func(notify.SyncMessage) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer bus.Close()

	if err := bus.Subscribe(ctx, func(notify.SyncMessage) {}); err == nil {
		t.Fatal("second subscribe should fail")
	}
}

func TestSyncBus_ClosedBusRejectsSubscribe(t *testing.T) {
	client, cleanup := setupTestClient(t)
	defer cleanup()

	bus := NewSyncBus(client, "u-1", time.Minute, zap.NewNop())
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := bus.Subscribe(context.Background(), func(notify.SyncMessage) {}); err == nil {
		t.Fatal("subscribe after close should fail")
	}
}

func TestSyncBus_MalformedPayloadIgnored(t *testing.T) {
	client, cleanup := setupTestClient(t)
	defer cleanup()

	bus := NewSyncBus(client, "u-1", time.Minute, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	if err := bus.Subscribe(ctx, rec.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer bus.Close()

	if err := client.rdb.Publish(ctx, "notifysync:u-1", "not json").Err(); err != nil {
		t.Fatalf("raw publish: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("handled %d malformed messages", rec.count())
	}
}
