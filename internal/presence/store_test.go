package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis, *clock.Mock) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	mock := clock.NewMock()
	mock.Set(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	return NewStore(redisClient, time.Minute, mock), mr, mock
}

func TestStore_PutAndList(t *testing.T) {
	store, mr, _ := newTestStore(t)
	ctx := context.Background()

	entry := Entry{ID: "a", Instance: "relay-1", Voice: "Puck", State: "active"}
	if err := store.Put(ctx, entry); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Put(ctx, Entry{ID: "b", Instance: "relay-2", State: "idle"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	entries, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	byID := map[string]Entry{}
	for _, e := range entries {
		byID[e.ID] = e
	}
	if byID["a"].Voice != "Puck" || byID["a"].State != "active" {
		t.Errorf("unexpected entry %+v", byID["a"])
	}
	if byID["a"].UpdatedAt.IsZero() {
		t.Error("expected UpdatedAt to be stamped")
	}

	if ttl := mr.TTL("relay:session:a"); ttl != time.Minute {
		t.Errorf("expected 1m TTL, got %v", ttl)
	}
}

func TestStore_Remove(t *testing.T) {
	store, mr, _ := newTestStore(t)
	ctx := context.Background()

	_ = store.Put(ctx, Entry{ID: "a", State: "idle"})
	if err := store.Remove(ctx, "a"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	if mr.Exists("relay:session:a") {
		t.Error("entry key should be deleted")
	}
	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 sessions, got %d", count)
	}
}

func TestStore_CountPrunesExpired(t *testing.T) {
	store, _, mock := newTestStore(t)
	ctx := context.Background()

	_ = store.Put(ctx, Entry{ID: "stale", State: "active"})
	mock.Add(45 * time.Second)
	_ = store.Put(ctx, Entry{ID: "fresh", State: "active"})
	mock.Add(30 * time.Second)

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 live session after pruning, got %d", count)
	}
}

func TestStore_ListSkipsMissingKeys(t *testing.T) {
	store, mr, _ := newTestStore(t)
	ctx := context.Background()

	_ = store.Put(ctx, Entry{ID: "a", State: "active"})
	_ = store.Put(ctx, Entry{ID: "b", State: "active"})
	mr.Del("relay:session:b")

	entries, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "a" {
		t.Errorf("expected only entry a, got %+v", entries)
	}
}

func TestStore_ListEmpty(t *testing.T) {
	store, _, _ := newTestStore(t)

	entries, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if entries == nil || len(entries) != 0 {
		t.Errorf("expected empty non-nil slice, got %v", entries)
	}
}

func TestNewStore_Defaults(t *testing.T) {
	store := NewStore(nil, 0, nil)
	if store.TTL() != DefaultTTL {
		t.Errorf("expected default TTL, got %v", store.TTL())
	}
}

func TestStore_Ping(t *testing.T) {
	store, _, _ := newTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	unreachable := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer unreachable.Close()
	if err := NewStore(unreachable, 0, nil).Ping(context.Background()); err == nil {
		t.Error("expected ping to fail against an unreachable server")
	}
}
