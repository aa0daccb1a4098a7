package memory

import (
	"context"
	"testing"
)

func TestInMemoryStoreKeepsOrderAndEvictsOldest(t *testing.T) {
	store := NewInMemoryStore(3)
	ctx := context.Background()
	for _, content := range []string{"a", "b", "c", "d"} {
		if err := store.Append(ctx, Turn{SessionID: "s1", Role: RoleUser, Content: content}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	history, err := store.History(ctx, "s1")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("len(history) = %d, want 3", len(history))
	}
	for i, want := range []string{"b", "c", "d"} {
		if history[i].Content != want {
			t.Fatalf("history[%d] = %q, want %q", i, history[i].Content, want)
		}
		if history[i].ID == "" || history[i].CreatedAt.IsZero() {
			t.Fatalf("history[%d] missing defaults: %+v", i, history[i])
		}
	}
}

func TestInMemoryStoreClearAndSessions(t *testing.T) {
	store := NewInMemoryStore(0)
	ctx := context.Background()
	_ = store.Append(ctx, Turn{SessionID: "b", Content: "x"})
	_ = store.Append(ctx, Turn{SessionID: "a", Content: "y"})

	ids, err := store.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("Sessions() = %v, want [a b]", ids)
	}

	if err := store.Clear(ctx, "a"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	history, _ := store.History(ctx, "a")
	if len(history) != 0 {
		t.Fatalf("len(history) = %d, want 0 after clear", len(history))
	}
}

func TestInMemoryStoreHistoryIsACopy(t *testing.T) {
	store := NewInMemoryStore(5)
	ctx := context.Background()
	_ = store.Append(ctx, Turn{SessionID: "s1", Content: "orig"})
	history, _ := store.History(ctx, "s1")
	history[0].Content = "mutated"
	again, _ := store.History(ctx, "s1")
	if again[0].Content != "orig" {
		t.Fatalf("stored turn mutated through History() result")
	}
}

func TestNewStoreDefaultsToInMemory(t *testing.T) {
	store, err := NewStore(context.Background(), Options{Limit: 4})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if _, ok := store.(*InMemoryStore); !ok {
		t.Fatalf("store type = %T, want *InMemoryStore", store)
	}
}

func TestRedisOptionsAcceptsAddrAndURL(t *testing.T) {
	opts, err := redisOptions("localhost:6379", "pw")
	if err != nil {
		t.Fatalf("redisOptions() error = %v", err)
	}
	if opts.Addr != "localhost:6379" || opts.Password != "pw" {
		t.Fatalf("unexpected options: %+v", opts)
	}

	opts, err = redisOptions("redis://:secret@cache:6380/2", "")
	if err != nil {
		t.Fatalf("redisOptions(url) error = %v", err)
	}
	if opts.Addr != "cache:6380" || opts.DB != 2 || opts.Password != "secret" {
		t.Fatalf("unexpected url options: %+v", opts)
	}
}
