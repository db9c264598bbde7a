package kvstore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/northstar-ai/northstar/internal/kvstore"
)

func newTestKV(t *testing.T) *kvstore.Memory {
	t.Helper()
	kv := kvstore.NewMemory()
	t.Cleanup(func() { kv.Close() })
	return kv
}

func TestSetAndGet(t *testing.T) {
	kv := newTestKV(t)
	ctx := context.Background()

	if err := kv.Set(ctx, "k1", []byte("v1"), 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := kv.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "v1" {
		t.Errorf("Get() = %q, want %q", got, "v1")
	}
}

func TestGetMissing(t *testing.T) {
	kv := newTestKV(t)

	_, err := kv.Get(context.Background(), "missing")
	if !kvstore.IsNotFound(err) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestTTLExpiry(t *testing.T) {
	kv := newTestKV(t)
	ctx := context.Background()

	if err := kv.Set(ctx, "short", []byte("v"), 10*time.Millisecond); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	_, err := kv.Get(ctx, "short")
	if !kvstore.IsNotFound(err) {
		t.Errorf("Get(expired) error = %v, want ErrNotFound", err)
	}
}

func TestSetNX(t *testing.T) {
	kv := newTestKV(t)
	ctx := context.Background()

	created, err := kv.SetNX(ctx, "lock", []byte("a"), 0)
	if err != nil {
		t.Fatalf("SetNX() error = %v", err)
	}
	if !created {
		t.Fatal("first SetNX() = false, want true")
	}

	created, err = kv.SetNX(ctx, "lock", []byte("b"), 0)
	if err != nil {
		t.Fatalf("SetNX() second call error = %v", err)
	}
	if created {
		t.Error("second SetNX() = true, want false")
	}

	// Original value must survive the losing write.
	got, _ := kv.Get(ctx, "lock")
	if string(got) != "a" {
		t.Errorf("value after losing SetNX = %q, want %q", got, "a")
	}
}

func TestSetNXAfterExpiry(t *testing.T) {
	kv := newTestKV(t)
	ctx := context.Background()

	kv.SetNX(ctx, "lock", []byte("a"), 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	created, err := kv.SetNX(ctx, "lock", []byte("b"), 0)
	if err != nil {
		t.Fatalf("SetNX() error = %v", err)
	}
	if !created {
		t.Error("SetNX() after expiry = false, want true")
	}
}

// TestSetNXConcurrent verifies the atomic conditional-set contract: exactly
// one of N concurrent callers wins.
func TestSetNXConcurrent(t *testing.T) {
	kv := newTestKV(t)
	ctx := context.Background()

	const callers = 50
	var wg sync.WaitGroup
	wins := make(chan bool, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := kv.SetNX(ctx, "contended", []byte("x"), 0)
			if err != nil {
				t.Errorf("SetNX() error = %v", err)
				return
			}
			wins <- created
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for won := range wins {
		if won {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("SetNX winners = %d, want exactly 1", winners)
	}
}

func TestDelete(t *testing.T) {
	kv := newTestKV(t)
	ctx := context.Background()

	kv.Set(ctx, "k", []byte("v"), 0)
	if err := kv.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := kv.Get(ctx, "k"); !kvstore.IsNotFound(err) {
		t.Errorf("Get(deleted) error = %v, want ErrNotFound", err)
	}

	// Deleting a missing key is not an error.
	if err := kv.Delete(ctx, "k"); err != nil {
		t.Errorf("Delete(missing) error = %v", err)
	}
}

func TestSetMembership(t *testing.T) {
	kv := newTestKV(t)
	ctx := context.Background()

	for _, m := range []string{"a", "b", "a"} {
		if err := kv.SAdd(ctx, "set1", m); err != nil {
			t.Fatalf("SAdd() error = %v", err)
		}
	}

	members, err := kv.SMembers(ctx, "set1")
	if err != nil {
		t.Fatalf("SMembers() error = %v", err)
	}
	if len(members) != 2 {
		t.Errorf("SMembers() returned %d members, want 2 (deduplicated)", len(members))
	}

	empty, err := kv.SMembers(ctx, "nosuchset")
	if err != nil {
		t.Fatalf("SMembers(missing) error = %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("SMembers(missing) = %v, want empty", empty)
	}
}
