package crisis_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/northstar-ai/northstar/internal/crisis"
	"github.com/northstar-ai/northstar/internal/kvstore"
	"github.com/northstar-ai/northstar/pkg/models"
)

func newTestManager(t *testing.T) *crisis.Manager {
	t.Helper()
	kv := kvstore.NewMemory()
	t.Cleanup(func() { kv.Close() })
	return crisis.NewManager(kv)
}

func TestCreateAndGetActive(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	created, err := m.Create(ctx, "user-1", "act-1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if created.Status != models.CrisisActive {
		t.Errorf("Status = %q, want active", created.Status)
	}

	got, err := m.GetActive(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetActive() error = %v", err)
	}
	if got == nil || got.ID != created.ID {
		t.Errorf("GetActive() = %+v, want session %s", got, created.ID)
	}
}

func TestGetActiveNone(t *testing.T) {
	m := newTestManager(t)

	got, err := m.GetActive(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("GetActive() error = %v", err)
	}
	if got != nil {
		t.Errorf("GetActive() = %+v, want nil", got)
	}
}

func TestAtMostOneActive(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	first, err := m.Create(ctx, "user-1", "act-1")
	if err != nil {
		t.Fatalf("first Create() error = %v", err)
	}

	second, err := m.Create(ctx, "user-1", "act-2")
	if !errors.Is(err, crisis.ErrAlreadyActive) {
		t.Fatalf("second Create() error = %v, want ErrAlreadyActive", err)
	}
	if second == nil || second.ID != first.ID {
		t.Errorf("second Create() returned %+v, want the existing session %s", second, first.ID)
	}
}

// TestConcurrentCreate verifies the invariant holds under racing creates,
// not just sequential check-then-create.
func TestConcurrentCreate(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	const callers = 20
	var wg sync.WaitGroup
	wins := make(chan bool, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Create(ctx, "user-1", "act")
			wins <- err == nil
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
		t.Errorf("successful creates = %d, want exactly 1", winners)
	}
}

func TestResolve(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	session, _ := m.Create(ctx, "user-1", "act-1")
	if err := m.Resolve(ctx, session.ID); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	got, err := m.GetActive(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetActive() after resolve error = %v", err)
	}
	if got != nil {
		t.Errorf("GetActive() after resolve = %+v, want nil", got)
	}
}

func TestResolveIdempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	session, _ := m.Create(ctx, "user-1", "act-1")
	if err := m.Resolve(ctx, session.ID); err != nil {
		t.Fatalf("first Resolve() error = %v", err)
	}
	if err := m.Resolve(ctx, session.ID); err != nil {
		t.Errorf("second Resolve() error = %v, want nil (idempotent)", err)
	}
}

func TestResolveUnknownSession(t *testing.T) {
	m := newTestManager(t)

	if err := m.Resolve(context.Background(), "no-such-id"); err == nil {
		t.Error("Resolve(unknown) error = nil, want error")
	}
}

func TestCreateAfterResolve(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	first, _ := m.Create(ctx, "user-1", "act-1")
	m.Resolve(ctx, first.ID)

	second, err := m.Create(ctx, "user-1", "act-2")
	if err != nil {
		t.Fatalf("Create() after resolve error = %v", err)
	}
	if second.ID == first.ID {
		t.Error("new session reused the resolved session's ID")
	}

	// Both sessions remain in history; nothing is deleted.
	history, err := m.History(ctx, "user-1")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Errorf("History() has %d sessions, want 2", len(history))
	}
}
