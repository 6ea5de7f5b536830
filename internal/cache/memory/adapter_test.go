package memory

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAdapterGetSet(t *testing.T) {
	ctx := context.Background()
	a := NewAdapter()

	roles, gen, hit, err := a.Get(ctx, "p-1", "docs")
	if err != nil || hit || roles != nil {
		t.Fatalf("empty cache: roles=%v hit=%v err=%v", roles, hit, err)
	}

	if err := a.Set(ctx, "p-1", "docs", []string{"viewer", "editor"}, time.Minute, gen); err != nil {
		t.Fatalf("Set: %v", err)
	}
	roles, _, hit, err = a.Get(ctx, "p-1", "docs")
	if err != nil || !hit || len(roles) != 2 {
		t.Fatalf("after Set: roles=%v hit=%v err=%v", roles, hit, err)
	}

	// The cached slice must be isolated from caller mutation.
	roles[0] = "mutated"
	roles, _, _, _ = a.Get(ctx, "p-1", "docs")
	if roles[0] != "viewer" {
		t.Fatalf("cache shares its backing slice: %v", roles)
	}

	// An empty role set is a valid cached value, distinct from a miss.
	if err := a.Set(ctx, "p-2", "docs", nil, time.Minute, 0); err != nil {
		t.Fatalf("Set empty: %v", err)
	}
	roles, _, hit, err = a.Get(ctx, "p-2", "docs")
	if err != nil || !hit || len(roles) != 0 {
		t.Fatalf("empty role set: roles=%v hit=%v err=%v", roles, hit, err)
	}
}

func TestAdapterSetValidation(t *testing.T) {
	ctx := context.Background()
	a := NewAdapter()
	if err := a.Set(ctx, "", "docs", nil, time.Minute, 0); err == nil {
		t.Fatalf("empty principal accepted")
	}
	if err := a.Set(ctx, "p-1", "", nil, time.Minute, 0); err == nil {
		t.Fatalf("empty application accepted")
	}
	if err := a.Set(ctx, "p-1", "docs", nil, 0, 0); !errors.Is(err, ErrInvalidTTL) {
		t.Fatalf("zero ttl: %v", err)
	}
	if err := a.Set(ctx, "p-1", "docs", nil, -time.Second, 0); !errors.Is(err, ErrInvalidTTL) {
		t.Fatalf("negative ttl: %v", err)
	}
}

func TestAdapterExpiry(t *testing.T) {
	ctx := context.Background()
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := NewAdapter(WithClock(func() time.Time { return current }))

	if err := a.Set(ctx, "p-1", "docs", []string{"viewer"}, time.Minute, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, _, hit, _ := a.Get(ctx, "p-1", "docs"); !hit {
		t.Fatalf("fresh entry missed")
	}

	current = current.Add(2 * time.Minute)
	if _, _, hit, _ := a.Get(ctx, "p-1", "docs"); hit {
		t.Fatalf("expired entry served")
	}
	// The expired read also removed the entry.
	if a.Len() != 0 {
		t.Fatalf("expired entry retained: %d", a.Len())
	}
}

func TestAdapterInvalidatePrincipal(t *testing.T) {
	ctx := context.Background()
	a := NewAdapter()
	for _, app := range []string{"docs", "billing"} {
		if err := a.Set(ctx, "p-1", app, []string{"viewer"}, time.Minute, 0); err != nil {
			t.Fatalf("Set %s: %v", app, err)
		}
	}
	if err := a.Set(ctx, "p-2", "docs", []string{"viewer"}, time.Minute, 0); err != nil {
		t.Fatalf("Set p-2: %v", err)
	}

	if err := a.InvalidatePrincipal(ctx, "p-1"); err != nil {
		t.Fatalf("InvalidatePrincipal: %v", err)
	}
	if _, _, hit, _ := a.Get(ctx, "p-1", "docs"); hit {
		t.Fatalf("p-1 docs survived invalidation")
	}
	if _, _, hit, _ := a.Get(ctx, "p-1", "billing"); hit {
		t.Fatalf("p-1 billing survived invalidation")
	}
	if _, _, hit, _ := a.Get(ctx, "p-2", "docs"); !hit {
		t.Fatalf("invalidation crossed principals")
	}
}

func TestSetWithStaleGenerationIsDropped(t *testing.T) {
	ctx := context.Background()
	a := NewAdapter()

	_, gen, _, err := a.Get(ctx, "p-1", "docs")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := a.InvalidatePrincipal(ctx, "p-1"); err != nil {
		t.Fatalf("InvalidatePrincipal: %v", err)
	}

	// The generation sampled before the invalidation no longer matches, so
	// the population must not land.
	if err := a.Set(ctx, "p-1", "docs", []string{"editor"}, time.Minute, gen); err != nil {
		t.Fatalf("stale Set: %v", err)
	}
	if _, _, hit, _ := a.Get(ctx, "p-1", "docs"); hit {
		t.Fatalf("stale population landed")
	}

	// A generation sampled after the invalidation writes normally.
	_, gen, _, _ = a.Get(ctx, "p-1", "docs")
	if err := a.Set(ctx, "p-1", "docs", []string{"editor"}, time.Minute, gen); err != nil {
		t.Fatalf("fresh Set: %v", err)
	}
	if _, _, hit, _ := a.Get(ctx, "p-1", "docs"); !hit {
		t.Fatalf("fresh population missed")
	}
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := NewAdapter(WithClock(func() time.Time { return current }))

	if err := a.Set(ctx, "p-1", "docs", []string{"viewer"}, time.Minute, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := a.Set(ctx, "p-2", "docs", []string{"viewer"}, time.Hour, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	current = current.Add(30 * time.Minute)
	a.Sweep()
	if a.Len() != 1 {
		t.Fatalf("sweep kept %d entries, want 1", a.Len())
	}
	if _, _, hit, _ := a.Get(ctx, "p-2", "docs"); !hit {
		t.Fatalf("sweep removed a live entry")
	}
}
