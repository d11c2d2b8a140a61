package persistence

import (
	"context"
	"testing"
)

func TestScopeAutoStrict_UnknownScopeDefaultsOff(t *testing.T) {
	store := openTestStore(t)

	strict, err := store.ScopeAutoStrict(context.Background(), "agent-unknown")
	if err != nil {
		t.Fatalf("auto strict: %v", err)
	}
	if strict {
		t.Errorf("unknown scope reported strict")
	}
}

func TestScopeStrict_StickyAcrossRotations(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.MarkScopeStrict(ctx, "agent-main"); err != nil {
		t.Fatalf("mark strict: %v", err)
	}
	strict, err := store.ScopeAutoStrict(ctx, "agent-main")
	if err != nil || !strict {
		t.Fatalf("strict = %v, err = %v", strict, err)
	}

	// Subsequent rotations must not clear the flag.
	if err := store.MarkScopeRotated(ctx, "agent-main", "sess-2"); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	strict, err = store.ScopeAutoStrict(ctx, "agent-main")
	if err != nil || !strict {
		t.Errorf("strict flag lost after rotation: strict = %v, err = %v", strict, err)
	}
}

func TestMarkScopeRotated_TracksCurrentSession(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.MarkScopeRotated(ctx, "agent-main", "sess-1"); err != nil {
		t.Fatalf("rotate 1: %v", err)
	}
	if err := store.MarkScopeRotated(ctx, "agent-main", "sess-2"); err != nil {
		t.Fatalf("rotate 2: %v", err)
	}

	rec, err := store.ScopeRecordFor(ctx, "agent-main")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec == nil {
		t.Fatal("record missing")
	}
	if rec.CurrentSessionID != "sess-2" {
		t.Errorf("current session = %q, want sess-2", rec.CurrentSessionID)
	}
	if rec.RotatedAt.IsZero() {
		t.Errorf("rotated_at not recorded")
	}
}

func TestScopeRecordFor_AbsentScope(t *testing.T) {
	store := openTestStore(t)

	rec, err := store.ScopeRecordFor(context.Background(), "agent-none")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec != nil {
		t.Errorf("expected nil record for absent scope, got %+v", rec)
	}
}
