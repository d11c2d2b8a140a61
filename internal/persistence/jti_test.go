package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRecordJTI_ReplayRejected(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	exp := time.Now().Add(5 * time.Minute)

	if err := store.RecordJTI(ctx, "jti-1", exp); err != nil {
		t.Fatalf("first admission: %v", err)
	}
	if err := store.RecordJTI(ctx, "jti-1", exp); !errors.Is(err, ErrJTIReplayed) {
		t.Errorf("second admission: err = %v, want ErrJTIReplayed", err)
	}
	if err := store.RecordJTI(ctx, "jti-2", exp); err != nil {
		t.Errorf("distinct jti rejected: %v", err)
	}
}

func TestRecordJTI_ConcurrentAdmission(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	exp := time.Now().Add(5 * time.Minute)

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- store.RecordJTI(ctx, "contended", exp)
		}()
	}
	wg.Wait()
	close(results)

	var admitted, replayed int
	for err := range results {
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, ErrJTIReplayed):
			replayed++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if admitted != 1 {
		t.Errorf("admitted = %d, want exactly 1", admitted)
	}
	if replayed != workers-1 {
		t.Errorf("replayed = %d, want %d", replayed, workers-1)
	}
}

func TestSweepExpiredJTIs(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.RecordJTI(ctx, "stale", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("record stale: %v", err)
	}
	if err := store.RecordJTI(ctx, "live", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("record live: %v", err)
	}

	n, err := store.SweepExpiredJTIs(ctx, time.Now())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d, want 1", n)
	}

	// The live record still blocks replay.
	if err := store.RecordJTI(ctx, "live", time.Now().Add(time.Hour)); !errors.Is(err, ErrJTIReplayed) {
		t.Errorf("live jti re-admitted after sweep: %v", err)
	}
}
