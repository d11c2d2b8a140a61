package totp

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/leash/internal/persistence"
)

func newTestGate(t *testing.T) (*SessionGate, *Client, *persistence.Store) {
	t.Helper()
	_, c := startTestDaemon(t)
	store, err := persistence.Open(filepath.Join(t.TempDir(), "leash.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewSessionGate(store, c, time.Hour), c, store
}

func TestSessionGate_ConfirmAndRemember(t *testing.T) {
	gate, c, store := newTestGate(t)
	ctx := context.Background()

	if err := store.LinkIdentity(ctx, 7, "alice", "admin"); err != nil {
		t.Fatalf("link: %v", err)
	}
	uri, err := c.Setup(ctx, "alice", "alice")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	secret := secretFromURI(t, uri)

	has, err := gate.HasSession(ctx, 7)
	if err != nil || has {
		t.Fatalf("before confirm: has = %v, err = %v", has, err)
	}

	if _, err := gate.Confirm(ctx, 7, "000000"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("wrong code: err = %v", err)
	}
	has, err = gate.HasSession(ctx, 7)
	if err != nil || has {
		t.Fatalf("after failed confirm: has = %v, err = %v", has, err)
	}

	user, err := gate.Confirm(ctx, 7, currentCode(secret))
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if user != "alice" {
		t.Errorf("confirmed user = %q", user)
	}
	has, err = gate.HasSession(ctx, 7)
	if err != nil || !has {
		t.Fatalf("after confirm: has = %v, err = %v", has, err)
	}

	if err := gate.Logout(ctx, 7); err != nil {
		t.Fatalf("logout: %v", err)
	}
	has, err = gate.HasSession(ctx, 7)
	if err != nil || has {
		t.Fatalf("after logout: has = %v, err = %v", has, err)
	}
}

func TestSessionGate_UnlinkedChat(t *testing.T) {
	gate, _, _ := newTestGate(t)
	ctx := context.Background()

	if _, err := gate.Confirm(ctx, 99, "123456"); !errors.Is(err, persistence.ErrNoIdentityLink) {
		t.Fatalf("confirm: err = %v, want ErrNoIdentityLink", err)
	}
	if _, err := gate.HasSession(ctx, 99); !errors.Is(err, persistence.ErrNoIdentityLink) {
		t.Fatalf("has session: err = %v, want ErrNoIdentityLink", err)
	}
	if _, err := gate.Enabled(ctx, 99); !errors.Is(err, persistence.ErrNoIdentityLink) {
		t.Fatalf("enabled: err = %v, want ErrNoIdentityLink", err)
	}
}

func TestSessionGate_DaemonDownIsNotDisabled(t *testing.T) {
	d, c := startTestDaemon(t)
	store, err := persistence.Open(filepath.Join(t.TempDir(), "leash.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	gate := NewSessionGate(store, c, time.Hour)
	ctx := context.Background()

	if err := store.LinkIdentity(ctx, 7, "alice", "admin"); err != nil {
		t.Fatalf("link: %v", err)
	}
	d.Stop()

	// An outage must surface as unavailable, not as "TOTP off".
	if _, err := gate.Enabled(ctx, 7); !errors.Is(err, ErrDaemonUnavailable) {
		t.Fatalf("enabled during outage: err = %v, want ErrDaemonUnavailable", err)
	}
	if _, err := gate.Confirm(ctx, 7, "123456"); !errors.Is(err, ErrDaemonUnavailable) {
		t.Fatalf("confirm during outage: err = %v, want ErrDaemonUnavailable", err)
	}
}
