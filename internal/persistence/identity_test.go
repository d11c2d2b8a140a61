package persistence

import (
	"context"
	"errors"
	"testing"
)

func TestIdentityLink_Lifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.LocalUserForChat(ctx, 42); !errors.Is(err, ErrNoIdentityLink) {
		t.Fatalf("unlinked: err = %v, want ErrNoIdentityLink", err)
	}

	if err := store.LinkIdentity(ctx, 42, "alice", "admin"); err != nil {
		t.Fatalf("link: %v", err)
	}
	user, err := store.LocalUserForChat(ctx, 42)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if user != "alice" {
		t.Errorf("user = %q, want alice", user)
	}

	// Relinking the same chat replaces the binding.
	if err := store.LinkIdentity(ctx, 42, "bob", "admin"); err != nil {
		t.Fatalf("relink: %v", err)
	}
	user, err = store.LocalUserForChat(ctx, 42)
	if err != nil {
		t.Fatalf("lookup after relink: %v", err)
	}
	if user != "bob" {
		t.Errorf("user = %q, want bob", user)
	}

	link, err := store.IdentityLinkForChat(ctx, 42)
	if err != nil {
		t.Fatalf("full link: %v", err)
	}
	if link.ChatID != 42 || link.LocalUserID != "bob" || link.LinkedBy != "admin" {
		t.Errorf("link = %+v", link)
	}
	if link.LinkedAt.IsZero() {
		t.Errorf("linked_at not recorded")
	}

	if err := store.UnlinkIdentity(ctx, 42); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if _, err := store.LocalUserForChat(ctx, 42); !errors.Is(err, ErrNoIdentityLink) {
		t.Errorf("after unlink: err = %v, want ErrNoIdentityLink", err)
	}
}

func TestIdentityLink_DistinctChats(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.LinkIdentity(ctx, 1, "alice", "admin"); err != nil {
		t.Fatalf("link 1: %v", err)
	}
	if err := store.LinkIdentity(ctx, 2, "alice", "admin"); err != nil {
		t.Fatalf("link 2: %v", err)
	}

	for _, chatID := range []int64{1, 2} {
		user, err := store.LocalUserForChat(ctx, chatID)
		if err != nil {
			t.Fatalf("chat %d: %v", chatID, err)
		}
		if user != "alice" {
			t.Errorf("chat %d user = %q", chatID, user)
		}
	}
}
