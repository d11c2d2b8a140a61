package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/leash/internal/persistence"
)

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := `
# comment
LEASH_TEST_A=alpha
LEASH_TEST_B = beta
=no-key
not-a-pair
LEASH_TEST_EXISTING=from-file
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LEASH_TEST_EXISTING", "from-env")
	t.Setenv("LEASH_TEST_A", "")
	t.Setenv("LEASH_TEST_B", "")

	loadDotEnv(path)

	if got := os.Getenv("LEASH_TEST_A"); got != "alpha" {
		t.Errorf("LEASH_TEST_A = %q", got)
	}
	if got := os.Getenv("LEASH_TEST_B"); got != "beta" {
		t.Errorf("LEASH_TEST_B = %q", got)
	}
	// Existing environment wins over the file.
	if got := os.Getenv("LEASH_TEST_EXISTING"); got != "from-env" {
		t.Errorf("LEASH_TEST_EXISTING = %q", got)
	}
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	// Must be a no-op, not a panic.
	loadDotEnv(filepath.Join(t.TempDir(), "nope.env"))
}

func TestRunLinkCommand(t *testing.T) {
	home := t.TempDir()
	t.Setenv("LEASH_HOME", home)
	ctx := context.Background()

	if code := runLinkCommand(ctx, []string{"42"}); code != 2 {
		t.Errorf("missing user: exit = %d, want 2", code)
	}
	if code := runLinkCommand(ctx, []string{"not-a-number", "alice"}); code != 2 {
		t.Errorf("bad chat id: exit = %d, want 2", code)
	}

	if code := runLinkCommand(ctx, []string{"42", "alice"}); code != 0 {
		t.Fatalf("link: exit = %d, want 0", code)
	}

	store, err := persistence.Open(filepath.Join(home, "leash.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	user, err := store.LocalUserForChat(ctx, 42)
	if err != nil {
		t.Fatalf("resolve link: %v", err)
	}
	if user != "alice" {
		t.Errorf("linked user = %q, want alice", user)
	}
}
