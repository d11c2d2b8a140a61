package doctor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/leash/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	return &config.Config{
		HomeDir:  home,
		BindAddr: "127.0.0.1:0",
		Session:  config.SessionConfig{ExchangeSecret: "secret"},
		TOTP:     config.TOTPConfig{SocketPath: filepath.Join(home, "totpd.sock"), TimeoutSeconds: 1},
	}
}

func TestCheckConfig(t *testing.T) {
	if got := checkConfig(context.Background(), nil); got.Status != "FAIL" {
		t.Fatalf("nil config: status = %s", got.Status)
	}

	cfg := testConfig(t)
	if got := checkConfig(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("status = %s (%s)", got.Status, got.Message)
	}

	cfg.Session.ExchangeSecret = ""
	if got := checkConfig(context.Background(), cfg); got.Status != "WARN" {
		t.Fatalf("missing secret: status = %s", got.Status)
	}
}

func TestCheckPermissions(t *testing.T) {
	cfg := testConfig(t)
	if got := checkPermissions(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("status = %s (%s)", got.Status, got.Message)
	}
}

func TestCheckDatabase(t *testing.T) {
	cfg := testConfig(t)
	got := checkDatabase(context.Background(), cfg)
	if got.Status != "PASS" {
		t.Fatalf("status = %s (%s)", got.Status, got.Message)
	}
}

func TestCheckSigningKey(t *testing.T) {
	cfg := testConfig(t)
	keyPath := filepath.Join(cfg.HomeDir, "signing.key")

	if got := checkSigningKey(context.Background(), cfg); got.Status != "WARN" {
		t.Fatalf("missing key: status = %s", got.Status)
	}

	if err := os.WriteFile(keyPath, []byte("key material"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := checkSigningKey(context.Background(), cfg); got.Status != "FAIL" {
		t.Fatalf("world-readable key: status = %s", got.Status)
	}

	if err := os.Chmod(keyPath, 0o600); err != nil {
		t.Fatal(err)
	}
	if got := checkSigningKey(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("status = %s (%s)", got.Status, got.Message)
	}
}

func TestCheckTOTPSocketAbsent(t *testing.T) {
	cfg := testConfig(t)
	if got := checkTOTPSocket(context.Background(), cfg); got.Status != "WARN" {
		t.Fatalf("absent socket: status = %s (%s)", got.Status, got.Message)
	}
}

func TestRunCollectsAllChecks(t *testing.T) {
	cfg := testConfig(t)
	diag := Run(context.Background(), cfg, "test")
	if len(diag.Results) != 6 {
		t.Fatalf("got %d results, want 6", len(diag.Results))
	}
	if diag.System.OS == "" || diag.System.Go == "" {
		t.Errorf("system info incomplete: %+v", diag.System)
	}
}
