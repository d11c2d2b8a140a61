// Package doctor runs local diagnostic checks for a leash installation: the
// config, the store, the signing key, the TOTP daemon socket, and the relay
// itself.
package doctor

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/leash/internal/config"
	"github.com/basket/leash/internal/persistence"
	"github.com/basket/leash/internal/totp"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkSigningKey,
		checkTOTPSocket,
		checkRelay,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

// Failed reports whether any check ended in FAIL.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.Session.ExchangeSecret == "" {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: fmt.Sprintf("Loaded from %s, but no exchange secret is set", cfg.HomeDir),
			Detail:  "Set session.exchange_secret or LEASH_EXCHANGE_SECRET; agents cannot bootstrap without it",
		}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "leash.db"), nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	if err := store.DB().PingContext(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Ping failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid"}
}

func checkSigningKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Signing key", Status: "SKIP", Message: "Config missing"}
	}
	path := filepath.Join(cfg.HomeDir, "signing.key")
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return CheckResult{
			Name:    "Signing key",
			Status:  "WARN",
			Message: "No signing key yet",
			Detail:  "The relay generates one on first start",
		}
	}
	if err != nil {
		return CheckResult{Name: "Signing key", Status: "FAIL", Message: fmt.Sprintf("Stat failed: %v", err)}
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		return CheckResult{
			Name:    "Signing key",
			Status:  "FAIL",
			Message: fmt.Sprintf("Key file mode is %o, want 600", perm),
			Detail:  path,
		}
	}
	return CheckResult{Name: "Signing key", Status: "PASS", Message: "Present with correct permissions"}
}

func checkTOTPSocket(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "TOTP daemon", Status: "SKIP", Message: "Config missing"}
	}
	info, err := os.Stat(cfg.TOTP.SocketPath)
	if os.IsNotExist(err) {
		return CheckResult{
			Name:    "TOTP daemon",
			Status:  "WARN",
			Message: "Socket not present (daemon not running)",
			Detail:  "Identity-gated approvals will fail closed until `leash totpd` runs",
		}
	}
	if err != nil {
		return CheckResult{Name: "TOTP daemon", Status: "FAIL", Message: fmt.Sprintf("Stat failed: %v", err)}
	}
	if info.Mode().Type() != fs.ModeSocket {
		return CheckResult{Name: "TOTP daemon", Status: "FAIL", Message: "Socket path is not a unix socket", Detail: cfg.TOTP.SocketPath}
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		return CheckResult{
			Name:    "TOTP daemon",
			Status:  "FAIL",
			Message: fmt.Sprintf("Socket mode is %o, want 600", perm),
			Detail:  cfg.TOTP.SocketPath,
		}
	}

	client, err := totp.NewClient(cfg.TOTP.SocketPath, time.Duration(cfg.TOTP.TimeoutSeconds)*time.Second)
	if err != nil {
		return CheckResult{Name: "TOTP daemon", Status: "FAIL", Message: fmt.Sprintf("Client init: %v", err)}
	}
	if err := client.Ping(ctx); err != nil {
		return CheckResult{Name: "TOTP daemon", Status: "FAIL", Message: fmt.Sprintf("Ping failed: %v", err)}
	}
	return CheckResult{Name: "TOTP daemon", Status: "PASS", Message: "Socket secured and daemon responding"}
}

func checkRelay(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Relay", Status: "SKIP", Message: "Config missing"}
	}
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, "http://"+cfg.BindAddr+"/healthz", nil)
	if err != nil {
		return CheckResult{Name: "Relay", Status: "FAIL", Message: fmt.Sprintf("Request: %v", err)}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return CheckResult{
			Name:    "Relay",
			Status:  "WARN",
			Message: "Relay not reachable (not running?)",
			Detail:  cfg.BindAddr,
		}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return CheckResult{Name: "Relay", Status: "FAIL", Message: fmt.Sprintf("healthz returned %d", resp.StatusCode)}
	}
	return CheckResult{Name: "Relay", Status: "PASS", Message: "healthz OK"}
}
