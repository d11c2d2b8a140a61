package telemetry

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_WritesJSONLAndRedacts(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	logger.Info("token issued",
		"scope", "agent",
		"session_token", "v3:agent:abc:1:2:c2lnbmF0dXJl",
	)
	if err := closer.Close(); err != nil {
		t.Fatalf("close logger: %v", err)
	}

	f, err := os.Open(filepath.Join(home, "logs", LogFileName))
	if err != nil {
		t.Fatalf("open log file: %v", err)
	}
	defer f.Close()

	var found bool
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, "token issued") {
			continue
		}
		found = true
		if !strings.Contains(line, `"timestamp"`) {
			t.Errorf("time key not renamed to timestamp: %s", line)
		}
		if strings.Contains(line, "c2lnbmF0dXJl") {
			t.Errorf("session token leaked into log line: %s", line)
		}
	}
	if !found {
		t.Fatalf("log line not written")
	}
}

func TestShouldRedactKey(t *testing.T) {
	for _, key := range []string{"session_token", "static_secret", "Authorization", "totp_code"} {
		if !shouldRedactKey(key) {
			t.Errorf("key %q should be redacted", key)
		}
	}
	for _, key := range []string{"scope", "chat_id", "nonce"} {
		if shouldRedactKey(key) {
			t.Errorf("key %q should not be redacted", key)
		}
	}
}

func TestParseLevel(t *testing.T) {
	if parseLevel("warn") != slog.LevelWarn {
		t.Errorf("warn not parsed")
	}
	if parseLevel("bogus") != slog.LevelInfo {
		t.Errorf("unknown level should default to info")
	}
}
