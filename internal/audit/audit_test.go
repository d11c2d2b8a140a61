package audit

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecord_WritesJSONLWithRedaction(t *testing.T) {
	home := t.TempDir()
	log, err := Open(home)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}

	log.Record("deny", "gmail.send",
		"token v1.eyJ2ZXIiOjF9aaaa001122.c2lnbmF0dXJlYnl0ZXM was replayed",
		"user-1", "chat-42")
	if err := log.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("open audit file: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatalf("audit file empty")
	}
	line := scanner.Text()
	if !strings.Contains(line, `"decision":"deny"`) {
		t.Errorf("decision missing: %s", line)
	}
	if strings.Contains(line, "c2lnbmF0dXJlYnl0ZXM") {
		t.Errorf("token leaked into audit line: %s", line)
	}
	if !strings.Contains(line, "replayed") {
		t.Errorf("reason context lost: %s", line)
	}
}

func TestDenyCount(t *testing.T) {
	log, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer log.Close()

	log.Record("allow", "calendar.read", "admin bypass", "user-1", "")
	log.Record("deny", "gmail.send", "approval_expired", "user-1", "")
	log.Record("deny", "drive.delete", "approval_mismatch", "user-2", "")

	if got := log.DenyCount(); got != 2 {
		t.Errorf("DenyCount = %d, want 2", got)
	}
}
