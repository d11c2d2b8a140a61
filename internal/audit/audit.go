// Package audit records every trust decision the relay makes: approvals
// created, consumed, denied, token verifications, TOTP outcomes. Entries go
// to an append-only JSONL file and, when a database is attached, the
// audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/leash/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Decision  string `json:"decision"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
	Actor     string `json:"actor,omitempty"`
	Subject   string `json:"subject,omitempty"`
}

// Log writes audit entries. It is owned by the process composition root and
// passed by handle to the services that record decisions; there is no
// package-level state.
type Log struct {
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
}

// Open creates (or appends to) <homeDir>/logs/audit.jsonl.
func Open(homeDir string) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f}, nil
}

// SetDB attaches the relay database so entries are mirrored to audit_log.
func (l *Log) SetDB(d *sql.DB) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.db = d
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// DenyCount returns the total number of deny decisions since startup.
func (l *Log) DenyCount() int64 {
	return l.denyCount.Load()
}

// Record persists one decision. Reason and subject are redacted before they
// touch disk; a token accidentally placed in either must not survive.
func (l *Log) Record(decision, action, reason, actor, subject string) {
	if decision == "deny" {
		l.denyCount.Add(1)
	}

	reason = shared.Redact(reason)
	subject = shared.Redact(subject)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Decision:  decision,
			Action:    action,
			Reason:    reason,
			Actor:     actor,
			Subject:   subject,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = l.file.Write(append(b, '\n'))
		}
	}

	if l.db != nil {
		_, _ = l.db.ExecContext(context.Background(), `
			INSERT INTO audit_log (actor, action, decision, reason, subject)
			VALUES (?, ?, ?, ?, ?);
		`, actor, action, decision, reason, subject)
	}
}
