package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ScopeRecord is the durable half of a session-token scope's state. The
// in-memory ScopeState (current/previous tokens, grace timers) lives in the
// session manager; auto-strict must survive restart so the static-secret
// window never silently reopens.
type ScopeRecord struct {
	Scope            string
	AutoStrict       bool
	CurrentSessionID string
	RotatedAt        time.Time
}

// MarkScopeRotated upserts the scope's bookkeeping after an issue/rotation.
func (s *Store) MarkScopeRotated(ctx context.Context, scope, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_scopes (scope, current_session_id, rotated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(scope) DO UPDATE SET current_session_id = excluded.current_session_id,
		                                 rotated_at = excluded.rotated_at;
	`, scope, sessionID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("mark scope rotated: %w", err)
	}
	return nil
}

// MarkScopeStrict records that the scope completed its bootstrap exchange.
// Once set it is never cleared by this subsystem.
func (s *Store) MarkScopeStrict(ctx context.Context, scope string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_scopes (scope, auto_strict) VALUES (?, 1)
		ON CONFLICT(scope) DO UPDATE SET auto_strict = 1;
	`, scope)
	if err != nil {
		return fmt.Errorf("mark scope strict: %w", err)
	}
	return nil
}

// ScopeAutoStrict reports whether static-secret authentication is refused
// for the scope. Unknown scopes are not yet strict.
func (s *Store) ScopeAutoStrict(ctx context.Context, scope string) (bool, error) {
	var strict int
	err := s.db.QueryRowContext(ctx, `SELECT auto_strict FROM token_scopes WHERE scope = ?;`, scope).Scan(&strict)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read scope strictness: %w", err)
	}
	return strict != 0, nil
}

// ScopeRecordFor returns the stored bookkeeping for a scope, or nil when the
// scope has never exchanged or rotated.
func (s *Store) ScopeRecordFor(ctx context.Context, scope string) (*ScopeRecord, error) {
	var (
		rec       ScopeRecord
		strict    int
		sessionID sql.NullString
		rotatedMs sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT scope, auto_strict, current_session_id, rotated_at FROM token_scopes WHERE scope = ?;
	`, scope).Scan(&rec.Scope, &strict, &sessionID, &rotatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select scope record: %w", err)
	}
	rec.AutoStrict = strict != 0
	rec.CurrentSessionID = sessionID.String
	if rotatedMs.Valid {
		rec.RotatedAt = time.UnixMilli(rotatedMs.Int64)
	}
	return &rec, nil
}
