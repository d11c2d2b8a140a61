package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DefaultTOTPSessionTTL is the "remember me" window after a successful
// verification.
const DefaultTOTPSessionTTL = 24 * time.Hour

// ErrNoTOTPSession is returned when a user has no live verified session.
var ErrNoTOTPSession = errors.New("no verified totp session")

// TOTPSession records that a local user recently proved their identity.
// One row per user: re-verification refreshes, it never accumulates.
type TOTPSession struct {
	LocalUserID string
	VerifiedAt  time.Time
	ExpiresAt   time.Time
}

// UpsertTOTPSession records a fresh verification for the user.
func (s *Store) UpsertTOTPSession(ctx context.Context, localUserID string, ttl time.Duration) (*TOTPSession, error) {
	if ttl <= 0 {
		ttl = DefaultTOTPSessionTTL
	}
	now := time.Now()
	sess := &TOTPSession{
		LocalUserID: localUserID,
		VerifiedAt:  now,
		ExpiresAt:   now.Add(ttl),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO totp_sessions (local_user_id, verified_at, expires_at)
		VALUES (?, ?, ?);
	`, sess.LocalUserID, sess.VerifiedAt.UnixMilli(), sess.ExpiresAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("upsert totp session: %w", err)
	}
	return sess, nil
}

// TOTPSessionForUser returns the live session for a user, deleting and
// reporting none when the stored row is stale.
func (s *Store) TOTPSessionForUser(ctx context.Context, localUserID string) (*TOTPSession, error) {
	var (
		sess                  TOTPSession
		verifiedMs, expiresMs int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT local_user_id, verified_at, expires_at FROM totp_sessions WHERE local_user_id = ?;
	`, localUserID).Scan(&sess.LocalUserID, &verifiedMs, &expiresMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoTOTPSession
	}
	if err != nil {
		return nil, fmt.Errorf("select totp session: %w", err)
	}
	sess.VerifiedAt = time.UnixMilli(verifiedMs)
	sess.ExpiresAt = time.UnixMilli(expiresMs)

	if time.Now().After(sess.ExpiresAt) {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM totp_sessions WHERE local_user_id = ?;`, localUserID); err != nil {
			return nil, fmt.Errorf("delete stale totp session: %w", err)
		}
		return nil, ErrNoTOTPSession
	}
	return &sess, nil
}

// TOTPSessionByChat resolves chat → local user via the identity link, then
// checks for a live session. ErrNoIdentityLink propagates distinctly so
// callers do not confuse "unlinkable chat" with "not verified".
func (s *Store) TOTPSessionByChat(ctx context.Context, chatID int64) (*TOTPSession, error) {
	localUserID, err := s.LocalUserForChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return s.TOTPSessionForUser(ctx, localUserID)
}

// InvalidateTOTPSession clears a user's session on demand (operator logout).
func (s *Store) InvalidateTOTPSession(ctx context.Context, localUserID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM totp_sessions WHERE local_user_id = ?;`, localUserID); err != nil {
		return fmt.Errorf("invalidate totp session: %w", err)
	}
	return nil
}

// SweepExpiredTOTPSessions deletes stale sessions and returns the count.
func (s *Store) SweepExpiredTOTPSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM totp_sessions WHERE expires_at < ?;`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweep totp sessions: %w", err)
	}
	return res.RowsAffected()
}
