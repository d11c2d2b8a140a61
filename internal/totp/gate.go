package totp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basket/leash/internal/persistence"
)

// SessionGate composes the daemon client with the session cache: a verified
// code mints a "remember me" session so the operator is not re-challenged on
// every message. All failure paths narrow to deny; in particular a daemon
// outage is surfaced as ErrDaemonUnavailable, never as "no TOTP configured".
type SessionGate struct {
	store      *persistence.Store
	client     *Client
	sessionTTL time.Duration
}

// NewSessionGate wires the gate. A non-positive ttl takes the store default.
func NewSessionGate(store *persistence.Store, client *Client, sessionTTL time.Duration) *SessionGate {
	if sessionTTL <= 0 {
		sessionTTL = persistence.DefaultTOTPSessionTTL
	}
	return &SessionGate{store: store, client: client, sessionTTL: sessionTTL}
}

// Enabled reports whether the chat's linked user has TOTP enrolled.
func (g *SessionGate) Enabled(ctx context.Context, chatID int64) (bool, error) {
	localUserID, err := g.store.LocalUserForChat(ctx, chatID)
	if err != nil {
		return false, err
	}
	return g.client.Check(ctx, localUserID)
}

// Confirm verifies a code for the chat's linked user and, on success,
// refreshes the user's session. Returns the local user id the chat resolved
// to.
func (g *SessionGate) Confirm(ctx context.Context, chatID int64, code string) (string, error) {
	localUserID, err := g.store.LocalUserForChat(ctx, chatID)
	if err != nil {
		return "", err
	}
	if err := g.client.Verify(ctx, localUserID, code); err != nil {
		return "", err
	}
	if _, err := g.store.UpsertTOTPSession(ctx, localUserID, g.sessionTTL); err != nil {
		return "", fmt.Errorf("record totp session: %w", err)
	}
	return localUserID, nil
}

// HasSession reports whether the chat's linked user verified recently. An
// unlinked chat propagates persistence.ErrNoIdentityLink so callers can tell
// "never linked" from "session lapsed".
func (g *SessionGate) HasSession(ctx context.Context, chatID int64) (bool, error) {
	_, err := g.store.TOTPSessionByChat(ctx, chatID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, persistence.ErrNoTOTPSession):
		return false, nil
	default:
		return false, err
	}
}

// Logout invalidates the chat's session on demand.
func (g *SessionGate) Logout(ctx context.Context, chatID int64) error {
	localUserID, err := g.store.LocalUserForChat(ctx, chatID)
	if err != nil {
		return err
	}
	return g.store.InvalidateTOTPSession(ctx, localUserID)
}
