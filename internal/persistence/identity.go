package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNoIdentityLink is returned when a chat has no linked local user. Without
// a link, TOTP and approval-consumption-by-identity are unavailable for that
// chat. Callers must treat this as "cannot verify", never as "verified".
var ErrNoIdentityLink = errors.New("chat has no linked identity")

// IdentityLink maps a chat identity to a stable local-user identity.
type IdentityLink struct {
	ChatID      int64
	LocalUserID string
	LinkedAt    time.Time
	LinkedBy    string
}

// LinkIdentity binds a chat to a local user, replacing any prior link for
// that chat.
func (s *Store) LinkIdentity(ctx context.Context, chatID int64, localUserID, linkedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO identity_links (chat_id, local_user_id, linked_at, linked_by)
		VALUES (?, ?, ?, ?);
	`, chatID, localUserID, time.Now().UnixMilli(), linkedBy)
	if err != nil {
		return fmt.Errorf("link identity: %w", err)
	}
	return nil
}

// UnlinkIdentity removes the link for a chat, if any.
func (s *Store) UnlinkIdentity(ctx context.Context, chatID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM identity_links WHERE chat_id = ?;`, chatID); err != nil {
		return fmt.Errorf("unlink identity: %w", err)
	}
	return nil
}

// LocalUserForChat resolves a chat to its linked local user.
func (s *Store) LocalUserForChat(ctx context.Context, chatID int64) (string, error) {
	var localUserID string
	err := s.db.QueryRowContext(ctx, `
		SELECT local_user_id FROM identity_links WHERE chat_id = ?;
	`, chatID).Scan(&localUserID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoIdentityLink
	}
	if err != nil {
		return "", fmt.Errorf("resolve chat identity: %w", err)
	}
	return localUserID, nil
}

// IdentityLinkForChat returns the full link record for a chat.
func (s *Store) IdentityLinkForChat(ctx context.Context, chatID int64) (*IdentityLink, error) {
	var (
		link     IdentityLink
		linkedMs int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT chat_id, local_user_id, linked_at, linked_by FROM identity_links WHERE chat_id = ?;
	`, chatID).Scan(&link.ChatID, &link.LocalUserID, &linkedMs, &link.LinkedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoIdentityLink
	}
	if err != nil {
		return nil, fmt.Errorf("select identity link: %w", err)
	}
	link.LinkedAt = time.UnixMilli(linkedMs)
	return &link, nil
}
