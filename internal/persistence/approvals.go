package persistence

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/leash/internal/approval"
	"github.com/basket/leash/internal/bus"
)

// DefaultApprovalTTL bounds how long an operator has to confirm an intent.
const DefaultApprovalTTL = 5 * time.Minute

// Consume/deny error taxonomy. Each failure mode is distinct so callers can
// tell an attack (chat mismatch, race) from ordinary staleness.
var (
	ErrApprovalNotFound     = errors.New("approval not found")
	ErrApprovalChatMismatch = errors.New("approval belongs to a different chat")
	ErrApprovalExpired      = errors.New("approval expired")
	ErrApprovalRace         = errors.New("approval consumed concurrently")
)

// PendingApproval is one intent awaiting operator confirmation. At most one
// row exists per chat at any time.
type PendingApproval struct {
	Nonce          string
	RequestID      string
	ChatID         int64
	CreatedAt      time.Time
	ExpiresAt      time.Time
	Tier           approval.Tier
	Body           string
	Media          []string
	Classification approval.Classification
	Confidence     float64
	Reason         string
	FromID         string
	ToID           string
	MessageID      string
}

// newApprovalNonce draws 8 bytes of secure randomness and formats them as
// four dash-separated hex groups (XXXX-XXXX-XXXX-XXXX). 64 bits keeps the
// space infeasible to brute-force within the 5-minute TTL even under flood.
func newApprovalNonce() (string, error) {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("read nonce randomness: %w", err)
	}
	h := strings.ToUpper(hex.EncodeToString(raw[:]))
	return h[0:4] + "-" + h[4:8] + "-" + h[8:12] + "-" + h[12:16], nil
}

// CreateApproval inserts a pending approval for entry.ChatID, atomically
// replacing any approval already pending for that chat. Two simultaneously
// pending approvals for one chat would let an attacker race a legitimate
// confirmation, so the delete and insert share one transaction.
func (s *Store) CreateApproval(ctx context.Context, entry *PendingApproval, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultApprovalTTL
	}
	nonce, err := newApprovalNonce()
	if err != nil {
		return err
	}
	now := time.Now()
	entry.Nonce = nonce
	entry.CreatedAt = now
	entry.ExpiresAt = now.Add(ttl)

	mediaJSON := "[]"
	if len(entry.Media) > 0 {
		b, err := json.Marshal(entry.Media)
		if err != nil {
			return fmt.Errorf("marshal media refs: %w", err)
		}
		mediaJSON = string(b)
	}

	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create approval tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_approvals WHERE chat_id = ?;`, entry.ChatID); err != nil {
			return fmt.Errorf("clear prior approval: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pending_approvals
				(nonce, request_id, chat_id, created_at, expires_at, tier, body, media,
				 obs_classification, obs_confidence, obs_reason, from_id, to_id, message_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`,
			entry.Nonce, entry.RequestID, entry.ChatID,
			entry.CreatedAt.UnixMilli(), entry.ExpiresAt.UnixMilli(),
			string(entry.Tier), entry.Body, mediaJSON,
			string(entry.Classification), entry.Confidence, entry.Reason,
			entry.FromID, entry.ToID, entry.MessageID,
		); err != nil {
			return fmt.Errorf("insert approval: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit create approval tx: %w", err)
		}

		if s.bus != nil {
			s.bus.Publish(bus.TopicApprovalRequested, bus.ApprovalRequested{
				Nonce:     entry.Nonce,
				RequestID: entry.RequestID,
				ChatID:    entry.ChatID,
				Body:      entry.Body,
				ExpiresAt: entry.ExpiresAt.UnixMilli(),
			})
		}
		return nil
	})
}

// ConsumeApproval validates chat ownership and expiry for the given nonce,
// deletes the row, and returns the stored approval. Exactly one row must be
// deleted; any other outcome is a security anomaly and fails closed.
func (s *Store) ConsumeApproval(ctx context.Context, nonce string, chatID int64) (*PendingApproval, error) {
	return s.takeApproval(ctx, nonce, chatID, "consumed")
}

// DenyApproval removes the pending approval without any side effects beyond
// deletion. Ownership is checked the same way as consumption.
func (s *Store) DenyApproval(ctx context.Context, nonce string, chatID int64) (*PendingApproval, error) {
	return s.takeApproval(ctx, nonce, chatID, "denied")
}

func (s *Store) takeApproval(ctx context.Context, nonce string, chatID int64, outcome string) (*PendingApproval, error) {
	var result *PendingApproval
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin take approval tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		entry, err := scanApproval(tx.QueryRowContext(ctx, `
			SELECT nonce, request_id, chat_id, created_at, expires_at, tier, body, media,
			       obs_classification, obs_confidence, obs_reason, from_id, to_id, message_id
			FROM pending_approvals WHERE nonce = ?;
		`, nonce))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrApprovalNotFound
		}
		if err != nil {
			return fmt.Errorf("select approval: %w", err)
		}

		if entry.ChatID != chatID {
			// Do not delete: the legitimate owner may still confirm.
			return ErrApprovalChatMismatch
		}

		if time.Now().After(entry.ExpiresAt) {
			// Stale row: remove it so the sweep has less to do, then reject.
			if _, err := tx.ExecContext(ctx, `DELETE FROM pending_approvals WHERE nonce = ?;`, nonce); err != nil {
				return fmt.Errorf("delete expired approval: %w", err)
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit expired approval delete: %w", err)
			}
			return ErrApprovalExpired
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM pending_approvals WHERE nonce = ? AND chat_id = ?;`, nonce, chatID)
		if err != nil {
			return fmt.Errorf("delete approval: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("approval rows affected: %w", err)
		}
		if affected != 1 {
			return ErrApprovalRace
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit take approval tx: %w", err)
		}

		result = entry
		if s.bus != nil {
			s.bus.Publish(bus.TopicApprovalConsumed, bus.ApprovalResolved{
				Nonce:     entry.Nonce,
				ChatID:    entry.ChatID,
				RequestID: entry.RequestID,
				Outcome:   outcome,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PendingApprovalForChat returns the approval currently pending for a chat,
// or ErrApprovalNotFound.
func (s *Store) PendingApprovalForChat(ctx context.Context, chatID int64) (*PendingApproval, error) {
	entry, err := scanApproval(s.db.QueryRowContext(ctx, `
		SELECT nonce, request_id, chat_id, created_at, expires_at, tier, body, media,
		       obs_classification, obs_confidence, obs_reason, from_id, to_id, message_id
		FROM pending_approvals WHERE chat_id = ?;
	`, chatID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrApprovalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select approval by chat: %w", err)
	}
	return entry, nil
}

// SweepExpiredApprovals deletes rows past their expiry and returns the
// count. Each expired approval is announced on the bus so channels can
// retire the prompt they delivered for it.
func (s *Store) SweepExpiredApprovals(ctx context.Context, now time.Time) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT nonce, chat_id, request_id FROM pending_approvals WHERE expires_at < ?;
	`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("select expired approvals: %w", err)
	}
	var expired []bus.ApprovalResolved
	for rows.Next() {
		var ev bus.ApprovalResolved
		if err := rows.Scan(&ev.Nonce, &ev.ChatID, &ev.RequestID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan expired approval: %w", err)
		}
		ev.Outcome = "expired"
		expired = append(expired, ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate expired approvals: %w", err)
	}

	var swept int64
	for _, ev := range expired {
		res, err := s.db.ExecContext(ctx, `DELETE FROM pending_approvals WHERE nonce = ? AND expires_at < ?;`, ev.Nonce, now.UnixMilli())
		if err != nil {
			return swept, fmt.Errorf("sweep approval: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return swept, fmt.Errorf("sweep rows affected: %w", err)
		}
		if n == 0 {
			// Consumed or denied between select and delete. Not expired.
			continue
		}
		swept += n
		if s.bus != nil {
			s.bus.Publish(bus.TopicApprovalExpired, ev)
		}
	}
	return swept, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (*PendingApproval, error) {
	var (
		entry              PendingApproval
		createdMs, expMs   int64
		tier, class, media string
		reason, fromID     sql.NullString
		toID, messageID    sql.NullString
	)
	err := row.Scan(&entry.Nonce, &entry.RequestID, &entry.ChatID, &createdMs, &expMs,
		&tier, &entry.Body, &media, &class, &entry.Confidence, &reason,
		&fromID, &toID, &messageID)
	if err != nil {
		return nil, err
	}
	entry.CreatedAt = time.UnixMilli(createdMs)
	entry.ExpiresAt = time.UnixMilli(expMs)
	entry.Tier = approval.Tier(tier)
	entry.Classification = approval.Classification(class)
	entry.Reason = reason.String
	entry.FromID = fromID.String
	entry.ToID = toID.String
	entry.MessageID = messageID.String
	if media != "" && media != "[]" {
		if err := json.Unmarshal([]byte(media), &entry.Media); err != nil {
			return nil, fmt.Errorf("unmarshal media refs: %w", err)
		}
	}
	return &entry, nil
}
