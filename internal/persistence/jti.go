package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basket/leash/internal/bus"
)

// ErrJTIReplayed is returned when a token's jti has already been admitted.
var ErrJTIReplayed = errors.New("jti already consumed")

// RecordJTI admits a token id exactly once. The unique insert is the sole
// admission test. There is no read-then-write, so concurrent verifications
// of the same token cannot both succeed.
func (s *Store) RecordJTI(ctx context.Context, jti string, exp time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO approval_jti (jti, exp, used_at) VALUES (?, ?, ?);
		`, jti, exp.UnixMilli(), time.Now().UnixMilli())
		if isUniqueViolation(err) {
			if s.bus != nil {
				s.bus.Publish(bus.TopicTokenReplayed, jti)
			}
			return ErrJTIReplayed
		}
		if err != nil {
			return fmt.Errorf("record jti: %w", err)
		}
		return nil
	})
}

// SweepExpiredJTIs deletes replay records whose tokens can no longer verify
// anyway (past exp) and returns the count.
func (s *Store) SweepExpiredJTIs(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM approval_jti WHERE exp < ?;`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweep jtis: %w", err)
	}
	return res.RowsAffected()
}
