// ABOUTME: Challenge persistence for WebAuthn ceremonies
// ABOUTME: Redemption is a single DELETE ... RETURNING so a challenge is consumed at most once

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateChallenge stores a new challenge.
func (s *SQLiteStore) CreateChallenge(ctx context.Context, challenge *Challenge) error {
	query := `
		INSERT INTO challenges (id, type, challenge, session, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.q.ExecContext(ctx, query,
		challenge.ID,
		string(challenge.Kind),
		challenge.Value,
		challenge.Session,
		formatTime(challenge.CreatedAt),
		formatTime(challenge.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("inserting challenge: %w", err)
	}
	return nil
}

// RedeemChallenge deletes and returns the challenge matching id and kind if it
// has not expired at now. A wrong id, wrong kind, expired or already redeemed
// challenge all return ErrNotFound.
func (s *SQLiteStore) RedeemChallenge(ctx context.Context, id string, kind ChallengeKind, now time.Time) (*Challenge, error) {
	query := `
		DELETE FROM challenges
		WHERE id = ? AND type = ? AND expires_at > ?
		RETURNING id, type, challenge, session, created_at, expires_at
	`

	var c Challenge
	var kindStr, createdAt, expiresAt string
	err := s.q.QueryRowContext(ctx, query, id, string(kind), formatTime(now)).Scan(
		&c.ID,
		&kindStr,
		&c.Value,
		&c.Session,
		&createdAt,
		&expiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redeeming challenge: %w", err)
	}

	c.Kind = ChallengeKind(kindStr)
	c.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	c.ExpiresAt, err = parseTime(expiresAt)
	if err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}

	return &c, nil
}

// DeleteExpiredChallenges removes every challenge that expired at or before now.
func (s *SQLiteStore) DeleteExpiredChallenges(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.q.ExecContext(ctx, `DELETE FROM challenges WHERE expires_at <= ?`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("deleting expired challenges: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return n, nil
}
