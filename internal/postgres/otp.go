package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/funhub-backend/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const otpCols = `id, email, code, device_id, expires_at, used_at, attempts, created_at`

func scanChallenge(row pgx.Row) (*domain.OTPChallenge, error) {
	var c domain.OTPChallenge
	err := row.Scan(&c.ID, &c.Email, &c.Code, &c.DeviceID, &c.ExpiresAt, &c.UsedAt, &c.Attempts, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateChallenge stores a fresh verification code after invalidating any
// still-pending codes for the same email.
func (r *Repository) CreateChallenge(ctx context.Context, email, code, deviceID string, expiresAt time.Time) (*domain.OTPChallenge, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`UPDATE otp_challenges SET used_at = NOW() WHERE email = $1 AND used_at IS NULL AND expires_at > NOW()`,
		email,
	)
	if err != nil {
		return nil, fmt.Errorf("invalidating previous codes: %w", err)
	}

	row := tx.QueryRow(ctx,
		`INSERT INTO otp_challenges (id, email, code, device_id, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+otpCols,
		uuid.NewString(), email, code, deviceID, expiresAt,
	)
	challenge, err := scanChallenge(row)
	if err != nil {
		return nil, fmt.Errorf("inserting challenge: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing challenge: %w", err)
	}
	return challenge, nil
}

// LatestChallenge returns the most recent unused challenge for an email,
// regardless of expiry. Expiry and attempts are judged by the caller.
func (r *Repository) LatestChallenge(ctx context.Context, email string) (*domain.OTPChallenge, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+otpCols+` FROM otp_challenges
		 WHERE email = $1 AND used_at IS NULL
		 ORDER BY created_at DESC LIMIT 1`,
		email,
	)
	challenge, err := scanChallenge(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrCodeInvalid
		}
		return nil, fmt.Errorf("getting latest challenge: %w", err)
	}
	return challenge, nil
}

// ConsumeChallenge marks a challenge used. The conditional update makes
// acceptance single-use: concurrent verifications of the same code race on
// used_at and exactly one wins.
func (r *Repository) ConsumeChallenge(ctx context.Context, challengeID string) (bool, error) {
	result, err := r.pool.Exec(ctx,
		`UPDATE otp_challenges SET used_at = NOW() WHERE id = $1 AND used_at IS NULL`,
		challengeID,
	)
	if err != nil {
		return false, fmt.Errorf("consuming challenge: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// IncrementChallengeAttempts bumps the brute-force counter and returns the
// new value.
func (r *Repository) IncrementChallengeAttempts(ctx context.Context, challengeID string) (int, error) {
	var attempts int
	err := r.pool.QueryRow(ctx,
		`UPDATE otp_challenges SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts`,
		challengeID,
	).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("incrementing attempts: %w", err)
	}
	return attempts, nil
}

// DeleteExpiredChallenges purges unused challenges that expired before the
// cutoff. Storage hygiene only; expiry is enforced at use time.
func (r *Repository) DeleteExpiredChallenges(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx,
		`DELETE FROM otp_challenges WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("deleting expired challenges: %w", err)
	}
	return result.RowsAffected(), nil
}
