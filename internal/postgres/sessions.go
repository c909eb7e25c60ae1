package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/funhub-backend/internal/domain"
	"github.com/jackc/pgx/v5"
)

const sessionCols = `id, player_id, game_id, status, score, min_score, max_score, max_score_rate, max_duration_ms, started_at, expires_at, ended_at`

func scanSession(row pgx.Row) (*domain.GameSession, error) {
	var s domain.GameSession
	var maxDurationMs int64
	err := row.Scan(
		&s.ID, &s.PlayerID, &s.GameID, &s.Status, &s.Score,
		&s.Envelope.MinScore, &s.Envelope.MaxScore, &s.Envelope.MaxScoreRate,
		&maxDurationMs, &s.StartedAt, &s.ExpiresAt, &s.EndedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Envelope.MaxDuration = time.Duration(maxDurationMs) * time.Millisecond
	return &s, nil
}

// CreateSession persists a new active game session with its server-computed
// envelope.
func (r *Repository) CreateSession(ctx context.Context, s *domain.GameSession) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO game_sessions
			(id, player_id, game_id, status, min_score, max_score, max_score_rate, max_duration_ms, started_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.ID, s.PlayerID, s.GameID, s.Status,
		s.Envelope.MinScore, s.Envelope.MaxScore, s.Envelope.MaxScoreRate,
		s.Envelope.MaxDuration.Milliseconds(), s.StartedAt, s.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("creating game session: %w", err)
	}
	return nil
}

// GetSession loads a session by id.
func (r *Repository) GetSession(ctx context.Context, sessionID string) (*domain.GameSession, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+sessionCols+` FROM game_sessions WHERE id = $1`, sessionID)
	s, err := scanSession(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("getting game session: %w", err)
	}
	return s, nil
}

// ConsumeSession performs the active -> consumed transition as a single
// conditional update. Concurrent duplicate submissions of the same token
// race on the status predicate and exactly one wins; the losers see false.
func (r *Repository) ConsumeSession(ctx context.Context, sessionID string, score int64, endedAt time.Time) (bool, error) {
	result, err := r.pool.Exec(ctx,
		`UPDATE game_sessions
		 SET status = $2, score = $3, ended_at = $4
		 WHERE id = $1 AND status = $5`,
		sessionID, domain.SessionConsumed, score, endedAt, domain.SessionActive,
	)
	if err != nil {
		return false, fmt.Errorf("consuming game session: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// DeleteExpiredSessions purges unconsumed sessions whose expiry is older
// than the cutoff. Never touches consumed rows; they are the audit trail.
func (r *Repository) DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx,
		`DELETE FROM game_sessions WHERE status = $1 AND expires_at < $2`,
		domain.SessionActive, before,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}
	return result.RowsAffected(), nil
}
