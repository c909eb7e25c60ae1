package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/funhub-backend/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// AppendScoreEvent records one accepted score in the append-only history
// that backs the windowed leaderboard views.
func (r *Repository) AppendScoreEvent(ctx context.Context, gameID, playerID string, score int64, achievedAt time.Time) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO score_events (id, game_id, player_id, score, achieved_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), gameID, playerID, score, achievedAt,
	)
	if err != nil {
		return fmt.Errorf("appending score event: %w", err)
	}
	return nil
}

// UpsertBestScore updates the all-time best for (game, player) only when
// the new score is strictly better. The conditional upsert is a single
// atomic statement, so concurrent submissions converge on the maximum and
// achieved-at always belongs to the winning score.
func (r *Repository) UpsertBestScore(ctx context.Context, gameID, playerID string, score int64, achievedAt time.Time) (bool, error) {
	result, err := r.pool.Exec(ctx,
		`INSERT INTO leaderboard_entries (game_id, player_id, score, achieved_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (game_id, player_id)
		 DO UPDATE SET score = EXCLUDED.score, achieved_at = EXCLUDED.achieved_at
		 WHERE leaderboard_entries.score < EXCLUDED.score`,
		gameID, playerID, score, achievedAt,
	)
	if err != nil {
		return false, fmt.Errorf("upserting best score: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// BestScores returns every player's best score in a window, unordered. The
// zero since time selects the all-time table; otherwise the history is
// filtered by achieved-at; Daily and Weekly are derived views, not
// separately purged rows. Within a player, ties on score resolve to the
// earliest achieved-at, matching the ranking order.
func (r *Repository) BestScores(ctx context.Context, gameID string, since time.Time) ([]domain.PlayerBest, error) {
	var query string
	var args []any
	if since.IsZero() {
		query = `
			SELECT e.player_id, p.display_name, e.score, e.achieved_at
			FROM leaderboard_entries e
			JOIN players p ON p.id = e.player_id
			WHERE e.game_id = $1`
		args = []any{gameID}
	} else {
		query = `
			SELECT DISTINCT ON (e.player_id)
				e.player_id, p.display_name, e.score, e.achieved_at
			FROM score_events e
			JOIN players p ON p.id = e.player_id
			WHERE e.game_id = $1 AND e.achieved_at >= $2
			ORDER BY e.player_id, e.score DESC, e.achieved_at ASC`
		args = []any{gameID, since}
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying best scores: %w", err)
	}
	defer rows.Close()

	var bests []domain.PlayerBest
	for rows.Next() {
		var b domain.PlayerBest
		if err := rows.Scan(&b.PlayerID, &b.DisplayName, &b.Score, &b.AchievedAt); err != nil {
			return nil, fmt.Errorf("scanning best score: %w", err)
		}
		bests = append(bests, b)
	}
	return bests, rows.Err()
}

// PlayerBestScore returns one player's best within a window.
func (r *Repository) PlayerBestScore(ctx context.Context, gameID, playerID string, since time.Time) (*domain.PlayerBest, error) {
	var query string
	var args []any
	if since.IsZero() {
		query = `
			SELECT e.player_id, p.display_name, e.score, e.achieved_at
			FROM leaderboard_entries e
			JOIN players p ON p.id = e.player_id
			WHERE e.game_id = $1 AND e.player_id = $2`
		args = []any{gameID, playerID}
	} else {
		query = `
			SELECT e.player_id, p.display_name, e.score, e.achieved_at
			FROM score_events e
			JOIN players p ON p.id = e.player_id
			WHERE e.game_id = $1 AND e.player_id = $2 AND e.achieved_at >= $3
			ORDER BY e.score DESC, e.achieved_at ASC
			LIMIT 1`
		args = []any{gameID, playerID, since}
	}

	var b domain.PlayerBest
	err := r.pool.QueryRow(ctx, query, args...).Scan(&b.PlayerID, &b.DisplayName, &b.Score, &b.AchievedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotRanked
		}
		return nil, fmt.Errorf("querying player best: %w", err)
	}
	return &b, nil
}
