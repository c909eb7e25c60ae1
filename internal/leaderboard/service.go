// Package leaderboard ranks accepted scores over rolling windows. Postgres
// holds the authoritative history and all-time bests; ranking is computed
// from it at read time. Redis keeps a best-effort live cache and the
// websocket path fans accepted scores out to subscribers.
package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/funhub-backend/internal/domain"
)

// Store is the authoritative score history and per-game all-time bests.
type Store interface {
	AppendScoreEvent(ctx context.Context, gameID, playerID string, score int64, achievedAt time.Time) error
	UpsertBestScore(ctx context.Context, gameID, playerID string, score int64, achievedAt time.Time) (bool, error)
	BestScores(ctx context.Context, gameID string, since time.Time) ([]domain.PlayerBest, error)
	PlayerBestScore(ctx context.Context, gameID, playerID string, since time.Time) (*domain.PlayerBest, error)
	DisplayNames(ctx context.Context, playerIDs []string) (map[string]string, error)
}

// Cache mirrors best scores into fast sorted sets and serves the hot read
// paths. Cache failures degrade to the store, never correctness, so they are
// logged and swallowed.
type Cache interface {
	RecordScore(ctx context.Context, gameID, playerID string, score int64, achievedAt time.Time) error
	Rebuild(ctx context.Context, gameID string, window domain.Window, entries []domain.PlayerBest) error
	TopN(ctx context.Context, gameID string, window domain.Window, n int) ([]domain.PlayerBest, error)
	PlayerRank(ctx context.Context, gameID string, window domain.Window, playerID string) (int64, *domain.PlayerBest, error)
	Count(ctx context.Context, gameID string, window domain.Window) (int64, error)
}

// Broadcaster pushes ranking changes to live subscribers.
type Broadcaster interface {
	BroadcastScore(gameID string, entry *domain.RankedEntry)
	BroadcastLeaderboard(gameID string, window domain.Window, entries []domain.RankedEntry)
}

// Service aggregates accepted scores into ranked views.
type Service struct {
	store       Store
	cache       Cache
	broadcaster Broadcaster
	topN        int
	logger      *slog.Logger
	now         func() time.Time
}

// NewService creates the leaderboard service. cache and broadcaster may be
// nil.
func NewService(store Store, cache Cache, broadcaster Broadcaster, logger *slog.Logger) *Service {
	return &Service{
		store:       store,
		cache:       cache,
		broadcaster: broadcaster,
		topN:        10,
		logger:      logger,
		now:         time.Now,
	}
}

// WithClock overrides the service clock. Used in tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithBroadcastTopN sets how many leading entries a full leaderboard
// broadcast carries, and how deep an improvement must land to trigger one.
func (s *Service) WithBroadcastTopN(n int) *Service {
	if n > 0 {
		s.topN = n
	}
	return s
}

// RecordScore folds an accepted result into the history, the all-time best
// table, the cache, and the live feed. The history append is the only
// operation whose failure fails the call; everything downstream is derived
// from it.
func (s *Service) RecordScore(ctx context.Context, res *domain.AcceptedResult) error {
	if err := s.store.AppendScoreEvent(ctx, res.GameID, res.PlayerID, res.Score, res.PlayedAt); err != nil {
		return fmt.Errorf("appending score event: %w", err)
	}

	improved, err := s.store.UpsertBestScore(ctx, res.GameID, res.PlayerID, res.Score, res.PlayedAt)
	if err != nil {
		return fmt.Errorf("updating best score: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.RecordScore(ctx, res.GameID, res.PlayerID, res.Score, res.PlayedAt); err != nil {
			s.logger.Warn("leaderboard cache update failed",
				"game_id", res.GameID,
				"player_id", res.PlayerID,
				"error", err,
			)
		}
	}

	if s.broadcaster != nil && improved {
		if entry, err := s.GetRank(ctx, res.GameID, domain.WindowAllTime, res.PlayerID); err == nil {
			s.broadcaster.BroadcastScore(res.GameID, entry)

			// An improvement inside the visible top also pushes the
			// refreshed slice so clients need not re-fetch.
			if entry.Rank <= int64(s.topN) {
				if top, err := s.GetTop(ctx, res.GameID, domain.WindowAllTime, s.topN); err == nil {
					s.broadcaster.BroadcastLeaderboard(res.GameID, domain.WindowAllTime, top)
				}
			}
		}
	}
	return nil
}

// RecordBatch folds trusted feed submissions into the ranking. A submission
// without an achieved-at timestamp is stamped with the current time.
func (s *Service) RecordBatch(ctx context.Context, subs []domain.ScoreSubmission) error {
	for _, sub := range subs {
		at := sub.AchievedAt
		if at.IsZero() {
			at = s.now().UTC()
		}
		res := &domain.AcceptedResult{
			PlayerID: sub.PlayerID,
			GameID:   sub.GameID,
			Score:    sub.Score,
			PlayedAt: at,
		}
		if err := s.RecordScore(ctx, res); err != nil {
			return fmt.Errorf("recording submission for player %s: %w", sub.PlayerID, err)
		}
	}
	return nil
}

// GetTop returns the top limit ranked entries for a game and window. Equal
// scores rank the earlier achiever first. The cached sorted set serves the
// read when it has entries; otherwise ranking is computed from the store.
func (s *Service) GetTop(ctx context.Context, gameID string, window domain.Window, limit int) ([]domain.RankedEntry, error) {
	if limit <= 0 {
		limit = 10
	}

	if s.cache != nil {
		bests, err := s.cache.TopN(ctx, gameID, window, limit)
		if err == nil && len(bests) > 0 {
			rankBests(bests)
			return s.toRanked(ctx, bests), nil
		}
		if err != nil {
			s.logger.Warn("leaderboard cache read failed",
				"game_id", gameID,
				"window", window,
				"error", err,
			)
		}
	}

	bests, err := s.store.BestScores(ctx, gameID, domain.WindowStart(window, s.now()))
	if err != nil {
		return nil, err
	}
	rankBests(bests)

	if limit > len(bests) {
		limit = len(bests)
	}
	return s.toRanked(ctx, bests[:limit]), nil
}

// GetRank returns one player's ranked entry for a game and window, or
// ErrNotRanked when the player has no accepted score in the window. A cache
// hit answers directly; anything else falls back to the store.
func (s *Service) GetRank(ctx context.Context, gameID string, window domain.Window, playerID string) (*domain.RankedEntry, error) {
	if s.cache != nil {
		rank, best, err := s.cache.PlayerRank(ctx, gameID, window, playerID)
		if err == nil {
			entries := s.toRanked(ctx, []domain.PlayerBest{*best})
			entries[0].Rank = rank
			return &entries[0], nil
		}
		if !errors.Is(err, domain.ErrNotRanked) {
			s.logger.Warn("leaderboard cache read failed",
				"game_id", gameID,
				"window", window,
				"player_id", playerID,
				"error", err,
			)
		}
	}

	since := domain.WindowStart(window, s.now())

	best, err := s.store.PlayerBestScore(ctx, gameID, playerID, since)
	if err != nil {
		return nil, err
	}

	bests, err := s.store.BestScores(ctx, gameID, since)
	if err != nil {
		return nil, err
	}
	rankBests(bests)

	rank := int64(len(bests))
	for i, b := range bests {
		if b.PlayerID == playerID {
			rank = int64(i + 1)
			break
		}
	}

	return &domain.RankedEntry{
		Rank:        rank,
		PlayerID:    best.PlayerID,
		DisplayName: best.DisplayName,
		Score:       best.Score,
		AchievedAt:  best.AchievedAt,
	}, nil
}

// CountRanked returns how many players hold a score in the window, from the
// cached sorted set when possible.
func (s *Service) CountRanked(ctx context.Context, gameID string, window domain.Window) (int64, error) {
	if s.cache != nil {
		count, err := s.cache.Count(ctx, gameID, window)
		if err == nil {
			return count, nil
		}
		s.logger.Warn("leaderboard cache count failed",
			"game_id", gameID,
			"window", window,
			"error", err,
		)
	}

	bests, err := s.store.BestScores(ctx, gameID, domain.WindowStart(window, s.now()))
	if err != nil {
		return 0, err
	}
	return int64(len(bests)), nil
}

// toRanked assigns ranks to already-ordered bests and fills display names
// from the store. Cached entries carry ids only, so a name lookup miss just
// leaves the name blank.
func (s *Service) toRanked(ctx context.Context, bests []domain.PlayerBest) []domain.RankedEntry {
	ids := make([]string, 0, len(bests))
	for _, b := range bests {
		if b.DisplayName == "" {
			ids = append(ids, b.PlayerID)
		}
	}
	var names map[string]string
	if len(ids) > 0 {
		var err error
		if names, err = s.store.DisplayNames(ctx, ids); err != nil {
			s.logger.Warn("display name lookup failed", "error", err)
		}
	}

	entries := make([]domain.RankedEntry, len(bests))
	for i, b := range bests {
		name := b.DisplayName
		if name == "" {
			name = names[b.PlayerID]
		}
		entries[i] = domain.RankedEntry{
			Rank:        int64(i + 1),
			PlayerID:    b.PlayerID,
			DisplayName: name,
			Score:       b.Score,
			AchievedAt:  b.AchievedAt,
		}
	}
	return entries
}

// WarmCache rebuilds every window's cached sorted set for a game from the
// authoritative store.
func (s *Service) WarmCache(ctx context.Context, gameID string) error {
	if s.cache == nil {
		return nil
	}
	for _, window := range []domain.Window{domain.WindowDaily, domain.WindowWeekly, domain.WindowAllTime} {
		bests, err := s.store.BestScores(ctx, gameID, domain.WindowStart(window, s.now()))
		if err != nil {
			return fmt.Errorf("loading %s bests: %w", window, err)
		}
		if err := s.cache.Rebuild(ctx, gameID, window, bests); err != nil {
			return fmt.Errorf("rebuilding %s cache: %w", window, err)
		}
	}
	return nil
}

// rankBests sorts bests into ranking order: score descending, then earlier
// achieved-at, then player id for a stable total order.
func rankBests(bests []domain.PlayerBest) {
	sort.Slice(bests, func(i, j int) bool {
		if bests[i].Score != bests[j].Score {
			return bests[i].Score > bests[j].Score
		}
		if !bests[i].AchievedAt.Equal(bests[j].AchievedAt) {
			return bests[i].AchievedAt.Before(bests[j].AchievedAt)
		}
		return bests[i].PlayerID < bests[j].PlayerID
	})
}
