// Package redis caches live leaderboard state in sorted sets. Postgres is
// authoritative; the cache exists for cheap top-N reads and the websocket
// broadcast path, and can be rebuilt from the database at any time.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/funhub-backend/internal/config"
	"github.com/funhub-backend/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Cache wraps the Redis client with leaderboard-shaped operations. Keys are
// per game and per window; daily and weekly keys embed the window start so
// they roll over naturally and expire on their own.
type Cache struct {
	client *redis.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewCache connects to Redis and verifies the connection.
func NewCache(cfg *config.RedisConfig, logger *slog.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Cache{
		client: client,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Client returns the underlying Redis client.
func (c *Cache) Client() *redis.Client {
	return c.client
}

// WithClock overrides the cache's clock. Used in tests.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// key returns the sorted-set key for a game and window at time now. Rolling
// windows embed their start date so a new window is simply a new key.
func (c *Cache) key(gameID string, window domain.Window, now time.Time) string {
	switch window {
	case domain.WindowDaily, domain.WindowWeekly:
		start := domain.WindowStart(window, now)
		return fmt.Sprintf("leaderboard:%s:%s:%s", gameID, window, start.Format("2006-01-02"))
	default:
		return fmt.Sprintf("leaderboard:%s:alltime", gameID)
	}
}

// windowTTL bounds how long a rolling window key outlives its window.
func windowTTL(window domain.Window) time.Duration {
	switch window {
	case domain.WindowDaily:
		return 48 * time.Hour
	case domain.WindowWeekly:
		return 9 * 24 * time.Hour
	default:
		return 0
	}
}

// rankBase folds achieved-at into the sorted-set score so ZADD GT and the
// range reads order exactly like the authoritative ranking: game score
// first, earlier achiever first among equals. The composite stays an exact
// float64 integer for game scores below 900k and dates before 2286.
const rankBase = 1e10

func encodeRank(score int64, achievedAt time.Time) float64 {
	return float64(score)*rankBase + (rankBase - float64(achievedAt.Unix()))
}

func decodeRank(composite float64) (int64, time.Time) {
	score := int64(composite / rankBase)
	sec := rankBase - (composite - float64(score)*rankBase)
	return score, time.Unix(int64(sec), 0).UTC()
}

// RecordScore writes the score into every window's sorted set, keeping only
// the best score per player via ZADD GT. Rolling keys get a TTL on first
// write.
func (c *Cache) RecordScore(ctx context.Context, gameID, playerID string, score int64, achievedAt time.Time) error {
	now := c.now().UTC()
	composite := encodeRank(score, achievedAt)
	pipe := c.client.Pipeline()
	for _, window := range []domain.Window{domain.WindowDaily, domain.WindowWeekly, domain.WindowAllTime} {
		key := c.key(gameID, window, now)
		pipe.ZAddGT(ctx, key, redis.Z{Score: composite, Member: playerID})
		if ttl := windowTTL(window); ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("caching score: %w", err)
	}
	return nil
}

// TopN reads the best cached entries for a window in ranking order.
func (c *Cache) TopN(ctx context.Context, gameID string, window domain.Window, n int) ([]domain.PlayerBest, error) {
	key := c.key(gameID, window, c.now().UTC())
	results, err := c.client.ZRevRangeWithScores(ctx, key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading cached top: %w", err)
	}

	entries := make([]domain.PlayerBest, len(results))
	for i, r := range results {
		score, achievedAt := decodeRank(r.Score)
		entries[i] = domain.PlayerBest{
			PlayerID:   r.Member.(string),
			Score:      score,
			AchievedAt: achievedAt,
		}
	}
	return entries, nil
}

// PlayerRank reads a player's cached rank and best for a window. Returns
// ErrNotRanked when the player has no entry in the window.
func (c *Cache) PlayerRank(ctx context.Context, gameID string, window domain.Window, playerID string) (int64, *domain.PlayerBest, error) {
	key := c.key(gameID, window, c.now().UTC())

	rank, err := c.client.ZRevRank(ctx, key, playerID).Result()
	if err == redis.Nil {
		return 0, nil, domain.ErrNotRanked
	}
	if err != nil {
		return 0, nil, fmt.Errorf("reading cached rank: %w", err)
	}
	composite, err := c.client.ZScore(ctx, key, playerID).Result()
	if err != nil {
		return 0, nil, fmt.Errorf("reading cached score: %w", err)
	}

	score, achievedAt := decodeRank(composite)
	return rank + 1, &domain.PlayerBest{
		PlayerID:   playerID,
		Score:      score,
		AchievedAt: achievedAt,
	}, nil
}

// Rebuild replaces a window's sorted set with the given entries. Used on
// startup to warm the cache from the database.
func (c *Cache) Rebuild(ctx context.Context, gameID string, window domain.Window, entries []domain.PlayerBest) error {
	key := c.key(gameID, window, c.now().UTC())

	pipe := c.client.Pipeline()
	pipe.Del(ctx, key)
	for _, e := range entries {
		pipe.ZAdd(ctx, key, redis.Z{Score: encodeRank(e.Score, e.AchievedAt), Member: e.PlayerID})
	}
	if ttl := windowTTL(window); ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rebuilding cache: %w", err)
	}

	c.logger.Debug("leaderboard cache rebuilt",
		"game_id", gameID,
		"window", string(window),
		"entries", len(entries),
	)
	return nil
}

// Count returns the number of ranked players in a window.
func (c *Cache) Count(ctx context.Context, gameID string, window domain.Window) (int64, error) {
	key := c.key(gameID, window, c.now().UTC())
	count, err := c.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("counting cached entries: %w", err)
	}
	return count, nil
}
