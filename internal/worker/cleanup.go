// Package worker runs storage hygiene in the background: purging expired
// game sessions and verification codes, and warming the Redis leaderboard
// cache from Postgres on demand. Expiry is enforced lazily at use time, so
// the worker only reclaims space; correctness never depends on it running.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/funhub-backend/internal/config"
)

// CleanupStore is the subset of the repository the worker purges.
type CleanupStore interface {
	DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error)
	DeleteExpiredChallenges(ctx context.Context, before time.Time) (int64, error)
}

// CacheWarmer rebuilds the live cache for one game from the authoritative
// store.
type CacheWarmer interface {
	WarmCache(ctx context.Context, gameID string) error
}

// CleanupWorker periodically purges expired rows.
type CleanupWorker struct {
	store   CleanupStore
	warmer  CacheWarmer
	gameIDs []string
	config  *config.CleanupConfig
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
}

// NewCleanupWorker creates a cleanup worker. warmer may be nil.
func NewCleanupWorker(store CleanupStore, warmer CacheWarmer, gameIDs []string, cfg *config.CleanupConfig, logger *slog.Logger) *CleanupWorker {
	return &CleanupWorker{
		store:   store,
		warmer:  warmer,
		gameIDs: gameIDs,
		config:  cfg,
		logger:  logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins the background cleanup loop.
func (w *CleanupWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("cleanup worker started", "interval", w.config.Interval)

	go w.run(ctx)
	return nil
}

// Stop stops the background cleanup loop.
func (w *CleanupWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("cleanup worker stopped")
	return nil
}

// run is the main worker loop
func (w *CleanupWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.purge(ctx)
		}
	}
}

// purge removes rows whose expiry plus the retention grace period has
// passed.
func (w *CleanupWorker) purge(ctx context.Context) {
	start := time.Now()
	cutoff := start.UTC().Add(-w.config.RetainExpired)

	sessions, err := w.store.DeleteExpiredSessions(ctx, cutoff)
	if err != nil {
		w.logger.Error("failed to purge expired sessions", "error", err)
	}

	codes, err := w.store.DeleteExpiredChallenges(ctx, cutoff)
	if err != nil {
		w.logger.Error("failed to purge expired codes", "error", err)
	}

	w.logger.Info("cleanup cycle completed",
		"duration", time.Since(start),
		"sessions_purged", sessions,
		"codes_purged", codes,
	)
}

// WarmAll rebuilds the live leaderboard cache for every configured game.
// Called once at startup so reads do not hit a cold cache after a restart.
func (w *CleanupWorker) WarmAll(ctx context.Context) error {
	if w.warmer == nil {
		return nil
	}
	for _, gameID := range w.gameIDs {
		if err := w.warmer.WarmCache(ctx, gameID); err != nil {
			w.logger.Error("failed to warm leaderboard cache",
				"game_id", gameID,
				"error", err,
			)
			// Continue with other games
			continue
		}
	}
	return nil
}

// IsRunning returns whether the worker is currently running.
func (w *CleanupWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// RunOnce runs a single cleanup cycle (useful for manual triggers).
func (w *CleanupWorker) RunOnce(ctx context.Context) {
	w.purge(ctx)
}
