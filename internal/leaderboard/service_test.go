package leaderboard

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/funhub-backend/internal/domain"
)

// fakeStore keeps the full score history in memory and derives bests the
// same way the SQL layer does.
type fakeStore struct {
	mu     sync.Mutex
	events []domain.ScoreEvent
	names  map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{names: make(map[string]string)}
}

func (f *fakeStore) AppendScoreEvent(_ context.Context, gameID, playerID string, score int64, achievedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, domain.ScoreEvent{
		GameID: gameID, PlayerID: playerID, Score: score, AchievedAt: achievedAt,
	})
	return nil
}

func (f *fakeStore) UpsertBestScore(_ context.Context, gameID, playerID string, score int64, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events[:len(f.events)-1] {
		if e.GameID == gameID && e.PlayerID == playerID && e.Score >= score {
			return false, nil
		}
	}
	return true, nil
}

func (f *fakeStore) BestScores(_ context.Context, gameID string, since time.Time) ([]domain.PlayerBest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	best := make(map[string]domain.PlayerBest)
	for _, e := range f.events {
		if e.GameID != gameID {
			continue
		}
		if !since.IsZero() && e.AchievedAt.Before(since) {
			continue
		}
		cur, ok := best[e.PlayerID]
		if !ok || e.Score > cur.Score || (e.Score == cur.Score && e.AchievedAt.Before(cur.AchievedAt)) {
			best[e.PlayerID] = domain.PlayerBest{
				PlayerID:    e.PlayerID,
				DisplayName: f.names[e.PlayerID],
				Score:       e.Score,
				AchievedAt:  e.AchievedAt,
			}
		}
	}
	out := make([]domain.PlayerBest, 0, len(best))
	for _, b := range best {
		out = append(out, b)
	}
	return out, nil
}

func (f *fakeStore) PlayerBestScore(ctx context.Context, gameID, playerID string, since time.Time) (*domain.PlayerBest, error) {
	bests, err := f.BestScores(ctx, gameID, since)
	if err != nil {
		return nil, err
	}
	for _, b := range bests {
		if b.PlayerID == playerID {
			return &b, nil
		}
	}
	return nil, domain.ErrNotRanked
}

func (f *fakeStore) DisplayNames(_ context.Context, playerIDs []string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(playerIDs))
	for _, id := range playerIDs {
		if name, ok := f.names[id]; ok {
			out[id] = name
		}
	}
	return out, nil
}

// fakeCache keeps one in-memory sorted set shared by all windows, enough to
// exercise the read fast paths without Redis.
type fakeCache struct {
	mu       sync.Mutex
	bests    map[string]domain.PlayerBest
	recorded int
	rebuilt  int
	err      error
}

func (f *fakeCache) put(playerID string, score int64, achievedAt time.Time) {
	if f.bests == nil {
		f.bests = make(map[string]domain.PlayerBest)
	}
	cur, ok := f.bests[playerID]
	if !ok || score > cur.Score || (score == cur.Score && achievedAt.Before(cur.AchievedAt)) {
		f.bests[playerID] = domain.PlayerBest{PlayerID: playerID, Score: score, AchievedAt: achievedAt}
	}
}

func (f *fakeCache) ordered() []domain.PlayerBest {
	out := make([]domain.PlayerBest, 0, len(f.bests))
	for _, b := range f.bests {
		out = append(out, b)
	}
	rankBests(out)
	return out
}

func (f *fakeCache) RecordScore(_ context.Context, _, playerID string, score int64, achievedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded++
	if f.err != nil {
		return f.err
	}
	f.put(playerID, score, achievedAt)
	return nil
}

func (f *fakeCache) Rebuild(_ context.Context, _ string, _ domain.Window, entries []domain.PlayerBest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebuilt++
	if f.err != nil {
		return f.err
	}
	for _, e := range entries {
		f.put(e.PlayerID, e.Score, e.AchievedAt)
	}
	return nil
}

func (f *fakeCache) TopN(_ context.Context, _ string, _ domain.Window, n int) ([]domain.PlayerBest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := f.ordered()
	if n < len(out) {
		out = out[:n]
	}
	return out, nil
}

func (f *fakeCache) PlayerRank(_ context.Context, _ string, _ domain.Window, playerID string) (int64, *domain.PlayerBest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, nil, f.err
	}
	for i, b := range f.ordered() {
		if b.PlayerID == playerID {
			return int64(i + 1), &b, nil
		}
	}
	return 0, nil, domain.ErrNotRanked
}

func (f *fakeCache) Count(_ context.Context, _ string, _ domain.Window) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return int64(len(f.bests)), nil
}

type fakeBroadcaster struct {
	mu      sync.Mutex
	entries []*domain.RankedEntry
	tops    [][]domain.RankedEntry
}

func (f *fakeBroadcaster) BroadcastScore(_ string, entry *domain.RankedEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
}

func (f *fakeBroadcaster) BroadcastLeaderboard(_ string, _ domain.Window, entries []domain.RankedEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tops = append(f.tops, entries)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var baseTime = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

func record(t *testing.T, s *Service, playerID string, score int64, at time.Time) {
	t.Helper()
	err := s.RecordScore(context.Background(), &domain.AcceptedResult{
		PlayerID: playerID,
		GameID:   "quizmo",
		Score:    score,
		PlayedAt: at,
	})
	if err != nil {
		t.Fatalf("RecordScore(%s, %d): %v", playerID, score, err)
	}
}

func TestGetTopOrdering(t *testing.T) {
	store := newFakeStore()
	s := NewService(store, nil, nil, testLogger())
	s.WithClock(func() time.Time { return baseTime })

	record(t, s, "alice", 300, baseTime.Add(-3*time.Hour))
	record(t, s, "bob", 500, baseTime.Add(-2*time.Hour))
	record(t, s, "carol", 500, baseTime.Add(-time.Hour)) // same score, later
	record(t, s, "dave", 100, baseTime.Add(-time.Hour))

	top, err := s.GetTop(context.Background(), "quizmo", domain.WindowAllTime, 10)
	if err != nil {
		t.Fatalf("GetTop: %v", err)
	}

	wantOrder := []string{"bob", "carol", "alice", "dave"}
	if len(top) != len(wantOrder) {
		t.Fatalf("got %d entries, want %d", len(top), len(wantOrder))
	}
	for i, want := range wantOrder {
		if top[i].PlayerID != want {
			t.Errorf("rank %d = %s, want %s", i+1, top[i].PlayerID, want)
		}
		if top[i].Rank != int64(i+1) {
			t.Errorf("entry %d rank = %d, want %d", i, top[i].Rank, i+1)
		}
	}
}

func TestGetTopLimit(t *testing.T) {
	store := newFakeStore()
	s := NewService(store, nil, nil, testLogger())
	s.WithClock(func() time.Time { return baseTime })

	for i, p := range []string{"a", "b", "c", "d", "e"} {
		record(t, s, p, int64(100*(i+1)), baseTime.Add(-time.Hour))
	}

	top, err := s.GetTop(context.Background(), "quizmo", domain.WindowAllTime, 3)
	if err != nil {
		t.Fatalf("GetTop: %v", err)
	}
	if len(top) != 3 {
		t.Errorf("got %d entries, want 3", len(top))
	}
}

func TestWindowedRanking(t *testing.T) {
	store := newFakeStore()
	s := NewService(store, nil, nil, testLogger())
	s.WithClock(func() time.Time { return baseTime })

	// Yesterday's monster score, today's modest one
	record(t, s, "alice", 9000, baseTime.AddDate(0, 0, -1))
	record(t, s, "alice", 200, baseTime.Add(-time.Hour))
	record(t, s, "bob", 400, baseTime.Add(-time.Hour))

	daily, err := s.GetTop(context.Background(), "quizmo", domain.WindowDaily, 10)
	if err != nil {
		t.Fatalf("GetTop daily: %v", err)
	}
	if len(daily) != 2 || daily[0].PlayerID != "bob" || daily[0].Score != 400 {
		t.Errorf("daily top = %+v, want bob 400 first", daily)
	}

	alltime, err := s.GetTop(context.Background(), "quizmo", domain.WindowAllTime, 10)
	if err != nil {
		t.Fatalf("GetTop alltime: %v", err)
	}
	if alltime[0].PlayerID != "alice" || alltime[0].Score != 9000 {
		t.Errorf("alltime top = %+v, want alice 9000 first", alltime)
	}
}

func TestGetRank(t *testing.T) {
	store := newFakeStore()
	s := NewService(store, nil, nil, testLogger())
	s.WithClock(func() time.Time { return baseTime })

	record(t, s, "alice", 300, baseTime.Add(-time.Hour))
	record(t, s, "bob", 500, baseTime.Add(-time.Hour))

	entry, err := s.GetRank(context.Background(), "quizmo", domain.WindowAllTime, "alice")
	if err != nil {
		t.Fatalf("GetRank: %v", err)
	}
	if entry.Rank != 2 || entry.Score != 300 {
		t.Errorf("alice rank = %+v, want rank 2 score 300", entry)
	}

	if _, err := s.GetRank(context.Background(), "quizmo", domain.WindowAllTime, "nobody"); !errors.Is(err, domain.ErrNotRanked) {
		t.Errorf("got %v, want ErrNotRanked", err)
	}
}

func TestRecordScoreCacheFailureAbsorbed(t *testing.T) {
	store := newFakeStore()
	cache := &fakeCache{err: errors.New("redis down")}
	s := NewService(store, cache, nil, testLogger())
	s.WithClock(func() time.Time { return baseTime })

	record(t, s, "alice", 300, baseTime.Add(-time.Hour))

	if cache.recorded != 1 {
		t.Errorf("cache recorded %d times, want 1", cache.recorded)
	}
	// The score must still be ranked
	if _, err := s.GetRank(context.Background(), "quizmo", domain.WindowAllTime, "alice"); err != nil {
		t.Errorf("score lost after cache failure: %v", err)
	}
}

func TestRecordScoreBroadcastsOnImprovement(t *testing.T) {
	store := newFakeStore()
	b := &fakeBroadcaster{}
	s := NewService(store, nil, b, testLogger())
	s.WithClock(func() time.Time { return baseTime })

	record(t, s, "alice", 300, baseTime.Add(-2*time.Hour))
	record(t, s, "alice", 200, baseTime.Add(-time.Hour)) // not an improvement

	if len(b.entries) != 1 {
		t.Fatalf("broadcast %d times, want 1", len(b.entries))
	}
	if b.entries[0].PlayerID != "alice" || b.entries[0].Score != 300 {
		t.Errorf("broadcast entry = %+v", b.entries[0])
	}

	// An improvement inside the top slice also pushes the full leaderboard
	if len(b.tops) != 1 {
		t.Fatalf("leaderboard broadcast %d times, want 1", len(b.tops))
	}
	if len(b.tops[0]) != 1 || b.tops[0][0].PlayerID != "alice" {
		t.Errorf("leaderboard broadcast = %+v", b.tops[0])
	}
}

func TestRecordBatchStampsMissingTime(t *testing.T) {
	store := newFakeStore()
	s := NewService(store, nil, nil, testLogger())
	s.WithClock(func() time.Time { return baseTime })

	err := s.RecordBatch(context.Background(), []domain.ScoreSubmission{
		{GameID: "quizmo", PlayerID: "alice", Score: 100},
		{GameID: "quizmo", PlayerID: "bob", Score: 200, AchievedAt: baseTime.Add(-time.Minute)},
	})
	if err != nil {
		t.Fatalf("RecordBatch: %v", err)
	}

	best, err := store.PlayerBestScore(context.Background(), "quizmo", "alice", time.Time{})
	if err != nil {
		t.Fatalf("PlayerBestScore: %v", err)
	}
	if !best.AchievedAt.Equal(baseTime) {
		t.Errorf("achieved at = %v, want %v", best.AchievedAt, baseTime)
	}
}

func TestWarmCache(t *testing.T) {
	store := newFakeStore()
	cache := &fakeCache{}
	s := NewService(store, cache, nil, testLogger())
	s.WithClock(func() time.Time { return baseTime })

	record(t, s, "alice", 300, baseTime.Add(-time.Hour))
	if err := s.WarmCache(context.Background(), "quizmo"); err != nil {
		t.Fatalf("WarmCache: %v", err)
	}
	if cache.rebuilt != 3 {
		t.Errorf("rebuilt %d windows, want 3", cache.rebuilt)
	}
}

func TestGetTopServedFromCache(t *testing.T) {
	store := newFakeStore()
	store.names["alice"] = "Alice"
	store.names["bob"] = "Bob"
	cache := &fakeCache{}
	cache.put("alice", 300, baseTime.Add(-2*time.Hour))
	cache.put("bob", 500, baseTime.Add(-time.Hour))
	s := NewService(store, cache, nil, testLogger())
	s.WithClock(func() time.Time { return baseTime })

	// The store holds no events, so these entries can only come from the
	// cache.
	top, err := s.GetTop(context.Background(), "quizmo", domain.WindowAllTime, 10)
	if err != nil {
		t.Fatalf("GetTop: %v", err)
	}
	if len(top) != 2 {
		t.Fatalf("got %d entries, want 2", len(top))
	}
	if top[0].PlayerID != "bob" || top[0].Rank != 1 || top[0].Score != 500 {
		t.Errorf("top entry = %+v, want bob rank 1 score 500", top[0])
	}
	if top[0].DisplayName != "Bob" || top[1].DisplayName != "Alice" {
		t.Errorf("display names = %q, %q, want Bob, Alice", top[0].DisplayName, top[1].DisplayName)
	}
}

func TestGetTopFallsBackOnCacheError(t *testing.T) {
	store := newFakeStore()
	cache := &fakeCache{err: errors.New("redis down")}
	s := NewService(store, cache, nil, testLogger())
	s.WithClock(func() time.Time { return baseTime })

	record(t, s, "alice", 300, baseTime.Add(-time.Hour))

	top, err := s.GetTop(context.Background(), "quizmo", domain.WindowAllTime, 10)
	if err != nil {
		t.Fatalf("GetTop: %v", err)
	}
	if len(top) != 1 || top[0].PlayerID != "alice" {
		t.Errorf("top = %+v, want alice from the store", top)
	}
}

func TestGetTopFallsBackOnEmptyCache(t *testing.T) {
	store := newFakeStore()
	s := NewService(store, &fakeCache{}, nil, testLogger())
	s.WithClock(func() time.Time { return baseTime })

	record(t, s, "alice", 300, baseTime.Add(-time.Hour))

	top, err := s.GetTop(context.Background(), "quizmo", domain.WindowAllTime, 10)
	if err != nil {
		t.Fatalf("GetTop: %v", err)
	}
	if len(top) != 1 || top[0].PlayerID != "alice" {
		t.Errorf("top = %+v, want alice from the store", top)
	}
}

func TestGetRankServedFromCache(t *testing.T) {
	store := newFakeStore()
	store.names["alice"] = "Alice"
	cache := &fakeCache{}
	cache.put("alice", 300, baseTime.Add(-2*time.Hour))
	cache.put("bob", 500, baseTime.Add(-time.Hour))
	s := NewService(store, cache, nil, testLogger())
	s.WithClock(func() time.Time { return baseTime })

	entry, err := s.GetRank(context.Background(), "quizmo", domain.WindowAllTime, "alice")
	if err != nil {
		t.Fatalf("GetRank: %v", err)
	}
	if entry.Rank != 2 || entry.Score != 300 || entry.DisplayName != "Alice" {
		t.Errorf("entry = %+v, want rank 2 score 300 name Alice", entry)
	}
}

func TestGetRankFallsBackWhenCacheMisses(t *testing.T) {
	store := newFakeStore()
	s := NewService(store, &fakeCache{}, nil, testLogger())
	s.WithClock(func() time.Time { return baseTime })

	// Seed the store directly so the cache stays empty.
	if err := store.AppendScoreEvent(context.Background(), "quizmo", "alice", 300, baseTime.Add(-time.Hour)); err != nil {
		t.Fatalf("AppendScoreEvent: %v", err)
	}

	entry, err := s.GetRank(context.Background(), "quizmo", domain.WindowAllTime, "alice")
	if err != nil {
		t.Fatalf("GetRank: %v", err)
	}
	if entry.Rank != 1 || entry.Score != 300 {
		t.Errorf("entry = %+v, want rank 1 score 300", entry)
	}
}

func TestCountRanked(t *testing.T) {
	store := newFakeStore()
	cache := &fakeCache{}
	cache.put("alice", 300, baseTime.Add(-2*time.Hour))
	cache.put("bob", 500, baseTime.Add(-time.Hour))
	s := NewService(store, cache, nil, testLogger())
	s.WithClock(func() time.Time { return baseTime })

	count, err := s.CountRanked(context.Background(), "quizmo", domain.WindowAllTime)
	if err != nil {
		t.Fatalf("CountRanked: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2 from the cache", count)
	}
}

func TestCountRankedFallsBackOnCacheError(t *testing.T) {
	store := newFakeStore()
	cache := &fakeCache{err: errors.New("redis down")}
	s := NewService(store, cache, nil, testLogger())
	s.WithClock(func() time.Time { return baseTime })

	record(t, s, "alice", 300, baseTime.Add(-time.Hour))

	count, err := s.CountRanked(context.Background(), "quizmo", domain.WindowAllTime)
	if err != nil {
		t.Fatalf("CountRanked: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1 from the store", count)
	}
}
