package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/funhub-backend/internal/config"
	"github.com/funhub-backend/internal/domain"
	"github.com/funhub-backend/internal/token"
)

// fakeStore is an in-memory Store with the same consume semantics as the
// database: the status flip is atomic and happens at most once.
type fakeStore struct {
	mu       sync.Mutex
	players  map[string]*domain.Player
	sessions map[string]*domain.GameSession
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		players:  make(map[string]*domain.Player),
		sessions: make(map[string]*domain.GameSession),
	}
}

func (f *fakeStore) UpsertPlayer(_ context.Context, deviceID, displayName string) (*domain.Player, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.players[deviceID]; ok {
		return p, nil
	}
	p := &domain.Player{ID: "player-" + deviceID, DeviceID: deviceID, DisplayName: displayName}
	f.players[deviceID] = p
	return p, nil
}

func (f *fakeStore) CreateSession(_ context.Context, s *domain.GameSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}

func (f *fakeStore) GetSession(_ context.Context, sessionID string) (*domain.GameSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) ConsumeSession(_ context.Context, sessionID string, score int64, endedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok || s.Status != domain.SessionActive {
		return false, nil
	}
	s.Status = domain.SessionConsumed
	s.Score = &score
	s.EndedAt = &endedAt
	return true, nil
}

type recordingReward struct {
	mu    sync.Mutex
	calls []int64
	err   error
}

func (r *recordingReward) RewardPlayer(_ context.Context, _ string, credits int64, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, credits)
	return r.err
}

type recordingRecorder struct {
	mu      sync.Mutex
	results []*domain.AcceptedResult
	err     error
}

func (r *recordingRecorder) RecordScore(_ context.Context, res *domain.AcceptedResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return r.err
}

var testGames = map[string]config.GameConfig{
	"quizmo": {
		MaxScore:          1000,
		MaxScorePerSecond: 10.0,
		MaxDuration:       5 * time.Minute,
		RewardCredits:     3,
	},
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type validatorFixture struct {
	store     *fakeStore
	signer    *token.Signer
	issuer    *Issuer
	validator *Validator
	rewards   *recordingReward
	recorder  *recordingRecorder
	now       time.Time
}

func newFixture(t *testing.T) *validatorFixture {
	t.Helper()
	signer, err := token.NewSigner("test-secret")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	f := &validatorFixture{
		store:    newFakeStore(),
		signer:   signer,
		rewards:  &recordingReward{},
		recorder: &recordingRecorder{},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	signer.WithClock(clock)
	f.issuer = NewIssuer(f.store, signer, testGames, 2*time.Hour, testLogger()).WithClock(clock)
	f.validator = NewValidator(f.store, signer, f.rewards, f.recorder,
		map[string]int64{"quizmo": 3}, testLogger()).WithClock(clock)
	return f
}

func (f *validatorFixture) start(t *testing.T) *StartedSession {
	t.Helper()
	started, err := f.issuer.StartSession(context.Background(), "device-1", "quizmo")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	return started
}

func TestStartSessionUnknownGame(t *testing.T) {
	f := newFixture(t)
	if _, err := f.issuer.StartSession(context.Background(), "device-1", "nope"); !errors.Is(err, domain.ErrGameNotFound) {
		t.Errorf("got %v, want ErrGameNotFound", err)
	}
}

func TestSubmitScoreAccepted(t *testing.T) {
	f := newFixture(t)
	started := f.start(t)

	f.now = f.now.Add(time.Minute)
	res, err := f.validator.SubmitScore(context.Background(), started.Token, 500)
	if err != nil {
		t.Fatalf("SubmitScore: %v", err)
	}
	if res.Score != 500 || res.SessionID != started.SessionID {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.Duration != time.Minute {
		t.Errorf("duration = %v, want 1m", res.Duration)
	}

	if len(f.rewards.calls) != 1 || f.rewards.calls[0] != 3 {
		t.Errorf("reward calls = %v, want one call of 3", f.rewards.calls)
	}
	if len(f.recorder.results) != 1 {
		t.Fatalf("recorded %d results, want 1", len(f.recorder.results))
	}

	s, _ := f.store.GetSession(context.Background(), started.SessionID)
	if s.Status != domain.SessionConsumed {
		t.Errorf("session status = %q, want consumed", s.Status)
	}
}

func TestSubmitScoreInvalidToken(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	for _, tok := range []string{"", "garbage", "a.b"} {
		if _, err := f.validator.SubmitScore(context.Background(), tok, 100); !errors.Is(err, domain.ErrInvalidToken) {
			t.Errorf("SubmitScore(%q): got %v, want ErrInvalidToken", tok, err)
		}
	}
}

func TestSubmitScoreWrongKindToken(t *testing.T) {
	f := newFixture(t)
	accountTok, _, err := f.signer.Sign(token.KindAccountSession, "account-1", "", "", time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := f.validator.SubmitScore(context.Background(), accountTok, 100); !errors.Is(err, domain.ErrInvalidToken) {
		t.Errorf("got %v, want ErrInvalidToken", err)
	}
}

func TestSubmitScoreSingleUse(t *testing.T) {
	f := newFixture(t)
	started := f.start(t)

	f.now = f.now.Add(time.Minute)
	if _, err := f.validator.SubmitScore(context.Background(), started.Token, 100); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := f.validator.SubmitScore(context.Background(), started.Token, 100); !errors.Is(err, domain.ErrSessionConsumed) {
		t.Errorf("second submit: got %v, want ErrSessionConsumed", err)
	}
	if len(f.rewards.calls) != 1 {
		t.Errorf("reward granted %d times, want 1", len(f.rewards.calls))
	}
}

func TestSubmitScoreExpiredSession(t *testing.T) {
	f := newFixture(t)
	started := f.start(t)

	f.now = f.now.Add(3 * time.Hour)
	if _, err := f.validator.SubmitScore(context.Background(), started.Token, 100); !errors.Is(err, domain.ErrSessionExpired) {
		t.Errorf("got %v, want ErrSessionExpired", err)
	}
}

func TestSubmitScoreEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		score   int64
		wantErr error
	}{
		{"zero score early", 5 * time.Second, 0, nil},
		{"plausible score", time.Minute, 500, nil},
		{"over absolute max", time.Minute, 1001, domain.ErrScoreOutOfEnvelope},
		{"negative score", time.Minute, -5, domain.ErrScoreOutOfEnvelope},
		{"too fast for rate", 10 * time.Second, 500, domain.ErrScoreOutOfEnvelope},
		{"past max duration", 6 * time.Minute, 100, domain.ErrScoreOutOfEnvelope},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			started := f.start(t)

			f.now = f.now.Add(tt.elapsed)
			_, err := f.validator.SubmitScore(context.Background(), started.Token, tt.score)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}

			// Rejections must not consume the session
			if tt.wantErr != nil {
				s, _ := f.store.GetSession(context.Background(), started.SessionID)
				if s.Status != domain.SessionActive {
					t.Error("rejected submission consumed the session")
				}
			}
		})
	}
}

func TestSubmitScoreConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t)
	started := f.start(t)
	f.now = f.now.Add(time.Minute)

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.validator.SubmitScore(context.Background(), started.Token, 200)
		}(i)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, domain.ErrSessionConsumed):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != n-1 {
		t.Errorf("wins=%d conflicts=%d, want 1 and %d", wins, conflicts, n-1)
	}
	if len(f.rewards.calls) != 1 {
		t.Errorf("reward granted %d times, want 1", len(f.rewards.calls))
	}
}

func TestSubmitScoreFollowOnFailuresAbsorbed(t *testing.T) {
	f := newFixture(t)
	f.rewards.err = errors.New("ledger down")
	f.recorder.err = errors.New("leaderboard down")
	started := f.start(t)

	f.now = f.now.Add(time.Minute)
	res, err := f.validator.SubmitScore(context.Background(), started.Token, 300)
	if err != nil {
		t.Fatalf("SubmitScore: %v", err)
	}
	if res == nil {
		t.Fatal("expected an accepted result despite follow-on failures")
	}
}
