package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/funhub-backend/internal/domain"
	"github.com/funhub-backend/internal/token"
)

// RewardSink receives the credit reward for an accepted score. Failures here
// must not roll back the accepted submission.
type RewardSink interface {
	RewardPlayer(ctx context.Context, playerID string, credits int64, gameID string) error
}

// ScoreRecorder receives accepted results for ranking. Failures here must
// not roll back the accepted submission.
type ScoreRecorder interface {
	RecordScore(ctx context.Context, res *domain.AcceptedResult) error
}

// Validator runs the score acceptance state machine: token verification,
// session lookup, single-use and expiry checks, the envelope check, and the
// atomic consume. Only one submission can ever win a session.
type Validator struct {
	store    Store
	signer   *token.Signer
	rewards  RewardSink
	recorder ScoreRecorder
	credits  map[string]int64 // game id -> reward credits
	logger   *slog.Logger
	now      func() time.Time
}

// NewValidator creates a score validator. rewards and recorder may be nil;
// the corresponding follow-on effect is then skipped.
func NewValidator(store Store, signer *token.Signer, rewards RewardSink, recorder ScoreRecorder, credits map[string]int64, logger *slog.Logger) *Validator {
	return &Validator{
		store:    store,
		signer:   signer,
		rewards:  rewards,
		recorder: recorder,
		credits:  credits,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the validator's clock. Used in tests.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// SubmitScore validates a signed session token and a claimed score. The
// checks run in a fixed order so the caller can distinguish why a
// submission was refused:
//
//	bad signature or wrong audience  -> ErrInvalidToken
//	session already consumed         -> ErrSessionConsumed
//	session past its expiry          -> ErrSessionExpired
//	score outside the envelope       -> ErrScoreOutOfEnvelope
//
// On acceptance the session is consumed atomically; a concurrent submission
// that loses the race gets ErrSessionConsumed even though its own checks
// passed.
func (v *Validator) SubmitScore(ctx context.Context, signedToken string, score int64) (*domain.AcceptedResult, error) {
	claims, err := v.signer.VerifyKind(signedToken, token.KindGameSession)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			return nil, domain.ErrSessionExpired
		}
		return nil, domain.ErrInvalidToken
	}

	s, err := v.store.GetSession(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil, domain.ErrInvalidToken
		}
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if s.PlayerID != claims.Subject || s.GameID != claims.GameID {
		return nil, domain.ErrInvalidToken
	}

	if s.Status != domain.SessionActive {
		return nil, domain.ErrSessionConsumed
	}

	now := v.now().UTC()
	if s.Expired(now) {
		return nil, domain.ErrSessionExpired
	}

	elapsed := now.Sub(s.StartedAt)
	if !s.Envelope.Allows(score, elapsed) {
		v.logger.Info("score rejected by envelope",
			"session_id", s.ID,
			"game_id", s.GameID,
			"score", score,
			"elapsed_s", elapsed.Seconds(),
		)
		return nil, domain.ErrScoreOutOfEnvelope
	}

	won, err := v.store.ConsumeSession(ctx, s.ID, score, now)
	if err != nil {
		return nil, fmt.Errorf("consuming session: %w", err)
	}
	if !won {
		return nil, domain.ErrSessionConsumed
	}

	res := &domain.AcceptedResult{
		SessionID: s.ID,
		PlayerID:  s.PlayerID,
		GameID:    s.GameID,
		Score:     score,
		Duration:  elapsed,
		PlayedAt:  now,
	}

	// The session is consumed; reward and ranking failures are logged and
	// absorbed so the client still sees an accepted submission.
	if v.rewards != nil {
		if credits := v.credits[s.GameID]; credits > 0 {
			if err := v.rewards.RewardPlayer(ctx, s.PlayerID, credits, s.GameID); err != nil {
				v.logger.Error("failed to credit game reward",
					"session_id", s.ID,
					"player_id", s.PlayerID,
					"error", err,
				)
			}
		}
	}
	if v.recorder != nil {
		if err := v.recorder.RecordScore(ctx, res); err != nil {
			v.logger.Error("failed to record accepted score",
				"session_id", s.ID,
				"player_id", s.PlayerID,
				"error", err,
			)
		}
	}

	v.logger.Info("score accepted",
		"session_id", s.ID,
		"player_id", s.PlayerID,
		"game_id", s.GameID,
		"score", score,
	)
	return res, nil
}
