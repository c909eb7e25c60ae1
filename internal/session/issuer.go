// Package session owns the game session lifecycle: issuance of signed
// single-use session tokens and the validation state machine that consumes
// them. A session transitions active -> consumed exactly once; everything
// else is a rejection without mutation.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/funhub-backend/internal/config"
	"github.com/funhub-backend/internal/domain"
	"github.com/funhub-backend/internal/token"
	"github.com/google/uuid"
)

// Store is the durable state the session subsystem relies on. The
// ConsumeSession implementation must be an atomic conditional update on the
// status column.
type Store interface {
	UpsertPlayer(ctx context.Context, deviceID, displayName string) (*domain.Player, error)
	CreateSession(ctx context.Context, s *domain.GameSession) error
	GetSession(ctx context.Context, sessionID string) (*domain.GameSession, error)
	ConsumeSession(ctx context.Context, sessionID string, score int64, endedAt time.Time) (bool, error)
}

// StartedSession is the issuance result handed back to the client: the
// opaque signed token plus the session's public metadata. The envelope is
// deliberately not part of the client response.
type StartedSession struct {
	Token     string
	SessionID string
	PlayerID  string
	GameID    string
	StartedAt time.Time
	ExpiresAt time.Time
}

// Issuer creates game session records bound to a player, a game and a
// server-computed score envelope, and returns signed tokens referencing
// them.
type Issuer struct {
	store  Store
	signer *token.Signer
	games  map[string]config.GameConfig
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewIssuer creates a session issuer.
func NewIssuer(store Store, signer *token.Signer, games map[string]config.GameConfig, ttl time.Duration, logger *slog.Logger) *Issuer {
	return &Issuer{
		store:  store,
		signer: signer,
		games:  games,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the issuer's clock. Used in tests.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// StartSession creates an active session for the device's player and game,
// computes the expected-score envelope from the static game configuration,
// and returns a signed token embedding the session id.
func (i *Issuer) StartSession(ctx context.Context, deviceID, gameID string) (*StartedSession, error) {
	game, ok := i.games[gameID]
	if !ok {
		return nil, domain.ErrGameNotFound
	}

	player, err := i.store.UpsertPlayer(ctx, deviceID, "")
	if err != nil {
		return nil, fmt.Errorf("resolving player: %w", err)
	}

	now := i.now().UTC()
	s := &domain.GameSession{
		ID:       uuid.NewString(),
		PlayerID: player.ID,
		GameID:   gameID,
		Status:   domain.SessionActive,
		Envelope: domain.ScoreEnvelope{
			MinScore:     0,
			MaxScore:     game.MaxScore,
			MaxScoreRate: game.MaxScorePerSecond,
			MaxDuration:  game.MaxDuration,
		},
		StartedAt: now,
		ExpiresAt: now.Add(i.ttl),
	}

	if err := i.store.CreateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("persisting session: %w", err)
	}

	signed, _, err := i.signer.Sign(token.KindGameSession, player.ID, s.ID, gameID, i.ttl)
	if err != nil {
		return nil, fmt.Errorf("signing session token: %w", err)
	}

	i.logger.Debug("game session issued",
		"session_id", s.ID,
		"player_id", player.ID,
		"game_id", gameID,
	)

	return &StartedSession{
		Token:     signed,
		SessionID: s.ID,
		PlayerID:  player.ID,
		GameID:    gameID,
		StartedAt: s.StartedAt,
		ExpiresAt: s.ExpiresAt,
	}, nil
}
