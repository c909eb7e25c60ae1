// Package otp implements email one-time-code authentication. A challenge is
// a 6-digit code bound to an email, valid for a short window, consumable
// exactly once, with a bounded number of verification attempts. Successful
// verification upserts the account, links the requesting device's player to
// it, merges any anonymous local credits, and issues an account token.
package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/funhub-backend/internal/domain"
	"github.com/funhub-backend/internal/token"
)

// Store is the durable challenge and identity state. ConsumeChallenge must
// be an atomic used_at compare-and-set.
type Store interface {
	CreateChallenge(ctx context.Context, email, code, deviceID string, expiresAt time.Time) (*domain.OTPChallenge, error)
	LatestChallenge(ctx context.Context, email string) (*domain.OTPChallenge, error)
	ConsumeChallenge(ctx context.Context, challengeID string) (bool, error)
	IncrementChallengeAttempts(ctx context.Context, challengeID string) (int, error)
	UpsertAccountByEmail(ctx context.Context, email string) (*domain.Account, error)
	UpsertPlayer(ctx context.Context, deviceID, displayName string) (*domain.Player, error)
	LinkPlayerToAccount(ctx context.Context, playerID, accountID string) error
}

// CreditMerger moves an anonymous player's local credits onto the account
// it just linked to.
type CreditMerger interface {
	MergeLocal(ctx context.Context, playerID, accountID string) (int64, error)
}

// Mailer delivers the one-time code to the address that requested it.
type Mailer interface {
	SendCode(ctx context.Context, email, code string) error
}

// VerifiedLogin is the result of a successful code verification.
type VerifiedLogin struct {
	Token         string
	AccountID     string
	PlayerID      string
	Email         string
	MergedCredits int64
	ExpiresAt     time.Time
}

// Service runs the request/verify code flow.
type Service struct {
	store       Store
	merger      CreditMerger
	mailer      Mailer
	signer      *token.Signer
	codeTTL     time.Duration
	tokenTTL    time.Duration
	maxAttempts int
	logger      *slog.Logger
	now         func() time.Time
}

// NewService creates the OTP service.
func NewService(store Store, merger CreditMerger, mailer Mailer, signer *token.Signer, codeTTL, tokenTTL time.Duration, maxAttempts int, logger *slog.Logger) *Service {
	return &Service{
		store:       store,
		merger:      merger,
		mailer:      mailer,
		signer:      signer,
		codeTTL:     codeTTL,
		tokenTTL:    tokenTTL,
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         time.Now,
	}
}

// WithClock overrides the service clock. Used in tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// RequestCode creates a fresh challenge for the email, invalidating any
// pending one, and mails the code. The code itself never leaves the server
// except through the mailer.
func (s *Service) RequestCode(ctx context.Context, email, deviceID string) error {
	email = normalizeEmail(email)
	if email == "" || deviceID == "" {
		return domain.ErrInvalidRequest
	}

	code, err := generateCode()
	if err != nil {
		return fmt.Errorf("generating code: %w", err)
	}

	expiresAt := s.now().UTC().Add(s.codeTTL)
	if _, err := s.store.CreateChallenge(ctx, email, code, deviceID, expiresAt); err != nil {
		return fmt.Errorf("storing challenge: %w", err)
	}

	if err := s.mailer.SendCode(ctx, email, code); err != nil {
		return fmt.Errorf("sending code: %w", err)
	}

	s.logger.Info("verification code issued", "email", email)
	return nil
}

// VerifyCode checks the submitted code against the latest pending challenge
// for the email. Wrong codes burn an attempt; too many attempts or an
// expired challenge kill it. Success consumes the challenge, upserts the
// account, links the device's player, merges local credits, and returns a
// signed account token.
func (s *Service) VerifyCode(ctx context.Context, email, deviceID, code string) (*VerifiedLogin, error) {
	email = normalizeEmail(email)
	if email == "" || deviceID == "" || code == "" {
		return nil, domain.ErrInvalidRequest
	}

	ch, err := s.store.LatestChallenge(ctx, email)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if now.After(ch.ExpiresAt) {
		return nil, domain.ErrCodeExpired
	}
	if ch.Attempts >= s.maxAttempts {
		return nil, domain.ErrTooManyAttempts
	}

	if ch.Code != code {
		attempts, err := s.store.IncrementChallengeAttempts(ctx, ch.ID)
		if err != nil {
			return nil, fmt.Errorf("recording failed attempt: %w", err)
		}
		if attempts >= s.maxAttempts {
			return nil, domain.ErrTooManyAttempts
		}
		return nil, domain.ErrCodeInvalid
	}

	consumed, err := s.store.ConsumeChallenge(ctx, ch.ID)
	if err != nil {
		return nil, fmt.Errorf("consuming challenge: %w", err)
	}
	if !consumed {
		return nil, domain.ErrCodeInvalid
	}

	account, err := s.store.UpsertAccountByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("upserting account: %w", err)
	}

	player, err := s.store.UpsertPlayer(ctx, deviceID, "")
	if err != nil {
		return nil, fmt.Errorf("resolving player: %w", err)
	}
	if err := s.store.LinkPlayerToAccount(ctx, player.ID, account.ID); err != nil {
		return nil, fmt.Errorf("linking player: %w", err)
	}

	var merged int64
	if s.merger != nil {
		merged, err = s.merger.MergeLocal(ctx, player.ID, account.ID)
		if err != nil {
			// The login still succeeds; the credits stay on the player row
			// and the next login retries the merge.
			s.logger.Error("failed to merge local credits",
				"player_id", player.ID,
				"account_id", account.ID,
				"error", err,
			)
			merged = 0
		}
	}

	signed, claims, err := s.signer.Sign(token.KindAccountSession, account.ID, "", "", s.tokenTTL)
	if err != nil {
		return nil, fmt.Errorf("signing account token: %w", err)
	}

	s.logger.Info("account verified",
		"account_id", account.ID,
		"player_id", player.ID,
	)
	return &VerifiedLogin{
		Token:         signed,
		AccountID:     account.ID,
		PlayerID:      player.ID,
		Email:         email,
		MergedCredits: merged,
		ExpiresAt:     claims.Expiry(),
	}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// generateCode returns a random 6-digit code with leading zeros preserved.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// LogMailer writes codes to the log instead of sending mail. Development
// only.
type LogMailer struct {
	Logger *slog.Logger
}

func (m *LogMailer) SendCode(_ context.Context, email, code string) error {
	if m.Logger == nil {
		return errors.New("log mailer has no logger")
	}
	m.Logger.Info("verification code (dev delivery)", "email", email, "code", code)
	return nil
}
