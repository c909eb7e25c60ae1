// Package token produces and verifies compact HMAC-signed tokens. Tokens
// are opaque strings safe for transport in headers or bodies; replay
// protection is not this package's job; a verified token is only as good
// as the single-use session record it references.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrMalformed        = errors.New("malformed token")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrExpired          = errors.New("token expired")
)

// Kind distinguishes the two token families issued by this service.
type Kind string

const (
	KindGameSession    Kind = "game"
	KindAccountSession Kind = "account"
)

// Claims is the structured payload embedded in a token. The nonce defeats
// payload prediction; it does not prevent replay within the validity window.
type Claims struct {
	Kind      Kind   `json:"kind"`
	Subject   string `json:"sub"`
	SessionID string `json:"sid,omitempty"`
	GameID    string `json:"game,omitempty"`
	Nonce     string `json:"nonce"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// Expiry returns the absolute expiry time of the claims.
func (c *Claims) Expiry() time.Time {
	return time.Unix(c.ExpiresAt, 0).UTC()
}

// Signer signs and verifies tokens with a server-held symmetric secret.
// It is stateless and safe for concurrent use.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner builds a signer from the configured secret. An empty secret is a
// startup failure, not a per-request one.
func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("signing secret must not be empty")
	}
	return &Signer{secret: []byte(secret), now: time.Now}, nil
}

// WithClock overrides the signer's clock. Used in tests.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

// Sign issues a token for the given subject, valid for ttl from now.
// The caller-visible form is payload.signature, both base64url.
func (s *Signer) Sign(kind Kind, subject, sessionID, gameID string, ttl time.Duration) (string, *Claims, error) {
	nonce, err := newNonce()
	if err != nil {
		return "", nil, err
	}

	now := s.now().UTC()
	claims := &Claims{
		Kind:      kind,
		Subject:   subject,
		SessionID: sessionID,
		GameID:    gameID,
		Nonce:     nonce,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", nil, err
	}

	encoded := base64.RawURLEncoding.EncodeToString(payload)
	sig := s.mac(encoded)
	return encoded + "." + sig, claims, nil
}

// Verify checks the signature in constant time, then the expiry. The claims
// are only decoded after the signature is known to be genuine.
func (s *Signer) Verify(token string) (*Claims, error) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok || encoded == "" || sig == "" {
		return nil, ErrMalformed
	}

	expected := s.mac(encoded)
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return nil, ErrInvalidSignature
	}

	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrMalformed
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrMalformed
	}

	if s.now().UTC().Unix() > claims.ExpiresAt {
		return nil, ErrExpired
	}
	return &claims, nil
}

// VerifyKind is Verify plus a check that the token belongs to the expected
// family; a valid account token must never open a game session and vice
// versa.
func (s *Signer) VerifyKind(token string, kind Kind) (*Claims, error) {
	claims, err := s.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.Kind != kind {
		return nil, ErrInvalidSignature
	}
	return claims, nil
}

func (s *Signer) mac(payload string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

func newNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
