package domain

import "errors"

// Domain errors
var (
	// Validation failures: rejected, never retried, no state mutation.
	ErrInvalidToken       = errors.New("invalid game session token")
	ErrScoreOutOfEnvelope = errors.New("score outside plausible envelope")
	ErrCodeInvalid        = errors.New("invalid or used verification code")
	ErrCodeExpired        = errors.New("verification code expired")
	ErrInvalidRequest     = errors.New("invalid request")

	// Conflict failures: definite outcomes, not retried.
	ErrSessionConsumed     = errors.New("game session already consumed")
	ErrSessionExpired      = errors.New("game session expired")
	ErrDuplicateOrder      = errors.New("order already processed")
	ErrTooManyAttempts     = errors.New("too many verification attempts")
	ErrInsufficientCredits = errors.New("insufficient credits")

	// External payment verification outcome.
	ErrVerificationFailed = errors.New("payment verification failed")

	ErrPlayerNotFound  = errors.New("player not found")
	ErrAccountNotFound = errors.New("account not found")
	ErrGameNotFound    = errors.New("game not found")
	ErrSessionNotFound = errors.New("game session not found")
	ErrNotRanked       = errors.New("player not ranked in this window")

	ErrInternalError = errors.New("internal server error")
)

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrPlayerNotFound) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrGameNotFound) ||
		errors.Is(err, ErrSessionNotFound)
}

// IsValidationError reports whether err is a rejected-input outcome. These
// map to 400-class responses and must never be retried automatically.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrScoreOutOfEnvelope) ||
		errors.Is(err, ErrCodeInvalid) ||
		errors.Is(err, ErrCodeExpired) ||
		errors.Is(err, ErrInvalidRequest)
}

// IsConflictError reports whether err is a definite already-decided outcome.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrSessionConsumed) ||
		errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrDuplicateOrder) ||
		errors.Is(err, ErrTooManyAttempts) ||
		errors.Is(err, ErrInsufficientCredits)
}
