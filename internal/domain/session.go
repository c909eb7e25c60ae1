package domain

import "time"

// SessionStatus is the lifecycle state of a game session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionConsumed SessionStatus = "consumed"
)

// ScoreEnvelope is the server-computed plausibility bound for a game session.
// It is derived from static per-game configuration at issuance time and never
// from client input.
type ScoreEnvelope struct {
	MinScore int64 `json:"min_score"`
	MaxScore int64 `json:"max_score"`
	// MaxScoreRate is the maximum sustainable score per second. Together
	// with the claimed score it derives the minimum plausible duration.
	MaxScoreRate float64       `json:"max_score_rate"`
	MaxDuration  time.Duration `json:"max_duration"`
}

// Allows reports whether a claimed score is plausible for the elapsed play
// time. Bounds are inclusive: a score exactly at MaxScore, or exactly at the
// rate limit for the elapsed time, is accepted.
func (e ScoreEnvelope) Allows(score int64, elapsed time.Duration) bool {
	if score < e.MinScore || score > e.MaxScore {
		return false
	}
	if elapsed < 0 || elapsed > e.MaxDuration {
		return false
	}
	if e.MaxScoreRate > 0 && float64(score) > elapsed.Seconds()*e.MaxScoreRate {
		return false
	}
	return true
}

// GameSession is owned exclusively by the session subsystem. It is mutated
// exactly once: active -> consumed. Expiry is a logical state checked at
// validation time, never a stored transition.
type GameSession struct {
	ID        string        `json:"id"`
	PlayerID  string        `json:"player_id"`
	GameID    string        `json:"game_id"`
	Status    SessionStatus `json:"status"`
	Score     *int64        `json:"score,omitempty"`
	Envelope  ScoreEnvelope `json:"envelope"`
	StartedAt time.Time     `json:"started_at"`
	ExpiresAt time.Time     `json:"expires_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
}

// Expired reports whether the session is past its expiry at the given time.
func (s *GameSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// AcceptedResult is emitted exactly once per session, when the validator
// transitions it to consumed. It drives the reward credit and the
// leaderboard update.
type AcceptedResult struct {
	SessionID string        `json:"session_id"`
	PlayerID  string        `json:"player_id"`
	GameID    string        `json:"game_id"`
	Score     int64         `json:"score"`
	Duration  time.Duration `json:"duration"`
	PlayedAt  time.Time     `json:"played_at"`
}
