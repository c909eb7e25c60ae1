package domain

import "time"

// Window is the time range a ranking is computed over. Daily and Weekly are
// derived views over the score history, not separately purged tables: window
// membership is computed from achieved-at against the query time.
type Window string

const (
	WindowDaily   Window = "daily"
	WindowWeekly  Window = "weekly"
	WindowAllTime Window = "alltime"
)

// ParseWindow maps a query string to a Window, defaulting to all-time.
func ParseWindow(s string) (Window, bool) {
	switch Window(s) {
	case WindowDaily, WindowWeekly, WindowAllTime:
		return Window(s), true
	case "":
		return WindowAllTime, true
	}
	return WindowAllTime, false
}

// WindowStart returns the inclusive lower bound of a window at the given
// time. Daily resets at UTC midnight, Weekly at Monday 00:00 UTC. AllTime
// returns the zero time.
func WindowStart(w Window, now time.Time) time.Time {
	now = now.UTC()
	switch w {
	case WindowDaily:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	case WindowWeekly:
		day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7 // days since Monday
		return day.AddDate(0, 0, -offset)
	}
	return time.Time{}
}

// PlayerBest is a player's best accepted score within some window.
type PlayerBest struct {
	PlayerID    string    `json:"player_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Score       int64     `json:"score"`
	AchievedAt  time.Time `json:"achieved_at"`
}

// RankedEntry is one row of a ranked leaderboard view.
type RankedEntry struct {
	Rank        int64     `json:"rank"`
	PlayerID    string    `json:"player_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Score       int64     `json:"score"`
	AchievedAt  time.Time `json:"achieved_at"`
}

// ScoreEvent is one accepted score in the append-only history that backs the
// windowed views.
type ScoreEvent struct {
	ID         string    `json:"id"`
	GameID     string    `json:"game_id"`
	PlayerID   string    `json:"player_id"`
	Score      int64     `json:"score"`
	AchievedAt time.Time `json:"achieved_at"`
}

// ScoreSubmission is a trusted, already-validated score arriving on the
// internal feed (Kafka). Untrusted client scores never take this path; they
// go through the session validator.
type ScoreSubmission struct {
	GameID     string    `json:"game_id"`
	PlayerID   string    `json:"player_id"`
	Score      int64     `json:"score"`
	AchievedAt time.Time `json:"achieved_at,omitempty"`
}
