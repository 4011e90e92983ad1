package models

import (
	"time"

	"gorm.io/datatypes"
)

// Snapshot sources
const (
	SourceOdds      = "odds"
	SourceInjury    = "injury"
	SourceSentiment = "sentiment"
	SourceSchedule  = "schedule"
)

// AllSources lists every source a game can have snapshots for.
var AllSources = []string{SourceOdds, SourceInjury, SourceSentiment, SourceSchedule}

// Snapshot is one immutable observation of a mutable quantity. Rows are only
// ever appended; newer observations supersede older ones by captured_at.
type Snapshot struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	GameID     string         `gorm:"not null;uniqueIndex:idx_snapshot_key;index" json:"game_id"`
	Source     string         `gorm:"not null;uniqueIndex:idx_snapshot_key" json:"source"`
	CapturedAt time.Time      `gorm:"not null;uniqueIndex:idx_snapshot_key" json:"captured_at"`
	Payload    datatypes.JSON `gorm:"type:jsonb" json:"payload"`
	CreatedAt  time.Time      `json:"created_at"`
}

// TableName specifies the table name for GORM
func (Snapshot) TableName() string {
	return "snapshots"
}

// OddsPayload is the structured payload of an odds snapshot. Spread and
// moneylines are quoted against the favorite (negative spread, negative
// favorite moneyline).
type OddsPayload struct {
	Bookmaker         string   `json:"bookmaker,omitempty"`
	Spread            *float64 `json:"spread,omitempty"`
	FavoriteMoneyline *int     `json:"favorite_moneyline,omitempty"`
	UnderdogMoneyline *int     `json:"underdog_moneyline,omitempty"`
	OverUnder         *float64 `json:"over_under,omitempty"`
}

// InjuryEntry is one player's injury report line.
type InjuryEntry struct {
	PlayerName string `json:"player_name"`
	Team       string `json:"team"`
	Position   string `json:"position"`
	Status     string `json:"status"` // Out, IR, Doubtful, Questionable, Probable
	InjuryType string `json:"injury_type,omitempty"`
}

// InjuryPayload carries both sides' injury reports for a game.
type InjuryPayload struct {
	Favorite []InjuryEntry `json:"favorite"`
	Underdog []InjuryEntry `json:"underdog"`
}

// TeamSentiment is an aggregated sentiment reading for one team.
type TeamSentiment struct {
	Score  float64 `json:"score"` // -1 to 1
	Volume int     `json:"volume"`
	Origin string  `json:"origin,omitempty"` // e.g. "reddit"
}

// SentimentPayload carries both sides' sentiment readings for a game.
type SentimentPayload struct {
	Favorite *TeamSentiment `json:"favorite,omitempty"`
	Underdog *TeamSentiment `json:"underdog,omitempty"`
}

// TeamRecord is a team's standing at snapshot time. Streak is positive for a
// win streak and negative for a losing streak.
type TeamRecord struct {
	Wins       int     `json:"wins"`
	Losses     int     `json:"losses"`
	WinPct     float64 `json:"win_pct"`
	ATSWins    int     `json:"ats_wins"`
	ATSLosses  int     `json:"ats_losses"`
	Streak     int     `json:"streak"`
	RestDays   int     `json:"rest_days"`
}

// SchedulePayload is the identity snapshot for a game: teams, kickoff and
// current form. The feature pipeline cannot score a game without one.
type SchedulePayload struct {
	Sport          string      `json:"sport"`
	HomeTeam       string      `json:"home_team"`
	AwayTeam       string      `json:"away_team"`
	Favorite       string      `json:"favorite"`
	Underdog       string      `json:"underdog"`
	StartTime      time.Time   `json:"start_time"`
	IsDivisional   bool        `json:"is_divisional"`
	FavoriteRecord *TeamRecord `json:"favorite_record,omitempty"`
	UnderdogRecord *TeamRecord `json:"underdog_record,omitempty"`
}
