package models

import (
	"time"
)

// Game statuses
const (
	GameStatusUpcoming  = "upcoming"
	GameStatusLive      = "live"
	GameStatusCompleted = "completed"
)

type Game struct {
	ID           string    `gorm:"primaryKey" json:"id"` // external provider game ID
	Sport        string    `gorm:"not null;index" json:"sport"`
	HomeTeam     string    `gorm:"not null" json:"home_team"`
	AwayTeam     string    `gorm:"not null" json:"away_team"`
	Favorite     string    `gorm:"not null" json:"favorite"`
	Underdog     string    `gorm:"not null" json:"underdog"`
	StartTime    time.Time `gorm:"not null;index" json:"start_time"`
	Status       string    `gorm:"not null;default:upcoming" json:"status"`
	Venue        string    `json:"venue,omitempty"`
	Week         int       `json:"week,omitempty"`
	Season       int       `json:"season,omitempty"`
	IsDivisional bool      `json:"is_divisional"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (Game) TableName() string {
	return "games"
}

// IsPrimeTime reports whether the game kicks off in a prime-time slot:
// Thursday, Sunday or Monday night with a kickoff at 8 PM or later in the
// start time's own zone.
func (g *Game) IsPrimeTime() bool {
	hour := g.StartTime.Hour()
	if hour < 20 {
		return false
	}
	switch g.StartTime.Weekday() {
	case time.Thursday, time.Sunday, time.Monday:
		return true
	}
	return false
}
