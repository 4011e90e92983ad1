package models

import (
	"time"
)

// GameFeatures is the derived feature vector for a game at a computation
// instant. Nil pointers mean the underlying source had no fresh snapshot;
// missing is deliberately distinct from zero so the scorer can discount
// confidence instead of silently treating stale data as neutral.
//
// Rows are append-only: a recomputation inserts a new row and prior rows are
// kept for trend queries.
type GameFeatures struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	GameID     string    `gorm:"not null;index:idx_features_game" json:"game_id"`
	Sport      string    `gorm:"not null" json:"sport"`
	Favorite   string    `gorm:"not null" json:"favorite"`
	Underdog   string    `gorm:"not null" json:"underdog"`
	StartTime  time.Time `json:"game_start_time"`
	ComputedAt time.Time `gorm:"not null;index:idx_features_game" json:"computed_at"`

	// Odds features
	OpeningSpread      *float64 `json:"opening_spread,omitempty"`
	CurrentSpread      *float64 `json:"current_spread,omitempty"`
	SpreadMovement     *float64 `json:"spread_movement,omitempty"`
	OpeningMoneyline   *int     `json:"opening_moneyline,omitempty"`
	CurrentMoneyline   *int     `json:"current_moneyline,omitempty"`
	MoneylineMovement  *int     `json:"moneyline_movement,omitempty"`
	ImpliedProbability *float64 `json:"implied_probability,omitempty"`
	OverUnder          *float64 `json:"over_under,omitempty"`

	// Injury features
	FavoriteInjuryScore   *float64 `json:"favorite_injury_score,omitempty"`
	UnderdogInjuryScore   *float64 `json:"underdog_injury_score,omitempty"`
	QBOutFavorite         *bool    `json:"qb_injury_favorite,omitempty"`
	QBOutUnderdog         *bool    `json:"qb_injury_underdog,omitempty"`
	KeyPlayersOutFavorite *int     `json:"key_players_out_favorite,omitempty"`
	KeyPlayersOutUnderdog *int     `json:"key_players_out_underdog,omitempty"`

	// Sentiment features
	FavoriteSentiment       *float64 `json:"favorite_sentiment,omitempty"`
	UnderdogSentiment       *float64 `json:"underdog_sentiment,omitempty"`
	SentimentDifferential   *float64 `json:"sentiment_differential,omitempty"`
	SentimentVolumeFavorite *int     `json:"sentiment_volume_favorite,omitempty"`
	SentimentVolumeUnderdog *int     `json:"sentiment_volume_underdog,omitempty"`

	// Form features
	FavoriteWinPct *float64 `json:"favorite_win_pct,omitempty"`
	UnderdogWinPct *float64 `json:"underdog_win_pct,omitempty"`
	FavoriteATSPct *float64 `json:"favorite_ats_pct,omitempty"`
	UnderdogATSPct *float64 `json:"underdog_ats_pct,omitempty"`
	FavoriteStreak *int     `json:"favorite_streak,omitempty"`
	UnderdogStreak *int     `json:"underdog_streak,omitempty"`

	// Situational flags
	IsPrimeTime      bool `json:"is_prime_time"`
	IsDivisional     bool `json:"is_divisional"`
	RestDaysFavorite *int `json:"rest_days_favorite,omitempty"`
	RestDaysUnderdog *int `json:"rest_days_underdog,omitempty"`

	// Scoring output, written back by the model scorer
	UPSScore      *float64 `json:"ups_score,omitempty"`
	UPSConfidence *float64 `json:"ups_confidence,omitempty"`
	ModelVersion  string   `json:"model_version,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// TableName specifies the table name for GORM
func (GameFeatures) TableName() string {
	return "game_features"
}

// HasIdentity reports whether the mandatory identity fields are present.
func (f *GameFeatures) HasIdentity() bool {
	return f.GameID != "" && f.Favorite != "" && f.Underdog != ""
}
