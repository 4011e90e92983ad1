package models

import (
	"time"
)

// Subscription types
const (
	SubscriptionThreshold = "threshold"
	SubscriptionTeam      = "team"
	SubscriptionGame      = "game"
	SubscriptionAll       = "all"
)

// Alert types
const (
	AlertTypeThreshold  = "ups_threshold"
	AlertTypeTeamUpdate = "team_update"
	AlertTypeGameUpdate = "game_update"
	AlertTypeHighUPS    = "high_ups"
)

// QueuedAlert statuses. Delivered and expired are terminal.
const (
	AlertStatusPending   = "pending"
	AlertStatusSent      = "sent"
	AlertStatusDelivered = "delivered"
	AlertStatusFailed    = "failed"
	AlertStatusExpired   = "expired"
)

// AlertSubscription is a user's standing interest in alerts.
type AlertSubscription struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	UserID           string    `gorm:"not null;uniqueIndex:idx_subscription_key" json:"user_id"`
	SubscriptionType string    `gorm:"not null;uniqueIndex:idx_subscription_key" json:"subscription_type"`
	TargetID         string    `gorm:"uniqueIndex:idx_subscription_key" json:"target_id"` // team abbr or game ID; empty for threshold/all
	UPSThreshold     float64   `json:"ups_threshold,omitempty"`
	WebsocketEnabled bool      `gorm:"default:true" json:"websocket_enabled"`
	PushEnabled      bool      `gorm:"default:false" json:"push_enabled"`
	SMSEnabled       bool      `gorm:"default:false" json:"sms_enabled"`
	PushToken        string    `json:"push_token,omitempty"`
	PhoneNumber      string    `json:"phone_number,omitempty"`
	Active           bool      `gorm:"default:true;index" json:"active"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (AlertSubscription) TableName() string {
	return "alert_subscriptions"
}

// Matches reports whether a prediction for the given game should be
// considered for this subscription at all. Threshold semantics are applied
// by the alert engine on top of this.
func (s *AlertSubscription) Matches(game *Game) bool {
	switch s.SubscriptionType {
	case SubscriptionThreshold, SubscriptionAll:
		return true
	case SubscriptionTeam:
		return s.TargetID == game.Favorite || s.TargetID == game.Underdog
	case SubscriptionGame:
		return s.TargetID == game.ID
	}
	return false
}

// QueuedAlert is one pending or delivered notification instance. UserID is
// nil for broadcast alerts, which fan out to matching subscriptions at
// delivery time. The partial unique index enforces at most one non-terminal
// alert per (user, game, type) at the schema level, so the engine's
// update-then-insert dedup cannot race itself into duplicates.
type QueuedAlert struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	UserID        *string    `gorm:"uniqueIndex:idx_alert_active" json:"user_id,omitempty"`
	GameID        string     `gorm:"not null;uniqueIndex:idx_alert_active,where:status <> 'delivered' AND status <> 'expired'" json:"game_id"`
	AlertType     string     `gorm:"not null;uniqueIndex:idx_alert_active" json:"alert_type"`
	Title         string     `json:"title"`
	Message       string     `json:"message"`
	UPSScore      float64    `json:"ups_score"`
	PreviousUPS   *float64   `json:"previous_ups,omitempty"`
	Threshold     float64    `json:"threshold,omitempty"`
	Status        string     `gorm:"not null;default:pending;index" json:"status"`
	Priority      int        `gorm:"default:5" json:"priority"`
	RetryCount    int        `gorm:"default:0" json:"retry_count"`
	MaxRetries    int        `gorm:"default:3" json:"max_retries"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	ExpiresAt     time.Time  `gorm:"index" json:"expires_at"`
	DeliveredVia  string     `json:"delivered_via,omitempty"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (QueuedAlert) TableName() string {
	return "alert_queue"
}

// IsTerminal reports whether the alert has reached a final state.
func (a *QueuedAlert) IsTerminal() bool {
	return a.Status == AlertStatusDelivered || a.Status == AlertStatusExpired
}

// IsBroadcast reports whether the alert fans out to all matching
// subscriptions instead of a single user.
func (a *QueuedAlert) IsBroadcast() bool {
	return a.UserID == nil
}
