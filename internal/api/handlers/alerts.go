package handlers

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/upsetiq/upsetiq/internal/models"
	"github.com/upsetiq/upsetiq/pkg/database"
	"github.com/upsetiq/upsetiq/pkg/utils"
)

type AlertsHandler struct {
	db            *database.DB
	highUPSCutoff float64
}

func NewAlertsHandler(db *database.DB, highUPSCutoff float64) *AlertsHandler {
	if highUPSCutoff == 0 {
		highUPSCutoff = 70
	}
	return &AlertsHandler{db: db, highUPSCutoff: highUPSCutoff}
}

// GetHighUPS returns the games whose latest prediction is at or above the
// high-UPS cutoff, highest score first.
func (h *AlertsHandler) GetHighUPS(c *gin.Context) {
	cutoff := h.highUPSCutoff
	if raw := c.Query("cutoff"); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil && parsed > 0 {
			cutoff = parsed
		}
	}

	latest := h.db.Model(&models.Prediction{}).Select("MAX(id)").Group("game_id")

	var predictions []models.Prediction
	err := h.db.
		Where("id IN (?) AND ups_score >= ?", latest, cutoff).
		Order("ups_score DESC").
		Find(&predictions).Error
	if err != nil {
		utils.SendInternalError(c, "Failed to fetch high-UPS games")
		return
	}

	type highUPSEntry struct {
		Game       models.Game       `json:"game"`
		Prediction models.Prediction `json:"prediction"`
	}

	entries := make([]highUPSEntry, 0, len(predictions))
	for _, pred := range predictions {
		var game models.Game
		if err := h.db.First(&game, "id = ?", pred.GameID).Error; err != nil {
			continue
		}
		if game.Status != models.GameStatusUpcoming {
			continue
		}
		entries = append(entries, highUPSEntry{Game: game, Prediction: pred})
	}

	utils.SendSuccess(c, entries)
}

type subscribeRequest struct {
	UserID           string  `json:"user_id" binding:"required"`
	SubscriptionType string  `json:"subscription_type" binding:"required"`
	TargetID         string  `json:"target_id"`
	UPSThreshold     float64 `json:"ups_threshold"`
	WebsocketEnabled *bool   `json:"websocket_enabled"`
	PushEnabled      bool    `json:"push_enabled"`
	SMSEnabled       bool    `json:"sms_enabled"`
	PushToken        string  `json:"push_token"`
	PhoneNumber      string  `json:"phone_number"`
}

// Subscribe creates or updates an alert subscription. Subscriptions are
// unique per (user, type, target); re-subscribing updates the existing row.
func (h *AlertsHandler) Subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendValidationError(c, "Invalid subscription request", err.Error())
		return
	}

	switch req.SubscriptionType {
	case models.SubscriptionThreshold:
		if req.UPSThreshold <= 0 || req.UPSThreshold > 100 {
			utils.SendValidationError(c, "Threshold subscriptions need ups_threshold in (0, 100]", "")
			return
		}
	case models.SubscriptionTeam, models.SubscriptionGame:
		if req.TargetID == "" {
			utils.SendValidationError(c, "Team and game subscriptions need target_id", "")
			return
		}
	case models.SubscriptionAll:
		// No target or threshold required.
	default:
		utils.SendValidationError(c, "Unknown subscription_type: "+req.SubscriptionType, "")
		return
	}

	websocketEnabled := true
	if req.WebsocketEnabled != nil {
		websocketEnabled = *req.WebsocketEnabled
	}

	var sub models.AlertSubscription
	err := h.db.
		Where("user_id = ? AND subscription_type = ? AND target_id = ?", req.UserID, req.SubscriptionType, req.TargetID).
		First(&sub).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			utils.SendInternalError(c, "Failed to look up subscription")
			return
		}
		sub = models.AlertSubscription{
			UserID:           req.UserID,
			SubscriptionType: req.SubscriptionType,
			TargetID:         req.TargetID,
			UPSThreshold:     req.UPSThreshold,
			WebsocketEnabled: websocketEnabled,
			PushEnabled:      req.PushEnabled,
			SMSEnabled:       req.SMSEnabled,
			PushToken:        req.PushToken,
			PhoneNumber:      req.PhoneNumber,
			Active:           true,
		}
		if err := h.db.Create(&sub).Error; err != nil {
			utils.SendInternalError(c, "Failed to create subscription")
			return
		}
		utils.SendSuccess(c, sub)
		return
	}

	updates := map[string]interface{}{
		"ups_threshold":     req.UPSThreshold,
		"websocket_enabled": websocketEnabled,
		"push_enabled":      req.PushEnabled,
		"sms_enabled":       req.SMSEnabled,
		"push_token":        req.PushToken,
		"phone_number":      req.PhoneNumber,
		"active":            true,
	}
	if err := h.db.Model(&sub).Updates(updates).Error; err != nil {
		utils.SendInternalError(c, "Failed to update subscription")
		return
	}
	utils.SendSuccess(c, sub)
}

// ListSubscriptions returns a user's active subscriptions.
func (h *AlertsHandler) ListSubscriptions(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		utils.SendValidationError(c, "user_id is required", "")
		return
	}

	var subs []models.AlertSubscription
	if err := h.db.Where("user_id = ? AND active = ?", userID, true).Find(&subs).Error; err != nil {
		utils.SendInternalError(c, "Failed to fetch subscriptions")
		return
	}
	utils.SendSuccess(c, subs)
}

// Unsubscribe deactivates a subscription; the row is kept for history.
func (h *AlertsHandler) Unsubscribe(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		utils.SendValidationError(c, "Invalid subscription id", "")
		return
	}

	res := h.db.Model(&models.AlertSubscription{}).Where("id = ?", id).Update("active", false)
	if res.Error != nil {
		utils.SendInternalError(c, "Failed to unsubscribe")
		return
	}
	if res.RowsAffected == 0 {
		utils.SendNotFound(c, "Subscription not found")
		return
	}
	utils.SendSuccess(c, gin.H{"id": id, "active": false})
}
