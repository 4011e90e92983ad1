package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/upsetiq/upsetiq/internal/models"
	"github.com/upsetiq/upsetiq/internal/services"
	"github.com/upsetiq/upsetiq/pkg/database"
)

// AlertPolicy bundles the tunables of the alert queue.
type AlertPolicy struct {
	HighUPSCutoff float64
	MaxRetries    int
	BackoffBase   time.Duration
	TTL           time.Duration
	BatchSize     int
}

func (p AlertPolicy) withDefaults() AlertPolicy {
	if p.HighUPSCutoff == 0 {
		p.HighUPSCutoff = 70
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.BackoffBase == 0 {
		p.BackoffBase = 30 * time.Second
	}
	if p.TTL == 0 {
		p.TTL = 6 * time.Hour
	}
	if p.BatchSize == 0 {
		p.BatchSize = 100
	}
	return p
}

// AlertEngine turns fresh predictions into a deduplicated, prioritized,
// retried delivery queue. It is fully decoupled from scoring: its errors are
// logged and absorbed, never propagated into the pipeline.
type AlertEngine struct {
	db       *database.DB
	channels []services.DeliveryChannel
	policy   AlertPolicy
	logger   *logrus.Logger
}

func NewAlertEngine(db *database.DB, channels []services.DeliveryChannel, policy AlertPolicy, logger *logrus.Logger) *AlertEngine {
	return &AlertEngine{
		db:       db,
		channels: channels,
		policy:   policy.withDefaults(),
		logger:   logger,
	}
}

// Evaluate matches one new prediction against every active subscription and
// enqueues qualifying alerts. Threshold subscriptions fire only on an upward
// crossing relative to the game's previous prediction; a first prediction
// counts as crossing from below.
func (e *AlertEngine) Evaluate(ctx context.Context, game *models.Game, pred *models.Prediction) error {
	previous, err := e.previousScore(ctx, pred)
	if err != nil {
		return err
	}

	var subs []models.AlertSubscription
	if err := e.db.WithContext(ctx).Where("active = ?", true).Find(&subs).Error; err != nil {
		return fmt.Errorf("failed to load subscriptions: %w", err)
	}

	for i := range subs {
		sub := &subs[i]
		if !sub.Matches(game) {
			continue
		}

		alertType, fires := e.qualifies(sub, pred.UPSScore, previous)
		if !fires {
			continue
		}

		userID := sub.UserID
		threshold := sub.UPSThreshold
		if sub.SubscriptionType == models.SubscriptionAll {
			threshold = e.policy.HighUPSCutoff
		}
		if err := e.enqueue(ctx, &userID, game, pred, alertType, threshold, previous); err != nil {
			e.logger.Errorf("Failed to enqueue alert for user %s game %s: %v", sub.UserID, game.ID, err)
		}
	}

	// Broadcast high-UPS alert, owned by no single user; the fan-out to
	// subscriptions happens at delivery time.
	if crossedUpward(previous, pred.UPSScore, e.policy.HighUPSCutoff) {
		if err := e.enqueue(ctx, nil, game, pred, models.AlertTypeHighUPS, e.policy.HighUPSCutoff, previous); err != nil {
			e.logger.Errorf("Failed to enqueue broadcast alert for game %s: %v", game.ID, err)
		}
	}

	return nil
}

// qualifies decides whether a subscription fires for this score.
func (e *AlertEngine) qualifies(sub *models.AlertSubscription, score float64, previous *float64) (string, bool) {
	switch sub.SubscriptionType {
	case models.SubscriptionThreshold:
		return models.AlertTypeThreshold, crossedUpward(previous, score, sub.UPSThreshold)
	case models.SubscriptionTeam:
		return models.AlertTypeTeamUpdate, true
	case models.SubscriptionGame:
		return models.AlertTypeGameUpdate, true
	case models.SubscriptionAll:
		return models.AlertTypeHighUPS, score >= e.policy.HighUPSCutoff
	}
	return "", false
}

// crossedUpward is true when the score moves from below the threshold to at
// or above it. No previous prediction counts as below.
func crossedUpward(previous *float64, score, threshold float64) bool {
	if score < threshold {
		return false
	}
	return previous == nil || *previous < threshold
}

// previousScore returns the UPS of the game's prior prediction, nil when
// this is the first one.
func (e *AlertEngine) previousScore(ctx context.Context, pred *models.Prediction) (*float64, error) {
	query := e.db.WithContext(ctx).Where("game_id = ?", pred.GameID)
	if pred.ID != 0 {
		query = query.Where("id < ?", pred.ID)
	}
	var prior models.Prediction
	err := query.Order("id DESC").First(&prior).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load prior prediction: %w", err)
	}
	return &prior.UPSScore, nil
}

// enqueue inserts a QueuedAlert or folds the event into the existing
// non-terminal alert for the same (user, game, type). The conditional update
// and insert run in one transaction so concurrent predictions cannot create
// duplicate pending alerts.
func (e *AlertEngine) enqueue(ctx context.Context, userID *string, game *models.Game, pred *models.Prediction, alertType string, threshold float64, previous *float64) error {
	now := time.Now().UTC()
	title, message := formatAlertContent(game, pred)

	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Model(&models.QueuedAlert{}).
			Where("game_id = ? AND alert_type = ?", game.ID, alertType).
			Where("status NOT IN ?", []string{models.AlertStatusDelivered, models.AlertStatusExpired})
		if userID == nil {
			query = query.Where("user_id IS NULL")
		} else {
			query = query.Where("user_id = ?", *userID)
		}

		res := query.Updates(map[string]interface{}{
			"ups_score":    pred.UPSScore,
			"previous_ups": previous,
			"title":        title,
			"message":      message,
			"priority":     alertPriority(pred.UPSScore),
			"updated_at":   now,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}

		alert := models.QueuedAlert{
			UserID:        userID,
			GameID:        game.ID,
			AlertType:     alertType,
			Title:         title,
			Message:       message,
			UPSScore:      pred.UPSScore,
			PreviousUPS:   previous,
			Threshold:     threshold,
			Status:        models.AlertStatusPending,
			Priority:      alertPriority(pred.UPSScore),
			MaxRetries:    e.policy.MaxRetries,
			NextAttemptAt: now,
			ExpiresAt:     now.Add(e.policy.TTL),
		}
		return tx.Create(&alert).Error
	})
}

// ProcessQueue expires overdue alerts and attempts delivery of the next
// batch, highest priority first. Transport failures stay inside the engine:
// they adjust the alert's retry state and are never returned.
func (e *AlertEngine) ProcessQueue(ctx context.Context, now time.Time, rc *RunContext) error {
	expired, err := e.expireOverdue(ctx, now)
	if err != nil {
		return err
	}
	if expired > 0 {
		rc.Metadata["expired"] = expired
	}

	var alerts []models.QueuedAlert
	err = e.db.WithContext(ctx).
		Where("status IN ? AND next_attempt_at <= ?", []string{models.AlertStatusPending, models.AlertStatusFailed}, now).
		Order("priority DESC, created_at ASC").
		Limit(e.policy.BatchSize).
		Find(&alerts).Error
	if err != nil {
		return fmt.Errorf("failed to dequeue alerts: %w", err)
	}

	delivered := 0
	for i := range alerts {
		if err := ctx.Err(); err != nil {
			return err
		}
		alert := &alerts[i]
		rc.Processed++

		if err := e.db.WithContext(ctx).Model(alert).Update("status", models.AlertStatusSent).Error; err != nil {
			e.logger.Errorf("Failed to mark alert %d sent: %v", alert.ID, err)
			continue
		}

		via, deliverErr := e.deliver(ctx, alert)
		if deliverErr != nil {
			e.recordFailure(ctx, alert, now, deliverErr)
			continue
		}

		alert.Status = models.AlertStatusDelivered
		alert.DeliveredVia = via
		deliveredAt := time.Now().UTC()
		alert.DeliveredAt = &deliveredAt
		if err := e.db.WithContext(ctx).Save(alert).Error; err != nil {
			e.logger.Errorf("Failed to finalize alert %d: %v", alert.ID, err)
			continue
		}
		delivered++
		rc.Updated++
	}

	if delivered > 0 {
		rc.Metadata["delivered"] = delivered
	}
	return nil
}

// expireOverdue finalizes every retriable alert whose TTL has passed.
func (e *AlertEngine) expireOverdue(ctx context.Context, now time.Time) (int64, error) {
	res := e.db.WithContext(ctx).Model(&models.QueuedAlert{}).
		Where("status IN ? AND expires_at <= ?", []string{models.AlertStatusPending, models.AlertStatusFailed}, now).
		Update("status", models.AlertStatusExpired)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to expire alerts: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// recordFailure applies retry accounting: the attempt that pushes
// retry_count past max_retries expires the alert, otherwise it is parked
// with an exponential backoff before the next attempt.
func (e *AlertEngine) recordFailure(ctx context.Context, alert *models.QueuedAlert, now time.Time, cause error) {
	alert.RetryCount++
	if alert.RetryCount > alert.MaxRetries {
		alert.Status = models.AlertStatusExpired
		e.logger.Warnf("Alert %d expired after %d attempts: %v", alert.ID, alert.RetryCount, cause)
	} else {
		alert.Status = models.AlertStatusFailed
		backoff := e.policy.BackoffBase * (1 << (alert.RetryCount - 1))
		alert.NextAttemptAt = now.Add(backoff)
		e.logger.Warnf("Alert %d delivery failed (attempt %d/%d), retrying in %s: %v",
			alert.ID, alert.RetryCount, alert.MaxRetries+1, backoff, cause)
	}

	if err := e.db.WithContext(ctx).Save(alert).Error; err != nil {
		e.logger.Errorf("Failed to record failure for alert %d: %v", alert.ID, err)
	}
}

// deliver attempts the alert through the configured channels and returns the
// channel name that succeeded.
func (e *AlertEngine) deliver(ctx context.Context, alert *models.QueuedAlert) (string, error) {
	var game models.Game
	if err := e.db.WithContext(ctx).First(&game, "id = ?", alert.GameID).Error; err != nil {
		return "", fmt.Errorf("failed to load game %s: %w", alert.GameID, err)
	}

	if alert.IsBroadcast() {
		return e.deliverBroadcast(ctx, alert, &game)
	}
	return e.deliverToUser(ctx, alert, &game)
}

// deliverToUser walks the channels in preference order, using the user's
// matching subscriptions to decide which transports are enabled.
func (e *AlertEngine) deliverToUser(ctx context.Context, alert *models.QueuedAlert, game *models.Game) (string, error) {
	var subs []models.AlertSubscription
	err := e.db.WithContext(ctx).
		Where("active = ? AND user_id = ?", true, *alert.UserID).
		Find(&subs).Error
	if err != nil {
		return "", fmt.Errorf("failed to load subscriptions: %w", err)
	}

	matching := subs[:0]
	for i := range subs {
		if subs[i].Matches(game) {
			matching = append(matching, subs[i])
		}
	}
	if len(matching) == 0 {
		return "", fmt.Errorf("no active subscription for user %s", *alert.UserID)
	}

	var lastErr error
	for _, channel := range e.channels {
		sub := subForChannel(matching, channel.Name())
		if sub == nil {
			continue
		}
		if err := channel.Deliver(ctx, alert, sub); err != nil {
			lastErr = err
			continue
		}
		return channel.Name(), nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no delivery channel enabled for user %s", *alert.UserID)
	}
	return "", lastErr
}

// deliverBroadcast fans the alert out to every matching subscription at
// delivery time, so subscriptions created after the prediction still receive
// a pending alert. The stream channels carry the broadcast; push is
// attempted best-effort per subscription.
func (e *AlertEngine) deliverBroadcast(ctx context.Context, alert *models.QueuedAlert, game *models.Game) (string, error) {
	var subs []models.AlertSubscription
	if err := e.db.WithContext(ctx).Where("active = ?", true).Find(&subs).Error; err != nil {
		return "", fmt.Errorf("failed to load subscriptions: %w", err)
	}

	via := ""
	var lastErr error
	for _, channel := range e.channels {
		switch channel.Name() {
		case services.ChannelSMS:
			// SMS is never broadcast.
		case services.ChannelPush:
			for i := range subs {
				sub := &subs[i]
				if !sub.PushEnabled || !sub.Matches(game) {
					continue
				}
				if err := channel.Deliver(ctx, alert, sub); err != nil {
					lastErr = err
				} else if via == "" {
					via = channel.Name()
				}
			}
		default:
			if err := channel.Deliver(ctx, alert, nil); err != nil {
				lastErr = err
			} else if via == "" {
				via = channel.Name()
			}
		}
	}

	if via == "" {
		if lastErr == nil {
			lastErr = fmt.Errorf("no broadcast channel available")
		}
		return "", lastErr
	}
	return via, nil
}

// subForChannel returns the first subscription with the channel enabled.
// Unknown channel names are treated as always enabled.
func subForChannel(subs []models.AlertSubscription, name string) *models.AlertSubscription {
	for i := range subs {
		sub := &subs[i]
		switch name {
		case services.ChannelWebSocket:
			if sub.WebsocketEnabled {
				return sub
			}
		case services.ChannelPush:
			if sub.PushEnabled && sub.PushToken != "" {
				return sub
			}
		case services.ChannelSMS:
			if sub.SMSEnabled && sub.PhoneNumber != "" {
				return sub
			}
		default:
			return sub
		}
	}
	return nil
}

func alertPriority(score float64) int {
	if score >= 70 {
		return 8
	}
	return 5
}

// formatAlertContent builds the title and body shown to users. The tone
// escalates with the score.
func formatAlertContent(game *models.Game, pred *models.Prediction) (string, string) {
	var title string
	switch {
	case pred.UPSScore >= 75:
		title = fmt.Sprintf("🔥 HIGH ALERT: %s upset potential!", game.Underdog)
	case pred.UPSScore >= 65:
		title = fmt.Sprintf("⚠️ ALERT: %s upset watch", game.Underdog)
	default:
		title = fmt.Sprintf("📊 %s vs %s update", game.Underdog, game.Favorite)
	}

	parts := []string{
		fmt.Sprintf("%s (+%d%% upset probability) vs %s", game.Underdog, int(pred.UPSScore), game.Favorite),
	}
	if len(pred.Drivers) > 0 {
		parts = append(parts, "Key signals:")
		for i, driver := range pred.Drivers {
			if i >= 3 {
				break
			}
			parts = append(parts, "• "+driver.Label)
		}
	}

	return title, strings.Join(parts, "\n")
}
