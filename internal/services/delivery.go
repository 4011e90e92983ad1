package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/upsetiq/upsetiq/internal/models"
)

// Channel names
const (
	ChannelWebSocket = "websocket"
	ChannelPush      = "push"
	ChannelSMS       = "sms"
	ChannelMock      = "mock"
)

// DeliveryChannel is one transport for queued alerts. Deliver returns an
// error on transport failure; the alert engine owns retry/backoff.
type DeliveryChannel interface {
	Name() string
	Deliver(ctx context.Context, alert *models.QueuedAlert, sub *models.AlertSubscription) error
}

// WebSocketChannel pushes ups_alert events through the hub. Broadcast alerts
// go to the alerts topic; user alerts go to the user's sockets.
type WebSocketChannel struct {
	hub *WebSocketHub
}

func NewWebSocketChannel(hub *WebSocketHub) *WebSocketChannel {
	return &WebSocketChannel{hub: hub}
}

func (c *WebSocketChannel) Name() string { return ChannelWebSocket }

func (c *WebSocketChannel) Deliver(ctx context.Context, alert *models.QueuedAlert, sub *models.AlertSubscription) error {
	event := UPSAlertEvent{
		GameID:    alert.GameID,
		UPSScore:  alert.UPSScore,
		Threshold: alert.Threshold,
		AlertType: alert.AlertType,
		Title:     alert.Title,
		Message:   alert.Message,
	}

	if alert.IsBroadcast() {
		return c.hub.BroadcastToTopic(TopicAlerts, "ups_alert", event)
	}

	userID := *alert.UserID
	if !c.hub.HasClientForUser(userID) {
		return fmt.Errorf("no open socket for user %s", userID)
	}
	return c.hub.BroadcastToUser(userID, "ups_alert", event)
}

// PushChannel POSTs the alert to the subscription's push endpoint.
type PushChannel struct {
	httpClient *http.Client
	webhookURL string
	logger     *logrus.Logger
}

func NewPushChannel(webhookURL string, timeout time.Duration, logger *logrus.Logger) *PushChannel {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &PushChannel{
		httpClient: &http.Client{Timeout: timeout},
		webhookURL: webhookURL,
		logger:     logger,
	}
}

func (c *PushChannel) Name() string { return ChannelPush }

func (c *PushChannel) Deliver(ctx context.Context, alert *models.QueuedAlert, sub *models.AlertSubscription) error {
	endpoint := c.webhookURL
	if sub != nil && sub.PushToken != "" {
		endpoint = sub.PushToken
	}
	if endpoint == "" {
		return fmt.Errorf("no push endpoint configured")
	}

	payload, err := json.Marshal(map[string]interface{}{
		"title":      alert.Title,
		"body":       alert.Message,
		"game_id":    alert.GameID,
		"ups_score":  alert.UPSScore,
		"alert_type": alert.AlertType,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}

	c.logger.Debugf("Push delivered for alert %d", alert.ID)
	return nil
}

// SMSChannel sends alert messages through Twilio.
type SMSChannel struct {
	client     *twilio.RestClient
	fromNumber string
	logger     *logrus.Logger
}

func NewSMSChannel(accountSID, authToken, fromNumber string, logger *logrus.Logger) *SMSChannel {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &SMSChannel{
		client:     client,
		fromNumber: fromNumber,
		logger:     logger,
	}
}

func (c *SMSChannel) Name() string { return ChannelSMS }

func (c *SMSChannel) Deliver(ctx context.Context, alert *models.QueuedAlert, sub *models.AlertSubscription) error {
	if sub == nil || sub.PhoneNumber == "" {
		return fmt.Errorf("no phone number on subscription")
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(sub.PhoneNumber)
	params.SetFrom(c.fromNumber)
	params.SetBody(fmt.Sprintf("%s\n%s", alert.Title, alert.Message))

	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("twilio delivery failed: %w", err)
	}

	if resp.Sid != nil {
		c.logger.Debugf("SMS delivered for alert %d (sid %s)", alert.ID, *resp.Sid)
	}
	return nil
}

// MockChannel records deliveries for development and tests. FailUntil lets
// tests exercise the retry path.
type MockChannel struct {
	Delivered []uint
	FailUntil int
	attempts  int
}

func NewMockChannel() *MockChannel {
	return &MockChannel{}
}

func (c *MockChannel) Name() string { return ChannelMock }

func (c *MockChannel) Deliver(ctx context.Context, alert *models.QueuedAlert, sub *models.AlertSubscription) error {
	c.attempts++
	if c.attempts <= c.FailUntil {
		return fmt.Errorf("mock delivery failure %d", c.attempts)
	}
	c.Delivered = append(c.Delivered, alert.ID)
	return nil
}

// Attempts returns how many deliveries were attempted.
func (c *MockChannel) Attempts() int { return c.attempts }
