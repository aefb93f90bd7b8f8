// Package dispatch turns a triggering event into one delivered (or failed)
// notification per config. Each Send is a single attempt with a terminal
// outcome; retry and backoff belong to the caller.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/lookout-dev/lookout/internal/apperrors"
	"github.com/lookout-dev/lookout/internal/channels"
	"github.com/lookout-dev/lookout/internal/config"
	"github.com/lookout-dev/lookout/internal/metrics"
	"github.com/lookout-dev/lookout/internal/models"
	"github.com/lookout-dev/lookout/internal/types"
)

// Result is the outcome of one dispatch attempt. The notification is
// persisted with a terminal status even when delivery failed; delivery
// failure is a business outcome, not an error of the Send call.
type Result struct {
	Notification    models.Notification
	AdapterResponse string
}

type Engine struct {
	db      *gorm.DB
	email   channels.EmailSender
	webhook channels.WebhookPoster
	timeout time.Duration
	log     *logrus.Entry

	// One slot set per channel type bounds adapter concurrency, so a slow
	// recipient list on one channel cannot starve the other.
	slots map[string]chan struct{}
}

func NewEngine(conn *gorm.DB, email channels.EmailSender, webhook channels.WebhookPoster, cfg config.DispatchConfig) *Engine {
	slots := map[string]chan struct{}{
		types.ChannelEmail:   make(chan struct{}, cfg.WorkersPerChannel),
		types.ChannelWebhook: make(chan struct{}, cfg.WorkersPerChannel),
	}

	return &Engine{
		db:      conn,
		email:   email,
		webhook: webhook,
		timeout: cfg.AdapterTimeout,
		log:     logrus.WithField("component", "dispatch"),
		slots:   slots,
	}
}

// Send resolves the config, renders the channel payload, invokes the adapter
// under a bounded timeout and persists one Notification with a terminal
// status. It is deliberately not idempotent: every call is a fresh attempt
// and a fresh record.
func (e *Engine) Send(ctx context.Context, configID uint, event Event) (Result, error) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	var cfg models.NotificationConfig

	if err := e.db.WithContext(ctx).First(&cfg, configID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Result{}, apperrors.NotFound("notification config")
		}
		return Result{}, err
	}

	// A config whose declared type has no live sub-config is data corruption,
	// not a request-level mistake. Fail loudly.
	if len(cfg.Config) == 0 || string(cfg.Config) == "null" {
		e.log.WithFields(logrus.Fields{
			"config_id": cfg.ID,
			"type":      cfg.Type,
		}).Error("notification config has no sub-config for its declared type")
		return Result{}, apperrors.InvariantViolation(
			fmt.Sprintf("notification config %d (%s) has no sub-config", cfg.ID, cfg.Type))
	}

	notification := models.Notification{
		NotificationConfigID: cfg.ID,
		ServerID:             event.ServerID,
		ProbeID:              event.ProbeID,
		UserID:               event.UserID,
		Level:                event.Level,
		Title:                event.Title,
		Message:              event.Message,
		Status:               types.NotificationPending,
	}

	if err := e.db.WithContext(ctx).Create(&notification).Error; err != nil {
		return Result{}, err
	}

	response, deliverErr := e.deliver(ctx, cfg, event)

	if deliverErr != nil {
		notification.Status = types.NotificationFailed
		notification.StatusDetails = deliverErr.Error()
	} else {
		now := time.Now()
		notification.Status = types.NotificationSent
		notification.SentAt = &now
	}

	updates := map[string]interface{}{
		"status":         notification.Status,
		"status_details": notification.StatusDetails,
		"sent_at":        notification.SentAt,
	}

	// The terminal write must land even when the request context is already
	// canceled; a dangling PENDING row is worse than a late update.
	if err := e.db.Model(&models.Notification{}).
		Where("id = ?", notification.ID).
		Updates(updates).Error; err != nil {
		e.log.WithError(err).WithField("notification_id", notification.ID).
			Error("failed to persist dispatch outcome")
		return Result{}, err
	}

	metrics.DispatchTotal.WithLabelValues(cfg.Type, notification.Status).Inc()

	if deliverErr != nil {
		e.log.WithFields(logrus.Fields{
			"config_id":       cfg.ID,
			"notification_id": notification.ID,
			"channel":         cfg.Type,
		}).WithError(deliverErr).Warn("notification delivery failed")
	}

	return Result{Notification: notification, AdapterResponse: response}, nil
}

// Test synthesizes an informational event and sends it through the normal
// path, so a test exercises rendering, the adapter and persistence alike.
func (e *Engine) Test(ctx context.Context, configID uint, serverID uint, serverName string) (Result, error) {
	event := Event{
		Level:      types.LevelInfo,
		Title:      "Test notification",
		Message:    fmt.Sprintf("This is a test notification for server %q.", serverName),
		ServerID:   serverID,
		ServerName: serverName,
		Timestamp:  time.Now(),
	}

	return e.Send(ctx, configID, event)
}

// Fanout dispatches one event to several configs concurrently. Deliveries
// are independent: no ordering is guaranteed between them and one failure
// does not affect the others. It returns immediately; errors are logged.
func (e *Engine) Fanout(configIDs []uint, event Event) {
	for _, id := range configIDs {
		configID := id

		go func() {
			if _, err := e.Send(context.Background(), configID, event); err != nil {
				e.log.WithError(err).WithField("config_id", configID).
					Error("fanout dispatch failed")
			}
		}()
	}
}

func (e *Engine) deliver(ctx context.Context, cfg models.NotificationConfig, event Event) (string, error) {
	slot, ok := e.slots[cfg.Type]
	if !ok {
		return "", fmt.Errorf("unsupported channel type %q", cfg.Type)
	}

	select {
	case slot <- struct{}{}:
		defer func() { <-slot }()
	case <-ctx.Done():
		return "", fmt.Errorf("dispatch canceled while waiting for a %s worker", cfg.Type)
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	timer := prometheus.NewTimer(metrics.DispatchDuration.WithLabelValues(cfg.Type))
	defer timer.ObserveDuration()

	var (
		response string
		err      error
	)

	switch cfg.Type {
	case types.ChannelEmail:
		err = e.deliverEmail(sendCtx, cfg, event)
	case types.ChannelWebhook:
		response, err = e.deliverWebhook(sendCtx, cfg, event)
	default:
		err = fmt.Errorf("unsupported channel type %q", cfg.Type)
	}

	if err != nil && errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("delivery timed out after %s", e.timeout)
	}

	return response, err
}

func (e *Engine) deliverEmail(ctx context.Context, cfg models.NotificationConfig, event Event) error {
	var sub types.EmailChannelConfig

	if err := json.Unmarshal(cfg.Config, &sub); err != nil {
		return fmt.Errorf("incomplete configuration: %v", err)
	}

	if len(sub.Recipients) == 0 {
		return errors.New("incomplete configuration: no recipients")
	}

	msg, err := renderEmail(sub.Recipients, event)
	if err != nil {
		return err
	}

	return e.email.Send(ctx, msg)
}

func (e *Engine) deliverWebhook(ctx context.Context, cfg models.NotificationConfig, event Event) (string, error) {
	var sub types.WebhookChannelConfig

	if err := json.Unmarshal(cfg.Config, &sub); err != nil {
		return "", fmt.Errorf("incomplete configuration: %v", err)
	}

	if sub.URL == "" {
		return "", errors.New("incomplete configuration: no webhook URL")
	}

	body, err := buildWebhookPayload(sub.Payload, event)
	if err != nil {
		return "", err
	}

	return e.webhook.Post(ctx, sub.URL, sub.Headers, body)
}
