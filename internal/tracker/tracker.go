// Package tracker turns raw check outcomes into probe status transitions,
// alert history and notification fan-out. The checker that produces the raw
// outcome is a collaborator; the tracker owns everything after it.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/lookout-dev/lookout/db"
	"github.com/lookout-dev/lookout/internal/apperrors"
	"github.com/lookout-dev/lookout/internal/dispatch"
	"github.com/lookout-dev/lookout/internal/metrics"
	"github.com/lookout-dev/lookout/internal/models"
	"github.com/lookout-dev/lookout/internal/types"
)

// RawResult is the input contract from the external checker: one observation
// of one probe. For transport failures the checker puts its error text in
// Body.
type RawResult struct {
	ProbeID    uint
	Success    bool
	StatusCode int
	Body       string
	Payload    map[string]interface{}
	Timestamp  time.Time
}

// Notifier is the slice of the dispatch engine the tracker needs.
type Notifier interface {
	Fanout(configIDs []uint, event dispatch.Event)
}

type Tracker struct {
	db       *gorm.DB
	notifier Notifier
	log      *logrus.Entry

	// Broadcast pushes a refresh hint to live dashboard clients of the given
	// groups. Optional.
	Broadcast func(groupIDs []uint)
}

func New(conn *gorm.DB, notifier Notifier) *Tracker {
	return &Tracker{
		db:       conn,
		notifier: notifier,
		log:      logrus.WithField("component", "tracker"),
	}
}

// Ingest evaluates one raw result: derives the new status, updates the
// probe's last-seen fields unconditionally, and on a transition writes alert
// history and fans out notifications.
func (t *Tracker) Ingest(ctx context.Context, raw RawResult) error {
	if raw.Timestamp.IsZero() {
		raw.Timestamp = time.Now()
	}

	var probe models.Probe

	err := t.db.WithContext(ctx).
		Preload("Server.Groups").
		First(&probe, raw.ProbeID).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.NotFound("probe")
		}
		return err
	}

	status, message, err := t.derive(probe, raw)
	if err != nil {
		return err
	}

	updates := map[string]interface{}{
		"status":          status,
		"last_checked_at": raw.Timestamp,
		"last_message":    message,
	}

	if probe.Type == types.ProbeWebhook && raw.Payload != nil {
		encoded, err := json.Marshal(raw.Payload)
		if err != nil {
			return fmt.Errorf("encode received payload: %w", err)
		}
		updates["last_payload"] = datatypes.JSON(encoded)
	}

	var previous string

	err = t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The previous status must be read under the same lock as the write;
		// two concurrent ingests reading it up front would both observe a
		// transition and double-write alert history.
		var current models.Probe

		if err := db.LockForUpdate(tx).
			Select("status").
			First(&current, probe.ID).Error; err != nil {
			return err
		}

		previous = current.Status

		if err := tx.Model(&models.Probe{}).
			Where("id = ?", probe.ID).
			Updates(updates).Error; err != nil {
			return err
		}

		if status == previous {
			return nil
		}

		if status == types.StatusOK {
			return t.resolveLatestOpenAlert(tx, probe.ID, raw.Timestamp)
		}

		if status == types.StatusWarning || status == types.StatusError {
			return tx.Create(&models.AlertHistory{
				ProbeID: probe.ID,
				Status:  status,
				Message: message,
			}).Error
		}

		return nil
	})

	if err != nil {
		return err
	}

	metrics.ChecksTotal.WithLabelValues(probe.Type, status).Inc()
	metrics.ProbeStatus.WithLabelValues(probe.Name).Set(metrics.StatusValue(status))

	if status == previous {
		return nil
	}

	metrics.TransitionsTotal.WithLabelValues(status).Inc()

	t.log.WithFields(logrus.Fields{
		"probe_id": probe.ID,
		"from":     previous,
		"to":       status,
	}).Info("probe status transition")

	groupIDs := serverGroupIDs(probe.Server)

	if status == types.StatusWarning || status == types.StatusError {
		if err := t.notifyTransition(ctx, probe, status, message, raw.Timestamp, groupIDs); err != nil {
			t.log.WithError(err).WithField("probe_id", probe.ID).
				Error("failed to fan out transition notifications")
		}
	}

	if t.Broadcast != nil && len(groupIDs) > 0 {
		t.Broadcast(groupIDs)
	}

	return nil
}

// IngestWebhook handles out-of-band delivery to a webhook probe's token
// endpoint. Possession of the token is the authentication.
func (t *Tracker) IngestWebhook(ctx context.Context, token string, payload map[string]interface{}) error {
	var probe models.Probe

	err := t.db.WithContext(ctx).
		Where("webhook_token = ?", token).
		First(&probe).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.NotFound("probe")
		}
		return err
	}

	return t.Ingest(ctx, RawResult{
		ProbeID:   probe.ID,
		Success:   true,
		Payload:   payload,
		Timestamp: time.Now(),
	})
}

func (t *Tracker) derive(probe models.Probe, raw RawResult) (status, message string, err error) {
	switch probe.Type {
	case types.ProbeHTTP:
		return t.deriveHTTP(probe, raw)
	case types.ProbeWebhook:
		return t.deriveWebhook(probe, raw)
	default:
		return "", "", apperrors.InvariantViolation(
			fmt.Sprintf("probe %d has unknown type %q", probe.ID, probe.Type))
	}
}

// deriveHTTP distinguishes transport failures (error) from unmet
// expectations (warning).
func (t *Tracker) deriveHTTP(probe models.Probe, raw RawResult) (string, string, error) {
	if !raw.Success {
		return types.StatusError, truncate(raw.Body, 500), nil
	}

	var cfg types.HTTPProbeConfig

	if err := json.Unmarshal(probe.Config, &cfg); err != nil {
		t.log.WithField("probe_id", probe.ID).WithError(err).
			Error("http probe has no usable sub-config for its declared type")
		return "", "", apperrors.InvariantViolation(
			fmt.Sprintf("probe %d (http) sub-config unreadable", probe.ID))
	}

	if cfg.ExpectedStatus != 0 && raw.StatusCode != cfg.ExpectedStatus {
		return types.StatusWarning,
			fmt.Sprintf("expected status %d, got %d", cfg.ExpectedStatus, raw.StatusCode), nil
	}

	if cfg.ExpectedKeyword != "" && !strings.Contains(raw.Body, cfg.ExpectedKeyword) {
		return types.StatusWarning,
			fmt.Sprintf("keyword %q not found in response", cfg.ExpectedKeyword), nil
	}

	return types.StatusOK, "", nil
}

// deriveWebhook compares the received payload to the expected one. The
// comparison is exact equality after a JSON round trip on both sides.
func (t *Tracker) deriveWebhook(probe models.Probe, raw RawResult) (string, string, error) {
	if !raw.Success {
		return types.StatusError, truncate(raw.Body, 500), nil
	}

	var cfg types.WebhookProbeConfig

	if len(probe.Config) > 0 {
		if err := json.Unmarshal(probe.Config, &cfg); err != nil {
			t.log.WithField("probe_id", probe.ID).WithError(err).
				Error("webhook probe has no usable sub-config for its declared type")
			return "", "", apperrors.InvariantViolation(
				fmt.Sprintf("probe %d (webhook) sub-config unreadable", probe.ID))
		}
	}

	if len(cfg.ExpectedPayload) == 0 {
		return types.StatusOK, "", nil
	}

	if payloadsEqual(cfg.ExpectedPayload, raw.Payload) {
		return types.StatusOK, "", nil
	}

	return types.StatusWarning, "received payload did not match expected payload", nil
}

func (t *Tracker) resolveLatestOpenAlert(tx *gorm.DB, probeID uint, at time.Time) error {
	var open models.AlertHistory

	err := tx.Where("probe_id = ? AND resolved = ?", probeID, false).
		Order("created_at DESC").
		First(&open).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}

	return tx.Model(&open).Updates(map[string]interface{}{
		"resolved":    true,
		"resolved_at": at,
	}).Error
}

func (t *Tracker) notifyTransition(ctx context.Context, probe models.Probe, status, message string, at time.Time, groupIDs []uint) error {
	if len(groupIDs) == 0 {
		return nil
	}

	var configIDs []uint

	if err := t.db.WithContext(ctx).
		Model(&models.NotificationConfig{}).
		Where("group_id IN ?", groupIDs).
		Pluck("id", &configIDs).Error; err != nil {
		return err
	}

	if len(configIDs) == 0 {
		return nil
	}

	level := types.LevelWarning
	if status == types.StatusError {
		level = types.LevelError
	}

	probeID := probe.ID

	event := dispatch.Event{
		Level:      level,
		Title:      fmt.Sprintf("%s: %s is %s", probe.Server.Name, probe.Name, strings.ToUpper(status)),
		Message:    message,
		ServerID:   probe.ServerID,
		ServerName: probe.Server.Name,
		ProbeID:    &probeID,
		ProbeName:  probe.Name,
		Timestamp:  at,
		Details: map[string]string{
			"probe_type": probe.Type,
		},
	}

	t.notifier.Fanout(configIDs, event)
	return nil
}

func serverGroupIDs(server models.Server) []uint {
	ids := make([]uint, 0, len(server.Groups))
	for _, group := range server.Groups {
		ids = append(ids, group.ID)
	}
	return ids
}

// payloadsEqual compares two JSON-decoded payloads for exact equality by
// re-encoding both; this normalizes map ordering and numeric types.
func payloadsEqual(a, b map[string]interface{}) bool {
	aj, err := json.Marshal(normalize(a))
	if err != nil {
		return false
	}
	bj, err := json.Marshal(normalize(b))
	if err != nil {
		return false
	}
	return string(aj) == string(bj)
}

// normalize round-trips a value through encoding/json so numbers and nested
// containers compare consistently regardless of their in-memory types.
func normalize(v map[string]interface{}) map[string]interface{} {
	encoded, err := json.Marshal(v)
	if err != nil {
		return v
	}

	var out map[string]interface{}
	if err := json.Unmarshal(encoded, &out); err != nil {
		return v
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
