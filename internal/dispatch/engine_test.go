package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lookout-dev/lookout/db"
	"github.com/lookout-dev/lookout/internal/apperrors"
	"github.com/lookout-dev/lookout/internal/channels"
	"github.com/lookout-dev/lookout/internal/config"
	"github.com/lookout-dev/lookout/internal/models"
	"github.com/lookout-dev/lookout/internal/types"
)

type fakeEmailSender struct {
	err  error
	sent []channels.EmailMessage
}

func (f *fakeEmailSender) Send(_ context.Context, msg channels.EmailMessage) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

type fakeWebhookPoster struct {
	err      error
	response string
	lastURL  string
	lastBody []byte
}

func (f *fakeWebhookPoster) Post(_ context.Context, url string, _ map[string]string, body []byte) (string, error) {
	f.lastURL = url
	f.lastBody = body
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	conn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.Migrate(conn))
	return conn
}

func newTestEngine(t *testing.T, conn *gorm.DB, email channels.EmailSender, webhook channels.WebhookPoster) *Engine {
	t.Helper()

	return NewEngine(conn, email, webhook, config.DispatchConfig{
		WorkersPerChannel: 2,
		AdapterTimeout:    time.Second,
	})
}

func createConfig(t *testing.T, conn *gorm.DB, channelType string, sub interface{}) models.NotificationConfig {
	t.Helper()

	encoded, err := json.Marshal(sub)
	require.NoError(t, err)

	cfg := models.NotificationConfig{
		GroupID: 1,
		Name:    "oncall",
		Type:    channelType,
		Config:  datatypes.JSON(encoded),
	}
	require.NoError(t, conn.Create(&cfg).Error)
	return cfg
}

func testEvent() Event {
	return Event{
		Level:      types.LevelError,
		Title:      "web-1: api is ERROR",
		Message:    "connection refused",
		ServerID:   7,
		ServerName: "web-1",
		Timestamp:  time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
	}
}

func TestSendEmailSuccess(t *testing.T) {
	conn := openTestDB(t)
	email := &fakeEmailSender{}
	engine := newTestEngine(t, conn, email, &fakeWebhookPoster{})

	cfg := createConfig(t, conn, types.ChannelEmail, types.EmailChannelConfig{
		Recipients: []string{"oncall@example.com"},
	})

	result, err := engine.Send(context.Background(), cfg.ID, testEvent())
	require.NoError(t, err)

	assert.Equal(t, types.NotificationSent, result.Notification.Status)
	assert.NotNil(t, result.Notification.SentAt)

	require.Len(t, email.sent, 1)
	assert.Equal(t, []string{"oncall@example.com"}, email.sent[0].To)
	assert.Contains(t, email.sent[0].Subject, "web-1: api is ERROR")

	var row models.Notification
	require.NoError(t, conn.First(&row, result.Notification.ID).Error)
	assert.Equal(t, types.NotificationSent, row.Status)
}

func TestSendAdapterFailureIsTerminalNotAnError(t *testing.T) {
	conn := openTestDB(t)
	email := &fakeEmailSender{err: errors.New("smtp dial refused")}
	engine := newTestEngine(t, conn, email, &fakeWebhookPoster{})

	cfg := createConfig(t, conn, types.ChannelEmail, types.EmailChannelConfig{
		Recipients: []string{"oncall@example.com"},
	})

	result, err := engine.Send(context.Background(), cfg.ID, testEvent())
	require.NoError(t, err)

	assert.Equal(t, types.NotificationFailed, result.Notification.Status)
	assert.Contains(t, result.Notification.StatusDetails, "smtp dial refused")
	assert.Nil(t, result.Notification.SentAt)

	var row models.Notification
	require.NoError(t, conn.First(&row, result.Notification.ID).Error)
	assert.Equal(t, types.NotificationFailed, row.Status)
	assert.NotEmpty(t, row.StatusDetails)
}

func TestSendEmailWithoutRecipientsFails(t *testing.T) {
	conn := openTestDB(t)
	engine := newTestEngine(t, conn, &fakeEmailSender{}, &fakeWebhookPoster{})

	cfg := createConfig(t, conn, types.ChannelEmail, types.EmailChannelConfig{})

	result, err := engine.Send(context.Background(), cfg.ID, testEvent())
	require.NoError(t, err)

	assert.Equal(t, types.NotificationFailed, result.Notification.Status)
	assert.Contains(t, result.Notification.StatusDetails, "incomplete configuration")
}

func TestSendMissingSubConfigIsInvariantViolation(t *testing.T) {
	conn := openTestDB(t)
	engine := newTestEngine(t, conn, &fakeEmailSender{}, &fakeWebhookPoster{})

	cfg := models.NotificationConfig{GroupID: 1, Name: "broken", Type: types.ChannelEmail}
	require.NoError(t, conn.Create(&cfg).Error)

	_, err := engine.Send(context.Background(), cfg.ID, testEvent())
	require.ErrorIs(t, err, apperrors.ErrInvariantViolation)

	// Nothing is recorded for a request that never reached an adapter.
	var count int64
	require.NoError(t, conn.Model(&models.Notification{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestSendUnknownConfig(t *testing.T) {
	conn := openTestDB(t)
	engine := newTestEngine(t, conn, &fakeEmailSender{}, &fakeWebhookPoster{})

	_, err := engine.Send(context.Background(), 999, testEvent())
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestSendWebhookMergesTemplateWithLiveFields(t *testing.T) {
	conn := openTestDB(t)
	poster := &fakeWebhookPoster{response: `{"ok":true}`}
	engine := newTestEngine(t, conn, &fakeEmailSender{}, poster)

	cfg := createConfig(t, conn, types.ChannelWebhook, types.WebhookChannelConfig{
		URL: "https://hooks.example.com/x",
		Payload: map[string]interface{}{
			"channel": "#alerts",
			"title":   "template title must lose",
		},
	})

	result, err := engine.Send(context.Background(), cfg.ID, testEvent())
	require.NoError(t, err)

	assert.Equal(t, types.NotificationSent, result.Notification.Status)
	assert.Equal(t, `{"ok":true}`, result.AdapterResponse)
	assert.Equal(t, "https://hooks.example.com/x", poster.lastURL)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(poster.lastBody, &payload))

	// Template keys survive, live fields win on collision.
	assert.Equal(t, "#alerts", payload["channel"])
	assert.Equal(t, "web-1: api is ERROR", payload["title"])
	assert.Equal(t, "error", payload["level"])
	assert.Equal(t, "web-1", payload["server_name"])
}

func TestSendWebhookWithoutURLFails(t *testing.T) {
	conn := openTestDB(t)
	engine := newTestEngine(t, conn, &fakeEmailSender{}, &fakeWebhookPoster{})

	cfg := createConfig(t, conn, types.ChannelWebhook, types.WebhookChannelConfig{})

	result, err := engine.Send(context.Background(), cfg.ID, testEvent())
	require.NoError(t, err)

	assert.Equal(t, types.NotificationFailed, result.Notification.Status)
	assert.Contains(t, result.Notification.StatusDetails, "incomplete configuration")
}

func TestSendIsNotIdempotent(t *testing.T) {
	conn := openTestDB(t)
	engine := newTestEngine(t, conn, &fakeEmailSender{}, &fakeWebhookPoster{})

	cfg := createConfig(t, conn, types.ChannelEmail, types.EmailChannelConfig{
		Recipients: []string{"oncall@example.com"},
	})

	event := testEvent()
	_, err := engine.Send(context.Background(), cfg.ID, event)
	require.NoError(t, err)
	_, err = engine.Send(context.Background(), cfg.ID, event)
	require.NoError(t, err)

	var count int64
	require.NoError(t, conn.Model(&models.Notification{}).Count(&count).Error)
	assert.EqualValues(t, 2, count)
}

func TestTestSynthesizesInfoEvent(t *testing.T) {
	conn := openTestDB(t)
	email := &fakeEmailSender{}
	engine := newTestEngine(t, conn, email, &fakeWebhookPoster{})

	cfg := createConfig(t, conn, types.ChannelEmail, types.EmailChannelConfig{
		Recipients: []string{"oncall@example.com"},
	})

	result, err := engine.Test(context.Background(), cfg.ID, 7, "web-1")
	require.NoError(t, err)

	assert.Equal(t, types.LevelInfo, result.Notification.Level)
	assert.Equal(t, types.NotificationSent, result.Notification.Status)
	require.Len(t, email.sent, 1)
	assert.Contains(t, email.sent[0].Subject, "Test notification")
}
