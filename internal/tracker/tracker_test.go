package tracker

import (
	"context"
	"encoding/json"
	"sync"
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
	"github.com/lookout-dev/lookout/internal/dispatch"
	"github.com/lookout-dev/lookout/internal/models"
	"github.com/lookout-dev/lookout/internal/types"
)

type fakeNotifier struct {
	mu     sync.Mutex
	calls  [][]uint
	events []dispatch.Event
}

func (f *fakeNotifier) Fanout(configIDs []uint, event dispatch.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, configIDs)
	f.events = append(f.events, event)
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

type fixture struct {
	conn     *gorm.DB
	tracker  *Tracker
	notifier *fakeNotifier
	group    models.Group
	server   models.Server
	probe    models.Probe
	config   models.NotificationConfig
}

func newFixture(t *testing.T, probeType string, probeCfg interface{}) *fixture {
	t.Helper()

	conn := openTestDB(t)
	notifier := &fakeNotifier{}

	group := models.Group{Name: "ops"}
	require.NoError(t, conn.Create(&group).Error)

	server := models.Server{Name: "web-1", Type: "linux", CreatedByID: 1}
	require.NoError(t, conn.Create(&server).Error)
	require.NoError(t, conn.Model(&server).Association("Groups").Append(&group))

	encoded, err := json.Marshal(probeCfg)
	require.NoError(t, err)

	probe := models.Probe{
		ServerID: server.ID,
		Name:     "api",
		Type:     probeType,
		Status:   types.StatusUnknown,
		Interval: 60,
		Config:   datatypes.JSON(encoded),
	}
	require.NoError(t, conn.Create(&probe).Error)

	config := models.NotificationConfig{
		GroupID: group.ID,
		Name:    "oncall",
		Type:    types.ChannelEmail,
		Config:  datatypes.JSON(`{"recipients":["oncall@example.com"]}`),
	}
	require.NoError(t, conn.Create(&config).Error)

	return &fixture{
		conn:     conn,
		tracker:  New(conn, notifier),
		notifier: notifier,
		group:    group,
		server:   server,
		probe:    probe,
		config:   config,
	}
}

func (f *fixture) reloadProbe(t *testing.T) models.Probe {
	t.Helper()

	var probe models.Probe
	require.NoError(t, f.conn.First(&probe, f.probe.ID).Error)
	return probe
}

func (f *fixture) alerts(t *testing.T) []models.AlertHistory {
	t.Helper()

	var alerts []models.AlertHistory
	require.NoError(t, f.conn.Where("probe_id = ?", f.probe.ID).
		Order("created_at ASC").Find(&alerts).Error)
	return alerts
}

func TestIngestExpectationFailureOpensAlertAndNotifies(t *testing.T) {
	f := newFixture(t, types.ProbeHTTP, types.HTTPProbeConfig{
		URL:            "https://web-1.example.com/health",
		ExpectedStatus: 200,
	})

	var broadcasts [][]uint
	f.tracker.Broadcast = func(groupIDs []uint) {
		broadcasts = append(broadcasts, groupIDs)
	}

	err := f.tracker.Ingest(context.Background(), RawResult{
		ProbeID:    f.probe.ID,
		Success:    true,
		StatusCode: 500,
		Body:       "internal error",
	})
	require.NoError(t, err)

	probe := f.reloadProbe(t)
	assert.Equal(t, types.StatusWarning, probe.Status)
	assert.Equal(t, "expected status 200, got 500", probe.LastMessage)
	assert.NotNil(t, probe.LastCheckedAt)

	alerts := f.alerts(t)
	require.Len(t, alerts, 1)
	assert.Equal(t, types.StatusWarning, alerts[0].Status)
	assert.False(t, alerts[0].Resolved)

	require.Len(t, f.notifier.calls, 1)
	assert.Equal(t, []uint{f.config.ID}, f.notifier.calls[0])
	assert.Equal(t, types.LevelWarning, f.notifier.events[0].Level)
	assert.Equal(t, "web-1: api is WARNING", f.notifier.events[0].Title)

	require.Len(t, broadcasts, 1)
	assert.Equal(t, []uint{f.group.ID}, broadcasts[0])
}

func TestIngestRepeatedFailureWritesNoNewAlert(t *testing.T) {
	f := newFixture(t, types.ProbeHTTP, types.HTTPProbeConfig{
		URL:            "https://web-1.example.com/health",
		ExpectedStatus: 200,
	})

	raw := RawResult{ProbeID: f.probe.ID, Success: true, StatusCode: 500}

	require.NoError(t, f.tracker.Ingest(context.Background(), raw))
	require.NoError(t, f.tracker.Ingest(context.Background(), raw))

	assert.Len(t, f.alerts(t), 1)
	assert.Len(t, f.notifier.calls, 1)
}

// Concurrent evaluations of the same failing result must produce exactly one
// transition: only the ingest that observes the old status under the row lock
// writes alert history and fans out.
func TestIngestConcurrentFailuresWriteOneAlert(t *testing.T) {
	f := newFixture(t, types.ProbeHTTP, types.HTTPProbeConfig{
		URL:            "https://web-1.example.com/health",
		ExpectedStatus: 200,
	})

	const workers = 8

	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			assert.NoError(t, f.tracker.Ingest(context.Background(), RawResult{
				ProbeID: f.probe.ID, Success: true, StatusCode: 500,
			}))
		}()
	}

	close(start)
	wg.Wait()

	assert.Len(t, f.alerts(t), 1)
	assert.Len(t, f.notifier.calls, 1)
	assert.Equal(t, types.StatusWarning, f.reloadProbe(t).Status)
}

func TestIngestRecoveryResolvesAlertWithoutNewRow(t *testing.T) {
	f := newFixture(t, types.ProbeHTTP, types.HTTPProbeConfig{
		URL:            "https://web-1.example.com/health",
		ExpectedStatus: 200,
	})

	require.NoError(t, f.tracker.Ingest(context.Background(), RawResult{
		ProbeID: f.probe.ID, Success: true, StatusCode: 500,
	}))

	require.NoError(t, f.tracker.Ingest(context.Background(), RawResult{
		ProbeID: f.probe.ID, Success: true, StatusCode: 200,
	}))

	probe := f.reloadProbe(t)
	assert.Equal(t, types.StatusOK, probe.Status)
	assert.Empty(t, probe.LastMessage)

	alerts := f.alerts(t)
	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].Resolved)
	assert.NotNil(t, alerts[0].ResolvedAt)

	// Recovery itself is not fanned out.
	assert.Len(t, f.notifier.calls, 1)
}

func TestIngestTransportFailureIsError(t *testing.T) {
	f := newFixture(t, types.ProbeHTTP, types.HTTPProbeConfig{
		URL: "https://web-1.example.com/health",
	})

	err := f.tracker.Ingest(context.Background(), RawResult{
		ProbeID: f.probe.ID,
		Success: false,
		Body:    "dial tcp: connection refused",
	})
	require.NoError(t, err)

	probe := f.reloadProbe(t)
	assert.Equal(t, types.StatusError, probe.Status)
	assert.Equal(t, "dial tcp: connection refused", probe.LastMessage)

	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, types.LevelError, f.notifier.events[0].Level)
}

func TestIngestKeywordExpectation(t *testing.T) {
	f := newFixture(t, types.ProbeHTTP, types.HTTPProbeConfig{
		URL:             "https://web-1.example.com/health",
		ExpectedKeyword: "healthy",
	})

	require.NoError(t, f.tracker.Ingest(context.Background(), RawResult{
		ProbeID: f.probe.ID, Success: true, StatusCode: 200, Body: "degraded",
	}))
	assert.Equal(t, types.StatusWarning, f.reloadProbe(t).Status)

	require.NoError(t, f.tracker.Ingest(context.Background(), RawResult{
		ProbeID: f.probe.ID, Success: true, StatusCode: 200, Body: `{"state":"healthy"}`,
	}))
	assert.Equal(t, types.StatusOK, f.reloadProbe(t).Status)
}

func TestIngestWebhookPayloadComparison(t *testing.T) {
	f := newFixture(t, types.ProbeWebhook, types.WebhookProbeConfig{
		ExpectedPayload: map[string]interface{}{"status": "ok", "version": 2},
	})

	token := "tok-123"
	require.NoError(t, f.conn.Model(&models.Probe{}).
		Where("id = ?", f.probe.ID).
		Update("webhook_token", token).Error)

	// Same content, different key order and numeric representation.
	err := f.tracker.IngestWebhook(context.Background(), token, map[string]interface{}{
		"version": float64(2),
		"status":  "ok",
	})
	require.NoError(t, err)

	probe := f.reloadProbe(t)
	assert.Equal(t, types.StatusOK, probe.Status)
	assert.NotEmpty(t, probe.LastPayload)

	err = f.tracker.IngestWebhook(context.Background(), token, map[string]interface{}{
		"status": "degraded",
	})
	require.NoError(t, err)

	probe = f.reloadProbe(t)
	assert.Equal(t, types.StatusWarning, probe.Status)
	assert.Equal(t, "received payload did not match expected payload", probe.LastMessage)
}

func TestIngestWebhookWithoutExpectationIsOK(t *testing.T) {
	f := newFixture(t, types.ProbeWebhook, types.WebhookProbeConfig{})

	require.NoError(t, f.tracker.Ingest(context.Background(), RawResult{
		ProbeID: f.probe.ID,
		Success: true,
		Payload: map[string]interface{}{"anything": true},
	}))

	assert.Equal(t, types.StatusOK, f.reloadProbe(t).Status)
}

func TestIngestWebhookUnknownToken(t *testing.T) {
	f := newFixture(t, types.ProbeWebhook, types.WebhookProbeConfig{})

	err := f.tracker.IngestWebhook(context.Background(), "missing", map[string]interface{}{})
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestIngestUnknownProbe(t *testing.T) {
	f := newFixture(t, types.ProbeHTTP, types.HTTPProbeConfig{URL: "https://x"})

	err := f.tracker.Ingest(context.Background(), RawResult{ProbeID: f.probe.ID + 99, Success: true})
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestIngestTimestampRecordedOnEveryEvaluation(t *testing.T) {
	f := newFixture(t, types.ProbeHTTP, types.HTTPProbeConfig{
		URL:            "https://web-1.example.com/health",
		ExpectedStatus: 200,
	})

	first := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	second := first.Add(time.Minute)

	require.NoError(t, f.tracker.Ingest(context.Background(), RawResult{
		ProbeID: f.probe.ID, Success: true, StatusCode: 200, Timestamp: first,
	}))
	require.NoError(t, f.tracker.Ingest(context.Background(), RawResult{
		ProbeID: f.probe.ID, Success: true, StatusCode: 200, Timestamp: second,
	}))

	probe := f.reloadProbe(t)
	require.NotNil(t, probe.LastCheckedAt)
	assert.True(t, probe.LastCheckedAt.Equal(second))
	assert.Empty(t, f.alerts(t))
}
