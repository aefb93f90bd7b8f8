// Package scheduler drives HTTP probes on their configured intervals and
// feeds the raw outcomes to the tracker. Webhook probes are not scheduled;
// their results arrive out of band on the token endpoint.
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/lookout-dev/lookout/internal/checks"
	"github.com/lookout-dev/lookout/internal/models"
	"github.com/lookout-dev/lookout/internal/tracker"
	"github.com/lookout-dev/lookout/internal/types"
)

type Scheduler struct {
	db           *gorm.DB
	tracker      *tracker.Tracker
	checkTimeout time.Duration
	log          *logrus.Entry

	jobs   map[uint]*probeJob // probe ID -> job
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

type probeJob struct {
	probe  models.Probe
	ticker *time.Ticker
	cancel context.CancelFunc
}

func New(conn *gorm.DB, trk *tracker.Tracker, checkTimeout time.Duration) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		db:           conn,
		tracker:      trk,
		checkTimeout: checkTimeout,
		log:          logrus.WithField("component", "scheduler"),
		jobs:         make(map[uint]*probeJob),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start loads all HTTP probes and begins scheduling.
func (s *Scheduler) Start() error {
	var probes []models.Probe

	if err := s.db.Where("type = ?", types.ProbeHTTP).Find(&probes).Error; err != nil {
		return err
	}

	for _, probe := range probes {
		s.AddProbe(probe)
	}

	s.log.WithField("probes", len(probes)).Info("scheduler started")
	return nil
}

// Stop gracefully shuts down all probe jobs.
func (s *Scheduler) Stop() {
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.jobs {
		job.ticker.Stop()
		job.cancel()
	}

	s.jobs = make(map[uint]*probeJob)
	s.log.Info("scheduler stopped")
}

// AddProbe starts scheduling one probe, replacing any existing job for it.
// Non-HTTP probes are ignored.
func (s *Scheduler) AddProbe(probe models.Probe) {
	if probe.Type != types.ProbeHTTP {
		return
	}

	interval := probe.Interval
	if interval <= 0 {
		interval = 60
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, exists := s.jobs[probe.ID]; exists {
		existing.ticker.Stop()
		existing.cancel()
	}

	jobCtx, jobCancel := context.WithCancel(s.ctx)
	ticker := time.NewTicker(time.Duration(interval) * time.Second)

	job := &probeJob{
		probe:  probe,
		ticker: ticker,
		cancel: jobCancel,
	}

	s.jobs[probe.ID] = job

	// Immediate first check, then the regular cadence.
	go func() {
		s.executeCheck(jobCtx, probe)
		s.runJob(jobCtx, job)
	}()

	s.log.WithFields(logrus.Fields{
		"probe_id": probe.ID,
		"interval": interval,
	}).Debug("probe scheduled")
}

// RemoveProbe stops scheduling one probe.
func (s *Scheduler) RemoveProbe(probeID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, exists := s.jobs[probeID]; exists {
		job.ticker.Stop()
		job.cancel()
		delete(s.jobs, probeID)
	}
}

// UpdateProbe replaces the job for a changed probe definition.
func (s *Scheduler) UpdateProbe(probe models.Probe) {
	if probe.Type != types.ProbeHTTP {
		s.RemoveProbe(probe.ID)
		return
	}
	s.AddProbe(probe)
}

func (s *Scheduler) runJob(ctx context.Context, job *probeJob) {
	defer job.ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-job.ticker.C:
			s.mu.RLock()
			probe := job.probe
			s.mu.RUnlock()

			s.executeCheck(ctx, probe)
		}
	}
}

func (s *Scheduler) executeCheck(ctx context.Context, probe models.Probe) {
	var cfg types.HTTPProbeConfig

	if err := json.Unmarshal(probe.Config, &cfg); err != nil {
		s.log.WithField("probe_id", probe.ID).WithError(err).
			Error("invalid http probe config, skipping check")
		return
	}

	result := checks.RunHTTP(ctx, cfg, s.checkTimeout)

	err := s.tracker.Ingest(ctx, tracker.RawResult{
		ProbeID:    probe.ID,
		Success:    result.Success,
		StatusCode: result.StatusCode,
		Body:       result.Body,
		Timestamp:  time.Now(),
	})

	if err != nil {
		s.log.WithField("probe_id", probe.ID).WithError(err).
			Error("failed to ingest check result")
	}
}
