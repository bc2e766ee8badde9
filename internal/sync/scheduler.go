package sync

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"task-sync-engine/internal/config"
	"task-sync-engine/internal/logger"
)

// Scheduler triggers periodic drains so retries that are waiting out their
// backoff get picked up even without a connectivity transition.
type Scheduler struct {
	cfg     config.SchedulerConfig
	engine  *Engine
	cron    *cron.Cron
	entryID cron.EntryID
}

func NewScheduler(cfg config.SchedulerConfig, engine *Engine) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		engine: engine,
		cron:   cron.New(),
	}
}

func (s *Scheduler) Start() {
	if !s.cfg.Enabled {
		logger.Log.Info("Scheduler is disabled")
		return
	}

	logger.Log.Info("Starting scheduler", zap.String("interval", s.cfg.Interval))

	id, err := s.cron.AddFunc(s.cfg.Interval, func() {
		// Drain coalesces if one is already in flight.
		s.engine.Drain(context.Background())
	})
	if err != nil {
		logger.Log.Error("Failed to schedule drain", zap.Error(err))
		return
	}

	s.entryID = id
	s.cron.Start()
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
	logger.Log.Info("Stopped scheduler")
}
