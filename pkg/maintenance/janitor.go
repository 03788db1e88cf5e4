// Package maintenance runs the background housekeeping jobs: sweeping
// expired and revoked tokens and abandoned upload sessions on a cron
// schedule.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// TokenSweeper removes dead token records, returning how many went
type TokenSweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

// SessionSweeper removes upload sessions untouched since the cutoff
type SessionSweeper interface {
	SweepStale(ctx context.Context, cutoff time.Time) (int, error)
}

// Config tunes the janitor.
type Config struct {
	// Schedule is a cron expression; every 15 minutes when empty
	Schedule string
	// SessionMaxAge is how long an idle upload session survives
	SessionMaxAge time.Duration
	// SweepTimeout bounds one sweep run
	SweepTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Schedule == "" {
		c.Schedule = "*/15 * * * *"
	}
	if c.SessionMaxAge == 0 {
		c.SessionMaxAge = time.Hour
	}
	if c.SweepTimeout == 0 {
		c.SweepTimeout = 5 * time.Minute
	}
	return c
}

// Janitor owns the cron schedule and the sweep targets. Either sweeper may
// be nil; the corresponding job is skipped.
type Janitor struct {
	cfg      Config
	tokens   TokenSweeper
	sessions SessionSweeper
	logger   *logrus.Entry
	cron     *cron.Cron
}

func NewJanitor(cfg Config, tokens TokenSweeper, sessions SessionSweeper, logger *logrus.Entry) *Janitor {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	return &Janitor{
		cfg:      cfg.withDefaults(),
		tokens:   tokens,
		sessions: sessions,
		logger:   logger.WithField("component", "janitor"),
	}
}

// Start schedules the sweeps. Returns after registration; jobs run on the
// cron goroutine until Stop.
func (j *Janitor) Start() error {
	j.cron = cron.New()
	if _, err := j.cron.AddFunc(j.cfg.Schedule, j.Sweep); err != nil {
		return err
	}
	j.cron.Start()
	j.logger.WithField("schedule", j.cfg.Schedule).Info("janitor started")
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish
func (j *Janitor) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
	j.logger.Info("janitor stopped")
}

// Sweep runs one pass over both targets. Exported so operators can trigger
// it out of schedule and tests can call it directly.
func (j *Janitor) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), j.cfg.SweepTimeout)
	defer cancel()

	now := time.Now()
	if j.tokens != nil {
		removed, err := j.tokens.SweepExpired(ctx, now)
		if err != nil {
			j.logger.WithError(err).Error("token sweep failed")
		} else if removed > 0 {
			j.logger.WithField("removed", removed).Info("swept dead tokens")
		}
	}
	if j.sessions != nil {
		removed, err := j.sessions.SweepStale(ctx, now.Add(-j.cfg.SessionMaxAge))
		if err != nil {
			j.logger.WithError(err).Error("upload session sweep failed")
		} else if removed > 0 {
			j.logger.WithField("removed", removed).Info("swept stale upload sessions")
		}
	}
}
