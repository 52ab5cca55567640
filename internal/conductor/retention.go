package conductor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultRetentionSchedule runs the retention job hourly.
const DefaultRetentionSchedule = "@every 1h"

const retentionTimeout = time.Minute

// ReportPruner removes stored reports. reports.SQLiteRepository
// implements it.
type ReportPruner interface {
	PruneBefore(ctx context.Context, t time.Time) (int64, error)
}

// HistoryPruner removes device history. *Conductor implements it.
type HistoryPruner interface {
	PruneHistory(before time.Time) int
}

// RetentionConfig configures the retention job.
type RetentionConfig struct {
	// Schedule is a cron spec or descriptor ("@every 1h", "0 3 * * *").
	Schedule string

	// MaxAge is how long reports are kept. Zero disables report pruning.
	MaxAge time.Duration

	// HistoryWindow is how long device history is kept. Zero disables
	// history pruning.
	HistoryWindow time.Duration

	Reports ReportPruner
	History HistoryPruner
}

// RetentionResult summarizes one run.
type RetentionResult struct {
	Reports int64
	History int
}

// Retention periodically prunes stored reports and device history.
type Retention struct {
	cfg    RetentionConfig
	cron   *cron.Cron
	now    func() time.Time
	logger Logger
}

// cronLogger adapts Logger to cron.Logger.
type cronLogger struct {
	logger Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

// NewRetention creates the retention job. The schedule is validated here.
func NewRetention(cfg RetentionConfig, logger Logger) (*Retention, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultRetentionSchedule
	}
	cl := cronLogger{logger: logger}
	r := &Retention{
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
	if _, err := r.cron.AddFunc(cfg.Schedule, r.run); err != nil {
		return nil, fmt.Errorf("retention schedule %q: %w", cfg.Schedule, err)
	}
	return r, nil
}

// Start starts the cron scheduler in its own goroutine.
func (r *Retention) Start() {
	r.cron.Start()
}

// Stop stops the scheduler and waits for a running job to finish.
func (r *Retention) Stop() {
	<-r.cron.Stop().Done()
}

func (r *Retention) run() {
	ctx, cancel := context.WithTimeout(context.Background(), retentionTimeout)
	defer cancel()
	if _, err := r.RunOnce(ctx); err != nil {
		r.logger.Error("retention failed", "error", err)
	}
}

// RunOnce prunes immediately.
func (r *Retention) RunOnce(ctx context.Context) (RetentionResult, error) {
	var res RetentionResult
	now := r.now()

	if r.cfg.History != nil && r.cfg.HistoryWindow > 0 {
		res.History = r.cfg.History.PruneHistory(now.Add(-r.cfg.HistoryWindow))
	}
	if r.cfg.Reports != nil && r.cfg.MaxAge > 0 {
		n, err := r.cfg.Reports.PruneBefore(ctx, now.Add(-r.cfg.MaxAge))
		if err != nil {
			return res, fmt.Errorf("pruning reports: %w", err)
		}
		res.Reports = n
	}
	r.logger.Info("retention complete", "reports", res.Reports, "history", res.History)
	return res, nil
}
