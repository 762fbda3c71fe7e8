package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// CatalogInvalidator drops the cached custom field catalog.
type CatalogInvalidator interface {
	Invalidate(ctx context.Context) error
}

// RecordPruner deletes idempotency records created before a cutoff.
type RecordPruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// MaintenanceConfig holds the cron expressions of the housekeeping jobs.
// An empty schedule disables the job.
type MaintenanceConfig struct {
	CatalogRefreshSchedule   string
	IdempotencyPruneSchedule string
	Retention                time.Duration
	JobTimeout               time.Duration
}

// MaintenanceWorker runs catalog refresh and idempotency retention on a cron schedule.
type MaintenanceWorker struct {
	cfg     MaintenanceConfig
	catalog CatalogInvalidator
	pruner  RecordPruner
	logger  *zap.Logger
	cron    *cron.Cron
	parser  cron.Parser
	now     func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewMaintenanceWorker builds the worker. catalog and pruner may be nil.
func NewMaintenanceWorker(cfg MaintenanceConfig, catalog CatalogInvalidator, pruner RecordPruner, logger *zap.Logger) *MaintenanceWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Minute
	}
	return &MaintenanceWorker{
		cfg:     cfg,
		catalog: catalog,
		pruner:  pruner,
		logger:  logger,
		cron:    cron.New(cron.WithLocation(time.UTC)),
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:     time.Now,
	}
}

// Start registers the configured jobs and starts the scheduler.
func (w *MaintenanceWorker) Start(ctx context.Context) error {
	var err error
	w.startOnce.Do(func() {
		if w.catalog != nil {
			if err = w.schedule(ctx, "catalog_refresh", w.cfg.CatalogRefreshSchedule, w.RefreshCatalog); err != nil {
				return
			}
		}
		if w.pruner != nil && w.cfg.Retention > 0 {
			if err = w.schedule(ctx, "idempotency_prune", w.cfg.IdempotencyPruneSchedule, func(ctx context.Context) error {
				_, err := w.PruneIdempotency(ctx)
				return err
			}); err != nil {
				return
			}
		}
		w.cron.Start()
		w.logger.Info("maintenance.started", zap.Int("jobs", len(w.cron.Entries())))
	})
	return err
}

// Stop halts the scheduler and waits for running jobs.
func (w *MaintenanceWorker) Stop() {
	w.stopOnce.Do(func() {
		<-w.cron.Stop().Done()
		w.logger.Info("maintenance.stopped")
	})
}

// RefreshCatalog invalidates the custom field catalog so the next read refetches it.
func (w *MaintenanceWorker) RefreshCatalog(ctx context.Context) error {
	if w.catalog == nil {
		return nil
	}
	if err := w.catalog.Invalidate(ctx); err != nil {
		return fmt.Errorf("invalidate catalog: %w", err)
	}
	w.logger.Info("maintenance.catalog_invalidated")
	return nil
}

// PruneIdempotency deletes idempotency records older than the retention window.
func (w *MaintenanceWorker) PruneIdempotency(ctx context.Context) (int64, error) {
	if w.pruner == nil || w.cfg.Retention <= 0 {
		return 0, nil
	}
	cutoff := w.now().UTC().Add(-w.cfg.Retention)
	removed, err := w.pruner.Prune(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune idempotency records: %w", err)
	}
	w.logger.Info("maintenance.idempotency_pruned",
		zap.Int64("removed", removed),
		zap.Time("cutoff", cutoff))
	return removed, nil
}

func (w *MaintenanceWorker) schedule(ctx context.Context, name, expr string, job func(context.Context) error) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil
	}
	schedule, err := w.parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("parse %s schedule %q: %w", name, expr, err)
	}
	w.cron.Schedule(schedule, cron.FuncJob(func() {
		jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
		defer cancel()
		if err := job(jobCtx); err != nil {
			w.logger.Warn("maintenance.job_failed", zap.String("job", name), zap.Error(err))
		}
	}))
	return nil
}
