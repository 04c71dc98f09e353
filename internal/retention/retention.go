// Package retention purges guest namespaces that have gone quiet. Guests
// are keyed by network address, so an abandoned namespace is unreachable
// forever once the address moves on; the sweeper reclaims that space.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"nimbusd/pkg/config"
	"nimbusd/pkg/logger"
	"nimbusd/pkg/models"
	"nimbusd/pkg/session"
	"nimbusd/pkg/store"
)

const defaultPeriod = 30 * 24 * time.Hour

// Sweeper deletes stale guest namespaces on a cron schedule.
type Sweeper struct {
	store    *store.Store
	sessions *session.Manager
	cfg      config.RetentionConfig
}

// NewSweeper builds a sweeper. sessions may be nil when no session layer
// is running (tests, offline tools).
func NewSweeper(st *store.Store, sessions *session.Manager, cfg config.RetentionConfig) *Sweeper {
	return &Sweeper{store: st, sessions: sessions, cfg: cfg}
}

// Start launches the scheduler goroutine if retention is enabled. It
// returns a cancel func stopping the scheduler.
func (s *Sweeper) Start(ctx context.Context) (context.CancelFunc, error) {
	if !s.cfg.Enabled {
		logger.Info("retention_disabled")
		return func() {}, nil
	}

	cronExpr := s.cfg.Cron
	if cronExpr == "" {
		cronExpr = "0 2 * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("retention_invalid_cron", "cron", s.cfg.Cron)
		return nil, fmt.Errorf("invalid retention cron expression: %s", s.cfg.Cron)
	}

	logger.Info("retention_enabled", "cron", cronExpr, "period", s.cfg.Period, "dry_run", s.cfg.DryRun)
	ctx2, cancel := context.WithCancel(ctx)
	go s.runScheduler(ctx2, cronExpr)
	return cancel, nil
}

// runScheduler uses gronx to compute the next tick for the configured cron
// expression and sleeps until that time.
func (s *Sweeper) runScheduler(ctx context.Context, cronExpr string) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
			if _, err := s.RunOnce(); err != nil {
				logger.Error("retention_run_error", "error", err)
			}
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		}
	}
}

// RunOnce sweeps now and returns how many guest namespaces were purged.
// In dry-run mode candidates are logged but nothing is deleted.
func (s *Sweeper) RunOnce() (int, error) {
	period := defaultPeriod
	if s.cfg.Period != "" {
		d, err := time.ParseDuration(s.cfg.Period)
		if err != nil {
			return 0, fmt.Errorf("invalid retention period %q: %w", s.cfg.Period, err)
		}
		period = d
	}
	cutoff := time.Now().UTC().Add(-period).UnixNano()

	guests, err := s.store.ListGuestOwners()
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, id := range guests {
		owner := models.GuestOwner(id)
		last, err := s.store.LastActivity(owner)
		if err != nil {
			logger.Warn("retention_activity_check_failed", "guest", id, "error", err)
			continue
		}
		if last >= cutoff {
			continue
		}
		if s.cfg.DryRun {
			logger.Info("retention_would_purge", "guest", id, "last_activity", last)
			continue
		}
		if err := s.purge(owner); err != nil {
			logger.Error("retention_purge_failed", "guest", id, "error", err)
			continue
		}
		purged++
		logger.Info("retention_purged", "guest", id)
	}
	logger.Info("retention_run_complete", "candidates", len(guests), "purged", purged)
	return purged, nil
}

func (s *Sweeper) purge(owner models.Owner) error {
	threads, err := s.store.ListThreads(owner)
	if err != nil {
		return err
	}
	for _, th := range threads {
		if err := s.store.DeleteThread(owner, th.ID); err != nil {
			return err
		}
	}
	if err := s.store.DeleteSettings(owner); err != nil {
		return err
	}
	if s.sessions != nil {
		s.sessions.Drop(owner)
	}
	return nil
}
