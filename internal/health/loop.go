// Package health keeps declared channel state and observed process
// state converged, and fans live stats out to subscribers.
package health

import (
	"context"
	"log/slog"
	"syscall"
	"time"

	"github.com/dhaslett/restreamd/internal/config"
	"github.com/dhaslett/restreamd/internal/events"
	"github.com/dhaslett/restreamd/internal/metrics"
	"github.com/dhaslett/restreamd/internal/models"
	"github.com/dhaslett/restreamd/internal/repository"
	"github.com/dhaslett/restreamd/internal/storage"
	"github.com/dhaslett/restreamd/internal/supervisor"
)

// Loop periodically reconciles the channel store against the processes
// actually present on the host.
type Loop struct {
	cfg      config.HealthConfig
	channels repository.ChannelRepository
	sup      *supervisor.Supervisor
	stats    *metrics.StatsCollector
	media    *storage.MediaStore
	bus      *events.Bus
	logger   *slog.Logger
}

// NewLoop creates a health loop.
func NewLoop(
	cfg config.HealthConfig,
	channels repository.ChannelRepository,
	sup *supervisor.Supervisor,
	stats *metrics.StatsCollector,
	media *storage.MediaStore,
	bus *events.Bus,
	logger *slog.Logger,
) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		cfg:      cfg,
		channels: channels,
		sup:      sup,
		stats:    stats,
		media:    media,
		bus:      bus,
		logger:   logger.With(slog.String("component", "health")),
	}
}

// Run reconciles on the configured interval until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Reconcile(ctx)
		}
	}
}

// Reconcile performs one convergence pass: stalled restarts are
// demoted and channels recorded as running are checked against a live
// process.
func (l *Loop) Reconcile(ctx context.Context) {
	l.sup.ReconcileRestarting(ctx)

	running, err := l.channels.ListByStatus(ctx, models.StatusRunning)
	if err != nil {
		l.logger.Warn("listing running channels", slog.String("error", err.Error()))
		return
	}

	for i := range running {
		ch := &running[i]
		if l.sup.IsRunning(ch.ID) {
			// Supervised; its exit handler owns state transitions.
			continue
		}

		if ch.PID == nil {
			l.logger.Warn("running channel has no pid, marking stopped",
				slog.String("channel_id", ch.ID.String()))
			l.transition(ctx, ch.ID, models.StatusStopped, "")
			continue
		}

		if !l.stats.Alive(ctx, *ch.PID) {
			l.logger.Warn("encoder process died outside supervision",
				slog.String("channel_id", ch.ID.String()),
				slog.Int("pid", *ch.PID))
			// The supervisor re-reads the row, records the error, and
			// schedules a budgeted auto-restart when the channel wants one.
			l.sup.NoticeDeadProcess(ctx, ch.ID)
		}
	}
}

func (l *Loop) transition(ctx context.Context, id models.ULID, status models.ChannelStatus, errMsg string) {
	if err := l.channels.UpdateStatusPID(ctx, id, status, nil); err != nil {
		l.logger.Warn("recording reconciled state",
			slog.String("channel_id", id.String()),
			slog.String("error", err.Error()))
		return
	}
	switch status {
	case models.StatusError:
		l.bus.Publish(events.Event{Type: events.ChannelError, ChannelID: id, Err: errMsg})
	case models.StatusStopped:
		l.bus.Publish(events.Event{Type: events.ChannelStopped, ChannelID: id})
	}
}

// ReconcileStartup runs once at boot, before any channel is started.
// Every row claiming a live process refers to a previous daemon run:
// stray encoders get a TERM, rows are reset to stopped, and media
// directories without an owning channel are swept.
func (l *Loop) ReconcileStartup(ctx context.Context) error {
	all, err := l.channels.List(ctx)
	if err != nil {
		return err
	}

	known := make([]models.ULID, 0, len(all))
	for i := range all {
		ch := &all[i]
		known = append(known, ch.ID)

		if ch.Status == models.StatusStopped {
			continue
		}
		if ch.PID != nil && l.stats.Alive(ctx, *ch.PID) {
			l.logger.Warn("terminating stray encoder from previous run",
				slog.String("channel_id", ch.ID.String()),
				slog.Int("pid", *ch.PID))
			if err := syscall.Kill(*ch.PID, syscall.SIGTERM); err != nil {
				l.logger.Warn("terminating stray encoder",
					slog.Int("pid", *ch.PID), slog.String("error", err.Error()))
			}
		}
		// Error rows keep their status for the operator but lose the
		// stale pid; everything else resets to stopped.
		status := models.StatusStopped
		if ch.Status == models.StatusError {
			status = models.StatusError
		}
		if err := l.channels.UpdateStatusPID(ctx, ch.ID, status, nil); err != nil {
			l.logger.Warn("resetting channel at startup",
				slog.String("channel_id", ch.ID.String()),
				slog.String("error", err.Error()))
		}
	}

	removed, err := l.media.SweepOrphans(known)
	if err != nil {
		return err
	}
	if removed > 0 {
		l.logger.Info("swept orphaned media directories", slog.Int("removed", removed))
	}
	return nil
}
