package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/dhaslett/restreamd/internal/events"
	"github.com/dhaslett/restreamd/internal/models"
	"github.com/dhaslett/restreamd/internal/repository"
)

// LogSink subscribes to the event bus and persists channel events as
// log entries, so encoder diagnostics and lifecycle transitions are
// queryable after the fact.
type LogSink struct {
	logs   repository.ChannelLogRepository
	bus    *events.Bus
	logger *slog.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logs repository.ChannelLogRepository, bus *events.Bus, logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logs: logs, bus: bus, logger: logger.With(slog.String("component", "log-sink"))}
}

// Run consumes bus events until ctx is cancelled or the bus closes.
func (s *LogSink) Run(ctx context.Context) {
	sub := s.bus.Subscribe()
	if sub == nil {
		return
	}
	defer s.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			s.persist(ctx, ev)
		}
	}
}

func (s *LogSink) persist(ctx context.Context, ev events.Event) {
	entry := models.ChannelLog{
		ChannelID: ev.ChannelID,
		CreatedAt: ev.Timestamp,
	}

	switch ev.Type {
	case events.ChannelLog:
		entry.Level = ev.Level
		entry.Message = ev.Message
	case events.ChannelStarted:
		entry.Level = models.LogLevelInfo
		entry.Message = fmt.Sprintf("encoder started (pid %d)", ev.PID)
	case events.ChannelStopped:
		entry.Level = models.LogLevelInfo
		entry.Message = "encoder stopped"
		if ev.ExitCode != nil {
			entry.Message = fmt.Sprintf("encoder exited with code %d", *ev.ExitCode)
		}
	case events.ChannelError:
		entry.Level = models.LogLevelError
		entry.Message = ev.Err
	default:
		return
	}

	if err := s.logs.Insert(ctx, &entry); err != nil {
		s.logger.Warn("persisting channel event",
			slog.String("channel_id", ev.ChannelID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// LogPruner enforces the per-channel log retention cap on a cron
// schedule.
type LogPruner struct {
	cron   *cron.Cron
	logs   repository.ChannelLogRepository
	logger *slog.Logger
}

// NewLogPruner creates a pruner running on the given 6-field cron
// schedule.
func NewLogPruner(schedule string, logs repository.ChannelLogRepository, logger *slog.Logger) (*LogPruner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &LogPruner{
		cron:   cron.New(cron.WithSeconds()),
		logs:   logs,
		logger: logger.With(slog.String("component", "log-pruner")),
	}
	if _, err := p.cron.AddFunc(schedule, p.prune); err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", schedule, err)
	}
	return p, nil
}

func (p *LogPruner) prune() {
	if err := p.logs.PruneAll(context.Background()); err != nil {
		p.logger.Warn("pruning channel logs", slog.String("error", err.Error()))
		return
	}
	p.logger.Debug("channel logs pruned")
}

// Start begins the schedule.
func (p *LogPruner) Start() { p.cron.Start() }

// Stop halts the schedule and waits for a running prune to finish.
func (p *LogPruner) Stop() {
	ctx := p.cron.Stop()
	<-ctx.Done()
}
