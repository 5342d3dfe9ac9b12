// Package supervisor owns the lifecycle of external encoder processes:
// spawning, monitored shutdown, crash detection, and budgeted restarts.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dhaslett/restreamd/internal/config"
	"github.com/dhaslett/restreamd/internal/events"
	"github.com/dhaslett/restreamd/internal/fault"
	"github.com/dhaslett/restreamd/internal/ffmpeg"
	"github.com/dhaslett/restreamd/internal/metrics"
	"github.com/dhaslett/restreamd/internal/models"
	"github.com/dhaslett/restreamd/internal/repository"
	"github.com/dhaslett/restreamd/internal/storage"
)

// CommandBuilder synthesizes the encoder invocation for a channel.
type CommandBuilder interface {
	Build(ctx context.Context, channel *models.Channel, output models.Output) (*ffmpeg.Command, error)
}

var _ CommandBuilder = (*ffmpeg.Builder)(nil)

// Supervisor manages one encoder process per channel. The slot table
// lock is never held across process I/O; per-channel operation locks
// serialize start/stop/restart against each other.
type Supervisor struct {
	cfg      config.SupervisorConfig
	channels repository.ChannelRepository
	builder  CommandBuilder
	media    *storage.MediaStore
	bus      *events.Bus
	parser   *metrics.Parser
	logger   *slog.Logger

	mu         sync.RWMutex
	slots      map[models.ULID]*slot
	restarting map[models.ULID]time.Time

	opMu sync.Mutex
	ops  map[models.ULID]*sync.Mutex

	budgetMu sync.Mutex
	budgets  map[models.ULID]*restartBudget

	closed atomic.Bool
}

// New creates a supervisor.
func New(
	cfg config.SupervisorConfig,
	channels repository.ChannelRepository,
	builder CommandBuilder,
	media *storage.MediaStore,
	bus *events.Bus,
	logger *slog.Logger,
) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:        cfg,
		channels:   channels,
		builder:    builder,
		media:      media,
		bus:        bus,
		parser:     metrics.NewParser(),
		logger:     logger.With(slog.String("component", "supervisor")),
		slots:      make(map[models.ULID]*slot),
		restarting: make(map[models.ULID]time.Time),
		ops:        make(map[models.ULID]*sync.Mutex),
		budgets:    make(map[models.ULID]*restartBudget),
	}
}

// lockChannel acquires the channel's operation lock and returns its
// release function.
func (s *Supervisor) lockChannel(id models.ULID) func() {
	s.opMu.Lock()
	m, ok := s.ops[id]
	if !ok {
		m = &sync.Mutex{}
		s.ops[id] = m
	}
	s.opMu.Unlock()
	m.Lock()
	return m.Unlock
}

func (s *Supervisor) getSlot(id models.ULID) *slot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slots[id]
}

// removeSlot clears the slot only if it still holds sl, so a stop and
// an exit handler racing on the same process cannot clear a successor.
func (s *Supervisor) removeSlot(id models.ULID, sl *slot) {
	s.mu.Lock()
	if s.slots[id] == sl {
		delete(s.slots, id)
	}
	s.mu.Unlock()
}

// IsRunning reports whether the channel has a live supervised process.
func (s *Supervisor) IsRunning(id models.ULID) bool {
	return s.getSlot(id) != nil
}

// Info returns a snapshot of the channel's supervised process.
func (s *Supervisor) Info(id models.ULID) (ProcessInfo, bool) {
	sl := s.getSlot(id)
	if sl == nil {
		return ProcessInfo{}, false
	}
	return ProcessInfo{
		PID:         sl.pid,
		StartedAt:   sl.startedAt,
		Program:     sl.cmd.Program,
		Argv:        sl.cmd.Args,
		LastMetrics: sl.metricsSnapshot(),
		StderrTail:  sl.tailSnapshot(),
	}, true
}

// RunningIDs returns the channels with a live supervised process.
func (s *Supervisor) RunningIDs() []models.ULID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]models.ULID, 0, len(s.slots))
	for id := range s.slots {
		ids = append(ids, id)
	}
	return ids
}

// Start launches the channel's encoder process.
func (s *Supervisor) Start(ctx context.Context, id models.ULID) error {
	unlock := s.lockChannel(id)
	defer unlock()
	return s.startLocked(ctx, id)
}

// startLocked is the launch path; the caller holds the channel's
// operation lock.
func (s *Supervisor) startLocked(ctx context.Context, id models.ULID) error {
	if s.closed.Load() {
		return fault.New(fault.KindConflict, "supervisor is shutting down")
	}

	channel, err := s.channels.GetByID(ctx, id)
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "loading channel")
	}
	if channel == nil {
		return fault.Newf(fault.KindNotFound, "channel %s not found", id)
	}
	if s.getSlot(id) != nil {
		return fault.Newf(fault.KindConflict, "channel %s is already running", id)
	}
	if err := channel.Validate(); err != nil {
		return fault.Wrap(fault.KindValidation, err, "invalid channel")
	}
	output, ok := channel.Outputs.Primary()
	if !ok {
		return fault.New(fault.KindValidation, "channel has no outputs")
	}

	if output.Type == models.OutputHLS {
		if _, err := s.media.EnsureChannelDir(id); err != nil {
			return fault.Wrap(fault.KindResource, err, "preparing media directory")
		}
	}

	cmd, err := s.builder.Build(ctx, channel, output)
	if err != nil {
		switch {
		case errors.Is(err, ffmpeg.ErrRenderDeviceUnavailable),
			errors.Is(err, ffmpeg.ErrBinaryNotFound):
			return fault.Wrap(fault.KindResource, err, "building command")
		default:
			return fault.Wrap(fault.KindValidation, err, "building command")
		}
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "attaching stderr")
	}
	if err := cmd.Start(); err != nil {
		return fault.Wrap(fault.KindSpawn, err, "spawning encoder")
	}

	pid := cmd.PID()
	sl := newSlot(cmd, pid)
	s.mu.Lock()
	s.slots[id] = sl
	delete(s.restarting, id)
	s.mu.Unlock()

	if err := s.channels.UpdateStatusPID(ctx, id, models.StatusRunning, &pid); err != nil {
		// The store is the source of truth; without the record the
		// process would be untracked, so take it back down.
		sl.requestStop()
		s.terminate(sl)
		s.removeSlot(id, sl)
		return fault.Wrap(fault.KindInternal, err, "recording running state")
	}

	s.logger.Info("encoder started",
		slog.String("channel_id", id.String()),
		slog.Int("pid", pid),
	)
	s.bus.Publish(events.Event{Type: events.ChannelStarted, ChannelID: id, PID: pid})

	go s.consumeStderr(id, sl, stderr)
	go s.waitForExit(id, sl)
	return nil
}

// Stop terminates the channel's encoder process and records the
// stopped state. With purge set, the channel's media directory is
// removed as well.
func (s *Supervisor) Stop(ctx context.Context, id models.ULID, purge bool) error {
	unlock := s.lockChannel(id)
	defer unlock()

	channel, err := s.channels.GetByID(ctx, id)
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "loading channel")
	}
	if channel == nil {
		return fault.Newf(fault.KindNotFound, "channel %s not found", id)
	}

	sl := s.getSlot(id)
	if sl == nil {
		if channel.Status == models.StatusStopped {
			return fault.Newf(fault.KindConflict, "channel %s is not running", id)
		}
		// No live process but the store says otherwise: reconcile. This
		// also cancels an in-flight restart waiting out its delay.
		return s.finishStop(ctx, id, purge)
	}

	sl.requestStop()
	s.terminate(sl)
	s.removeSlot(id, sl)
	return s.finishStop(ctx, id, purge)
}

func (s *Supervisor) finishStop(ctx context.Context, id models.ULID, purge bool) error {
	s.mu.Lock()
	delete(s.restarting, id)
	s.mu.Unlock()

	if err := s.channels.UpdateStatusPID(ctx, id, models.StatusStopped, nil); err != nil {
		return fault.Wrap(fault.KindInternal, err, "recording stopped state")
	}
	s.bus.Publish(events.Event{Type: events.ChannelStopped, ChannelID: id})
	s.logger.Info("encoder stopped", slog.String("channel_id", id.String()))

	if purge {
		if err := s.media.PurgeChannel(id); err != nil {
			s.logger.Warn("purging media failed",
				slog.String("channel_id", id.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// terminate brings the process down with escalation: TERM, a bounded
// grace period, then KILL with a second bounded wait.
func (s *Supervisor) terminate(sl *slot) {
	if err := sl.cmd.Signal(syscall.SIGTERM); err != nil {
		s.logger.Debug("sending TERM", slog.String("error", err.Error()))
	}
	select {
	case <-sl.done:
		return
	case <-time.After(s.cfg.StopTimeout):
	}

	if err := sl.cmd.Kill(); err != nil {
		s.logger.Debug("sending KILL", slog.String("error", err.Error()))
	}
	select {
	case <-sl.done:
	case <-time.After(s.cfg.KillTimeout):
		s.logger.Warn("encoder did not exit after KILL", slog.Int("pid", sl.pid))
	}
}

// Restart bounces the channel's encoder: mark restarting, stop the
// process keeping media files, pause, then relaunch with a fresh media
// directory. A stop arriving during the pause cancels the relaunch.
func (s *Supervisor) Restart(ctx context.Context, id models.ULID) error {
	if err := s.beginRestart(ctx, id); err != nil {
		return err
	}

	select {
	case <-time.After(s.cfg.RestartDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	return s.completeRestart(ctx, id)
}

func (s *Supervisor) beginRestart(ctx context.Context, id models.ULID) error {
	unlock := s.lockChannel(id)
	defer unlock()

	channel, err := s.channels.GetByID(ctx, id)
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "loading channel")
	}
	if channel == nil {
		return fault.Newf(fault.KindNotFound, "channel %s not found", id)
	}
	if channel.Status == models.StatusRestarting {
		return fault.Newf(fault.KindConflict, "channel %s restart already in progress", id)
	}
	// Consume an attempt only once the restart is actually going ahead;
	// failed preflights must not drain the window.
	if !s.budget(id).allow() {
		return fault.Newf(fault.KindConflict, "channel %s restart budget exhausted", id)
	}

	if err := s.channels.UpdateStatusPID(ctx, id, models.StatusRestarting, channel.PID); err != nil {
		return fault.Wrap(fault.KindInternal, err, "recording restarting state")
	}
	s.mu.Lock()
	s.restarting[id] = time.Now()
	s.mu.Unlock()

	if sl := s.getSlot(id); sl != nil {
		sl.requestStop()
		s.terminate(sl)
		s.removeSlot(id, sl)
	}
	return nil
}

func (s *Supervisor) completeRestart(ctx context.Context, id models.ULID) error {
	unlock := s.lockChannel(id)
	defer unlock()

	channel, err := s.channels.GetByID(ctx, id)
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "loading channel")
	}
	if channel == nil || channel.Status != models.StatusRestarting {
		// An operator stopped or deleted the channel during the pause.
		s.mu.Lock()
		delete(s.restarting, id)
		s.mu.Unlock()
		return nil
	}

	if err := s.media.PurgeChannel(id); err != nil {
		s.logger.Warn("purging media before relaunch",
			slog.String("channel_id", id.String()),
			slog.String("error", err.Error()),
		)
	}

	if err := s.startLocked(ctx, id); err != nil {
		s.mu.Lock()
		delete(s.restarting, id)
		s.mu.Unlock()
		if uerr := s.channels.UpdateStatusPID(ctx, id, models.StatusError, nil); uerr != nil {
			s.logger.Warn("recording failed restart", slog.String("error", uerr.Error()))
		}
		s.bus.Publish(events.Event{Type: events.ChannelError, ChannelID: id, Err: err.Error()})
		return err
	}
	return nil
}

// consumeStderr drains the encoder's stderr, routing progress updates
// to the metric slot and diagnostics to the tail ring and event bus.
// Residual parser state is keyed per process and released here, after
// the last read, so a successor's stream is never disturbed.
func (s *Supervisor) consumeStderr(id models.ULID, sl *slot, r io.ReadCloser) {
	stream := fmt.Sprintf("%s:%d", id, sl.pid)
	defer s.parser.ClearStream(stream)
	defer r.Close()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			records, lines := s.parser.Feed(stream, buf[:n])
			if len(records) > 0 {
				sl.setMetrics(records[len(records)-1])
			}
			for _, line := range lines {
				sl.appendStderr(line)
				s.bus.Publish(events.Event{
					Type:      events.ChannelLog,
					ChannelID: id,
					Level:     classifyStderrLine(line),
					Message:   line,
				})
			}
		}
		if err != nil {
			return
		}
	}
}

func classifyStderrLine(line string) models.LogLevel {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "error") || strings.Contains(lower, "fatal"):
		return models.LogLevelError
	case strings.Contains(lower, "warning"):
		return models.LogLevelWarn
	default:
		return models.LogLevelInfo
	}
}

// waitForExit reaps the process. Expected exits are handled by the
// stop path; everything else is an unexpected exit.
func (s *Supervisor) waitForExit(id models.ULID, sl *slot) {
	err := sl.cmd.Wait()
	sl.exitErr = err
	close(sl.done)

	if sl.stopWasRequested() {
		return
	}
	s.handleUnexpectedExit(id, sl, err)
}

func (s *Supervisor) handleUnexpectedExit(id models.ULID, sl *slot, waitErr error) {
	s.removeSlot(id, sl)

	// A process that stayed up beyond the budget window earns a clean
	// slate for future restarts.
	if time.Since(sl.startedAt) > s.cfg.RestartWindow {
		s.budget(id).reset()
	}

	code := ffmpeg.ExitCode(waitErr)
	s.logger.Warn("encoder exited unexpectedly",
		slog.String("channel_id", id.String()),
		slog.Int("pid", sl.pid),
		slog.Int("exit_code", code),
	)

	ctx := context.Background()
	unlock := s.lockChannel(id)
	defer unlock()

	if s.getSlot(id) != nil {
		// An operator start raced the exit; the successor owns the row.
		return
	}

	channel, err := s.channels.GetByID(ctx, id)
	if err != nil || channel == nil {
		return
	}
	if channel.Status == models.StatusStopped {
		// An operator stop raced the exit; nothing to record.
		return
	}

	if code == 0 {
		if err := s.channels.UpdateStatusPID(ctx, id, models.StatusStopped, nil); err != nil {
			s.logger.Warn("recording clean exit", slog.String("error", err.Error()))
		}
		s.bus.Publish(events.Event{Type: events.ChannelStopped, ChannelID: id, ExitCode: &code})
		return
	}

	if err := s.channels.UpdateStatusPID(ctx, id, models.StatusError, nil); err != nil {
		s.logger.Warn("recording crash", slog.String("error", err.Error()))
	}
	s.bus.Publish(events.Event{
		Type:      events.ChannelError,
		ChannelID: id,
		ExitCode:  &code,
		Err:       fmt.Sprintf("encoder exited with code %d", code),
	})

	if !channel.AutoRestart || s.closed.Load() {
		return
	}
	if !s.budget(id).allow() {
		s.logger.Warn("restart budget exhausted, leaving channel in error",
			slog.String("channel_id", id.String()),
		)
		return
	}
	go s.autoRestart(id)
}

// autoRestart relaunches a crashed channel after the backoff delay,
// re-reading the store so operator intervention wins.
func (s *Supervisor) autoRestart(id models.ULID) {
	time.Sleep(s.cfg.AutoRestartDelay)
	if s.closed.Load() {
		return
	}

	ctx := context.Background()
	unlock := s.lockChannel(id)
	defer unlock()

	channel, err := s.channels.GetByID(ctx, id)
	if err != nil || channel == nil {
		return
	}
	if channel.Status != models.StatusError || !channel.AutoRestart {
		return
	}

	if err := s.media.PurgeChannel(id); err != nil {
		s.logger.Warn("purging media before auto restart",
			slog.String("channel_id", id.String()),
			slog.String("error", err.Error()),
		)
	}
	if err := s.startLocked(ctx, id); err != nil {
		s.logger.Error("automatic restart failed",
			slog.String("channel_id", id.String()),
			slog.String("error", err.Error()),
		)
		s.bus.Publish(events.Event{Type: events.ChannelError, ChannelID: id, Err: err.Error()})
	}
}

// NoticeDeadProcess records a channel whose persisted pid no longer
// exists on the host: the row moves to the error state and, when the
// channel wants auto-restart and the budget allows, a relaunch is
// scheduled. The health loop calls this for processes that died
// outside supervision.
func (s *Supervisor) NoticeDeadProcess(ctx context.Context, id models.ULID) {
	unlock := s.lockChannel(id)
	defer unlock()

	channel, err := s.channels.GetByID(ctx, id)
	if err != nil || channel == nil {
		return
	}
	// Re-read, not cached: an operator stop or a supervised relaunch may
	// have resolved this in the meantime.
	if channel.Status != models.StatusRunning || s.getSlot(id) != nil {
		return
	}

	if err := s.channels.UpdateStatusPID(ctx, id, models.StatusError, nil); err != nil {
		s.logger.Warn("recording dead process", slog.String("error", err.Error()))
		return
	}
	s.bus.Publish(events.Event{
		Type:      events.ChannelError,
		ChannelID: id,
		Err:       "encoder process died",
	})

	if !channel.AutoRestart || s.closed.Load() {
		return
	}
	if !s.budget(id).allow() {
		s.logger.Warn("restart budget exhausted, leaving channel in error",
			slog.String("channel_id", id.String()),
		)
		return
	}
	go s.autoRestart(id)
}

// ReconcileRestarting demotes channels stuck in the restarting state
// longer than the configured timeout to the error state.
func (s *Supervisor) ReconcileRestarting(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.RestartingTimeout)

	s.mu.Lock()
	var stale []models.ULID
	for id, entered := range s.restarting {
		if entered.Before(cutoff) && s.slots[id] == nil {
			stale = append(stale, id)
			delete(s.restarting, id)
		}
	}
	s.mu.Unlock()

	for _, id := range stale {
		channel, err := s.channels.GetByID(ctx, id)
		if err != nil || channel == nil || channel.Status != models.StatusRestarting {
			continue
		}
		s.logger.Warn("demoting stalled restart", slog.String("channel_id", id.String()))
		if err := s.channels.UpdateStatusPID(ctx, id, models.StatusError, nil); err != nil {
			s.logger.Warn("recording stalled restart", slog.String("error", err.Error()))
			continue
		}
		s.bus.Publish(events.Event{
			Type:      events.ChannelError,
			ChannelID: id,
			Err:       "restart stalled",
		})
	}
}

// Shutdown stops every supervised process and purges their media
// directories. New starts are refused once shutdown begins.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.closed.Store(true)
	for _, id := range s.RunningIDs() {
		if err := s.Stop(ctx, id, true); err != nil && !fault.IsKind(err, fault.KindConflict) {
			s.logger.Warn("stopping channel during shutdown",
				slog.String("channel_id", id.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *Supervisor) budget(id models.ULID) *restartBudget {
	s.budgetMu.Lock()
	defer s.budgetMu.Unlock()
	b, ok := s.budgets[id]
	if !ok {
		b = &restartBudget{limit: s.cfg.RestartBudget, window: s.cfg.RestartWindow}
		s.budgets[id] = b
	}
	return b
}

// restartBudget is a rolling-window cap on restart attempts.
type restartBudget struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	attempts []time.Time
}

// allow records an attempt if the window still has room.
func (b *restartBudget) allow() bool {
	if b.limit <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := time.Now().Add(-b.window)
	kept := b.attempts[:0]
	for _, t := range b.attempts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.attempts = kept

	if len(b.attempts) >= b.limit {
		return false
	}
	b.attempts = append(b.attempts, time.Now())
	return true
}

func (b *restartBudget) reset() {
	b.mu.Lock()
	b.attempts = nil
	b.mu.Unlock()
}
