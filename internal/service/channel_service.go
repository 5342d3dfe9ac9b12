// Package service implements the application operations behind the API
// surface: channel CRUD, lifecycle orchestration, log access, stats,
// and capability reporting.
package service

import (
	"context"
	"log/slog"
	"reflect"

	"github.com/dhaslett/restreamd/internal/fault"
	"github.com/dhaslett/restreamd/internal/ffmpeg"
	"github.com/dhaslett/restreamd/internal/health"
	"github.com/dhaslett/restreamd/internal/models"
	"github.com/dhaslett/restreamd/internal/repository"
	"github.com/dhaslett/restreamd/internal/supervisor"
)

// ChannelUpdate carries the mutable channel fields of an update
// request. Nil pointers leave the field unchanged.
type ChannelUpdate struct {
	Name         *string
	InputURL     *string
	AutoRestart  *bool
	FFmpegParams *models.EncoderParams
	Outputs      *models.OutputList
}

// ChannelStatusView is the detailed status of one channel.
type ChannelStatusView struct {
	Channel    *models.Channel
	Process    *supervisor.ProcessInfo
	StderrTail []string
}

// CommandPreview is the encoder invocation a start would run.
type CommandPreview struct {
	Program string
	Args    []string
}

// ChannelService orchestrates channel operations across the store, the
// supervisor, and the probing layers.
type ChannelService struct {
	channels repository.ChannelRepository
	logs     repository.ChannelLogRepository
	sup      *supervisor.Supervisor
	builder  *ffmpeg.Builder
	probe    *ffmpeg.Probe
	prober   *ffmpeg.Prober
	fanout   *health.Fanout
	logger   *slog.Logger
}

// NewChannelService creates a channel service.
func NewChannelService(
	channels repository.ChannelRepository,
	logs repository.ChannelLogRepository,
	sup *supervisor.Supervisor,
	builder *ffmpeg.Builder,
	probe *ffmpeg.Probe,
	prober *ffmpeg.Prober,
	fanout *health.Fanout,
	logger *slog.Logger,
) *ChannelService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelService{
		channels: channels,
		logs:     logs,
		sup:      sup,
		builder:  builder,
		probe:    probe,
		prober:   prober,
		fanout:   fanout,
		logger:   logger.With(slog.String("component", "channel-service")),
	}
}

// Create validates and persists a new channel. Channels are always
// created stopped; lifecycle is a separate concern.
func (s *ChannelService) Create(ctx context.Context, channel *models.Channel) error {
	channel.Status = models.StatusStopped
	channel.PID = nil
	if err := channel.Validate(); err != nil {
		return fault.Wrap(fault.KindValidation, err, "invalid channel")
	}
	if err := s.channels.Create(ctx, channel); err != nil {
		return fault.Wrap(fault.KindInternal, err, "creating channel")
	}
	s.logger.Info("channel created",
		slog.String("channel_id", channel.ID.String()),
		slog.String("name", channel.Name),
	)
	return nil
}

// Get loads one channel.
func (s *ChannelService) Get(ctx context.Context, id models.ULID) (*models.Channel, error) {
	channel, err := s.channels.GetByID(ctx, id)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "loading channel")
	}
	if channel == nil {
		return nil, fault.Newf(fault.KindNotFound, "channel %s not found", id)
	}
	return channel, nil
}

// List returns all channels.
func (s *ChannelService) List(ctx context.Context) ([]models.Channel, error) {
	channels, err := s.channels.List(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "listing channels")
	}
	return channels, nil
}

// Update applies a partial update. While a channel is running or
// restarting only the name and the auto-restart flag may change;
// altering the input, parameters, or outputs requires a stop first.
func (s *ChannelService) Update(ctx context.Context, id models.ULID, update ChannelUpdate) (*models.Channel, error) {
	channel, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	live := channel.Status == models.StatusRunning || channel.Status == models.StatusRestarting
	if live && updateTouchesPipeline(channel, update) {
		return nil, fault.Newf(fault.KindConflict,
			"channel %s is running; stop it to change input, parameters, or outputs", id)
	}

	if update.Name != nil {
		channel.Name = *update.Name
	}
	if update.AutoRestart != nil {
		channel.AutoRestart = *update.AutoRestart
	}
	if update.InputURL != nil {
		channel.InputURL = *update.InputURL
	}
	if update.FFmpegParams != nil {
		channel.FFmpegParams = *update.FFmpegParams
	}
	if update.Outputs != nil {
		channel.Outputs = *update.Outputs
	}

	if err := channel.Validate(); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "invalid channel")
	}
	if err := s.channels.Update(ctx, channel); err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "updating channel")
	}
	return channel, nil
}

func updateTouchesPipeline(channel *models.Channel, update ChannelUpdate) bool {
	if update.InputURL != nil && *update.InputURL != channel.InputURL {
		return true
	}
	if update.FFmpegParams != nil && !reflect.DeepEqual(*update.FFmpegParams, channel.FFmpegParams) {
		return true
	}
	if update.Outputs != nil && !reflect.DeepEqual(*update.Outputs, channel.Outputs) {
		return true
	}
	return false
}

// Delete removes a channel. A live process is stopped first and the
// channel's media and logs go with it.
func (s *ChannelService) Delete(ctx context.Context, id models.ULID) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}

	if err := s.sup.Stop(ctx, id, true); err != nil && !fault.IsKind(err, fault.KindConflict) {
		return err
	}
	if err := s.logs.DeleteByChannel(ctx, id); err != nil {
		return fault.Wrap(fault.KindInternal, err, "deleting channel logs")
	}
	if err := s.channels.Delete(ctx, id); err != nil {
		return fault.Wrap(fault.KindInternal, err, "deleting channel")
	}
	s.logger.Info("channel deleted", slog.String("channel_id", id.String()))
	return nil
}

// Start launches the channel's encoder.
func (s *ChannelService) Start(ctx context.Context, id models.ULID) error {
	return s.sup.Start(ctx, id)
}

// Stop terminates the channel's encoder and purges its media.
func (s *ChannelService) Stop(ctx context.Context, id models.ULID) error {
	return s.sup.Stop(ctx, id, true)
}

// Restart bounces the channel's encoder.
func (s *ChannelService) Restart(ctx context.Context, id models.ULID) error {
	return s.sup.Restart(ctx, id)
}

// Status returns the channel with its live process details, if any.
func (s *ChannelService) Status(ctx context.Context, id models.ULID) (*ChannelStatusView, error) {
	channel, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &ChannelStatusView{Channel: channel}
	if info, ok := s.sup.Info(id); ok {
		view.Process = &info
		view.StderrTail = info.StderrTail
	}
	return view, nil
}

// Logs returns a page of the channel's log entries plus the unpaged
// total.
func (s *ChannelService) Logs(ctx context.Context, id models.ULID, filter repository.LogFilter) ([]models.ChannelLog, int64, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, 0, err
	}
	entries, total, err := s.logs.List(ctx, id, filter)
	if err != nil {
		return nil, 0, fault.Wrap(fault.KindInternal, err, "listing logs")
	}
	return entries, total, nil
}

// DeleteLogs removes all of the channel's log entries.
func (s *ChannelService) DeleteLogs(ctx context.Context, id models.ULID) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.logs.DeleteByChannel(ctx, id); err != nil {
		return fault.Wrap(fault.KindInternal, err, "deleting logs")
	}
	return nil
}

// Stats returns one live stats snapshot for the channel.
func (s *ChannelService) Stats(ctx context.Context, id models.ULID) (*health.Snapshot, error) {
	channel, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	snap := s.fanout.Snapshot(ctx, channel)
	return &snap, nil
}

// AnalyzeAudioTracks probes the channel's input for audio streams.
func (s *ChannelService) AnalyzeAudioTracks(ctx context.Context, id models.ULID) ([]ffmpeg.AudioTrack, error) {
	channel, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	tracks, err := s.prober.AnalyzeAudioTracks(ctx, channel.InputURL)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "analyzing input")
	}
	return tracks, nil
}

// PreviewCommand synthesizes the encoder invocation a start would run
// without spawning anything.
func (s *ChannelService) PreviewCommand(ctx context.Context, id models.ULID) (*CommandPreview, error) {
	channel, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	output, ok := channel.Outputs.Primary()
	if !ok {
		return nil, fault.New(fault.KindValidation, "channel has no outputs")
	}
	cmd, err := s.builder.Build(ctx, channel, output)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "building command")
	}
	return &CommandPreview{Program: cmd.Program, Args: cmd.Args}, nil
}

// Capabilities reports the detected hardware encoder capabilities.
func (s *ChannelService) Capabilities(ctx context.Context) ([]ffmpeg.HWCapability, error) {
	caps, err := s.probe.Capabilities(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "probing capabilities")
	}
	return caps, nil
}

// RefreshCapabilities drops the capability cache and re-probes.
func (s *ChannelService) RefreshCapabilities(ctx context.Context) ([]ffmpeg.HWCapability, error) {
	s.probe.Invalidate()
	return s.Capabilities(ctx)
}
