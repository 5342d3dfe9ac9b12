package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dhaslett/restreamd/internal/ffmpeg"
	"github.com/dhaslett/restreamd/internal/health"
	"github.com/dhaslett/restreamd/internal/models"
	"github.com/dhaslett/restreamd/internal/repository"
	"github.com/dhaslett/restreamd/internal/service"
)

// ChannelHandler exposes channel CRUD, lifecycle, logs, and stats.
type ChannelHandler struct {
	svc    *service.ChannelService
	logger *slog.Logger
}

// NewChannelHandler creates a channel handler.
func NewChannelHandler(svc *service.ChannelService, logger *slog.Logger) *ChannelHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelHandler{svc: svc, logger: logger}
}

// Register registers the channel routes with the API.
func (h *ChannelHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listChannels",
		Method:      "GET",
		Path:        "/api/v1/channels",
		Summary:     "List all channels",
		Tags:        []string{"Channels"},
	}, h.ListChannels)

	huma.Register(api, huma.Operation{
		OperationID:   "createChannel",
		Method:        "POST",
		Path:          "/api/v1/channels",
		Summary:       "Create a channel",
		DefaultStatus: 201,
		Tags:          []string{"Channels"},
	}, h.CreateChannel)

	huma.Register(api, huma.Operation{
		OperationID: "getChannel",
		Method:      "GET",
		Path:        "/api/v1/channels/{id}",
		Summary:     "Get channel by ID",
		Tags:        []string{"Channels"},
	}, h.GetChannel)

	huma.Register(api, huma.Operation{
		OperationID: "updateChannel",
		Method:      "PATCH",
		Path:        "/api/v1/channels/{id}",
		Summary:     "Update a channel",
		Description: "While a channel is running, only name and auto_restart may change.",
		Tags:        []string{"Channels"},
	}, h.UpdateChannel)

	huma.Register(api, huma.Operation{
		OperationID:   "deleteChannel",
		Method:        "DELETE",
		Path:          "/api/v1/channels/{id}",
		Summary:       "Delete a channel",
		Description:   "Stops a running encoder first, then removes the channel, its logs, and its media.",
		DefaultStatus: 204,
		Tags:          []string{"Channels"},
	}, h.DeleteChannel)

	huma.Register(api, huma.Operation{
		OperationID: "startChannel",
		Method:      "POST",
		Path:        "/api/v1/channels/{id}/start",
		Summary:     "Start the channel's encoder",
		Tags:        []string{"Lifecycle"},
	}, h.StartChannel)

	huma.Register(api, huma.Operation{
		OperationID: "stopChannel",
		Method:      "POST",
		Path:        "/api/v1/channels/{id}/stop",
		Summary:     "Stop the channel's encoder",
		Tags:        []string{"Lifecycle"},
	}, h.StopChannel)

	huma.Register(api, huma.Operation{
		OperationID: "restartChannel",
		Method:      "POST",
		Path:        "/api/v1/channels/{id}/restart",
		Summary:     "Restart the channel's encoder",
		Tags:        []string{"Lifecycle"},
	}, h.RestartChannel)

	huma.Register(api, huma.Operation{
		OperationID: "getChannelStatus",
		Method:      "GET",
		Path:        "/api/v1/channels/{id}/status",
		Summary:     "Get detailed channel status",
		Tags:        []string{"Lifecycle"},
	}, h.GetChannelStatus)

	huma.Register(api, huma.Operation{
		OperationID: "getChannelLogs",
		Method:      "GET",
		Path:        "/api/v1/channels/{id}/logs",
		Summary:     "Get channel logs",
		Tags:        []string{"Logs"},
	}, h.GetChannelLogs)

	huma.Register(api, huma.Operation{
		OperationID:   "deleteChannelLogs",
		Method:        "DELETE",
		Path:          "/api/v1/channels/{id}/logs",
		Summary:       "Delete channel logs",
		DefaultStatus: 204,
		Tags:          []string{"Logs"},
	}, h.DeleteChannelLogs)

	huma.Register(api, huma.Operation{
		OperationID: "getChannelStats",
		Method:      "GET",
		Path:        "/api/v1/channels/{id}/stats",
		Summary:     "Get live channel stats",
		Tags:        []string{"Stats"},
	}, h.GetChannelStats)

	huma.Register(api, huma.Operation{
		OperationID: "analyzeChannelAudio",
		Method:      "POST",
		Path:        "/api/v1/channels/{id}/analyze-audio",
		Summary:     "Probe the channel input for audio tracks",
		Tags:        []string{"Analysis"},
	}, h.AnalyzeAudio)

	huma.Register(api, huma.Operation{
		OperationID: "getChannelCommand",
		Method:      "GET",
		Path:        "/api/v1/channels/{id}/command",
		Summary:     "Preview the encoder command",
		Description: "Returns the argument vector a start would run, without spawning anything.",
		Tags:        []string{"Analysis"},
	}, h.GetChannelCommand)
}

// ChannelBody is the writable channel representation.
type ChannelBody struct {
	Name         string               `json:"name" doc:"Display name"`
	InputURL     string               `json:"input_url" doc:"Source stream URL"`
	AutoRestart  bool                 `json:"auto_restart,omitempty"`
	FFmpegParams models.EncoderParams `json:"ffmpeg_params,omitempty"`
	Outputs      models.OutputList    `json:"outputs"`
}

type channelIDInput struct {
	ID string `path:"id" doc:"Channel ID"`
}

// ListChannelsOutput is the output for listing channels.
type ListChannelsOutput struct {
	Body struct {
		Items []models.Channel `json:"items"`
		Total int              `json:"total"`
	}
}

// ListChannels returns all channels.
func (h *ChannelHandler) ListChannels(ctx context.Context, _ *struct{}) (*ListChannelsOutput, error) {
	channels, err := h.svc.List(ctx)
	if err != nil {
		return nil, apiError(err)
	}
	out := &ListChannelsOutput{}
	out.Body.Items = channels
	out.Body.Total = len(channels)
	return out, nil
}

// CreateChannelInput is the input for creating a channel.
type CreateChannelInput struct {
	Body ChannelBody
}

// ChannelOutput wraps a single channel response.
type ChannelOutput struct {
	Body models.Channel
}

// CreateChannel creates a channel.
func (h *ChannelHandler) CreateChannel(ctx context.Context, input *CreateChannelInput) (*ChannelOutput, error) {
	channel := &models.Channel{
		Name:         input.Body.Name,
		InputURL:     input.Body.InputURL,
		AutoRestart:  input.Body.AutoRestart,
		FFmpegParams: input.Body.FFmpegParams,
		Outputs:      input.Body.Outputs,
	}
	if err := h.svc.Create(ctx, channel); err != nil {
		return nil, apiError(err)
	}
	return &ChannelOutput{Body: *channel}, nil
}

// GetChannel returns one channel.
func (h *ChannelHandler) GetChannel(ctx context.Context, input *channelIDInput) (*ChannelOutput, error) {
	id, err := parseChannelID(input.ID)
	if err != nil {
		return nil, err
	}
	channel, err := h.svc.Get(ctx, id)
	if err != nil {
		return nil, apiError(err)
	}
	return &ChannelOutput{Body: *channel}, nil
}

// UpdateChannelInput is the input for a partial channel update.
type UpdateChannelInput struct {
	ID   string `path:"id"`
	Body struct {
		Name         *string               `json:"name,omitempty"`
		InputURL     *string               `json:"input_url,omitempty"`
		AutoRestart  *bool                 `json:"auto_restart,omitempty"`
		FFmpegParams *models.EncoderParams `json:"ffmpeg_params,omitempty"`
		Outputs      *models.OutputList    `json:"outputs,omitempty"`
	}
}

// UpdateChannel applies a partial update.
func (h *ChannelHandler) UpdateChannel(ctx context.Context, input *UpdateChannelInput) (*ChannelOutput, error) {
	id, err := parseChannelID(input.ID)
	if err != nil {
		return nil, err
	}
	channel, err := h.svc.Update(ctx, id, service.ChannelUpdate{
		Name:         input.Body.Name,
		InputURL:     input.Body.InputURL,
		AutoRestart:  input.Body.AutoRestart,
		FFmpegParams: input.Body.FFmpegParams,
		Outputs:      input.Body.Outputs,
	})
	if err != nil {
		return nil, apiError(err)
	}
	return &ChannelOutput{Body: *channel}, nil
}

// DeleteChannel removes a channel.
func (h *ChannelHandler) DeleteChannel(ctx context.Context, input *channelIDInput) (*struct{}, error) {
	id, err := parseChannelID(input.ID)
	if err != nil {
		return nil, err
	}
	if err := h.svc.Delete(ctx, id); err != nil {
		return nil, apiError(err)
	}
	return &struct{}{}, nil
}

// LifecycleOutput acknowledges a lifecycle operation.
type LifecycleOutput struct {
	Body struct {
		Status models.ChannelStatus `json:"status"`
	}
}

func (h *ChannelHandler) lifecycleResult(ctx context.Context, id models.ULID) (*LifecycleOutput, error) {
	channel, err := h.svc.Get(ctx, id)
	if err != nil {
		return nil, apiError(err)
	}
	out := &LifecycleOutput{}
	out.Body.Status = channel.Status
	return out, nil
}

// StartChannel starts the encoder.
func (h *ChannelHandler) StartChannel(ctx context.Context, input *channelIDInput) (*LifecycleOutput, error) {
	id, err := parseChannelID(input.ID)
	if err != nil {
		return nil, err
	}
	if err := h.svc.Start(ctx, id); err != nil {
		return nil, apiError(err)
	}
	return h.lifecycleResult(ctx, id)
}

// StopChannel stops the encoder.
func (h *ChannelHandler) StopChannel(ctx context.Context, input *channelIDInput) (*LifecycleOutput, error) {
	id, err := parseChannelID(input.ID)
	if err != nil {
		return nil, err
	}
	if err := h.svc.Stop(ctx, id); err != nil {
		return nil, apiError(err)
	}
	return h.lifecycleResult(ctx, id)
}

// RestartChannel bounces the encoder.
func (h *ChannelHandler) RestartChannel(ctx context.Context, input *channelIDInput) (*LifecycleOutput, error) {
	id, err := parseChannelID(input.ID)
	if err != nil {
		return nil, err
	}
	if err := h.svc.Restart(ctx, id); err != nil {
		return nil, apiError(err)
	}
	return h.lifecycleResult(ctx, id)
}

// ChannelStatusOutput is the detailed status response.
type ChannelStatusOutput struct {
	Body struct {
		Channel    models.Channel `json:"channel"`
		PID        *int           `json:"pid,omitempty"`
		UptimeSecs float64        `json:"uptime_seconds,omitempty"`
		StderrTail []string       `json:"stderr_tail,omitempty"`
	}
}

// GetChannelStatus returns the channel with live process details.
func (h *ChannelHandler) GetChannelStatus(ctx context.Context, input *channelIDInput) (*ChannelStatusOutput, error) {
	id, err := parseChannelID(input.ID)
	if err != nil {
		return nil, err
	}
	view, err := h.svc.Status(ctx, id)
	if err != nil {
		return nil, apiError(err)
	}
	out := &ChannelStatusOutput{}
	out.Body.Channel = *view.Channel
	out.Body.StderrTail = view.StderrTail
	if view.Process != nil {
		pid := view.Process.PID
		out.Body.PID = &pid
		out.Body.UptimeSecs = time.Since(view.Process.StartedAt).Seconds()
	}
	return out, nil
}

// GetChannelLogsInput pages and filters channel logs.
type GetChannelLogsInput struct {
	ID     string `path:"id"`
	Level  string `query:"level" enum:",debug,info,warn,error" doc:"Filter by level"`
	Limit  int    `query:"limit" default:"100" minimum:"1" maximum:"1000"`
	Offset int    `query:"offset" default:"0" minimum:"0"`
}

// GetChannelLogsOutput is a page of log entries.
type GetChannelLogsOutput struct {
	Body struct {
		Items  []models.ChannelLog `json:"items"`
		Total  int64               `json:"total"`
		Limit  int                 `json:"limit"`
		Offset int                 `json:"offset"`
	}
}

// GetChannelLogs returns a page of the channel's logs.
func (h *ChannelHandler) GetChannelLogs(ctx context.Context, input *GetChannelLogsInput) (*GetChannelLogsOutput, error) {
	id, err := parseChannelID(input.ID)
	if err != nil {
		return nil, err
	}
	entries, total, err := h.svc.Logs(ctx, id, repository.LogFilter{
		Level:  models.LogLevel(input.Level),
		Limit:  input.Limit,
		Offset: input.Offset,
	})
	if err != nil {
		return nil, apiError(err)
	}
	out := &GetChannelLogsOutput{}
	out.Body.Items = entries
	out.Body.Total = total
	out.Body.Limit = input.Limit
	out.Body.Offset = input.Offset
	return out, nil
}

// DeleteChannelLogs removes all of the channel's logs.
func (h *ChannelHandler) DeleteChannelLogs(ctx context.Context, input *channelIDInput) (*struct{}, error) {
	id, err := parseChannelID(input.ID)
	if err != nil {
		return nil, err
	}
	if err := h.svc.DeleteLogs(ctx, id); err != nil {
		return nil, apiError(err)
	}
	return &struct{}{}, nil
}

// ChannelStatsOutput is one live stats snapshot.
type ChannelStatsOutput struct {
	Body health.Snapshot
}

// GetChannelStats returns a live stats snapshot.
func (h *ChannelHandler) GetChannelStats(ctx context.Context, input *channelIDInput) (*ChannelStatsOutput, error) {
	id, err := parseChannelID(input.ID)
	if err != nil {
		return nil, err
	}
	snap, err := h.svc.Stats(ctx, id)
	if err != nil {
		return nil, apiError(err)
	}
	return &ChannelStatsOutput{Body: *snap}, nil
}

// AnalyzeAudioOutput lists the probed audio tracks.
type AnalyzeAudioOutput struct {
	Body struct {
		Tracks []ffmpeg.AudioTrack `json:"tracks"`
	}
}

// AnalyzeAudio probes the channel input for audio streams.
func (h *ChannelHandler) AnalyzeAudio(ctx context.Context, input *channelIDInput) (*AnalyzeAudioOutput, error) {
	id, err := parseChannelID(input.ID)
	if err != nil {
		return nil, err
	}
	tracks, err := h.svc.AnalyzeAudioTracks(ctx, id)
	if err != nil {
		return nil, apiError(err)
	}
	out := &AnalyzeAudioOutput{}
	out.Body.Tracks = tracks
	return out, nil
}

// CommandOutput is the previewed encoder invocation.
type CommandOutput struct {
	Body struct {
		Program string   `json:"program"`
		Args    []string `json:"args"`
	}
}

// GetChannelCommand previews the encoder command for a channel.
func (h *ChannelHandler) GetChannelCommand(ctx context.Context, input *channelIDInput) (*CommandOutput, error) {
	id, err := parseChannelID(input.ID)
	if err != nil {
		return nil, err
	}
	preview, err := h.svc.PreviewCommand(ctx, id)
	if err != nil {
		return nil, apiError(err)
	}
	out := &CommandOutput{}
	out.Body.Program = preview.Program
	out.Body.Args = preview.Args
	return out, nil
}
