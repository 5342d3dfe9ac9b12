package handlers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhaslett/restreamd/internal/config"
	"github.com/dhaslett/restreamd/internal/database"
	"github.com/dhaslett/restreamd/internal/events"
	"github.com/dhaslett/restreamd/internal/fault"
	"github.com/dhaslett/restreamd/internal/ffmpeg"
	"github.com/dhaslett/restreamd/internal/health"
	"github.com/dhaslett/restreamd/internal/metrics"
	"github.com/dhaslett/restreamd/internal/models"
	"github.com/dhaslett/restreamd/internal/repository"
	"github.com/dhaslett/restreamd/internal/service"
	"github.com/dhaslett/restreamd/internal/storage"
	"github.com/dhaslett/restreamd/internal/supervisor"
)

type sleepBuilder struct{}

func (sleepBuilder) Build(context.Context, *models.Channel, models.Output) (*ffmpeg.Command, error) {
	return ffmpeg.NewCommand("/bin/sh", []string{"-c", "sleep 60"}), nil
}

func newHandler(t *testing.T) *ChannelHandler {
	t.Helper()

	db, err := database.New(config.DatabaseConfig{
		Driver:          "sqlite",
		DSN:             filepath.Join(t.TempDir(), "test.db"),
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute,
		LogLevel:        "silent",
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())

	channels := repository.NewChannelRepository(db.DB)
	logs := repository.NewChannelLogRepository(db.DB, 100)
	bus := events.NewBus(64, nil)
	t.Cleanup(bus.Close)
	media := storage.NewMediaStore(config.MediaConfig{BasePath: t.TempDir()}, nil)

	sup := supervisor.New(config.SupervisorConfig{
		StopTimeout:   500 * time.Millisecond,
		KillTimeout:   200 * time.Millisecond,
		RestartBudget: 25,
		RestartWindow: 2 * time.Minute,
	}, channels, sleepBuilder{}, media, bus, nil)
	t.Cleanup(func() { sup.Shutdown(context.Background()) })

	encoderPath := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(encoderPath, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	ffCfg := config.FFmpegConfig{BinaryPath: encoderPath, HWAccelEnabled: true}
	probe := ffmpeg.NewProbe(ffCfg, nil)
	builder := ffmpeg.NewBuilder(ffCfg, config.MediaConfig{BasePath: media.Root()}, probe, nil)

	fanout := health.NewFanout(config.HealthConfig{
		PushInterval:     2 * time.Second,
		SubscriberBuffer: 16,
	}, channels, sup, metrics.NewStatsCollector(), nil)

	svc := service.NewChannelService(channels, logs, sup, builder, probe, ffmpeg.NewProber(ffCfg), fanout, nil)
	return NewChannelHandler(svc, nil)
}

func createTestChannel(t *testing.T, h *ChannelHandler) models.Channel {
	t.Helper()
	out, err := h.CreateChannel(context.Background(), &CreateChannelInput{
		Body: ChannelBody{
			Name:     "news",
			InputURL: "udp://10.0.0.9:4000",
			Outputs:  models.OutputList{{Type: models.OutputUDP, Host: "10.0.0.1", Port: 5000}},
		},
	})
	require.NoError(t, err)
	return out.Body
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	var se huma.StatusError
	require.ErrorAs(t, err, &se)
	return se.GetStatus()
}

func TestCreateAndGetChannel(t *testing.T) {
	h := newHandler(t)
	created := createTestChannel(t, h)
	assert.False(t, created.ID.IsZero())
	assert.Equal(t, models.StatusStopped, created.Status)

	got, err := h.GetChannel(context.Background(), &channelIDInput{ID: created.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, "news", got.Body.Name)
}

func TestCreateChannelValidation(t *testing.T) {
	h := newHandler(t)
	_, err := h.CreateChannel(context.Background(), &CreateChannelInput{
		Body: ChannelBody{Name: "no-input"},
	})
	assert.Equal(t, 400, statusOf(t, err))
}

func TestGetChannelNotFound(t *testing.T) {
	h := newHandler(t)
	_, err := h.GetChannel(context.Background(), &channelIDInput{ID: models.NewULID().String()})
	assert.Equal(t, 404, statusOf(t, err))
}

func TestGetChannelBadID(t *testing.T) {
	h := newHandler(t)
	_, err := h.GetChannel(context.Background(), &channelIDInput{ID: "not-a-ulid"})
	assert.Equal(t, 400, statusOf(t, err))
}

func TestLifecycleEndpoints(t *testing.T) {
	h := newHandler(t)
	ch := createTestChannel(t, h)
	ctx := context.Background()
	id := ch.ID.String()

	started, err := h.StartChannel(ctx, &channelIDInput{ID: id})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, started.Body.Status)

	// Starting twice conflicts.
	_, err = h.StartChannel(ctx, &channelIDInput{ID: id})
	assert.Equal(t, 409, statusOf(t, err))

	status, err := h.GetChannelStatus(ctx, &channelIDInput{ID: id})
	require.NoError(t, err)
	require.NotNil(t, status.Body.PID)
	assert.Positive(t, *status.Body.PID)

	stopped, err := h.StopChannel(ctx, &channelIDInput{ID: id})
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, stopped.Body.Status)

	// Stopping a stopped channel conflicts.
	_, err = h.StopChannel(ctx, &channelIDInput{ID: id})
	assert.Equal(t, 409, statusOf(t, err))
}

func TestUpdateChannelWhileRunning(t *testing.T) {
	h := newHandler(t)
	ch := createTestChannel(t, h)
	ctx := context.Background()
	id := ch.ID.String()

	_, err := h.StartChannel(ctx, &channelIDInput{ID: id})
	require.NoError(t, err)

	input := UpdateChannelInput{ID: id}
	newInput := "udp://10.0.0.9:4001"
	input.Body.InputURL = &newInput
	_, err = h.UpdateChannel(ctx, &input)
	assert.Equal(t, 409, statusOf(t, err))

	rename := UpdateChannelInput{ID: id}
	name := "renamed"
	rename.Body.Name = &name
	got, err := h.UpdateChannel(ctx, &rename)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Body.Name)
}

func TestDeleteChannel(t *testing.T) {
	h := newHandler(t)
	ch := createTestChannel(t, h)
	ctx := context.Background()

	_, err := h.DeleteChannel(ctx, &channelIDInput{ID: ch.ID.String()})
	require.NoError(t, err)

	_, err = h.GetChannel(ctx, &channelIDInput{ID: ch.ID.String()})
	assert.Equal(t, 404, statusOf(t, err))
}

func TestChannelLogsEndpoints(t *testing.T) {
	h := newHandler(t)
	ch := createTestChannel(t, h)
	ctx := context.Background()

	logs, err := h.GetChannelLogs(ctx, &GetChannelLogsInput{ID: ch.ID.String(), Limit: 10})
	require.NoError(t, err)
	assert.Zero(t, logs.Body.Total)

	_, err = h.DeleteChannelLogs(ctx, &channelIDInput{ID: ch.ID.String()})
	require.NoError(t, err)
}

func TestChannelStatsEndpoint(t *testing.T) {
	h := newHandler(t)
	ch := createTestChannel(t, h)

	stats, err := h.GetChannelStats(context.Background(), &channelIDInput{ID: ch.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, ch.ID.String(), stats.Body.ChannelID)
}

func TestChannelCommandPreview(t *testing.T) {
	h := newHandler(t)
	ch := createTestChannel(t, h)

	cmd, err := h.GetChannelCommand(context.Background(), &channelIDInput{ID: ch.ID.String()})
	require.NoError(t, err)
	assert.NotEmpty(t, cmd.Body.Program)
	assert.Equal(t, "udp://10.0.0.1:5000", cmd.Body.Args[len(cmd.Body.Args)-1])
}

func TestAPIErrorMapping(t *testing.T) {
	tests := []struct {
		kind   fault.Kind
		status int
	}{
		{fault.KindValidation, 400},
		{fault.KindNotFound, 404},
		{fault.KindConflict, 409},
		{fault.KindResource, 503},
		{fault.KindSpawn, 502},
		{fault.KindInternal, 500},
	}
	for _, tc := range tests {
		err := apiError(fault.New(tc.kind, "boom"))
		assert.Equal(t, tc.status, statusOf(t, err), "kind %s", tc.kind)
	}

	assert.Equal(t, 500, statusOf(t, apiError(errors.New("plain"))))
	assert.NoError(t, apiError(nil))
}
