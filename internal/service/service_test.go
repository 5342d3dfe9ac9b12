package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

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
	"github.com/dhaslett/restreamd/internal/storage"
	"github.com/dhaslett/restreamd/internal/supervisor"
)

type sleepBuilder struct{}

func (sleepBuilder) Build(context.Context, *models.Channel, models.Output) (*ffmpeg.Command, error) {
	return ffmpeg.NewCommand("/bin/sh", []string{"-c", "sleep 60"}), nil
}

type testEnv struct {
	svc      *ChannelService
	channels repository.ChannelRepository
	logs     repository.ChannelLogRepository
	sup      *supervisor.Supervisor
	bus      *events.Bus
}

// fakeEncoder drops an executable stub on disk so binary resolution
// succeeds without a real encoder install.
func fakeEncoder(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	return path
}

func newTestEnv(t *testing.T) *testEnv {
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

	ffCfg := config.FFmpegConfig{BinaryPath: fakeEncoder(t), HWAccelEnabled: true}
	probe := ffmpeg.NewProbe(ffCfg, nil)
	builder := ffmpeg.NewBuilder(ffCfg, config.MediaConfig{BasePath: media.Root()}, probe, nil)
	prober := ffmpeg.NewProber(ffCfg)

	fanout := health.NewFanout(config.HealthConfig{
		PushInterval:     2 * time.Second,
		SubscriberBuffer: 16,
	}, channels, sup, metrics.NewStatsCollector(), nil)

	return &testEnv{
		svc:      NewChannelService(channels, logs, sup, builder, probe, prober, fanout, nil),
		channels: channels,
		logs:     logs,
		sup:      sup,
		bus:      bus,
	}
}

func newChannel() *models.Channel {
	return &models.Channel{
		Name:     "news",
		InputURL: "udp://10.0.0.9:4000",
		Outputs:  models.OutputList{{Type: models.OutputUDP, Host: "10.0.0.1", Port: 5000}},
	}
}

func TestCreateDefaultsToStopped(t *testing.T) {
	env := newTestEnv(t)
	ch := newChannel()
	ch.Status = models.StatusRunning
	ch.PID = models.IntPtr(123)

	require.NoError(t, env.svc.Create(context.Background(), ch))
	assert.Equal(t, models.StatusStopped, ch.Status)
	assert.Nil(t, ch.PID)
	assert.False(t, ch.ID.IsZero())
}

func TestCreateRejectsInvalidChannel(t *testing.T) {
	env := newTestEnv(t)
	err := env.svc.Create(context.Background(), &models.Channel{Name: "no-input"})
	assert.True(t, fault.IsKind(err, fault.KindValidation))
}

func TestGetUnknownChannel(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.Get(context.Background(), models.NewULID())
	assert.True(t, fault.IsKind(err, fault.KindNotFound))
}

func TestUpdateRunningChannelAllowsNameAndAutoRestart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ch := newChannel()
	require.NoError(t, env.svc.Create(ctx, ch))
	require.NoError(t, env.svc.Start(ctx, ch.ID))

	name := "renamed"
	auto := true
	got, err := env.svc.Update(ctx, ch.ID, ChannelUpdate{Name: &name, AutoRestart: &auto})
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.True(t, got.AutoRestart)
	assert.Equal(t, models.StatusRunning, got.Status)
}

func TestUpdateRunningChannelRejectsPipelineChanges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ch := newChannel()
	require.NoError(t, env.svc.Create(ctx, ch))
	require.NoError(t, env.svc.Start(ctx, ch.ID))

	input := "udp://10.0.0.9:4001"
	_, err := env.svc.Update(ctx, ch.ID, ChannelUpdate{InputURL: &input})
	assert.True(t, fault.IsKind(err, fault.KindConflict))

	// Re-submitting the unchanged value is not a pipeline change.
	same := ch.InputURL
	_, err = env.svc.Update(ctx, ch.ID, ChannelUpdate{InputURL: &same})
	assert.NoError(t, err)
}

func TestUpdateStoppedChannelChangesPipeline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ch := newChannel()
	require.NoError(t, env.svc.Create(ctx, ch))

	input := "https://cdn.example.com/live.m3u8"
	outputs := models.OutputList{{Type: models.OutputHLS}}
	got, err := env.svc.Update(ctx, ch.ID, ChannelUpdate{InputURL: &input, Outputs: &outputs})
	require.NoError(t, err)
	assert.Equal(t, input, got.InputURL)
	assert.Equal(t, models.OutputHLS, got.Outputs[0].Type)
}

func TestDeleteStopsAndRemovesEverything(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ch := newChannel()
	require.NoError(t, env.svc.Create(ctx, ch))
	require.NoError(t, env.svc.Start(ctx, ch.ID))

	require.NoError(t, env.logs.Insert(ctx, &models.ChannelLog{
		ChannelID: ch.ID, Level: models.LogLevelInfo, Message: "hello",
	}))

	require.NoError(t, env.svc.Delete(ctx, ch.ID))

	assert.False(t, env.sup.IsRunning(ch.ID))
	_, err := env.svc.Get(ctx, ch.ID)
	assert.True(t, fault.IsKind(err, fault.KindNotFound))

	entries, total, err := env.logs.List(ctx, ch.ID, repository.LogFilter{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Zero(t, total)
}

func TestDeleteStoppedChannel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ch := newChannel()
	require.NoError(t, env.svc.Create(ctx, ch))
	require.NoError(t, env.svc.Delete(ctx, ch.ID))
}

func TestLogsPagingAndDelete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ch := newChannel()
	require.NoError(t, env.svc.Create(ctx, ch))

	for i := 0; i < 5; i++ {
		require.NoError(t, env.logs.Insert(ctx, &models.ChannelLog{
			ChannelID: ch.ID, Level: models.LogLevelInfo, Message: "entry",
		}))
	}

	entries, total, err := env.svc.Logs(ctx, ch.ID, repository.LogFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, int64(5), total)

	require.NoError(t, env.svc.DeleteLogs(ctx, ch.ID))
	_, total, err = env.svc.Logs(ctx, ch.ID, repository.LogFilter{Limit: 10})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestStatsSnapshotForStoppedChannel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ch := newChannel()
	require.NoError(t, env.svc.Create(ctx, ch))

	snap, err := env.svc.Stats(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, ch.ID.String(), snap.ChannelID)
	assert.Equal(t, models.StatusStopped, snap.Status)
}

func TestPreviewCommand(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ch := newChannel()
	require.NoError(t, env.svc.Create(ctx, ch))

	preview, err := env.svc.PreviewCommand(ctx, ch.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, preview.Program)
	assert.Contains(t, preview.Args, "-i")
	assert.Equal(t, "udp://10.0.0.1:5000", preview.Args[len(preview.Args)-1])

	// Previewing never spawns a process.
	assert.False(t, env.sup.IsRunning(ch.ID))
}

func TestStatusIncludesProcessInfo(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ch := newChannel()
	require.NoError(t, env.svc.Create(ctx, ch))

	view, err := env.svc.Status(ctx, ch.ID)
	require.NoError(t, err)
	assert.Nil(t, view.Process)

	require.NoError(t, env.svc.Start(ctx, ch.ID))
	view, err = env.svc.Status(ctx, ch.ID)
	require.NoError(t, err)
	require.NotNil(t, view.Process)
	assert.Positive(t, view.Process.PID)
}

func TestLogSinkPersistsEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := newChannel()
	require.NoError(t, env.svc.Create(ctx, ch))

	sink := NewLogSink(env.logs, env.bus, nil)
	go sink.Run(ctx)
	time.Sleep(20 * time.Millisecond) // let the sink subscribe

	env.bus.Publish(events.Event{
		Type: events.ChannelLog, ChannelID: ch.ID,
		Level: models.LogLevelError, Message: "decode failure",
	})
	env.bus.Publish(events.Event{Type: events.ChannelStarted, ChannelID: ch.ID, PID: 41})
	code := 3
	env.bus.Publish(events.Event{Type: events.ChannelStopped, ChannelID: ch.ID, ExitCode: &code})

	require.Eventually(t, func() bool {
		_, total, err := env.logs.List(ctx, ch.ID, repository.LogFilter{Limit: 10})
		return err == nil && total == 3
	}, 2*time.Second, 20*time.Millisecond)

	entries, _, err := env.logs.List(ctx, ch.ID, repository.LogFilter{Level: models.LogLevelError, Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "decode failure", entries[0].Message)
}

func TestLogPrunerScheduleValidation(t *testing.T) {
	env := newTestEnv(t)

	_, err := NewLogPruner("not a schedule", env.logs, nil)
	assert.Error(t, err)

	p, err := NewLogPruner("0 0 3 * * *", env.logs, nil)
	require.NoError(t, err)
	p.Start()
	p.Stop()
}
