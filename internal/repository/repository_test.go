package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhaslett/restreamd/internal/config"
	"github.com/dhaslett/restreamd/internal/database"
	"github.com/dhaslett/restreamd/internal/models"
)

func setupTestDB(t *testing.T) *database.DB {
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
	return db
}

func testChannel(name string) *models.Channel {
	return &models.Channel{
		Name:     name,
		InputURL: "https://ex/live.m3u8",
		Status:   models.StatusStopped,
		Outputs:  models.OutputList{{Type: models.OutputUDP, Host: "10.0.0.1", Port: 5000}},
	}
}

func TestChannelRepositoryCRUD(t *testing.T) {
	db := setupTestDB(t)
	repo := NewChannelRepository(db.DB)
	ctx := context.Background()

	ch := testChannel("crud")
	require.NoError(t, repo.Create(ctx, ch))
	require.False(t, ch.ID.IsZero())

	got, err := repo.GetByID(ctx, ch.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "crud", got.Name)

	got.Name = "renamed"
	require.NoError(t, repo.Update(ctx, got))

	got, err = repo.GetByID(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)

	require.NoError(t, repo.Delete(ctx, ch.ID))

	got, err = repo.GetByID(ctx, ch.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestChannelRepositoryGetByIDNotFound(t *testing.T) {
	db := setupTestDB(t)
	repo := NewChannelRepository(db.DB)

	got, err := repo.GetByID(context.Background(), models.NewULID())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestChannelRepositoryListByStatus(t *testing.T) {
	db := setupTestDB(t)
	repo := NewChannelRepository(db.DB)
	ctx := context.Background()

	running := testChannel("running")
	running.Status = models.StatusRunning
	running.PID = models.IntPtr(4242)
	require.NoError(t, repo.Create(ctx, running))
	require.NoError(t, repo.Create(ctx, testChannel("stopped")))

	got, err := repo.ListByStatus(ctx, models.StatusRunning)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "running", got[0].Name)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestChannelRepositoryUpdateStatusPID(t *testing.T) {
	db := setupTestDB(t)
	repo := NewChannelRepository(db.DB)
	ctx := context.Background()

	ch := testChannel("statuspid")
	require.NoError(t, repo.Create(ctx, ch))

	require.NoError(t, repo.UpdateStatusPID(ctx, ch.ID, models.StatusRunning, models.IntPtr(9999)))

	got, err := repo.GetByID(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
	require.NotNil(t, got.PID)
	assert.Equal(t, 9999, *got.PID)

	require.NoError(t, repo.UpdateStatusPID(ctx, ch.ID, models.StatusStopped, nil))

	got, err = repo.GetByID(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, got.Status)
	assert.Nil(t, got.PID)
}

func TestChannelRepositoryUpdateStatusPIDUnknownChannel(t *testing.T) {
	db := setupTestDB(t)
	repo := NewChannelRepository(db.DB)

	err := repo.UpdateStatusPID(context.Background(), models.NewULID(), models.StatusError, nil)
	assert.Error(t, err)
}

func TestChannelLogRepositoryInsertAndList(t *testing.T) {
	db := setupTestDB(t)
	chRepo := NewChannelRepository(db.DB)
	logRepo := NewChannelLogRepository(db.DB, 100)
	ctx := context.Background()

	ch := testChannel("logs")
	require.NoError(t, chRepo.Create(ctx, ch))

	for i := 0; i < 5; i++ {
		level := models.LogLevelInfo
		if i%2 == 1 {
			level = models.LogLevelError
		}
		require.NoError(t, logRepo.Insert(ctx, &models.ChannelLog{
			ChannelID: ch.ID,
			Level:     level,
			Message:   fmt.Sprintf("line %d", i),
		}))
	}

	logs, total, err := logRepo.List(ctx, ch.ID, LogFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
	assert.Len(t, logs, 5)

	errs, total, err := logRepo.List(ctx, ch.ID, LogFilter{Level: models.LogLevelError})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, errs, 2)

	page, total, err := logRepo.List(ctx, ch.ID, LogFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
	assert.Len(t, page, 2)
}

func TestChannelLogRepositoryRetention(t *testing.T) {
	db := setupTestDB(t)
	chRepo := NewChannelRepository(db.DB)
	logRepo := NewChannelLogRepository(db.DB, 3)
	ctx := context.Background()

	ch := testChannel("retention")
	require.NoError(t, chRepo.Create(ctx, ch))

	for i := 0; i < 10; i++ {
		require.NoError(t, logRepo.Insert(ctx, &models.ChannelLog{
			ChannelID: ch.ID,
			Level:     models.LogLevelInfo,
			Message:   fmt.Sprintf("line %d", i),
		}))
	}

	logs, total, err := logRepo.List(ctx, ch.ID, LogFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	require.Len(t, logs, 3)
	// Newest entries survive.
	assert.Equal(t, "line 9", logs[0].Message)
}

func TestChannelLogRepositoryDeleteByChannel(t *testing.T) {
	db := setupTestDB(t)
	chRepo := NewChannelRepository(db.DB)
	logRepo := NewChannelLogRepository(db.DB, 100)
	ctx := context.Background()

	ch := testChannel("purge")
	require.NoError(t, chRepo.Create(ctx, ch))
	require.NoError(t, logRepo.Insert(ctx, &models.ChannelLog{
		ChannelID: ch.ID, Level: models.LogLevelInfo, Message: "x",
	}))

	require.NoError(t, logRepo.DeleteByChannel(ctx, ch.ID))

	_, total, err := logRepo.List(ctx, ch.ID, LogFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestChannelLogRepositoryPruneAll(t *testing.T) {
	db := setupTestDB(t)
	chRepo := NewChannelRepository(db.DB)
	logRepo := NewChannelLogRepository(db.DB, 2)
	ctx := context.Background()

	a := testChannel("a")
	b := testChannel("b")
	require.NoError(t, chRepo.Create(ctx, a))
	require.NoError(t, chRepo.Create(ctx, b))

	// Bypass Insert's per-entry prune to simulate accumulated backlog.
	for i := 0; i < 6; i++ {
		require.NoError(t, db.Create(&models.ChannelLog{
			ChannelID: a.ID, Level: models.LogLevelInfo, Message: fmt.Sprintf("a%d", i),
		}).Error)
		require.NoError(t, db.Create(&models.ChannelLog{
			ChannelID: b.ID, Level: models.LogLevelInfo, Message: fmt.Sprintf("b%d", i),
		}).Error)
	}

	require.NoError(t, logRepo.PruneAll(ctx))

	_, totalA, err := logRepo.List(ctx, a.ID, LogFilter{})
	require.NoError(t, err)
	_, totalB, err := logRepo.List(ctx, b.ID, LogFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, totalA)
	assert.EqualValues(t, 2, totalB)
}
