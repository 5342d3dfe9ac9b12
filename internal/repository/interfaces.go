// Package repository provides data access interfaces and GORM
// implementations for restreamd entities.
package repository

import (
	"context"

	"github.com/dhaslett/restreamd/internal/models"
)

// ChannelRepository defines data access methods for channels.
// Lookup methods return (nil, nil) when no record exists.
type ChannelRepository interface {
	Create(ctx context.Context, channel *models.Channel) error
	GetByID(ctx context.Context, id models.ULID) (*models.Channel, error)
	List(ctx context.Context) ([]models.Channel, error)
	ListByStatus(ctx context.Context, status models.ChannelStatus) ([]models.Channel, error)
	Update(ctx context.Context, channel *models.Channel) error
	// UpdateStatusPID mutates status and pid in a single statement so an
	// external reader never observes status=RUNNING with pid=null.
	UpdateStatusPID(ctx context.Context, id models.ULID, status models.ChannelStatus, pid *int) error
	Delete(ctx context.Context, id models.ULID) error
}

// LogFilter narrows and pages channel log queries.
type LogFilter struct {
	Level  models.LogLevel // empty = all levels
	Limit  int
	Offset int
}

// ChannelLogRepository defines data access methods for channel logs.
type ChannelLogRepository interface {
	// Insert appends a log entry and prunes the channel's oldest entries
	// beyond the retention cap.
	Insert(ctx context.Context, entry *models.ChannelLog) error
	List(ctx context.Context, channelID models.ULID, filter LogFilter) ([]models.ChannelLog, int64, error)
	DeleteByChannel(ctx context.Context, channelID models.ULID) error
	// PruneAll enforces the retention cap across all channels.
	PruneAll(ctx context.Context) error
}
