package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/dhaslett/restreamd/internal/models"
)

// channelLogRepository implements ChannelLogRepository using GORM.
type channelLogRepository struct {
	db         *gorm.DB
	maxPerChan int
}

// NewChannelLogRepository creates a new channel log repository enforcing
// the given per-channel retention cap.
func NewChannelLogRepository(db *gorm.DB, maxPerChannel int) ChannelLogRepository {
	return &channelLogRepository{db: db, maxPerChan: maxPerChannel}
}

var _ ChannelLogRepository = (*channelLogRepository)(nil)

func (r *channelLogRepository) Insert(ctx context.Context, entry *models.ChannelLog) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("inserting channel log: %w", err)
	}
	if err := r.pruneChannel(ctx, entry.ChannelID); err != nil {
		return fmt.Errorf("pruning channel logs: %w", err)
	}
	return nil
}

// pruneChannel removes the oldest entries of one channel beyond the cap.
// The inner query is wrapped in a derived table for MySQL compatibility.
func (r *channelLogRepository) pruneChannel(ctx context.Context, channelID models.ULID) error {
	return r.db.WithContext(ctx).Exec(`
		DELETE FROM channel_logs
		WHERE channel_id = ? AND id NOT IN (
			SELECT id FROM (
				SELECT id FROM channel_logs
				WHERE channel_id = ?
				ORDER BY created_at DESC, id DESC
				LIMIT ?
			) AS keep
		)`, channelID, channelID, r.maxPerChan).Error
}

func (r *channelLogRepository) List(ctx context.Context, channelID models.ULID, filter LogFilter) ([]models.ChannelLog, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.ChannelLog{}).Where("channel_id = ?", channelID)
	if filter.Level != "" {
		query = query.Where("level = ?", filter.Level)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting channel logs: %w", err)
	}

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var logs []models.ChannelLog
	if err := query.Order("created_at DESC, id DESC").Find(&logs).Error; err != nil {
		return nil, 0, fmt.Errorf("listing channel logs: %w", err)
	}
	return logs, total, nil
}

func (r *channelLogRepository) DeleteByChannel(ctx context.Context, channelID models.ULID) error {
	err := r.db.WithContext(ctx).Delete(&models.ChannelLog{}, "channel_id = ?", channelID).Error
	if err != nil {
		return fmt.Errorf("deleting channel logs: %w", err)
	}
	return nil
}

func (r *channelLogRepository) PruneAll(ctx context.Context) error {
	var ids []models.ULID
	err := r.db.WithContext(ctx).Model(&models.ChannelLog{}).
		Distinct("channel_id").Pluck("channel_id", &ids).Error
	if err != nil {
		return fmt.Errorf("listing logged channels: %w", err)
	}
	for _, id := range ids {
		if err := r.pruneChannel(ctx, id); err != nil {
			return fmt.Errorf("pruning channel %s logs: %w", id, err)
		}
	}
	return nil
}
