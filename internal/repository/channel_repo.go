package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/dhaslett/restreamd/internal/models"
)

// channelRepository implements ChannelRepository using GORM.
type channelRepository struct {
	db *gorm.DB
}

// NewChannelRepository creates a new channel repository.
func NewChannelRepository(db *gorm.DB) ChannelRepository {
	return &channelRepository{db: db}
}

var _ ChannelRepository = (*channelRepository)(nil)

func (r *channelRepository) Create(ctx context.Context, channel *models.Channel) error {
	if err := r.db.WithContext(ctx).Create(channel).Error; err != nil {
		return fmt.Errorf("creating channel: %w", err)
	}
	return nil
}

func (r *channelRepository) GetByID(ctx context.Context, id models.ULID) (*models.Channel, error) {
	var channel models.Channel
	err := r.db.WithContext(ctx).First(&channel, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting channel %s: %w", id, err)
	}
	return &channel, nil
}

func (r *channelRepository) List(ctx context.Context) ([]models.Channel, error) {
	var channels []models.Channel
	if err := r.db.WithContext(ctx).Order("created_at").Find(&channels).Error; err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}
	return channels, nil
}

func (r *channelRepository) ListByStatus(ctx context.Context, status models.ChannelStatus) ([]models.Channel, error) {
	var channels []models.Channel
	err := r.db.WithContext(ctx).Where("status = ?", status).Order("created_at").Find(&channels).Error
	if err != nil {
		return nil, fmt.Errorf("listing channels by status %s: %w", status, err)
	}
	return channels, nil
}

func (r *channelRepository) Update(ctx context.Context, channel *models.Channel) error {
	if err := r.db.WithContext(ctx).Save(channel).Error; err != nil {
		return fmt.Errorf("updating channel %s: %w", channel.ID, err)
	}
	return nil
}

func (r *channelRepository) UpdateStatusPID(ctx context.Context, id models.ULID, status models.ChannelStatus, pid *int) error {
	result := r.db.WithContext(ctx).Model(&models.Channel{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "pid": pid})
	if result.Error != nil {
		return fmt.Errorf("updating channel %s status: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("updating channel %s status: %w", id, gorm.ErrRecordNotFound)
	}
	return nil
}

func (r *channelRepository) Delete(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Delete(&models.Channel{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("deleting channel %s: %w", id, err)
	}
	return nil
}
