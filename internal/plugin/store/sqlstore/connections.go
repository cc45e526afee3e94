package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/soulsync/soulsync-server/internal/model"
)

func (s *Store) AddConnection(ctx context.Context, accountID string, channelID string) error {
	conn := model.Connection{
		ChannelID: channelID,
		AccountID: accountID,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&conn).Error; err != nil {
		return fmt.Errorf("failed to record connection %s: %w", channelID, err)
	}
	return nil
}

// RemoveConnection is idempotent: deleting an unknown channel is a no-op.
func (s *Store) RemoveConnection(ctx context.Context, channelID string) error {
	err := s.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Delete(&model.Connection{}).Error
	if err != nil {
		return fmt.Errorf("failed to remove connection %s: %w", channelID, err)
	}
	return nil
}

func (s *Store) ListConnections(ctx context.Context, accountID string) ([]model.Connection, error) {
	var conns []model.Connection
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at ASC").
		Find(&conns).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	return conns, nil
}
