package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/soulsync/soulsync-server/internal/model"
	"gorm.io/gorm"
)

// putMemoryAttempts bounds the retry loop when concurrent writers race for
// the same next version. Each retry recomputes from the latest row, so a
// loser simply lands one version later.
const putMemoryAttempts = 5

func (s *Store) GetLatestMemory(ctx context.Context, accountID string) (*model.Memory, error) {
	if s.cache != nil && s.cache.Available() {
		if m, err := s.cache.Get(ctx, accountID); err != nil {
			log.Debug("Memory cache read failed", "account", accountID, "err", err)
		} else if m != nil {
			return m, nil
		}
	}

	m, err := s.latestMemoryRow(ctx, accountID)
	if err != nil || m == nil {
		return m, err
	}
	if s.cache != nil && s.cache.Available() {
		if err := s.cache.Set(ctx, accountID, *m, s.cacheTTL); err != nil {
			log.Debug("Memory cache write failed", "account", accountID, "err", err)
		}
	}
	return m, nil
}

func (s *Store) latestMemoryRow(ctx context.Context, accountID string) (*model.Memory, error) {
	var m model.Memory
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("version DESC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest memory: %w", err)
	}
	return &m, nil
}

func (s *Store) GetMemoriesSince(ctx context.Context, accountID string, afterVersion int64) ([]model.Memory, error) {
	var memories []model.Memory
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND version > ?", accountID, afterVersion).
		Order("version ASC").
		Find(&memories).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load memories since version %d: %w", afterVersion, err)
	}
	return memories, nil
}

// PutMemory appends a new snapshot at version prior+1 (or 1 for the first
// write). There is no conflict check: memory is a single logical slot and
// the last write wins. The unique (account, version) index arbitrates
// concurrent writers; a loser recomputes and lands on the next version.
func (s *Store) PutMemory(ctx context.Context, accountID string, content string) (*model.Memory, error) {
	for attempt := 0; attempt < putMemoryAttempts; attempt++ {
		latest, err := s.latestMemoryRow(ctx, accountID)
		if err != nil {
			return nil, err
		}
		next := int64(1)
		if latest != nil {
			next = latest.Version + 1
		}
		m := model.Memory{
			AccountID: accountID,
			Content:   content,
			Version:   next,
			UpdatedAt: time.Now().UTC(),
		}
		err = s.db.WithContext(ctx).Create(&m).Error
		if err == nil {
			if s.cache != nil && s.cache.Available() {
				if cerr := s.cache.Set(ctx, accountID, m, s.cacheTTL); cerr != nil {
					log.Debug("Memory cache write failed", "account", accountID, "err", cerr)
				}
			}
			return &m, nil
		}
		if !isUniqueViolation(err) {
			return nil, fmt.Errorf("failed to write memory: %w", err)
		}
	}
	return nil, fmt.Errorf("failed to write memory for account %s: version contention", accountID)
}
