package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/soulsync/soulsync-server/internal/model"
	registrystore "github.com/soulsync/soulsync-server/internal/registry/store"
	"gorm.io/gorm"
)

func (s *Store) CreateAccount(ctx context.Context, deviceID string, email string, passwordHash []byte, subscriptionExpiry time.Time) (*model.Account, error) {
	now := time.Now().UTC()
	account := model.Account{
		ID:                 uuid.NewString(),
		DeviceID:           &deviceID,
		Email:              &email,
		PasswordHash:       passwordHash,
		SubscriptionStatus: model.SubscriptionTrial,
		SubscriptionExpiry: &subscriptionExpiry,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.db.WithContext(ctx).Create(&account).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, &registrystore.DuplicateError{Field: "account"}
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return &account, nil
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	return s.accountBy(ctx, "id = ?", accountID)
}

func (s *Store) GetAccountByDeviceID(ctx context.Context, deviceID string) (*model.Account, error) {
	return s.accountBy(ctx, "device_id = ?", deviceID)
}

func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*model.Account, error) {
	return s.accountBy(ctx, "email = ?", email)
}

func (s *Store) accountBy(ctx context.Context, query string, arg string) (*model.Account, error) {
	var account model.Account
	err := s.db.WithContext(ctx).Where(query, arg).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return &account, nil
}

func (s *Store) UpdateSessionToken(ctx context.Context, accountID string, sessionToken string) error {
	err := s.db.WithContext(ctx).Model(&model.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"session_token": sessionToken,
			"updated_at":    time.Now().UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to update session token: %w", err)
	}
	return nil
}

func (s *Store) UpdateSubscription(ctx context.Context, accountID string, status model.SubscriptionStatus, expiry *time.Time) error {
	err := s.db.WithContext(ctx).Model(&model.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"subscription_status": status,
			"subscription_expiry": expiry,
			"updated_at":          time.Now().UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	return nil
}

func (s *Store) BindEmail(ctx context.Context, accountID string, email string, passwordHash []byte) error {
	err := s.db.WithContext(ctx).Model(&model.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"email":         email,
			"password_hash": passwordHash,
			"updated_at":    time.Now().UTC(),
		}).Error
	if err != nil {
		if isUniqueViolation(err) {
			return &registrystore.DuplicateError{Field: "email"}
		}
		return fmt.Errorf("failed to bind email: %w", err)
	}
	return nil
}
