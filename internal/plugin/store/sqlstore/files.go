package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/soulsync/soulsync-server/internal/model"
	registrystore "github.com/soulsync/soulsync-server/internal/registry/store"
	"gorm.io/gorm"
)

func (s *Store) GetFile(ctx context.Context, accountID string, path string) (*model.ProfileFile, error) {
	var f model.ProfileFile
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND path = ?", accountID, path).
		First(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load file %s: %w", path, err)
	}
	return &f, nil
}

func (s *Store) ListFiles(ctx context.Context, accountID string) ([]model.ProfileFile, error) {
	var files []model.ProfileFile
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("path ASC").
		Find(&files).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	return files, nil
}

func (s *Store) ListFilesUpdatedAfter(ctx context.Context, accountID string, since time.Time) ([]model.ProfileFile, error) {
	var files []model.ProfileFile
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND updated_at > ?", accountID, since).
		Order("updated_at ASC").
		Find(&files).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list updated files: %w", err)
	}
	return files, nil
}

// PutFile is the conflict arbiter. The guarded UPDATE (WHERE version =
// expectedVersion) is the store's compare-and-commit primitive: of two
// writers racing on the same expected version, exactly one matches the row.
// A missing file is created at version 1 regardless of expectedVersion; the
// unique (account, path) index arbitrates racing creates the same way.
func (s *Store) PutFile(ctx context.Context, accountID string, path string, content string, expectedVersion int64) (*model.ProfileFile, error) {
	if path == "" {
		return nil, &registrystore.ValidationError{Field: "file_path", Message: "must not be empty"}
	}

	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&model.ProfileFile{}).
		Where("account_id = ? AND path = ? AND version = ?", accountID, path, expectedVersion).
		Updates(map[string]interface{}{
			"content":    content,
			"version":    gorm.Expr("version + 1"),
			"updated_at": now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to update file %s: %w", path, res.Error)
	}
	if res.RowsAffected == 1 {
		// The guard matched, so the committed version is exactly expected+1.
		return &model.ProfileFile{
			AccountID: accountID,
			Path:      path,
			Content:   content,
			Version:   expectedVersion + 1,
			UpdatedAt: now,
		}, nil
	}

	// No row matched: the file is either absent or at a different version.
	f := model.ProfileFile{
		AccountID: accountID,
		Path:      path,
		Content:   content,
		Version:   1,
		UpdatedAt: now,
	}
	err := s.db.WithContext(ctx).Create(&f).Error
	if err == nil {
		return &f, nil
	}
	if !isUniqueViolation(err) {
		return nil, fmt.Errorf("failed to create file %s: %w", path, err)
	}

	current, lerr := s.GetFile(ctx, accountID, path)
	if lerr != nil {
		return nil, lerr
	}
	if current == nil {
		// Deleted between the insert attempt and the reload; treat as a
		// conflict at version 0 so the caller refetches.
		return nil, &registrystore.ConflictError{Path: path}
	}
	return nil, &registrystore.ConflictError{
		Path:          path,
		LatestContent: current.Content,
		LatestVersion: current.Version,
	}
}
