package store

import (
	"context"
	"fmt"
	"time"

	"github.com/soulsync/soulsync-server/internal/model"
)

// SyncStore is the versioned record store behind the sync core. All writes
// are atomic with respect to a single record; the conflict check in PutFile
// relies on the store's own compare-and-commit primitive, never on an
// in-process lock held across I/O.
type SyncStore interface {
	// Memory records. Memory writes have no conflict concept: last write
	// wins, each accepted write appends a snapshot at version prior+1.
	GetLatestMemory(ctx context.Context, accountID string) (*model.Memory, error)
	GetMemoriesSince(ctx context.Context, accountID string, afterVersion int64) ([]model.Memory, error)
	PutMemory(ctx context.Context, accountID string, content string) (*model.Memory, error)

	// Profile files, keyed by (account, path). PutFile applies strict
	// optimistic concurrency: a missing file is created at version 1
	// regardless of expectedVersion; an existing file accepts the write
	// only when expectedVersion matches the stored version, and otherwise
	// returns a *ConflictError carrying the authoritative content and
	// version so the caller can rebase.
	GetFile(ctx context.Context, accountID string, path string) (*model.ProfileFile, error)
	ListFiles(ctx context.Context, accountID string) ([]model.ProfileFile, error)
	ListFilesUpdatedAfter(ctx context.Context, accountID string, since time.Time) ([]model.ProfileFile, error)
	PutFile(ctx context.Context, accountID string, path string, content string, expectedVersion int64) (*model.ProfileFile, error)

	// Connection rows mirror the in-process channel registry so fan-out can
	// span processes. RemoveConnection is idempotent.
	AddConnection(ctx context.Context, accountID string, channelID string) error
	RemoveConnection(ctx context.Context, channelID string) error
	ListConnections(ctx context.Context, accountID string) ([]model.Connection, error)

	// Accounts (auth collaborator surface).
	CreateAccount(ctx context.Context, deviceID string, email string, passwordHash []byte, subscriptionExpiry time.Time) (*model.Account, error)
	GetAccount(ctx context.Context, accountID string) (*model.Account, error)
	GetAccountByDeviceID(ctx context.Context, deviceID string) (*model.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*model.Account, error)
	UpdateSessionToken(ctx context.Context, accountID string, sessionToken string) error
	UpdateSubscription(ctx context.Context, accountID string, status model.SubscriptionStatus, expiry *time.Time) error
	BindEmail(ctx context.Context, accountID string, email string, passwordHash []byte) error
}

// Loader creates a SyncStore from config.
type Loader func(ctx context.Context) (SyncStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
