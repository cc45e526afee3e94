package metrics

import (
	"context"
	"time"

	"github.com/soulsync/soulsync-server/internal/model"
	"github.com/soulsync/soulsync-server/internal/registry/store"
	"github.com/soulsync/soulsync-server/internal/security"
)

// Wrap returns a SyncStore that records StoreLatency for every operation.
func Wrap(inner store.SyncStore) store.SyncStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.SyncStore
}

func observe(op string, start time.Time) {
	security.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metricsStore) GetLatestMemory(ctx context.Context, accountID string) (*model.Memory, error) {
	defer observe("get_latest_memory", time.Now())
	return m.inner.GetLatestMemory(ctx, accountID)
}

func (m *metricsStore) GetMemoriesSince(ctx context.Context, accountID string, afterVersion int64) ([]model.Memory, error) {
	defer observe("get_memories_since", time.Now())
	return m.inner.GetMemoriesSince(ctx, accountID, afterVersion)
}

func (m *metricsStore) PutMemory(ctx context.Context, accountID string, content string) (*model.Memory, error) {
	defer observe("put_memory", time.Now())
	return m.inner.PutMemory(ctx, accountID, content)
}

func (m *metricsStore) GetFile(ctx context.Context, accountID string, path string) (*model.ProfileFile, error) {
	defer observe("get_file", time.Now())
	return m.inner.GetFile(ctx, accountID, path)
}

func (m *metricsStore) ListFiles(ctx context.Context, accountID string) ([]model.ProfileFile, error) {
	defer observe("list_files", time.Now())
	return m.inner.ListFiles(ctx, accountID)
}

func (m *metricsStore) ListFilesUpdatedAfter(ctx context.Context, accountID string, since time.Time) ([]model.ProfileFile, error) {
	defer observe("list_files_updated_after", time.Now())
	return m.inner.ListFilesUpdatedAfter(ctx, accountID, since)
}

func (m *metricsStore) PutFile(ctx context.Context, accountID string, path string, content string, expectedVersion int64) (*model.ProfileFile, error) {
	defer observe("put_file", time.Now())
	return m.inner.PutFile(ctx, accountID, path, content, expectedVersion)
}

func (m *metricsStore) AddConnection(ctx context.Context, accountID string, channelID string) error {
	defer observe("add_connection", time.Now())
	return m.inner.AddConnection(ctx, accountID, channelID)
}

func (m *metricsStore) RemoveConnection(ctx context.Context, channelID string) error {
	defer observe("remove_connection", time.Now())
	return m.inner.RemoveConnection(ctx, channelID)
}

func (m *metricsStore) ListConnections(ctx context.Context, accountID string) ([]model.Connection, error) {
	defer observe("list_connections", time.Now())
	return m.inner.ListConnections(ctx, accountID)
}

func (m *metricsStore) CreateAccount(ctx context.Context, deviceID string, email string, passwordHash []byte, subscriptionExpiry time.Time) (*model.Account, error) {
	defer observe("create_account", time.Now())
	return m.inner.CreateAccount(ctx, deviceID, email, passwordHash, subscriptionExpiry)
}

func (m *metricsStore) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	defer observe("get_account", time.Now())
	return m.inner.GetAccount(ctx, accountID)
}

func (m *metricsStore) GetAccountByDeviceID(ctx context.Context, deviceID string) (*model.Account, error) {
	defer observe("get_account_by_device_id", time.Now())
	return m.inner.GetAccountByDeviceID(ctx, deviceID)
}

func (m *metricsStore) GetAccountByEmail(ctx context.Context, email string) (*model.Account, error) {
	defer observe("get_account_by_email", time.Now())
	return m.inner.GetAccountByEmail(ctx, email)
}

func (m *metricsStore) UpdateSessionToken(ctx context.Context, accountID string, sessionToken string) error {
	defer observe("update_session_token", time.Now())
	return m.inner.UpdateSessionToken(ctx, accountID, sessionToken)
}

func (m *metricsStore) UpdateSubscription(ctx context.Context, accountID string, status model.SubscriptionStatus, expiry *time.Time) error {
	defer observe("update_subscription", time.Now())
	return m.inner.UpdateSubscription(ctx, accountID, status, expiry)
}

func (m *metricsStore) BindEmail(ctx context.Context, accountID string, email string, passwordHash []byte) error {
	defer observe("bind_email", time.Now())
	return m.inner.BindEmail(ctx, accountID, email, passwordHash)
}

var _ store.SyncStore = (*metricsStore)(nil)
