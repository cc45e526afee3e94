package sqlstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/soulsync/soulsync-server/internal/model"
	registrystore "github.com/soulsync/soulsync-server/internal/registry/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, AutoMigrate(db))
	return New(db, nil, 0)
}

func TestGetLatestMemory_Empty(t *testing.T) {
	store := newTestStore(t)
	m, err := store.GetLatestMemory(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestPutMemory_VersionsIncrement(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, content := range []string{"first", "second", "third"} {
		m, err := store.PutMemory(ctx, "acct-1", content)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), m.Version)
		assert.Equal(t, content, m.Content)
	}

	latest, err := store.GetLatestMemory(ctx, "acct-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, int64(3), latest.Version)
	assert.Equal(t, "third", latest.Content)
}

func TestPutMemory_AccountsAreIndependent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.PutMemory(ctx, "acct-1", "a1")
	require.NoError(t, err)
	m, err := store.PutMemory(ctx, "acct-2", "a2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Version)
}

func TestGetMemoriesSince(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, content := range []string{"v1", "v2", "v3"} {
		_, err := store.PutMemory(ctx, "acct-1", content)
		require.NoError(t, err)
	}

	updates, err := store.GetMemoriesSince(ctx, "acct-1", 1)
	require.NoError(t, err)
	require.Len(t, updates, 2)
	assert.Equal(t, int64(2), updates[0].Version)
	assert.Equal(t, int64(3), updates[1].Version)

	all, err := store.GetMemoriesSince(ctx, "acct-1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := store.GetMemoriesSince(ctx, "acct-1", 3)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestPutFile_CreateAndUpdate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.PutFile(ctx, "acct-1", "notes.md", "hello", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)

	updated, err := store.PutFile(ctx, "acct-1", "notes.md", "hello world", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	got, err := store.GetFile(ctx, "acct-1", "notes.md")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "hello world", got.Content)
	assert.Equal(t, int64(2), got.Version)
}

func TestPutFile_StaleVersionConflicts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.PutFile(ctx, "acct-1", "notes.md", "base", 0)
	require.NoError(t, err)
	_, err = store.PutFile(ctx, "acct-1", "notes.md", "device one edit", 1)
	require.NoError(t, err)

	// A second device still holding version 1 must be rejected with the
	// authoritative state.
	_, err = store.PutFile(ctx, "acct-1", "notes.md", "device two edit", 1)
	var conflict *registrystore.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "notes.md", conflict.Path)
	assert.Equal(t, int64(2), conflict.LatestVersion)
	assert.Equal(t, "device one edit", conflict.LatestContent)

	// Re-sending an already-committed write conflicts too: acceptance is
	// decided only by the version guard, not by content equality.
	_, err = store.PutFile(ctx, "acct-1", "notes.md", "device one edit", 1)
	require.ErrorAs(t, err, &conflict)
}

func TestPutFile_MissingFileCreatedRegardlessOfExpectedVersion(t *testing.T) {
	store := newTestStore(t)

	f, err := store.PutFile(context.Background(), "acct-1", "fresh.md", "content", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.Version)
}

func TestPutFile_EmptyPathRejected(t *testing.T) {
	store := newTestStore(t)

	_, err := store.PutFile(context.Background(), "acct-1", "", "content", 0)
	var invalid *registrystore.ValidationError
	require.ErrorAs(t, err, &invalid)
}

func TestGetFile_MissingReturnsNil(t *testing.T) {
	store := newTestStore(t)
	f, err := store.GetFile(context.Background(), "acct-1", "absent.md")
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestListFiles_OrderedByPath(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, path := range []string{"c.md", "a.md", "b.md"} {
		_, err := store.PutFile(ctx, "acct-1", path, "x", 0)
		require.NoError(t, err)
	}
	_, err := store.PutFile(ctx, "acct-2", "other.md", "x", 0)
	require.NoError(t, err)

	files, err := store.ListFiles(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "a.md", files[0].Path)
	assert.Equal(t, "b.md", files[1].Path)
	assert.Equal(t, "c.md", files[2].Path)
}

func TestListFilesUpdatedAfter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.PutFile(ctx, "acct-1", "old.md", "x", 0)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	cutoff := time.Now().UTC()
	time.Sleep(10 * time.Millisecond)
	_, err = store.PutFile(ctx, "acct-1", "new.md", "x", 0)
	require.NoError(t, err)

	files, err := store.ListFilesUpdatedAfter(ctx, "acct-1", cutoff)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "new.md", files[0].Path)

	// The zero cursor means "from the beginning".
	all, err := store.ListFilesUpdatedAfter(ctx, "acct-1", time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestConnections(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddConnection(ctx, "acct-1", "chan-1"))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.AddConnection(ctx, "acct-1", "chan-2"))
	require.NoError(t, store.AddConnection(ctx, "acct-2", "chan-3"))

	conns, err := store.ListConnections(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, conns, 2)
	assert.Equal(t, "chan-1", conns[0].ChannelID)
	assert.Equal(t, "chan-2", conns[1].ChannelID)

	require.NoError(t, store.RemoveConnection(ctx, "chan-1"))
	// Removing again is a no-op.
	require.NoError(t, store.RemoveConnection(ctx, "chan-1"))

	conns, err = store.ListConnections(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, conns, 1)
}

func TestAccounts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	expiry := time.Now().Add(7 * 24 * time.Hour)

	account, err := store.CreateAccount(ctx, "device-1", "a@example.com", []byte("hash"), expiry)
	require.NoError(t, err)
	assert.NotEmpty(t, account.ID)
	assert.Equal(t, model.SubscriptionTrial, account.SubscriptionStatus)

	_, err = store.CreateAccount(ctx, "device-1", "b@example.com", []byte("hash"), expiry)
	var dup *registrystore.DuplicateError
	require.ErrorAs(t, err, &dup)

	byDevice, err := store.GetAccountByDeviceID(ctx, "device-1")
	require.NoError(t, err)
	require.NotNil(t, byDevice)
	assert.Equal(t, account.ID, byDevice.ID)

	byEmail, err := store.GetAccountByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	require.NotNil(t, byEmail)

	missing, err := store.GetAccount(ctx, "no-such-id")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, store.UpdateSessionToken(ctx, account.ID, "session-1"))
	reloaded, err := store.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.SessionToken)
	assert.Equal(t, "session-1", *reloaded.SessionToken)

	require.NoError(t, store.UpdateSubscription(ctx, account.ID, model.SubscriptionExpired, nil))
	reloaded, err = store.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionExpired, reloaded.SubscriptionStatus)
}

func TestBindEmail_DuplicateRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	expiry := time.Now().Add(24 * time.Hour)

	first, err := store.CreateAccount(ctx, "device-1", "a@example.com", []byte("hash"), expiry)
	require.NoError(t, err)
	_ = first

	second, err := store.CreateAccount(ctx, "device-2", "b@example.com", []byte("hash"), expiry)
	require.NoError(t, err)

	err = store.BindEmail(ctx, second.ID, "a@example.com", []byte("hash2"))
	var dup *registrystore.DuplicateError
	require.ErrorAs(t, err, &dup)

	require.NoError(t, store.BindEmail(ctx, second.ID, "c@example.com", []byte("hash2")))
	reloaded, err := store.GetAccount(ctx, second.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.Email)
	assert.Equal(t, "c@example.com", *reloaded.Email)
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]model.Memory
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string]model.Memory{}}
}

func (f *fakeCache) Available() bool { return true }

func (f *fakeCache) Get(_ context.Context, accountID string) (*model.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.entries[accountID]; ok {
		return &m, nil
	}
	return nil, nil
}

func (f *fakeCache) Set(_ context.Context, accountID string, memory model.Memory, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[accountID] = memory
	return nil
}

func (f *fakeCache) Invalidate(_ context.Context, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, accountID)
	return nil
}

func TestPutMemory_PopulatesCache(t *testing.T) {
	cache := newFakeCache()
	base := newTestStore(t)
	store := New(base.db, cache, time.Minute)
	ctx := context.Background()

	written, err := store.PutMemory(ctx, "acct-1", "cached content")
	require.NoError(t, err)

	cached, err := cache.Get(ctx, "acct-1")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, written.Version, cached.Version)

	// Reads are served from the cache once populated.
	latest, err := store.GetLatestMemory(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "cached content", latest.Content)
}
