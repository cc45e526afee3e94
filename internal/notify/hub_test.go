package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu     sync.Mutex
	frames [][]byte
	reject bool
}

func (f *fakeSender) Send(data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject {
		return false
	}
	f.frames = append(f.frames, data)
	return true
}

func (f *fakeSender) received() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte{}, f.frames...)
}

type fakeConnStore struct {
	mu      sync.Mutex
	added   map[string]string
	removed []string
	addErr  error
}

func newFakeConnStore() *fakeConnStore {
	return &fakeConnStore{added: map[string]string{}}
}

func (f *fakeConnStore) AddConnection(_ context.Context, accountID, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.added[channelID] = accountID
	return nil
}

func (f *fakeConnStore) RemoveConnection(_ context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, channelID)
	return nil
}

func TestBroadcastReachesAllAccountChannels(t *testing.T) {
	hub := NewHub(nil)
	ctx := context.Background()

	s1 := &fakeSender{}
	s2 := &fakeSender{}
	other := &fakeSender{}
	_, err := hub.Register(ctx, "acct-1", s1)
	require.NoError(t, err)
	_, err = hub.Register(ctx, "acct-1", s2)
	require.NoError(t, err)
	_, err = hub.Register(ctx, "acct-2", other)
	require.NoError(t, err)

	hub.Broadcast(ctx, "acct-1", Event{Name: EventNewMemory, Data: map[string]any{"version": 3}})

	require.Len(t, s1.received(), 1)
	require.Len(t, s2.received(), 1)
	assert.Empty(t, other.received(), "events must not cross account boundaries")

	var frame struct {
		Event string         `json:"event"`
		Data  map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(s1.received()[0], &frame))
	assert.Equal(t, EventNewMemory, frame.Event)
	assert.EqualValues(t, 3, frame.Data["version"])
}

func TestBroadcastSkipsRejectingChannel(t *testing.T) {
	hub := NewHub(nil)
	ctx := context.Background()

	slow := &fakeSender{reject: true}
	healthy := &fakeSender{}
	_, err := hub.Register(ctx, "acct-1", slow)
	require.NoError(t, err)
	_, err = hub.Register(ctx, "acct-1", healthy)
	require.NoError(t, err)

	hub.Broadcast(ctx, "acct-1", Event{Name: EventFileUpdated, Data: map[string]any{"file_path": "notes.md"}})

	assert.Empty(t, slow.received())
	assert.Len(t, healthy.received(), 1)
}

func TestUnregisterIsIdempotent(t *testing.T) {
	store := newFakeConnStore()
	hub := NewHub(store)
	ctx := context.Background()

	sender := &fakeSender{}
	channelID, err := hub.Register(ctx, "acct-1", sender)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", store.added[channelID])
	assert.Equal(t, 1, hub.Channels("acct-1"))

	hub.Unregister(ctx, channelID)
	hub.Unregister(ctx, channelID)
	hub.Unregister(ctx, "no-such-channel")

	assert.Equal(t, 0, hub.Channels("acct-1"))
	assert.Equal(t, []string{channelID}, store.removed, "store removal must happen exactly once")

	hub.Broadcast(ctx, "acct-1", Event{Name: EventNewMemory, Data: map[string]any{"version": 1}})
	assert.Empty(t, sender.received())
}

func TestRegisterFailsWhenStoreRejects(t *testing.T) {
	store := newFakeConnStore()
	store.addErr = errors.New("db down")
	hub := NewHub(store)

	_, err := hub.Register(context.Background(), "acct-1", &fakeSender{})
	require.Error(t, err)
	assert.Equal(t, 0, hub.Channels("acct-1"))
}

func TestBroadcastOrderPerAccount(t *testing.T) {
	hub := NewHub(nil)
	ctx := context.Background()

	sender := &fakeSender{}
	_, err := hub.Register(ctx, "acct-1", sender)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		hub.Broadcast(ctx, "acct-1", Event{Name: EventNewMemory, Data: map[string]any{"version": i}})
	}

	frames := sender.received()
	require.Len(t, frames, 5)
	for i, raw := range frames {
		var frame struct {
			Data map[string]any `json:"data"`
		}
		require.NoError(t, json.Unmarshal(raw, &frame))
		assert.EqualValues(t, i+1, frame.Data["version"])
	}
}
