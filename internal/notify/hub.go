// Package notify implements the live-channel registry and event fan-out.
//
// A Hub tracks every live channel grouped by account. Writes to the sync
// core broadcast an event to all of the account's channels, including the
// channel belonging to the session that performed the write. Delivery is
// at most once: a channel that cannot accept an event is skipped, never
// retried.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/soulsync/soulsync-server/internal/security"
)

// Event names delivered to live channels.
const (
	EventNewMemory   = "new_memory"
	EventFileUpdated = "file_updated"
)

// Sender is the write side of a live channel. Send must not block; it
// reports whether the event was accepted for delivery.
type Sender interface {
	Send(data []byte) bool
}

// ConnectionStore persists channel registrations so that operators can
// inspect live connections across the fleet.
type ConnectionStore interface {
	AddConnection(ctx context.Context, accountID string, channelID string) error
	RemoveConnection(ctx context.Context, channelID string) error
}

// Event is a fan-out notification scoped to one account.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// Hub is the in-process channel registry. Create one per server with
// NewHub and share it between the channel transport and the write paths.
type Hub struct {
	store ConnectionStore

	mu       sync.RWMutex
	accounts map[string]map[string]Sender // accountID -> channelID -> sender
	channels map[string]string            // channelID -> accountID

	// dispatch serializes fan-out per account so channels observe events
	// in commit order.
	dispatch sync.Map // accountID -> *sync.Mutex
}

// NewHub creates an empty Hub. store may be nil when registrations need
// not be persisted (tests).
func NewHub(store ConnectionStore) *Hub {
	return &Hub{
		store:    store,
		accounts: map[string]map[string]Sender{},
		channels: map[string]string{},
	}
}

// Register adds a live channel for the account and returns its channel ID.
func (h *Hub) Register(ctx context.Context, accountID string, sender Sender) (string, error) {
	channelID := uuid.NewString()

	if h.store != nil {
		if err := h.store.AddConnection(ctx, accountID, channelID); err != nil {
			return "", fmt.Errorf("failed to persist channel registration: %w", err)
		}
	}

	h.mu.Lock()
	byChannel := h.accounts[accountID]
	if byChannel == nil {
		byChannel = map[string]Sender{}
		h.accounts[accountID] = byChannel
	}
	byChannel[channelID] = sender
	h.channels[channelID] = accountID
	h.mu.Unlock()

	if security.ChannelsOpen != nil {
		security.ChannelsOpen.Inc()
	}
	log.Debug("Channel registered", "account", accountID, "channel", channelID)
	return channelID, nil
}

// Unregister removes a channel. Unknown channel IDs are ignored, so a
// channel may be unregistered more than once.
func (h *Hub) Unregister(ctx context.Context, channelID string) {
	h.mu.Lock()
	accountID, ok := h.channels[channelID]
	if ok {
		delete(h.channels, channelID)
		byChannel := h.accounts[accountID]
		delete(byChannel, channelID)
		if len(byChannel) == 0 {
			delete(h.accounts, accountID)
		}
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	if h.store != nil {
		if err := h.store.RemoveConnection(ctx, channelID); err != nil {
			log.Warn("Failed to remove channel registration", "channel", channelID, "err", err)
		}
	}
	if security.ChannelsOpen != nil {
		security.ChannelsOpen.Dec()
	}
	log.Debug("Channel unregistered", "account", accountID, "channel", channelID)
}

// Channels returns the number of live channels for the account.
func (h *Hub) Channels(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.accounts[accountID])
}

// Broadcast delivers the event to every live channel of the account.
// Callers invoke it after their write commits; the per-account lock
// guarantees channels see events from one account in the same order the
// broadcasts were issued. A channel that rejects the event is skipped.
func (h *Hub) Broadcast(ctx context.Context, accountID string, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error("Failed to encode event", "event", event.Name, "err", err)
		return
	}

	lock, _ := h.dispatch.LoadOrStore(accountID, &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	h.mu.RLock()
	senders := make(map[string]Sender, len(h.accounts[accountID]))
	for channelID, sender := range h.accounts[accountID] {
		senders[channelID] = sender
	}
	h.mu.RUnlock()

	for channelID, sender := range senders {
		if !sender.Send(payload) {
			log.Warn("Dropped event for slow channel", "account", accountID, "channel", channelID, "event", event.Name)
			continue
		}
		if security.EventsDeliveredTotal != nil {
			security.EventsDeliveredTotal.WithLabelValues(event.Name).Inc()
		}
	}
}
