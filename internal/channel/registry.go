package channel

import (
	"sync"

	"github.com/google/uuid"
)

// Registry resolves adapter instances by channel id, channel type, or the
// opaque bot token embedded in a callback URL. Webhook delivery and adapter
// reconfiguration run concurrently, so access is guarded.
type Registry struct {
	mu      sync.RWMutex
	byID    map[uuid.UUID]Channel
	byType  map[string]Channel
	byToken map[string]Channel
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:    make(map[uuid.UUID]Channel),
		byType:  make(map[string]Channel),
		byToken: make(map[string]Channel),
	}
}

// Register installs an adapter. Single-tenant deployments carry at most one
// active channel per type, so the type index points at one adapter.
func (r *Registry) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[ch.ID()] = ch
	r.byType[ch.Type()] = ch
}

// RegisterBotToken additionally indexes an adapter by its callback token.
func (r *Registry) RegisterBotToken(token string, ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[ch.ID()] = ch
	r.byType[ch.Type()] = ch
	r.byToken[token] = ch
}

// Unregister removes an adapter, e.g. on channel disconnect.
func (r *Registry) Unregister(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, ch.ID())
	if r.byType[ch.Type()] == ch {
		delete(r.byType, ch.Type())
	}
	for token, registered := range r.byToken {
		if registered == ch {
			delete(r.byToken, token)
		}
	}
}

// ByID resolves an adapter by channel identity.
func (r *Registry) ByID(id uuid.UUID) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.byID[id]
	return ch, ok
}

// ByType resolves the active adapter for a channel type.
func (r *Registry) ByType(channelType string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.byType[channelType]
	return ch, ok
}

// ByBotToken resolves an adapter by the token embedded in its callback URL.
func (r *Registry) ByBotToken(token string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.byToken[token]
	return ch, ok
}
