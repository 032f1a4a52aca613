// Package channel provides channel management for chat integrations.
package channel

import (
	"context"
	"sync"

	"github.com/younfor/chat-work/internal/domain"
	"github.com/younfor/chat-work/internal/logging"
)

// Registry manages the set of active channel adapters.
type Registry struct {
	mu       sync.RWMutex
	channels map[domain.ChannelKind]domain.Channel
	log      *logging.Logger
}

// NewRegistry creates a channel registry.
func NewRegistry(log *logging.Logger) *Registry {
	return &Registry{
		channels: make(map[domain.ChannelKind]domain.Channel),
		log:      log.Sub("channels"),
	}
}

// Register adds a channel adapter to the registry.
func (r *Registry) Register(ch domain.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.Kind()] = ch
	r.log.Info().Str("channel", string(ch.Kind())).Msg("channel registered")
}

// Get returns the adapter for a channel kind.
func (r *Registry) Get(kind domain.ChannelKind) (domain.Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[kind]
	return ch, ok
}

// List returns all registered channel kinds.
func (r *Registry) List() []domain.ChannelKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]domain.ChannelKind, 0, len(r.channels))
	for kind := range r.channels {
		kinds = append(kinds, kind)
	}
	return kinds
}

// Status returns the status of all registered channels.
func (r *Registry) Status() []domain.ChannelStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	statuses := make([]domain.ChannelStatus, 0, len(r.channels))
	for _, ch := range r.channels {
		statuses = append(statuses, ch.Status())
	}
	return statuses
}

// OnMessage registers the same handler on every channel.
func (r *Registry) OnMessage(h domain.MessageHandler) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for kind, ch := range r.channels {
		ch.OnMessage(h)
		r.log.Debug().Str("channel", string(kind)).Msg("wired message handler")
	}
}

// StartAll starts all registered channels in background goroutines.
// Start methods may block for the adapter's lifetime, so each runs
// concurrently to avoid holding up initialization.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for kind, ch := range r.channels {
		r.log.Info().Str("channel", string(kind)).Msg("starting channel")
		go func(kind domain.ChannelKind, ch domain.Channel) {
			if err := ch.Start(ctx); err != nil {
				r.log.Error().Err(err).Str("channel", string(kind)).Msg("channel exited with error")
			}
		}(kind, ch)
	}
	return nil
}

// StopAll stops all registered channels.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for kind, ch := range r.channels {
		r.log.Info().Str("channel", string(kind)).Msg("stopping channel")
		if err := ch.Stop(ctx); err != nil {
			r.log.Error().Err(err).Str("channel", string(kind)).Msg("failed to stop channel")
		}
	}
}

// Count returns the number of registered channels.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}
