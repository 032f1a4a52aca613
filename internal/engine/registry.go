package engine

import (
	"fmt"
	"sync"

	"github.com/younfor/chat-work/internal/config"
	"github.com/younfor/chat-work/internal/logging"
)

// Registry manages engine clients and resolves engine names.
type Registry struct {
	mu       sync.RWMutex
	clients  map[string]Client
	fallback string
	log      *logging.Logger
}

// NewRegistry creates an empty engine registry.
func NewRegistry(log *logging.Logger) *Registry {
	return &Registry{
		clients: make(map[string]Client),
		log:     log.Sub("engine.registry"),
	}
}

// Register adds a client under the given engine name.
func (r *Registry) Register(name string, client Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[name] = client
	r.log.Info().Str("engine", name).Msg("registered engine")
}

// SetFallback sets the engine used when no name matches.
func (r *Registry) SetFallback(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = name
}

// Resolve returns the Client for the given engine name. An empty name
// resolves to the fallback.
func (r *Registry) Resolve(name string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.clients[name]; ok {
		return c, nil
	}
	if r.fallback != "" {
		if c, ok := r.clients[r.fallback]; ok {
			return c, nil
		}
	}
	return nil, fmt.Errorf("no engine registered for %q", name)
}

// List returns all registered engine names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for n := range r.clients {
		names = append(names, n)
	}
	return names
}

// NewRegistryFromConfig wires up the engines the configuration makes
// possible. The claude CLI is always registered (its path may only be
// resolvable at spawn time); a direct API client joins when a key is
// configured and becomes the fallback when no CLI binary is found.
func NewRegistryFromConfig(cfg config.EngineConfig, log *logging.Logger) *Registry {
	reg := NewRegistry(log)

	reg.Register("claude", NewClaudeClient(cfg, log))
	reg.SetFallback("claude")

	if cfg.APIKey != "" {
		reg.Register("claude-api", NewAPIClient(cfg, log))
		cliAvailable := cfg.Command != "" || FindClaudePath() != "claude" || CLIExists("claude")
		if !cliAvailable {
			reg.SetFallback("claude-api")
			log.Sub("engine.registry").Info().Msg("claude CLI not found, using direct API engine")
		}
	}

	return reg
}
