// Package registry provides the in-memory tunnel registry (spec component
// C2): three indexes — alias to tunnel, tunnel id to Tunnel, user to alias
// set — kept consistent under concurrent reader/writer access.
//
// A tunnel's presence in the registry *is* its OPEN state; Remove deletes it
// from all three indexes atomically with respect to any reader, satisfying
// invariant 4 ("a tunnel id never appears in the registry after its channel
// has closed").
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/Comzy-io/ComzyTunnel/pkg/protocol"
)

// Dispatcher is the subset of a tunnel endpoint's behavior the registry and
// dispatcher need: send a request frame and block for its correlated
// response. Implemented by internal/server/tunnel.Endpoint; defined here
// (rather than imported) so this package does not depend on the tunnel
// package.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *protocol.RequestFrame) (*protocol.ResponseFrame, error)
}

// Tunnel is one live agent connection's registry-visible state.
type Tunnel struct {
	ID    string // fresh UUID per connection
	Alias string // public label
	User  string // owning user token, or "anonymous"
	Port  int    // opaque local port reported by the agent
	Conn  Dispatcher
}

// Registry holds the three indexes described in spec §4.2.
type Registry struct {
	mu      sync.RWMutex
	byAlias map[string]*Tunnel  // alias -> tunnel
	byID    map[string]*Tunnel  // tunnel id -> tunnel
	byUser  map[string][]string // user -> aliases
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byAlias: make(map[string]*Tunnel),
		byID:    make(map[string]*Tunnel),
		byUser:  make(map[string][]string),
	}
}

// Insert adds tunnel to all three indexes. It fails if the alias is already
// registered, preserving the alias<->tunnel id bijection (invariant 1).
func (r *Registry) Insert(t *Tunnel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byAlias[t.Alias]; exists {
		return fmt.Errorf("registry: alias %q already registered", t.Alias)
	}

	r.byAlias[t.Alias] = t
	r.byID[t.ID] = t
	r.byUser[t.User] = append(r.byUser[t.User], t.Alias)
	return nil
}

// LookupByAlias returns the tunnel registered under alias, if any.
func (r *Registry) LookupByAlias(alias string) (*Tunnel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byAlias[alias]
	return t, ok
}

// AliasTaken reports whether alias currently belongs to a live tunnel. It is
// passed to the alias allocator as its collision check.
func (r *Registry) AliasTaken(alias string) bool {
	_, ok := r.LookupByAlias(alias)
	return ok
}

// Remove deletes tunnelID from all three indexes and prunes the user entry
// if its alias set becomes empty. It is a no-op if tunnelID is unknown.
func (r *Registry) Remove(tunnelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byID[tunnelID]
	if !ok {
		return
	}
	delete(r.byID, tunnelID)
	delete(r.byAlias, t.Alias)

	aliases := r.byUser[t.User]
	for i, a := range aliases {
		if a == t.Alias {
			aliases = append(aliases[:i], aliases[i+1:]...)
			break
		}
	}
	if len(aliases) == 0 {
		delete(r.byUser, t.User)
	} else {
		r.byUser[t.User] = aliases
	}
}

// SnapshotLiveURLs iterates the user index and formats the public URL for
// every alias whose tunnel is currently registered (OPEN), keyed by user.
func (r *Registry) SnapshotLiveURLs(baseDomain string) map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]string, len(r.byUser))
	for user, aliases := range r.byUser {
		urls := make([]string, 0, len(aliases))
		for _, a := range aliases {
			if _, ok := r.byAlias[a]; ok {
				urls = append(urls, fmt.Sprintf("https://%s.%s/", a, baseDomain))
			}
		}
		if len(urls) > 0 {
			out[user] = urls
		}
	}
	return out
}

// Count returns the number of currently registered tunnels.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
