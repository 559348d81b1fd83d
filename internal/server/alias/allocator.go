// Package alias implements the tunnel alias allocator (spec component C1):
// collision-free public alias generation, per-user quota enforcement, and
// persistence of (user, alias, port) bindings so a known user's URL is
// stable across reconnects.
package alias

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/Comzy-io/ComzyTunnel/internal/storage"
)

// defaultPrefixes is used when New is given no prefix list, so consecutive
// allocations visibly differ, per the data model.
var defaultPrefixes = []string{"client", "user", "web", "site", "app", "people"}

// anonymousUser is the sentinel token meaning "no authenticated user".
const anonymousUser = "anonymous"

// Allocator generates aliases and, for known users, persists them.
type Allocator struct {
	repo      *storage.Repository
	prefixes  []string
	prefixIdx uint64 // atomic round-robin cursor, process-wide
}

// New creates an Allocator backed by repo, cycling through prefixes in
// round-robin order. A nil or empty prefixes falls back to the spec's
// default list (config.Aliases.Prefixes already defaults it, but New stays
// safe for callers that construct an Allocator directly).
func New(repo *storage.Repository, prefixes []string) *Allocator {
	if len(prefixes) == 0 {
		prefixes = defaultPrefixes
	}
	return &Allocator{repo: repo, prefixes: prefixes}
}

// Allocate implements the algorithm in spec §4.1. aliasTaken reports whether
// a candidate alias currently belongs to a live tunnel in the registry; it
// is consulted to avoid handing out an alias that collides with one already
// in use (the registry, not storage, is the source of truth for what is
// live right now).
func (a *Allocator) Allocate(token string, port int, aliasTaken func(string) bool) (aliasStr string, persisted bool, err error) {
	if token == "" || token == anonymousUser {
		fresh, genErr := a.freshAlias(aliasTaken)
		return fresh, false, genErr
	}

	user, err := a.repo.LookupUser(token)
	if err != nil {
		return "", false, fmt.Errorf("alias allocator: looking up user: %w", err)
	}
	if user == nil {
		// Unknown token: accepted, but falls through to ephemeral allocation.
		fresh, genErr := a.freshAlias(aliasTaken)
		return fresh, false, genErr
	}

	existing, err := a.repo.FindAlias(user.ID, port)
	if err != nil {
		return "", false, fmt.Errorf("alias allocator: finding persisted alias: %w", err)
	}
	if existing != "" {
		return existing, true, nil
	}

	count, err := a.repo.CountAliases(user.ID)
	if err != nil {
		return "", false, fmt.Errorf("alias allocator: counting aliases: %w", err)
	}
	if count >= user.MaxAlias {
		log.Printf("alias allocator: user %s hit quota (%d/%d), falling back to ephemeral alias", user.ID, count, user.MaxAlias)
		fresh, genErr := a.freshAlias(aliasTaken)
		return fresh, false, genErr
	}

	fresh, err := a.freshAlias(aliasTaken)
	if err != nil {
		return "", false, err
	}
	if err := a.repo.PersistAlias(user.ID, fresh, port); err != nil {
		return "", false, fmt.Errorf("alias allocator: persisting alias: %w", err)
	}
	return fresh, true, nil
}

// freshAlias draws a 6-byte random value, hex-encodes it, and prefixes it
// with the next round-robin prefix, retrying on the astronomically rare
// collision with an already-registered alias.
func (a *Allocator) freshAlias(aliasTaken func(string) bool) (string, error) {
	for {
		buf := make([]byte, 6)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("alias allocator: generating random suffix: %w", err)
		}
		prefix := a.nextPrefix()
		candidate := prefix + "-" + hex.EncodeToString(buf)
		if aliasTaken == nil || !aliasTaken(candidate) {
			return candidate, nil
		}
	}
}

func (a *Allocator) nextPrefix() string {
	i := atomic.AddUint64(&a.prefixIdx, 1) - 1
	return a.prefixes[i%uint64(len(a.prefixes))]
}
