package alias

import (
	"strings"
	"testing"

	"github.com/Comzy-io/ComzyTunnel/internal/storage"
)

func newTestRepo(t *testing.T) *storage.Repository {
	t.Helper()
	repo, err := storage.Open(t.TempDir() + "/alias-test.db")
	if err != nil {
		t.Fatalf("opening test repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestAllocateAnonymousUsesConfiguredPrefixes(t *testing.T) {
	repo := newTestRepo(t)
	a := New(repo, []string{"only"})

	got, persisted, err := a.Allocate("", 8000, func(string) bool { return false })
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if persisted {
		t.Fatalf("anonymous allocation should never persist")
	}
	if !strings.HasPrefix(got, "only-") {
		t.Fatalf("expected alias prefixed with configured prefix, got %q", got)
	}
}

func TestNewFallsBackToDefaultPrefixesWhenEmpty(t *testing.T) {
	repo := newTestRepo(t)
	a := New(repo, nil)

	got, _, err := a.Allocate("", 8000, func(string) bool { return false })
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	matched := false
	for _, p := range defaultPrefixes {
		if strings.HasPrefix(got, p+"-") {
			matched = true
			break
		}
	}
	if !matched {
		t.Fatalf("expected alias prefixed with a default prefix, got %q", got)
	}
}

func TestAllocateKnownUserPersistsAndReusesAlias(t *testing.T) {
	repo := newTestRepo(t)
	if err := repo.CreateUser("u1", "tok1", 5); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	a := New(repo, []string{"client"})

	first, persisted, err := a.Allocate("tok1", 8000, func(string) bool { return false })
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if !persisted {
		t.Fatalf("expected known-user allocation to be persisted")
	}

	second, persisted, err := a.Allocate("tok1", 8000, func(string) bool { return false })
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if !persisted || second != first {
		t.Fatalf("expected reconnect on the same port to reuse alias %q, got %q (persisted=%v)", first, second, persisted)
	}
}

func TestAllocateEnforcesMaxAliasQuota(t *testing.T) {
	repo := newTestRepo(t)
	if err := repo.CreateUser("u1", "tok1", 1); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	a := New(repo, []string{"client"})

	if _, _, err := a.Allocate("tok1", 8000, func(string) bool { return false }); err != nil {
		t.Fatalf("first Allocate failed: %v", err)
	}

	got, persisted, err := a.Allocate("tok1", 8001, func(string) bool { return false })
	if err != nil {
		t.Fatalf("second Allocate failed: %v", err)
	}
	if persisted {
		t.Fatalf("expected over-quota allocation to fall back to an ephemeral alias")
	}
	if got == "" {
		t.Fatalf("expected a fresh ephemeral alias even over quota")
	}
}
