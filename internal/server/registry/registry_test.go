package registry

import (
	"context"
	"testing"

	"github.com/Comzy-io/ComzyTunnel/pkg/protocol"
)

// stubDispatcher is a no-op Dispatcher used only to satisfy the Tunnel.Conn
// field in tests that don't exercise dispatch itself.
type stubDispatcher struct{}

func (stubDispatcher) Dispatch(ctx context.Context, req *protocol.RequestFrame) (*protocol.ResponseFrame, error) {
	return &protocol.ResponseFrame{Type: protocol.TypeResponse, ID: req.ID, Status: 200}, nil
}

func TestRegistryInsertAndLookupLifecycle(t *testing.T) {
	reg := New()

	tunnel := &Tunnel{ID: "abc", Alias: "client-deadbeef0000", User: "u1", Port: 9000, Conn: stubDispatcher{}}
	if err := reg.Insert(tunnel); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	retrieved, ok := reg.LookupByAlias("client-deadbeef0000")
	if !ok {
		t.Fatalf("expected tunnel for alias client-deadbeef0000")
	}
	if retrieved.ID != tunnel.ID {
		t.Fatalf("unexpected tunnel retrieved: %+v", retrieved)
	}
	if !reg.AliasTaken("client-deadbeef0000") {
		t.Fatalf("expected alias to be reported as taken")
	}

	reg.Remove("abc")
	if _, ok := reg.LookupByAlias("client-deadbeef0000"); ok {
		t.Fatalf("expected alias mapping to be removed after Remove")
	}
	if reg.AliasTaken("client-deadbeef0000") {
		t.Fatalf("expected alias to be free after Remove")
	}
	if reg.Count() != 0 {
		t.Fatalf("expected empty registry after Remove, got count %d", reg.Count())
	}
}

func TestRegistryRejectsDuplicateAlias(t *testing.T) {
	reg := New()

	base := &Tunnel{ID: "base", Alias: "web-aaaaaaaaaaaa", User: "u1", Port: 8000, Conn: stubDispatcher{}}
	if err := reg.Insert(base); err != nil {
		t.Fatalf("insert base failed: %v", err)
	}

	dup := &Tunnel{ID: "dup", Alias: "web-aaaaaaaaaaaa", User: "u2", Port: 8001, Conn: stubDispatcher{}}
	if err := reg.Insert(dup); err == nil {
		t.Fatal("expected duplicate alias registration to fail")
	}
}

func TestRegistrySnapshotLiveURLsGroupsByUser(t *testing.T) {
	reg := New()

	if err := reg.Insert(&Tunnel{ID: "t1", Alias: "client-111111111111", User: "u1", Port: 8000, Conn: stubDispatcher{}}); err != nil {
		t.Fatalf("insert t1 failed: %v", err)
	}
	if err := reg.Insert(&Tunnel{ID: "t2", Alias: "user-222222222222", User: "u1", Port: 8001, Conn: stubDispatcher{}}); err != nil {
		t.Fatalf("insert t2 failed: %v", err)
	}
	if err := reg.Insert(&Tunnel{ID: "t3", Alias: "web-333333333333", User: "u2", Port: 8002, Conn: stubDispatcher{}}); err != nil {
		t.Fatalf("insert t3 failed: %v", err)
	}

	snap := reg.SnapshotLiveURLs("tunnel.example.com")
	if len(snap["u1"]) != 2 {
		t.Fatalf("expected 2 URLs for u1, got %v", snap["u1"])
	}
	if len(snap["u2"]) != 1 {
		t.Fatalf("expected 1 URL for u2, got %v", snap["u2"])
	}

	reg.Remove("t1")
	snap = reg.SnapshotLiveURLs("tunnel.example.com")
	if len(snap["u1"]) != 1 {
		t.Fatalf("expected 1 URL for u1 after removing t1, got %v", snap["u1"])
	}
}
