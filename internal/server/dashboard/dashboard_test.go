package dashboard

import (
	"testing"

	"github.com/Comzy-io/ComzyTunnel/internal/server/registry"
)

func TestFanoutSnapshotFrameReflectsRegistry(t *testing.T) {
	reg := registry.New()
	f := New(reg, "tunnel.example.com", DefaultBroadcastInterval)

	frame := f.snapshotFrame()
	if len(frame.Data) != 0 {
		t.Fatalf("expected empty snapshot, got %v", frame.Data)
	}

	if err := reg.Insert(&registry.Tunnel{ID: "t1", Alias: "client-000000000000", User: "u1", Port: 8000}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	frame = f.snapshotFrame()
	if len(frame.Data["u1"]) != 1 {
		t.Fatalf("expected 1 live URL for u1, got %v", frame.Data["u1"])
	}
}

func TestFanoutRefreshIsNonBlockingWhenFull(t *testing.T) {
	reg := registry.New()
	f := New(reg, "tunnel.example.com", DefaultBroadcastInterval)

	// Fill the buffered channel, then ensure a second Refresh doesn't block.
	f.Refresh()
	done := make(chan struct{})
	go func() {
		f.Refresh()
		close(done)
	}()
	<-done
}
