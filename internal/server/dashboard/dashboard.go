// Package dashboard implements the dashboard fan-out (spec component C6): a
// separate observer listener that pushes the set of currently-live public
// URLs on connect, on a periodic tick, and on explicit refresh.
package dashboard

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/Comzy-io/ComzyTunnel/internal/server/registry"
	"github.com/Comzy-io/ComzyTunnel/pkg/protocol"
	"github.com/gorilla/websocket"
)

// DefaultBroadcastInterval is the process-wide tick cadence from spec §4.6,
// used when New is given a non-positive interval.
const DefaultBroadcastInterval = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Fanout tracks connected observers and periodically broadcasts the
// registry's live-URL snapshot to all of them.
type Fanout struct {
	registry   *registry.Registry
	baseDomain string
	interval   time.Duration

	mu        sync.Mutex
	observers map[*websocket.Conn]struct{}

	refresh chan struct{}
}

// New creates a Fanout backed by reg, broadcasting every interval. A
// non-positive interval falls back to DefaultBroadcastInterval.
func New(reg *registry.Registry, baseDomain string, interval time.Duration) *Fanout {
	if interval <= 0 {
		interval = DefaultBroadcastInterval
	}
	return &Fanout{
		registry:   reg,
		baseDomain: baseDomain,
		interval:   interval,
		observers:  make(map[*websocket.Conn]struct{}),
		refresh:    make(chan struct{}, 1),
	}
}

// Run broadcasts on every tick and whenever Refresh is called, until stop is
// closed. Intended to run in its own goroutine for the server's lifetime.
func (f *Fanout) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.broadcast()
		case <-f.refresh:
			f.broadcast()
		case <-stop:
			return
		}
	}
}

// Refresh requests an out-of-band broadcast, e.g. immediately after a
// registration or teardown. Non-blocking: a refresh already in flight is
// not duplicated.
func (f *Fanout) Refresh() {
	select {
	case f.refresh <- struct{}{}:
	default:
	}
}

// ServeHTTP upgrades an observer connection, sends the initial snapshot, and
// evicts the observer on disconnect. Observers never send to the server;
// the read loop only exists to detect that disconnect.
func (f *Fanout) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("dashboard: upgrade failed: %v", err)
		return
	}

	f.mu.Lock()
	f.observers[conn] = struct{}{}
	f.mu.Unlock()

	if err := conn.WriteJSON(f.snapshotFrame()); err != nil {
		f.evict(conn)
		return
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			f.evict(conn)
			return
		}
	}
}

func (f *Fanout) evict(conn *websocket.Conn) {
	f.mu.Lock()
	delete(f.observers, conn)
	f.mu.Unlock()
	conn.Close()
}

func (f *Fanout) snapshotFrame() protocol.ActiveURLsFrame {
	return protocol.ActiveURLsFrame{
		Type: protocol.TypeActiveURLs,
		Data: f.registry.SnapshotLiveURLs(f.baseDomain),
	}
}

func (f *Fanout) broadcast() {
	frame := f.snapshotFrame()

	f.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(f.observers))
	for c := range f.observers {
		conns = append(conns, c)
	}
	f.mu.Unlock()

	for _, c := range conns {
		if err := c.WriteJSON(frame); err != nil {
			f.evict(c)
		}
	}
}
