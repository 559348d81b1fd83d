// Package tunnel implements the tunnel endpoint (spec component C3): the
// per-agent connection state machine, its registration handshake, keepalive,
// inbound response demultiplexing, and orderly teardown.
package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/Comzy-io/ComzyTunnel/internal/server/alias"
	"github.com/Comzy-io/ComzyTunnel/internal/server/registry"
	"github.com/Comzy-io/ComzyTunnel/pkg/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	registerDeadline = 10 * time.Second
	pingInterval     = 20 * time.Second
	pongWait         = pingInterval + 10*time.Second
)

// Handler accepts tunnel-port WebSocket connections and runs each one
// through the registration handshake and its lifetime as an Endpoint.
type Handler struct {
	registry  *registry.Registry
	allocator *alias.Allocator
}

// NewHandler creates a Handler backed by reg and alloc.
func NewHandler(reg *registry.Registry, alloc *alias.Allocator) *Handler {
	return &Handler{registry: reg, allocator: alloc}
}

// ServeHTTP upgrades the connection and runs it to completion. It never
// returns until the agent disconnects or registration fails.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("tunnel: upgrade failed: %v", err)
		return
	}

	ep, err := h.register(conn)
	if err != nil {
		log.Printf("tunnel: registration failed: %v", err)
		conn.Close()
		return
	}

	log.Printf("tunnel: agent registered: id=%s alias=%s user=%s port=%d", ep.ID, ep.Alias, ep.User, ep.Port)
	ep.run()
}

// register performs the CONNECTED -> REGISTERING -> ACTIVE transition
// described in spec §4.3.
func (h *Handler) register(conn *websocket.Conn) (*Endpoint, error) {
	conn.SetReadDeadline(time.Now().Add(registerDeadline))

	var req protocol.RegisterReq
	if err := conn.ReadJSON(&req); err != nil {
		sendRegisterErr(conn, "malformed register frame")
		return nil, fmt.Errorf("reading register frame: %w", err)
	}
	if req.Type != protocol.TypeRegister {
		sendRegisterErr(conn, "expected register frame")
		return nil, fmt.Errorf("unexpected frame type %q", req.Type)
	}

	ep := &Endpoint{
		ID:      uuid.New().String(),
		User:    req.User,
		Port:    req.Port,
		conn:    conn,
		pending: make(map[string]chan *protocol.ResponseFrame),
		closed:  make(chan struct{}),
		reg:     h.registry,
	}

	aliasStr, _, err := h.allocator.Allocate(req.User, req.Port, h.registry.AliasTaken)
	if err != nil {
		sendRegisterErr(conn, "allocation failed")
		return nil, fmt.Errorf("allocating alias: %w", err)
	}
	ep.Alias = aliasStr

	owner := req.User
	if owner == "" {
		owner = "anonymous"
	}
	if err := h.registry.Insert(&registry.Tunnel{ID: ep.ID, Alias: aliasStr, User: owner, Port: req.Port, Conn: ep}); err != nil {
		sendRegisterErr(conn, "registry insertion failed")
		return nil, fmt.Errorf("inserting tunnel: %w", err)
	}

	conn.SetReadDeadline(time.Time{})
	ack := protocol.RegisterAck{Type: protocol.TypeRegistered, UUID: ep.ID, Alias: aliasStr}
	if err := conn.WriteJSON(ack); err != nil {
		h.registry.Remove(ep.ID)
		return nil, fmt.Errorf("writing register ack: %w", err)
	}
	return ep, nil
}

func sendRegisterErr(conn *websocket.Conn, message string) {
	conn.WriteJSON(protocol.RegisterErr{Type: protocol.TypeError, Message: message})
}

// Endpoint is one ACTIVE agent connection: a send-serialized control
// channel plus the pending-requests table correlating outbound request
// frames with their inbound responses.
type Endpoint struct {
	ID    string
	Alias string
	User  string
	Port  int

	conn      *websocket.Conn
	writeMu   sync.Mutex
	pendingMu sync.Mutex
	pending   map[string]chan *protocol.ResponseFrame

	reg       *registry.Registry
	closed    chan struct{}
	closeOnce sync.Once
}

// Dispatch sends req on the control channel and blocks until the matching
// response arrives, ctx is done, or the tunnel closes — satisfying
// registry.Dispatcher.
func (e *Endpoint) Dispatch(ctx context.Context, req *protocol.RequestFrame) (*protocol.ResponseFrame, error) {
	req.Type = protocol.TypeRequest

	ch := make(chan *protocol.ResponseFrame, 1)
	e.pendingMu.Lock()
	e.pending[req.ID] = ch
	e.pendingMu.Unlock()

	defer func() {
		e.pendingMu.Lock()
		delete(e.pending, req.ID)
		e.pendingMu.Unlock()
	}()

	if err := e.writeJSON(req); err != nil {
		return nil, fmt.Errorf("tunnel: sending request frame: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-e.closed:
		return nil, fmt.Errorf("tunnel: closed while awaiting response")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Endpoint) writeJSON(v interface{}) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.conn.WriteJSON(v)
}

// run drives keepalive pings and the inbound read loop until the connection
// fails, then tears the endpoint down.
func (e *Endpoint) run() {
	defer e.teardown()

	e.conn.SetReadDeadline(time.Now().Add(pongWait))
	e.conn.SetPongHandler(func(string) error {
		e.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	stopPing := make(chan struct{})
	go e.pingLoop(stopPing)
	defer close(stopPing)

	for {
		_, data, err := e.conn.ReadMessage()
		if err != nil {
			log.Printf("tunnel: endpoint %s (%s) disconnected: %v", e.ID, e.Alias, err)
			return
		}
		e.handleFrame(data)
	}
}

func (e *Endpoint) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.writeMu.Lock()
			err := e.conn.WriteMessage(websocket.PingMessage, nil)
			e.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (e *Endpoint) handleFrame(data []byte) {
	var resp protocol.ResponseFrame
	if err := json.Unmarshal(data, &resp); err != nil {
		log.Printf("tunnel: malformed response frame from %s: %v", e.ID, err)
		return
	}

	e.pendingMu.Lock()
	ch, ok := e.pending[resp.ID]
	e.pendingMu.Unlock()
	if !ok {
		// No waiter for this id: dropped, per spec §4.4 step 4.
		return
	}
	ch <- &resp
}

// teardown removes the endpoint from the registry and aborts every pending
// request still awaiting a response, per spec §4.3.
func (e *Endpoint) teardown() {
	e.closeOnce.Do(func() {
		e.reg.Remove(e.ID)
		close(e.closed)
		e.conn.Close()
	})
}
