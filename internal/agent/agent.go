// Package agent implements the tunnel agent (spec component C5): dial the
// control channel, register, receive request frames, re-issue them against
// a local origin server, and frame the responses back (with binary
// detection), reconnecting automatically on disconnect.
package agent

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/Comzy-io/ComzyTunnel/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

// Config controls one agent's behavior.
type Config struct {
	ServerURL      string        // control channel WebSocket URL, e.g. wss://tunnel.example.com/connect
	Token          string        // authenticated user token; empty for anonymous registration
	LocalPort      int           // local origin port to forward requests to
	ReconnectDelay time.Duration // default 5s
	LocalTimeout   time.Duration // default 30s, the agent's local HTTP client timeout
	SessionTimeout time.Duration // anonymous session timeout, default 1h; a negative value disables it
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ReconnectDelay <= 0 {
		out.ReconnectDelay = 5 * time.Second
	}
	if out.LocalTimeout <= 0 {
		out.LocalTimeout = 30 * time.Second
	}
	if out.SessionTimeout == 0 {
		out.SessionTimeout = time.Hour
	}
	return out
}

// binaryPrefixes and binaryExact implement spec §4.4's "Binary detection"
// rules, applied here since the agent is the side that decides.
var binaryPrefixes = []string{"image/", "video/", "audio/"}
var binaryExact = []string{"application/octet-stream", "application/pdf"}

func isBinaryContentType(ct string) bool {
	ct = strings.ToLower(ct)
	for _, p := range binaryPrefixes {
		if strings.HasPrefix(ct, p) {
			return true
		}
	}
	for _, e := range binaryExact {
		if strings.Contains(ct, e) {
			return true
		}
	}
	return false
}

// Agent runs the dial-register-serve-reconnect loop until Stop is called.
type Agent struct {
	cfg        Config
	httpClient *http.Client
	stop       chan struct{}

	// sessionDeadline, when non-zero, is checked on each reconnect attempt:
	// past it the agent terminates instead of redialing, implementing the
	// anonymous-session timeout.
	sessionDeadline time.Time
}

// New creates an Agent from cfg, applying defaults for zero-valued fields.
func New(cfg Config) *Agent {
	c := cfg.withDefaults()
	a := &Agent{
		cfg:        c,
		httpClient: &http.Client{Timeout: c.LocalTimeout},
		stop:       make(chan struct{}),
	}
	if c.Token == "" && c.SessionTimeout > 0 {
		a.sessionDeadline = time.Now().Add(c.SessionTimeout)
	}
	return a
}

// Stop ends the run loop after the current connection attempt returns.
func (a *Agent) Stop() {
	close(a.stop)
}

// Run dials, registers, and serves request frames until Stop is called or
// (for anonymous sessions) the session timeout elapses.
func (a *Agent) Run() {
	b := &backoff.Backoff{Min: a.cfg.ReconnectDelay, Max: a.cfg.ReconnectDelay}

	for {
		select {
		case <-a.stop:
			return
		default:
		}

		if !a.sessionDeadline.IsZero() && time.Now().After(a.sessionDeadline) {
			log.Printf("agent: anonymous session timeout reached, exiting")
			return
		}

		if err := a.runOnce(); err != nil {
			log.Printf("agent: connection ended: %v", err)
		}

		delay := b.Duration()
		log.Printf("agent: reconnecting in %s", delay)
		select {
		case <-time.After(delay):
		case <-a.stop:
			return
		}
	}
}

// runOnce dials once, registers from scratch (a new tunnel id per spec
// §4.5), and serves request frames until the connection drops.
func (a *Agent) runOnce() error {
	conn, _, err := websocket.DefaultDialer.Dial(a.cfg.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dialing control channel: %w", err)
	}
	defer conn.Close()

	req := protocol.RegisterReq{Type: protocol.TypeRegister, User: a.cfg.Token, Port: a.cfg.LocalPort}
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("sending register frame: %w", err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("reading register response: %w", err)
	}

	var ack protocol.RegisterAck
	if err := json.Unmarshal(data, &ack); err == nil && ack.Type == protocol.TypeRegistered {
		log.Printf("agent: registered: uuid=%s alias=%s", ack.UUID, ack.Alias)
	} else {
		var regErr protocol.RegisterErr
		if jsonErr := json.Unmarshal(data, &regErr); jsonErr == nil && regErr.Message != "" {
			return fmt.Errorf("registration rejected: %s", regErr.Message)
		}
		return fmt.Errorf("unexpected registration response")
	}

	return a.serve(conn)
}

// serve reads request frames one at a time (single-threaded cooperative
// loop, per spec §4.5) and replies with the local origin's response.
func (a *Agent) serve(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("control channel closed: %w", err)
		}

		var req protocol.RequestFrame
		if err := json.Unmarshal(data, &req); err != nil {
			log.Printf("agent: malformed request frame: %v", err)
			continue
		}

		resp := a.handleRequest(&req)
		if err := conn.WriteJSON(resp); err != nil {
			return fmt.Errorf("sending response frame: %w", err)
		}
	}
}

// handleRequest implements spec §4.5 steps 1-5.
func (a *Agent) handleRequest(req *protocol.RequestFrame) *protocol.ResponseFrame {
	httpReq, err := a.buildLocalRequest(req)
	if err != nil {
		log.Printf("agent: failed to build local request for %s: %v", req.ID, err)
		return errorResponse(req.ID)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		log.Printf("agent: local request failed for %s: %v", req.ID, err)
		return errorResponse(req.ID)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Printf("agent: failed reading local response for %s: %v", req.ID, err)
		return errorResponse(req.ID)
	}

	contentType := resp.Header.Get("Content-Type")
	return &protocol.ResponseFrame{
		Type:    protocol.TypeResponse,
		ID:      req.ID,
		Status:  resp.StatusCode,
		Headers: map[string][]string{"content-type": {contentType}},
		Body:    classifyBody(contentType, body),
	}
}

func (a *Agent) buildLocalRequest(req *protocol.RequestFrame) (*http.Request, error) {
	url := fmt.Sprintf("http://localhost:%d%s", a.cfg.LocalPort, req.Path)

	if len(req.Files) > 0 {
		return a.buildMultipartRequest(req, url)
	}

	var body io.Reader
	switch b := req.Body.(type) {
	case nil:
		body = nil
	case []byte:
		body = bytes.NewReader(b)
	case string:
		body = strings.NewReader(b)
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("re-encoding body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequest(req.Method, url, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	return httpReq, nil
}

// buildMultipartRequest reconstructs a multipart/form-data body from the
// frame's field map and file parts, per spec §4.5 step 2.
func (a *Agent) buildMultipartRequest(req *protocol.RequestFrame, url string) (*http.Request, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if fields, ok := req.Body.(map[string]interface{}); ok {
		for k, v := range fields {
			if err := mw.WriteField(k, fmt.Sprintf("%v", v)); err != nil {
				return nil, fmt.Errorf("writing field %q: %w", k, err)
			}
		}
	}

	for _, f := range req.Files {
		part, err := mw.CreateFormFile(f.Field, f.Filename)
		if err != nil {
			return nil, fmt.Errorf("creating file part %q: %w", f.Field, err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, fmt.Errorf("writing file part %q: %w", f.Field, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart writer: %w", err)
	}

	httpReq, err := http.NewRequest(req.Method, url, &buf)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Headers {
		if strings.EqualFold(k, "Content-Type") {
			continue
		}
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	return httpReq, nil
}

// classifyBody implements spec §4.4's "Binary detection" rules and §4.5
// step 4.
func classifyBody(contentType string, body []byte) interface{} {
	if isBinaryContentType(contentType) {
		return protocol.BinaryBody{Type: "binary", Data: base64.StdEncoding.EncodeToString(body)}
	}
	if strings.Contains(strings.ToLower(contentType), "application/json") {
		var doc interface{}
		if len(body) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, &doc); err == nil {
			return doc
		}
	}
	return string(body)
}

// errorResponse implements spec §4.5's "if the local HTTP call itself
// throws" synthesized response.
func errorResponse(id string) *protocol.ResponseFrame {
	return &protocol.ResponseFrame{
		Type:    protocol.TypeResponse,
		ID:      id,
		Status:  http.StatusInternalServerError,
		Headers: map[string][]string{"content-type": {"application/json"}},
		Body:    map[string]interface{}{"error": "Internal server error"},
	}
}
