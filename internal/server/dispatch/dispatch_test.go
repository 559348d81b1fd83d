package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Comzy-io/ComzyTunnel/internal/server/registry"
	"github.com/Comzy-io/ComzyTunnel/internal/storage"
	"github.com/Comzy-io/ComzyTunnel/pkg/protocol"
)

type stubConn struct {
	resp *protocol.ResponseFrame
	err  error
	got  *protocol.RequestFrame
}

func (s *stubConn) Dispatch(ctx context.Context, req *protocol.RequestFrame) (*protocol.ResponseFrame, error) {
	s.got = req
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func newTestRepo(t *testing.T) *storage.Repository {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	repo, err := storage.Open(path)
	if err != nil {
		t.Fatalf("opening test repo: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestDispatcherResolveAliasSubdomainAndCustomHost(t *testing.T) {
	reg := registry.New()
	repo := newTestRepo(t)
	custom := map[string]string{"my.custom.example.com": "client-aaaaaaaaaaaa"}
	d := New(reg, repo, "tunnel.example.com", custom, 0)

	if got := d.resolveAlias("client-aaaaaaaaaaaa.tunnel.example.com"); got != "client-aaaaaaaaaaaa" {
		t.Fatalf("expected subdomain extraction, got %q", got)
	}
	if got := d.resolveAlias("my.custom.example.com:443"); got != "client-aaaaaaaaaaaa" {
		t.Fatalf("expected custom host mapping, got %q", got)
	}
}

func TestDispatcherUnknownAliasReturns400(t *testing.T) {
	reg := registry.New()
	repo := newTestRepo(t)
	d := New(reg, repo, "tunnel.example.com", nil, 0)

	r := httptest.NewRequest(http.MethodGet, "http://ghost-000000000000.tunnel.example.com/", nil)
	w := httptest.NewRecorder()
	d.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestDispatcherJSONRoundTrip(t *testing.T) {
	reg := registry.New()
	repo := newTestRepo(t)
	conn := &stubConn{resp: &protocol.ResponseFrame{
		Type:    protocol.TypeResponse,
		Status:  200,
		Headers: map[string][]string{"content-type": {"application/json"}},
		Body:    map[string]interface{}{"y": 2.0},
	}}
	if err := reg.Insert(&registry.Tunnel{ID: "t1", Alias: "client-000000000000", User: "anonymous", Port: 8000, Conn: conn}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	d := New(reg, repo, "tunnel.example.com", nil, 0)

	r := httptest.NewRequest(http.MethodPost, "http://client-000000000000.tunnel.example.com/api/echo", strings.NewReader(`{"x":1}`))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	d.ServeHTTP(w, r)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != `{"y":2}` {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
	if conn.got.Method != http.MethodPost || conn.got.Path != "/api/echo" {
		t.Fatalf("unexpected framed request: %+v", conn.got)
	}
}

func TestDispatcherAgentGoneReturns503(t *testing.T) {
	reg := registry.New()
	repo := newTestRepo(t)
	conn := &stubConn{err: context.Canceled}
	if err := reg.Insert(&registry.Tunnel{ID: "t1", Alias: "client-000000000000", User: "anonymous", Port: 8000, Conn: conn}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	d := New(reg, repo, "tunnel.example.com", nil, 0)

	r := httptest.NewRequest(http.MethodGet, "http://client-000000000000.tunnel.example.com/", nil)
	w := httptest.NewRecorder()
	d.ServeHTTP(w, r)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}
