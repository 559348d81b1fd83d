// Package dispatch implements the edge dispatcher (spec component C4): the
// public HTTP listener that resolves a host to an alias, frames the request
// onto the agent's control channel, waits for the correlated response, and
// emits it back to the public client.
package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Comzy-io/ComzyTunnel/internal/server/registry"
	"github.com/Comzy-io/ComzyTunnel/internal/storage"
	"github.com/Comzy-io/ComzyTunnel/pkg/protocol"
)

// DefaultDeadline is the SHOULD-implemented dispatch deadline from spec
// §4.4: on expiry the pending slot is dropped and the public client sees
// 504.
const DefaultDeadline = 60 * time.Second

// Dispatcher is the public HTTP handler for the edge listener.
type Dispatcher struct {
	registry    *registry.Registry
	repo        *storage.Repository
	baseDomain  string
	customHosts map[string]string // exact host -> alias
	deadline    time.Duration
	reqCounter  uint64
}

// New creates a Dispatcher. customHosts may be nil.
func New(reg *registry.Registry, repo *storage.Repository, baseDomain string, customHosts map[string]string, deadline time.Duration) *Dispatcher {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	return &Dispatcher{
		registry:    reg,
		repo:        repo,
		baseDomain:  baseDomain,
		customHosts: customHosts,
		deadline:    deadline,
	}
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	aliasStr := d.resolveAlias(r.Host)
	if aliasStr == "" {
		http.Error(w, "Invalid URL", http.StatusBadRequest)
		return
	}

	t, ok := d.registry.LookupByAlias(aliasStr)
	if !ok {
		http.Error(w, "Invalid URL", http.StatusBadRequest)
		return
	}

	req, bytesIn, err := d.buildRequestFrame(r)
	if err != nil {
		log.Printf("dispatch: failed to frame request for %s: %v", aliasStr, err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), d.deadline)
	defer cancel()

	resp, err := t.Conn.Dispatch(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			http.Error(w, "Gateway timeout", http.StatusGatewayTimeout)
		} else {
			http.Error(w, "Client not connected", http.StatusServiceUnavailable)
		}
		return
	}

	bytesOut := d.writeResponse(w, resp)

	d.logRequest(aliasStr, t.Port, r, resp, bytesIn, bytesOut, time.Since(start))
}

// resolveAlias implements spec §4.4 step 1: exact custom-domain match first,
// then the first label of the host.
func (d *Dispatcher) resolveAlias(host string) string {
	host = strings.Split(host, ":")[0]

	if a, ok := d.customHosts[host]; ok {
		return a
	}

	labels := strings.SplitN(host, ".", 2)
	if len(labels) == 0 || labels[0] == "" {
		return ""
	}
	return labels[0]
}

func (d *Dispatcher) nextID() string {
	n := atomic.AddUint64(&d.reqCounter, 1)
	return fmt.Sprintf("%d-%d", time.Now().UnixMilli(), n)
}

// buildRequestFrame implements spec §4.4 step 3.
func (d *Dispatcher) buildRequestFrame(r *http.Request) (*protocol.RequestFrame, int64, error) {
	req := &protocol.RequestFrame{
		Type:    protocol.TypeRequest,
		ID:      d.nextID(),
		Method:  r.Method,
		Path:    r.URL.RequestURI(),
		Headers: map[string][]string(r.Header),
	}

	contentType := r.Header.Get("Content-Type")
	mediaType, params, _ := mime.ParseMediaType(contentType)

	var bytesIn int64

	switch {
	case strings.HasPrefix(mediaType, "multipart/form-data"):
		boundary := params["boundary"]
		if boundary == "" {
			return nil, 0, fmt.Errorf("multipart request missing boundary")
		}
		mr := multipart.NewReader(r.Body, boundary)
		fields := map[string]interface{}{}
		var files []protocol.FileUpload
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, bytesIn, fmt.Errorf("reading multipart: %w", err)
			}
			data, err := io.ReadAll(part)
			if err != nil {
				return nil, bytesIn, fmt.Errorf("reading multipart part: %w", err)
			}
			bytesIn += int64(len(data))
			if part.FileName() != "" {
				files = append(files, protocol.FileUpload{
					Field:    part.FormName(),
					Filename: part.FileName(),
					MimeType: part.Header.Get("Content-Type"),
					Data:     data,
				})
			} else {
				fields[part.FormName()] = string(data)
			}
		}
		req.Body = fields
		req.Files = files

	case mediaType == "application/x-www-form-urlencoded":
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, 0, fmt.Errorf("reading form body: %w", err)
		}
		bytesIn = int64(len(body))
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, bytesIn, fmt.Errorf("parsing form body: %w", err)
		}
		form := map[string]interface{}{}
		for k, v := range values {
			if len(v) == 1 {
				form[k] = v[0]
			} else {
				form[k] = v
			}
		}
		req.Body = form

	case mediaType == "application/json":
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, 0, fmt.Errorf("reading json body: %w", err)
		}
		bytesIn = int64(len(body))
		var doc interface{}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &doc); err != nil {
				return nil, bytesIn, fmt.Errorf("parsing json body: %w", err)
			}
		}
		req.Body = doc

	default:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, 0, fmt.Errorf("reading raw body: %w", err)
		}
		bytesIn = int64(len(body))
		req.Body = body
	}

	// Headers contribute to bytes-in accounting per spec §3.
	for k, vs := range req.Headers {
		bytesIn += int64(len(k))
		for _, v := range vs {
			bytesIn += int64(len(v))
		}
	}

	return req, bytesIn, nil
}

// writeResponse implements spec §4.4 step 5 and returns the number of body
// bytes written, for the request log.
func (d *Dispatcher) writeResponse(w http.ResponseWriter, resp *protocol.ResponseFrame) int64 {
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}

	contentType := "application/json"
	if resp.Headers != nil {
		if vs := resp.Headers["content-type"]; len(vs) > 0 {
			contentType = vs[0]
		} else if vs := resp.Headers["Content-Type"]; len(vs) > 0 {
			contentType = vs[0]
		}
	}
	w.Header().Set("Content-Type", contentType)

	if bin, ok := asBinaryBody(resp.Body); ok {
		data, err := base64.StdEncoding.DecodeString(bin.Data)
		if err != nil {
			log.Printf("dispatch: malformed binary envelope: %v", err)
			w.WriteHeader(http.StatusInternalServerError)
			return 0
		}
		w.WriteHeader(status)
		n, _ := w.Write(data)
		return int64(n)
	}

	if strings.Contains(contentType, "application/json") {
		w.WriteHeader(status)
		out, err := json.Marshal(resp.Body)
		if err != nil {
			return 0
		}
		n, _ := w.Write(out)
		return int64(n)
	}

	w.WriteHeader(status)
	n, _ := io.WriteString(w, fmt.Sprintf("%v", resp.Body))
	return int64(n)
}

func asBinaryBody(body interface{}) (*protocol.BinaryBody, bool) {
	m, ok := body.(map[string]interface{})
	if !ok {
		return nil, false
	}
	t, _ := m["type"].(string)
	if t != "binary" {
		return nil, false
	}
	data, _ := m["data"].(string)
	return &protocol.BinaryBody{Type: t, Data: data}, true
}

func (d *Dispatcher) logRequest(aliasStr string, port int, r *http.Request, resp *protocol.ResponseFrame, bytesIn, bytesOut int64, _ time.Duration) {
	reportedPort := port
	if fp := r.Header.Get("X-Forwarded-Port"); fp != "" {
		if n, err := strconv.Atoi(fp); err == nil {
			reportedPort = n
		}
	} else {
		// No forwarding proxy sets X-Forwarded-Port in this deployment;
		// the field is always 0 without one. Preserved from the source.
		reportedPort = 0
	}

	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}

	entry := &storage.RequestLog{
		Alias:      aliasStr,
		Port:       reportedPort,
		Method:     r.Method,
		Path:       r.URL.Path,
		StatusCode: status,
		BytesIn:    bytesIn,
		BytesOut:   bytesOut,
	}
	if err := d.repo.LogRequest(entry); err != nil {
		log.Printf("dispatch: failed to log request: %v", err)
	}
}
