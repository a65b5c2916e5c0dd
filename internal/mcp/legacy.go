package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/AliyahZombie/Plotrix/internal/config"
	"github.com/AliyahZombie/Plotrix/internal/httpkit"
)

// inboxSize bounds the messages buffered between the receiver goroutine
// and a waiting Send.
const inboxSize = 64

// LegacySSETransport implements the HTTP+SSE transport that predates
// streamable HTTP. A background receiver holds a GET event stream open;
// the server announces a POST endpoint on it with an "endpoint" event
// and then delivers JSON-RPC replies as data events.
//
// Only one Send is in flight at a time. Inbound messages that do not
// answer the pending request are discarded.
type LegacySSETransport struct {
	sseURL          string
	protocolVersion string
	timeout         time.Duration
	postClient      *http.Client
	streamClient    *http.Client
	logger          *slog.Logger

	inbox  chan *Response
	ready  chan struct{} // closed once the endpoint is known
	done   chan struct{} // closed when the receiver exits
	closed chan struct{}
	cancel context.CancelFunc

	callMu    sync.Mutex
	closeOnce sync.Once

	mu        sync.RWMutex
	endpoint  string
	sessionID string
	recvErr   error
}

// legacySSEURL derives the event stream URL from a configured base.
func legacySSEURL(base string) string {
	u := strings.TrimRight(base, "/")
	if strings.HasSuffix(u, "/sse") {
		return u
	}
	return u + "/sse"
}

// NewLegacySSETransport opens the event stream and waits up to
// cfg.EndpointWait for the endpoint announcement. If the wait elapses the
// transport is still returned; its calls fail with
// [ErrEndpointNotDiscovered] until the endpoint arrives. An error is
// returned only when the stream fails before the endpoint is known.
//
// The receiver outlives ctx; it stops when Close is called.
func NewLegacySSETransport(ctx context.Context, cfg TransportConfig) (*LegacySSETransport, error) {
	wait := cfg.EndpointWait
	if wait <= 0 {
		wait = defaultEndpointWait
	}

	recvCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &LegacySSETransport{
		sseURL:          legacySSEURL(cfg.URL),
		protocolVersion: cfg.ProtocolVersion,
		timeout:         cfg.Timeout,
		postClient:      cfg.httpClient(cfg.Timeout),
		streamClient:    cfg.httpClient(0),
		logger:          cfg.logger(),
		inbox:           make(chan *Response, inboxSize),
		ready:           make(chan struct{}),
		done:            make(chan struct{}),
		closed:          make(chan struct{}),
		cancel:          cancel,
	}
	go t.receive(recvCtx)

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-t.ready:
		return t, nil
	case <-t.done:
		err := t.receiverErr()
		t.Close()
		if err == nil {
			err = fmt.Errorf("event stream %s closed before endpoint event", t.sseURL)
		}
		return nil, err
	case <-timer.C:
		t.logger.Warn("legacy sse endpoint not announced in time", "wait", wait)
		return t, nil
	case <-ctx.Done():
		t.Close()
		return nil, ctx.Err()
	}
}

// Kind reports [KindLegacySSE].
func (t *LegacySSETransport) Kind() string { return KindLegacySSE }

// Endpoint returns the announced POST endpoint, or "" if not yet known.
func (t *LegacySSETransport) Endpoint() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.endpoint
}

func (t *LegacySSETransport) receiverErr() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.recvErr
}

func (t *LegacySSETransport) session() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

func (t *LegacySSETransport) captureSession(resp *http.Response) {
	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}
}

// receive runs the event stream until it ends or ctx is cancelled.
// A dropped connection is recorded, never propagated; pending calls
// time out.
func (t *LegacySSETransport) receive(ctx context.Context) {
	defer close(t.done)
	err := t.stream(ctx)
	if err != nil && ctx.Err() == nil {
		t.logger.Warn("legacy sse receiver stopped", "error", err)
	}
	t.mu.Lock()
	t.recvErr = err
	t.mu.Unlock()
}

func (t *LegacySSETransport) stream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.sseURL, nil)
	if err != nil {
		return fmt.Errorf("create HTTP request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if t.protocolVersion != "" {
		req.Header.Set("MCP-Protocol-Version", t.protocolVersion)
	}
	if sid := t.session(); sid != "" {
		req.Header.Set("Mcp-Session-Id", sid)
	}

	resp, err := t.streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request to %s: %w", t.sseURL, err)
	}
	t.captureSession(resp)
	if !httpkit.IsSuccess(resp.StatusCode) {
		errBody := httpkit.ReadErrorBody(resp.Body, 1<<20)
		return fmt.Errorf("http %d: %s", resp.StatusCode, errBody)
	}
	defer resp.Body.Close()

	return ReadEvents(resp.Body, func(ev Event) bool {
		if ctx.Err() != nil {
			return false
		}
		if ev.Name == "endpoint" {
			t.setEndpoint(strings.TrimSpace(ev.Data))
			return true
		}
		data := strings.TrimSpace(ev.Data)
		if data == "" {
			return true
		}
		m, err := decodeResponse([]byte(data))
		if err != nil {
			t.logger.Debug("skipping unparseable sse event", "error", err)
			return true
		}
		t.logger.Log(ctx, config.LevelTrace, "mcp sse message", "data", data)
		select {
		case t.inbox <- m:
			return true
		case <-ctx.Done():
			return false
		}
	})
}

// setEndpoint resolves ep against the stream URL. Only the first
// announcement is honoured.
func (t *LegacySSETransport) setEndpoint(ep string) {
	if ep == "" {
		return
	}
	base, err := url.Parse(t.sseURL + "/")
	if err != nil {
		return
	}
	ref, err := url.Parse(ep)
	if err != nil {
		t.logger.Warn("invalid legacy sse endpoint", "endpoint", ep, "error", err)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.endpoint != "" {
		return
	}
	t.endpoint = base.ResolveReference(ref).String()
	t.logger.Debug("legacy sse endpoint discovered", "endpoint", t.endpoint)
	close(t.ready)
}

// Send posts req to the announced endpoint and waits for the response
// with the same id on the event stream, up to the server timeout.
func (t *LegacySSETransport) Send(ctx context.Context, req *Request) (*Response, error) {
	t.callMu.Lock()
	defer t.callMu.Unlock()

	if err := t.post(ctx, req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	for {
		select {
		case m := <-t.inbox:
			if !m.IsResponse() {
				continue
			}
			if id, ok := m.IDInt(); ok && id == req.ID {
				return m, nil
			}
			t.logger.Debug("discarding unrelated sse message", "id", string(m.ID), "want", req.ID)
		case <-timer.C:
			return nil, fmt.Errorf("%w: id=%d after %s", ErrTimeout, req.ID, t.timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.closed:
			return nil, ErrClosed
		}
	}
}

// Notify posts a notification to the announced endpoint.
func (t *LegacySSETransport) Notify(ctx context.Context, notif *Notification) error {
	return t.post(ctx, notif)
}

func (t *LegacySSETransport) post(ctx context.Context, msg any) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	endpoint := t.Endpoint()
	if endpoint == "" {
		return ErrEndpointNotDiscovered
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	t.logger.Log(ctx, config.LevelTrace, "mcp request", "body", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create HTTP request: %w", err)
	}
	setHeaders(httpReq, "application/json", t.protocolVersion, t.session())

	httpResp, err := t.postClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request to %s: %w", endpoint, err)
	}
	t.captureSession(httpResp)
	if !httpkit.IsSuccess(httpResp.StatusCode) {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 1<<20)
		return fmt.Errorf("http %d: %s", httpResp.StatusCode, errBody)
	}
	httpkit.DrainAndClose(httpResp.Body, 1<<20)
	return nil
}

// Close stops the receiver and waits for it to exit.
func (t *LegacySSETransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.cancel()
	})
	<-t.done
	return nil
}
