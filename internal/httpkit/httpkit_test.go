package httpkit

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func echoHeader(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get(name)))
	}
}

func get(t *testing.T, c *http.Client, req *http.Request) string {
	t.Helper()
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestNewClient_Timeouts(t *testing.T) {
	tests := []struct {
		name string
		opts []ClientOption
		want time.Duration
	}{
		{"default", nil, 30 * time.Second},
		{"custom", []ClientOption{WithTimeout(5 * time.Second)}, 5 * time.Second},
		{"streaming", []ClientOption{WithTimeout(0)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(tt.opts...)
			if c.Timeout != tt.want {
				t.Errorf("Timeout = %v, want %v", c.Timeout, tt.want)
			}
		})
	}
}

func TestNewClient_DefaultUserAgent(t *testing.T) {
	srv := httptest.NewServer(echoHeader("User-Agent"))
	defer srv.Close()

	req, _ := http.NewRequest("GET", srv.URL, nil)
	if got := get(t, NewClient(), req); !strings.HasPrefix(got, "Plotrix/") {
		t.Errorf("expected Plotrix/ prefix, got %q", got)
	}
}

func TestNewClient_UserAgentOverrides(t *testing.T) {
	srv := httptest.NewServer(echoHeader("User-Agent"))
	defer srv.Close()

	req, _ := http.NewRequest("GET", srv.URL, nil)
	if got := get(t, NewClient(WithUserAgent("TestBot/1.0")), req); got != "TestBot/1.0" {
		t.Errorf("expected TestBot/1.0, got %q", got)
	}

	req, _ = http.NewRequest("GET", srv.URL, nil)
	req.Header.Set("User-Agent", "CustomBot/2.0")
	if got := get(t, NewClient(), req); got != "CustomBot/2.0" {
		t.Errorf("existing User-Agent overwritten: got %q", got)
	}

	req, _ = http.NewRequest("GET", srv.URL, nil)
	if got := get(t, NewClient(WithoutUserAgent()), req); strings.HasPrefix(got, "Plotrix/") {
		t.Errorf("expected no Plotrix/ prefix with WithoutUserAgent, got %q", got)
	}
}

func TestNewClient_WithHeaders(t *testing.T) {
	srv := httptest.NewServer(echoHeader("X-Api-Tenant"))
	defer srv.Close()

	c := NewClient(WithHeaders(map[string]string{"X-Api-Tenant": "table-7"}))

	req, _ := http.NewRequest("GET", srv.URL, nil)
	req.Header.Set("X-Api-Tenant", "caller")
	if got := get(t, c, req); got != "table-7" {
		t.Errorf("configured header should win, got %q", got)
	}
	if req.Header.Get("X-Api-Tenant") != "caller" {
		t.Error("original request was mutated")
	}
}

func TestNewClient_WithHeadersEmpty(t *testing.T) {
	c := NewClient(WithHeaders(nil))
	if _, ok := c.Transport.(*headerTransport); ok {
		t.Error("empty header map should not install headerTransport")
	}
}

func TestNewClient_ResponseHeaderTimeout(t *testing.T) {
	tr := NewTransport()
	NewClient(WithTransport(tr), WithResponseHeaderTimeout(3*time.Second))
	if tr.ResponseHeaderTimeout != 3*time.Second {
		t.Errorf("ResponseHeaderTimeout = %v, want 3s", tr.ResponseHeaderTimeout)
	}
}

func TestNewTransport_HasTimeouts(t *testing.T) {
	tr := NewTransport()
	if tr.TLSHandshakeTimeout != DefaultTLSHandshakeTimeout {
		t.Errorf("TLSHandshakeTimeout: got %v, want %v", tr.TLSHandshakeTimeout, DefaultTLSHandshakeTimeout)
	}
	if tr.IdleConnTimeout != DefaultIdleConnTimeout {
		t.Errorf("IdleConnTimeout: got %v, want %v", tr.IdleConnTimeout, DefaultIdleConnTimeout)
	}
	if tr.MaxIdleConnsPerHost != DefaultMaxIdleConnsPerHost {
		t.Errorf("MaxIdleConnsPerHost: got %d, want %d", tr.MaxIdleConnsPerHost, DefaultMaxIdleConnsPerHost)
	}
}

func TestNewClient_TLSInsecureSkipVerify(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("secure"))
	}))
	defer srv.Close()

	strict := NewClient(WithTimeout(2 * time.Second))
	if _, err := strict.Get(srv.URL); err == nil {
		t.Fatal("expected TLS error with strict client")
	}

	insecure := NewClient(WithTimeout(2*time.Second), WithTLSInsecureSkipVerify())
	req, _ := http.NewRequest("GET", srv.URL, nil)
	if got := get(t, insecure, req); got != "secure" {
		t.Errorf("expected 'secure', got %q", got)
	}
}

func TestReadErrorBody(t *testing.T) {
	tests := []struct {
		name  string
		rc    io.ReadCloser
		limit int64
		want  string
	}{
		{"full", io.NopCloser(strings.NewReader("error details here")), 512, "error details here"},
		{"truncated", io.NopCloser(strings.NewReader(strings.Repeat("x", 1000))), 10, strings.Repeat("x", 10)},
		{"nil", nil, 512, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ReadErrorBody(tt.rc, tt.limit); got != tt.want {
				t.Errorf("ReadErrorBody() = %q, want %q", got, tt.want)
			}
		})
	}
}

type failReader struct{}

func (failReader) Read([]byte) (int, error) {
	return 0, fmt.Errorf("simulated read error")
}

func TestReadErrorBody_Error(t *testing.T) {
	got := ReadErrorBody(io.NopCloser(failReader{}), 512)
	if !strings.Contains(got, "failed to read") {
		t.Errorf("expected failure message, got %q", got)
	}
}

func TestDrainAndClose(t *testing.T) {
	DrainAndClose(io.NopCloser(strings.NewReader("hello world")), 1024)
	DrainAndClose(nil, 1024)
}

func TestIsSuccess(t *testing.T) {
	for code, want := range map[int]bool{199: false, 200: true, 202: true, 299: true, 300: false, 500: false} {
		if got := IsSuccess(code); got != want {
			t.Errorf("IsSuccess(%d) = %v, want %v", code, got, want)
		}
	}
}
