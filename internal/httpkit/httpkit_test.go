package httpkit

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewClient_DefaultTimeout(t *testing.T) {
	c := NewClient()
	if c.Timeout != 30*time.Second {
		t.Errorf("expected 30s timeout, got %v", c.Timeout)
	}
}

func TestNewClient_CustomTimeout(t *testing.T) {
	c := NewClient(WithTimeout(5 * time.Second))
	if c.Timeout != 5*time.Second {
		t.Errorf("expected 5s timeout, got %v", c.Timeout)
	}
}

func TestNewClient_UserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	defer srv.Close()

	tests := []struct {
		name   string
		opts   []ClientOption
		header string
		prefix string
	}{
		{"default", nil, "", "matomo-bridge/"},
		{"with timeout", []ClientOption{WithTimeout(time.Second)}, "", "matomo-bridge/"},
		{"request header wins", nil, "CustomBot/2.0", "CustomBot/2.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(tt.opts...)
			req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
			if tt.header != "" {
				req.Header.Set("User-Agent", tt.header)
			}
			resp, err := c.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if !strings.HasPrefix(string(body), tt.prefix) {
				t.Errorf("User-Agent = %q, want prefix %q", body, tt.prefix)
			}
		})
	}
}

func TestNewClient_InsecureSkipVerify(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()

	if resp, err := NewClient().Get(srv.URL); err == nil {
		resp.Body.Close()
		t.Error("self-signed certificate accepted without opt-in")
	}

	resp, err := NewClient(WithTLSInsecureSkipVerify()).Get(srv.URL)
	if err != nil {
		t.Fatalf("insecure client: %v", err)
	}
	resp.Body.Close()
}

func TestNewClient_NoRetryOnRefusedConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := srv.URL
	srv.Close()

	c := NewClient(WithTimeout(2 * time.Second))
	start := time.Now()
	_, err := c.Get(addr)
	if err == nil {
		t.Fatal("expected error for closed server")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("request took %v; a refused dial should fail fast without retry", elapsed)
	}
}

func TestNewTransport_HasTimeouts(t *testing.T) {
	tr := NewTransport()
	if tr.TLSHandshakeTimeout != DefaultTLSHandshakeTimeout {
		t.Errorf("TLSHandshakeTimeout: got %v, want %v", tr.TLSHandshakeTimeout, DefaultTLSHandshakeTimeout)
	}
	if tr.ResponseHeaderTimeout != DefaultResponseHeader {
		t.Errorf("ResponseHeaderTimeout: got %v, want %v", tr.ResponseHeaderTimeout, DefaultResponseHeader)
	}
	if tr.MaxIdleConnsPerHost != DefaultMaxIdleConnsPerHost {
		t.Errorf("MaxIdleConnsPerHost: got %d, want %d", tr.MaxIdleConnsPerHost, DefaultMaxIdleConnsPerHost)
	}
}

type failingReader struct{ closed bool }

func (f *failingReader) Read([]byte) (int, error) { return 0, errors.New("boom") }
func (f *failingReader) Close() error             { f.closed = true; return nil }

func TestReadErrorBody(t *testing.T) {
	if got := ReadErrorBody(nil, 10); got != "" {
		t.Errorf("nil body = %q, want empty", got)
	}

	got := ReadErrorBody(io.NopCloser(strings.NewReader("0123456789abcdef")), 10)
	if got != "0123456789" {
		t.Errorf("ReadErrorBody() = %q, want first 10 bytes", got)
	}

	fr := &failingReader{}
	got = ReadErrorBody(fr, 10)
	if !strings.Contains(got, "failed to read error body") {
		t.Errorf("ReadErrorBody(failing) = %q", got)
	}
	if !fr.closed {
		t.Error("expected body to be closed")
	}
}
