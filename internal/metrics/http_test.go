package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHTTPMiddleware(t *testing.T) {
	m := newTestMetrics()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/gateway/message" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte("ok"))
	})
	wrapped := HTTPMiddleware(m, handler)

	for _, path := range []string{"/healthz", "/healthz", "/v1/gateway/message", "/nope/123"} {
		wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, path, nil))
	}

	tests := []struct {
		path   string
		status string
		want   float64
	}{
		{"/healthz", "200", 2},
		{"/v1/gateway/message", "400", 1},
		{"other", "200", 1},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues(http.MethodPost, tt.path, tt.status))
			if got != tt.want {
				t.Errorf("requests{%s,%s} = %v, want %v", tt.path, tt.status, got, tt.want)
			}
		})
	}

	if got := testutil.ToFloat64(m.HTTPRequestsInFlight); got != 0 {
		t.Errorf("in-flight = %v, want 0", got)
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"/", "/"},
		{"/ws", "/ws"},
		{"/healthz", "/healthz"},
		{"/metrics", "/metrics"},
		{"/v1/gateway/connect", "/v1/gateway/connect"},
		{"/v1/gateway/message", "/v1/gateway/message"},
		{"/v1/gateway/abc123", "/v1/gateway/{other}"},
		{"/random/path", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := normalizePath(tt.input); got != tt.expected {
				t.Errorf("normalizePath(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		code     int
		expected string
	}{
		{200, "200"},
		{101, "101"},
		{201, "2xx"},
		{302, "3xx"},
		{418, "4xx"},
		{429, "429"},
		{504, "5xx"},
		{999, "999"},
	}

	for _, tt := range tests {
		if got := statusCode(tt.code); got != tt.expected {
			t.Errorf("statusCode(%d) = %q, want %q", tt.code, got, tt.expected)
		}
	}
}
