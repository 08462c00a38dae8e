package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	appctx "github.com/voxrelay/voxrelay/internal/pkg/context"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name    string
		inbound string
	}{
		{"generated", ""},
		{"propagated", "req-from-proxy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = appctx.GetRequestID(r.Context())
			}))

			req := httptest.NewRequest("GET", "/healthz", nil)
			if tt.inbound != "" {
				req.Header.Set(RequestIDHeader, tt.inbound)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if seen == "" {
				t.Fatal("request ID missing from context")
			}
			if tt.inbound != "" && seen != tt.inbound {
				t.Errorf("request ID = %q, want %q", seen, tt.inbound)
			}
			if got := w.Header().Get(RequestIDHeader); got != seen {
				t.Errorf("response header = %q, want %q", got, seen)
			}
		})
	}
}
