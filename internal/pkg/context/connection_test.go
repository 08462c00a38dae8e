package context

import (
	"context"
	"testing"
)

func TestConnectionID(t *testing.T) {
	ctx := context.Background()
	if got := GetConnectionID(ctx); got != "" {
		t.Errorf("GetConnectionID(empty) = %q, want empty", got)
	}

	ctx = WithConnectionID(ctx, "conn-1")
	if got := GetConnectionID(ctx); got != "conn-1" {
		t.Errorf("GetConnectionID() = %q, want conn-1", got)
	}
}

func TestRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-42")
	if got := GetRequestID(ctx); got != "req-42" {
		t.Errorf("GetRequestID() = %q, want req-42", got)
	}
	if got := GetConnectionID(ctx); got != "" {
		t.Errorf("GetConnectionID() = %q, want empty", got)
	}
}
