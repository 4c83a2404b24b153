package requestid

import (
	"context"
	"encoding/hex"
	"net/http"
	"testing"
)

func TestNew(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	if len(id) != 32 {
		t.Fatalf("New() len=%d, want 32", len(id))
	}
	if _, err := hex.DecodeString(id); err != nil {
		t.Fatalf("New()=%q not hex: %v", id, err)
	}
}

func TestPropagate(t *testing.T) {
	ctx := WithContext(context.Background(), "req-1")
	req, err := http.NewRequest(http.MethodGet, "http://example.invalid", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	Propagate(ctx, req)
	if got := req.Header.Get(Header); got != "req-1" {
		t.Fatalf("header=%q, want req-1", got)
	}

	if _, ok := FromContext(context.Background()); ok {
		t.Fatalf("expected no id in empty context")
	}
}
