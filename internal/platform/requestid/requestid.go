package requestid

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
)

// Header carries the request id across service hops.
const Header = "X-Request-Id"

type ctxKey struct{}

func New() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func WithContext(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKey{}).(string)
	return v, ok && v != ""
}

// Propagate copies the request id stored in ctx onto an outgoing request.
func Propagate(ctx context.Context, req *http.Request) {
	if id, ok := FromContext(ctx); ok && strings.TrimSpace(req.Header.Get(Header)) == "" {
		req.Header.Set(Header, id)
	}
}
