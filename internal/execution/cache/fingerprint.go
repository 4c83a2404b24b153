package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"reflect"
	"runtime"
	"strings"

	"github.com/animus-labs/animus-pipelines/internal/domain"
)

// Identity is the implementation identity of a step: its name, declared
// version and the Go symbol of its function. Closures share a symbol per
// declaration site, so behavior changes must bump Version.
func Identity(step domain.Step) string {
	return strings.Join([]string{step.Name, step.Version, funcSymbol(step.Func)}, "|")
}

func funcSymbol(fn domain.StepFunc) string {
	if fn == nil {
		return ""
	}
	pc := reflect.ValueOf(fn).Pointer()
	if f := runtime.FuncForPC(pc); f != nil {
		return f.Name()
	}
	return ""
}

// Fingerprint computes the cache fingerprint of one invocation. It returns an
// empty string when the policy disables caching. An error means the
// arguments cannot be encoded canonically and the invocation is uncacheable.
func Fingerprint(policy domain.CachePolicy, identity string, in domain.StepInput) (string, error) {
	switch policy {
	case domain.CachePolicyCodeHash:
		return digest([]byte("code\x00" + identity)), nil
	case domain.CachePolicyInputHash:
		args, err := canonicalArgs(in)
		if err != nil {
			return "", err
		}
		payload := append([]byte("input\x00"+identity+"\x00"), args...)
		return digest(payload), nil
	case domain.CachePolicyDisabled, domain.CachePolicyUnset:
		return "", nil
	default:
		return "", fmt.Errorf("cache policy unsupported: %q", policy)
	}
}

func digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
