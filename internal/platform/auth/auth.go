package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/animus-pipelines/internal/platform/env"
)

type Mode string

const (
	ModeOIDC     Mode = "oidc"
	ModeDisabled Mode = "disabled"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Config controls how the orchestrator API authenticates callers. Tokens are
// bearer JWTs issued by an OIDC provider; the audience is the client id the
// remote orchestrator clients request tokens for.
type Config struct {
	Mode Mode

	IssuerURL  string
	Audience   string
	RolesClaim string
	// SkipExpiryCheck is for test providers only.
	SkipExpiryCheck bool
}

func ConfigFromEnv() (Config, error) {
	modeRaw := strings.ToLower(strings.TrimSpace(env.String("ANIMUS_AUTH_MODE", string(ModeOIDC))))
	var mode Mode
	switch modeRaw {
	case string(ModeOIDC):
		mode = ModeOIDC
	case string(ModeDisabled):
		mode = ModeDisabled
	default:
		return Config{}, fmt.Errorf("ANIMUS_AUTH_MODE must be one of: oidc, disabled (got %q)", modeRaw)
	}
	skipExpiry, err := env.Bool("ANIMUS_OIDC_SKIP_EXPIRY_CHECK", false)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Mode:            mode,
		IssuerURL:       env.String("ANIMUS_OIDC_ISSUER_URL", ""),
		Audience:        env.String("ANIMUS_OIDC_AUDIENCE", ""),
		RolesClaim:      env.String("ANIMUS_AUTH_ROLES_CLAIM", "roles"),
		SkipExpiryCheck: skipExpiry,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.RolesClaim) == "" {
		return errors.New("ANIMUS_AUTH_ROLES_CLAIM is required")
	}
	switch c.Mode {
	case ModeOIDC:
		if strings.TrimSpace(c.IssuerURL) == "" {
			return errors.New("ANIMUS_OIDC_ISSUER_URL is required when ANIMUS_AUTH_MODE=oidc")
		}
		if strings.TrimSpace(c.Audience) == "" {
			return errors.New("ANIMUS_OIDC_AUDIENCE is required when ANIMUS_AUTH_MODE=oidc")
		}
	case ModeDisabled:
	default:
		return fmt.Errorf("unsupported auth mode: %q", c.Mode)
	}
	return nil
}

func parseCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		item := strings.ToLower(strings.TrimSpace(part))
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
