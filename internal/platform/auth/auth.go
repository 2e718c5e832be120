package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/animus-labs/experiment-results/internal/platform/env"
)

type Mode string

const (
	ModeGateway  Mode = "gateway"
	ModeDev      Mode = "dev"
	ModeDisabled Mode = "disabled"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Config struct {
	Mode Mode

	InternalSecret string
	MaxSkew        time.Duration

	DevSubject string
	DevEmail   string
	DevRoles   []string
}

func ConfigFromEnv() (Config, error) {
	modeRaw := strings.ToLower(strings.TrimSpace(env.String("RESULTS_AUTH_MODE", string(ModeGateway))))
	var mode Mode
	switch modeRaw {
	case string(ModeGateway):
		mode = ModeGateway
	case string(ModeDev):
		mode = ModeDev
	case string(ModeDisabled):
		mode = ModeDisabled
	default:
		return Config{}, fmt.Errorf("RESULTS_AUTH_MODE must be one of: gateway, dev, disabled (got %q)", modeRaw)
	}

	maxSkew, err := env.Duration("RESULTS_INTERNAL_AUTH_MAX_SKEW", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Mode:           mode,
		InternalSecret: env.String("ANIMUS_INTERNAL_AUTH_SECRET", ""),
		MaxSkew:        maxSkew,
		DevSubject:     env.String("DEV_AUTH_SUBJECT", "dev-user"),
		DevEmail:       env.String("DEV_AUTH_EMAIL", "dev-user@example.local"),
		DevRoles:       parseCSV(env.String("DEV_AUTH_ROLES", "admin")),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeGateway:
		if strings.TrimSpace(c.InternalSecret) == "" {
			return errors.New("ANIMUS_INTERNAL_AUTH_SECRET is required when RESULTS_AUTH_MODE=gateway")
		}
		if c.MaxSkew < 0 {
			return errors.New("RESULTS_INTERNAL_AUTH_MAX_SKEW must be >= 0")
		}
	case ModeDev:
		if strings.TrimSpace(c.DevSubject) == "" {
			return errors.New("DEV_AUTH_SUBJECT is required when RESULTS_AUTH_MODE=dev")
		}
		if len(c.DevRoles) == 0 {
			return errors.New("DEV_AUTH_ROLES must be non-empty when RESULTS_AUTH_MODE=dev")
		}
	case ModeDisabled:
	default:
		return fmt.Errorf("unsupported auth mode: %q", c.Mode)
	}
	return nil
}

type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

// NewAuthenticator builds the authenticator for cfg.Mode. Disabled mode
// returns nil; callers skip the middleware entirely.
func NewAuthenticator(cfg Config) (Authenticator, error) {
	switch cfg.Mode {
	case ModeGateway:
		a, err := NewGatewayHeadersAuthenticator(cfg.InternalSecret)
		if err != nil {
			return nil, err
		}
		a.MaxSkew = cfg.MaxSkew
		return a, nil
	case ModeDev:
		return StaticAuthenticator{Identity: Identity{
			Subject: cfg.DevSubject,
			Email:   cfg.DevEmail,
			Roles:   cfg.DevRoles,
		}}, nil
	case ModeDisabled:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode: %q", cfg.Mode)
	}
}

// StaticAuthenticator accepts every request as the same identity.
type StaticAuthenticator struct {
	Identity Identity
}

func (a StaticAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	return a.Identity, nil
}

type Identity struct {
	Subject string
	Email   string
	Roles   []string
}

type ctxKeyIdentity struct{}

func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	return v, ok
}

// Actor names the caller for audit records, falling back to "anonymous".
func Actor(ctx context.Context) string {
	identity, ok := IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.Subject) == "" {
		return "anonymous"
	}
	return strings.TrimSpace(identity.Subject)
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
