package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Identity headers set by the platform gateway after it has authenticated the
// caller. The signature binds them to the request line and request id.
const (
	HeaderSubject = "X-Animus-Subject"
	HeaderEmail   = "X-Animus-Email"
	HeaderRoles   = "X-Animus-Roles"

	HeaderInternalAuthTimestamp = "X-Animus-Auth-Ts"
	HeaderInternalAuthSignature = "X-Animus-Auth-Sig"
)

type GatewayHeadersAuthenticator struct {
	Secret  string
	MaxSkew time.Duration
	Now     func() time.Time
}

func NewGatewayHeadersAuthenticator(secret string) (*GatewayHeadersAuthenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("ANIMUS_INTERNAL_AUTH_SECRET is required")
	}
	return &GatewayHeadersAuthenticator{
		Secret:  secret,
		MaxSkew: 5 * time.Minute,
	}, nil
}

func (a *GatewayHeadersAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	subject := strings.TrimSpace(r.Header.Get(HeaderSubject))
	ts := strings.TrimSpace(r.Header.Get(HeaderInternalAuthTimestamp))
	sig := strings.TrimSpace(r.Header.Get(HeaderInternalAuthSignature))
	if subject == "" || ts == "" || sig == "" {
		return Identity{}, ErrUnauthenticated
	}
	email := strings.TrimSpace(r.Header.Get(HeaderEmail))
	rolesRaw := strings.TrimSpace(r.Header.Get(HeaderRoles))

	now := time.Now().UTC()
	if a.Now != nil {
		now = a.Now().UTC()
	}
	if err := VerifyTimestamp(ts, now, a.MaxSkew); err != nil {
		return Identity{}, err
	}
	req := SignedRequest{
		Timestamp: ts,
		Method:    r.Method,
		Path:      r.URL.Path,
		RequestID: r.Header.Get("X-Request-Id"),
		Subject:   subject,
		Email:     email,
		Roles:     rolesRaw,
	}
	if err := req.Verify(a.Secret, sig); err != nil {
		return Identity{}, err
	}

	return Identity{
		Subject: subject,
		Email:   email,
		Roles:   parseCSV(rolesRaw),
	}, nil
}

// SignedRequest is the canonical input of the gateway signature.
type SignedRequest struct {
	Timestamp string
	Method    string
	Path      string
	RequestID string
	Subject   string
	Email     string
	Roles     string
}

func (s SignedRequest) canonical() string {
	return strings.Join([]string{
		strings.TrimSpace(s.Timestamp),
		strings.ToUpper(strings.TrimSpace(s.Method)),
		strings.TrimSpace(s.Path),
		strings.TrimSpace(s.RequestID),
		strings.TrimSpace(s.Subject),
		strings.TrimSpace(s.Email),
		strings.TrimSpace(s.Roles),
	}, "\n")
}

func (s SignedRequest) Sign(secret string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("internal auth secret is required")
	}
	if strings.TrimSpace(s.Timestamp) == "" {
		return "", errors.New("timestamp is required")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte(s.canonical())); err != nil {
		return "", fmt.Errorf("hmac: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

func (s SignedRequest) Verify(secret, signature string) error {
	expected, err := s.Sign(secret)
	if err != nil {
		return err
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return errors.New("signature is required")
	}
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errors.New("invalid signature")
	}
	return nil
}

// VerifyTimestamp checks a unix-seconds timestamp against now. A non-positive
// maxSkew disables the window check.
func VerifyTimestamp(ts string, now time.Time, maxSkew time.Duration) error {
	parsed, err := strconv.ParseInt(strings.TrimSpace(ts), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	if maxSkew <= 0 {
		return nil
	}
	tsTime := time.Unix(parsed, 0).UTC()
	if tsTime.After(now.Add(maxSkew)) || tsTime.Before(now.Add(-maxSkew)) {
		return errors.New("timestamp outside allowed skew")
	}
	return nil
}
