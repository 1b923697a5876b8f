package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// usableBuffer is subtracted from the access-token expiry so a session is
// never handed to a multi-minute checkout flow right before it dies.
const usableBuffer = 5 * time.Minute

// eg1Prefix marks the store's JWT-bearing session cookie value.
const eg1Prefix = "eg1~"

// Session holds the authenticated identity: tokens, expiries and any
// auxiliary cookies extracted alongside them. It is mutated in place on
// refresh and persisted by the SessionStore after every token change. The
// checkout flow only ever reads the access token.
type Session struct {
	AccessToken      string            `json:"access_token"`
	RefreshToken     string            `json:"refresh_token"`
	AccountID        string            `json:"account_id"`
	DisplayName      string            `json:"display_name"`
	ExpiresAt        time.Time         `json:"expires_at"`
	RefreshExpiresAt time.Time         `json:"refresh_expires_at"`
	Cookies          map[string]string `json:"cookies,omitempty"`
}

// IsUsable reports whether the access token can still carry a full run.
func (s *Session) IsUsable() bool {
	if s == nil || s.AccessToken == "" || s.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Before(s.ExpiresAt.Add(-usableBuffer))
}

// CanRefresh reports whether the refresh token is present and alive.
func (s *Session) CanRefresh() bool {
	if s == nil || s.RefreshToken == "" || s.RefreshExpiresAt.IsZero() {
		return false
	}
	return time.Now().Before(s.RefreshExpiresAt)
}

// TimeUntilExpiry returns the remaining access-token lifetime, floored at zero.
func (s *Session) TimeUntilExpiry() time.Duration {
	if s == nil || s.ExpiresAt.IsZero() {
		return 0
	}
	remaining := time.Until(s.ExpiresAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ApplyToken updates the session in place from a token endpoint response.
func (s *Session) ApplyToken(tr *TokenResponse) {
	now := time.Now()
	s.AccessToken = tr.AccessToken
	s.RefreshToken = tr.RefreshToken
	if tr.AccountID != "" {
		s.AccountID = tr.AccountID
	}
	if tr.DisplayName != "" {
		s.DisplayName = tr.DisplayName
	}
	s.ExpiresAt = now.Add(time.Duration(tr.ExpiresIn) * time.Second)
	s.RefreshExpiresAt = now.Add(time.Duration(tr.RefreshExpires) * time.Second)
}

// SessionFromEG1 builds a Session from an eg1~ session-cookie value by
// decoding the embedded JWT payload. The signature is not verified: the
// token is only trusted as far as the account service accepts it later.
func SessionFromEG1(raw string) (*Session, error) {
	if !strings.HasPrefix(raw, eg1Prefix) {
		return nil, fmt.Errorf("token missing %q prefix", eg1Prefix)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimPrefix(raw, eg1Prefix), claims); err != nil {
		return nil, fmt.Errorf("decode eg1 token: %w", err)
	}

	s := &Session{
		AccessToken: raw,
		Cookies:     map[string]string{sessionCookieName: raw},
	}
	if sub, ok := claims["sub"].(string); ok {
		s.AccountID = sub
	}
	if dn, ok := claims["dn"].(string); ok {
		s.DisplayName = dn
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		s.ExpiresAt = exp.Time
	}
	return s, nil
}
