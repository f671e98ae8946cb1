package gateway

import (
	"crypto/subtle"
	"net/http"
	"slices"
	"strings"

	"orchestra-ai/internal/domain"
)

// Gateway roles.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// ClientInfo holds metadata about an authenticated gateway client.
type ClientInfo struct {
	Name  string
	Roles []string
}

// HasRole reports whether the client holds any of the given roles.
// A client without roles is treated as admin.
func (c *ClientInfo) HasRole(roles ...string) bool {
	if len(c.Roles) == 0 {
		return true
	}
	for _, r := range roles {
		if slices.Contains(c.Roles, r) {
			return true
		}
	}
	return false
}

// Authenticator validates incoming gateway connections.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

// TokenEntry is one configured bearer token.
type TokenEntry struct {
	Token string
	Name  string
	Roles []string
}

type authEntry struct {
	token []byte
	info  *ClientInfo
}

// StaticTokenAuth authenticates clients against a static token list
// using constant-time comparison to prevent timing attacks.
type StaticTokenAuth struct {
	entries []authEntry
}

// NewStaticTokenAuth builds an authenticator from a set of token entries.
func NewStaticTokenAuth(entries []TokenEntry) *StaticTokenAuth {
	a := &StaticTokenAuth{
		entries: make([]authEntry, len(entries)),
	}
	for i, e := range entries {
		a.entries[i] = authEntry{
			token: []byte(e.Token),
			info:  &ClientInfo{Name: e.Name, Roles: slices.Clone(e.Roles)},
		}
	}
	return a
}

// Authenticate returns client info if the token is valid.
func (s *StaticTokenAuth) Authenticate(token string) (*ClientInfo, error) {
	if token == "" {
		return nil, domain.ErrGatewayAuthFailed
	}
	tokenBytes := []byte(token)
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(tokenBytes, e.token) == 1 {
			return e.info, nil
		}
	}
	return nil, domain.ErrGatewayAuthFailed
}

// OpenAuth admits every caller as an anonymous admin. It is used when no
// tokens are configured, which config validation only allows on loopback.
type OpenAuth struct{}

// Authenticate always succeeds.
func (OpenAuth) Authenticate(string) (*ClientInfo, error) {
	return &ClientInfo{Name: "anonymous"}, nil
}

// bearerToken extracts the caller token from the query string or the
// Authorization header.
func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}
