// Package admission implements the in-process side of optional socket
// admission: a registry of admin-issued user tokens and the isAdmitted(...)
// predicate the server front-end consults before upgrading a socket.
//
// Issuing and revoking tokens is ordinarily driven by an admin HTTP endpoint;
// that endpoint is an external collaborator outside this module's scope, and
// no handler in this repository calls Issue/Revoke over HTTP (cmd/signalreld
// only issues the configured admin token at startup). This package owns only
// the registry and the predicate.
package admission

import (
	"crypto/subtle"
	"net/url"
	"sync"
)

// Registry holds the set of currently-valid user tokens. An empty Registry
// admits no token; admitting every socket when no admin token is configured
// is Gate's job, not Registry's.
type Registry struct {
	mu     sync.RWMutex
	tokens map[string]struct{}
}

// NewRegistry constructs an empty token registry.
func NewRegistry() *Registry {
	return &Registry{tokens: make(map[string]struct{})}
}

// Issue adds token to the set of admitted user tokens. Issuing an
// already-present token is a no-op.
func (r *Registry) Issue(token string) {
	if token == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token] = struct{}{}
}

// Revoke removes token from the set of admitted user tokens. Revoking an
// absent token is a no-op.
func (r *Registry) Revoke(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, token)
}

// Count reports how many tokens are currently issued, for metrics and tests.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tokens)
}

// Admit reports whether token is currently valid. Lookups use a
// constant-time comparison per candidate to avoid leaking token length or
// prefix via timing; the number of candidates is small (operator-issued
// tokens, not a hot path).
func (r *Registry) Admit(token string) bool {
	if token == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for candidate := range r.tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(candidate)) == 1 {
			return true
		}
	}
	return false
}

// Gate decides whether an incoming socket should be admitted. With no admin
// token configured, every socket is admitted unconditionally. Otherwise the
// request's userToken query parameter must name a token currently issued by
// Registry.
type Gate struct {
	adminTokenConfigured bool
	registry             *Registry
}

// NewGate builds a Gate. adminTokenConfigured mirrors config.Config's
// optional adminToken: when false, IsAdmitted always returns true and
// registry is never consulted.
func NewGate(adminTokenConfigured bool, registry *Registry) *Gate {
	return &Gate{adminTokenConfigured: adminTokenConfigured, registry: registry}
}

// UserTokenFromQuery extracts the userToken query parameter used for
// admission, mirroring auth.CredentialFromQuery's shape for the simpler
// single-parameter case this protocol uses.
func UserTokenFromQuery(q url.Values) string {
	return q.Get("userToken")
}

// IsAdmitted implements the core's isAdmitted(request) -> bool predicate
// (spec §6).
func (g *Gate) IsAdmitted(q url.Values) bool {
	if !g.adminTokenConfigured {
		return true
	}
	return g.registry.Admit(UserTokenFromQuery(q))
}
