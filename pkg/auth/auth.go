// Package auth verifies API keys and resolves them to tenant principals.
// Keys are configured statically from the environment; an external identity
// service can replace the Verifier without touching the gateway.
package auth

import (
	"crypto/subtle"
	"fmt"
	"strings"
)

// ScopeTranscribe is required to submit jobs and open streaming sessions.
const ScopeTranscribe = "transcribe"

// ScopeAdmin is required for webhook endpoint management.
const ScopeAdmin = "admin"

// Principal is the authenticated caller.
type Principal struct {
	TenantID string
	Scopes   []string
}

// HasScope reports whether the principal carries a scope.
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Verifier resolves an API key to a principal.
type Verifier interface {
	Verify(key string) (*Principal, bool)
}

// StaticVerifier holds env-configured keys.
type StaticVerifier struct {
	keys map[string]*Principal
}

// ParseKeys builds a verifier from the configured key spec:
// "key:tenant:scope|scope,key:tenant:scope". An empty spec yields a verifier
// that rejects everything.
func ParseKeys(spec string) (*StaticVerifier, error) {
	v := &StaticVerifier{keys: make(map[string]*Principal)}
	if spec == "" {
		return v, nil
	}
	for _, entry := range strings.Split(spec, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("malformed API key entry %q", entry)
		}
		v.keys[parts[0]] = &Principal{
			TenantID: parts[1],
			Scopes:   strings.Split(parts[2], "|"),
		}
	}
	return v, nil
}

// Verify resolves a key in constant time per candidate.
func (v *StaticVerifier) Verify(key string) (*Principal, bool) {
	for candidate, principal := range v.keys {
		if len(candidate) == len(key) &&
			subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			return principal, true
		}
	}
	return nil, false
}
