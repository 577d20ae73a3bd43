// Package auth matches bearer tokens on the status API against configured
// tokens and their scopes.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Scopes understood by the status API.
const (
	ScopeStatus = "status:ro"
	ScopeEvents = "events:ro"
	ScopeRuns   = "runs:ro"
	ScopeAll    = "*"
)

// KnownScopes lists every accepted scope name.
func KnownScopes() []string {
	return []string{ScopeStatus, ScopeEvents, ScopeRuns, ScopeAll}
}

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

// Principal is an authenticated caller. Name identifies the matching token
// in logs without exposing it.
type Principal struct {
	Name   string
	Scopes map[string]struct{}
}

// Open is the principal of every request when no tokens are configured.
func Open() Principal {
	return Principal{Name: "open", Scopes: map[string]struct{}{ScopeAll: {}}}
}

// Allows reports whether p holds at least one of required.
func (p Principal) Allows(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.Scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
	}
	return false
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing Authorization header")
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", errors.New("invalid Authorization header format")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

// Authenticate matches a presented bearer token against configured tokens.
// Every configured token is compared so the time taken does not reveal
// which one matched. A token without scopes is granted everything.
func Authenticate(presented string, tokens []TokenConfig) (Principal, bool) {
	match := -1
	for i, t := range tokens {
		if presented == "" || t.Token == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(t.Token)) == 1 && match < 0 {
			match = i
		}
	}
	if match < 0 {
		return Principal{}, false
	}

	scopes := make(map[string]struct{}, len(tokens[match].Scopes))
	for _, s := range tokens[match].Scopes {
		if s = strings.TrimSpace(s); s != "" {
			scopes[s] = struct{}{}
		}
	}
	if len(scopes) == 0 {
		scopes[ScopeAll] = struct{}{}
	}
	return Principal{Name: fmt.Sprintf("token#%d", match+1), Scopes: scopes}, true
}
