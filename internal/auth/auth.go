// Package auth guards the admin HTTP surface with shared bearer tokens.
// Each token carries a set of scopes; storage and rotation stay with the
// caller.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var (
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrForbidden    = errors.New("auth: token lacks scope")
)

// Scope is a set of admin permissions.
type Scope uint8

const (
	// ScopeRead inspects connections and globals.
	ScopeRead Scope = 1 << iota
	// ScopeControl disconnects clients.
	ScopeControl

	ScopeAll = ScopeRead | ScopeControl
)

// Has reports whether s includes every scope in need.
func (s Scope) Has(need Scope) bool {
	return s&need == need
}

func (s Scope) String() string {
	var parts []string
	if s.Has(ScopeRead) {
		parts = append(parts, "read")
	}
	if s.Has(ScopeControl) {
		parts = append(parts, "control")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}

// Validator resolves a token to the scopes it grants.
type Validator interface {
	Validate(token string) (Scope, error)
}

// StaticToken grants every scope to one shared token. An empty Token
// grants nothing.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) (Scope, error) {
	if s.Token == "" || subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return 0, ErrUnauthorized
	}
	return ScopeAll, nil
}

// Tokens maps each accepted token to its scopes. Empty keys are ignored.
type Tokens map[string]Scope

func (t Tokens) Validate(token string) (Scope, error) {
	if token == "" {
		return 0, ErrUnauthorized
	}
	var granted Scope
	found := false
	for stored, scope := range t {
		if stored == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(stored), []byte(token)) == 1 {
			granted, found = scope, true
		}
	}
	if !found {
		return 0, ErrUnauthorized
	}
	return granted, nil
}

// Empty reports whether no usable token is configured.
func (t Tokens) Empty() bool {
	for stored := range t {
		if stored != "" {
			return false
		}
	}
	return true
}
