// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
)

// ErrUnauthorized is returned when authentication or authorization fails.
// Implementations wrap it with context:
//
//	return nil, fmt.Errorf("unknown token: %w", extensions.ErrUnauthorized)
var ErrUnauthorized = errors.New("unauthorized")

// Roles understood by RoleAuthzProvider.
const (
	// RoleOperator may submit work, set signals and take locks.
	RoleOperator = "operator"

	// RoleReader may only read state.
	RoleReader = "reader"
)

// Actions passed in AuthzRequest.
const (
	ActionRead  = "read"
	ActionWrite = "write"
)

// AuthInfo is the identity returned after successful authentication.
type AuthInfo struct {
	// UserID is never empty.
	UserID string

	// Roles drive authorization decisions.
	Roles []string
}

// HasRole checks if the caller has a specific role.
func (a *AuthInfo) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// AuthProvider validates authentication tokens and returns caller identity.
type AuthProvider interface {
	// Validate returns the caller's identity, or an error wrapping
	// ErrUnauthorized when the token is not accepted.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// AuthzRequest describes an authorization check as (subject, action, resource).
//
//	req := AuthzRequest{User: info, Action: ActionWrite, ResourceType: "tasks"}
type AuthzRequest struct {
	User         *AuthInfo
	Action       string
	ResourceType string
	ResourceID   string
}

// AuthzProvider checks if a caller may perform an action.
type AuthzProvider interface {
	// Authorize returns nil when allowed and an error wrapping
	// ErrUnauthorized when denied.
	Authorize(ctx context.Context, req AuthzRequest) error
}

// =============================================================================
// No-op Implementations
// =============================================================================

// NopAuthProvider accepts any token, including none, as the local user with
// the operator role.
type NopAuthProvider struct{}

// Validate always succeeds.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{UserID: "local-user", Roles: []string{RoleOperator}}, nil
}

// NopAuthzProvider allows everything.
type NopAuthzProvider struct{}

// Authorize always returns nil.
func (p *NopAuthzProvider) Authorize(_ context.Context, _ AuthzRequest) error {
	return nil
}

// =============================================================================
// Static Tokens
// =============================================================================

// TokenAuthProvider accepts a fixed set of bearer tokens, each mapped to its
// roles. Tokens are compared in constant time via their SHA-256 digests.
type TokenAuthProvider struct {
	entries []tokenEntry
}

type tokenEntry struct {
	digest [sha256.Size]byte
	info   AuthInfo
}

// NewTokenAuthProvider builds a provider from token -> roles. Empty tokens
// are ignored. The user id of each entry is "token-<n>" in sorted order so
// that logs never contain the secret.
func NewTokenAuthProvider(tokens map[string][]string) *TokenAuthProvider {
	keys := make([]string, 0, len(tokens))
	for k := range tokens {
		if k != "" {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	p := &TokenAuthProvider{}
	for i, k := range keys {
		p.entries = append(p.entries, tokenEntry{
			digest: sha256.Sum256([]byte(k)),
			info:   AuthInfo{UserID: fmt.Sprintf("token-%d", i+1), Roles: slices.Clone(tokens[k])},
		})
	}
	return p
}

// Validate looks the token up. Every entry is compared so timing does not
// depend on which one matched.
func (p *TokenAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("missing bearer token: %w", ErrUnauthorized)
	}
	digest := sha256.Sum256([]byte(token))
	var match *AuthInfo
	for i := range p.entries {
		if subtle.ConstantTimeCompare(digest[:], p.entries[i].digest[:]) == 1 {
			info := p.entries[i].info
			match = &info
		}
	}
	if match == nil {
		return nil, fmt.Errorf("unknown token: %w", ErrUnauthorized)
	}
	return match, nil
}

// RoleAuthzProvider allows reads to any authenticated caller and writes only
// to RoleOperator.
type RoleAuthzProvider struct{}

// Authorize applies the read/write split.
func (RoleAuthzProvider) Authorize(_ context.Context, req AuthzRequest) error {
	if req.User == nil {
		return fmt.Errorf("no identity: %w", ErrUnauthorized)
	}
	switch req.Action {
	case ActionRead:
		return nil
	case ActionWrite:
		if req.User.HasRole(RoleOperator) {
			return nil
		}
		return fmt.Errorf("%s cannot write %s: %w", req.User.UserID, req.ResourceType, ErrUnauthorized)
	default:
		return fmt.Errorf("unknown action %q: %w", req.Action, ErrUnauthorized)
	}
}
