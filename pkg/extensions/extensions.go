// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extensions defines the pluggable access-control seams of the
// coordinator API.
//
// A single-host deployment runs with the no-op defaults: every caller is
// "local-user" and every action is allowed. Shared deployments plug in
// TokenAuthProvider and RoleAuthzProvider, or their own implementations.
//
// # Usage
//
//	opts := extensions.DefaultOptions().
//	    WithAuth(extensions.NewTokenAuthProvider(map[string][]string{
//	        operatorToken: {extensions.RoleOperator},
//	        readerToken:   {extensions.RoleReader},
//	    })).
//	    WithAuthz(extensions.RoleAuthzProvider{})
//
// # Thread Safety
//
// All implementations must be safe for concurrent use.
package extensions

// ServiceOptions groups the extension points. Nil fields are treated as the
// no-op defaults.
type ServiceOptions struct {
	// AuthProvider validates bearer tokens.
	// Default: NopAuthProvider (always returns the local user)
	AuthProvider AuthProvider

	// AuthzProvider checks permissions.
	// Default: NopAuthzProvider (always allows)
	AuthzProvider AuthzProvider
}

// DefaultOptions returns options with no-op implementations.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider:  &NopAuthProvider{},
		AuthzProvider: &NopAuthzProvider{},
	}
}

// WithAuth returns a copy with the auth provider replaced.
func (o ServiceOptions) WithAuth(p AuthProvider) ServiceOptions {
	o.AuthProvider = p
	return o
}

// WithAuthz returns a copy with the authz provider replaced.
func (o ServiceOptions) WithAuthz(p AuthzProvider) ServiceOptions {
	o.AuthzProvider = p
	return o
}

// Normalize fills nil fields with the no-op defaults.
func (o ServiceOptions) Normalize() ServiceOptions {
	if o.AuthProvider == nil {
		o.AuthProvider = &NopAuthProvider{}
	}
	if o.AuthzProvider == nil {
		o.AuthzProvider = &NopAuthzProvider{}
	}
	return o
}
