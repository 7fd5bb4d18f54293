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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	require.NotNil(t, opts.AuthProvider)
	require.NotNil(t, opts.AuthzProvider)

	info, err := opts.AuthProvider.Validate(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "local-user", info.UserID)
	assert.True(t, info.HasRole(RoleOperator))
	assert.NoError(t, opts.AuthzProvider.Authorize(context.Background(), AuthzRequest{Action: ActionWrite}))
}

func TestServiceOptions_NormalizeAndWith(t *testing.T) {
	opts := ServiceOptions{}.Normalize()
	assert.IsType(t, &NopAuthProvider{}, opts.AuthProvider)
	assert.IsType(t, &NopAuthzProvider{}, opts.AuthzProvider)

	tp := NewTokenAuthProvider(map[string][]string{"x": {RoleReader}})
	opts = opts.WithAuth(tp).WithAuthz(RoleAuthzProvider{})
	assert.Same(t, tp, opts.AuthProvider)
	assert.IsType(t, RoleAuthzProvider{}, opts.AuthzProvider)
}

func TestTokenAuthProvider(t *testing.T) {
	p := NewTokenAuthProvider(map[string][]string{
		"op-secret":   {RoleOperator},
		"read-secret": {RoleReader},
		"":            {RoleOperator},
	})
	ctx := context.Background()

	info, err := p.Validate(ctx, "op-secret")
	require.NoError(t, err)
	assert.Equal(t, "token-1", info.UserID)
	assert.True(t, info.HasRole(RoleOperator))

	info, err = p.Validate(ctx, "read-secret")
	require.NoError(t, err)
	assert.Equal(t, "token-2", info.UserID)
	assert.False(t, info.HasRole(RoleOperator))

	for _, bad := range []string{"", "nope", "op-secret "} {
		_, err := p.Validate(ctx, bad)
		assert.ErrorIs(t, err, ErrUnauthorized, "token %q", bad)
	}
}

func TestRoleAuthzProvider(t *testing.T) {
	operator := &AuthInfo{UserID: "a", Roles: []string{RoleOperator}}
	reader := &AuthInfo{UserID: "b", Roles: []string{RoleReader}}
	ctx := context.Background()
	authz := RoleAuthzProvider{}

	tests := []struct {
		name    string
		req     AuthzRequest
		allowed bool
	}{
		{"operator writes", AuthzRequest{User: operator, Action: ActionWrite, ResourceType: "tasks"}, true},
		{"operator reads", AuthzRequest{User: operator, Action: ActionRead}, true},
		{"reader reads", AuthzRequest{User: reader, Action: ActionRead}, true},
		{"reader writes", AuthzRequest{User: reader, Action: ActionWrite, ResourceType: "locks"}, false},
		{"no user", AuthzRequest{Action: ActionRead}, false},
		{"unknown action", AuthzRequest{User: operator, Action: "delete"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := authz.Authorize(ctx, tt.req)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrUnauthorized)
			}
		})
	}
}
