// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/labcoord/pkg/extensions"
)

// =============================================================================
// Test Setup
// =============================================================================

// brokenProvider fails with a non-auth error.
type brokenProvider struct{}

func (brokenProvider) Validate(context.Context, string) (*extensions.AuthInfo, error) {
	return nil, errors.New("identity service down")
}

// recordingAuthz captures the last request.
type recordingAuthz struct {
	last extensions.AuthzRequest
}

func (r *recordingAuthz) Authorize(_ context.Context, req extensions.AuthzRequest) error {
	r.last = req
	return nil
}

func authRouter(opts extensions.ServiceOptions) *gin.Engine {
	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(AuthMiddleware(opts))
	v1.GET("/synthesis", func(c *gin.Context) {
		c.String(http.StatusOK, GetAuthInfo(c).UserID)
	})
	v1.POST("/locks/:name", func(c *gin.Context) {
		c.String(http.StatusOK, GetAuthInfo(c).UserID)
	})
	return r
}

func send(r *gin.Engine, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// =============================================================================
// Tests
// =============================================================================

func TestAuthMiddleware_NopDefaults(t *testing.T) {
	r := authRouter(extensions.ServiceOptions{})
	w := send(r, http.MethodPost, "/v1/locks/gpu", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "local-user", w.Body.String())
}

func TestAuthMiddleware_Tokens(t *testing.T) {
	opts := extensions.DefaultOptions().
		WithAuth(extensions.NewTokenAuthProvider(map[string][]string{
			"op":   {extensions.RoleOperator},
			"read": {extensions.RoleReader},
		})).
		WithAuthz(extensions.RoleAuthzProvider{})
	r := authRouter(opts)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"no token", http.MethodGet, "/v1/synthesis", "", http.StatusUnauthorized},
		{"wrong token", http.MethodGet, "/v1/synthesis", "guess", http.StatusUnauthorized},
		{"reader reads", http.MethodGet, "/v1/synthesis", "read", http.StatusOK},
		{"reader writes", http.MethodPost, "/v1/locks/gpu", "read", http.StatusForbidden},
		{"operator writes", http.MethodPost, "/v1/locks/gpu", "op", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, send(r, tt.method, tt.path, tt.token).Code)
		})
	}
}

func TestAuthMiddleware_ProviderFailure(t *testing.T) {
	r := authRouter(extensions.ServiceOptions{AuthProvider: brokenProvider{}})
	assert.Equal(t, http.StatusInternalServerError, send(r, http.MethodGet, "/v1/synthesis", "x").Code)
}

func TestAuthMiddleware_RequestShape(t *testing.T) {
	authz := &recordingAuthz{}
	r := authRouter(extensions.ServiceOptions{AuthzProvider: authz})
	send(r, http.MethodPost, "/v1/locks/gpu", "")

	assert.Equal(t, extensions.ActionWrite, authz.last.Action)
	assert.Equal(t, "locks", authz.last.ResourceType)
	assert.Equal(t, "gpu", authz.last.ResourceID)
	assert.Equal(t, "local-user", authz.last.User.UserID)
}

func TestExtractBearerToken(t *testing.T) {
	assert.Equal(t, "abc", extractBearerToken("Bearer abc"))
	assert.Equal(t, "abc", extractBearerToken("bearer abc"))
	assert.Equal(t, "", extractBearerToken("Basic abc"))
	assert.Equal(t, "", extractBearerToken("Bearer "))
	assert.Equal(t, "", extractBearerToken(""))
}
