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
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/labcoord/pkg/extensions"
)

const authInfoKey = "labcoord_auth_info"

// SetAuthInfo stores the authenticated identity in the Gin context.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo returns the identity stored by AuthMiddleware, or nil.
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// AuthMiddleware authenticates the bearer token and authorizes the request.
//
// # Description
//
// The token comes from "Authorization: Bearer <token>". A missing or
// malformed header yields an empty token, which the no-op provider
// accepts. GET and HEAD are "read" actions, everything else "write". The
// resource type is the first path segment after the group prefix, e.g.
// "tasks" for /v1/tasks.
//
// # Outputs
//
//   - 401 when the provider rejects the token
//   - 403 when the authz provider denies the action
//   - 500 for provider failures not wrapping ErrUnauthorized
func AuthMiddleware(opts extensions.ServiceOptions) gin.HandlerFunc {
	opts = opts.Normalize()
	return func(c *gin.Context) {
		token := extractBearerToken(c.GetHeader("Authorization"))

		info, err := opts.AuthProvider.Validate(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, extensions.ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "authentication failed"})
			return
		}

		err = opts.AuthzProvider.Authorize(c.Request.Context(), extensions.AuthzRequest{
			User:         info,
			Action:       actionFor(c.Request.Method),
			ResourceType: resourceType(c.FullPath()),
			ResourceID:   c.Param("name"),
		})
		if err != nil {
			if errors.Is(err, extensions.ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "authorization failed"})
			return
		}

		SetAuthInfo(c, info)
		c.Next()
	}
}

func extractBearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func actionFor(method string) string {
	if method == http.MethodGet || method == http.MethodHead {
		return extensions.ActionRead
	}
	return extensions.ActionWrite
}

// resourceType maps "/v1/locks/:name" to "locks".
func resourceType(fullPath string) string {
	parts := strings.Split(strings.Trim(fullPath, "/"), "/")
	if len(parts) >= 2 {
		return parts[1]
	}
	return parts[0]
}
