// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package ingestapi

import (
	"context"
	"net/http"
	"strings"
)

// Context key for the device credential
type contextKey struct{}

var credentialKey = contextKey{}

// WithCredential returns a new context with the device credential stored in it
func WithCredential(ctx context.Context, credential string) context.Context {
	return context.WithValue(ctx, credentialKey, credential)
}

// CredentialFromContext retrieves the device credential from the context
func CredentialFromContext(ctx context.Context) (string, bool) {
	credential, ok := ctx.Value(credentialKey).(string)
	return credential, ok
}

// credentialMiddleware extracts the opaque device credential from the
// Authorization header and adds it to the request context. The credential is
// not validated here; ownership checks happen in the pipeline so the response
// taxonomy stays in one place.
func (s *Service) credentialMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		credential := req.Header.Get("Authorization")
		credential = strings.TrimPrefix(credential, "Bearer ")
		if credential == "" {
			http.Error(w, "authentication required: Authorization header not provided", http.StatusForbidden)
			return
		}

		req = req.WithContext(WithCredential(req.Context(), credential))
		next(w, req)
	}
}
