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

package streamapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/cardinalhq/devicehub/devicedb"
)

// Context key for the authenticated account ID
type contextKey struct{}

var accountIDKey = contextKey{}

// WithAccountID returns a new context with the account ID stored in it
func WithAccountID(ctx context.Context, accountID uuid.UUID) context.Context {
	return context.WithValue(ctx, accountIDKey, accountID)
}

// AccountIDFromContext retrieves the account ID from the context
func AccountIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	accountID, ok := ctx.Value(accountIDKey).(uuid.UUID)
	return accountID, ok
}

// sessionMiddleware validates the dashboard session token from the
// Authorization header and adds the owning account to the context. Device
// credentials are not accepted here; streams are a dashboard surface.
func (s *Service) sessionMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		token := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			http.Error(w, "authentication required: Authorization header not provided", http.StatusUnauthorized)
			return
		}

		accountID, err := s.store.ResolveSession(req.Context(), token)
		if err != nil {
			if errors.Is(err, devicedb.ErrNotFound) {
				http.Error(w, "invalid session", http.StatusUnauthorized)
				return
			}
			slog.Error("session validation failed", slog.Any("error", err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		req = req.WithContext(WithAccountID(req.Context(), accountID))
		next(w, req)
	}
}
