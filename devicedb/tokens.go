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

package devicedb

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Device credentials and dashboard sessions are both stored hashed; the
// plaintext token only ever exists on the wire.

func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return fmt.Sprintf("%x", h)
}

// ResolveToken maps an opaque device credential with the given scope to the
// owning account. Returns ErrNotFound for unknown or out-of-scope tokens.
func (store *Store) ResolveToken(ctx context.Context, token, scope string) (uuid.UUID, error) {
	if token == "" {
		return uuid.Nil, ErrNotFound
	}

	var accountID uuid.UUID
	err := store.connPool.QueryRow(ctx,
		`SELECT account_id FROM account_tokens WHERE token_hash = $1 AND scope = $2`,
		hashToken(token), scope,
	).Scan(&accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolve token: %w", err)
	}
	return accountID, nil
}

// ResolveSession maps a dashboard session token to the owning account.
// Expired sessions resolve as not found.
func (store *Store) ResolveSession(ctx context.Context, token string) (uuid.UUID, error) {
	if token == "" {
		return uuid.Nil, ErrNotFound
	}

	var accountID uuid.UUID
	err := store.connPool.QueryRow(ctx,
		`SELECT account_id FROM sessions WHERE token_hash = $1 AND expires_at > now()`,
		hashToken(token),
	).Scan(&accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolve session: %w", err)
	}
	return accountID, nil
}
