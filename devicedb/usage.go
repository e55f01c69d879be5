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
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AddUsageMetric adds amount to the named per-account counter in its hourly
// bucket, creating the bucket row on first touch.
func (store *Store) AddUsageMetric(ctx context.Context, accountID uuid.UUID, name string, at time.Time, amount int64) error {
	bucket := at.UTC().Truncate(time.Hour)
	_, err := store.connPool.Exec(ctx,
		`INSERT INTO usage_metrics (account_id, name, bucket_start, amount)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (account_id, name, bucket_start)
		 DO UPDATE SET amount = usage_metrics.amount + EXCLUDED.amount`,
		accountID, name, bucket, amount)
	if err != nil {
		return fmt.Errorf("add usage metric %s for account %s: %w", name, accountID, err)
	}
	return nil
}
