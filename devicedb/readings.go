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

	"github.com/jackc/pgx/v5"
)

// InsertReadings bulk-appends resolved readings in one round trip via
// CopyFrom. Pure append: no dedup, no upsert, duplicates from device
// retries are stored as-is.
func (store *Store) InsertReadings(ctx context.Context, readings []Reading) (int64, error) {
	if len(readings) == 0 {
		return 0, nil
	}

	n, err := store.connPool.CopyFrom(ctx,
		pgx.Identifier{"sensor_readings"},
		[]string{"group_sensor_id", "ts", "value"},
		pgx.CopyFromSlice(len(readings), func(i int) ([]any, error) {
			r := readings[i]
			return []any{r.GroupSensorID, r.Ts, r.Value}, nil
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("insert %d readings: %w", len(readings), err)
	}
	return n, nil
}
