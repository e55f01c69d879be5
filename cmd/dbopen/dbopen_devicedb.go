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

package dbopen

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cardinalhq/devicehub/devicedb"
	devicedbmigrations "github.com/cardinalhq/devicehub/devicedb/migrations"
)

// ConnectToDeviceDB opens a pool against the database named by the DEVICEDB_*
// environment variables and verifies the schema is at the expected migration
// version unless told otherwise.
func ConnectToDeviceDB(ctx context.Context, opts ...Options) (*pgxpool.Pool, error) {
	connectionString, err := getDatabaseURLFromEnv("DEVICEDB")
	if err != nil {
		return nil, errors.Join(ErrDatabaseNotConfigured, fmt.Errorf("failed to get DEVICEDB connection string: %w", err))
	}

	pool, err := devicedb.NewConnectionPool(ctx, connectionString)
	if err != nil {
		return nil, err
	}

	skipMigrationCheck := false
	if len(opts) > 0 {
		skipMigrationCheck = opts[0].SkipMigrationCheck
	}

	if !skipMigrationCheck {
		if err := devicedbmigrations.CheckExpectedVersion(pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("DEVICEDB migration version check failed: %w", err)
		}
	}

	return pool, nil
}

// DeviceDBStore opens the device database and wraps it in the query layer.
func DeviceDBStore(ctx context.Context, opts ...Options) (*devicedb.Store, error) {
	pool, err := ConnectToDeviceDB(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return devicedb.NewStore(pool), nil
}
