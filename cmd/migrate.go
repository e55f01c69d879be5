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

package cmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/devicehub/cmd/dbopen"
	devicedbmigrations "github.com/cardinalhq/devicehub/devicedb/migrations"
)

func init() {
	rootCmd.AddCommand(MigrateCmd)
}

var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  "Apply any pending device database schema migrations",
	RunE:  migrate,
}

func migrate(_ *cobra.Command, _ []string) error {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(5*time.Minute))
	defer cancel()

	slog.Info("Running devicedb migrations")
	pool, err := dbopen.ConnectToDeviceDB(ctx, dbopen.Options{SkipMigrationCheck: true})
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := devicedbmigrations.RunMigrationsUp(pool); err != nil {
		return err
	}
	slog.Info("devicedb migrations completed successfully")
	return nil
}
