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
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cardinalhq/devicehub/cmd/dbopen"
	"github.com/cardinalhq/devicehub/config"
	"github.com/cardinalhq/devicehub/internal/fly"
	"github.com/cardinalhq/devicehub/internal/healthcheck"
	"github.com/cardinalhq/devicehub/internal/livebus"
	"github.com/cardinalhq/devicehub/internal/streamapi"
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "stream-api",
		Short: "Serve live telemetry streams to dashboard clients",
		RunE: func(_ *cobra.Command, _ []string) error {
			servicename := "stream-api"
			addlAttrs := attribute.NewSet()
			ctx, doneFx, err := setupTelemetry(servicename, &addlAttrs)
			if err != nil {
				return fmt.Errorf("failed to setup telemetry: %w", err)
			}
			defer func() {
				if err := doneFx(); err != nil {
					slog.Error("Error shutting down telemetry", slog.Any("error", err))
				}
			}()

			healthServer := healthcheck.NewServer(healthcheck.GetConfigFromEnv())
			go func() {
				if err := healthServer.Start(ctx); err != nil {
					slog.Error("Health check server stopped", slog.Any("error", err))
				}
			}()
			healthServer.SetStatus(healthcheck.StatusHealthy)

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			store, err := dbopen.DeviceDBStore(ctx)
			if err != nil {
				slog.Error("Failed to connect to device database", slog.Any("error", err))
				return fmt.Errorf("failed to connect to device database: %w", err)
			}
			defer store.Close()

			// Each instance tails the live topic under its own group so
			// every instance sees every event; dispatch is per-process.
			dispatcher := livebus.NewDispatcher(slog.Default())
			groupID := fmt.Sprintf("%s-stream-%d", cfg.Fly.ConsumerGroupPrefix, myInstanceID)
			go func() {
				_ = dispatcher.Run(ctx, func() (fly.Consumer, error) {
					return fly.NewConsumer(&cfg.Fly, fly.TailConsumerConfig(livebus.DefaultTopic, groupID))
				})
			}()

			healthServer.SetReady(true)

			svc := streamapi.NewService(store, dispatcher, cfg.StreamAPI)
			if err := svc.Run(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					slog.Info("shutting down", "error", err)
					return nil
				}
				return err
			}
			return nil
		},
	}

	rootCmd.AddCommand(serveCmd)
}
