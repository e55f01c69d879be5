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
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cardinalhq/devicehub/cmd/dbopen"
	"github.com/cardinalhq/devicehub/config"
	"github.com/cardinalhq/devicehub/internal/authcache"
	"github.com/cardinalhq/devicehub/internal/fly"
	"github.com/cardinalhq/devicehub/internal/healthcheck"
	"github.com/cardinalhq/devicehub/internal/ingest"
	"github.com/cardinalhq/devicehub/internal/ingestworker"
	"github.com/cardinalhq/devicehub/internal/livebus"
	"github.com/cardinalhq/devicehub/internal/ownership"
)

func init() {
	workerCmd := &cobra.Command{
		Use:   "ingest-worker",
		Short: "Drain the ingest queue through the ingestion pipeline",
		RunE: func(_ *cobra.Command, _ []string) error {
			servicename := "ingest-worker"
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

			producer, err := fly.NewProducer(&cfg.Fly)
			if err != nil {
				return fmt.Errorf("failed to create Kafka producer: %w", err)
			}
			defer func() { _ = producer.Close() }()

			cache := authcache.New(cfg.AuthCache)
			defer cache.Stop()

			pipe := ingest.NewPipeline(
				store,
				cache,
				ownership.NewValidator(store),
				livebus.NewPublisher(producer, livebus.DefaultTopic),
				cfg.Ingest,
			)

			healthServer.SetReady(true)

			worker := ingestworker.NewWorker(pipe, producer, cfg.Worker, slog.Default())
			return worker.Run(ctx, func() (fly.Consumer, error) {
				return fly.NewConsumer(&cfg.Fly, fly.DefaultConsumerConfig(cfg.Worker.Topic, cfg.Worker.ConsumerGroup))
			})
		},
	}

	rootCmd.AddCommand(workerCmd)
}
