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

// Package ingest is the telemetry ingestion pipeline: authorize cheaply via
// the cache or authoritatively via the validator, resolve device-local
// sensor ids to storage ids, write durably, and fan out a broadcast event.
// Durability always wins over notification: a dead bus never fails a batch
// that was written.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/devicehub/devicedb"
	"github.com/cardinalhq/devicehub/internal/authcache"
	"github.com/cardinalhq/devicehub/internal/livebus"
	"github.com/cardinalhq/devicehub/internal/logctx"
	"github.com/cardinalhq/devicehub/internal/ownership"
)

// UsageMetricName is the per-account counter ingestion volume rolls up to.
const UsageMetricName = "device.log.readings"

var meter = otel.Meter("github.com/cardinalhq/devicehub/internal/ingest")

// Store is the slice of devicedb the pipeline touches.
type Store interface {
	ResolveToken(ctx context.Context, token, scope string) (uuid.UUID, error)
	GetDeviceByExternalID(ctx context.Context, externalID string) (*devicedb.DeviceDetail, error)
	TouchDeviceLiveness(ctx context.Context, deviceID uuid.UUID, at time.Time) error
	SetDeviceActiveGroup(ctx context.Context, deviceID, groupID uuid.UUID) error
	InsertReadings(ctx context.Context, readings []devicedb.Reading) (int64, error)
	AddUsageMetric(ctx context.Context, accountID uuid.UUID, name string, at time.Time, amount int64) error
}

// Cache is the authorization cache surface the pipeline consumes.
type Cache interface {
	Get(credential, deviceID string) (*authcache.Entry, bool)
	Put(credential, deviceID string, entry *authcache.Entry)
	RefreshTTL(credential, deviceID string)
}

// Validator is the authoritative ownership check, hit on cache misses.
type Validator interface {
	Validate(ctx context.Context, credential, deviceID, groupID string, sensorIDs []string) (*authcache.Entry, error)
}

type Config struct {
	// PublishTimeout bounds how long a slow bus can delay the response
	// beyond the durable write.
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

func DefaultConfig() Config {
	return Config{PublishTimeout: 2 * time.Second}
}

type Pipeline struct {
	store     Store
	cache     Cache
	validator Validator
	publisher livebus.Publisher
	config    Config

	readingsIngested metric.Int64Counter
	cacheHits        metric.Int64Counter
	cacheMisses      metric.Int64Counter
	publishFailures  metric.Int64Counter
}

func NewPipeline(store Store, cache Cache, validator Validator, publisher livebus.Publisher, config Config) *Pipeline {
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = DefaultConfig().PublishTimeout
	}
	p := &Pipeline{
		store:     store,
		cache:     cache,
		validator: validator,
		publisher: publisher,
		config:    config,
	}

	p.readingsIngested, _ = meter.Int64Counter("devicehub.ingest.readings",
		metric.WithDescription("Resolved sensor readings durably written"))
	p.cacheHits, _ = meter.Int64Counter("devicehub.ingest.authcache.hits")
	p.cacheMisses, _ = meter.Int64Counter("devicehub.ingest.authcache.misses")
	p.publishFailures, _ = meter.Int64Counter("devicehub.ingest.publish.failures",
		metric.WithDescription("Broadcast publishes that failed and were dropped"))

	return p
}

// Ingest runs one batch through the pipeline. The returned error is always
// an *Error; no panic or raw failure ever escapes to the transport layer.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (err error) {
	ll := logctx.FromContext(ctx).With(
		slog.String("deviceID", req.Body.DeviceID),
		slog.String("groupID", req.Body.GroupID))

	defer func() {
		if r := recover(); r != nil {
			ll.Error("panic in ingestion pipeline", slog.Any("panic", r))
			err = newError(KindUnexpected, fmt.Errorf("panic: %v", r))
		}
	}()

	if req.Credential == "" {
		return newError(KindNoCredential, nil)
	}

	sensorIDs := req.Body.SensorIDs()

	entry, ok := p.cache.Get(req.Credential, req.Body.DeviceID)
	if ok && authcache.IsValid(entry, req.Body.DeviceID, req.Body.GroupID, sensorIDs) {
		p.cache.RefreshTTL(req.Credential, req.Body.DeviceID)
		p.cacheHits.Add(ctx, 1)
	} else {
		p.cacheMisses.Add(ctx, 1)
		entry, err = p.validator.Validate(ctx, req.Credential, req.Body.DeviceID, req.Body.GroupID, sensorIDs)
		if err != nil {
			return p.mapAuthError(ctx, err)
		}
		// Best-effort: the next batch revalidates if this write is lost.
		p.cache.Put(req.Credential, req.Body.DeviceID, entry)
	}

	now := time.Now()
	readings, sensorValues := resolveReadings(ctx, entry, req.Body.Sensors, now)

	if ferr := p.fanOut(ctx, entry, readings, sensorValues, now); ferr != nil {
		ll.Error("ingestion fan-out failed", slog.Any("error", ferr))
		return newError(KindProcessingFailed, ferr)
	}

	p.readingsIngested.Add(ctx, int64(len(readings)),
		metric.WithAttributes(attribute.String("account", entry.AccountID.String())))

	return nil
}

// Heartbeat handles a readings-free status report: authorize, mark the
// device online, publish a status event.
func (p *Pipeline) Heartbeat(ctx context.Context, credential, deviceExternalID string) (err error) {
	ll := logctx.FromContext(ctx).With(slog.String("deviceID", deviceExternalID))

	defer func() {
		if r := recover(); r != nil {
			ll.Error("panic in heartbeat", slog.Any("panic", r))
			err = newError(KindUnexpected, fmt.Errorf("panic: %v", r))
		}
	}()

	if credential == "" {
		return newError(KindNoCredential, nil)
	}

	accountID, err := p.store.ResolveToken(ctx, credential, ownership.TokenScope)
	if err != nil {
		if errors.Is(err, devicedb.ErrNotFound) {
			return newError(KindBadCredential, nil)
		}
		return newError(KindUnexpected, err)
	}

	device, err := p.store.GetDeviceByExternalID(ctx, deviceExternalID)
	if err != nil {
		if errors.Is(err, devicedb.ErrNotFound) {
			return newError(KindDeviceNotFound, nil)
		}
		return newError(KindUnexpected, err)
	}
	if device.AccountID != accountID {
		return newError(KindOwnershipMismatch, nil)
	}

	if err := p.store.TouchDeviceLiveness(ctx, device.ID, time.Now()); err != nil {
		ll.Error("heartbeat liveness update failed", slog.Any("error", err))
		return newError(KindProcessingFailed, err)
	}

	p.publish(ctx, deviceExternalID, livebus.Status{
		DeviceID:        deviceExternalID,
		FirmwareVersion: device.FirmwareVersion,
	})

	return nil
}

func (p *Pipeline) mapAuthError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ownership.ErrBadCredential):
		return newError(KindBadCredential, nil)
	case errors.Is(err, ownership.ErrDeviceNotFound):
		return newError(KindDeviceNotFound, nil)
	case errors.Is(err, ownership.ErrOwnershipMismatch):
		return newError(KindOwnershipMismatch, nil)
	default:
		logctx.FromContext(ctx).Error("ownership validation failed", slog.Any("error", err))
		return newError(KindUnexpected, err)
	}
}

// resolveReadings maps wire readings through the validated sensor id map.
// A reading whose sensor id is absent is dropped, never stored: this guards
// against a cache/DB race, it should not happen post-validation.
func resolveReadings(ctx context.Context, entry *authcache.Entry, sensors []SensorReading, now time.Time) ([]devicedb.Reading, []livebus.SensorValues) {
	readings := make([]devicedb.Reading, 0, len(sensors))
	order := make([]int64, 0, len(sensors))
	values := make(map[int64][]float64, len(sensors))

	for _, s := range sensors {
		gsID, ok := entry.SensorIDMap[s.SensorID]
		if !ok {
			logctx.FromContext(ctx).Warn("dropping reading for unmapped sensor",
				slog.String("sensorID", s.SensorID))
			continue
		}
		ts := now
		if s.Timestamp != nil {
			ts = time.Unix(*s.Timestamp, 0).UTC()
		}
		readings = append(readings, devicedb.Reading{GroupSensorID: gsID, Ts: ts, Value: s.Value})
		if _, seen := values[gsID]; !seen {
			order = append(order, gsID)
		}
		values[gsID] = append(values[gsID], s.Value)
	}

	sensorValues := make([]livebus.SensorValues, 0, len(order))
	for _, gsID := range order {
		sensorValues = append(sensorValues, livebus.SensorValues{GroupSensorID: gsID, Values: values[gsID]})
	}
	return readings, sensorValues
}

// fanOut issues the durable write, device status update, and usage metric
// as one concurrent batch, with the broadcast publish alongside. Branch
// failures don't roll the others back; the publish branch can only log.
func (p *Pipeline) fanOut(ctx context.Context, entry *authcache.Entry, readings []devicedb.Reading, sensorValues []livebus.SensorValues, now time.Time) error {
	// Once a request passes authorization the write must land even if the
	// device drops its connection, so the branches run detached from any
	// request cancellation.
	ctx = context.WithoutCancel(ctx)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		merr *multierror.Error
	)
	collect := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		merr = multierror.Append(merr, err)
		mu.Unlock()
	}

	wg.Add(4)

	go func() {
		defer wg.Done()
		if err := p.store.SetDeviceActiveGroup(ctx, entry.DeviceID, entry.GroupID); err != nil {
			collect(err)
			return
		}
		collect(p.store.TouchDeviceLiveness(ctx, entry.DeviceID, now))
	}()

	go func() {
		defer wg.Done()
		_, err := p.store.InsertReadings(ctx, readings)
		collect(err)
	}()

	go func() {
		defer wg.Done()
		collect(p.store.AddUsageMetric(ctx, entry.AccountID, UsageMetricName, now, int64(len(readings))))
	}()

	go func() {
		defer wg.Done()
		p.publish(ctx, entry.DeviceExternalID, livebus.NewSensors{
			DeviceID:        entry.DeviceExternalID,
			LastValueAt:     now,
			FirmwareVersion: entry.FirmwareVersion,
			Sensors:         sensorValues,
		})
	}()

	wg.Wait()
	return merr.ErrorOrNil()
}

// publish is fire-and-mostly-forget: bounded by its own timeout and only
// ever logged on failure.
func (p *Pipeline) publish(ctx context.Context, channel string, ev livebus.Event) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.PublishTimeout)
	defer cancel()

	if err := p.publisher.Publish(pubCtx, channel, ev); err != nil {
		p.publishFailures.Add(ctx, 1)
		logctx.FromContext(ctx).Warn("broadcast publish failed",
			slog.String("channel", channel), slog.Any("error", err))
	}
}
