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

package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/devicehub/devicedb"
	"github.com/cardinalhq/devicehub/internal/authcache"
	"github.com/cardinalhq/devicehub/internal/livebus"
	"github.com/cardinalhq/devicehub/internal/ownership"
)

type fanOutCalls struct {
	mu sync.Mutex

	insertedReadings []devicedb.Reading
	livenessTouches  int
	activeGroupSets  int
	usageAmounts     []int64
}

type mockPipelineStore struct {
	fanOutCalls

	tokens    map[string]uuid.UUID
	devices   map[string]*devicedb.DeviceDetail
	insertErr error
	touchErr  error
	usageErr  error
}

func (m *mockPipelineStore) ResolveToken(_ context.Context, token, _ string) (uuid.UUID, error) {
	if id, ok := m.tokens[token]; ok {
		return id, nil
	}
	return uuid.Nil, devicedb.ErrNotFound
}

func (m *mockPipelineStore) GetDeviceByExternalID(_ context.Context, externalID string) (*devicedb.DeviceDetail, error) {
	if d, ok := m.devices[externalID]; ok {
		return d, nil
	}
	return nil, devicedb.ErrNotFound
}

func (m *mockPipelineStore) TouchDeviceLiveness(_ context.Context, _ uuid.UUID, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.livenessTouches++
	return m.touchErr
}

func (m *mockPipelineStore) SetDeviceActiveGroup(_ context.Context, _, _ uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeGroupSets++
	return nil
}

func (m *mockPipelineStore) InsertReadings(_ context.Context, readings []devicedb.Reading) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return 0, m.insertErr
	}
	m.insertedReadings = append(m.insertedReadings, readings...)
	return int64(len(readings)), nil
}

func (m *mockPipelineStore) AddUsageMetric(_ context.Context, _ uuid.UUID, _ string, _ time.Time, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.usageErr != nil {
		return m.usageErr
	}
	m.usageAmounts = append(m.usageAmounts, amount)
	return nil
}

type mockValidator struct {
	mu    sync.Mutex
	entry *authcache.Entry
	err   error
	calls int
}

func (m *mockValidator) Validate(_ context.Context, _, _, _ string, _ []string) (*authcache.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = m.calls + 1
	if m.err != nil {
		return nil, m.err
	}
	return m.entry, nil
}

func (m *mockValidator) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockPublisher struct {
	mu     sync.Mutex
	err    error
	events []livebus.Event
	chans  []string
}

func (m *mockPublisher) Publish(_ context.Context, channel string, ev livebus.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, ev)
	m.chans = append(m.chans, channel)
	return nil
}

func (m *mockPublisher) published() []livebus.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]livebus.Event(nil), m.events...)
}

func validEntry() *authcache.Entry {
	return &authcache.Entry{
		DeviceExternalID: "D1",
		GroupExternalID:  "G1",
		SensorIDs:        mapset.NewSet("S1", "S2"),
		SensorIDMap:      map[string]int64{"S1": 101, "S2": 102},
		AccountID:        uuid.New(),
		DeviceID:         uuid.New(),
		GroupID:          uuid.New(),
		FirmwareVersion:  "1.4.2",
	}
}

func testRequest() Request {
	ts := int64(1756300000)
	return Request{
		Credential: "T1",
		Body: DeviceLogBody{
			DeviceID: "D1",
			GroupID:  "G1",
			Sensors: []SensorReading{
				{SensorID: "S1", Value: 21.5, Timestamp: &ts},
				{SensorID: "S2", Value: 40.0},
			},
		},
	}
}

func newTestPipeline(store *mockPipelineStore, validator *mockValidator, pub *mockPublisher) (*Pipeline, *authcache.Cache) {
	cache := authcache.New(authcache.DefaultConfig())
	return NewPipeline(store, cache, validator, pub, DefaultConfig()), cache
}

func TestIngest_NoCredential(t *testing.T) {
	p, cache := newTestPipeline(&mockPipelineStore{}, &mockValidator{}, &mockPublisher{})
	defer cache.Stop()

	req := testRequest()
	req.Credential = ""
	err := p.Ingest(context.Background(), req)

	var ierr *Error
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, KindNoCredential, ierr.Kind)
}

func TestIngest_MissThenHit(t *testing.T) {
	store := &mockPipelineStore{}
	validator := &mockValidator{entry: validEntry()}
	pub := &mockPublisher{}
	p, cache := newTestPipeline(store, validator, pub)
	defer cache.Stop()

	// First request: cache miss, validator runs, readings persisted,
	// one broadcast with both sensors.
	require.NoError(t, p.Ingest(context.Background(), testRequest()))
	assert.Equal(t, 1, validator.callCount())
	assert.Len(t, store.insertedReadings, 2)
	require.Len(t, pub.published(), 1)
	ns, ok := pub.published()[0].(livebus.NewSensors)
	require.True(t, ok)
	assert.Len(t, ns.Sensors, 2)
	assert.Equal(t, "1.4.2", ns.FirmwareVersion)

	// Second identical request inside the TTL: cache hit, validator not
	// consulted again.
	require.NoError(t, p.Ingest(context.Background(), testRequest()))
	assert.Equal(t, 1, validator.callCount(), "cache hit must not revalidate")
	assert.Len(t, store.insertedReadings, 4)
}

func TestIngest_DifferentGroupForcesRevalidation(t *testing.T) {
	store := &mockPipelineStore{}
	validator := &mockValidator{entry: validEntry()}
	p, cache := newTestPipeline(store, validator, &mockPublisher{})
	defer cache.Stop()

	require.NoError(t, p.Ingest(context.Background(), testRequest()))
	require.Equal(t, 1, validator.callCount())

	// Same device, different group: cached entry must not be accepted.
	validator.err = ownership.ErrOwnershipMismatch
	req := testRequest()
	req.Body.GroupID = "G2"
	err := p.Ingest(context.Background(), req)

	var ierr *Error
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, KindOwnershipMismatch, ierr.Kind)
	assert.Equal(t, 2, validator.callCount())
	assert.Len(t, store.insertedReadings, 2, "rejected request must not persist readings")
}

// cancelAwareStore fails any write issued on an already cancelled context.
type cancelAwareStore struct {
	*mockPipelineStore
}

func (s *cancelAwareStore) TouchDeviceLiveness(ctx context.Context, id uuid.UUID, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.mockPipelineStore.TouchDeviceLiveness(ctx, id, at)
}

func (s *cancelAwareStore) SetDeviceActiveGroup(ctx context.Context, deviceID, groupID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.mockPipelineStore.SetDeviceActiveGroup(ctx, deviceID, groupID)
}

func (s *cancelAwareStore) InsertReadings(ctx context.Context, readings []devicedb.Reading) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.mockPipelineStore.InsertReadings(ctx, readings)
}

func (s *cancelAwareStore) AddUsageMetric(ctx context.Context, accountID uuid.UUID, name string, at time.Time, amount int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.mockPipelineStore.AddUsageMetric(ctx, accountID, name, at, amount)
}

// cancellingValidator cancels the request context during validation, the
// way a device dropping its connection mid-request would.
type cancellingValidator struct {
	entry  *authcache.Entry
	cancel context.CancelFunc
}

func (v *cancellingValidator) Validate(_ context.Context, _, _, _ string, _ []string) (*authcache.Entry, error) {
	v.cancel()
	return v.entry, nil
}

func TestIngest_ClientDisconnectDoesNotAbortWrites(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &cancelAwareStore{mockPipelineStore: &mockPipelineStore{}}
	pub := &mockPublisher{}
	cache := authcache.New(authcache.DefaultConfig())
	defer cache.Stop()
	p := NewPipeline(store, cache, &cancellingValidator{entry: validEntry(), cancel: cancel}, pub, DefaultConfig())

	require.NoError(t, p.Ingest(ctx, testRequest()))
	assert.Len(t, store.insertedReadings, 2, "writes must survive client disconnect")
	assert.Equal(t, 1, store.livenessTouches)
	assert.Equal(t, 1, store.activeGroupSets)
	assert.Equal(t, []int64{2}, store.usageAmounts)
	assert.Len(t, pub.published(), 1)
}

func TestIngest_AuthErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"bad credential", ownership.ErrBadCredential, KindBadCredential},
		{"device not found", ownership.ErrDeviceNotFound, KindDeviceNotFound},
		{"ownership mismatch", ownership.ErrOwnershipMismatch, KindOwnershipMismatch},
		{"infra failure", errors.New("connection refused"), KindUnexpected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockPipelineStore{}
			pub := &mockPublisher{}
			p, cache := newTestPipeline(store, &mockValidator{err: tt.err}, pub)
			defer cache.Stop()

			err := p.Ingest(context.Background(), testRequest())
			var ierr *Error
			require.ErrorAs(t, err, &ierr)
			assert.Equal(t, tt.want, ierr.Kind)
			assert.Empty(t, store.insertedReadings)
			assert.Empty(t, pub.published(), "no broadcast on rejected request")
		})
	}
}

func TestIngest_UnmappedSensorDropped(t *testing.T) {
	store := &mockPipelineStore{}
	entry := validEntry()
	delete(entry.SensorIDMap, "S2") // map entry missing despite validation
	p, cache := newTestPipeline(store, &mockValidator{entry: entry}, &mockPublisher{})
	defer cache.Stop()

	require.NoError(t, p.Ingest(context.Background(), testRequest()))
	require.Len(t, store.insertedReadings, 1)
	assert.Equal(t, int64(101), store.insertedReadings[0].GroupSensorID)
}

func TestIngest_BroadcastFailureDoesNotFailIngestion(t *testing.T) {
	store := &mockPipelineStore{}
	pub := &mockPublisher{err: errors.New("bus unreachable")}
	p, cache := newTestPipeline(store, &mockValidator{entry: validEntry()}, pub)
	defer cache.Stop()

	require.NoError(t, p.Ingest(context.Background(), testRequest()),
		"durable write succeeded, broadcast loss is acceptable")
	assert.Len(t, store.insertedReadings, 2)
}

func TestIngest_WriteFailureIsProcessingFailed(t *testing.T) {
	store := &mockPipelineStore{insertErr: errors.New("disk full")}
	p, cache := newTestPipeline(store, &mockValidator{entry: validEntry()}, &mockPublisher{})
	defer cache.Stop()

	err := p.Ingest(context.Background(), testRequest())
	var ierr *Error
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, KindProcessingFailed, ierr.Kind)

	// other fan-out branches still ran
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 1, store.activeGroupSets)
	assert.Len(t, store.usageAmounts, 1)
}

func TestIngest_UsageMetricCountsResolvedReadings(t *testing.T) {
	store := &mockPipelineStore{}
	p, cache := newTestPipeline(store, &mockValidator{entry: validEntry()}, &mockPublisher{})
	defer cache.Stop()

	require.NoError(t, p.Ingest(context.Background(), testRequest()))
	require.Len(t, store.usageAmounts, 1)
	assert.Equal(t, int64(2), store.usageAmounts[0])
}

func TestIngest_ExplicitTimestampPreserved(t *testing.T) {
	store := &mockPipelineStore{}
	p, cache := newTestPipeline(store, &mockValidator{entry: validEntry()}, &mockPublisher{})
	defer cache.Stop()

	require.NoError(t, p.Ingest(context.Background(), testRequest()))
	require.Len(t, store.insertedReadings, 2)

	byID := map[int64]devicedb.Reading{}
	for _, r := range store.insertedReadings {
		byID[r.GroupSensorID] = r
	}
	assert.Equal(t, time.Unix(1756300000, 0).UTC(), byID[101].Ts)
	assert.WithinDuration(t, time.Now(), byID[102].Ts, 5*time.Second,
		"missing timestamp defaults to ingestion time")
}

func TestHeartbeat(t *testing.T) {
	accountID := uuid.New()
	store := &mockPipelineStore{
		tokens: map[string]uuid.UUID{"T1": accountID},
		devices: map[string]*devicedb.DeviceDetail{
			"D1": {ID: uuid.New(), AccountID: accountID, ExternalID: "D1", FirmwareVersion: "2.0"},
		},
	}
	pub := &mockPublisher{}
	p, cache := newTestPipeline(store, &mockValidator{}, pub)
	defer cache.Stop()

	require.NoError(t, p.Heartbeat(context.Background(), "T1", "D1"))
	require.Len(t, pub.published(), 1)
	st, ok := pub.published()[0].(livebus.Status)
	require.True(t, ok)
	assert.Equal(t, "2.0", st.FirmwareVersion)

	var ierr *Error
	err := p.Heartbeat(context.Background(), "bogus", "D1")
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, KindBadCredential, ierr.Kind)

	err = p.Heartbeat(context.Background(), "T1", "D9")
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, KindDeviceNotFound, ierr.Kind)

	store.devices["D1"].AccountID = uuid.New()
	err = p.Heartbeat(context.Background(), "T1", "D1")
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, KindOwnershipMismatch, ierr.Kind)
}
