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

package ingestapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/devicehub/internal/ingest"
)

type mockPipeline struct {
	ingestErr    error
	heartbeatErr error

	ingested   []ingest.Request
	heartbeats []string
}

func (m *mockPipeline) Ingest(_ context.Context, req ingest.Request) error {
	m.ingested = append(m.ingested, req)
	return m.ingestErr
}

func (m *mockPipeline) Heartbeat(_ context.Context, _, deviceExternalID string) error {
	m.heartbeats = append(m.heartbeats, deviceExternalID)
	return m.heartbeatErr
}

type mockEnqueuer struct {
	err    error
	bodies [][]byte
	creds  []string
}

func (m *mockEnqueuer) Enqueue(_ context.Context, credential, _ string, body []byte) error {
	if m.err != nil {
		return m.err
	}
	m.creds = append(m.creds, credential)
	m.bodies = append(m.bodies, body)
	return nil
}

const logBody = `{"device_id":"D1","group_id":"G1","sensors":[{"sensor_id":"S1","value":21.5}]}`

func postLog(t *testing.T, handler http.Handler, credential, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/log", strings.NewReader(body))
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleLog_Synchronous(t *testing.T) {
	pipeline := &mockPipeline{}
	svc := NewService(pipeline, nil, DefaultConfig())

	rec := postLog(t, svc.Handler(), "T1", logBody)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), "Success")
	require.Len(t, pipeline.ingested, 1)
	assert.Equal(t, "T1", pipeline.ingested[0].Credential)
	assert.Equal(t, "D1", pipeline.ingested[0].Body.DeviceID)
	assert.Equal(t, "G1", pipeline.ingested[0].Body.GroupID)
}

func TestHandleLog_MissingCredential(t *testing.T) {
	pipeline := &mockPipeline{}
	svc := NewService(pipeline, nil, DefaultConfig())

	rec := postLog(t, svc.Handler(), "", logBody)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, pipeline.ingested, "rejected before the pipeline")
}

func TestHandleLog_RawCredentialWithoutBearerPrefix(t *testing.T) {
	pipeline := &mockPipeline{}
	svc := NewService(pipeline, nil, DefaultConfig())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/log", strings.NewReader(logBody))
	req.Header.Set("Authorization", "T1")
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, pipeline.ingested, 1)
	assert.Equal(t, "T1", pipeline.ingested[0].Credential)
}

func TestHandleLog_BadJSON(t *testing.T) {
	svc := NewService(&mockPipeline{}, nil, DefaultConfig())
	rec := postLog(t, svc.Handler(), "T1", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleLog_ErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"bad credential", ingest.NewError(ingest.KindBadCredential, nil), http.StatusForbidden},
		{"ownership mismatch", ingest.NewError(ingest.KindOwnershipMismatch, nil), http.StatusForbidden},
		{"device not found", ingest.NewError(ingest.KindDeviceNotFound, nil), http.StatusNotFound},
		{"processing failed", ingest.NewError(ingest.KindProcessingFailed, errors.New("db down")), http.StatusInternalServerError},
		{"untyped error", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(&mockPipeline{ingestErr: tt.err}, nil, DefaultConfig())
			rec := postLog(t, svc.Handler(), "T1", logBody)
			assert.Equal(t, tt.want, rec.Code)
			assert.NotContains(t, rec.Body.String(), "db down", "error detail must not leak")
		})
	}
}

func TestHandleLog_EnqueueMode(t *testing.T) {
	pipeline := &mockPipeline{}
	enqueuer := &mockEnqueuer{}
	svc := NewService(pipeline, enqueuer, DefaultConfig())

	rec := postLog(t, svc.Handler(), "T1", logBody)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, pipeline.ingested, "enqueue mode must not run the pipeline inline")
	require.Len(t, enqueuer.bodies, 1)
	assert.Equal(t, "T1", enqueuer.creds[0])
	assert.Contains(t, string(enqueuer.bodies[0]), `"device_id":"D1"`)
}

func TestHandleLog_EnqueueFailure(t *testing.T) {
	svc := NewService(&mockPipeline{}, &mockEnqueuer{err: errors.New("broker down")}, DefaultConfig())
	rec := postLog(t, svc.Handler(), "T1", logBody)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleStatus(t *testing.T) {
	pipeline := &mockPipeline{}
	svc := NewService(pipeline, nil, DefaultConfig())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/status", strings.NewReader(`{"device_id":"D1"}`))
	req.Header.Set("Authorization", "Bearer T1")
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, []string{"D1"}, pipeline.heartbeats)
}

func TestHandleStatus_MissingDeviceID(t *testing.T) {
	svc := NewService(&mockPipeline{}, nil, DefaultConfig())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/status", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer T1")
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	svc := NewService(&mockPipeline{}, nil, DefaultConfig())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
