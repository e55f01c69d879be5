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

// Package ingestapi exposes the device-facing HTTP surface: telemetry log
// submission and liveness heartbeats. It can run the ingestion pipeline
// inline or hand accepted bodies to the ingest queue for burst absorption.
package ingestapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cardinalhq/devicehub/internal/ingest"
	"github.com/cardinalhq/devicehub/internal/logctx"
)

// Pipeline is the ingestion surface the handlers invoke in synchronous mode.
type Pipeline interface {
	Ingest(ctx context.Context, req ingest.Request) error
	Heartbeat(ctx context.Context, credential, deviceExternalID string) error
}

// Enqueuer hands an accepted log body to the ingest queue. When set on the
// service the log endpoint answers 201 as soon as the body is queued.
type Enqueuer interface {
	Enqueue(ctx context.Context, credential, deviceExternalID string, body []byte) error
}

type Config struct {
	Port int `mapstructure:"port"`

	// QueueTopic enables enqueue mode when non-empty. The cmd layer wires
	// the matching Enqueuer.
	QueueTopic string `mapstructure:"queue_topic"`
}

func DefaultConfig() Config {
	return Config{
		Port:       8080,
		QueueTopic: "",
	}
}

// Service handles device telemetry submissions over HTTP.
type Service struct {
	pipeline Pipeline
	enqueuer Enqueuer
	config   Config
}

// NewService creates the ingest API service. enqueuer may be nil, in which
// case every request runs the pipeline inline.
func NewService(pipeline Pipeline, enqueuer Enqueuer, config Config) *Service {
	return &Service{
		pipeline: pipeline,
		enqueuer: enqueuer,
		config:   config,
	}
}

// Handler builds the route table. Split from Run for httptest.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/devices/log", s.credentialMiddleware(s.handleLog))
	mux.HandleFunc("POST /api/v1/devices/status", s.credentialMiddleware(s.handleStatus))
	mux.HandleFunc("GET /healthz", s.healthCheck)
	return mux
}

// Run starts the HTTP server and blocks until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Starting ingest API service", "addr", addr, "enqueueMode", s.enqueuer != nil)

	errChan := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

func (s *Service) healthCheck(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleLog accepts a batch of sensor readings for one device and group.
func (s *Service) handleLog(w http.ResponseWriter, req *http.Request) {
	credential, ok := CredentialFromContext(req.Context())
	if !ok {
		http.Error(w, "credential not found in context", http.StatusInternalServerError)
		return
	}

	var body ingest.DeviceLogBody
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("invalid JSON: %v", err), http.StatusBadRequest)
		return
	}
	if body.DeviceID == "" || body.GroupID == "" {
		http.Error(w, "device_id and group_id are required", http.StatusBadRequest)
		return
	}

	if s.enqueuer != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			http.Error(w, "failed to encode body", http.StatusInternalServerError)
			return
		}
		if err := s.enqueuer.Enqueue(req.Context(), credential, body.DeviceID, raw); err != nil {
			logctx.FromContext(req.Context()).Error("enqueue failed",
				slog.String("deviceID", body.DeviceID), slog.Any("error", err))
			http.Error(w, "failed to queue readings", http.StatusInternalServerError)
			return
		}
		writeAccepted(w)
		return
	}

	if err := s.pipeline.Ingest(req.Context(), ingest.Request{Credential: credential, Body: body}); err != nil {
		writeIngestError(w, req, err)
		return
	}
	writeAccepted(w)
}

// handleStatus records a device heartbeat without readings.
func (s *Service) handleStatus(w http.ResponseWriter, req *http.Request) {
	credential, ok := CredentialFromContext(req.Context())
	if !ok {
		http.Error(w, "credential not found in context", http.StatusInternalServerError)
		return
	}

	var body struct {
		DeviceID string `json:"device_id"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("invalid JSON: %v", err), http.StatusBadRequest)
		return
	}
	if body.DeviceID == "" {
		http.Error(w, "device_id is required", http.StatusBadRequest)
		return
	}

	if err := s.pipeline.Heartbeat(req.Context(), credential, body.DeviceID); err != nil {
		writeIngestError(w, req, err)
		return
	}
	writeAccepted(w)
}

func writeAccepted(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": "Success"})
}

// writeIngestError maps pipeline error kinds onto coarse HTTP responses.
// Bodies stay generic so callers cannot probe which check failed.
func writeIngestError(w http.ResponseWriter, req *http.Request, err error) {
	var ierr *ingest.Error
	status := http.StatusInternalServerError
	if errors.As(err, &ierr) {
		status = ierr.Kind.HTTPStatus()
	}
	if status >= http.StatusInternalServerError {
		logctx.FromContext(req.Context()).Error("ingest request failed", slog.Any("error", err))
	}
	http.Error(w, http.StatusText(status), status)
}
