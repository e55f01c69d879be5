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

// Package streamapi serves live device telemetry to dashboards as
// Server-Sent Events, fed by the shared live bus dispatcher.
package streamapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cardinalhq/devicehub/devicedb"
	"github.com/cardinalhq/devicehub/internal/livebus"
	"github.com/cardinalhq/devicehub/internal/logctx"
)

// keepAliveInterval spaces SSE comment lines so idle streams survive
// proxies that reap quiet connections.
const keepAliveInterval = 30 * time.Second

// Store is the database surface the stream API needs.
type Store interface {
	ResolveSession(ctx context.Context, token string) (uuid.UUID, error)
	GetAccountDevice(ctx context.Context, accountID uuid.UUID, externalID string) (uuid.UUID, error)
}

// Bus is the subscription surface of the live dispatcher.
type Bus interface {
	Subscribe(channelIDs []string) *livebus.Subscription
	Unsubscribe(sub *livebus.Subscription)
}

type Config struct {
	Port int `mapstructure:"port"`
}

func DefaultConfig() Config {
	return Config{Port: 8081}
}

// Service streams broadcast events to authenticated dashboard clients.
type Service struct {
	store  Store
	bus    Bus
	config Config
}

func NewService(store Store, bus Bus, config Config) *Service {
	return &Service{
		store:  store,
		bus:    bus,
		config: config,
	}
}

// Handler builds the route table. Split from Run for httptest.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/devices/{deviceID}/stream", s.sessionMiddleware(s.handleSingleStream))
	mux.HandleFunc("GET /api/v1/devices/stream", s.sessionMiddleware(s.handleMultiStream))
	mux.HandleFunc("GET /healthz", s.healthCheck)
	return mux
}

// Run starts the HTTP server and blocks until ctx is done. WriteTimeout is
// deliberately unset; SSE responses are open-ended.
func (s *Service) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Starting stream API service", "addr", addr)

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

func (s *Service) handleSingleStream(w http.ResponseWriter, req *http.Request) {
	s.stream(w, req, []string{req.PathValue("deviceID")})
}

func (s *Service) handleMultiStream(w http.ResponseWriter, req *http.Request) {
	raw := req.URL.Query().Get("deviceIds")
	var deviceIDs []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			deviceIDs = append(deviceIDs, id)
		}
	}
	if len(deviceIDs) == 0 {
		http.Error(w, "deviceIds query parameter is required", http.StatusBadRequest)
		return
	}
	s.stream(w, req, deviceIDs)
}

// stream verifies the account owns every requested device, then relays bus
// deliveries as SSE until the client disconnects.
func (s *Service) stream(w http.ResponseWriter, req *http.Request, deviceIDs []string) {
	accountID, ok := AccountIDFromContext(req.Context())
	if !ok {
		http.Error(w, "account ID not found in context", http.StatusInternalServerError)
		return
	}

	for _, deviceID := range deviceIDs {
		if _, err := s.store.GetAccountDevice(req.Context(), accountID, deviceID); err != nil {
			if errors.Is(err, devicedb.ErrNotFound) {
				http.Error(w, fmt.Sprintf("unknown device: %s", deviceID), http.StatusNotFound)
				return
			}
			logctx.FromContext(req.Context()).Error("device ownership check failed",
				slog.String("deviceID", deviceID), slog.Any("error", err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.bus.Subscribe(deviceIDs)
	defer s.bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-req.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case delivery, open := <-sub.Events():
			if !open {
				return
			}
			if err := writeEvent(w, delivery); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// wireEvent is the SSE data payload: the broadcast envelope plus the channel
// it arrived on, so multi-device streams can tell events apart.
type wireEvent struct {
	livebus.Envelope
	ChannelID string `json:"channelId,omitempty"`
}

func writeEvent(w http.ResponseWriter, delivery livebus.Delivery) error {
	data, err := json.Marshal(wireEvent{
		Envelope:  delivery.Envelope,
		ChannelID: delivery.ChannelID,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", delivery.Envelope.Type, data)
	return err
}
