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

package ingestworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cardinalhq/devicehub/internal/fly"
	"github.com/cardinalhq/devicehub/internal/ingest"
	"github.com/cardinalhq/devicehub/internal/logctx"
)

// Pipeline is the ingestion surface the worker drives.
type Pipeline interface {
	Ingest(ctx context.Context, req ingest.Request) error
}

// Worker consumes queued DeviceLogBody submissions and runs them through the
// ingestion pipeline. Transient failures are re-produced with an incremented
// attempt header; exhausted or permanently failing messages move to the
// dead-letter topic. The group offset only advances once a message has been
// resolved one of those three ways.
type Worker struct {
	pipeline Pipeline
	producer fly.Producer
	config   Config
	logger   *slog.Logger
}

func NewWorker(pipeline Pipeline, producer fly.Producer, config Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		pipeline: pipeline,
		producer: producer,
		config:   config,
		logger:   logger,
	}
}

// Run consumes until ctx is done, rebuilding the consumer after failures.
func (w *Worker) Run(ctx context.Context, newConsumer func() (fly.Consumer, error)) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		consumer, err := newConsumer()
		if err != nil {
			w.logger.Error("failed to create ingest consumer", slog.Any("error", err))
		} else {
			err = consumer.Consume(logctx.WithLogger(ctx, w.logger), w.Handle)
			_ = consumer.Close()
			if err != nil {
				w.logger.Error("ingest consume loop failed", slog.Any("error", err))
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

// Handle resolves a single queued message. It returns an error only when the
// message could not be resolved at all (re-produce or dead-letter failed), so
// the offset stays uncommitted and the group redelivers it.
func (w *Worker) Handle(ctx context.Context, msg fly.ConsumedMessage) error {
	credential := msg.Header(CredentialHeader)
	ll := w.logger.With(slog.String("deviceID", string(msg.Key)))

	var body ingest.DeviceLogBody
	if err := json.Unmarshal(msg.Value, &body); err != nil {
		ll.Warn("dead-lettering undecodable message", slog.Any("error", err))
		return w.deadLetter(ctx, msg, fmt.Errorf("decode body: %w", err))
	}

	err := w.pipeline.Ingest(logctx.WithLogger(ctx, ll), ingest.Request{
		Credential: credential,
		Body:       body,
	})
	if err == nil {
		return nil
	}

	if !retryable(err) {
		ll.Warn("dead-lettering rejected message", slog.Any("error", err))
		return w.deadLetter(ctx, msg, err)
	}

	attempt := attemptOf(msg)
	if attempt+1 >= w.config.MaxAttempts {
		ll.Warn("dead-lettering message after retries exhausted",
			slog.Int("attempts", attempt+1), slog.Any("error", err))
		return w.deadLetter(ctx, msg, err)
	}

	ll.Info("re-queueing failed message", slog.Int("attempt", attempt+1), slog.Any("error", err))
	return w.requeue(ctx, msg, attempt+1)
}

// retryable reports whether redelivery could plausibly succeed. Authorization
// verdicts are authoritative; only processing and infrastructure failures are
// worth another attempt.
func retryable(err error) bool {
	var ierr *ingest.Error
	if !errors.As(err, &ierr) {
		return true
	}
	switch ierr.Kind {
	case ingest.KindProcessingFailed, ingest.KindUnexpected:
		return true
	default:
		return false
	}
}

func attemptOf(msg fly.ConsumedMessage) int {
	attempt, err := strconv.Atoi(msg.Header(AttemptHeader))
	if err != nil || attempt < 0 {
		return 0
	}
	return attempt
}

func (w *Worker) requeue(ctx context.Context, msg fly.ConsumedMessage, attempt int) error {
	headers := map[string]string{
		CredentialHeader: msg.Header(CredentialHeader),
		AttemptHeader:    strconv.Itoa(attempt),
	}
	if err := w.producer.Send(ctx, w.config.Topic, fly.Message{
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	}); err != nil {
		return fmt.Errorf("requeue message: %w", err)
	}
	return nil
}

func (w *Worker) deadLetter(ctx context.Context, msg fly.ConsumedMessage, cause error) error {
	headers := map[string]string{
		CredentialHeader: msg.Header(CredentialHeader),
		ErrorHeader:      cause.Error(),
	}
	if err := w.producer.Send(ctx, w.config.DLQTopic, fly.Message{
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	}); err != nil {
		return fmt.Errorf("dead-letter message: %w", err)
	}
	return nil
}
