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

// Package ingestworker drains the ingest queue through the same pipeline the
// synchronous API uses. The queue absorbs device bursts; the worker trades
// latency for a bounded database write rate.
package ingestworker

import (
	"context"

	"github.com/cardinalhq/devicehub/internal/fly"
)

const (
	DefaultTopic    = "devicehub.ingest"
	DefaultDLQTopic = "devicehub.ingest.dlq"
	DefaultGroup    = "devicehub"

	// CredentialHeader carries the opaque device credential alongside the
	// body so queued submissions go through the same ownership checks.
	CredentialHeader = "credential"

	// AttemptHeader counts delivery attempts across re-produces.
	AttemptHeader = "attempt"

	// ErrorHeader records the final failure on dead-lettered messages.
	ErrorHeader = "error"
)

type Config struct {
	Topic         string `mapstructure:"topic"`
	DLQTopic      string `mapstructure:"dlq_topic"`
	ConsumerGroup string `mapstructure:"consumer_group"`

	// MaxAttempts bounds redelivery of transiently failing messages before
	// they move to the dead-letter topic.
	MaxAttempts int `mapstructure:"max_attempts"`
}

func DefaultConfig() Config {
	return Config{
		Topic:         DefaultTopic,
		DLQTopic:      DefaultDLQTopic,
		ConsumerGroup: DefaultGroup,
		MaxAttempts:   3,
	}
}

// Enqueuer publishes accepted log bodies onto the ingest topic, keyed by
// device so one device's readings stay ordered within a partition.
type Enqueuer struct {
	producer fly.Producer
	topic    string
}

func NewEnqueuer(producer fly.Producer, topic string) *Enqueuer {
	return &Enqueuer{producer: producer, topic: topic}
}

func (e *Enqueuer) Enqueue(ctx context.Context, credential, deviceExternalID string, body []byte) error {
	return e.producer.Send(ctx, e.topic, fly.Message{
		Key:   []byte(deviceExternalID),
		Value: body,
		Headers: map[string]string{
			CredentialHeader: credential,
		},
	})
}
