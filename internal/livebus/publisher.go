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

package livebus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cardinalhq/devicehub/internal/fly"
)

// DefaultTopic is the Kafka topic broadcast events flow through. Device
// channels are message keys within it, so one topic multiplexes every
// device.
const DefaultTopic = "devicehub.live"

// Publisher pushes one broadcast event onto a device channel. Best-effort:
// callers log failures and move on, they never fail ingestion over it.
type Publisher interface {
	Publish(ctx context.Context, channel string, ev Event) error
}

type kafkaPublisher struct {
	producer fly.Producer
	topic    string
}

// NewPublisher wraps a fly producer as the broadcast publisher.
func NewPublisher(producer fly.Producer, topic string) Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &kafkaPublisher{producer: producer, topic: topic}
}

func (p *kafkaPublisher) Publish(ctx context.Context, channel string, ev Event) error {
	env, err := Marshal(ev)
	if err != nil {
		return err
	}
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return p.producer.Send(ctx, p.topic, fly.Message{
		Key:   []byte(channel),
		Value: value,
	})
}
