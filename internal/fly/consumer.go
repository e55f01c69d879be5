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

package fly

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageHandler processes a single consumed message. Returning an error
// leaves the message uncommitted so the group redelivers it.
type MessageHandler func(ctx context.Context, message ConsumedMessage) error

// Consumer provides high-level Kafka consumer functionality
type Consumer interface {
	// Consume runs the fetch/handle/commit loop until ctx is done.
	Consume(ctx context.Context, handler MessageHandler) error

	// Close the consumer
	Close() error
}

// ConsumerConfig contains configuration for the Kafka consumer
type ConsumerConfig struct {
	Topic       string
	GroupID     string
	StartOffset int64
	AutoCommit  bool
}

// DefaultConsumerConfig returns a consumer config starting at the first
// uncommitted offset with explicit post-handle commits.
func DefaultConsumerConfig(topic, groupID string) ConsumerConfig {
	return ConsumerConfig{
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.FirstOffset,
		AutoCommit:  false,
	}
}

// TailConsumerConfig returns a consumer config for live fan-out: start at
// the latest offset and never re-read history.
func TailConsumerConfig(topic, groupID string) ConsumerConfig {
	return ConsumerConfig{
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
		AutoCommit:  true,
	}
}

// kafkaConsumer implements the Consumer interface using segmentio/kafka-go
type kafkaConsumer struct {
	config ConsumerConfig
	reader *kafka.Reader
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cluster *Config, config ConsumerConfig) (Consumer, error) {
	mechanism, err := cluster.SASL()
	if err != nil {
		return nil, err
	}

	dialer := &kafka.Dialer{
		Timeout:       10 * time.Second,
		SASLMechanism: mechanism,
		TLS:           cluster.TLS(),
	}

	commitInterval := time.Duration(0) // synchronous commits unless auto
	if config.AutoCommit {
		commitInterval = time.Second
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cluster.Brokers,
		Topic:          config.Topic,
		GroupID:        config.GroupID,
		MinBytes:       cluster.ConsumerMinBytes,
		MaxBytes:       cluster.ConsumerMaxBytes,
		MaxWait:        cluster.ConsumerMaxWait,
		StartOffset:    config.StartOffset,
		Dialer:         dialer,
		CommitInterval: commitInterval,
	})

	return &kafkaConsumer{config: config, reader: reader}, nil
}

func (c *kafkaConsumer) Consume(ctx context.Context, handler MessageHandler) error {
	for {
		var km kafka.Message
		var err error
		if c.config.AutoCommit {
			// ReadMessage commits as it goes (batched by CommitInterval).
			km, err = c.reader.ReadMessage(ctx)
		} else {
			km, err = c.reader.FetchMessage(ctx)
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("fetch message from %s: %w", c.config.Topic, err)
		}

		if err := handler(ctx, fromKafka(km)); err != nil {
			// Handler failed; leave the offset uncommitted and surface the
			// error so the caller decides whether to keep consuming.
			return err
		}

		if !c.config.AutoCommit {
			if err := c.reader.CommitMessages(ctx, km); err != nil {
				return fmt.Errorf("commit offset for %s: %w", c.config.Topic, err)
			}
		}
	}
}

func (c *kafkaConsumer) Close() error {
	return c.reader.Close()
}
