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
	"sync"

	"github.com/segmentio/kafka-go"
)

// Producer provides high-level Kafka producer functionality
type Producer interface {
	// Send with automatic key-hash partitioning
	Send(ctx context.Context, topic string, message Message) error

	// BatchSend for efficient bulk operations
	BatchSend(ctx context.Context, topic string, messages []Message) error

	// Close the producer
	Close() error
}

// kafkaProducer implements the Producer interface using segmentio/kafka-go.
// Writers are created lazily per topic and share one transport.
type kafkaProducer struct {
	config    *Config
	transport *kafka.Transport
	writers   map[string]*kafka.Writer
	writersMu sync.RWMutex
}

// NewProducer creates a new Kafka producer
func NewProducer(config *Config) (Producer, error) {
	mechanism, err := config.SASL()
	if err != nil {
		return nil, err
	}

	return &kafkaProducer{
		config: config,
		transport: &kafka.Transport{
			SASL: mechanism,
			TLS:  config.TLS(),
		},
		writers: make(map[string]*kafka.Writer),
	}, nil
}

func (p *kafkaProducer) getWriter(topic string) *kafka.Writer {
	p.writersMu.RLock()
	w, ok := p.writers[topic]
	p.writersMu.RUnlock()
	if ok {
		return w
	}

	p.writersMu.Lock()
	defer p.writersMu.Unlock()

	// Double-check after acquiring write lock
	if w, ok := p.writers[topic]; ok {
		return w
	}

	w = &kafka.Writer{
		Addr:         kafka.TCP(p.config.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    p.config.ProducerBatchSize,
		BatchTimeout: p.config.ProducerBatchTimeout,
		RequiredAcks: kafka.RequireOne,
		Transport:    p.transport,
	}
	p.writers[topic] = w
	return w
}

func (p *kafkaProducer) Send(ctx context.Context, topic string, message Message) error {
	return p.getWriter(topic).WriteMessages(ctx, message.toKafka())
}

func (p *kafkaProducer) BatchSend(ctx context.Context, topic string, messages []Message) error {
	if len(messages) == 0 {
		return nil
	}
	kms := make([]kafka.Message, len(messages))
	for i := range messages {
		kms[i] = messages[i].toKafka()
	}
	return p.getWriter(topic).WriteMessages(ctx, kms...)
}

func (p *kafkaProducer) Close() error {
	p.writersMu.Lock()
	defer p.writersMu.Unlock()

	var firstErr error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.writers, topic)
	}
	return firstErr
}
