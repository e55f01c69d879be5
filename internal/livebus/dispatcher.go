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
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/cardinalhq/devicehub/internal/fly"
)

// subscriberBuffer bounds how many undelivered events one slow client can
// hold before the dispatcher starts dropping for it.
const subscriberBuffer = 64

// Delivery is one routed event with the channel it arrived on.
type Delivery struct {
	ChannelID string
	Envelope  Envelope
}

// Subscription is one logical subscriber spanning one or more device
// channels. Events arrive on Events() until Unsubscribe.
type Subscription struct {
	channels  mapset.Set[string]
	events    chan Delivery
	closeOnce sync.Once
}

// Events is the subscriber's receive side. It is closed by Unsubscribe.
func (s *Subscription) Events() <-chan Delivery {
	return s.events
}

// Channels returns the deduplicated channel set this subscription covers.
func (s *Subscription) Channels() []string {
	return s.channels.ToSlice()
}

// Dispatcher multiplexes one shared bus reader across all live
// subscriptions in the process, routing each inbound event only to
// subscriptions whose channel set contains the event's channel.
type Dispatcher struct {
	logger *slog.Logger

	mu      sync.RWMutex
	byChan  map[string]map[*Subscription]struct{}
	dropped atomic.Int64
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger: logger,
		byChan: make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe registers interest in the given channels, deduplicating
// repeats, and synthesizes a connected event so the client sees the stream
// is live before any real traffic.
func (d *Dispatcher) Subscribe(channelIDs []string) *Subscription {
	sub := &Subscription{
		channels: mapset.NewSet(channelIDs...),
		events:   make(chan Delivery, subscriberBuffer),
	}

	// The connected event goes into the buffer before the subscription is
	// registered, so a concurrent Dispatch can never land ahead of it.
	env, err := Marshal(Connected{})
	if err == nil {
		sub.events <- Delivery{Envelope: env}
	}

	d.mu.Lock()
	for ch := range sub.channels.Iter() {
		set, ok := d.byChan[ch]
		if !ok {
			set = make(map[*Subscription]struct{})
			d.byChan[ch] = set
		}
		set[sub] = struct{}{}
	}
	d.mu.Unlock()

	return sub
}

// Unsubscribe releases the subscription's channel registrations and closes
// its event stream. Safe to call more than once; other subscriptions
// sharing a channel are unaffected.
func (d *Dispatcher) Unsubscribe(sub *Subscription) {
	sub.closeOnce.Do(func() {
		d.mu.Lock()
		for ch := range sub.channels.Iter() {
			if set, ok := d.byChan[ch]; ok {
				delete(set, sub)
				if len(set) == 0 {
					delete(d.byChan, ch)
				}
			}
		}
		close(sub.events)
		d.mu.Unlock()
	})
}

// SubscriberCount reports how many local subscriptions cover a channel.
func (d *Dispatcher) SubscriberCount(channel string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byChan[channel])
}

// Run tails the bus until ctx is done, re-dialing with a short backoff so a
// briefly unavailable broker doesn't kill long-lived dashboard streams.
func (d *Dispatcher) Run(ctx context.Context, newConsumer func() (fly.Consumer, error)) error {
	for {
		consumer, err := newConsumer()
		if err != nil {
			d.logger.Error("live bus consumer setup failed", slog.Any("error", err))
		} else {
			err = consumer.Consume(ctx, func(_ context.Context, msg fly.ConsumedMessage) error {
				d.Dispatch(string(msg.Key), msg.Value)
				return nil
			})
			_ = consumer.Close()
			if err != nil {
				d.logger.Warn("live bus consume interrupted", slog.Any("error", err))
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

// Dispatch fans one inbound event out to the subscriptions watching its
// channel. Slow subscribers get drops, not backpressure onto the bus.
func (d *Dispatcher) Dispatch(channel string, payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		d.logger.Error("undecodable broadcast event", slog.String("channel", channel), slog.Any("error", err))
		return
	}

	delivery := Delivery{ChannelID: channel, Envelope: env}

	d.mu.RLock()
	defer d.mu.RUnlock()
	for sub := range d.byChan[channel] {
		select {
		case sub.events <- delivery:
		default:
			d.dropped.Add(1)
			d.logger.Warn("dropping event for slow subscriber", slog.String("channel", channel))
		}
	}
}
