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

// Package livebus fans accepted ingestion batches out to live dashboard
// viewers. The publisher writes one event per batch to a Kafka topic keyed
// by the device channel; a process-wide dispatcher tails the topic on a
// single shared reader and routes each event only to subscriptions whose
// channel set contains the message key. Events are never persisted; loss
// while the bus is down is accepted.
package livebus

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminates the broadcast event union.
type EventType string

const (
	// EventTypeConnected is synthesized once when a subscriber attaches,
	// before any real events, so clients can tell "stream open, no data
	// yet" from "stream broken".
	EventTypeConnected EventType = "connected"

	// EventTypeNewSensors carries the readings just persisted for a device.
	EventTypeNewSensors EventType = "new sensors"

	// EventTypeStatus is a heartbeat without readings.
	EventTypeStatus EventType = "status"
)

// Event is the broadcast event union. Exactly the three types below
// implement it.
type Event interface {
	EventType() EventType
}

type Connected struct{}

func (Connected) EventType() EventType { return EventTypeConnected }

type SensorValues struct {
	GroupSensorID int64     `json:"groupSensorId"`
	Values        []float64 `json:"values"`
}

type NewSensors struct {
	DeviceID        string         `json:"deviceId"`
	LastValueAt     time.Time      `json:"lastValueAt"`
	FirmwareVersion string         `json:"firmwareVersion"`
	Sensors         []SensorValues `json:"sensors"`
}

func (NewSensors) EventType() EventType { return EventTypeNewSensors }

type Status struct {
	DeviceID        string `json:"deviceId"`
	FirmwareVersion string `json:"firmwareVersion"`
}

func (Status) EventType() EventType { return EventTypeStatus }

// Envelope is the wire framing: a type tag plus the type-specific payload.
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Marshal wraps an event in its envelope.
func Marshal(ev Event) (Envelope, error) {
	switch ev.(type) {
	case Connected, *Connected, NewSensors, *NewSensors, Status, *Status:
	default:
		return Envelope{}, fmt.Errorf("unknown event type %T", ev)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s event: %w", ev.EventType(), err)
	}
	return Envelope{Type: ev.EventType(), Data: data}, nil
}

// Decode unwraps an envelope back into its concrete event.
func (e Envelope) Decode() (Event, error) {
	switch e.Type {
	case EventTypeConnected:
		var ev Connected
		if err := json.Unmarshal(e.Data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", e.Type, err)
		}
		return ev, nil
	case EventTypeNewSensors:
		var ev NewSensors
		if err := json.Unmarshal(e.Data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", e.Type, err)
		}
		return ev, nil
	case EventTypeStatus:
		var ev Status
		if err := json.Unmarshal(e.Data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", e.Type, err)
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("unknown broadcast event type %q", e.Type)
	}
}
