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
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalDecode_RoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := NewSensors{
		DeviceID:        "D1",
		LastValueAt:     at,
		FirmwareVersion: "2.0.1",
		Sensors: []SensorValues{
			{GroupSensorID: 101, Values: []float64{21.5}},
			{GroupSensorID: 102, Values: []float64{40.0, 41.2}},
		},
	}

	env, err := Marshal(ev)
	require.NoError(t, err)
	assert.Equal(t, EventTypeNewSensors, env.Type)

	decoded, err := env.Decode()
	require.NoError(t, err)
	got, ok := decoded.(NewSensors)
	require.True(t, ok)
	assert.Equal(t, ev, got)
}

func TestMarshal_StatusAndConnected(t *testing.T) {
	env, err := Marshal(Status{DeviceID: "D1", FirmwareVersion: "2.0.1"})
	require.NoError(t, err)
	assert.Equal(t, EventTypeStatus, env.Type)

	env, err = Marshal(Connected{})
	require.NoError(t, err)
	assert.Equal(t, EventTypeConnected, env.Type)

	decoded, err := env.Decode()
	require.NoError(t, err)
	assert.IsType(t, Connected{}, decoded)
}

func TestDecode_UnknownType(t *testing.T) {
	env := Envelope{Type: "firmware exploded", Data: json.RawMessage(`{}`)}
	_, err := env.Decode()
	assert.Error(t, err)
}

func TestEnvelope_WireShape(t *testing.T) {
	env, err := Marshal(Status{DeviceID: "D1", FirmwareVersion: "1.0"})
	require.NoError(t, err)

	b, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Contains(t, decoded, "type")
	assert.Contains(t, decoded, "data")
}
