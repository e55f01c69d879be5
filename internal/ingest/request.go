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

package ingest

// SensorReading is one sample as a device puts it on the wire. Timestamp is
// unix seconds; when omitted, ingestion time is used.
type SensorReading struct {
	SensorID  string  `json:"sensor_id"`
	Timestamp *int64  `json:"timestamp,omitempty"`
	Value     float64 `json:"value"`
}

// DeviceLogBody is the batch payload devices POST, and the same shape the
// background queue worker consumes.
type DeviceLogBody struct {
	DeviceID string          `json:"device_id"`
	GroupID  string          `json:"group_id"`
	Sensors  []SensorReading `json:"sensors"`
}

// SensorIDs returns the distinct sensor external ids in the batch, in first
// appearance order.
func (b DeviceLogBody) SensorIDs() []string {
	seen := make(map[string]struct{}, len(b.Sensors))
	out := make([]string, 0, len(b.Sensors))
	for _, s := range b.Sensors {
		if _, ok := seen[s.SensorID]; ok {
			continue
		}
		seen[s.SensorID] = struct{}{}
		out = append(out, s.SensorID)
	}
	return out
}

// Request is one ingestion attempt: the batch plus the opaque credential it
// arrived under.
type Request struct {
	Credential string
	Body       DeviceLogBody
}
