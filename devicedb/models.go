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

package devicedb

import (
	"time"

	"github.com/google/uuid"
)

// DeviceDetail is everything the ownership check needs about one device,
// fetched in a single store call. Group and sensor maps are keyed by the
// external identifiers devices put on the wire.
type DeviceDetail struct {
	ID              uuid.UUID
	AccountID       uuid.UUID
	ExternalID      string
	FirmwareVersion string

	// external group id -> group row id
	Groups map[string]uuid.UUID
	// external sensor id -> sensor row id
	Sensors map[string]uuid.UUID
}

// GroupSensorID binds a sensor's external id to the group_sensors row id
// readings are stored under.
type GroupSensorID struct {
	SensorExternalID string
	ID               int64
}

// Reading is one resolved sample ready for durable insert.
type Reading struct {
	GroupSensorID int64
	Ts            time.Time
	Value         float64
}
