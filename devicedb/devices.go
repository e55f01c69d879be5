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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// GetDeviceByExternalID fetches a device plus its group and sensor external
// id maps. Returns ErrNotFound for unknown devices.
func (store *Store) GetDeviceByExternalID(ctx context.Context, externalID string) (*DeviceDetail, error) {
	detail := &DeviceDetail{
		ExternalID: externalID,
		Groups:     make(map[string]uuid.UUID),
		Sensors:    make(map[string]uuid.UUID),
	}

	err := store.connPool.QueryRow(ctx,
		`SELECT id, account_id, firmware_version FROM devices WHERE external_id = $1`,
		externalID,
	).Scan(&detail.ID, &detail.AccountID, &detail.FirmwareVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device %s: %w", externalID, err)
	}

	rows, err := store.connPool.Query(ctx,
		`SELECT external_id, id FROM device_groups WHERE device_id = $1`, detail.ID)
	if err != nil {
		return nil, fmt.Errorf("get device groups %s: %w", externalID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var extID string
		var id uuid.UUID
		if err := rows.Scan(&extID, &id); err != nil {
			return nil, err
		}
		detail.Groups[extID] = id
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = store.connPool.Query(ctx,
		`SELECT external_id, id FROM sensors WHERE device_id = $1`, detail.ID)
	if err != nil {
		return nil, fmt.Errorf("get device sensors %s: %w", externalID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var extID string
		var id uuid.UUID
		if err := rows.Scan(&extID, &id); err != nil {
			return nil, err
		}
		detail.Sensors[extID] = id
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return detail, nil
}

// GetAccountDevice resolves a device external id within one account's
// devices. Used by the stream API ownership check; ErrNotFound covers both
// unknown devices and devices owned by someone else.
func (store *Store) GetAccountDevice(ctx context.Context, accountID uuid.UUID, externalID string) (uuid.UUID, error) {
	var deviceID uuid.UUID
	err := store.connPool.QueryRow(ctx,
		`SELECT id FROM devices WHERE account_id = $1 AND external_id = $2`,
		accountID, externalID,
	).Scan(&deviceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("get account device %s: %w", externalID, err)
	}
	return deviceID, nil
}

// TouchDeviceLiveness marks a device online with a fresh last_value_at.
func (store *Store) TouchDeviceLiveness(ctx context.Context, deviceID uuid.UUID, at time.Time) error {
	_, err := store.connPool.Exec(ctx,
		`UPDATE devices SET last_value_at = $2, online = true WHERE id = $1`,
		deviceID, at)
	if err != nil {
		return fmt.Errorf("touch device liveness %s: %w", deviceID, err)
	}
	return nil
}

// SetDeviceActiveGroup records which sensor group the device last reported
// under.
func (store *Store) SetDeviceActiveGroup(ctx context.Context, deviceID, groupID uuid.UUID) error {
	_, err := store.connPool.Exec(ctx,
		`UPDATE devices SET active_group_id = $2 WHERE id = $1`,
		deviceID, groupID)
	if err != nil {
		return fmt.Errorf("set device active group %s: %w", deviceID, err)
	}
	return nil
}

// GetGroupSensorIDs looks up the group_sensors join row ids binding the
// given sensors to one group. Sensors without a join row are simply absent
// from the result.
func (store *Store) GetGroupSensorIDs(ctx context.Context, groupID uuid.UUID, sensorIDs []uuid.UUID) ([]GroupSensorID, error) {
	rows, err := store.connPool.Query(ctx,
		`SELECT s.external_id, gs.id
		   FROM group_sensors gs
		   JOIN sensors s ON s.id = gs.sensor_id
		  WHERE gs.group_id = $1 AND gs.sensor_id = ANY($2)`,
		groupID, sensorIDs)
	if err != nil {
		return nil, fmt.Errorf("get group sensor ids for group %s: %w", groupID, err)
	}
	defer rows.Close()

	var out []GroupSensorID
	for rows.Next() {
		var gs GroupSensorID
		if err := rows.Scan(&gs.SensorExternalID, &gs.ID); err != nil {
			return nil, err
		}
		out = append(out, gs)
	}
	return out, rows.Err()
}
