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

// Package ownership performs the authoritative database authorization check
// the cache is a shortcut for: credential to account, device to account,
// group and sensors to device. It is the slow path and must stay correct
// even though cache hits bypass it.
package ownership

import (
	"context"
	"errors"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cardinalhq/devicehub/devicedb"
	"github.com/cardinalhq/devicehub/internal/authcache"
)

// TokenScope is the credential scope unattended devices log under.
const TokenScope = "log"

var (
	ErrBadCredential  = errors.New("credential does not resolve")
	ErrDeviceNotFound = errors.New("device not found")

	// ErrOwnershipMismatch deliberately does not say which of account,
	// group or sensor failed, to avoid leaking ownership structure to an
	// unauthorized caller.
	ErrOwnershipMismatch = errors.New("ownership mismatch")
)

// Store is the slice of devicedb the validator needs.
type Store interface {
	ResolveToken(ctx context.Context, token, scope string) (uuid.UUID, error)
	GetDeviceByExternalID(ctx context.Context, externalID string) (*devicedb.DeviceDetail, error)
	GetGroupSensorIDs(ctx context.Context, groupID uuid.UUID, sensorIDs []uuid.UUID) ([]devicedb.GroupSensorID, error)
}

type Validator struct {
	store Store
}

func NewValidator(store Store) *Validator {
	return &Validator{store: store}
}

// Validate checks that credential owns deviceID, that groupID is one of the
// device's groups, and that every requested sensor belongs to the device.
// On success it returns a fully populated cache entry including the
// group_sensors join ids readings are stored under.
func (v *Validator) Validate(ctx context.Context, credential, deviceID, groupID string, sensorIDs []string) (*authcache.Entry, error) {
	var (
		accountID uuid.UUID
		tokenErr  error
		device    *devicedb.DeviceDetail
		deviceErr error
	)

	// The two lookups are independent; run them together and apply error
	// precedence afterwards so a missing device never masks a bad
	// credential check and vice versa.
	var g errgroup.Group
	g.Go(func() error {
		accountID, tokenErr = v.store.ResolveToken(ctx, credential, TokenScope)
		return nil
	})
	g.Go(func() error {
		device, deviceErr = v.store.GetDeviceByExternalID(ctx, deviceID)
		return nil
	})
	_ = g.Wait()

	if tokenErr != nil {
		if errors.Is(tokenErr, devicedb.ErrNotFound) {
			return nil, ErrBadCredential
		}
		return nil, fmt.Errorf("resolve credential: %w", tokenErr)
	}
	if deviceErr != nil {
		if errors.Is(deviceErr, devicedb.ErrNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("resolve device: %w", deviceErr)
	}

	if device.AccountID != accountID {
		return nil, ErrOwnershipMismatch
	}

	groupUUID, ok := device.Groups[groupID]
	if !ok {
		return nil, ErrOwnershipMismatch
	}

	sensorUUIDs := make([]uuid.UUID, 0, len(sensorIDs))
	for _, sid := range sensorIDs {
		su, ok := device.Sensors[sid]
		if !ok {
			return nil, ErrOwnershipMismatch
		}
		sensorUUIDs = append(sensorUUIDs, su)
	}

	joins, err := v.store.GetGroupSensorIDs(ctx, groupUUID, sensorUUIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve group sensor ids: %w", err)
	}

	idMap := make(map[string]int64, len(joins))
	for _, j := range joins {
		idMap[j.SensorExternalID] = j.ID
	}

	return &authcache.Entry{
		DeviceExternalID: deviceID,
		GroupExternalID:  groupID,
		SensorIDs:        mapset.NewSet(sensorIDs...),
		SensorIDMap:      idMap,
		AccountID:        accountID,
		DeviceID:         device.ID,
		GroupID:          groupUUID,
		FirmwareVersion:  device.FirmwareVersion,
	}, nil
}
