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

// Package authcache is the request-path authorization cache: it maps a
// (device credential, device id) pair to the ownership facts the ingestion
// pipeline needs, so the hot path skips the database entirely. Entries are
// derived, never authoritative; the TTL bounds how long a revoked mapping
// can keep flowing.
package authcache

import (
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

// DefaultTTL bounds staleness of a validated entry. A revoked device or
// sensor mapping is honored again within this window without any explicit
// invalidation.
const DefaultTTL = 90 * time.Second

// Entry is one validated (credential, device) authorization. It carries
// everything the pipeline needs on a cache hit so no lookup runs at all.
type Entry struct {
	DeviceExternalID string
	GroupExternalID  string

	// Sensor external ids validated as owned, and their group_sensors row
	// ids readings are stored under.
	SensorIDs   mapset.Set[string]
	SensorIDMap map[string]int64

	// Resolved identities, reused by the fan-out step.
	AccountID       uuid.UUID
	DeviceID        uuid.UUID
	GroupID         uuid.UUID
	FirmwareVersion string
}

type cacheKey struct {
	credential string
	deviceID   string
}

type Config struct {
	TTL time.Duration `mapstructure:"ttl"`
}

func DefaultConfig() Config {
	return Config{TTL: DefaultTTL}
}

// Cache is a TTL-bounded in-process store of validated entries. All methods
// are safe for concurrent use; writes are last-writer-wins.
type Cache struct {
	items *ttlcache.Cache[cacheKey, *Entry]
}

func New(cfg Config) *Cache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		items: ttlcache.New(
			ttlcache.WithTTL[cacheKey, *Entry](ttl),
			// TTL extension is an explicit RefreshTTL call, not a side
			// effect of Get.
			ttlcache.WithDisableTouchOnHit[cacheKey, *Entry](),
		),
	}
	go c.items.Start()
	return c
}

// Stop halts the background expiry loop.
func (c *Cache) Stop() {
	c.items.Stop()
}

// Get returns the entry for (credential, deviceID), or false when absent or
// expired. It never errors; an unusable cache is indistinguishable from a
// miss.
func (c *Cache) Get(credential, deviceID string) (*Entry, bool) {
	item := c.items.Get(cacheKey{credential, deviceID})
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Put stores an entry, overwriting any previous content for the key.
func (c *Cache) Put(credential, deviceID string, entry *Entry) {
	c.items.Set(cacheKey{credential, deviceID}, entry, ttlcache.DefaultTTL)
}

// RefreshTTL extends the entry's expiry without touching its content,
// keeping hot devices warm across batches.
func (c *Cache) RefreshTTL(credential, deviceID string) {
	c.items.Touch(cacheKey{credential, deviceID})
}

// IsValid reports whether a cached entry covers this exact request: device
// and group ids match and the requested sensor set equals the validated
// one. A superset or subset forces revalidation.
func IsValid(entry *Entry, deviceID, groupID string, sensorIDs []string) bool {
	if entry == nil {
		return false
	}
	if entry.DeviceExternalID != deviceID || entry.GroupExternalID != groupID {
		return false
	}
	return entry.SensorIDs.Equal(mapset.NewSet(sensorIDs...))
}
