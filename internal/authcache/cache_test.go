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

package authcache

import (
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntry(device, group string, sensors ...string) *Entry {
	m := make(map[string]int64, len(sensors))
	for i, s := range sensors {
		m[s] = int64(i + 1)
	}
	return &Entry{
		DeviceExternalID: device,
		GroupExternalID:  group,
		SensorIDs:        mapset.NewSet(sensors...),
		SensorIDMap:      m,
	}
}

func TestIsValid_ExactMatchOnly(t *testing.T) {
	entry := testEntry("D1", "G1", "S1", "S2")

	tests := []struct {
		name    string
		device  string
		group   string
		sensors []string
		want    bool
	}{
		{"exact match", "D1", "G1", []string{"S1", "S2"}, true},
		{"order independent", "D1", "G1", []string{"S2", "S1"}, true},
		{"subset of cached", "D1", "G1", []string{"S1"}, false},
		{"superset of cached", "D1", "G1", []string{"S1", "S2", "S3"}, false},
		{"disjoint", "D1", "G1", []string{"S9"}, false},
		{"wrong device", "D2", "G1", []string{"S1", "S2"}, false},
		{"wrong group", "D1", "G2", []string{"S1", "S2"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValid(entry, tt.device, tt.group, tt.sensors))
		})
	}

	assert.False(t, IsValid(nil, "D1", "G1", []string{"S1"}))
}

func TestCache_GetPut(t *testing.T) {
	c := New(DefaultConfig())
	defer c.Stop()

	_, ok := c.Get("T1", "D1")
	assert.False(t, ok)

	c.Put("T1", "D1", testEntry("D1", "G1", "S1"))
	got, ok := c.Get("T1", "D1")
	require.True(t, ok)
	assert.Equal(t, "G1", got.GroupExternalID)

	// same credential, different device is a distinct key
	_, ok = c.Get("T1", "D2")
	assert.False(t, ok)
}

func TestCache_PutOverwrites(t *testing.T) {
	c := New(DefaultConfig())
	defer c.Stop()

	c.Put("T1", "D1", testEntry("D1", "G1", "S1"))
	c.Put("T1", "D1", testEntry("D1", "G2", "S1", "S2"))

	got, ok := c.Get("T1", "D1")
	require.True(t, ok)
	assert.Equal(t, "G2", got.GroupExternalID)
	assert.True(t, got.SensorIDs.Equal(mapset.NewSet("S1", "S2")))
}

func TestCache_TTLExpiry(t *testing.T) {
	c := New(Config{TTL: 50 * time.Millisecond})
	defer c.Stop()

	c.Put("T1", "D1", testEntry("D1", "G1", "S1"))
	_, ok := c.Get("T1", "D1")
	require.True(t, ok)

	time.Sleep(80 * time.Millisecond)
	_, ok = c.Get("T1", "D1")
	assert.False(t, ok, "entry past TTL must be a miss")
}

func TestCache_RefreshTTLExtendsExpiry(t *testing.T) {
	c := New(Config{TTL: 100 * time.Millisecond})
	defer c.Stop()

	c.Put("T1", "D1", testEntry("D1", "G1", "S1"))

	// Refresh just before expiry; the entry must survive past the original
	// deadline.
	time.Sleep(60 * time.Millisecond)
	c.RefreshTTL("T1", "D1")
	time.Sleep(60 * time.Millisecond)

	_, ok := c.Get("T1", "D1")
	assert.True(t, ok, "refreshed entry must still be live past the original TTL")
}

func TestCache_GetDoesNotExtendTTL(t *testing.T) {
	c := New(Config{TTL: 80 * time.Millisecond})
	defer c.Stop()

	c.Put("T1", "D1", testEntry("D1", "G1", "S1"))

	time.Sleep(50 * time.Millisecond)
	_, ok := c.Get("T1", "D1")
	require.True(t, ok)
	time.Sleep(50 * time.Millisecond)

	_, ok = c.Get("T1", "D1")
	assert.False(t, ok, "a plain Get must not extend the TTL")
}
