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

package config

import (
	"reflect"
	"strings"

	"github.com/spf13/viper"

	"github.com/cardinalhq/devicehub/internal/authcache"
	"github.com/cardinalhq/devicehub/internal/fly"
	"github.com/cardinalhq/devicehub/internal/ingest"
	"github.com/cardinalhq/devicehub/internal/ingestapi"
	"github.com/cardinalhq/devicehub/internal/ingestworker"
	"github.com/cardinalhq/devicehub/internal/streamapi"
)

// Config aggregates configuration for the application.
// Each field is owned by its respective package.
type Config struct {
	Fly       fly.Config          `mapstructure:"fly"`
	AuthCache authcache.Config    `mapstructure:"authcache"`
	Ingest    ingest.Config       `mapstructure:"ingest"`
	IngestAPI ingestapi.Config    `mapstructure:"ingest_api"`
	StreamAPI streamapi.Config    `mapstructure:"stream_api"`
	Worker    ingestworker.Config `mapstructure:"worker"`
}

// Load reads configuration from files and environment variables.
// Environment variables use the prefix "DEVICEHUB" and the dot character
// in keys is replaced by an underscore. For example, "fly.brokers" becomes
// "DEVICEHUB_FLY_BROKERS".
func Load() (*Config, error) {
	cfg := &Config{
		Fly:       *fly.DefaultConfig(),
		AuthCache: authcache.DefaultConfig(),
		Ingest:    ingest.DefaultConfig(),
		IngestAPI: ingestapi.DefaultConfig(),
		StreamAPI: streamapi.DefaultConfig(),
		Worker:    ingestworker.DefaultConfig(),
	}

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("DEVICEHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)
	_ = v.ReadInConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if b := v.GetString("fly.brokers"); b != "" {
		cfg.Fly.Brokers = strings.Split(b, ",")
	}
	return cfg, nil
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(parts, tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
