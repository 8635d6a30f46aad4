/*
Copyright 2025 LightQ Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"time"

	"github.com/gravitational/trace"

	"github.com/lightq/lightq/lib/service"
)

// CommandLineFlags holds the subset of options settable from the
// command line; they win over the config file.
type CommandLineFlags struct {
	// ConfigFile is the path to the YAML configuration file.
	ConfigFile string
	// ListenAddr overrides the HTTP listen address.
	ListenAddr string
	// Debug lowers the log level to debug.
	Debug bool
}

// ApplyFileConfig applies the parsed file onto the service config.
// Zero values leave the target untouched so service defaults apply.
func ApplyFileConfig(fc *FileConfig, cfg *service.Config) error {
	if fc == nil {
		return nil
	}
	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	if fc.MongoURI != "" {
		cfg.MongoURI = fc.MongoURI
	}
	if fc.MongoDatabase != "" {
		cfg.MongoDatabase = fc.MongoDatabase
	}
	if fc.RedisAddr != "" {
		cfg.RedisAddr = fc.RedisAddr
	}

	q := fc.Queue
	if q.MessageAllowedToFetch < 0 {
		return trace.BadParameter("message-allowed-to-fetch must be positive")
	}
	cfg.MessageAllowedToFetch = q.MessageAllowedToFetch
	cfg.PersistenceTTL = time.Duration(q.PersistenceDurationMinutes) * time.Minute
	cfg.CacheTTL = time.Duration(q.CacheTTLMinutes) * time.Minute
	cfg.CacheMaxEntriesPerGroup = q.CacheMaxEntriesPerGroup
	cfg.VisibilityTimeout = time.Duration(q.VisibilityTimeoutSeconds) * time.Second
	cfg.MaxDeliveryAttempts = q.MaxDeliveryAttempts
	if q.DLQSuffix != "" {
		cfg.DLQSuffix = q.DLQSuffix
	}
	cfg.DLQTTL = time.Duration(q.DLQTTLMinutes) * time.Minute
	cfg.AsyncPersistence = q.AsyncPersistence
	cfg.AllowAsyncScheduled = q.AllowAsyncScheduled
	cfg.PromoterInterval = time.Duration(q.ScheduledPromoterRateMS) * time.Millisecond
	cfg.IndexCacheMaxGroups = q.IndexCacheMaxGroups
	cfg.IndexCacheExpire = time.Duration(q.IndexCacheExpireMinutes) * time.Minute

	cfg.RedisCommandTimeout = time.Duration(fc.Redis.CommandTimeoutSeconds) * time.Second
	cfg.ShutdownTimeout = time.Duration(fc.Redis.ShutdownTimeoutSeconds) * time.Second

	wb := fc.WriteBehind
	if wb.Max > 0 && wb.Max < wb.Core {
		return trace.BadParameter("write-behind max (%v) must not be below core (%v)", wb.Max, wb.Core)
	}
	cfg.WriteBehindWorkers = wb.Core
	cfg.WriteBehindMaxWorkers = wb.Max
	cfg.WriteBehindQueue = wb.Queue

	for _, u := range fc.Auth.Users {
		if u.Name == "" {
			return trace.BadParameter("auth user with empty name")
		}
	}
	cfg.Users = fc.Auth.Users
	cfg.RateLimitPerSecond = fc.RateLimit.RequestsPerSecond
	cfg.RateLimitBurst = fc.RateLimit.Burst
	return nil
}

// Configure builds the final service config from the command line and
// the optional config file.
func Configure(clf CommandLineFlags) (*service.Config, error) {
	cfg := service.Config{}
	if clf.ConfigFile != "" {
		fc, err := ReadConfigFile(clf.ConfigFile)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if err := ApplyFileConfig(fc, &cfg); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if clf.ListenAddr != "" {
		cfg.ListenAddr = clf.ListenAddr
	}
	return &cfg, nil
}
