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

// Package config loads the YAML configuration file and applies it onto
// the typed service configuration. The file mirrors the runtime config
// one-to-one; unknown keys are rejected so typos surface at startup
// instead of silently running on defaults.
package config

import (
	"bytes"
	"os"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/lightq/lightq/lib/web"
)

// FileConfig mirrors the YAML configuration file.
type FileConfig struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `yaml:"listen-addr"`
	// MongoURI selects the durable store; the special scheme
	// "memory://" runs the in-process backend instead.
	MongoURI string `yaml:"mongo-uri"`
	// MongoDatabase holds the per-group collections.
	MongoDatabase string `yaml:"mongo-database"`
	// RedisAddr is the cache address.
	RedisAddr string `yaml:"redis-addr"`

	Queue       QueueConfig       `yaml:"queue"`
	Redis       RedisConfig       `yaml:"redis"`
	WriteBehind WriteBehindConfig `yaml:"write-behind"`
	Auth        AuthConfig        `yaml:"auth"`
	RateLimit   RateLimitConfig   `yaml:"rate-limit"`
}

// QueueConfig tunes the queueing engine.
type QueueConfig struct {
	MessageAllowedToFetch      int    `yaml:"message-allowed-to-fetch"`
	PersistenceDurationMinutes int    `yaml:"persistence-duration-minutes"`
	CacheTTLMinutes            int    `yaml:"cache-ttl-minutes"`
	CacheMaxEntriesPerGroup    int    `yaml:"cache-max-entries-per-group"`
	VisibilityTimeoutSeconds   int    `yaml:"visibility-timeout-seconds"`
	MaxDeliveryAttempts        int    `yaml:"max-delivery-attempts"`
	DLQSuffix                  string `yaml:"dlq-suffix"`
	DLQTTLMinutes              int    `yaml:"dlq-ttl-minutes"`
	AsyncPersistence           bool   `yaml:"async-persistence"`
	AllowAsyncScheduled        bool   `yaml:"allow-async-scheduled"`
	ScheduledPromoterRateMS    int    `yaml:"scheduled-promoter-rate-ms"`
	IndexCacheMaxGroups        int    `yaml:"index-cache-max-groups"`
	IndexCacheExpireMinutes    int    `yaml:"index-cache-expire-minutes"`
}

// RedisConfig tunes the cache client.
type RedisConfig struct {
	CommandTimeoutSeconds  int `yaml:"command-timeout-seconds"`
	ShutdownTimeoutSeconds int `yaml:"shutdown-timeout-seconds"`
}

// WriteBehindConfig sizes the background persistence pool.
type WriteBehindConfig struct {
	Core  int `yaml:"core"`
	Max   int `yaml:"max"`
	Queue int `yaml:"queue"`
}

// AuthConfig lists static subscribers.
type AuthConfig struct {
	Users []web.User `yaml:"users"`
}

// RateLimitConfig throttles each subscriber.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests-per-second"`
	Burst             int     `yaml:"burst"`
}

// ReadConfigFile loads and parses the configuration file.
func ReadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err, "reading config file %v", path)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration bytes, rejecting unknown keys.
func ParseConfig(data []byte) (*FileConfig, error) {
	var fc FileConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&fc); err != nil {
		return nil, trace.BadParameter("failed to parse config: %v", err)
	}
	return &fc, nil
}
