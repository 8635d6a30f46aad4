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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/lightq/lightq/lib/service"
)

const sampleConfig = `
listen-addr: ":9090"
mongo-uri: "mongodb://db.example.com:27017"
mongo-database: "queues"
redis-addr: "redis.example.com:6379"
queue:
  message-allowed-to-fetch: 25
  persistence-duration-minutes: 60
  cache-ttl-minutes: 10
  cache-max-entries-per-group: 500
  visibility-timeout-seconds: 45
  max-delivery-attempts: 5
  dlq-suffix: "-dead"
  dlq-ttl-minutes: 1440
  async-persistence: true
  allow-async-scheduled: true
  scheduled-promoter-rate-ms: 2000
redis:
  command-timeout-seconds: 3
  shutdown-timeout-seconds: 10
write-behind:
  core: 4
  max: 8
  queue: 50
auth:
  users:
    - name: worker
      password: secret
    - name: ops
      password: topsecret
      admin: true
rate-limit:
  requests-per-second: 100
  burst: 20
`

func TestParseConfig(t *testing.T) {
	t.Parallel()
	fc, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)
	require.Equal(t, ":9090", fc.ListenAddr)
	require.Equal(t, "queues", fc.MongoDatabase)
	require.Equal(t, 45, fc.Queue.VisibilityTimeoutSeconds)
	require.Equal(t, "-dead", fc.Queue.DLQSuffix)
	require.True(t, fc.Queue.AsyncPersistence)
	require.Len(t, fc.Auth.Users, 2)
	require.True(t, fc.Auth.Users[1].Admin)
}

func TestParseConfigRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	_, err := ParseConfig([]byte("listen-adr: \":9090\"\n"))
	require.True(t, trace.IsBadParameter(err))

	_, err = ParseConfig([]byte("queue:\n  visibility-timeout: 30\n"))
	require.True(t, trace.IsBadParameter(err))
}

func TestApplyFileConfig(t *testing.T) {
	t.Parallel()
	fc, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)

	var cfg service.Config
	require.NoError(t, ApplyFileConfig(fc, &cfg))
	require.Equal(t, ":9090", cfg.ListenAddr)
	require.Equal(t, "mongodb://db.example.com:27017", cfg.MongoURI)
	require.Equal(t, "queues", cfg.MongoDatabase)
	require.Equal(t, "redis.example.com:6379", cfg.RedisAddr)
	require.Equal(t, 25, cfg.MessageAllowedToFetch)
	require.Equal(t, time.Hour, cfg.PersistenceTTL)
	require.Equal(t, 10*time.Minute, cfg.CacheTTL)
	require.Equal(t, 500, cfg.CacheMaxEntriesPerGroup)
	require.Equal(t, 45*time.Second, cfg.VisibilityTimeout)
	require.Equal(t, 5, cfg.MaxDeliveryAttempts)
	require.Equal(t, "-dead", cfg.DLQSuffix)
	require.Equal(t, 24*time.Hour, cfg.DLQTTL)
	require.True(t, cfg.AsyncPersistence)
	require.True(t, cfg.AllowAsyncScheduled)
	require.Equal(t, 2*time.Second, cfg.PromoterInterval)
	require.Equal(t, 3*time.Second, cfg.RedisCommandTimeout)
	require.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	require.Equal(t, 4, cfg.WriteBehindWorkers)
	require.Equal(t, 8, cfg.WriteBehindMaxWorkers)
	require.Equal(t, 50, cfg.WriteBehindQueue)
	require.Len(t, cfg.Users, 2)
	require.Equal(t, float64(100), cfg.RateLimitPerSecond)
	require.Equal(t, 20, cfg.RateLimitBurst)
}

func TestApplyFileConfigValidation(t *testing.T) {
	t.Parallel()

	fc, err := ParseConfig([]byte("write-behind:\n  core: 4\n  max: 2\n"))
	require.NoError(t, err)
	var cfg service.Config
	require.True(t, trace.IsBadParameter(ApplyFileConfig(fc, &cfg)))

	fc, err = ParseConfig([]byte("auth:\n  users:\n    - password: secret\n"))
	require.NoError(t, err)
	require.True(t, trace.IsBadParameter(ApplyFileConfig(fc, &cfg)))
}

func TestApplyFileConfigZeroLeavesDefaults(t *testing.T) {
	t.Parallel()
	fc, err := ParseConfig([]byte("listen-addr: \":7070\"\n"))
	require.NoError(t, err)

	var cfg service.Config
	require.NoError(t, ApplyFileConfig(fc, &cfg))
	require.Equal(t, ":7070", cfg.ListenAddr)
	require.Empty(t, cfg.MongoURI)
	require.Zero(t, cfg.VisibilityTimeout)

	// Service-level defaulting fills in what the file left out.
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.NotEmpty(t, cfg.MongoURI)
	require.NotEmpty(t, cfg.RedisAddr)
}

func TestConfigure(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "lightq.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := Configure(CommandLineFlags{ConfigFile: path, ListenAddr: ":6060"})
	require.NoError(t, err)
	require.Equal(t, ":6060", cfg.ListenAddr, "command line wins over the file")
	require.Equal(t, "queues", cfg.MongoDatabase)

	_, err = Configure(CommandLineFlags{ConfigFile: filepath.Join(dir, "missing.yaml")})
	require.Error(t, err)
}
