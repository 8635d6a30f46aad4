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

package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/lightq/lightq/lib/backend/memory"
	"github.com/lightq/lightq/lib/cache"
	"github.com/lightq/lightq/lib/httplib"
	"github.com/lightq/lightq/lib/queue"
)

func newTestServer(t *testing.T, mutate func(cfg *Config)) *httptest.Server {
	t.Helper()
	bk := memory.New(memory.Config{})
	redisSrv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: redisSrv.Addr()})
	msgCache, err := cache.New(cache.Config{Client: client})
	require.NoError(t, err)
	t.Cleanup(func() { _ = msgCache.Close() })

	engine, err := queue.NewServer(queue.Config{Backend: bk, Cache: msgCache})
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	cfg := Config{Queue: engine}
	if mutate != nil {
		mutate(&cfg)
	}
	handler, err := NewHandler(cfg)
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

type client struct {
	t       *testing.T
	base    string
	group   string
	user    string
	pass    string
	headers map[string]string
}

func (c *client) do(method, path string, body io.Reader) (*http.Response, []byte) {
	c.t.Helper()
	req, err := http.NewRequest(method, c.base+path, body)
	require.NoError(c.t, err)
	if c.group != "" {
		req.Header.Set(GroupHeader, c.group)
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp, data
}

func decodeMessage(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestPushPopAckFlow(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil)
	c := &client{t: t, base: srv.URL, group: "orders"}

	resp, data := c.do(http.MethodPost, "/queue/push", bytes.NewBufferString("hello"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pushed := decodeMessage(t, data)
	require.NotEmpty(t, pushed["id"])
	require.Equal(t, "hello", pushed["content"])

	resp, data = c.do(http.MethodGet, "/queue/pop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	popped := decodeMessage(t, data)
	require.Equal(t, pushed["id"], popped["id"])
	require.Equal(t, "hello", popped["content"])
	require.EqualValues(t, 1, popped["deliveryCount"])
	require.NotEmpty(t, popped["reservedUntil"])

	resp, _ = c.do(http.MethodPost, fmt.Sprintf("/queue/ack?id=%v", popped["id"]), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = c.do(http.MethodGet, "/queue/pop", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestErrorBody(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil)
	c := &client{t: t, base: srv.URL, group: "bad group!"}

	resp, data := c.do(http.MethodPost, "/queue/push", bytes.NewBufferString("hello"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body httplib.ErrorResponse
	require.NoError(t, json.Unmarshal(data, &body))
	require.Equal(t, http.StatusBadRequest, body.Status)
	require.Equal(t, "Bad Request", body.Error)
	require.Contains(t, body.Message, "invalid consumer group")
	require.Equal(t, "/queue/push", body.Path)
	require.NotEmpty(t, body.RequestID)
	require.False(t, body.Timestamp.IsZero())
	require.Equal(t, body.RequestID, resp.Header.Get(httplib.RequestIDHeader))
}

func TestRequestIDPropagation(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil)
	c := &client{t: t, base: srv.URL, group: "orders",
		headers: map[string]string{httplib.RequestIDHeader: "req-42"}}

	resp, _ := c.do(http.MethodGet, "/queue/pop", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "req-42", resp.Header.Get(httplib.RequestIDHeader))
}

func TestScheduledPush(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil)
	c := &client{t: t, base: srv.URL, group: "orders"}

	at := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	resp, data := c.do(http.MethodPost, "/queue/push?scheduledAt="+at, bytes.NewBufferString("later"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pushed := decodeMessage(t, data)
	require.NotEmpty(t, pushed["scheduledAt"])

	// Hidden until due.
	resp, _ = c.do(http.MethodGet, "/queue/pop", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = c.do(http.MethodPost, "/queue/push?scheduledAt=tomorrow", bytes.NewBufferString("later"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBatchPush(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil)
	c := &client{t: t, base: srv.URL, group: "orders"}

	payload, err := json.Marshal([]string{"a", "b", "c"})
	require.NoError(t, err)
	resp, data := c.do(http.MethodPost, "/queue/batch/push", bytes.NewReader(payload))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var msgs []map[string]any
	require.NoError(t, json.Unmarshal(data, &msgs))
	require.Len(t, msgs, 3)

	for i := 0; i < 3; i++ {
		resp, _ := c.do(http.MethodGet, "/queue/pop", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, _ = c.do(http.MethodGet, "/queue/pop", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNackAndExtend(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil)
	c := &client{t: t, base: srv.URL, group: "orders"}

	_, data := c.do(http.MethodPost, "/queue/push", bytes.NewBufferString("work"))
	pushed := decodeMessage(t, data)
	id := pushed["id"].(string)

	resp, _ := c.do(http.MethodGet, "/queue/pop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = c.do(http.MethodPost, "/queue/extend-visibility?id="+id+"&seconds=60", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = c.do(http.MethodPost, "/queue/extend-visibility?id="+id+"&seconds=abc", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = c.do(http.MethodPost, "/queue/nack?id="+id+"&reason=broken", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, data = c.do(http.MethodGet, "/queue/pop", nil)
	again := decodeMessage(t, data)
	require.Equal(t, id, again["id"])
	require.Equal(t, "broken", again["lastError"])

	resp, _ = c.do(http.MethodPost, "/queue/nack?id=no-such-id&reason=broken", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuth(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, func(cfg *Config) {
		cfg.Authorizer = NewStaticAuthorizer([]User{
			{Name: "worker", Password: "secret"},
			{Name: "ops", Password: "topsecret", Admin: true},
		})
	})

	// No credentials.
	anon := &client{t: t, base: srv.URL, group: "orders"}
	resp, _ := anon.do(http.MethodPost, "/queue/push", bytes.NewBufferString("x"))
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Wrong password.
	bad := &client{t: t, base: srv.URL, group: "orders", user: "worker", pass: "wrong"}
	resp, _ = bad.do(http.MethodPost, "/queue/push", bytes.NewBufferString("x"))
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Regular user: queue endpoints yes, admin endpoints no.
	worker := &client{t: t, base: srv.URL, group: "orders", user: "worker", pass: "secret"}
	resp, _ = worker.do(http.MethodPost, "/queue/push", bytes.NewBufferString("x"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = worker.do(http.MethodGet, "/queue/view", nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Admin sees the view.
	ops := &client{t: t, base: srv.URL, group: "orders", user: "ops", pass: "topsecret"}
	resp, data := ops.do(http.MethodGet, "/queue/view", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var msgs []map[string]any
	require.NoError(t, json.Unmarshal(data, &msgs))
	require.Len(t, msgs, 1)
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, func(cfg *Config) {
		cfg.RateLimitPerSecond = 1
		cfg.RateLimitBurst = 2
	})
	c := &client{t: t, base: srv.URL, group: "orders"}

	var limited bool
	for i := 0; i < 5; i++ {
		resp, _ := c.do(http.MethodPost, "/queue/push", bytes.NewBufferString("x"))
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	require.True(t, limited, "burst exhausted within five requests")
}

func TestViewEndpoints(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil)
	c := &client{t: t, base: srv.URL, group: "orders"}

	_, data := c.do(http.MethodPost, "/queue/push", bytes.NewBufferString("work"))
	pushed := decodeMessage(t, data)

	resp, data := c.do(http.MethodGet, "/queue/view?consumed=no&messageCount=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var msgs []map[string]any
	require.NoError(t, json.Unmarshal(data, &msgs))
	require.Len(t, msgs, 1)
	require.Equal(t, pushed["id"], msgs[0]["id"])

	resp, _ = c.do(http.MethodGet, "/queue/view?consumed=maybe", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, data = c.do(http.MethodGet, "/queue/dlq/view", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entries []map[string]any
	require.NoError(t, json.Unmarshal(data, &entries))
	require.Empty(t, entries)

	payload, err := json.Marshal([]string{"no-such-id"})
	require.NoError(t, err)
	resp, data = c.do(http.MethodPost, "/queue/dlq/replay", bytes.NewReader(payload))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var replayed int
	require.NoError(t, json.Unmarshal(data, &replayed))
	require.Zero(t, replayed)
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil)
	c := &client{t: t, base: srv.URL}

	resp, data := c.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(data), "ok")

	resp, data = c.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(data), "lightq_")
}

func TestOversizedPush(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil)
	c := &client{t: t, base: srv.URL, group: "orders"}

	big := bytes.Repeat([]byte("x"), 1<<20+1)
	resp, _ := c.do(http.MethodPost, "/queue/push", bytes.NewReader(big))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
