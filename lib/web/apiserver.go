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

// Package web implements the HTTP API over the queueing engine. The
// handlers only parse and encode; every decision about message state
// lives in lib/queue, and every error-to-status mapping in lib/httplib.
package web

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lightq/lightq"
	"github.com/lightq/lightq/api/types"
	"github.com/lightq/lightq/lib/httplib"
	"github.com/lightq/lightq/lib/queue"
)

// GroupHeader carries the consumer group name on every queue request.
const GroupHeader = "consumerGroup"

// Config holds API server options.
type Config struct {
	// Queue is the queueing engine.
	Queue *queue.Server
	// Authorizer authenticates requests and resolves roles.
	Authorizer Authorizer
	// RateLimitPerSecond throttles each subscriber; zero disables.
	RateLimitPerSecond float64
	// RateLimitBurst is the per-subscriber burst allowance.
	RateLimitBurst int
	// Log emits request diagnostics.
	Log *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Queue == nil {
		return trace.BadParameter("missing parameter Queue")
	}
	if c.Authorizer == nil {
		c.Authorizer = NewStaticAuthorizer(nil)
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = int(c.RateLimitPerSecond)
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With(lightq.ComponentKey, lightq.ComponentWeb)
	return nil
}

// Handler is the HTTP API server.
type Handler struct {
	Config
	limiters *limiterSet
	router   *httprouter.Router
	inner    http.Handler
}

// NewHandler builds the route table.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{
		Config:   cfg,
		limiters: newLimiterSet(cfg.RateLimitPerSecond, cfg.RateLimitBurst),
		router:   httprouter.New(),
	}

	h.router.POST("/queue/push", h.withAuth(h.handlePush, false))
	h.router.POST("/queue/batch/push", h.withAuth(h.handleBatchPush, false))
	h.router.GET("/queue/pop", h.withAuth(h.handlePop, false))
	h.router.POST("/queue/ack", h.withAuth(h.handleAck, false))
	h.router.POST("/queue/nack", h.withAuth(h.handleNack, false))
	h.router.POST("/queue/extend-visibility", h.withAuth(h.handleExtend, false))
	h.router.GET("/queue/view", h.withAuth(h.handleView, true))
	h.router.GET("/queue/dlq/view", h.withAuth(h.handleDLQView, true))
	h.router.POST("/queue/dlq/replay", h.withAuth(h.handleDLQReplay, true))

	h.router.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	h.router.GET("/healthz", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		httplib.ReplyJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	h.inner = httplib.WithRequestID(h.router)
	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.inner.ServeHTTP(w, r)
}

// withAuth authenticates, rate limits, and optionally enforces the
// admin role before entering the core. Authorization failures never
// reach the engine.
func (h *Handler) withAuth(fn httplib.HandlerFunc, admin bool) httprouter.Handle {
	return httplib.MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
		identity, err := h.Authorizer.Authorize(r)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if admin && !identity.IsAdmin {
			return nil, trace.AccessDenied("admin role required")
		}
		if !h.limiters.allow(identity.Username) {
			return nil, trace.LimitExceeded("rate limit exceeded for %q", identity.Username)
		}
		return fn(w, r, p)
	})
}

// messageResponse is the wire form of a live message.
type messageResponse struct {
	ID            string     `json:"id"`
	Content       string     `json:"content"`
	CreatedAt     time.Time  `json:"createdAt"`
	DeliveryCount int        `json:"deliveryCount,omitempty"`
	ReservedUntil *time.Time `json:"reservedUntil,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
	ScheduledAt   *time.Time `json:"scheduledAt,omitempty"`
	Consumed      bool       `json:"consumed,omitempty"`
}

func makeMessageResponse(msg *types.Message) messageResponse {
	return messageResponse{
		ID:            msg.ID,
		Content:       string(msg.Content),
		CreatedAt:     msg.CreatedAt,
		DeliveryCount: msg.DeliveryCount,
		ReservedUntil: msg.ReservedUntil,
		LastError:     msg.LastError,
		ScheduledAt:   msg.ScheduledAt,
		Consumed:      msg.Consumed,
	}
}

func group(r *http.Request) (string, error) {
	g := r.Header.Get(GroupHeader)
	if err := types.CheckGroupName(g); err != nil {
		return "", trace.Wrap(err)
	}
	return g, nil
}

func scheduledAt(r *http.Request) (*time.Time, error) {
	raw := r.URL.Query().Get("scheduledAt")
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, trace.BadParameter("invalid scheduledAt %q: expected RFC3339", raw)
	}
	return &t, nil
}

func (h *Handler) handlePush(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	g, err := group(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	at, err := scheduledAt(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// One extra byte so the engine can distinguish at-limit from
	// over-limit payloads.
	content, err := io.ReadAll(io.LimitReader(r.Body, types.MaxContentBytes+1))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	msg, err := h.Queue.Push(r.Context(), g, content, at)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return makeMessageResponse(msg), nil
}

func (h *Handler) handleBatchPush(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	g, err := group(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var contents []string
	if err := httplib.ReadJSON(r, &contents); err != nil {
		return nil, trace.Wrap(err)
	}
	items := make([]queue.BatchItem, 0, len(contents))
	for _, content := range contents {
		items = append(items, queue.BatchItem{Content: []byte(content)})
	}
	msgs, err := h.Queue.PushBatch(r.Context(), g, items)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]messageResponse, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, makeMessageResponse(msg))
	}
	return out, nil
}

func (h *Handler) handlePop(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	g, err := group(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	msg, err := h.Queue.Pop(r.Context(), g)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return makeMessageResponse(msg), nil
}

func (h *Handler) handleAck(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	g, err := group(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.Queue.Ack(r.Context(), g, r.URL.Query().Get("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"status": "ok"}, nil
}

func (h *Handler) handleNack(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	g, err := group(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	q := r.URL.Query()
	modified, err := h.Queue.Nack(r.Context(), g, q.Get("id"), q.Get("reason"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !modified {
		return nil, trace.NotFound("message %q not found or already consumed", q.Get("id"))
	}
	return map[string]string{"status": "ok"}, nil
}

func (h *Handler) handleExtend(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	g, err := group(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	q := r.URL.Query()
	seconds, err := strconv.Atoi(q.Get("seconds"))
	if err != nil {
		return nil, trace.BadParameter("invalid seconds %q", q.Get("seconds"))
	}
	extended, err := h.Queue.ExtendVisibility(r.Context(), g, q.Get("id"), seconds)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !extended {
		return nil, trace.BadParameter("message %q is not reserved", q.Get("id"))
	}
	return map[string]string{"status": "ok"}, nil
}

func (h *Handler) handleView(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	g, err := group(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("messageCount"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			return nil, trace.BadParameter("invalid messageCount %q", raw)
		}
	}
	msgs, err := h.Queue.View(r.Context(), g, limit, q.Get("consumed"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]messageResponse, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, makeMessageResponse(msg))
	}
	return out, nil
}

func (h *Handler) handleDLQView(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	g, err := group(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			return nil, trace.BadParameter("invalid limit %q", raw)
		}
	}
	entries, err := h.Queue.ViewDLQ(r.Context(), g, limit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	type dlqResponse struct {
		ID            string    `json:"id"`
		Content       string    `json:"content"`
		CreatedAt     time.Time `json:"createdAt"`
		DeliveryCount int       `json:"deliveryCount"`
		LastError     string    `json:"lastError,omitempty"`
		FailedAt      time.Time `json:"failedAt"`
		DLQReason     string    `json:"dlqReason"`
	}
	out := make([]dlqResponse, 0, len(entries))
	for _, entry := range entries {
		out = append(out, dlqResponse{
			ID:            entry.ID,
			Content:       string(entry.Content),
			CreatedAt:     entry.CreatedAt,
			DeliveryCount: entry.DeliveryCount,
			LastError:     entry.LastError,
			FailedAt:      entry.FailedAt,
			DLQReason:     entry.DLQReason,
		})
	}
	return out, nil
}

func (h *Handler) handleDLQReplay(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	g, err := group(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var ids []string
	if err := httplib.ReadJSON(r, &ids); err != nil {
		return nil, trace.Wrap(err)
	}
	replayed, err := h.Queue.Replay(r.Context(), g, ids)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return replayed, nil
}
