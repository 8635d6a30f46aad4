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

// Package httplib implements common utility functions for writing
// classic HTTP handlers: error-returning handler adapters, the unified
// error body, and request-ID propagation.
package httplib

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
)

// RequestIDHeader carries the request correlation ID; an inbound value
// is honored, otherwise a fresh one is assigned.
const RequestIDHeader = "X-Request-Id"

type contextKey string

const requestIDKey contextKey = "lightq.request-id"

// HandlerFunc specifies an HTTP handler function that returns a result
// object or an error; the adapter does the encoding.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error)

// MakeHandler returns a new httprouter.Handle func from a handler func.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(w, r, err)
			return
		}
		ReplyJSON(w, http.StatusOK, out)
	}
}

// WithRequestID wraps a handler, assigning every request a correlation
// ID readable via RequestID and echoed on the response.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// RequestID returns the correlation ID assigned to the request, if any.
func RequestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey).(string)
	return id
}

// ReadJSON reads an HTTP JSON request and unmarshals it into the
// passed object.
func ReadJSON(r *http.Request, val any) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(data, val); err != nil {
		return trace.BadParameter("malformed request body: %v", err)
	}
	return nil
}

// ReplyJSON encodes an object and writes it with the given status.
func ReplyJSON(w http.ResponseWriter, code int, obj any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(obj)
}

// ErrorResponse is the unified error body returned on every failure.
type ErrorResponse struct {
	Timestamp time.Time `json:"timestamp"`
	Status    int       `json:"status"`
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Path      string    `json:"path"`
	RequestID string    `json:"requestId"`
}

// ErrorStatus maps error kinds raised by the core to HTTP statuses.
// This adapter is the only place the mapping happens; the core itself
// never sees status codes.
func ErrorStatus(err error) int {
	switch {
	case trace.IsNotFound(err):
		return http.StatusNotFound
	case trace.IsBadParameter(err):
		return http.StatusBadRequest
	case trace.IsAccessDenied(err):
		return http.StatusForbidden
	case trace.IsLimitExceeded(err):
		return http.StatusTooManyRequests
	case trace.IsAlreadyExists(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ReplyError writes the unified error body for the given error.
func ReplyError(w http.ResponseWriter, r *http.Request, err error) {
	status := ErrorStatus(err)
	ReplyJSON(w, status, ErrorResponse{
		Timestamp: time.Now().UTC(),
		Status:    status,
		Error:     http.StatusText(status),
		Message:   trace.UserMessage(err),
		Path:      r.URL.Path,
		RequestID: RequestID(r),
	})
}
