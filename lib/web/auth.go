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
	"crypto/subtle"
	"net/http"
	"sync"

	"github.com/gravitational/trace"
	"golang.org/x/time/rate"
)

// Identity is the authenticated caller of a request.
type Identity struct {
	// Username names the subscriber, used for rate-limit bucketing.
	Username string
	// IsAdmin grants access to the view and dead-letter endpoints.
	IsAdmin bool
}

// Authorizer authenticates a request before it enters the core.
type Authorizer interface {
	// Authorize resolves the request identity or returns AccessDenied.
	Authorize(r *http.Request) (*Identity, error)
}

// User is a statically configured subscriber.
type User struct {
	// Name is the basic-auth username.
	Name string `yaml:"name"`
	// Password is the basic-auth password.
	Password string `yaml:"password"`
	// Admin grants the admin role.
	Admin bool `yaml:"admin"`
}

// NewStaticAuthorizer authorizes against a fixed user list via HTTP
// basic auth. With no users configured every request is accepted with
// the admin role, which keeps single-tenant and test deployments free
// of credential setup.
func NewStaticAuthorizer(users []User) *StaticAuthorizer {
	byName := make(map[string]User, len(users))
	for _, u := range users {
		byName[u.Name] = u
	}
	return &StaticAuthorizer{users: byName}
}

// StaticAuthorizer implements Authorizer over a fixed user list.
type StaticAuthorizer struct {
	users map[string]User
}

// Authorize implements Authorizer.
func (a *StaticAuthorizer) Authorize(r *http.Request) (*Identity, error) {
	if len(a.users) == 0 {
		return &Identity{Username: "anonymous", IsAdmin: true}, nil
	}
	name, password, ok := r.BasicAuth()
	if !ok {
		return nil, trace.AccessDenied("missing credentials")
	}
	user, found := a.users[name]
	if !found || subtle.ConstantTimeCompare([]byte(user.Password), []byte(password)) != 1 {
		return nil, trace.AccessDenied("invalid credentials")
	}
	return &Identity{Username: user.Name, IsAdmin: user.Admin}, nil
}

// limiterSet keeps one token bucket per subscriber.
type limiterSet struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newLimiterSet(perSecond float64, burst int) *limiterSet {
	return &limiterSet{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

// allow reports whether the subscriber may proceed. A zero limit
// disables throttling.
func (s *limiterSet) allow(subscriber string) bool {
	if s.limit <= 0 {
		return true
	}
	s.mu.Lock()
	limiter, ok := s.limiters[subscriber]
	if !ok {
		limiter = rate.NewLimiter(s.limit, s.burst)
		s.limiters[subscriber] = limiter
	}
	s.mu.Unlock()
	return limiter.Allow()
}
