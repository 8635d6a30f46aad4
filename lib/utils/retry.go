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

package utils

import (
	"math/rand"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Jitter is a function which applies random jitter to a
// duration. Used to randomize backoff values. Must be
// safe for concurrent usage.
type Jitter func(time.Duration) time.Duration

// NewSeventhJitter builds a new jitter on the range [6n/7,n). Prefer small
// jitters such as this when jittering periodic operations since large
// jitters result in significantly increased load.
func NewSeventhJitter() Jitter {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func(d time.Duration) time.Duration {
		// values less than 1 cause rng to panic, and some logic
		// relies on treating zero duration as non-blocking case.
		if d < 1 {
			return 0
		}
		mu.Lock()
		defer mu.Unlock()
		return (6 * d / 7) + time.Duration(rng.Int63n(int64(d))/7)
	}
}

// ExponentialConfig sets up retry configuration using a geometric
// progression.
type ExponentialConfig struct {
	// First is the first delay of the progression, can't be 0.
	First time.Duration
	// Multiplier scales the delay on every attempt, must be > 1.
	Multiplier int64
	// Max caps the delay between attempts, can't be 0.
	Max time.Duration
	// Clock to override clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults.
func (c *ExponentialConfig) CheckAndSetDefaults() error {
	if c.First <= 0 {
		return trace.BadParameter("missing parameter First")
	}
	if c.Multiplier <= 1 {
		return trace.BadParameter("Multiplier must be greater than 1")
	}
	if c.Max <= 0 {
		return trace.BadParameter("missing parameter Max")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// NewExponential returns a new exponential retry.
func NewExponential(cfg ExponentialConfig) (*Exponential, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Exponential{ExponentialConfig: cfg, delay: cfg.First}, nil
}

// Exponential implements retries with geometrically increasing delays,
// capped at Max.
type Exponential struct {
	ExponentialConfig
	delay time.Duration
}

// Reset resets the retry to the initial delay.
func (r *Exponential) Reset() {
	r.delay = r.First
}

// Inc grows the delay by Multiplier, capping at Max.
func (r *Exponential) Inc() {
	r.delay *= time.Duration(r.Multiplier)
	if r.delay > r.Max {
		r.delay = r.Max
	}
}

// Duration returns the current delay.
func (r *Exponential) Duration() time.Duration {
	return r.delay
}

// After returns a channel that fires after the current delay.
func (r *Exponential) After() <-chan time.Time {
	return r.Clock.After(r.Duration())
}
