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
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestExponential(t *testing.T) {
	t.Parallel()
	retry, err := NewExponential(ExponentialConfig{
		First:      100 * time.Millisecond,
		Multiplier: 3,
		Max:        time.Second,
	})
	require.NoError(t, err)

	require.Equal(t, 100*time.Millisecond, retry.Duration())
	retry.Inc()
	require.Equal(t, 300*time.Millisecond, retry.Duration())
	retry.Inc()
	require.Equal(t, 900*time.Millisecond, retry.Duration())
	retry.Inc()
	require.Equal(t, time.Second, retry.Duration(), "capped at Max")
	retry.Inc()
	require.Equal(t, time.Second, retry.Duration())

	retry.Reset()
	require.Equal(t, 100*time.Millisecond, retry.Duration())
}

func TestExponentialConfig(t *testing.T) {
	t.Parallel()
	_, err := NewExponential(ExponentialConfig{Multiplier: 3, Max: time.Second})
	require.True(t, trace.IsBadParameter(err))

	_, err = NewExponential(ExponentialConfig{First: time.Second, Multiplier: 1, Max: time.Second})
	require.True(t, trace.IsBadParameter(err))

	_, err = NewExponential(ExponentialConfig{First: time.Second, Multiplier: 2})
	require.True(t, trace.IsBadParameter(err))
}

func TestSeventhJitter(t *testing.T) {
	t.Parallel()
	jitter := NewSeventhJitter()
	d := 7 * time.Second
	for i := 0; i < 100; i++ {
		out := jitter(d)
		require.GreaterOrEqual(t, out, 6*time.Second)
		require.Less(t, out, d)
	}
	require.Equal(t, time.Duration(0), jitter(0))
}
