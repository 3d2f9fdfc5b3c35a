// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterTicksAtLeastOnce(t *testing.T) {
	s := New()
	defer s.Shutdown()

	var calls int32
	done := make(chan struct{})
	s.Register(1, time.Millisecond, func(ctx context.Context) (time.Duration, bool) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(done)
		}
		return 0, false // retract after first tick
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ticked")
	}
}

func TestForceResyncRunsImmediately(t *testing.T) {
	s := New()
	defer s.Shutdown()

	done := make(chan struct{})
	s.Register(1, time.Hour, func(ctx context.Context) (time.Duration, bool) {
		close(done)
		return 0, false
	})

	s.ForceResync(1)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("forced resync never ran")
	}
}

func TestForceResyncUnknownRidIsNoop(t *testing.T) {
	s := New()
	defer s.Shutdown()
	s.ForceResync(999) // must not panic
}

func TestPauseReschedulesAtZeroDelay(t *testing.T) {
	s := New()
	defer s.Shutdown()
	s.Pause()
	require.True(t, s.Paused())

	var calls int32
	done := make(chan struct{})
	var closeOnce int32
	s.Register(1, time.Millisecond, func(ctx context.Context) (time.Duration, bool) {
		if atomic.AddInt32(&calls, 1) == 1 && atomic.CompareAndSwapInt32(&closeOnce, 0, 1) {
			close(done)
		}
		return time.Hour, false
	})

	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&calls), "invocation must not run while paused")

	s.Resume()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran after resume")
	}
}

func TestAdjustForElapsed(t *testing.T) {
	const interval = 100 * time.Millisecond
	assert.Equal(t, 40*time.Millisecond, adjustForElapsed(interval, interval, 60*time.Millisecond))
	assert.Equal(t, time.Duration(0), adjustForElapsed(interval, interval, 150*time.Millisecond))
	assert.Equal(t, 5*time.Second, adjustForElapsed(interval, 5*time.Second, 60*time.Millisecond),
		"an explicit override (retry wait, forced resync) is left untouched")
	assert.Equal(t, interval, adjustForElapsed(interval, interval, 0),
		"no elapsed time recorded leaves the delay alone")
}

func TestSlowInvocationReschedulesFromStart(t *testing.T) {
	s := New()
	defer s.Shutdown()

	const interval = 40 * time.Millisecond
	const work = 25 * time.Millisecond
	var calls int32
	done := make(chan struct{})
	s.Register(1, interval, func(ctx context.Context) (time.Duration, bool) {
		n := atomic.AddInt32(&calls, 1)
		time.Sleep(work)
		if n == 2 {
			close(done)
			return interval, false
		}
		return interval, true
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second tick never ran")
	}
	// Without the start-time fix, two ticks each taking `work` plus a
	// full `interval` gap would need at least 2*work + interval; the
	// fix caps it near interval + work since the second tick's delay is
	// shortened by the first tick's own elapsed time.
}

func TestRetractStopsFutureTicks(t *testing.T) {
	s := New()
	defer s.Shutdown()

	var calls int32
	s.Register(1, time.Millisecond, func(ctx context.Context) (time.Duration, bool) {
		atomic.AddInt32(&calls, 1)
		return time.Millisecond, true
	})
	time.Sleep(5 * time.Millisecond)
	s.Retract(1)
	seen := atomic.LoadInt32(&calls)
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&calls), seen+1, "no further ticks expected after retract")
}
