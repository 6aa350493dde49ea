// Copyright 2024 The pushgate Authors
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

package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/pushgate/pkg/actor"
	"github.com/turtacn/pushgate/pkg/registry"
	"github.com/turtacn/pushgate/pkg/subscription"
)

type recordingCloser struct{ closed bool }

func (r *recordingCloser) Close() error {
	r.closed = true
	return nil
}

func TestRecordHeartbeat(t *testing.T) {
	reg := registry.New()
	m := NewMonitor(reg, time.Second, 2, time.Second)

	sess := registry.NewSession("s1", "alice", "org-1", actor.NewMailbox(1), &recordingCloser{})
	reg.Register(sess)

	before := sess.LastHeartbeat()
	time.Sleep(5 * time.Millisecond)
	assert.True(t, m.RecordHeartbeat("s1"))
	assert.True(t, sess.LastHeartbeat().After(before))

	assert.False(t, m.RecordHeartbeat("unknown"))
}

func TestSweepEvictsStaleSessionsOnly(t *testing.T) {
	reg := registry.New()
	subs := subscription.NewIndex(nil)
	reg.OnUnregister(func(sessionID string) { subs.UnsubscribeAll(sessionID) })

	m := NewMonitor(reg, 20*time.Millisecond, 2, 20*time.Millisecond)

	staleTransport := &recordingCloser{}
	stale := registry.NewSession("stale", "alice", "org-1", actor.NewMailbox(1), staleTransport)
	fresh := registry.NewSession("fresh", "bob", "org-1", actor.NewMailbox(1), &recordingCloser{})
	reg.Register(stale)
	reg.Register(fresh)
	subs.Subscribe("stale", "alice", []string{"alerts"})
	subs.Subscribe("fresh", "bob", []string{"alerts"})

	// Let the stale session cross the 2x interval deadline while the fresh
	// one keeps heartbeating.
	deadline := time.Now().Add(50 * time.Millisecond)
	for time.Now().Before(deadline) {
		m.RecordHeartbeat("fresh")
		time.Sleep(5 * time.Millisecond)
	}
	m.Sweep()

	assert.Nil(t, reg.Get("stale"))
	assert.True(t, staleTransport.closed, "eviction must close the transport")
	assert.Empty(t, subs.TopicsOf("stale"), "eviction must cascade to subscription cleanup")

	require.NotNil(t, reg.Get("fresh"))
	assert.Len(t, subs.SubscribersOf("alerts"), 1)
}

func TestSweepNeverEvictsEarly(t *testing.T) {
	reg := registry.New()
	reg.OnUnregister(func(string) {})
	m := NewMonitor(reg, 100*time.Millisecond, 2, 100*time.Millisecond)

	sess := registry.NewSession("s1", "alice", "org-1", actor.NewMailbox(1), &recordingCloser{})
	reg.Register(sess)

	// Inside the silence budget: one interval elapsed, threshold is two.
	time.Sleep(110 * time.Millisecond)
	m.Sweep()
	assert.NotNil(t, reg.Get("s1"), "a session within interval*threshold must survive the sweep")
}

func TestSweepNotifiesEvictionObserver(t *testing.T) {
	reg := registry.New()
	reg.OnUnregister(func(string) {})
	m := NewMonitor(reg, 10*time.Millisecond, 2, 10*time.Millisecond)

	var evicted []*registry.Session
	m.OnEvict(func(sess *registry.Session) { evicted = append(evicted, sess) })

	sess := registry.NewSession("s1", "alice", "org-1", actor.NewMailbox(1), &recordingCloser{})
	reg.Register(sess)

	time.Sleep(25 * time.Millisecond)
	m.Sweep()

	require.Len(t, evicted, 1)
	assert.Equal(t, "s1", evicted[0].ID)
	assert.Nil(t, reg.Get("s1"), "observer must fire after the session is unregistered")
}

func TestMonitorLoopEvicts(t *testing.T) {
	reg := registry.New()
	reg.OnUnregister(func(string) {})
	m := NewMonitor(reg, 10*time.Millisecond, 2, 10*time.Millisecond)

	sess := registry.NewSession("s1", "alice", "org-1", actor.NewMailbox(1), &recordingCloser{})
	reg.Register(sess)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := m.Start(ctx, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, reg.Get("s1"))
}

func TestNewMonitorDefaults(t *testing.T) {
	m := NewMonitor(registry.New(), 0, 0, 0)
	assert.Equal(t, DefaultInterval, m.interval)
	assert.Equal(t, DefaultMissedThreshold, m.missedThreshold)
	assert.Equal(t, DefaultInterval, m.sweepPeriod)

	clamped := NewMonitor(registry.New(), time.Second, 2, time.Minute)
	assert.Equal(t, time.Second, clamped.sweepPeriod)
}
