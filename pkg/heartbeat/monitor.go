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

// Package heartbeat detects dead connections without relying on
// transport-level close events. Clients send a HEARTBEAT frame at most
// heartbeatInterval apart; a background sweep evicts sessions that have
// been silent longer than heartbeatInterval times the missed threshold.
package heartbeat

import (
	"context"
	"log"
	"time"

	"github.com/turtacn/pushgate/pkg/actor"
	"github.com/turtacn/pushgate/pkg/metrics"
	"github.com/turtacn/pushgate/pkg/registry"
)

const (
	// DefaultInterval is the expected spacing of client heartbeats.
	DefaultInterval = 30 * time.Second
	// DefaultMissedThreshold is the number of intervals a session may stay
	// silent before eviction: 2 means eviction after 60s of silence.
	DefaultMissedThreshold = 2
)

// Monitor sweeps the registry for stale sessions. It implements
// actor.Actor and runs under the supervisor with RestartPermanent.
type Monitor struct {
	registry        *registry.Registry
	interval        time.Duration
	missedThreshold int
	sweepPeriod     time.Duration
	onEvict         func(sess *registry.Session)
}

// NewMonitor creates a monitor. Zero values fall back to the defaults; the
// sweep period defaults to the heartbeat interval and is clamped to it,
// since sweeping less often than the interval would delay eviction past
// the configured silence budget.
func NewMonitor(reg *registry.Registry, interval time.Duration, missedThreshold int, sweepPeriod time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if missedThreshold <= 0 {
		missedThreshold = DefaultMissedThreshold
	}
	if sweepPeriod <= 0 || sweepPeriod > interval {
		sweepPeriod = interval
	}
	return &Monitor{
		registry:        reg,
		interval:        interval,
		missedThreshold: missedThreshold,
		sweepPeriod:     sweepPeriod,
	}
}

// OnEvict installs an observer called once per evicted session, after the
// session has been closed and unregistered. Must be set before Start.
func (m *Monitor) OnEvict(fn func(sess *registry.Session)) {
	m.onEvict = fn
}

// RecordHeartbeat updates the last-heartbeat time of a session. It reports
// false when the session is unknown.
func (m *Monitor) RecordHeartbeat(sessionID string) bool {
	sess := m.registry.Get(sessionID)
	if sess == nil {
		return false
	}
	sess.Touch()
	return true
}

// Start runs the sweep loop until the context is canceled. The mailbox is
// unused; the monitor is driven purely by its timer.
func (m *Monitor) Start(ctx context.Context, _ *actor.Mailbox) error {
	ticker := time.NewTicker(m.sweepPeriod)
	defer ticker.Stop()
	log.Printf("Heartbeat monitor started: interval=%s threshold=%d sweep=%s", m.interval, m.missedThreshold, m.sweepPeriod)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep evaluates every live session once and evicts the stale ones. The
// registry snapshot is a copy, so no registry lock is held while transports
// are closed; Close before Unregister keeps the teardown ordering identical
// to a transport-error teardown.
func (m *Monitor) Sweep() {
	deadline := time.Duration(m.missedThreshold) * m.interval
	now := time.Now()

	var stale []*registry.Session
	for _, sess := range m.registry.Snapshot() {
		if now.Sub(sess.LastHeartbeat()) > deadline {
			stale = append(stale, sess)
		}
	}

	for _, sess := range stale {
		log.Printf("Evicting stale session %s for user %s (last heartbeat %s ago)", sess.ID, sess.UserID, now.Sub(sess.LastHeartbeat()).Truncate(time.Millisecond))
		sess.Close()
		m.registry.Unregister(sess.ID)
		metrics.HeartbeatEvictionsTotal.Inc()
		if m.onEvict != nil {
			m.onEvict(sess)
		}
	}
}
