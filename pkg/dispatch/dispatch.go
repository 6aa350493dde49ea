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

// Package dispatch is the fan-out and direct-send entry point. Domain code
// (alert evaluation, metric collection, status changes) calls it to push an
// event; the dispatcher consults the subscription index and the connection
// registry and falls back to the offline queue for users with no live
// session. Delivery is at-least-once and per-session ordered; there is no
// ordering guarantee across sessions or topics.
package dispatch

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"

	"github.com/turtacn/pushgate/pkg/metrics"
	"github.com/turtacn/pushgate/pkg/offline"
	"github.com/turtacn/pushgate/pkg/protocol"
	"github.com/turtacn/pushgate/pkg/registry"
	"github.com/turtacn/pushgate/pkg/subscription"
)

// DefaultFanoutWorkers bounds the parallelism of one broadcast when no
// worker count is configured.
const DefaultFanoutWorkers = 16

// Result reports the outcome of a topic broadcast.
type Result struct {
	Delivered int
	Queued    int
}

// Outcome reports the outcome of a direct send.
type Outcome int

const (
	// OutcomeDelivered means at least one live session accepted the
	// message.
	OutcomeDelivered Outcome = iota
	// OutcomeQueued means the user had no live session and the message
	// went to the offline queue.
	OutcomeQueued
)

// Dispatcher routes events to sessions. It never reaches back into domain
// persistence; it only consumes "domain event occurred" calls.
type Dispatcher struct {
	registry *registry.Registry
	subs     *subscription.Index
	queue    *offline.Queue
	workers  int
}

// New creates a dispatcher. workers bounds broadcast parallelism; zero or
// less falls back to DefaultFanoutWorkers.
func New(reg *registry.Registry, subs *subscription.Index, queue *offline.Queue, workers int) *Dispatcher {
	if workers <= 0 {
		workers = DefaultFanoutWorkers
	}
	return &Dispatcher{
		registry: reg,
		subs:     subs,
		queue:    queue,
		workers:  workers,
	}
}

// BroadcastToTopic fans an event out to every subscriber of a topic.
// Subscribers are taken from a point-in-time snapshot; each one is resolved
// against the registry and receives the frame through its session mailbox,
// or through the offline queue when the session is gone or its mailbox will
// not accept the frame. A failure on one subscriber never aborts delivery
// to the rest. Sends run with bounded parallelism so one slow client cannot
// stall the fan-out; the call returns after every subscriber is settled.
func (d *Dispatcher) BroadcastToTopic(topic string, event json.RawMessage) (Result, error) {
	msg, err := protocol.New(protocol.TypeBroadcast, protocol.BroadcastPayload{
		Topic: topic,
		Event: event,
	})
	if err != nil {
		return Result{}, err
	}

	subscribers := d.subs.SubscribersOf(topic)
	if len(subscribers) == 0 {
		return Result{}, nil
	}

	var delivered, queued atomic.Int64
	sem := make(chan struct{}, d.workers)
	var wg sync.WaitGroup

	for _, sub := range subscribers {
		wg.Add(1)
		sem <- struct{}{}
		go func(sub subscription.Subscriber) {
			defer wg.Done()
			defer func() { <-sem }()
			if d.deliverToSession(sub.SessionID, sub.UserID, topic, msg) {
				delivered.Add(1)
			} else {
				queued.Add(1)
			}
		}(sub)
	}
	wg.Wait()

	result := Result{
		Delivered: int(delivered.Load()),
		Queued:    int(queued.Load()),
	}
	log.Printf("Broadcast on topic %q: %d delivered, %d queued", topic, result.Delivered, result.Queued)
	return result, nil
}

// SendToUser delivers an event to every live session of a user
// (multi-device). When the user has no live session the event is queued
// once for later flush.
func (d *Dispatcher) SendToUser(userID string, event json.RawMessage) (Outcome, error) {
	msg, err := protocol.New(protocol.TypeDirectMessage, protocol.BroadcastPayload{Event: event})
	if err != nil {
		return OutcomeQueued, err
	}

	deliveredAny := false
	for _, sess := range d.registry.GetByUser(userID) {
		if sess.Status() != registry.StatusAuthenticated {
			continue
		}
		if sess.Mailbox.TrySend(msg) {
			metrics.MessagesDeliveredTotal.Inc()
			deliveredAny = true
		}
	}

	if deliveredAny {
		return OutcomeDelivered, nil
	}
	d.queue.Enqueue(userID, "", msg)
	metrics.MessagesQueuedTotal.Inc()
	return OutcomeQueued, nil
}

// deliverToSession hands the frame to one session, reporting true on
// delivery and false when the message went to the offline queue instead.
// A dead session, a non-authenticated session, and a full mailbox all take
// the offline path; the subscriber snapshot carries the user id so routing
// works even after the session object is destroyed.
func (d *Dispatcher) deliverToSession(sessionID, userID, topic string, msg *protocol.Message) bool {
	sess := d.registry.Get(sessionID)
	if sess != nil && sess.Status() == registry.StatusAuthenticated && sess.Mailbox.TrySend(msg) {
		metrics.MessagesDeliveredTotal.Inc()
		return true
	}
	d.queue.Enqueue(userID, topic, msg)
	metrics.MessagesQueuedTotal.Inc()
	return false
}
