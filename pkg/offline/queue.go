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

// Package offline provides a bounded per-user FIFO of messages that could
// not be delivered live. The queue is not a durable broker: entries live in
// memory only and are destroyed on flush or capacity eviction.
package offline

import (
	"log"
	"sync"
	"time"

	"github.com/turtacn/pushgate/pkg/metrics"
	"github.com/turtacn/pushgate/pkg/protocol"
)

// DefaultCapacity is the per-user capacity used when none is configured.
const DefaultCapacity = 100

// QueuedMessage is one undelivered message held for a user.
type QueuedMessage struct {
	UserID     string
	Topic      string
	Message    *protocol.Message
	EnqueuedAt time.Time
}

// OverflowFunc observes drop-oldest evictions. Overflow is not an error to
// the enqueuing caller; the hook exists for audit sinks and logging.
type OverflowFunc func(userID string, dropped QueuedMessage)

// Queue holds bounded per-user FIFOs. Enqueue and Flush follow a
// single-drainer discipline: Flush is called exactly once per reconnect by
// the gateway, which is the only drainer.
type Queue struct {
	mu       sync.Mutex
	capacity int
	byUser   map[string][]QueuedMessage
	overflow OverflowFunc
}

// NewQueue creates a queue with the given per-user capacity. A capacity of
// zero or less falls back to DefaultCapacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		capacity: capacity,
		byUser:   make(map[string][]QueuedMessage),
	}
}

// OnOverflow installs the overflow observer. Must be set before the queue
// starts receiving traffic.
func (q *Queue) OnOverflow(fn OverflowFunc) {
	q.overflow = fn
}

// Enqueue appends a message to the user's FIFO. When the queue is full the
// oldest entry is evicted first (drop-oldest), the overflow signal is
// emitted, and the new message is inserted. Enqueue never fails.
func (q *Queue) Enqueue(userID, topic string, msg *protocol.Message) {
	entry := QueuedMessage{
		UserID:     userID,
		Topic:      topic,
		Message:    msg,
		EnqueuedAt: time.Now(),
	}

	var dropped *QueuedMessage
	q.mu.Lock()
	queue := q.byUser[userID]
	if len(queue) >= q.capacity {
		d := queue[0]
		dropped = &d
		queue = queue[1:]
	}
	q.byUser[userID] = append(queue, entry)
	q.mu.Unlock()

	if dropped != nil {
		metrics.QueueOverflowTotal.WithLabelValues(userID).Inc()
		log.Printf("Offline queue for user %s full (capacity %d), dropped oldest message from topic %q", userID, q.capacity, dropped.Topic)
		if q.overflow != nil {
			q.overflow(userID, *dropped)
		}
	}
}

// Flush drains and returns the user's queued messages in FIFO order. The
// queue for that user is cleared regardless of what the caller does with
// the result; delivery of flushed messages is fire-and-forget.
func (q *Queue) Flush(userID string) []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue, ok := q.byUser[userID]
	if !ok {
		return nil
	}
	delete(q.byUser, userID)
	return queue
}

// Size returns the number of messages queued for a user.
func (q *Queue) Size(userID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byUser[userID])
}
