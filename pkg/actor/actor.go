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

// Package actor provides the minimal actor primitives used throughout the
// gateway: a buffered mailbox and the Actor interface implemented by every
// long-running component (session writers, the heartbeat sweeper).
package actor

import "context"

// Actor is a process that owns a mailbox and runs until its context is
// canceled or it fails. Start must block for the lifetime of the actor and
// return the reason it stopped.
type Actor interface {
	Start(ctx context.Context, mb *Mailbox) error
}

// Mailbox is a buffered channel-based message queue for an actor. A mailbox
// has exactly one consumer (the actor) and any number of producers.
type Mailbox struct {
	messages chan any
}

// NewMailbox creates a mailbox with the given buffer capacity.
func NewMailbox(size int) *Mailbox {
	return &Mailbox{
		messages: make(chan any, size),
	}
}

// Send puts a message into the mailbox, blocking while the buffer is full.
// Use it where loss is unacceptable and the producer can afford to wait,
// such as the offline-queue flush after authentication.
func (mb *Mailbox) Send(msg any) {
	mb.messages <- msg
}

// TrySend puts a message into the mailbox without blocking. It reports false
// when the buffer is full. The dispatcher uses TrySend during fan-out so a
// slow or wedged consumer cannot stall delivery to other sessions.
func (mb *Mailbox) TrySend(msg any) bool {
	select {
	case mb.messages <- msg:
		return true
	default:
		return false
	}
}

// Receive blocks until a message arrives or the context is canceled, in
// which case it returns the context's error.
func (mb *Mailbox) Receive(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-mb.messages:
		return msg, nil
	}
}

// TryReceive returns the next buffered message without blocking. It reports
// false when the mailbox is empty. Session teardown uses it to drain
// undelivered messages into the offline queue.
func (mb *Mailbox) TryReceive() (any, bool) {
	select {
	case msg := <-mb.messages:
		return msg, true
	default:
		return nil, false
	}
}

// Len returns the number of buffered messages.
func (mb *Mailbox) Len() int {
	return len(mb.messages)
}

// Chan exposes the underlying channel read-only for callers that need to
// select across multiple sources.
func (mb *Mailbox) Chan() <-chan any {
	return mb.messages
}
