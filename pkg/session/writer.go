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

// package session provides the writer actor owning one session's outbound
// socket. All frames destined for a session pass through its mailbox, so
// concurrent broadcast and direct-send calls never interleave bytes on one
// connection and a session's messages arrive in send order.
package session

import (
	"context"
	"log"

	"github.com/turtacn/pushgate/pkg/actor"
	"github.com/turtacn/pushgate/pkg/protocol"
	"github.com/turtacn/pushgate/pkg/registry"
)

// Conn is the write side of a session transport. *websocket.Conn satisfies
// it.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// FailureFunc receives the frames that were still undelivered when a write
// failed, in mailbox order, starting with the frame whose write failed.
// The gateway routes requeueable frames into the offline queue and tears
// the session down.
type FailureFunc func(sess *registry.Session, undelivered []*protocol.Message)

// Writer is the actor serializing outbound writes for one session.
type Writer struct {
	sess      *registry.Session
	conn      Conn
	onFailure FailureFunc
}

// NewWriter creates a writer for a session. onFailure may be nil.
func NewWriter(sess *registry.Session, conn Conn, onFailure FailureFunc) *Writer {
	return &Writer{
		sess:      sess,
		conn:      conn,
		onFailure: onFailure,
	}
}

// Start is the writer loop. It runs until the context is canceled (normal
// teardown) or a socket write fails, in which case the undelivered frames
// are handed to the failure callback and the error is returned so the
// supervisor records an abnormal exit.
func (w *Writer) Start(ctx context.Context, mb *actor.Mailbox) error {
	log.Printf("Session writer started for session %s (user %s)", w.sess.ID, w.sess.UserID)
	for {
		raw, err := mb.Receive(ctx)
		if err != nil {
			log.Printf("Session writer for %s shutting down: %v", w.sess.ID, err)
			return nil
		}

		msg, ok := raw.(*protocol.Message)
		if !ok {
			log.Printf("Session writer for %s received unknown message type: %T", w.sess.ID, raw)
			continue
		}

		if err := w.conn.WriteJSON(msg); err != nil {
			log.Printf("Error writing to session %s: %v", w.sess.ID, err)
			w.fail(msg, mb)
			return err
		}
	}
}

// fail collects the failed frame plus everything still buffered and hands
// the batch to the failure callback.
func (w *Writer) fail(failed *protocol.Message, mb *actor.Mailbox) {
	undelivered := []*protocol.Message{failed}
	for {
		raw, ok := mb.TryReceive()
		if !ok {
			break
		}
		if msg, isMsg := raw.(*protocol.Message); isMsg {
			undelivered = append(undelivered, msg)
		}
	}
	if w.onFailure != nil {
		w.onFailure(w.sess, undelivered)
	}
}
