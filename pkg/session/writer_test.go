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

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/pushgate/pkg/actor"
	"github.com/turtacn/pushgate/pkg/protocol"
	"github.com/turtacn/pushgate/pkg/registry"
)

// fakeConn records written frames and can be told to start failing.
type fakeConn struct {
	mu      sync.Mutex
	written []*protocol.Message
	failAt  int // fail on the n-th write (1-based); 0 never fails
}

func (f *fakeConn) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAt > 0 && len(f.written)+1 >= f.failAt {
		return errors.New("broken pipe")
	}
	f.written = append(f.written, v.(*protocol.Message))
	return nil
}

func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) frames() []*protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*protocol.Message(nil), f.written...)
}

func newWriterFixture(conn *fakeConn, onFailure FailureFunc) (*Writer, *actor.Mailbox) {
	mb := actor.NewMailbox(16)
	sess := registry.NewSession("s1", "alice", "org-1", mb, conn)
	return NewWriter(sess, conn, onFailure), mb
}

func TestWriterWritesInOrder(t *testing.T) {
	conn := &fakeConn{}
	w, mb := newWriterFixture(conn, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx, mb) }()

	first := protocol.MustNew(protocol.TypeBroadcast, protocol.BroadcastPayload{Topic: "alerts"})
	second := protocol.MustNew(protocol.TypeHeartbeatAck, nil)
	mb.Send(first)
	mb.Send(second)

	require.Eventually(t, func() bool { return len(conn.frames()) == 2 }, time.Second, 5*time.Millisecond)
	frames := conn.frames()
	assert.Equal(t, protocol.TypeBroadcast, frames[0].Type)
	assert.Equal(t, protocol.TypeHeartbeatAck, frames[1].Type)

	cancel()
	assert.NoError(t, <-done, "context cancellation is a normal shutdown")
}

func TestWriterIgnoresForeignMailboxEntries(t *testing.T) {
	conn := &fakeConn{}
	w, mb := newWriterFixture(conn, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx, mb) }()

	mb.Send("not a frame")
	mb.Send(protocol.MustNew(protocol.TypeHeartbeatAck, nil))

	require.Eventually(t, func() bool { return len(conn.frames()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestWriterFailureHandsBackUndelivered(t *testing.T) {
	conn := &fakeConn{failAt: 2}

	var mu sync.Mutex
	var undelivered []*protocol.Message
	w, mb := newWriterFixture(conn, func(_ *registry.Session, msgs []*protocol.Message) {
		mu.Lock()
		undelivered = msgs
		mu.Unlock()
	})

	// Buffer everything before the writer starts so the failed frame has
	// frames queued behind it.
	mb.Send(protocol.MustNew(protocol.TypeBroadcast, protocol.BroadcastPayload{Topic: "a"}))
	mb.Send(protocol.MustNew(protocol.TypeBroadcast, protocol.BroadcastPayload{Topic: "b"}))
	mb.Send(protocol.MustNew(protocol.TypeBroadcast, protocol.BroadcastPayload{Topic: "c"}))

	done := make(chan error, 1)
	go func() { done <- w.Start(context.Background(), mb) }()

	err := <-done
	require.Error(t, err, "socket failure is an abnormal writer exit")

	mu.Lock()
	defer mu.Unlock()
	// The first write succeeded; the failed frame and everything behind it
	// come back in order.
	require.Len(t, undelivered, 2)
	var p protocol.BroadcastPayload
	require.NoError(t, undelivered[0].DecodeData(&p))
	assert.Equal(t, "b", p.Topic)
	require.NoError(t, undelivered[1].DecodeData(&p))
	assert.Equal(t, "c", p.Topic)
}
