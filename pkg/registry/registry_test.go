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

package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/pushgate/pkg/actor"
)

type nopCloser struct{ closed bool }

func (n *nopCloser) Close() error {
	n.closed = true
	return nil
}

func newTestSession(id, userID string) *Session {
	return NewSession(id, userID, "org-1", actor.NewMailbox(8), &nopCloser{})
}

func TestRegisterAndGet(t *testing.T) {
	r := New()
	sess := newTestSession("s1", "alice")
	r.Register(sess)

	got := r.Get("s1")
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.UserID)
	assert.Nil(t, r.Get("missing"))
}

func TestGetByUserMultiDevice(t *testing.T) {
	r := New()
	r.Register(newTestSession("s1", "alice"))
	r.Register(newTestSession("s2", "alice"))
	r.Register(newTestSession("s3", "bob"))

	assert.Len(t, r.GetByUser("alice"), 2)
	assert.Len(t, r.GetByUser("bob"), 1)
	assert.Nil(t, r.GetByUser("carol"))
}

func TestUnregisterRunsCleanupBeforeReturning(t *testing.T) {
	r := New()
	var cleaned []string
	r.OnUnregister(func(sessionID string) {
		cleaned = append(cleaned, sessionID)
		// The session must already be gone from the registry when the
		// cleanup hook observes it.
		assert.Nil(t, r.Get(sessionID))
	})

	r.Register(newTestSession("s1", "alice"))
	r.Unregister("s1")

	assert.Equal(t, []string{"s1"}, cleaned)
	assert.Nil(t, r.GetByUser("alice"))
}

func TestUnregisterIdempotent(t *testing.T) {
	r := New()
	calls := 0
	r.OnUnregister(func(string) { calls++ })

	r.Register(newTestSession("s1", "alice"))
	r.Unregister("s1")
	r.Unregister("s1")
	r.Unregister("never-existed")

	assert.Equal(t, 1, calls)
}

func TestStatusTransitions(t *testing.T) {
	sess := newTestSession("s1", "alice")
	assert.Equal(t, StatusConnected, sess.Status())

	sess.SetStatus(StatusAuthenticated)
	assert.Equal(t, StatusAuthenticated, sess.Status())
	assert.Equal(t, "AUTHENTICATED", sess.Status().String())
}

func TestSessionCloseIdempotent(t *testing.T) {
	tr := &nopCloser{}
	sess := NewSession("s1", "alice", "org-1", actor.NewMailbox(1), tr)
	sess.Close()
	sess.Close()
	assert.True(t, tr.closed)
	assert.Equal(t, StatusDisconnected, sess.Status())
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	r := New()
	r.OnUnregister(func(string) {})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", n)
			r.Register(newTestSession(id, "alice"))
			r.Get(id)
			r.Unregister(id)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, r.Len())
}
