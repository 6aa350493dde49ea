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
	"io"
	"sync"
	"time"

	"github.com/turtacn/pushgate/pkg/actor"
)

// Status is the lifecycle state of a session.
type Status int

const (
	// StatusConnected means the transport is open but the handshake has not
	// started.
	StatusConnected Status = iota
	// StatusAuthenticating means an AUTH frame is being validated.
	StatusAuthenticating
	// StatusAuthenticated means the session is live and eligible for
	// delivery.
	StatusAuthenticated
	// StatusDisconnected means the transport closed or the session was
	// evicted.
	StatusDisconnected
	// StatusFailed means the handshake was rejected.
	StatusFailed
)

// String returns the state name used in logs.
func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "CONNECTED"
	case StatusAuthenticating:
		return "AUTHENTICATING"
	case StatusAuthenticated:
		return "AUTHENTICATED"
	case StatusDisconnected:
		return "DISCONNECTED"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Session is one authenticated live connection. It is created after a
// successful transport handshake and destroyed on close or heartbeat
// eviction. At most one Session exists per session id; a user may own any
// number of concurrent sessions (multi-device).
type Session struct {
	ID          string
	UserID      string
	OrgID       string
	ConnectedAt time.Time

	// Mailbox feeds the session's writer actor; it is the single path for
	// outbound frames so socket writes never interleave.
	Mailbox *actor.Mailbox

	// Transport closes the underlying connection. Closing is idempotent.
	transport io.Closer
	closeOnce sync.Once

	mu            sync.RWMutex
	status        Status
	lastHeartbeat time.Time
}

// NewSession creates a session in the CONNECTED state with the heartbeat
// clock started.
func NewSession(id, userID, orgID string, mailbox *actor.Mailbox, transport io.Closer) *Session {
	now := time.Now()
	return &Session{
		ID:            id,
		UserID:        userID,
		OrgID:         orgID,
		ConnectedAt:   now,
		Mailbox:       mailbox,
		transport:     transport,
		status:        StatusConnected,
		lastHeartbeat: now,
	}
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetStatus moves the session to a new lifecycle state.
func (s *Session) SetStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = st
}

// Touch records a heartbeat now.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeat = time.Now()
}

// LastHeartbeat returns the time of the most recent heartbeat.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHeartbeat
}

// Close shuts the underlying transport exactly once and marks the session
// disconnected. Safe to call from any goroutine; the heartbeat sweeper
// calls it outside the registry lock.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.SetStatus(StatusDisconnected)
		if s.transport != nil {
			_ = s.transport.Close()
		}
	})
}
