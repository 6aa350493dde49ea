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

// Package registry tracks live sessions by session id and by user id. The
// registry is an explicitly owned instance injected into the dispatcher and
// the heartbeat monitor; there is no package-level shared state.
package registry

import (
	"log"
	"sync"
)

// CleanupFunc is invoked synchronously by Unregister for each removed
// session, before Unregister returns. The gateway wires it to the
// subscription index so no stale subscription can ever be fanned out to a
// dead session.
type CleanupFunc func(sessionID string)

// Registry is a thread-safe map of live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]*Session
	cleanup  CleanupFunc
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]*Session),
	}
}

// OnUnregister installs the cleanup hook run for every unregistered
// session. Must be set before the registry starts receiving traffic.
func (r *Registry) OnUnregister(fn CleanupFunc) {
	r.cleanup = fn
}

// Register admits a session. Registering a session id that is already
// present replaces the previous entry; the caller is responsible for
// closing the displaced transport.
func (r *Registry) Register(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[sess.ID] = sess
	userSessions, ok := r.byUser[sess.UserID]
	if !ok {
		userSessions = make(map[string]*Session)
		r.byUser[sess.UserID] = userSessions
	}
	userSessions[sess.ID] = sess
	log.Printf("Registered session %s for user %s (%d sessions total)", sess.ID, sess.UserID, len(r.sessions))
}

// Unregister removes a session and runs the cleanup hook before returning.
// It is idempotent: unregistering an unknown session id is a no-op and the
// hook is not re-run.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
		if userSessions, exists := r.byUser[sess.UserID]; exists {
			delete(userSessions, sessionID)
			if len(userSessions) == 0 {
				delete(r.byUser, sess.UserID)
			}
		}
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	sess.SetStatus(StatusDisconnected)
	if r.cleanup != nil {
		r.cleanup(sessionID)
	}
	log.Printf("Unregistered session %s for user %s", sessionID, sess.UserID)
}

// Get returns the session for an id, or nil when absent.
func (r *Registry) Get(sessionID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

// GetByUser returns a snapshot of the user's live sessions.
func (r *Registry) GetByUser(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userSessions, ok := r.byUser[userID]
	if !ok {
		return nil
	}
	out := make([]*Session, 0, len(userSessions))
	for _, sess := range userSessions {
		out = append(out, sess)
	}
	return out
}

// Snapshot returns a point-in-time copy of every live session. The
// heartbeat sweeper iterates the copy so it never holds the registry lock
// while closing transports.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
