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

// Package subscription provides a thread-safe, in-memory index mapping
// topics to subscribed sessions and sessions back to their topics. The
// index is the routing table consulted by the dispatcher on every fan-out.
package subscription

import (
	"log"
	"sync"
)

// AccessController decides whether a user may subscribe to a topic. The
// gateway installs the access-control policy; the index never makes
// authorization decisions itself.
type AccessController interface {
	Allow(userID, topic string) bool
}

// AllowAll is an AccessController that authorizes every topic. Useful in
// tests and for deployments without topic-level restrictions.
type AllowAll struct{}

// Allow always reports true.
func (AllowAll) Allow(string, string) bool { return true }

// Subscriber is one entry in a topic's subscriber snapshot. The user id is
// carried alongside the session id so the dispatcher can route to the
// offline queue even when the session has already been destroyed.
type Subscriber struct {
	SessionID string
	UserID    string
}

// Index is the subscription table. Forward (topic to sessions) and reverse
// (session to topics) maps are kept consistent under one lock; a
// subscription never outlives its session because the registry's
// unregister hook calls UnsubscribeAll.
type Index struct {
	mu      sync.RWMutex
	byTopic map[string]map[string]Subscriber
	bySess  map[string]map[string]struct{}
	access  AccessController
}

// NewIndex creates an empty index guarded by the given access policy. A nil
// policy authorizes everything.
func NewIndex(access AccessController) *Index {
	if access == nil {
		access = AllowAll{}
	}
	return &Index{
		byTopic: make(map[string]map[string]Subscriber),
		bySess:  make(map[string]map[string]struct{}),
		access:  access,
	}
}

// Subscribe records subscriptions for a batch of topics. Topics denied by
// the access policy are rejected individually; the rest of the batch still
// succeeds. Both lists are returned so partial success is observable to
// the caller.
func (i *Index) Subscribe(sessionID, userID string, topics []string) (confirmed, rejected []string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	for _, topic := range topics {
		if topic == "" || !i.access.Allow(userID, topic) {
			rejected = append(rejected, topic)
			continue
		}

		subs, ok := i.byTopic[topic]
		if !ok {
			subs = make(map[string]Subscriber)
			i.byTopic[topic] = subs
		}
		subs[sessionID] = Subscriber{SessionID: sessionID, UserID: userID}

		sessTopics, ok := i.bySess[sessionID]
		if !ok {
			sessTopics = make(map[string]struct{})
			i.bySess[sessionID] = sessTopics
		}
		sessTopics[topic] = struct{}{}
		confirmed = append(confirmed, topic)
	}

	if len(rejected) > 0 {
		log.Printf("Session %s subscribe: %d confirmed, %d rejected", sessionID, len(confirmed), len(rejected))
	}
	return confirmed, rejected
}

// Unsubscribe removes one session's subscription to a topic. Unknown
// pairs are ignored.
func (i *Index) Unsubscribe(sessionID, topic string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.removeLocked(sessionID, topic)
}

// UnsubscribeAll removes every subscription held by a session. Called by
// the registry's unregister cascade so subscriptions are destroyed
// atomically with their session. Returns the topics that were removed.
func (i *Index) UnsubscribeAll(sessionID string) []string {
	i.mu.Lock()
	defer i.mu.Unlock()

	sessTopics, ok := i.bySess[sessionID]
	if !ok {
		return nil
	}
	removed := make([]string, 0, len(sessTopics))
	for topic := range sessTopics {
		removed = append(removed, topic)
		i.removeTopicEntryLocked(sessionID, topic)
	}
	delete(i.bySess, sessionID)
	return removed
}

// SubscribersOf returns a point-in-time copy of a topic's subscribers. The
// dispatcher iterates the copy while sessions are concurrently added and
// removed, without holding the index lock across network I/O.
func (i *Index) SubscribersOf(topic string) []Subscriber {
	i.mu.RLock()
	defer i.mu.RUnlock()

	subs, ok := i.byTopic[topic]
	if !ok {
		return nil
	}
	out := make([]Subscriber, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub)
	}
	return out
}

// TopicsOf returns a copy of the topics a session is subscribed to.
func (i *Index) TopicsOf(sessionID string) []string {
	i.mu.RLock()
	defer i.mu.RUnlock()

	sessTopics, ok := i.bySess[sessionID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(sessTopics))
	for topic := range sessTopics {
		out = append(out, topic)
	}
	return out
}

func (i *Index) removeLocked(sessionID, topic string) {
	i.removeTopicEntryLocked(sessionID, topic)
	if sessTopics, ok := i.bySess[sessionID]; ok {
		delete(sessTopics, topic)
		if len(sessTopics) == 0 {
			delete(i.bySess, sessionID)
		}
	}
}

func (i *Index) removeTopicEntryLocked(sessionID, topic string) {
	if subs, ok := i.byTopic[topic]; ok {
		delete(subs, sessionID)
		if len(subs) == 0 {
			delete(i.byTopic, topic)
		}
	}
}
