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

// package storage provides a generic key-value store interface and an
// in-memory implementation. The auth token store is built on it so a
// disk-backed or distributed backend can be swapped in without touching the
// authentication code.
package storage

import (
	"errors"
	"sync"
)

// ErrNotFound is returned when a key is not found in the store.
var ErrNotFound = errors.New("not found")

// Store is a generic key-value store.
type Store interface {
	// Get retrieves a value by key, returning ErrNotFound when absent.
	Get(key string) (any, error)
	// Set adds or updates a value.
	Set(key string, value any) error
	// Delete removes a value. Deleting an absent key is not an error.
	Delete(key string) error
	// Range calls fn for every entry until fn returns false.
	Range(fn func(key string, value any) bool) error
}

// MemStore is an in-memory Store safe for concurrent use.
type MemStore struct {
	data map[string]any
	mu   sync.RWMutex
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		data: make(map[string]any),
	}
}

// Get retrieves a value from the in-memory store.
func (s *MemStore) Get(key string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return value, nil
}

// Set adds or updates a value in the in-memory store.
func (s *MemStore) Set(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

// Delete removes a value from the in-memory store.
func (s *MemStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Range iterates a snapshot of the store. fn may call back into the store.
func (s *MemStore) Range(fn func(key string, value any) bool) error {
	s.mu.RLock()
	snapshot := make(map[string]any, len(s.data))
	for k, v := range s.data {
		snapshot[k] = v
	}
	s.mu.RUnlock()

	for k, v := range snapshot {
		if !fn(k, v) {
			return nil
		}
	}
	return nil
}
