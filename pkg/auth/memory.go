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

package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/turtacn/pushgate/pkg/storage"
)

// tokenRecord is the stored form of an issued token.
type tokenRecord struct {
	Digest    string
	Algorithm HashAlgorithm
	Identity  Identity
	ExpiresAt time.Time // zero means no expiry
	Enabled   bool
}

// MemoryTokenStore validates tokens of the form "<id>:<secret>" against
// records held in a storage.Store. The id indexes the record; the secret is
// verified against the stored digest.
type MemoryTokenStore struct {
	store   storage.Store
	name    string
	enabled bool
}

// NewMemoryTokenStore creates a token store backed by the given storage.
// A nil store gets a fresh MemStore.
func NewMemoryTokenStore(store storage.Store) *MemoryTokenStore {
	if store == nil {
		store = storage.NewMemStore()
	}
	return &MemoryTokenStore{
		store:   store,
		name:    "memory-token-store",
		enabled: true,
	}
}

// AddToken registers a token. ttl of zero means the token never expires.
func (m *MemoryTokenStore) AddToken(id, secret string, algorithm HashAlgorithm, identity Identity, ttl time.Duration) error {
	digest, err := hashSecret(secret, algorithm)
	if err != nil {
		return fmt.Errorf("hashing token secret: %w", err)
	}
	record := tokenRecord{
		Digest:    digest,
		Algorithm: algorithm,
		Identity:  identity,
		Enabled:   true,
	}
	if ttl > 0 {
		record.ExpiresAt = time.Now().Add(ttl)
	}
	return m.store.Set(id, record)
}

// RevokeToken removes a token record.
func (m *MemoryTokenStore) RevokeToken(id string) error {
	return m.store.Delete(id)
}

// Validate implements Validator. Tokens that do not match the
// "<id>:<secret>" shape are ignored so other validators in the chain can
// handle them.
func (m *MemoryTokenStore) Validate(token string) (*Identity, Result) {
	id, secret, ok := strings.Cut(token, ":")
	if !ok || id == "" {
		return nil, Ignore
	}

	raw, err := m.store.Get(id)
	if err != nil {
		return nil, Failure
	}
	record, ok := raw.(tokenRecord)
	if !ok {
		return nil, Error
	}

	if !record.Enabled {
		return nil, Failure
	}
	if !record.ExpiresAt.IsZero() && time.Now().After(record.ExpiresAt) {
		return nil, Failure
	}
	if !verifySecret(secret, record.Digest, record.Algorithm) {
		return nil, Failure
	}
	identity := record.Identity
	return &identity, Success
}

// Name implements Validator.
func (m *MemoryTokenStore) Name() string { return m.name }

// Enabled implements Validator.
func (m *MemoryTokenStore) Enabled() bool { return m.enabled }

// SetEnabled toggles the validator's participation in the chain.
func (m *MemoryTokenStore) SetEnabled(enabled bool) { m.enabled = enabled }

func hashSecret(secret string, algorithm HashAlgorithm) (string, error) {
	switch algorithm {
	case HashPlain:
		return secret, nil
	case HashSHA256:
		sum := sha256.Sum256([]byte(secret))
		return fmt.Sprintf("%x", sum), nil
	case HashBcrypt:
		digest, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return "", err
		}
		return string(digest), nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm %q", algorithm)
	}
}

func verifySecret(secret, digest string, algorithm HashAlgorithm) bool {
	switch algorithm {
	case HashPlain:
		return subtle.ConstantTimeCompare([]byte(secret), []byte(digest)) == 1
	case HashSHA256:
		sum := sha256.Sum256([]byte(secret))
		return subtle.ConstantTimeCompare([]byte(fmt.Sprintf("%x", sum)), []byte(digest)) == 1
	case HashBcrypt:
		return bcrypt.CompareHashAndPassword([]byte(digest), []byte(secret)) == nil
	default:
		return false
	}
}
