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

// Package auth provides token validation for the gateway handshake and
// topic-level access control for subscribe requests. Token issuance itself
// is an external collaborator; this package only verifies presented tokens
// against configured records.
package auth

import (
	"errors"
	"log"
)

// HashAlgorithm defines the secret hashing algorithm of a token record.
type HashAlgorithm string

const (
	// HashPlain stores the secret verbatim (not recommended for
	// production).
	HashPlain HashAlgorithm = "plain"
	// HashSHA256 stores a SHA256 digest of the secret.
	HashSHA256 HashAlgorithm = "sha256"
	// HashBcrypt stores a bcrypt digest of the secret (recommended).
	HashBcrypt HashAlgorithm = "bcrypt"
)

// ErrInvalidToken is returned when no validator accepts a token.
var ErrInvalidToken = errors.New("invalid or expired token")

// Identity describes the principal behind a validated token.
type Identity struct {
	UserID string `json:"user_id"`
	OrgID  string `json:"org_id"`
}

// Result represents the outcome of one validator's attempt.
type Result int

const (
	// Success indicates the token was accepted.
	Success Result = iota
	// Failure indicates the token was recognized and rejected.
	Failure
	// Error indicates the validator could not decide; the chain moves on.
	Error
	// Ignore indicates the validator does not handle this token shape.
	Ignore
)

// String returns the string representation of a Result.
func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Error:
		return "error"
	case Ignore:
		return "ignore"
	default:
		return "unknown"
	}
}

// Validator is one token validation provider.
type Validator interface {
	// Validate verifies a presented token. The identity is non-nil only on
	// Success.
	Validate(token string) (*Identity, Result)
	// Name returns the validator's name for logging.
	Name() string
	// Enabled reports whether the validator participates in the chain.
	Enabled() bool
}

// Chain runs validators in order until one decides. A Failure stops the
// chain immediately; Error and Ignore move on to the next validator.
type Chain struct {
	validators []Validator
	enabled    bool
}

// NewChain creates an enabled, empty chain.
func NewChain() *Chain {
	return &Chain{enabled: true}
}

// SetEnabled toggles the whole chain. A disabled chain accepts every
// non-empty token and derives the user id from the token itself; this
// exists for development setups only.
func (c *Chain) SetEnabled(enabled bool) {
	c.enabled = enabled
	if !enabled {
		log.Printf("WARNING: authentication chain disabled, tokens are accepted verbatim")
	}
}

// AddValidator appends a validator to the chain.
func (c *Chain) AddValidator(v Validator) {
	c.validators = append(c.validators, v)
}

// Validate runs the chain for a presented token.
func (c *Chain) Validate(token string) (*Identity, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	if !c.enabled {
		return &Identity{UserID: token}, nil
	}

	for _, v := range c.validators {
		if !v.Enabled() {
			continue
		}
		identity, result := v.Validate(token)
		switch result {
		case Success:
			return identity, nil
		case Failure:
			log.Printf("Validator %s rejected token", v.Name())
			return nil, ErrInvalidToken
		case Error:
			log.Printf("Validator %s errored, trying next", v.Name())
		case Ignore:
		}
	}
	return nil, ErrInvalidToken
}
