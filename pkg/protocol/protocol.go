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

// Package protocol defines the JSON wire frames exchanged between the
// gateway and its clients. Every frame carries a type, an opaque data
// payload, and an epoch-millisecond timestamp. Frames are immutable once
// constructed.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType identifies the purpose of a wire frame.
type MessageType string

const (
	// TypeAuth is the first frame a client must send: credentials for the
	// handshake.
	TypeAuth MessageType = "AUTH"
	// TypeAuthSuccess acknowledges a successful handshake and carries the
	// assigned session id.
	TypeAuthSuccess MessageType = "AUTH_SUCCESS"
	// TypeAuthFailed rejects the handshake; the server closes the
	// connection after sending it.
	TypeAuthFailed MessageType = "AUTH_FAILED"
	// TypeSubscribe requests subscriptions to a batch of topics.
	TypeSubscribe MessageType = "SUBSCRIBE"
	// TypeUnsubscribe removes subscriptions for a batch of topics.
	TypeUnsubscribe MessageType = "UNSUBSCRIBE"
	// TypeSubscriptionConfirmed reports the confirmed and rejected topic
	// lists of a subscribe request.
	TypeSubscriptionConfirmed MessageType = "SUBSCRIPTION_CONFIRMED"
	// TypeHeartbeat is the periodic liveness signal from the client.
	TypeHeartbeat MessageType = "HEARTBEAT"
	// TypeHeartbeatAck acknowledges a heartbeat.
	TypeHeartbeatAck MessageType = "HEARTBEAT_ACK"
	// TypeBroadcast carries a topic fan-out payload to a subscriber.
	TypeBroadcast MessageType = "BROADCAST"
	// TypeDirectMessage carries a payload addressed to a single user.
	TypeDirectMessage MessageType = "DIRECT_MESSAGE"
	// TypeError reports a recoverable protocol error; the connection stays
	// open.
	TypeError MessageType = "ERROR"
)

// ErrMalformedMessage is returned when an inbound frame cannot be decoded.
var ErrMalformedMessage = errors.New("malformed message")

// ErrUnknownType is returned when an inbound frame carries an unrecognized
// type value.
var ErrUnknownType = errors.New("unknown message type")

var knownTypes = map[MessageType]struct{}{
	TypeAuth:                  {},
	TypeAuthSuccess:           {},
	TypeAuthFailed:            {},
	TypeSubscribe:             {},
	TypeUnsubscribe:           {},
	TypeSubscriptionConfirmed: {},
	TypeHeartbeat:             {},
	TypeHeartbeatAck:          {},
	TypeBroadcast:             {},
	TypeDirectMessage:         {},
	TypeError:                 {},
}

// Message is the wire unit. Data is kept as raw JSON so the gateway can
// route frames without knowing every payload shape.
type Message struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// New constructs a frame of the given type, marshaling payload into the
// data field. A nil payload produces a frame with no data.
func New(t MessageType, payload any) (*Message, error) {
	msg := &Message{
		Type:      t,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", t, err)
		}
		msg.Data = data
	}
	return msg, nil
}

// MustNew is New for payloads that cannot fail to marshal. It panics on
// error and exists for the fixed internal payload structs below.
func MustNew(t MessageType, payload any) *Message {
	msg, err := New(t, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

// Decode parses an inbound frame. It returns ErrMalformedMessage for
// invalid JSON or a missing type, and ErrUnknownType for a type value
// outside the protocol.
func Decode(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	if _, ok := knownTypes[msg.Type]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	return &msg, nil
}

// Encode serializes a frame for the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeData unmarshals the frame's data field into out.
func (m *Message) DecodeData(out any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%w: empty data", ErrMalformedMessage)
	}
	if err := json.Unmarshal(m.Data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}

// AuthPayload is the data of an AUTH frame.
type AuthPayload struct {
	Token string `json:"token"`
}

// AuthSuccessPayload is the data of an AUTH_SUCCESS frame.
type AuthSuccessPayload struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

// AuthFailedPayload is the data of an AUTH_FAILED frame.
type AuthFailedPayload struct {
	Reason string `json:"reason"`
}

// SubscribePayload is the data of SUBSCRIBE and UNSUBSCRIBE frames.
type SubscribePayload struct {
	Topics []string `json:"topics"`
}

// SubscriptionConfirmedPayload reports the outcome of a subscribe request.
// Rejected topics are always reported, never silently dropped.
type SubscriptionConfirmedPayload struct {
	SubscribedTopics []string `json:"subscribedTopics"`
	RejectedTopics   []string `json:"rejectedTopics"`
}

// BroadcastPayload is the data of a BROADCAST frame.
type BroadcastPayload struct {
	Topic string          `json:"topic"`
	Event json.RawMessage `json:"event"`
}

// ErrorPayload is the data of an ERROR frame.
type ErrorPayload struct {
	Message string `json:"message"`
}
