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

package client

// State is the connection lifecycle state of a Manager.
type State int32

const (
	// StateDisconnected is the initial state and the state after a clean
	// Disconnect.
	StateDisconnected State = iota
	// StateConnecting means a dial is in progress.
	StateConnecting
	// StateConnected means the transport is up but the handshake has not
	// completed.
	StateConnected
	// StateAuthenticating means AUTH has been sent and the reply is pending.
	StateAuthenticating
	// StateAuthenticated is the operational state: subscriptions, heartbeats
	// and outbound traffic flow only here.
	StateAuthenticated
	// StateReconnecting means the manager is waiting out a backoff delay
	// before the next dial attempt.
	StateReconnecting
	// StateFailed is terminal: the retry budget is exhausted or the server
	// rejected the credentials. Only a fresh Connect leaves this state.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}
