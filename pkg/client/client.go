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

// Package client implements the gateway's client-side connection manager:
// an explicit, restartable state machine that dials the WebSocket endpoint,
// runs the AUTH handshake, keeps the session alive with heartbeats, and
// transparently reconnects with linear backoff. Outbound frames sent while
// the connection is down are queued in FIFO order and flushed once the
// session is authenticated again; desired subscriptions are replayed on
// every reconnect.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/turtacn/pushgate/pkg/protocol"
)

// Defaults for the reconnect and liveness policy.
const (
	DefaultBaseInterval      = 5 * time.Second
	DefaultMaxDelay          = 30 * time.Second
	DefaultMaxAttempts       = 10
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
)

var (
	// ErrAuthRejected is returned through the failure callback when the
	// server answers the handshake with AUTH_FAILED. Rejection is terminal;
	// retrying with the same credentials would only repeat the refusal.
	ErrAuthRejected = errors.New("client: authentication rejected by server")
	// ErrAlreadyRunning is returned by Connect when the manager is active.
	ErrAlreadyRunning = errors.New("client: connection manager already running")
)

// TokenProvider supplies the credential for each handshake. It is called on
// every (re)connect so rotated tokens are picked up without restarting the
// manager.
type TokenProvider func() (string, error)

// Handler consumes one inbound frame of a given type.
type Handler func(msg *protocol.Message)

// Config tunes a Manager. Zero values fall back to the package defaults.
type Config struct {
	// URL is the full WebSocket endpoint, e.g. "ws://host:8080/ws".
	URL string
	// Token supplies the handshake credential.
	Token TokenProvider
	// BaseInterval is the backoff unit: attempt n waits n*BaseInterval,
	// capped at MaxDelay.
	BaseInterval time.Duration
	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration
	// MaxAttempts is the number of consecutive failed reconnect attempts
	// tolerated before the manager enters StateFailed.
	MaxAttempts int
	// HeartbeatInterval is the cadence of HEARTBEAT frames while
	// authenticated.
	HeartbeatInterval time.Duration
	// HandshakeTimeout bounds the dial plus the AUTH round trip.
	HandshakeTimeout time.Duration
	// Dialer overrides the WebSocket dialer, mainly for tests.
	Dialer *websocket.Dialer
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BaseInterval <= 0 {
		out.BaseInterval = DefaultBaseInterval
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = DefaultMaxDelay
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = DefaultMaxAttempts
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if out.Dialer == nil {
		out.Dialer = websocket.DefaultDialer
	}
	return out
}

// Manager owns one logical connection to the push gateway. All socket
// writes happen on the manager's run goroutine; public methods hand frames
// over through channels or the pending queue.
type Manager struct {
	cfg Config

	state   atomic.Int32
	onState func(State)

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	handlers  map[protocol.MessageType]Handler
	topics    map[string]struct{}
	pending   []*protocol.Message
	outbound  chan *protocol.Message
	sessionID string
	lastErr   error
}

// New creates a connection manager. Connect must be called to start it.
func New(cfg Config) (*Manager, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("client: endpoint URL is required")
	}
	if cfg.Token == nil {
		return nil, fmt.Errorf("client: token provider is required")
	}
	m := &Manager{
		cfg:      cfg.withDefaults(),
		handlers: make(map[protocol.MessageType]Handler),
		topics:   make(map[string]struct{}),
	}
	m.state.Store(int32(StateDisconnected))
	return m, nil
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// SessionID returns the server-assigned session id of the current
// connection, or the empty string when not authenticated.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// LastError returns the error that drove the most recent state transition.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// OnStateChange installs a state observer. Must be set before Connect; the
// callback runs on the manager goroutine and must not block.
func (m *Manager) OnStateChange(fn func(State)) {
	m.onState = fn
}

// OnMessage installs the handler for one frame type. Must be set before
// Connect.
func (m *Manager) OnMessage(t protocol.MessageType, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[t] = h
}

// Connect starts the connection state machine. It returns immediately; the
// manager dials and retries in the background until Disconnect is called or
// the retry budget is exhausted.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	m.outbound = make(chan *protocol.Message, 64)
	m.lastErr = nil

	go m.run(runCtx)
	return nil
}

// Disconnect stops the manager: pending timers are canceled, the transport
// is closed, and the state returns to DISCONNECTED. Safe to call multiple
// times.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done
}

// Subscribe records topics as desired and pushes a SUBSCRIBE frame. The
// desired set survives reconnects: after every successful handshake the
// full set is re-sent, because the server's subscription index does not
// outlive a session.
func (m *Manager) Subscribe(topics ...string) {
	m.mu.Lock()
	for _, topic := range topics {
		m.topics[topic] = struct{}{}
	}
	m.mu.Unlock()
	m.Send(protocol.MustNew(protocol.TypeSubscribe, protocol.SubscribePayload{Topics: topics}))
}

// Unsubscribe removes topics from the desired set and pushes an
// UNSUBSCRIBE frame.
func (m *Manager) Unsubscribe(topics ...string) {
	m.mu.Lock()
	for _, topic := range topics {
		delete(m.topics, topic)
	}
	m.mu.Unlock()
	m.Send(protocol.MustNew(protocol.TypeUnsubscribe, protocol.SubscribePayload{Topics: topics}))
}

// Send queues one frame for delivery. While authenticated the frame goes
// straight to the writer; otherwise it is held in FIFO order and flushed
// after the next successful handshake.
func (m *Manager) Send(msg *protocol.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.State() == StateAuthenticated && m.outbound != nil {
		select {
		case m.outbound <- msg:
			return
		default:
			// Writer is saturated; fall through to the pending queue.
		}
	}
	m.pending = append(m.pending, msg)
}

// run is the connection state machine. One iteration per transport
// lifetime; backoff between iterations.
func (m *Manager) run(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		m.running = false
		m.sessionID = ""
		close(m.done)
		m.mu.Unlock()
	}()

	attempt := 0
	for {
		m.setState(StateConnecting)
		conn, err := m.dial(ctx)
		if err != nil {
			m.setErr(err)
			if !m.backoff(ctx, &attempt) {
				return
			}
			continue
		}

		m.setState(StateConnected)
		err = m.handshake(conn)
		if err != nil {
			_ = conn.Close()
			m.setErr(err)
			if errors.Is(err, ErrAuthRejected) {
				m.setState(StateFailed)
				return
			}
			if !m.backoff(ctx, &attempt) {
				return
			}
			continue
		}

		attempt = 0
		m.setState(StateAuthenticated)
		m.resubscribe()
		err = m.serve(ctx, conn)
		_ = conn.Close()

		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return
		}
		m.setErr(err)
		m.setState(StateDisconnected)
		if !m.backoff(ctx, &attempt) {
			return
		}
	}
}

// dial opens the transport within the handshake window.
func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()
	conn, _, err := m.cfg.Dialer.DialContext(dialCtx, m.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", m.cfg.URL, err)
	}
	return conn, nil
}

// handshake sends AUTH and waits for the verdict. A transport error is
// retriable; AUTH_FAILED is not.
func (m *Manager) handshake(conn *websocket.Conn) error {
	m.setState(StateAuthenticating)

	token, err := m.cfg.Token()
	if err != nil {
		return fmt.Errorf("obtaining token: %w", err)
	}
	if err := conn.WriteJSON(protocol.MustNew(protocol.TypeAuth, protocol.AuthPayload{Token: token})); err != nil {
		return fmt.Errorf("sending AUTH: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(m.cfg.HandshakeTimeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("reading handshake reply: %w", err)
	}
	reply, err := protocol.Decode(raw)
	if err != nil {
		return fmt.Errorf("decoding handshake reply: %w", err)
	}

	switch reply.Type {
	case protocol.TypeAuthSuccess:
		var payload protocol.AuthSuccessPayload
		if err := reply.DecodeData(&payload); err != nil {
			return fmt.Errorf("decoding AUTH_SUCCESS payload: %w", err)
		}
		m.mu.Lock()
		m.sessionID = payload.SessionID
		m.mu.Unlock()
		log.Printf("Authenticated as %s (session %s)", payload.UserID, payload.SessionID)
		return nil
	case protocol.TypeAuthFailed:
		var payload protocol.AuthFailedPayload
		_ = reply.DecodeData(&payload)
		return fmt.Errorf("%w: %s", ErrAuthRejected, payload.Reason)
	default:
		return fmt.Errorf("unexpected handshake reply %s", reply.Type)
	}
}

// resubscribe replays the desired topic set on the fresh session.
func (m *Manager) resubscribe() {
	m.mu.Lock()
	topics := make([]string, 0, len(m.topics))
	for topic := range m.topics {
		topics = append(topics, topic)
	}
	m.mu.Unlock()
	if len(topics) == 0 {
		return
	}
	m.Send(protocol.MustNew(protocol.TypeSubscribe, protocol.SubscribePayload{Topics: topics}))
}

// serve owns the authenticated phase: it is the only writer on the socket,
// interleaving queued outbound frames with heartbeat ticks, while a reader
// goroutine feeds inbound frames through a channel.
func (m *Manager) serve(ctx context.Context, conn *websocket.Conn) error {
	inbound := make(chan *protocol.Message, 16)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			msg, err := protocol.Decode(raw)
			if err != nil {
				log.Printf("Dropping undecodable frame: %v", err)
				continue
			}
			select {
			case inbound <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := m.flushPending(conn); err != nil {
		return err
	}

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return fmt.Errorf("transport closed: %w", err)
		case msg := <-inbound:
			m.dispatch(msg)
		case <-ticker.C:
			if err := conn.WriteJSON(protocol.MustNew(protocol.TypeHeartbeat, nil)); err != nil {
				return fmt.Errorf("sending heartbeat: %w", err)
			}
		case msg := <-m.outbound:
			if err := conn.WriteJSON(msg); err != nil {
				// The frame stays pending for the next session.
				m.mu.Lock()
				m.pending = append([]*protocol.Message{msg}, m.pending...)
				m.mu.Unlock()
				return fmt.Errorf("writing frame: %w", err)
			}
		}
	}
}

// flushPending drains frames queued while offline, oldest first.
func (m *Manager) flushPending(conn *websocket.Conn) error {
	m.mu.Lock()
	queued := m.pending
	m.pending = nil
	m.mu.Unlock()

	for i, msg := range queued {
		if err := conn.WriteJSON(msg); err != nil {
			m.mu.Lock()
			m.pending = append(queued[i:], m.pending...)
			m.mu.Unlock()
			return fmt.Errorf("flushing queued frame: %w", err)
		}
	}
	return nil
}

// dispatch routes one inbound frame to its registered handler.
func (m *Manager) dispatch(msg *protocol.Message) {
	if msg.Type == protocol.TypeHeartbeatAck {
		return
	}
	m.mu.Lock()
	handler := m.handlers[msg.Type]
	m.mu.Unlock()
	if handler != nil {
		handler(msg)
		return
	}
	log.Printf("No handler for frame %s", msg.Type)
}

// backoff waits out the reconnect delay for the next attempt. Returns
// false when the retry budget is exhausted (StateFailed) or the context is
// canceled (StateDisconnected).
func (m *Manager) backoff(ctx context.Context, attempt *int) bool {
	*attempt++
	if *attempt > m.cfg.MaxAttempts {
		log.Printf("Giving up after %d reconnect attempts", m.cfg.MaxAttempts)
		m.setState(StateFailed)
		return false
	}

	delay := m.retryDelay(*attempt)
	log.Printf("Reconnect attempt %d/%d in %s", *attempt, m.cfg.MaxAttempts, delay)
	m.setState(StateReconnecting)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		m.setState(StateDisconnected)
		return false
	case <-timer.C:
		return true
	}
}

// retryDelay computes the linear backoff for one attempt, capped at
// MaxDelay.
func (m *Manager) retryDelay(attempt int) time.Duration {
	delay := time.Duration(attempt) * m.cfg.BaseInterval
	if delay > m.cfg.MaxDelay {
		delay = m.cfg.MaxDelay
	}
	return delay
}

func (m *Manager) setState(s State) {
	if State(m.state.Swap(int32(s))) == s {
		return
	}
	if m.onState != nil {
		m.onState(s)
	}
}

func (m *Manager) setErr(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}
