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

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/pushgate/pkg/actor"
	"github.com/turtacn/pushgate/pkg/config"
	"github.com/turtacn/pushgate/pkg/connector"
	"github.com/turtacn/pushgate/pkg/protocol"
	"github.com/turtacn/pushgate/pkg/registry"
)

const (
	devToken = "dev:dev-secret"
	opsToken = "ops:ops-secret"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Gateway.AuthTimeout = 2 * time.Second
	cfg.Gateway.Auth.Tokens = append(cfg.Gateway.Auth.Tokens, config.TokenConfig{
		ID:        "ops",
		Secret:    "ops-secret",
		Algorithm: "plain",
		UserID:    "ops-user",
		OrgID:     "dev-org",
		Enabled:   true,
	})
	return cfg
}

// startTestGateway serves the gateway over httptest and returns the ws URL.
func startTestGateway(t *testing.T, cfg *config.Config) (*Gateway, string) {
	t.Helper()
	g, err := New(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	server := httptest.NewServer(g.Handler(ctx))
	t.Cleanup(func() {
		cancel()
		server.Close()
	})
	return g, "ws" + strings.TrimPrefix(server.URL, "http") + cfg.Gateway.WSPath
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, msgType protocol.MessageType, payload any) {
	t.Helper()
	msg, err := protocol.New(msgType, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(msg))
}

func readFrame(t *testing.T, conn *websocket.Conn) *protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(raw)
	require.NoError(t, err)
	return msg
}

// authenticated dials and completes the handshake, returning the session id.
func authenticated(t *testing.T, url, token string) (*websocket.Conn, string) {
	t.Helper()
	conn := dial(t, url)
	sendFrame(t, conn, protocol.TypeAuth, protocol.AuthPayload{Token: token})
	reply := readFrame(t, conn)
	require.Equal(t, protocol.TypeAuthSuccess, reply.Type)
	var payload protocol.AuthSuccessPayload
	require.NoError(t, reply.DecodeData(&payload))
	return conn, payload.SessionID
}

func TestHandshakeSuccess(t *testing.T) {
	_, url := startTestGateway(t, testConfig())

	conn := dial(t, url)
	sendFrame(t, conn, protocol.TypeAuth, protocol.AuthPayload{Token: devToken})

	reply := readFrame(t, conn)
	require.Equal(t, protocol.TypeAuthSuccess, reply.Type)

	var payload protocol.AuthSuccessPayload
	require.NoError(t, reply.DecodeData(&payload))
	assert.Equal(t, "dev-user", payload.UserID)
	assert.NotEmpty(t, payload.SessionID)
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	g, url := startTestGateway(t, testConfig())

	conn := dial(t, url)
	sendFrame(t, conn, protocol.TypeAuth, protocol.AuthPayload{Token: "dev:wrong"})

	reply := readFrame(t, conn)
	require.Equal(t, protocol.TypeAuthFailed, reply.Type)

	// The transport is closed and no session was created.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, g.Registry().Len())
}

func TestHandshakeRequiresAuthFirst(t *testing.T) {
	g, url := startTestGateway(t, testConfig())

	conn := dial(t, url)
	sendFrame(t, conn, protocol.TypeSubscribe, protocol.SubscribePayload{Topics: []string{"alerts"}})

	reply := readFrame(t, conn)
	require.Equal(t, protocol.TypeError, reply.Type)
	var payload protocol.ErrorPayload
	require.NoError(t, reply.DecodeData(&payload))
	assert.Equal(t, "authentication required", payload.Message)
	assert.Equal(t, 0, g.Registry().Len())
}

func TestHandshakeRejectsNonAuthFrame(t *testing.T) {
	g, url := startTestGateway(t, testConfig())

	conn := dial(t, url)
	sendFrame(t, conn, protocol.TypeHeartbeat, nil)

	reply := readFrame(t, conn)
	require.Equal(t, protocol.TypeAuthFailed, reply.Type)
	assert.Equal(t, 0, g.Registry().Len())
}

func TestSubscribeAndBroadcast(t *testing.T) {
	g, url := startTestGateway(t, testConfig())

	devConn, _ := authenticated(t, url, devToken)
	opsConn, _ := authenticated(t, url, opsToken)

	for _, conn := range []*websocket.Conn{devConn, opsConn} {
		sendFrame(t, conn, protocol.TypeSubscribe, protocol.SubscribePayload{Topics: []string{"alerts"}})
		reply := readFrame(t, conn)
		require.Equal(t, protocol.TypeSubscriptionConfirmed, reply.Type)
		var confirmed protocol.SubscriptionConfirmedPayload
		require.NoError(t, reply.DecodeData(&confirmed))
		assert.Equal(t, []string{"alerts"}, confirmed.SubscribedTopics)
		assert.Empty(t, confirmed.RejectedTopics)
	}

	event := json.RawMessage(`{"severity":"critical","server":"web-1"}`)
	result, err := g.Dispatcher().BroadcastToTopic("alerts", event)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Delivered)
	assert.Equal(t, 0, result.Queued)

	for _, conn := range []*websocket.Conn{devConn, opsConn} {
		frame := readFrame(t, conn)
		require.Equal(t, protocol.TypeBroadcast, frame.Type)
		var payload protocol.BroadcastPayload
		require.NoError(t, frame.DecodeData(&payload))
		assert.Equal(t, "alerts", payload.Topic)
		assert.JSONEq(t, string(event), string(payload.Event))
	}
}

func TestDisconnectedSubscriberIsQueuedAndReplayed(t *testing.T) {
	g, url := startTestGateway(t, testConfig())

	opsConn, _ := authenticated(t, url, opsToken)
	sendFrame(t, opsConn, protocol.TypeSubscribe, protocol.SubscribePayload{Topics: []string{"alerts"}})
	require.Equal(t, protocol.TypeSubscriptionConfirmed, readFrame(t, opsConn).Type)

	require.NoError(t, opsConn.Close())
	require.Eventually(t, func() bool { return g.Registry().Len() == 0 },
		2*time.Second, 10*time.Millisecond, "session teardown")

	event := json.RawMessage(`{"severity":"warning"}`)
	msg := protocol.MustNew(protocol.TypeBroadcast, protocol.BroadcastPayload{Topic: "alerts", Event: event})
	g.OfflineQueue().Enqueue("ops-user", "alerts", msg)

	// Reconnect: the replay arrives right after AUTH_SUCCESS.
	reconn, _ := authenticated(t, url, opsToken)
	frame := readFrame(t, reconn)
	require.Equal(t, protocol.TypeBroadcast, frame.Type)
	var payload protocol.BroadcastPayload
	require.NoError(t, frame.DecodeData(&payload))
	assert.Equal(t, "alerts", payload.Topic)

	// The queue was cleared by the flush.
	assert.Equal(t, 0, g.OfflineQueue().Size("ops-user"))
}

func TestDisconnectCleansSubscriptions(t *testing.T) {
	g, url := startTestGateway(t, testConfig())

	conn, sessionID := authenticated(t, url, devToken)
	sendFrame(t, conn, protocol.TypeSubscribe, protocol.SubscribePayload{Topics: []string{"alerts", "servers"}})
	require.Equal(t, protocol.TypeSubscriptionConfirmed, readFrame(t, conn).Type)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return g.Registry().Len() == 0 },
		2*time.Second, 10*time.Millisecond)

	// Subscription records must not outlive the session.
	assert.Empty(t, g.subs.TopicsOf(sessionID))
	assert.Empty(t, g.subs.SubscribersOf("alerts"))
}

func TestHeartbeatAck(t *testing.T) {
	_, url := startTestGateway(t, testConfig())

	conn, _ := authenticated(t, url, devToken)
	sendFrame(t, conn, protocol.TypeHeartbeat, nil)
	assert.Equal(t, protocol.TypeHeartbeatAck, readFrame(t, conn).Type)
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	_, url := startTestGateway(t, testConfig())

	conn, _ := authenticated(t, url, devToken)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	reply := readFrame(t, conn)
	assert.Equal(t, protocol.TypeError, reply.Type)

	// Connection survives: a heartbeat still round-trips.
	sendFrame(t, conn, protocol.TypeHeartbeat, nil)
	assert.Equal(t, protocol.TypeHeartbeatAck, readFrame(t, conn).Type)
}

func TestUnsubscribeReportsRemainingTopics(t *testing.T) {
	_, url := startTestGateway(t, testConfig())

	conn, _ := authenticated(t, url, devToken)
	sendFrame(t, conn, protocol.TypeSubscribe, protocol.SubscribePayload{Topics: []string{"alerts", "servers"}})
	require.Equal(t, protocol.TypeSubscriptionConfirmed, readFrame(t, conn).Type)

	sendFrame(t, conn, protocol.TypeUnsubscribe, protocol.SubscribePayload{Topics: []string{"alerts"}})
	reply := readFrame(t, conn)
	require.Equal(t, protocol.TypeSubscriptionConfirmed, reply.Type)
	var payload protocol.SubscriptionConfirmedPayload
	require.NoError(t, reply.DecodeData(&payload))
	assert.Equal(t, []string{"servers"}, payload.SubscribedTopics)
}

func TestSubscribeRacingEvictionCannotOutliveSession(t *testing.T) {
	g, url := startTestGateway(t, testConfig())

	conn, sessionID := authenticated(t, url, devToken)

	// Sweeper's view of an eviction racing an in-flight SUBSCRIBE: the
	// frame was dequeued before the session was unregistered but is
	// processed after, re-inserting a subscription for a dead session.
	g.Registry().Unregister(sessionID)
	sendFrame(t, conn, protocol.TypeSubscribe, protocol.SubscribePayload{Topics: []string{"alerts"}})
	require.Equal(t, protocol.TypeSubscriptionConfirmed, readFrame(t, conn).Type)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return len(g.subs.SubscribersOf("alerts")) == 0 },
		2*time.Second, 10*time.Millisecond, "subscription outlived its session")

	result, err := g.Dispatcher().BroadcastToTopic("alerts", json.RawMessage(`{"severity":"info"}`))
	require.NoError(t, err)
	assert.Equal(t, 0, result.Queued)
	assert.Equal(t, 0, g.OfflineQueue().Size("dev-user"))
}

func TestReaderPumpExitsOnShutdown(t *testing.T) {
	g, err := New(testConfig(), nil)
	require.NoError(t, err)

	serverSide := make(chan *websocket.Conn, 1)
	hold := make(chan struct{})
	up := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverSide <- conn
		<-hold
	}))
	t.Cleanup(func() {
		close(hold)
		server.Close()
	})

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	conn := <-serverSide

	sess := registry.NewSession("sess-pump", "dev-user", "dev-org", actor.NewMailbox(1), conn)
	sess.SetStatus(registry.StatusAuthenticated)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	before := runtime.NumGoroutine()
	loopDone := make(chan struct{})
	go func() {
		g.readLoop(ctx, sess, conn)
		close(loopDone)
	}()
	<-loopDone

	// The dispatch side is gone; flood more frames than the channel
	// buffers so the reader pump hits a full channel and must bail out
	// instead of blocking forever.
	for i := 0; i < 64; i++ {
		require.NoError(t, client.WriteJSON(protocol.MustNew(protocol.TypeHeartbeat, nil)))
	}

	require.Eventually(t, func() bool { return runtime.NumGoroutine() <= before },
		2*time.Second, 10*time.Millisecond, "reader pump still running after shutdown")
}

type recordingSink struct {
	mu     sync.Mutex
	events []connector.AuditEvent
}

func (s *recordingSink) Record(_ context.Context, event connector.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) has(kind string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, event := range s.events {
		if event.Kind == kind {
			return true
		}
	}
	return false
}

func TestHeartbeatEvictionIsAudited(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.Heartbeat.Interval = 20 * time.Millisecond
	cfg.Gateway.Heartbeat.MissedThreshold = 2
	cfg.Gateway.Heartbeat.SweepPeriod = 10 * time.Millisecond

	sink := &recordingSink{}
	g, err := New(cfg, sink)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	server := httptest.NewServer(g.Handler(ctx))
	t.Cleanup(func() {
		cancel()
		server.Close()
	})

	url := "ws" + strings.TrimPrefix(server.URL, "http") + cfg.Gateway.WSPath
	authenticated(t, url, devToken)

	// Session goes silent; the sweeper evicts it and the sink hears it.
	require.Eventually(t, func() bool { return sink.has(connector.EventHeartbeatEviction) },
		2*time.Second, 10*time.Millisecond, "eviction never reached the audit sink")
	require.Eventually(t, func() bool { return g.Registry().Len() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestSubscribeDeniedTopicIsRejected(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.Auth.DefaultAllow = false
	_, url := startTestGateway(t, cfg)

	conn, _ := authenticated(t, url, devToken)
	sendFrame(t, conn, protocol.TypeSubscribe, protocol.SubscribePayload{Topics: []string{"alerts"}})

	reply := readFrame(t, conn)
	require.Equal(t, protocol.TypeSubscriptionConfirmed, reply.Type)
	var payload protocol.SubscriptionConfirmedPayload
	require.NoError(t, reply.DecodeData(&payload))
	assert.Empty(t, payload.SubscribedTopics)
	assert.Equal(t, []string{"alerts"}, payload.RejectedTopics)
}
