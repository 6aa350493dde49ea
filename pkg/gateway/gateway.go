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

// package gateway contains the main push gateway service: it accepts
// WebSocket connections, runs the authentication handshake, and wires the
// connection registry, subscription index, dispatcher, offline queue, and
// heartbeat monitor together. Domain code pushes events through the
// Dispatcher; the gateway never reaches back into domain persistence.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/turtacn/pushgate/pkg/actor"
	"github.com/turtacn/pushgate/pkg/auth"
	"github.com/turtacn/pushgate/pkg/config"
	"github.com/turtacn/pushgate/pkg/connector"
	"github.com/turtacn/pushgate/pkg/dispatch"
	"github.com/turtacn/pushgate/pkg/heartbeat"
	"github.com/turtacn/pushgate/pkg/metrics"
	"github.com/turtacn/pushgate/pkg/offline"
	"github.com/turtacn/pushgate/pkg/protocol"
	"github.com/turtacn/pushgate/pkg/registry"
	"github.com/turtacn/pushgate/pkg/session"
	"github.com/turtacn/pushgate/pkg/subscription"
	"github.com/turtacn/pushgate/pkg/supervisor"
)

// Gateway is the real-time push service.
type Gateway struct {
	cfg        *config.Config
	registry   *registry.Registry
	subs       *subscription.Index
	queue      *offline.Queue
	dispatcher *dispatch.Dispatcher
	monitor    *heartbeat.Monitor
	sup        supervisor.Supervisor
	chain      *auth.Chain
	audit      connector.Sink
	upgrader   websocket.Upgrader

	ctx context.Context
}

// New assembles a gateway from configuration. audit may be nil, in which
// case events are discarded.
func New(cfg *config.Config, audit connector.Sink) (*Gateway, error) {
	if audit == nil {
		audit = connector.NopSink{}
	}

	chain := auth.NewChain()
	if err := cfg.ConfigureAuth(chain); err != nil {
		return nil, fmt.Errorf("configuring authentication: %w", err)
	}

	reg := registry.New()
	subs := subscription.NewIndex(cfg.AccessController())
	reg.OnUnregister(func(sessionID string) {
		subs.UnsubscribeAll(sessionID)
		metrics.SessionsActive.Dec()
	})

	queue := offline.NewQueue(cfg.Gateway.Offline.Capacity)
	g := &Gateway{
		cfg:      cfg,
		registry: reg,
		subs:     subs,
		queue:    queue,
		dispatcher: dispatch.New(reg, subs, queue,
			cfg.Gateway.Dispatch.FanoutWorkers),
		monitor: heartbeat.NewMonitor(reg,
			cfg.Gateway.Heartbeat.Interval,
			cfg.Gateway.Heartbeat.MissedThreshold,
			cfg.Gateway.Heartbeat.SweepPeriod),
		sup:   supervisor.NewOneForOneSupervisor(),
		chain: chain,
		audit: audit,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients of the monitoring dashboard connect
			// cross-origin; access control happens at the AUTH handshake.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	queue.OnOverflow(func(userID string, dropped offline.QueuedMessage) {
		g.recordAudit(connector.AuditEvent{
			Kind:   connector.EventQueueOverflow,
			UserID: userID,
			Topic:  dropped.Topic,
			Detail: "oldest message dropped",
		})
	})
	g.monitor.OnEvict(func(sess *registry.Session) {
		g.recordAudit(connector.AuditEvent{
			Kind:      connector.EventHeartbeatEviction,
			SessionID: sess.ID,
			UserID:    sess.UserID,
			Detail:    "no heartbeat within threshold",
		})
	})
	return g, nil
}

// Dispatcher returns the fan-out entry point for domain event producers.
func (g *Gateway) Dispatcher() *dispatch.Dispatcher {
	return g.dispatcher
}

// Registry returns the connection registry.
func (g *Gateway) Registry() *registry.Registry {
	return g.registry
}

// OfflineQueue returns the per-user offline queue.
func (g *Gateway) OfflineQueue() *offline.Queue {
	return g.queue
}

// Handler starts the background heartbeat sweeper and returns the HTTP
// handler serving the WebSocket endpoint. ctx bounds the lifetime of every
// connection accepted through the handler.
func (g *Gateway) Handler(ctx context.Context) http.Handler {
	g.ctx = ctx
	g.sup.StartChild(ctx, supervisor.Spec{
		ID:      "heartbeat-monitor",
		Actor:   g.monitor,
		Restart: supervisor.RestartPermanent,
		Mailbox: actor.NewMailbox(1),
	})

	mux := http.NewServeMux()
	mux.HandleFunc(g.cfg.Gateway.WSPath, g.handleWS)
	return mux
}

// Run starts the gateway HTTP server and blocks until the context is
// canceled.
func (g *Gateway) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:    g.cfg.Gateway.ListenAddr,
		Handler: g.Handler(ctx),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Push gateway listening on %s%s", g.cfg.Gateway.ListenAddr, g.cfg.Gateway.WSPath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway server failed: %w", err)
	case <-ctx.Done():
	}

	log.Println("Gateway is shutting down.")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// handleWS upgrades one HTTP request and drives the connection lifecycle.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection from %s: %v", r.RemoteAddr, err)
		return
	}
	metrics.ConnectionsTotal.Inc()
	g.handleConnection(g.ctx, conn)
}

// handleConnection authenticates the transport and, on success, runs the
// session until the connection dies or the gateway stops.
func (g *Gateway) handleConnection(ctx context.Context, conn *websocket.Conn) {
	log.Printf("Accepted connection from %s", conn.RemoteAddr())

	sess, err := g.authenticate(conn)
	if err != nil {
		log.Printf("Handshake with %s failed: %v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.registry.Register(sess)
	metrics.SessionsActive.Inc()
	g.recordAudit(connector.AuditEvent{
		Kind:      connector.EventSessionConnected,
		SessionID: sess.ID,
		UserID:    sess.UserID,
	})

	writer := session.NewWriter(sess, conn, g.requeueUndelivered)
	g.sup.StartChild(connCtx, supervisor.Spec{
		ID:      fmt.Sprintf("writer-%s", sess.ID),
		Actor:   writer,
		Restart: supervisor.RestartTemporary,
		Mailbox: sess.Mailbox,
	})

	// The handshake reply and the offline replay are the first frames on
	// the new session, in that order, ahead of any live traffic.
	sess.Mailbox.Send(protocol.MustNew(protocol.TypeAuthSuccess, protocol.AuthSuccessPayload{
		SessionID: sess.ID,
		UserID:    sess.UserID,
	}))
	g.flushOffline(sess)

	g.readLoop(connCtx, sess, conn)

	sess.Close()
	g.registry.Unregister(sess.ID)
	// Unregister's cleanup hook removes subscriptions, but a SUBSCRIBE
	// dequeued before a concurrent eviction may be processed after it and
	// re-insert an entry; Unregister is then an idempotent no-op. This
	// goroutine is the only one that subscribes the session, so sweeping
	// again here closes that window.
	g.subs.UnsubscribeAll(sess.ID)
	g.recordAudit(connector.AuditEvent{
		Kind:      connector.EventSessionClosed,
		SessionID: sess.ID,
		UserID:    sess.UserID,
	})
	log.Printf("Session %s for user %s closed.", sess.ID, sess.UserID)
}

// authenticate enforces the handshake: the first frame must be AUTH and
// must validate within the configured window. No session exists until the
// token is accepted.
func (g *Gateway) authenticate(conn *websocket.Conn) (*registry.Session, error) {
	authTimeout := g.cfg.Gateway.AuthTimeout
	if authTimeout <= 0 {
		authTimeout = 10 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(authTimeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading handshake frame: %w", err)
	}
	msg, err := protocol.Decode(raw)
	if err != nil {
		g.rejectAuth(conn, "malformed handshake frame")
		return nil, err
	}
	if msg.Type == protocol.TypeSubscribe {
		// Subscribing before authenticating is a protocol error, not a
		// credential failure.
		_ = conn.WriteJSON(protocol.MustNew(protocol.TypeError, protocol.ErrorPayload{Message: "authentication required"}))
		return nil, fmt.Errorf("SUBSCRIBE before AUTH")
	}
	if msg.Type != protocol.TypeAuth {
		g.rejectAuth(conn, "first frame must be AUTH")
		return nil, fmt.Errorf("unexpected handshake frame %s", msg.Type)
	}

	var payload protocol.AuthPayload
	if err := msg.DecodeData(&payload); err != nil {
		g.rejectAuth(conn, "malformed AUTH payload")
		return nil, err
	}

	identity, err := g.chain.Validate(payload.Token)
	if err != nil {
		metrics.AuthFailuresTotal.Inc()
		g.recordAudit(connector.AuditEvent{
			Kind:   connector.EventAuthFailed,
			Detail: err.Error(),
		})
		g.rejectAuth(conn, "invalid or expired token")
		return nil, err
	}

	mailbox := actor.NewMailbox(g.mailboxSize())
	sess := registry.NewSession(uuid.NewString(), identity.UserID, identity.OrgID, mailbox, conn)
	sess.SetStatus(registry.StatusAuthenticated)
	return sess, nil
}

// rejectAuth sends AUTH_FAILED directly on the socket; there is no writer
// actor yet during the handshake.
func (g *Gateway) rejectAuth(conn *websocket.Conn, reason string) {
	_ = conn.WriteJSON(protocol.MustNew(protocol.TypeAuthFailed, protocol.AuthFailedPayload{Reason: reason}))
}

// flushOffline replays the user's queued messages to the new session in
// FIFO order. The queue is cleared regardless of write outcomes; replay is
// fire-and-forget.
func (g *Gateway) flushOffline(sess *registry.Session) {
	entries := g.queue.Flush(sess.UserID)
	for _, entry := range entries {
		sess.Mailbox.Send(entry.Message)
	}
	if len(entries) > 0 {
		log.Printf("Flushed %d offline messages to session %s (user %s)", len(entries), sess.ID, sess.UserID)
	}
}

// readLoop pumps inbound frames onto a channel and consumes them in a
// single dispatch loop, making ordering and cancellation explicit.
func (g *Gateway) readLoop(ctx context.Context, sess *registry.Session, conn *websocket.Conn) {
	frames := make(chan *protocol.Message, 16)
	readErr := make(chan error, 1)

	go func() {
		defer close(frames)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			msg, err := protocol.Decode(raw)
			if err != nil {
				// Protocol errors keep the connection open. TrySend: an
				// ERROR reply is not worth blocking the pump for.
				sess.Mailbox.TrySend(protocol.MustNew(protocol.TypeError, protocol.ErrorPayload{Message: err.Error()}))
				continue
			}
			select {
			case frames <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErr:
			log.Printf("Transport error on session %s: %v", sess.ID, err)
			return
		case msg, ok := <-frames:
			if !ok {
				return
			}
			g.handleFrame(sess, msg)
		}
	}
}

// handleFrame processes one inbound frame from an authenticated session.
func (g *Gateway) handleFrame(sess *registry.Session, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeSubscribe:
		var payload protocol.SubscribePayload
		if err := msg.DecodeData(&payload); err != nil {
			g.protocolError(sess, "malformed SUBSCRIBE payload")
			return
		}
		confirmed, rejected := g.subs.Subscribe(sess.ID, sess.UserID, payload.Topics)
		sess.Mailbox.Send(protocol.MustNew(protocol.TypeSubscriptionConfirmed, protocol.SubscriptionConfirmedPayload{
			SubscribedTopics: confirmed,
			RejectedTopics:   rejected,
		}))

	case protocol.TypeUnsubscribe:
		var payload protocol.SubscribePayload
		if err := msg.DecodeData(&payload); err != nil {
			g.protocolError(sess, "malformed UNSUBSCRIBE payload")
			return
		}
		for _, topic := range payload.Topics {
			g.subs.Unsubscribe(sess.ID, topic)
		}
		sess.Mailbox.Send(protocol.MustNew(protocol.TypeSubscriptionConfirmed, protocol.SubscriptionConfirmedPayload{
			SubscribedTopics: g.subs.TopicsOf(sess.ID),
		}))

	case protocol.TypeHeartbeat:
		g.monitor.RecordHeartbeat(sess.ID)
		sess.Mailbox.Send(protocol.MustNew(protocol.TypeHeartbeatAck, nil))

	default:
		g.protocolError(sess, fmt.Sprintf("unexpected frame %s", msg.Type))
	}
}

// protocolError reports a recoverable protocol violation to the client.
func (g *Gateway) protocolError(sess *registry.Session, message string) {
	sess.Mailbox.Send(protocol.MustNew(protocol.TypeError, protocol.ErrorPayload{Message: message}))
}

// requeueUndelivered routes frames a dying writer could not put on the
// wire into the offline queue, then tears the session down. Only payload
// frames are requeued; acks and errors are meaningless after reconnect.
func (g *Gateway) requeueUndelivered(sess *registry.Session, undelivered []*protocol.Message) {
	for _, msg := range undelivered {
		switch msg.Type {
		case protocol.TypeBroadcast, protocol.TypeDirectMessage:
			topic := ""
			var payload protocol.BroadcastPayload
			if err := msg.DecodeData(&payload); err == nil {
				topic = payload.Topic
			}
			g.queue.Enqueue(sess.UserID, topic, msg)
		}
	}
	sess.Close()
	g.registry.Unregister(sess.ID)
}

// recordAudit writes one audit event, logging instead of failing the hot
// path when the sink is unavailable.
func (g *Gateway) recordAudit(event connector.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.audit.Record(ctx, event); err != nil {
		log.Printf("Failed to record audit event %s: %v", event.Kind, err)
	}
}

func (g *Gateway) mailboxSize() int {
	if size := g.cfg.Gateway.Dispatch.MailboxSize; size > 0 {
		return size
	}
	return 64
}
