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

// package main is a demo client for the pushgate server: it connects,
// subscribes to topics, and prints every event pushed to it.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/turtacn/pushgate/pkg/client"
	"github.com/turtacn/pushgate/pkg/protocol"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "gateway WebSocket endpoint")
	token := flag.String("token", "dev:dev-secret", "authentication token")
	topics := flag.String("topics", "alerts", "comma-separated topics to subscribe to")
	heartbeat := flag.Duration("heartbeat", 30*time.Second, "heartbeat interval")
	flag.Parse()

	m, err := client.New(client.Config{
		URL:               *url,
		Token:             func() (string, error) { return *token, nil },
		HeartbeatInterval: *heartbeat,
	})
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}

	m.OnStateChange(func(s client.State) {
		log.Printf("Connection state: %s", s)
	})
	m.OnMessage(protocol.TypeBroadcast, printEvent)
	m.OnMessage(protocol.TypeDirectMessage, printEvent)
	m.OnMessage(protocol.TypeError, func(msg *protocol.Message) {
		var payload protocol.ErrorPayload
		if err := msg.DecodeData(&payload); err == nil {
			log.Printf("Server error: %s", payload.Message)
		}
	})
	m.OnMessage(protocol.TypeSubscriptionConfirmed, func(msg *protocol.Message) {
		var payload protocol.SubscriptionConfirmedPayload
		if err := msg.DecodeData(&payload); err != nil {
			return
		}
		log.Printf("Subscribed: %v (rejected: %v)", payload.SubscribedTopics, payload.RejectedTopics)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Connect(ctx); err != nil {
		log.Fatalf("Failed to start connection manager: %v", err)
	}
	m.Subscribe(strings.Split(*topics, ",")...)

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)
	<-shutdownChan

	log.Println("Disconnecting...")
	m.Disconnect()
}

func printEvent(msg *protocol.Message) {
	var payload protocol.BroadcastPayload
	if err := msg.DecodeData(&payload); err != nil {
		log.Printf("Received %s frame with opaque payload", msg.Type)
		return
	}
	log.Printf("[%s] %s %s", time.UnixMilli(msg.Timestamp).Format(time.RFC3339), payload.Topic, string(payload.Event))
}
