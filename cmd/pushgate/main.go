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

// package main is the entrypoint for the pushgate server.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/turtacn/pushgate/pkg/config"
	"github.com/turtacn/pushgate/pkg/connector"
	"github.com/turtacn/pushgate/pkg/gateway"
	"github.com/turtacn/pushgate/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML or JSON configuration file")
	flag.Parse()

	log.Println("Starting pushgate...")

	cfg := loadConfig(*configPath)
	if cfg.Gateway.NodeID == "" {
		if hostname, err := os.Hostname(); err == nil {
			cfg.Gateway.NodeID = hostname
		} else {
			cfg.Gateway.NodeID = "local-node"
		}
	}
	log.Printf("Node ID: %s", cfg.Gateway.NodeID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	audit := buildAuditSink(cfg)
	defer func() {
		if err := audit.Close(); err != nil {
			log.Printf("Failed to close audit sink: %v", err)
		}
	}()

	g, err := gateway.New(cfg, audit)
	if err != nil {
		log.Fatalf("Failed to assemble gateway: %v", err)
	}

	go metrics.Serve(cfg.Gateway.MetricsAddr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- g.Run(ctx)
	}()

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Gateway failed: %v", err)
		}
	case <-shutdownChan:
		log.Println("Shutdown signal received. Shutting down...")
		cancel()
		if err := <-errCh; err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}
}

func loadConfig(path string) *config.Config {
	if path == "" {
		log.Println("No configuration file given, using defaults.")
		return config.DefaultConfig()
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.Fatalf("Failed to load configuration from %s: %v", path, err)
	}
	log.Printf("Loaded configuration from %s", path)
	return cfg
}

func buildAuditSink(cfg *config.Config) connector.Sink {
	if !cfg.Gateway.Audit.Enabled {
		return connector.NopSink{}
	}
	sink, err := connector.NewPostgresSink(connector.PostgresConfig{
		Host:     cfg.Gateway.Audit.Host,
		Port:     cfg.Gateway.Audit.Port,
		Username: cfg.Gateway.Audit.Username,
		Password: cfg.Gateway.Audit.Password,
		Database: cfg.Gateway.Audit.Database,
		Table:    cfg.Gateway.Audit.Table,
		SSLMode:  cfg.Gateway.Audit.SSLMode,
	})
	if err != nil {
		log.Printf("Audit sink unavailable, continuing without it: %v", err)
		return connector.NopSink{}
	}
	log.Printf("Audit events recorded to postgres://%s:%d/%s", cfg.Gateway.Audit.Host, cfg.Gateway.Audit.Port, cfg.Gateway.Audit.Database)
	return sink
}
