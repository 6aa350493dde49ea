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

// Package connector provides optional sinks for gateway audit events:
// session lifecycle, authentication failures, heartbeat evictions, and
// offline-queue overflow. The gateway functions fully without a sink; audit
// is observability, never a delivery dependency.
package connector

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Event kinds recorded by the gateway.
const (
	EventSessionConnected  = "session_connected"
	EventSessionClosed     = "session_closed"
	EventAuthFailed        = "auth_failed"
	EventHeartbeatEviction = "heartbeat_eviction"
	EventQueueOverflow     = "queue_overflow"
)

// AuditEvent is one recorded gateway occurrence.
type AuditEvent struct {
	Kind       string
	SessionID  string
	UserID     string
	Topic      string
	Detail     string
	OccurredAt time.Time
}

// Sink records audit events.
type Sink interface {
	Record(ctx context.Context, event AuditEvent) error
	Close() error
}

// NopSink discards every event. Used when audit is disabled.
type NopSink struct{}

// Record implements Sink.
func (NopSink) Record(context.Context, AuditEvent) error { return nil }

// Close implements Sink.
func (NopSink) Close() error { return nil }

// PostgresConfig holds PostgreSQL-specific sink configuration.
type PostgresConfig struct {
	Host         string        `json:"host" yaml:"host"`
	Port         int           `json:"port" yaml:"port"`
	Username     string        `json:"username" yaml:"username"`
	Password     string        `json:"password" yaml:"password"`
	Database     string        `json:"database" yaml:"database"`
	Table        string        `json:"table" yaml:"table"`
	SSLMode      string        `json:"ssl_mode" yaml:"ssl_mode"`
	MaxOpenConns int           `json:"max_open_conns" yaml:"max_open_conns"`
	Timeout      time.Duration `json:"timeout" yaml:"timeout"`
}

// PostgresSink writes audit events to a PostgreSQL table.
type PostgresSink struct {
	db      *sql.DB
	table   string
	timeout time.Duration
}

// NewPostgresSink opens the database, verifies connectivity, and ensures
// the audit table exists.
func NewPostgresSink(cfg PostgresConfig) (*PostgresSink, error) {
	if cfg.Table == "" {
		cfg.Table = "pushgate_audit"
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database, cfg.SSLMode)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	sink := &PostgresSink{
		db:      db,
		table:   cfg.Table,
		timeout: cfg.Timeout,
	}
	if err := sink.ensureTable(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Printf("Audit sink connected to PostgreSQL %s:%d/%s (table %s)", cfg.Host, cfg.Port, cfg.Database, cfg.Table)
	return sink, nil
}

func (s *PostgresSink) ensureTable(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGSERIAL PRIMARY KEY,
		kind TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		topic TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		occurred_at TIMESTAMPTZ NOT NULL
	)`, s.table)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create audit table %s: %w", s.table, err)
	}
	return nil
}

// Record inserts one audit event. A zero OccurredAt is filled with now.
func (s *PostgresSink) Record(ctx context.Context, event AuditEvent) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf(
		"INSERT INTO %s (kind, session_id, user_id, topic, detail, occurred_at) VALUES ($1, $2, $3, $4, $5, $6)",
		s.table)
	if _, err := s.db.ExecContext(ctx, query, event.Kind, event.SessionID, event.UserID, event.Topic, event.Detail, event.OccurredAt); err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// Close releases the database connection pool.
func (s *PostgresSink) Close() error {
	return s.db.Close()
}
