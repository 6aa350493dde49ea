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

// Package config provides configuration management for the gateway:
// listen addresses, heartbeat and offline-queue tuning, token records,
// topic access rules, and the optional audit sink.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/turtacn/pushgate/pkg/auth"
)

// TokenConfig is one token record loaded from configuration.
type TokenConfig struct {
	ID        string `yaml:"id" json:"id"`
	Secret    string `yaml:"secret" json:"secret"`
	Algorithm string `yaml:"algorithm" json:"algorithm"`
	UserID    string `yaml:"user_id" json:"user_id"`
	OrgID     string `yaml:"org_id" json:"org_id"`
	Enabled   bool   `yaml:"enabled" json:"enabled"`
}

// AuthConfig configures the handshake token chain and topic access rules.
type AuthConfig struct {
	Enabled      bool             `yaml:"enabled" json:"enabled"`
	Tokens       []TokenConfig    `yaml:"tokens" json:"tokens"`
	AccessRules  []auth.TopicRule `yaml:"access_rules" json:"access_rules"`
	DefaultAllow bool             `yaml:"default_allow" json:"default_allow"`
}

// HeartbeatConfig tunes liveness detection.
type HeartbeatConfig struct {
	Interval        time.Duration `yaml:"interval" json:"interval"`
	MissedThreshold int           `yaml:"missed_threshold" json:"missed_threshold"`
	SweepPeriod     time.Duration `yaml:"sweep_period" json:"sweep_period"`
}

// OfflineConfig tunes the per-user offline queue.
type OfflineConfig struct {
	Capacity int `yaml:"capacity" json:"capacity"`
}

// DispatchConfig tunes fan-out parallelism and session mailboxes.
type DispatchConfig struct {
	FanoutWorkers int `yaml:"fanout_workers" json:"fanout_workers"`
	MailboxSize   int `yaml:"mailbox_size" json:"mailbox_size"`
}

// AuditConfig configures the optional PostgreSQL audit sink.
type AuditConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	Database string `yaml:"database" json:"database"`
	Table    string `yaml:"table" json:"table"`
	SSLMode  string `yaml:"ssl_mode" json:"ssl_mode"`
}

// GatewayConfig is the top-level gateway configuration.
type GatewayConfig struct {
	NodeID      string          `yaml:"node_id" json:"node_id"`
	ListenAddr  string          `yaml:"listen_addr" json:"listen_addr"`
	WSPath      string          `yaml:"ws_path" json:"ws_path"`
	MetricsAddr string          `yaml:"metrics_addr" json:"metrics_addr"`
	AuthTimeout time.Duration   `yaml:"auth_timeout" json:"auth_timeout"`
	Heartbeat   HeartbeatConfig `yaml:"heartbeat" json:"heartbeat"`
	Offline     OfflineConfig   `yaml:"offline" json:"offline"`
	Dispatch    DispatchConfig  `yaml:"dispatch" json:"dispatch"`
	Auth        AuthConfig      `yaml:"auth" json:"auth"`
	Audit       AuditConfig     `yaml:"audit" json:"audit"`
}

// Config holds the complete configuration.
type Config struct {
	Gateway GatewayConfig `yaml:"gateway" json:"gateway"`
}

// DefaultConfig returns a configuration suitable for local development.
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			NodeID:      "pushgate-node",
			ListenAddr:  ":8080",
			WSPath:      "/ws",
			MetricsAddr: ":8082",
			AuthTimeout: 10 * time.Second,
			Heartbeat: HeartbeatConfig{
				Interval:        30 * time.Second,
				MissedThreshold: 2,
				SweepPeriod:     30 * time.Second,
			},
			Offline: OfflineConfig{
				Capacity: 100,
			},
			Dispatch: DispatchConfig{
				FanoutWorkers: 16,
				MailboxSize:   64,
			},
			Auth: AuthConfig{
				Enabled: true,
				Tokens: []TokenConfig{
					{
						ID:        "dev",
						Secret:    "dev-secret",
						Algorithm: "sha256",
						UserID:    "dev-user",
						OrgID:     "dev-org",
						Enabled:   true,
					},
				},
				DefaultAllow: true,
			},
		},
	}
}

// LoadConfig loads configuration from a file. An empty path returns the
// default configuration.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		log.Println("[INFO] No config file specified, using default configuration")
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	config := &Config{}
	ext := strings.ToLower(filepath.Ext(configPath))

	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".json":
		err = json.Unmarshal(data, config)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log.Printf("[INFO] Configuration loaded from %s", configPath)
	return config, nil
}

// SaveConfig saves configuration to a file, choosing the format by
// extension.
func SaveConfig(config *Config, configPath string) error {
	var data []byte
	var err error

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}

	log.Printf("[INFO] Configuration saved to %s", configPath)
	return nil
}

// validateConfig checks the parts that would otherwise fail at runtime.
func validateConfig(config *Config) error {
	gw := &config.Gateway
	if gw.NodeID == "" {
		return fmt.Errorf("node_id cannot be empty")
	}
	if gw.ListenAddr == "" {
		return fmt.Errorf("listen_addr cannot be empty")
	}
	if gw.Heartbeat.Interval < 0 || gw.Heartbeat.SweepPeriod < 0 {
		return fmt.Errorf("heartbeat durations cannot be negative")
	}
	if gw.Offline.Capacity < 0 {
		return fmt.Errorf("offline capacity cannot be negative")
	}

	ids := make(map[string]bool)
	for i, token := range gw.Auth.Tokens {
		if token.ID == "" {
			return fmt.Errorf("token %d: id cannot be empty", i)
		}
		if ids[token.ID] {
			return fmt.Errorf("duplicate token id: %s", token.ID)
		}
		ids[token.ID] = true

		if token.Secret == "" {
			return fmt.Errorf("token %s: secret cannot be empty", token.ID)
		}
		if token.UserID == "" {
			return fmt.Errorf("token %s: user_id cannot be empty", token.ID)
		}
		switch token.Algorithm {
		case "plain", "sha256", "bcrypt":
		default:
			return fmt.Errorf("token %s: unsupported algorithm: %s (supported: plain, sha256, bcrypt)", token.ID, token.Algorithm)
		}
	}
	return nil
}

// ConfigureAuth populates an auth chain from the configuration.
func (c *Config) ConfigureAuth(chain *auth.Chain) error {
	if !c.Gateway.Auth.Enabled {
		chain.SetEnabled(false)
		log.Println("[INFO] Authentication disabled by configuration")
		return nil
	}
	chain.SetEnabled(true)

	store := auth.NewMemoryTokenStore(nil)
	for _, tokenConfig := range c.Gateway.Auth.Tokens {
		if !tokenConfig.Enabled {
			continue
		}
		algorithm := auth.HashAlgorithm(tokenConfig.Algorithm)
		identity := auth.Identity{UserID: tokenConfig.UserID, OrgID: tokenConfig.OrgID}
		if err := store.AddToken(tokenConfig.ID, tokenConfig.Secret, algorithm, identity, 0); err != nil {
			return fmt.Errorf("failed to add token %s: %w", tokenConfig.ID, err)
		}
		log.Printf("[INFO] Configured token: %s (algorithm: %s, user: %s)", tokenConfig.ID, tokenConfig.Algorithm, tokenConfig.UserID)
	}

	chain.AddValidator(store)
	log.Printf("[INFO] Authentication configured with %d tokens", len(c.Gateway.Auth.Tokens))
	return nil
}

// AccessController builds the topic access policy from the configuration.
func (c *Config) AccessController() *auth.RuleController {
	return auth.NewRuleController(c.Gateway.Auth.AccessRules, c.Gateway.Auth.DefaultAllow)
}
