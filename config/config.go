// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a meshprobe run.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Transport TransportConfig `yaml:"transport"`
	Inventory InventoryConfig `yaml:"inventory"`
	Scenario  ScenarioConfig  `yaml:"scenario"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TelemetryConfig holds OpenTelemetry export configuration.
type TelemetryConfig struct {
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC endpoint
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// TransportConfig holds AMQP connection settings shared by every worker.
type TransportConfig struct {
	SASLMechanism string        `yaml:"sasl_mechanism"` // anonymous, plain
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	TLS           TLSConfig     `yaml:"tls"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	MaxFrameSize  uint32        `yaml:"max_frame_size"`
}

// TLSConfig holds client TLS settings used for amqps urls.
type TLSConfig struct {
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// InventoryConfig describes the routers and client implementations available to a scenario.
type InventoryConfig struct {
	Routers []RouterConfig `yaml:"routers"`
	Clients []ClientConfig `yaml:"clients,omitempty"`
}

// RouterConfig is a router or broker endpoint.
type RouterConfig struct {
	Name   string `yaml:"name"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Scheme string `yaml:"scheme"` // amqp, amqps
}

// ClientConfig is an external client implementation.
type ClientConfig struct {
	Name           string `yaml:"name"`
	Implementation string `yaml:"implementation"` // java, python, nodejs
	Binary         string `yaml:"binary"`
}

// ScenarioConfig is a set of workers attached to a single address.
type ScenarioConfig struct {
	Address   string           `yaml:"address"`
	Receivers []ReceiverConfig `yaml:"receivers"`
	Senders   []SenderConfig   `yaml:"senders"`
	External  []ExternalConfig `yaml:"external,omitempty"`
}

// ReceiverConfig configures one receiving worker.
type ReceiverConfig struct {
	Name             string        `yaml:"name"`
	Router           string        `yaml:"router"`
	LinkName         string        `yaml:"link_name"`
	Count            int           `yaml:"count"` // 0 is unbounded
	Timeout          time.Duration `yaml:"timeout"`
	Durable          bool          `yaml:"durable"`
	Settle           string        `yaml:"settle"` // accept, reject, release, modify, none
	AutoAccept       *bool         `yaml:"auto_accept,omitempty"`
	IgnoreDuplicates bool          `yaml:"ignore_duplicates"`
	SaveMessages     bool          `yaml:"save_messages"`
	VerifyBodies     bool          `yaml:"verify_bodies"`
}

// SenderConfig configures one sending worker.
type SenderConfig struct {
	Name         string        `yaml:"name"`
	Router       string        `yaml:"router"`
	Count        int           `yaml:"count"` // 0 sends until timeout
	Timeout      time.Duration `yaml:"timeout"`
	MessageSize  MessageSize   `yaml:"message_size"`
	AutoSettle   bool          `yaml:"auto_settle"`
	Completion   string        `yaml:"completion"` // count_and_stop, replace_refused, until_accepted
	FoldModified bool          `yaml:"fold_modified"`
	Rate         float64       `yaml:"rate"` // messages per second, 0 is unlimited
}

// ExternalConfig runs an inventory client as part of the scenario.
type ExternalConfig struct {
	Name        string        `yaml:"name"`
	Client      string        `yaml:"client"` // inventory client name
	Router      string        `yaml:"router"`
	Role        string        `yaml:"role"` // sender, receiver
	Count       int           `yaml:"count"`
	Timeout     time.Duration `yaml:"timeout"`
	MessageSize MessageSize   `yaml:"message_size"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Endpoint:        "localhost:4317",
			ServiceName:     "meshprobe",
			ServiceVersion:  "1.0.0",
			MetricsEnabled:  false,
			TracesEnabled:   false,
			TraceSampleRate: 0.1,
		},
		Transport: TransportConfig{
			SASLMechanism: "anonymous",
			DialTimeout:   10 * time.Second,
			IdleTimeout:   60 * time.Second,
			MaxFrameSize:  65536,
		},
		Inventory: InventoryConfig{
			Routers: []RouterConfig{
				{Name: "router", Host: "localhost", Port: 5672, Scheme: "amqp"},
			},
		},
		Scenario: ScenarioConfig{
			Address: "multicast/probe",
			Receivers: []ReceiverConfig{
				{Name: "receiver", Router: "router", Count: 10, Timeout: 30 * time.Second, Settle: "accept"},
			},
			Senders: []SenderConfig{
				{Name: "sender", Router: "router", Count: 10, Timeout: 30 * time.Second, MessageSize: DefaultMessageSize},
			},
		},
	}
}

// Load reads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Router returns the inventory router with the given name.
func (c *Config) Router(name string) (RouterConfig, bool) {
	for _, r := range c.Inventory.Routers {
		if r.Name == name {
			return r, true
		}
	}
	return RouterConfig{}, false
}

// Client returns the inventory client with the given name.
func (c *Config) Client(name string) (ClientConfig, bool) {
	for _, cl := range c.Inventory.Clients {
		if cl.Name == name {
			return cl, true
		}
	}
	return ClientConfig{}, false
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json")
	}

	if c.Telemetry.TraceSampleRate < 0 || c.Telemetry.TraceSampleRate > 1 {
		return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
	}
	if (c.Telemetry.MetricsEnabled || c.Telemetry.TracesEnabled) && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint required when telemetry is enabled")
	}

	switch c.Transport.SASLMechanism {
	case "", "anonymous":
	case "plain":
		if c.Transport.Username == "" {
			return fmt.Errorf("transport.username required for sasl plain")
		}
	default:
		return fmt.Errorf("transport.sasl_mechanism must be anonymous or plain")
	}
	if c.Transport.DialTimeout < 0 {
		return fmt.Errorf("transport.dial_timeout cannot be negative")
	}
	if (c.Transport.TLS.CertFile == "") != (c.Transport.TLS.KeyFile == "") {
		return fmt.Errorf("transport.tls.cert_file and transport.tls.key_file must be set together")
	}

	names := make(map[string]bool, len(c.Inventory.Routers))
	for i, r := range c.Inventory.Routers {
		if r.Name == "" {
			return fmt.Errorf("inventory.routers[%d].name cannot be empty", i)
		}
		if names[r.Name] {
			return fmt.Errorf("inventory.routers[%d]: duplicate router name %q", i, r.Name)
		}
		names[r.Name] = true
		if r.Host == "" {
			return fmt.Errorf("inventory.routers[%d].host cannot be empty", i)
		}
		if r.Port < 0 || r.Port > 65535 {
			return fmt.Errorf("inventory.routers[%d].port out of range", i)
		}
		switch r.Scheme {
		case "", "amqp", "amqps":
		default:
			return fmt.Errorf("inventory.routers[%d].scheme must be amqp or amqps", i)
		}
	}
	for i, cl := range c.Inventory.Clients {
		switch cl.Implementation {
		case "java", "python", "nodejs":
		default:
			return fmt.Errorf("inventory.clients[%d].implementation must be java, python or nodejs", i)
		}
	}

	s := c.Scenario
	if len(s.Receivers)+len(s.Senders) > 0 && s.Address == "" {
		return fmt.Errorf("scenario.address cannot be empty")
	}
	for i, r := range s.Receivers {
		if !names[r.Router] {
			return fmt.Errorf("scenario.receivers[%d]: unknown router %q", i, r.Router)
		}
		if r.Count < 0 {
			return fmt.Errorf("scenario.receivers[%d].count cannot be negative", i)
		}
		if r.Timeout < 0 {
			return fmt.Errorf("scenario.receivers[%d].timeout cannot be negative", i)
		}
	}
	for i, snd := range s.Senders {
		if !names[snd.Router] {
			return fmt.Errorf("scenario.senders[%d]: unknown router %q", i, snd.Router)
		}
		if snd.Count < 0 {
			return fmt.Errorf("scenario.senders[%d].count cannot be negative", i)
		}
		if snd.Timeout < 0 {
			return fmt.Errorf("scenario.senders[%d].timeout cannot be negative", i)
		}
		if snd.Rate < 0 {
			return fmt.Errorf("scenario.senders[%d].rate cannot be negative", i)
		}
	}
	for i, e := range s.External {
		if _, ok := c.Client(e.Client); !ok {
			return fmt.Errorf("scenario.external[%d]: unknown client %q", i, e.Client)
		}
		if !names[e.Router] {
			return fmt.Errorf("scenario.external[%d]: unknown router %q", i, e.Router)
		}
		switch e.Role {
		case "sender", "receiver":
		default:
			return fmt.Errorf("scenario.external[%d].role must be sender or receiver", i)
		}
		if e.Count < 0 || e.Timeout < 0 {
			return fmt.Errorf("scenario.external[%d]: count and timeout cannot be negative", i)
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
