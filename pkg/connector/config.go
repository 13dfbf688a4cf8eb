// bluebridge - A polling REST adapter for BlueBubbles-style iMessage servers.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

type Config struct {
	Server ServerConfig `yaml:"server"`

	// PollIntervalSeconds is the delay between incremental poll cycles.
	// Default is 2.
	PollIntervalSeconds float64 `yaml:"poll_interval_seconds"`

	// PollBatchLimit caps the number of messages fetched per poll cycle.
	// Default is 100.
	PollBatchLimit int `yaml:"poll_batch_limit"`

	// ThreadPageSize is the default page size for history fetches.
	ThreadPageSize int `yaml:"thread_page_size"`

	DebugLogging bool `yaml:"debug_logging"`
}

type ServerConfig struct {
	// Address is the base URL of the server, e.g. "http://localhost:1234".
	Address  string `yaml:"address"`
	Password string `yaml:"password"`

	// GUIDAuth switches to legacy query-parameter authentication for servers
	// that predate bearer tokens. The bearer header is sent either way.
	GUIDAuth bool `yaml:"guid_auth"`

	// DeviceName identifies this client to the server in legacy auth mode.
	DeviceName string `yaml:"device_name"`
}

func (c *Config) pollInterval() time.Duration {
	if c.PollIntervalSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.PollIntervalSeconds * float64(time.Second))
}

func (c *Config) pollBatchLimit() int {
	if c.PollBatchLimit <= 0 {
		return 100
	}
	return c.PollBatchLimit
}

func (c *Config) validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.Server.Password == "" {
		return fmt.Errorf("server.password is required")
	}
	return nil
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err = cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "server", "address")
	helper.Copy(up.Str, "server", "password")
	helper.Copy(up.Bool, "server", "guid_auth")
	helper.Copy(up.Str, "server", "device_name")
	helper.Copy(up.Float, "poll_interval_seconds")
	helper.Copy(up.Int, "poll_batch_limit")
	helper.Copy(up.Int, "thread_page_size")
	helper.Copy(up.Bool, "debug_logging")
}

// GetConfig exposes the example config and upgrader for config migration
// tooling.
func (c *Connector) GetConfig() (string, any, up.Upgrader) {
	return ExampleConfig, c.cfg, up.SimpleUpgrader(upgradeConfig)
}
