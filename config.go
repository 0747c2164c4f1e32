//  Copyright 2024-Present Couchbase, Inc.
//
//  Use of this software is governed by the Business Source License included
//  in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
//  in that file, in accordance with the Business Source License, use of this
//  software will be governed by the Apache License, Version 2.0, included in
//  the file licenses/APL2.txt.

package couchtiny

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable overriding Config.URL.
const EnvURL = "COUCHTINY_URL"

// Config describes how to reach a server. It is usually loaded from a YAML file:
//
//	url: http://127.0.0.1:5984
//	username: admin
//	password: secret
//	database: mydb
//	timeout: 30s
//	uuids: server
//	uuid_batch_size: 100
//	design_prefix: myapp-
//	log_level: info
type Config struct {
	URL      string `yaml:"url" json:"url"`
	Username string `yaml:"username" json:"username,omitempty"`
	Password string `yaml:"password" json:"password,omitempty"`

	// Default database for commands that take one.
	Database string `yaml:"database" json:"database,omitempty"`

	// Request timeout. 0 means none.
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`

	// Id allocator for new documents: "server" (default), "time" or "random".
	UUIDs         string `yaml:"uuids" json:"uuids,omitempty"`
	UUIDBatchSize int    `yaml:"uuid_batch_size" json:"uuid_batch_size,omitempty"`

	// Prefix of the shared design document. Empty means slug only.
	DesignPrefix string `yaml:"design_prefix" json:"design_prefix,omitempty"`

	LogLevel string `yaml:"log_level" json:"log_level,omitempty"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		URL:           DefaultURL,
		UUIDs:         "server",
		UUIDBatchSize: DefaultUUIDBatchSize,
		LogLevel:      LevelWarn.String(),
	}
}

// LoadConfig reads a YAML config file over DefaultConfig. An empty path skips the
// file. COUCHTINY_URL, if set, overrides the URL.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if url := os.Getenv(EnvURL); url != "" {
		cfg.URL = url
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.New("url is required")
	}
	switch c.UUIDs {
	case "", "server", "time", "random":
	default:
		return fmt.Errorf("uuids must be server, time or random, not %q", c.UUIDs)
	}
	if c.UUIDBatchSize < 0 {
		return errors.New("uuid_batch_size must be non-negative")
	}
	if c.Timeout < 0 {
		return errors.New("timeout must be non-negative")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Database != "" && !IsValidDatabaseName(c.Database) {
		return fmt.Errorf("invalid database name %q", c.Database)
	}
	return nil
}

// ServerOptions converts the configuration into options for NewServer.
func (c *Config) ServerOptions() []ServerOption {
	var opts []ServerOption
	if c.Timeout > 0 {
		opts = append(opts, WithHTTPClient(&http.Client{Timeout: c.Timeout}))
	}
	if c.Username != "" {
		opts = append(opts, WithCredentials(c.Username, c.Password))
	}
	switch c.UUIDs {
	case "time":
		opts = append(opts, WithUUIDs(TimeUUIDs{}))
	case "random":
		opts = append(opts, WithUUIDs(RandomUUIDs{}))
	default:
		opts = append(opts, WithUUIDBatchSize(c.UUIDBatchSize))
	}
	return opts
}

// NewServerFromConfig returns a Server for c.
func NewServerFromConfig(c *Config) *Server {
	return NewServer(c.URL, c.ServerOptions()...)
}

// ParseLogLevel converts a level name as returned by LogLevel.String. "" means warn.
func ParseLogLevel(name string) (LogLevel, error) {
	if name == "" {
		return LevelWarn, nil
	}
	for l := LevelNone; l <= LevelTrace; l++ {
		if l.String() == name {
			return l, nil
		}
	}
	return LevelNone, fmt.Errorf("unknown log level %q", name)
}
