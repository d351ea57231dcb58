// Copyright (c) Yellowbox AU
// SPDX-License-Identifier: Apache-2.0

// Package debugbridge holds the environment-driven configuration shared by
// the bridge binary and its components.
package debugbridge

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is the prefix applied to every environment variable read by NewConfig.
const EnvPrefix = "DEBUGBRIDGE_"

// Config is the bridge configuration.
type Config struct {
	// Observability
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"text"`
	MetricsPort int    `env:"METRICS_PORT" envDefault:"0"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"0"`

	// Device daemon and inventory
	MuxNetwork  string `env:"MUX_NETWORK"  envDefault:"tcp"`
	MuxAddress  string `env:"MUX_ADDRESS"  envDefault:"127.0.0.1:27015"`
	DevicesFile string `env:"DEVICES_FILE" envDefault:"devices.yaml"`

	// Frontend listeners
	WebSocketHost      string `env:"WS_HOST"       envDefault:"0.0.0.0"`
	WebSocketPortStart int    `env:"WS_PORT_START" envDefault:"41000"`
	WebSocketPortEnd   int    `env:"WS_PORT_END"   envDefault:"41999"`
	RawNetwork         string `env:"RAW_NETWORK"   envDefault:"unix"`
	RawAddress         string `env:"RAW_ADDRESS"   envDefault:""`

	// Timeouts
	DiscoveryTimeout      time.Duration `env:"DISCOVERY_TIMEOUT"        envDefault:"10s"`
	ConnectTimeout        time.Duration `env:"CONNECT_TIMEOUT"          envDefault:"3s"`
	LockTimeout           time.Duration `env:"LOCK_TIMEOUT"             envDefault:"30s"`
	DrainTimeout          time.Duration `env:"DRAIN_TIMEOUT"            envDefault:"5s"`
	LogStreamStartTimeout time.Duration `env:"LOG_STREAM_START_TIMEOUT" envDefault:"3s"`
	ShutdownTimeout       time.Duration `env:"SHUTDOWN_TIMEOUT"         envDefault:"30s"`

	// Watch keeps the bridge running after the frontend disconnects.
	Watch bool `env:"WATCH" envDefault:"false"`
}

// NewConfig parses the configuration from the environment using opts.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports configuration values that cannot work together.
func (c Config) Validate() error {
	var errs []error
	if c.WebSocketPortStart <= 0 || c.WebSocketPortStart > 65535 {
		errs = append(errs, fmt.Errorf("invalid websocket port range start %d", c.WebSocketPortStart))
	}
	if c.WebSocketPortEnd < c.WebSocketPortStart || c.WebSocketPortEnd > 65535 {
		errs = append(errs, fmt.Errorf("invalid websocket port range end %d", c.WebSocketPortEnd))
	}
	switch c.RawNetwork {
	case "unix", "tcp":
	default:
		errs = append(errs, fmt.Errorf("unsupported raw proxy network %q", c.RawNetwork))
	}
	for name, d := range map[string]time.Duration{
		"discovery timeout": c.DiscoveryTimeout,
		"connect timeout":   c.ConnectTimeout,
		"lock timeout":      c.LockTimeout,
		"drain timeout":     c.DrainTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	return errors.Join(errs...)
}
