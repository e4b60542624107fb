// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the top level configuration for pollserver.
type Config struct {
	Global  Global  `yaml:"global"`
	PollAPI PollAPI `yaml:"poll_api"`
}

type Global struct {
	// Cache configuration for the in-memory poll cache.
	Cache CacheOptions `yaml:"cache"`

	// JetStream configuration for publishing lifecycle events. Optional:
	// leave the address empty to disable publishing.
	JetStream JetStream `yaml:"jetstream"`

	// Sentry configuration for reporting scheduler and bulk worker faults.
	Sentry Sentry `yaml:"sentry"`
}

func (c *Global) Defaults(opts DefaultOpts) {
	c.Cache.Defaults()
	c.JetStream.Defaults(opts)
}

func (c *Global) Verify(configErrs *ConfigErrors) {
	c.Sentry.Verify(configErrs)
}

type CacheOptions struct {
	EstimatedMaxSize DataUnit      `yaml:"max_size_estimated"`
	MaxAge           time.Duration `yaml:"max_age"`
}

func (c *CacheOptions) Defaults() {
	if c.EstimatedMaxSize == 0 {
		c.EstimatedMaxSize = 64 * 1024 * 1024 // 64MB
	}
	if c.MaxAge == 0 {
		c.MaxAge = time.Hour
	}
}

type JetStream struct {
	// A list of NATS addresses to connect to. If empty, lifecycle events
	// are not published.
	Addresses []string `yaml:"addresses"`
	// The prefix to use for stream and subject names.
	TopicPrefix string `yaml:"topic_prefix"`
}

func (c *JetStream) Defaults(opts DefaultOpts) {
	if c.TopicPrefix == "" {
		c.TopicPrefix = "Pollserver"
	}
}

func (c *JetStream) Prefixed(name string) string {
	return fmt.Sprintf("%s%s", c.TopicPrefix, name)
}

type Sentry struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

func (c *Sentry) Verify(configErrs *ConfigErrors) {
	if c.Enabled {
		checkNotEmpty(configErrs, "global.sentry.dsn", c.DSN)
	}
}

type DefaultOpts struct {
	Generate bool
}

// Defaults sets default values for the whole configuration.
func (c *Config) Defaults(opts DefaultOpts) {
	c.Global.Defaults(opts)
	c.PollAPI.Defaults(opts)
}

// Verify checks the configuration and returns an error describing every
// problem found, or nil if the configuration is usable.
func (c *Config) Verify() error {
	var configErrs ConfigErrors
	c.Global.Verify(&configErrs)
	c.PollAPI.Verify(&configErrs)
	if configErrs != nil {
		return configErrs
	}
	return nil
}

// Load reads the configuration from the given YAML file, applies defaults
// and verifies the result.
func Load(configPath string) (*Config, error) {
	configData, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	return loadConfig(configData)
}

func loadConfig(configData []byte) (*Config, error) {
	var c Config
	c.Defaults(DefaultOpts{})
	if err := yaml.UnmarshalStrict(configData, &c); err != nil {
		return nil, err
	}
	c.PollAPI.Global = &c.Global
	if err := c.Verify(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ConfigErrors stores problems encountered when parsing a config file.
// It implements the error interface.
type ConfigErrors []string

func (errs ConfigErrors) Error() string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf(
		"%s (and %d other problems)", errs[0], len(errs)-1,
	)
}

// Add appends an error to the list of errors in this ConfigErrors.
func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

// checkNotEmpty verifies the given value is not empty in the configuration.
// If it is, adds an error to the list.
func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

// checkPositive verifies the given value is positive in the configuration.
// If it is not, adds an error to the list.
func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value < 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", key, value))
	}
}

// DataSource for opening a database connection.
type DataSource string

func (d DataSource) IsSQLite() bool {
	return len(d) >= 5 && d[:5] == "file:"
}

func (d DataSource) IsPostgres() bool {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if len(d) >= len(prefix) && string(d[:len(prefix)]) == prefix {
			return true
		}
	}
	return false
}

// DataUnit represents a number of bytes.
type DataUnit int64
