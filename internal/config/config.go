// Package config loads the YAML channel configuration: the event type to email
// function registry and the escalation notification templates.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Config is the channel configuration file.
type Config struct {
	Email      EmailConfig      `yaml:"email"`
	Escalation EscalationConfig `yaml:"escalation"`
}

// EmailConfig configures the email adapter.
type EmailConfig struct {
	// AllowUnmapped makes event types without a route a successful no-op.
	AllowUnmapped bool                  `yaml:"allow_unmapped"`
	From          string                `yaml:"from"`
	Routes        map[string]EmailRoute `yaml:"routes"`
}

// EmailRoute is the outbound email trigger for one event type.
type EmailRoute struct {
	Function string `yaml:"function"`
}

// EscalationConfig holds the Liquid templates of escalation notifications.
type EscalationConfig struct {
	Title   string `yaml:"title"`
	Message string `yaml:"message"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Email: EmailConfig{
			Routes: map[string]EmailRoute{
				"order_confirmed":  {Function: "send-order-confirmation"},
				"ticket_purchased": {Function: "send-ticket-confirmation"},
				"payment_failed":   {Function: "send-payment-failure"},
			},
		},
	}
}

// Load reads the configuration at path. An empty path returns Default().
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates a YAML configuration. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that every email route names a function.
func (c *Config) Validate() error {
	for _, eventType := range c.sortedEventTypes() {
		if c.Email.Routes[eventType].Function == "" {
			return fmt.Errorf("email route %q has no function", eventType)
		}
	}
	return nil
}

// EmailRoutes returns the event type to function map consumed by the email adapter.
func (c *Config) EmailRoutes() map[string]string {
	routes := make(map[string]string, len(c.Email.Routes))
	for eventType, r := range c.Email.Routes {
		routes[eventType] = r.Function
	}
	return routes
}

func (c *Config) sortedEventTypes() []string {
	keys := make([]string, 0, len(c.Email.Routes))
	for k := range c.Email.Routes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
