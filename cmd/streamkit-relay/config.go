package main

import (
	"fmt"

	"github.com/kbukum/streamkit/config"
	"github.com/kbukum/streamkit/kafka"
	"github.com/kbukum/streamkit/observability"
	"github.com/kbukum/streamkit/server"
	"github.com/kbukum/streamkit/version"
)

// RelayConfig is the relay's configuration, loaded from config.yml and the
// environment.
type RelayConfig struct {
	config.ServiceConfig `yaml:",inline" mapstructure:",squash"`
	Kafka                kafka.Config               `yaml:"kafka" mapstructure:"kafka"`
	Server               server.Config              `yaml:"server" mapstructure:"server"`
	Tracing              observability.TracerConfig `yaml:"tracing" mapstructure:"tracing"`
	Metrics              observability.MeterConfig  `yaml:"metrics" mapstructure:"metrics"`
}

// ApplyDefaults fills unset fields of every section.
func (c *RelayConfig) ApplyDefaults() {
	if c.Name == "" {
		c.Name = serviceName
	}
	if c.Version == "" {
		c.Version = version.Get().String()
	}
	c.ServiceConfig.ApplyDefaults()
	c.Kafka.ApplyDefaults()
	c.Server.ApplyDefaults()
	c.Tracing.ApplyDefaults()
	c.Metrics.ApplyDefaults()
}

// Validate checks every section.
func (c *RelayConfig) Validate() error {
	if err := c.ServiceConfig.Validate(); err != nil {
		return err
	}
	if err := c.Kafka.Validate(); err != nil {
		return fmt.Errorf("kafka: %w", err)
	}
	if !c.Kafka.Enabled {
		return fmt.Errorf("kafka: the relay requires kafka.enabled")
	}
	if c.Kafka.Topic == "" || c.Kafka.GroupID == "" {
		return fmt.Errorf("kafka: topic and group_id are required")
	}
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Tracing.Validate(); err != nil {
		return err
	}
	return c.Metrics.Validate()
}
