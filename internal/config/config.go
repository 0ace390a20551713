// Package config loads the gateway's YAML configuration: which transport
// variant to open, where the catalog and datastore live, and the network
// address the client-facing websocket API binds to.
package config

import (
	"fmt"
	"os"

	"github.com/bmwdiag/gateway/internal/transport"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Transport struct {
		Variant string `yaml:"variant"` // "serial", "ftdi", "tcp", or "mock"
		Address string `yaml:"address"`
		Debug   bool   `yaml:"debug"`
	} `yaml:"transport"`

	Dispatcher struct {
		TesterAddress byte `yaml:"tester_address"` // conventionally 0xF1
	} `yaml:"dispatcher"`

	Catalog struct {
		Path string `yaml:"path"`
	} `yaml:"catalog"`

	Capture struct {
		Enabled bool   `yaml:"enabled"`
		Dir     string `yaml:"dir"`
	} `yaml:"capture"`

	Server struct {
		Port int    `yaml:"port"`
		Host string `yaml:"host"`
	} `yaml:"server"`

	Datastore struct {
		SQLite struct {
			Path string `yaml:"path"`
		} `yaml:"sqlite"`
		InfluxDB struct {
			URL    string `yaml:"url"`
			Org    string `yaml:"org"`
			Bucket string `yaml:"bucket"`
			Token  string `yaml:"token"`
		} `yaml:"influxdb"`
	} `yaml:"datastore"`
}

// LoadConfig reads the config file and returns a Config struct
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	if config.Dispatcher.TesterAddress == 0 {
		config.Dispatcher.TesterAddress = 0xF1
	}
	return &config, nil
}

// GetTransportConfig builds the transport.Config this configuration names.
func (c *Config) GetTransportConfig() transport.Config {
	return transport.Config{
		Variant: transport.Variant(c.Transport.Variant),
		Address: c.Transport.Address,
		Debug:   c.Transport.Debug,
	}
}
