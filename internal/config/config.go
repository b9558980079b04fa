package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

const (
	// DefaultPort is the eID client port defined by TR-03124-1 for
	// localhost activation, so browser integrations find the agent.
	DefaultPort = 24727
	// DefaultHost binds to loopback only; the agent must never be
	// reachable from the network.
	DefaultHost = "127.0.0.1"
)

// Config holds the process configuration.
type Config struct {
	Host string
	Port int
}

// Load reads configuration from the environment. A .env file in the
// working directory is honored if present (development convenience).
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Host: DefaultHost,
		Port: DefaultPort,
	}

	if host := os.Getenv("EID_AGENT_HOST"); host != "" {
		cfg.Host = host
	}
	if portStr := os.Getenv("EID_AGENT_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil && port > 0 && port < 65536 {
			cfg.Port = port
		}
	}

	return cfg
}

// Address returns the host:port listen address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
