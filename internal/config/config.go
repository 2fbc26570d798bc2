// Package config holds bindproxy's tunables: defaults, an optional YAML file
// and BINDPROXY_* environment overrides, applied in that order.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPortMin       = 6700
	DefaultPortMax       = 6900
	DefaultPortAttempts  = 10
	DefaultSocketTimeout = 30 * time.Second
	DefaultDNSTimeout    = 2 * time.Second
	DefaultDNSServer     = "1.1.1.1:53"
	DefaultDoHURL        = "https://cloudflare-dns.com/dns-query"
	DefaultStateFileName = ".bindproxy.json"
	DefaultTCPKeepAlive  = "45:45:3"
)

type Config struct {
	// StateFile is the persisted registry path.
	StateFile string `yaml:"state_file"`

	PortMin      int `yaml:"port_min"`
	PortMax      int `yaml:"port_max"`
	PortAttempts int `yaml:"port_attempts"`

	// SocketTimeout bounds upstream connect, each read/write, tunnel idle
	// time and graceful shutdown.
	SocketTimeout time.Duration `yaml:"socket_timeout"`

	DNSTimeout time.Duration `yaml:"dns_timeout"`
	DNSServer  string        `yaml:"dns_server"`
	DoHURL     string        `yaml:"doh_url"`

	// InsecureUpstreamTLS skips certificate verification when the forwarder
	// wraps an upstream connection in TLS.
	InsecureUpstreamTLS bool `yaml:"insecure_upstream_tls"`

	// TCPKeepAlive is on, off or keepidle:keepintvl:keepcnt (seconds) for
	// accepted and dialed connections.
	TCPKeepAlive string `yaml:"tcp_keepalive"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		StateFile:           DefaultStateFile(),
		PortMin:             DefaultPortMin,
		PortMax:             DefaultPortMax,
		PortAttempts:        DefaultPortAttempts,
		SocketTimeout:       DefaultSocketTimeout,
		DNSTimeout:          DefaultDNSTimeout,
		DNSServer:           DefaultDNSServer,
		DoHURL:              DefaultDoHURL,
		InsecureUpstreamTLS: true,
		TCPKeepAlive:        DefaultTCPKeepAlive,
	}
}

// DefaultStateFile is ~/.bindproxy.json, or ./.bindproxy.json when the home
// directory is unknown.
func DefaultStateFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultStateFileName
	}
	return filepath.Join(home, DefaultStateFileName)
}

// Load returns Default overlaid with the YAML file at path (if any) and then
// the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if err := LoadYAML(path, &cfg); err != nil {
		return Config{}, err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadYAML decodes the file located at path into the provided destination structure.
func LoadYAML(path string, dest any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from BINDPROXY_* variables.
func (c *Config) ApplyEnv() {
	c.StateFile = GetStringEnv("BINDPROXY_STATE_FILE", c.StateFile)
	c.PortMin = GetIntEnv("BINDPROXY_PORT_MIN", c.PortMin)
	c.PortMax = GetIntEnv("BINDPROXY_PORT_MAX", c.PortMax)
	c.PortAttempts = GetIntEnv("BINDPROXY_PORT_ATTEMPTS", c.PortAttempts)
	c.SocketTimeout = GetDurationEnv("BINDPROXY_SOCKET_TIMEOUT", c.SocketTimeout)
	c.DNSTimeout = GetDurationEnv("BINDPROXY_DNS_TIMEOUT", c.DNSTimeout)
	c.DNSServer = GetStringEnv("BINDPROXY_DNS_SERVER", c.DNSServer)
	c.DoHURL = GetStringEnv("BINDPROXY_DOH_URL", c.DoHURL)
	c.InsecureUpstreamTLS = GetBoolEnv("BINDPROXY_INSECURE_UPSTREAM_TLS", c.InsecureUpstreamTLS)
	c.TCPKeepAlive = GetStringEnv("BINDPROXY_TCP_KEEPALIVE", c.TCPKeepAlive)
}

func (c Config) Validate() error {
	if c.StateFile == "" {
		return errors.New("state_file must not be empty")
	}
	if c.PortMin < 1 || c.PortMax > 65535 || c.PortMin > c.PortMax {
		return fmt.Errorf("invalid port range %d-%d", c.PortMin, c.PortMax)
	}
	if c.PortAttempts < 1 {
		return fmt.Errorf("port_attempts must be > 0, got %d", c.PortAttempts)
	}
	if c.SocketTimeout <= 0 {
		return errors.New("socket_timeout must be > 0")
	}
	if c.DNSTimeout <= 0 {
		return errors.New("dns_timeout must be > 0")
	}
	if c.DNSServer == "" || c.DoHURL == "" {
		return errors.New("dns_server and doh_url must be set")
	}
	if _, err := ParseTCPKeepAlive(c.TCPKeepAlive); err != nil {
		return fmt.Errorf("invalid tcp_keepalive: %w", err)
	}
	return nil
}

// KeepAlive returns the parsed TCPKeepAlive. It is only meaningful after
// Validate succeeded.
func (c Config) KeepAlive() net.KeepAliveConfig {
	ka, _ := ParseTCPKeepAlive(c.TCPKeepAlive)
	return ka
}
