package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/migadu/bender/helpers"
)

// Defaults applied when a setting is left empty.
const (
	DefaultHTTPPort       = 80
	DefaultStreamTimeout  = time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultMaxLineLength  = 64 * 1024
	DefaultShutdownWait   = 10 * time.Second
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// MetricsConfig configures the admin HTTP endpoint that serves Prometheus
// metrics, health and connection statistics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`

	// AllowedHosts restricts access to these IPs or CIDR blocks. Empty
	// allows everyone.
	AllowedHosts []string `toml:"allowed_hosts,omitempty"`
	// APIKey, when set, is required as a bearer token on /api/v1 routes.
	APIKey string `toml:"api_key,omitempty"`
}

// ProxyProtocolConfig enables HAProxy PROXY protocol on a listener that
// sits behind a load balancer.
type ProxyProtocolConfig struct {
	Enabled        bool     `toml:"enabled"`
	Mode           string   `toml:"mode,omitempty"`  // "required" (default) or "optional"
	TrustedProxies []string `toml:"trusted_proxies"` // CIDR blocks or addresses allowed to send a header
	Timeout        string   `toml:"timeout"`         // Timeout for reading the header
}

// ProxyServerConfig describes one proxy listener.
type ProxyServerConfig struct {
	Name string `toml:"name"`
	Addr string `toml:"addr"`

	// DefaultPort is used when the Host header carries no port.
	DefaultPort int `toml:"default_port,omitempty"`

	// KeepAlive enables reuse of upstream connections. Defaults to true.
	KeepAlive *bool `toml:"keep_alive,omitempty"`

	ClientReadTimeout  string `toml:"client_read_timeout,omitempty"`
	ClientWriteTimeout string `toml:"client_write_timeout,omitempty"`
	ServerReadTimeout  string `toml:"server_read_timeout,omitempty"`
	ServerWriteTimeout string `toml:"server_write_timeout,omitempty"`
	ConnectTimeout     string `toml:"connect_timeout,omitempty"`

	// Connection limits, 0 means unlimited.
	MaxConnections      int `toml:"max_connections,omitempty"`
	MaxConnectionsPerIP int `toml:"max_connections_per_ip,omitempty"`

	ListenBacklog int    `toml:"listen_backlog,omitempty"`
	MaxLineLength string `toml:"max_line_length,omitempty"` // e.g. "64KiB"

	ProxyProtocol ProxyProtocolConfig `toml:"proxy_protocol"`

	Debug bool `toml:"debug,omitempty"` // Enable per-connection debug logging
}

// Config is the top-level configuration.
type Config struct {
	Logging         LoggingConfig       `toml:"logging"`
	Metrics         MetricsConfig       `toml:"metrics"`
	ShutdownTimeout string              `toml:"shutdown_timeout"`
	Servers         []ProxyServerConfig `toml:"server"`
}

// NewDefaultConfig creates a Config with default values
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
			Path:    "/metrics",
		},
		ShutdownTimeout: "10s",
	}
}

func parseDurationOr(value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	return helpers.ParseDuration(value)
}

// GetShutdownTimeout bounds how long a graceful stop may take.
func (c *Config) GetShutdownTimeout() (time.Duration, error) {
	return parseDurationOr(c.ShutdownTimeout, DefaultShutdownWait)
}

// GetKeepAlive reports whether upstream connections are reused.
func (s *ProxyServerConfig) GetKeepAlive() bool {
	if s.KeepAlive == nil {
		return true
	}
	return *s.KeepAlive
}

// GetDefaultPort returns the port used when a Host header has none.
func (s *ProxyServerConfig) GetDefaultPort() int {
	if s.DefaultPort == 0 {
		return DefaultHTTPPort
	}
	return s.DefaultPort
}

func (s *ProxyServerConfig) GetClientReadTimeout() (time.Duration, error) {
	return parseDurationOr(s.ClientReadTimeout, DefaultStreamTimeout)
}

func (s *ProxyServerConfig) GetClientWriteTimeout() (time.Duration, error) {
	return parseDurationOr(s.ClientWriteTimeout, DefaultStreamTimeout)
}

func (s *ProxyServerConfig) GetServerReadTimeout() (time.Duration, error) {
	return parseDurationOr(s.ServerReadTimeout, DefaultStreamTimeout)
}

func (s *ProxyServerConfig) GetServerWriteTimeout() (time.Duration, error) {
	return parseDurationOr(s.ServerWriteTimeout, DefaultStreamTimeout)
}

func (s *ProxyServerConfig) GetConnectTimeout() (time.Duration, error) {
	return parseDurationOr(s.ConnectTimeout, DefaultConnectTimeout)
}

// GetMaxLineLength returns the longest accepted start-line, header or
// chunk-size line.
func (s *ProxyServerConfig) GetMaxLineLength() (int, error) {
	if s.MaxLineLength == "" {
		return DefaultMaxLineLength, nil
	}
	n, err := helpers.ParseSize(s.MaxLineLength)
	if err != nil {
		return 0, err
	}
	if n <= 0 || n > 1<<30 {
		return 0, fmt.Errorf("max_line_length %q out of range", s.MaxLineLength)
	}
	return int(n), nil
}

// Validate checks a single server entry.
func (s *ProxyServerConfig) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("server name is required")
	}
	if s.Addr == "" {
		return fmt.Errorf("server %q: address is required", s.Name)
	}
	if s.DefaultPort < 0 || s.DefaultPort > 65535 {
		return fmt.Errorf("server %q: default_port %d out of range", s.Name, s.DefaultPort)
	}
	if s.MaxConnections < 0 || s.MaxConnectionsPerIP < 0 || s.ListenBacklog < 0 {
		return fmt.Errorf("server %q: limits must not be negative", s.Name)
	}

	durations := []struct {
		key string
		get func() (time.Duration, error)
	}{
		{"client_read_timeout", s.GetClientReadTimeout},
		{"client_write_timeout", s.GetClientWriteTimeout},
		{"server_read_timeout", s.GetServerReadTimeout},
		{"server_write_timeout", s.GetServerWriteTimeout},
		{"connect_timeout", s.GetConnectTimeout},
	}
	for _, d := range durations {
		if _, err := d.get(); err != nil {
			return fmt.Errorf("server %q: invalid %s: %w", s.Name, d.key, err)
		}
	}

	if _, err := s.GetMaxLineLength(); err != nil {
		return fmt.Errorf("server %q: %w", s.Name, err)
	}

	if pp := s.ProxyProtocol; pp.Enabled {
		if pp.Mode != "" && pp.Mode != "required" && pp.Mode != "optional" {
			return fmt.Errorf("server %q: proxy_protocol mode %q must be 'required' or 'optional'", s.Name, pp.Mode)
		}
		if len(pp.TrustedProxies) == 0 {
			return fmt.Errorf("server %q: proxy_protocol requires trusted_proxies", s.Name)
		}
		if pp.Timeout != "" {
			if _, err := time.ParseDuration(pp.Timeout); err != nil {
				return fmt.Errorf("server %q: invalid proxy_protocol timeout: %w", s.Name, err)
			}
		}
	}
	return nil
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("no [[server]] configured")
	}

	seen := make(map[string]bool, len(c.Servers))
	for i := range c.Servers {
		s := &c.Servers[i]
		if err := s.Validate(); err != nil {
			return err
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate server name %q", s.Name)
		}
		seen[s.Name] = true
	}

	if c.Metrics.Enabled {
		if c.Metrics.Addr == "" {
			return fmt.Errorf("metrics: addr is required when enabled")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics: path %q must start with '/'", c.Metrics.Path)
		}
	}

	if _, err := c.GetShutdownTimeout(); err != nil {
		return fmt.Errorf("invalid shutdown_timeout: %w", err)
	}
	return nil
}
