// Package config provides configuration parsing and validation for tcp-forward.
package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration for both the relay and the tunnel client.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Relay   RelayConfig   `yaml:"relay"`
	Client  ClientConfig  `yaml:"client"`
	Health  HealthConfig  `yaml:"health"`
	Control ControlConfig `yaml:"control"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// RelayConfig contains relay server settings.
type RelayConfig struct {
	Address        string          `yaml:"address"`         // TCP control listen address
	WebSocket      WebSocketConfig `yaml:"websocket"`       // optional WebSocket control listener
	QUIC           QUICConfig      `yaml:"quic"`            // optional QUIC control listener
	ForwardHost    string          `yaml:"forward_host"`    // bind host for forwarding listeners
	QueueSize      int             `yaml:"queue_size"`      // forwarded connections queued per client
	IdleTimeout    time.Duration   `yaml:"idle_timeout"`    // reclaim delay for clients without control channels
	AcceptRate     float64         `yaml:"accept_rate"`     // per forwarding listener, 0 = unlimited
	AcceptBurst    int             `yaml:"accept_burst"`    // burst above accept_rate
	MaxConnections int             `yaml:"max_connections"` // concurrent control connections per listener, 0 = unlimited
	RouteConnects  bool            `yaml:"route_connects"`  // route CONNECT streams to forwarding ports by topic
}

// WebSocketConfig defines the WebSocket control listener.
type WebSocketConfig struct {
	Enabled bool            `yaml:"enabled"`
	Address string          `yaml:"address"`
	Path    string          `yaml:"path"`
	TLS     ServerTLSConfig `yaml:"tls"`
}

// QUICConfig defines the QUIC control listener. QUIC always runs over TLS; the
// enabled flag of its tls section is ignored.
type QUICConfig struct {
	Enabled bool            `yaml:"enabled"`
	Address string          `yaml:"address"`
	TLS     ServerTLSConfig `yaml:"tls"`
}

// ServerTLSConfig enables wss on the WebSocket listener. Without cert and key a
// self-signed certificate is generated and its fingerprint logged.
type ServerTLSConfig struct {
	Enabled bool     `yaml:"enabled"`
	Cert    string   `yaml:"cert"`
	Key     string   `yaml:"key"`
	Hosts   []string `yaml:"hosts"` // SANs for the self-signed certificate
}

// ClientTLSConfig controls verification of wss:// and QUIC relays.
type ClientTLSConfig struct {
	CA                 string `yaml:"ca"`
	Fingerprint        string `yaml:"fingerprint"` // sha256:<hex> pin of the relay certificate
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// ClientConfig contains tunnel client settings.
type ClientConfig struct {
	Relay       string          `yaml:"relay"`        // relay control address or ws:// URL
	Transport   string          `yaml:"transport"`    // tcp, ws, quic
	Path        string          `yaml:"path"`         // HTTP path for ws
	DialTimeout time.Duration   `yaml:"dial_timeout"` // per attempt
	Retries     []time.Duration `yaml:"retries"`      // reconnect schedule
	TLS         ClientTLSConfig `yaml:"tls"`
	Topics      []TopicConfig   `yaml:"topics"`
}

// TopicConfig maps a topic to the local service it exposes.
type TopicConfig struct {
	Topic  string `yaml:"topic"`  // raw string or hex:<bytes>; empty = random
	Target string `yaml:"target"` // host:port dialed for each forwarded connection
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	Pprof        bool          `yaml:"pprof"`
}

// ControlConfig defines control socket settings.
type ControlConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Relay: RelayConfig{
			Address:     ":0",
			ForwardHost: "",
			QueueSize:   16,
			IdleTimeout: 7 * time.Second,
			WebSocket: WebSocketConfig{
				Enabled: false,
				Address: ":8443",
				Path:    "/tunnel",
			},
			QUIC: QUICConfig{
				Enabled: false,
				Address: ":8443",
			},
			RouteConnects: true,
		},
		Client: ClientConfig{
			Transport:   "tcp",
			Path:        "/tunnel",
			DialTimeout: 10 * time.Second,
			Retries: []time.Duration{
				1 * time.Second,
				1 * time.Second,
				2 * time.Second,
				4 * time.Second,
			},
			Topics: []TopicConfig{},
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Control: ControlConfig{
			Enabled:    false,
			SocketPath: "./tcp-forward.sock",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	// Relay
	if c.Relay.Address != "" && !isValidAddress(c.Relay.Address) {
		errs = append(errs, fmt.Sprintf("relay.address: invalid address: %s", c.Relay.Address))
	}
	if c.Relay.QueueSize < 1 {
		errs = append(errs, "relay.queue_size must be positive")
	}
	if c.Relay.IdleTimeout <= 0 {
		errs = append(errs, "relay.idle_timeout must be positive")
	}
	if c.Relay.AcceptRate < 0 {
		errs = append(errs, "relay.accept_rate must not be negative")
	}
	if c.Relay.AcceptRate > 0 && c.Relay.AcceptBurst < 1 {
		errs = append(errs, "relay.accept_burst must be positive when accept_rate is set")
	}
	if c.Relay.MaxConnections < 0 {
		errs = append(errs, "relay.max_connections must not be negative")
	}
	if c.Relay.WebSocket.Enabled {
		if !isValidAddress(c.Relay.WebSocket.Address) {
			errs = append(errs, fmt.Sprintf("relay.websocket.address: invalid address: %s", c.Relay.WebSocket.Address))
		}
		if !strings.HasPrefix(c.Relay.WebSocket.Path, "/") {
			errs = append(errs, "relay.websocket.path must start with /")
		}
		if tls := c.Relay.WebSocket.TLS; tls.Enabled && (tls.Cert == "") != (tls.Key == "") {
			errs = append(errs, "relay.websocket.tls: cert and key must be set together")
		}
	}

	if c.Relay.QUIC.Enabled {
		if !isValidAddress(c.Relay.QUIC.Address) {
			errs = append(errs, fmt.Sprintf("relay.quic.address: invalid address: %s", c.Relay.QUIC.Address))
		}
		if tls := c.Relay.QUIC.TLS; (tls.Cert == "") != (tls.Key == "") {
			errs = append(errs, "relay.quic.tls: cert and key must be set together")
		}
	}

	// Client
	if !isValidTransport(c.Client.Transport) {
		errs = append(errs, fmt.Sprintf("invalid client.transport: %s (must be tcp, ws or quic)", c.Client.Transport))
	}
	if c.Client.Transport == "ws" && !strings.HasPrefix(c.Client.Path, "/") {
		errs = append(errs, "client.path must start with / for ws transport")
	}
	if c.Client.DialTimeout < 0 {
		errs = append(errs, "client.dial_timeout must not be negative")
	}
	for i, d := range c.Client.Retries {
		if d <= 0 {
			errs = append(errs, fmt.Sprintf("client.retries[%d] must be positive", i))
		}
	}
	if fp := c.Client.TLS.Fingerprint; fp != "" && !isValidFingerprint(fp) {
		errs = append(errs, fmt.Sprintf("client.tls.fingerprint: invalid fingerprint: %s (must be sha256:<64 hex>)", fp))
	}
	for i, tc := range c.Client.Topics {
		if err := validateTopic(tc); err != nil {
			errs = append(errs, fmt.Sprintf("client.topics[%d]: %v", i, err))
		}
	}
	if len(c.Client.Topics) > 0 && c.Client.Relay == "" {
		errs = append(errs, "client.relay is required when topics are configured")
	}

	// Health and control
	if c.Health.Enabled && !isValidAddress(c.Health.Address) {
		errs = append(errs, fmt.Sprintf("health.address: invalid address: %s", c.Health.Address))
	}
	if c.Control.Enabled && c.Control.SocketPath == "" {
		errs = append(errs, "control.socket_path is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidTransport(transport string) bool {
	switch transport {
	case "tcp", "ws", "quic":
		return true
	default:
		return false
	}
}

func isValidAddress(addr string) bool {
	_, _, err := net.SplitHostPort(addr)
	return err == nil
}

func isValidFingerprint(fp string) bool {
	rest, ok := strings.CutPrefix(strings.ToLower(fp), "sha256:")
	if !ok || len(rest) != 64 {
		return false
	}
	_, err := hex.DecodeString(rest)
	return err == nil
}

func validateTopic(tc TopicConfig) error {
	if tc.Target == "" {
		return fmt.Errorf("target is required")
	}
	if !isValidAddress(tc.Target) {
		return fmt.Errorf("invalid target: %s", tc.Target)
	}
	if len(tc.Topic) > 0xFFFF {
		return fmt.Errorf("topic exceeds 65535 bytes")
	}
	return nil
}

// String returns a string representation of the config (for debugging).
// WARNING: This method redacts sensitive values. Use StringUnsafe() for full output.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with topic values redacted.
// Knowing a topic is enough to reach the service behind it.
func (c *Config) Redacted() *Config {
	// Deep copy by marshaling and unmarshaling
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	for i := range redacted.Client.Topics {
		if redacted.Client.Topics[i].Topic != "" {
			redacted.Client.Topics[i].Topic = redactedValue
		}
	}

	return redacted
}

// HasSensitiveData returns true if the config contains any sensitive data.
func (c *Config) HasSensitiveData() bool {
	for _, tc := range c.Client.Topics {
		if tc.Topic != "" {
			return true
		}
	}
	return false
}
