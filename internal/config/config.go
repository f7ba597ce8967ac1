// Package config handles configuration loading, validation, and persistence
// for kgnet servers and clients.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v2"

	"github.com/kargono/kgnet/internal/network"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "kgnet.json"
	DefaultAppID      = 0x4B47
	DefaultServerPort = 7777
	DefaultAPIPort    = 5050
	DefaultMaxClients = 64
)

// ServerLocation says where a client should look for the server.
type ServerLocation int

const (
	LocationLocalMachine ServerLocation = iota
	LocationLocalNetwork
	LocationRemote
)

var locationNames = map[ServerLocation]string{
	LocationLocalMachine: "LocalMachine",
	LocationLocalNetwork: "LocalNetwork",
	LocationRemote:       "Remote",
}

func (l ServerLocation) String() string {
	if name, ok := locationNames[l]; ok {
		return name
	}
	return fmt.Sprintf("ServerLocation(%d)", int(l))
}

// ParseServerLocation parses the names written by String. Matching ignores case.
func ParseServerLocation(s string) (ServerLocation, error) {
	for loc, name := range locationNames {
		if strings.EqualFold(s, name) {
			return loc, nil
		}
	}
	return 0, fmt.Errorf("unknown server location %q", s)
}

func (l ServerLocation) MarshalText() ([]byte, error) {
	if _, ok := locationNames[l]; !ok {
		return nil, fmt.Errorf("invalid server location %d", int(l))
	}
	return []byte(l.String()), nil
}

func (l *ServerLocation) UnmarshalText(text []byte) error {
	loc, err := ParseServerLocation(string(text))
	if err != nil {
		return err
	}
	*l = loc
	return nil
}

func (l ServerLocation) MarshalYAML() (interface{}, error) {
	text, err := l.MarshalText()
	return string(text), err
}

func (l *ServerLocation) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return l.UnmarshalText([]byte(s))
}

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Network     ServerConfig    `json:"network" yaml:"network"`
	Application ApplicationData `json:"application_data" yaml:"application_data"`
}

// ServerConfig holds the transport settings shared by server and client.
type ServerConfig struct {
	AppID          uint16         `json:"app_id" yaml:"app_id"`
	ServerAddress  string         `json:"server_address" yaml:"server_address"`
	ServerLocation ServerLocation `json:"server_location" yaml:"server_location"`
	MaxClients     int            `json:"max_clients" yaml:"max_clients"`

	// Timing
	ConnectionTimeoutSec          int `json:"connection_timeout_sec" yaml:"connection_timeout_sec"`
	ActiveRefreshMs               int `json:"active_refresh_ms" yaml:"active_refresh_ms"`
	PassiveRefreshMs              int `json:"passive_refresh_ms" yaml:"passive_refresh_ms"`
	KeepAliveMs                   int `json:"keep_alive_ms" yaml:"keep_alive_ms"`
	RequestConnectionFrequencySec int `json:"request_connection_frequency_sec" yaml:"request_connection_frequency_sec"`

	ValidationSecrets [4]uint64 `json:"validation_secrets" yaml:"validation_secrets"`
	ReuseAddress      bool      `json:"reuse_address" yaml:"reuse_address"`
}

// ConnectionTimeout returns how long a peer may stay silent before removal.
func (s ServerConfig) ConnectionTimeout() time.Duration {
	return time.Duration(s.ConnectionTimeoutSec) * time.Second
}

// ActiveRefresh is the tick interval while clients are connected.
func (s ServerConfig) ActiveRefresh() time.Duration {
	return time.Duration(s.ActiveRefreshMs) * time.Millisecond
}

// PassiveRefresh is the tick interval while idle.
func (s ServerConfig) PassiveRefresh() time.Duration {
	return time.Duration(s.PassiveRefreshMs) * time.Millisecond
}

func (s ServerConfig) KeepAliveInterval() time.Duration {
	return time.Duration(s.KeepAliveMs) * time.Millisecond
}

func (s ServerConfig) RequestConnectionFrequency() time.Duration {
	return time.Duration(s.RequestConnectionFrequencySec) * time.Second
}

// HasValidationSecrets reports whether connection requests must carry secrets.
func (s ServerConfig) HasValidationSecrets() bool {
	return s.ValidationSecrets != [4]uint64{}
}

// BindAddress parses ServerAddress.
func (s ServerConfig) BindAddress() (network.Address, error) {
	return network.ParseAddress(s.ServerAddress)
}

// TargetAddress is where a client sends its requests. LocalMachine always
// means loopback; the other locations use the configured host.
func (s ServerConfig) TargetAddress() (network.Address, error) {
	addr, err := s.BindAddress()
	if err != nil {
		return network.Address{}, err
	}
	if s.ServerLocation == LocationLocalMachine {
		return network.NewAddressFromOctets(127, 0, 0, 1, addr.Port()), nil
	}
	if addr.Host() == 0 {
		return network.Address{}, fmt.Errorf("server location %s needs a concrete host, got %s", s.ServerLocation, s.ServerAddress)
	}
	return addr, nil
}

// ApplicationData contains settings for the process around the transport.
type ApplicationData struct {
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	API      APIConfig      `json:"api" yaml:"api"`
	MQTT     MQTTConfig     `json:"mqtt" yaml:"mqtt"`
	Database DatabaseConfig `json:"database" yaml:"database"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
	Timers   TimerConfig    `json:"timers" yaml:"timers"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `json:"level" yaml:"level"`
	Directory string `json:"directory" yaml:"directory"`
	Console   bool   `json:"console" yaml:"console"`
}

// APIConfig holds admin REST API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	Port           int      `json:"port" yaml:"port"`
	Token          string   `json:"token" yaml:"token"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps" yaml:"rate_limit_rps"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	BrokerURL   string `json:"broker_url" yaml:"broker_url"`
	Port        int    `json:"port" yaml:"port"`
	UseTLS      bool   `json:"use_tls" yaml:"use_tls"`
	CertFile    string `json:"cert_file" yaml:"cert_file"`
	KeyFile     string `json:"key_file" yaml:"key_file"`
	CAFile      string `json:"ca_file" yaml:"ca_file"`
	ClientID    string `json:"client_id" yaml:"client_id"`
	TopicPrefix string `json:"topic_prefix" yaml:"topic_prefix"`
}

// DatabaseConfig holds session history storage settings.
type DatabaseConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	Path          string `json:"path" yaml:"path"`
	RetentionDays int    `json:"retention_days" yaml:"retention_days"`
}

// MetricsConfig toggles the Prometheus collectors.
type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// TimerConfig holds background task intervals.
type TimerConfig struct {
	StatsIntervalSec  int `json:"stats_interval_sec" yaml:"stats_interval_sec"`
	PruneIntervalSec  int `json:"prune_interval_sec" yaml:"prune_interval_sec"`
	HealthIntervalSec int `json:"health_interval_sec" yaml:"health_interval_sec"`
}

// DefaultServerConfig returns the transport defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		AppID:                         DefaultAppID,
		ServerAddress:                 fmt.Sprintf("0.0.0.0:%d", DefaultServerPort),
		ServerLocation:                LocationLocalMachine,
		MaxClients:                    DefaultMaxClients,
		ConnectionTimeoutSec:          10,
		ActiveRefreshMs:               16,
		PassiveRefreshMs:              100,
		KeepAliveMs:                   1000,
		RequestConnectionFrequencySec: 1,
	}
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: DefaultServerConfig(),
		Application: ApplicationData{
			Logging: LoggingConfig{
				Level:     "info",
				Directory: "logs",
				Console:   true,
			},
			API: APIConfig{
				Enabled:        true,
				Port:           DefaultAPIPort,
				AllowedOrigins: []string{"*"},
				RateLimitRPS:   100,
			},
			MQTT: MQTTConfig{
				Port:        1883,
				ClientID:    "kgnet",
				TopicPrefix: "kgnet",
			},
			Database: DatabaseConfig{
				Enabled:       true,
				Path:          filepath.Join("data", "kgnet.db"),
				RetentionDays: 30,
			},
			Metrics: MetricsConfig{
				Enabled: true,
			},
			Timers: TimerConfig{
				StatsIntervalSec:  60,
				PruneIntervalSec:  3600,
				HealthIntervalSec: 30,
			},
		},
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Load reads configuration from path. A .yaml or .yml file is parsed as
// YAML, anything else as JSON. A missing file is created with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", path).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = path
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.path = path
	log.Info().Str("path", path).Msg("configuration loaded")

	// Persist fields added since the file was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(c.path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetNetwork returns a copy of the transport configuration.
func (c *Config) GetNetwork() ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Network
}

// SetNetwork updates the transport configuration.
func (c *Config) SetNetwork(s ServerConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Network = s
}

// GetApplicationData returns a copy of the application configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Application
}

// SetApplicationData updates the application configuration.
func (c *Config) SetApplicationData(data ApplicationData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Application = data
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// SetPath changes where Save writes.
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// IsUDPPortAvailable checks if a UDP port can be bound.
func IsUDPPortAvailable(port int) bool {
	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// IsTCPPortAvailable checks if a TCP port can be bound.
func IsTCPPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
