package config

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// defaultDatabaseFile is the store file name used when database.path is unset.
const defaultDatabaseFile = "bumper.db"

// Config is the root configuration structure for Bumper.
// All configuration is loaded from YAML or TOML and can be overridden by
// environment variables and command-line flags.
type Config struct {
	DataDir     string            `yaml:"data_dir" toml:"data_dir"`
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Conf        ConfConfig        `yaml:"conf" toml:"conf"`
	MQTT        MQTTConfig        `yaml:"mqtt" toml:"mqtt"`
	XMPP        XMPPConfig        `yaml:"xmpp" toml:"xmpp"`
	Admin       AdminConfig       `yaml:"admin" toml:"admin"`
	HelperBot   HelperBotConfig   `yaml:"helperbot" toml:"helperbot"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Tokens      TokensConfig      `yaml:"tokens" toml:"tokens"`
	Shutdown    ShutdownConfig    `yaml:"shutdown" toml:"shutdown"`
	Maintenance MaintenanceConfig `yaml:"maintenance" toml:"maintenance"`
	InfluxDB    InfluxDBConfig    `yaml:"influxdb" toml:"influxdb"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
}

// ServerConfig holds settings shared by every listener.
type ServerConfig struct {
	// Listen is the default bind address for all listeners.
	Listen string `yaml:"listen" toml:"listen"`

	// Debug brings up the administrative web listener and lowers the log level.
	Debug bool `yaml:"debug" toml:"debug"`
}

// ConfConfig contains settings for the vendor API (conf) listener.
type ConfConfig struct {
	ListenAddress string           `yaml:"listen_address" toml:"listen_address"`
	ListenPort    int              `yaml:"listen_port" toml:"listen_port"`
	TLS           TLSConfig        `yaml:"tls" toml:"tls"`
	Timeouts      APITimeoutConfig `yaml:"timeouts" toml:"timeouts"`
}

// MQTTConfig contains settings for the device MQTT listener.
type MQTTConfig struct {
	ListenAddress string    `yaml:"listen_address" toml:"listen_address"`
	ListenPort    int       `yaml:"listen_port" toml:"listen_port"`
	TLS           TLSConfig `yaml:"tls" toml:"tls"`
}

// XMPPConfig contains settings for the device XMPP listener.
type XMPPConfig struct {
	ListenAddress string    `yaml:"listen_address" toml:"listen_address"`
	ListenPort    int       `yaml:"listen_port" toml:"listen_port"`
	TLS           TLSConfig `yaml:"tls" toml:"tls"`

	// Domain is the XMPP server domain announced in stream headers.
	Domain string `yaml:"domain" toml:"domain"`
}

// AdminConfig contains settings for the debug web listener.
type AdminConfig struct {
	ListenAddress string `yaml:"listen_address" toml:"listen_address"`
	ListenPort    int    `yaml:"listen_port" toml:"listen_port"`

	// JWTSecret enables bearer token authentication when non-empty.
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`

	// TokenTTL is the lifetime of tokens minted by "bumper admin-token".
	TokenTTL time.Duration `yaml:"token_ttl" toml:"token_ttl"`

	WebSocket WebSocketConfig `yaml:"websocket" toml:"websocket"`
}

// WebSocketConfig contains settings for the admin event stream.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size" toml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval" toml:"ping_interval"` // seconds
	PongTimeout    int `yaml:"pong_timeout" toml:"pong_timeout"`   // seconds
}

// HelperBotConfig contains settings for the internal MQTT client that
// addresses bots on behalf of the admin listener.
type HelperBotConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	ClientID string `yaml:"client_id" toml:"client_id"`
	QoS      int    `yaml:"qos" toml:"qos"`

	// ReconnectDelay and MaxReconnectDelay are in seconds.
	ReconnectDelay    int `yaml:"reconnect_delay" toml:"reconnect_delay"`
	MaxReconnectDelay int `yaml:"max_reconnect_delay" toml:"max_reconnect_delay"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	CertFile string `yaml:"cert_file" toml:"cert_file"`
	KeyFile  string `yaml:"key_file" toml:"key_file"`
}

// ServerTLS loads the certificate pair into a server-side tls.Config.
//
// Returns:
//   - *tls.Config: nil when TLS is disabled
//   - error: If the certificate or key cannot be loaded
func (t TLSConfig) ServerTLS() (*tls.Config, error) {
	if !t.Enabled {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading TLS key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read" toml:"read"`
	Write int `yaml:"write" toml:"write"`
	Idle  int `yaml:"idle" toml:"idle"`
}

// DatabaseConfig contains SQLite store settings.
type DatabaseConfig struct {
	// Path is the store file. Empty means <data_dir>/bumper.db.
	Path        string `yaml:"path" toml:"path"`
	WALMode     bool   `yaml:"wal_mode" toml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout" toml:"busy_timeout"`
}

// TokensConfig contains credential lifetime settings.
type TokensConfig struct {
	TTL time.Duration `yaml:"ttl" toml:"ttl"`
}

// ShutdownConfig bounds how long listeners get to stop on their own.
type ShutdownConfig struct {
	GracePeriod time.Duration `yaml:"grace_period" toml:"grace_period"`
}

// MaintenanceConfig controls the periodic registry sweep.
type MaintenanceConfig struct {
	Interval time.Duration `yaml:"interval" toml:"interval"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled"`
	URL           string `yaml:"url" toml:"url"`
	Token         string `yaml:"token" toml:"token"`
	Org           string `yaml:"org" toml:"org"`
	Bucket        string `yaml:"bucket" toml:"bucket"`
	BatchSize     int    `yaml:"batch_size" toml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval" toml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	Output string `yaml:"output" toml:"output"`
}

// Load reads configuration from a YAML or TOML file and applies environment
// variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. File values (override defaults); ".toml" files are decoded as TOML,
//     anything else as YAML. An empty path skips this step.
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: BUMPER_SECTION_KEY
// For example: BUMPER_DB, BUMPER_CONF_LISTEN_PORT
//
// Parameters:
//   - path: Path to the configuration file, or "" for defaults only
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If the file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if strings.EqualFold(filepath.Ext(path), ".toml") {
			if _, err := toml.Decode(string(data), cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with the stock listener layout of the vendor cloud.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		Server: ServerConfig{
			Listen: "0.0.0.0",
		},
		Conf: ConfConfig{
			ListenPort: 443,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		MQTT: MQTTConfig{
			ListenPort: 8883,
		},
		XMPP: XMPPConfig{
			ListenPort: 5223,
			Domain:     "ecouser.net",
		},
		Admin: AdminConfig{
			ListenPort: 8007,
			TokenTTL:   24 * time.Hour,
			WebSocket: WebSocketConfig{
				MaxMessageSize: 8192,
				PingInterval:   30,
				PongTimeout:    10,
			},
		},
		HelperBot: HelperBotConfig{
			Enabled:           true,
			ClientID:          "helperbot@bumper/helperbot",
			QoS:               1,
			ReconnectDelay:    1,
			MaxReconnectDelay: 30,
		},
		Database: DatabaseConfig{
			WALMode:     true,
			BusyTimeout: 5,
		},
		Tokens: TokensConfig{
			TTL: time.Hour,
		},
		Shutdown: ShutdownConfig{
			GracePeriod: 10 * time.Second,
		},
		Maintenance: MaintenanceConfig{
			Interval: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("BUMPER_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("BUMPER_DB"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("BUMPER_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("BUMPER_DEBUG"); v != "" {
		debug, err := StrToBool(v)
		if err != nil {
			return fmt.Errorf("BUMPER_DEBUG: %w", err)
		}
		cfg.Server.Debug = debug
	}

	// Conf listener
	if v := os.Getenv("BUMPER_CONF_LISTEN_ADDRESS"); v != "" {
		cfg.Conf.ListenAddress = v
	}
	if v := os.Getenv("BUMPER_CONF_LISTEN_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BUMPER_CONF_LISTEN_PORT: %w", err)
		}
		cfg.Conf.ListenPort = port
	}

	// Secrets (never put these in the config file)
	if v := os.Getenv("BUMPER_ADMIN_JWT_SECRET"); v != "" {
		cfg.Admin.JWTSecret = v
	}
	if v := os.Getenv("BUMPER_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	return nil
}

// StrToBool converts a truth value string to a bool.
//
// True values are y, yes, t, true, on and 1; false values are n, no, f,
// false, off and 0. Matching is case-insensitive.
func StrToBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "y", "yes", "t", "true", "on", "1":
		return true, nil
	case "n", "no", "f", "false", "off", "0":
		return false, nil
	default:
		return false, fmt.Errorf("invalid truth value %q", v)
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" && c.DataDir == "" {
		errs = append(errs, "database.path or data_dir is required")
	}

	// Port 0 asks the kernel for an ephemeral port.
	ports := map[string]int{
		"conf.listen_port":  c.Conf.ListenPort,
		"mqtt.listen_port":  c.MQTT.ListenPort,
		"xmpp.listen_port":  c.XMPP.ListenPort,
		"admin.listen_port": c.Admin.ListenPort,
	}
	for name, port := range ports {
		if port < 0 || port > 65535 {
			errs = append(errs, name+" must be between 0 and 65535")
		}
	}

	tlsSettings := map[string]TLSConfig{
		"conf.tls": c.Conf.TLS,
		"mqtt.tls": c.MQTT.TLS,
		"xmpp.tls": c.XMPP.TLS,
	}
	for name, t := range tlsSettings {
		if t.Enabled && (t.CertFile == "" || t.KeyFile == "") {
			errs = append(errs, name+" requires cert_file and key_file when enabled")
		}
	}

	if c.Tokens.TTL <= 0 {
		errs = append(errs, "tokens.ttl must be positive")
	}
	if c.Shutdown.GracePeriod <= 0 {
		errs = append(errs, "shutdown.grace_period must be positive")
	}
	if c.Maintenance.Interval <= 0 {
		errs = append(errs, "maintenance.interval must be positive")
	}

	if c.Admin.WebSocket.PingInterval <= 0 || c.Admin.WebSocket.PongTimeout <= 0 {
		errs = append(errs, "admin.websocket ping_interval and pong_timeout must be positive")
	}

	if c.HelperBot.QoS < 0 || c.HelperBot.QoS > 2 {
		errs = append(errs, "helperbot.qos must be 0, 1, or 2")
	}

	// Anyone holding the secret can administer every registry record.
	const minJWTSecretLength = 32
	if c.Admin.JWTSecret != "" && len(c.Admin.JWTSecret) < minJWTSecretLength {
		errs = append(errs, "admin.jwt_secret must be at least 32 characters")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		// Map iteration order varies; keep messages stable.
		sort.Strings(errs)
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DatabasePath returns the store file path, falling back to
// <data_dir>/bumper.db when database.path is unset.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.DataDir, defaultDatabaseFile)
}

// ConfAddr returns the host:port the conf listener binds to.
func (c *Config) ConfAddr() string {
	return c.listenAddr(c.Conf.ListenAddress, c.Conf.ListenPort)
}

// MQTTAddr returns the host:port the MQTT listener binds to.
func (c *Config) MQTTAddr() string {
	return c.listenAddr(c.MQTT.ListenAddress, c.MQTT.ListenPort)
}

// XMPPAddr returns the host:port the XMPP listener binds to.
func (c *Config) XMPPAddr() string {
	return c.listenAddr(c.XMPP.ListenAddress, c.XMPP.ListenPort)
}

// AdminAddr returns the host:port the debug web listener binds to.
func (c *Config) AdminAddr() string {
	return c.listenAddr(c.Admin.ListenAddress, c.Admin.ListenPort)
}

// listenAddr joins a listener-specific address, or the shared server.listen
// address when unset, with a port.
func (c *Config) listenAddr(address string, port int) string {
	if address == "" {
		address = c.Server.Listen
	}
	return net.JoinHostPort(address, strconv.Itoa(port))
}

// GetReadTimeout returns the conf API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.Conf.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the conf API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.Conf.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the conf API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.Conf.Timeouts.Idle) * time.Second
}
