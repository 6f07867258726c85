package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the node runtime parameters.
type Config struct {
	LogLevel            string          `mapstructure:"log_level"`
	DeviceName          string          `mapstructure:"device_name"`
	ShutdownGracePeriod time.Duration   `mapstructure:"shutdown_grace_period"`
	Admin               AdminConfig     `mapstructure:"admin"`
	Keystore            KeystoreConfig  `mapstructure:"keystore"`
	Transport           TransportConfig `mapstructure:"transport"`
	Mesh                MeshConfig      `mapstructure:"mesh"`
	Emergency           EmergencyConfig `mapstructure:"emergency"`
	Refresh             RefreshConfig   `mapstructure:"refresh"`
}

// AdminConfig describes the local diagnostics endpoint.
type AdminConfig struct {
	Address           string        `mapstructure:"address"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

// KeystoreConfig describes how the keystore backend is initialized.
type KeystoreConfig struct {
	Path          string `mapstructure:"path"`
	PassphraseEnv string `mapstructure:"passphrase_env"`
}

// TransportConfig holds ad-hoc link parameters.
type TransportConfig struct {
	ListenAddress string        `mapstructure:"listen_address"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`
	// Bootstrap lists peer endpoints dialed during discovery scans.
	Bootstrap []string `mapstructure:"bootstrap"`
}

// MeshConfig tunes reachability tracking.
type MeshConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	EntryTTL     time.Duration `mapstructure:"entry_ttl"`
	MaxHops      int           `mapstructure:"max_hops"`
}

// EmergencyConfig tunes SOS re-broadcast behavior.
type EmergencyConfig struct {
	RebroadcastInterval time.Duration `mapstructure:"rebroadcast_interval"`
}

// RefreshConfig holds the adaptive conversation-list refresh cadences.
type RefreshConfig struct {
	Emergency    time.Duration `mapstructure:"emergency"`
	Normal       time.Duration `mapstructure:"normal"`
	Disconnected time.Duration `mapstructure:"disconnected"`
	Conversation time.Duration `mapstructure:"conversation"`
}

const (
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultAdminAddress        = "127.0.0.1:9464"
	defaultReadHeaderTimeout   = 5 * time.Second
	defaultPassphraseEnv       = "RESQLINK_KEYSTORE_PASSPHRASE"
	defaultKeystorePath        = "data/keystore.json"
	defaultListenAddress       = "0.0.0.0:47474"
	defaultDialTimeout         = 5 * time.Second
	defaultPollInterval        = 2 * time.Second
	defaultEntryTTL            = 30 * time.Second
	defaultMaxHops             = 8
	defaultRebroadcast         = 30 * time.Second
	defaultRefreshEmergency    = 10 * time.Second
	defaultRefreshNormal       = 30 * time.Second
	defaultRefreshDisconnected = 60 * time.Second
	defaultRefreshConversation = 3 * time.Second
)

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with RESQLINK_ and can override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RESQLINK")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("device_name", "")
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("admin.address", defaultAdminAddress)
	v.SetDefault("admin.read_header_timeout", defaultReadHeaderTimeout.String())
	v.SetDefault("keystore.path", defaultKeystorePath)
	v.SetDefault("keystore.passphrase_env", defaultPassphraseEnv)
	v.SetDefault("transport.listen_address", defaultListenAddress)
	v.SetDefault("transport.dial_timeout", defaultDialTimeout.String())
	v.SetDefault("mesh.poll_interval", defaultPollInterval.String())
	v.SetDefault("mesh.entry_ttl", defaultEntryTTL.String())
	v.SetDefault("mesh.max_hops", defaultMaxHops)
	v.SetDefault("emergency.rebroadcast_interval", defaultRebroadcast.String())
	v.SetDefault("refresh.emergency", defaultRefreshEmergency.String())
	v.SetDefault("refresh.normal", defaultRefreshNormal.String())
	v.SetDefault("refresh.disconnected", defaultRefreshDisconnected.String())
	v.SetDefault("refresh.conversation", defaultRefreshConversation.String())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"shutdown_grace_period", defaultShutdownGracePeriod, &cfg.ShutdownGracePeriod},
		{"admin.read_header_timeout", defaultReadHeaderTimeout, &cfg.Admin.ReadHeaderTimeout},
		{"transport.dial_timeout", defaultDialTimeout, &cfg.Transport.DialTimeout},
		{"mesh.poll_interval", defaultPollInterval, &cfg.Mesh.PollInterval},
		{"mesh.entry_ttl", defaultEntryTTL, &cfg.Mesh.EntryTTL},
		{"emergency.rebroadcast_interval", defaultRebroadcast, &cfg.Emergency.RebroadcastInterval},
		{"refresh.emergency", defaultRefreshEmergency, &cfg.Refresh.Emergency},
		{"refresh.normal", defaultRefreshNormal, &cfg.Refresh.Normal},
		{"refresh.disconnected", defaultRefreshDisconnected, &cfg.Refresh.Disconnected},
		{"refresh.conversation", defaultRefreshConversation, &cfg.Refresh.Conversation},
	}
	for _, d := range durations {
		if !v.IsSet(d.key) {
			*d.dst = d.fallback
			continue
		}
		dur, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = dur
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.Keystore.PassphraseEnv == "" {
		cfg.Keystore.PassphraseEnv = defaultPassphraseEnv
	}
	if cfg.Keystore.Path == "" {
		cfg.Keystore.Path = defaultKeystorePath
	}
	if cfg.Transport.ListenAddress == "" {
		cfg.Transport.ListenAddress = defaultListenAddress
	}
	if cfg.Mesh.MaxHops <= 0 {
		cfg.Mesh.MaxHops = defaultMaxHops
	}

	return cfg, nil
}

// Passphrase fetches the keystore passphrase from the configured environment variable.
func (c Config) Passphrase() (string, error) {
	env := c.Keystore.PassphraseEnv
	if env == "" {
		env = defaultPassphraseEnv
	}
	val := strings.TrimSpace(getenv(env))
	if val == "" {
		return "", fmt.Errorf("keystore passphrase env %s is empty", env)
	}
	return val, nil
}

// split out for testing.
var getenv = os.Getenv
