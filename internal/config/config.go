// Package config loads shvcbroker's configuration: listen URLs, users,
// roles, and autosetup rules (spec §6's "Broker configuration"), plus the
// ambient logging/metrics sections. Loading follows the teacher's layered
// viper approach (file, environment, defaults); LoadCPON offers the SHV
// native alternative described by the same section.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/silicon-heaven/shvgo/internal/bytesize"
)

// Config is shvcbroker's full configuration.
type Config struct {
	// Name is this broker's name, used in UserId rewriting
	// ("prev;user:broker") as requests are forwarded downward.
	Name string `mapstructure:"name" yaml:"name"`

	// Listen is the set of URLs (pkg/shvurl syntax) the broker accepts
	// connections on, e.g. "tcp://localhost:3755", "unix:/run/shvbroker.sock".
	Listen []string `mapstructure:"listen" validate:"required,min=1" yaml:"listen"`

	Users      map[string]UserConfig      `mapstructure:"users" yaml:"users"`
	Roles      map[string]RoleConfig      `mapstructure:"roles" yaml:"roles"`
	Autosetups []AutoSetupConfig          `mapstructure:"autosetups" yaml:"autosetups,omitempty"`

	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// ShutdownTimeout bounds how long the broker waits for in-flight
	// connections to drain after closing its listeners on signal.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	// MaxMessageSize bounds how large a single ChainPack message's block
	// framing length prefix may declare before the connection is dropped
	// as abusive, e.g. "1Mi" or "512Ki". ApplyDefaults replaces zero
	// (unset) with 1 MiB.
	MaxMessageSize bytesize.ByteSize `mapstructure:"max_message_size" yaml:"max_message_size,omitempty"`
}

// UserConfig is one entry of the `users.<name>` map. Exactly one of
// Password/ShaPass should be set; ShaPass holds a SHA-1 hex digest the way
// shapass query values and the login handshake both do.
type UserConfig struct {
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	ShaPass   string `mapstructure:"shapass" yaml:"shapass,omitempty"`
	Role      string `mapstructure:"role" validate:"required" yaml:"role"`
}

// RoleConfig is one entry of the `roles.<name>` map: an access matrix
// mapping each access level to the RPC-RI patterns it grants, plus the
// mount-point constraints and initial subscriptions new peers in this role
// get at login.
type RoleConfig struct {
	// Access maps an access level name (bws, rd, wr, cmd, cfg, srv, ssrv,
	// dev, su) to the RPC-RI glob patterns granted at that level.
	Access map[string][]string `mapstructure:"access" yaml:"access"`

	// MountPoints restricts what a peer in this role may request as its
	// mount point (patterns); empty means any path is allowed.
	MountPoints []string `mapstructure:"mount_points" yaml:"mount_points,omitempty"`

	// Subscriptions are RPC-RI patterns this role's peers are subscribed
	// to immediately at login, before any explicit subscribe call.
	Subscriptions []string `mapstructure:"subscriptions" yaml:"subscriptions,omitempty"`
}

// AutoSetupConfig describes a device-id-triggered automatic login: a peer
// presenting this DeviceID at login is granted Role and mounted at
// MountPoint without needing an explicit user/password match.
type AutoSetupConfig struct {
	DeviceID      string   `mapstructure:"device_id" validate:"required" yaml:"device_id"`
	Role          string   `mapstructure:"role" validate:"required" yaml:"role"`
	MountPoint    string   `mapstructure:"mount_point" yaml:"mount_point,omitempty"`
	Subscriptions []string `mapstructure:"subscriptions" yaml:"subscriptions,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

var validate = validator.New()

// Load loads broker configuration from file, environment, and defaults.
// Environment variables use the SHVBROKER_ prefix, e.g. SHVBROKER_NAME.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		cfg := DefaultConfig()
		return cfg, nil
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		stringToByteSizeHookFunc(),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("config: unmarshal failed: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate runs struct-tag validation plus the cross-field checks viper
// tags alone can't express (every user's role and every autosetup's role
// must name a configured role).
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	for name, u := range cfg.Users {
		if _, ok := cfg.Roles[u.Role]; !ok {
			return fmt.Errorf("user %q references undefined role %q", name, u.Role)
		}
	}
	for _, a := range cfg.Autosetups {
		if _, ok := cfg.Roles[a.Role]; !ok {
			return fmt.Errorf("autosetup %q references undefined role %q", a.DeviceID, a.Role)
		}
	}
	return nil
}

// Save writes cfg to path in YAML, the operationally convenient format;
// LoadCPON/SaveCPON are the SHV-native alternative.
func Save(cfg *Config, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create directory: %w", err)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("SHVBROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(defaultConfigDir())
	v.SetConfigName("shvbroker")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("config: read file: %w", err)
	}
	return true, nil
}

// stringToByteSizeHookFunc lets YAML/env values like "1Mi" or "512KB"
// populate a bytesize.ByteSize field the same way
// StringToTimeDurationHookFunc lets "30s" populate a time.Duration one.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		return bytesize.ParseByteSize(data.(string))
	}
}

func defaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "shvbroker")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "shvbroker")
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), "shvbroker.yaml")
}
