package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/sendloop/sendloop/errors"
)

// ConfigFileName is searched for from the working directory upward.
const ConfigFileName = "sendloop.toml"

// Load reads configuration from defaults, the nearest sendloop.toml and the
// environment.
func Load() (*Config, *viper.Viper, error) {
	v := NewViper()
	if path := findProjectConfig(); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
	}
	cfg, err := LoadWithViper(v)
	return cfg, v, err
}

// LoadFromFile loads configuration from a specific file path, still
// honouring environment overrides.
func LoadFromFile(configPath string) (*Config, *viper.Viper, error) {
	v := NewViper()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		return nil, nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	cfg, err := LoadWithViper(v)
	return cfg, v, err
}

// LoadWithViper loads and validates configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// NewViper returns a viper instance with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()

	// Set up environment variable binding
	v.SetEnvPrefix("SENDLOOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	BindSensitiveEnvVars(v)
	SetDefaults(v)

	return v
}

// findProjectConfig walks up the directory tree looking for sendloop.toml.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		path := filepath.Join(dir, ConfigFileName)
		if _, err := os.Stat(path); err == nil {
			return path
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}
