// Package config loads layercake settings from a yaml file and the
// environment.
//
// Environment variables use the LAYERCAKE_ prefix, with a double underscore
// separating nested keys: LAYERCAKE_UPLOAD__MAX_NUMBER_FIELDS=50 overrides
// upload.max_number_fields. Environment values take priority over the file.
package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/augustoroman/layercake"
	"github.com/augustoroman/layercake/coop"
	"github.com/augustoroman/layercake/db"
)

const EnvPrefix = "LAYERCAKE_"

type Config struct {
	Debug               bool   `koanf:"debug"`
	PropagateExceptions bool   `koanf:"propagate_exceptions"`
	Async               bool   `koanf:"async"`
	RootURLConf         string `koanf:"root_urlconf"`
	// Middleware names the registered stages, outermost first.
	Middleware []string                  `koanf:"middleware"`
	Workers    int                       `koanf:"workers"`
	Upload     UploadConfig              `koanf:"upload"`
	Databases  map[string]DatabaseConfig `koanf:"databases"`
	Server     ServerConfig              `koanf:"server"`
}

// UploadConfig bounds request bodies. A value of zero or less disables the
// corresponding check.
type UploadConfig struct {
	MaxMemorySize   int64 `koanf:"max_memory_size"`
	MaxNumberFields int   `koanf:"max_number_fields"`
	MaxNumberFiles  int   `koanf:"max_number_files"`
}

type DatabaseConfig struct {
	Driver         string `koanf:"driver"`
	DSN            string `koanf:"dsn"`
	AtomicRequests bool   `koanf:"atomic_requests"`
}

type ServerConfig struct {
	Addr string `koanf:"addr"`
}

// Load reads the yaml file at path (if it exists; an empty path skips it),
// then the environment, and fills in defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	defaults := map[string]any{
		"server.addr":              ":8080",
		"upload.max_memory_size":   layercake.DefaultLimits.MaxMemorySize,
		"upload.max_number_fields": layercake.DefaultLimits.MaxNumberFields,
		"upload.max_number_files":  layercake.DefaultLimits.MaxNumberFiles,
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Mode is the pipeline's execution mode.
func (c *Config) Mode() coop.Mode {
	if c.Async {
		return coop.Cooperative
	}
	return coop.Blocking
}

func (c *Config) Limits() layercake.Limits {
	return layercake.Limits{
		MaxMemorySize:   c.Upload.MaxMemorySize,
		MaxNumberFields: c.Upload.MaxNumberFields,
		MaxNumberFiles:  c.Upload.MaxNumberFiles,
	}
}

func (c *Config) DatabaseSettings() map[string]db.Settings {
	settings := make(map[string]db.Settings, len(c.Databases))
	for alias, d := range c.Databases {
		settings[alias] = db.Settings{Driver: d.Driver, DSN: d.DSN, AtomicRequests: d.AtomicRequests}
	}
	return settings
}

// Options returns the pipeline options the settings determine.
func (c *Config) Options() layercake.Options {
	limits := c.Limits()
	return layercake.Options{
		Debug:               c.Debug,
		PropagateExceptions: c.PropagateExceptions,
		RootURLConf:         c.RootURLConf,
		Limits:              &limits,
		Pool:                coop.NewPool(c.Workers),
	}
}
