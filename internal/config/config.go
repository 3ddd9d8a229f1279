// Package config loads the router settings from a TOML file and RABBIT_*
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"

	"github.com/53js/rabbit"
)

// File is the resolved router configuration. Environment variables win over
// the file, which wins over the defaults.
type File struct {
	Path             string        `env:"RABBIT_PATH"`
	AutoCreateRealms bool          `env:"RABBIT_AUTO_CREATE_REALMS"`
	Port             int           `env:"RABBIT_PORT"`
	Log              string        `env:"RABBIT_LOG"`
	GoodbyeTimeout   time.Duration `env:"RABBIT_GOODBYE_TIMEOUT"`
	Realms           []string      `env:"RABBIT_REALMS" envSeparator:","`
	RawSocketAddr    string        `env:"RABBIT_RAW_SOCKET"`
	RandomIDs        bool          `env:"RABBIT_RANDOM_IDS"`
}

type fileConfig struct {
	Path             string   `toml:"path"`
	AutoCreateRealms bool     `toml:"auto_create_realms"`
	Port             int      `toml:"port"`
	Log              string   `toml:"log"`
	GoodbyeTimeout   string   `toml:"goodbye_timeout"`
	Realms           []string `toml:"realms"`
	RawSocketAddr    string   `toml:"raw_socket"`
	RandomIDs        bool     `toml:"random_ids"`
}

// Default mirrors rabbit.DefaultConfig.
func Default() File {
	d := rabbit.DefaultConfig()
	return File{
		Path:             d.Path,
		AutoCreateRealms: d.AutoCreateRealms,
		GoodbyeTimeout:   d.GoodbyeTimeout,
	}
}

// Load reads path, when given, then the environment, and validates the result.
func Load(path string) (File, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = loadFile(path, cfg); err != nil {
			return File{}, err
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return File{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return File{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg File) (File, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return File{}, fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("path") {
		cfg.Path = strings.TrimSpace(raw.Path)
	}
	if meta.IsDefined("auto_create_realms") {
		cfg.AutoCreateRealms = raw.AutoCreateRealms
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("log") {
		cfg.Log = strings.TrimSpace(raw.Log)
	}
	if meta.IsDefined("goodbye_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.GoodbyeTimeout))
		if err != nil {
			return File{}, fmt.Errorf("parse goodbye_timeout: %w", err)
		}
		cfg.GoodbyeTimeout = d
	}
	if meta.IsDefined("realms") {
		cfg.Realms = normalizeRealms(raw.Realms)
	}
	if meta.IsDefined("raw_socket") {
		cfg.RawSocketAddr = strings.TrimSpace(raw.RawSocketAddr)
	}
	if meta.IsDefined("random_ids") {
		cfg.RandomIDs = raw.RandomIDs
	}
	return cfg, nil
}

func normalizeRealms(in []string) []string {
	out := make([]string, 0, len(in))
	for _, realm := range in {
		v := strings.TrimSpace(realm)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Validate rejects settings the router cannot start with.
func (c File) Validate() error {
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("path %q must start with /", c.Path)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.GoodbyeTimeout <= 0 {
		return fmt.Errorf("goodbye timeout must be positive, got %s", c.GoodbyeTimeout)
	}
	if c.Log != "" {
		if _, err := zerolog.ParseLevel(c.Log); err != nil {
			return fmt.Errorf("log level: %w", err)
		}
	}
	for _, realm := range c.Realms {
		if strings.TrimSpace(realm) == "" {
			return fmt.Errorf("empty realm name")
		}
	}
	return nil
}

// RouterConfig converts the file into a rabbit.Config.
func (c File) RouterConfig() *rabbit.Config {
	cfg := &rabbit.Config{
		Path:             c.Path,
		AutoCreateRealms: c.AutoCreateRealms,
		Port:             c.Port,
		Log:              c.Log,
		GoodbyeTimeout:   c.GoodbyeTimeout,
		RawSocketAddr:    c.RawSocketAddr,
	}
	for _, realm := range c.Realms {
		cfg.Realms = append(cfg.Realms, rabbit.URI(realm))
	}
	if c.RandomIDs {
		cfg.IDs = rabbit.NewRandomIDs()
	}
	return cfg
}
