// Package config loads flowboard settings from, in increasing precedence,
// built-in defaults, a TOML file, a .env file, FLOWBOARD_* environment
// variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/pflag"

	"github.com/rmax-ai/flowboard/pkg/logging"
	"github.com/rmax-ai/flowboard/pkg/session"
	"github.com/rmax-ai/flowboard/pkg/store"
)

// EnvPrefix prefixes every environment variable, e.g. FLOWBOARD_ADDR.
const EnvPrefix = "FLOWBOARD"

const DefaultAddr = "127.0.0.1:8090"

// Config holds the settings shared by the flowboard commands.
type Config struct {
	Addr        string         `toml:"addr" envconfig:"ADDR"`
	Room        string         `toml:"room" envconfig:"ROOM"`
	UserID      string         `toml:"user_id" envconfig:"USER_ID"`
	Debounce    time.Duration  `toml:"debounce" envconfig:"DEBOUNCE"`
	MaxWait     time.Duration  `toml:"max_wait" envconfig:"MAX_WAIT"`
	RedisURL    string         `toml:"redis_url" envconfig:"REDIS_URL"`
	APIURL      string         `toml:"api_url" envconfig:"API_URL"`
	JournalPath string         `toml:"journal_path" envconfig:"JOURNAL_PATH"`
	SeedPath    string         `toml:"seed_path" envconfig:"SEED_PATH"`
	Log         logging.Config `toml:"log" envconfig:"LOG"`
}

// Default returns the built-in configuration. UserID is left empty and filled
// with a random id by Load.
func Default() Config {
	return Config{
		Addr:     DefaultAddr,
		Room:     store.DefaultRoom,
		Debounce: session.DefaultDebounce,
		MaxWait:  5 * session.DefaultDebounce,
		Log:      logging.Default(),
	}
}

// Options points Load at its sources. Empty paths are skipped; a missing
// EnvFile is not an error, a missing File is.
type Options struct {
	File    string
	EnvFile string
	Flags   *pflag.FlagSet
}

// Load resolves the configuration and validates it.
func Load(opts Options) (Config, error) {
	cfg := Default()

	if opts.File != "" {
		if _, err := toml.DecodeFile(opts.File, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", opts.File, err)
		}
	}

	if opts.EnvFile != "" {
		// godotenv never overrides variables that are already set.
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to read env file %s: %w", opts.EnvFile, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("error processing environment configuration: %w", err)
	}

	if opts.Flags != nil {
		if err := applyFlags(opts.Flags, &cfg); err != nil {
			return Config{}, err
		}
	}

	if strings.TrimSpace(cfg.UserID) == "" {
		cfg.UserID = session.RandomUserID()
	}

	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, fmt.Errorf("failed to get cwd: %w", err)
	}
	cfg.JournalPath = resolvePath(cfg.JournalPath, cwd)
	cfg.SeedPath = resolvePath(cfg.SeedPath, cwd)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// RegisterFlags adds the configuration flags to fs with the built-in
// defaults. Only flags the user sets override the other layers.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("addr", d.Addr, "HTTP listen address")
	fs.String("room", d.Room, "collaboration room")
	fs.String("user-id", "", "replica user id (random when empty)")
	fs.Duration("debounce", d.Debounce, "broadcast debounce interval")
	fs.Duration("max-wait", d.MaxWait, "longest a local change waits for broadcast (0 disables)")
	fs.String("redis-url", "", "redis:// URL of the relay (in-process relay when empty)")
	fs.String("api-url", "", "daemon API to catch up from when joining a room (disabled when empty)")
	fs.String("journal", "", "path to the SQLite envelope journal (disabled when empty)")
	fs.String("seed", "", "path to a YAML seed diagram")
	fs.String("log-level", d.Log.Level, "log level: trace|debug|info|warn|error")
	fs.String("log-format", d.Log.Format, "log format: json|console")
	fs.String("log-output", d.Log.Output, "log output: stdout|stderr")
}

func applyFlags(fs *pflag.FlagSet, cfg *Config) error {
	strs := map[string]*string{
		"addr":       &cfg.Addr,
		"room":       &cfg.Room,
		"user-id":    &cfg.UserID,
		"redis-url":  &cfg.RedisURL,
		"api-url":    &cfg.APIURL,
		"journal":    &cfg.JournalPath,
		"seed":       &cfg.SeedPath,
		"log-level":  &cfg.Log.Level,
		"log-format": &cfg.Log.Format,
		"log-output": &cfg.Log.Output,
	}
	for name, dst := range strs {
		if fs.Lookup(name) == nil || !fs.Changed(name) {
			continue
		}
		v, err := fs.GetString(name)
		if err != nil {
			return fmt.Errorf("invalid --%s: %w", name, err)
		}
		*dst = v
	}

	durations := map[string]*time.Duration{
		"debounce": &cfg.Debounce,
		"max-wait": &cfg.MaxWait,
	}
	for name, dst := range durations {
		if fs.Lookup(name) == nil || !fs.Changed(name) {
			continue
		}
		v, err := fs.GetDuration(name)
		if err != nil {
			return fmt.Errorf("invalid --%s: %w", name, err)
		}
		*dst = v
	}
	return nil
}

// Validate checks the resolved configuration.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return errors.New("addr cannot be empty")
	}
	if strings.TrimSpace(c.Room) == "" {
		return errors.New("room cannot be empty")
	}
	if c.Debounce <= 0 {
		return fmt.Errorf("debounce must be positive: %s", c.Debounce)
	}
	if c.MaxWait < 0 {
		return fmt.Errorf("max_wait must not be negative: %s", c.MaxWait)
	}
	if c.MaxWait > 0 && c.MaxWait < c.Debounce {
		return fmt.Errorf("max_wait %s is shorter than debounce %s", c.MaxWait, c.Debounce)
	}
	if c.RedisURL != "" {
		u, err := url.Parse(c.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid redis_url: %w", err)
		}
		if u.Scheme != "redis" && u.Scheme != "rediss" {
			return fmt.Errorf("unsupported redis_url scheme: %s", u.Scheme)
		}
	}
	if c.APIURL != "" {
		u, err := url.Parse(c.APIURL)
		if err != nil {
			return fmt.Errorf("invalid api_url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("unsupported api_url scheme: %s", u.Scheme)
		}
	}
	if err := c.Log.Validate(); err != nil {
		return err
	}
	return nil
}

// Session returns the replica session described by c.
func (c Config) Session() session.Session {
	return session.Session{UserID: c.UserID, Debounce: c.Debounce}
}

func resolvePath(path string, cwd string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Join(cwd, trimmed)
}
