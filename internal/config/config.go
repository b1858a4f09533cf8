// Package config layers permview configuration from defaults, the
// config file, environment variables, and CLI flags.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Host       string   `json:"host"`
	Port       int      `json:"port"`
	DataDir    string   `json:"data_dir"`
	EventsDirs []string `json:"events_dirs,omitempty"`
	Locale     string   `json:"locale,omitempty"`

	DBPath       string        `json:"-"`
	StatePath    string        `json:"-"`
	WriteTimeout time.Duration `json:"-"`

	// InitialGroup seeds the permission group filter on launch.
	InitialGroup string `json:"-"`
	// MinWindow picks the default time window: the smallest catalog
	// window at least this long.
	MinWindow time.Duration `json:"-"`
}

// Default returns a Config with default values.
func Default() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, fmt.Errorf("determining home directory: %w", err)
	}
	dataDir := filepath.Join(home, ".permview")
	return Config{
		Host:         "127.0.0.1",
		Port:         8090,
		DataDir:      dataDir,
		EventsDirs:   []string{filepath.Join(dataDir, "events")},
		Locale:       "en",
		WriteTimeout: 30 * time.Second,
	}, nil
}

// Load builds a Config by layering: defaults < env < config file <
// flags. The provided FlagSet must already be parsed by the caller;
// only flags that were explicitly set override the lower layers.
func Load(fs *flag.FlagSet) (Config, error) {
	cfg, err := Default()
	if err != nil {
		return cfg, err
	}
	envEvents := cfg.loadEnv()

	if err := cfg.loadFile(envEvents); err != nil {
		return cfg, fmt.Errorf("loading config file: %w", err)
	}
	applyFlags(&cfg, fs)

	cfg.DBPath = filepath.Join(cfg.DataDir, "usage.db")
	cfg.StatePath = filepath.Join(cfg.DataDir, "view_state.json")
	return cfg, nil
}

func (c *Config) configPath() string {
	return filepath.Join(c.DataDir, "config.json")
}

// loadEnv applies environment overrides. Returns true when the
// events dirs came from the environment, which then outranks the
// config file.
func (c *Config) loadEnv() bool {
	if v := os.Getenv("PERMVIEW_DATA_DIR"); v != "" {
		c.DataDir = v
		c.EventsDirs = []string{filepath.Join(v, "events")}
	}
	fromEnv := false
	if v := os.Getenv("PERMVIEW_EVENTS_DIR"); v != "" {
		c.EventsDirs = strings.Split(v, string(os.PathListSeparator))
		fromEnv = true
	}
	return fromEnv
}

func (c *Config) loadFile(envEvents bool) error {
	data, err := os.ReadFile(c.configPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var file struct {
		Host       string   `json:"host"`
		Port       int      `json:"port"`
		EventsDirs []string `json:"events_dirs"`
		Locale     string   `json:"locale"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if file.Host != "" {
		c.Host = file.Host
	}
	if file.Port != 0 {
		c.Port = file.Port
	}
	if len(file.EventsDirs) > 0 && !envEvents {
		c.EventsDirs = file.EventsDirs
	}
	if file.Locale != "" {
		c.Locale = file.Locale
	}
	return nil
}

// RegisterServeFlags registers serve-command flags on fs. The caller
// must call fs.Parse before passing fs to Load.
func RegisterServeFlags(fs *flag.FlagSet) {
	fs.String("host", "127.0.0.1", "Host to bind to")
	fs.Int("port", 8090, "Port to listen on")
	fs.String("group", "", "Initial permission group filter")
	fs.Duration(
		"min-window", 0,
		"Smallest recency window to select by default",
	)
}

// applyFlags copies explicitly-set flags from fs into cfg.
func applyFlags(cfg *Config, fs *flag.FlagSet) {
	if fs == nil {
		return
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = f.Value.String()
		case "port":
			// flag already validated the int; ignore parse error
			cfg.Port, _ = strconv.Atoi(f.Value.String())
		case "group":
			cfg.InitialGroup = f.Value.String()
		case "min-window":
			cfg.MinWindow, _ = time.ParseDuration(f.Value.String())
		}
	})
}
