package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"teamchat/internal/presence"
)

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Duration reads "15s" style values from TOML and plain numbers as seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := parseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(raw)
}

// Config is the whole runtime configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Client   ClientConfig   `toml:"client"`
	Presence PresenceConfig `toml:"presence"`
	Log      LogConfig      `toml:"log"`
}

// ServerConfig defines how the HTTP/WebSocket backend should run.
type ServerConfig struct {
	Addr   string `toml:"addr"`
	DBPath string `toml:"db_path"`
	// Backend picks where documents live: "sqlite" (default) or "redis".
	// Accounts and sessions always stay in SQLite.
	Backend      string   `toml:"backend"`
	RedisURL     string   `toml:"redis_url"`
	RedisPrefix  string   `toml:"redis_prefix"`
	AllowGuest   bool     `toml:"allow_guest"`
	TokenTTL     Duration `toml:"token_ttl"`
	SessionSweep Duration `toml:"session_sweep"`
}

// ClientConfig defines the parameters the TUI client needs.
type ClientConfig struct {
	ServerURL      string   `toml:"server_url"`
	SessionPath    string   `toml:"session_path"`
	ReconnectDelay Duration `toml:"reconnect_delay"`
}

type PresenceConfig struct {
	OnlineThreshold   Duration `toml:"online_threshold"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	PollInterval      Duration `toml:"poll_interval"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	// File receives client logs; the TUI owns the terminal.
	File string `toml:"file"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:         ":8080",
			Backend:      BackendSQLite,
			RedisPrefix:  "teamchat",
			AllowGuest:   true,
			TokenTTL:     Duration{24 * time.Hour},
			SessionSweep: Duration{10 * time.Minute},
		},
		Client: ClientConfig{
			ServerURL:      "http://localhost:8080",
			ReconnectDelay: Duration{2 * time.Second},
		},
		Presence: PresenceConfig{
			OnlineThreshold:   Duration{presence.DefaultOnlineThreshold},
			HeartbeatInterval: Duration{presence.DefaultHeartbeatInterval},
			PollInterval:      Duration{presence.DefaultPollInterval},
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration: defaults, then the TOML file, then .env and
// the process environment. An empty path means DefaultConfigPath, which may
// be missing; an explicit path must exist.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := LoadDotEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDotEnv loads .env files into the environment without overriding
// variables that are already set. Missing files are fine.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overlays TEAMCHAT_* variables.
func (c *Config) ApplyEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("TEAMCHAT_ADDR", &c.Server.Addr)
	str("TEAMCHAT_DB_PATH", &c.Server.DBPath)
	str("TEAMCHAT_BACKEND", &c.Server.Backend)
	str("TEAMCHAT_REDIS_URL", &c.Server.RedisURL)
	str("TEAMCHAT_REDIS_PREFIX", &c.Server.RedisPrefix)
	str("TEAMCHAT_SERVER", &c.Client.ServerURL)
	str("TEAMCHAT_SESSION_PATH", &c.Client.SessionPath)
	str("TEAMCHAT_LOG_LEVEL", &c.Log.Level)
	str("TEAMCHAT_LOG_FORMAT", &c.Log.Format)
	str("TEAMCHAT_LOG_FILE", &c.Log.File)

	if v := os.Getenv("TEAMCHAT_ALLOW_GUEST"); v != "" {
		allow, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("TEAMCHAT_ALLOW_GUEST: %w", err)
		}
		c.Server.AllowGuest = allow
	}

	durations := []struct {
		key string
		dst *Duration
	}{
		{"TEAMCHAT_TOKEN_TTL", &c.Server.TokenTTL},
		{"TEAMCHAT_SESSION_SWEEP", &c.Server.SessionSweep},
		{"TEAMCHAT_RECONNECT_DELAY", &c.Client.ReconnectDelay},
		{"TEAMCHAT_ONLINE_THRESHOLD", &c.Presence.OnlineThreshold},
		{"TEAMCHAT_HEARTBEAT_INTERVAL", &c.Presence.HeartbeatInterval},
		{"TEAMCHAT_POLL_INTERVAL", &c.Presence.PollInterval},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		d.dst.Duration = parsed
	}
	return nil
}

// Validate rejects settings the components cannot run with.
func (c Config) Validate() error {
	switch c.Server.Backend {
	case BackendSQLite:
	case BackendRedis:
		if c.Server.RedisURL == "" {
			return errors.New("redis backend needs server.redis_url")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Server.Backend)
	}
	p := c.Presence
	if p.OnlineThreshold.Duration <= 0 || p.HeartbeatInterval.Duration <= 0 || p.PollInterval.Duration <= 0 {
		return errors.New("presence intervals must be positive")
	}
	if p.HeartbeatInterval.Duration >= p.OnlineThreshold.Duration {
		return fmt.Errorf("heartbeat interval %s must be shorter than the online threshold %s",
			p.HeartbeatInterval.Duration, p.OnlineThreshold.Duration)
	}
	return nil
}

// PresenceSettings converts the presence section for the tracker.
func (c Config) PresenceSettings() presence.Config {
	return presence.Config{
		OnlineThreshold:   c.Presence.OnlineThreshold.Duration,
		HeartbeatInterval: c.Presence.HeartbeatInterval.Duration,
		PollInterval:      c.Presence.PollInterval.Duration,
	}
}

// DefaultDataDir returns the per-user directory for the database and the
// saved session.
func DefaultDataDir() string {
	if env := os.Getenv("TEAMCHAT_DATA_DIR"); env != "" {
		return env
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "teamchat")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "TeamChat")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "TeamChat")
		}
		return filepath.Join(home, ".local", "share", "teamchat")
	}
	return filepath.Join(".", ".teamchat")
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("TEAMCHAT_DB_PATH"); env != "" {
		return env
	}
	return filepath.Join(DefaultDataDir(), "teamchat.db")
}

func DefaultSessionPath() string {
	return filepath.Join(DefaultDataDir(), "session.json")
}

// DefaultConfigPath returns $TEAMCHAT_CONFIG or teamchat.toml in the user
// config directory.
func DefaultConfigPath() string {
	if env := os.Getenv("TEAMCHAT_CONFIG"); env != "" {
		return env
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "teamchat", "teamchat.toml")
	}
	return "teamchat.toml"
}
