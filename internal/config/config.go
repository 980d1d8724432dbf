// Package config loads voicecord settings from config.toml in the data
// directory.
//
// A missing file means defaults. Values are validated once at load time;
// derived values (the ledger zone, the backup clock) are cached on the
// returned [Config] so callers never re-parse them.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/bmatcuk/doublestar/v4"

	"tools.zach/dev/voicecord"
	"tools.zach/dev/voicecord/internal/atomicfile"
	"tools.zach/dev/voicecord/internal/logger"
	"tools.zach/dev/voicecord/internal/migrate"
	"tools.zach/dev/voicecord/internal/paths"
)

// EnvToken overrides discord.token when set.
const EnvToken = "VOICECORD_TOKEN"

// Storage backends accepted by ledger.backend.
const (
	BackendFile  = "file"
	BackendRedis = "redis"
)

// ///////////////////////////////////////////////
// Configuration Types
// ///////////////////////////////////////////////

// Config is the top-level configuration.
type Config struct {
	// Version is the config schema version used for migrations.
	Version int `toml:"version"`
	// Discord holds bot connection and command settings.
	Discord DiscordConfig `toml:"discord"`
	// Ledger holds storage and timezone settings.
	Ledger LedgerConfig `toml:"ledger"`
	// Backup holds the daily archive schedule.
	Backup BackupConfig `toml:"backup"`
	// Redis is used when Ledger.Backend is "redis".
	Redis RedisConfig `toml:"redis"`
	// Tracking filters which voice channels are recorded.
	Tracking TrackingConfig `toml:"tracking"`
	// Log holds logging settings.
	Log LogConfig `toml:"log"`

	loc          *time.Location
	backupHour   int
	backupMinute int
}

// DiscordConfig holds bot connection and command settings.
type DiscordConfig struct {
	// Token is the bot token, without the "Bot " prefix.
	Token string `toml:"token"`
	// CommandPrefix starts every chat command.
	CommandPrefix string `toml:"command_prefix"`
	// CommandChannel restricts commands to text channels with this name.
	// Empty accepts commands anywhere.
	CommandChannel string `toml:"command_channel"`
	// AdminRole names the role allowed to clear history and force a backup.
	// Empty leaves those commands to the server owner and administrators.
	AdminRole string `toml:"admin_role"`
}

// LedgerConfig holds storage and timezone settings.
type LedgerConfig struct {
	// Timezone is the IANA zone used for timestamps, "today" and backups.
	Timezone string `toml:"timezone"`
	// Backend selects the store: "file" or "redis".
	Backend string `toml:"backend"`
	// StoreFile overrides the live ledger path for the file backend.
	StoreFile string `toml:"store_file"`
}

// BackupConfig holds the daily archive schedule.
type BackupConfig struct {
	// Time is the daily backup time as HH:MM in the ledger timezone.
	Time string `toml:"time"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr      string `toml:"addr"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
}

// TrackingConfig filters recorded channels.
type TrackingConfig struct {
	// IgnoreChannels holds doublestar patterns matched against voice
	// channel names. Matching channels are treated as "not in voice".
	IgnoreChannels []string `toml:"ignore_channels"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	Level string `toml:"level"`
	// MaxSizeMB is the log file size that triggers rotation.
	MaxSizeMB int `toml:"max_size_mb"`
	// Console mirrors log lines to stderr.
	Console bool `toml:"console"`
}

// ///////////////////////////////////////////////
// Defaults
// ///////////////////////////////////////////////

// DefaultConfig returns the built-in defaults, already validated.
func DefaultConfig() *Config {
	c := &Config{
		Version: migrate.Config.CurrentVersion,
		Discord: DiscordConfig{
			CommandPrefix: "!",
		},
		Ledger: LedgerConfig{
			Timezone: "UTC",
			Backend:  BackendFile,
		},
		Backup: BackupConfig{
			Time: "00:00",
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "voicecord:",
		},
		Tracking: TrackingConfig{
			IgnoreChannels: []string{},
		},
		Log: LogConfig{
			Level:     "info",
			MaxSizeMB: 10,
			Console:   true,
		},
	}
	if err := c.Validate(); err != nil {
		panic("config: invalid defaults: " + err.Error())
	}
	return c
}

// ///////////////////////////////////////////////
// Loading and Saving
// ///////////////////////////////////////////////

// PeekVersion reads the version key from raw TOML. Missing or zero means 1.
func PeekVersion(data []byte) int {
	var v struct {
		Version int `toml:"version"`
	}
	if _, err := toml.Decode(string(data), &v); err != nil || v.Version == 0 {
		return 1
	}
	return v.Version
}

// Load reads <dataDir>/config.toml over the defaults, applies the token
// environment override and validates the result.
func Load(dataDir string) (*Config, error) {
	path := paths.DataDir{Root: dataDir}.Config()

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Debug("no config file, using defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	default:
		if data, err = upgrade(path, data); err != nil {
			return nil, err
		}
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		for _, key := range md.Undecoded() {
			slog.Warn("unknown config key ignored", "key", key.String())
		}
	}

	if tok := os.Getenv(EnvToken); tok != "" {
		cfg.Discord.Token = tok
	}
	cfg.Version = migrate.Config.CurrentVersion
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// upgrade migrates an old config file in place, keeping a .bak copy.
func upgrade(path string, data []byte) ([]byte, error) {
	version := PeekVersion(data)
	if !migrate.Config.Pending(version) && version <= migrate.Config.CurrentVersion {
		return data, nil
	}
	if err := atomicfile.Write(path+".bak", data, 0o600); err != nil {
		slog.Warn("failed to write config backup", "error", err)
	}
	out, _, err := migrate.Config.Upgrade(data, version)
	if err != nil {
		return nil, fmt.Errorf("migrate config: %w", err)
	}
	if err := atomicfile.Write(path, out, 0o600); err != nil {
		slog.Warn("failed to save migrated config", "error", err)
	}
	return out, nil
}

// EnsureDefault writes the commented default config to <dataDir>/config.toml
// if no config exists yet. It reports whether a file was written.
func EnsureDefault(dataDir string) (bool, error) {
	path := paths.DataDir{Root: dataDir}.Config()
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("stat config: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return false, fmt.Errorf("create data directory: %w", err)
	}
	if err := atomicfile.Write(path, voicecord.DefaultConfigTOML, 0o600); err != nil {
		return false, fmt.Errorf("write default config: %w", err)
	}
	return true, nil
}

// Save writes the config as TOML. The token is written as-is, so the file
// keeps 0600 permissions.
func (c *Config) Save(path string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return atomicfile.Write(path, buf.Bytes(), 0o600)
}

// ///////////////////////////////////////////////
// Validation
// ///////////////////////////////////////////////

// Validate checks every value and caches the derived zone and backup time.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Discord.CommandPrefix) == "" {
		return errors.New("discord.command_prefix must not be empty")
	}

	loc, err := time.LoadLocation(c.Ledger.Timezone)
	if err != nil {
		return fmt.Errorf("invalid ledger.timezone %q: %w", c.Ledger.Timezone, err)
	}

	switch c.Ledger.Backend {
	case BackendFile:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis.addr is required when ledger.backend is redis")
		}
	default:
		return fmt.Errorf("invalid ledger.backend %q: must be file or redis", c.Ledger.Backend)
	}

	hour, minute, err := parseClock(c.Backup.Time)
	if err != nil {
		return fmt.Errorf("invalid backup.time %q: %w", c.Backup.Time, err)
	}

	if c.Redis.DB < 0 {
		return fmt.Errorf("redis.db must be >= 0, got %d", c.Redis.DB)
	}

	for _, p := range c.Tracking.IgnoreChannels {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid tracking.ignore_channels pattern %q", p)
		}
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log.level: %w", err)
	}
	if c.Log.MaxSizeMB <= 0 {
		return fmt.Errorf("log.max_size_mb must be > 0, got %d", c.Log.MaxSizeMB)
	}

	c.loc, c.backupHour, c.backupMinute = loc, hour, minute
	return nil
}

// parseClock parses a 24-hour HH:MM time of day.
func parseClock(s string) (int, int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, errors.New("want HH:MM")
	}
	return t.Hour(), t.Minute(), nil
}

// ///////////////////////////////////////////////
// Derived Values
// ///////////////////////////////////////////////

// Location returns the ledger zone. Valid only after [Config.Validate].
func (c *Config) Location() *time.Location {
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}

// BackupClock returns the daily backup hour and minute.
func (c *Config) BackupClock() (hour, minute int) {
	return c.backupHour, c.backupMinute
}

// StorePath returns the live ledger file for the file backend.
func (c *Config) StorePath(dir paths.DataDir) string {
	if c.Ledger.StoreFile != "" {
		return c.Ledger.StoreFile
	}
	return dir.Store()
}

// IsIgnoredChannel reports whether a voice channel name matches any
// tracking.ignore_channels pattern.
func (c *Config) IsIgnoredChannel(name string) bool {
	for _, pattern := range c.Tracking.IgnoreChannels {
		matched, err := doublestar.Match(pattern, name)
		if err != nil {
			slog.Warn("invalid glob pattern", "pattern", pattern, "error", err)
			continue
		}
		if matched {
			return true
		}
	}
	return false
}
