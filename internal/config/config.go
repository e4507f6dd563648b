package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Config is the root configuration for mediahelper.
type Config struct {
	General    GeneralConfig    `json:"general"`
	Storage    StorageConfig    `json:"storage"`
	Retrieval  RetrievalConfig  `json:"retrieval"`
	Transcode  TranscodeConfig  `json:"transcode"`
	Downloader DownloaderConfig `json:"downloader"`
	RapidAPI   RapidAPIConfig   `json:"rapidApi"`
	Browser    BrowserConfig    `json:"browser"`
	Channels   ChannelsConfig   `json:"channels"`
	History    HistoryConfig    `json:"history"`
	Metrics    MetricsConfig    `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel  string `json:"logLevel"`
	LogFormat string `json:"logFormat"` // "auto" | "text" | "json"
	LogFile   string `json:"logFile"`   // optional log file path
	// Host is the public base URL that serves the download directory.
	Host string `json:"host"`
}

type StorageConfig struct {
	DownloadDir string `json:"downloadDir"`
	TmpDir      string `json:"tmpDir"`
	MaxFileSize string `json:"maxFileSize"` // e.g. "100MB"
	StaleAfter  string `json:"staleAfter"`  // age at which staging leftovers are pruned
}

type RetrievalConfig struct {
	MaxUserQueueSize   int    `json:"maxUserQueueSize"`
	CacheTTL           string `json:"cacheTTL"`
	CacheSweepInterval string `json:"cacheSweepInterval"`
	HTTPTimeout        string `json:"httpTimeout"` // API calls and page fetches, not media downloads
	ServicesFile       string `json:"servicesFile"`
}

type TranscodeConfig struct {
	Bin            string `json:"bin"`
	Timeout        string `json:"timeout"`
	MaxConcurrency int    `json:"maxConcurrency"`
}

type DownloaderConfig struct {
	Bin     string `json:"bin"`
	Timeout string `json:"timeout"`
}

type RapidAPIConfig struct {
	Key                string `json:"key"`
	InstagramPerMinute int    `json:"instagramPerMinute"`
	AutolinkPerSecond  int    `json:"autolinkPerSecond"`
}

type BrowserConfig struct {
	Enabled    bool   `json:"enabled"`
	Headless   bool   `json:"headless"`
	ProfileDir string `json:"profileDir"`
}

type ChannelsConfig struct {
	Discord  DiscordConfig  `json:"discord"`
	Telegram TelegramConfig `json:"telegram"`
	HTTP     HTTPConfig     `json:"http"`
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	GuildID string `json:"guildId"` // optional: restrict to specific guild
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	AllowFrom FlexStringList `json:"allowFrom"`
}

// HTTPConfig configures the JSON retrieval API. The same listener serves
// the event feed and metrics when those are enabled.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen"`
	Path    string `json:"path"`
	Secret  string `json:"secret"` // HMAC-SHA256 key for X-Signature-256
	Events  bool   `json:"events"` // expose the WebSocket event feed at /events
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

type HistoryConfig struct {
	Enabled bool   `json:"enabled"`
	DBPath  string `json:"dbPath"`
}

// MetricsConfig configures the Prometheus text endpoint on the HTTP listener.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// EnvConfigPath overrides the default config location.
const EnvConfigPath = "MEDIAHELPER_CONFIG"

// DefaultConfigDir returns the default config directory (~/.mediahelper).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mediahelper"
	}
	return filepath.Join(home, ".mediahelper")
}

func DefaultConfigPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return ExpandPath(p)
	}
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	cfg.expandPaths()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// LoadOrDefaults loads path, or returns the defaults when the file does not
// exist. The boolean reports whether a file was read.
func LoadOrDefaults(path string) (*Config, bool, error) {
	if _, err := os.Stat(ExpandPath(path)); errors.Is(err, fs.ErrNotExist) {
		cfg := Defaults()
		cfg.expandPaths()
		return cfg, false, nil
	}
	cfg, err := Load(path)
	return cfg, err == nil, err
}

func (c *Config) expandPaths() {
	c.General.LogFile = ExpandPath(c.General.LogFile)
	c.Storage.DownloadDir = ExpandPath(c.Storage.DownloadDir)
	c.Storage.TmpDir = ExpandPath(c.Storage.TmpDir)
	c.Retrieval.ServicesFile = ExpandPath(c.Retrieval.ServicesFile)
	c.Browser.ProfileDir = ExpandPath(c.Browser.ProfileDir)
	c.History.DBPath = ExpandPath(c.History.DBPath)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty. A reference
// with no value and no default is left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, ok := os.LookupEnv(groups[1])
		if !ok || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	// Tokens live in here.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "", "auto", "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: auto, text, json")
	}

	if cfg.Storage.DownloadDir == "" {
		errs = append(errs, "storage.downloadDir is required")
	}
	if cfg.Storage.TmpDir == "" {
		errs = append(errs, "storage.tmpDir is required")
	}
	if _, err := humanize.ParseBytes(cfg.Storage.MaxFileSize); err != nil {
		errs = append(errs, fmt.Sprintf("storage.maxFileSize: %v", err))
	}

	durations := map[string]string{
		"storage.staleAfter":           cfg.Storage.StaleAfter,
		"retrieval.cacheTTL":           cfg.Retrieval.CacheTTL,
		"retrieval.cacheSweepInterval": cfg.Retrieval.CacheSweepInterval,
		"retrieval.httpTimeout":        cfg.Retrieval.HTTPTimeout,
		"transcode.timeout":            cfg.Transcode.Timeout,
		"downloader.timeout":           cfg.Downloader.Timeout,
	}
	for _, name := range sortedKeys(durations) {
		if d, err := time.ParseDuration(durations[name]); err != nil || d <= 0 {
			errs = append(errs, fmt.Sprintf("%s must be a positive duration like \"5m\"", name))
		}
	}

	if cfg.Retrieval.MaxUserQueueSize < 1 {
		errs = append(errs, "retrieval.maxUserQueueSize must be >= 1")
	}
	if cfg.Transcode.MaxConcurrency < 1 || cfg.Transcode.MaxConcurrency > 64 {
		errs = append(errs, "transcode.maxConcurrency must be between 1 and 64")
	}
	if cfg.RapidAPI.InstagramPerMinute < 1 {
		errs = append(errs, "rapidApi.instagramPerMinute must be >= 1")
	}
	if cfg.RapidAPI.AutolinkPerSecond < 1 {
		errs = append(errs, "rapidApi.autolinkPerSecond must be >= 1")
	}

	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token == "" {
		errs = append(errs, "channels.discord.token is required when discord is enabled")
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		errs = append(errs, "channels.telegram.token is required when telegram is enabled")
	}
	if cfg.HTTPServerEnabled() && cfg.Channels.HTTP.Listen == "" {
		errs = append(errs, "channels.http.listen is required")
	}
	if cfg.Channels.HTTP.Path != "" && !strings.HasPrefix(cfg.Channels.HTTP.Path, "/") {
		errs = append(errs, "channels.http.path must start with /")
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}
	if cfg.History.Enabled && cfg.History.DBPath == "" {
		errs = append(errs, "history.dbPath is required when history is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// HTTPServerEnabled reports whether anything needs the HTTP listener.
func (c *Config) HTTPServerEnabled() bool {
	return c.Channels.HTTP.Enabled || c.Channels.HTTP.Events || c.Metrics.Enabled
}

// MaxFileSizeBytes returns storage.maxFileSize in bytes, 0 when unparsable.
func (c *Config) MaxFileSizeBytes() int64 {
	n, err := humanize.ParseBytes(c.Storage.MaxFileSize)
	if err != nil {
		return 0
	}
	return int64(n)
}

// Duration parses one of the duration fields. Validate has already
// rejected bad values, so failures fall back to zero and let the
// consumer apply its own default.
func Duration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
