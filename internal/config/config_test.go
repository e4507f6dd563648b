package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// --- Validate ---

func TestValidate_Defaults(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_BadDurations(t *testing.T) {
	cfg := Defaults()
	cfg.Transcode.Timeout = "soon"
	cfg.Retrieval.CacheTTL = "-1h"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected duration errors")
	}
	for _, want := range []string{"transcode.timeout", "retrieval.cacheTTL"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s: %v", want, err)
		}
	}
}

func TestValidate_QueueAndConcurrencyBounds(t *testing.T) {
	cfg := Defaults()
	cfg.Retrieval.MaxUserQueueSize = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for maxUserQueueSize=0")
	}

	cfg = Defaults()
	cfg.Transcode.MaxConcurrency = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for maxConcurrency=0")
	}
	cfg.Transcode.MaxConcurrency = 64
	if err := Validate(cfg); err != nil {
		t.Fatalf("maxConcurrency=64 should be valid: %v", err)
	}
}

func TestValidate_MaxFileSize(t *testing.T) {
	cfg := Defaults()
	cfg.Storage.MaxFileSize = "lots"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unparsable size")
	}
	cfg.Storage.MaxFileSize = "25 MiB"
	if err := Validate(cfg); err != nil {
		t.Fatalf("25 MiB should be valid: %v", err)
	}
	if got := cfg.MaxFileSizeBytes(); got != 25<<20 {
		t.Fatalf("expected %d bytes, got %d", 25<<20, got)
	}
}

func TestValidate_EnabledChannelNeedsToken(t *testing.T) {
	cfg := Defaults()
	cfg.Channels.Discord.Enabled = true
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for discord without token")
	}
	cfg.Channels.Discord.Token = "abc"
	cfg.Channels.Telegram.Enabled = true
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for telegram without token")
	}
}

func TestValidate_LogSettings(t *testing.T) {
	cfg := Defaults()
	cfg.General.LogLevel = "verbose"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown log level")
	}
	cfg = Defaults()
	cfg.General.LogFormat = "xml"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown log format")
	}
}

func TestValidate_HTTPPaths(t *testing.T) {
	cfg := Defaults()
	cfg.Channels.HTTP.Path = "api"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for relative path")
	}
	cfg = Defaults()
	cfg.Metrics.Enabled = true
	cfg.Channels.HTTP.Listen = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("metrics need a listener")
	}
}

func TestHTTPServerEnabled(t *testing.T) {
	cfg := Defaults()
	if cfg.HTTPServerEnabled() {
		t.Fatal("nothing needs the listener by default")
	}
	cfg.Channels.HTTP.Events = true
	if !cfg.HTTPServerEnabled() {
		t.Fatal("event feed needs the listener")
	}
}

func TestDuration(t *testing.T) {
	if got := Duration("5m"); got != 5*time.Minute {
		t.Fatalf("expected 5m, got %v", got)
	}
	if got := Duration("nope"); got != 0 {
		t.Fatalf("expected zero for bad input, got %v", got)
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.json")
	cfg := Defaults()
	cfg.General.Host = "https://media.example.com/"
	cfg.Channels.Telegram.AllowFrom = FlexStringList{"42"}

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("config should be private, got %v", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.General.Host != cfg.General.Host {
		t.Errorf("host mismatch: %q", loaded.General.Host)
	}
	if len(loaded.Channels.Telegram.AllowFrom) != 1 || loaded.Channels.Telegram.AllowFrom[0] != "42" {
		t.Errorf("allowFrom mismatch: %v", loaded.Channels.Telegram.AllowFrom)
	}
	home, _ := os.UserHomeDir()
	if !strings.HasPrefix(loaded.Storage.DownloadDir, home) {
		t.Errorf("downloadDir should be expanded, got %q", loaded.Storage.DownloadDir)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte("{not json"), 0o644)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(`{"transcode":{"maxConcurrency":0}}`), 0o644)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoad_PartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(`{"retrieval":{"maxUserQueueSize":5}}`), 0o644)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Retrieval.MaxUserQueueSize != 5 {
		t.Errorf("override lost: %d", cfg.Retrieval.MaxUserQueueSize)
	}
	if cfg.Retrieval.CacheTTL != "24h" || cfg.Transcode.MaxConcurrency != 4 {
		t.Errorf("defaults lost: %+v %+v", cfg.Retrieval, cfg.Transcode)
	}
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	t.Setenv("MH_TEST_DISCORD_TOKEN", "secret-token-value")
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(`{
		"channels": {"discord": {"enabled": true, "token": "${MH_TEST_DISCORD_TOKEN}"}},
		"general": {"host": "${MH_TEST_UNSET_HOST:-https://cdn.example.com/}"}
	}`), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Channels.Discord.Token != "secret-token-value" {
		t.Errorf("token not substituted: %q", cfg.Channels.Discord.Token)
	}
	if cfg.General.Host != "https://cdn.example.com/" {
		t.Errorf("default not applied: %q", cfg.General.Host)
	}
}

func TestLoadOrDefaults(t *testing.T) {
	cfg, found, err := LoadOrDefaults(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil || found {
		t.Fatalf("expected defaults, got found=%v err=%v", found, err)
	}
	if strings.HasPrefix(cfg.History.DBPath, "~/") {
		t.Errorf("default paths should be expanded: %q", cfg.History.DBPath)
	}
}

func TestDefaultConfigPath_EnvOverride(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/mediahelper.json")
	if got := DefaultConfigPath(); got != "/etc/mediahelper.json" {
		t.Fatalf("expected env override, got %q", got)
	}
}

// --- Accessors ---

func TestGetByPath(t *testing.T) {
	cfg := Defaults()
	v, err := GetByPath(cfg, "transcode.timeout")
	if err != nil || v != "5m" {
		t.Fatalf("expected 5m, got %v (%v)", v, err)
	}
	v, err = GetByPath(cfg, "retrieval.maxUserQueueSize")
	if err != nil || v != float64(3) {
		t.Fatalf("expected 3, got %v (%v)", v, err)
	}
	if _, err := GetByPath(cfg, "transcode.nope"); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestSetByPath_Conversions(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "history.enabled", "true"); err != nil {
		t.Fatal(err)
	}
	if err := SetByPath(cfg, "transcode.maxConcurrency", "8"); err != nil {
		t.Fatal(err)
	}
	if err := SetByPath(cfg, "transcode.timeout", "10m"); err != nil {
		t.Fatal(err)
	}
	if !cfg.History.Enabled || cfg.Transcode.MaxConcurrency != 8 || cfg.Transcode.Timeout != "10m" {
		t.Fatalf("values not applied: %+v %+v", cfg.History, cfg.Transcode)
	}
}

func TestSetByPath_StringFieldStaysString(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "channels.discord.guildId", "123456789"); err != nil {
		t.Fatalf("numeric-looking ID should set: %v", err)
	}
	if cfg.Channels.Discord.GuildID != "123456789" {
		t.Fatalf("got %q", cfg.Channels.Discord.GuildID)
	}
}

func TestSetByPath_List(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "channels.telegram.allowFrom", `["1", 2]`); err != nil {
		t.Fatal(err)
	}
	if len(cfg.Channels.Telegram.AllowFrom) != 2 || cfg.Channels.Telegram.AllowFrom[1] != "2" {
		t.Fatalf("got %v", cfg.Channels.Telegram.AllowFrom)
	}
}

func TestSetByPath_UnknownKey(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "transcode.speed", "fast"); err == nil {
		t.Fatal("expected error for unknown key")
	}
	if err := SetByPath(cfg, "", "x"); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Channels.Discord.Token = "discord-token-1234567890"
	cfg.Channels.Telegram.Token = "short"
	cfg.RapidAPI.Key = "rapid-key-abcdefgh"

	out := Sanitize(cfg)
	if out.Channels.Discord.Token != "disc****7890" {
		t.Errorf("discord token: %q", out.Channels.Discord.Token)
	}
	if out.Channels.Telegram.Token != "***" {
		t.Errorf("short token: %q", out.Channels.Telegram.Token)
	}
	if out.RapidAPI.Key != "rapi****efgh" {
		t.Errorf("rapidapi key: %q", out.RapidAPI.Key)
	}
	if out.Channels.HTTP.Secret != "" {
		t.Errorf("empty secret should stay empty: %q", out.Channels.HTTP.Secret)
	}
	if cfg.Channels.Discord.Token != "discord-token-1234567890" {
		t.Error("Sanitize must not modify the original")
	}
}

func TestListPaths_ReturnsAllLeaves(t *testing.T) {
	paths := ListPaths(Defaults())
	for _, want := range []string{"general.logLevel", "transcode.maxConcurrency", "channels.http.listen", "metrics.endpoint"} {
		if _, ok := paths[want]; !ok {
			t.Errorf("missing path %s", want)
		}
	}
	keys := SortedPaths(paths)
	for i := 1; i < len(keys); i++ {
		if keys[i-1] > keys[i] {
			t.Fatalf("paths not sorted at %d: %q > %q", i, keys[i-1], keys[i])
		}
	}
}

// --- FlexStringList / env ---

func TestFlexStringList_MixedTypes(t *testing.T) {
	var f FlexStringList
	if err := json.Unmarshal([]byte(`["123", 456]`), &f); err != nil {
		t.Fatal(err)
	}
	if len(f) != 2 || f[0] != "123" || f[1] != "456" {
		t.Fatalf("got %v", f)
	}
}

func TestFlexStringList_InvalidJSON(t *testing.T) {
	var f FlexStringList
	if err := json.Unmarshal([]byte(`"nope"`), &f); err == nil {
		t.Fatal("expected error for non-array")
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("MH_TEST_A", "alpha")
	t.Setenv("MH_TEST_EMPTY", "")

	cases := []struct{ in, want string }{
		{"${MH_TEST_A}", "alpha"},
		{"${MH_TEST_EMPTY:-fb}", "fb"},
		{"${MH_TEST_MISSING}", "${MH_TEST_MISSING}"},
		{"${MH_TEST_A:-x}/${MH_TEST_A}", "alpha/alpha"},
		{"$MH_TEST_A", "$MH_TEST_A"},
	}
	for _, tc := range cases {
		if got := ExpandEnvVars(tc.in); got != tc.want {
			t.Errorf("ExpandEnvVars(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
