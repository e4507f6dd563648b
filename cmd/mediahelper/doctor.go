package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"

	"github.com/RTCFlyer/discord-media-helper/internal/config"
	"github.com/RTCFlyer/discord-media-helper/internal/history"
	"github.com/RTCFlyer/discord-media-helper/internal/storage"

	"github.com/spf13/cobra"
)

// checkReport tallies doctor results.
type checkReport struct {
	w                      io.Writer
	passed, warned, failed int
}

func (r *checkReport) pass(check, detail string) {
	fmt.Fprintf(r.w, "  [PASS] %-20s %s\n", check, detail)
	r.passed++
}

func (r *checkReport) warn(check, detail string) {
	fmt.Fprintf(r.w, "  [WARN] %-20s %s\n", check, detail)
	r.warned++
}

func (r *checkReport) fail(check, detail string) {
	fmt.Fprintf(r.w, "  [FAIL] %-20s %s\n", check, detail)
	r.failed++
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your mediahelper installation",
		Long: `Verifies that the configuration, external tools, storage directories and
history database are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			r := &checkReport{w: cmd.OutOrStdout()}
			fmt.Fprintf(r.w, "mediahelper doctor v%s\n", version)
			fmt.Fprintf(r.w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var cfg *config.Config
			if _, err := os.Stat(cfgPath); err != nil {
				r.warn("Config file", fmt.Sprintf("not found at %s, checking defaults", cfgPath))
				cfg, _, _ = config.LoadOrDefaults(cfgPath)
			} else if loaded, err := config.Load(cfgPath); err != nil {
				r.fail("Config validation", err.Error())
				return fmt.Errorf("config invalid")
			} else {
				r.pass("Config file", cfgPath)
				cfg = loaded
			}

			runChecks(r, cfg)

			fmt.Fprintf(r.w, "\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Fprintf(r.w, "Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			return nil
		},
	}
}

func runChecks(r *checkReport, cfg *config.Config) {
	for _, bin := range []struct{ name, path string }{
		{"Transcoder", cfg.Transcode.Bin},
		{"Downloader", cfg.Downloader.Bin},
	} {
		if p, err := exec.LookPath(bin.path); err != nil {
			r.fail(bin.name, fmt.Sprintf("%s not found in PATH", bin.path))
		} else {
			r.pass(bin.name, p)
		}
	}

	for _, dir := range []struct{ name, path string }{
		{"Download dir", cfg.Storage.DownloadDir},
		{"Staging dir", cfg.Storage.TmpDir},
	} {
		if err := storage.EnsureDirs(dir.path); err != nil {
			r.fail(dir.name, err.Error())
			continue
		}
		if err := storage.CheckWritable(dir.path); err != nil {
			r.fail(dir.name, err.Error())
			continue
		}
		r.pass(dir.name, dir.path)
	}

	if cfg.History.Enabled {
		if store, err := history.Open(cfg.History.DBPath, logger); err != nil {
			r.fail("History database", err.Error())
		} else {
			store.Close()
			r.pass("History database", cfg.History.DBPath)
		}
	}

	if cfg.RapidAPI.Key == "" {
		r.warn("RapidAPI key", "not set; Instagram falls back to mirrors and yt-dlp")
	} else {
		r.pass("RapidAPI key", "configured")
	}

	enabled := 0
	if cfg.Channels.Discord.Enabled {
		enabled++
		r.pass("Discord", "enabled")
	}
	if cfg.Channels.Telegram.Enabled {
		enabled++
		r.pass("Telegram", "enabled")
	}
	if cfg.HTTPServerEnabled() {
		enabled++
		if err := checkListen(cfg.Channels.HTTP.Listen); err != nil {
			r.warn("HTTP listener", fmt.Sprintf("%s may be in use: %v", cfg.Channels.HTTP.Listen, err))
		} else {
			r.pass("HTTP listener", cfg.Channels.HTTP.Listen+" available")
		}
	}
	if enabled == 0 {
		r.fail("Channels", "no channels enabled")
	}
}

func checkListen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}
