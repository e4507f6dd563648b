package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/RTCFlyer/discord-media-helper/internal/config"

	"github.com/spf13/cobra"
)

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup: host → channels → RapidAPI → save config",
		Long:  "Asks for the public file host, the chat channels to enable with their tokens, and an optional RapidAPI key. Writes config to the path used by --config or default.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, _, err := config.LoadOrDefaults(cfgPath)
			if err != nil {
				cfg = config.Defaults()
			}
			if err := runSetup(cmd.InOrStdin(), cmd.OutOrStdout(), cfg); err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("config validation: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nConfig saved to %s\n", cfgPath)
			fmt.Fprintln(cmd.OutOrStdout(), "Next: run 'mediahelper doctor', then 'mediahelper serve'.")
			return nil
		},
	}
}

// prompter reads one answer per line, falling back to a default on empty input.
type prompter struct {
	r *bufio.Reader
	w io.Writer
}

func (p *prompter) ask(question, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(p.w, "%s [%s]: ", question, def)
	} else {
		fmt.Fprintf(p.w, "%s: ", question)
	}
	line, err := p.r.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	s := strings.TrimSpace(line)
	if s == "" {
		return def, nil
	}
	return s, nil
}

func (p *prompter) confirm(question string, def bool) (bool, error) {
	d := "n"
	if def {
		d = "y"
	}
	ans, err := p.ask(question+" (y/n)", d)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(ans) {
	case "y", "yes":
		return true, nil
	case "n", "no":
		return false, nil
	}
	return def, nil
}

// runSetup edits cfg in place from the answers read from in.
func runSetup(in io.Reader, out io.Writer, cfg *config.Config) error {
	p := &prompter{r: bufio.NewReader(in), w: out}

	fmt.Fprintln(out, "\n--- Step 1: File host ---")
	fmt.Fprintln(out, "Downloaded files are linked as <host><file>; this must point at the download directory.")
	host, err := p.ask("Public host URL", cfg.General.Host)
	if err != nil {
		return err
	}
	if !strings.HasSuffix(host, "/") {
		host += "/"
	}
	cfg.General.Host = host

	fmt.Fprintln(out, "\n--- Step 2: Discord ---")
	if cfg.Channels.Discord.Enabled, err = p.confirm("Enable Discord", cfg.Channels.Discord.Enabled || cfg.Channels.Discord.Token != ""); err != nil {
		return err
	}
	if cfg.Channels.Discord.Enabled {
		if cfg.Channels.Discord.Token, err = p.ask("Bot token (or ${DISCORD_TOKEN})", orDefault(cfg.Channels.Discord.Token, "${DISCORD_TOKEN}")); err != nil {
			return err
		}
		if cfg.Channels.Discord.GuildID, err = p.ask("Guild ID for slash commands (empty for global)", cfg.Channels.Discord.GuildID); err != nil {
			return err
		}
	}

	fmt.Fprintln(out, "\n--- Step 3: Telegram ---")
	if cfg.Channels.Telegram.Enabled, err = p.confirm("Enable Telegram", cfg.Channels.Telegram.Enabled); err != nil {
		return err
	}
	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token, err = p.ask("Bot token from @BotFather (or ${TELEGRAM_TOKEN})", orDefault(cfg.Channels.Telegram.Token, "${TELEGRAM_TOKEN}")); err != nil {
			return err
		}
		allow, err := p.ask("Allowed user IDs or usernames, comma separated (empty for everyone)", strings.Join(cfg.Channels.Telegram.AllowFrom, ","))
		if err != nil {
			return err
		}
		cfg.Channels.Telegram.AllowFrom = splitList(allow)
	}

	fmt.Fprintln(out, "\n--- Step 4: RapidAPI ---")
	fmt.Fprintln(out, "Optional. Enables the Instagram and all-in-one downloader APIs.")
	if cfg.RapidAPI.Key, err = p.ask("RapidAPI key (empty to skip)", cfg.RapidAPI.Key); err != nil {
		return err
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func splitList(s string) config.FlexStringList {
	var out config.FlexStringList
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
