package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/RTCFlyer/discord-media-helper/internal/channel"
	"github.com/RTCFlyer/discord-media-helper/internal/domain"
	"github.com/RTCFlyer/discord-media-helper/internal/history"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func fetchCmd() *cobra.Command {
	var (
		format      string
		interaction bool
	)
	cmd := &cobra.Command{
		Use:   "fetch <url>...",
		Short: "Retrieve media for the given links and print the results",
		Long: `Runs the same retrieval a chat message would. By default links are handled
like an auto-embedded message, so rewriters may answer with a link. --interaction
(implied by --format) runs only downloading handlers, like the slash command.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			defer closer.Close()

			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			req := channel.Request{
				Text:      strings.Join(args, " "),
				UserID:    "cli",
				Initiator: domain.InitiatorMessage,
			}
			if format != "" || interaction {
				req.Initiator = domain.InitiatorInteraction
				req.Options = channel.ParseFormat(format)
			}

			reply := a.gateway.Handle(ctx, req)
			if reply.Status != channel.ReplyOK {
				return errors.New(reply.Content)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"#", "Original", "Type", "Handler", "Result"},
				resultRows(reply.Results, cfg.General.Host),
				[]columnAlignment{alignRight},
			))
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "", "video_best|video_1080|video_720|video_480|audio_mp3|audio_m4a|audio_wav|audio_ogg")
	cmd.Flags().BoolVar(&interaction, "interaction", false, "skip link rewriters and always download")
	return cmd
}

func resultRows(results []domain.ProcessedMedia, host string) [][]string {
	rows := make([][]string, 0, len(results))
	for i, m := range results {
		var out string
		switch {
		case m.Raw != "":
			out = m.Raw
		case m.Type == domain.MediaGallery:
			out = fmt.Sprintf("%d items, first %s", m.Total, channel.FileURL(host, m.File))
		default:
			out = channel.FileURL(host, m.File)
		}
		rows = append(rows, []string{strconv.Itoa(i + 1), m.Original, string(m.Type), m.Handler, out})
	}
	return rows
}

func historyCmd() *cobra.Command {
	var (
		limit int
		stats bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent retrievals from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			defer closer.Close()
			if !cfg.History.Enabled {
				return errors.New("history is disabled (mediahelper config set history.enabled true)")
			}

			store, err := history.Open(cfg.History.DBPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			ctx := cmd.Context()

			if stats {
				counts, err := store.CountByHandler(ctx)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(counts))
				for _, c := range counts {
					rows = append(rows, []string{c.Handler, humanize.Comma(int64(c.Count))})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Handler", "Retrievals"}, rows, []columnAlignment{alignLeft, alignRight}))
				return nil
			}

			entries, err := store.Recent(ctx, limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"When", "URL", "Type", "Handler", "User", "Took"},
				historyRows(entries),
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
			))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show")
	cmd.Flags().BoolVar(&stats, "stats", false, "show fresh retrievals per handler instead")
	return cmd
}

func historyRows(entries []history.Entry) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		handler := e.Handler
		if e.Cached {
			handler += " (cached)"
		}
		rows = append(rows, []string{
			humanize.Time(e.CreatedAt),
			e.URL,
			string(e.Type),
			handler,
			e.UserID,
			e.Duration.Round(time.Millisecond).String(),
		})
	}
	return rows
}
