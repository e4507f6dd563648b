package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/RTCFlyer/discord-media-helper/internal/channel"
	"github.com/RTCFlyer/discord-media-helper/internal/config"
	"github.com/RTCFlyer/discord-media-helper/internal/domain"
	"github.com/RTCFlyer/discord-media-helper/internal/metrics"
	"github.com/RTCFlyer/discord-media-helper/internal/storage"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
)

const (
	shutdownTimeout = 10 * time.Second
	cleanupInterval = time.Hour
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot (Discord, Telegram and the HTTP API)",
		Long:  "Starts every enabled channel and serves retrievals until interrupted. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
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

	lockPath := filepath.Join(a.lockDir, "mediahelper.instance")
	lock := flock.New(lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another mediahelper instance is already running")
	}
	defer lock.Unlock()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go a.cache.Run(ctx)
	go storage.RunCleaner(ctx, logger, cleanupInterval, config.Duration(cfg.Storage.StaleAfter), a.cleanupTargets()...)

	channels := buildChannels(ctx, cfg, a)
	if len(channels) == 0 {
		return errors.New("no channels enabled (set channels.discord.enabled, channels.telegram.enabled or channels.http.enabled)")
	}

	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(ch domain.Channel) {
			defer wg.Done()
			if err := ch.Start(ctx); err != nil {
				logger.Error("channel error", "channel", ch.Name(), "err", err)
			}
		}(ch)
		logger.Info("channel enabled", "channel", ch.Name())
	}

	logger.Info("mediahelper started", "version", version, "download_dir", cfg.Storage.DownloadDir, "host", cfg.General.Host)
	<-ctx.Done()
	logger.Info("shutting down...")

	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

// buildChannels creates every enabled channel. The HTTP listener also
// carries the event feed and metrics, so it runs whenever any of them is on.
func buildChannels(ctx context.Context, cfg *config.Config, a *app) []domain.Channel {
	var channels []domain.Channel

	if cfg.Channels.Discord.Enabled {
		gallery := channel.NewGalleryStore()
		go gallery.Run(ctx)
		channels = append(channels, channel.NewDiscord(channel.DiscordConfig{
			Token:   cfg.Channels.Discord.Token,
			GuildID: cfg.Channels.Discord.GuildID,
			Gateway: a.gateway,
			Gallery: gallery,
			Logger:  logger,
		}))
	}

	if cfg.Channels.Telegram.Enabled {
		channels = append(channels, channel.NewTelegram(channel.TelegramConfig{
			Token:     cfg.Channels.Telegram.Token,
			AllowFrom: cfg.Channels.Telegram.AllowFrom,
			Gateway:   a.gateway,
			Logger:    logger,
		}))
	}

	if cfg.HTTPServerEnabled() {
		routes := map[string]http.Handler{}
		if cfg.Channels.HTTP.Events {
			routes["/events"] = channel.NewEventFeed(channel.WSConfig{
				Bus:     a.events,
				Gateway: httpGateway(cfg, a),
				Logger:  logger,
			})
		}
		if cfg.Metrics.Enabled {
			routes[cfg.Metrics.Endpoint] = metrics.Collector.Handler()
		}
		channels = append(channels, channel.NewWebhook(channel.WebhookConfig{
			Listen:  cfg.Channels.HTTP.Listen,
			Path:    cfg.Channels.HTTP.Path,
			Secret:  cfg.Channels.HTTP.Secret,
			Routes:  routes,
			Gateway: httpGateway(cfg, a),
			Logger:  logger,
		}))
	}
	return channels
}

// httpGateway exposes retrieval over HTTP only when the API is enabled;
// otherwise the listener serves read-only routes.
func httpGateway(cfg *config.Config, a *app) *channel.Gateway {
	if !cfg.Channels.HTTP.Enabled {
		return nil
	}
	return a.gateway
}
