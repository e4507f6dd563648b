package main

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/RTCFlyer/discord-media-helper/internal/browser"
	"github.com/RTCFlyer/discord-media-helper/internal/bus"
	"github.com/RTCFlyer/discord-media-helper/internal/cache"
	"github.com/RTCFlyer/discord-media-helper/internal/channel"
	"github.com/RTCFlyer/discord-media-helper/internal/config"
	"github.com/RTCFlyer/discord-media-helper/internal/domain"
	"github.com/RTCFlyer/discord-media-helper/internal/handler"
	"github.com/RTCFlyer/discord-media-helper/internal/history"
	"github.com/RTCFlyer/discord-media-helper/internal/queue"
	"github.com/RTCFlyer/discord-media-helper/internal/resolver"
	"github.com/RTCFlyer/discord-media-helper/internal/retrieve"
	"github.com/RTCFlyer/discord-media-helper/internal/storage"
	"github.com/RTCFlyer/discord-media-helper/internal/transcode"
)

// knownHandlers are the handler names a services file may reference.
var knownHandlers = map[string]bool{
	"bs": true, "tw": true, "dd": true, "tnk": true, "ig": true, "j2": true, "ytdlp": true,
}

// app is the retrieval stack shared by serve and fetch.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	events   *bus.EventBus
	cache    *cache.Cache
	queue    *queue.Admission
	services []resolver.Service
	gateway  *channel.Gateway
	history  *history.Store
	lockDir  string
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	lockDir := filepath.Join(cfg.Storage.TmpDir, "locks")
	if err := storage.EnsureDirs(cfg.Storage.DownloadDir, cfg.Storage.TmpDir, lockDir); err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		events:  bus.NewEventBus(logger),
		queue:   queue.New(cfg.Retrieval.MaxUserQueueSize),
		lockDir: lockDir,
	}
	a.cache = cache.New(cache.Config{
		TTL:           config.Duration(cfg.Retrieval.CacheTTL),
		SweepInterval: config.Duration(cfg.Retrieval.CacheSweepInterval),
		Logger:        logger,
	})

	tx := transcode.New(transcode.Config{
		Binary:      cfg.Transcode.Bin,
		Timeout:     config.Duration(cfg.Transcode.Timeout),
		Concurrency: cfg.Transcode.MaxConcurrency,
		StagingDir:  cfg.Storage.TmpDir,
		OutputDir:   cfg.Storage.DownloadDir,
		Events:      a.events,
		Logger:      logger,
	})

	registry, err := a.handlers(tx)
	if err != nil {
		return nil, err
	}

	overrides, err := resolver.LoadOverrides(cfg.Retrieval.ServicesFile, logger)
	if err != nil {
		return nil, err
	}
	specs, err := resolver.Apply(resolver.Builtin, overrides, knownHandlers)
	if err != nil {
		return nil, err
	}
	a.services, err = resolver.Build(specs, registry)
	if err != nil {
		return nil, err
	}
	for _, svc := range a.services {
		if len(svc.Handlers) == 0 {
			logger.Warn("service has no usable handlers", "service", svc.Name)
		}
	}

	orchestrator := retrieve.New(retrieve.Config{
		Cache:     a.cache,
		Queue:     a.queue,
		OutputDir: cfg.Storage.DownloadDir,
		LockDir:   lockDir,
		Events:    a.events,
		Logger:    logger,
	})
	a.gateway = channel.NewGateway(channel.GatewayConfig{
		Resolver:  resolver.New(a.services),
		Retriever: orchestrator,
		Host:      cfg.General.Host,
		Logger:    logger,
	})

	if cfg.History.Enabled {
		store, err := history.Open(cfg.History.DBPath, logger)
		if err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
		store.Subscribe(a.events)
		a.history = store
	}
	return a, nil
}

// handlers builds the handler registry. Handlers that need credentials are
// left out when none are configured, which drops them from every chain.
func (a *app) handlers(tx *transcode.Executor) (map[string]domain.Handler, error) {
	cfg := a.cfg
	client := handler.SharedHTTPClient(config.Duration(cfg.Retrieval.HTTPTimeout))
	env := handler.Env{
		OutputDir:  cfg.Storage.DownloadDir,
		Fetcher:    handler.NewFetcher(handler.DownloadHTTPClient(client), cfg.MaxFileSizeBytes(), a.logger),
		Transcoder: tx,
		Logger:     a.logger,
	}

	var page handler.PageFetcher = handler.HTTPPageFetcher{Client: client, Logger: a.logger}
	if cfg.Browser.Enabled {
		bridge := browser.NewBridge(browser.BridgeConfig{
			ProfileDir: cfg.Browser.ProfileDir,
			Headless:   cfg.Browser.Headless,
			Logger:     a.logger,
		})
		page = handler.FallbackPageFetcher{page, bridge}
	}

	ytdlp := handler.NewYtDlp(handler.YtDlpConfig{
		Binary:      cfg.Downloader.Bin,
		MaxFileSize: cfg.MaxFileSizeBytes(),
		Timeout:     config.Duration(cfg.Downloader.Timeout),
		Env:         env,
	})
	registry := map[string]domain.Handler{
		"bs":    handler.NewBlueskyRewriter(),
		"tw":    handler.NewTwitterRewriter(),
		"dd":    handler.NewDDInstagram(page, env),
		"tnk":   handler.NewTnkTok(page, env),
		"ytdlp": ytdlp,
	}

	if cfg.RapidAPI.Key == "" {
		a.logger.Info("no RapidAPI key, scraper API handlers disabled")
		return registry, nil
	}
	base := handler.RapidAPIConfig{Key: cfg.RapidAPI.Key, Client: client, Logger: a.logger}

	igCfg := handler.InstagramAPIConfig(base)
	igCfg.Limiter = handler.NewInstagramLimiter(cfg.RapidAPI.InstagramPerMinute)
	igAPI, err := handler.NewRapidAPI(igCfg)
	if err != nil {
		return nil, fmt.Errorf("instagram api: %w", err)
	}
	registry["ig"] = handler.NewInstagram(igAPI, env)

	alCfg := handler.AutolinkAPIConfig(base)
	alCfg.Limiter = handler.NewAutolinkLimiter(cfg.RapidAPI.AutolinkPerSecond)
	alAPI, err := handler.NewRapidAPI(alCfg)
	if err != nil {
		return nil, fmt.Errorf("autolink api: %w", err)
	}
	registry["j2"] = handler.NewAutolink("j2", alAPI, env)

	return registry, nil
}

// cleanupTargets are the directories pruned of leftovers.
func (a *app) cleanupTargets() []storage.Target {
	return []storage.Target{
		{Dir: a.cfg.Storage.TmpDir},
		{Dir: a.lockDir, Pattern: "*.lock"},
	}
}

func (a *app) Close() {
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.logger.Warn("history close failed", "err", err)
		}
	}
}
