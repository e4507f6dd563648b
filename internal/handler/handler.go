// Package handler implements the per-service strategies that turn a resolved
// URL into media: URL rewriters, scraper API clients, mirror page scrapers and
// the general yt-dlp downloader.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/RTCFlyer/discord-media-helper/internal/domain"
)

// Downloading is the flag set shared by every handler that writes files.
const Downloading = domain.RunOnMessage | domain.RunOnInteraction

// Transcoder converts a staged file into the output directory.
type Transcoder interface {
	StagingPath(fileName string) string
	Transcode(ctx context.Context, fileName string, opts domain.MediaOptions) error
}

// Env is what downloading handlers share.
type Env struct {
	OutputDir  string
	Fetcher    *Fetcher
	Transcoder Transcoder
	Logger     *slog.Logger
}

func (e Env) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e Env) outputPath(name string) string { return filepath.Join(e.OutputDir, name) }

func (e Env) exists(name string) bool {
	_, err := os.Stat(e.outputPath(name))
	return err == nil
}

// fetchMedia downloads one remote item as name. Images go straight to the
// output directory. Videos are staged and transcoded. An item already in the
// output directory is not fetched again.
func (e Env) fetchMedia(ctx context.Context, rawURL string, typ domain.MediaType, name string, opts domain.MediaOptions) error {
	if e.exists(name) {
		e.logger().Debug("already on disk", "file", name)
		return nil
	}
	if typ == domain.MediaImage {
		return e.Fetcher.Download(ctx, rawURL, domain.MediaImage, e.outputPath(name))
	}
	if err := e.Fetcher.Download(ctx, rawURL, domain.MediaVideo, e.Transcoder.StagingPath(name)); err != nil {
		return err
	}
	return e.Transcoder.Transcode(ctx, name, opts)
}

// existing describes the file the caller found on disk, without fetching.
func existing(url domain.ResolvedURL, hc domain.HandlerContext) *domain.ProcessedMedia {
	return &domain.ProcessedMedia{
		Original: url.Input,
		Type:     domain.MediaVideo,
		File:     url.FileBase + "." + hc.Options.Extension(domain.MediaVideo),
	}
}

// videoName is the output name of a single video (or extracted audio).
func videoName(base, ext string, opts domain.MediaOptions) string {
	if opts.AudioOnly {
		return base + "." + string(opts.Format())
	}
	if ext == "" {
		ext = "mp4"
	}
	return base + "." + ext
}

var errNoMedia = errors.New("no media found")
