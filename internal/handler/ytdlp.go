package handler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/RTCFlyer/discord-media-helper/internal/domain"
	"github.com/RTCFlyer/discord-media-helper/internal/process"
)

// ErrUnsupportedURL is returned as soon as yt-dlp reports it cannot handle a URL.
var ErrUnsupportedURL = errors.New("unsupported URL")

// YtDlpConfig configures the general downloader.
type YtDlpConfig struct {
	Binary      string
	MaxFileSize int64
	Timeout     time.Duration
	Runner      process.Runner
	Env         Env
}

// YtDlp downloads anything yt-dlp supports straight into the output
// directory.
type YtDlp struct {
	cfg YtDlpConfig
}

func NewYtDlp(cfg YtDlpConfig) *YtDlp {
	if cfg.Binary == "" {
		cfg.Binary = "yt-dlp"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.Runner == nil {
		cfg.Runner = process.ExecRunner{}
	}
	return &YtDlp{cfg: cfg}
}

func (h *YtDlp) Name() string               { return "ytdlp" }
func (h *YtDlp) Flags() domain.HandlerFlags { return Downloading }

// VideoFormat is the -f selector for a quality cap.
func VideoFormat(q domain.Quality) string {
	if q == "" || q == domain.QualityBest {
		return "bv*+ba/b"
	}
	return fmt.Sprintf("bv*[height<=%[1]s]+ba/b[height<=%[1]s]", q)
}

// YtDlpArgs builds the argument list for one download.
func YtDlpArgs(input, outDir, fileBase string, maxSize int64, opts domain.MediaOptions) []string {
	args := []string{input, "-P", outDir, "-o", fileBase + ".%(ext)s"}
	if maxSize > 0 {
		args = append(args, "--max-filesize", strconv.FormatInt(maxSize, 10))
	}
	if opts.AudioOnly {
		return append(args, "-x", "--audio-format", string(opts.Format()), "-f", "ba/b")
	}
	return append(args, "-S", "codec:h264", "-f", VideoFormat(opts.Quality))
}

func (h *YtDlp) Handle(ctx context.Context, u domain.ResolvedURL, hc domain.HandlerContext) (*domain.ProcessedMedia, error) {
	if hc.FileExists {
		return existing(u, hc), nil
	}
	log := h.cfg.Env.logger().With("handler", h.Name(), "url", u.Input)

	fileRe := regexp.MustCompile(`(` + regexp.QuoteMeta(u.FileBase) + `\.[a-z0-9]+)(?:"|\s|$)`)
	var (
		mu   sync.Mutex
		file string
	)

	spec := process.Spec{
		Binary:  h.cfg.Binary,
		Args:    YtDlpArgs(u.Input, h.cfg.Env.OutputDir, u.FileBase, h.cfg.MaxFileSize, hc.Options),
		Timeout: h.cfg.Timeout,
		OnStdout: func(line string) error {
			log.Debug("yt-dlp", "out", line)
			if m := fileRe.FindStringSubmatch(line); m != nil {
				mu.Lock()
				if file == "" {
					file = m[1]
				}
				mu.Unlock()
			}
			return nil
		},
		OnStderr: func(line string) error {
			if strings.Contains(line, "Unsupported URL") {
				return ErrUnsupportedURL
			}
			if rest, ok := strings.CutPrefix(line, "WARNING:"); ok {
				log.Warn("yt-dlp", "msg", strings.TrimSpace(rest))
			} else {
				log.Error("yt-dlp", "msg", line)
			}
			return nil
		},
	}
	log.Info("spawning downloader", "cmd", spec.String())

	res, err := h.cfg.Runner.Run(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("ytdlp: %w", err)
	}
	log.Debug("downloader exited", "code", res.ExitCode, "took", res.Duration.Round(time.Millisecond))

	mu.Lock()
	name := file
	mu.Unlock()
	if name == "" {
		return nil, fmt.Errorf("ytdlp: exit code %d, file is missing", res.ExitCode)
	}
	// Audio extraction rewrites the container after the download line.
	if hc.Options.AudioOnly {
		name = u.FileBase + "." + string(hc.Options.Format())
	}
	if _, err := os.Stat(h.cfg.Env.outputPath(name)); err != nil {
		return nil, fmt.Errorf("ytdlp: reported %s but it is not on disk: %w", name, err)
	}
	return &domain.ProcessedMedia{Original: u.Input, Type: domain.MediaVideo, File: name}, nil
}
