// Package transcode runs ffmpeg over staged downloads with bounded
// concurrency and a wall-clock limit per invocation.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/RTCFlyer/discord-media-helper/internal/bus"
	"github.com/RTCFlyer/discord-media-helper/internal/domain"
	"github.com/RTCFlyer/discord-media-helper/internal/metrics"
	"github.com/RTCFlyer/discord-media-helper/internal/process"
)

const (
	DefaultTimeout     = 5 * time.Minute
	DefaultConcurrency = 4
)

var audioCodecs = map[domain.AudioFormat]string{
	domain.AudioMP3: "libmp3lame",
	domain.AudioM4A: "aac",
	domain.AudioWAV: "pcm_s16le",
	domain.AudioOGG: "libvorbis",
}

// AudioCodec returns the ffmpeg encoder for an audio format. Unknown formats
// fall back to mp3.
func AudioCodec(f domain.AudioFormat) string {
	if c, ok := audioCodecs[f]; ok {
		return c
	}
	return audioCodecs[domain.AudioMP3]
}

// Config configures an Executor.
type Config struct {
	Binary      string
	Timeout     time.Duration
	Concurrency int
	StagingDir  string
	OutputDir   string
	Runner      process.Runner
	Events      *bus.EventBus
	Logger      *slog.Logger
}

// Executor transcodes files from StagingDir into OutputDir.
type Executor struct {
	binary  string
	timeout time.Duration
	staging string
	output  string
	runner  process.Runner
	events  *bus.EventBus
	logger  *slog.Logger
	sem     chan struct{}
}

func New(cfg Config) *Executor {
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Runner == nil {
		cfg.Runner = process.ExecRunner{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{
		binary:  cfg.Binary,
		timeout: cfg.Timeout,
		staging: cfg.StagingDir,
		output:  cfg.OutputDir,
		runner:  cfg.Runner,
		events:  cfg.Events,
		logger:  cfg.Logger,
		sem:     make(chan struct{}, cfg.Concurrency),
	}
}

// StagingPath is where callers put the input for fileName.
func (e *Executor) StagingPath(fileName string) string { return filepath.Join(e.staging, fileName) }

// OutputPath is where a successful transcode of fileName lands.
func (e *Executor) OutputPath(fileName string) string { return filepath.Join(e.output, fileName) }

// InFlight reports how many transcoder processes are running.
func (e *Executor) InFlight() int { return len(e.sem) }

// Args builds the ffmpeg argument list for one invocation.
func Args(input, output string, opts domain.MediaOptions) []string {
	args := []string{"-y", "-i", input}
	if opts.AudioOnly {
		args = append(args, "-vn", "-c:a", AudioCodec(opts.Format()), "-q:a", "0")
	} else {
		args = append(args, "-c:v", "libx264", "-preset", "veryfast", "-c:a", "copy")
	}
	return append(args, "-hide_banner", "-v", "warning", output)
}

// Transcode converts the staged input fileName into the output directory.
// It succeeds only if ffmpeg exits 0 and the output file exists. The staged
// input is removed afterwards whatever the outcome, and so is any output a
// failed run left behind, since an existing output counts as retrieved.
func (e *Executor) Transcode(ctx context.Context, fileName string, opts domain.MediaOptions) (err error) {
	input := e.StagingPath(fileName)
	output := e.OutputPath(fileName)
	defer e.removeInput(input)

	e.logger.Debug("queueing transcode", "file", fileName, "audio", opts.AudioOnly)
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return domain.Wrap(domain.ErrTranscodeFailed, "", "ffmpeg", "waiting for slot", ctx.Err())
	}
	defer func() { <-e.sem }()

	metrics.TranscodesInFlight.Inc()
	defer metrics.TranscodesInFlight.Dec()

	start := time.Now()
	defer func() {
		metrics.TranscodeDuration.Since(start)
		outcome := "ok"
		if err != nil {
			outcome = "failed"
		}
		metrics.Transcodes(outcome).Inc()
		e.events.Emit(bus.Event{Type: bus.EventTranscodeFinished, Source: "transcode", Data: bus.Transcode{
			File: fileName, Audio: opts.AudioOnly, Err: err, Duration: time.Since(start),
		}})
	}()

	spec := process.Spec{
		Binary:  e.binary,
		Args:    Args(input, output, opts),
		Timeout: e.timeout,
		OnStdout: func(line string) error {
			e.logger.Debug("ffmpeg", "file", fileName, "out", line)
			return nil
		},
		OnStderr: func(line string) error {
			e.logger.Warn("ffmpeg", "file", fileName, "msg", line)
			return nil
		},
	}
	e.logger.Info("transcoding", "file", fileName, "cmd", spec.String())

	res, runErr := e.runner.Run(ctx, spec)
	_, statErr := os.Stat(output)
	switch {
	case runErr != nil:
		e.removePartial(output)
		return domain.Wrap(domain.ErrTranscodeFailed, "", "ffmpeg", fileName, runErr)
	case res.ExitCode != 0:
		e.removePartial(output)
		return domain.Wrap(domain.ErrTranscodeFailed, "", "ffmpeg", fmt.Sprintf("%s: exit code %d", fileName, res.ExitCode), nil)
	case statErr != nil:
		return domain.Wrap(domain.ErrTranscodeFailed, "", "ffmpeg", fileName+": output missing", statErr)
	}

	e.logger.Info("transcoded", "file", fileName, "took", res.Duration.Round(time.Millisecond))
	return nil
}

func (e *Executor) removeInput(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		e.logger.Warn("failed to remove staged input", "path", path, "err", err)
	}
}

func (e *Executor) removePartial(path string) {
	err := os.Remove(path)
	switch {
	case err == nil:
		e.logger.Debug("removed partial output", "path", path)
	case !errors.Is(err, os.ErrNotExist):
		e.logger.Warn("failed to remove partial output", "path", path, "err", err)
	}
}
