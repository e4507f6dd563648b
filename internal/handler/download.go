package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/RTCFlyer/discord-media-helper/internal/domain"
	"github.com/dustin/go-humanize"
)

// Fetcher downloads remote media after checking its declared type and size.
type Fetcher struct {
	client  *http.Client
	maxSize int64
	logger  *slog.Logger
}

func NewFetcher(client *http.Client, maxSize int64, logger *slog.Logger) *Fetcher {
	if client == nil {
		client = DownloadHTTPClient(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{client: client, maxSize: maxSize, logger: logger}
}

// AcceptableContentType reports whether contentType matches the expected
// media class. Videos may also arrive as a generic binary stream.
func AcceptableContentType(contentType string, expect domain.MediaType) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch expect {
	case domain.MediaVideo:
		return strings.HasPrefix(mt, "video/") || mt == "application/octet-stream"
	case domain.MediaImage:
		return strings.HasPrefix(mt, "image/")
	case domain.MediaGallery:
		return AcceptableContentType(contentType, domain.MediaVideo) || AcceptableContentType(contentType, domain.MediaImage)
	}
	return false
}

// Download fetches rawURL into dest. Type and size problems fail with
// domain.ErrValidation before anything is written. A response without a
// Content-Length is accepted but cut off at the size limit.
func (f *Fetcher) Download(ctx context.Context, rawURL string, expect domain.MediaType, dest string) error {
	resp, err := doWithRetry(ctx, f.client, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	}, f.logger)
	if err != nil {
		return fmt.Errorf("download %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if err := f.validate(resp, expect); err != nil {
		return domain.Wrap(domain.ErrValidation, rawURL, "", "", err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".part-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	var body io.Reader = resp.Body
	if f.maxSize > 0 {
		body = io.LimitReader(resp.Body, f.maxSize+1)
	}
	n, err := io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	if f.maxSize > 0 && n > f.maxSize {
		return domain.Wrap(domain.ErrValidation, rawURL, "", "",
			fmt.Errorf("body exceeds %s", humanize.Bytes(uint64(f.maxSize))))
	}
	if n == 0 {
		return domain.Wrap(domain.ErrValidation, rawURL, "", "", errors.New("empty body"))
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("move into place: %w", err)
	}
	f.logger.Debug("downloaded", "url", rawURL, "dest", dest, "size", humanize.Bytes(uint64(n)))
	return nil
}

func (f *Fetcher) validate(resp *http.Response, expect domain.MediaType) error {
	ct := resp.Header.Get("Content-Type")
	if !AcceptableContentType(ct, expect) {
		return fmt.Errorf("content type %q is not %s", ct, expect)
	}
	switch size := resp.ContentLength; {
	case size == 0:
		return errors.New("content length is zero")
	case size > 0 && f.maxSize > 0 && size > f.maxSize:
		return fmt.Errorf("content length %s exceeds limit %s",
			humanize.Bytes(uint64(size)), humanize.Bytes(uint64(f.maxSize)))
	}
	return nil
}
