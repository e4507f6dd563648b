package handler

import (
	"context"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"

	"github.com/RTCFlyer/discord-media-helper/internal/domain"
)

const maxPageSize = 2 << 20

// PageFetcher returns the HTML of a page.
type PageFetcher interface {
	Fetch(ctx context.Context, pageURL string) (string, error)
}

// HTTPPageFetcher fetches pages with a plain GET.
type HTTPPageFetcher struct {
	Client *http.Client
	Logger *slog.Logger
}

func (f HTTPPageFetcher) Fetch(ctx context.Context, pageURL string) (string, error) {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resp, err := doWithRetry(ctx, f.Client, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
		if err != nil {
			return nil, err
		}
		// Mirrors serve their meta tags to link-preview bots.
		req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; Discordbot/2.0; +https://discordapp.com)")
		return req, nil
	}, logger)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", pageURL, err)
	}
	return string(body), nil
}

// FallbackPageFetcher tries each fetcher in turn until one yields a page.
type FallbackPageFetcher []PageFetcher

func (fs FallbackPageFetcher) Fetch(ctx context.Context, pageURL string) (string, error) {
	var lastErr error
	for _, f := range fs {
		if f == nil {
			continue
		}
		page, err := f.Fetch(ctx, pageURL)
		if err == nil && page != "" {
			return page, nil
		}
		if err == nil {
			err = fmt.Errorf("empty page from %s", pageURL)
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no page fetcher for %s", pageURL)
	}
	return "", lastErr
}

// ScrapeConfig describes a mirror scraper. Patterns use the named groups
// "video", "image" and "ext".
type ScrapeConfig struct {
	Name       string
	MirrorHost string
	Patterns   []*regexp.Regexp
	// BaseURL resolves relative media paths. Empty means the mirror origin.
	BaseURL string
	Page    PageFetcher
	Env     Env
}

// Scraper fetches an embed mirror of a post and pulls the media URL out of
// its meta tags.
type Scraper struct {
	cfg ScrapeConfig
}

func NewScraper(cfg ScrapeConfig) *Scraper {
	return &Scraper{cfg: cfg}
}

var ddPattern = regexp.MustCompile(`(?i)(<meta name="twitter:player:stream" content="(?P<video>/videos/[a-z0-9_-]+/\d)"/><meta name="twitter:player:stream:content_type" content="video/(?P<ext>[a-z0-9_-]+)")|(<meta name="twitter:image" content="(?P<image>/images/[a-z0-9_-]+/\d)")`)

var tnkPattern = regexp.MustCompile(`(?is)<meta property="og:video" content="(?P<video>[^"]+)"(.+)<meta property="og:video:type" content="video/(?P<ext>[a-z0-9_-]+)"`)

// NewDDInstagram scrapes ddinstagram.com, which embeds relative media paths.
func NewDDInstagram(page PageFetcher, env Env) *Scraper {
	return NewScraper(ScrapeConfig{
		Name:       "dd",
		MirrorHost: "ddinstagram.com",
		Patterns:   []*regexp.Regexp{ddPattern},
		BaseURL:    "https://ddinstagram.com",
		Page:       page,
		Env:        env,
	})
}

// NewTnkTok scrapes tnktok.com for the TikTok video URL.
func NewTnkTok(page PageFetcher, env Env) *Scraper {
	return NewScraper(ScrapeConfig{
		Name:       "tnk",
		MirrorHost: "tnktok.com",
		Patterns:   []*regexp.Regexp{tnkPattern},
		Page:       page,
		Env:        env,
	})
}

func (s *Scraper) Name() string               { return s.cfg.Name }
func (s *Scraper) Flags() domain.HandlerFlags { return Downloading }

func (s *Scraper) Handle(ctx context.Context, u domain.ResolvedURL, hc domain.HandlerContext) (*domain.ProcessedMedia, error) {
	if hc.FileExists {
		return existing(u, hc), nil
	}

	mirror, err := url.Parse(u.Input)
	if err != nil || mirror.Host == "" {
		return nil, fmt.Errorf("%s: malformed url %q", s.cfg.Name, u.Input)
	}
	mirror.Host = s.cfg.MirrorHost

	page, err := s.cfg.Page.Fetch(ctx, mirror.String())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.cfg.Name, err)
	}

	found, ok := s.match(page)
	if !ok {
		return nil, fmt.Errorf("%s: no media tags on %s: %w", s.cfg.Name, mirror, errNoMedia)
	}

	base := s.cfg.BaseURL
	if base == "" {
		base = "https://" + s.cfg.MirrorHost
	}
	if found.video != "" {
		src, err := resolveRef(base, found.video)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.cfg.Name, err)
		}
		name := videoName(u.FileBase, found.ext, hc.Options)
		if err := s.cfg.Env.fetchMedia(ctx, src, domain.MediaVideo, name, hc.Options); err != nil {
			return nil, err
		}
		return &domain.ProcessedMedia{Original: u.Input, Type: domain.MediaVideo, File: name}, nil
	}

	src, err := resolveRef(base, found.image)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.cfg.Name, err)
	}
	name := u.FileBase + ".jpg"
	if err := s.cfg.Env.fetchMedia(ctx, src, domain.MediaImage, name, hc.Options); err != nil {
		return nil, err
	}
	return &domain.ProcessedMedia{Original: u.Input, Type: domain.MediaImage, File: name}, nil
}

type scraped struct {
	video, image, ext string
}

func (s *Scraper) match(page string) (scraped, bool) {
	for _, re := range s.cfg.Patterns {
		m := re.FindStringSubmatch(page)
		if m == nil {
			continue
		}
		var out scraped
		for i, group := range re.SubexpNames() {
			switch group {
			case "video":
				out.video = html.UnescapeString(m[i])
			case "image":
				out.image = html.UnescapeString(m[i])
			case "ext":
				out.ext = m[i]
			}
		}
		if out.video != "" || out.image != "" {
			return out, true
		}
	}
	return scraped{}, false
}

func resolveRef(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("bad base url %q: %w", base, err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("bad media url %q: %w", ref, err)
	}
	return b.ResolveReference(r).String(), nil
}
