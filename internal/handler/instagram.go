package handler

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/RTCFlyer/discord-media-helper/internal/domain"
	"golang.org/x/time/rate"
)

const InstagramHost = "instagram-scraper-api2.p.rapidapi.com"

const instagramSchema = `{
  "type": "object",
  "required": ["data"],
  "properties": {
    "data": {
      "type": "object",
      "properties": {
        "is_video": {"type": "boolean"},
        "video_url": {"type": ["string", "null"]},
        "display_url": {"type": ["string", "null"]},
        "carousel_media": {
          "type": "array",
          "items": {
            "type": "object",
            "properties": {
              "is_video": {"type": "boolean"},
              "video_url": {"type": ["string", "null"]},
              "display_url": {"type": ["string", "null"]}
            }
          }
        }
      }
    }
  }
}`

// NewInstagramLimiter paces the scraper API at 240 calls a minute.
func NewInstagramLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		perMinute = 240
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), max(perMinute/10, 1))
}

type igItem struct {
	IsVideo    bool   `json:"is_video"`
	VideoURL   string `json:"video_url"`
	DisplayURL string `json:"display_url"`
}

type igPost struct {
	Data struct {
		igItem
		Carousel []igItem `json:"carousel_media"`
	} `json:"data"`
}

// Instagram resolves posts and reels through the scraper API.
type Instagram struct {
	api *RapidAPI
	env Env
}

func NewInstagram(api *RapidAPI, env Env) *Instagram {
	return &Instagram{api: api, env: env}
}

// InstagramAPIConfig fills in the host and schema for the scraper API.
func InstagramAPIConfig(cfg RapidAPIConfig) RapidAPIConfig {
	cfg.Host = InstagramHost
	cfg.Schema = instagramSchema
	return cfg
}

func (h *Instagram) Name() string               { return "ig" }
func (h *Instagram) Flags() domain.HandlerFlags { return Downloading }

func (h *Instagram) Handle(ctx context.Context, u domain.ResolvedURL, hc domain.HandlerContext) (*domain.ProcessedMedia, error) {
	if hc.FileExists {
		return existing(u, hc), nil
	}

	var post igPost
	if err := h.api.Get(ctx, "v1/post_info?code_or_id_or_url="+url.QueryEscape(u.Input), &post); err != nil {
		return nil, err
	}

	if len(post.Data.Carousel) > 0 {
		return h.gallery(ctx, u, post.Data.Carousel)
	}

	item := post.Data.igItem
	if item.IsVideo {
		if item.VideoURL == "" {
			return nil, fmt.Errorf("ig: video post without video_url: %w", errNoMedia)
		}
		name := videoName(u.FileBase, "mp4", hc.Options)
		if err := h.env.fetchMedia(ctx, item.VideoURL, domain.MediaVideo, name, hc.Options); err != nil {
			return nil, err
		}
		return &domain.ProcessedMedia{Original: u.Input, Type: domain.MediaVideo, File: name}, nil
	}

	if item.DisplayURL == "" {
		return nil, fmt.Errorf("ig: %w", errNoMedia)
	}
	name := u.FileBase + ".jpg"
	if err := h.env.fetchMedia(ctx, item.DisplayURL, domain.MediaImage, name, hc.Options); err != nil {
		return nil, err
	}
	return &domain.ProcessedMedia{Original: u.Input, Type: domain.MediaImage, File: name}, nil
}

// gallery fetches every carousel item on its own. Failed items are skipped;
// the result fails only when nothing could be fetched.
func (h *Instagram) gallery(ctx context.Context, u domain.ResolvedURL, items []igItem) (*domain.ProcessedMedia, error) {
	log := h.env.logger().With("handler", h.Name(), "url", u.Input)
	media := &domain.ProcessedMedia{Original: u.Input, Type: domain.MediaGallery}

	for i, item := range items {
		typ, src, ext := domain.MediaImage, item.DisplayURL, "jpg"
		if item.IsVideo {
			typ, src, ext = domain.MediaVideo, item.VideoURL, "mp4"
		}
		if src == "" {
			log.Warn("gallery item has no source", "index", i)
			continue
		}
		name := fmt.Sprintf("%s_%d.%s", u.FileBase, i, ext)
		// Gallery items keep their native format even for audio requests.
		if err := h.env.fetchMedia(ctx, src, typ, name, domain.MediaOptions{}); err != nil {
			log.Warn("gallery item failed", "index", i, "err", err)
			continue
		}
		media.Files = append(media.Files, domain.GalleryItem{File: name, Type: typ, Index: len(media.Files) + 1})
	}

	if len(media.Files) == 0 {
		return nil, fmt.Errorf("ig: every gallery item failed: %w", errNoMedia)
	}
	media.Total = len(media.Files)
	media.File = media.Files[0].File
	return media, nil
}
