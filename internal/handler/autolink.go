package handler

import (
	"context"
	"fmt"

	"github.com/RTCFlyer/discord-media-helper/internal/domain"
	"golang.org/x/time/rate"
)

const AutolinkHost = "auto-download-all-in-one.p.rapidapi.com"

const autolinkSchema = `{
  "type": "object",
  "properties": {
    "error": {"type": "boolean"},
    "message": {"type": ["string", "null"]},
    "medias": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["url"],
        "properties": {
          "url": {"type": "string"},
          "extension": {"type": ["string", "null"]},
          "type": {"type": ["string", "null"]}
        }
      }
    }
  }
}`

// NewAutolinkLimiter paces the all-in-one API at perSecond calls.
func NewAutolinkLimiter(perSecond int) *rate.Limiter {
	if perSecond <= 0 {
		perSecond = 3
	}
	return rate.NewLimiter(rate.Limit(perSecond), perSecond)
}

// AutolinkAPIConfig fills in the host and schema for the all-in-one API.
func AutolinkAPIConfig(cfg RapidAPIConfig) RapidAPIConfig {
	cfg.Host = AutolinkHost
	cfg.Schema = autolinkSchema
	return cfg
}

type autolinkResponse struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
	Medias  []struct {
		URL       string `json:"url"`
		Extension string `json:"extension"`
		Type      string `json:"type"`
	} `json:"medias"`
}

// Autolink fetches the first video the all-in-one API reports for a URL.
type Autolink struct {
	name string
	api  *RapidAPI
	env  Env
}

// NewAutolink registers the handler under name; "j2" is used for TikTok.
func NewAutolink(name string, api *RapidAPI, env Env) *Autolink {
	return &Autolink{name: name, api: api, env: env}
}

func (h *Autolink) Name() string               { return h.name }
func (h *Autolink) Flags() domain.HandlerFlags { return Downloading }

func (h *Autolink) Handle(ctx context.Context, u domain.ResolvedURL, hc domain.HandlerContext) (*domain.ProcessedMedia, error) {
	if hc.FileExists {
		return existing(u, hc), nil
	}

	var resp autolinkResponse
	if err := h.api.Post(ctx, "v1/social/autolink", map[string]string{"url": u.Input}, &resp); err != nil {
		return nil, err
	}
	if resp.Error {
		return nil, fmt.Errorf("%s: api error: %s", h.name, resp.Message)
	}

	for _, m := range resp.Medias {
		if m.Type != "video" || m.URL == "" {
			continue
		}
		name := videoName(u.FileBase, m.Extension, hc.Options)
		if err := h.env.fetchMedia(ctx, m.URL, domain.MediaVideo, name, hc.Options); err != nil {
			return nil, err
		}
		return &domain.ProcessedMedia{Original: u.Input, Type: domain.MediaVideo, File: name}, nil
	}
	return nil, fmt.Errorf("%s: no video in response: %w", h.name, errNoMedia)
}
