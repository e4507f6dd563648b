package handler

import (
	"context"
	"fmt"
	"net/url"
	"regexp"

	"github.com/RTCFlyer/discord-media-helper/internal/domain"
)

// Rewriter swaps the first match of a host pattern for an embed-friendly
// mirror. It never touches disk.
type Rewriter struct {
	name        string
	pattern     *regexp.Regexp
	replacement string
	flags       domain.HandlerFlags
}

func NewRewriter(name, pattern, replacement string, flags domain.HandlerFlags) *Rewriter {
	return &Rewriter{
		name:        name,
		pattern:     regexp.MustCompile(pattern),
		replacement: replacement,
		flags:       flags | domain.ReturnsRawURL,
	}
}

// NewBlueskyRewriter rewrites bsky.app links to bskye.app.
func NewBlueskyRewriter() *Rewriter {
	return NewRewriter("bs", `bsky\.app`, "bskye.app", domain.RunOnMessage)
}

// NewTwitterRewriter rewrites twitter.com and x.com links to fxtwitter.com.
func NewTwitterRewriter() *Rewriter {
	return NewRewriter("tw", `(twitter|x)\.com`, "fxtwitter.com", domain.RunOnMessage)
}

func (r *Rewriter) Name() string               { return r.name }
func (r *Rewriter) Flags() domain.HandlerFlags { return r.flags }

func (r *Rewriter) Handle(_ context.Context, u domain.ResolvedURL, _ domain.HandlerContext) (*domain.ProcessedMedia, error) {
	if _, err := url.ParseRequestURI(u.Input); err != nil {
		return nil, fmt.Errorf("%s: malformed url: %w", r.name, err)
	}
	loc := r.pattern.FindStringIndex(u.Input)
	if loc == nil {
		return nil, fmt.Errorf("%s: pattern %s not found in %s", r.name, r.pattern, u.Input)
	}
	raw := u.Input[:loc[0]] + r.replacement + u.Input[loc[1]:]
	return &domain.ProcessedMedia{
		Original: u.Input,
		Type:     domain.MediaVideo,
		Raw:      raw,
	}, nil
}
