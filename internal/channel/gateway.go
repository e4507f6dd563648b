package channel

import (
	"context"
	"log/slog"

	"github.com/RTCFlyer/discord-media-helper/internal/domain"
)

const (
	msgNoURLs      = ":x: There are no valid URLs in this message."
	msgNoMedia     = ":x: Sorry, we couldn't retrieve any media from these URLs."
	msgNoGallery   = "❌ Gallery state not found. Please try the command again."
	msgInvalidLink = ":x: That URL isn't from a supported site."
)

// Resolver finds supported links in text.
type Resolver interface {
	Resolve(text string, single bool) []domain.ResolvedURL
}

// Retriever runs a batch of resolved links through their handler chains.
type Retriever interface {
	RetrieveMultiple(ctx context.Context, urls []domain.ResolvedURL, initiator domain.Initiator, opts domain.MediaOptions, userID string) []domain.ProcessedMedia
}

// ReplyStatus classifies the outcome of a Request.
type ReplyStatus int

const (
	ReplyOK ReplyStatus = iota
	ReplyNoURLs
	ReplyEmpty
)

// Request is one platform-neutral ask: free text from a message or the
// argument of a command.
type Request struct {
	Text      string
	UserID    string
	Initiator domain.Initiator
	Options   domain.MediaOptions
	// Single limits resolution to the first supported link.
	Single bool
}

// Reply is what a channel should post back.
type Reply struct {
	Status  ReplyStatus
	Content string
	Results []domain.ProcessedMedia
	// Note is the trailer Content ends with, if any.
	Note string
}

// GalleryPosition returns the index in Results of the first multi-file
// gallery, if any.
func (r Reply) GalleryPosition() (int, bool) {
	for i, m := range r.Results {
		if m.Type == domain.MediaGallery && len(m.Files) > 1 {
			return i, true
		}
	}
	return -1, false
}

// Gallery returns the first multi-file gallery result, if any.
func (r Reply) Gallery() (domain.ProcessedMedia, bool) {
	if i, ok := r.GalleryPosition(); ok {
		return r.Results[i], true
	}
	return domain.ProcessedMedia{}, false
}

// Gateway connects chat channels to the resolver and the orchestrator.
type Gateway struct {
	resolver  Resolver
	retriever Retriever
	host      string
	logger    *slog.Logger
}

// GatewayConfig holds the Gateway's collaborators. Host is the public base
// URL the output directory is served from.
type GatewayConfig struct {
	Resolver  Resolver
	Retriever Retriever
	Host      string
	Logger    *slog.Logger
}

func NewGateway(cfg GatewayConfig) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		resolver:  cfg.Resolver,
		retriever: cfg.Retriever,
		host:      cfg.Host,
		logger:    logger,
	}
}

// Host returns the public file host.
func (g *Gateway) Host() string { return g.host }

// Resolve exposes link detection so channels can cheaply skip messages
// without links.
func (g *Gateway) Resolve(text string, single bool) []domain.ResolvedURL {
	return g.resolver.Resolve(text, single)
}

// Handle resolves and retrieves everything in req and formats the reply.
func (g *Gateway) Handle(ctx context.Context, req Request) Reply {
	urls := g.resolver.Resolve(req.Text, req.Single)
	if len(urls) == 0 {
		return Reply{Status: ReplyNoURLs, Content: msgNoURLs}
	}
	return g.Retrieve(ctx, urls, req)
}

// Retrieve runs already-resolved links.
func (g *Gateway) Retrieve(ctx context.Context, urls []domain.ResolvedURL, req Request) Reply {
	results := g.retriever.RetrieveMultiple(ctx, urls, req.Initiator, req.Options, req.UserID)
	if len(results) == 0 {
		g.logger.Info("no media retrieved", "urls", len(urls), "user", req.UserID, "initiator", req.Initiator)
		return Reply{Status: ReplyEmpty, Content: msgNoMedia}
	}
	var note string
	if req.Initiator == domain.InitiatorInteraction {
		note = optionsNote(req.Options)
	}
	return Reply{Status: ReplyOK, Content: FormatResults(results, g.host) + note, Results: results, Note: note}
}
