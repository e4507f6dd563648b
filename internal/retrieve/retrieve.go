// Package retrieve drives a resolved URL through its handler chain, with a
// result cache in front and per-user admission control around batches.
package retrieve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/RTCFlyer/discord-media-helper/internal/bus"
	"github.com/RTCFlyer/discord-media-helper/internal/cache"
	"github.com/RTCFlyer/discord-media-helper/internal/domain"
	"github.com/RTCFlyer/discord-media-helper/internal/metrics"
	"github.com/RTCFlyer/discord-media-helper/internal/queue"
	"github.com/fxamacker/cbor/v2"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

const lockRetryDelay = 100 * time.Millisecond

// Config configures an Orchestrator. Cache and Queue are shared with the
// rest of the process and must not be nil.
type Config struct {
	Cache     *cache.Cache
	Queue     *queue.Admission
	OutputDir string
	// LockDir holds per-file lock files. Empty disables file locking.
	LockDir string
	Events  *bus.EventBus
	Logger  *slog.Logger
	Now     func() time.Time
}

// Orchestrator implements retrieval with fallback across handlers.
type Orchestrator struct {
	cache   *cache.Cache
	queue   *queue.Admission
	output  string
	lockDir string
	events  *bus.EventBus
	logger  *slog.Logger
	now     func() time.Time
}

func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{
		cache:   cfg.Cache,
		queue:   cfg.Queue,
		output:  cfg.OutputDir,
		lockDir: cfg.LockDir,
		events:  cfg.Events,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
}

// attempt is the outcome of one handler invocation.
type attempt struct {
	handler domain.Handler
	media   *domain.ProcessedMedia
	err     error
}

func (a attempt) ok() bool { return a.err == nil }

// ValidURL reports whether s is an absolute http(s) URL.
func ValidURL(s string) bool {
	u, err := url.ParseRequestURI(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// RetrieveOne returns media for u, trying each eligible handler in order
// until one succeeds. Successful results are cached by input URL; failures
// are not.
func (o *Orchestrator) RetrieveOne(ctx context.Context, u domain.ResolvedURL, initiator domain.Initiator, opts domain.MediaOptions) (*domain.ProcessedMedia, error) {
	return o.retrieve(ctx, u, initiator, opts, "", "")
}

func (o *Orchestrator) retrieve(ctx context.Context, u domain.ResolvedURL, initiator domain.Initiator, opts domain.MediaOptions, batchID, userID string) (media *domain.ProcessedMedia, err error) {
	if !ValidURL(u.Input) {
		return nil, domain.Wrap(domain.ErrInvalidInput, u.Input, "", "not an http(s) URL", nil)
	}
	opts = opts.Normalize()
	log := o.logger.With("url", u.Input, "file", u.FileBase)
	if batchID != "" {
		log = log.With("batch", batchID)
	}

	start := o.now()
	cached := false
	defer func() {
		metrics.RetrievalDuration.Observe(o.now().Sub(start).Seconds())
		o.emit(u, initiator, batchID, userID, media, cached, err, o.now().Sub(start))
	}()

	key := cache.Key(u.Input)
	if hit, ok := o.lookup(key, log); ok {
		cached = true
		return hit, nil
	}

	handlers := eligible(u.Handlers, initiator)
	if len(handlers) == 0 {
		metrics.Retrievals("failed").Inc()
		return nil, domain.Wrap(domain.ErrNoHandlers, u.Input, "", fmt.Sprintf("service %q, initiator %s", u.Service, initiator), nil)
	}

	unlock, err := o.lockFile(ctx, u.FileBase)
	if err != nil {
		metrics.Retrievals("failed").Inc()
		return nil, err
	}
	defer unlock()

	// A concurrent retrieval of the same file may have finished while we waited.
	if hit, ok := o.lookup(key, log); ok {
		cached = true
		return hit, nil
	}

	log.Info("retrieving", "handlers", len(handlers), "initiator", initiator)
	hc := domain.HandlerContext{FileExists: o.outputExists(u.FileBase, opts), Options: opts}

	var last attempt
	for i, h := range handlers {
		if ctx.Err() != nil {
			last = attempt{handler: h, err: ctx.Err()}
			break
		}
		last = o.try(ctx, h, u, hc)
		if !last.ok() {
			metrics.HandlerFailures(h.Name()).Inc()
			log.Warn("handler failed, trying next", "handler", h.Name(), "attempt", i+1, "err", last.err)
			continue
		}
		if i > 0 {
			log.Info("used fallback handler", "handler", h.Name(), "attempt", i+1)
		}
		o.store(key, last.media, log)
		metrics.Retrievals("ok").Inc()
		return last.media, nil
	}

	metrics.Retrievals("failed").Inc()
	name := ""
	if last.handler != nil {
		name = last.handler.Name()
	}
	log.Warn("no handler succeeded", "tried", len(handlers))
	return nil, domain.Wrap(domain.ErrAllHandlersFailed, u.Input, name, fmt.Sprintf("%d handler(s) tried", len(handlers)), last.err)
}

// try runs one handler and turns its output into an attempt.
func (o *Orchestrator) try(ctx context.Context, h domain.Handler, u domain.ResolvedURL, hc domain.HandlerContext) attempt {
	media, err := h.Handle(ctx, u, hc)
	if err != nil {
		return attempt{handler: h, err: err}
	}
	if media == nil {
		return attempt{handler: h, err: errors.New("handler returned no media")}
	}
	if !media.Type.Valid() {
		return attempt{handler: h, err: fmt.Errorf("invalid media type %q", media.Type)}
	}

	if h.Flags().Has(domain.ReturnsRawURL) {
		raw := media.Raw
		if raw == "" {
			raw = media.File
		}
		if raw == "" {
			return attempt{handler: h, err: errors.New("rewriter returned no URL")}
		}
		return attempt{handler: h, media: &domain.ProcessedMedia{
			Original: u.Input,
			Type:     media.Type,
			Raw:      raw,
			Handler:  h.Name(),
		}}
	}

	out := *media
	out.Original = u.Input
	out.Raw = ""
	out.Handler = h.Name()
	out.Files = append([]domain.GalleryItem(nil), media.Files...)
	out.Dedupe()
	if out.Type == domain.MediaGallery {
		if out.Total == 0 {
			return attempt{handler: h, err: errors.New("empty gallery")}
		}
		if out.File == "" {
			out.File = out.Files[0].File
		}
	}
	if out.File == "" {
		return attempt{handler: h, err: errors.New("handler returned no file")}
	}
	return attempt{handler: h, media: &out}
}

// eligible keeps the handlers allowed to run for initiator, in order.
func eligible(handlers []domain.Handler, initiator domain.Initiator) []domain.Handler {
	flag := initiator.Flag()
	var out []domain.Handler
	for _, h := range handlers {
		if h.Flags().Has(flag) {
			out = append(out, h)
		}
	}
	return out
}

// outputExists checks for the file a video (or audio) retrieval of base
// would produce.
func (o *Orchestrator) outputExists(base string, opts domain.MediaOptions) bool {
	if o.output == "" || base == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(o.output, base+"."+opts.Extension(domain.MediaVideo)))
	return err == nil
}

func (o *Orchestrator) lookup(key string, log *slog.Logger) (*domain.ProcessedMedia, bool) {
	data, ok := o.cache.Get(key)
	if !ok {
		return nil, false
	}
	var media domain.ProcessedMedia
	if err := cbor.Unmarshal(data, &media); err != nil {
		log.Warn("dropping undecodable cache entry", "err", err)
		o.cache.Delete(key)
		return nil, false
	}
	metrics.CacheHits.Inc()
	metrics.Retrievals("cached").Inc()
	log.Debug("cache hit")
	return &media, true
}

func (o *Orchestrator) store(key string, media *domain.ProcessedMedia, log *slog.Logger) {
	data, err := cbor.Marshal(media)
	if err != nil {
		log.Warn("failed to encode result for cache", "err", err)
		return
	}
	o.cache.Set(key, data)
}

// lockFile takes an advisory lock on base so two retrievals of the same file
// do not download it at the same time.
func (o *Orchestrator) lockFile(ctx context.Context, base string) (func(), error) {
	if o.lockDir == "" || base == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(o.lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	fl := flock.New(filepath.Join(o.lockDir, base+".lock"))
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", base, err)
	}
	if !locked {
		return nil, fmt.Errorf("lock %s: not acquired", base)
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			o.logger.Warn("failed to release file lock", "file", base, "err", err)
		}
	}, nil
}

func (o *Orchestrator) emit(u domain.ResolvedURL, initiator domain.Initiator, batchID, userID string, media *domain.ProcessedMedia, cached bool, err error, took time.Duration) {
	typ := bus.EventRetrievalSucceeded
	if err != nil {
		typ = bus.EventRetrievalFailed
	}
	o.events.Emit(bus.Event{
		Type:      typ,
		Source:    "retrieve",
		Timestamp: o.now(),
		Data: bus.Retrieval{
			BatchID:   batchID,
			UserID:    userID,
			Initiator: initiator,
			URL:       u.Input,
			FileBase:  u.FileBase,
			Service:   u.Service,
			Media:     media,
			Cached:    cached,
			Err:       err,
			Duration:  took,
		},
	})
}

// itemKey identifies u in the admission queue.
func itemKey(u domain.ResolvedURL) string {
	if u.FileBase != "" {
		return u.FileBase
	}
	return u.Input
}

// RetrieveMultiple retrieves urls concurrently on behalf of userID and
// returns only the successes, in no particular order. When userID is set,
// the batch is cut to the per-user capacity and every URL must win an
// admission slot; slots are released when the batch finishes.
func (o *Orchestrator) RetrieveMultiple(ctx context.Context, urls []domain.ResolvedURL, initiator domain.Initiator, opts domain.MediaOptions, userID string) []domain.ProcessedMedia {
	if len(urls) == 0 {
		return []domain.ProcessedMedia{}
	}
	batchID := uuid.NewString()
	log := o.logger.With("batch", batchID, "user", userID)
	opts = opts.Normalize()

	admitted := urls
	if userID != "" {
		if limit := o.queue.Max(); len(urls) > limit {
			for _, skipped := range urls[limit:] {
				log.Warn("user queue limit reached, skipping", "url", skipped.Input, "limit", limit)
				metrics.AdmissionRejections.Inc()
			}
			admitted = urls[:limit]
		}

		reserved := make([]domain.ResolvedURL, 0, len(admitted))
		for _, u := range admitted {
			if !o.queue.TryReserve(userID, itemKey(u)) {
				log.Warn("user at capacity, skipping", "url", u.Input)
				metrics.AdmissionRejections.Inc()
				continue
			}
			reserved = append(reserved, u)
		}
		admitted = reserved
	}
	log.Info("processing batch", "urls", len(admitted), "skipped", len(urls)-len(admitted))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make([]domain.ProcessedMedia, 0, len(admitted))
	)
	for _, u := range admitted {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if userID != "" {
				defer o.queue.Release(userID, itemKey(u))
			}
			media, err := o.retrieve(ctx, u, initiator, opts, batchID, userID)
			if err != nil {
				log.Debug("dropping failed url", "url", u.Input, "err", err)
				return
			}
			mu.Lock()
			results = append(results, *media)
			mu.Unlock()
		}()
	}
	wg.Wait()

	log.Info("batch finished", "succeeded", len(results), "attempted", len(admitted))
	return results
}
