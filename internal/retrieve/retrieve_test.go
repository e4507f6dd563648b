package retrieve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RTCFlyer/discord-media-helper/internal/bus"
	"github.com/RTCFlyer/discord-media-helper/internal/cache"
	"github.com/RTCFlyer/discord-media-helper/internal/domain"
	"github.com/RTCFlyer/discord-media-helper/internal/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// countingHandler records invocations and returns a canned outcome.
type countingHandler struct {
	name  string
	flags domain.HandlerFlags
	media *domain.ProcessedMedia
	err   error
	delay time.Duration

	calls atomic.Int32
	log   *[]string
	mu    *sync.Mutex
	seen  []domain.HandlerContext
}

func (h *countingHandler) Name() string               { return h.name }
func (h *countingHandler) Flags() domain.HandlerFlags { return h.flags }

func (h *countingHandler) Handle(ctx context.Context, u domain.ResolvedURL, hc domain.HandlerContext) (*domain.ProcessedMedia, error) {
	h.calls.Add(1)
	if h.mu != nil {
		h.mu.Lock()
		*h.log = append(*h.log, h.name)
		h.mu.Unlock()
	}
	h.seen = append(h.seen, hc)
	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if h.err != nil {
		return nil, h.err
	}
	m := *h.media
	m.Files = slices.Clone(h.media.Files)
	return &m, nil
}

const both = domain.RunOnMessage | domain.RunOnInteraction

func okHandler(name, file string) *countingHandler {
	return &countingHandler{name: name, flags: both, media: &domain.ProcessedMedia{Type: domain.MediaVideo, File: file}}
}

func failHandler(name string) *countingHandler {
	return &countingHandler{name: name, flags: both, err: errors.New(name + " is down")}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	orch   *Orchestrator
	cache  *cache.Cache
	queue  *queue.Admission
	clock  *fakeClock
	events *bus.EventBus
	out    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := cache.New(cache.Config{Now: clock.Now, Logger: testLogger()})
	q := queue.New(3)
	events := bus.NewEventBus(testLogger())
	out := t.TempDir()
	orch := New(Config{
		Cache:     c,
		Queue:     q,
		OutputDir: out,
		LockDir:   t.TempDir(),
		Events:    events,
		Logger:    testLogger(),
		Now:       clock.Now,
	})
	return &fixture{orch: orch, cache: c, queue: q, clock: clock, events: events, out: out}
}

func resolved(n int, handlers ...domain.Handler) domain.ResolvedURL {
	return domain.ResolvedURL{
		Input:    fmt.Sprintf("https://example.com/post/%d", n),
		FileBase: fmt.Sprintf("example-%d", n),
		Service:  "example",
		Handlers: handlers,
	}
}

// --- RetrieveOne ---

func TestRetrieveOne_ReturnsHandlerResult(t *testing.T) {
	f := newFixture(t)
	h := okHandler("a", "example-1.mp4")

	got, err := f.orch.RetrieveOne(context.Background(), resolved(1, h), domain.InitiatorMessage, domain.MediaOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Type != domain.MediaVideo || got.File != "example-1.mp4" {
		t.Fatalf("unexpected media %+v", got)
	}
	if got.Original != "https://example.com/post/1" || got.Handler != "a" {
		t.Fatalf("expected original and handler to be filled, got %+v", got)
	}
}

func TestRetrieveOne_InvalidInput(t *testing.T) {
	f := newFixture(t)
	h := okHandler("a", "x.mp4")
	for _, input := range []string{"", "not a url", "ftp://example.com/x", "/relative/path"} {
		u := domain.ResolvedURL{Input: input, FileBase: "x", Handlers: []domain.Handler{h}}
		_, err := f.orch.RetrieveOne(context.Background(), u, domain.InitiatorMessage, domain.MediaOptions{})
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("%q: expected ErrInvalidInput, got %v", input, err)
		}
	}
	if h.calls.Load() != 0 {
		t.Fatal("no handler may run for invalid input")
	}
}

func TestRetrieveOne_NoEligibleHandlers(t *testing.T) {
	f := newFixture(t)
	rewriter := &countingHandler{name: "tw", flags: domain.RunOnMessage | domain.ReturnsRawURL,
		media: &domain.ProcessedMedia{Type: domain.MediaVideo, Raw: "https://fx/1"}}

	_, err := f.orch.RetrieveOne(context.Background(), resolved(1, rewriter), domain.InitiatorInteraction, domain.MediaOptions{})
	if !errors.Is(err, domain.ErrNoHandlers) {
		t.Fatalf("expected ErrNoHandlers, got %v", err)
	}
	if rewriter.calls.Load() != 0 {
		t.Fatal("ineligible handler must not run")
	}

	_, err = f.orch.RetrieveOne(context.Background(), resolved(2), domain.InitiatorMessage, domain.MediaOptions{})
	if !errors.Is(err, domain.ErrNoHandlers) {
		t.Fatalf("expected ErrNoHandlers for empty chain, got %v", err)
	}
}

func TestRetrieveOne_CachedOnSecondCall(t *testing.T) {
	f := newFixture(t)
	h := okHandler("a", "example-1.mp4")
	u := resolved(1, h)

	first, err := f.orch.RetrieveOne(context.Background(), u, domain.InitiatorMessage, domain.MediaOptions{})
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := f.orch.RetrieveOne(context.Background(), u, domain.InitiatorMessage, domain.MediaOptions{})
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if h.calls.Load() != 1 {
		t.Fatalf("expected exactly 1 handler invocation, got %d", h.calls.Load())
	}
	if second.File != first.File || second.Original != first.Original {
		t.Fatalf("cached result differs: %+v vs %+v", second, first)
	}
	second.File = "mutated"
	third, _ := f.orch.RetrieveOne(context.Background(), u, domain.InitiatorMessage, domain.MediaOptions{})
	if third.File != "example-1.mp4" {
		t.Fatal("callers must get their own copy of a cached result")
	}
}

func TestRetrieveOne_CacheExpiry(t *testing.T) {
	f := newFixture(t)
	h := okHandler("a", "example-1.mp4")
	u := resolved(1, h)
	ctx := context.Background()

	if _, err := f.orch.RetrieveOne(ctx, u, domain.InitiatorMessage, domain.MediaOptions{}); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(23*time.Hour + 59*time.Minute)
	if _, err := f.orch.RetrieveOne(ctx, u, domain.InitiatorMessage, domain.MediaOptions{}); err != nil {
		t.Fatal(err)
	}
	if h.calls.Load() != 1 {
		t.Fatalf("entry should still be fresh at 23h59m, handler ran %d times", h.calls.Load())
	}
	f.clock.Advance(2*time.Minute + time.Second)
	if _, err := f.orch.RetrieveOne(ctx, u, domain.InitiatorMessage, domain.MediaOptions{}); err != nil {
		t.Fatal(err)
	}
	if h.calls.Load() != 2 {
		t.Fatalf("entry should have expired after 24h, handler ran %d times", h.calls.Load())
	}
}

func TestRetrieveOne_FallbackOrder(t *testing.T) {
	f := newFixture(t)
	var (
		mu    sync.Mutex
		order []string
	)
	a := failHandler("a")
	a.mu, a.log = &mu, &order
	b := okHandler("b", "example-1.mp4")
	b.mu, b.log = &mu, &order

	got, err := f.orch.RetrieveOne(context.Background(), resolved(1, a, b), domain.InitiatorMessage, domain.MediaOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Handler != "b" || got.File != "example-1.mp4" {
		t.Fatalf("expected b's result, got %+v", got)
	}
	if !slices.Equal(order, []string{"a", "b"}) {
		t.Fatalf("expected a then b, got %v", order)
	}
	if a.calls.Load() != 1 || b.calls.Load() != 1 {
		t.Fatalf("expected one call each, got a=%d b=%d", a.calls.Load(), b.calls.Load())
	}
}

func TestRetrieveOne_StopsAtFirstSuccess(t *testing.T) {
	f := newFixture(t)
	a := okHandler("a", "example-1.mp4")
	b := okHandler("b", "example-1.mp4")
	if _, err := f.orch.RetrieveOne(context.Background(), resolved(1, a, b), domain.InitiatorMessage, domain.MediaOptions{}); err != nil {
		t.Fatal(err)
	}
	if b.calls.Load() != 0 {
		t.Fatal("later handlers must not run after a success")
	}
}

func TestRetrieveOne_AllFailedIsNotCached(t *testing.T) {
	f := newFixture(t)
	a, b := failHandler("a"), failHandler("b")
	u := resolved(1, a, b)

	_, err := f.orch.RetrieveOne(context.Background(), u, domain.InitiatorMessage, domain.MediaOptions{})
	if !errors.Is(err, domain.ErrAllHandlersFailed) {
		t.Fatalf("expected ErrAllHandlersFailed, got %v", err)
	}
	if f.cache.Len() != 0 {
		t.Fatal("failures must not be cached")
	}
	_, _ = f.orch.RetrieveOne(context.Background(), u, domain.InitiatorMessage, domain.MediaOptions{})
	if a.calls.Load() != 2 {
		t.Fatalf("expected a retry after failure, got %d calls", a.calls.Load())
	}
}

func TestRetrieveOne_InvalidTypeFallsThrough(t *testing.T) {
	f := newFixture(t)
	bad := &countingHandler{name: "bad", flags: both, media: &domain.ProcessedMedia{Type: "audio", File: "x.mp3"}}
	good := okHandler("good", "example-1.mp4")

	got, err := f.orch.RetrieveOne(context.Background(), resolved(1, bad, good), domain.InitiatorMessage, domain.MediaOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Handler != "good" {
		t.Fatalf("expected fallback past invalid type, got %s", got.Handler)
	}
}

func TestRetrieveOne_RewriterResult(t *testing.T) {
	f := newFixture(t)
	rw := &countingHandler{name: "tw", flags: domain.RunOnMessage | domain.ReturnsRawURL,
		media: &domain.ProcessedMedia{Type: domain.MediaVideo, Raw: "https://fxtwitter.com/a/status/1", File: "ignored"}}

	got, err := f.orch.RetrieveOne(context.Background(), resolved(1, rw), domain.InitiatorMessage, domain.MediaOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Raw != "https://fxtwitter.com/a/status/1" || got.File != "" {
		t.Fatalf("expected raw-only result, got %+v", got)
	}
	if f.cache.Len() != 1 {
		t.Fatal("rewriter results are cached")
	}
}

func TestRetrieveOne_GalleryDeduped(t *testing.T) {
	f := newFixture(t)
	h := &countingHandler{name: "ig", flags: both, media: &domain.ProcessedMedia{
		Type: domain.MediaGallery,
		Files: []domain.GalleryItem{
			{File: "g_0.jpg", Type: domain.MediaImage, Index: 1},
			{File: "g_1.mp4", Type: domain.MediaVideo, Index: 2},
			{File: "g_0.jpg", Type: domain.MediaImage, Index: 3},
		},
		Total: 3,
	}}

	got, err := f.orch.RetrieveOne(context.Background(), resolved(1, h), domain.InitiatorInteraction, domain.MediaOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Total != len(got.Files) || got.Total != 2 {
		t.Fatalf("expected total == len(files) == 2, got %d/%d", got.Total, len(got.Files))
	}
	seen := map[string]bool{}
	for _, item := range got.Files {
		if seen[item.File] {
			t.Fatalf("duplicate file %s", item.File)
		}
		seen[item.File] = true
	}
}

func TestRetrieveOne_FileExistsHint(t *testing.T) {
	f := newFixture(t)
	if err := os.WriteFile(filepath.Join(f.out, "example-1.ogg"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := okHandler("a", "example-1.ogg")
	opts := domain.MediaOptions{AudioOnly: true, AudioFormat: domain.AudioOGG}

	if _, err := f.orch.RetrieveOne(context.Background(), resolved(1, h), domain.InitiatorMessage, opts); err != nil {
		t.Fatal(err)
	}
	if len(h.seen) != 1 || !h.seen[0].FileExists {
		t.Fatalf("expected FileExists hint for existing output, got %+v", h.seen)
	}

	v := okHandler("v", "example-2.mp4")
	if _, err := f.orch.RetrieveOne(context.Background(), resolved(2, v), domain.InitiatorMessage, domain.MediaOptions{}); err != nil {
		t.Fatal(err)
	}
	if v.seen[0].FileExists {
		t.Fatal("FileExists must be false when nothing is on disk")
	}
}

func TestRetrieveOne_NormalizesOptions(t *testing.T) {
	f := newFixture(t)
	h := okHandler("a", "example-1.mp4")
	opts := domain.MediaOptions{AudioFormat: "flac", Quality: "4k"}

	if _, err := f.orch.RetrieveOne(context.Background(), resolved(1, h), domain.InitiatorMessage, opts); err != nil {
		t.Fatal(err)
	}
	if got := h.seen[0].Options; got.AudioFormat != "" || got.Quality != "" {
		t.Fatalf("unrecognized options should be dropped, got %+v", got)
	}
}

func TestRetrieveOne_EmitsEvents(t *testing.T) {
	f := newFixture(t)
	var got []bus.Retrieval
	var mu sync.Mutex
	record := func(e bus.Event) {
		mu.Lock()
		got = append(got, e.Data.(bus.Retrieval))
		mu.Unlock()
	}
	f.events.On(bus.EventRetrievalSucceeded, record)
	f.events.On(bus.EventRetrievalFailed, record)

	u := resolved(1, okHandler("a", "example-1.mp4"))
	_, _ = f.orch.RetrieveOne(context.Background(), u, domain.InitiatorMessage, domain.MediaOptions{})
	_, _ = f.orch.RetrieveOne(context.Background(), u, domain.InitiatorMessage, domain.MediaOptions{})
	_, _ = f.orch.RetrieveOne(context.Background(), resolved(2, failHandler("b")), domain.InitiatorMessage, domain.MediaOptions{})

	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[0].Cached || !got[1].Cached {
		t.Fatalf("expected second event to be a cache hit: %+v", got)
	}
	if got[2].Err == nil || got[2].Media != nil {
		t.Fatalf("expected failure event, got %+v", got[2])
	}
}

func TestRetrieveOne_SameFileSerialized(t *testing.T) {
	f := newFixture(t)
	var running, maxRunning atomic.Int32
	h := &trackingHandler{running: &running, max: &maxRunning, file: "example-1.mp4"}
	u := resolved(1, h)

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.orch.RetrieveOne(context.Background(), u, domain.InitiatorMessage, domain.MediaOptions{}); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxRunning.Load() != 1 {
		t.Fatalf("expected retrievals of one file to be serialized, saw %d at once", maxRunning.Load())
	}
	if h.calls.Load() != 1 {
		t.Fatalf("waiters should be served from cache, handler ran %d times", h.calls.Load())
	}
}

type trackingHandler struct {
	running, max *atomic.Int32
	calls        atomic.Int32
	file         string
}

func (h *trackingHandler) Name() string               { return "tracking" }
func (h *trackingHandler) Flags() domain.HandlerFlags { return both }

func (h *trackingHandler) Handle(_ context.Context, _ domain.ResolvedURL, _ domain.HandlerContext) (*domain.ProcessedMedia, error) {
	h.calls.Add(1)
	n := h.running.Add(1)
	defer h.running.Add(-1)
	for {
		m := h.max.Load()
		if n <= m || h.max.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(50 * time.Millisecond)
	return &domain.ProcessedMedia{Type: domain.MediaVideo, File: h.file}, nil
}

// --- RetrieveMultiple ---

func TestRetrieveMultiple_Empty(t *testing.T) {
	f := newFixture(t)
	got := f.orch.RetrieveMultiple(context.Background(), nil, domain.InitiatorMessage, domain.MediaOptions{}, "u1")
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty, non-nil result, got %v", got)
	}
	if f.queue.Users() != 0 {
		t.Fatal("empty batch must not touch the queue")
	}
}

func TestRetrieveMultiple_BatchIsolation(t *testing.T) {
	f := newFixture(t)
	urls := []domain.ResolvedURL{
		resolved(1, okHandler("x", "example-1.mp4")),
		resolved(2, failHandler("y")),
		resolved(3, okHandler("z", "example-3.mp4")),
	}

	got := f.orch.RetrieveMultiple(context.Background(), urls, domain.InitiatorMessage, domain.MediaOptions{}, "u1")
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	files := []string{got[0].File, got[1].File}
	slices.Sort(files)
	if !slices.Equal(files, []string{"example-1.mp4", "example-3.mp4"}) {
		t.Fatalf("unexpected results %v", files)
	}
	if f.queue.Size("u1") != 0 || f.queue.Users() != 0 {
		t.Fatal("all reservations must be released")
	}
}

func TestRetrieveMultiple_AdmissionCap(t *testing.T) {
	f := newFixture(t)
	var handlers []*countingHandler
	var urls []domain.ResolvedURL
	for i := range 5 {
		h := okHandler(fmt.Sprintf("h%d", i), fmt.Sprintf("example-%d.mp4", i))
		handlers = append(handlers, h)
		urls = append(urls, resolved(i, h))
	}

	got := f.orch.RetrieveMultiple(context.Background(), urls, domain.InitiatorMessage, domain.MediaOptions{}, "u1")
	if len(got) != 3 {
		t.Fatalf("expected 3 results, got %d", len(got))
	}
	for i, h := range handlers {
		want := int32(0)
		if i < 3 {
			want = 1
		}
		if h.calls.Load() != want {
			t.Fatalf("handler %d: expected %d calls, got %d", i, want, h.calls.Load())
		}
	}
	if f.queue.Users() != 0 {
		t.Fatal("reservations must be released")
	}
}

func TestRetrieveMultiple_RespectsInFlightReservations(t *testing.T) {
	f := newFixture(t)
	// Two items of an earlier batch are still running for this user.
	f.queue.TryReserve("u1", "busy-1")
	f.queue.TryReserve("u1", "busy-2")

	a, b := okHandler("a", "example-1.mp4"), okHandler("b", "example-2.mp4")
	got := f.orch.RetrieveMultiple(context.Background(),
		[]domain.ResolvedURL{resolved(1, a), resolved(2, b)}, domain.InitiatorMessage, domain.MediaOptions{}, "u1")

	if len(got) != 1 || a.calls.Load() != 1 || b.calls.Load() != 0 {
		t.Fatalf("expected only the first URL to be admitted, got %d results (a=%d b=%d)", len(got), a.calls.Load(), b.calls.Load())
	}
	if f.queue.Size("u1") != 2 {
		t.Fatalf("earlier reservations must be untouched, size=%d", f.queue.Size("u1"))
	}
}

func TestRetrieveMultiple_NoUserSkipsAdmission(t *testing.T) {
	f := newFixture(t)
	var urls []domain.ResolvedURL
	for i := range 5 {
		urls = append(urls, resolved(i, okHandler("h", fmt.Sprintf("example-%d.mp4", i))))
	}
	got := f.orch.RetrieveMultiple(context.Background(), urls, domain.InitiatorMessage, domain.MediaOptions{}, "")
	if len(got) != 5 {
		t.Fatalf("expected all 5 without a user, got %d", len(got))
	}
}

func TestRetrieveMultiple_RunsConcurrently(t *testing.T) {
	f := newFixture(t)
	var urls []domain.ResolvedURL
	for i := range 3 {
		h := okHandler("slow", fmt.Sprintf("example-%d.mp4", i))
		h.delay = 200 * time.Millisecond
		urls = append(urls, resolved(i, h))
	}

	start := time.Now()
	got := f.orch.RetrieveMultiple(context.Background(), urls, domain.InitiatorMessage, domain.MediaOptions{}, "u1")
	if len(got) != 3 {
		t.Fatalf("expected 3 results, got %d", len(got))
	}
	if took := time.Since(start); took > 500*time.Millisecond {
		t.Fatalf("expected concurrent dispatch, took %v", took)
	}
}

func TestValidURL(t *testing.T) {
	tests := map[string]bool{
		"https://www.tiktok.com/@a/video/1": true,
		"http://x.com/a":                    true,
		"x.com/a":                           false,
		"mailto:a@b.c":                      false,
		"":                                  false,
	}
	for in, want := range tests {
		if got := ValidURL(in); got != want {
			t.Errorf("ValidURL(%q) = %v, want %v", in, got, want)
		}
	}
}
