package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/RTCFlyer/discord-media-helper/internal/domain"
)

const (
	GalleryCooldown = time.Second
	galleryTTL      = 24 * time.Hour
)

var ErrGalleryNotFound = errors.New("gallery state not found")

// GalleryState is the pagination position of one gallery reply. The reply
// may hold other results next to the gallery; they are kept so the whole
// message can be re-rendered.
type GalleryState struct {
	CurrentIndex int
	Results      []domain.ProcessedMedia
	Position     int    // index of the gallery in Results
	Note         string // reply trailer
	Created      time.Time
	// LastInteraction is zero until the first button press, so that press
	// is never swallowed by the cooldown.
	LastInteraction time.Time
}

// Gallery returns the paginated result.
func (st GalleryState) Gallery() domain.ProcessedMedia { return st.Results[st.Position] }

// Content renders the full reply at the current gallery item.
func (st GalleryState) Content(host string) string {
	return FormatResultsAt(st.Results, st.Position, st.CurrentIndex, host) + st.Note
}

func (st *GalleryState) lastActive() time.Time {
	if st.LastInteraction.After(st.Created) {
		return st.LastInteraction
	}
	return st.Created
}

// GalleryStore tracks gallery replies by message ID.
type GalleryStore struct {
	mu     sync.Mutex
	states map[string]*GalleryState
}

func NewGalleryStore() *GalleryStore {
	return &GalleryStore{states: make(map[string]*GalleryState)}
}

// Put starts tracking reply at its gallery's first item. It reports false
// when reply has no gallery to paginate.
func (s *GalleryStore) Put(id string, reply Reply, now time.Time) bool {
	pos, ok := reply.GalleryPosition()
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[id] = &GalleryState{Results: reply.Results, Position: pos, Note: reply.Note, Created: now}
	return true
}

// Get returns a copy of the state for id.
func (s *GalleryStore) Get(id string) (GalleryState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		return GalleryState{}, false
	}
	return *st, true
}

// Navigate moves the gallery one step (dir < 0 back, otherwise forward),
// clamping to the item range. Within the cooldown of the previous step
// nothing moves and moved is false.
func (s *GalleryStore) Navigate(id string, dir int, now time.Time) (GalleryState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[id]
	if !ok {
		return GalleryState{}, false, ErrGalleryNotFound
	}
	if now.Sub(st.LastInteraction) < GalleryCooldown {
		return *st, false, nil
	}

	next := st.CurrentIndex + 1
	if dir < 0 {
		next = st.CurrentIndex - 1
	}
	st.CurrentIndex = min(max(next, 0), max(len(st.Gallery().Files)-1, 0))
	st.LastInteraction = now
	return *st, true, nil
}

// Prune drops galleries idle for longer than a day.
func (s *GalleryStore) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, st := range s.states {
		if now.Sub(st.lastActive()) > galleryTTL {
			delete(s.states, id)
			n++
		}
	}
	return n
}

// Len returns the number of tracked galleries.
func (s *GalleryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

// Run prunes hourly until ctx is done.
func (s *GalleryStore) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Prune(now)
		}
	}
}
