package channel

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/RTCFlyer/discord-media-helper/internal/domain"
)

func galleryReply(n int) Reply {
	return Reply{Status: ReplyOK, Results: []domain.ProcessedMedia{galleryMedia(n)}}
}

func TestGalleryStore_NavigateClamps(t *testing.T) {
	s := NewGalleryStore()
	now := time.Unix(1_700_000_000, 0)
	s.Put("m1", galleryReply(3), now)

	steps := []struct {
		dir  int
		want int
	}{
		{-1, 0}, {1, 1}, {1, 2}, {1, 2}, {-1, 1},
	}
	for i, step := range steps {
		now = now.Add(2 * time.Second)
		st, moved, err := s.Navigate("m1", step.dir, now)
		if err != nil || !moved {
			t.Fatalf("step %d: moved=%v err=%v", i, moved, err)
		}
		if st.CurrentIndex != step.want {
			t.Fatalf("step %d: index %d, want %d", i, st.CurrentIndex, step.want)
		}
	}
}

func TestGalleryStore_Cooldown(t *testing.T) {
	s := NewGalleryStore()
	now := time.Unix(1_700_000_000, 0)
	s.Put("m1", galleryReply(3), now)

	st, moved, _ := s.Navigate("m1", 1, now.Add(time.Second))
	if !moved || st.CurrentIndex != 1 {
		t.Fatalf("expected move to 1, got moved=%v index=%d", moved, st.CurrentIndex)
	}
	if _, moved, _ := s.Navigate("m1", 1, now.Add(time.Second+500*time.Millisecond)); moved {
		t.Fatal("navigation inside the cooldown should be ignored")
	}
	st, moved, _ = s.Navigate("m1", 1, now.Add(time.Second+GalleryCooldown))
	if !moved || st.CurrentIndex != 2 {
		t.Fatalf("expected move to 2 after cooldown, got moved=%v index=%d", moved, st.CurrentIndex)
	}
}

func TestGalleryStore_NotFound(t *testing.T) {
	_, _, err := NewGalleryStore().Navigate("missing", 1, time.Now())
	if !errors.Is(err, ErrGalleryNotFound) {
		t.Fatalf("expected ErrGalleryNotFound, got %v", err)
	}
}

func TestGalleryStore_Prune(t *testing.T) {
	s := NewGalleryStore()
	now := time.Unix(1_700_000_000, 0)
	s.Put("old", galleryReply(2), now.Add(-25*time.Hour))
	s.Put("fresh", galleryReply(2), now.Add(-time.Hour))

	if n := s.Prune(now); n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	if _, ok := s.Get("old"); ok {
		t.Fatal("stale gallery should be gone")
	}
	if _, ok := s.Get("fresh"); !ok {
		t.Fatal("fresh gallery should remain")
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 gallery left, got %d", s.Len())
	}
}

func TestGalleryStore_FirstPressRightAfterReply(t *testing.T) {
	s := NewGalleryStore()
	now := time.Unix(1_700_000_000, 0)
	s.Put("m1", galleryReply(3), now)

	st, moved, err := s.Navigate("m1", 1, now.Add(10*time.Millisecond))
	if err != nil || !moved || st.CurrentIndex != 1 {
		t.Fatalf("first press should move: moved=%v index=%d err=%v", moved, st.CurrentIndex, err)
	}
}

func TestGalleryStore_PutWithoutGallery(t *testing.T) {
	s := NewGalleryStore()
	reply := Reply{Results: []domain.ProcessedMedia{{Type: domain.MediaVideo, File: "a.mp4"}}}
	if s.Put("m1", reply, time.Now()) {
		t.Fatal("a reply without a gallery should not be tracked")
	}
	if s.Len() != 0 {
		t.Fatalf("expected no state, got %d", s.Len())
	}
}

func TestGalleryState_ContentKeepsSiblingResults(t *testing.T) {
	s := NewGalleryStore()
	now := time.Unix(1_700_000_000, 0)
	video := domain.ProcessedMedia{Original: "https://youtu.be/abcdefg", Type: domain.MediaVideo, File: "yt-abcdefg.mp4"}
	reply := Reply{
		Status:  ReplyOK,
		Results: []domain.ProcessedMedia{video, galleryMedia(3)},
		Note:    "\n📹 Quality: 720",
	}
	s.Put("m1", reply, now)

	st, _, _ := s.Navigate("m1", 1, now.Add(2*time.Second))
	lines := strings.Split(st.Content(testHost), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected video, gallery and note lines, got %q", lines)
	}
	if !strings.Contains(lines[0], "yt-abcdefg.mp4") {
		t.Fatalf("sibling result lost: %q", lines[0])
	}
	if !strings.Contains(lines[1], "Gallery (2/3)") || !strings.Contains(lines[1], "ig-abc_1.jpg") {
		t.Fatalf("gallery line not advanced: %q", lines[1])
	}
	if lines[2] != "📹 Quality: 720" {
		t.Fatalf("note lost: %q", lines[2])
	}
}
