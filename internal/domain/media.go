package domain

import "slices"

// MediaType classifies a retrieval result.
type MediaType string

const (
	MediaVideo   MediaType = "video"
	MediaImage   MediaType = "image"
	MediaGallery MediaType = "gallery"
)

// Valid reports whether t is one of the known media types.
func (t MediaType) Valid() bool {
	switch t {
	case MediaVideo, MediaImage, MediaGallery:
		return true
	}
	return false
}

type AudioFormat string

const (
	AudioMP3 AudioFormat = "mp3"
	AudioM4A AudioFormat = "m4a"
	AudioWAV AudioFormat = "wav"
	AudioOGG AudioFormat = "ogg"
)

var audioFormats = []AudioFormat{AudioMP3, AudioM4A, AudioWAV, AudioOGG}

func (f AudioFormat) Valid() bool { return slices.Contains(audioFormats, f) }

type Quality string

const (
	QualityBest Quality = "best"
	Quality1080 Quality = "1080"
	Quality720  Quality = "720"
	Quality480  Quality = "480"
)

var qualities = []Quality{QualityBest, Quality1080, Quality720, Quality480}

func (q Quality) Valid() bool { return slices.Contains(qualities, q) }

// MediaOptions are caller-supplied hints for format selection.
type MediaOptions struct {
	AudioOnly   bool        `json:"audioOnly,omitempty"`
	AudioFormat AudioFormat `json:"audioFormat,omitempty"`
	Quality     Quality     `json:"quality,omitempty"`
}

// Normalize returns a copy with unrecognized enum values reset to unset.
func (o MediaOptions) Normalize() MediaOptions {
	if !o.AudioFormat.Valid() {
		o.AudioFormat = ""
	}
	if !o.Quality.Valid() {
		o.Quality = ""
	}
	return o
}

// Format returns the requested audio format, defaulting to mp3.
func (o MediaOptions) Format() AudioFormat {
	if o.AudioFormat == "" {
		return AudioMP3
	}
	return o.AudioFormat
}

// Extension returns the on-disk extension for a result of type t.
func (o MediaOptions) Extension(t MediaType) string {
	switch {
	case t == MediaVideo && o.AudioOnly:
		return string(o.Format())
	case t == MediaImage || t == MediaGallery:
		return "jpg"
	default:
		return "mp4"
	}
}

// GalleryItem is one entry of a multi-item result. Index is the 1-based
// position among the items that were retrieved.
type GalleryItem struct {
	File  string    `json:"file" cbor:"1,keyasint"`
	Type  MediaType `json:"type" cbor:"2,keyasint"`
	Index int       `json:"index" cbor:"3,keyasint"`
}

// ProcessedMedia is the uniform result of retrieving one URL. Exactly one of
// File or Raw is set.
type ProcessedMedia struct {
	Original string        `json:"original" cbor:"1,keyasint"`
	Type     MediaType     `json:"type" cbor:"2,keyasint"`
	File     string        `json:"file,omitempty" cbor:"3,keyasint,omitempty"`
	Raw      string        `json:"raw,omitempty" cbor:"4,keyasint,omitempty"`
	Files    []GalleryItem `json:"files,omitempty" cbor:"5,keyasint,omitempty"`
	Total    int           `json:"total,omitempty" cbor:"6,keyasint,omitempty"`
	Handler  string        `json:"handler,omitempty" cbor:"7,keyasint,omitempty"`
}

// Dedupe collapses gallery items sharing a file name and recomputes Total.
func (m *ProcessedMedia) Dedupe() {
	if m.Type != MediaGallery {
		return
	}
	seen := make(map[string]bool, len(m.Files))
	kept := m.Files[:0]
	for _, item := range m.Files {
		if seen[item.File] {
			continue
		}
		seen[item.File] = true
		kept = append(kept, item)
	}
	m.Files = kept
	m.Total = len(kept)
}

// ResolvedURL is a recognized URL with its ordered handler chain.
type ResolvedURL struct {
	Input    string
	FileBase string
	Service  string
	Handlers []Handler
}
