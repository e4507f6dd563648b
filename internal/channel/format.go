package channel

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/RTCFlyer/discord-media-helper/internal/domain"
)

const discordMaxMsgLen = 2000

// FormatResults renders retrieval results as Discord subtext lines, one per
// result. Galleries show their current File.
func FormatResults(results []domain.ProcessedMedia, host string) string {
	return FormatResultsAt(results, -1, 0, host)
}

// FormatResultsAt is FormatResults with the gallery at results[position]
// showing its item at index. The other lines are unchanged.
func FormatResultsAt(results []domain.ProcessedMedia, position, index int, host string) string {
	lines := make([]string, 0, len(results))
	for i, m := range results {
		line := formatOne(m, host, 0)
		if i == position {
			line = FormatGalleryPage(m, index, host)
		}
		if line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// FormatGalleryPage renders a gallery positioned at index.
func FormatGalleryPage(m domain.ProcessedMedia, index int, host string) string {
	if index >= 0 && index < len(m.Files) {
		m.File = m.Files[index].File
	}
	return formatOne(m, host, index)
}

func formatOne(m domain.ProcessedMedia, host string, index int) string {
	if m.Raw != "" {
		return "-# " + m.Raw
	}
	if m.File == "" {
		return ""
	}
	base := fmt.Sprintf("-# [View original](<%s>)", m.Original)
	link := fmt.Sprintf("[`%s`](%s)", m.File, FileURL(host, m.File))
	if m.Type == domain.MediaGallery && m.Total > 0 {
		return fmt.Sprintf("%s • Gallery (%d/%d) • %s", base, index+1, m.Total, link)
	}
	return base + " • " + link
}

// FormatPlain renders results without Discord markdown, listing every
// gallery item.
func FormatPlain(results []domain.ProcessedMedia, host string) string {
	var lines []string
	for _, m := range results {
		switch {
		case m.Raw != "":
			lines = append(lines, m.Raw)
		case m.Type == domain.MediaGallery && len(m.Files) > 0:
			for i, item := range m.Files {
				lines = append(lines, fmt.Sprintf("%d/%d %s", i+1, len(m.Files), FileURL(host, item.File)))
			}
		case m.File != "":
			lines = append(lines, FileURL(host, m.File))
		}
	}
	return strings.Join(lines, "\n")
}

// FileURL joins a served file name onto the public host.
func FileURL(host, file string) string {
	base, err := url.Parse(host)
	if err != nil || host == "" {
		return strings.TrimSuffix(host, "/") + "/" + url.PathEscape(file)
	}
	ref := &url.URL{Path: file}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	return base.ResolveReference(ref).String()
}

// splitMessage splits a message into chunks that fit within the max length,
// preferring to break on newlines.
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}
		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}
		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}

// ParseFormat turns a /embed-media format choice such as "video_720" or
// "audio_ogg" into media options. Unknown values yield the defaults.
func ParseFormat(choice string) domain.MediaOptions {
	kind, value, ok := strings.Cut(choice, "_")
	if !ok {
		return domain.MediaOptions{}
	}
	switch kind {
	case "video":
		return domain.MediaOptions{Quality: domain.Quality(value)}.Normalize()
	case "audio":
		return domain.MediaOptions{AudioOnly: true, AudioFormat: domain.AudioFormat(value)}.Normalize()
	}
	return domain.MediaOptions{}
}

// optionsNote is appended to command replies that asked for a format.
func optionsNote(opts domain.MediaOptions) string {
	var b strings.Builder
	if opts.AudioOnly {
		b.WriteString("\n🎵 Audio Only")
	}
	if opts.Quality != "" {
		fmt.Fprintf(&b, "\n📹 Quality: %s", opts.Quality)
	}
	return b.String()
}
