// Package resolver finds supported media links in free text and pairs each
// with its service's handler chain.
package resolver

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/RTCFlyer/discord-media-helper/internal/domain"
)

// Service recognizes one platform's links. Pattern must capture the post ID
// in a group named "id".
type Service struct {
	Name     string
	Prefix   string
	Pattern  *regexp.Regexp
	Handlers []domain.Handler
}

// Spec is the declarative form of a Service, naming handlers rather than
// holding them.
type Spec struct {
	Name     string
	Prefix   string
	Pattern  string
	Handlers []string
}

// Builtin lists the supported services in match order.
var Builtin = []Spec{
	{
		Name:     "tiktok",
		Prefix:   "tiktok",
		Pattern:  `^https?://(?:www\.|m\.|vm\.|vt\.)?tiktok\.com/(?:@[\w.-]+/video/|t/)?(?P<id>[\w-]+)`,
		Handlers: []string{"tnk", "ytdlp"},
	},
	{
		Name:     "instagram",
		Prefix:   "ig",
		Pattern:  `^https?://(?:www\.)?instagram\.com/(?:[\w.]+/)?(?:p|reels?|tv)/(?P<id>[\w-]+)`,
		Handlers: []string{"ig", "dd", "ytdlp"},
	},
	{
		Name:     "twitter",
		Prefix:   "tw",
		Pattern:  `^https?://(?:www\.|mobile\.)?(?:twitter|x)\.com/\w+/status/(?P<id>\d+)`,
		Handlers: []string{"tw", "ytdlp"},
	},
	{
		Name:     "bluesky",
		Prefix:   "bs",
		Pattern:  `^https?://(?:www\.)?bsky\.app/profile/[\w.:-]+/post/(?P<id>\w+)`,
		Handlers: []string{"bs", "ytdlp"},
	},
	{
		Name:     "youtube",
		Prefix:   "yt",
		Pattern:  `^https?://(?:(?:www\.|m\.)?youtube\.com/(?:shorts/|watch\?(?:[^#\s]*&)?v=)|youtu\.be/)(?P<id>[\w-]{6,})`,
		Handlers: []string{"ytdlp"},
	},
	{
		Name:     "reddit",
		Prefix:   "reddit",
		Pattern:  `^https?://(?:(?:www\.|old\.|new\.)?reddit\.com/r/\w+/(?:comments|s)/|v\.redd\.it/)(?P<id>\w+)`,
		Handlers: []string{"ytdlp"},
	},
}

// Build compiles specs against a handler registry. Handler names missing
// from the registry are skipped, so a backend without credentials simply
// drops out of its chains.
func Build(specs []Spec, registry map[string]domain.Handler) ([]Service, error) {
	services := make([]Service, 0, len(specs))
	for _, spec := range specs {
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil, fmt.Errorf("service %s: bad pattern: %w", spec.Name, err)
		}
		if !slices.Contains(re.SubexpNames(), "id") {
			return nil, fmt.Errorf("service %s: pattern has no id group", spec.Name)
		}
		svc := Service{Name: spec.Name, Prefix: spec.Prefix, Pattern: re}
		for _, name := range spec.Handlers {
			if h, ok := registry[name]; ok {
				svc.Handlers = append(svc.Handlers, h)
			}
		}
		services = append(services, svc)
	}
	return services, nil
}

var linkPattern = regexp.MustCompile(`https?://[^\s<>"'` + "`" + `|]+`)

// Resolver matches links against an ordered list of services.
type Resolver struct {
	services []Service
}

func New(services []Service) *Resolver {
	return &Resolver{services: services}
}

// Services returns the configured services in match order.
func (r *Resolver) Services() []Service { return r.services }

// Resolve returns every supported link in text, in order of appearance and
// without duplicates. With single set it stops at the first one.
func (r *Resolver) Resolve(text string, single bool) []domain.ResolvedURL {
	var out []domain.ResolvedURL
	seen := make(map[string]bool)
	for _, link := range linkPattern.FindAllString(text, -1) {
		link = strings.TrimRight(link, ".,;:!?)]}>*~")
		u, ok := r.match(link)
		if !ok || seen[u.FileBase] {
			continue
		}
		seen[u.FileBase] = true
		out = append(out, u)
		if single {
			break
		}
	}
	return out
}

func (r *Resolver) match(link string) (domain.ResolvedURL, bool) {
	for _, svc := range r.services {
		m := svc.Pattern.FindStringSubmatch(link)
		if m == nil {
			continue
		}
		id := m[svc.Pattern.SubexpIndex("id")]
		if id == "" {
			continue
		}
		return domain.ResolvedURL{
			Input:    link,
			FileBase: FileBase(svc.Prefix, id),
			Service:  svc.Name,
			Handlers: svc.Handlers,
		}, true
	}
	return domain.ResolvedURL{}, false
}

// FileBase builds the on-disk stem for a post: "<prefix>-<id>" with
// anything outside [A-Za-z0-9.-] replaced by "_".
func FileBase(prefix, id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		}
		return '_'
	}, prefix+"-"+id)
}
