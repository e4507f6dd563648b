package domain

import (
	"context"
	"fmt"
	"strings"
)

// HandlerFlags gate handler eligibility and how its output is interpreted.
type HandlerFlags uint8

const (
	RunOnMessage HandlerFlags = 1 << iota
	RunOnInteraction
	ReturnsRawURL
)

var flagNames = []struct {
	flag HandlerFlags
	name string
}{
	{RunOnMessage, "RUN_ON_MESSAGE"},
	{RunOnInteraction, "RUN_ON_INTERACTION"},
	{ReturnsRawURL, "RETURNS_RAW_URL"},
}

func (f HandlerFlags) Has(flag HandlerFlags) bool { return f&flag == flag }

func (f HandlerFlags) String() string {
	var names []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			names = append(names, fn.name)
		}
	}
	return strings.Join(names, "|")
}

// ParseHandlerFlags parses a list such as ["RUN_ON_MESSAGE", "RETURNS_RAW_URL"].
func ParseHandlerFlags(names []string) (HandlerFlags, error) {
	var f HandlerFlags
outer:
	for _, n := range names {
		for _, fn := range flagNames {
			if strings.EqualFold(strings.TrimSpace(n), fn.name) {
				f |= fn.flag
				continue outer
			}
		}
		return 0, fmt.Errorf("unknown handler flag %q", n)
	}
	return f, nil
}

// Initiator describes what triggered a retrieval.
type Initiator string

const (
	InitiatorMessage     Initiator = "message"
	InitiatorInteraction Initiator = "interaction"
)

// Flag returns the RUN_ON_* flag a handler needs to run for this initiator.
func (i Initiator) Flag() HandlerFlags {
	if i == InitiatorInteraction {
		return RunOnInteraction
	}
	return RunOnMessage
}

// HandlerContext is passed to every handler invocation.
type HandlerContext struct {
	// FileExists is true when the expected output is already on disk.
	FileExists bool
	Options    MediaOptions
}

// Handler turns a resolved URL into media, either by download, API call
// or rewrite.
type Handler interface {
	Name() string
	Flags() HandlerFlags
	Handle(ctx context.Context, url ResolvedURL, hc HandlerContext) (*ProcessedMedia, error)
}
