package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/RTCFlyer/discord-media-helper/internal/domain"
	"github.com/google/uuid"
)

const (
	EventRetrievalSucceeded = "retrieval.succeeded"
	EventRetrievalFailed    = "retrieval.failed"
	EventTranscodeFinished  = "transcode.finished"
)

// Event is an internal notification. Data holds one of the payload types
// below, depending on Type.
type Event struct {
	Type      string
	Source    string
	Data      any
	Timestamp time.Time
}

// Retrieval is the payload of retrieval.* events.
type Retrieval struct {
	BatchID   string
	UserID    string
	Initiator domain.Initiator
	URL       string
	FileBase  string
	Service   string
	Media     *domain.ProcessedMedia
	Cached    bool
	Err       error
	Duration  time.Duration
}

// Transcode is the payload of transcode.finished events.
type Transcode struct {
	File     string
	Audio    bool
	Err      error
	Duration time.Duration
}

type EventHandler func(Event)

type namedHandler struct {
	id string
	fn EventHandler
}

// EventBus is a topic pub/sub for internal events. "*" subscribes to all
// topics. A panicking handler is logged and does not affect others.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]namedHandler
	logger   *slog.Logger
}

func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers: make(map[string][]namedHandler),
		logger:   logger,
	}
}

// On registers fn for eventType and returns an ID for Off.
func (eb *EventBus) On(eventType string, fn EventHandler) string {
	id := uuid.NewString()
	eb.mu.Lock()
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{id: id, fn: fn})
	eb.mu.Unlock()
	return id
}

func (eb *EventBus) Off(eventType, id string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	hs := eb.handlers[eventType]
	for i, h := range hs {
		if h.id == id {
			eb.handlers[eventType] = append(hs[:i:i], hs[i+1:]...)
			return
		}
	}
}

// Emit calls every handler for the event synchronously, in registration order.
func (eb *EventBus) Emit(event Event) {
	if eb == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.RLock()
	hs := make([]namedHandler, 0, len(eb.handlers[event.Type])+len(eb.handlers["*"]))
	hs = append(hs, eb.handlers[event.Type]...)
	hs = append(hs, eb.handlers["*"]...)
	eb.mu.RUnlock()

	for _, h := range hs {
		eb.dispatch(h, event)
	}
}

func (eb *EventBus) EmitAsync(event Event) {
	if eb == nil {
		return
	}
	go eb.Emit(event)
}

func (eb *EventBus) dispatch(h namedHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "event", event.Type, "handler", h.id, "panic", r)
		}
	}()
	h.fn(event)
}
