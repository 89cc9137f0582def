package telemetry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event types.
const (
	EventTypeCredentialCreated       = "credential.created"
	EventTypeCredentialRefreshed     = "credential.refreshed"
	EventTypeCredentialRefreshFailed = "credential.refresh_failed"
	EventTypeCredentialRevoked       = "credential.revoked"
	EventTypeConnectionTested        = "connection.tested"
	EventTypeDefinitionsImported     = "definitions.imported"
	EventTypePolicyViolation         = "policy.violation"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// ErrPublisherStopped is returned by Publish after Shutdown.
var ErrPublisherStopped = errors.New("event publisher stopped")

// ErrEventDropped is returned by Publish when the async buffer is full.
var ErrEventDropped = errors.New("event buffer full, event dropped")

// Event is a credential, connection or definition lifecycle transition.
// Events name credentials by reference only.
type Event struct {
	ID           string                 `json:"id"`
	Time         time.Time              `json:"time"`
	Type         string                 `json:"type"`
	Level        string                 `json:"level"`
	Platform     string                 `json:"platform,omitempty"`
	SecretRef    string                 `json:"secretRef,omitempty"`
	DefinitionID string                 `json:"definitionId,omitempty"`
	Message      string                 `json:"message"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

// EventHandler receives delivered events. Handlers run on the delivery
// goroutine and must not block.
type EventHandler func(Event)

type subscription struct {
	handler EventHandler
	types   []string
}

func (s subscription) wants(event Event) bool {
	return len(s.types) == 0 || slices.Contains(s.types, event.Type)
}

// EventPublisher fans lifecycle events out to handlers. A nil or disabled
// *EventPublisher drops every event.
type EventPublisher struct {
	async bool
	queue chan Event

	mu     sync.RWMutex
	subs   []subscription
	closed bool

	done chan struct{}
}

// NewEventPublisher creates a publisher. With EnableAsync, events are queued
// and delivered from a background goroutine; otherwise Publish delivers
// inline.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got %d", cfg.BufferSize)
	}
	ep := &EventPublisher{async: cfg.EnableAsync, done: make(chan struct{})}
	if ep.async {
		ep.queue = make(chan Event, cfg.BufferSize)
		go ep.drain()
	} else {
		close(ep.done)
	}
	return ep, nil
}

// Subscribe registers handler for events of the given types, or for every
// event when no type is given.
func (ep *EventPublisher) Subscribe(handler EventHandler, types ...string) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subs = append(ep.subs, subscription{handler: handler, types: types})
}

// Publish stamps event with an id and time and hands it to the subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()
	if ep.closed {
		return ErrPublisherStopped
	}
	if !ep.async {
		ep.deliver(event)
		return nil
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		return ErrEventDropped
	}
}

func (ep *EventPublisher) drain() {
	defer close(ep.done)
	for event := range ep.queue {
		ep.mu.RLock()
		ep.deliver(event)
		ep.mu.RUnlock()
	}
}

// deliver runs with ep.mu read-locked.
func (ep *EventPublisher) deliver(event Event) {
	for _, s := range ep.subs {
		if s.wants(event) {
			s.handler(event)
		}
	}
}

// Shutdown stops accepting events and waits for queued ones to be
// delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil {
		return nil
	}
	ep.mu.Lock()
	if !ep.closed {
		ep.closed = true
		if ep.async {
			close(ep.queue)
		}
	}
	ep.mu.Unlock()

	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// LogEvents returns a handler writing each event to logger at the event's
// level.
func LogEvents(logger *Logger) EventHandler {
	zl := logger.NewComponentLogger("events").Zerolog()
	return func(event Event) {
		level := zerolog.InfoLevel
		switch event.Level {
		case EventLevelWarning:
			level = zerolog.WarnLevel
		case EventLevelError:
			level = zerolog.ErrorLevel
		}
		e := zl.WithLevel(level).
			Str("event_id", event.ID).
			Str("event_type", event.Type)
		if event.Platform != "" {
			e = e.Str("platform", event.Platform)
		}
		if event.SecretRef != "" {
			e = e.Str("secret_ref", event.SecretRef)
		}
		if event.DefinitionID != "" {
			e = e.Str("definition_id", event.DefinitionID)
		}
		if len(event.Data) > 0 {
			e = e.Interface("data", event.Data)
		}
		e.Msg(event.Message)
	}
}

func (ep *EventPublisher) PublishCredentialCreated(platform, ref string) error {
	return ep.Publish(Event{
		Type:      EventTypeCredentialCreated,
		Level:     EventLevelInfo,
		Platform:  platform,
		SecretRef: ref,
		Message:   "credential created",
	})
}

func (ep *EventPublisher) PublishCredentialRefreshed(platform, ref string, expiresAt time.Time) error {
	event := Event{
		Type:      EventTypeCredentialRefreshed,
		Level:     EventLevelInfo,
		Platform:  platform,
		SecretRef: ref,
		Message:   "credential refreshed",
	}
	if !expiresAt.IsZero() {
		event.Data = map[string]interface{}{"expiresAt": expiresAt.UTC().Format(time.RFC3339)}
	}
	return ep.Publish(event)
}

func (ep *EventPublisher) PublishCredentialRefreshFailed(platform, ref, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypeCredentialRefreshFailed,
		Level:     EventLevelError,
		Platform:  platform,
		SecretRef: ref,
		Message:   "credential refresh failed",
		Data:      map[string]interface{}{"reason": reason},
	})
}

func (ep *EventPublisher) PublishCredentialRevoked(platform, ref string) error {
	return ep.Publish(Event{
		Type:      EventTypeCredentialRevoked,
		Level:     EventLevelWarning,
		Platform:  platform,
		SecretRef: ref,
		Message:   "credential revoked",
	})
}

// PublishConnectionTested records the state a connection test ended in; any
// state other than success is a warning.
func (ep *EventPublisher) PublishConnectionTested(platform, definitionID, state string) error {
	level := EventLevelInfo
	if state != "success" {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:         EventTypeConnectionTested,
		Level:        level,
		Platform:     platform,
		DefinitionID: definitionID,
		Message:      "connection tested: " + state,
		Data:         map[string]interface{}{"state": state},
	})
}

func (ep *EventPublisher) PublishDefinitionsImported(imported, skipped int) error {
	return ep.Publish(Event{
		Type:    EventTypeDefinitionsImported,
		Level:   EventLevelInfo,
		Message: fmt.Sprintf("imported %d definitions, skipped %d", imported, skipped),
		Data:    map[string]interface{}{"imported": imported, "skipped": skipped},
	})
}

func (ep *EventPublisher) PublishPolicyViolation(definitionID, policy, reason string) error {
	return ep.Publish(Event{
		Type:         EventTypePolicyViolation,
		Level:        EventLevelError,
		DefinitionID: definitionID,
		Message:      "definition rejected by " + policy,
		Data:         map[string]interface{}{"policy": policy, "reason": reason},
	})
}
