package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestEventPublisher_Disabled(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ep.Subscribe(func(Event) { t.Error("disabled publisher delivered an event") })
	if err := ep.PublishCredentialCreated("hubspot", "sec_1"); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
}

func TestEventPublisher_SubscribeByType(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 4})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}

	var all, revoked []string
	ep.Subscribe(func(e Event) { all = append(all, e.Type) })
	ep.Subscribe(func(e Event) { revoked = append(revoked, e.SecretRef) }, EventTypeCredentialRevoked)

	_ = ep.PublishCredentialCreated("hubspot", "sec_1")
	_ = ep.PublishCredentialRevoked("hubspot", "sec_2")

	if len(all) != 2 || all[0] != EventTypeCredentialCreated {
		t.Errorf("unexpected events for catch-all handler: %v", all)
	}
	if len(revoked) != 1 || revoked[0] != "sec_2" {
		t.Errorf("unexpected events for revoked handler: %v", revoked)
	}
}

func TestEventPublisher_AsyncDeliversBeforeShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 16, EnableAsync: true})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}

	var mu sync.Mutex
	var ids []string
	ep.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		ids = append(ids, e.ID)
	})

	for i := 0; i < 5; i++ {
		if err := ep.PublishDefinitionsImported(i, 0); err != nil {
			t.Fatalf("publish %d failed: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(ids) != 5 {
		t.Fatalf("expected 5 delivered events, got %d", len(ids))
	}
	for _, id := range ids {
		if id == "" {
			t.Error("event delivered without an id")
		}
	}

	if err := ep.PublishDefinitionsImported(1, 0); !errors.Is(err, ErrPublisherStopped) {
		t.Errorf("expected ErrPublisherStopped after shutdown, got %v", err)
	}
}

func TestLogEvents(t *testing.T) {
	var buf bytes.Buffer
	logger := &Logger{zlog: zerolog.New(&buf)}

	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}
	ep.Subscribe(LogEvents(logger))

	_ = ep.PublishCredentialRefreshFailed("hubspot", "sec_1", "token endpoint returned 400")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("failed to decode log line %q: %v", buf.String(), err)
	}
	want := map[string]string{
		"level":      "error",
		"component":  "events",
		"event_type": EventTypeCredentialRefreshFailed,
		"platform":   "hubspot",
		"secret_ref": "sec_1",
		"message":    "credential refresh failed",
	}
	for k, v := range want {
		if line[k] != v {
			t.Errorf("expected %s=%q, got %v", k, v, line[k])
		}
	}
}
