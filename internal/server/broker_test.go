package server

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// testLogger returns a logger for tests that discards output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBrokerTenantFanOut(t *testing.T) {
	broker := &Broker{
		subscribers: make(map[chan []byte]uuid.UUID),
		logger:      testLogger(),
	}

	tenantA := uuid.New()
	tenantB := uuid.New()

	// Two subscribers for tenant A, one for tenant B.
	chA1 := broker.Subscribe(tenantA)
	chA2 := broker.Subscribe(tenantA)
	chB := broker.Subscribe(tenantB)

	event := formatSSE("escalation", `{"escalation_id":"abc"}`)
	broker.broadcast(tenantA, event)

	// Both tenant A subscribers receive the event.
	for i, ch := range []chan []byte{chA1, chA2} {
		select {
		case got := <-ch:
			if string(got) != string(event) {
				t.Errorf("tenant A subscriber %d: got %q, want %q", i, got, event)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("tenant A subscriber %d: timed out waiting for event", i)
		}
	}

	// Tenant B must not see tenant A's escalation.
	select {
	case got := <-chB:
		t.Errorf("tenant B received tenant A's event: %q", got)
	default:
	}

	// Unsubscribe chA1, broadcast again — only chA2 should receive.
	broker.Unsubscribe(chA1)
	event2 := formatSSE("escalation", `{"escalation_id":"def"}`)
	broker.broadcast(tenantA, event2)

	select {
	case got := <-chA2:
		if string(got) != string(event2) {
			t.Errorf("chA2: got %q, want %q", got, event2)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("chA2: timed out waiting for event after chA1 unsubscribed")
	}

	broker.Unsubscribe(chA2)
	broker.Unsubscribe(chB)
}

func TestBrokerSlowSubscriber(t *testing.T) {
	broker := &Broker{
		subscribers: make(map[chan []byte]uuid.UUID),
		logger:      testLogger(),
	}

	tenantID := uuid.New()

	// Slow subscriber whose buffer we never drain.
	slow := broker.Subscribe(tenantID)
	fast := broker.Subscribe(tenantID)

	// Fill the slow subscriber's buffer.
	for range 65 {
		broker.broadcast(tenantID, formatSSE("escalation", "fill"))
	}

	// Drain fast so its buffer has room again.
	for len(fast) > 0 {
		<-fast
	}

	// Fast subscriber still gets events; the stalled one is skipped.
	event := formatSSE("escalation", "after-fill")
	broker.broadcast(tenantID, event)

	select {
	case got := <-fast:
		if string(got) != string(event) {
			t.Errorf("fast: got %q, want %q", got, event)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("fast subscriber blocked by slow subscriber")
	}

	broker.Unsubscribe(slow)
	broker.Unsubscribe(fast)
}

func TestTenantFromPayload(t *testing.T) {
	tenantID := uuid.New()

	tests := []struct {
		name    string
		payload string
		want    uuid.UUID
		ok      bool
	}{
		{"valid", `{"tenant_id":"` + tenantID.String() + `","escalation_id":"abc"}`, tenantID, true},
		{"missing tenant", `{"escalation_id":"abc"}`, uuid.Nil, false},
		{"nil tenant", `{"tenant_id":"00000000-0000-0000-0000-000000000000"}`, uuid.Nil, false},
		{"not json", `not json`, uuid.Nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tenantFromPayload(tt.payload)
			if ok != tt.ok || got != tt.want {
				t.Errorf("tenantFromPayload(%q) = (%v, %v), want (%v, %v)", tt.payload, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestFormatSSE(t *testing.T) {
	got := string(formatSSE("escalation", `{"id":"123"}`))
	want := "event: escalation\ndata: {\"id\":\"123\"}\n\n"
	if got != want {
		t.Errorf("formatSSE: got %q, want %q", got, want)
	}
}
