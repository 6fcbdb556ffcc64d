package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/warden/internal/config"
	"github.com/nugget/warden/internal/events"
)

type fakePublisher struct {
	mu   sync.Mutex
	got  []*paho.Publish
	err  error
	sent chan struct{}
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{sent: make(chan struct{}, 64)}
}

func (f *fakePublisher) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	f.mu.Lock()
	f.got = append(f.got, p)
	f.mu.Unlock()
	f.sent <- struct{}{}
	return nil, f.err
}

func (f *fakePublisher) wait(t *testing.T, n int) []*paho.Publish {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.sent:
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d publishes, want %d", i, n)
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*paho.Publish(nil), f.got...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBridge_Topics(t *testing.T) {
	b := New(config.MQTTConfig{TopicPrefix: "home/warden"}, "c1", nil, nil)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"availability", b.availabilityTopic(), "home/warden/availability"},
		{"event", b.eventTopic(events.Event{Source: "agent", Kind: "turn_start"}), "home/warden/events/agent/turn_start"},
		{"wildcards flattened", b.eventTopic(events.Event{Source: "a/b", Kind: "x+#"}), "home/warden/events/a_b/x__"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestBridge_Defaults(t *testing.T) {
	b := New(config.MQTTConfig{ClientID: "configured"}, "", nil, nil)
	if b.clientID != "configured" {
		t.Errorf("clientID = %q, want configured value", b.clientID)
	}
	if got := b.availabilityTopic(); got != "warden/availability" {
		t.Errorf("availabilityTopic() = %q", got)
	}
}

func TestBridge_ForwardsEvents(t *testing.T) {
	bus := events.New()
	b := New(config.MQTTConfig{TopicPrefix: "warden"}, "c1", bus, quietLogger())
	pub := newFakePublisher()
	b.pub = pub

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := bus.Subscribe(eventBuffer)
	done := make(chan struct{})
	go func() {
		b.pump(ctx, ch)
		close(done)
	}()

	bus.Emit(events.SourceAgent, events.KindTurnStart, map[string]any{"turn_id": "t1", "session": "cli:test"})
	bus.Emit(events.SourceMemory, events.KindConsolidated, map[string]any{"dropped": 4})

	got := pub.wait(t, 2)
	if got[0].Topic != "warden/events/agent/turn_start" || got[1].Topic != "warden/events/memory/consolidated" {
		t.Errorf("topics = %q, %q", got[0].Topic, got[1].Topic)
	}
	for _, p := range got {
		if p.QoS != 0 || p.Retain {
			t.Errorf("%s: QoS=%d retain=%v, want 0/false", p.Topic, p.QoS, p.Retain)
		}
	}

	var e events.Event
	if err := json.Unmarshal(got[0].Payload, &e); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if e.Source != "agent" || e.Kind != "turn_start" || e.Data["session"] != "cli:test" || e.Timestamp.IsZero() {
		t.Errorf("payload = %s", got[0].Payload)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not stop on cancel")
	}
}

func TestBridge_PublishErrorsDoNotStop(t *testing.T) {
	bus := events.New()
	b := New(config.MQTTConfig{}, "c1", bus, quietLogger())
	pub := newFakePublisher()
	pub.err = errors.New("not connected")
	b.pub = pub

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := bus.Subscribe(eventBuffer)
	go b.pump(ctx, ch)

	bus.Emit(events.SourceAgent, events.KindLLMCall, nil)
	bus.Emit(events.SourceAgent, events.KindToolCall, nil)
	pub.wait(t, 2)
}

func TestBridge_PumpStopsOnUnsubscribe(t *testing.T) {
	bus := events.New()
	b := New(config.MQTTConfig{}, "c1", bus, quietLogger())
	b.pub = newFakePublisher()

	ch := bus.Subscribe(1)
	done := make(chan struct{})
	go func() {
		b.pump(context.Background(), ch)
		close(done)
	}()
	bus.Unsubscribe(ch)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not stop when the subscription closed")
	}
}

func TestBridge_Availability(t *testing.T) {
	b := New(config.MQTTConfig{TopicPrefix: "warden"}, "c1", nil, quietLogger())
	pub := newFakePublisher()
	b.publishAvailability(context.Background(), pub, "online")

	got := pub.wait(t, 1)
	if got[0].Topic != "warden/availability" || string(got[0].Payload) != "online" || !got[0].Retain || got[0].QoS != 1 {
		t.Errorf("availability publish = %+v", got[0])
	}
}

func TestRateLimiter(t *testing.T) {
	r := newRateLimiter(2, time.Hour, quietLogger())
	if !r.allow() || !r.allow() {
		t.Fatal("first two events should be allowed")
	}
	if r.allow() {
		t.Error("third event should be dropped")
	}
	if r.dropped.Load() != 1 {
		t.Errorf("dropped = %d, want 1", r.dropped.Load())
	}
	r.reset()
	if !r.allow() {
		t.Error("event after reset should be allowed")
	}
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if parts := strings.Split(first, "-"); len(parts) != 5 {
		t.Errorf("id %q does not look like a UUID", first)
	}

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != first {
		t.Errorf("file content = %q, want %q", got, first)
	}

	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q (should be stable)", second, first)
	}
}

func TestDefaultClientID(t *testing.T) {
	got := DefaultClientID("0190f5e2-7a3b-7c4d-8e5f-a1b2c3d4e5f6")
	if got != "warden-a1b2c3d4e5f6" {
		t.Errorf("DefaultClientID() = %q", got)
	}
	if got := DefaultClientID("abc"); got != "warden-abc" {
		t.Errorf("DefaultClientID(short) = %q", got)
	}
}
