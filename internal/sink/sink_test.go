package sink

import (
	"context"
	"errors"
	"testing"

	"github.com/polymarket-signal-pipeline/marketsignal/internal/events"
)

type fakeSink struct {
	received []events.DomainEvent
	failWith error
}

func (f *fakeSink) Publish(ctx context.Context, event events.DomainEvent) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.received = append(f.received, event)
	return nil
}

// Scenario 6: sinks {a: ok, b: raises}, required=["b"]. Publishing any
// event must raise, and sink a must still have received the event.
func TestRequiredSinkFailureRaisesButOthersStillReceive(t *testing.T) {
	a := &fakeSink{}
	b := &fakeSink{failWith: errors.New("boom")}
	mx := NewMultiplex(map[string]Sink{"a": a, "b": b}, WithRequiredSinks("b"))

	event := events.DomainEvent{EventID: "e1", EventType: events.TypeTradeSignal, MarketID: "M1"}
	err := mx.Publish(context.Background(), event)

	if err == nil {
		t.Fatalf("expected an error from a required sink failure")
	}
	var rsErr *RequiredSinksFailedError
	if !errors.As(err, &rsErr) {
		t.Fatalf("expected RequiredSinksFailedError, got %T: %v", err, err)
	}
	if len(rsErr.Sinks) != 1 || rsErr.Sinks[0] != "b" {
		t.Errorf("expected failed sinks=[b], got %v", rsErr.Sinks)
	}
	if len(a.received) != 1 {
		t.Fatalf("expected sink a to still receive the event, got %d", len(a.received))
	}
}

func TestNonRequiredSinkFailureIsSwallowed(t *testing.T) {
	a := &fakeSink{}
	b := &fakeSink{failWith: errors.New("boom")}
	mx := NewMultiplex(map[string]Sink{"a": a, "b": b})

	event := events.DomainEvent{EventID: "e1", EventType: events.TypeTradeSignal}
	if err := mx.Publish(context.Background(), event); err != nil {
		t.Fatalf("expected best-effort mode to swallow failures, got %v", err)
	}
	if len(a.received) != 1 {
		t.Errorf("expected sink a to receive the event, got %d", len(a.received))
	}
}

func TestRoutesRestrictTargets(t *testing.T) {
	a := &fakeSink{}
	b := &fakeSink{}
	mx := NewMultiplex(map[string]Sink{"a": a, "b": b}, WithRoutes(map[events.Type][]string{
		events.TypeHealthEvent: {"a"},
	}))

	event := events.DomainEvent{EventID: "e1", EventType: events.TypeHealthEvent}
	if err := mx.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(a.received) != 1 {
		t.Errorf("expected routed sink a to receive the event, got %d", len(a.received))
	}
	if len(b.received) != 0 {
		t.Errorf("expected unrouted sink b to not receive the event, got %d", len(b.received))
	}
}

func TestCompactTransformDropsRaw(t *testing.T) {
	a := &fakeSink{}
	mx := NewMultiplex(map[string]Sink{"a": a}, WithTransform(TransformCompact))

	event := events.DomainEvent{EventID: "e1", EventType: events.TypeTradeSignal, Raw: map[string]any{"x": 1}}
	if err := mx.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(a.received) != 1 {
		t.Fatalf("expected 1 event received, got %d", len(a.received))
	}
	if a.received[0].Raw != nil {
		t.Errorf("expected compact transform to drop Raw, got %+v", a.received[0].Raw)
	}
}

// Law: transform=full round-trips — every child receives an event equal
// by value to the input.
func TestFullTransformRoundTrips(t *testing.T) {
	a := &fakeSink{}
	mx := NewMultiplex(map[string]Sink{"a": a}, WithTransform(TransformFull))

	event := events.DomainEvent{EventID: "e1", EventType: events.TypeTradeSignal, Raw: map[string]any{"x": 1}}
	if err := mx.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if a.received[0].EventID != event.EventID || a.received[0].Raw["x"] != 1 {
		t.Errorf("expected full transform to round-trip the event unchanged, got %+v", a.received[0])
	}
}
