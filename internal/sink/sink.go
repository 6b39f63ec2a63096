// Package sink implements C8: fan-out delivery of DomainEvents to one or
// more named child sinks. Grounded on the teacher's streaming hub
// fan-out pattern (pkg/trader/streaming/hub.go's Hub.clients), recast
// from "broadcast to connected websocket clients" to "publish to named
// delivery backends" with routing, transform, and required-sink failure
// semantics.
package sink

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/polymarket-signal-pipeline/marketsignal/internal/events"
	"github.com/polymarket-signal-pipeline/marketsignal/internal/metrics"
)

// Sink is implemented by every delivery backend a Multiplex can target.
type Sink interface {
	Publish(ctx context.Context, event events.DomainEvent) error
}

// Mode controls how Multiplex.Publish reacts to per-sink failures. In
// ModeRequiredSinks with no sinks named via WithRequiredSinks, every sink
// counts as required.
type Mode string

const (
	ModeBestEffort     Mode = "best_effort"
	ModeRequiredSinks  Mode = "required_sinks"
)

// Transform selects the event shape handed to each child sink.
type Transform string

const (
	TransformFull    Transform = "full"
	TransformCompact Transform = "compact"
)

// MultiplexOption configures a Multiplex at construction time.
type MultiplexOption func(*Multiplex)

// WithMode sets the failure-handling mode.
func WithMode(m Mode) MultiplexOption {
	return func(mx *Multiplex) { mx.mode = m }
}

// WithRequiredSinks names sinks whose failure must raise an error from
// Publish, regardless of mode.
func WithRequiredSinks(names ...string) MultiplexOption {
	return func(mx *Multiplex) {
		for _, n := range names {
			mx.required[n] = struct{}{}
		}
	}
}

// WithRoutes maps an events.Type (by value) to the subset of sink names
// that should receive it. Event types with no route go to every sink.
func WithRoutes(routes map[events.Type][]string) MultiplexOption {
	return func(mx *Multiplex) { mx.routes = routes }
}

// WithTransform sets the transform applied before publishing to every
// child sink.
func WithTransform(t Transform) MultiplexOption {
	return func(mx *Multiplex) { mx.transform = t }
}

// Multiplex fans one DomainEvent out to every routed child sink.
type Multiplex struct {
	sinks     map[string]Sink
	mode      Mode
	required  map[string]struct{}
	routes    map[events.Type][]string
	transform Transform
	metrics   *metrics.PipelineMetrics
}

// WithMetrics attaches a metrics collector that records a
// success/failure outcome per child-sink delivery attempt.
func WithMetrics(m *metrics.PipelineMetrics) MultiplexOption {
	return func(mx *Multiplex) { mx.metrics = m }
}

// NewMultiplex builds a Multiplex over the given named sinks.
func NewMultiplex(sinks map[string]Sink, opts ...MultiplexOption) *Multiplex {
	mx := &Multiplex{
		sinks:     sinks,
		mode:      ModeBestEffort,
		required:  map[string]struct{}{},
		transform: TransformFull,
	}
	for _, opt := range opts {
		opt(mx)
	}
	return mx
}

// RequiredSinksFailedError is returned by Publish when mode is
// required_sinks (or any required sink is configured) and at least one
// required sink failed.
type RequiredSinksFailedError struct {
	Sinks []string
}

func (e *RequiredSinksFailedError) Error() string {
	return fmt.Sprintf("required sinks failed: %v", e.Sinks)
}

// Publish transforms the event per the configured Transform, delivers it
// sequentially to every resolved target sink, logs and swallows
// non-required failures, and raises RequiredSinksFailedError naming only
// the required sinks that failed.
func (mx *Multiplex) Publish(ctx context.Context, event events.DomainEvent) error {
	targets := mx.resolveTargets(event.EventType)
	payload := mx.transformEvent(event)

	errored := map[string]struct{}{}
	for _, name := range targets {
		s, ok := mx.sinks[name]
		if !ok {
			continue
		}
		if err := s.Publish(ctx, payload); err != nil {
			errored[name] = struct{}{}
			log.Printf("sink: publish failed sink=%s err=%v", name, err)
			if mx.metrics != nil {
				mx.metrics.RecordSinkDelivery(name, "failure")
			}
			continue
		}
		if mx.metrics != nil {
			mx.metrics.RecordSinkDelivery(name, "success")
		}
	}

	if len(errored) == 0 {
		return nil
	}
	if mx.mode == ModeRequiredSinks || len(mx.required) > 0 {
		var missing []string
		allRequired := mx.mode == ModeRequiredSinks && len(mx.required) == 0
		for name := range errored {
			if _, required := mx.required[name]; required || allRequired {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return &RequiredSinksFailedError{Sinks: missing}
		}
	}
	return nil
}

func (mx *Multiplex) resolveTargets(eventType events.Type) []string {
	if routed, ok := mx.routes[eventType]; ok && len(routed) > 0 {
		return routed
	}
	out := make([]string, 0, len(mx.sinks))
	for name := range mx.sinks {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (mx *Multiplex) transformEvent(event events.DomainEvent) events.DomainEvent {
	if mx.transform == TransformCompact {
		return event.Compact()
	}
	return event
}
