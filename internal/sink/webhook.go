package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/polymarket-signal-pipeline/marketsignal/internal/events"
)

// WebhookSink posts each event as a JSON payload to a configured URL,
// retrying transient failures with jittered exponential backoff and
// honoring Retry-After. Grounded on the teacher's ad hoc webhook-retry
// loop pattern (pkg/wss/client.go's reconnect backoff math), generalized
// via the shared cenkalti/backoff/v4 policy named in the dependency
// wiring table, and on its HTTP client construction style
// (gamma.Client's http.Client + timeout option).
type WebhookSink struct {
	url         string
	httpClient  *http.Client
	maxRetries  uint64

	aggregateEnabled bool
	aggregateWindow  time.Duration
	aggregateMax     int

	mu      sync.Mutex
	buckets map[aggregateKey]*aggregateBucket
}

type aggregateKey struct {
	marketID string
	signal   string
}

type aggregateBucket struct {
	items []events.DomainEvent
	timer *time.Timer
}

// WebhookOption configures a WebhookSink at construction time.
type WebhookOption func(*WebhookSink)

func WithWebhookHTTPClient(c *http.Client) WebhookOption {
	return func(w *WebhookSink) { w.httpClient = c }
}

func WithWebhookMaxRetries(n uint64) WebhookOption {
	return func(w *WebhookSink) { w.maxRetries = n }
}

// WithWebhookAggregation enables buffering events keyed by
// (market_id, signal) for window, flushing at most maxItems per bucket
// sorted by magnitude (notional/pct_change/vol_1m, descending) when the
// window elapses.
func WithWebhookAggregation(window time.Duration, maxItems int) WebhookOption {
	return func(w *WebhookSink) {
		w.aggregateEnabled = true
		w.aggregateWindow = window
		w.aggregateMax = maxItems
	}
}

func NewWebhookSink(url string, timeout time.Duration, opts ...WebhookOption) *WebhookSink {
	w := &WebhookSink{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: 3,
		buckets:    map[aggregateKey]*aggregateBucket{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *WebhookSink) Publish(ctx context.Context, event events.DomainEvent) error {
	if !w.aggregateEnabled {
		return w.deliver(ctx, []events.DomainEvent{event})
	}

	key := aggregateKey{marketID: event.MarketID, signal: signalLabel(event)}
	w.mu.Lock()
	bucket, ok := w.buckets[key]
	if !ok {
		bucket = &aggregateBucket{}
		w.buckets[key] = bucket
		bucket.timer = time.AfterFunc(w.aggregateWindow, func() {
			w.flush(context.Background(), key)
		})
	}
	bucket.items = append(bucket.items, event)
	w.mu.Unlock()
	return nil
}

func (w *WebhookSink) flush(ctx context.Context, key aggregateKey) {
	w.mu.Lock()
	bucket, ok := w.buckets[key]
	if ok {
		delete(w.buckets, key)
	}
	w.mu.Unlock()
	if !ok || len(bucket.items) == 0 {
		return
	}

	items := bucket.items
	sort.Slice(items, func(i, j int) bool {
		return magnitude(items[i]) > magnitude(items[j])
	})
	if w.aggregateMax > 0 && len(items) > w.aggregateMax {
		items = items[:w.aggregateMax]
	}
	_ = w.deliver(ctx, items)
}

func signalLabel(event events.DomainEvent) string {
	switch p := event.Payload.(type) {
	case events.MajorChangePayload:
		return string(p.Signal)
	case events.BigTradePayload:
		return string(p.Signal)
	case events.VolumeSpikePayload:
		return string(p.Signal)
	case events.BigWallPayload:
		return string(p.Signal)
	case events.WebVolumeSpikePayload:
		return string(p.Signal)
	default:
		return string(event.EventType)
	}
}

func magnitude(event events.DomainEvent) float64 {
	switch p := event.Payload.(type) {
	case events.MajorChangePayload:
		f, _ := p.PctChange.Float64()
		return f
	case events.BigTradePayload:
		f, _ := p.Notional.Float64()
		return f
	case events.VolumeSpikePayload:
		f, _ := p.Vol1M.Float64()
		return f
	case events.BigWallPayload:
		bid, _ := p.MaxBid.Float64()
		ask, _ := p.MaxAsk.Float64()
		if ask > bid {
			return ask
		}
		return bid
	default:
		return 0
	}
}

type webhookPayload struct {
	Events []events.DomainEvent `json:"events"`
}

// deliver posts items (one event, or an aggregated batch) with
// exponential-backoff-with-jitter retry: the interval starts at 0.5s,
// doubles per attempt and is capped at 30s, then randomized by +/-50%
// (an approximation of min(0.5*2^attempt + U[0,0.25), 30) seconds), and
// a Retry-After header, when present, replaces the next delay.
func (w *WebhookSink) deliver(ctx context.Context, items []events.DomainEvent) error {
	body, err := json.Marshal(webhookPayload{Events: items})
	if err != nil {
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.Multiplier = 2
	policy.MaxInterval = 30 * time.Second
	policy.RandomizationFactor = 0.5 // approximates the U[0, 0.25s) jitter term at small intervals

	var retryAfter time.Duration
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
			return fmt.Errorf("webhook: upstream status %d", resp.StatusCode)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("webhook: upstream status %d", resp.StatusCode))
		}
		return nil
	}

	wrapped := backoff.WithMaxRetries(&retryAfterBackOff{inner: policy, retryAfter: &retryAfter}, w.maxRetries)
	return backoff.Retry(op, backoff.WithContext(wrapped, ctx))
}

// retryAfterBackOff defers to the wrapped exponential policy, except
// that a non-zero Retry-After observed on the most recent response
// overrides the computed delay for the next attempt.
type retryAfterBackOff struct {
	inner      backoff.BackOff
	retryAfter *time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	if *b.retryAfter > 0 {
		d := *b.retryAfter
		*b.retryAfter = 0
		return d
	}
	return b.inner.NextBackOff()
}

func (b *retryAfterBackOff) Reset() { b.inner.Reset() }

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(header, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(header); err == nil {
		return time.Until(t)
	}
	return 0
}
