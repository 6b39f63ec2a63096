// Package events defines the DomainEvent model and its tagged payload
// union, published by the signal engine and orchestrator and consumed by
// the multiplex sink.
package events

import "github.com/shopspring/decimal"

// Type enumerates the kinds of DomainEvent the pipeline emits.
type Type string

const (
	TypeCandidateSelected   Type = "CandidateSelected"
	TypeSubscriptionChanged Type = "SubscriptionChanged"
	TypeMonitoringStatus    Type = "MonitoringStatus"
	TypeTradeSignal         Type = "TradeSignal"
	TypeBookSignal          Type = "BookSignal"
	TypePriceSignal         Type = "PriceSignal"
	TypeMarketLifecycle     Type = "MarketLifecycle"
	TypeHealthEvent         Type = "HealthEvent"
)

// SignalKind enumerates the discriminant carried by signal payloads.
type SignalKind string

const (
	SignalMajorChange    SignalKind = "major_change"
	SignalBigTrade       SignalKind = "big_trade"
	SignalVolumeSpike1M  SignalKind = "volume_spike_1m"
	SignalBigWall        SignalKind = "big_wall"
	SignalWebVolumeSpike SignalKind = "web_volume_spike"
)

// Payload is implemented by every concrete event payload type.
type Payload interface {
	isPayload()
}

// MajorChangePayload reports a price move exceeding the configured
// percentage or low-price-absolute threshold.
type MajorChangePayload struct {
	Signal          SignalKind
	PctChange       decimal.Decimal
	PctChangeSigned decimal.Decimal
	Direction       string // "up" | "down"
	Price           decimal.Decimal
	PrevPrice       decimal.Decimal
	WindowSec       int64
	Notional        decimal.Decimal
	Source          string // "trade" | "book"
}

func (MajorChangePayload) isPayload() {}

// BigTradePayload reports a single trade (or merged set of trades)
// exceeding the notional threshold.
type BigTradePayload struct {
	Signal SignalKind
	Notional decimal.Decimal
	Price    decimal.Decimal
	Size     decimal.Decimal
	Vol1M    *decimal.Decimal
}

func (BigTradePayload) isPayload() {}

// VolumeSpikePayload reports a rolling 1-minute trade volume exceeding
// the configured threshold.
type VolumeSpikePayload struct {
	Signal SignalKind
	Vol1M  decimal.Decimal
	Price  decimal.Decimal
	Size   decimal.Decimal
}

func (VolumeSpikePayload) isPayload() {}

// BigWallPayload reports a resting order-book level exceeding the
// configured size threshold.
type BigWallPayload struct {
	Signal    SignalKind
	MaxBid    decimal.Decimal
	MaxAsk    decimal.Decimal
	Threshold decimal.Decimal
}

func (BigWallPayload) isPayload() {}

// WebVolumeSpikePayload reports a catalog-observed 24h volume jump on an
// untradeable (polled, not streamed) market.
type WebVolumeSpikePayload struct {
	Signal       SignalKind
	DeltaVolume  decimal.Decimal
	Volume24H    decimal.Decimal
	WindowSec    int64
}

func (WebVolumeSpikePayload) isPayload() {}

// MonitoringStatusPayload summarizes the subscribed/untradeable universe,
// emitted once after the first successful refresh with a non-empty token
// set.
type MonitoringStatusPayload struct {
	Status                  string
	MarketCount             int
	EventCount              int
	TokenCount              int
	UnsubscribableCount     int
	UnsubscribableEventCount int
}

func (MonitoringStatusPayload) isPayload() {}

// MarketLifecyclePayload reports a market entering or leaving the tracked
// universe, or a resolution/closure observed on the feed.
type MarketLifecyclePayload struct {
	Status string // "new" | "removed" | feed-reported status
	EndTS  *int64
}

func (MarketLifecyclePayload) isPayload() {}

// HealthPayload reports the outcome of a refresh cycle or other
// operational transition.
type HealthPayload struct {
	Status     string // "refresh_ok" | "refresh_error" | ...
	DurationMS *int64
	Error      string
}

func (HealthPayload) isPayload() {}

// CandidateSelectedPayload reports the size of the per-category selection
// produced by a refresh.
type CandidateSelectedPayload struct {
	MarketCount int
}

func (CandidateSelectedPayload) isPayload() {}

// SubscriptionChangedPayload reports that the desired token set changed
// and a new subscribe/unsubscribe round was sent to the feed.
type SubscriptionChangedPayload struct {
	TokenCount int
}

func (SubscriptionChangedPayload) isPayload() {}

// DomainEvent is the single event envelope published through the
// multiplex sink.
type DomainEvent struct {
	EventID   string
	TsMS      int64
	Source    string
	Category  string
	EventType Type
	MarketID  string
	TokenID   string
	Side      string
	Title     string
	TopicKey  string
	Payload   Payload
	Metrics   map[string]any
	Raw       map[string]any
}

// Compact returns a copy of the event with Raw dropped, used by the
// multiplex sink's "compact" transform.
func (e DomainEvent) Compact() DomainEvent {
	c := e
	c.Raw = nil
	return c
}
