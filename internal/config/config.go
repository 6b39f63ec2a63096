// Package config holds the plain Go configuration structs for every
// component. File/env parsing and CLI flag handling are external
// collaborators (see cmd/marketsignal); this package only defines shape
// and sane defaults, the way the teacher's policy/orchestrator packages
// expose a DefaultXxxConfig() constructor per config struct.
package config

import "time"

// AppConfig controls the top-level refresh cadence and category set.
type AppConfig struct {
	Categories         []string
	RefreshIntervalSec int
}

// DefaultAppConfig mirrors the original engine's defaults.
func DefaultAppConfig() AppConfig {
	return AppConfig{
		Categories:         []string{"finance", "geopolitics"},
		RefreshIntervalSec: 60,
	}
}

// FiltersConfig controls per-category top-K selection.
type FiltersConfig struct {
	TopKPerCategory int
	HotSort         []string
	MinLiquidity    *float64
	KeywordAllow    []string
	KeywordBlock    []string

	// FocusKeywords is a case-insensitive substring pre-filter applied to
	// every market's question text before the active/untradeable split;
	// an empty list passes every market through unfiltered.
	FocusKeywords []string
}

func DefaultFiltersConfig() FiltersConfig {
	return FiltersConfig{
		TopKPerCategory: 10,
		HotSort:         []string{"liquidity", "volume_24h"},
	}
}

// RollingConfig controls primary-per-topic de-duplication.
type RollingConfig struct {
	Enabled                  bool
	PrimarySelectionPriority []string
	MaxMarketsPerTopic       int
}

func DefaultRollingConfig() RollingConfig {
	return RollingConfig{
		Enabled:                  true,
		PrimarySelectionPriority: []string{"liquidity", "volume_24h", "end_ts"},
		MaxMarketsPerTopic:       1,
	}
}

// TopConfig controls the cross-category "top" list.
type TopConfig struct {
	Enabled      bool
	Limit        int
	Order        string
	Ascending    bool
	FeaturedOnly bool
	CategoryName string
}

func DefaultTopConfig() TopConfig {
	return TopConfig{
		Enabled:      false,
		Limit:        30,
		Order:        "volume24hr",
		CategoryName: "top",
	}
}

// GammaConfig controls the catalog HTTP client.
type GammaConfig struct {
	BaseURL              string
	TimeoutSec           float64
	PageSize             int
	UseEventsEndpoint    bool
	EventsLimitPerCategory int
	EventsSortPrimary    string
	EventsSortSecondary  string
	EventsSortDesc       bool
	RelatedTags          bool
	RequestIntervalMS    int
	TagsCacheSec         int
	RetryMaxAttempts     int
}

func DefaultGammaConfig() GammaConfig {
	return GammaConfig{
		BaseURL:             "https://gamma-api.polymarket.com",
		TimeoutSec:          10,
		PageSize:            200,
		UseEventsEndpoint:   true,
		EventsSortPrimary:   "volume24hr",
		EventsSortSecondary: "liquidity",
		EventsSortDesc:      true,
		RequestIntervalMS:   0,
		TagsCacheSec:        600,
		RetryMaxAttempts:    5,
	}
}

func (c GammaConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec * float64(time.Second))
}

// ClobConfig controls the streaming feed client.
type ClobConfig struct {
	WSURL                 string
	Channel               string
	CustomFeatureEnabled  bool
	InitialDump           bool
	MaxFrameBytes         int
	PingIntervalSec       *int
	PingMessage           string
	PongMessage           string
	ReconnectBackoffSec   int
	ReconnectMaxSec       int
	ResyncOnGap           bool
	ResyncMinIntervalSec  int
}

func DefaultClobConfig() ClobConfig {
	ping := 10
	return ClobConfig{
		WSURL:                "wss://ws-subscriptions-clob.polymarket.com/ws/market",
		Channel:              "market",
		CustomFeatureEnabled: true,
		InitialDump:          true,
		MaxFrameBytes:        32 * 1024,
		PingIntervalSec:      &ping,
		PingMessage:          "PING",
		PongMessage:          "pong",
		ReconnectBackoffSec:  5,
		ReconnectMaxSec:      60,
		ResyncOnGap:          true,
		ResyncMinIntervalSec: 30,
	}
}

// SignalsConfig controls the signal engine's thresholds and gating.
type SignalsConfig struct {
	BigTradeUSD            float64
	BigVolume1MUSD         float64
	BigWallSize            *float64
	CooldownSec            int
	MajorChangePct         float64
	MajorChangeWindowSec   int
	MajorChangeMinNotional float64
	MajorChangeSource      string // trade | book | any
	MajorChangeLowPriceMax float64
	MajorChangeLowPriceAbs float64
	MajorChangeSpreadGateK float64
	HighConfidenceThreshold float64
	ReverseAllowThreshold   float64
	MergeWindowSec          float64
	DropExpiredMarkets      bool

	// PollingVolumeThresholdUSD and PollingWindowSec drive the
	// catalog-observed web_volume_spike signal for untradeable markets
	// (orchestrator §4.8 step 7); not present on the original SignalSettings
	// dataclass (it lived on the discovery/orchestrator side in the
	// source) but grouped here since it shares the signals.* namespace in
	// the configuration surface enumerated by the spec.
	PollingVolumeThresholdUSD float64
	PollingWindowSec          int
	PollingCooldownSec        int
}

func DefaultSignalsConfig() SignalsConfig {
	return SignalsConfig{
		BigTradeUSD:            10_000,
		BigVolume1MUSD:         25_000,
		CooldownSec:            120,
		MajorChangePct:         5,
		MajorChangeWindowSec:   60,
		MajorChangeSource:      "trade",
		DropExpiredMarkets:     true,
		PollingVolumeThresholdUSD: 50_000,
		PollingWindowSec:          300,
		PollingCooldownSec:        300,
	}
}

// SinksConfig controls the multiplex sink's routing and per-sink wiring.
type SinksConfig struct {
	Mode           string // best_effort | required_sinks
	RequiredSinks  []string
	Routes         map[string][]string
	Transform      string // full | compact

	StdoutEnabled bool

	WebhookEnabled           bool
	WebhookURL               string
	WebhookMaxRetries        int
	WebhookTimeoutSec        float64
	WebhookAggregateEnabled  bool
	WebhookAggregateWindowSec float64
	WebhookAggregateMaxItems int

	PubSubEnabled bool
	PubSubTopic   string
}

func DefaultSinksConfig() SinksConfig {
	return SinksConfig{
		Mode:                      "best_effort",
		Transform:                 "full",
		StdoutEnabled:             true,
		WebhookMaxRetries:         5,
		WebhookTimeoutSec:         10,
		WebhookAggregateEnabled:   true,
		WebhookAggregateWindowSec: 2,
		WebhookAggregateMaxItems:  5,
	}
}

// Config is the root configuration tree threaded into the orchestrator.
type Config struct {
	App     AppConfig
	Filters FiltersConfig
	Rolling RollingConfig
	Top     TopConfig
	Gamma   GammaConfig
	Clob    ClobConfig
	Signals SignalsConfig
	Sinks   SinksConfig
}

// Default returns the root configuration with every section defaulted.
func Default() Config {
	return Config{
		App:     DefaultAppConfig(),
		Filters: DefaultFiltersConfig(),
		Rolling: DefaultRollingConfig(),
		Top:     DefaultTopConfig(),
		Gamma:   DefaultGammaConfig(),
		Clob:    DefaultClobConfig(),
		Signals: DefaultSignalsConfig(),
		Sinks:   DefaultSinksConfig(),
	}
}
