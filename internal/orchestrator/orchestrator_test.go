package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/polymarket-signal-pipeline/marketsignal/internal/catalog"
	"github.com/polymarket-signal-pipeline/marketsignal/internal/clock"
	"github.com/polymarket-signal-pipeline/marketsignal/internal/config"
	"github.com/polymarket-signal-pipeline/marketsignal/internal/discovery"
	"github.com/polymarket-signal-pipeline/marketsignal/internal/events"
	"github.com/polymarket-signal-pipeline/marketsignal/internal/feed"
	"github.com/polymarket-signal-pipeline/marketsignal/internal/orderbook"
	"github.com/polymarket-signal-pipeline/marketsignal/internal/signal"
)

type fakeCatalog struct {
	markets []catalog.Market
}

func (f *fakeCatalog) ListTags(ctx context.Context) ([]catalog.Tag, error) {
	return []catalog.Tag{{TagID: "1", Slug: "finance"}}, nil
}

func (f *fakeCatalog) ListMarkets(ctx context.Context, tagID string, active, closed bool) ([]catalog.Market, error) {
	return f.markets, nil
}

func (f *fakeCatalog) ListTopMarkets(ctx context.Context, filter catalog.TopMarketsFilter) ([]catalog.Market, error) {
	return nil, nil
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []events.DomainEvent
}

func (p *capturingPublisher) Publish(ctx context.Context, event events.DomainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturingPublisher) all() []events.DomainEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.DomainEvent, len(p.events))
	copy(out, p.events)
	return out
}

func (p *capturingPublisher) hasType(t events.Type) bool {
	for _, e := range p.all() {
		if e.EventType == t {
			return true
		}
	}
	return false
}

func TestRunRefreshEmitsSelectionSubscriptionAndMonitoringStatus(t *testing.T) {
	liq := 100.0
	cat := &fakeCatalog{markets: []catalog.Market{
		{MarketID: "m1", Question: "Q1", Active: true, Liquidity: &liq, TokenIDs: []string{"tok-yes", "tok-no"}, Outcomes: []catalog.OutcomeToken{{TokenID: "tok-yes", Side: "YES"}, {TokenID: "tok-no", Side: "NO"}}},
	}}
	disc := discovery.New(cat, config.DefaultFiltersConfig(), config.RollingConfig{}, config.TopConfig{})

	clk := clock.NewManual(time.Now())
	registry := orderbook.NewRegistry()
	pub := &capturingPublisher{}
	engine := signal.New(clk, noopSignalSink{}, signal.Config{})
	feedClient := feed.NewClient(feed.Config{WSURL: "ws://unused", Channel: "market"}, feed.Handlers{})

	orch := New(clk, disc, feedClient, registry, engine, pub, Config{Categories: []string{"finance"}})

	if err := orch.runRefresh(context.Background()); err != nil {
		t.Fatalf("runRefresh() error = %v", err)
	}

	if !pub.hasType(events.TypeCandidateSelected) {
		t.Errorf("expected a CandidateSelected event")
	}
	if !pub.hasType(events.TypeMonitoringStatus) {
		t.Errorf("expected a MonitoringStatus event on first non-empty refresh")
	}
	if !pub.hasType(events.TypeSubscriptionChanged) {
		t.Errorf("expected a SubscriptionChanged event on first token-set change")
	}
	if !pub.hasType(events.TypeHealthEvent) {
		t.Errorf("expected a refresh_ok HealthEvent")
	}
}

func decimalFromString(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type noopSignalSink struct{}

func (noopSignalSink) Publish(ctx context.Context, event events.DomainEvent) error { return nil }

func TestConsumeLoopRoutesTradeToSignalEngine(t *testing.T) {
	clk := clock.NewManual(time.Now())
	registry := orderbook.NewRegistry()
	pub := &capturingPublisher{}
	engine := signal.New(clk, pub, signal.Config{BigTradeUSD: decimalFromString("100")})
	engine.UpdateRegistry(map[string]signal.TokenMeta{"tok-1": {TokenID: "tok-1", MarketID: "m1", Category: "finance"}})
	feedClient := feed.NewClient(feed.Config{WSURL: "ws://unused", Channel: "market"}, feed.Handlers{})

	orch := New(clk, nil, feedClient, registry, engine, pub, Config{})
	orch.routeMessage(context.Background(), feed.Message{
		Kind:    feed.KindTrade,
		TokenID: "tok-1",
		TsMS:    clk.NowMS(),
		Trade:   &feed.Trade{Price: decimalFromString("1.0"), Size: decimalFromString("200")},
	})

	if !pub.hasType(events.TypeTradeSignal) {
		t.Errorf("expected routeMessage to surface a TradeSignal via the signal engine")
	}
}
