package signal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/polymarket-signal-pipeline/marketsignal/internal/clock"
	"github.com/polymarket-signal-pipeline/marketsignal/internal/events"
)

type capturingSink struct {
	mu     sync.Mutex
	events []events.DomainEvent
}

func (s *capturingSink) Publish(ctx context.Context, event events.DomainEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *capturingSink) all() []events.DomainEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.DomainEvent, len(s.events))
	copy(out, s.events)
	return out
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func newEngine(sink Sink, clk clock.Clock, cfg Config) *Engine {
	e := New(clk, sink, cfg)
	e.UpdateRegistry(map[string]TokenMeta{
		"T1": {TokenID: "T1", MarketID: "M1", Category: "finance", Title: "Will X happen?"},
	})
	return e
}

// Scenario 1: big trade at threshold.
func TestBigTradeAtThresholdEmitsExactlyOnce(t *testing.T) {
	clk := clock.NewManual(time.Now())
	sink := &capturingSink{}
	cfg := Config{
		BigTradeUSD: d("10000"),
		CooldownSec: 0,
	}
	e := newEngine(sink, clk, cfg)

	if err := e.HandleTrade(context.Background(), Trade{TokenID: "T1", Price: d("1.0"), Size: d("10000"), TsMS: 0}); err != nil {
		t.Fatalf("HandleTrade error: %v", err)
	}

	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 event, got %d", len(got))
	}
	payload, ok := got[0].Payload.(events.BigTradePayload)
	if !ok {
		t.Fatalf("expected BigTradePayload, got %T", got[0].Payload)
	}
	if !payload.Notional.Equal(d("10000")) {
		t.Errorf("expected notional=10000, got %s", payload.Notional)
	}
}

// Boundary: one cent less does not emit.
func TestBigTradeOneCentBelowThresholdDoesNotEmit(t *testing.T) {
	clk := clock.NewManual(time.Now())
	sink := &capturingSink{}
	cfg := Config{BigTradeUSD: d("10000"), CooldownSec: 0}
	e := newEngine(sink, clk, cfg)

	if err := e.HandleTrade(context.Background(), Trade{TokenID: "T1", Price: d("1.0"), Size: d("9999.99"), TsMS: 0}); err != nil {
		t.Fatalf("HandleTrade error: %v", err)
	}
	if got := sink.all(); len(got) != 0 {
		t.Fatalf("expected no event below threshold, got %d", len(got))
	}
}

// Scenario 2: volume spike build-up over three trades.
func TestVolumeSpikeBuildUpEmitsOnceAfterThirdTrade(t *testing.T) {
	clk := clock.NewManual(time.Now())
	sink := &capturingSink{}
	cfg := Config{BigVolume1MUSD: d("100"), CooldownSec: 0}
	e := newEngine(sink, clk, cfg)

	trades := []Trade{
		{TokenID: "T1", Price: d("2"), Size: d("20"), TsMS: 0},
		{TokenID: "T1", Price: d("2"), Size: d("20"), TsMS: 10000},
		{TokenID: "T1", Price: d("2"), Size: d("20"), TsMS: 20000},
	}
	for _, tr := range trades {
		if err := e.HandleTrade(context.Background(), tr); err != nil {
			t.Fatalf("HandleTrade error: %v", err)
		}
	}

	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 event after third trade, got %d", len(got))
	}
	payload, ok := got[0].Payload.(events.VolumeSpikePayload)
	if !ok {
		t.Fatalf("expected VolumeSpikePayload, got %T", got[0].Payload)
	}
	if !payload.Vol1M.Equal(d("120")) {
		t.Errorf("expected vol_1m=120, got %s", payload.Vol1M)
	}
}

// Scenario 3: cooldown suppresses the second identical emission.
func TestCooldownSuppressesSecondEmission(t *testing.T) {
	base := time.Now()
	clk := clock.NewManual(base)
	sink := &capturingSink{}
	cfg := Config{BigTradeUSD: d("10000"), CooldownSec: 60}
	e := newEngine(sink, clk, cfg)

	if err := e.HandleTrade(context.Background(), Trade{TokenID: "T1", Price: d("1.0"), Size: d("10000"), TsMS: clk.NowMS()}); err != nil {
		t.Fatalf("HandleTrade error: %v", err)
	}
	clk.Advance(30_000_000_000) // 30s in nanoseconds
	if err := e.HandleTrade(context.Background(), Trade{TokenID: "T1", Price: d("1.0"), Size: d("10000"), TsMS: clk.NowMS()}); err != nil {
		t.Fatalf("HandleTrade error: %v", err)
	}

	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 event within cooldown window, got %d", len(got))
	}
}

func TestMajorChangeAtThresholdEmits(t *testing.T) {
	base := time.Now()
	clk := clock.NewManual(base)
	sink := &capturingSink{}
	cfg := Config{
		MajorChangePct:       d("5"),
		MajorChangeWindowSec: 300,
		MajorChangeSource:    "trade",
		CooldownSec:          0,
	}
	e := newEngine(sink, clk, cfg)

	// First trade establishes the baseline price; no previous price yet.
	if err := e.HandleTrade(context.Background(), Trade{TokenID: "T1", Price: d("0.50"), Size: d("1"), TsMS: 0}); err != nil {
		t.Fatalf("HandleTrade error: %v", err)
	}
	if got := sink.all(); len(got) != 0 {
		t.Fatalf("expected no event on baseline trade, got %d", len(got))
	}

	// Second trade moves the price by exactly 5%.
	if err := e.HandleTrade(context.Background(), Trade{TokenID: "T1", Price: d("0.525"), Size: d("1"), TsMS: 1000}); err != nil {
		t.Fatalf("HandleTrade error: %v", err)
	}
	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 major_change event at threshold, got %d", len(got))
	}
	payload, ok := got[0].Payload.(events.MajorChangePayload)
	if !ok {
		t.Fatalf("expected MajorChangePayload, got %T", got[0].Payload)
	}
	if payload.Direction != "up" {
		t.Errorf("expected direction=up, got %s", payload.Direction)
	}
}

func TestMajorChangeOneBasisPointBelowDoesNotEmit(t *testing.T) {
	clk := clock.NewManual(time.Now())
	sink := &capturingSink{}
	cfg := Config{
		MajorChangePct:       d("5"),
		MajorChangeWindowSec: 300,
		MajorChangeSource:    "trade",
	}
	e := newEngine(sink, clk, cfg)

	if err := e.HandleTrade(context.Background(), Trade{TokenID: "T1", Price: d("0.50"), Size: d("1"), TsMS: 0}); err != nil {
		t.Fatalf("HandleTrade error: %v", err)
	}
	// 4.99% move.
	if err := e.HandleTrade(context.Background(), Trade{TokenID: "T1", Price: d("0.52495"), Size: d("1"), TsMS: 1000}); err != nil {
		t.Fatalf("HandleTrade error: %v", err)
	}
	if got := sink.all(); len(got) != 0 {
		t.Fatalf("expected no event below major_change_pct, got %d", len(got))
	}
}

func TestExpiredMarketSuppressesTrade(t *testing.T) {
	clk := clock.NewManual(time.Now())
	sink := &capturingSink{}
	cfg := Config{BigTradeUSD: d("1"), DropExpiredMarkets: true}
	e := New(clk, sink, cfg)
	endTS := clk.NowMS()
	e.UpdateRegistry(map[string]TokenMeta{
		"T1": {TokenID: "T1", MarketID: "M1", Category: "finance", EndTS: &endTS},
	})

	if err := e.HandleTrade(context.Background(), Trade{TokenID: "T1", Price: d("1"), Size: d("100"), TsMS: clk.NowMS()}); err != nil {
		t.Fatalf("HandleTrade error: %v", err)
	}
	if got := sink.all(); len(got) != 0 {
		t.Fatalf("expected end_ts_ms == now to suppress (boundary inclusive), got %d events", len(got))
	}
}

func TestBigWallEmitsOnBookSnapshot(t *testing.T) {
	clk := clock.NewManual(time.Now())
	sink := &capturingSink{}
	wallSize := d("5000")
	cfg := Config{BigWallSize: &wallSize}
	e := newEngine(sink, clk, cfg)

	err := e.HandleBook(context.Background(), Book{
		TokenID: "T1",
		Bids:    []BookLevel{{Price: d("0.49"), Size: d("6000")}},
		Asks:    []BookLevel{{Price: d("0.51"), Size: d("100")}},
		TsMS:    0,
	})
	if err != nil {
		t.Fatalf("HandleBook error: %v", err)
	}
	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 big_wall event, got %d", len(got))
	}
	payload, ok := got[0].Payload.(events.BigWallPayload)
	if !ok {
		t.Fatalf("expected BigWallPayload, got %T", got[0].Payload)
	}
	if !payload.MaxBid.Equal(d("6000")) {
		t.Errorf("expected max_bid=6000, got %s", payload.MaxBid)
	}
}
