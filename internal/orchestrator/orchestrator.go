// Package orchestrator implements C9: the two concurrent long-lived
// tasks that drive the whole pipeline — a refresh loop that re-runs
// discovery and resubscribes the feed, and a consume loop that routes
// decoded feed messages through the order-book registry and signal
// engine to the multiplex sink. Grounded on the teacher's
// discoveryLoop/forecastLoop/monitorLoop ticker-plus-callback shape
// (pkg/trader/orchestrator/orchestrator.go), generalized from three
// independent tickers to the spec's two-task model with shared
// cancellation, and on pkg/wss/client.go's readLoop/routeMessage shape
// for the consume loop.
package orchestrator

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/polymarket-signal-pipeline/marketsignal/internal/catalog"
	"github.com/polymarket-signal-pipeline/marketsignal/internal/clock"
	"github.com/polymarket-signal-pipeline/marketsignal/internal/discovery"
	"github.com/polymarket-signal-pipeline/marketsignal/internal/events"
	"github.com/polymarket-signal-pipeline/marketsignal/internal/feed"
	"github.com/polymarket-signal-pipeline/marketsignal/internal/metrics"
	"github.com/polymarket-signal-pipeline/marketsignal/internal/orderbook"
	"github.com/polymarket-signal-pipeline/marketsignal/internal/signal"
)

// EventPublisher is implemented by the multiplex sink and by any stand-in
// used in tests.
type EventPublisher interface {
	Publish(ctx context.Context, event events.DomainEvent) error
}

// Config parameterizes one Orchestrator.
type Config struct {
	Categories              []string
	RefreshInterval         time.Duration
	ResyncOnGap             bool
	ResyncMinIntervalSec    int64
	PollingVolumeThresholdUSD decimal.Decimal
	PollingWindowSec        int64
	PollingCooldownSec      int64
}

// Orchestrator wires discovery, the feed client, the order-book
// registry, and the signal engine together and owns the two long-lived
// tasks (refresh loop, consume loop).
type Orchestrator struct {
	clock    clock.Clock
	disc     *discovery.Discovery
	feed     *feed.Client
	registry *orderbook.Registry
	signals  *signal.Engine
	sink     EventPublisher
	cfg      Config
	metrics  *metrics.PipelineMetrics

	mu               sync.Mutex
	tokenMeta        map[string]signal.TokenMeta
	marketsByID      map[string]catalog.Market
	prevTokenIDs     []string
	firstRefreshDone bool
	prevVolume24H    map[string]decimal.Decimal
	lastPollSignal   map[string]int64
	lastResyncMS     int64

	msgCh chan feed.Message
}

func New(clk clock.Clock, disc *discovery.Discovery, feedClient *feed.Client, registry *orderbook.Registry, signals *signal.Engine, sink EventPublisher, cfg Config) *Orchestrator {
	return &Orchestrator{
		clock:          clk,
		disc:           disc,
		feed:           feedClient,
		registry:       registry,
		signals:        signals,
		sink:           sink,
		cfg:            cfg,
		tokenMeta:      map[string]signal.TokenMeta{},
		marketsByID:    map[string]catalog.Market{},
		prevVolume24H:  map[string]decimal.Decimal{},
		lastPollSignal: map[string]int64{},
		msgCh:          make(chan feed.Message, 256),
	}
}

// SetMetrics attaches a metrics collector; nil (the default) disables
// instrumentation.
func (o *Orchestrator) SetMetrics(m *metrics.PipelineMetrics) {
	o.metrics = m
}

// AttachFeed wires the feed client after construction, since the client
// must be built with Handlers.OnMessage pointed at this Orchestrator's
// HandleFeedMessage, which in turn requires the Orchestrator to already
// exist. Call before Run.
func (o *Orchestrator) AttachFeed(feedClient *feed.Client) {
	o.feed = feedClient
}

// HandleFeedMessage is the feed.Handlers.OnMessage callback: the caller
// wires feed.NewClient(cfg, feed.Handlers{OnMessage: orch.HandleFeedMessage})
// so every decoded message reaches the consume loop. A full channel
// drops the message rather than blocking the feed's read loop.
func (o *Orchestrator) HandleFeedMessage(msg feed.Message) {
	select {
	case o.msgCh <- msg:
	default:
		log.Printf("orchestrator: consume queue full, dropping message kind=%s token=%s", msg.Kind, msg.TokenID)
	}
}

// Run drives both long-lived tasks until ctx is cancelled; cancelling
// one stops both.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer cancel()
		o.refreshLoop(ctx)
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		o.consumeLoop(ctx)
	}()

	wg.Wait()
	return ctx.Err()
}

func (o *Orchestrator) refreshLoop(ctx context.Context) {
	if err := o.runRefresh(ctx); err != nil {
		log.Printf("orchestrator: initial refresh failed: %v", err)
	}

	interval := o.cfg.RefreshInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.runRefresh(ctx); err != nil {
				log.Printf("orchestrator: refresh failed: %v", err)
			}
		}
	}
}

// runRefresh implements the nine-step refresh-loop algorithm.
func (o *Orchestrator) runRefresh(ctx context.Context) error {
	start := o.clock.Now()

	result, err := o.disc.Refresh(ctx, o.cfg.Categories)
	if err != nil {
		o.emitHealth(ctx, "refresh_error", nil, err)
		if o.metrics != nil {
			o.metrics.RecordRefresh("error", o.clock.Now().Sub(start).Seconds())
		}
		return err
	}

	allMarkets := map[string]catalog.Market{}
	for _, markets := range result.MarketsByCategory {
		for _, m := range markets {
			allMarkets[m.MarketID] = m
		}
	}
	for _, m := range result.Untradeable {
		allMarkets[m.MarketID] = m
	}

	o.mu.Lock()
	prevMarkets := o.marketsByID
	isFirstRefresh := !o.firstRefreshDone
	o.mu.Unlock()

	if !isFirstRefresh {
		o.emitLifecycleDiff(ctx, prevMarkets, allMarkets)
	}

	tokenMeta := buildTokenMeta(result.MarketsByCategory)
	o.mu.Lock()
	o.tokenMeta = tokenMeta
	o.marketsByID = allMarkets
	o.mu.Unlock()
	o.signals.UpdateRegistry(tokenMeta)

	tokenIDs := make([]string, 0, len(tokenMeta))
	for id := range tokenMeta {
		tokenIDs = append(tokenIDs, id)
	}
	sort.Strings(tokenIDs)

	o.mu.Lock()
	changed := !stringSliceEqual(o.prevTokenIDs, tokenIDs)
	o.prevTokenIDs = tokenIDs
	o.mu.Unlock()

	if changed {
		if err := o.feed.Subscribe(tokenIDs); err != nil {
			log.Printf("orchestrator: subscribe failed: %v", err)
		}
		if o.metrics != nil {
			o.metrics.RecordSubscriptionChange()
		}
		o.publish(ctx, events.DomainEvent{
			EventType: events.TypeSubscriptionChanged,
			Payload:   events.SubscriptionChangedPayload{TokenCount: len(tokenIDs)},
		})
	}

	for category, markets := range result.MarketsByCategory {
		if o.metrics != nil {
			o.metrics.UpdateCandidateCount(category, len(markets))
		}
		o.publish(ctx, events.DomainEvent{
			EventType: events.TypeCandidateSelected,
			Category:  category,
			Payload:   events.CandidateSelectedPayload{MarketCount: len(markets)},
		})
	}

	o.pollUntradeableVolume(ctx, result.Untradeable)

	if isFirstRefresh && len(tokenIDs) > 0 {
		o.mu.Lock()
		o.firstRefreshDone = true
		o.mu.Unlock()
		o.publish(ctx, events.DomainEvent{
			EventType: events.TypeMonitoringStatus,
			Payload: events.MonitoringStatusPayload{
				TokenCount:          len(tokenIDs),
				UnsubscribableCount: len(result.Untradeable),
			},
		})
	}

	elapsed := o.clock.Now().Sub(start)
	durationMS := elapsed.Milliseconds()
	o.emitHealth(ctx, "refresh_ok", &durationMS, nil)
	if o.metrics != nil {
		o.metrics.RecordRefresh("ok", elapsed.Seconds())
	}
	return nil
}

func (o *Orchestrator) emitLifecycleDiff(ctx context.Context, prev, current map[string]catalog.Market) {
	for id := range current {
		if _, existed := prev[id]; !existed {
			o.publish(ctx, events.DomainEvent{
				EventType: events.TypeMarketLifecycle,
				MarketID:  id,
				Payload:   events.MarketLifecyclePayload{Status: "new"},
			})
		}
	}
	for id := range prev {
		if _, stillPresent := current[id]; !stillPresent {
			o.publish(ctx, events.DomainEvent{
				EventType: events.TypeMarketLifecycle,
				MarketID:  id,
				Payload:   events.MarketLifecyclePayload{Status: "removed"},
			})
		}
	}
}

// pollUntradeableVolume implements step 7: polled web-volume-spike
// detection for markets with no order book.
func (o *Orchestrator) pollUntradeableVolume(ctx context.Context, untradeable []catalog.Market) {
	windowSec := o.cfg.PollingWindowSec
	if windowSec <= 0 {
		windowSec = 60
	}
	threshold := o.cfg.PollingVolumeThresholdUSD.Mul(decimal.NewFromInt(windowSec)).Div(decimal.NewFromInt(60))

	nowMS := o.clock.NowMS()
	for _, m := range untradeable {
		if m.Volume24H == nil {
			continue
		}
		vol := decimal.NewFromFloat(*m.Volume24H)

		o.mu.Lock()
		prev, hadPrev := o.prevVolume24H[m.MarketID]
		o.prevVolume24H[m.MarketID] = vol
		lastPoll := o.lastPollSignal[m.MarketID]
		o.mu.Unlock()

		if !hadPrev {
			continue
		}
		delta := vol.Sub(prev)
		if delta.Sign() < 0 {
			delta = decimal.Zero
		}
		if o.cfg.PollingVolumeThresholdUSD.Sign() <= 0 || delta.LessThan(threshold) {
			continue
		}
		if nowMS-lastPoll < o.cfg.PollingCooldownSec*1000 {
			continue
		}
		o.mu.Lock()
		o.lastPollSignal[m.MarketID] = nowMS
		o.mu.Unlock()

		o.publish(ctx, events.DomainEvent{
			EventType: events.TypeTradeSignal,
			MarketID:  m.MarketID,
			Category:  m.Category,
			Title:     m.Question,
			Payload: events.WebVolumeSpikePayload{
				Signal:      events.SignalWebVolumeSpike,
				DeltaVolume: delta,
				Volume24H:   vol,
				WindowSec:   windowSec,
			},
		})
	}
}

func (o *Orchestrator) emitHealth(ctx context.Context, status string, durationMS *int64, cause error) {
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	o.publish(ctx, events.DomainEvent{
		EventType: events.TypeHealthEvent,
		Payload:   events.HealthPayload{Status: status, DurationMS: durationMS, Error: errText},
	})
}

func (o *Orchestrator) publish(ctx context.Context, event events.DomainEvent) {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.TsMS == 0 {
		event.TsMS = o.clock.NowMS()
	}
	if event.Source == "" {
		event.Source = "polymarket"
	}
	if err := o.sink.Publish(ctx, event); err != nil {
		log.Printf("orchestrator: publish failed: %v", err)
	}
}

// consumeLoop implements the message-routing table: Trade -> signal
// engine; Book/PriceChange -> order book registry, then on success to
// the signal engine; MarketLifecycle -> enriched lifecycle event;
// BestBidAsk -> dropped (debug only).
func (o *Orchestrator) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-o.msgCh:
			o.routeMessage(ctx, msg)
		}
	}
}

func (o *Orchestrator) routeMessage(ctx context.Context, msg feed.Message) {
	if o.metrics != nil {
		o.metrics.RecordFeedMessage(string(msg.Kind))
	}
	switch msg.Kind {
	case feed.KindTrade:
		if msg.Trade == nil {
			return
		}
		if err := o.signals.HandleTrade(ctx, signal.Trade{
			TokenID: msg.TokenID,
			Price:   msg.Trade.Price,
			Size:    msg.Trade.Size,
			TsMS:    msg.TsMS,
		}); err != nil {
			log.Printf("orchestrator: handle trade failed: %v", err)
		}
	case feed.KindBook:
		if msg.Book == nil {
			return
		}
		result := o.registry.ApplySnapshot(msg.TokenID, toOrderbookSnapshot(msg), msg.Seq)
		o.afterBookUpdate(ctx, msg.TokenID, result)
	case feed.KindPriceChange:
		result := o.registry.ApplyPriceChange(msg.TokenID, msg.Seq, &msg.TsMS, toOrderbookChanges(msg.PriceChanges))
		o.afterBookUpdate(ctx, msg.TokenID, result)
	case feed.KindMarketLifecycle:
		o.handleFeedLifecycle(ctx, msg)
	case feed.KindBestBidAsk:
		// Debug only; not surfaced as a domain event.
	}
}

func (o *Orchestrator) afterBookUpdate(ctx context.Context, tokenID string, result orderbook.UpdateResult) {
	if result.ResyncNeeded {
		o.maybeResync(ctx)
		return
	}
	if result.Snapshot == nil {
		return
	}
	if err := o.signals.HandleBook(ctx, signal.Book{
		TokenID: tokenID,
		Bids:    toSignalLevels(result.Snapshot.Bids),
		Asks:    toSignalLevels(result.Snapshot.Asks),
		TsMS:    result.Snapshot.TsMS,
	}); err != nil {
		log.Printf("orchestrator: handle book failed: %v", err)
	}
}

func (o *Orchestrator) maybeResync(ctx context.Context) {
	if !o.cfg.ResyncOnGap {
		return
	}
	nowMS := o.clock.NowMS()
	o.mu.Lock()
	elapsedOK := nowMS-o.lastResyncMS >= o.cfg.ResyncMinIntervalSec*1000
	if elapsedOK {
		o.lastResyncMS = nowMS
	}
	o.mu.Unlock()
	if !elapsedOK {
		return
	}
	if o.metrics != nil {
		o.metrics.RecordResync("sequence_gap")
	}
	if err := o.feed.Resubscribe(); err != nil {
		log.Printf("orchestrator: resubscribe failed: %v", err)
	}
}

func (o *Orchestrator) handleFeedLifecycle(ctx context.Context, msg feed.Message) {
	o.mu.Lock()
	meta, hasMeta := o.tokenMeta[msg.TokenID]
	market, hasMarket := o.marketsByID[meta.MarketID]
	o.mu.Unlock()
	if !hasMeta && !hasMarket {
		return
	}
	status := "unknown"
	if msg.Lifecycle != nil {
		status = msg.Lifecycle.Status
	}
	var endTS *int64
	if hasMarket {
		endTS = market.EndTSMs
	}
	o.publish(ctx, events.DomainEvent{
		EventType: events.TypeMarketLifecycle,
		MarketID:  meta.MarketID,
		TokenID:   msg.TokenID,
		Payload:   events.MarketLifecyclePayload{Status: status, EndTS: endTS},
	})
}

// buildTokenMeta implements step 4: one TokenMeta per (market, outcome)
// pair, falling back to market.TokenIDs with side=nil if no outcome
// carries a token id.
func buildTokenMeta(marketsByCategory map[string][]catalog.Market) map[string]signal.TokenMeta {
	out := map[string]signal.TokenMeta{}
	for category, markets := range marketsByCategory {
		for _, m := range markets {
			if len(m.Outcomes) > 0 {
				added := false
				for _, outcome := range m.Outcomes {
					if outcome.TokenID == "" {
						continue
					}
					added = true
					out[outcome.TokenID] = signal.TokenMeta{
						TokenID:  outcome.TokenID,
						MarketID: m.MarketID,
						Category: category,
						Title:    m.Question,
						Side:     outcome.Side,
						TopicKey: m.TopicKey,
						EndTS:    m.EndTSMs,
					}
				}
				if added {
					continue
				}
			}
			for _, tokenID := range m.TokenIDs {
				out[tokenID] = signal.TokenMeta{
					TokenID:  tokenID,
					MarketID: m.MarketID,
					Category: category,
					Title:    m.Question,
					TopicKey: m.TopicKey,
					EndTS:    m.EndTSMs,
				}
			}
		}
	}
	return out
}

func toOrderbookSnapshot(msg feed.Message) orderbook.Snapshot {
	return orderbook.Snapshot{
		TokenID: msg.TokenID,
		Bids:    toOrderbookLevels(msg.Book.Bids),
		Asks:    toOrderbookLevels(msg.Book.Asks),
		TsMS:    msg.TsMS,
	}
}

func toOrderbookLevels(levels []feed.Level) []orderbook.Level {
	out := make([]orderbook.Level, len(levels))
	for i, l := range levels {
		out[i] = orderbook.Level{Price: l.Price, Size: l.Size}
	}
	return out
}

func toOrderbookChanges(changes []feed.PriceChange) []orderbook.PriceChange {
	out := make([]orderbook.PriceChange, len(changes))
	for i, c := range changes {
		out[i] = orderbook.PriceChange{Side: c.Side, Price: c.Price, Size: c.Size}
	}
	return out
}

func toSignalLevels(levels []orderbook.Level) []signal.BookLevel {
	out := make([]signal.BookLevel, len(levels))
	for i, l := range levels {
		out[i] = signal.BookLevel{Price: l.Price, Size: l.Size}
	}
	return out
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
